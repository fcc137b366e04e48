// Package dispatch routes incoming messages to per-tag handlers.
//
// A Table is built once per actor kind and is immutable afterwards, so
// lookups during dispatch need no locking. Handlers receive the actor the
// message is addressed to along with the decoded envelope.
//
// Example usage:
//
//	table, err := dispatch.NewTable(
//	    dispatch.WithMiddleware(dispatch.LoggingMiddleware[*Decoder](logger)),
//	    dispatch.WithMessage(wireformat.TagDecoded, (*Decoder).recvDecoded),
//	    dispatch.WithSignal(wireformat.TagDrainComplete, (*Decoder).recvDrainComplete),
//	)
//
// Invoke returns a *errors.ProtocolError for tags the table does not know and
// for payloads that fail to decode. Callers treat that as a fatal contract
// violation by the peer.
package dispatch
