package ports

import (
	"github.com/reglet-dev/mediahost/wireformat"
)

// Channel is an ordered, reliable, duplex message channel to one peer process.
// Send never blocks for a round trip; delivery is in order.
type Channel interface {
	// Start begins delivering incoming envelopes to l. It must be called once.
	Start(l ChannelListener) error

	// Send queues env for the peer. Ownership of env.Segment passes to the
	// channel. Send fails once the channel is closed.
	Send(env *wireformat.Envelope) error

	// Close tears the channel down. The listener's OnChannelClosed fires once.
	Close() error
}

// ChannelListener receives events from a Channel. Callbacks run on the
// channel's own goroutine; implementations dispatch onto their owning loop.
type ChannelListener interface {
	OnMessage(env *wireformat.Envelope)

	// OnChannelClosed reports the end of the channel. err is nil when the
	// channel was closed locally.
	OnChannelClosed(err error)
}
