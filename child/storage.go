package child

import (
	"context"
	"slices"

	"github.com/reglet-dev/mediahost/dispatch"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/shmem"
	"github.com/reglet-dev/mediahost/wireformat"
)

// storageClient forwards a codec's record requests to the host's storage
// actor with the same id.
type storageClient struct {
	rt       *Runtime
	callback ports.RecordCallback
	id       uint32
	closed   bool
}

var _ ports.RecordClient = (*storageClient)(nil)

var storageClientTable = dispatch.MustTable(
	dispatch.WithMessage(wireformat.TagStorageOpenComplete, (*storageClient).recvOpenComplete),
	dispatch.WithMessage(wireformat.TagStorageReadComplete, (*storageClient).recvReadComplete),
	dispatch.WithMessage(wireformat.TagStorageWriteComplete, (*storageClient).recvWriteComplete),
	dispatch.WithMessage(wireformat.TagStorageRecordNames, (*storageClient).recvRecordNames),
	dispatch.WithSignal(wireformat.TagStorageShutdown, (*storageClient).recvShutdown),
)

func (c *storageClient) handle(ctx context.Context, env *wireformat.Envelope) error {
	return storageClientTable.Invoke(ctx, c, env)
}

func (c *storageClient) abort() {
	if c.closed {
		return
	}
	c.closed = true
	c.callback.Closed()
}

// Open implements ports.RecordClient.
func (c *storageClient) Open(name string) error {
	return c.request(wireformat.TagStorageOpen, wireformat.StorageNameWire{Name: name})
}

// Read implements ports.RecordClient.
func (c *storageClient) Read(name string) error {
	return c.request(wireformat.TagStorageRead, wireformat.StorageNameWire{Name: name})
}

// Write implements ports.RecordClient. Values over the runtime's record
// size limit are rejected without contacting the host.
func (c *storageClient) Write(name string, data []byte) error {
	if len(data) > c.rt.config.maxRecordSize {
		return domerrors.NewStorageError("write", name, domerrors.ErrQuotaExceeded)
	}
	// The codec may reuse data once Write returns.
	return c.requestWithSegment(wireformat.TagStorageWrite, wireformat.StorageWriteWire{Name: name}, wireformat.ValueSegment(slices.Clone(data)))
}

// Close implements ports.RecordClient.
func (c *storageClient) Close(name string) error {
	return c.request(wireformat.TagStorageClose, wireformat.StorageNameWire{Name: name})
}

// GetRecordNames implements ports.RecordClient.
func (c *storageClient) GetRecordNames() error {
	return c.request(wireformat.TagStorageGetRecordNames, nil)
}

func (c *storageClient) request(tag wireformat.Tag, payload any) error {
	return c.requestWithSegment(tag, payload, nil)
}

func (c *storageClient) requestWithSegment(tag wireformat.Tag, payload any, seg *shmem.Segment) error {
	_, err := onLoopWait(c.rt, func() (struct{}, error) {
		if c.closed {
			return struct{}{}, domerrors.NewStorageError(tag.String(), "", domerrors.ErrClosed)
		}
		return struct{}{}, c.rt.send(tag, c.id, payload, seg)
	})
	return err
}

func (c *storageClient) recvOpenComplete(msg *wireformat.StorageStatusWire, _ *shmem.Segment) error {
	if !c.closed {
		c.callback.OpenComplete(msg.Name, msg.Status)
	}
	return nil
}

func (c *storageClient) recvReadComplete(msg *wireformat.StorageReadCompleteWire, seg *shmem.Segment) error {
	if !c.closed {
		c.callback.ReadComplete(msg.Name, wireformat.SegmentValue(seg), msg.Status)
	}
	return nil
}

func (c *storageClient) recvWriteComplete(msg *wireformat.StorageStatusWire, _ *shmem.Segment) error {
	if !c.closed {
		c.callback.WriteComplete(msg.Name, msg.Status)
	}
	return nil
}

func (c *storageClient) recvRecordNames(msg *wireformat.StorageRecordNamesWire, _ *shmem.Segment) error {
	if !c.closed {
		c.callback.RecordNames(msg.Names, msg.Status)
	}
	return nil
}

// recvShutdown acknowledges the host closing storage; the host destroys its
// actor once it sees the deletion.
func (c *storageClient) recvShutdown() error {
	c.abort()
	delete(c.rt.actors, c.id)
	return c.rt.send(wireformat.TagActorDeleted, wireformat.ControlActor, wireformat.ActorDeletedWire{Actor: c.id}, nil)
}
