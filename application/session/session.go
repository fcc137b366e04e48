// Package session implements the parent side of the codec actor protocol:
// one Decoder or Encoder per codec instance running in a plugin process, and
// the Storage actor serving a plugin's record requests.
//
// Every method must be called on the owning host's loop. Sends are
// fire-and-forget: a method returns an error only for a local failure
// (wrong state, send into a torn-down channel). Codec failures reach the
// caller through the registered callback's Error and Terminated methods.
//
// Destruction is asynchronous. Shutdown asks the plugin to complete the
// codec; the session is destroyed when the plugin confirms, or at once when
// the channel is gone. The owning Host hears about it on a later loop turn.
package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/shmem"
	"github.com/reglet-dev/mediahost/wireformat"
)

// Host is the plugin host that owns a session.
type Host interface {
	// Send queues env on the plugin's channel.
	Send(env *wireformat.Envelope) error

	// Pool is the host's buffer pool for outgoing payloads.
	Pool() *shmem.Pool

	// Dispatch runs fn on the owning loop after the current task.
	Dispatch(fn func()) error

	// AssertOnLoop panics when called off the owning loop.
	AssertOnLoop()

	// SessionDestroyed reports that s is gone. It is always called from a
	// task of its own, never from inside one of s's handlers.
	SessionDestroyed(s Session)
}

// Session is one actor owned by a plugin host.
type Session interface {
	ActorID() uint32
	Kind() entities.SessionKind
	State() entities.SessionState

	// HandleMessage dispatches a message addressed to the actor. A returned
	// *errors.ProtocolError means the plugin broke the protocol.
	HandleMessage(ctx context.Context, env *wireformat.Envelope) error

	// Shutdown starts an orderly teardown.
	Shutdown()

	// ActorDestroyed tears the session down at once. abnormal is true when
	// the plugin process died.
	ActorDestroyed(abnormal bool)
}

// base carries what every session kind shares.
type base struct {
	host           Host
	logger         *zap.Logger
	id             uint32
	state          entities.SessionState
	shuttingDown   bool
	actorDestroyed bool
}

func newBase(host Host, id uint32, kind entities.SessionKind, logger *zap.Logger) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		host:   host,
		id:     id,
		state:  entities.SessionInitial,
		logger: logger.With(zap.String("component", kind.String()), zap.Uint32("actor", id)),
	}
}

// ActorID returns the id the actor is addressed by on the channel.
func (b *base) ActorID() uint32 {
	return b.id
}

// State returns the lifecycle state.
func (b *base) State() entities.SessionState {
	return b.state
}

func (b *base) requireOpen(op string) error {
	b.host.AssertOnLoop()
	if b.state != entities.SessionOpen {
		return &domerrors.StateError{Operation: op, State: b.state.String()}
	}
	return nil
}

// send builds and sends one message to the peer actor. When the send fails
// and a segment was attached, the segment is given back to class.
func (b *base) send(tag wireformat.Tag, payload any, seg *shmem.Segment, class shmem.Class) error {
	env, err := wireformat.NewEnvelope(tag, b.id, payload, seg)
	if err == nil {
		err = b.host.Send(env)
	}
	if err != nil {
		if seg != nil {
			b.host.Pool().Give(class, seg)
		}
		b.logger.Debug("send failed", zap.Stringer("tag", tag), zap.Error(err))
		return &domerrors.TransportError{Operation: "send " + tag.String(), Err: err}
	}
	return nil
}

// returnToChild hands a segment carrying plugin output back to the plugin's
// pool. A failure only means the channel is gone, and the segment with it.
func (b *base) returnToChild(seg *shmem.Segment, class shmem.Class) {
	if seg == nil || b.actorDestroyed {
		return
	}
	env, err := wireformat.NewEnvelope(wireformat.TagReturnShmem, b.id, wireformat.ReturnShmemWire{Class: uint8(class)}, seg)
	if err == nil {
		err = b.host.Send(env)
	}
	if err != nil {
		b.logger.Debug("could not return segment to plugin", zap.Error(err))
	}
}

// reclaim puts an input segment the plugin has finished with back in the
// host pool.
func (b *base) reclaim(msg *wireformat.ReturnShmemWire, seg *shmem.Segment, want shmem.Class) error {
	if seg == nil {
		return &domerrors.ProtocolError{Tag: wireformat.TagReturnShmem.String(), Actor: b.id, Err: fmt.Errorf("no segment attached")}
	}
	if shmem.Class(msg.Class) != want {
		return &domerrors.ProtocolError{Tag: wireformat.TagReturnShmem.String(), Actor: b.id,
			Err: fmt.Errorf("segment of class %s returned to a %s pool", shmem.Class(msg.Class), want)}
	}
	b.host.Pool().Give(want, seg)
	return nil
}

// destroyed marks the actor gone and schedules the owner notification.
func (b *base) destroyed(s Session) {
	if b.actorDestroyed {
		return
	}
	b.actorDestroyed = true
	b.state = entities.SessionDead
	if err := b.host.Dispatch(func() { b.host.SessionDestroyed(s) }); err != nil {
		b.logger.Warn("could not schedule destruction notice", zap.Error(err))
	}
}
