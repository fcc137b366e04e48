package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/dispatch"
	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/shmem"
	"github.com/reglet-dev/mediahost/wireformat"
)

// DecoderCallback receives a decoder's results on the owning loop.
type DecoderCallback interface {
	// Decoded delivers a frame. frame.Data is only valid during the call.
	Decoded(frame *entities.VideoFrame)
	ReceivedDecodedReferenceFrame(pictureID uint64)
	ReceivedDecodedFrame(pictureID uint64)
	InputDataExhausted()
	DrainComplete()
	ResetComplete()
	Error(err error)

	// Terminated is the last call the callback receives.
	Terminated()
}

// Decoder is the host side of one video decoder in a plugin process.
type Decoder struct {
	base
	callback         DecoderCallback
	frameCount       uint64
	resetOutstanding bool
	drainOutstanding bool
}

var _ Session = (*Decoder)(nil)

var decoderTable = dispatch.MustTable(
	dispatch.WithMessage(wireformat.TagDecoded, (*Decoder).recvDecoded),
	dispatch.WithMessage(wireformat.TagReceivedDecodedReferenceFrame, (*Decoder).recvReferenceFrame),
	dispatch.WithMessage(wireformat.TagReceivedDecodedFrame, (*Decoder).recvDecodedFrame),
	dispatch.WithSignal(wireformat.TagInputDataExhausted, (*Decoder).recvInputDataExhausted),
	dispatch.WithSignal(wireformat.TagDrainComplete, (*Decoder).recvDrainComplete),
	dispatch.WithSignal(wireformat.TagResetComplete, (*Decoder).recvResetComplete),
	dispatch.WithMessage(wireformat.TagError, (*Decoder).recvError),
	dispatch.WithMessage(wireformat.TagReturnShmem, (*Decoder).recvReturnShmem),
)

// NewDecoder creates the session for actor id. The host constructs the
// peer actor.
func NewDecoder(host Host, id uint32, logger *zap.Logger) *Decoder {
	return &Decoder{base: newBase(host, id, entities.KindDecoder, logger)}
}

// Kind returns entities.KindDecoder.
func (d *Decoder) Kind() entities.SessionKind {
	return entities.KindDecoder
}

// FrameCount returns the number of frames submitted so far.
func (d *Decoder) FrameCount() uint64 {
	return d.frameCount
}

// InitDecode opens the session. It may only be called once.
func (d *Decoder) InitDecode(settings entities.VideoCodecSettings, codecSpecific []byte, coreCount int, cb DecoderCallback) error {
	d.host.AssertOnLoop()
	if d.state != entities.SessionInitial {
		return &domerrors.StateError{Operation: "init_decode", State: d.state.String()}
	}
	if cb == nil {
		return fmt.Errorf("init_decode: callback is required")
	}
	msg := wireformat.InitDecodeWire{Settings: settings, CodecSpecific: codecSpecific, CoreCount: coreCount}
	if err := d.send(wireformat.TagInitDecode, msg, nil, shmem.ClassEncoded); err != nil {
		return err
	}
	d.callback = cb
	d.state = entities.SessionOpen
	return nil
}

// Decode submits one encoded frame. The bitstream is copied into a pooled
// segment whose ownership passes to the plugin until it returns it.
func (d *Decoder) Decode(frame *entities.EncodedFrame, missingFrames bool, codecSpecificInfo []byte, renderTimeMs int64) error {
	if err := d.requireOpen("decode"); err != nil {
		return err
	}
	seg, err := d.host.Pool().TakeAtLeast(shmem.ClassEncoded, len(frame.Data))
	if err != nil {
		return err
	}
	if err := seg.Fill(frame.Data); err != nil {
		d.host.Pool().Give(shmem.ClassEncoded, seg)
		return err
	}

	msg := wireformat.DecodeWire{
		Frame:             *frame,
		MissingFrames:     missingFrames,
		CodecSpecificInfo: codecSpecificInfo,
		RenderTimeMs:      renderTimeMs,
	}
	if err := d.send(wireformat.TagDecode, msg, seg, shmem.ClassEncoded); err != nil {
		return err
	}
	d.frameCount++
	return nil
}

// Reset discards the decoder's pending frames. A second Reset before
// ResetComplete is a programming error and panics.
func (d *Decoder) Reset() error {
	if err := d.requireOpen("reset"); err != nil {
		return err
	}
	if d.resetOutstanding {
		panic("session: Reset issued while a previous Reset is outstanding")
	}
	if err := d.send(wireformat.TagReset, nil, nil, shmem.ClassEncoded); err != nil {
		return err
	}
	d.resetOutstanding = true
	return nil
}

// Drain asks the decoder to emit every pending frame. A second Drain before
// DrainComplete is a programming error and panics.
func (d *Decoder) Drain() error {
	if err := d.requireOpen("drain"); err != nil {
		return err
	}
	if d.drainOutstanding {
		panic("session: Drain issued while a previous Drain is outstanding")
	}
	if err := d.send(wireformat.TagDrain, nil, nil, shmem.ClassEncoded); err != nil {
		return err
	}
	d.drainOutstanding = true
	return nil
}

// Close releases the caller's handle: the callback is dropped and the
// session shut down.
func (d *Decoder) Close() {
	d.host.AssertOnLoop()
	d.callback = nil
	d.Shutdown()
}

// Shutdown completes the codec. Outstanding Reset and Drain are reported
// complete, then Terminated is called. Idempotent.
func (d *Decoder) Shutdown() {
	d.host.AssertOnLoop()
	if d.shuttingDown {
		return
	}
	d.shuttingDown = true
	d.terminate()

	if d.actorDestroyed {
		return
	}
	if err := d.send(wireformat.TagDecodingComplete, nil, nil, shmem.ClassEncoded); err != nil {
		d.destroyed(d)
	}
}

// ActorDestroyed tears the session down without waiting for the plugin.
func (d *Decoder) ActorDestroyed(abnormal bool) {
	d.host.AssertOnLoop()
	if abnormal {
		d.logger.Warn("decoder lost with plugin process")
	}
	d.terminate()
	d.destroyed(d)
}

func (d *Decoder) terminate() {
	d.state = entities.SessionDead
	cb := d.callback
	d.callback = nil
	if d.resetOutstanding {
		d.resetOutstanding = false
		if cb != nil {
			cb.ResetComplete()
		}
	}
	if d.drainOutstanding {
		d.drainOutstanding = false
		if cb != nil {
			cb.DrainComplete()
		}
	}
	if cb != nil {
		cb.Terminated()
	}
}

// HandleMessage dispatches a message from the plugin.
func (d *Decoder) HandleMessage(ctx context.Context, env *wireformat.Envelope) error {
	return decoderTable.Invoke(ctx, d, env)
}

func (d *Decoder) recvDecoded(msg *wireformat.DecodedWire, seg *shmem.Segment) error {
	defer d.returnToChild(seg, shmem.ClassDecoded)

	data := msg.Data
	if seg != nil {
		if len(msg.Data) > 0 {
			d.logger.Debug("dropping frame carried both inline and in a segment")
			return nil
		}
		data = seg.Bytes()
	}
	if err := msg.Frame.Validate(len(data)); err != nil {
		d.logger.Debug("dropping frame with inconsistent geometry", zap.Error(err))
		return nil
	}
	if d.callback == nil || d.state != entities.SessionOpen {
		return nil
	}
	d.callback.Decoded(msg.Frame.VideoFrame(data))
	return nil
}

func (d *Decoder) recvReferenceFrame(msg *wireformat.PictureIDWire, _ *shmem.Segment) error {
	if d.callback != nil {
		d.callback.ReceivedDecodedReferenceFrame(msg.PictureID)
	}
	return nil
}

func (d *Decoder) recvDecodedFrame(msg *wireformat.PictureIDWire, _ *shmem.Segment) error {
	if d.callback != nil {
		d.callback.ReceivedDecodedFrame(msg.PictureID)
	}
	return nil
}

func (d *Decoder) recvInputDataExhausted() error {
	if d.callback != nil {
		d.callback.InputDataExhausted()
	}
	return nil
}

func (d *Decoder) recvDrainComplete() error {
	if !d.drainOutstanding {
		return nil
	}
	d.drainOutstanding = false
	if d.callback != nil {
		d.callback.DrainComplete()
	}
	return nil
}

func (d *Decoder) recvResetComplete() error {
	if !d.resetOutstanding {
		return nil
	}
	d.resetOutstanding = false
	if d.callback != nil {
		d.callback.ResetComplete()
	}
	return nil
}

func (d *Decoder) recvError(msg *wireformat.ErrorWire, _ *shmem.Segment) error {
	if d.callback == nil {
		return nil
	}
	var err error = msg.Error
	if msg.Error == nil {
		err = entities.NewErrorDetail("codec", "unspecified decoder error")
	}
	d.callback.Error(err)
	return nil
}

func (d *Decoder) recvReturnShmem(msg *wireformat.ReturnShmemWire, seg *shmem.Segment) error {
	return d.reclaim(msg, seg, shmem.ClassEncoded)
}
