package child

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/dispatch"
	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/shmem"
	"github.com/reglet-dev/mediahost/wireformat"
)

// decoderActor drives one ports.VideoDecoder and forwards its callbacks.
type decoderActor struct {
	rt        *Runtime
	codec     ports.VideoDecoder
	id        uint32
	completed bool
}

var _ ports.DecoderCallback = (*decoderActor)(nil)

var childDecoderTable = dispatch.MustTable(
	dispatch.WithMessage(wireformat.TagInitDecode, (*decoderActor).recvInitDecode),
	dispatch.WithMessage(wireformat.TagDecode, (*decoderActor).recvDecode),
	dispatch.WithSignal(wireformat.TagReset, (*decoderActor).recvReset),
	dispatch.WithSignal(wireformat.TagDrain, (*decoderActor).recvDrain),
	dispatch.WithSignal(wireformat.TagDecodingComplete, (*decoderActor).recvDecodingComplete),
	dispatch.WithMessage(wireformat.TagReturnShmem, (*decoderActor).recvReturnShmem),
)

func (a *decoderActor) handle(ctx context.Context, env *wireformat.Envelope) error {
	return childDecoderTable.Invoke(ctx, a, env)
}

func (a *decoderActor) abort() {
	if a.completed {
		return
	}
	a.completed = true
	a.codec.DecodingComplete()
}

func (a *decoderActor) recvInitDecode(msg *wireformat.InitDecodeWire, _ *shmem.Segment) error {
	a.reportErr(a.codec.InitDecode(msg.Settings, msg.CodecSpecific, msg.CoreCount))
	return nil
}

// recvDecode lends the input bytes to the codec for the duration of the
// call, then returns the segment to the host.
func (a *decoderActor) recvDecode(msg *wireformat.DecodeWire, seg *shmem.Segment) error {
	if seg == nil {
		return &domerrors.ProtocolError{Tag: wireformat.TagDecode.String(), Actor: a.id, Err: fmt.Errorf("no bitstream segment")}
	}
	frame := msg.Frame
	frame.Data = seg.Bytes()
	err := a.codec.Decode(&frame, msg.MissingFrames, msg.CodecSpecificInfo, msg.RenderTimeMs)
	a.rt.returnInput(a.id, shmem.ClassEncoded, seg)
	a.reportErr(err)
	return nil
}

func (a *decoderActor) recvReset() error {
	a.reportErr(a.codec.Reset())
	return nil
}

func (a *decoderActor) recvDrain() error {
	a.reportErr(a.codec.Drain())
	return nil
}

func (a *decoderActor) recvDecodingComplete() error {
	if a.completed {
		return nil
	}
	a.completed = true
	a.codec.DecodingComplete()
	a.rt.complete(a.id)
	return nil
}

func (a *decoderActor) recvReturnShmem(msg *wireformat.ReturnShmemWire, seg *shmem.Segment) error {
	if shmem.Class(msg.Class) != shmem.ClassDecoded {
		return &domerrors.ProtocolError{Tag: wireformat.TagReturnShmem.String(), Actor: a.id, Err: fmt.Errorf("decoder got a %s segment back", shmem.Class(msg.Class))}
	}
	return a.rt.reclaim(a.id, msg, seg)
}

func (a *decoderActor) reportErr(err error) {
	if err == nil {
		return
	}
	_ = a.rt.send(wireformat.TagError, a.id, wireformat.ErrorWire{Error: domerrors.ToErrorDetail(err)}, nil)
}

// Decoded implements ports.DecoderCallback.
func (a *decoderActor) Decoded(frame *entities.VideoFrame) {
	a.rt.onLoop(func() {
		if a.completed {
			return
		}
		size := frame.PayloadSize()
		if size > len(frame.Data) {
			a.rt.logger.Warn("codec produced a frame shorter than its planes", zap.Uint32("actor", a.id))
			return
		}
		seg, inline, err := a.rt.output(shmem.ClassDecoded, frame.Data[:size])
		if err != nil {
			a.reportErr(err)
			return
		}
		msg := wireformat.DecodedWire{Frame: wireformat.FrameInfoFromVideo(frame), Data: inline}
		_ = a.rt.send(wireformat.TagDecoded, a.id, msg, seg)
	})
}

// ReceivedDecodedReferenceFrame implements ports.DecoderCallback.
func (a *decoderActor) ReceivedDecodedReferenceFrame(pictureID uint64) {
	a.notify(wireformat.TagReceivedDecodedReferenceFrame, wireformat.PictureIDWire{PictureID: pictureID})
}

// ReceivedDecodedFrame implements ports.DecoderCallback.
func (a *decoderActor) ReceivedDecodedFrame(pictureID uint64) {
	a.notify(wireformat.TagReceivedDecodedFrame, wireformat.PictureIDWire{PictureID: pictureID})
}

// InputDataExhausted implements ports.DecoderCallback.
func (a *decoderActor) InputDataExhausted() {
	a.notify(wireformat.TagInputDataExhausted, nil)
}

// DrainComplete implements ports.DecoderCallback.
func (a *decoderActor) DrainComplete() {
	a.notify(wireformat.TagDrainComplete, nil)
}

// ResetComplete implements ports.DecoderCallback.
func (a *decoderActor) ResetComplete() {
	a.notify(wireformat.TagResetComplete, nil)
}

// Error implements ports.DecoderCallback.
func (a *decoderActor) Error(err error) {
	a.notify(wireformat.TagError, wireformat.ErrorWire{Error: domerrors.ToErrorDetail(err)})
}

func (a *decoderActor) notify(tag wireformat.Tag, payload any) {
	a.rt.onLoop(func() {
		if !a.completed {
			_ = a.rt.send(tag, a.id, payload, nil)
		}
	})
}
