package child

import (
	"context"
	"fmt"

	"github.com/reglet-dev/mediahost/dispatch"
	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/shmem"
	"github.com/reglet-dev/mediahost/wireformat"
)

// encoderActor drives one ports.VideoEncoder and forwards its output.
type encoderActor struct {
	rt        *Runtime
	codec     ports.VideoEncoder
	id        uint32
	completed bool
}

var _ ports.EncoderCallback = (*encoderActor)(nil)

var childEncoderTable = dispatch.MustTable(
	dispatch.WithMessage(wireformat.TagInitEncode, (*encoderActor).recvInitEncode),
	dispatch.WithMessage(wireformat.TagEncode, (*encoderActor).recvEncode),
	dispatch.WithMessage(wireformat.TagSetChannelParameters, (*encoderActor).recvSetChannelParameters),
	dispatch.WithMessage(wireformat.TagSetRates, (*encoderActor).recvSetRates),
	dispatch.WithMessage(wireformat.TagSetPeriodicKeyFrames, (*encoderActor).recvSetPeriodicKeyFrames),
	dispatch.WithSignal(wireformat.TagEncodingComplete, (*encoderActor).recvEncodingComplete),
	dispatch.WithMessage(wireformat.TagReturnShmem, (*encoderActor).recvReturnShmem),
)

func (a *encoderActor) handle(ctx context.Context, env *wireformat.Envelope) error {
	return childEncoderTable.Invoke(ctx, a, env)
}

func (a *encoderActor) abort() {
	if a.completed {
		return
	}
	a.completed = true
	a.codec.EncodingComplete()
}

func (a *encoderActor) recvInitEncode(msg *wireformat.InitEncodeWire, _ *shmem.Segment) error {
	a.reportErr(a.codec.InitEncode(msg.Settings, msg.CodecSpecific, msg.NumberOfCores, msg.MaxPayloadSize))
	return nil
}

func (a *encoderActor) recvEncode(msg *wireformat.EncodeWire, seg *shmem.Segment) error {
	if seg == nil {
		return &domerrors.ProtocolError{Tag: wireformat.TagEncode.String(), Actor: a.id, Err: fmt.Errorf("no frame segment")}
	}
	var err error
	if vErr := msg.Frame.Validate(seg.Len()); vErr != nil {
		err = fmt.Errorf("encode: %w", vErr)
	} else {
		err = a.codec.Encode(msg.Frame.VideoFrame(seg.Bytes()), msg.CodecSpecificInfo, msg.FrameTypes)
	}
	a.rt.returnInput(a.id, shmem.ClassDecoded, seg)
	a.reportErr(err)
	return nil
}

func (a *encoderActor) recvSetChannelParameters(msg *wireformat.ChannelParametersWire, _ *shmem.Segment) error {
	a.reportErr(a.codec.SetChannelParameters(msg.PacketLoss, msg.RTTMs))
	return nil
}

func (a *encoderActor) recvSetRates(msg *wireformat.RatesWire, _ *shmem.Segment) error {
	a.reportErr(a.codec.SetRates(msg.BitrateKbps, msg.FrameRate))
	return nil
}

func (a *encoderActor) recvSetPeriodicKeyFrames(msg *wireformat.PeriodicKeyFramesWire, _ *shmem.Segment) error {
	a.reportErr(a.codec.SetPeriodicKeyFrames(msg.Enable))
	return nil
}

func (a *encoderActor) recvEncodingComplete() error {
	if a.completed {
		return nil
	}
	a.completed = true
	a.codec.EncodingComplete()
	a.rt.complete(a.id)
	return nil
}

func (a *encoderActor) recvReturnShmem(msg *wireformat.ReturnShmemWire, seg *shmem.Segment) error {
	if shmem.Class(msg.Class) != shmem.ClassEncoded {
		return &domerrors.ProtocolError{Tag: wireformat.TagReturnShmem.String(), Actor: a.id, Err: fmt.Errorf("encoder got a %s segment back", shmem.Class(msg.Class))}
	}
	return a.rt.reclaim(a.id, msg, seg)
}

func (a *encoderActor) reportErr(err error) {
	if err == nil {
		return
	}
	_ = a.rt.send(wireformat.TagError, a.id, wireformat.ErrorWire{Error: domerrors.ToErrorDetail(err)}, nil)
}

// Encoded implements ports.EncoderCallback.
func (a *encoderActor) Encoded(frame *entities.EncodedFrame, codecSpecificInfo []byte) {
	a.rt.onLoop(func() {
		if a.completed {
			return
		}
		seg, inline, err := a.rt.output(shmem.ClassEncoded, frame.Data)
		if err != nil {
			a.reportErr(err)
			return
		}
		meta := *frame
		meta.Data = nil
		msg := wireformat.EncodedWire{
			Frame:             meta,
			CodecSpecificInfo: codecSpecificInfo,
			Data:              inline,
			Size:              len(frame.Data),
		}
		_ = a.rt.send(wireformat.TagEncoded, a.id, msg, seg)
	})
}

// Error implements ports.EncoderCallback.
func (a *encoderActor) Error(err error) {
	a.rt.onLoop(func() {
		if !a.completed {
			a.reportErr(err)
		}
	})
}
