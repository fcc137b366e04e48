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

// EncoderCallback receives an encoder's results on the owning loop.
type EncoderCallback interface {
	// Encoded delivers a frame. frame.Data is only valid during the call.
	Encoded(frame *entities.EncodedFrame, codecSpecificInfo []byte)
	Error(err error)

	// Terminated is the last call the callback receives.
	Terminated()
}

// Encoder is the host side of one video encoder in a plugin process.
type Encoder struct {
	base
	callback   EncoderCallback
	frameCount uint64
}

var _ Session = (*Encoder)(nil)

var encoderTable = dispatch.MustTable(
	dispatch.WithMessage(wireformat.TagEncoded, (*Encoder).recvEncoded),
	dispatch.WithMessage(wireformat.TagError, (*Encoder).recvError),
	dispatch.WithMessage(wireformat.TagReturnShmem, (*Encoder).recvReturnShmem),
)

// NewEncoder creates the session for actor id.
func NewEncoder(host Host, id uint32, logger *zap.Logger) *Encoder {
	return &Encoder{base: newBase(host, id, entities.KindEncoder, logger)}
}

// Kind returns entities.KindEncoder.
func (e *Encoder) Kind() entities.SessionKind {
	return entities.KindEncoder
}

// FrameCount returns the number of frames submitted so far.
func (e *Encoder) FrameCount() uint64 {
	return e.frameCount
}

// InitEncode opens the session. It may only be called once.
func (e *Encoder) InitEncode(settings entities.VideoCodecSettings, codecSpecific []byte, numberOfCores, maxPayloadSize int, cb EncoderCallback) error {
	e.host.AssertOnLoop()
	if e.state != entities.SessionInitial {
		return &domerrors.StateError{Operation: "init_encode", State: e.state.String()}
	}
	if cb == nil {
		return fmt.Errorf("init_encode: callback is required")
	}
	msg := wireformat.InitEncodeWire{
		Settings:       settings,
		CodecSpecific:  codecSpecific,
		NumberOfCores:  numberOfCores,
		MaxPayloadSize: maxPayloadSize,
	}
	if err := e.send(wireformat.TagInitEncode, msg, nil, shmem.ClassDecoded); err != nil {
		return err
	}
	e.callback = cb
	e.state = entities.SessionOpen
	return nil
}

// Encode submits one raw frame. Its geometry is checked before the pixels
// are copied into a pooled segment.
func (e *Encoder) Encode(frame *entities.VideoFrame, codecSpecificInfo []byte, frameTypes []entities.FrameType) error {
	if err := e.requireOpen("encode"); err != nil {
		return err
	}
	info := wireformat.FrameInfoFromVideo(frame)
	if err := info.Validate(len(frame.Data)); err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	seg, err := e.host.Pool().TakeAtLeast(shmem.ClassDecoded, len(frame.Data))
	if err != nil {
		return err
	}
	if err := seg.Fill(frame.Data); err != nil {
		e.host.Pool().Give(shmem.ClassDecoded, seg)
		return err
	}

	msg := wireformat.EncodeWire{Frame: info, CodecSpecificInfo: codecSpecificInfo, FrameTypes: frameTypes}
	if err := e.send(wireformat.TagEncode, msg, seg, shmem.ClassDecoded); err != nil {
		return err
	}
	e.frameCount++
	return nil
}

// SetChannelParameters reports network conditions to the encoder.
func (e *Encoder) SetChannelParameters(packetLoss uint32, rttMs int64) error {
	if err := e.requireOpen("set_channel_parameters"); err != nil {
		return err
	}
	return e.send(wireformat.TagSetChannelParameters, wireformat.ChannelParametersWire{PacketLoss: packetLoss, RTTMs: rttMs}, nil, shmem.ClassDecoded)
}

// SetRates updates the target bitrate and frame rate.
func (e *Encoder) SetRates(bitrateKbps, frameRate uint32) error {
	if err := e.requireOpen("set_rates"); err != nil {
		return err
	}
	return e.send(wireformat.TagSetRates, wireformat.RatesWire{BitrateKbps: bitrateKbps, FrameRate: frameRate}, nil, shmem.ClassDecoded)
}

// SetPeriodicKeyFrames toggles periodic key frames.
func (e *Encoder) SetPeriodicKeyFrames(enable bool) error {
	if err := e.requireOpen("set_periodic_key_frames"); err != nil {
		return err
	}
	return e.send(wireformat.TagSetPeriodicKeyFrames, wireformat.PeriodicKeyFramesWire{Enable: enable}, nil, shmem.ClassDecoded)
}

// Close releases the caller's handle.
func (e *Encoder) Close() {
	e.host.AssertOnLoop()
	e.callback = nil
	e.Shutdown()
}

// Shutdown completes the codec and calls Terminated. Idempotent.
func (e *Encoder) Shutdown() {
	e.host.AssertOnLoop()
	if e.shuttingDown {
		return
	}
	e.shuttingDown = true
	e.terminate()

	if e.actorDestroyed {
		return
	}
	if err := e.send(wireformat.TagEncodingComplete, nil, nil, shmem.ClassDecoded); err != nil {
		e.destroyed(e)
	}
}

// ActorDestroyed tears the session down without waiting for the plugin.
func (e *Encoder) ActorDestroyed(abnormal bool) {
	e.host.AssertOnLoop()
	if abnormal {
		e.logger.Warn("encoder lost with plugin process")
	}
	e.terminate()
	e.destroyed(e)
}

func (e *Encoder) terminate() {
	e.state = entities.SessionDead
	cb := e.callback
	e.callback = nil
	if cb != nil {
		cb.Terminated()
	}
}

// HandleMessage dispatches a message from the plugin.
func (e *Encoder) HandleMessage(ctx context.Context, env *wireformat.Envelope) error {
	return encoderTable.Invoke(ctx, e, env)
}

func (e *Encoder) recvEncoded(msg *wireformat.EncodedWire, seg *shmem.Segment) error {
	defer e.returnToChild(seg, shmem.ClassEncoded)

	data := msg.Data
	if seg != nil {
		if len(msg.Data) > 0 {
			e.logger.Debug("dropping frame carried both inline and in a segment")
			return nil
		}
		data = seg.Bytes()
	}
	if msg.Size < 0 || msg.Size > len(data) {
		e.logger.Debug("dropping encoded frame larger than its payload",
			zap.Int("declared", msg.Size), zap.Int("available", len(data)))
		return nil
	}
	if e.callback == nil || e.state != entities.SessionOpen {
		return nil
	}
	frame := msg.Frame
	frame.Data = data[:msg.Size]
	e.callback.Encoded(&frame, msg.CodecSpecificInfo)
	return nil
}

func (e *Encoder) recvError(msg *wireformat.ErrorWire, _ *shmem.Segment) error {
	if e.callback == nil {
		return nil
	}
	var err error = msg.Error
	if msg.Error == nil {
		err = entities.NewErrorDetail("codec", "unspecified encoder error")
	}
	e.callback.Error(err)
	return nil
}

func (e *Encoder) recvReturnShmem(msg *wireformat.ReturnShmemWire, seg *shmem.Segment) error {
	return e.reclaim(msg, seg, shmem.ClassDecoded)
}
