// Package rtpfeed reassembles VP8 frames from RTP and submits them to a
// decoder session.
package rtpfeed

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/domain/entities"
)

// ClockRate is the RTP clock of video payloads.
const ClockRate = 90000

const maxDatagram = 1500

// Sink receives reassembled frames. *session.Decoder satisfies it.
type Sink interface {
	Decode(frame *entities.EncodedFrame, missingFrames bool, codecSpecificInfo []byte, renderTimeMs int64) error
}

// Caller runs fn on the goroutine that owns the sink. *loop.Loop satisfies
// it.
type Caller interface {
	Call(ctx context.Context, fn func() error) error
}

// Option configures a Feeder.
type Option func(*Feeder)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Feeder) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithPayloadType accepts only packets of pt. By default every payload type
// is accepted.
func WithPayloadType(pt uint8) Option {
	return func(f *Feeder) {
		f.payloadType = int(pt)
	}
}

// Feeder depacketises one VP8 RTP stream. It is not safe for concurrent
// use; call it from the goroutine that owns the sink.
type Feeder struct {
	sink        Sink
	logger      *zap.Logger
	depacket    codecs.VP8Packet
	buffer      []byte
	frameType   entities.FrameType
	width       int
	height      int
	timestamp   uint32
	lastSeq     uint16
	ts          timestampUnwrapper
	payloadType int
	started     bool
	inFrame     bool
	corrupt     bool
	missing     bool
}

// New creates a Feeder delivering to sink.
func New(sink Sink, opts ...Option) *Feeder {
	f := &Feeder{sink: sink, logger: zap.NewNop(), payloadType: -1}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(zap.String("component", "rtpfeed"))
	return f
}

// WriteRTP parses one RTP datagram and feeds it.
func (f *Feeder) WriteRTP(data []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return fmt.Errorf("rtp unmarshal: %w", err)
	}
	return f.Push(&pkt)
}

// Push feeds one packet. A frame is submitted when its marker packet
// arrives. A sequence gap discards the frame in progress and flags the next
// submitted frame with missingFrames.
func (f *Feeder) Push(pkt *rtp.Packet) error {
	if f.payloadType >= 0 && int(pkt.PayloadType) != f.payloadType {
		return nil
	}
	if len(pkt.Payload) == 0 {
		return nil
	}

	if f.started && pkt.SequenceNumber != f.lastSeq+1 {
		f.logger.Debug("sequence gap",
			zap.Uint16("expected", f.lastSeq+1),
			zap.Uint16("got", pkt.SequenceNumber))
		f.missing = true
		if f.inFrame {
			f.corrupt = true
		}
	}
	f.started = true
	f.lastSeq = pkt.SequenceNumber

	if f.inFrame && pkt.Timestamp != f.timestamp {
		// The previous frame lost its marker packet.
		f.missing = true
		f.resetFrame()
	}

	if _, err := f.depacket.Unmarshal(pkt.Payload); err != nil {
		f.missing = true
		f.resetFrame()
		return fmt.Errorf("vp8 unmarshal: %w", err)
	}

	if !f.inFrame {
		if f.depacket.S != 1 || f.depacket.PID != 0 {
			// Mid-frame start; wait for the next frame's first packet.
			f.missing = true
			return nil
		}
		f.inFrame = true
		f.timestamp = pkt.Timestamp
		f.frameType = entities.FrameTypeDelta
		if w, h, ok := keyFrameSize(f.depacket.Payload); ok {
			f.frameType = entities.FrameTypeKey
			f.width, f.height = w, h
		}
	}
	f.buffer = append(f.buffer, f.depacket.Payload...)

	if !pkt.Marker {
		return nil
	}
	defer f.resetFrame()
	if f.corrupt {
		return nil
	}

	frame := &entities.EncodedFrame{
		Data:          f.buffer,
		FrameType:     f.frameType,
		Width:         f.width,
		Height:        f.height,
		Timestamp:     f.ts.unwrap(f.timestamp) * 1_000_000 / ClockRate,
		CompleteFrame: true,
	}
	missing := f.missing
	f.missing = false
	if err := f.sink.Decode(frame, missing, nil, 0); err != nil {
		return fmt.Errorf("submit frame: %w", err)
	}
	return nil
}

// Reset drops the frame in progress and forgets the sequence state.
func (f *Feeder) Reset() {
	f.resetFrame()
	f.started = false
	f.missing = false
}

func (f *Feeder) resetFrame() {
	f.buffer = f.buffer[:0]
	f.inFrame = false
	f.corrupt = false
}

// Serve reads datagrams from conn and feeds them through caller until ctx
// is cancelled or the connection fails. Malformed packets are logged and
// skipped.
func (f *Feeder) Serve(ctx context.Context, conn net.PacketConn, caller Caller) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || stdErrors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}
		datagram := buf[:n]
		if err := caller.Call(ctx, func() error { return f.WriteRTP(datagram) }); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("dropping packet", zap.Error(err))
		}
	}
}

// keyFrameSize reads the dimensions from a VP8 key frame header: a 3 byte
// frame tag with the inverse key frame bit clear, the start code 9d 01 2a,
// then 14 bit width and height.
func keyFrameSize(p []byte) (int, int, bool) {
	if len(p) < 10 || p[0]&0x01 != 0 {
		return 0, 0, false
	}
	if p[3] != 0x9d || p[4] != 0x01 || p[5] != 0x2a {
		return 0, 0, false
	}
	w := int(uint16(p[6])|uint16(p[7])<<8) & 0x3fff
	h := int(uint16(p[8])|uint16(p[9])<<8) & 0x3fff
	return w, h, true
}

// timestampUnwrapper extends 32 bit RTP timestamps to 64 bits.
type timestampUnwrapper struct {
	last    uint32
	high    uint64
	started bool
}

func (u *timestampUnwrapper) unwrap(ts uint32) uint64 {
	if u.started {
		if ts < u.last && u.last-ts > 1<<31 {
			u.high += 1 << 32
		} else if ts > u.last && ts-u.last > 1<<31 && u.high > 0 {
			// A late packet from before the last wrap.
			return u.high - 1<<32 + uint64(ts)
		}
	}
	u.started = true
	u.last = ts
	return u.high + uint64(ts)
}
