package wireformat

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/shmem"
)

// DefaultMaxFrameSize bounds one framed message, segment included. It covers
// a record of entities.MaxRecordSize or an I420 frame of
// entities.MaxFrameDimension squared, plus headroom for the header and
// payload. Larger claims from a peer are rejected before allocating.
const DefaultMaxFrameSize = 1<<30 + 1<<20

// Envelope is one message on the channel: a tag, the destination actor, a
// JSON payload and at most one transferred segment.
type Envelope struct {
	Segment *shmem.Segment
	Payload []byte
	Actor   uint32
	Tag     Tag
}

// NewEnvelope marshals v as the payload. v may be nil for payload-less messages.
func NewEnvelope(tag Tag, actor uint32, v any, seg *shmem.Segment) (*Envelope, error) {
	env := &Envelope{Tag: tag, Actor: actor, Segment: seg}
	if v == nil {
		return env, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, &domerrors.WireFormatError{Operation: "marshal", Type: tag.String(), Err: err}
	}
	env.Payload = payload
	return env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return &domerrors.WireFormatError{Operation: "unmarshal", Type: e.Tag.String(), Err: fmt.Errorf("empty payload")}
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &domerrors.WireFormatError{Operation: "unmarshal", Type: e.Tag.String(), Err: err}
	}
	return nil
}

// Frame layout, all integers little-endian:
//
//	u32 frame length (bytes after this field)
//	u16 tag
//	u32 actor
//	u32 payload length, payload
//	u8  has segment
//	[u64 segment id, u32 capacity, u32 in-use length, in-use bytes]
const (
	headerSize  = 2 + 4 + 4
	segmentHead = 8 + 4 + 4
)

// FrameSize returns the length of e's frame, not counting the length field.
func FrameSize(e *Envelope) int {
	size := headerSize + len(e.Payload) + 1
	if e.Segment != nil {
		size += segmentHead + e.Segment.Len()
	}
	return size
}

// CheckFrameSize returns ErrFrameTooLarge when e would not fit in a frame of
// maxFrame bytes.
func CheckFrameSize(e *Envelope, maxFrame int) error {
	if size := FrameSize(e); size > maxFrame {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", domerrors.ErrFrameTooLarge, e.Tag, size, maxFrame)
	}
	return nil
}

// WriteEnvelope writes e as one frame. Only the in-use bytes of a segment
// travel; the receiver recreates a segment of the same capacity.
func WriteEnvelope(w io.Writer, e *Envelope) error {
	if err := CheckFrameSize(e, math.MaxInt32); err != nil {
		return &domerrors.WireFormatError{Operation: "write", Type: e.Tag.String(), Err: err}
	}
	size := FrameSize(e)
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:], uint32(size))
	binary.LittleEndian.PutUint16(buf[4:], uint16(e.Tag))
	binary.LittleEndian.PutUint32(buf[6:], e.Actor)
	binary.LittleEndian.PutUint32(buf[10:], uint32(len(e.Payload)))
	off := 14
	off += copy(buf[off:], e.Payload)
	if e.Segment == nil {
		buf[off] = 0
	} else {
		buf[off] = 1
		off++
		binary.LittleEndian.PutUint64(buf[off:], e.Segment.ID())
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(e.Segment.Capacity()))
		binary.LittleEndian.PutUint32(buf[off+12:], uint32(e.Segment.Len()))
		off += segmentHead
		copy(buf[off:], e.Segment.Bytes())
	}
	if _, err := w.Write(buf); err != nil {
		return &domerrors.WireFormatError{Operation: "write", Type: e.Tag.String(), Err: err}
	}
	return nil
}

// ReadEnvelope reads one frame. Frames larger than maxFrame are rejected
// before any payload is allocated.
func ReadEnvelope(r io.Reader, maxFrame int) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if size < headerSize+1 || size > maxFrame {
		return nil, &domerrors.WireFormatError{Operation: "read", Type: "frame", Err: fmt.Errorf("frame size %d out of range", size)}
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, &domerrors.WireFormatError{Operation: "read", Type: "frame", Err: err}
	}
	return parseFrame(buf)
}

func parseFrame(buf []byte) (*Envelope, error) {
	bad := func(format string, args ...any) error {
		return &domerrors.WireFormatError{Operation: "read", Type: "frame", Err: fmt.Errorf(format, args...)}
	}

	e := &Envelope{
		Tag:   Tag(binary.LittleEndian.Uint16(buf[0:])),
		Actor: binary.LittleEndian.Uint32(buf[2:]),
	}
	payloadLen := int(binary.LittleEndian.Uint32(buf[6:]))
	off := headerSize
	if payloadLen > len(buf)-off-1 {
		return nil, bad("payload length %d exceeds frame", payloadLen)
	}
	if payloadLen > 0 {
		e.Payload = buf[off : off+payloadLen]
	}
	off += payloadLen

	hasSegment := buf[off]
	off++
	switch hasSegment {
	case 0:
		if off != len(buf) {
			return nil, bad("%d trailing bytes", len(buf)-off)
		}
		return e, nil
	case 1:
	default:
		return nil, bad("invalid segment marker %d", hasSegment)
	}

	if len(buf)-off < segmentHead {
		return nil, bad("truncated segment header")
	}
	id := binary.LittleEndian.Uint64(buf[off:])
	capacity := int(binary.LittleEndian.Uint32(buf[off+8:]))
	used := int(binary.LittleEndian.Uint32(buf[off+12:]))
	off += segmentHead
	if used > capacity || used != len(buf)-off {
		return nil, bad("segment length %d inconsistent with capacity %d and frame", used, capacity)
	}
	if capacity > DefaultMaxFrameSize {
		return nil, bad("segment capacity %d too large", capacity)
	}
	data := make([]byte, capacity)
	copy(data, buf[off:])
	e.Segment = shmem.NewSegment(id, data, used)
	return e, nil
}
