package rtpfeed

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/reglet-dev/mediahost/domain/entities"
	"github.com/reglet-dev/mediahost/internal/loop"
)

type submitted struct {
	frame   *entities.EncodedFrame
	missing bool
}

type recordingSink struct {
	mu     sync.Mutex
	frames []submitted
	err    error
}

func (s *recordingSink) Decode(frame *entities.EncodedFrame, missing bool, _ []byte, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, submitted{frame: frame.Clone(), missing: missing})
	return s.err
}

func (s *recordingSink) snapshot() []submitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]submitted(nil), s.frames...)
}

// keyFrame returns a VP8 key frame bitstream of n bytes for a w x h picture.
func keyFrame(w, h, n int) []byte {
	b := make([]byte, n)
	b[0] = 0x10 // key frame, show_frame
	b[3], b[4], b[5] = 0x9d, 0x01, 0x2a
	b[6], b[7] = byte(w), byte(w>>8)
	b[8], b[9] = byte(h), byte(h>>8)
	for i := 10; i < n; i++ {
		b[i] = byte(i)
	}
	return b
}

func deltaFrame(n int) []byte {
	b := make([]byte, n)
	b[0] = 0x11
	for i := 1; i < n; i++ {
		b[i] = byte(n - i)
	}
	return b
}

type packetizer struct {
	payloader codecs.VP8Payloader
	seq       uint16
}

func (p *packetizer) packets(frame []byte, ts uint32) []*rtp.Packet {
	payloads := p.payloader.Payload(200, frame)
	out := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		out[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    96,
				SequenceNumber: p.seq,
				Timestamp:      ts,
				Marker:         i == len(payloads)-1,
			},
			Payload: payload,
		}
		p.seq++
	}
	return out
}

func feed(t *testing.T, f *Feeder, pkts []*rtp.Packet) {
	t.Helper()
	for _, pkt := range pkts {
		require.NoError(t, f.Push(pkt))
	}
}

func TestFeeder_ReassemblesFrames(t *testing.T) {
	sink := &recordingSink{}
	f := New(sink, WithLogger(zaptest.NewLogger(t)))
	p := &packetizer{seq: 65530}

	key := keyFrame(320, 240, 900)
	delta := deltaFrame(450)
	feed(t, f, p.packets(key, 90000))
	feed(t, f, p.packets(delta, 93000))

	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, key, got[0].frame.Data)
	assert.Equal(t, entities.FrameTypeKey, got[0].frame.FrameType)
	assert.Equal(t, 320, got[0].frame.Width)
	assert.Equal(t, 240, got[0].frame.Height)
	assert.Equal(t, uint64(1_000_000), got[0].frame.Timestamp)
	assert.False(t, got[0].missing)

	assert.Equal(t, delta, got[1].frame.Data)
	assert.Equal(t, entities.FrameTypeDelta, got[1].frame.FrameType)
	assert.Equal(t, uint64(93000*1_000_000/ClockRate), got[1].frame.Timestamp)
	assert.False(t, got[1].missing)
}

func TestFeeder_LossFlagsNextFrame(t *testing.T) {
	sink := &recordingSink{}
	f := New(sink)
	p := &packetizer{}

	lost := p.packets(keyFrame(64, 64, 700), 3000)
	require.Greater(t, len(lost), 2)
	feed(t, f, append(lost[:1], lost[2:]...))
	assert.Empty(t, sink.snapshot(), "a frame with a hole is not submitted")

	next := deltaFrame(100)
	feed(t, f, p.packets(next, 6000))
	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, next, got[0].frame.Data)
	assert.True(t, got[0].missing)

	feed(t, f, p.packets(deltaFrame(80), 9000))
	got = sink.snapshot()
	require.Len(t, got, 2)
	assert.False(t, got[1].missing)
}

func TestFeeder_FiltersPayloadType(t *testing.T) {
	sink := &recordingSink{}
	f := New(sink, WithPayloadType(100))
	feed(t, f, (&packetizer{}).packets(keyFrame(16, 16, 50), 0))
	assert.Empty(t, sink.snapshot())
}

func TestFeeder_SinkErrorsSurface(t *testing.T) {
	sink := &recordingSink{err: errors.New("session closed")}
	f := New(sink)
	pkts := (&packetizer{}).packets(deltaFrame(40), 0)
	require.Len(t, pkts, 1)
	assert.ErrorContains(t, f.Push(pkts[0]), "session closed")
}

func TestFeeder_WriteRTPRejectsGarbage(t *testing.T) {
	f := New(&recordingSink{})
	assert.Error(t, f.WriteRTP([]byte{0x80}))
}

func TestTimestampUnwrapper(t *testing.T) {
	var u timestampUnwrapper
	assert.Equal(t, uint64(0xFFFFFF00), u.unwrap(0xFFFFFF00))
	assert.Equal(t, uint64(1<<32)+0x10, u.unwrap(0x10))
	assert.Equal(t, uint64(0xFFFFFFF0), u.unwrap(0xFFFFFFF0), "late packet from before the wrap")
	assert.Equal(t, uint64(1<<32)+0x20, u.unwrap(0x20))
}

func TestFeeder_ServeOverUDP(t *testing.T) {
	l := loop.New(loop.WithName("rtpfeed-test"))
	l.Start()
	t.Cleanup(func() { _ = l.Stop(context.Background()) })

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	sink := &recordingSink{}
	f := New(sink, WithLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Serve(ctx, conn, l) }()

	out, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	defer out.Close()

	frame := keyFrame(32, 32, 120)
	for _, pkt := range (&packetizer{}).packets(frame, 90) {
		raw, err := pkt.Marshal()
		require.NoError(t, err)
		_, err = out.Write(raw)
		require.NoError(t, err)
	}

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		got := sink.snapshot()
		if assert.Len(c, got, 1) {
			assert.Equal(c, frame, got[0].frame.Data)
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
