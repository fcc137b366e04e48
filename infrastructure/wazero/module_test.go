package wazero

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/internal/testutil"
)

// echoGuest answers codec_call requests in Go. Its decoder treats the
// bitstream as packed I420 and its encoder returns the frame bytes.
type echoGuest struct {
	ops    []string
	fail   map[string]string
	next   uint32
	closed bool
}

func (g *echoGuest) Call(raw []byte) ([]byte, error) {
	var req request
	payload, err := unframe(raw, &req)
	if err != nil {
		return nil, err
	}
	g.ops = append(g.ops, req.Op)
	if msg, ok := g.fail[req.Op]; ok {
		return frame(response{Error: msg}, nil)
	}
	switch req.Op {
	case opDecoderCreate, opEncoderCreate:
		g.next++
		return frame(response{Handle: g.next}, nil)
	case opDecoderDecode:
		if len(payload) == 0 {
			return frame(response{}, nil)
		}
		return frame(response{Frame: &frameHeader{Width: req.Frame.Width, Height: req.Frame.Height}}, payload)
	case opEncoderEncode:
		ft := entities.FrameTypeDelta
		if slices.Contains(req.FrameTypes, entities.FrameTypeKey) {
			ft = entities.FrameTypeKey
		}
		return frame(response{Frame: &frameHeader{FrameType: ft}}, payload)
	default:
		return frame(response{}, nil)
	}
}

func (g *echoGuest) Close() error {
	g.closed = true
	return nil
}

func newTestModule(t *testing.T, g *echoGuest) *Module {
	t.Helper()
	m := newModule(g, "echo.wasm", zaptest.NewLogger(t))
	require.NoError(t, m.Init(testutil.InlinePlatform{}))
	return m
}

func TestDefaultAdapterConfig(t *testing.T) {
	cfg := defaultAdapterConfig()

	assert.Equal(t, "mediahost", cfg.ModuleName)
	assert.Equal(t, uint32(64<<20), cfg.MaxResponseSize)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
}

func TestAdapterOptions(t *testing.T) {
	cfg := defaultAdapterConfig()
	WithModuleName("codec_host")(&cfg)
	WithMaxResponseSize(2048)(&cfg)
	WithMemoryLimitPages(16)(&cfg)
	WithCallTimeout(time.Second)(&cfg)

	assert.Equal(t, "codec_host", cfg.ModuleName)
	assert.Equal(t, uint32(2048), cfg.MaxResponseSize)
	assert.Equal(t, uint32(16), cfg.MemoryLimitPages)
	assert.Equal(t, time.Second, cfg.CallTimeout)
}

func TestPackUnpackPtrLen(t *testing.T) {
	tests := []struct {
		ptr    uint32
		length uint32
	}{
		{0, 0},
		{1, 1},
		{0xFFFFFFFF, 0xFFFFFFFF},
		{0x12345678, 0x9ABCDEF0},
		{100, 50},
	}

	for _, tt := range tests {
		gotPtr, gotLen := unpackPtrLen(packPtrLen(tt.ptr, tt.length))
		assert.Equal(t, tt.ptr, gotPtr)
		assert.Equal(t, tt.length, gotLen)
	}
}

func TestFrameLayout(t *testing.T) {
	raw, err := frame(response{Handle: 3}, []byte{1, 2, 3})
	require.NoError(t, err)

	var resp response
	payload, err := unframe(raw, &resp)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), resp.Handle)
	assert.Equal(t, []byte{1, 2, 3}, payload)

	_, err = unframe([]byte{1, 0}, &resp)
	assert.Error(t, err)
	_, err = unframe([]byte{0xff, 0, 0, 0, '{', '}'}, &resp)
	assert.Error(t, err)
}

func TestModule_DecodesThroughGuest(t *testing.T) {
	g := &echoGuest{}
	m := newTestModule(t, g)
	sink := &testutil.DecodeSink{}

	api, err := m.GetAPI(entities.APIDecodeVideo, sink)
	require.NoError(t, err)
	dec := api.(ports.VideoDecoder)
	require.NoError(t, dec.InitDecode(entities.VideoCodecSettings{Codec: entities.VideoCodecI420, Width: 4, Height: 2}, nil, 1))

	src := testutil.TestFrame(4, 2, 9)
	require.NoError(t, dec.Decode(&entities.EncodedFrame{Data: src.Data, Width: 4, Height: 2, Timestamp: 77}, false, nil, 0))
	require.NoError(t, dec.Drain())

	frames := sink.DecodedFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, src.Data, frames[0].Data)
	assert.Equal(t, uint64(77), frames[0].Timestamp)
	assert.Equal(t, []uint64{77}, sink.Pictures)
	assert.Equal(t, 1, sink.Exhausted)
	assert.Equal(t, 1, sink.Drained)

	dec.DecodingComplete()
	dec.DecodingComplete()
	m.Shutdown()
	assert.Equal(t, []string{opDecoderCreate, opDecoderDecode, opDecoderDestroy}, g.ops)
	assert.True(t, g.closed)
}

func TestModule_RejectsShortDecodedFrame(t *testing.T) {
	m := newTestModule(t, &echoGuest{})
	api, err := m.GetAPI(entities.APIDecodeVideo, &testutil.DecodeSink{})
	require.NoError(t, err)
	dec := api.(ports.VideoDecoder)
	require.NoError(t, dec.InitDecode(entities.VideoCodecSettings{Width: 4, Height: 2}, nil, 1))

	err = dec.Decode(&entities.EncodedFrame{Data: []byte{1, 2, 3}, Width: 4, Height: 2}, false, nil, 0)
	assert.ErrorContains(t, err, "decoded frame")
}

func TestModule_GuestErrorsSurface(t *testing.T) {
	m := newTestModule(t, &echoGuest{fail: map[string]string{opEncoderCreate: "unsupported codec"}})
	api, err := m.GetAPI(entities.APIEncodeVideo, &testutil.EncodeSink{})
	require.NoError(t, err)

	err = api.(ports.VideoEncoder).InitEncode(entities.VideoCodecSettings{Width: 4, Height: 2}, nil, 1, 0)
	assert.ErrorContains(t, err, "unsupported codec")
}

func TestModule_EncoderForcesFirstKeyFrame(t *testing.T) {
	m := newTestModule(t, &echoGuest{})
	sink := &testutil.EncodeSink{}
	api, err := m.GetAPI(entities.APIEncodeVideo, sink)
	require.NoError(t, err)
	enc := api.(ports.VideoEncoder)
	require.NoError(t, enc.InitEncode(entities.VideoCodecSettings{Width: 4, Height: 2}, nil, 1, 0))

	for i := range 3 {
		var types []entities.FrameType
		if i == 2 {
			types = []entities.FrameType{entities.FrameTypeKey}
		}
		require.NoError(t, enc.Encode(testutil.TestFrame(4, 2, byte(i)), []byte{byte(i)}, types))
	}
	require.NoError(t, enc.SetRates(500, 30))

	frames := sink.EncodedFrames()
	require.Len(t, frames, 3)
	assert.Equal(t, entities.FrameTypeKey, frames[0].FrameType)
	assert.Equal(t, entities.FrameTypeDelta, frames[1].FrameType)
	assert.Equal(t, entities.FrameTypeKey, frames[2].FrameType)
	assert.Equal(t, testutil.TestFrame(4, 2, 1).Data, frames[1].Data)
	assert.Equal(t, [][]byte{{0}, {1}, {2}}, sink.CSI)
}

func TestModule_UnknownAPI(t *testing.T) {
	m := newTestModule(t, &echoGuest{})
	_, err := m.GetAPI("decode-audio", &testutil.DecodeSink{})
	assert.True(t, errors.Is(err, domerrors.ErrNotFound))

	_, err = m.GetAPI(entities.APIDecodeVideo, &testutil.EncodeSink{})
	assert.Error(t, err)
}

func TestNewLoadFunc_Errors(t *testing.T) {
	dir := t.TempDir()
	load := NewLoadFunc(WithLogger(zaptest.NewLogger(t)))

	t.Run("missing file", func(t *testing.T) {
		_, err := load(filepath.Join(dir, "absent.wasm"), ports.LaunchRequest{})
		var le *domerrors.LoadError
		require.ErrorAs(t, err, &le)
	})

	t.Run("not wasm", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.wasm")
		require.NoError(t, os.WriteFile(path, []byte("not a module"), 0o600))
		_, err := load(path, ports.LaunchRequest{})
		var le *domerrors.LoadError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, path, le.Path)
	})

	t.Run("missing exports", func(t *testing.T) {
		path := filepath.Join(dir, "empty.wasm")
		// Smallest valid module: magic and version, no sections.
		require.NoError(t, os.WriteFile(path, []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}, 0o600))
		_, err := load(path, ports.LaunchRequest{})
		var le *domerrors.LoadError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, exportAllocate, le.Symbol)
		assert.True(t, errors.Is(err, domerrors.ErrNotFound))
	})
}
