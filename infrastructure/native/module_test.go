package native

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/internal/testutil"
)

// fakeLibrary is a library whose entry points are Go closures. Its decoder
// returns frames from a padded buffer, the way real decoders hand out
// planes with strides wider than the picture.
type fakeLibrary struct {
	initErr   error
	errMsg    string
	planes    []byte
	destroyed []uint64
	shutdowns int
	rates     [2]int32
	noDecoder bool
}

const (
	fakeWidth   = 8
	fakeHeight  = 4
	fakeYStride = 16
	fakeCStride = 8
)

func (l *fakeLibrary) init() error       { return l.initErr }
func (l *fakeLibrary) lastError() string { return l.errMsg }
func (l *fakeLibrary) shutdown()         { l.shutdowns++ }

func (l *fakeLibrary) decoder() (*decoderFuncs, error) {
	if l.noDecoder {
		return nil, &domerrors.LoadError{Symbol: "GMPGetAPI(decode-video)", Err: domerrors.ErrNotFound}
	}
	// Y rows are 16 wide with 8 visible pixels; each plane holds its own value.
	ySize := fakeYStride * fakeHeight
	cSize := fakeCStride * fakeHeight / 2
	l.planes = make([]byte, ySize+2*cSize)
	for i := range l.planes {
		switch {
		case i < ySize:
			l.planes[i] = 'y'
		case i < ySize+cSize:
			l.planes[i] = 'u'
		default:
			l.planes[i] = 'v'
		}
	}
	base := uint64(uintptr(unsafe.Pointer(&l.planes[0])))
	return &decoderFuncs{
		create: func(codec, width, height, _ int32) uint64 {
			if entities.VideoCodec(codec) != entities.VideoCodecVP8 {
				return 0
			}
			return 7
		},
		decode: func(dec uint64, data *byte, n int32, out *decodeResult) int32 {
			if n == 1 && *data == 0 {
				return 0
			}
			if *data == 0xff {
				l.errMsg = "corrupt bitstream"
				return -1
			}
			*out = decodeResult{
				YPtr: base, UPtr: base + uint64(ySize), VPtr: base + uint64(ySize+cSize),
				YStride: fakeYStride, UVStride: fakeCStride, Width: fakeWidth, Height: fakeHeight, Result: 1,
			}
			return 1
		},
		reset:   func(uint64) int32 { return 0 },
		destroy: func(dec uint64) { l.destroyed = append(l.destroyed, dec) },
	}, nil
}

func (l *fakeLibrary) encoder() (*encoderFuncs, error) {
	return &encoderFuncs{
		create:        func(_, _, _, _, _, _ int32) uint64 { return 9 },
		maxOutputSize: func(uint64) int32 { return 64 },
		encode: func(_ uint64, y, _, _ *byte, _, _, forceKey int32, out *byte, outCap int32, frameType *int32) int32 {
			buf := unsafe.Slice(out, outCap)
			copy(buf, []byte{'e', *y})
			if forceKey == 1 {
				*frameType = int32(entities.FrameTypeKey)
			} else {
				*frameType = int32(entities.FrameTypeDelta)
			}
			return 2
		},
		setRates: func(_ uint64, kbps, fps int32) int32 {
			l.rates = [2]int32{kbps, fps}
			return 0
		},
		destroy: func(enc uint64) { l.destroyed = append(l.destroyed, enc) },
	}, nil
}

func newTestModule(t *testing.T, lib *fakeLibrary) *Module {
	t.Helper()
	m := newModule(lib, "/plugins/gmp-fake/libfake.so", zaptest.NewLogger(t))
	require.NoError(t, m.Init(testutil.InlinePlatform{}))
	return m
}

func TestModule_InitFailureIsLoadError(t *testing.T) {
	m := newModule(&fakeLibrary{initErr: errors.New("boom")}, "libx.so", zaptest.NewLogger(t))
	err := m.Init(testutil.InlinePlatform{})
	var le *domerrors.LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "GMPInit", le.Symbol)
}

func TestModule_DecodeCopiesStridedPlanes(t *testing.T) {
	lib := &fakeLibrary{}
	m := newTestModule(t, lib)
	sink := &testutil.DecodeSink{}
	api, err := m.GetAPI(entities.APIDecodeVideo, sink)
	require.NoError(t, err)
	dec := api.(*decoder)

	require.NoError(t, dec.InitDecode(entities.VideoCodecSettings{Codec: entities.VideoCodecVP8, Width: fakeWidth, Height: fakeHeight}, nil, 2))
	require.NoError(t, dec.Decode(&entities.EncodedFrame{Data: []byte{1, 2, 3}, Timestamp: 90}, false, nil, 0))

	frames := sink.DecodedFrames()
	require.Len(t, frames, 1)
	f := frames[0]
	assert.Equal(t, fakeWidth, f.Width)
	assert.Equal(t, uint64(90), f.Timestamp)
	assert.Equal(t, entities.I420Size(fakeWidth, fakeHeight), len(f.Data))
	for _, b := range f.PlaneData(entities.PlaneY) {
		require.Equal(t, byte('y'), b)
	}
	for _, b := range f.PlaneData(entities.PlaneU) {
		require.Equal(t, byte('u'), b)
	}
	for _, b := range f.PlaneData(entities.PlaneV) {
		require.Equal(t, byte('v'), b)
	}
	assert.Equal(t, []uint64{90}, sink.Pictures)
	assert.Equal(t, 1, sink.Exhausted)

	// Needs more input: no frame, but the input is consumed.
	require.NoError(t, dec.Decode(&entities.EncodedFrame{Data: []byte{0}}, false, nil, 0))
	assert.Len(t, sink.DecodedFrames(), 1)
	assert.Equal(t, 2, sink.Exhausted)

	err = dec.Decode(&entities.EncodedFrame{Data: []byte{0xff}}, false, nil, 0)
	assert.ErrorContains(t, err, "corrupt bitstream")

	require.NoError(t, dec.Reset())
	require.NoError(t, dec.Drain())
	assert.Equal(t, 1, sink.Reset)
	assert.Equal(t, 1, sink.Drained)

	dec.DecodingComplete()
	dec.DecodingComplete()
	assert.Equal(t, []uint64{7}, lib.destroyed)

	m.Shutdown()
	assert.Equal(t, 1, lib.shutdowns)
}

func TestModule_DecoderCreateFailure(t *testing.T) {
	lib := &fakeLibrary{errMsg: "unsupported codec"}
	m := newTestModule(t, lib)
	api, err := m.GetAPI(entities.APIDecodeVideo, &testutil.DecodeSink{})
	require.NoError(t, err)
	err = api.(*decoder).InitDecode(entities.VideoCodecSettings{Codec: entities.VideoCodecH264}, nil, 1)
	assert.ErrorContains(t, err, "unsupported codec")
}

func TestModule_MissingAPI(t *testing.T) {
	m := newTestModule(t, &fakeLibrary{noDecoder: true})
	_, err := m.GetAPI(entities.APIDecodeVideo, &testutil.DecodeSink{})
	assert.ErrorIs(t, err, domerrors.ErrNotFound)
	_, err = m.GetAPI(entities.APIDecodeAudio, &testutil.DecodeSink{})
	assert.ErrorIs(t, err, domerrors.ErrNotFound)
	_, err = m.GetAPI(entities.APIEncodeVideo, &testutil.DecodeSink{})
	assert.Error(t, err)
}

func TestModule_EncodeForcesFirstKeyFrame(t *testing.T) {
	lib := &fakeLibrary{}
	m := newTestModule(t, lib)
	sink := &testutil.EncodeSink{}
	api, err := m.GetAPI(entities.APIEncodeVideo, sink)
	require.NoError(t, err)
	enc := api.(*encoder)

	require.NoError(t, enc.InitEncode(entities.VideoCodecSettings{Codec: entities.VideoCodecVP8, Width: 4, Height: 4}, nil, 1, 0))
	frame := testutil.TestFrame(4, 4, 'a')
	require.NoError(t, enc.Encode(frame, []byte{1}, nil))
	require.NoError(t, enc.Encode(frame, nil, nil))
	require.NoError(t, enc.Encode(frame, nil, []entities.FrameType{entities.FrameTypeKey}))

	frames := sink.EncodedFrames()
	require.Len(t, frames, 3)
	assert.Equal(t, []byte{'e', 'a'}, frames[0].Data)
	assert.Equal(t, entities.FrameTypeKey, frames[0].FrameType)
	assert.Equal(t, entities.FrameTypeDelta, frames[1].FrameType)
	assert.Equal(t, entities.FrameTypeKey, frames[2].FrameType)
	assert.Equal(t, []byte{1}, sink.CSI[0])

	require.NoError(t, enc.SetRates(800, 25))
	assert.Equal(t, [2]int32{800, 25}, lib.rates)

	enc.EncodingComplete()
	assert.Equal(t, []uint64{9}, lib.destroyed)
}

func TestFrameFromRejectsBadGeometry(t *testing.T) {
	_, ok := frameFrom(&decodeResult{Width: 4, Height: 4})
	assert.False(t, ok)
	_, ok = frameFrom(&decodeResult{Width: 4, Height: 4, YPtr: 1, UPtr: 1, VPtr: 1, YStride: 2, UVStride: 2})
	assert.False(t, ok)
}
