package native

import (
	"fmt"
	"runtime"
	"slices"

	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
)

const defaultFrameRate = 30

// Module adapts a native library to ports.CodecModule.
type Module struct {
	lib      library
	platform ports.Platform
	logger   *zap.Logger
	path     string
}

var _ ports.CodecModule = (*Module)(nil)

func newModule(lib library, path string, logger *zap.Logger) *Module {
	return &Module{lib: lib, path: path, logger: logger.With(zap.String("library", path))}
}

// Init implements ports.CodecModule.
func (m *Module) Init(platform ports.Platform) error {
	m.platform = platform
	if err := m.lib.init(); err != nil {
		return &domerrors.LoadError{Path: m.path, Symbol: "GMPInit", Err: err}
	}
	return nil
}

// GetAPI implements ports.CodecModule.
func (m *Module) GetAPI(api string, host any) (any, error) {
	switch api {
	case entities.APIDecodeVideo:
		cb, ok := host.(ports.DecoderCallback)
		if !ok {
			return nil, fmt.Errorf("native: %s needs a decoder callback, got %T", api, host)
		}
		fns, err := m.lib.decoder()
		if err != nil {
			return nil, err
		}
		return &decoder{module: m, fns: fns, callback: cb, out: new(decodeResult)}, nil
	case entities.APIEncodeVideo:
		cb, ok := host.(ports.EncoderCallback)
		if !ok {
			return nil, fmt.Errorf("native: %s needs an encoder callback, got %T", api, host)
		}
		fns, err := m.lib.encoder()
		if err != nil {
			return nil, err
		}
		return &encoder{module: m, fns: fns, callback: cb, frameType: new(int32)}, nil
	default:
		return nil, fmt.Errorf("native: api %q: %w", api, domerrors.ErrNotFound)
	}
}

// Shutdown implements ports.CodecModule.
func (m *Module) Shutdown() {
	m.lib.shutdown()
}

func (m *Module) post(fn func()) {
	if err := m.platform.RunOnMainThread(fn); err != nil {
		m.logger.Debug("dropping callback after shutdown", zap.Error(err))
	}
}

func (m *Module) failure(op string) error {
	if msg := m.lib.lastError(); msg != "" {
		return fmt.Errorf("native %s: %s", op, msg)
	}
	return fmt.Errorf("native %s failed", op)
}

type decoder struct {
	module   *Module
	fns      *decoderFuncs
	callback ports.DecoderCallback
	out      *decodeResult
	handle   uint64
	done     bool
}

func (d *decoder) InitDecode(settings entities.VideoCodecSettings, _ []byte, coreCount int) error {
	if d.handle != 0 {
		return fmt.Errorf("native: decoder already initialised")
	}
	d.handle = d.fns.create(int32(settings.Codec), int32(settings.Width), int32(settings.Height), int32(max(coreCount, 1)))
	if d.handle == 0 {
		return d.module.failure("decoder create")
	}
	return nil
}

func (d *decoder) Decode(frame *entities.EncodedFrame, _ bool, _ []byte, _ int64) error {
	if d.handle == 0 {
		return fmt.Errorf("native: decoder not initialised")
	}
	if len(frame.Data) == 0 {
		return fmt.Errorf("native: empty frame")
	}
	*d.out = decodeResult{}
	rc := d.fns.decode(d.handle, &frame.Data[0], int32(len(frame.Data)), d.out)
	runtime.KeepAlive(frame.Data)
	if rc < 0 {
		return d.module.failure("decode")
	}

	var out *entities.VideoFrame
	if rc > 0 {
		decoded, ok := frameFrom(d.out)
		if !ok {
			return fmt.Errorf("native: decoder returned an invalid %dx%d frame", d.out.Width, d.out.Height)
		}
		decoded.Timestamp = frame.Timestamp
		decoded.Duration = frame.Duration
		out = decoded
	}
	d.module.post(func() {
		if d.done {
			return
		}
		if out != nil {
			d.callback.Decoded(out)
			d.callback.ReceivedDecodedFrame(out.Timestamp)
		}
		d.callback.InputDataExhausted()
	})
	return nil
}

func (d *decoder) Reset() error {
	if d.handle != 0 && d.fns.reset(d.handle) < 0 {
		return d.module.failure("reset")
	}
	d.module.post(func() {
		if !d.done {
			d.callback.ResetComplete()
		}
	})
	return nil
}

// Drain completes at once; the library never holds frames back between calls.
func (d *decoder) Drain() error {
	d.module.post(func() {
		if !d.done {
			d.callback.DrainComplete()
		}
	})
	return nil
}

func (d *decoder) DecodingComplete() {
	if d.done {
		return
	}
	d.done = true
	if d.handle != 0 {
		d.fns.destroy(d.handle)
		d.handle = 0
	}
}

type encoder struct {
	module    *Module
	fns       *encoderFuncs
	callback  ports.EncoderCallback
	frameType *int32
	buf       []byte
	settings  entities.VideoCodecSettings
	handle    uint64
	frames    uint64
	periodic  bool
	done      bool
}

func (e *encoder) InitEncode(settings entities.VideoCodecSettings, _ []byte, numberOfCores, maxPayloadSize int) error {
	if e.handle != 0 {
		return fmt.Errorf("native: encoder already initialised")
	}
	fps := settings.MaxFramerate
	if fps <= 0 {
		fps = defaultFrameRate
	}
	e.handle = e.fns.create(int32(settings.Codec), int32(settings.Width), int32(settings.Height),
		int32(fps), int32(settings.StartBitrate), int32(max(numberOfCores, 1)))
	if e.handle == 0 {
		return e.module.failure("encoder create")
	}
	size := int(e.fns.maxOutputSize(e.handle))
	if size <= 0 {
		size = entities.I420Size(settings.Width, settings.Height)
	}
	if maxPayloadSize > 0 {
		size = max(size, maxPayloadSize)
	}
	e.buf = make([]byte, size)
	e.settings = settings
	return nil
}

func (e *encoder) Encode(frame *entities.VideoFrame, codecSpecificInfo []byte, frameTypes []entities.FrameType) error {
	if e.handle == 0 {
		return fmt.Errorf("native: encoder not initialised")
	}
	y, u, v := frame.PlaneData(entities.PlaneY), frame.PlaneData(entities.PlaneU), frame.PlaneData(entities.PlaneV)
	if len(y) == 0 || len(u) == 0 || len(v) == 0 {
		return fmt.Errorf("native: frame has an empty plane")
	}
	var forceKey int32
	if e.frames == 0 || slices.Contains(frameTypes, entities.FrameTypeKey) {
		forceKey = 1
	}
	e.frames++

	*e.frameType = int32(entities.FrameTypeUnknown)
	n := e.fns.encode(e.handle, &y[0], &u[0], &v[0],
		int32(frame.Planes[entities.PlaneY].Stride), int32(frame.Planes[entities.PlaneU].Stride),
		forceKey, &e.buf[0], int32(len(e.buf)), e.frameType)
	runtime.KeepAlive(frame.Data)
	if n < 0 {
		return e.module.failure("encode")
	}
	if n == 0 {
		return nil
	}
	if int(n) > len(e.buf) {
		return fmt.Errorf("native: encoder wrote %d bytes into a %d byte buffer", n, len(e.buf))
	}

	out := &entities.EncodedFrame{
		Data:          slices.Clone(e.buf[:n]),
		FrameType:     entities.FrameType(*e.frameType),
		Width:         frame.Width,
		Height:        frame.Height,
		Timestamp:     frame.Timestamp,
		Duration:      frame.Duration,
		CompleteFrame: true,
	}
	csi := slices.Clone(codecSpecificInfo)
	e.module.post(func() {
		if !e.done {
			e.callback.Encoded(out, csi)
		}
	})
	return nil
}

func (e *encoder) SetChannelParameters(uint32, int64) error { return nil }

func (e *encoder) SetRates(bitrateKbps, frameRate uint32) error {
	if e.handle == 0 {
		return fmt.Errorf("native: encoder not initialised")
	}
	if e.fns.setRates(e.handle, int32(bitrateKbps), int32(frameRate)) < 0 {
		return e.module.failure("set rates")
	}
	return nil
}

// SetPeriodicKeyFrames is recorded only; key frame placement is left to the
// library apart from the first frame and explicit requests.
func (e *encoder) SetPeriodicKeyFrames(enable bool) error {
	e.periodic = enable
	return nil
}

func (e *encoder) EncodingComplete() {
	if e.done {
		return
	}
	e.done = true
	if e.handle != 0 {
		e.fns.destroy(e.handle)
		e.handle = 0
	}
}
