// Package rawvideo is a statically linked codec module whose bitstream is
// packed I420. It declares decode-video[i420] and encode-video[i420] and is
// used for demos and end-to-end runs of the plugin protocol.
package rawvideo

import (
	"fmt"
	"sync"

	"github.com/reglet-dev/mediahost/domain/entities"
	"github.com/reglet-dev/mediahost/domain/ports"
)

// Name is the plugin name the module registers under (directory gmp-rawvideo).
const Name = "rawvideo"

// Manifest is the .info file a gmp-rawvideo directory carries.
const Manifest = `Name: Raw Video
Description: Packed I420 passthrough codec
Version: 1.0
APIs: decode-video[i420], encode-video[i420]
`

// Module implements ports.CodecModule.
type Module struct {
	platform ports.Platform
	mu       sync.Locker
	live     int
}

var _ ports.CodecModule = (*Module)(nil)

// New creates an uninitialised module.
func New() ports.CodecModule {
	return &Module{}
}

// Init implements ports.CodecModule.
func (m *Module) Init(platform ports.Platform) error {
	if platform == nil {
		return fmt.Errorf("rawvideo: nil platform")
	}
	m.platform = platform
	m.mu = platform.NewMutex()
	return nil
}

// GetAPI implements ports.CodecModule.
func (m *Module) GetAPI(api string, host any) (any, error) {
	if m.platform == nil {
		return nil, fmt.Errorf("rawvideo: GetAPI before Init")
	}
	switch api {
	case entities.APIDecodeVideo:
		cb, ok := host.(ports.DecoderCallback)
		if !ok {
			return nil, fmt.Errorf("rawvideo: %s host is %T", api, host)
		}
		m.track(1)
		return &decoder{module: m, callback: cb}, nil
	case entities.APIEncodeVideo:
		cb, ok := host.(ports.EncoderCallback)
		if !ok {
			return nil, fmt.Errorf("rawvideo: %s host is %T", api, host)
		}
		m.track(1)
		return &encoder{module: m, callback: cb}, nil
	default:
		return nil, fmt.Errorf("rawvideo: unsupported api %q", api)
	}
}

// Shutdown implements ports.CodecModule.
func (m *Module) Shutdown() {}

// Live returns the number of codec instances not yet completed.
func (m *Module) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

func (m *Module) track(delta int) {
	m.mu.Lock()
	m.live += delta
	m.mu.Unlock()
}

// post runs fn on the plugin main thread.
func (m *Module) post(fn func()) {
	_ = m.platform.RunOnMainThread(fn)
}

type decoder struct {
	module   *Module
	callback ports.DecoderCallback
	settings entities.VideoCodecSettings
	done     bool
}

func (d *decoder) InitDecode(settings entities.VideoCodecSettings, _ []byte, _ int) error {
	if settings.Codec != entities.VideoCodecI420 && settings.Codec != entities.VideoCodecUnknown {
		return fmt.Errorf("rawvideo: cannot decode %s", settings.Codec)
	}
	d.settings = settings
	return nil
}

// Decode copies the packed frame, since the input is only lent for the call.
func (d *decoder) Decode(frame *entities.EncodedFrame, _ bool, _ []byte, _ int64) error {
	width, height := frame.Width, frame.Height
	if width == 0 || height == 0 {
		width, height = d.settings.Width, d.settings.Height
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("rawvideo: frame size unknown")
	}
	if want := entities.I420Size(width, height); len(frame.Data) != want {
		return fmt.Errorf("rawvideo: %dx%d frame needs %d bytes, got %d", width, height, want, len(frame.Data))
	}

	out := entities.NewI420Frame(width, height)
	copy(out.Data, frame.Data)
	out.Timestamp = frame.Timestamp
	out.Duration = frame.Duration
	d.module.post(func() {
		if d.done {
			return
		}
		d.callback.Decoded(out)
		d.callback.ReceivedDecodedFrame(out.Timestamp)
		d.callback.InputDataExhausted()
	})
	return nil
}

func (d *decoder) Reset() error {
	d.module.post(func() {
		if !d.done {
			d.callback.ResetComplete()
		}
	})
	return nil
}

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
	d.module.track(-1)
}

type encoder struct {
	module      *Module
	callback    ports.EncoderCallback
	settings    entities.VideoCodecSettings
	bitrateKbps uint32
	frameRate   uint32
	done        bool
}

func (e *encoder) InitEncode(settings entities.VideoCodecSettings, _ []byte, _, _ int) error {
	if settings.Codec != entities.VideoCodecI420 && settings.Codec != entities.VideoCodecUnknown {
		return fmt.Errorf("rawvideo: cannot encode %s", settings.Codec)
	}
	e.settings = settings
	return nil
}

// Encode packs the planes tightly, dropping any stride padding.
func (e *encoder) Encode(frame *entities.VideoFrame, _ []byte, _ []entities.FrameType) error {
	packed := Pack(frame)
	out := &entities.EncodedFrame{
		Data:          packed,
		FrameType:     entities.FrameTypeKey,
		Width:         frame.Width,
		Height:        frame.Height,
		Timestamp:     frame.Timestamp,
		Duration:      frame.Duration,
		CompleteFrame: true,
	}
	e.module.post(func() {
		if !e.done {
			e.callback.Encoded(out, nil)
		}
	})
	return nil
}

func (e *encoder) SetChannelParameters(uint32, int64) error { return nil }

func (e *encoder) SetRates(bitrateKbps, frameRate uint32) error {
	e.bitrateKbps, e.frameRate = bitrateKbps, frameRate
	return nil
}

func (e *encoder) SetPeriodicKeyFrames(bool) error { return nil }

func (e *encoder) EncodingComplete() {
	if e.done {
		return
	}
	e.done = true
	e.module.track(-1)
}

// Pack copies frame into a tightly packed I420 buffer.
func Pack(frame *entities.VideoFrame) []byte {
	out := make([]byte, entities.I420Size(frame.Width, frame.Height))
	layout := entities.PackedI420Planes(frame.Width, frame.Height)
	cw, ch := entities.ChromaDimensions(frame.Width, frame.Height)
	for p := entities.PlaneY; p < entities.PlaneCount; p++ {
		w, h := frame.Width, frame.Height
		if p != entities.PlaneY {
			w, h = cw, ch
		}
		src := frame.Planes[p]
		dst := layout[p]
		for row := 0; row < h; row++ {
			s := src.Offset + row*src.Stride
			d := dst.Offset + row*dst.Stride
			copy(out[d:d+w], frame.Data[s:s+w])
		}
	}
	return out
}
