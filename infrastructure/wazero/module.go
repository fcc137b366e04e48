package wazero

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
)

const (
	opDecoderCreate  = "decoder.create"
	opDecoderDecode  = "decoder.decode"
	opDecoderReset   = "decoder.reset"
	opDecoderDestroy = "decoder.destroy"
	opEncoderCreate  = "encoder.create"
	opEncoderEncode  = "encoder.encode"
	opEncoderRates   = "encoder.rates"
	opEncoderDestroy = "encoder.destroy"
)

// guest is the call surface of an instantiated module.
type guest interface {
	Call(req []byte) ([]byte, error)
	Close() error
}

type request struct {
	Settings       *entities.VideoCodecSettings `json:"settings,omitempty"`
	Frame          *frameHeader                 `json:"frame,omitempty"`
	Op             string                       `json:"op"`
	FrameTypes     []entities.FrameType         `json:"frame_types,omitempty"`
	Cores          int                          `json:"cores,omitempty"`
	MaxPayloadSize int                          `json:"max_payload_size,omitempty"`
	Handle         uint32                       `json:"handle,omitempty"`
	BitrateKbps    uint32                       `json:"bitrate_kbps,omitempty"`
	FrameRate      uint32                       `json:"frame_rate,omitempty"`
}

type response struct {
	Frame  *frameHeader `json:"frame,omitempty"`
	Error  string       `json:"error,omitempty"`
	Handle uint32       `json:"handle,omitempty"`
}

// frameHeader describes the frame bytes that follow a header. Planes are
// only set for decoded frames.
type frameHeader struct {
	Planes    *[entities.PlaneCount]entities.Plane `json:"planes,omitempty"`
	Width     int                                  `json:"width"`
	Height    int                                  `json:"height"`
	Timestamp uint64                               `json:"timestamp"`
	Duration  uint64                               `json:"duration"`
	FrameType entities.FrameType                   `json:"frame_type,omitempty"`
}

// Module adapts a WASM guest to ports.CodecModule. Guest calls are made
// synchronously from the codec API methods; results are posted to the main
// thread like any other codec's callbacks.
type Module struct {
	guest    guest
	platform ports.Platform
	logger   *zap.Logger
	path     string
}

var _ ports.CodecModule = (*Module)(nil)

func newModule(g guest, path string, logger *zap.Logger) *Module {
	return &Module{guest: g, path: path, logger: logger.With(zap.String("module", path))}
}

// Init implements ports.CodecModule.
func (m *Module) Init(platform ports.Platform) error {
	m.platform = platform
	return nil
}

// GetAPI implements ports.CodecModule.
func (m *Module) GetAPI(api string, host any) (any, error) {
	switch api {
	case entities.APIDecodeVideo:
		cb, ok := host.(ports.DecoderCallback)
		if !ok {
			return nil, fmt.Errorf("wasm: %s needs a decoder callback, got %T", api, host)
		}
		return &decoder{module: m, callback: cb}, nil
	case entities.APIEncodeVideo:
		cb, ok := host.(ports.EncoderCallback)
		if !ok {
			return nil, fmt.Errorf("wasm: %s needs an encoder callback, got %T", api, host)
		}
		return &encoder{module: m, callback: cb}, nil
	default:
		return nil, fmt.Errorf("wasm: api %q: %w", api, domerrors.ErrNotFound)
	}
}

// Shutdown implements ports.CodecModule.
func (m *Module) Shutdown() {
	if err := m.guest.Close(); err != nil {
		m.logger.Warn("closing wasm runtime", zap.Error(err))
	}
}

// invoke runs one request and returns the response header and payload.
func (m *Module) invoke(req request, payload []byte) (response, []byte, error) {
	var resp response
	raw, err := frame(req, payload)
	if err != nil {
		return resp, nil, fmt.Errorf("wasm %s: %w", req.Op, err)
	}
	out, err := m.guest.Call(raw)
	if err != nil {
		return resp, nil, fmt.Errorf("wasm %s: %w", req.Op, err)
	}
	data, err := unframe(out, &resp)
	if err != nil {
		return resp, nil, fmt.Errorf("wasm %s: %w", req.Op, err)
	}
	if resp.Error != "" {
		return resp, nil, fmt.Errorf("wasm %s: %s", req.Op, resp.Error)
	}
	return resp, data, nil
}

func (m *Module) post(fn func()) {
	if err := m.platform.RunOnMainThread(fn); err != nil {
		m.logger.Debug("dropping callback after shutdown", zap.Error(err))
	}
}

type decoder struct {
	module   *Module
	callback ports.DecoderCallback
	handle   uint32
	done     bool
}

func (d *decoder) InitDecode(settings entities.VideoCodecSettings, _ []byte, coreCount int) error {
	if d.handle != 0 {
		return fmt.Errorf("wasm: decoder already initialised")
	}
	resp, _, err := d.module.invoke(request{Op: opDecoderCreate, Settings: &settings, Cores: max(coreCount, 1)}, nil)
	if err != nil {
		return err
	}
	if resp.Handle == 0 {
		return fmt.Errorf("wasm: %s returned no handle", opDecoderCreate)
	}
	d.handle = resp.Handle
	return nil
}

func (d *decoder) Decode(frame *entities.EncodedFrame, _ bool, _ []byte, _ int64) error {
	if d.handle == 0 {
		return fmt.Errorf("wasm: decoder not initialised")
	}
	resp, data, err := d.module.invoke(request{
		Op:     opDecoderDecode,
		Handle: d.handle,
		Frame: &frameHeader{
			Width:     frame.Width,
			Height:    frame.Height,
			Timestamp: frame.Timestamp,
			Duration:  frame.Duration,
			FrameType: frame.FrameType,
		},
	}, frame.Data)
	if err != nil {
		return err
	}

	var out *entities.VideoFrame
	if h := resp.Frame; h != nil {
		planes := entities.PackedI420Planes(h.Width, h.Height)
		if h.Planes != nil {
			planes = *h.Planes
		}
		if err := entities.ValidateGeometry(h.Width, h.Height, planes, len(data)); err != nil {
			return fmt.Errorf("wasm: decoded frame: %w", err)
		}
		out = &entities.VideoFrame{
			Data:      slices.Clone(data),
			Planes:    planes,
			Width:     h.Width,
			Height:    h.Height,
			Timestamp: frame.Timestamp,
			Duration:  frame.Duration,
		}
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
	if d.handle != 0 {
		if _, _, err := d.module.invoke(request{Op: opDecoderReset, Handle: d.handle}, nil); err != nil {
			return err
		}
	}
	d.module.post(func() {
		if !d.done {
			d.callback.ResetComplete()
		}
	})
	return nil
}

// Drain completes at once; guests return every decodable frame from the
// decode call itself.
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
		if _, _, err := d.module.invoke(request{Op: opDecoderDestroy, Handle: d.handle}, nil); err != nil {
			d.module.logger.Warn("destroying decoder", zap.Error(err))
		}
		d.handle = 0
	}
}

type encoder struct {
	module   *Module
	callback ports.EncoderCallback
	handle   uint32
	frames   uint64
	done     bool
}

func (e *encoder) InitEncode(settings entities.VideoCodecSettings, _ []byte, numberOfCores, maxPayloadSize int) error {
	if e.handle != 0 {
		return fmt.Errorf("wasm: encoder already initialised")
	}
	resp, _, err := e.module.invoke(request{
		Op:             opEncoderCreate,
		Settings:       &settings,
		Cores:          max(numberOfCores, 1),
		MaxPayloadSize: maxPayloadSize,
	}, nil)
	if err != nil {
		return err
	}
	if resp.Handle == 0 {
		return fmt.Errorf("wasm: %s returned no handle", opEncoderCreate)
	}
	e.handle = resp.Handle
	return nil
}

func (e *encoder) Encode(frame *entities.VideoFrame, codecSpecificInfo []byte, frameTypes []entities.FrameType) error {
	if e.handle == 0 {
		return fmt.Errorf("wasm: encoder not initialised")
	}
	types := slices.Clone(frameTypes)
	if e.frames == 0 && !slices.Contains(types, entities.FrameTypeKey) {
		types = append(types, entities.FrameTypeKey)
	}
	e.frames++

	planes := frame.Planes
	resp, data, err := e.module.invoke(request{
		Op:         opEncoderEncode,
		Handle:     e.handle,
		FrameTypes: types,
		Frame: &frameHeader{
			Planes:    &planes,
			Width:     frame.Width,
			Height:    frame.Height,
			Timestamp: frame.Timestamp,
			Duration:  frame.Duration,
		},
	}, frame.Data[:frame.PayloadSize()])
	if err != nil {
		return err
	}
	if resp.Frame == nil || len(data) == 0 {
		return nil
	}

	out := &entities.EncodedFrame{
		Data:          slices.Clone(data),
		FrameType:     resp.Frame.FrameType,
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
		return fmt.Errorf("wasm: encoder not initialised")
	}
	_, _, err := e.module.invoke(request{Op: opEncoderRates, Handle: e.handle, BitrateKbps: bitrateKbps, FrameRate: frameRate}, nil)
	return err
}

func (e *encoder) SetPeriodicKeyFrames(bool) error { return nil }

func (e *encoder) EncodingComplete() {
	if e.done {
		return
	}
	e.done = true
	if e.handle != 0 {
		if _, _, err := e.module.invoke(request{Op: opEncoderDestroy, Handle: e.handle}, nil); err != nil {
			e.module.logger.Warn("destroying encoder", zap.Error(err))
		}
		e.handle = 0
	}
}
