// Frame types exchanged between the host and codec plugins.
package entities

import "fmt"

// MaxFrameDimension bounds width and height of any frame crossing the process boundary.
const MaxFrameDimension = 16384

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecH264
	VideoCodecAV1
	VideoCodecI420
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecH264:
		return "H264"
	case VideoCodecAV1:
		return "AV1"
	case VideoCodecI420:
		return "I420"
	default:
		return "Unknown"
	}
}

// Tag returns the capability tag plugins use to declare this codec.
func (c VideoCodec) Tag() string {
	switch c {
	case VideoCodecVP8:
		return "vp8"
	case VideoCodecVP9:
		return "vp9"
	case VideoCodecH264:
		return "h264"
	case VideoCodecAV1:
		return "av1"
	case VideoCodecI420:
		return "i420"
	default:
		return ""
	}
}

// VideoCodecFromTag maps a capability tag back to a codec.
func VideoCodecFromTag(tag string) VideoCodec {
	for _, c := range []VideoCodec{VideoCodecVP8, VideoCodecVP9, VideoCodecH264, VideoCodecAV1, VideoCodecI420} {
		if c.Tag() == tag {
			return c
		}
	}
	return VideoCodecUnknown
}

// FrameType indicates whether a frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // I-frame, can be decoded independently
	FrameTypeDelta             // P/B-frame, requires previous frames
	FrameTypeSkip
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	case FrameTypeSkip:
		return "Skip"
	default:
		return "Unknown"
	}
}

// VideoCodecSettings configures a decoder or encoder session.
type VideoCodecSettings struct {
	Codec          VideoCodec `json:"codec"`
	Width          int        `json:"width"`
	Height         int        `json:"height"`
	StartBitrate   int        `json:"start_bitrate_kbps,omitempty"`
	MaxBitrate     int        `json:"max_bitrate_kbps,omitempty"`
	MinBitrate     int        `json:"min_bitrate_kbps,omitempty"`
	MaxFramerate   int        `json:"max_framerate,omitempty"`
	QPMax          int        `json:"qp_max,omitempty"`
	TemporalLayers int        `json:"temporal_layers,omitempty"`
}

// PlaneIndex names the three I420 planes.
type PlaneIndex int

const (
	PlaneY PlaneIndex = iota
	PlaneU
	PlaneV
	PlaneCount
)

// Plane locates one plane inside a frame buffer.
type Plane struct {
	Offset int `json:"offset"`
	Stride int `json:"stride"`
	Size   int `json:"size"`
}

// VideoFrame is a raw I420 frame. All three planes live in Data at the
// offsets recorded in Planes.
type VideoFrame struct {
	Data      []byte            `json:"-"`
	Planes    [PlaneCount]Plane `json:"planes"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp uint64            `json:"timestamp"`
	Duration  uint64            `json:"duration"`
}

// PlaneData returns the bytes of plane p.
func (f *VideoFrame) PlaneData(p PlaneIndex) []byte {
	pl := f.Planes[p]
	return f.Data[pl.Offset : pl.Offset+pl.Size]
}

// Clone creates a deep copy of the video frame.
// Use this when you need to keep the frame data beyond its original lifetime.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := *f
	if f.Data != nil {
		clone.Data = make([]byte, len(f.Data))
		copy(clone.Data, f.Data)
	}
	return &clone
}

// PayloadSize returns the number of bytes the plane layout declares, i.e. the
// end of the furthest plane.
func (f *VideoFrame) PayloadSize() int {
	end := 0
	for _, pl := range f.Planes {
		if e := pl.Offset + pl.Size; e > end {
			end = e
		}
	}
	return end
}

// ChromaDimensions returns the width and height of the U and V planes.
func ChromaDimensions(width, height int) (int, int) {
	return (width + 1) / 2, (height + 1) / 2
}

// I420Size returns the total buffer size needed for a tightly packed I420 frame.
func I420Size(width, height int) int {
	cw, ch := ChromaDimensions(width, height)
	return width*height + 2*cw*ch
}

// PackedI420Planes returns the tightly packed plane layout for a frame.
func PackedI420Planes(width, height int) [PlaneCount]Plane {
	cw, ch := ChromaDimensions(width, height)
	ySize := width * height
	cSize := cw * ch
	return [PlaneCount]Plane{
		PlaneY: {Offset: 0, Stride: width, Size: ySize},
		PlaneU: {Offset: ySize, Stride: cw, Size: cSize},
		PlaneV: {Offset: ySize + cSize, Stride: cw, Size: cSize},
	}
}

// NewI420Frame allocates a tightly packed frame.
func NewI420Frame(width, height int) *VideoFrame {
	return &VideoFrame{
		Data:   make([]byte, I420Size(width, height)),
		Planes: PackedI420Planes(width, height),
		Width:  width,
		Height: height,
	}
}

// ValidateGeometry checks that the plane layout is consistent with the
// declared width and height and fits in available bytes.
func ValidateGeometry(width, height int, planes [PlaneCount]Plane, available int) error {
	if width <= 0 || height <= 0 || width > MaxFrameDimension || height > MaxFrameDimension {
		return fmt.Errorf("invalid frame dimensions %dx%d", width, height)
	}
	cw, ch := ChromaDimensions(width, height)
	for i, pl := range planes {
		pw, ph := width, height
		if PlaneIndex(i) != PlaneY {
			pw, ph = cw, ch
		}
		if pl.Offset < 0 || pl.Stride < pw || pl.Size < 0 {
			return fmt.Errorf("plane %d: offset %d stride %d invalid for width %d", i, pl.Offset, pl.Stride, pw)
		}
		// stride*(ph-1)+pw <= size, compared by division so it cannot overflow.
		if pl.Size < pw || (ph > 1 && (pl.Size-pw)/(ph-1) < pl.Stride) {
			return fmt.Errorf("plane %d: size %d too small for %dx%d stride %d", i, pl.Size, pw, ph, pl.Stride)
		}
		if pl.Size > available || pl.Offset > available-pl.Size {
			return fmt.Errorf("plane %d: offset %d size %d beyond %d available bytes", i, pl.Offset, pl.Size, available)
		}
	}
	return nil
}

// EncodedFrame holds an encoded bitstream unit.
type EncodedFrame struct {
	Data            []byte    `json:"-"`
	FrameType       FrameType `json:"frame_type"`
	Width           int       `json:"width,omitempty"`
	Height          int       `json:"height,omitempty"`
	Timestamp       uint64    `json:"timestamp"`
	Duration        uint64    `json:"duration,omitempty"`
	CompleteFrame   bool      `json:"complete_frame"`
	TemporalLayerID uint8     `json:"temporal_layer_id,omitempty"`
}

// IsKeyframe returns true if this is a keyframe.
func (f *EncodedFrame) IsKeyframe() bool {
	return f.FrameType == FrameTypeKey
}

// Clone creates a deep copy of the encoded frame.
func (f *EncodedFrame) Clone() *EncodedFrame {
	clone := *f
	if f.Data != nil {
		clone.Data = make([]byte, len(f.Data))
		copy(clone.Data, f.Data)
	}
	return &clone
}
