package wireformat

import (
	"github.com/reglet-dev/mediahost/domain/entities"
	"github.com/reglet-dev/mediahost/shmem"
)

// ErrorDetail provides structured error information, consistent across host and plugin.
type ErrorDetail = entities.ErrorDetail

// StartPluginWire asks the child to load and initialise the plugin in Directory.
type StartPluginWire struct {
	Directory string   `json:"directory"`
	Name      string   `json:"name"`
	Libraries []string `json:"libraries,omitempty"`
}

// StartPluginResultWire reports the outcome of StartPlugin.
type StartPluginResultWire struct {
	Error *ErrorDetail `json:"error,omitempty"`
}

// ConstructActorWire creates a codec actor in the child.
type ConstructActorWire struct {
	Kind  entities.SessionKind `json:"kind"`
	Actor uint32               `json:"actor"`
}

// ConstructStorageWire announces a storage actor the child created.
type ConstructStorageWire struct {
	Actor uint32 `json:"actor"`
}

// ActorDeletedWire confirms an actor has been destroyed on the sending side.
type ActorDeletedWire struct {
	Actor uint32 `json:"actor"`
}

// ReturnShmemWire hands the attached segment back to the peer's pool.
type ReturnShmemWire struct {
	Class uint8 `json:"class"`
}

// ErrorWire reports an asynchronous codec failure.
type ErrorWire struct {
	Error *ErrorDetail `json:"error"`
}

// InitDecodeWire initialises a decoder.
type InitDecodeWire struct {
	CodecSpecific []byte                      `json:"codec_specific,omitempty"`
	Settings      entities.VideoCodecSettings `json:"settings"`
	CoreCount     int                         `json:"core_count"`
}

// DecodeWire submits one encoded frame. The bitstream travels in the attached
// segment, whose in-use length is the frame size.
type DecodeWire struct {
	CodecSpecificInfo []byte                `json:"codec_specific_info,omitempty"`
	Frame             entities.EncodedFrame `json:"frame"`
	RenderTimeMs      int64                 `json:"render_time_ms"`
	MissingFrames     bool                  `json:"missing_frames"`
}

// FrameInfoWire describes a decoded frame's geometry.
type FrameInfoWire struct {
	Planes    [entities.PlaneCount]entities.Plane `json:"planes"`
	Width     int                                 `json:"width"`
	Height    int                                 `json:"height"`
	Timestamp uint64                              `json:"timestamp"`
	Duration  uint64                              `json:"duration"`
}

// DecodedWire delivers one decoded frame. Its bytes travel either in the
// attached segment or inline in Data; never both.
type DecodedWire struct {
	Data  []byte        `json:"data,omitempty"`
	Frame FrameInfoWire `json:"frame"`
}

// PictureIDWire carries a picture id for reference-frame notifications.
type PictureIDWire struct {
	PictureID uint64 `json:"picture_id"`
}

// InitEncodeWire initialises an encoder.
type InitEncodeWire struct {
	CodecSpecific  []byte                      `json:"codec_specific,omitempty"`
	Settings       entities.VideoCodecSettings `json:"settings"`
	NumberOfCores  int                         `json:"number_of_cores"`
	MaxPayloadSize int                         `json:"max_payload_size"`
}

// EncodeWire submits one raw frame. The pixels travel in the attached segment.
type EncodeWire struct {
	CodecSpecificInfo []byte               `json:"codec_specific_info,omitempty"`
	FrameTypes        []entities.FrameType `json:"frame_types,omitempty"`
	Frame             FrameInfoWire        `json:"frame"`
}

// ChannelParametersWire updates network conditions for an encoder.
type ChannelParametersWire struct {
	PacketLoss uint32 `json:"packet_loss"`
	RTTMs      int64  `json:"rtt_ms"`
}

// RatesWire updates encoder rate control.
type RatesWire struct {
	BitrateKbps uint32 `json:"bitrate_kbps"`
	FrameRate   uint32 `json:"frame_rate"`
}

// PeriodicKeyFramesWire toggles periodic key frames.
type PeriodicKeyFramesWire struct {
	Enable bool `json:"enable"`
}

// EncodedWire delivers one encoded frame, in the attached segment or inline.
type EncodedWire struct {
	Data              []byte                `json:"data,omitempty"`
	CodecSpecificInfo []byte                `json:"codec_specific_info,omitempty"`
	Frame             entities.EncodedFrame `json:"frame"`
	Size              int                   `json:"size"`
}

// StorageNameWire names a record.
type StorageNameWire struct {
	Name string `json:"name"`
}

// StorageWriteWire replaces a record's value. The value travels as the
// envelope's segment (see ValueSegment); no segment means an empty value.
type StorageWriteWire struct {
	Name string `json:"name"`
}

// StorageStatusWire reports the status of a storage operation on one record.
type StorageStatusWire struct {
	Name   string                 `json:"name"`
	Status entities.StorageStatus `json:"status"`
}

// StorageReadCompleteWire returns a record's value in the envelope's
// segment.
type StorageReadCompleteWire struct {
	Name   string                 `json:"name"`
	Status entities.StorageStatus `json:"status"`
}

// ValueSegment wraps a record value for transfer. The segment belongs to no
// pool and is dropped by the receiver after use. Empty values send no
// segment.
func ValueSegment(data []byte) *shmem.Segment {
	if len(data) == 0 {
		return nil
	}
	return shmem.NewSegment(0, data, len(data))
}

// SegmentValue returns the value carried by seg, or nil.
func SegmentValue(seg *shmem.Segment) []byte {
	if seg == nil {
		return nil
	}
	return seg.Bytes()
}

// StorageRecordNamesWire lists every known record.
type StorageRecordNamesWire struct {
	Names  []string               `json:"names,omitempty"`
	Status entities.StorageStatus `json:"status"`
}

// FrameInfoFromVideo copies the geometry of f.
func FrameInfoFromVideo(f *entities.VideoFrame) FrameInfoWire {
	return FrameInfoWire{
		Planes:    f.Planes,
		Width:     f.Width,
		Height:    f.Height,
		Timestamp: f.Timestamp,
		Duration:  f.Duration,
	}
}

// PayloadSize returns the number of bytes the plane layout declares.
func (f FrameInfoWire) PayloadSize() int {
	end := 0
	for _, pl := range f.Planes {
		if e := pl.Offset + pl.Size; e > end {
			end = e
		}
	}
	return end
}

// Validate checks the geometry against the bytes actually supplied.
func (f FrameInfoWire) Validate(available int) error {
	return entities.ValidateGeometry(f.Width, f.Height, f.Planes, available)
}

// VideoFrame builds a frame over data using this geometry.
func (f FrameInfoWire) VideoFrame(data []byte) *entities.VideoFrame {
	return &entities.VideoFrame{
		Data:      data,
		Planes:    f.Planes,
		Width:     f.Width,
		Height:    f.Height,
		Timestamp: f.Timestamp,
		Duration:  f.Duration,
	}
}
