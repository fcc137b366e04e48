package ports

import (
	"sync"

	"github.com/reglet-dev/mediahost/domain/entities"
)

// Platform is the set of services a codec module receives at init.
type Platform interface {
	// RunOnMainThread queues fn on the plugin process's main loop. Codec
	// callbacks must be delivered from there.
	RunOnMainThread(fn func()) error

	// CreateThread runs fn on a new worker.
	CreateThread(fn func()) error

	// NewMutex returns a lock for the codec's own data.
	NewMutex() sync.Locker

	// OpenStorage connects the codec to its origin's record storage.
	OpenStorage(cb RecordCallback) (RecordClient, error)
}

// CodecModule is a loaded codec library. Statically linked Go codecs, native
// libraries and WASM modules all present this interface.
type CodecModule interface {
	// Init is called once before any other method.
	Init(platform Platform) error

	// GetAPI returns the implementation of api, bound to host. For
	// entities.APIDecodeVideo host is a DecoderCallback and the result a
	// VideoDecoder; for entities.APIEncodeVideo host is an EncoderCallback and
	// the result a VideoEncoder.
	GetAPI(api string, host any) (any, error)

	// Shutdown is called once after every API object has been completed.
	Shutdown()
}

// DecoderCallback receives a decoder's output. Calls must come from the main
// thread.
type DecoderCallback interface {
	// Decoded delivers a frame. frame.Data is only valid during the call.
	Decoded(frame *entities.VideoFrame)
	ReceivedDecodedReferenceFrame(pictureID uint64)
	ReceivedDecodedFrame(pictureID uint64)
	InputDataExhausted()
	DrainComplete()
	ResetComplete()
	Error(err error)
}

// VideoDecoder is the decode API of a codec module.
type VideoDecoder interface {
	InitDecode(settings entities.VideoCodecSettings, codecSpecific []byte, coreCount int) error

	// Decode consumes one frame. frame.Data is only valid during the call.
	Decode(frame *entities.EncodedFrame, missingFrames bool, codecSpecificInfo []byte, renderTimeMs int64) error
	Reset() error
	Drain() error

	// DecodingComplete releases the decoder. No callbacks may follow it
	// except those already queued on the main thread.
	DecodingComplete()
}

// EncoderCallback receives an encoder's output. Calls must come from the main
// thread.
type EncoderCallback interface {
	// Encoded delivers a frame. frame.Data is only valid during the call.
	Encoded(frame *entities.EncodedFrame, codecSpecificInfo []byte)
	Error(err error)
}

// VideoEncoder is the encode API of a codec module.
type VideoEncoder interface {
	InitEncode(settings entities.VideoCodecSettings, codecSpecific []byte, numberOfCores, maxPayloadSize int) error

	// Encode consumes one frame. frame.Data is only valid during the call.
	Encode(frame *entities.VideoFrame, codecSpecificInfo []byte, frameTypes []entities.FrameType) error
	SetChannelParameters(packetLoss uint32, rttMs int64) error
	SetRates(bitrateKbps, frameRate uint32) error
	SetPeriodicKeyFrames(enable bool) error
	EncodingComplete()
}

// ModuleLoader opens the codec module of a plugin directory.
type ModuleLoader interface {
	Load(req LaunchRequest) (CodecModule, error)
}
