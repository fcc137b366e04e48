package native

import (
	"unsafe"

	"github.com/reglet-dev/mediahost/domain/entities"
)

// decodeResult matches decode_result in C. It is heap allocated once per
// decoder so purego can pass its address on every platform.
type decodeResult struct {
	YPtr     uint64
	UPtr     uint64
	VPtr     uint64
	YStride  int32
	UVStride int32
	Width    int32
	Height   int32
	Result   int32
	Reserved int32
}

type decoderFuncs struct {
	create  func(codec, width, height, threads int32) uint64
	decode  func(dec uint64, data *byte, dataLen int32, out *decodeResult) int32
	reset   func(dec uint64) int32
	destroy func(dec uint64)
}

type encoderFuncs struct {
	create        func(codec, width, height, fps, kbps, threads int32) uint64
	encode        func(enc uint64, y, u, v *byte, yStride, uvStride, forceKey int32, out *byte, outCap int32, frameType *int32) int32
	maxOutputSize func(enc uint64) int32
	setRates      func(enc uint64, kbps, fps int32) int32
	destroy       func(enc uint64)
}

// library is one opened plugin library.
type library interface {
	init() error
	decoder() (*decoderFuncs, error)
	encoder() (*encoderFuncs, error)
	lastError() string
	shutdown()
}

// Log levels passed to the GMPInit log callback.
const (
	logDebug int32 = iota
	logInfo
	logWarn
	logError
)

// copyPlane copies a width x height plane starting at the C address src.
func copyPlane(dst []byte, dstStride int, src uint64, srcStride, width, height int) {
	for row := range height {
		line := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(src)+uintptr(row*srcStride))), width)
		copy(dst[row*dstStride:row*dstStride+width], line)
	}
}

// frameFrom copies the planes described by r into a packed I420 frame.
func frameFrom(r *decodeResult) (*entities.VideoFrame, bool) {
	w, h := int(r.Width), int(r.Height)
	if w <= 0 || h <= 0 || w > entities.MaxFrameDimension || h > entities.MaxFrameDimension {
		return nil, false
	}
	cw, ch := entities.ChromaDimensions(w, h)
	if r.YPtr == 0 || r.UPtr == 0 || r.VPtr == 0 || int(r.YStride) < w || int(r.UVStride) < cw {
		return nil, false
	}
	frame := entities.NewI420Frame(w, h)
	y, u, v := frame.Planes[entities.PlaneY], frame.Planes[entities.PlaneU], frame.Planes[entities.PlaneV]
	copyPlane(frame.Data[y.Offset:], y.Stride, r.YPtr, int(r.YStride), w, h)
	copyPlane(frame.Data[u.Offset:], u.Stride, r.UPtr, int(r.UVStride), cw, ch)
	copyPlane(frame.Data[v.Offset:], v.Stride, r.VPtr, int(r.UVStride), cw, ch)
	return frame, true
}
