// Package testutil provides fakes shared by codec module tests
package testutil

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/mediahost/domain/entities"
	"github.com/reglet-dev/mediahost/domain/ports"
)

// InlinePlatform runs main-thread tasks immediately on the calling goroutine.
type InlinePlatform struct{}

var _ ports.Platform = InlinePlatform{}

func (InlinePlatform) RunOnMainThread(fn func()) error { fn(); return nil }
func (InlinePlatform) CreateThread(fn func()) error    { go fn(); return nil }
func (InlinePlatform) NewMutex() sync.Locker           { return &sync.Mutex{} }

// OpenStorage is unsupported.
func (InlinePlatform) OpenStorage(ports.RecordCallback) (ports.RecordClient, error) {
	return nil, entities.NewErrorDetail("storage", "not available")
}

// DecodeSink records what a decoder delivers.
type DecodeSink struct {
	mu        sync.Mutex
	Frames    []*entities.VideoFrame
	Errors    []error
	Pictures  []uint64
	Exhausted int
	Drained   int
	Reset     int
}

var _ ports.DecoderCallback = (*DecodeSink)(nil)

func (s *DecodeSink) Decoded(f *entities.VideoFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, f.Clone())
}

func (s *DecodeSink) ReceivedDecodedReferenceFrame(uint64) {}

func (s *DecodeSink) ReceivedDecodedFrame(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pictures = append(s.Pictures, id)
}

func (s *DecodeSink) InputDataExhausted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Exhausted++
}

func (s *DecodeSink) DrainComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Drained++
}

func (s *DecodeSink) ResetComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reset++
}

func (s *DecodeSink) Error(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, err)
}

// DecodedFrames returns a copy of the recorded frames.
func (s *DecodeSink) DecodedFrames() []*entities.VideoFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*entities.VideoFrame(nil), s.Frames...)
}

// EncodeSink records what an encoder delivers.
type EncodeSink struct {
	mu     sync.Mutex
	Frames []*entities.EncodedFrame
	CSI    [][]byte
	Errors []error
}

var _ ports.EncoderCallback = (*EncodeSink)(nil)

func (s *EncodeSink) Encoded(f *entities.EncodedFrame, csi []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, f.Clone())
	s.CSI = append(s.CSI, append([]byte(nil), csi...))
}

func (s *EncodeSink) Error(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, err)
}

// EncodedFrames returns a copy of the recorded frames.
func (s *EncodeSink) EncodedFrames() []*entities.EncodedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*entities.EncodedFrame(nil), s.Frames...)
}

// TestFrame returns a packed I420 frame whose bytes follow a simple pattern.
func TestFrame(width, height int, seed byte) *entities.VideoFrame {
	f := entities.NewI420Frame(width, height)
	for i := range f.Data {
		f.Data[i] = seed + byte(i%251)
	}
	return f
}

// AssertJSONEqual compares two JSON strings for equality, ignoring formatting
func AssertJSONEqual(t *testing.T, expected, actual string, msgAndArgs ...interface{}) {
	t.Helper()

	var expectedJSON, actualJSON interface{}
	require.NoError(t, json.Unmarshal([]byte(expected), &expectedJSON), "expected JSON is invalid")
	require.NoError(t, json.Unmarshal([]byte(actual), &actualJSON), "actual JSON is invalid")

	assert.Equal(t, expectedJSON, actualJSON, msgAndArgs...)
}
