// Package shmem provides the shared buffers that carry large payloads between
// the host and a plugin process, and the per-traffic-class pool that recycles
// them.
package shmem

import (
	"fmt"
	"sync/atomic"
)

// PageSize is the allocation granularity of shared buffers.
const PageSize = 4096

// Class is the traffic class a buffer is pooled under.
type Class uint8

const (
	ClassEncoded Class = iota
	ClassDecoded
	classCount
)

func (c Class) String() string {
	switch c {
	case ClassEncoded:
		return "encoded"
	case ClassDecoded:
		return "decoded"
	default:
		return "unknown"
	}
}

// Valid reports whether c names a pool.
func (c Class) Valid() bool {
	return c < classCount
}

// AlignToPage rounds size up to a whole number of pages. Zero stays one page.
func AlignToPage(size int) int {
	if size <= 0 {
		return PageSize
	}
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// Segment is one shared buffer. Its ownership is exactly one of: free in a
// pool, or checked out to a single in-flight call.
type Segment struct {
	data   []byte
	id     uint64
	used   int
	pooled atomic.Bool
}

// NewSegment wraps data as a segment with the given id. Used by transports
// that materialise a buffer received from the peer.
func NewSegment(id uint64, data []byte, used int) *Segment {
	if used < 0 || used > len(data) {
		used = len(data)
	}
	return &Segment{id: id, data: data, used: used}
}

// ID identifies the segment across the process boundary.
func (s *Segment) ID() uint64 {
	return s.id
}

// Capacity returns the number of bytes the segment can hold.
func (s *Segment) Capacity() int {
	return len(s.data)
}

// Len returns the number of bytes in use.
func (s *Segment) Len() int {
	return s.used
}

// Bytes returns the in-use portion of the segment.
func (s *Segment) Bytes() []byte {
	return s.data[:s.used]
}

// Full returns the whole backing region regardless of the in-use length.
func (s *Segment) Full() []byte {
	return s.data
}

// SetLen sets the in-use length.
func (s *Segment) SetLen(n int) error {
	if n < 0 || n > len(s.data) {
		return fmt.Errorf("segment %d: length %d out of range [0,%d]", s.id, n, len(s.data))
	}
	s.used = n
	return nil
}

// Fill copies p into the segment and sets the in-use length to len(p).
func (s *Segment) Fill(p []byte) error {
	if len(p) > len(s.data) {
		return fmt.Errorf("segment %d: %d bytes exceed capacity %d", s.id, len(p), len(s.data))
	}
	copy(s.data, p)
	s.used = len(p)
	return nil
}

// Allocator creates and releases segments.
type Allocator interface {
	Alloc(size int) (*Segment, error)
	Free(seg *Segment)
}

// HeapAllocator allocates segments from the Go heap. Ids are unique per
// allocator; distinct processes use distinct id bases.
type HeapAllocator struct {
	next atomic.Uint64
	base uint64
}

// NewHeapAllocator creates a HeapAllocator whose ids start above base.
// The host and the child use different bases so ids never collide.
func NewHeapAllocator(base uint64) *HeapAllocator {
	return &HeapAllocator{base: base}
}

// Alloc returns a zeroed segment of exactly size bytes.
func (a *HeapAllocator) Alloc(size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid segment size %d", size)
	}
	id := a.base + a.next.Add(1)
	return &Segment{id: id, data: make([]byte, size)}, nil
}

// Free drops the segment; the garbage collector reclaims it.
func (a *HeapAllocator) Free(seg *Segment) {
	seg.data = nil
	seg.used = 0
}
