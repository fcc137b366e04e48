package shmem

import (
	"fmt"

	"go.uber.org/zap"
)

// DefaultMaxPoolLength caps how many free buffers each class retains.
const DefaultMaxPoolLength = 20

// OwnerChecker asserts that the caller runs on the goroutine owning the pool.
// *loop.Loop satisfies it.
type OwnerChecker interface {
	AssertOnLoop()
}

// Observer receives pool events, typically for metrics.
type Observer interface {
	SegmentAllocated(class Class, size int)
	SegmentReused(class Class)
	SegmentFreed(class Class, reason string)
}

// poolConfig holds configuration for the Pool.
type poolConfig struct {
	allocator Allocator
	owner     OwnerChecker
	observer  Observer
	logger    *zap.Logger
	maxLength int
}

func defaultPoolConfig() poolConfig {
	return poolConfig{
		allocator: NewHeapAllocator(0),
		logger:    zap.NewNop(),
		maxLength: DefaultMaxPoolLength,
	}
}

// PoolOption configures a Pool.
type PoolOption func(*poolConfig)

// WithAllocator sets the allocator used for fresh segments.
func WithAllocator(a Allocator) PoolOption {
	return func(c *poolConfig) {
		c.allocator = a
	}
}

// WithMaxLength sets the per-class cap on retained buffers.
func WithMaxLength(n int) PoolOption {
	return func(c *poolConfig) {
		if n >= 0 {
			c.maxLength = n
		}
	}
}

// WithOwner makes every pool operation assert it runs on the owner.
func WithOwner(o OwnerChecker) PoolOption {
	return func(c *poolConfig) {
		c.owner = o
	}
}

// WithObserver sets the event observer.
func WithObserver(o Observer) PoolOption {
	return func(c *poolConfig) {
		c.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) PoolOption {
	return func(c *poolConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Pool caches reusable segments per traffic class. Only the owning goroutine
// may touch a pool. The pool never retains more than the configured number of
// segments per class.
//
// Purging only evicts buffers strictly smaller than the size being requested
// or returned; equal-sized stale buffers stay until PurgeAll.
// TODO: decide whether equal-sized buffers that never get reused should age out.
type Pool struct {
	config poolConfig
	logger *zap.Logger
	free   [classCount][]*Segment
}

// NewPool creates an empty Pool.
func NewPool(opts ...PoolOption) *Pool {
	cfg := defaultPoolConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pool{
		config: cfg,
		logger: cfg.logger.With(zap.String("component", "shmem")),
	}
}

func (p *Pool) checkOwner() {
	if p.config.owner != nil {
		p.config.owner.AssertOnLoop()
	}
}

// TakeExact pops the most recently returned segment of class, if any.
func (p *Pool) TakeExact(class Class) (*Segment, bool) {
	p.checkOwner()
	mustValid(class)
	seg, ok := p.pop(class)
	if ok {
		p.reused(class)
	}
	return seg, ok
}

// TakeAtLeast returns a segment of class with capacity of at least size.
// Every pooled segment smaller than the page-aligned size is freed first; a
// surviving segment is reused, otherwise a fresh one is allocated.
func (p *Pool) TakeAtLeast(class Class, size int) (*Segment, error) {
	p.checkOwner()
	mustValid(class)
	aligned := AlignToPage(size)
	p.purgeSmaller(class, aligned)

	if seg, ok := p.pop(class); ok {
		p.reused(class)
		return seg, nil
	}

	seg, err := p.config.allocator.Alloc(aligned)
	if err != nil {
		return nil, fmt.Errorf("allocate %s segment of %d bytes: %w", class, aligned, err)
	}
	if p.config.observer != nil {
		p.config.observer.SegmentAllocated(class, aligned)
	}
	return seg, nil
}

// Give returns seg to the pool of class. Smaller pooled segments are purged;
// if the pool is at its cap the incoming segment is freed instead.
func (p *Pool) Give(class Class, seg *Segment) {
	p.checkOwner()
	mustValid(class)
	if seg == nil {
		return
	}
	if seg.pooled.Load() {
		panic(fmt.Sprintf("shmem: segment %d given to the %s pool twice", seg.id, class))
	}

	p.purgeSmaller(class, seg.Capacity())
	if len(p.free[class]) >= p.config.maxLength {
		p.freeSegment(class, seg, "pool_full")
		return
	}
	seg.used = 0
	seg.pooled.Store(true)
	p.free[class] = append(p.free[class], seg)
}

// PurgeAll frees every pooled segment of both classes.
func (p *Pool) PurgeAll() {
	p.checkOwner()
	for c := Class(0); c < classCount; c++ {
		for _, seg := range p.free[c] {
			seg.pooled.Store(false)
			p.freeSegment(c, seg, "purge_all")
		}
		p.free[c] = nil
	}
}

// Len returns the number of pooled segments of class.
func (p *Pool) Len(class Class) int {
	mustValid(class)
	return len(p.free[class])
}

// MaxLength returns the per-class cap.
func (p *Pool) MaxLength() int {
	return p.config.maxLength
}

func (p *Pool) pop(class Class) (*Segment, bool) {
	list := p.free[class]
	if len(list) == 0 {
		return nil, false
	}
	seg := list[len(list)-1]
	list[len(list)-1] = nil
	p.free[class] = list[:len(list)-1]
	seg.pooled.Store(false)
	return seg, true
}

func (p *Pool) purgeSmaller(class Class, size int) {
	kept := p.free[class][:0]
	for _, seg := range p.free[class] {
		if seg.Capacity() < size {
			seg.pooled.Store(false)
			p.freeSegment(class, seg, "too_small")
			continue
		}
		kept = append(kept, seg)
	}
	for i := len(kept); i < len(p.free[class]); i++ {
		p.free[class][i] = nil
	}
	p.free[class] = kept
}

func (p *Pool) freeSegment(class Class, seg *Segment, reason string) {
	p.logger.Debug("freeing segment",
		zap.Stringer("class", class),
		zap.Uint64("segment", seg.id),
		zap.Int("capacity", seg.Capacity()),
		zap.String("reason", reason))
	p.config.allocator.Free(seg)
	if p.config.observer != nil {
		p.config.observer.SegmentFreed(class, reason)
	}
}

func (p *Pool) reused(class Class) {
	if p.config.observer != nil {
		p.config.observer.SegmentReused(class)
	}
}

func mustValid(class Class) {
	if !class.Valid() {
		panic(fmt.Sprintf("shmem: invalid class %d", class))
	}
}
