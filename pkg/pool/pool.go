// Package pool provides typed object pooling for hot encode paths.
//
// Example usage:
//
//	buf := pool.Buffers.Get()
//	defer pool.Buffers.Put(buf)
//
//	buf.WriteString("payload")
package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool represents a generic object pool with type safety.
// It wraps sync.Pool with a reset hook and allocation statistics. The pool
// is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
	stats struct {
		allocated atomic.Int64
		inUse     atomic.Int64
	}
}

// New creates a typed pool. newFn builds an object when the pool is empty;
// reset, if set, runs before an object is returned to the pool.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() interface{} {
		p.stats.allocated.Add(1)
		return newFn()
	}
	return p
}

// Get retrieves an object from the pool.
func (p *Pool[T]) Get() T {
	p.stats.inUse.Add(1)
	return p.pool.Get().(T)
}

// Put returns obj to the pool.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.stats.inUse.Add(-1)
	p.pool.Put(obj)
}

// Stats returns the number of objects ever allocated and the number
// currently checked out.
func (p *Pool[T]) Stats() (allocated, inUse int64) {
	return p.stats.allocated.Load(), p.stats.inUse.Load()
}

// maxPooledBuffer keeps oversized buffers from pinning memory in the pool.
const maxPooledBuffer = 1 << 20

// Buffers pools scratch buffers for encoding single records.
var Buffers = New(
	func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 4096)) },
	func(b *bytes.Buffer) {
		if b.Cap() > maxPooledBuffer {
			*b = bytes.Buffer{}
			return
		}
		b.Reset()
	},
)

// StringSlices pools row slices for delimited encoders.
var StringSlices = New(
	func() *[]string { s := make([]string, 0, 8); return &s },
	func(s *[]string) { *s = (*s)[:0] },
)
