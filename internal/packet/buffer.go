// Package packet implements the mbuf-like buffer abstraction: a fixed
// physical backing array with headroom/tailroom reserved around a payload
// window, so Prepend/Append/Adj never move payload bytes and never
// reallocate mid-lifetime.
package packet

import (
	"errors"
	"sync"
)

// ErrNoHeadroom is returned by Prepend when the requested amount does not
// fit in the buffer's current headroom.
var ErrNoHeadroom = errors.New("packet: insufficient headroom")

// ErrNoTailroom is returned by Append when the requested amount does not
// fit in the buffer's current tailroom.
var ErrNoTailroom = errors.New("packet: insufficient tailroom")

// ErrShrinkPastZero is returned by Adj when it would shrink the payload
// below zero length.
var ErrShrinkPastZero = errors.New("packet: adj would shrink payload below zero")

const (
	defaultHeadroom = 128
	defaultCapacity = 2048
)

// Buffer is a physically fixed byte array with a payload window
// [dataOff, dataOff+dataLen) that can grow toward either end without ever
// moving bytes or reallocating, as long as room remains. pkt_len
// (Len) is independent of the physical capacity of the backing array.
type Buffer struct {
	backing  []byte
	dataOff  int
	dataLen  int
	headroom int
}

// NewBuffer allocates a buffer with the given physical capacity and
// reserves headroom bytes of headroom at the front for later Prepend
// calls (protocol header insertion walking inward from the wire).
func NewBuffer(capacity, headroom int) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if headroom < 0 || headroom > capacity {
		headroom = defaultHeadroom
	}
	return &Buffer{
		backing:  make([]byte, capacity),
		dataOff:  headroom,
		dataLen:  0,
		headroom: headroom,
	}
}

// NewBufferFromBytes wraps data as the initial payload, with headroom
// bytes of free space before it and tailroom bytes after.
func NewBufferFromBytes(data []byte, headroom, tailroom int) *Buffer {
	b := NewBuffer(headroom+len(data)+tailroom, headroom)
	b.dataLen = len(data)
	copy(b.backing[b.dataOff:b.dataOff+b.dataLen], data)
	return b
}

// Len returns the current payload length (pkt_len).
func (b *Buffer) Len() int { return b.dataLen }

// Headroom returns the number of free bytes before the payload.
func (b *Buffer) Headroom() int { return b.dataOff }

// Tailroom returns the number of free bytes after the payload.
func (b *Buffer) Tailroom() int { return len(b.backing) - b.dataOff - b.dataLen }

// Capacity returns the total physical size of the backing array.
func (b *Buffer) Capacity() int { return len(b.backing) }

// Bytes returns the current payload window. The returned slice aliases the
// buffer's backing array; callers must not retain it past the buffer's
// next mutation.
func (b *Buffer) Bytes() []byte { return b.backing[b.dataOff : b.dataOff+b.dataLen] }

// Prepend grows the payload window backward by n bytes and returns the
// newly exposed prefix for the caller to fill in (e.g. a header being
// pushed on during deparse).
func (b *Buffer) Prepend(n int) ([]byte, error) {
	if n > b.dataOff {
		return nil, ErrNoHeadroom
	}
	b.dataOff -= n
	b.dataLen += n
	return b.backing[b.dataOff : b.dataOff+n], nil
}

// Append grows the payload window forward by n bytes and returns the newly
// exposed suffix for the caller to fill in.
func (b *Buffer) Append(n int) ([]byte, error) {
	if n > b.Tailroom() {
		return nil, ErrNoTailroom
	}
	start := b.dataOff + b.dataLen
	b.dataLen += n
	return b.backing[start : start+n], nil
}

// Adj shrinks the payload window from the front by n bytes (e.g. a header
// consumed during parse), returning the consumed prefix.
func (b *Buffer) Adj(n int) ([]byte, error) {
	if n > b.dataLen {
		return nil, ErrShrinkPastZero
	}
	consumed := b.backing[b.dataOff : b.dataOff+n]
	b.dataOff += n
	b.dataLen -= n
	return consumed, nil
}

// Trim shrinks the payload window from the back by n bytes.
func (b *Buffer) Trim(n int) error {
	if n > b.dataLen {
		return ErrShrinkPastZero
	}
	b.dataLen -= n
	return nil
}

// Replace overwrites the payload window in place with data, the way a
// crypto device writes its transformed output directly into the buffer
// it was handed. The backing array is never reallocated:
// data must fit in the capacity from the current dataOff forward, or
// Replace returns ErrNoTailroom and leaves the buffer untouched.
func (b *Buffer) Replace(data []byte) error {
	if len(data) > len(b.backing)-b.dataOff {
		return ErrNoTailroom
	}
	copy(b.backing[b.dataOff:b.dataOff+len(data)], data)
	b.dataLen = len(data)
	return nil
}

// reset restores the buffer to an empty payload with its construction
// headroom, without reallocating the backing array. Used when a buffer is
// returned to a Pool for reuse.
func (b *Buffer) reset() {
	for i := range b.backing {
		b.backing[i] = 0
	}
	b.dataOff = b.headroom
	b.dataLen = 0
}

// Pool recycles Buffers of a fixed capacity class, zeroing on Put so no
// packet's bytes leak into the next packet that draws the same slot.
type Pool struct {
	capacity int
	headroom int
	pool     sync.Pool

	gets   uint64
	misses uint64
	mu     sync.Mutex
}

// NewPool creates a pool whose buffers have the given physical capacity
// and headroom.
func NewPool(capacity, headroom int) *Pool {
	p := &Pool{capacity: capacity, headroom: headroom}
	p.pool.New = func() any {
		p.mu.Lock()
		p.misses++
		p.mu.Unlock()
		return NewBuffer(capacity, headroom)
	}
	return p
}

// Get draws a buffer from the pool, allocating a fresh one if empty.
func (p *Pool) Get() *Buffer {
	p.mu.Lock()
	p.gets++
	p.mu.Unlock()
	return p.pool.Get().(*Buffer)
}

// Put zeroizes and returns a buffer to the pool.
func (p *Pool) Put(b *Buffer) {
	if b == nil || len(b.backing) != p.capacity {
		return
	}
	b.reset()
	p.pool.Put(b)
}

// Stats reports pool hit/miss counters for metrics export. A hit is a Get
// satisfied from an idle pooled buffer rather than a fresh allocation.
func (p *Pool) Stats() (hits, misses uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gets - p.misses, p.misses
}
