// Package asyncqueue implements the pending-crypto-op ring a worker core
// enqueues onto and a batcher dequeues bursts from: a lock-free MPSC ring
// between the packet-processing cores and the crypto node, realized here
// as a buffered channel with non-blocking enqueue, plus a process-wide
// recycling pool for the op records themselves.
package asyncqueue

import (
	"errors"
	"sync"

	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev"
	"github.com/t4p4s-go/async-crypto-core/internal/packet"
)

// ErrQueueFull is returned by Enqueue when the ring has no free slots.
var ErrQueueFull = errors.New("asyncqueue: queue full")

// Op is one packet's pending crypto request, created at the point a
// pipeline.Callbacks requests an encrypt/decrypt.
type Op struct {
	Descriptor *packet.Descriptor
	Request    cryptodev.Request
	// Resume is invoked by a batcher once this op's completion is
	// drained from the device. It hands control to the suspended packet
	// and returns only when that packet has parked again or finished,
	// so the caller resumes exactly one execution at a time.
	Resume func(cryptodev.Completion)
}

// OpPool recycles Op records between submission and completion, so a
// steady packet rate does not allocate one Op per crypto round trip.
// Safe for concurrent use by every core.
type OpPool struct {
	pool sync.Pool
}

// NewOpPool creates an empty op recycling pool.
func NewOpPool() *OpPool {
	p := &OpPool{}
	p.pool.New = func() any { return new(Op) }
	return p
}

// Get returns a zeroed Op ready to fill.
func (p *OpPool) Get() *Op {
	return p.pool.Get().(*Op)
}

// Put clears op and returns it to the pool. The caller must not touch op
// afterward.
func (p *OpPool) Put(op *Op) {
	if op == nil {
		return
	}
	*op = Op{}
	p.pool.Put(op)
}

// Queue is the MPSC ring of pending Ops between worker cores and the
// crypto batcher. Capacity should be sized generously (the default ring
// holds 32k entries) since a packet whose op finds the queue full is
// dropped.
type Queue struct {
	ch chan *Op
}

// New creates a Queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 32768
	}
	return &Queue{ch: make(chan *Op, capacity)}
}

// Enqueue submits op without blocking. Returns ErrQueueFull if the ring is
// at capacity.
func (q *Queue) Enqueue(op *Op) error {
	select {
	case q.ch <- op:
		return nil
	default:
		return ErrQueueFull
	}
}

// DequeueBurst drains up to max pending ops without blocking. It may
// return fewer than max, including zero.
func (q *Queue) DequeueBurst(max int) []*Op {
	out := make([]*Op, 0, max)
	for i := 0; i < max; i++ {
		select {
		case op := <-q.ch:
			out = append(out, op)
		default:
			return out
		}
	}
	return out
}

// Len reports how many ops are currently pending, for metrics export.
func (q *Queue) Len() int { return len(q.ch) }

// Cap reports the queue's configured capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
