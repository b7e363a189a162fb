package fiber

import (
	"runtime/debug"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/t4p4s-go/async-crypto-core/internal/asyncqueue"
	"github.com/t4p4s-go/async-crypto-core/internal/config"
	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev"
	"github.com/t4p4s-go/async-crypto-core/internal/packet"
	"github.com/t4p4s-go/async-crypto-core/internal/pipeline"
)

var nextToken uint64

func newToken() uint64 { return atomic.AddUint64(&nextToken, 1) }

// Switcher drives one worker core's packets through a pipeline.Callbacks
// implementation, suspending across the crypto boundary by parking a
// goroutine on a channel receive until the batcher drains the matching
// completion. Control is cooperative: the worker and a packet's goroutine
// hand execution back and forth over the packet's yield channel, so only
// one of them runs at a time.
type Switcher struct {
	Pool      *Pool
	Queue     *asyncqueue.Queue
	Ops       *asyncqueue.OpPool
	Callbacks pipeline.Callbacks

	FailurePolicy config.CryptoFailurePolicy
	// AbortFunc is invoked when FailurePolicy is PolicyAbort and a crypto
	// op completes unsuccessfully. Defaults to logrus.Fatal; tests should
	// override this to something that doesn't kill the process.
	AbortFunc func(reason string)
}

// NewSwitcher creates a Switcher wired to pool, queue, the shared op
// recycling pool, and cb.
func NewSwitcher(pool *Pool, queue *asyncqueue.Queue, ops *asyncqueue.OpPool, cb pipeline.Callbacks, policy config.CryptoFailurePolicy) *Switcher {
	return &Switcher{
		Pool:          pool,
		Queue:         queue,
		Ops:           ops,
		Callbacks:     cb,
		FailurePolicy: policy,
		AbortFunc:     func(reason string) { logrus.Fatal(reason) },
	}
}

// HandlePacketAsync reserves a context slot and runs d's pipeline on its
// own goroutine, returning only once that goroutine has either finished
// the pipeline or parked at a crypto boundary: after return, the packet
// is done (emitted or dropped) or it is suspended with its op in the
// queue, and the worker is the sole execution on this core again.
// Returns fiber.ErrNoContextAvailable if the pool is exhausted; the
// caller should then fall back to the blocking synchronous path.
func (s *Switcher) HandlePacketAsync(d *packet.Descriptor) error {
	if err := s.Pool.Acquire(); err != nil {
		return err
	}
	ctx := &Context{
		d:             d,
		queue:         s.Queue,
		ops:           s.Ops,
		yield:         make(chan struct{}),
		failurePolicy: s.FailurePolicy,
		abortFunc:     s.AbortFunc,
	}
	go s.run(d, ctx)
	<-ctx.yield // swap in the packet; returns when it parks or finishes
	return nil
}

func (s *Switcher) run(d *packet.Descriptor, ctx *Context) {
	defer func() { ctx.yield <- struct{}{} }() // final swap back to the worker
	defer s.Pool.ReleaseCrossCore()
	defer func() {
		if rec := recover(); rec != nil {
			logrus.WithFields(logrus.Fields{
				"panic": rec,
				"stack": string(debug.Stack()),
			}).Error("fiber: pipeline panicked")
			d.State = packet.StateDropped
		}
	}()

	s.Callbacks.InitHeaders(d)
	if err := s.Callbacks.Parse(d); err != nil {
		d.State = packet.StateDropped
		return
	}
	d.State = packet.StateParsed

	if err := s.Callbacks.MatchAction(d, ctx); err != nil {
		d.State = packet.StateDropped
		return
	}
	d.State = packet.StateResumed

	s.finish(d)
}

func (s *Switcher) finish(d *packet.Descriptor) {
	if err := s.Callbacks.Deparse(d); err != nil {
		d.State = packet.StateDropped
		return
	}
	if err := s.Callbacks.EmitPacket(d); err != nil {
		d.State = packet.StateDropped
		return
	}
	d.State = packet.StateDone
}

func toDeviceOp(op pipeline.CryptoOp) cryptodev.Op {
	if op == pipeline.OpDecrypt {
		return cryptodev.OpDecrypt
	}
	return cryptodev.OpEncrypt
}
