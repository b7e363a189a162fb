package fiber

import (
	"fmt"

	"github.com/t4p4s-go/async-crypto-core/internal/asyncqueue"
	"github.com/t4p4s-go/async-crypto-core/internal/config"
	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev"
	"github.com/t4p4s-go/async-crypto-core/internal/packet"
	"github.com/t4p4s-go/async-crypto-core/internal/pipeline"
)

// Context is the per-packet suspension handle a Switcher hands to
// Callbacks.MatchAction. Calling DoAsyncOp enqueues a crypto request,
// swaps control back to the worker, and parks the calling goroutine on a
// channel receive until a batcher drains its completion. A single Context
// may be used for more than one DoAsyncOp call, each its own independent
// suspend/resume round trip.
//
// The yield channel is the swap itself: a send on it transfers control
// from the packet's goroutine to whichever worker-side call is waiting
// (HandlePacketAsync on first entry, an Op's Resume thereafter), so
// exactly one of the two executes at any instant.
type Context struct {
	d     *packet.Descriptor
	queue *asyncqueue.Queue
	ops   *asyncqueue.OpPool
	yield chan struct{}

	failurePolicy config.CryptoFailurePolicy
	abortFunc     func(reason string)
}

var _ pipeline.AsyncOps = (*Context)(nil)

// DoAsyncOp submits req against c's packet, swaps control back to the
// worker, and blocks until the op completes. On success, the device's
// output is written back into the packet's buffer via Buffer.Replace
// before DoAsyncOp returns, so Deparse always sees the transformed bytes.
// On failure, the configured CryptoFailurePolicy decides the outcome:
// PolicyDrop marks the packet dropped and returns the device's error;
// the default (PolicyAbort) calls abortFunc instead.
func (c *Context) DoAsyncOp(req pipeline.CryptoRequest) error {
	d := c.d
	resumeCh := make(chan cryptodev.Completion, 1)
	op := c.newOp()
	op.Descriptor = d
	op.Request = cryptodev.Request{
		Op:     toDeviceOp(req.Op),
		KeyID:  req.KeyID,
		AAD:    req.AAD,
		Data:   d.Buf.Bytes(),
		Offset: req.Offset,
		Token:  newToken(),
	}
	op.Resume = func(comp cryptodev.Completion) {
		// Hand the completion to the parked goroutine, then wait for it
		// to park again or finish before returning to the batcher.
		resumeCh <- comp
		<-c.yield
	}

	d.State = packet.StateSuspended
	if err := c.queue.Enqueue(op); err != nil {
		c.freeOp(op)
		d.State = packet.StateDropped
		return err
	}

	c.yield <- struct{}{}    // swap to the worker; the packet is parked
	completion := <-resumeCh // woken by the batcher's resume
	d.State = packet.StateResumed

	if completion.Status != cryptodev.StatusSuccess {
		err := completion.Err
		if err == nil {
			err = fmt.Errorf("fiber: crypto op failed with status %s", completion.Status)
		}
		switch c.failurePolicy {
		case config.PolicyDrop:
			d.CryptoErr = err
			d.State = packet.StateDropped
			return err
		default:
			c.abortFunc("fiber: crypto op failed and failure policy is abort")
			return err
		}
	}

	if err := d.Buf.Replace(completion.Output); err != nil {
		d.State = packet.StateDropped
		return err
	}
	return nil
}

func (c *Context) newOp() *asyncqueue.Op {
	if c.ops != nil {
		return c.ops.Get()
	}
	return new(asyncqueue.Op)
}

func (c *Context) freeOp(op *asyncqueue.Op) {
	if c.ops != nil {
		c.ops.Put(op)
	}
}
