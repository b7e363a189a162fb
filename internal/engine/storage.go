// Package engine wires the per-core building blocks (packet buffers,
// fiber pool, async queue, batcher, crypto device, pipeline callbacks)
// into the worker main loop. Everything else in this repo is a component
// the engine drives; this package is the drive train.
package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/t4p4s-go/async-crypto-core/internal/asyncqueue"
	"github.com/t4p4s-go/async-crypto-core/internal/config"
	"github.com/t4p4s-go/async-crypto-core/internal/fiber"
	"github.com/t4p4s-go/async-crypto-core/internal/packet"
)

// Storage holds the process-wide resources allocated once at startup,
// before any worker core starts: the buffer pool backing every packet a
// core receives, the fiber pool whose capacity bounds suspended packets
// across the whole process (every worker acquires from this one pool, so
// the context budget is its single capacity, not capacity times cores),
// and the op recycling pool shared by all cores. The pending-op queue
// and the batcher are per-core and constructed with each Worker: the
// queue is a per-core FIFO and the pending counter it feeds belongs to
// exactly one core.
type Storage struct {
	Buffers *packet.Pool
	Fibers  *fiber.Pool
	Ops     *asyncqueue.OpPool
}

// FatalFunc aborts the process with reason. Defaults to logrus.Fatal;
// tests override it to something that doesn't kill the test binary.
type FatalFunc func(reason string)

// InitStorage allocates the shared pools and validates the supplied
// configuration. It fails fast (via fatal, defaulting to logrus.Fatal)
// on any invalid static sizing parameter: these are static resources
// sized once at startup with no graceful degradation.
func InitStorage(cfg *config.Config, bufferCapacity, bufferHeadroom int, fatal FatalFunc) *Storage {
	if fatal == nil {
		fatal = func(reason string) { logrus.Fatal(reason) }
	}
	if cfg == nil {
		fatal("engine: InitStorage requires a non-nil config")
		return nil
	}
	if cfg.Crypto.BurstSize <= 0 {
		fatal(fmt.Sprintf("engine: invalid crypto burst size %d", cfg.Crypto.BurstSize))
		return nil
	}
	if cfg.Fiber.ContextPoolCapacity < 0 {
		fatal(fmt.Sprintf("engine: invalid fiber pool capacity %d", cfg.Fiber.ContextPoolCapacity))
		return nil
	}
	if cfg.Async.QueueCapacity < 0 {
		fatal(fmt.Sprintf("engine: invalid async queue capacity %d", cfg.Async.QueueCapacity))
		return nil
	}
	if bufferCapacity <= 0 {
		fatal(fmt.Sprintf("engine: invalid buffer capacity %d", bufferCapacity))
		return nil
	}
	return &Storage{
		Buffers: packet.NewPool(bufferCapacity, bufferHeadroom),
		Fibers:  fiber.NewPool(cfg.Fiber.ContextPoolCapacity),
		Ops:     asyncqueue.NewOpPool(),
	}
}
