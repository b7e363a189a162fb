package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/t4p4s-go/async-crypto-core/internal/asyncqueue"
	"github.com/t4p4s-go/async-crypto-core/internal/audit"
	"github.com/t4p4s-go/async-crypto-core/internal/batcher"
	"github.com/t4p4s-go/async-crypto-core/internal/config"
	"github.com/t4p4s-go/async-crypto-core/internal/control"
	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev"
	"github.com/t4p4s-go/async-crypto-core/internal/fiber"
	"github.com/t4p4s-go/async-crypto-core/internal/metrics"
	"github.com/t4p4s-go/async-crypto-core/internal/packet"
	"github.com/t4p4s-go/async-crypto-core/internal/pipeline"
)

// Source is polled once per worker iteration for a freshly received
// packet, standing in for a NIC RX queue poll. A false second return
// means nothing was waiting this tick; Worker must not block on it.
type Source interface {
	Receive() (*packet.Descriptor, bool)
}

// Worker drives one CPU core's packet-processing loop: poll RX, hand
// each packet to the fiber switcher (or the blocking fallback if no
// fiber is free), and run the batcher tick that feeds and drains the
// crypto device.
type Worker struct {
	Name      string
	RX        Source
	Callbacks pipeline.Callbacks
	Pool      *fiber.Pool
	Switcher  *fiber.Switcher
	Queue     *asyncqueue.Queue
	Batcher   *batcher.Batcher
	Device    cryptodev.Device
	Metrics   *metrics.Metrics
	Audit     audit.Logger
	Tracer    trace.Tracer
	Cfg       *config.Config

	// BlockingTimeout bounds how long the synchronous fallback path
	// spins waiting for its one op to complete before giving up and
	// dropping the packet.
	BlockingTimeout time.Duration

	packetsTotal        uint64
	packetsDropped      uint64
	blockingSyncOpsUsed uint64
	tokenCounter        uint64
}

// NewWorker wires one core's components together. The fiber pool and op
// recycling pool come from the process-wide Storage, so every worker
// draws contexts from the same bounded pool; the pending-op queue and
// the batcher are this worker's own (a per-core FIFO and a per-core
// pending counter). device and the audit logger/metrics may be shared
// across workers (the crypto device, in particular, is typically one
// instance serving every core).
func NewWorker(name string, rx Source, cb pipeline.Callbacks, cfg *config.Config, st *Storage, device cryptodev.Device, m *metrics.Metrics, auditLog audit.Logger) *Worker {
	return NewWorkerWithTracer(name, rx, cb, cfg, st, device, m, auditLog, nil)
}

// NewWorkerWithTracer is NewWorker plus an OTel tracer used to open a span
// around each crypto op's device round-trip, so crypto-op latency
// histograms can carry trace-ID exemplars. A nil tracer disables span
// creation entirely (equivalent to NewWorker).
func NewWorkerWithTracer(name string, rx Source, cb pipeline.Callbacks, cfg *config.Config, st *Storage, device cryptodev.Device, m *metrics.Metrics, auditLog audit.Logger, tracer trace.Tracer) *Worker {
	pool := st.Fibers
	queue := asyncqueue.New(cfg.Async.QueueCapacity)
	sw := fiber.NewSwitcher(pool, queue, st.Ops, cb, cfg.Crypto.FailurePolicy)
	b := batcher.New(device, queue, cfg.Crypto.BurstSize, cfg.Crypto.FailurePolicy)
	b.Ops = st.Ops
	b.Metrics = m
	b.Tracer = tracer

	w := &Worker{
		Name:            name,
		RX:              rx,
		Callbacks:       cb,
		Pool:            pool,
		Switcher:        sw,
		Queue:           queue,
		Batcher:         b,
		Device:          device,
		Metrics:         m,
		Audit:           auditLog,
		Tracer:          tracer,
		Cfg:             cfg,
		BlockingTimeout: 2 * time.Second,
	}
	sw.AbortFunc = w.abort
	b.AbortFunc = w.abort
	return w
}

func (w *Worker) abort(reason string) {
	if w.Audit != nil {
		w.Audit.LogCoreEvent(w.Name, audit.EventTypeCryptoFailure, nil)
	}
	logrus.Fatal(reason)
}

// Run executes the worker's poll loop until ctx is canceled. Each
// iteration polls RX once, then runs one Tick; it never blocks on RX
// being empty, keeping the run-to-completion polling model.
func (w *Worker) Run(ctx context.Context) {
	if w.Audit != nil {
		w.Audit.LogCoreEvent(w.Name, audit.EventTypeCoreStart, nil)
	}
	defer func() {
		if w.Audit != nil {
			w.Audit.LogCoreEvent(w.Name, audit.EventTypeCoreStop, nil)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.Tick()
	}
}

// Tick runs one worker iteration: receive at most one packet from RX,
// dispatch it, then run the batcher's three phases.
func (w *Worker) Tick() {
	if d, ok := w.RX.Receive(); ok {
		w.handle(d)
	}
	res := w.Batcher.Tick(w.Pool)
	if w.Metrics != nil {
		if res.OpsEnqueued > 0 {
			w.Metrics.RecordCryptoBurstSize(res.OpsEnqueued)
		}
		w.Metrics.SetPendingCryptoOps(w.Batcher.Pending())
		w.Metrics.SetFiberPoolOccupancy(w.Pool.Available(), w.Pool.Capacity())
	}
}

func (w *Worker) handle(d *packet.Descriptor) {
	atomic.AddUint64(&w.packetsTotal, 1)
	if w.Metrics != nil {
		w.Metrics.RecordPacket(w.Name)
	}

	// Async mode off means no fiber suspension at all: every packet takes
	// the synchronous path.
	if w.Cfg.Async.Enabled && !w.forceBlocking() {
		if err := w.Switcher.HandlePacketAsync(d); err == nil {
			return
		} else if err != fiber.ErrNoContextAvailable {
			w.drop(d, "suspend_error")
			return
		}
	}

	atomic.AddUint64(&w.blockingSyncOpsUsed, 1)
	if w.Metrics != nil {
		w.Metrics.RecordBlockingSyncOp()
	}
	w.runBlocking(d)
}

// forceBlocking reports whether this packet should skip fiber
// suspension entirely and take the synchronous path, per the
// ForceBlockingEveryN testing knob.
func (w *Worker) forceBlocking() bool {
	n := w.Cfg.Fiber.ForceBlockingEveryN
	if n <= 0 {
		return false
	}
	return atomic.LoadUint64(&w.packetsTotal)%uint64(n) == 0
}

// runBlocking drives parse/match-action/deparse/emit around the
// batcher's blocking device round-trip, used when no fiber context is
// available or the packet is forced onto this path by policy.
func (w *Worker) runBlocking(d *packet.Descriptor) {
	w.Callbacks.InitHeaders(d)
	if err := w.Callbacks.Parse(d); err != nil {
		w.drop(d, "parse_error")
		return
	}
	d.State = packet.StateParsed

	ops := &blockingAsyncOps{w: w, d: d}
	if err := w.Callbacks.MatchAction(d, ops); err != nil {
		reason := ops.dropReason
		if reason == "" {
			reason = "match_action_error"
		}
		w.drop(d, reason)
		return
	}
	d.State = packet.StateResumed

	if err := w.Callbacks.Deparse(d); err != nil {
		w.drop(d, "deparse_error")
		return
	}
	if err := w.Callbacks.EmitPacket(d); err != nil {
		w.drop(d, "emit_error")
		return
	}
	d.State = packet.StateDone
}

func (w *Worker) drop(d *packet.Descriptor, reason string) {
	d.State = packet.StateDropped
	atomic.AddUint64(&w.packetsDropped, 1)
	if w.Metrics != nil {
		w.Metrics.RecordDrop(w.Name, reason)
	}
	if w.Audit != nil {
		// Expected to be wrapped in an audit.Sampler so a drop storm logs
		// at most once per second per (core, reason) rather than once per
		// packet; Worker doesn't care which Logger it got.
		w.Audit.LogDrop(w.Name, reason, nil)
	}
}

func toDeviceOp(op pipeline.CryptoOp) cryptodev.Op {
	if op == pipeline.OpDecrypt {
		return cryptodev.OpDecrypt
	}
	return cryptodev.OpEncrypt
}

// Stats returns a point-in-time snapshot for the /stats endpoint.
func (w *Worker) Stats() control.WorkerStats {
	return control.WorkerStats{
		Core:                w.Name,
		PacketsTotal:        atomic.LoadUint64(&w.packetsTotal),
		PacketsDropped:      atomic.LoadUint64(&w.packetsDropped),
		FiberPoolAvailable:  w.Pool.Available(),
		FiberPoolCapacity:   w.Pool.Capacity(),
		PendingCryptoOps:    w.Batcher.Pending(),
		BlockingSyncOpsUsed: atomic.LoadUint64(&w.blockingSyncOpsUsed),
	}
}

var _ control.StatsProvider = (*Worker)(nil)
