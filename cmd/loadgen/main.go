// Command loadgen drives an in-process engine.Worker fleet with synthetic
// packets and reports throughput/latency, optionally checking the run
// against a recorded baseline for regressions and failing when the run
// slows past a configured threshold.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/perf/benchstat"

	"github.com/t4p4s-go/async-crypto-core/internal/config"
	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev/fakenode"
	"github.com/t4p4s-go/async-crypto-core/internal/engine"
	"github.com/t4p4s-go/async-crypto-core/internal/metrics"
	"github.com/t4p4s-go/async-crypto-core/internal/packet"
	"github.com/t4p4s-go/async-crypto-core/internal/pipeline"
)

func main() {
	var (
		duration       = flag.Duration("duration", 10*time.Second, "Load test duration")
		cores          = flag.Int("cores", 4, "Number of worker cores")
		ratePerCore    = flag.Int("rate", 5000, "Target packets per second per core")
		payloadSize    = flag.Int("payload-size", 512, "Synthetic packet payload size in bytes")
		burstSize      = flag.Int("burst-size", 32, "Crypto batcher burst size")
		poolCapacity   = flag.Int("context-pool-capacity", 1023, "Process-wide fiber context pool capacity")
		queueCapacity  = flag.Int("queue-capacity", 8192, "Async queue capacity per core")
		baselineDir    = flag.String("baseline-dir", "testdata/baselines", "Directory holding recorded baseline benchmark output")
		baselineName   = flag.String("baseline-name", "loadgen", "Baseline file name (without extension)")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold, percent slowdown vs baseline that fails the run")
		updateBaseline = flag.Bool("update-baseline", false, "Record this run as the new baseline instead of comparing")
		verbose        = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Default()
	cfg.Crypto.NodeMode = "fake"
	cfg.Crypto.BurstSize = *burstSize
	cfg.Fiber.ContextPoolCapacity = *poolCapacity
	cfg.Async.QueueCapacity = *queueCapacity

	device := fakenode.NewDevice(*queueCapacity, 1)
	defer device.Close()

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	st := engine.InitStorage(cfg, *payloadSize+64, 16, func(reason string) { logger.Fatal(reason) })

	rec := newRecorder()
	workers := make([]*engine.Worker, 0, *cores)
	for i := 0; i < *cores; i++ {
		rx := engine.NewChannelSource(*queueCapacity)
		cb := &recordingCallbacks{keyID: "loadgen", rec: rec}
		w := engine.NewWorker(fmt.Sprintf("core-%d", i), rx, cb, cfg, st, device, m, nil)
		workers = append(workers, w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *engine.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}

	var genWG sync.WaitGroup
	for i, w := range workers {
		genWG.Add(1)
		go generate(&genWG, w.RX.(*engine.ChannelSource), *ratePerCore, *payloadSize, *duration, i, rec)
	}

	start := time.Now()
	genWG.Wait()
	elapsed := time.Since(start)
	cancel()
	wg.Wait()

	result := rec.summary(elapsed)
	logger.WithFields(logrus.Fields{
		"elapsed":          elapsed,
		"emitted":          result.emitted,
		"dropped":          result.dropped,
		"throughput_pps":   result.throughputPPS,
		"p50_latency_ns":   result.p50.Nanoseconds(),
		"p99_latency_ns":   result.p99.Nanoseconds(),
	}).Info("loadgen: run complete")

	benchData := result.benchmarkFormat()
	baselinePath := filepath.Join(*baselineDir, *baselineName+".bench")

	if *updateBaseline {
		if err := os.MkdirAll(*baselineDir, 0o755); err != nil {
			logger.WithError(err).Fatal("loadgen: create baseline dir")
		}
		if err := os.WriteFile(baselinePath, benchData, 0o644); err != nil {
			logger.WithError(err).Fatal("loadgen: write baseline")
		}
		logger.WithField("path", baselinePath).Info("loadgen: baseline updated")
		return
	}

	baselineData, err := os.ReadFile(baselinePath)
	if err != nil {
		logger.WithError(err).Warn("loadgen: no baseline on disk, skipping regression check")
		return
	}

	regressed, delta, err := checkRegression(baselineData, benchData, *threshold)
	if err != nil {
		logger.WithError(err).Fatal("loadgen: compare against baseline")
	}
	if regressed {
		logger.Fatalf("loadgen: latency (ns/op) regressed %.1f%% past the %.1f%% threshold vs baseline", delta, *threshold)
	}
	logger.WithField("delta_percent", delta).Info("loadgen: within baseline threshold")
}

// generate pushes synthetic packets onto rx at roughly ratePerSec for
// duration, recording a send drop whenever the channel source's buffer is
// full (the engine's own backpressure signal).
func generate(wg *sync.WaitGroup, rx *engine.ChannelSource, ratePerSec, payloadSize int, duration time.Duration, coreIdx int, rec *recorder) {
	defer wg.Done()
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	interval := time.Second / time.Duration(ratePerSec)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	deadline := time.Now().Add(duration)
	seq := 0
	for time.Now().Before(deadline) {
		<-ticker.C
		d := &packet.Descriptor{Buf: packet.NewBufferFromBytes(payload, 16, 16), CoreID: coreIdx, SeqNum: uint64(seq)}
		rec.onSend()
		if !rx.Push(d) {
			rec.onSendDrop()
		}
		seq++
	}
}

// recordingCallbacks is a load generator's Callbacks: it always requests
// an encrypt op (mirroring pipeline.Passthrough) but additionally times
// the send-to-emit latency for percentile reporting.
type recordingCallbacks struct {
	keyID string
	rec   *recorder
}

func (c *recordingCallbacks) InitHeaders(d *packet.Descriptor) {
	d.SetUserData(time.Now())
}

func (c *recordingCallbacks) Parse(d *packet.Descriptor) error { return nil }

func (c *recordingCallbacks) MatchAction(d *packet.Descriptor, async pipeline.AsyncOps) error {
	return async.DoAsyncOp(pipeline.CryptoRequest{Op: pipeline.OpEncrypt, KeyID: c.keyID})
}

func (c *recordingCallbacks) Deparse(d *packet.Descriptor) error { return nil }

func (c *recordingCallbacks) EmitPacket(d *packet.Descriptor) error {
	if sentAt, ok := d.UserData().(time.Time); ok {
		c.rec.onEmit(time.Since(sentAt))
	} else {
		c.rec.onEmit(0)
	}
	return nil
}

type recorder struct {
	sent     uint64
	sendDrop uint64
	emitted  uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func newRecorder() *recorder { return &recorder{latencies: make([]time.Duration, 0, 1<<16)} }

func (r *recorder) onSend()     { atomic.AddUint64(&r.sent, 1) }
func (r *recorder) onSendDrop() { atomic.AddUint64(&r.sendDrop, 1) }

func (r *recorder) onEmit(latency time.Duration) {
	atomic.AddUint64(&r.emitted, 1)
	r.mu.Lock()
	r.latencies = append(r.latencies, latency)
	r.mu.Unlock()
}

type runResult struct {
	emitted       uint64
	dropped       uint64
	throughputPPS float64
	avgLatency    time.Duration
	p50, p99      time.Duration
}

func (r *recorder) summary(elapsed time.Duration) runResult {
	r.mu.Lock()
	latencies := append([]time.Duration(nil), r.latencies...)
	r.mu.Unlock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	emitted := atomic.LoadUint64(&r.emitted)
	dropped := atomic.LoadUint64(&r.sendDrop)

	res := runResult{emitted: emitted, dropped: dropped}
	if elapsed > 0 {
		res.throughputPPS = float64(emitted) / elapsed.Seconds()
	}
	if len(latencies) > 0 {
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		res.avgLatency = sum / time.Duration(len(latencies))
		res.p50 = percentile(latencies, 0.50)
		res.p99 = percentile(latencies, 0.99)
	}
	return res
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// benchmarkFormat renders the run as a `go test -bench` compatible text
// block, the input format benchstat.Collection.AddConfig expects: average
// per-packet latency as ns/op, throughput as a custom pkts_per_sec unit.
func (r runResult) benchmarkFormat() []byte {
	return []byte(fmt.Sprintf(
		"BenchmarkLoadgenThroughput 1 %d ns/op %.2f pkts_per_sec\n",
		r.avgLatency.Nanoseconds(), r.throughputPPS,
	))
}

// checkRegression compares current against baseline using benchstat and
// reports whether ns/op slowed down by more than thresholdPercent.
func checkRegression(baseline, current []byte, thresholdPercent float64) (regressed bool, deltaPercent float64, err error) {
	var c benchstat.Collection
	c.Alpha = 0.05
	c.DeltaTest = benchstat.NoDeltaTest
	c.AddConfig("baseline", baseline)
	c.AddConfig("current", current)

	for _, table := range c.Tables() {
		for _, row := range table.Rows {
			if len(row.Metrics) < 2 {
				continue
			}
			baselineVal := row.Metrics[0].Mean
			currentVal := row.Metrics[1].Mean
			if baselineVal == 0 {
				continue
			}
			delta := (currentVal - baselineVal) / baselineVal * 100
			if table.Metric == "ns/op" && delta > thresholdPercent {
				return true, delta, nil
			}
			deltaPercent = delta
		}
	}
	return false, deltaPercent, nil
}
