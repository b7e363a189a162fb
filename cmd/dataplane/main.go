// Command dataplane runs the asynchronous packet-processing core: one
// Worker goroutine per configured CPU core, a shared crypto device, a
// control-plane HTTP server, and config hot-reload.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/t4p4s-go/async-crypto-core/internal/audit"
	"github.com/t4p4s-go/async-crypto-core/internal/config"
	"github.com/t4p4s-go/async-crypto-core/internal/control"
	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev"
	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev/aesgcm"
	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev/fakenode"
	"github.com/t4p4s-go/async-crypto-core/internal/debug"
	"github.com/t4p4s-go/async-crypto-core/internal/engine"
	"github.com/t4p4s-go/async-crypto-core/internal/keymanager"
	"github.com/t4p4s-go/async-crypto-core/internal/metrics"
	"github.com/t4p4s-go/async-crypto-core/internal/pipeline"
	"github.com/t4p4s-go/async-crypto-core/internal/tracing"
)

func main() {
	var (
		configPath     = flag.String("config", "", "Path to YAML config file (defaults built in if unset)")
		listenAddr     = flag.String("listen", ":9090", "Control-plane HTTP listen address")
		cores          = flag.Int("cores", 2, "Number of worker cores (goroutines) to run")
		rxQueueSize    = flag.Int("rx-queue-size", 4096, "Per-core RX channel capacity")
		keyManagerKind = flag.String("key-manager", "in-memory", "Key manager: in-memory or kmip")
		kmipEndpoint   = flag.String("kmip-endpoint", "", "KMIP server endpoint (required when -key-manager=kmip)")
		kmipKeyID      = flag.String("kmip-key-id", "wrapping-key-1", "KMIP wrapping key identifier")
		traceExporter  = flag.String("trace-exporter", "none", "Trace exporter: none, stdout, jaeger, otlp")
		jaegerEndpoint = flag.String("jaeger-endpoint", "", "Jaeger collector endpoint")
		otlpEndpoint   = flag.String("otlp-endpoint", "", "OTLP/gRPC collector endpoint")
		verbose        = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		debug.InitFromLogLevel("debug")
	}

	cfg := config.Default()
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, logger)
		if err != nil {
			logger.WithError(err).Fatal("dataplane: load config")
		}
		defer watcher.Close()
		cfg = watcher.Get()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Exporter:       *traceExporter,
		JaegerEndpoint: *jaegerEndpoint,
		OTLPEndpoint:   *otlpEndpoint,
		ServiceName:    "async-crypto-core",
	})
	if err != nil {
		logger.WithError(err).Fatal("dataplane: set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("dataplane: tracer shutdown")
		}
	}()

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector(ctx)
	m.SetHardwareAccelerationStatus("aes-ni", aesgcm.AccelerationActive(cfg.Crypto.Hardware.EnableAESNI, cfg.Crypto.Hardware.EnableARMv8AES))

	auditLog, err := audit.NewLoggerFromConfig(4096, audit.SinkConfig{Type: "stdout"})
	if err != nil {
		logger.WithError(err).Fatal("dataplane: build audit logger")
	}
	sampledAudit := audit.NewSampler(auditLog, time.Second)
	defer auditLog.Close()

	keyMgr, err := buildKeyManager(*keyManagerKind, *kmipEndpoint, *kmipKeyID)
	if err != nil {
		logger.WithError(err).Fatal("dataplane: build key manager")
	}
	defer keyMgr.Close(context.Background())

	resolver := keymanager.NewResolver(context.Background(), keyMgr)

	// InitStorage validates the sizing knobs fail-fast and allocates the
	// process-wide pools every worker core shares: packet buffers, the
	// bounded fiber pool, and the op recycling pool.
	st := engine.InitStorage(cfg, 2048, 128, func(reason string) { logger.Fatal(reason) })

	// Cores matching the fake-crypto-node pattern run the fake device's
	// drain loop instead of the packet pipeline.
	fakeNodeCores := make([]string, 0, *cores)
	for i := 0; i < *cores; i++ {
		name := "core-" + strconv.Itoa(i)
		if cfg.CoreRunsFakeCryptoNode(name) {
			fakeNodeCores = append(fakeNodeCores, name)
		}
	}

	device, err := buildCryptoDevice(cfg, resolver.Resolve, len(fakeNodeCores) > 0)
	if err != nil {
		logger.WithError(err).Fatal("dataplane: build crypto device")
	}
	defer device.Close()

	workers := make([]*engine.Worker, 0, *cores)
	statsProviders := make([]control.StatsProvider, 0, *cores)

	for i := 0; i < *cores; i++ {
		name := "core-" + strconv.Itoa(i)
		if cfg.CoreRunsFakeCryptoNode(name) {
			if fd, ok := device.(*fakenode.Device); ok {
				logger.WithField("core", name).Info("dataplane: core dedicated to fake crypto node")
				go fd.MainLoop(ctx)
			}
			continue
		}
		rx := engine.NewChannelSource(*rxQueueSize)
		cb := &pipeline.Passthrough{KeyID: "default"}
		w := engine.NewWorkerWithTracer(name, rx, cb, cfg, st, device, m, sampledAudit, tracer)
		workers = append(workers, w)
		statsProviders = append(statsProviders, w)
	}

	server := control.NewServer(*listenAddr, logger, m, statsProviders, keyMgr)
	go func() {
		logger.WithField("addr", *listenAddr).Info("dataplane: control server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("dataplane: control server stopped")
		}
	}()

	for _, w := range workers {
		go w.Run(ctx)
	}

	logger.WithFields(logrus.Fields{
		"cores":       len(workers),
		"crypto_mode": cfg.Crypto.NodeMode,
		"key_manager": keyMgr.Provider(),
	}).Info("dataplane: started")

	<-ctx.Done()
	logger.Info("dataplane: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("dataplane: control server shutdown")
	}
}

func buildKeyManager(kind, kmipEndpoint, kmipKeyID string) (keymanager.KeyManager, error) {
	switch kind {
	case "kmip":
		if kmipEndpoint == "" {
			return nil, fmt.Errorf("dataplane: -kmip-endpoint required for -key-manager=kmip")
		}
		return keymanager.NewCosmianKMIPManager(keymanager.CosmianKMIPOptions{
			Endpoint: kmipEndpoint,
			Keys:     []keymanager.KMIPKeyReference{{ID: kmipKeyID, Version: 1}},
			Provider: "kmip",
		})
	case "in-memory", "":
		return keymanager.NewInMemory()
	default:
		return nil, fmt.Errorf("dataplane: unknown key manager %q", kind)
	}
}

func buildCryptoDevice(cfg *config.Config, resolve aesgcm.KeyResolver, dedicatedFakeCores bool) (cryptodev.Device, error) {
	switch cfg.Crypto.NodeMode {
	case "real":
		cipher := aesgcm.CipherAESGCM
		if !aesgcm.HardwareAESAvailable() {
			cipher = aesgcm.CipherChaCha20Poly1305
		}
		return aesgcm.NewDevice(cipher, resolve, cfg.Async.QueueCapacity, 4), nil
	case "fake", "":
		if dedicatedFakeCores {
			return fakenode.NewDetachedDevice(cfg.Async.QueueCapacity, cfg.Crypto.FakeSleepMultiplier), nil
		}
		return fakenode.NewDevice(cfg.Async.QueueCapacity, cfg.Crypto.FakeSleepMultiplier), nil
	default:
		return nil, fmt.Errorf("dataplane: unknown crypto node mode %q", cfg.Crypto.NodeMode)
	}
}
