// Package control exposes the dataplane's control-plane HTTP surface:
// health/ready/live probes, a per-core stats endpoint, and the Prometheus
// /metrics endpoint, behind recovery and request-logging middleware.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/t4p4s-go/async-crypto-core/internal/keymanager"
	"github.com/t4p4s-go/async-crypto-core/internal/metrics"
	"github.com/t4p4s-go/async-crypto-core/internal/middleware"
)

// StatsProvider supplies the live numbers the /stats endpoint reports.
// An engine.Worker implements this.
type StatsProvider interface {
	Stats() WorkerStats
}

// WorkerStats is a point-in-time snapshot of one worker core.
type WorkerStats struct {
	Core                string `json:"core"`
	PacketsTotal        uint64 `json:"packets_total"`
	PacketsDropped      uint64 `json:"packets_dropped"`
	FiberPoolAvailable  int    `json:"fiber_pool_available"`
	FiberPoolCapacity   int    `json:"fiber_pool_capacity"`
	PendingCryptoOps    int    `json:"pending_crypto_ops"`
	BlockingSyncOpsUsed uint64 `json:"blocking_sync_ops_used"`
}

// Server is the control-plane HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Logger
}

// NewServer builds a control-plane server listening on addr. workers
// supplies per-core stats for /stats; keyMgr, if non-nil, gates /ready
// on the key manager's health check; m serves /metrics.
func NewServer(addr string, logger *logrus.Logger, m *metrics.Metrics, workers []StatsProvider, keyMgr keymanager.KeyManager) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	router.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)

	var readyCheck func(context.Context) error
	if keyMgr != nil {
		readyCheck = keyMgr.HealthCheck
	}
	router.HandleFunc("/ready", metrics.ReadinessHandler(readyCheck)).Methods(http.MethodGet)

	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats := make([]WorkerStats, 0, len(workers))
		for _, wkr := range workers {
			stats = append(stats, wkr.Stats())
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe starts serving; it blocks until the server stops or
// errors. Returns http.ErrServerClosed on a clean Shutdown.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
