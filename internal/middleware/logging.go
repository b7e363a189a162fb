// Package middleware carries the HTTP middleware the control-plane server
// mounts in front of its probe, stats and metrics handlers.
package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// probePaths are hit every few seconds by orchestrator health checks;
// logging them at Info would drown out everything else.
var probePaths = map[string]bool{
	"/live":   true,
	"/health": true,
	"/ready":  true,
}

// LoggingMiddleware logs each control-plane request with its status and
// duration. Probe endpoints are demoted to Debug so a kubelet polling
// /live doesn't flood the log.
func LoggingMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			entry := logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
				"status":      sw.status,
				"bytes":       sw.written,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			if probePaths[r.URL.Path] {
				entry.Debug("control request")
				return
			}
			entry.Info("control request")
		})
	}
}

// statusWriter captures the status code and byte count a handler wrote.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(b)
	sw.written += int64(n)
	return n, err
}
