package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus is the JSON body served by the probe endpoints.
type HealthStatus struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

var (
	startTime = time.Now()
	version   = "dev"
)

// SetVersion records the build version reported by the probe endpoints.
func SetVersion(v string) {
	version = v
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(HealthStatus{
		Status:        status,
		Timestamp:     time.Now(),
		Version:       version,
		UptimeSeconds: time.Since(startTime).Seconds(),
	})
}

// HealthHandler reports overall process health. The dataplane has no
// degraded-but-healthy state: if the process answers, it is healthy.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "healthy")
	}
}

// ReadinessHandler reports whether the dataplane should receive traffic.
// When a key-manager health check is supplied, an unreachable KMS makes
// the process not ready -- workers could not resolve new flow keys.
func ReadinessHandler(keyManagerHealthCheck func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if keyManagerHealthCheck != nil {
			if err := keyManagerHealthCheck(r.Context()); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, "not_ready")
				return
			}
		}
		writeStatus(w, http.StatusOK, "ready")
	}
}

// LivenessHandler reports that the process is running at all.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "alive")
	}
}
