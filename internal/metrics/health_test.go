package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return status
}

func TestHealthHandlerReportsHealthy(t *testing.T) {
	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	status := decodeStatus(t, w)
	assert.Equal(t, "healthy", status.Status)
	assert.GreaterOrEqual(t, status.UptimeSeconds, 0.0)
}

func TestReadinessHandler(t *testing.T) {
	t.Run("no key manager wired", func(t *testing.T) {
		w := httptest.NewRecorder()
		ReadinessHandler(nil)(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ready", decodeStatus(t, w).Status)
	})

	t.Run("key manager reachable", func(t *testing.T) {
		check := func(ctx context.Context) error { return nil }
		w := httptest.NewRecorder()
		ReadinessHandler(check)(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("key manager down", func(t *testing.T) {
		check := func(ctx context.Context) error { return errors.New("kms unreachable") }
		w := httptest.NewRecorder()
		ReadinessHandler(check)(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "not_ready", decodeStatus(t, w).Status)
	})
}

func TestLivenessHandlerReportsAlive(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest(http.MethodGet, "/live", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alive", decodeStatus(t, w).Status)
}
