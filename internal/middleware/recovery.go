package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoveryMiddleware converts a panicking handler into a 500 response
// instead of letting it tear down the control server -- the worker cores
// keep forwarding packets regardless of what the control plane does.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithFields(logrus.Fields{
						"panic":  rec,
						"method": r.Method,
						"path":   r.URL.Path,
						"stack":  string(debug.Stack()),
					}).Error("control handler panicked")
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
