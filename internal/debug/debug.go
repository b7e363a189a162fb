// Package debug holds the process-wide switch for hot-path diagnostic
// logging (per-tick batcher traces, swap accounting). The flag is read on
// every batcher tick, so it is an atomic rather than a config lookup.
package debug

import (
	"os"
	"sync/atomic"
)

var enabled atomic.Bool

func init() {
	InitFromEnv()
}

// Enabled reports whether hot-path debug logging is on.
func Enabled() bool { return enabled.Load() }

// SetEnabled turns hot-path debug logging on or off at runtime.
func SetEnabled(value bool) { enabled.Store(value) }

// InitFromEnv seeds the flag from DEBUG=true or LOG_LEVEL=debug, so tests
// and one-off runs can flip it without touching config or flags.
func InitFromEnv() {
	SetEnabled(os.Getenv("DEBUG") == "true" || os.Getenv("LOG_LEVEL") == "debug")
}

// InitFromLogLevel ties the flag to the configured log level unless an
// environment variable already decided it.
func InitFromLogLevel(logLevel string) {
	if os.Getenv("DEBUG") == "" && os.Getenv("LOG_LEVEL") == "" {
		SetEnabled(logLevel == "debug")
	}
}
