package audit

import (
	"sync"
	"time"
)

// Sampler wraps a Logger and rate-limits LogDrop/LogCryptoFailure to at
// most one emitted event per second per (core, reason) pair, so a
// sustained drop storm produces one log line per second per core instead
// of one per packet. For LogDrop, suppressed occurrences in the window are
// folded into the next emitted event's metadata as "suppressed_count";
// LogCryptoFailure does not report the suppressed count.
type Sampler struct {
	wrapped Logger
	window  time.Duration

	mu    sync.Mutex
	state map[string]*bucket
}

type bucket struct {
	windowStart time.Time
	suppressed  int
}

// NewSampler wraps wrapped with a one-event-per-window-per-key sampler.
// window should normally be one second; tests may pass something shorter.
func NewSampler(wrapped Logger, window time.Duration) *Sampler {
	if window <= 0 {
		window = time.Second
	}
	return &Sampler{wrapped: wrapped, window: window, state: make(map[string]*bucket)}
}

// allow reports whether an event for key may be emitted now. When a new
// window opens, it also returns how many occurrences the previous window
// swallowed, so the caller can fold that count into the emitted event.
func (s *Sampler) allow(key string) (emit bool, suppressed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.state[key]
	if !ok {
		s.state[key] = &bucket{windowStart: now}
		return true, 0
	}
	if now.Sub(b.windowStart) >= s.window {
		suppressed = b.suppressed
		b.windowStart = now
		b.suppressed = 0
		return true, suppressed
	}
	b.suppressed++
	return false, 0
}

// LogDrop samples packet-drop logging per (core, reason).
func (s *Sampler) LogDrop(core, reason string, metadata map[string]interface{}) {
	emit, suppressed := s.allow("drop:" + core + ":" + reason)
	if !emit {
		return
	}
	if suppressed > 0 {
		if metadata == nil {
			metadata = make(map[string]interface{}, 1)
		}
		metadata["suppressed_count"] = suppressed
	}
	s.wrapped.LogDrop(core, reason, metadata)
}

// LogCryptoFailure samples crypto-failure logging per (core, status).
func (s *Sampler) LogCryptoFailure(core, keyID, status string, err error) {
	emit, _ := s.allow("crypto:" + core + ":" + status)
	if !emit {
		return
	}
	s.wrapped.LogCryptoFailure(core, keyID, status, err)
}

// LogCoreEvent and Log/GetEvents/Close pass through unsampled -- core
// lifecycle events are rare by construction, and callers querying/closing
// the logger expect the full (unsampled) view.
func (s *Sampler) LogCoreEvent(core string, eventType EventType, err error) {
	s.wrapped.LogCoreEvent(core, eventType, err)
}

func (s *Sampler) Log(event *AuditEvent) error { return s.wrapped.Log(event) }

func (s *Sampler) GetEvents() []*AuditEvent { return s.wrapped.GetEvents() }

func (s *Sampler) Close() error { return s.wrapped.Close() }
