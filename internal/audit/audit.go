// Package audit records dataplane events -- packet drops, crypto
// failures, core lifecycle -- for offline analysis. It is not on the
// packet-processing hot path: LogDrop/LogCryptoFailure should be called
// through a Sampler (see sampler.go) so a drop storm produces at most one
// log line per second per core rather than one per packet.
package audit

import (
	"fmt"
	"sync"
	"time"
)

// EventType categorizes an audit event.
type EventType string

const (
	EventTypeDrop          EventType = "packet_drop"
	EventTypeCryptoFailure EventType = "crypto_failure"
	EventTypeCoreStart     EventType = "core_start"
	EventTypeCoreStop      EventType = "core_stop"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Core      string                 `json:"core,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	KeyID     string                 `json:"key_id,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs a fully-formed audit event.
	Log(event *AuditEvent) error

	// LogDrop logs a packet drop on core, for reason (e.g. "parse_error",
	// "queue_full", "crypto_failure_policy").
	LogDrop(core, reason string, metadata map[string]interface{})

	// LogCryptoFailure logs a crypto op that completed with a non-success
	// status.
	LogCryptoFailure(core, keyID, status string, err error)

	// LogCoreEvent logs a worker core starting or stopping.
	LogCoreEvent(core string, eventType EventType, err error)

	// GetEvents returns all audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements Logger.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger retaining up to maxEvents in
// memory, in addition to whatever writer persists them.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = StdoutSink{}
	}
	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// SinkConfig selects and configures an audit EventWriter.
type SinkConfig struct {
	Type          string            `yaml:"type"` // "stdout", "file", "http"
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	FilePath      string            `yaml:"file_path"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	RetryCount    int               `yaml:"retry_count"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff"`
}

// NewLoggerFromConfig builds a Logger from a SinkConfig, wrapping the
// underlying writer in a BatchSink when batching is configured.
func NewLoggerFromConfig(maxEvents int, cfg SinkConfig) (Logger, error) {
	var writer EventWriter
	switch cfg.Type {
	case "http":
		writer = NewHTTPSink(cfg.Endpoint, cfg.Headers)
	case "file":
		writer = NewFileSink(cfg.FilePath)
	case "stdout", "":
		writer = StdoutSink{}
	default:
		return nil, fmt.Errorf("audit: unknown sink type %q", cfg.Type)
	}

	if cfg.BatchSize > 0 || cfg.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.BatchSize, cfg.FlushInterval, cfg.RetryCount, cfg.RetryBackoff)
	}

	return NewLogger(maxEvents, writer), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (l *auditLogger) LogDrop(core, reason string, metadata map[string]interface{}) {
	l.Log(&AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeDrop,
		Core:      core,
		Reason:    reason,
		Success:   false,
		Metadata:  metadata,
	})
}

func (l *auditLogger) LogCryptoFailure(core, keyID, status string, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeCryptoFailure,
		Core:      core,
		KeyID:     keyID,
		Reason:    status,
		Success:   false,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogCoreEvent(core string, eventType EventType, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Core:      core,
		Success:   err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}
