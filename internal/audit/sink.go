package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sink is an EventWriter that owns resources needing release.
type Sink interface {
	EventWriter
	Close() error
}

// BatchWriter is implemented by writers that can persist a whole batch in
// one round trip (the HTTP sink); the batch sink prefers it over
// event-at-a-time writes.
type BatchWriter interface {
	WriteBatch(events []*AuditEvent) error
}

// BatchSink buffers events and flushes them to the wrapped writer either
// when the buffer fills or on a ticker, whichever comes first. Drop storms
// on the worker cores arrive here already sampled (see Sampler), but core
// lifecycle and crypto-failure events still benefit from not paying one
// sink round trip each.
type BatchSink struct {
	wrapped       EventWriter
	bufferSize    int
	flushInterval time.Duration
	retryCount    int
	retryBackoff  time.Duration

	mu     sync.Mutex
	buffer []*AuditEvent

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewBatchSink wraps writer with buffering. size and interval fall back to
// 100 events / 5s when unset.
func NewBatchSink(writer EventWriter, size int, interval time.Duration, retryCount int, retryBackoff time.Duration) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &BatchSink{
		wrapped:       writer,
		bufferSize:    size,
		flushInterval: interval,
		retryCount:    retryCount,
		retryBackoff:  retryBackoff,
		buffer:        make([]*AuditEvent, 0, size),
		closeCh:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

// WriteEvent buffers event, triggering an asynchronous flush if the buffer
// just filled. The caller is never blocked on the wrapped writer.
func (s *BatchSink) WriteEvent(event *AuditEvent) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, event)
	var full []*AuditEvent
	if len(s.buffer) >= s.bufferSize {
		full = s.takeLocked()
	}
	s.mu.Unlock()

	if full != nil {
		go s.flush(full)
	}
	return nil
}

// Close stops the flush loop after one final flush of whatever is buffered.
func (s *BatchSink) Close() error {
	close(s.closeCh)
	s.wg.Wait()
	return nil
}

func (s *BatchSink) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush(s.take())
		case <-s.closeCh:
			s.flush(s.take())
			return
		}
	}
}

func (s *BatchSink) take() []*AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked()
}

func (s *BatchSink) takeLocked() []*AuditEvent {
	if len(s.buffer) == 0 {
		return nil
	}
	events := make([]*AuditEvent, len(s.buffer))
	copy(events, s.buffer)
	s.buffer = s.buffer[:0]
	return events
}

func (s *BatchSink) flush(events []*AuditEvent) {
	if len(events) == 0 {
		return
	}

	var err error
	for attempt := 0; attempt <= s.retryCount; attempt++ {
		err = s.write(events)
		if err == nil {
			return
		}
		if attempt < s.retryCount {
			time.Sleep(s.retryBackoff * time.Duration(1<<uint(attempt)))
		}
	}
	logrus.WithError(err).WithField("events", len(events)).
		Warn("audit: dropping batch after exhausting flush retries")
}

func (s *BatchSink) write(events []*AuditEvent) error {
	if bw, ok := s.wrapped.(BatchWriter); ok {
		return bw.WriteBatch(events)
	}
	var firstErr error
	for _, event := range events {
		if err := s.wrapped.WriteEvent(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HTTPSink POSTs events as a JSON array to a collector endpoint.
type HTTPSink struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewHTTPSink creates a sink posting to endpoint with the given extra
// headers on every request.
func NewHTTPSink(endpoint string, headers map[string]string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSink) WriteEvent(event *AuditEvent) error {
	return s.WriteBatch([]*AuditEvent{event})
}

func (s *HTTPSink) WriteBatch(events []*AuditEvent) error {
	body, err := json.Marshal(events)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("audit: collector returned %s", resp.Status)
	}
	return nil
}

// FileSink appends events to a file, one JSON object per line.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink creates a sink appending to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// StdoutSink writes events to stdout as JSON lines.
type StdoutSink struct{}

func (StdoutSink) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
