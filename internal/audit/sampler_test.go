package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplerEmitsOncePerWindow(t *testing.T) {
	logger := NewLogger(100, &mockWriter{})
	s := NewSampler(logger, 50*time.Millisecond)

	for i := 0; i < 20; i++ {
		s.LogDrop("core-0", "queue_full", nil)
	}
	require.Len(t, logger.GetEvents(), 1)

	// The 19 swallowed drops surface on the first event of the next
	// window.
	time.Sleep(60 * time.Millisecond)
	s.LogDrop("core-0", "queue_full", nil)

	events := logger.GetEvents()
	require.Len(t, events, 2)
	assert.Nil(t, events[0].Metadata)
	assert.Equal(t, 19, events[1].Metadata["suppressed_count"])
}

func TestSamplerAllowsAgainAfterWindow(t *testing.T) {
	logger := NewLogger(100, &mockWriter{})
	s := NewSampler(logger, 20*time.Millisecond)

	s.LogDrop("core-0", "queue_full", nil)
	time.Sleep(30 * time.Millisecond)
	s.LogDrop("core-0", "queue_full", nil)

	assert.Len(t, logger.GetEvents(), 2)
}

func TestSamplerKeysAreIndependentPerCore(t *testing.T) {
	logger := NewLogger(100, &mockWriter{})
	s := NewSampler(logger, time.Second)

	s.LogDrop("core-0", "queue_full", nil)
	s.LogDrop("core-1", "queue_full", nil)

	assert.Len(t, logger.GetEvents(), 2)
}
