package audit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogDropRecordsEvent(t *testing.T) {
	logger := NewLogger(10, &mockWriter{})
	logger.LogDrop("core-0", "parse_error", nil)

	events := logger.GetEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeDrop, events[0].EventType)
	assert.Equal(t, "core-0", events[0].Core)
	assert.Equal(t, "parse_error", events[0].Reason)
}

func TestLogCryptoFailureRecordsError(t *testing.T) {
	logger := NewLogger(10, &mockWriter{})
	logger.LogCryptoFailure("core-1", "flow-9", "auth_failed", errors.New("bad tag"))

	events := logger.GetEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeCryptoFailure, events[0].EventType)
	assert.Equal(t, "flow-9", events[0].KeyID)
	assert.Equal(t, "bad tag", events[0].Error)
}

func TestMaxEventsEvictsOldest(t *testing.T) {
	logger := NewLogger(2, &mockWriter{})
	logger.LogDrop("core-0", "a", nil)
	logger.LogDrop("core-0", "b", nil)
	logger.LogDrop("core-0", "c", nil)

	events := logger.GetEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].Reason)
	assert.Equal(t, "c", events[1].Reason)
}
