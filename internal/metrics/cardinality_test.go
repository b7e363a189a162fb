package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordDrop_Cardinality(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDrop("core-0", "parse_error")
	m.RecordDrop("core-0", "parse_error")
	m.RecordDrop("core-0", "queue_full")
	m.RecordDrop("core-1", "parse_error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.packetsDroppedTotal.WithLabelValues("core-0", "parse_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.packetsDroppedTotal.WithLabelValues("core-0", "queue_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.packetsDroppedTotal.WithLabelValues("core-1", "parse_error")))
}

func TestRecordPacket_PerCoreLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	for i := 0; i < 5; i++ {
		m.RecordPacket("core-0")
	}
	m.RecordPacket("core-1")

	assert.Equal(t, 5.0, testutil.ToFloat64(m.packetsTotal.WithLabelValues("core-0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.packetsTotal.WithLabelValues("core-1")))
}
