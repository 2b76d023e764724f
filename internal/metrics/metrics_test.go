package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus(t *testing.T) {
	m := NewPrometheus("nodelink_test")
	m.RecordMessageSent("AcceptParcel", 40)
	m.RecordMessageSent("AcceptParcel", 20)
	m.RecordMessageReceived("FlushRouter", 24)
	m.RecordRelay()
	m.RecordValidationFailure("AcceptParcel")
	m.RecordLinkOpened()
	m.RecordLinkOpened()
	m.RecordLinkDropped()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 2.0, values["nodelink_test_messages_sent_total"])
	assert.Equal(t, 60.0, values["nodelink_test_sent_bytes_total"])
	assert.Equal(t, 1.0, values["nodelink_test_messages_received_total"])
	assert.Equal(t, 1.0, values["nodelink_test_relayed_total"])
	assert.Equal(t, 1.0, values["nodelink_test_validation_failures_total"])
	assert.Equal(t, 1.0, values["nodelink_test_links"])
	assert.Equal(t, 1.0, values["nodelink_test_links_dropped_total"])
}

func TestDummy(t *testing.T) {
	m := NewDummy()
	assert.NotPanics(t, func() {
		m.RecordMessageSent("x", 1)
		m.RecordLinkDropped()
	})
}
