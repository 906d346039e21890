package qcache

import (
	"time"

	metrics "github.com/armon/go-metrics"
)

// metricsSink wraps armon/go-metrics so every Client can report counters
// without callers needing a global metrics.Default() sink (spec.md §9's
// "no process-wide state" preference, applied to metrics the same way it's
// applied to the Logger).
type metricsSink struct {
	sink   metrics.MetricSink
	prefix []string
}

func newMetricsSink(sink metrics.MetricSink, prefix ...string) *metricsSink {
	if sink == nil {
		sink = &metrics.BlackholeSink{}
	}
	return &metricsSink{sink: sink, prefix: prefix}
}

func (m *metricsSink) key(suffix ...string) []string {
	if m == nil {
		return suffix
	}
	return append(append([]string{}, m.prefix...), suffix...)
}

func (m *metricsSink) IncrCounter(name string, val float32) {
	if m == nil || m.sink == nil {
		return
	}
	m.sink.IncrCounter(m.key(name), val)
}

func (m *metricsSink) AddSample(name string, val float32) {
	if m == nil || m.sink == nil {
		return
	}
	m.sink.AddSample(m.key(name), val)
}

func (m *metricsSink) MeasureSince(name string, start time.Time) {
	if m == nil || m.sink == nil {
		return
	}
	m.sink.MeasureSince(m.key(name), start)
}
