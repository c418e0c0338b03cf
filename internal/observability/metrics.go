package observability

import "sync"

// Metrics provides counter and gauge recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)   {}

// IngestMetricsSnapshot captures ingestion-focused runtime counters.
type IngestMetricsSnapshot struct {
	MessagesByStream  map[string]int64 `json:"messages_by_stream"`
	ValidationRejects map[string]int64 `json:"validation_rejects"`
	UnknownSymbols    map[string]int64 `json:"unknown_symbols"`
}

// RuntimeMetrics accumulates ingestion metrics in-memory for diagnostics.
type RuntimeMetrics struct {
	mu     sync.Mutex
	ingest IngestMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	m := new(RuntimeMetrics)
	m.ingest = IngestMetricsSnapshot{
		MessagesByStream:  make(map[string]int64),
		ValidationRejects: make(map[string]int64),
		UnknownSymbols:    make(map[string]int64),
	}
	return m
}

// RecordMessage increments the per-stream message counter.
func (m *RuntimeMetrics) RecordMessage(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingest.MessagesByStream[stream]++
}

// RecordValidationReject increments the per-stream invariant-reject counter.
func (m *RuntimeMetrics) RecordValidationReject(stream string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingest.ValidationRejects[stream] += n
}

// RecordUnknownSymbol counts rows dropped because the symbol has no security row.
func (m *RuntimeMetrics) RecordUnknownSymbol(stream string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingest.UnknownSymbols[stream] += n
}

// Snapshot copies the current ingestion metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() IngestMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := IngestMetricsSnapshot{
		MessagesByStream:  make(map[string]int64, len(m.ingest.MessagesByStream)),
		ValidationRejects: make(map[string]int64, len(m.ingest.ValidationRejects)),
		UnknownSymbols:    make(map[string]int64, len(m.ingest.UnknownSymbols)),
	}
	for k, v := range m.ingest.MessagesByStream {
		out.MessagesByStream[k] = v
	}
	for k, v := range m.ingest.ValidationRejects {
		out.ValidationRejects[k] = v
	}
	for k, v := range m.ingest.UnknownSymbols {
		out.UnknownSymbols[k] = v
	}
	return out
}
