package stream

import (
	"time"

	"github.com/axiomtrade/axiom/internal/beque"
	"github.com/axiomtrade/axiom/internal/observability"
)

// Snapshot is a point-in-time diagnostic view of the streaming pipeline.
type Snapshot struct {
	State                   string                              `json:"state"`
	TotalMessages           uint64                              `json:"total_messages"`
	Reconnects              uint64                              `json:"reconnects"`
	SecondsSinceLastMessage float64                             `json:"seconds_since_last_message"`
	Batchers                []beque.Stats                       `json:"batchers"`
	Ingest                  observability.IngestMetricsSnapshot `json:"ingest"`
}

// Stats reports the supervisor's current health.
func (s *Supervisor) Stats() Snapshot {
	last := time.Unix(0, s.lastMessageNano.Load())
	return Snapshot{
		State:                   s.State().String(),
		TotalMessages:           s.totalMessages.Load(),
		Reconnects:              s.reconnects.Load(),
		SecondsSinceLastMessage: s.now().Sub(last).Seconds(),
		Batchers:                []beque.Stats{s.l1.Stats(), s.l2.Stats(), s.charts.Stats()},
		Ingest:                  s.metrics.Snapshot(),
	}
}
