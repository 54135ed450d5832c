package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
	"github.com/rafaelwaynne/procwatch/internal/notify"
)

// PrometheusSink counts broadcast events and the history entries they carry.
type PrometheusSink struct {
	events         *prometheus.CounterVec
	historyEntries *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procwatch_events_total",
			Help: "Broadcast events partitioned by name.",
		}, []string{"event"}),
		historyEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procwatch_history_entries_total",
			Help: "History entries appended, partitioned by kind (change, error, manual).",
		}, []string{"kind"}),
	}
	for _, collector := range []prometheus.Collector{s.events, s.historyEntries} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register notify collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(evt.Name).Inc()
		if h, ok := evt.Payload.(monitor.HistoryEvent); ok {
			s.historyEntries.WithLabelValues(entryKind(h.Entry)).Inc()
		}
	}
	return nil
}

func entryKind(e monitor.HistoryEntry) string {
	switch {
	case e.Source == monitor.SourceManual:
		return "manual"
	case e.Error:
		return "error"
	default:
		return "change"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
