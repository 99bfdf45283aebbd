package metrics

import (
	"context"
	"log/slog"
)

// LoggerObserver writes every event as a debug log line.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev MetricsEvent) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.Background(), slog.LevelDebug, "metrics", attrs...)
}

// CounterObserver keeps per-name counts, used by status reporting and tests.
type CounterObserver struct {
	counts syncCounts
}

func NewCounterObserver() *CounterObserver { return &CounterObserver{} }

func (c *CounterObserver) RecordEvent(ev MetricsEvent) { c.counts.add(ev.Name) }

// Count returns how many events named name were recorded.
func (c *CounterObserver) Count(name string) int64 { return c.counts.get(name) }

// MultiObserver fans events out to several observers.
type MultiObserver struct {
	list []Observer
}

func NewMultiObserver(list ...Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}
