package metrics

import "time"

// Event names recorded by the call orchestrator.
const (
	EventCallStarted   = "call_started"
	EventCallEnded     = "call_ended"
	EventJobSubmitted  = "job_submitted"
	EventJobAssigned   = "job_assigned"
	EventJobRetired    = "job_retired"
	EventRoleSwitched  = "role_switched"
	EventBridgeStarted = "bridge_started"
	EventPhaseChanged  = "phase_changed"
	EventCallTransfer  = "call_transferred"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a convenience for call-scoped events.
func Record(obs Observer, name, callID string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	if tags == nil {
		tags = make(map[string]string, 1)
	}
	tags["call_id"] = callID
	obs.RecordEvent(MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  tags,
	})
}
