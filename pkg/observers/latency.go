package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callcenter/pkg/metrics"
)

// LatencyObserver logs how long a caller waited at each call milestone:
// first assignment, first bridge and, at the end, the call summary.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	started       time.Time
	firstAssigned time.Time
	firstBridge   time.Time
	switches      int
	transferred   bool
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ""
	if ev.Tags != nil {
		callID = ev.Tags["call_id"]
	}
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[callID]
	if t == nil {
		t = &trace{}
		o.traces[callID] = t
	}
	switch ev.Name {
	case metrics.EventCallStarted:
		if t.started.IsZero() {
			t.started = ev.Time
		}
	case metrics.EventJobAssigned:
		if t.firstAssigned.IsZero() {
			t.firstAssigned = ev.Time
		}
	case metrics.EventBridgeStarted:
		if t.firstBridge.IsZero() {
			t.firstBridge = ev.Time
			o.log.Info("latency",
				"call_id", callID,
				"assign_ms", durationMs(t.started, t.firstAssigned),
				"bridge_ms", durationMs(t.started, t.firstBridge),
			)
		}
	case metrics.EventRoleSwitched:
		t.switches++
	case metrics.EventCallTransfer:
		t.transferred = true
	case metrics.EventCallEnded:
		o.log.Info("call_summary",
			"call_id", callID,
			"duration_ms", durationMs(t.started, ev.Time),
			"role_switches", t.switches,
			"transferred", t.transferred,
		)
		delete(o.traces, callID)
	}
}

// Tracked counts calls with open traces.
func (o *LatencyObserver) Tracked() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
