package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/harunnryd/callcenter/pkg/transports"
)

// Dispatch routes one transport event to its handler. Handler failures are
// logged by the handlers themselves.
func (o *Orchestrator) Dispatch(ctx context.Context, ev transports.Event) {
	switch ev.Kind {
	case transports.EventAudio:
		_ = o.OnAudio(ev.CallID, ev.Frame)
	case transports.EventCallConnected:
		_ = o.OnCallConnected(ctx, ev.CallID)
	case transports.EventMediaStarted:
		_ = o.OnMediaReady(ctx, ev.CallID, ev.Sink)
	case transports.EventTone:
		_ = o.OnToneReceived(ctx, ev.CallID, ev.Tone)
	case transports.EventCallDisconnected:
		_ = o.OnCallDisconnected(ctx, ev.CallID, ev.Reason)
	default:
		o.logger.Debug("transport_event_ignored", "call_id", ev.CallID, "kind", ev.Kind.String())
	}
}

// Run dispatches events until the channel closes or ctx ends.
func (o *Orchestrator) Run(ctx context.Context, events <-chan transports.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.Dispatch(ctx, ev)
		}
	}
}

// CallsHandler serves the active call list as JSON.
func (o *Orchestrator) CallsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active": o.ActiveCalls(),
			"calls":  o.Snapshot(),
		})
	})
}
