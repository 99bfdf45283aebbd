package transports

import (
	"context"
	"time"

	"github.com/harunnryd/callcenter/pkg/identity"
	"github.com/harunnryd/callcenter/pkg/media"
)

// EventKind classifies a call lifecycle notification.
type EventKind int

const (
	EventCallConnected EventKind = iota
	EventMediaStarted
	EventAudio
	EventTone
	EventCallDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventCallConnected:
		return "call_connected"
	case EventMediaStarted:
		return "media_started"
	case EventAudio:
		return "audio"
	case EventTone:
		return "tone"
	case EventCallDisconnected:
		return "call_disconnected"
	default:
		return "unknown"
	}
}

// Event is one notification for a call, tagged with the orchestrator's call
// id. Sink is set for EventMediaStarted, Frame for EventAudio and
// EventMediaStarted, Tone for EventTone and Reason for EventCallDisconnected.
type Event struct {
	Kind   EventKind
	CallID string
	Tone   string
	Frame  media.Frame
	Sink   media.Sink
	Reason string
	At     time.Time
}

// IncomingCall describes a call the provider is asking us to answer.
type IncomingCall struct {
	CallID         string
	ProviderCallID string
	From           string
	To             string
	Caller         identity.Identity
}

// IncomingHandler accepts or rejects an incoming call. A non-nil error makes
// the provider webhook fail.
type IncomingHandler func(ctx context.Context, call IncomingCall) error

// Transport is a telephony provider boundary. Implementations are
// responsible for their own network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan Event
	SetIncomingHandler(h IncomingHandler)
}

// CallController issues in-call commands to the provider.
type CallController interface {
	// StartToneRecognition starts delivering the participant's key presses.
	// Repeated calls are no-ops.
	StartToneRecognition(ctx context.Context, callID string, participant identity.Identity) error
	HangUp(ctx context.Context, callID string) error
	// Transfer moves the call to target. note is handed to the target
	// before the caller is connected.
	Transfer(ctx context.Context, callID, target, note string) error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
}

// OutboundDialerWithOptions extends dialing with optional parameters.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
