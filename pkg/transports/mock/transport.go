// Package mock provides an in-memory telephony transport for tests and local
// runs.
package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/callcenter/pkg/errorsx"
	"github.com/harunnryd/callcenter/pkg/identity"
	"github.com/harunnryd/callcenter/pkg/transports"
)

// Transfer records one Transfer command.
type Transfer struct {
	CallID string
	Target string
	Note   string
}

// Transport implements transports.Transport and transports.CallController
// without any network dependency.
type Transport struct {
	recvCh  chan transports.Event
	closed  atomic.Bool
	handler atomic.Pointer[transports.IncomingHandler]

	mu         sync.Mutex
	live       map[string]bool
	toneStarts map[string]int
	hangups    []string
	transfers  []Transfer

	// HangUpErr and TransferErr are returned by the matching commands when set.
	HangUpErr   error
	TransferErr error
}

var (
	_ transports.Transport      = (*Transport)(nil)
	_ transports.CallController = (*Transport)(nil)
)

func New() *Transport {
	return &Transport{
		recvCh:     make(chan transports.Event, 256),
		live:       make(map[string]bool),
		toneStarts: make(map[string]int),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan transports.Event { return t.recvCh }

func (t *Transport) SetIncomingHandler(h transports.IncomingHandler) {
	t.handler.Store(&h)
}

// Ring delivers an incoming call to the registered handler.
func (t *Transport) Ring(ctx context.Context, call transports.IncomingCall) error {
	h := t.handler.Load()
	if h == nil || *h == nil {
		return errors.New("no incoming handler")
	}
	t.mu.Lock()
	t.live[call.CallID] = true
	t.mu.Unlock()
	if err := (*h)(ctx, call); err != nil {
		t.mu.Lock()
		delete(t.live, call.CallID)
		t.mu.Unlock()
		return err
	}
	return nil
}

// Push injects an event as if the provider had sent it.
func (t *Transport) Push(ev transports.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- ev:
	default:
	}
}

func (t *Transport) StartToneRecognition(ctx context.Context, callID string, participant identity.Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live[callID] {
		return errorsx.New(errorsx.ReasonNotFound, "call "+callID+" not found")
	}
	t.toneStarts[callID]++
	return nil
}

func (t *Transport) HangUp(ctx context.Context, callID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hangups = append(t.hangups, callID)
	if t.HangUpErr != nil {
		return t.HangUpErr
	}
	if !t.live[callID] {
		return errorsx.New(errorsx.ReasonNotFound, "call "+callID+" not found")
	}
	delete(t.live, callID)
	return nil
}

func (t *Transport) Transfer(ctx context.Context, callID, target, note string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.TransferErr != nil {
		return t.TransferErr
	}
	if !t.live[callID] {
		return errorsx.New(errorsx.ReasonNotFound, "call "+callID+" not found")
	}
	t.transfers = append(t.transfers, Transfer{CallID: callID, Target: target, Note: note})
	delete(t.live, callID)
	return nil
}

// ToneStarts reports how many times tone recognition was requested.
func (t *Transport) ToneStarts(callID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toneStarts[callID]
}

func (t *Transport) HangUps() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.hangups...)
}

func (t *Transport) Transfers() []Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transfer(nil), t.transfers...)
}

// Sink records audio played to the caller.
type Sink struct {
	mu     sync.Mutex
	audio  []string
	clears int
}

func (s *Sink) SendAudio(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, payload)
	return nil
}

func (s *Sink) ClearAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func (s *Sink) Audio() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.audio...)
}

func (s *Sink) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}
