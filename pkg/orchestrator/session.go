package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callcenter/pkg/bridge"
	"github.com/harunnryd/callcenter/pkg/media"
	"github.com/harunnryd/callcenter/pkg/transcribe"
)

// session is the runtime side of a call: its mailbox and media plumbing.
// Everything except bridge and the channels is touched only by the mailbox
// goroutine.
type session struct {
	callID  string
	bridge  *bridge.Bridge
	mailbox chan func(context.Context)
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	tap     atomic.Pointer[tap]

	sink        media.Sink
	submitted   map[string]time.Time
	bridgeRetry bridgeAttempt
}

// bridgeAttempt counts failed bridge starts for one assignment.
type bridgeAttempt struct {
	assignmentID string
	failures     int
}

type tap struct {
	stream transcribe.Stream
}

func newSession(callID string, b *bridge.Bridge, size int) *session {
	return &session{
		callID:    callID,
		bridge:    b,
		mailbox:   make(chan func(context.Context), size),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		submitted: make(map[string]time.Time),
	}
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case fn := <-s.mailbox:
			fn(ctx)
		}
	}
}

// post queues fn behind the call's earlier events. It reports false when the
// call has already been torn down or ctx ends first.
func (s *session) post(ctx context.Context, fn func(context.Context)) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.mailbox <- fn:
		return true
	case <-s.quit:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *session) closeTap() {
	if t := s.tap.Swap(nil); t != nil {
		_ = t.stream.Close()
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.quit) })
}
