// Package bridge relays call audio to and from a realtime backend session.
// At most one backend session is live per call; output of a superseded
// session is discarded by generation.
package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/callcenter/pkg/logging"
	"github.com/harunnryd/callcenter/pkg/media"
	"github.com/harunnryd/callcenter/pkg/realtime"
	"github.com/harunnryd/callcenter/pkg/redact"
	"github.com/harunnryd/callcenter/pkg/transcript"
)

const defaultAudioBuffer = 256

type Options struct {
	AudioBuffer int
	Transcript  *transcript.Accumulator
}

type Bridge struct {
	callID     string
	dialer     realtime.Dialer
	transcript *transcript.Accumulator
	bufSize    int
	logger     *slog.Logger

	mu      sync.Mutex
	gen     atomic.Uint64
	active  atomic.Pointer[relay]
	dropped atomic.Int64
}

type relay struct {
	gen    uint64
	conn   realtime.Conn
	sink   media.Sink
	audio  chan string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(callID string, dialer realtime.Dialer, opts Options, logger *slog.Logger) *Bridge {
	if opts.AudioBuffer <= 0 {
		opts.AudioBuffer = defaultAudioBuffer
	}
	if opts.Transcript == nil {
		opts.Transcript = transcript.NewAccumulator(transcript.Config{})
	}
	return &Bridge{
		callID:     callID,
		dialer:     dialer,
		transcript: opts.Transcript,
		bufSize:    opts.AudioBuffer,
		logger:     logging.ForCall(logging.NewComponentLogger(logger, "bridge"), callID),
	}
}

// Start replaces any running session with a new one configured by session.
// The previous relay is cancelled and awaited, and its connection closed,
// before the new connection is opened.
func (b *Bridge) Start(ctx context.Context, sink media.Sink, session realtime.SessionConfig) error {
	if sink == nil {
		return errors.New("bridge: media sink is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked()
	gen := b.gen.Add(1)

	conn, err := b.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	if err := conn.Configure(ctx, session); err != nil {
		_ = conn.Close()
		return err
	}
	rctx, cancel := context.WithCancel(context.Background())
	r := &relay{
		gen:    gen,
		conn:   conn,
		sink:   sink,
		audio:  make(chan string, b.bufSize),
		ctx:    rctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.active.Store(r)
	go b.run(r)
	b.logger.Info("bridge_started", "generation", gen)
	return nil
}

// Stop ends the current session. Nothing from it is delivered afterwards.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
	b.gen.Add(1)
}

func (b *Bridge) stopLocked() {
	r := b.active.Swap(nil)
	if r == nil {
		return
	}
	r.cancel()
	_ = r.conn.Close()
	<-r.done
	if rest := b.transcript.Flush(); rest != "" {
		b.logger.Info("assistant_transcript", "text", redact.Text(rest))
	}
	b.logger.Info("bridge_stopped", "generation", r.gen)
}

// SendAudio queues a caller frame for the backend without blocking.
// Metadata frames and frames arriving with no live session are dropped.
func (b *Bridge) SendAudio(f media.Frame) error {
	if f.Kind != media.KindAudioData || f.Payload == "" {
		return nil
	}
	r := b.active.Load()
	if r == nil || r.gen != b.gen.Load() {
		return nil
	}
	select {
	case <-r.ctx.Done():
		return nil
	case r.audio <- f.Payload:
		return nil
	default:
		if b.dropped.Add(1)%100 == 1 {
			b.logger.Warn("bridge_audio_dropped", "dropped", b.dropped.Load())
		}
		return nil
	}
}

// Generation returns the id of the newest session.
func (b *Bridge) Generation() uint64 { return b.gen.Load() }

// Active reports whether a session relay is running.
func (b *Bridge) Active() bool {
	r := b.active.Load()
	if r == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Summary returns the recent assistant sentences.
func (b *Bridge) Summary() string { return b.transcript.Summary() }

func (b *Bridge) run(r *relay) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.writeLoop(r)
	}()
	b.readLoop(r)
	r.cancel()
	wg.Wait()
	_ = r.conn.Close()
	close(r.done)
}

func (b *Bridge) writeLoop(r *relay) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case payload := <-r.audio:
			if err := r.conn.SendAudio(payload); err != nil {
				b.logger.Warn("bridge_send_failed", "generation", r.gen, "error", err)
				return
			}
		}
	}
}

func (b *Bridge) readLoop(r *relay) {
	for {
		ev, err := r.conn.Recv(r.ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				b.logger.Info("backend_closed", "generation", r.gen)
			case r.ctx.Err() != nil:
			default:
				b.logger.Warn("backend_recv_failed", "generation", r.gen, "error", err)
			}
			return
		}
		if r.gen != b.gen.Load() {
			continue
		}
		b.handle(r, ev)
	}
}

func (b *Bridge) handle(r *relay, ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventAudioDelta:
		if err := r.sink.SendAudio(ev.Delta); err != nil {
			b.logger.Debug("sink_send_failed", "error", err)
		}
	case realtime.EventTranscriptDelta:
		for _, sentence := range b.transcript.Add(ev.Delta) {
			b.logger.Info("assistant_transcript", "text", redact.Text(sentence))
		}
	case realtime.EventInputTranscript:
		b.logger.Info("caller_transcript", "text", redact.Text(ev.Delta))
	case realtime.EventText:
		b.logger.Info("assistant_text", "text", redact.Text(ev.Delta))
	case realtime.EventSpeechStarted:
		if err := r.sink.ClearAudio(); err != nil {
			b.logger.Debug("sink_clear_failed", "error", err)
		}
	case realtime.EventDone:
		b.logger.Debug("response_done", "response_id", ev.ResponseID)
	case realtime.EventError:
		b.logger.Error("backend_error", "generation", r.gen, "error", ev.Error)
	default:
		b.logger.Debug("backend_event_ignored", "type", ev.Type)
	}
}
