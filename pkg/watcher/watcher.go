// Package watcher polls worker offers until a submitted job is offered, then
// accepts it.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callcenter/pkg/logging"
	"github.com/harunnryd/callcenter/pkg/workqueue"
)

// DefaultPollInterval is how often every known worker's offers are read.
const DefaultPollInterval = time.Second

var ErrOfferTimeout = errors.New("watcher: no offer before timeout")

// Queue is the part of the work queue client the watcher needs.
type Queue interface {
	Offers(ctx context.Context, workerID string) ([]workqueue.Offer, error)
	Accept(ctx context.Context, workerID, offerID string) (workqueue.Assignment, error)
}

type Config struct {
	PollInterval time.Duration
	// OfferTimeout bounds a single watch. Zero waits until cancelled.
	OfferTimeout time.Duration
	Workers      []string
}

type Watcher struct {
	queue  Queue
	cfg    Config
	logger *slog.Logger
}

func New(queue Queue, cfg Config, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cfg.Workers = append([]string(nil), cfg.Workers...)
	return &Watcher{
		queue:  queue,
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "watcher"),
	}
}

// Watch blocks until jobID is accepted by some worker, ctx is done or the
// offer timeout expires. No accept is issued after ctx is done.
func (w *Watcher) Watch(ctx context.Context, jobID string) (workqueue.Assignment, error) {
	var deadline <-chan time.Time
	if w.cfg.OfferTimeout > 0 {
		timer := time.NewTimer(w.cfg.OfferTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	log := w.logger.With("job_id", jobID)
	for {
		if a, ok, err := w.poll(ctx, log, jobID); err != nil || ok {
			return a, err
		}
		select {
		case <-ctx.Done():
			return workqueue.Assignment{}, ctx.Err()
		case <-deadline:
			log.Warn("offer_timeout", "timeout", w.cfg.OfferTimeout)
			return workqueue.Assignment{}, ErrOfferTimeout
		case <-ticker.C:
		}
	}
}

func (w *Watcher) poll(ctx context.Context, log *slog.Logger, jobID string) (workqueue.Assignment, bool, error) {
	for _, workerID := range w.cfg.Workers {
		if err := ctx.Err(); err != nil {
			return workqueue.Assignment{}, false, err
		}
		offers, err := w.queue.Offers(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return workqueue.Assignment{}, false, ctx.Err()
			}
			log.Warn("offer_poll_failed", "worker_id", workerID, "error", err)
			continue
		}
		for _, offer := range offers {
			if offer.JobID != jobID {
				continue
			}
			if err := ctx.Err(); err != nil {
				return workqueue.Assignment{}, false, err
			}
			a, err := w.queue.Accept(ctx, workerID, offer.OfferID)
			if err != nil {
				log.Warn("offer_accept_failed", "worker_id", workerID, "offer_id", offer.OfferID, "error", err)
				continue
			}
			if a.JobID == "" {
				a.JobID = jobID
			}
			log.Info("offer_accepted", "worker_id", a.WorkerID, "assignment_id", a.AssignmentID)
			return a, true, nil
		}
	}
	return workqueue.Assignment{}, false, nil
}

// Handle is a running watch. It is safe for concurrent use.
type Handle struct {
	JobID  string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result workqueue.Assignment
	err    error
}

// Go runs Watch in its own goroutine. onDone, if set, runs on that goroutine
// after the result is recorded.
func (w *Watcher) Go(ctx context.Context, jobID string, onDone func(*Handle)) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{JobID: jobID, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer cancel()
		a, err := w.Watch(ctx, jobID)
		h.mu.Lock()
		h.result, h.err = a, err
		h.mu.Unlock()
		close(h.done)
		if onDone != nil {
			onDone(h)
		}
	}()
	return h
}

func (h *Handle) Cancel() { h.cancel() }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the watch ends or ctx is done.
func (h *Handle) Wait(ctx context.Context) (workqueue.Assignment, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return workqueue.Assignment{}, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Result returns the accepted assignment once the watch has finished
// successfully.
func (h *Handle) Result() (workqueue.Assignment, bool) {
	select {
	case <-h.done:
	default:
		return workqueue.Assignment{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err == nil && h.result.AssignmentID != ""
}

// Err returns the terminal error, nil while running or on success.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
