package callcenter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/callcenter/pkg/workqueue"
	"golang.org/x/sync/errgroup"
)

// CleanReport summarises a Clean run. Failures are per item and do not stop
// the run.
type CleanReport struct {
	JobsDeleted  int
	WorkersReset int
	Failures     []error
}

type cleanTally struct {
	mu     sync.Mutex
	report CleanReport
}

func (t *cleanTally) fail(err error) {
	t.mu.Lock()
	t.report.Failures = append(t.report.Failures, err)
	t.mu.Unlock()
}

func (t *cleanTally) job() {
	t.mu.Lock()
	t.report.JobsDeleted++
	t.mu.Unlock()
}

func (t *cleanTally) worker() {
	t.mu.Lock()
	t.report.WorkersReset++
	t.mu.Unlock()
}

// Clean cancels, closes and deletes every job on the router, then makes every
// worker available again. It is the recovery tool for jobs leaked by crashed
// processes.
func Clean(ctx context.Context, q *workqueue.Client, p workqueue.Provisioner, logger *slog.Logger) (CleanReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	jobs, err := q.ListJobs(ctx)
	if err != nil {
		return CleanReport{}, fmt.Errorf("list jobs: %w", err)
	}

	var tally cleanTally
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(provisionConcurrency)
	for _, j := range jobs {
		g.Go(func() error {
			log := logger.With("job_id", j.ID)
			if err := q.Cancel(gctx, j.ID, workqueue.DispositionCancelled); err != nil {
				log.Warn("clean_cancel_failed", "error", err)
			}
			for assignmentID := range j.Assignments {
				if err := q.Close(gctx, j.ID, assignmentID, workqueue.DispositionCancelled); err != nil {
					log.Debug("clean_close_skipped", "assignment_id", assignmentID, "error", err)
				}
			}
			if err := q.Delete(gctx, j.ID); err != nil {
				tally.fail(err)
				log.Warn("clean_delete_failed", "error", err)
				return nil
			}
			tally.job()
			log.Info("job_cleaned")
			return nil
		})
	}
	_ = g.Wait()

	workers, err := p.ListWorkers(ctx)
	if err != nil {
		return tally.report, fmt.Errorf("list workers: %w", err)
	}
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(provisionConcurrency)
	for _, w := range workers {
		g.Go(func() error {
			w.AvailableForOffers = true
			w.Capacity = DefaultWorkerCapacity
			if err := p.UpsertWorker(gctx, w); err != nil {
				tally.fail(fmt.Errorf("reset worker %s: %w", w.ID, err))
				return nil
			}
			tally.worker()
			logger.Info("worker_reset", "worker_id", w.ID)
			return nil
		})
	}
	_ = g.Wait()
	return tally.report, nil
}
