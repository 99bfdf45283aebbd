package workqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/callcenter/pkg/errorsx"
	"github.com/harunnryd/callcenter/pkg/logging"
	"github.com/harunnryd/callcenter/pkg/resilience"
)

const (
	DefaultChannelID          = "voice"
	DefaultQueueID            = "callcenter-queue"
	DefaultPolicyID           = "callcenter-policy"
	DefaultPriority           = 1
	DefaultRetirePollInterval = 500 * time.Millisecond
	DefaultRetireTimeout      = 10 * time.Second

	DispositionResolved  = "Resolved"
	DispositionCancelled = "Cancelled"
)

type Options struct {
	ChannelID          string
	QueueID            string
	Priority           int
	SelectorKey        string
	RetirePollInterval time.Duration
	RetireTimeout      time.Duration
	Retry              resilience.RetryPolicy
}

func (o Options) withDefaults() Options {
	if o.ChannelID == "" {
		o.ChannelID = DefaultChannelID
	}
	if o.QueueID == "" {
		o.QueueID = DefaultQueueID
	}
	if o.Priority <= 0 {
		o.Priority = DefaultPriority
	}
	if o.SelectorKey == "" {
		o.SelectorKey = "Role"
	}
	if o.RetirePollInterval <= 0 {
		o.RetirePollInterval = DefaultRetirePollInterval
	}
	if o.RetireTimeout <= 0 {
		o.RetireTimeout = DefaultRetireTimeout
	}
	if o.Retry.MaxRetries == 0 && o.Retry.Backoff == 0 {
		o.Retry = resilience.NewRetryPolicy(2, 200*time.Millisecond)
	}
	if o.Retry.Retryable == nil {
		o.Retry.Retryable = func(err error) bool { return !IsNotFound(err) }
	}
	return o
}

// Client is a stateless façade safe for concurrent use by every call.
type Client struct {
	router Router
	opts   Options
	logger *slog.Logger
	newID  func() string
}

func NewClient(router Router, opts Options, logger *slog.Logger) *Client {
	return &Client{
		router: router,
		opts:   opts.withDefaults(),
		logger: logging.NewComponentLogger(logger, "workqueue"),
		newID:  uuid.NewString,
	}
}

func (c *Client) Router() Router { return c.router }

// Submit enqueues a job whose worker selector matches label and returns its
// id. The upsert is keyed by a client-side id, so retries are safe.
func (c *Client) Submit(ctx context.Context, label string) (string, error) {
	req := JobRequest{
		ID:        c.newID(),
		ChannelID: c.opts.ChannelID,
		QueueID:   c.opts.QueueID,
		Priority:  c.opts.Priority,
		Selectors: []Selector{{Key: c.opts.SelectorKey, Operator: "equal", Value: label}},
	}
	err := c.opts.Retry.Do(ctx, func(ctx context.Context) error {
		_, err := c.router.UpsertJob(ctx, req)
		return err
	})
	if err != nil {
		return "", errorsx.Wrapf(err, errorsx.ReasonQueueSubmit, "submit job for %s", label)
	}
	c.logger.Info("job_submitted", "job_id", req.ID, "label", label)
	return req.ID, nil
}

func (c *Client) Offers(ctx context.Context, workerID string) ([]Offer, error) {
	offers, err := c.router.Offers(ctx, workerID)
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonQueueUnavailable, "offers for %s", workerID)
	}
	return offers, nil
}

// Accept binds an offer. It is never retried: an offer is accepted at most
// once.
func (c *Client) Accept(ctx context.Context, workerID, offerID string) (Assignment, error) {
	a, err := c.router.AcceptOffer(ctx, workerID, offerID)
	if err != nil {
		return Assignment{}, errorsx.Wrapf(err, errorsx.ReasonQueueAccept, "accept offer %s", offerID)
	}
	if a.WorkerID == "" {
		a.WorkerID = workerID
	}
	if a.AcceptedAt.IsZero() {
		a.AcceptedAt = time.Now()
	}
	return a, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	return c.router.GetJob(ctx, jobID)
}

func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	return c.router.ListJobs(ctx)
}

// Retire completes, closes and deletes a job that reached an assignment.
// Steps whose target is already gone count as done.
func (c *Client) Retire(ctx context.Context, jobID, assignmentID string) error {
	log := c.logger.With("job_id", jobID, "assignment_id", assignmentID)
	if err := c.retry(ctx, func(ctx context.Context) error {
		return c.router.CompleteJob(ctx, jobID, assignmentID)
	}); err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonQueueRetire, "complete job %s", jobID)
	}
	if err := c.retry(ctx, func(ctx context.Context) error {
		return c.router.CloseJob(ctx, jobID, assignmentID, DispositionResolved)
	}); err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonQueueRetire, "close job %s", jobID)
	}
	if err := c.waitClosed(ctx, jobID); err != nil {
		log.Warn("job_close_wait_failed", "error", err)
	}
	if err := c.Delete(ctx, jobID); err != nil {
		return err
	}
	log.Info("job_retired")
	return nil
}

// Abandon cancels and deletes a job that never reached an assignment.
func (c *Client) Abandon(ctx context.Context, jobID string) error {
	if err := c.retry(ctx, func(ctx context.Context) error {
		return c.router.CancelJob(ctx, jobID, DispositionCancelled)
	}); err != nil {
		c.logger.Warn("job_cancel_failed", "job_id", jobID, "error", err)
	}
	if err := c.Delete(ctx, jobID); err != nil {
		return err
	}
	c.logger.Info("job_abandoned", "job_id", jobID)
	return nil
}

func (c *Client) Cancel(ctx context.Context, jobID, disposition string) error {
	return c.retry(ctx, func(ctx context.Context) error {
		return c.router.CancelJob(ctx, jobID, disposition)
	})
}

func (c *Client) Close(ctx context.Context, jobID, assignmentID, disposition string) error {
	return c.retry(ctx, func(ctx context.Context) error {
		return c.router.CloseJob(ctx, jobID, assignmentID, disposition)
	})
}

func (c *Client) Delete(ctx context.Context, jobID string) error {
	if err := c.retry(ctx, func(ctx context.Context) error {
		return c.router.DeleteJob(ctx, jobID)
	}); err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonQueueRetire, "delete job %s", jobID)
	}
	return nil
}

// retry runs fn under the retry policy and swallows not-found.
func (c *Client) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := c.opts.Retry.Do(ctx, fn)
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) waitClosed(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RetireTimeout)
	defer cancel()
	ticker := time.NewTicker(c.opts.RetirePollInterval)
	defer ticker.Stop()
	for {
		job, err := c.router.GetJob(ctx, jobID)
		switch {
		case IsNotFound(err):
			return nil
		case err != nil:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("job %s: %w", jobID, err)
			}
		case !job.Status.Open():
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("job %s still %s: %w", jobID, job.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}
