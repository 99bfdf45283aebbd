package callcenter

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/callcenter/pkg/roles"
	"github.com/harunnryd/callcenter/pkg/workqueue"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultOfferExpiresAfter = 60 * time.Second
	DefaultWorkerCapacity    = 10
	provisionConcurrency     = 4
)

type ProvisionOptions struct {
	QueueID           string
	PolicyID          string
	ChannelID         string
	OfferExpiresAfter time.Duration
	Capacity          int
}

func (o ProvisionOptions) withDefaults() ProvisionOptions {
	if o.QueueID == "" {
		o.QueueID = workqueue.DefaultQueueID
	}
	if o.PolicyID == "" {
		o.PolicyID = workqueue.DefaultPolicyID
	}
	if o.ChannelID == "" {
		o.ChannelID = workqueue.DefaultChannelID
	}
	if o.OfferExpiresAfter <= 0 {
		o.OfferExpiresAfter = DefaultOfferExpiresAfter
	}
	if o.Capacity <= 0 {
		o.Capacity = DefaultWorkerCapacity
	}
	return o
}

// Provision upserts the distribution policy, the queue and one worker per
// queued role. Upserts are idempotent, so it is safe to run on every start.
func Provision(ctx context.Context, p workqueue.Provisioner, dir *roles.Directory, opts ProvisionOptions) error {
	opts = opts.withDefaults()
	if err := p.UpsertDistributionPolicy(ctx, workqueue.DistributionPolicy{
		ID:                opts.PolicyID,
		Name:              "Call center distribution policy",
		OfferExpiresAfter: opts.OfferExpiresAfter,
		Mode:              "longestIdle",
	}); err != nil {
		return fmt.Errorf("upsert distribution policy: %w", err)
	}
	if err := p.UpsertQueue(ctx, workqueue.Queue{
		ID:                   opts.QueueID,
		Name:                 "Call center queue",
		DistributionPolicyID: opts.PolicyID,
	}); err != nil {
		return fmt.Errorf("upsert queue: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(provisionConcurrency)
	for _, r := range dir.Queued() {
		w := WorkerFor(r, opts)
		g.Go(func() error {
			if err := p.UpsertWorker(gctx, w); err != nil {
				return fmt.Errorf("upsert worker %s: %w", w.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// WorkerFor describes the worker that serves role r.
func WorkerFor(r roles.Role, opts ProvisionOptions) workqueue.Worker {
	opts = opts.withDefaults()
	return workqueue.Worker{
		ID:                 r.WorkerID,
		Capacity:           opts.Capacity,
		QueueIDs:           []string{opts.QueueID},
		Labels:             map[string]string{roles.SelectorKey: r.Label},
		Channels:           []workqueue.Channel{{ID: opts.ChannelID, CapacityCostPerJob: 1}},
		AvailableForOffers: true,
	}
}
