// Package memory is an in-process work queue used for local runs and tests.
// Jobs are offered to the longest idle worker whose labels satisfy every
// selector, mirroring the hosted router's longest-idle policy.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/callcenter/pkg/workqueue"
)

// Op names a recorded router call.
type Op string

const (
	OpUpsert   Op = "upsert"
	OpOffer    Op = "offer"
	OpAccept   Op = "accept"
	OpComplete Op = "complete"
	OpClose    Op = "close"
	OpCancel   Op = "cancel"
	OpDelete   Op = "delete"
)

type Record struct {
	Op       Op
	JobID    string
	WorkerID string
	At       time.Time
}

type Options struct {
	// Manual disables automatic offers; tests call Offer themselves.
	Manual bool
	Now    func() time.Time
}

type job struct {
	workqueue.Job
	offeredTo string
	offerID   string
	offeredAt time.Time
}

type worker struct {
	workqueue.Worker
	active   int
	lastIdle time.Time
}

type Router struct {
	mu       sync.Mutex
	opts     Options
	jobs     map[string]*job
	workers  map[string]*worker
	offers   map[string][]workqueue.Offer
	policies map[string]workqueue.DistributionPolicy
	queues   map[string]workqueue.Queue
	history  []Record
}

var (
	_ workqueue.Router      = (*Router)(nil)
	_ workqueue.Provisioner = (*Router)(nil)
)

func New(opts Options) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		opts:     opts,
		jobs:     make(map[string]*job),
		workers:  make(map[string]*worker),
		offers:   make(map[string][]workqueue.Offer),
		policies: make(map[string]workqueue.DistributionPolicy),
		queues:   make(map[string]workqueue.Queue),
	}
}

func (r *Router) UpsertDistributionPolicy(_ context.Context, p workqueue.DistributionPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.ID] = p
	return nil
}

func (r *Router) UpsertQueue(_ context.Context, q workqueue.Queue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[q.ID] = q
	return nil
}

func (r *Router) UpsertWorker(_ context.Context, w workqueue.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.Capacity <= 0 {
		w.Capacity = 1
	}
	w.State = "active"
	if !w.AvailableForOffers {
		w.State = "inactive"
	}
	if existing, ok := r.workers[w.ID]; ok {
		existing.Worker = w
	} else {
		r.workers[w.ID] = &worker{Worker: w, lastIdle: r.opts.Now()}
	}
	r.dispatchLocked()
	return nil
}

func (r *Router) ListWorkers(_ context.Context) ([]workqueue.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]workqueue.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Worker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Router) UpsertJob(_ context.Context, req workqueue.JobRequest) (workqueue.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[req.ID]; ok {
		return cloneJob(j.Job), nil
	}
	j := &job{Job: workqueue.Job{
		ID:          req.ID,
		ChannelID:   req.ChannelID,
		QueueID:     req.QueueID,
		Priority:    req.Priority,
		Selectors:   append([]workqueue.Selector(nil), req.Selectors...),
		Status:      workqueue.StatusQueued,
		Assignments: make(map[string]string),
	}}
	r.jobs[req.ID] = j
	r.recordLocked(OpUpsert, req.ID, "")
	r.dispatchLocked()
	return cloneJob(j.Job), nil
}

func (r *Router) GetJob(_ context.Context, jobID string) (workqueue.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return workqueue.Job{}, notFound("job", jobID)
	}
	return cloneJob(j.Job), nil
}

func (r *Router) ListJobs(_ context.Context) ([]workqueue.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]workqueue.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, cloneJob(j.Job))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (r *Router) DeleteJob(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return notFound("job", jobID)
	}
	if j.Status.Open() {
		return fmt.Errorf("job %s is %s and cannot be deleted", jobID, j.Status)
	}
	delete(r.jobs, jobID)
	r.recordLocked(OpDelete, jobID, "")
	return nil
}

func (r *Router) CancelJob(_ context.Context, jobID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return notFound("job", jobID)
	}
	if !j.Status.Open() {
		return nil
	}
	r.withdrawOfferLocked(j)
	for _, wid := range j.Assignments {
		r.releaseLocked(wid)
	}
	j.Status = workqueue.StatusCancelled
	r.recordLocked(OpCancel, jobID, "")
	r.dispatchLocked()
	return nil
}

func (r *Router) Offers(_ context.Context, workerID string) ([]workqueue.Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[workerID]; !ok {
		return nil, notFound("worker", workerID)
	}
	r.expireLocked()
	return append([]workqueue.Offer(nil), r.offers[workerID]...), nil
}

func (r *Router) AcceptOffer(_ context.Context, workerID, offerID string) (workqueue.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var offer workqueue.Offer
	found := false
	for _, o := range r.offers[workerID] {
		if o.OfferID == offerID {
			offer, found = o, true
			break
		}
	}
	if !found {
		return workqueue.Assignment{}, notFound("offer", offerID)
	}
	j := r.jobs[offer.JobID]
	r.withdrawOfferLocked(j)
	assignmentID := uuid.NewString()
	j.Status = workqueue.StatusAssigned
	j.Assignments[assignmentID] = workerID
	if w, ok := r.workers[workerID]; ok {
		w.active++
	}
	r.recordLocked(OpAccept, j.ID, workerID)
	return workqueue.Assignment{
		AssignmentID: assignmentID,
		JobID:        j.ID,
		WorkerID:     workerID,
		AcceptedAt:   r.opts.Now(),
	}, nil
}

func (r *Router) CompleteJob(_ context.Context, jobID, assignmentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return notFound("job", jobID)
	}
	wid, ok := j.Assignments[assignmentID]
	if !ok {
		return notFound("assignment", assignmentID)
	}
	if j.Status != workqueue.StatusAssigned {
		return nil
	}
	j.Status = workqueue.StatusCompleted
	r.releaseLocked(wid)
	r.recordLocked(OpComplete, jobID, wid)
	r.dispatchLocked()
	return nil
}

func (r *Router) CloseJob(_ context.Context, jobID, assignmentID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return notFound("job", jobID)
	}
	if _, ok := j.Assignments[assignmentID]; !ok {
		return notFound("assignment", assignmentID)
	}
	if j.Status != workqueue.StatusCompleted {
		return fmt.Errorf("job %s is %s, complete it before closing", jobID, j.Status)
	}
	j.Status = workqueue.StatusClosed
	r.recordLocked(OpClose, jobID, "")
	return nil
}

// Offer hands jobID to workerID regardless of labels. Used with Manual.
func (r *Router) Offer(jobID, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return notFound("job", jobID)
	}
	w, ok := r.workers[workerID]
	if !ok {
		return notFound("worker", workerID)
	}
	if j.Status != workqueue.StatusQueued {
		return fmt.Errorf("job %s is %s", jobID, j.Status)
	}
	r.offerLocked(j, w)
	return nil
}

// History returns every recorded call in order.
func (r *Router) History() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.history...)
}

// Count returns how often op was applied to jobID.
func (r *Router) Count(op Op, jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.history {
		if rec.Op == op && rec.JobID == jobID {
			n++
		}
	}
	return n
}

// OpenJobs returns the ids of jobs still holding capacity.
func (r *Router) OpenJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, j := range r.jobs {
		if j.Status.Open() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Router) dispatchLocked() {
	if r.opts.Manual {
		return
	}
	pending := make([]*job, 0)
	for _, j := range r.jobs {
		if j.Status == workqueue.StatusQueued {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(i, k int) bool {
		if pending[i].Priority != pending[k].Priority {
			return pending[i].Priority > pending[k].Priority
		}
		return pending[i].ID < pending[k].ID
	})
	for _, j := range pending {
		if w := r.pickLocked(j); w != nil {
			r.offerLocked(j, w)
		}
	}
}

func (r *Router) pickLocked(j *job) *worker {
	var best *worker
	for _, w := range r.workers {
		if !w.AvailableForOffers || w.active >= w.Capacity || !matches(w.Labels, j.Selectors) {
			continue
		}
		if best == nil || w.lastIdle.Before(best.lastIdle) || (w.lastIdle.Equal(best.lastIdle) && w.ID < best.ID) {
			best = w
		}
	}
	return best
}

func (r *Router) offerLocked(j *job, w *worker) {
	offer := workqueue.Offer{OfferID: uuid.NewString(), JobID: j.ID, WorkerID: w.ID}
	r.offers[w.ID] = append(r.offers[w.ID], offer)
	j.Status = workqueue.StatusOffered
	j.offeredTo = w.ID
	j.offerID = offer.OfferID
	j.offeredAt = r.opts.Now()
	r.recordLocked(OpOffer, j.ID, w.ID)
}

func (r *Router) withdrawOfferLocked(j *job) {
	if j.offeredTo == "" {
		return
	}
	list := r.offers[j.offeredTo]
	for i, o := range list {
		if o.OfferID == j.offerID {
			r.offers[j.offeredTo] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	j.offeredTo, j.offerID = "", ""
}

func (r *Router) releaseLocked(workerID string) {
	if w, ok := r.workers[workerID]; ok && w.active > 0 {
		w.active--
		w.lastIdle = r.opts.Now()
	}
}

// expireLocked returns offers older than the queue policy's expiry to the
// queue.
func (r *Router) expireLocked() {
	now := r.opts.Now()
	expired := false
	for _, j := range r.jobs {
		if j.Status != workqueue.StatusOffered {
			continue
		}
		ttl := r.offerTTLLocked(j.QueueID)
		if ttl <= 0 || now.Sub(j.offeredAt) < ttl {
			continue
		}
		r.withdrawOfferLocked(j)
		j.Status = workqueue.StatusQueued
		expired = true
	}
	if expired {
		r.dispatchLocked()
	}
}

func (r *Router) offerTTLLocked(queueID string) time.Duration {
	q, ok := r.queues[queueID]
	if !ok {
		return 0
	}
	return r.policies[q.DistributionPolicyID].OfferExpiresAfter
}

func (r *Router) recordLocked(op Op, jobID, workerID string) {
	r.history = append(r.history, Record{Op: op, JobID: jobID, WorkerID: workerID, At: r.opts.Now()})
}

func matches(labels map[string]string, selectors []workqueue.Selector) bool {
	for _, s := range selectors {
		v, ok := labels[s.Key]
		switch s.Operator {
		case "", "equal":
			if !ok || v != s.Value {
				return false
			}
		case "notEqual":
			if ok && v == s.Value {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func cloneJob(j workqueue.Job) workqueue.Job {
	j.Selectors = append([]workqueue.Selector(nil), j.Selectors...)
	assignments := make(map[string]string, len(j.Assignments))
	for k, v := range j.Assignments {
		assignments[k] = v
	}
	j.Assignments = assignments
	return j
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, workqueue.ErrNotFound)
}
