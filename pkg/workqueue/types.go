// Package workqueue is the façade over the external work-distribution
// service. Backends implement Router; the orchestrator only talks to Client.
package workqueue

import (
	"context"
	"errors"
	"time"

	"github.com/harunnryd/callcenter/pkg/errorsx"
)

// ErrNotFound is returned (wrapped) when a job, worker or assignment no
// longer exists.
var ErrNotFound = errorsx.New(errorsx.ReasonNotFound, "workqueue: not found")

// IsNotFound reports whether err means the target is already gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errorsx.IsNotFound(err)
}

// Status is the queue-side lifecycle of a job. It only moves forward.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusOffered   Status = "offered"
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
	StatusDeleted   Status = "deleted"
)

// Open reports whether the job still holds queue capacity.
func (s Status) Open() bool {
	switch s {
	case StatusQueued, StatusOffered, StatusAssigned, StatusCompleted:
		return true
	}
	return false
}

// Selector restricts which workers may be offered a job.
type Selector struct {
	Key      string `json:"key"`
	Operator string `json:"labelOperator"`
	Value    string `json:"value"`
}

type JobRequest struct {
	ID        string
	ChannelID string
	QueueID   string
	Priority  int
	Selectors []Selector
}

type Job struct {
	ID        string
	ChannelID string
	QueueID   string
	Priority  int
	Selectors []Selector
	Status    Status
	// Assignments maps assignment id to worker id.
	Assignments map[string]string
}

type Offer struct {
	OfferID  string
	JobID    string
	WorkerID string
}

type Assignment struct {
	AssignmentID string
	JobID        string
	WorkerID     string
	AcceptedAt   time.Time
}

// Router is the job lifecycle surface of a queue backend.
type Router interface {
	UpsertJob(ctx context.Context, req JobRequest) (Job, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	CancelJob(ctx context.Context, jobID, disposition string) error
	Offers(ctx context.Context, workerID string) ([]Offer, error)
	AcceptOffer(ctx context.Context, workerID, offerID string) (Assignment, error)
	CompleteJob(ctx context.Context, jobID, assignmentID string) error
	CloseJob(ctx context.Context, jobID, assignmentID, disposition string) error
}

type DistributionPolicy struct {
	ID                string
	Name              string
	OfferExpiresAfter time.Duration
	Mode              string
}

type Queue struct {
	ID                   string
	Name                 string
	DistributionPolicyID string
}

type Channel struct {
	ID                 string
	CapacityCostPerJob int
}

type Worker struct {
	ID                 string
	Capacity           int
	QueueIDs           []string
	Labels             map[string]string
	Channels           []Channel
	AvailableForOffers bool
	State              string
}

// Provisioner manages the static queue topology. Backends that support it
// implement it next to Router.
type Provisioner interface {
	UpsertDistributionPolicy(ctx context.Context, p DistributionPolicy) error
	UpsertQueue(ctx context.Context, q Queue) error
	UpsertWorker(ctx context.Context, w Worker) error
	ListWorkers(ctx context.Context) ([]Worker, error)
}
