package acs

import (
	"encoding/json"
	"strings"

	"github.com/harunnryd/callcenter/pkg/workqueue"
)

type policyMode struct {
	Kind                string `json:"kind"`
	MinConcurrentOffers int    `json:"minConcurrentOffers,omitempty"`
	MaxConcurrentOffers int    `json:"maxConcurrentOffers,omitempty"`
}

type distributionPolicyBody struct {
	Name                     string     `json:"name,omitempty"`
	OfferExpiresAfterSeconds int        `json:"offerExpiresAfterSeconds"`
	Mode                     policyMode `json:"mode"`
}

type queueBody struct {
	Name                 string `json:"name,omitempty"`
	DistributionPolicyID string `json:"distributionPolicyId"`
}

type channelBody struct {
	ChannelID          string `json:"channelId"`
	CapacityCostPerJob int    `json:"capacityCostPerJob"`
}

type offerBody struct {
	OfferID string `json:"offerId"`
	JobID   string `json:"jobId"`
}

type workerBody struct {
	ID                 string            `json:"id,omitempty"`
	State              string            `json:"state,omitempty"`
	Capacity           int               `json:"capacity"`
	Queues             []string          `json:"queues"`
	Labels             map[string]string `json:"labels,omitempty"`
	Channels           []channelBody     `json:"channels,omitempty"`
	AvailableForOffers bool              `json:"availableForOffers"`
	Offers             []offerBody       `json:"offers,omitempty"`
}

func (w workerBody) toWorker() workqueue.Worker {
	out := workqueue.Worker{
		ID:                 w.ID,
		Capacity:           w.Capacity,
		QueueIDs:           w.Queues,
		Labels:             w.Labels,
		AvailableForOffers: w.AvailableForOffers,
		State:              w.State,
	}
	for _, ch := range w.Channels {
		out.Channels = append(out.Channels, workqueue.Channel{ID: ch.ChannelID, CapacityCostPerJob: ch.CapacityCostPerJob})
	}
	return out
}

type assignmentBody struct {
	AssignmentID string `json:"assignmentId"`
	WorkerID     string `json:"workerId"`
}

type jobBody struct {
	ID                       string                    `json:"id,omitempty"`
	ChannelID                string                    `json:"channelId,omitempty"`
	QueueID                  string                    `json:"queueId,omitempty"`
	Priority                 int                       `json:"priority,omitempty"`
	Status                   string                    `json:"status,omitempty"`
	RequestedWorkerSelectors []workqueue.Selector      `json:"requestedWorkerSelectors,omitempty"`
	Assignments              map[string]assignmentBody `json:"assignments,omitempty"`
}

func (j jobBody) toJob() workqueue.Job {
	out := workqueue.Job{
		ID:          j.ID,
		ChannelID:   j.ChannelID,
		QueueID:     j.QueueID,
		Priority:    j.Priority,
		Selectors:   j.RequestedWorkerSelectors,
		Status:      mapStatus(j.Status),
		Assignments: make(map[string]string, len(j.Assignments)),
	}
	for id, a := range j.Assignments {
		if a.AssignmentID != "" {
			id = a.AssignmentID
		}
		out.Assignments[id] = a.WorkerID
	}
	return out
}

// mapStatus folds the router's job states into the forward-only lifecycle.
func mapStatus(s string) workqueue.Status {
	switch strings.ToLower(s) {
	case "assigned":
		return workqueue.StatusAssigned
	case "completed":
		return workqueue.StatusCompleted
	case "closed":
		return workqueue.StatusClosed
	case "cancelled", "classificationfailed", "schedulefailed":
		return workqueue.StatusCancelled
	default:
		return workqueue.StatusQueued
	}
}

type dispositionBody struct {
	DispositionCode string `json:"dispositionCode,omitempty"`
}

type acceptResult struct {
	AssignmentID string `json:"assignmentId"`
	JobID        string `json:"jobId"`
	WorkerID     string `json:"workerId"`
}

type pageBody struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"nextLink"`
}
