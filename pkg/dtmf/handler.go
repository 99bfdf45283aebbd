// Package dtmf turns caller key presses into role switches.
package dtmf

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/callcenter/pkg/callstate"
	"github.com/harunnryd/callcenter/pkg/errorsx"
	"github.com/harunnryd/callcenter/pkg/logging"
	"github.com/harunnryd/callcenter/pkg/roles"
)

// Queue is the part of the work queue client a role switch needs.
type Queue interface {
	Submit(ctx context.Context, label string) (string, error)
	Retire(ctx context.Context, jobID, assignmentID string) error
}

// Outcome is a staged role switch. Nothing in it has been applied to the
// call state yet.
type Outcome struct {
	Tone    string
	Ignored bool
	Role    roles.Role

	PreviousJobID string
	// Retired is set when the previous job was retired synchronously.
	Retired bool
	// Deferred is set when the previous job has no assignment yet.
	Deferred *callstate.PendingRetire

	NewJobID string
	Transfer bool
}

type Handler struct {
	dir    *roles.Directory
	queue  Queue
	logger *slog.Logger
}

func NewHandler(dir *roles.Directory, queue Queue, logger *slog.Logger) *Handler {
	return &Handler{dir: dir, queue: queue, logger: logging.NewComponentLogger(logger, "dtmf")}
}

// HandleTone retires the call's current job and submits one for the role
// mapped to tone. s is a snapshot; the caller commits the outcome with Apply.
// On error nothing needs to be committed.
func (h *Handler) HandleTone(ctx context.Context, s callstate.State, tone string) (Outcome, error) {
	log := logging.ForCall(h.logger, s.CallID).With("tone", tone)
	out := Outcome{Tone: tone, PreviousJobID: s.JobID}

	role, ok := h.dir.ForTone(tone)
	if !ok {
		log.Info("tone_ignored", "reason_code", errorsx.ReasonProtocolUnexpected)
		out.Ignored = true
		return out, nil
	}
	out.Role = role

	if s.JobID != "" {
		if s.AssignmentID != "" {
			if err := h.queue.Retire(ctx, s.JobID, s.AssignmentID); err != nil {
				return Outcome{}, fmt.Errorf("retire job %s: %w", s.JobID, err)
			}
			out.Retired = true
			log.Info("job_retired", "job_id", s.JobID)
		} else {
			out.Deferred = &callstate.PendingRetire{JobID: s.JobID}
			log.Info("job_retire_deferred", "job_id", s.JobID)
		}
	}

	if role.Human() {
		out.Transfer = true
		return out, nil
	}

	jobID, err := h.queue.Submit(ctx, role.Label)
	if err != nil {
		// A synchronously retired job stays referenced; retiring it again at
		// teardown finds nothing and is a no-op.
		return Outcome{}, err
	}
	out.NewJobID = jobID
	log.Info("role_switch_submitted", "role", role.ID, "job_id", jobID)
	return out, nil
}

// Apply commits a staged outcome to s.
func (o Outcome) Apply(s *callstate.State) error {
	if o.Ignored {
		return nil
	}
	if s.JobID != o.PreviousJobID {
		return fmt.Errorf("call %s moved to job %s while switching from %s", s.CallID, s.JobID, o.PreviousJobID)
	}
	if o.Deferred != nil {
		s.PendingRetire = append(s.PendingRetire, *o.Deferred)
	}
	s.CurrentRole = o.Role.ID
	s.JobID = o.NewJobID
	s.AssignmentID = ""
	s.WorkerID = ""
	s.AssignedAt = time.Time{}
	return nil
}
