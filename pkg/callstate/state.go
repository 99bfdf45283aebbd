// Package callstate holds the per-call conversation record and the registry
// that owns every live record.
package callstate

import (
	"time"

	"github.com/harunnryd/callcenter/pkg/identity"
	"github.com/harunnryd/callcenter/pkg/transcript"
	"github.com/harunnryd/callcenter/pkg/watcher"
)

// PendingRetire is a job that was switched away from before its assignment
// was known. It is retired once the assignment lands.
type PendingRetire struct {
	JobID        string
	AssignmentID string
	WorkerID     string
}

// Ready reports whether the assignment needed to retire the job is known.
func (p PendingRetire) Ready() bool { return p.AssignmentID != "" }

// State is the conversation record of one call.
type State struct {
	CallID         string
	ProviderCallID string
	Caller         identity.Identity
	CurrentRole    string

	JobID        string
	AssignmentID string
	WorkerID     string

	MediaReady      bool
	ToneRecognition bool
	Transferred     bool
	Phase           Phase

	PendingRetire []PendingRetire
	Watches       map[string]*watcher.Handle

	// Transcript is shared by every copy of the state; it is synchronized
	// internally and only used for observability.
	Transcript *transcript.Accumulator

	CreatedAt  time.Time
	AssignedAt time.Time
}

// Clone returns a copy whose slices and maps can be mutated independently.
func (s *State) Clone() *State {
	c := *s
	if s.PendingRetire != nil {
		c.PendingRetire = append([]PendingRetire(nil), s.PendingRetire...)
	}
	if s.Watches != nil {
		c.Watches = make(map[string]*watcher.Handle, len(s.Watches))
		for k, v := range s.Watches {
			c.Watches[k] = v
		}
	}
	return &c
}

// Assigned reports whether the current job has a worker.
func (s State) Assigned() bool { return s.WorkerID != "" && s.AssignmentID != "" }

// BridgeReady reports whether the audio bridge may start.
func (s State) BridgeReady() bool { return s.MediaReady && s.Assigned() }

// Summary is the read-only view exposed by status endpoints.
type Summary struct {
	CallID        string    `json:"call_id"`
	Phase         Phase     `json:"phase"`
	Role          string    `json:"role"`
	JobID         string    `json:"job_id,omitempty"`
	WorkerID      string    `json:"worker_id,omitempty"`
	MediaReady    bool      `json:"media_ready"`
	PendingRetire int       `json:"pending_retire"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s State) Summary() Summary {
	return Summary{
		CallID:        s.CallID,
		Phase:         s.Phase,
		Role:          s.CurrentRole,
		JobID:         s.JobID,
		WorkerID:      s.WorkerID,
		MediaReady:    s.MediaReady,
		PendingRetire: len(s.PendingRetire),
		CreatedAt:     s.CreatedAt,
	}
}
