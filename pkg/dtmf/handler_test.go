package dtmf

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/callcenter/pkg/callstate"
	"github.com/harunnryd/callcenter/pkg/roles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	submitted []string
	retired   []string
	submitErr error
	retireErr error
}

func (q *fakeQueue) Submit(_ context.Context, label string) (string, error) {
	if q.submitErr != nil {
		return "", q.submitErr
	}
	q.submitted = append(q.submitted, label)
	return "job-" + label, nil
}

func (q *fakeQueue) Retire(_ context.Context, jobID, _ string) error {
	if q.retireErr != nil {
		return q.retireErr
	}
	q.retired = append(q.retired, jobID)
	return nil
}

func newHandler(t *testing.T, q *fakeQueue) *Handler {
	t.Helper()
	dir, err := roles.NewDefault("+15550100")
	require.NoError(t, err)
	return NewHandler(dir, q, nil)
}

func TestToneWithAssignmentRetiresSynchronously(t *testing.T) {
	q := &fakeQueue{}
	h := newHandler(t, q)
	s := callstate.State{CallID: "c1", JobID: "job-old", AssignmentID: "a-1", WorkerID: "worker-0"}

	out, err := h.HandleTone(context.Background(), s, "2")
	require.NoError(t, err)
	assert.True(t, out.Retired)
	assert.Nil(t, out.Deferred)
	assert.Equal(t, []string{"job-old"}, q.retired)
	assert.Equal(t, []string{"RoleB"}, q.submitted)

	require.NoError(t, out.Apply(&s))
	assert.Equal(t, roles.RoleB, s.CurrentRole)
	assert.Equal(t, "job-RoleB", s.JobID)
	assert.Empty(t, s.AssignmentID)
	assert.Empty(t, s.WorkerID)
	assert.Empty(t, s.PendingRetire)
}

func TestToneWithoutAssignmentDefersRetirement(t *testing.T) {
	q := &fakeQueue{}
	h := newHandler(t, q)
	s := callstate.State{CallID: "c1", JobID: "job-old"}

	out, err := h.HandleTone(context.Background(), s, "1")
	require.NoError(t, err)
	require.NotNil(t, out.Deferred)
	assert.Empty(t, q.retired)

	require.NoError(t, out.Apply(&s))
	require.Len(t, s.PendingRetire, 1)
	assert.Equal(t, "job-old", s.PendingRetire[0].JobID)
	assert.False(t, s.PendingRetire[0].Ready())

	// A second switch before either assignment queues both jobs.
	out, err = h.HandleTone(context.Background(), s, "3")
	require.NoError(t, err)
	require.NoError(t, out.Apply(&s))
	assert.Len(t, s.PendingRetire, 2)
	assert.Equal(t, "job-RoleC", s.JobID)
}

func TestUnknownToneIsIgnored(t *testing.T) {
	q := &fakeQueue{}
	h := newHandler(t, q)
	s := callstate.State{CallID: "c1", JobID: "job-old", CurrentRole: roles.DefaultRole}

	out, err := h.HandleTone(context.Background(), s, "9")
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	require.NoError(t, out.Apply(&s))
	assert.Equal(t, "job-old", s.JobID)
	assert.Equal(t, roles.DefaultRole, s.CurrentRole)
	assert.Empty(t, q.submitted)
}

func TestHumanToneTransfersWithoutNewJob(t *testing.T) {
	q := &fakeQueue{}
	h := newHandler(t, q)
	s := callstate.State{CallID: "c1", JobID: "job-old", AssignmentID: "a-1", WorkerID: "worker-1"}

	out, err := h.HandleTone(context.Background(), s, "4")
	require.NoError(t, err)
	assert.True(t, out.Transfer)
	assert.Equal(t, "+15550100", out.Role.TransferTo)
	assert.Empty(t, out.NewJobID)
	assert.Empty(t, q.submitted)
	assert.Equal(t, []string{"job-old"}, q.retired)
}

func TestFailuresStageNothing(t *testing.T) {
	q := &fakeQueue{retireErr: errors.New("503")}
	h := newHandler(t, q)
	s := callstate.State{CallID: "c1", JobID: "job-old", AssignmentID: "a-1"}
	_, err := h.HandleTone(context.Background(), s, "2")
	assert.Error(t, err)
	assert.Empty(t, q.submitted)

	q = &fakeQueue{submitErr: errors.New("503")}
	h = newHandler(t, q)
	out, err := h.HandleTone(context.Background(), callstate.State{CallID: "c1", JobID: "job-old"}, "2")
	assert.Error(t, err)
	assert.Equal(t, Outcome{}, out)
}

func TestApplyRejectsStaleOutcome(t *testing.T) {
	out := Outcome{PreviousJobID: "job-1", NewJobID: "job-2"}
	s := callstate.State{CallID: "c1", JobID: "job-other"}
	assert.Error(t, out.Apply(&s))
	assert.Equal(t, "job-other", s.JobID)
}
