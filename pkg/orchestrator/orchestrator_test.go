package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callcenter/pkg/callstate"
	"github.com/harunnryd/callcenter/pkg/errorsx"
	"github.com/harunnryd/callcenter/pkg/media"
	"github.com/harunnryd/callcenter/pkg/metrics"
	"github.com/harunnryd/callcenter/pkg/realtime"
	"github.com/harunnryd/callcenter/pkg/resilience"
	"github.com/harunnryd/callcenter/pkg/roles"
	"github.com/harunnryd/callcenter/pkg/transcribe"
	"github.com/harunnryd/callcenter/pkg/transports"
	"github.com/harunnryd/callcenter/pkg/transports/mock"
	"github.com/harunnryd/callcenter/pkg/watcher"
	"github.com/harunnryd/callcenter/pkg/workqueue"
	"github.com/harunnryd/callcenter/pkg/workqueue/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const operatorNumber = "+815000000000"

type fakeConn struct {
	events  chan realtime.Event
	mu      sync.Mutex
	session realtime.SessionConfig
	audio   []string
	closed  bool
	closeCh chan struct{}
	once    sync.Once
}

func (c *fakeConn) Configure(_ context.Context, s realtime.SessionConfig) error {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SendAudio(payload string) error {
	c.mu.Lock()
	c.audio = append(c.audio, payload)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Recv(ctx context.Context) (realtime.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closeCh:
		return realtime.Event{}, io.EOF
	case <-ctx.Done():
		return realtime.Event{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closeCh)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Instructions
}

func (c *fakeConn) sentAudio() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.audio...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	// failures is how many upcoming dials fail.
	failures int
	dials    int
}

func (d *fakeDialer) Dial(context.Context) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errorsx.New(errorsx.ReasonBackendConnect, "backend unreachable")
	}
	c := &fakeConn{events: make(chan realtime.Event, 16), closeCh: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	d.failures = n
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) all() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func (d *fakeDialer) open() int {
	n := 0
	for _, c := range d.all() {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	router  *memory.Router
	queue   *workqueue.Client
	dir     *roles.Directory
	tel     *mock.Transport
	dialer  *fakeDialer
	counter *metrics.CounterObserver
	orch    *Orchestrator
}

func newHarness(t *testing.T, wcfg watcher.Config) *harness {
	t.Helper()
	return newTappedHarness(t, wcfg, nil)
}

func newTappedHarness(t *testing.T, wcfg watcher.Config, opener transcribe.Opener) *harness {
	t.Helper()
	ctx := context.Background()
	dir, err := roles.NewDefault(operatorNumber)
	require.NoError(t, err)

	router := memory.New(memory.Options{Manual: true})
	for _, r := range dir.Queued() {
		require.NoError(t, router.UpsertWorker(ctx, workqueue.Worker{
			ID:                 r.WorkerID,
			Capacity:           10,
			QueueIDs:           []string{workqueue.DefaultQueueID},
			Labels:             map[string]string{roles.SelectorKey: r.Label},
			AvailableForOffers: true,
		}))
	}
	queue := workqueue.NewClient(router, workqueue.Options{
		RetirePollInterval: 2 * time.Millisecond,
		RetireTimeout:      200 * time.Millisecond,
		Retry:              resilience.NewRetryPolicy(1, time.Millisecond),
	}, nil)

	if wcfg.PollInterval == 0 {
		wcfg.PollInterval = 5 * time.Millisecond
	}
	wcfg.Workers = dir.Workers()

	h := &harness{
		t:       t,
		ctx:     ctx,
		router:  router,
		queue:   queue,
		dir:     dir,
		tel:     mock.New(),
		dialer:  &fakeDialer{},
		counter: metrics.NewCounterObserver(),
	}
	h.orch, err = New(Config{}, Deps{
		Queue:       queue,
		Watcher:     watcher.New(queue, wcfg, nil),
		Roles:       dir,
		Control:     h.tel,
		Dialer:      h.dialer,
		Observer:    h.counter,
		Transcriber: opener,
	})
	require.NoError(t, err)
	h.tel.SetIncomingHandler(h.orch.OnIncomingCall)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

func (h *harness) ring(callID, from string) {
	h.t.Helper()
	require.NoError(h.t, h.tel.Ring(h.ctx, transports.IncomingCall{
		CallID:         callID,
		ProviderCallID: "CA-" + callID,
		From:           from,
	}))
}

func (h *harness) state(callID string) callstate.State {
	h.t.Helper()
	st, err := h.orch.State(callID)
	require.NoError(h.t, err)
	return st
}

func (h *harness) gone(callID string) bool {
	_, err := h.orch.State(callID)
	return errors.Is(err, callstate.ErrNotFound)
}

func (h *harness) waitPhase(callID string, phase callstate.Phase) callstate.State {
	h.t.Helper()
	var st callstate.State
	require.Eventually(h.t, func() bool {
		s, err := h.orch.State(callID)
		if err != nil {
			return false
		}
		st = s
		return s.Phase == phase
	}, 2*time.Second, 2*time.Millisecond, "call %s never reached %s", callID, phase)
	return st
}

// offer hands jobID to the worker of role, as the router's distribution
// policy would.
func (h *harness) offer(jobID, role string) {
	h.t.Helper()
	r, ok := h.dir.Lookup(role)
	require.True(h.t, ok, role)
	require.NoError(h.t, h.router.Offer(jobID, r.WorkerID))
}

func (h *harness) selector(jobID string) string {
	h.t.Helper()
	job, err := h.router.GetJob(h.ctx, jobID)
	require.NoError(h.t, err)
	require.Len(h.t, job.Selectors, 1)
	return job.Selectors[0].Value
}

// bridged drives a fresh call to Bridging on the default role.
func (h *harness) bridged(callID string) (callstate.State, *mock.Sink) {
	h.t.Helper()
	h.ring(callID, "+815012345678")
	st := h.waitPhase(callID, callstate.PhaseAwaitingAssignment)
	sink := &mock.Sink{}
	require.NoError(h.t, h.orch.OnMediaReady(h.ctx, callID, sink))
	h.offer(st.JobID, roles.DefaultRole)
	return h.waitPhase(callID, callstate.PhaseBridging), sink
}

func TestIncomingCallSubmitsDefaultJob(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	h.ring("call-1", "+815012345678")

	st := h.waitPhase("call-1", callstate.PhaseAwaitingAssignment)
	assert.Equal(t, "", st.CurrentRole)
	assert.True(t, st.Caller.IsPhone())
	require.NotEmpty(t, st.JobID)
	assert.Equal(t, roles.DefaultRole, h.selector(st.JobID))
	assert.Contains(t, st.Watches, st.JobID)
	assert.EqualValues(t, 1, h.counter.Count(metrics.EventCallStarted))
}

func TestScenarioMenuThenEnglishAssistant(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	st, _ := h.bridged("call-1")
	oldJob := st.JobID

	conns := h.dialer.all()
	require.Len(t, conns, 1)
	assert.Equal(t, h.dir.Default().Instructions, conns[0].instructions())
	assert.NotEmpty(t, st.WorkerID)
	assert.NotEmpty(t, st.AssignmentID)

	require.NoError(t, h.orch.OnToneReceived(h.ctx, "call-1", "2"))
	st = h.waitPhase("call-1", callstate.PhaseAwaitingAssignment)
	assert.Equal(t, roles.RoleB, st.CurrentRole)
	require.NotEqual(t, oldJob, st.JobID)
	assert.Equal(t, roles.RoleB, h.selector(st.JobID))
	assert.Empty(t, st.AssignmentID)
	assert.Empty(t, st.PendingRetire)
	assert.Equal(t, 1, h.router.Count(memory.OpComplete, oldJob))
	assert.Equal(t, 1, h.router.Count(memory.OpDelete, oldJob))
	assert.True(t, conns[0].isClosed())

	h.offer(st.JobID, roles.RoleB)
	h.waitPhase("call-1", callstate.PhaseBridging)
	conns = h.dialer.all()
	require.Len(t, conns, 2)
	roleB, _ := h.dir.Lookup(roles.RoleB)
	assert.Equal(t, roleB.Instructions, conns[1].instructions())
	assert.Equal(t, 1, h.dialer.open())
	assert.Equal(t, []string{st.JobID}, h.router.OpenJobs())
}

func TestScenarioTransferToOperator(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	st, _ := h.bridged("call-1")

	require.NoError(t, h.orch.OnToneReceived(h.ctx, "call-1", "4"))
	require.Eventually(t, func() bool { return h.gone("call-1") }, 2*time.Second, 2*time.Millisecond)

	transfers := h.tel.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, operatorNumber, transfers[0].Target)
	assert.Equal(t, 1, h.router.Count(memory.OpComplete, st.JobID))
	assert.Equal(t, 1, h.router.Count(memory.OpDelete, st.JobID))
	assert.Empty(t, h.router.OpenJobs())
	assert.Empty(t, h.tel.HangUps(), "a transferred call is not hung up")

	upserts := 0
	for _, rec := range h.router.History() {
		if rec.Op == memory.OpUpsert {
			upserts++
		}
	}
	assert.Equal(t, 1, upserts, "no AI job after transfer")
	assert.Zero(t, h.dialer.open())
	assert.EqualValues(t, 1, h.counter.Count(metrics.EventCallTransfer))
}

func TestTransferFailureReplaysMenu(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	h.tel.TransferErr = errors.New("provider down")
	st, _ := h.bridged("call-1")

	require.NoError(t, h.orch.OnToneReceived(h.ctx, "call-1", "4"))
	require.Eventually(t, func() bool {
		s, err := h.orch.State("call-1")
		return err == nil && s.JobID != "" && s.JobID != st.JobID
	}, 2*time.Second, 2*time.Millisecond)

	now := h.state("call-1")
	assert.Equal(t, "", now.CurrentRole)
	assert.Equal(t, callstate.PhaseAwaitingAssignment, now.Phase)
	assert.Equal(t, roles.DefaultRole, h.selector(now.JobID))
	assert.Equal(t, 1, h.router.Count(memory.OpDelete, st.JobID))
	assert.False(t, now.Transferred)
}

func TestScenarioDisconnectWhileAwaiting(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	h.ring("call-1", "+815012345678")
	st := h.waitPhase("call-1", callstate.PhaseAwaitingAssignment)
	handle := st.Watches[st.JobID]
	require.NotNil(t, handle)

	require.NoError(t, h.orch.OnCallDisconnected(h.ctx, "call-1", "completed"))
	require.Eventually(t, func() bool { return h.gone("call-1") }, 2*time.Second, 2*time.Millisecond)

	select {
	case <-handle.Done():
	default:
		t.Fatal("watcher still running after teardown")
	}
	assert.Error(t, h.router.Offer(st.JobID, "worker-0"), "job must be gone")
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.router.Count(memory.OpAccept, st.JobID))
	assert.Equal(t, 1, h.router.Count(memory.OpCancel, st.JobID))
	assert.Equal(t, 1, h.router.Count(memory.OpDelete, st.JobID))
	assert.Empty(t, h.tel.HangUps())
	assert.ErrorIs(t, h.orch.OnToneReceived(h.ctx, "call-1", "1"), ErrUnknownCall)
}

func TestRapidDoubleSwitchLeavesOneOpenJob(t *testing.T) {
	for _, order := range []string{"stale-first", "current-first"} {
		t.Run(order, func(t *testing.T) {
			h := newHarness(t, watcher.Config{})
			st, _ := h.bridged("call-1")
			first := st.JobID

			require.NoError(t, h.orch.OnToneReceived(h.ctx, "call-1", "1"))
			require.NoError(t, h.orch.OnToneReceived(h.ctx, "call-1", "2"))
			require.Eventually(t, func() bool {
				s, err := h.orch.State("call-1")
				return err == nil && s.CurrentRole == roles.RoleB
			}, 2*time.Second, 2*time.Millisecond)

			st = h.state("call-1")
			require.Len(t, st.PendingRetire, 1)
			second := st.PendingRetire[0].JobID
			third := st.JobID
			assert.Equal(t, roles.RoleA, h.selector(second))
			assert.Equal(t, 1, h.router.Count(memory.OpDelete, first))
			assert.ElementsMatch(t, []string{second, third}, h.router.OpenJobs())

			if order == "stale-first" {
				h.offer(second, roles.RoleA)
				require.Eventually(t, func() bool {
					s, err := h.orch.State("call-1")
					return err == nil && len(s.PendingRetire) == 1 && s.PendingRetire[0].Ready()
				}, 2*time.Second, 2*time.Millisecond)
				assert.Zero(t, h.router.Count(memory.OpComplete, second), "retired before the current assignment")
				h.offer(third, roles.RoleB)
			} else {
				h.offer(third, roles.RoleB)
				h.waitPhase("call-1", callstate.PhaseBridging)
				h.offer(second, roles.RoleA)
			}

			require.Eventually(t, func() bool {
				return h.router.Count(memory.OpDelete, second) == 1
			}, 2*time.Second, 2*time.Millisecond)
			h.waitPhase("call-1", callstate.PhaseBridging)
			assert.Equal(t, []string{third}, h.router.OpenJobs())
			assert.Empty(t, h.state("call-1").PendingRetire)

			require.NoError(t, h.orch.OnCallDisconnected(h.ctx, "call-1", "completed"))
			require.Eventually(t, func() bool { return h.gone("call-1") }, 2*time.Second, 2*time.Millisecond)
			assert.Equal(t, 1, h.router.Count(memory.OpComplete, second), "deferred job completed exactly once")
			assert.Empty(t, h.router.OpenJobs())
		})
	}
}

func TestTeardownFromAnyPhase(t *testing.T) {
	cases := map[string]func(h *harness){
		"awaiting": func(h *harness) {
			h.ring("call-1", "+815012345678")
			h.waitPhase("call-1", callstate.PhaseAwaitingAssignment)
		},
		"assigned without media": func(h *harness) {
			h.ring("call-1", "+815012345678")
			st := h.waitPhase("call-1", callstate.PhaseAwaitingAssignment)
			h.offer(st.JobID, roles.DefaultRole)
			require.Eventually(h.t, func() bool { return h.state("call-1").Assigned() }, 2*time.Second, 2*time.Millisecond)
		},
		"bridging": func(h *harness) {
			h.bridged("call-1")
		},
		"switch pending": func(h *harness) {
			h.ring("call-1", "+815012345678")
			h.waitPhase("call-1", callstate.PhaseAwaitingAssignment)
			require.NoError(h.t, h.orch.OnToneReceived(h.ctx, "call-1", "3"))
			require.Eventually(h.t, func() bool { return h.state("call-1").CurrentRole == roles.RoleC }, 2*time.Second, 2*time.Millisecond)
		},
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, watcher.Config{})
			setup(h)

			var wg sync.WaitGroup
			for i := 0; i < 3; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = h.orch.OnCallDisconnected(h.ctx, "call-1", "failed")
				}()
			}
			wg.Wait()
			require.Eventually(t, func() bool { return h.gone("call-1") }, 2*time.Second, 2*time.Millisecond)

			assert.Empty(t, h.router.OpenJobs())
			assert.Zero(t, h.dialer.open())
			assert.EqualValues(t, 1, h.counter.Count(metrics.EventCallEnded))
			assert.Equal(t, []string{"call-1"}, h.tel.HangUps())
			assert.Zero(t, h.orch.ActiveCalls())
		})
	}
}

func TestAudioRoundTrip(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	_, sink := h.bridged("call-1")
	conn := h.dialer.all()[0]

	raw := []byte{0xff, 0x7f, 0x00, 0x80, 0x01, 0xfe}
	payload := base64.StdEncoding.EncodeToString(raw)
	require.NoError(t, h.orch.OnAudio("call-1", media.Metadata(media.AudioMetadata{Encoding: media.EncodingMulaw})))
	require.NoError(t, h.orch.OnAudio("call-1", media.AudioData(payload, 20*time.Millisecond)))
	require.Eventually(t, func() bool { return len(conn.sentAudio()) == 1 }, time.Second, 2*time.Millisecond)
	got, err := base64.StdEncoding.DecodeString(conn.sentAudio()[0])
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	conn.events <- realtime.Event{Kind: realtime.EventAudioDelta, Delta: "b3V0"}
	require.Eventually(t, func() bool { return len(sink.Audio()) == 1 }, time.Second, 2*time.Millisecond)

	require.NoError(t, h.orch.OnCallDisconnected(h.ctx, "call-1", "completed"))
	require.Eventually(t, func() bool { return h.gone("call-1") }, 2*time.Second, 2*time.Millisecond)
	assert.ErrorIs(t, h.orch.OnAudio("call-1", media.AudioData(payload, 0)), ErrUnknownCall)
	select {
	case conn.events <- realtime.Event{Kind: realtime.EventAudioDelta, Delta: "bGF0ZQ=="}:
	default:
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"b3V0"}, sink.Audio(), "nothing delivered after teardown")
}

func TestToneRecognitionStartsOnce(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	h.ring("call-1", "+815012345678")
	h.waitPhase("call-1", callstate.PhaseAwaitingAssignment)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.orch.OnCallConnected(h.ctx, "call-1"))
	}
	require.Eventually(t, func() bool { return h.state("call-1").ToneRecognition }, time.Second, 2*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, h.tel.ToneStarts("call-1"))
}

func TestToneRecognitionRefusesUnknownCaller(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	h.ring("call-1", "anonymous")
	h.waitPhase("call-1", callstate.PhaseAwaitingAssignment)

	require.NoError(t, h.orch.OnCallConnected(h.ctx, "call-1"))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.tel.ToneStarts("call-1"))
	assert.False(t, h.state("call-1").ToneRecognition)
}

func TestUnknownToneIsIgnored(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	st, _ := h.bridged("call-1")

	require.NoError(t, h.orch.OnToneReceived(h.ctx, "call-1", "9"))
	require.NoError(t, h.orch.OnToneReceived(h.ctx, "call-1", "#"))
	time.Sleep(20 * time.Millisecond)
	now := h.state("call-1")
	assert.Equal(t, st.JobID, now.JobID)
	assert.Equal(t, callstate.PhaseBridging, now.Phase)
	assert.Equal(t, 1, h.dialer.open())
}

func TestMediaBeforeAssignmentWaits(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	h.ring("call-1", "+815012345678")
	st := h.waitPhase("call-1", callstate.PhaseAwaitingAssignment)

	require.NoError(t, h.orch.OnMediaReady(h.ctx, "call-1", &mock.Sink{}))
	require.Eventually(t, func() bool { return h.state("call-1").MediaReady }, time.Second, 2*time.Millisecond)
	assert.Empty(t, h.dialer.all())

	h.offer(st.JobID, roles.DefaultRole)
	h.waitPhase("call-1", callstate.PhaseBridging)
	assert.Len(t, h.dialer.all(), 1)
}

func TestOfferTimeoutReplaysMenu(t *testing.T) {
	h := newHarness(t, watcher.Config{OfferTimeout: 30 * time.Millisecond})
	h.ring("call-1", "+815012345678")
	first := h.waitPhase("call-1", callstate.PhaseAwaitingAssignment).JobID

	require.Eventually(t, func() bool {
		s, err := h.orch.State("call-1")
		return err == nil && s.JobID != first
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, h.router.Count(memory.OpCancel, first))
	assert.Equal(t, 1, h.router.Count(memory.OpDelete, first))
}

type failingQueue struct {
	Queue
	err error
}

func (q failingQueue) Submit(context.Context, string) (string, error) { return "", q.err }

func TestIncomingCallRejectedWhenSubmitFails(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	orch, err := New(Config{}, Deps{
		Queue:   failingQueue{Queue: h.queue, err: errors.New("queue down")},
		Watcher: watcher.New(h.queue, watcher.Config{}, nil),
		Roles:   h.dir,
		Control: h.tel,
		Dialer:  h.dialer,
	})
	require.NoError(t, err)

	err = orch.OnIncomingCall(h.ctx, transports.IncomingCall{CallID: "call-1", From: "+815012345678"})
	require.Error(t, err)
	_, err = orch.State("call-1")
	assert.ErrorIs(t, err, callstate.ErrNotFound)
	assert.Zero(t, orch.ActiveCalls())
}

func TestShutdownTearsDownEveryCall(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	h.bridged("call-1")
	h.ring("call-2", "+815012345679")
	h.waitPhase("call-2", callstate.PhaseAwaitingAssignment)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	assert.Zero(t, h.orch.ActiveCalls())
	assert.Empty(t, h.router.OpenJobs())
	assert.ElementsMatch(t, []string{"call-1", "call-2"}, h.tel.HangUps())
	assert.ErrorIs(t, h.orch.OnIncomingCall(h.ctx, transports.IncomingCall{CallID: "call-3"}), ErrDraining)
}

func TestDispatchRoutesTransportEvents(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	h.ring("call-1", "+815012345678")
	st := h.waitPhase("call-1", callstate.PhaseAwaitingAssignment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.orch.Run(ctx, h.tel.Recv())

	sink := &mock.Sink{}
	h.tel.Push(transports.Event{Kind: transports.EventCallConnected, CallID: "call-1"})
	h.tel.Push(transports.Event{Kind: transports.EventMediaStarted, CallID: "call-1", Sink: sink})
	h.offer(st.JobID, roles.DefaultRole)
	h.waitPhase("call-1", callstate.PhaseBridging)
	assert.Equal(t, 1, h.tel.ToneStarts("call-1"))

	h.tel.Push(transports.Event{Kind: transports.EventTone, CallID: "call-1", Tone: "5"})
	require.Eventually(t, func() bool { return h.state("call-1").CurrentRole == roles.RoleE }, 2*time.Second, 2*time.Millisecond)

	h.tel.Push(transports.Event{Kind: transports.EventCallDisconnected, CallID: "call-1", Reason: "completed"})
	require.Eventually(t, func() bool { return h.gone("call-1") }, 2*time.Second, 2*time.Millisecond)
	assert.Empty(t, h.router.OpenJobs())
}

type fakeTap struct {
	mu     sync.Mutex
	frames []media.Frame
	closed bool
}

func (f *fakeTap) SendAudio(fr media.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeTap) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTap) state() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames), f.closed
}

type fakeOpener struct {
	mu      sync.Mutex
	streams map[string]*fakeTap
}

func (o *fakeOpener) Open(_ context.Context, callID string, _ func(transcribe.Result)) (transcribe.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := &fakeTap{}
	o.streams[callID] = t
	return t, nil
}

func (o *fakeOpener) get(callID string) *fakeTap {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streams[callID]
}

func TestCallerAudioIsTapped(t *testing.T) {
	opener := &fakeOpener{streams: make(map[string]*fakeTap)}
	h := newTappedHarness(t, watcher.Config{}, opener)
	orch := h.orch

	h.ring("call-1", "+815012345678")
	h.waitPhase("call-1", callstate.PhaseAwaitingAssignment)
	require.NoError(t, orch.OnMediaReady(h.ctx, "call-1", &mock.Sink{}))
	require.Eventually(t, func() bool { return opener.get("call-1") != nil }, time.Second, 2*time.Millisecond)

	require.NoError(t, orch.OnAudio("call-1", media.AudioData("AAEC", 0)))
	n, _ := opener.get("call-1").state()
	assert.Equal(t, 1, n)

	require.NoError(t, orch.OnCallDisconnected(h.ctx, "call-1", "completed"))
	require.Eventually(t, func() bool {
		_, closed := opener.get("call-1").state()
		return closed
	}, 2*time.Second, 2*time.Millisecond)
}

func TestBridgeStartIsRetriedAfterDialFailure(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	h.dialer.failNext(1)

	h.ring("call-1", "+815012345678")
	st := h.waitPhase("call-1", callstate.PhaseAwaitingAssignment)
	require.NoError(t, h.orch.OnMediaReady(h.ctx, "call-1", &mock.Sink{}))
	h.offer(st.JobID, roles.DefaultRole)

	h.waitPhase("call-1", callstate.PhaseBridging)
	assert.Equal(t, 2, h.dialer.dialCount())
	assert.Equal(t, 1, h.dialer.open())
	assert.Empty(t, h.tel.HangUps())
}

func TestUnreachableBackendHangsUp(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	h.dialer.failNext(100)

	h.ring("call-1", "+815012345678")
	st := h.waitPhase("call-1", callstate.PhaseAwaitingAssignment)
	require.NoError(t, h.orch.OnMediaReady(h.ctx, "call-1", &mock.Sink{}))
	h.offer(st.JobID, roles.DefaultRole)

	require.Eventually(t, func() bool { return h.gone("call-1") }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"call-1"}, h.tel.HangUps())
	// One first attempt plus the default two retries.
	assert.Equal(t, 3, h.dialer.dialCount())
	assert.Eventually(t, func() bool {
		_, err := h.router.GetJob(h.ctx, st.JobID)
		return errors.Is(err, workqueue.ErrNotFound)
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectedMediaMovesBridgeToNewSink(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	_, first := h.bridged("call-1")
	second := &mock.Sink{}
	require.NoError(t, h.orch.OnMediaReady(h.ctx, "call-1", second))

	require.Eventually(t, func() bool { return len(h.dialer.all()) == 2 }, 2*time.Second, 2*time.Millisecond)
	conns := h.dialer.all()
	assert.Eventually(t, conns[0].isClosed, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, h.dialer.open())

	conns[1].events <- realtime.Event{Kind: realtime.EventAudioDelta, Delta: "bmV3"}
	assert.Eventually(t, func() bool { return len(second.Audio()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Empty(t, first.Audio())
	assert.Equal(t, callstate.PhaseBridging, h.state("call-1").Phase)

	// The same sink announced again keeps the running relay.
	require.NoError(t, h.orch.OnMediaReady(h.ctx, "call-1", second))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.dialer.all(), 2)
}
