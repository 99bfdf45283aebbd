// Package orchestrator drives each call from the incoming webhook to
// teardown: it submits jobs, waits for worker assignments, switches roles on
// key presses and runs the audio bridge for the assigned role.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callcenter/pkg/bridge"
	"github.com/harunnryd/callcenter/pkg/callstate"
	"github.com/harunnryd/callcenter/pkg/dtmf"
	"github.com/harunnryd/callcenter/pkg/errorsx"
	"github.com/harunnryd/callcenter/pkg/identity"
	"github.com/harunnryd/callcenter/pkg/logging"
	"github.com/harunnryd/callcenter/pkg/media"
	"github.com/harunnryd/callcenter/pkg/metrics"
	"github.com/harunnryd/callcenter/pkg/realtime"
	"github.com/harunnryd/callcenter/pkg/redact"
	"github.com/harunnryd/callcenter/pkg/resilience"
	"github.com/harunnryd/callcenter/pkg/roles"
	"github.com/harunnryd/callcenter/pkg/transcribe"
	"github.com/harunnryd/callcenter/pkg/transcript"
	"github.com/harunnryd/callcenter/pkg/transports"
	"github.com/harunnryd/callcenter/pkg/watcher"
	"github.com/harunnryd/callcenter/pkg/workqueue"
)

var (
	ErrDraining    = errors.New("orchestrator is draining")
	ErrUnknownCall = errorsx.New(errorsx.ReasonCallStateMissing, "unknown call")

	errStale        = errors.New("call state moved on")
	errAlreadyTones = errors.New("tone recognition already started")
)

// Queue is the work queue surface the orchestrator drives.
type Queue interface {
	Submit(ctx context.Context, label string) (string, error)
	Retire(ctx context.Context, jobID, assignmentID string) error
	Abandon(ctx context.Context, jobID string) error
}

type Config struct {
	MailboxSize     int
	TeardownTimeout time.Duration
	AudioBuffer     int
	// Session carries the backend settings shared by every role; the role
	// supplies instructions and voice.
	Session    realtime.SessionConfig
	Transcript transcript.Config
	// BridgeRetry paces restarts of a bridge whose backend could not be
	// reached. The call is hung up once it is exhausted.
	BridgeRetry resilience.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.BridgeRetry.MaxRetries <= 0 && c.BridgeRetry.Backoff <= 0 {
		c.BridgeRetry = resilience.NewRetryPolicy(0, 0)
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 15 * time.Second
	}
	return c
}

type Deps struct {
	Queue    Queue
	Watcher  *watcher.Watcher
	Roles    *roles.Directory
	Control  transports.CallController
	Dialer   realtime.Dialer
	Observer metrics.Observer
	Logger   *slog.Logger
	// Transcriber, if set, receives a copy of the caller's audio.
	Transcriber transcribe.Opener
}

type Orchestrator struct {
	cfg      Config
	queue    Queue
	watcher  *watcher.Watcher
	roles    *roles.Directory
	tones    *dtmf.Handler
	control  transports.CallController
	dialer   realtime.Dialer
	tapper   transcribe.Opener
	obs      metrics.Observer
	logger   *slog.Logger
	registry *callstate.Registry

	sessions sync.Map
	draining atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("orchestrator: queue is required")
	case deps.Watcher == nil:
		return nil, errors.New("orchestrator: watcher is required")
	case deps.Roles == nil:
		return nil, errors.New("orchestrator: role directory is required")
	case deps.Control == nil:
		return nil, errors.New("orchestrator: call controller is required")
	case deps.Dialer == nil:
		return nil, errors.New("orchestrator: realtime dialer is required")
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	logger := logging.NewComponentLogger(deps.Logger, "orchestrator")
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		queue:    deps.Queue,
		watcher:  deps.Watcher,
		roles:    deps.Roles,
		tones:    dtmf.NewHandler(deps.Roles, deps.Queue, deps.Logger),
		control:  deps.Control,
		dialer:   deps.Dialer,
		tapper:   deps.Transcriber,
		obs:      deps.Observer,
		logger:   logger,
		registry: callstate.NewRegistry(),
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// OnIncomingCall registers the call and queues a job for the default role.
// An error means the call was not accepted and nothing about it is kept.
func (o *Orchestrator) OnIncomingCall(ctx context.Context, in transports.IncomingCall) error {
	if o.draining.Load() {
		return ErrDraining
	}
	if in.CallID == "" {
		return errors.New("incoming call without call id")
	}
	callID := in.CallID
	log := logging.ForCall(o.logger, callID)
	caller := in.Caller
	if caller.Kind == "" {
		caller = identity.Parse(in.From)
	}
	acc := transcript.NewAccumulator(o.cfg.Transcript)
	st := callstate.State{
		CallID:         callID,
		ProviderCallID: in.ProviderCallID,
		Caller:         caller,
		Phase:          callstate.PhaseCreated,
		Watches:        make(map[string]*watcher.Handle),
		Transcript:     acc,
		CreatedAt:      time.Now(),
	}
	if err := o.registry.Create(st); err != nil {
		return err
	}

	jobID, err := o.queue.Submit(ctx, o.roles.Default().Label)
	if err != nil {
		o.registry.Delete(callID)
		log.Error("call_rejected", "error", err, "reason_code", string(errorsx.Reason(err)))
		return fmt.Errorf("submit default job: %w", err)
	}

	b := bridge.New(callID, o.dialer, bridge.Options{AudioBuffer: o.cfg.AudioBuffer, Transcript: acc}, o.logger)
	sess := newSession(callID, b, o.cfg.MailboxSize)
	sess.submitted[jobID] = time.Now()
	h := o.watcher.Go(o.ctx, jobID, o.landing(sess))

	// The mailbox starts only after the job is recorded, so an early
	// assignment is matched against it.
	if _, err := o.registry.Update(callID, func(s *callstate.State) error {
		if err := s.Transition(callstate.PhaseAwaitingAssignment); err != nil {
			return err
		}
		s.JobID = jobID
		s.Watches[jobID] = h
		return nil
	}); err != nil {
		h.Cancel()
		o.abandon(ctx, log, jobID)
		o.registry.Delete(callID)
		return err
	}
	o.sessions.Store(callID, sess)
	go sess.run(o.ctx)

	metrics.Record(o.obs, metrics.EventCallStarted, callID, 1, map[string]string{"caller_kind": string(caller.Kind)})
	metrics.Record(o.obs, metrics.EventJobSubmitted, callID, 1, map[string]string{"role": o.roles.Default().ID})
	log.Info("call_accepted",
		"provider_call_id", in.ProviderCallID,
		"caller", redact.Identifier(caller.Value),
		"job_id", jobID,
	)
	return nil
}

// OnCallConnected starts tone recognition for the caller once.
func (o *Orchestrator) OnCallConnected(ctx context.Context, callID string) error {
	return o.post(ctx, callID, func(ctx context.Context, sess *session) {
		o.startTones(ctx, sess)
	})
}

// OnToneReceived switches the call to the role mapped to tone.
func (o *Orchestrator) OnToneReceived(ctx context.Context, callID, tone string) error {
	return o.post(ctx, callID, func(ctx context.Context, sess *session) {
		o.switchRole(ctx, sess, tone)
	})
}

// OnMediaReady attaches the caller's media channel and starts the bridge if
// a worker is already assigned.
func (o *Orchestrator) OnMediaReady(ctx context.Context, callID string, sink media.Sink) error {
	return o.post(ctx, callID, func(ctx context.Context, sess *session) {
		o.attachMedia(ctx, sess, sink)
	})
}

// OnAudio forwards a caller frame to the bridge. It never blocks.
func (o *Orchestrator) OnAudio(callID string, f media.Frame) error {
	sess, ok := o.session(callID)
	if !ok {
		return ErrUnknownCall
	}
	if t := sess.tap.Load(); t != nil {
		_ = t.stream.SendAudio(f)
	}
	return sess.bridge.SendAudio(f)
}

// OnCallDisconnected tears the call down. A call the provider reports as
// completed is not hung up again.
func (o *Orchestrator) OnCallDisconnected(ctx context.Context, callID, reason string) error {
	return o.post(ctx, callID, func(ctx context.Context, sess *session) {
		o.teardown(ctx, sess, reason, reason != "completed")
	})
}

// Shutdown stops accepting calls and tears down every active call, waiting
// until each is gone or ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.draining.Store(true)
	defer o.cancel()

	var pending []*session
	o.sessions.Range(func(_, v any) bool {
		sess := v.(*session)
		if sess.post(ctx, func(c context.Context) { o.teardown(c, sess, "shutdown", true) }) {
			pending = append(pending, sess)
		}
		return true
	})
	for _, sess := range pending {
		select {
		case <-sess.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.logger.Info("orchestrator_drained", "calls", len(pending))
	return nil
}

// Snapshot lists the active calls.
func (o *Orchestrator) Snapshot() []callstate.Summary {
	return o.registry.Snapshot()
}

// ActiveCalls counts calls whose state has not been removed yet.
func (o *Orchestrator) ActiveCalls() int64 {
	return o.registry.Count()
}

// WaitForEmpty blocks until every call is gone or ctx ends.
func (o *Orchestrator) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	return o.registry.WaitForEmpty(ctx, interval)
}

// State returns a snapshot of one call.
func (o *Orchestrator) State(callID string) (callstate.State, error) {
	return o.registry.Get(callID)
}

func (o *Orchestrator) session(callID string) (*session, bool) {
	v, ok := o.sessions.Load(callID)
	if !ok {
		return nil, false
	}
	return v.(*session), true
}

func (o *Orchestrator) post(ctx context.Context, callID string, fn func(context.Context, *session)) error {
	sess, ok := o.session(callID)
	if !ok {
		o.logger.Debug("event_for_unknown_call", "call_id", callID, "reason_code", string(errorsx.ReasonCallStateMissing))
		return ErrUnknownCall
	}
	if !sess.post(ctx, func(c context.Context) { fn(c, sess) }) {
		return ErrUnknownCall
	}
	return nil
}

// landing returns the watcher callback that hands a finished watch to the
// call's mailbox.
func (o *Orchestrator) landing(sess *session) func(*watcher.Handle) {
	return func(h *watcher.Handle) {
		sess.post(o.ctx, func(ctx context.Context) { o.jobDone(ctx, sess, h) })
	}
}

func (o *Orchestrator) startTones(ctx context.Context, sess *session) {
	log := logging.ForCall(o.logger, sess.callID)
	st, err := o.registry.Update(sess.callID, func(s *callstate.State) error {
		if s.ToneRecognition {
			return errAlreadyTones
		}
		if s.Phase.Terminal() {
			return errStale
		}
		s.ToneRecognition = true
		return nil
	})
	if err != nil {
		if !errors.Is(err, errAlreadyTones) {
			log.Debug("tone_recognition_skipped", "error", err)
		}
		return
	}
	reset := func() {
		_, _ = o.registry.Update(sess.callID, func(s *callstate.State) error {
			s.ToneRecognition = false
			return nil
		})
	}
	if st.Caller.IsUnknown() {
		log.Warn("tone_recognition_unknown_caller", "caller", redact.Identifier(st.Caller.Raw), "reason_code", string(errorsx.ReasonProtocolUnexpected))
		reset()
		return
	}
	if err := o.control.StartToneRecognition(ctx, sess.callID, st.Caller); err != nil {
		log.Error("tone_recognition_failed", "error", err, "reason_code", string(errorsx.Reason(err)))
		reset()
		return
	}
	log.Info("tone_recognition_started", "caller_kind", string(st.Caller.Kind))
}

func (o *Orchestrator) attachMedia(ctx context.Context, sess *session, sink media.Sink) {
	log := logging.ForCall(o.logger, sess.callID)
	if sink == nil {
		log.Warn("media_ready_without_sink")
		return
	}
	prev := sess.sink
	sess.sink = sink
	st, err := o.registry.Update(sess.callID, func(s *callstate.State) error {
		if s.Phase.Terminal() {
			return errStale
		}
		s.MediaReady = true
		return nil
	})
	if err != nil {
		log.Debug("media_ready_dropped", "error", err)
		return
	}
	log.Info("media_ready", "assigned", st.Assigned())
	o.openTap(sess)
	switch {
	case st.Phase == callstate.PhaseAwaitingAssignment && st.BridgeReady():
		o.startBridge(ctx, sess, st)
	case st.Phase == callstate.PhaseBridging && prev != nil && prev != sink:
		// The media stream reconnected; the running relay still holds the old sink.
		o.restartBridge(ctx, sess, st)
	}
}

func (o *Orchestrator) switchRole(ctx context.Context, sess *session, tone string) {
	log := logging.ForCall(o.logger, sess.callID).With("tone", tone)
	st, err := o.registry.Get(sess.callID)
	if err != nil {
		log.Debug("tone_dropped", "error", err)
		return
	}
	if st.Phase != callstate.PhaseAwaitingAssignment && st.Phase != callstate.PhaseBridging {
		log.Info("tone_ignored", "phase", st.Phase.String())
		return
	}

	out, err := o.tones.HandleTone(ctx, st, tone)
	if err != nil {
		log.Error("role_switch_failed", "error", err, "reason_code", string(errorsx.Reason(err)))
		return
	}
	if out.Ignored {
		return
	}
	if st.Phase == callstate.PhaseBridging {
		sess.bridge.Stop()
	}
	if out.Transfer {
		o.transfer(ctx, sess, out)
		return
	}

	sess.submitted[out.NewJobID] = time.Now()
	h := o.watcher.Go(o.ctx, out.NewJobID, o.landing(sess))
	if _, err := o.registry.Update(sess.callID, func(s *callstate.State) error {
		return commitSwitch(s, out, h)
	}); err != nil {
		h.Cancel()
		delete(sess.submitted, out.NewJobID)
		o.abandon(ctx, log, out.NewJobID)
		log.Error("role_switch_commit_failed", "error", err)
		return
	}
	metrics.Record(o.obs, metrics.EventRoleSwitched, sess.callID, 1, map[string]string{"role": out.Role.ID, "tone": tone})
	metrics.Record(o.obs, metrics.EventJobSubmitted, sess.callID, 1, map[string]string{"role": out.Role.ID})
	log.Info("role_switched",
		"role", out.Role.ID,
		"job_id", out.NewJobID,
		"previous_job_id", out.PreviousJobID,
		"retire_deferred", out.Deferred != nil,
	)
}

// commitSwitch moves s through RoleSwitching onto the outcome's job.
func commitSwitch(s *callstate.State, out dtmf.Outcome, h *watcher.Handle) error {
	if err := s.Transition(callstate.PhaseRoleSwitching); err != nil {
		return err
	}
	if err := out.Apply(s); err != nil {
		return err
	}
	if h != nil {
		if s.Watches == nil {
			s.Watches = make(map[string]*watcher.Handle)
		}
		s.Watches[out.NewJobID] = h
	}
	return s.Transition(callstate.PhaseAwaitingAssignment)
}

func (o *Orchestrator) transfer(ctx context.Context, sess *session, out dtmf.Outcome) {
	log := logging.ForCall(o.logger, sess.callID)
	note := sess.bridge.Summary()
	if err := o.control.Transfer(ctx, sess.callID, out.Role.TransferTo, note); err != nil {
		log.Error("call_transfer_failed", "error", err, "reason_code", string(errorsx.Reason(err)))
		if _, err := o.registry.Update(sess.callID, func(s *callstate.State) error {
			return commitSwitch(s, out, nil)
		}); err != nil {
			log.Error("role_switch_commit_failed", "error", err)
			return
		}
		o.replayMenu(ctx, sess, "")
		return
	}
	if _, err := o.registry.Update(sess.callID, func(s *callstate.State) error {
		if err := out.Apply(s); err != nil {
			return err
		}
		s.Transferred = true
		return nil
	}); err != nil {
		log.Error("transfer_commit_failed", "error", err)
	}
	metrics.Record(o.obs, metrics.EventCallTransfer, sess.callID, 1, map[string]string{"role": out.Role.ID})
	log.Info("call_transferred", "target", redact.Identifier(out.Role.TransferTo), "with_summary", note != "")
	o.teardown(ctx, sess, "transferred", false)
}

// replayMenu puts the caller back on the default role after its job was
// given up. prevJobID guards against a switch that happened meanwhile.
func (o *Orchestrator) replayMenu(ctx context.Context, sess *session, prevJobID string) {
	log := logging.ForCall(o.logger, sess.callID)
	def := o.roles.Default()
	jobID, err := o.queue.Submit(ctx, def.Label)
	if err != nil {
		log.Error("menu_replay_failed", "error", err, "reason_code", string(errorsx.Reason(err)))
		o.teardown(ctx, sess, "queue_unavailable", true)
		return
	}
	sess.submitted[jobID] = time.Now()
	h := o.watcher.Go(o.ctx, jobID, o.landing(sess))
	if _, err := o.registry.Update(sess.callID, func(s *callstate.State) error {
		if s.JobID != prevJobID || s.Phase.Terminal() {
			return errStale
		}
		s.CurrentRole = ""
		s.JobID = jobID
		s.AssignmentID = ""
		s.WorkerID = ""
		s.AssignedAt = time.Time{}
		if s.Watches == nil {
			s.Watches = make(map[string]*watcher.Handle)
		}
		s.Watches[jobID] = h
		return nil
	}); err != nil {
		h.Cancel()
		delete(sess.submitted, jobID)
		o.abandon(ctx, log, jobID)
		return
	}
	metrics.Record(o.obs, metrics.EventJobSubmitted, sess.callID, 1, map[string]string{"role": def.ID})
	log.Info("menu_replayed", "job_id", jobID)
}

func (o *Orchestrator) jobDone(ctx context.Context, sess *session, h *watcher.Handle) {
	log := logging.ForCall(o.logger, sess.callID).With("job_id", h.JobID)
	st, err := o.registry.Get(sess.callID)
	if err != nil {
		log.Debug("job_done_after_teardown")
		return
	}
	a, ok := h.Result()
	if !ok {
		err := h.Err()
		switch {
		case errors.Is(err, watcher.ErrOfferTimeout):
			o.offerTimedOut(ctx, sess, st, h)
		case err != nil && !errors.Is(err, context.Canceled):
			log.Warn("job_watch_failed", "error", err)
			o.dropWatch(sess.callID, h)
		default:
			o.dropWatch(sess.callID, h)
		}
		return
	}
	switch {
	case h.JobID == st.JobID:
		o.assigned(ctx, sess, a)
	case pendingIndex(st.PendingRetire, h.JobID) >= 0:
		o.pendingAssigned(ctx, sess, a)
	default:
		log.Warn("assignment_for_unknown_job", "assignment_id", a.AssignmentID)
		o.retire(ctx, log, sess.callID, a.JobID, a.AssignmentID)
	}
}

func (o *Orchestrator) assigned(ctx context.Context, sess *session, a workqueue.Assignment) {
	log := logging.ForCall(o.logger, sess.callID).With("job_id", a.JobID)
	var ready []callstate.PendingRetire
	st, err := o.registry.Update(sess.callID, func(s *callstate.State) error {
		if s.JobID != a.JobID {
			return errStale
		}
		s.AssignmentID = a.AssignmentID
		s.WorkerID = a.WorkerID
		s.AssignedAt = time.Now()
		delete(s.Watches, a.JobID)

		ready = ready[:0]
		kept := make([]callstate.PendingRetire, 0, len(s.PendingRetire))
		for _, p := range s.PendingRetire {
			if p.Ready() {
				ready = append(ready, p)
				delete(s.Watches, p.JobID)
				continue
			}
			kept = append(kept, p)
		}
		s.PendingRetire = kept
		return nil
	})
	if err != nil {
		log.Warn("assignment_dropped", "error", err)
		o.retire(ctx, log, sess.callID, a.JobID, a.AssignmentID)
		return
	}

	wait := 0.0
	if at, ok := sess.submitted[a.JobID]; ok {
		wait = time.Since(at).Seconds()
		delete(sess.submitted, a.JobID)
	}
	metrics.Record(o.obs, metrics.EventJobAssigned, sess.callID, wait, map[string]string{"worker_id": a.WorkerID})
	log.Info("job_assigned", "worker_id", a.WorkerID, "assignment_id", a.AssignmentID, "wait_seconds", wait)

	for _, p := range ready {
		o.retire(ctx, log, sess.callID, p.JobID, p.AssignmentID)
	}
	if st.Phase == callstate.PhaseAwaitingAssignment && st.BridgeReady() {
		o.startBridge(ctx, sess, st)
	}
}

// pendingAssigned records the assignment of a job that was switched away
// from. It is retired right away when the call already has its current
// assignment, otherwise when that assignment lands.
func (o *Orchestrator) pendingAssigned(ctx context.Context, sess *session, a workqueue.Assignment) {
	log := logging.ForCall(o.logger, sess.callID).With("job_id", a.JobID)
	retireNow := false
	_, err := o.registry.Update(sess.callID, func(s *callstate.State) error {
		i := pendingIndex(s.PendingRetire, a.JobID)
		if i < 0 {
			return errStale
		}
		delete(s.Watches, a.JobID)
		if s.Assigned() {
			s.PendingRetire = append(s.PendingRetire[:i:i], s.PendingRetire[i+1:]...)
			retireNow = true
			return nil
		}
		s.PendingRetire[i].AssignmentID = a.AssignmentID
		s.PendingRetire[i].WorkerID = a.WorkerID
		return nil
	})
	if err != nil {
		log.Warn("pending_assignment_dropped", "error", err)
		return
	}
	delete(sess.submitted, a.JobID)
	if retireNow {
		o.retire(ctx, log, sess.callID, a.JobID, a.AssignmentID)
		return
	}
	log.Info("pending_retire_ready", "assignment_id", a.AssignmentID)
}

func (o *Orchestrator) offerTimedOut(ctx context.Context, sess *session, st callstate.State, h *watcher.Handle) {
	log := logging.ForCall(o.logger, sess.callID).With("job_id", h.JobID)
	log.Warn("job_offer_timeout")
	delete(sess.submitted, h.JobID)
	if h.JobID != st.JobID {
		_, _ = o.registry.Update(sess.callID, func(s *callstate.State) error {
			if s.Watches[h.JobID] == h {
				delete(s.Watches, h.JobID)
			}
			if i := pendingIndex(s.PendingRetire, h.JobID); i >= 0 {
				s.PendingRetire = append(s.PendingRetire[:i:i], s.PendingRetire[i+1:]...)
			}
			return nil
		})
		o.abandon(ctx, log, h.JobID)
		return
	}
	o.dropWatch(sess.callID, h)
	o.abandon(ctx, log, h.JobID)
	o.replayMenu(ctx, sess, h.JobID)
}

func (o *Orchestrator) dropWatch(callID string, h *watcher.Handle) {
	_, _ = o.registry.Update(callID, func(s *callstate.State) error {
		if s.Watches[h.JobID] != h {
			return errStale
		}
		delete(s.Watches, h.JobID)
		return nil
	})
}

func (o *Orchestrator) startBridge(ctx context.Context, sess *session, st callstate.State) {
	log := logging.ForCall(o.logger, sess.callID)
	if sess.sink == nil {
		return
	}
	role, cfg := o.sessionFor(st)
	if err := sess.bridge.Start(ctx, sess.sink, cfg); err != nil {
		o.bridgeFailed(ctx, sess, st, role.ID, err)
		return
	}
	sess.bridgeRetry = bridgeAttempt{}
	if _, err := o.registry.Update(sess.callID, func(s *callstate.State) error {
		if s.AssignmentID != st.AssignmentID {
			return errStale
		}
		return s.Transition(callstate.PhaseBridging)
	}); err != nil {
		sess.bridge.Stop()
		log.Warn("bridge_start_superseded", "error", err)
		return
	}
	metrics.Record(o.obs, metrics.EventBridgeStarted, sess.callID, 1, map[string]string{"role": role.ID})
	metrics.Record(o.obs, metrics.EventPhaseChanged, sess.callID, 1, map[string]string{"phase": callstate.PhaseBridging.String()})
	log.Info("call_bridged", "role", role.ID, "worker_id", st.WorkerID, "generation", sess.bridge.Generation())
}

// restartBridge replaces the relay of a bridged call without leaving
// Bridging.
func (o *Orchestrator) restartBridge(ctx context.Context, sess *session, st callstate.State) {
	role, cfg := o.sessionFor(st)
	if err := sess.bridge.Start(ctx, sess.sink, cfg); err != nil {
		o.bridgeFailed(ctx, sess, st, role.ID, err)
		return
	}
	sess.bridgeRetry = bridgeAttempt{}
	metrics.Record(o.obs, metrics.EventBridgeStarted, sess.callID, 1, map[string]string{"role": role.ID})
	logging.ForCall(o.logger, sess.callID).Info("bridge_restarted", "role", role.ID, "generation", sess.bridge.Generation())
}

func (o *Orchestrator) sessionFor(st callstate.State) (roles.Role, realtime.SessionConfig) {
	role := o.roles.Resolve(st.CurrentRole)
	cfg := o.cfg.Session
	cfg.Instructions = role.Instructions
	if role.Voice != "" {
		cfg.Voice = role.Voice
	}
	return role, cfg
}

// bridgeFailed schedules another start for the same assignment through the
// mailbox, so events keep flowing while the backend is unreachable.
func (o *Orchestrator) bridgeFailed(ctx context.Context, sess *session, st callstate.State, roleID string, err error) {
	log := logging.ForCall(o.logger, sess.callID).With("role", roleID)
	if sess.bridgeRetry.assignmentID != st.AssignmentID {
		sess.bridgeRetry = bridgeAttempt{assignmentID: st.AssignmentID}
	}
	sess.bridgeRetry.failures++
	n := sess.bridgeRetry.failures
	policy := o.cfg.BridgeRetry
	if n > policy.MaxRetries || (policy.Retryable != nil && !policy.Retryable(err)) {
		log.Error("bridge_start_failed", "attempts", n, "error", err, "reason_code", string(errorsx.Reason(err)))
		o.teardown(ctx, sess, "backend_unavailable", true)
		return
	}
	delay := policy.Backoff * time.Duration(n)
	log.Warn("bridge_start_retry", "attempt", n, "delay_ms", delay.Milliseconds(), "error", err, "reason_code", string(errorsx.Reason(err)))
	assignmentID := st.AssignmentID
	time.AfterFunc(delay, func() {
		sess.post(o.ctx, func(ctx context.Context) { o.retryBridge(ctx, sess, assignmentID) })
	})
}

func (o *Orchestrator) retryBridge(ctx context.Context, sess *session, assignmentID string) {
	st, err := o.registry.Get(sess.callID)
	if err != nil || st.AssignmentID != assignmentID || !st.BridgeReady() {
		return
	}
	switch {
	case st.Phase == callstate.PhaseAwaitingAssignment:
		o.startBridge(ctx, sess, st)
	case st.Phase == callstate.PhaseBridging && !sess.bridge.Active():
		o.restartBridge(ctx, sess, st)
	}
}

// teardown ends the call. Watchers and the bridge are stopped outside the
// state lock, every job of the call is retired or abandoned, and the state is
// removed exactly once.
func (o *Orchestrator) teardown(ctx context.Context, sess *session, reason string, hangUp bool) {
	log := logging.ForCall(o.logger, sess.callID).With("reason", reason)
	defer func() {
		o.sessions.CompareAndDelete(sess.callID, sess)
		sess.closeTap()
		sess.close()
	}()

	st, err := o.registry.Update(sess.callID, func(s *callstate.State) error {
		return s.Transition(callstate.PhaseTerminating)
	})
	if err != nil {
		log.Debug("teardown_skipped", "error", err)
		return
	}
	metrics.Record(o.obs, metrics.EventPhaseChanged, sess.callID, 1, map[string]string{"phase": callstate.PhaseTerminating.String()})

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TeardownTimeout)
	defer cancel()

	for _, h := range st.Watches {
		h.Cancel()
	}
	for _, h := range st.Watches {
		if _, err := h.Wait(tctx); err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			log.Warn("watcher_stop_timeout", "job_id", h.JobID)
		}
	}
	sess.bridge.Stop()
	sess.closeTap()

	settled := make(map[string]bool)
	settle := func(jobID, assignmentID string) {
		if jobID == "" || settled[jobID] {
			return
		}
		settled[jobID] = true
		if assignmentID == "" {
			if h := st.Watches[jobID]; h != nil {
				if a, ok := h.Result(); ok {
					assignmentID = a.AssignmentID
				}
			}
		}
		if assignmentID != "" {
			o.retire(tctx, log, sess.callID, jobID, assignmentID)
			return
		}
		o.abandon(tctx, log, jobID)
	}
	settle(st.JobID, st.AssignmentID)
	for _, p := range st.PendingRetire {
		settle(p.JobID, p.AssignmentID)
	}
	for jobID := range st.Watches {
		settle(jobID, "")
	}

	if hangUp && !st.Transferred {
		if err := o.control.HangUp(tctx, sess.callID); err != nil && !errorsx.IsNotFound(err) {
			log.Warn("hang_up_failed", "error", err, "reason_code", string(errorsx.Reason(err)))
		}
	}

	_, _ = o.registry.Update(sess.callID, func(s *callstate.State) error {
		return s.Transition(callstate.PhaseClosed)
	})
	o.sessions.CompareAndDelete(sess.callID, sess)
	if _, ok := o.registry.Delete(sess.callID); ok {
		duration := time.Since(st.CreatedAt).Seconds()
		metrics.Record(o.obs, metrics.EventCallEnded, sess.callID, duration, map[string]string{"reason": reason})
		log.Info("call_closed", "duration_seconds", duration, "jobs_settled", len(settled), "transferred", st.Transferred)
	}
}

// openTap starts the caller transcription stream. Its failure does not
// affect the call.
func (o *Orchestrator) openTap(sess *session) {
	if o.tapper == nil || sess.tap.Load() != nil {
		return
	}
	log := logging.ForCall(o.logger, sess.callID)
	stream, err := o.tapper.Open(o.ctx, sess.callID, func(r transcribe.Result) {
		log.Info("caller_transcript", "text", redact.Text(r.Text), "final", r.Final)
	})
	if err != nil {
		log.Warn("transcriber_open_failed", "error", err, "reason_code", string(errorsx.Reason(err)))
		return
	}
	sess.tap.Store(&tap{stream: stream})
}

func (o *Orchestrator) retire(ctx context.Context, log *slog.Logger, callID, jobID, assignmentID string) {
	if err := o.queue.Retire(ctx, jobID, assignmentID); err != nil && !errorsx.IsNotFound(err) {
		log.Warn("job_retire_failed", "job_id", jobID, "error", err, "reason_code", string(errorsx.Reason(err)))
		return
	}
	metrics.Record(o.obs, metrics.EventJobRetired, callID, 1, map[string]string{"job_id": jobID})
}

func (o *Orchestrator) abandon(ctx context.Context, log *slog.Logger, jobID string) {
	if err := o.queue.Abandon(ctx, jobID); err != nil && !errorsx.IsNotFound(err) {
		log.Warn("job_abandon_failed", "job_id", jobID, "error", err, "reason_code", string(errorsx.Reason(err)))
	}
}

func pendingIndex(list []callstate.PendingRetire, jobID string) int {
	for i, p := range list {
		if p.JobID == jobID {
			return i
		}
	}
	return -1
}
