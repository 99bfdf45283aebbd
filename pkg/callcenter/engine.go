package callcenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/harunnryd/callcenter/pkg/configutil"
	"github.com/harunnryd/callcenter/pkg/logging"
	"github.com/harunnryd/callcenter/pkg/metrics"
	"github.com/harunnryd/callcenter/pkg/observers"
	"github.com/harunnryd/callcenter/pkg/orchestrator"
	"github.com/harunnryd/callcenter/pkg/realtime"
	"github.com/harunnryd/callcenter/pkg/redact"
	"github.com/harunnryd/callcenter/pkg/resilience"
	"github.com/harunnryd/callcenter/pkg/roles"
	"github.com/harunnryd/callcenter/pkg/runner"
	"github.com/harunnryd/callcenter/pkg/transcribe"
	"github.com/harunnryd/callcenter/pkg/transcript"
	"github.com/harunnryd/callcenter/pkg/transports"
	"github.com/harunnryd/callcenter/pkg/watcher"
	"github.com/harunnryd/callcenter/pkg/workqueue"
	"github.com/harunnryd/callcenter/pkg/workqueue/memory"
)

type Engine struct {
	cfg       Config
	logger    *slog.Logger
	transport Telephony
	router    workqueue.Router
	queue     *workqueue.Client
	roles     *roles.Directory
	orch      *orchestrator.Orchestrator
	runner    *runner.LifecycleRunner
	asyncObs  *metrics.AsyncObserver
	providers *ProviderRegistry
	ctx       context.Context
	cancel    context.CancelFunc
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Logger replaces the process logger built from Config.
	Logger *slog.Logger
	// Observer receives metrics events next to the log observer.
	Observer metrics.Observer
	// Optional overrides of the configured providers.
	Transport   Telephony
	Router      workqueue.Router
	Dialer      realtime.Dialer
	Transcriber transcribe.Opener
}

// routeMounter is implemented by transports that serve HTTP.
type routeMounter interface {
	Handle(pattern string, h http.Handler)
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(logging.Options{
			Level:      cfg.LogLevel,
			Format:     cfg.LogFormat,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("callcenter_init",
		"environment", cfg.Environment,
		"transport", cfg.Transports.Provider,
		"router_provider", cfg.Vendors.Router.Provider,
		"realtime_provider", cfg.Vendors.Realtime.Provider,
		"transcriber_provider", cfg.Vendors.Transcriber.Provider,
	)

	dir, err := cfg.Directory()
	if err != nil {
		return nil, fmt.Errorf("roles: %w", err)
	}

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	transport := opts.Transport
	if transport == nil {
		if transport, err = providers.BuildTransport(cfg, logger); err != nil {
			return nil, err
		}
	}
	router := opts.Router
	if router == nil {
		if router, err = providers.BuildRouter(cfg, logger); err != nil {
			return nil, err
		}
	}
	dialer := opts.Dialer
	if dialer == nil {
		breaker := resilience.NewCircuitBreaker(
			cfg.Resilience.BreakerThreshold,
			configutil.Millis(cfg.Resilience.BreakerCooldownMS, 30*time.Second),
		)
		if dialer, err = providers.BuildRealtime(cfg, breaker, logger); err != nil {
			return nil, err
		}
	}
	tapper := opts.Transcriber
	if tapper == nil {
		if tapper, err = providers.BuildTranscriber(cfg, logger); err != nil {
			return nil, err
		}
	}

	obsList := []metrics.Observer{
		metrics.NewLoggerObserver(logger),
		observers.NewLatencyObserver(logger),
	}
	var timeline *observers.TimelineObserver
	if artifacts := strings.TrimSpace(cfg.Observability.ArtifactsDir); artifacts != "" {
		timeline = observers.NewTimelineObserver(artifacts)
		if cfg.Observability.RetentionDays > 0 {
			maxAge := time.Duration(cfg.Observability.RetentionDays) * 24 * time.Hour
			if pruned, err := timeline.Prune(maxAge); err != nil {
				logger.Warn("timeline_prune_failed", "dir", artifacts, "error", err)
			} else if len(pruned) > 0 {
				logger.Info("timelines_pruned", "dir", artifacts, "calls", len(pruned))
			}
		}
		obsList = append(obsList, timeline)
	}
	if opts.Observer != nil {
		obsList = append(obsList, opts.Observer)
	}
	buffer := cfg.Metrics.Buffer
	if buffer <= 0 {
		buffer = 2048
	}
	asyncObs := metrics.NewAsyncObserver(metrics.NewMultiObserver(obsList...), buffer)

	retry := resilience.NewRetryPolicy(
		cfg.Resilience.Retries,
		configutil.Millis(cfg.Resilience.RetryBackoffMS, 200*time.Millisecond),
	)
	queue := workqueue.NewClient(router, workqueue.Options{
		RetirePollInterval: configutil.Millis(cfg.Orchestrator.RetirePollIntervalMS, workqueue.DefaultRetirePollInterval),
		RetireTimeout:      configutil.Millis(cfg.Orchestrator.RetireTimeoutMS, workqueue.DefaultRetireTimeout),
		Retry:              retry,
	}, logger)
	w := watcher.New(queue, watcher.Config{
		PollInterval: configutil.Millis(cfg.Orchestrator.PollIntervalMS, time.Second),
		OfferTimeout: time.Duration(cfg.Orchestrator.OfferTimeoutMS) * time.Millisecond,
		Workers:      dir.Workers(),
	}, logger)

	orch, err := orchestrator.New(orchestrator.Config{
		MailboxSize:     cfg.Orchestrator.MailboxSize,
		TeardownTimeout: time.Duration(cfg.Orchestrator.TeardownTimeoutMS) * time.Millisecond,
		Session: realtime.SessionConfig{
			Voice:              cfg.Session.Voice,
			InputAudioFormat:   cfg.Session.AudioFormat,
			OutputAudioFormat:  cfg.Session.AudioFormat,
			TranscriptionModel: cfg.Session.TranscriptionModel,
		},
		Transcript: transcript.Config{
			MaxHistory: cfg.Transcript.MaxHistory,
			MaxRunes:   cfg.Transcript.MaxRunes,
		},
		BridgeRetry: retry,
	}, orchestrator.Deps{
		Queue:       queue,
		Watcher:     w,
		Roles:       dir,
		Control:     transport,
		Dialer:      dialer,
		Observer:    asyncObs,
		Logger:      logger,
		Transcriber: tapper,
	})
	if err != nil {
		return nil, err
	}
	transport.SetIncomingHandler(orch.OnIncomingCall)
	if m, ok := transport.(routeMounter); ok {
		m.Handle("GET /api/calls", orch.CallsHandler())
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
		router:    router,
		queue:     queue,
		roles:     dir,
		orch:      orch,
		asyncObs:  asyncObs,
		providers: providers,
	}

	drainTimeout := configutil.Millis(cfg.Orchestrator.DrainTimeoutMS, 20*time.Second)
	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Call Center Ready", "roles", len(dir.Queued())}
			if rr, ok := transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			logger.Info("engine_ready", fields...)
		},
		OnStop: func() {
			asyncObs.Close()
			if timeline != nil {
				_ = timeline.Close()
			}
			logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", orch.ActiveCalls())
		},
	}
	drainer := runner.DrainerFunc(func() error {
		_ = transport.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := orch.Shutdown(ctx); err != nil {
			logger.Warn("drain_incomplete", "error", err, "active_calls", orch.ActiveCalls())
		}
		_ = orch.WaitForEmpty(ctx, 200*time.Millisecond)
		return nil
	})
	e.runner = runner.NewLifecycleRunner(drainer, hooks, drainTimeout+5*time.Second)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Start provisions the router when asked to, starts the transport and begins
// dispatching its events. It returns once the engine is serving.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.provision(ctx); err != nil {
		return err
	}
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	go e.orch.Run(e.ctx, e.transport.Recv())
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

// Stop drains every call and stops the transport.
func (e *Engine) Stop() error {
	err := e.runner.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	return err
}

// Done is closed once the engine has drained.
func (e *Engine) Done() <-chan struct{} {
	return e.runner.Stopped()
}

func (e *Engine) provision(ctx context.Context) error {
	_, inProcess := e.router.(*memory.Router)
	if !inProcess && !e.cfg.Orchestrator.ProvisionOnStart {
		return nil
	}
	p, ok := e.router.(workqueue.Provisioner)
	if !ok {
		return errors.New("router does not support provisioning")
	}
	err := Provision(ctx, p, e.roles, ProvisionOptions{
		OfferExpiresAfter: time.Duration(e.cfg.Orchestrator.OfferExpiresAfterS) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("provision router: %w", err)
	}
	e.logger.Info("router_provisioned", "workers", len(e.roles.Workers()))
	return nil
}

func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orch }

func (e *Engine) Queue() *workqueue.Client { return e.queue }

func (e *Engine) Roles() *roles.Directory { return e.roles }

func (e *Engine) Transport() Telephony { return e.transport }

func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Health() error {
	if e.runner.State() != runner.StateRunning {
		return fmt.Errorf("engine is %s", e.runner.State())
	}
	return nil
}
