package callcenter

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/callcenter/pkg/configutil"
	"github.com/harunnryd/callcenter/pkg/realtime"
	"github.com/harunnryd/callcenter/pkg/resilience"
	"github.com/harunnryd/callcenter/pkg/transcribe"
	"github.com/harunnryd/callcenter/pkg/transcribe/deepgram"
	"github.com/harunnryd/callcenter/pkg/transports"
	"github.com/harunnryd/callcenter/pkg/transports/mock"
	"github.com/harunnryd/callcenter/pkg/transports/twilio"
	"github.com/harunnryd/callcenter/pkg/workqueue"
	"github.com/harunnryd/callcenter/pkg/workqueue/acs"
	"github.com/harunnryd/callcenter/pkg/workqueue/memory"
)

// Telephony is a transport that also accepts in-call commands.
type Telephony interface {
	transports.Transport
	transports.CallController
}

type TransportFactory func(cfg Config, logger *slog.Logger) (Telephony, error)
type RouterFactory func(cfg Config, logger *slog.Logger) (workqueue.Router, error)
type RealtimeFactory func(cfg Config, breaker *resilience.CircuitBreaker, logger *slog.Logger) (realtime.Dialer, error)
type TranscriberFactory func(cfg Config, logger *slog.Logger) (transcribe.Opener, error)

type ProviderRegistry struct {
	transports  map[string]TransportFactory
	routers     map[string]RouterFactory
	realtime    map[string]RealtimeFactory
	transcriber map[string]TranscriberFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		transports:  make(map[string]TransportFactory),
		routers:     make(map[string]RouterFactory),
		realtime:    make(map[string]RealtimeFactory),
		transcriber: make(map[string]TranscriberFactory),
	}
}

// DefaultProviders registers every built-in provider.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterTransport("twilio", newTwilioTransport)
	r.RegisterTransport("mock", func(Config, *slog.Logger) (Telephony, error) { return mock.New(), nil })
	r.RegisterRouter("acs", newACSRouter)
	r.RegisterRouter("memory", func(Config, *slog.Logger) (workqueue.Router, error) {
		return memory.New(memory.Options{}), nil
	})
	r.RegisterRealtime(realtime.ProviderOpenAI, newRealtimeDialer)
	r.RegisterRealtime(realtime.ProviderAzure, newRealtimeDialer)
	r.RegisterTranscriber("deepgram", newDeepgramOpener)
	return r
}

func (r *ProviderRegistry) RegisterTransport(name string, factory TransportFactory) {
	r.transports[normalize(name)] = factory
}

func (r *ProviderRegistry) RegisterRouter(name string, factory RouterFactory) {
	r.routers[normalize(name)] = factory
}

func (r *ProviderRegistry) RegisterRealtime(name string, factory RealtimeFactory) {
	r.realtime[normalize(name)] = factory
}

func (r *ProviderRegistry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.transcriber[normalize(name)] = factory
}

func (r *ProviderRegistry) BuildTransport(cfg Config, logger *slog.Logger) (Telephony, error) {
	fn := r.transports[normalize(cfg.Transports.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("transport provider not registered: %s", cfg.Transports.Provider)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildRouter(cfg Config, logger *slog.Logger) (workqueue.Router, error) {
	fn := r.routers[normalize(cfg.Vendors.Router.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("router provider not registered: %s", cfg.Vendors.Router.Provider)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildRealtime(cfg Config, breaker *resilience.CircuitBreaker, logger *slog.Logger) (realtime.Dialer, error) {
	fn := r.realtime[normalize(cfg.Vendors.Realtime.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("realtime provider not registered: %s", cfg.Vendors.Realtime.Provider)
	}
	return fn(cfg, breaker, logger)
}

// BuildTranscriber returns nil when no transcriber is configured.
func (r *ProviderRegistry) BuildTranscriber(cfg Config, logger *slog.Logger) (transcribe.Opener, error) {
	if normalize(cfg.Vendors.Transcriber.Provider) == "" {
		return nil, nil
	}
	fn := r.transcriber[normalize(cfg.Vendors.Transcriber.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("transcriber provider not registered: %s", cfg.Vendors.Transcriber.Provider)
	}
	return fn(cfg, logger)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

var (
	twilioSchema = configutil.Schema{
		Required: []string{"account_sid", "auth_token"},
		Optional: []string{
			"server_addr", "public_url", "incoming_path", "callback_path", "ws_path",
			"whisper_path", "voice_greeting", "allow_any_origin", "allowed_origins",
		},
	}
	acsSchema = configutil.Schema{
		Required: []string{"connection_string"},
		Optional: []string{"api_version", "timeout_ms"},
	}
	realtimeSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "endpoint", "deployment", "api_version", "url", "write_timeout_ms"},
	}
	deepgramSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "encoding", "sample_rate", "interim", "utterance_end_ms", "buffer"},
	}
)

func newTwilioTransport(cfg Config, logger *slog.Logger) (Telephony, error) {
	var tc twilio.Config
	if err := configutil.Decode("transports.settings", cfg.Transports.Settings, twilioSchema, &tc); err != nil {
		return nil, err
	}
	return twilio.New(tc, logger), nil
}

func newACSRouter(cfg Config, logger *slog.Logger) (workqueue.Router, error) {
	var ac acs.Config
	if err := configutil.Decode("vendors.router.settings", cfg.Vendors.Router.Settings, acsSchema, &ac); err != nil {
		return nil, err
	}
	return acs.New(ac, logger)
}

func newRealtimeDialer(cfg Config, breaker *resilience.CircuitBreaker, logger *slog.Logger) (realtime.Dialer, error) {
	var rc realtime.Config
	if err := configutil.Decode("vendors.realtime.settings", cfg.Vendors.Realtime.Settings, realtimeSchema, &rc); err != nil {
		return nil, err
	}
	rc.Provider = normalize(cfg.Vendors.Realtime.Provider)
	return realtime.NewDialer(rc, breaker, logger)
}

func newDeepgramOpener(cfg Config, logger *slog.Logger) (transcribe.Opener, error) {
	var dc deepgram.Config
	if err := configutil.Decode("vendors.transcriber.settings", cfg.Vendors.Transcriber.Settings, deepgramSchema, &dc); err != nil {
		return nil, err
	}
	return deepgram.New(dc, logger)
}
