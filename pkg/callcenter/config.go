package callcenter

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/harunnryd/callcenter/pkg/roles"
	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Transports    ProviderConfig      `mapstructure:"transports"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Roles         RolesConfig         `mapstructure:"roles"`
	Operator      OperatorConfig      `mapstructure:"operator"`
	Orchestrator  OrchestratorConfig  `mapstructure:"orchestrator"`
	Session       SessionConfig       `mapstructure:"session"`
	Transcript    TranscriptConfig    `mapstructure:"transcript"`
	Resilience    ResilienceConfig    `mapstructure:"resilience"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

// ProviderConfig selects an implementation and carries its free-form
// settings, decoded by the matching factory.
type ProviderConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	Router      ProviderConfig `mapstructure:"router"`
	Realtime    ProviderConfig `mapstructure:"realtime"`
	Transcriber ProviderConfig `mapstructure:"transcriber"`
}

type LoggingConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// RolesConfig overrides the built-in directory. An empty List keeps the
// stock roles.
type RolesConfig struct {
	Default string            `mapstructure:"default"`
	List    []roles.Role      `mapstructure:"list"`
	Tones   map[string]string `mapstructure:"tones"`
}

type OperatorConfig struct {
	PhoneNumber string `mapstructure:"phone_number"`
}

type OrchestratorConfig struct {
	PollIntervalMS       int `mapstructure:"poll_interval_ms"`
	RetirePollIntervalMS int `mapstructure:"retire_poll_interval_ms"`
	RetireTimeoutMS      int `mapstructure:"retire_timeout_ms"`
	// OfferTimeoutMS bounds the wait for a worker offer. Zero waits until
	// the call ends.
	OfferTimeoutMS    int `mapstructure:"offer_timeout_ms"`
	MailboxSize       int `mapstructure:"mailbox_size"`
	TeardownTimeoutMS int `mapstructure:"teardown_timeout_ms"`
	DrainTimeoutMS    int `mapstructure:"drain_timeout_ms"`
	// ProvisionOnStart upserts the policy, queue and workers before serving.
	// The in-process router is always provisioned.
	ProvisionOnStart   bool `mapstructure:"provision_on_start"`
	OfferExpiresAfterS int  `mapstructure:"offer_expires_after_s"`
}

type SessionConfig struct {
	Voice              string `mapstructure:"voice"`
	AudioFormat        string `mapstructure:"audio_format"`
	TranscriptionModel string `mapstructure:"transcription_model"`
}

type TranscriptConfig struct {
	MaxHistory int `mapstructure:"max_history"`
	MaxRunes   int `mapstructure:"max_runes"`
}

type ResilienceConfig struct {
	Retries           int `mapstructure:"retries"`
	RetryBackoffMS    int `mapstructure:"retry_backoff_ms"`
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

type MetricsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type ObservabilityConfig struct {
	// ArtifactsDir receives one JSONL timeline per call when set.
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("transports.provider", "twilio")
	v.SetDefault("vendors.router.provider", "memory")
	v.SetDefault("vendors.realtime.provider", "openai")
	v.SetDefault("vendors.transcriber.provider", "")
	v.SetDefault("roles.default", roles.DefaultRole)
	v.SetDefault("orchestrator.poll_interval_ms", 1000)
	v.SetDefault("orchestrator.retire_poll_interval_ms", 500)
	v.SetDefault("orchestrator.retire_timeout_ms", 10000)
	v.SetDefault("orchestrator.offer_timeout_ms", 0)
	v.SetDefault("orchestrator.mailbox_size", 64)
	v.SetDefault("orchestrator.teardown_timeout_ms", 15000)
	v.SetDefault("orchestrator.drain_timeout_ms", 20000)
	v.SetDefault("orchestrator.provision_on_start", false)
	v.SetDefault("orchestrator.offer_expires_after_s", 60)
	v.SetDefault("session.voice", "shimmer")
	v.SetDefault("session.audio_format", "g711_ulaw")
	v.SetDefault("session.transcription_model", "whisper-1")
	v.SetDefault("transcript.max_history", 20)
	v.SetDefault("transcript.max_runes", 200)
	v.SetDefault("resilience.retries", 2)
	v.SetDefault("resilience.retry_backoff_ms", 200)
	v.SetDefault("resilience.breaker_threshold", 3)
	v.SetDefault("resilience.breaker_cooldown_ms", 30000)
	v.SetDefault("metrics.buffer", 2048)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.Router.Provider) == "" {
		return fmt.Errorf("vendors.router.provider is required")
	}
	if strings.TrimSpace(c.Vendors.Realtime.Provider) == "" {
		return fmt.Errorf("vendors.realtime.provider is required")
	}
	if len(c.Roles.List) == 0 && strings.TrimSpace(c.Operator.PhoneNumber) == "" {
		return fmt.Errorf("operator.phone_number is required with the built-in roles")
	}
	if c.Orchestrator.PollIntervalMS < 0 || c.Orchestrator.OfferTimeoutMS < 0 {
		return fmt.Errorf("orchestrator timings must not be negative")
	}
	return nil
}

// Directory builds the role directory the configuration describes.
func (c Config) Directory() (*roles.Directory, error) {
	if len(c.Roles.List) == 0 {
		tones := c.Roles.Tones
		if len(tones) == 0 {
			tones = roles.DefaultTones()
		}
		return roles.New(roles.DefaultRole, roles.DefaultRoles(c.Operator.PhoneNumber), tones)
	}
	def := c.Roles.Default
	if def == "" {
		def = roles.DefaultRole
	}
	list := make([]roles.Role, len(c.Roles.List))
	copy(list, c.Roles.List)
	for i := range list {
		if list[i].Human() && list[i].TransferTo == "" {
			list[i].TransferTo = c.Operator.PhoneNumber
		}
	}
	return roles.New(def, list, c.Roles.Tones)
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
	cfg.Vendors.Router.Settings = expandSettings(cfg.Vendors.Router.Settings)
	cfg.Vendors.Realtime.Settings = expandSettings(cfg.Vendors.Realtime.Settings)
	cfg.Vendors.Transcriber.Settings = expandSettings(cfg.Vendors.Transcriber.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
