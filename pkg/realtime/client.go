// Package realtime is a websocket client for the OpenAI and Azure OpenAI
// Realtime APIs.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callcenter/pkg/errorsx"
	"github.com/harunnryd/callcenter/pkg/logging"
	"github.com/harunnryd/callcenter/pkg/resilience"
)

const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"

	DefaultModel        = "gpt-4o-realtime-preview"
	DefaultAzureVersion = "2024-10-01-preview"
	openAIURL           = "wss://api.openai.com/v1/realtime"

	defaultWriteTimeout = 5 * time.Second
)

type Config struct {
	Provider   string `mapstructure:"provider"`
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Endpoint   string `mapstructure:"endpoint"`
	Deployment string `mapstructure:"deployment"`
	APIVersion string `mapstructure:"api_version"`
	// URL overrides the computed websocket URL.
	URL string `mapstructure:"url"`
	// WriteTimeoutMS bounds each frame write to a backend that stopped reading.
	WriteTimeoutMS int `mapstructure:"write_timeout_ms"`
}

// Dialer opens backend sessions.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one backend session.
type Conn interface {
	Configure(ctx context.Context, session SessionConfig) error
	SendAudio(payload string) error
	// Recv returns io.EOF once the backend closed the session.
	Recv(ctx context.Context) (Event, error)
	Close() error
}

type WSDialer struct {
	cfg     Config
	url     string
	header  http.Header
	dialer  websocket.Dialer
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

func NewDialer(cfg Config, breaker *resilience.CircuitBreaker, logger *slog.Logger) (*WSDialer, error) {
	u, header, err := buildTarget(cfg)
	if err != nil {
		return nil, err
	}
	return &WSDialer{
		cfg:     cfg,
		url:     u,
		header:  header,
		dialer:  websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		breaker: breaker,
		logger:  logging.NewComponentLogger(logger, "realtime"),
	}, nil
}

func buildTarget(cfg Config) (string, http.Header, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return "", nil, errors.New("realtime: api_key is required")
	}
	header := http.Header{}
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOpenAI:
		model := cfg.Model
		if model == "" {
			model = DefaultModel
		}
		header.Set("Authorization", "Bearer "+cfg.APIKey)
		header.Set("OpenAI-Beta", "realtime=v1")
		if cfg.URL != "" {
			return cfg.URL, header, nil
		}
		return openAIURL + "?model=" + url.QueryEscape(model), header, nil
	case ProviderAzure:
		header.Set("api-key", cfg.APIKey)
		if cfg.URL != "" {
			return cfg.URL, header, nil
		}
		if cfg.Endpoint == "" || cfg.Deployment == "" {
			return "", nil, errors.New("realtime: azure needs endpoint and deployment")
		}
		version := cfg.APIVersion
		if version == "" {
			version = DefaultAzureVersion
		}
		host := strings.TrimSuffix(cfg.Endpoint, "/")
		host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "wss://")
		q := url.Values{}
		q.Set("api-version", version)
		q.Set("deployment", cfg.Deployment)
		return "wss://" + host + "/openai/realtime?" + q.Encode(), header, nil
	default:
		return "", nil, fmt.Errorf("realtime: unknown provider %q", cfg.Provider)
	}
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	var conn *websocket.Conn
	err := d.breaker.Guard(func() error {
		c, resp, err := d.dialer.DialContext(ctx, d.url, d.header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
				d.logger.Error("realtime_rate_limited", "status", resp.Status)
				return resilience.RateLimitError{Provider: "realtime", Message: resp.Status}
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			return nil, errorsx.Wrap(err, errorsx.ReasonBackendCircuitOpen)
		case resilience.IsRateLimit(err):
			return nil, errorsx.Wrap(err, errorsx.ReasonBackendRateLimit)
		}
		return nil, errorsx.Wrapf(err, errorsx.ReasonBackendConnect, "dial realtime")
	}
	d.logger.Debug("realtime_connected")
	timeout := time.Duration(d.cfg.WriteTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return newWSConn(conn, timeout, d.logger), nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu sync.Mutex
	events  chan Event
	closed  chan struct{}
	once    sync.Once

	errMu   sync.Mutex
	readErr error
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *wsConn {
	c := &wsConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger,
		events:       make(chan Event, 64),
		closed:       make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) Configure(_ context.Context, session SessionConfig) error {
	if err := c.send(sessionUpdate(session)); err != nil {
		return err
	}
	return c.send(map[string]any{"type": "response.create"})
}

func (c *wsConn) SendAudio(payload string) error {
	return c.send(map[string]any{"type": "input_audio_buffer.append", "audio": payload})
}

func (c *wsConn) Recv(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return Event{}, c.err()
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close does not take the write lock: WriteControl and Close are safe next to
// a blocked WriteMessage, and closing the socket unblocks it.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) send(payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errorsx.New(errorsx.ReasonBackendSend, "realtime: connection closed")
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonBackendSend, "realtime send")
	}
	return nil
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				c.setErr(io.EOF)
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.setErr(io.EOF)
				} else {
					c.setErr(err)
				}
			}
			return
		}
		ev := ParseEvent(data)
		select {
		case c.events <- ev:
		case <-c.closed:
			c.setErr(io.EOF)
			return
		}
	}
}

func (c *wsConn) setErr(err error) {
	c.errMu.Lock()
	c.readErr = err
	c.errMu.Unlock()
}

func (c *wsConn) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		return io.EOF
	}
	return c.readErr
}
