package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/callcenter/pkg/errorsx"
	"github.com/harunnryd/callcenter/pkg/identity"
	"github.com/harunnryd/callcenter/pkg/logging"
	"github.com/harunnryd/callcenter/pkg/media"
	"github.com/harunnryd/callcenter/pkg/redact"
	"github.com/harunnryd/callcenter/pkg/transports"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	PublicURL      string   `mapstructure:"public_url"`
	AuthToken      string   `mapstructure:"auth_token"`
	AccountSID     string   `mapstructure:"account_sid"`
	IncomingPath   string   `mapstructure:"incoming_path"`
	CallbackPath   string   `mapstructure:"callback_path"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	WhisperPath    string   `mapstructure:"whisper_path"`
	VoiceGreeting  string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.IncomingPath == "" {
		c.IncomingPath = "/api/incomingCall"
	}
	if c.CallbackPath == "" {
		c.CallbackPath = "/api/callbacks"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.WhisperPath == "" {
		c.WhisperPath = "/api/whisper"
	}
	c.CallbackPath = strings.TrimRight(c.CallbackPath, "/")
	c.WebsocketPath = strings.TrimRight(c.WebsocketPath, "/")
	c.WhisperPath = strings.TrimRight(c.WhisperPath, "/")
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport answers Twilio voice webhooks, serves the per-call media stream
// websocket and controls calls over the REST API.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	recvCh  chan transports.Event
	done    chan struct{}
	stopMu  sync.RWMutex
	stopped bool

	updateClient callUpdater
	incoming     atomic.Pointer[transports.IncomingHandler]

	mu      sync.Mutex
	calls   map[string]*call
	notes   map[string]string
	routes  map[string]http.Handler
	serving atomic.Bool

	draining atomic.Bool
}

type call struct {
	id          string
	sid         string
	from        string
	to          string
	toneEnabled bool
	stream      *session
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

var (
	_ transports.Transport      = (*Transport)(nil)
	_ transports.CallController = (*Transport)(nil)
	_ transports.ReadyReporter  = (*Transport)(nil)
)

func New(cfg Config, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logging.NewComponentLogger(logger, "twilio"),
		recvCh: make(chan transports.Event, 512),
		done:   make(chan struct{}),
		calls:  make(map[string]*call),
		notes:  make(map[string]string),
		routes: make(map[string]http.Handler),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan transports.Event { return t.recvCh }

func (t *Transport) SetIncomingHandler(h transports.IncomingHandler) {
	t.incoming.Store(&h)
}

// Handle mounts an extra route on the transport's HTTP server. It must be
// called before Start.
func (t *Transport) Handle(pattern string, h http.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[pattern] = h
}

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":  t.publicBase("https") + t.cfg.IncomingPath,
		"callback_url": t.publicBase("https") + t.cfg.CallbackPath + "/{call_id}",
	}
}

// Handler returns the HTTP routes served by Start.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+t.cfg.IncomingPath, t.handleIncoming)
	mux.HandleFunc("POST "+t.cfg.CallbackPath+"/{call_id}", t.handleCallback)
	mux.HandleFunc("GET "+t.cfg.WebsocketPath+"/{call_id}", t.handleStream)
	mux.HandleFunc("POST "+t.cfg.WhisperPath+"/{call_id}", t.handleWhisper)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.mu.Lock()
	for pattern, h := range t.routes {
		mux.Handle(pattern, h)
	}
	t.mu.Unlock()
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !t.serving.CompareAndSwap(false, true) {
		return errors.New("twilio transport already started")
	}
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = t.server.Close()
		case <-t.done:
		}
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Stop closes the server and every media stream, then closes Recv.
func (t *Transport) Stop() error {
	if !t.draining.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, c := range t.calls {
		if c.stream != nil {
			_ = c.stream.close()
		}
	}
	t.calls = make(map[string]*call)
	t.mu.Unlock()

	t.stopMu.Lock()
	t.stopped = true
	close(t.recvCh)
	t.stopMu.Unlock()
	return nil
}

func (t *Transport) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	handler := t.incoming.Load()
	if handler == nil || *handler == nil {
		t.logger.Error("incoming_call_unhandled")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	c := &call{
		id:   uuid.NewString(),
		sid:  r.FormValue("CallSid"),
		from: r.FormValue("From"),
		to:   r.FormValue("To"),
	}
	t.mu.Lock()
	t.calls[c.id] = c
	t.mu.Unlock()

	in := transports.IncomingCall{
		CallID:         c.id,
		ProviderCallID: c.sid,
		From:           c.from,
		To:             c.to,
		Caller:         identity.Parse(c.from),
	}
	t.logger.Info("incoming_call", "call_id", c.id, "call_sid", c.sid, "from", redact.Identifier(c.from))
	if err := (*handler)(r.Context(), in); err != nil {
		t.forget(c.id)
		t.logger.Error("incoming_call_rejected", "call_id", c.id, "error", err, "reason_code", string(errorsx.Reason(err)))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	stream := `<Stream url="` + xmlEscape(t.websocketURL(r, c.id)) + `" statusCallback="` + xmlEscape(t.callbackURL(r, c.id)) + `"/>`
	var twiml string
	if greeting := strings.TrimSpace(t.cfg.VoiceGreeting); greeting != "" {
		twiml = `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect>` + stream + `</Connect></Response>`
	} else {
		twiml = `<Response><Connect>` + stream + `</Connect></Response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) handleCallback(w http.ResponseWriter, r *http.Request) {
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_callback_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callID := r.PathValue("call_id")
	reason := callbackEndReason(r.FormValue("StreamEvent"), r.FormValue("CallStatus"))
	if reason == "" {
		t.logger.Debug("twilio_callback", "call_id", callID, "stream_event", r.FormValue("StreamEvent"), "call_status", r.FormValue("CallStatus"))
		w.WriteHeader(http.StatusOK)
		return
	}
	if !t.known(callID) {
		t.logger.Debug("twilio_callback_unknown_call", "call_id", callID, "reason", reason)
		w.WriteHeader(http.StatusOK)
		return
	}
	t.emit(r.Context(), transports.Event{Kind: transports.EventCallDisconnected, CallID: callID, Reason: reason})
	t.forget(callID)
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) handleWhisper(w http.ResponseWriter, r *http.Request) {
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	callID := r.PathValue("call_id")
	t.mu.Lock()
	note := t.notes[callID]
	delete(t.notes, callID)
	t.mu.Unlock()
	twiml := `<Response/>`
	if note != "" {
		twiml = `<Response><Say>` + xmlEscape(note) + `</Say></Response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) handleStream(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	callID := r.PathValue("call_id")
	if !t.known(callID) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	ctx := r.Context()

	var sess *session
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt TwilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.logger.Debug("twilio_stream_bad_message", "call_id", callID, "error", err)
			continue
		}
		switch evt.Event {
		case "connected":
			t.emit(ctx, transports.Event{Kind: transports.EventCallConnected, CallID: callID})
		case "start":
			if evt.Start == nil {
				continue
			}
			if sess == nil {
				sess = newSession(conn, evt.Start.StreamSID)
				if old := t.attach(callID, sess); old != nil {
					_ = old.close()
				}
			}
			md := media.AudioMetadata{
				StreamID:   evt.Start.StreamSID,
				Encoding:   evt.Start.MediaFormat.Encoding,
				SampleRate: evt.Start.MediaFormat.SampleRate,
				Channels:   evt.Start.MediaFormat.Channels,
			}
			if md.Encoding == "" {
				md.Encoding = media.EncodingMulaw
				md.SampleRate = media.DefaultSampleRate
				md.Channels = media.DefaultChannels
			}
			t.emit(ctx, transports.Event{
				Kind:   transports.EventMediaStarted,
				CallID: callID,
				Sink:   sess,
				Frame:  media.Metadata(md),
			})
		case "media":
			if evt.Media == nil || evt.Media.Payload == "" {
				continue
			}
			ms, _ := strconv.ParseInt(evt.Media.Timestamp, 10, 64)
			t.emitAudio(transports.Event{
				Kind:   transports.EventAudio,
				CallID: callID,
				Frame:  media.AudioData(evt.Media.Payload, time.Duration(ms)*time.Millisecond),
			})
		case "dtmf":
			if evt.DTMF == nil || !t.toneEnabled(callID) {
				continue
			}
			t.emit(ctx, transports.Event{Kind: transports.EventTone, CallID: callID, Tone: evt.DTMF.Digit})
		case "stop":
			t.emit(ctx, transports.Event{Kind: transports.EventCallDisconnected, CallID: callID, Reason: "completed"})
			t.forget(callID)
			return
		}
	}
	if t.known(callID) {
		t.emit(context.Background(), transports.Event{Kind: transports.EventCallDisconnected, CallID: callID, Reason: normalizeCallEndReason("transport_closed")})
		t.forget(callID)
	}
}

// emit delivers a control event, waiting for the consumer. It gives up when
// the transport stops or ctx is done.
func (t *Transport) emit(ctx context.Context, ev transports.Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	t.stopMu.RLock()
	defer t.stopMu.RUnlock()
	if t.stopped {
		return false
	}
	select {
	case t.recvCh <- ev:
		return true
	case <-t.done:
	case <-ctx.Done():
	}
	t.logger.Warn("twilio_event_dropped", "call_id", ev.CallID, "kind", ev.Kind.String())
	return false
}

// emitAudio never blocks; a full queue drops the frame.
func (t *Transport) emitAudio(ev transports.Event) {
	t.stopMu.RLock()
	defer t.stopMu.RUnlock()
	if t.stopped {
		return
	}
	select {
	case t.recvCh <- ev:
	default:
	}
}

func (t *Transport) attach(callID string, sess *session) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[callID]
	if !ok {
		return nil
	}
	old := c.stream
	c.stream = sess
	if old == sess {
		return nil
	}
	return old
}

func (t *Transport) forget(callID string) {
	t.mu.Lock()
	c := t.calls[callID]
	delete(t.calls, callID)
	t.mu.Unlock()
	if c != nil && c.stream != nil {
		_ = c.stream.close()
	}
}

func (t *Transport) known(callID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.calls[callID]
	return ok
}

func (t *Transport) lookup(callID string) (call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[callID]
	if !ok {
		return call{}, false
	}
	return *c, true
}

func (t *Transport) toneEnabled(callID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[callID]
	return ok && c.toneEnabled
}

func (t *Transport) websocketURL(r *http.Request, callID string) string {
	return t.base(r, "wss") + t.cfg.WebsocketPath + "/" + callID
}

func (t *Transport) callbackURL(r *http.Request, callID string) string {
	return t.base(r, "https") + t.cfg.CallbackPath + "/" + callID
}

func (t *Transport) base(r *http.Request, scheme string) string {
	if t.cfg.PublicURL != "" {
		return scheme + "://" + normalizePublicURL(t.cfg.PublicURL)
	}
	host := ""
	if r != nil {
		host = r.Host
	}
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host
}

func (t *Transport) publicBase(scheme string) string {
	if t.cfg.PublicURL != "" {
		return scheme + "://" + normalizePublicURL(t.cfg.PublicURL)
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

// callbackEndReason maps a stream or call status callback to a disconnect
// reason. Empty means the callback does not end the call.
func callbackEndReason(streamEvent, callStatus string) string {
	switch strings.ToLower(strings.TrimSpace(streamEvent)) {
	case "stream-stopped":
		return "completed"
	case "stream-error":
		return "failed"
	}
	return normalizeCallEndReason(callStatus)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress", "initiated":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

// session is one media stream websocket. It is the call's media.Sink.
type session struct {
	conn      *websocket.Conn
	streamSID string
	sendCh    chan []byte
	done      chan struct{}
	once      sync.Once
}

var _ media.Sink = (*session)(nil)

func newSession(conn *websocket.Conn, streamSID string) *session {
	s := &session{
		conn:      conn,
		streamSID: streamSID,
		sendCh:    make(chan []byte, 256),
		done:      make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *session) SendAudio(payload string) error {
	return s.enqueue(map[string]any{
		"event":     "media",
		"streamSid": s.streamSID,
		"media":     map[string]any{"payload": payload},
	})
}

func (s *session) ClearAudio() error {
	return s.enqueue(map[string]any{
		"event":     "clear",
		"streamSid": s.streamSID,
	})
}

func (s *session) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errorsx.New(errorsx.ReasonTransportSend, "media stream closed")
	case s.sendCh <- b:
	default:
	}
	return nil
}

func (s *session) loop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.sendCh:
			if s.conn == nil {
				continue
			}
			_ = s.conn.WriteMessage(websocket.TextMessage, msg)
		}
	}
}

func (s *session) close() error {
	s.once.Do(func() { close(s.done) })
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

type TwilioMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type TwilioStart struct {
	CallSID     string            `json:"callSid"`
	StreamSID   string            `json:"streamSid"`
	MediaFormat TwilioMediaFormat `json:"mediaFormat"`
}

type TwilioMedia struct {
	Track     string `json:"track"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type TwilioDTMF struct {
	Digit string `json:"digit"`
}

type TwilioStop struct {
	CallSID string `json:"callSid"`
}

type TwilioEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *TwilioStart `json:"start,omitempty"`
	Media     *TwilioMedia `json:"media,omitempty"`
	DTMF      *TwilioDTMF  `json:"dtmf,omitempty"`
	Stop      *TwilioStop  `json:"stop,omitempty"`
}

func normalizePublicURL(v string) string {
	if v == "" {
		return ""
	}
	if len(v) >= 8 && v[:8] == "https://" {
		v = v[8:]
	} else if len(v) >= 7 && v[:7] == "http://" {
		v = v[7:]
	}
	for len(v) > 0 && v[len(v)-1] == '/' {
		v = v[:len(v)-1]
	}
	return v
}
