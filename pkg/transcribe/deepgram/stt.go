// Package deepgram transcribes caller audio with Deepgram live streaming.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/callcenter/pkg/errorsx"
	"github.com/harunnryd/callcenter/pkg/logging"
	"github.com/harunnryd/callcenter/pkg/media"
	"github.com/harunnryd/callcenter/pkg/redact"
	"github.com/harunnryd/callcenter/pkg/transcribe"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

var errClosed = errors.New("deepgram stream closed")

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Interim        bool   `mapstructure:"interim"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	Buffer         int    `mapstructure:"buffer"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "ja"
	}
	// Telephony media is 8 kHz mu-law.
	if c.Encoding == "" {
		c.Encoding = "mulaw"
	}
	if c.SampleRate == 0 {
		c.SampleRate = media.DefaultSampleRate
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	return c
}

// Opener opens one Deepgram live connection per call.
type Opener struct {
	cfg    Config
	logger *slog.Logger
}

var _ transcribe.Opener = (*Opener)(nil)

func New(cfg Config, logger *slog.Logger) (*Opener, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepgram: api_key is required")
	}
	return &Opener{cfg: cfg.withDefaults(), logger: logging.NewComponentLogger(logger, "deepgram_stt")}, nil
}

func (o *Opener) Open(ctx context.Context, callID string, onResult func(transcribe.Result)) (transcribe.Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := newStream(callID, o.cfg, onResult, logging.ForCall(o.logger, callID))
	ctx, s.cancel = context.WithCancel(ctx)

	pr, pw := io.Pipe()
	s.pw = pw

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          o.cfg.Model,
		Language:       o.cfg.Language,
		Encoding:       o.cfg.Encoding,
		SampleRate:     o.cfg.SampleRate,
		InterimResults: o.cfg.Interim,
		SmartFormat:    true,
	}
	if o.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", o.cfg.UtteranceEndMS)
	}

	dg, err := client.NewWSUsingCallback(ctx, o.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		s.cancel()
		return nil, errorsx.Wrap(err, errorsx.ReasonTranscriberConnect)
	}
	if connected := dg.Connect(); !connected {
		s.cancel()
		return nil, errorsx.New(errorsx.ReasonTranscriberConnect, "deepgram connection failed")
	}
	s.stop = dg.Stop
	s.logger.Info("deepgram_connected", "model", o.cfg.Model, "language", o.cfg.Language)

	go func() {
		if err := dg.Stream(pr); err != nil && ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error", "error", err.Error())
		}
	}()
	go s.writeLoop()
	return s, nil
}

type stream struct {
	callID   string
	interim  bool
	onResult func(transcribe.Result)
	logger   *slog.Logger

	audio   chan []byte
	pw      *io.PipeWriter
	cancel  context.CancelFunc
	stop    func()
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newStream(callID string, cfg Config, onResult func(transcribe.Result), logger *slog.Logger) *stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &stream{
		callID:   callID,
		interim:  cfg.Interim,
		onResult: onResult,
		logger:   logger,
		audio:    make(chan []byte, cfg.Buffer),
		done:     make(chan struct{}),
	}
}

// SendAudio queues the decoded payload of an AudioData frame. A full queue
// drops the frame.
func (s *stream) SendAudio(f media.Frame) error {
	if f.Kind != media.KindAudioData || f.Payload == "" {
		return nil
	}
	b, err := f.Bytes()
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errClosed
	default:
	}
	select {
	case s.audio <- b:
	default:
		if n := s.dropped.Add(1); n%100 == 1 {
			s.logger.Warn("deepgram_audio_dropped", "dropped", n)
		}
	}
	return nil
}

func (s *stream) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case b := <-s.audio:
			if _, err := s.pw.Write(b); err != nil {
				return
			}
		}
	}
}

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		if s.pw != nil {
			_ = s.pw.Close()
		}
		if s.stop != nil {
			s.stop()
		}
		s.logger.Info("deepgram_closed", "dropped", s.dropped.Load())
	})
	return nil
}

func (s *stream) deliver(text string, final bool) {
	if text == "" || (!final && !s.interim) {
		return
	}
	s.logger.Debug("caller_transcript_received", "text", redact.Text(text), "is_final", final)
	if s.onResult != nil {
		s.onResult(transcribe.Result{CallID: s.callID, Text: text, Final: final})
	}
}

type callback struct {
	parent *stream
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	c.parent.deliver(mr.Channel.Alternatives[0].Transcript, mr.IsFinal || mr.SpeechFinal)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Debug("deepgram_metadata_received", "request_id", md.RequestID)
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event")
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error", "error_code", er.ErrCode, "error_message", er.ErrMsg)
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", "size", len(byData))
	return nil
}

var _ msginterfaces.LiveMessageCallback = (*callback)(nil)
