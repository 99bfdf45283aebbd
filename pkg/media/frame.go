// Package media defines the frames exchanged with a call's media channel.
package media

import (
	"encoding/base64"
	"time"
)

type Kind int

const (
	KindAudioData Kind = iota
	KindAudioMetadata
)

func (k Kind) String() string {
	switch k {
	case KindAudioData:
		return "audio_data"
	case KindAudioMetadata:
		return "audio_metadata"
	default:
		return "unknown"
	}
}

// Default telephony audio format.
const (
	EncodingMulaw     = "audio/x-mulaw"
	DefaultSampleRate = 8000
	DefaultChannels   = 1
)

type AudioMetadata struct {
	StreamID   string
	Encoding   string
	SampleRate int
	Channels   int
}

// Frame is one media-channel message. Payload stays base64 encoded as
// received so it can be relayed without a decode/encode round trip.
type Frame struct {
	Kind      Kind
	Timestamp time.Duration
	Payload   string
	Silent    bool
	Metadata  *AudioMetadata
}

func AudioData(payload string, ts time.Duration) Frame {
	return Frame{Kind: KindAudioData, Payload: payload, Timestamp: ts}
}

func Metadata(md AudioMetadata) Frame {
	return Frame{Kind: KindAudioMetadata, Metadata: &md}
}

// Bytes decodes the payload.
func (f Frame) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Payload)
}

// Sink plays audio to the caller.
type Sink interface {
	// SendAudio queues one base64 audio chunk for playback.
	SendAudio(payload string) error
	// ClearAudio drops audio queued but not yet played.
	ClearAudio() error
}

// SinkFunc adapts a function to Sink; ClearAudio is a no-op.
type SinkFunc func(payload string) error

func (f SinkFunc) SendAudio(payload string) error { return f(payload) }
func (f SinkFunc) ClearAudio() error              { return nil }
