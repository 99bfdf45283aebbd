// Package transcribe defines the caller transcription tap.
package transcribe

import (
	"context"

	"github.com/harunnryd/callcenter/pkg/media"
)

// Result is one transcribed caller utterance.
type Result struct {
	CallID string
	Text   string
	Final  bool
}

// Stream receives a call's inbound audio. SendAudio must not block.
type Stream interface {
	SendAudio(f media.Frame) error
	Close() error
}

// Opener starts a transcription stream for a call. onResult runs on the
// stream's own goroutine.
type Opener interface {
	Open(ctx context.Context, callID string, onResult func(Result)) (Stream, error)
}
