package realtime

import (
	"encoding/json"
)

// EventKind classifies a server event.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventAudioDelta
	EventTranscriptDelta
	EventText
	EventInputTranscript
	EventSpeechStarted
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAudioDelta:
		return "audio_delta"
	case EventTranscriptDelta:
		return "transcript_delta"
	case EventText:
		return "text"
	case EventInputTranscript:
		return "input_transcript"
	case EventSpeechStarted:
		return "speech_started"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one decoded server message. Delta carries base64 audio for
// EventAudioDelta and text otherwise.
type Event struct {
	Kind       EventKind
	Type       string
	Delta      string
	ResponseID string
	Error      string
}

type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	ResponseID string `json:"response_id"`
	Response   *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var eventKinds = map[string]EventKind{
	"response.audio.delta":            EventAudioDelta,
	"response.audio_transcript.delta": EventTranscriptDelta,
	"response.text.delta":             EventText,
	"conversation.item.input_audio_transcription.completed": EventInputTranscript,
	"input_audio_buffer.speech_started":                     EventSpeechStarted,
	"response.done":                                         EventDone,
	"error":                                                 EventError,
}

// ParseEvent decodes a server message. Undecodable payloads become
// EventUnknown rather than an error.
func ParseEvent(data []byte) Event {
	var raw serverEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{Kind: EventUnknown, Error: err.Error()}
	}
	ev := Event{Kind: eventKinds[raw.Type], Type: raw.Type, ResponseID: raw.ResponseID}
	switch ev.Kind {
	case EventAudioDelta, EventTranscriptDelta, EventText:
		ev.Delta = raw.Delta
	case EventInputTranscript:
		ev.Delta = raw.Transcript
	case EventDone:
		if raw.Response != nil {
			ev.ResponseID = raw.Response.ID
		}
	case EventError:
		if raw.Error != nil {
			ev.Error = raw.Error.Message
			if ev.Error == "" {
				ev.Error = raw.Error.Code
			}
		}
	}
	return ev
}

// SessionConfig parameterizes a backend session.
type SessionConfig struct {
	Instructions       string
	Voice              string
	InputAudioFormat   string
	OutputAudioFormat  string
	TranscriptionModel string
}

const (
	DefaultVoice              = "shimmer"
	DefaultAudioFormat        = "g711_ulaw"
	DefaultTranscriptionModel = "whisper-1"
)

func (s SessionConfig) withDefaults() SessionConfig {
	if s.Voice == "" {
		s.Voice = DefaultVoice
	}
	if s.InputAudioFormat == "" {
		s.InputAudioFormat = DefaultAudioFormat
	}
	if s.OutputAudioFormat == "" {
		s.OutputAudioFormat = DefaultAudioFormat
	}
	if s.TranscriptionModel == "" {
		s.TranscriptionModel = DefaultTranscriptionModel
	}
	return s
}

func sessionUpdate(s SessionConfig) map[string]any {
	s = s.withDefaults()
	return map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions":              s.Instructions,
			"voice":                     s.Voice,
			"input_audio_format":        s.InputAudioFormat,
			"output_audio_format":       s.OutputAudioFormat,
			"input_audio_transcription": map[string]any{"model": s.TranscriptionModel},
			"turn_detection":            map[string]any{"type": "server_vad"},
		},
	}
}
