package relay

import (
	"github.com/npezzotti/go-voicechat/internal/speech"
	"github.com/npezzotti/go-voicechat/internal/types"
)

type EventType string

const (
	EventTranscription EventType = "transcription"
	EventAIResponse    EventType = "ai_response"
	EventAIAudio       EventType = "ai_audio"
	EventError         EventType = "error"
)

// Event is pushed to the room while a job runs.
type Event struct {
	Type        EventType          `json:"type"`
	RoomId      string             `json:"room_id"`
	Text        string             `json:"text"`
	Message     *types.Message     `json:"message,omitempty"`
	Audio       []byte             `json:"audio,omitempty"`
	AudioFormat speech.AudioFormat `json:"audio_format,omitempty"`
	DurationMs  int64              `json:"duration_ms,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Sink receives the events of a job. It may be called from several
// goroutines at once.
type Sink func(Event)

// Result is everything a job produced.
type Result struct {
	Transcript       string             `json:"transcript"`
	Response         string             `json:"response,omitempty"`
	UserMessage      *types.Message     `json:"user_message,omitempty"`
	AssistantMessage *types.Message     `json:"assistant_message,omitempty"`
	Audio            []byte             `json:"audio,omitempty"`
	AudioFormat      speech.AudioFormat `json:"audio_format,omitempty"`
	DurationMs       int64              `json:"duration_ms,omitempty"`
}
