// Package speech binds the relay to the vendor APIs doing the actual work:
// speech-to-text, chat completion and text-to-speech.
package speech

import (
	"context"
	"errors"
	"time"
)

var ErrNotConfigured = errors.New("speech service not configured")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior message of a conversation passed to a Responder.
type Turn struct {
	Role    Role
	Content string
}

type Transcriber interface {
	// Transcribe returns the text spoken in the audio file at path.
	Transcribe(ctx context.Context, path string) (string, error)
}

type Responder interface {
	// Respond answers prompt given the earlier turns of the conversation,
	// oldest first.
	Respond(ctx context.Context, history []Turn, prompt string) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*AudioResult, error)
}

type AudioFormat string

const AudioFormatMP3 AudioFormat = "mp3"

type AudioResult struct {
	Audio     []byte
	Format    AudioFormat
	Duration  time.Duration
	CharCount int
	LatencyMs int64
}

type NoopResponder struct{}

func (NoopResponder) Respond(context.Context, []Turn, string) (string, error) {
	return "", ErrNotConfigured
}

type NoopSynthesizer struct{}

func (NoopSynthesizer) Synthesize(context.Context, string) (*AudioResult, error) {
	return nil, ErrNotConfigured
}
