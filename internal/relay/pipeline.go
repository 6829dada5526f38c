// Package relay runs the voice pipeline: a recorded clip is transcribed,
// stored in its room, optionally answered by a chat model and optionally
// read back as speech.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/npezzotti/go-voicechat/internal/database"
	"github.com/npezzotti/go-voicechat/internal/speech"
	"github.com/npezzotti/go-voicechat/internal/stats"
	"github.com/npezzotti/go-voicechat/internal/types"
	"github.com/npezzotti/go-voicechat/internal/upload"
	vclog "github.com/npezzotti/go-voicechat/internal/log"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	MetricTranscriptions = "Transcriptions"
	MetricCompletions    = "Completions"
	MetricSyntheses      = "Syntheses"
	MetricPipelineErrors = "PipelineErrors"
)

var ErrEmptyPrompt = errors.New("prompt is empty")

type Config struct {
	// Respond enables the chat model. Jobs asking for a reply are
	// transcribed only when it is off.
	Respond bool
	// Synthesize enables text-to-speech of replies.
	Synthesize bool
	// HistoryMessages is how many earlier room messages are sent along
	// with the prompt.
	HistoryMessages int
}

// Services are the vendor bindings the pipeline drives.
type Services struct {
	Transcriber speech.Transcriber
	Responder   speech.Responder
	Synthesizer speech.Synthesizer
}

type Pipeline struct {
	repo  database.VoiceChatRepository
	store *upload.Store
	svc   Services
	cfg   Config
	stats stats.StatsProvider
	log   *zerolog.Logger
}

// Job is a recorded clip to run through the pipeline.
type Job struct {
	Room      database.Room
	SessionId string
	Audio     io.Reader
	Filename  string
	Respond   bool
	Speak     bool
}

// TextJob is a typed prompt. It skips the upload and transcription steps.
type TextJob struct {
	Room      database.Room
	SessionId string
	Content   string
	Respond   bool
	Speak     bool
}

func NewPipeline(repo database.VoiceChatRepository, store *upload.Store, svc Services, cfg Config, su stats.StatsProvider, logger *zerolog.Logger) *Pipeline {
	if svc.Responder == nil {
		svc.Responder = speech.NoopResponder{}
	}
	if svc.Synthesizer == nil {
		svc.Synthesizer = speech.NoopSynthesizer{}
	}

	for _, m := range []string{MetricTranscriptions, MetricCompletions, MetricSyntheses, MetricPipelineErrors} {
		su.RegisterMetric(m)
	}

	l := vclog.Component(logger, "relay")

	return &Pipeline{
		repo:  repo,
		store: store,
		svc:   svc,
		cfg:   cfg,
		stats: su,
		log:   l,
	}
}

// MaxUploadBytes is the largest clip the pipeline accepts.
func (p *Pipeline) MaxUploadBytes() int64 {
	return p.store.MaxBytes()
}

// Process saves the clip, transcribes it and stores the transcript as a
// user message. When the job and the pipeline both allow it the
// transcript is then answered. The temporary file is removed when done.
// Steps that already succeeded are not undone when a later one fails.
func (p *Pipeline) Process(ctx context.Context, job Job, sink Sink) (*Result, error) {
	sink = orNoop(sink)

	f, err := p.store.Save(job.Audio, job.Filename)
	if err != nil {
		return nil, p.fail(job.Room, sink, "invalid upload", err)
	}
	defer func() {
		if err := p.store.Remove(f); err != nil {
			p.log.Warn().Err(err).Str("file", f.Name).Msg("failed to remove upload")
		}
	}()

	p.log.Debug().
		Str("room_id", job.Room.ExternalId).
		Str("file", f.Name).
		Int64("bytes", f.Size).
		Msg("saved upload")

	transcript, err := p.svc.Transcriber.Transcribe(ctx, f.Path)
	if err != nil {
		return nil, p.fail(job.Room, sink, "transcription failed", err)
	}
	p.stats.Incr(MetricTranscriptions)

	res := &Result{Transcript: transcript}

	if transcript == "" {
		p.log.Info().Str("room_id", job.Room.ExternalId).Msg("empty transcript")
		sink(Event{Type: EventTranscription, RoomId: job.Room.ExternalId})
		return res, nil
	}

	userMsg, err := p.persist(ctx, job.Room, types.RoleUser, transcript, job.SessionId)
	if err != nil {
		return res, p.fail(job.Room, sink, "failed to save message", err)
	}

	msg := userMsg.ToType(job.Room.ExternalId)
	res.UserMessage = &msg
	sink(Event{
		Type:    EventTranscription,
		RoomId:  job.Room.ExternalId,
		Text:    transcript,
		Message: &msg,
	})

	if !job.Respond || !p.cfg.Respond {
		return res, nil
	}

	return res, p.reply(ctx, job.Room, job.SessionId, userMsg.SeqId, transcript, job.Speak, res, sink)
}

// Ask stores a typed prompt as a user message and answers it like a
// transcript.
func (p *Pipeline) Ask(ctx context.Context, job TextJob, sink Sink) (*Result, error) {
	sink = orNoop(sink)

	content := strings.TrimSpace(job.Content)
	if content == "" {
		return nil, ErrEmptyPrompt
	}

	userMsg, err := p.persist(ctx, job.Room, types.RoleUser, content, job.SessionId)
	if err != nil {
		return nil, p.fail(job.Room, sink, "failed to save message", err)
	}

	msg := userMsg.ToType(job.Room.ExternalId)
	res := &Result{Transcript: content, UserMessage: &msg}

	if !job.Respond || !p.cfg.Respond {
		return res, nil
	}

	return res, p.reply(ctx, job.Room, job.SessionId, userMsg.SeqId, content, job.Speak, res, sink)
}

func (p *Pipeline) reply(ctx context.Context, room database.Room, sessionId string, promptSeq int, prompt string, speak bool, res *Result, sink Sink) error {
	history, err := p.history(ctx, room.Id, promptSeq)
	if err != nil {
		return p.fail(room, sink, "failed to load history", err)
	}

	text, err := p.svc.Responder.Respond(ctx, history, prompt)
	if err != nil {
		return p.fail(room, sink, "response failed", err)
	}
	p.stats.Incr(MetricCompletions)
	res.Response = text

	var (
		g         errgroup.Group
		assistant database.Message
		audio     *speech.AudioResult
	)

	// The reply is stored and read out at the same time. Each goroutine
	// only writes its own variables.
	g.Go(func() error {
		m, err := p.persist(ctx, room, types.RoleAssistant, text, sessionId)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		assistant = m

		msg := m.ToType(room.ExternalId)
		sink(Event{
			Type:    EventAIResponse,
			RoomId:  room.ExternalId,
			Text:    text,
			Message: &msg,
		})
		return nil
	})

	if speak && p.cfg.Synthesize {
		g.Go(func() error {
			a, err := p.svc.Synthesizer.Synthesize(ctx, text)
			if err != nil {
				return fmt.Errorf("synthesis failed: %w", err)
			}
			p.stats.Incr(MetricSyntheses)
			audio = a

			sink(Event{
				Type:        EventAIAudio,
				RoomId:      room.ExternalId,
				Text:        text,
				Audio:       a.Audio,
				AudioFormat: a.Format,
				DurationMs:  a.Duration.Milliseconds(),
			})
			return nil
		})
	}

	err = g.Wait()

	if assistant.Id != 0 {
		msg := assistant.ToType(room.ExternalId)
		res.AssistantMessage = &msg
	}
	if audio != nil {
		res.Audio = audio.Audio
		res.AudioFormat = audio.Format
		res.DurationMs = audio.Duration.Milliseconds()
	}

	if err != nil {
		return p.fail(room, sink, "reply failed", err)
	}

	if res.AssistantMessage != nil && res.DurationMs > 0 {
		if err := p.repo.UpdateMessageAudio(ctx, assistant.Id, int(res.DurationMs)); err != nil {
			p.log.Warn().Err(err).Int("message_id", assistant.Id).Msg("failed to record audio duration")
		} else {
			res.AssistantMessage.AudioMs = int(res.DurationMs)
		}
	}

	return nil
}

// history returns up to HistoryMessages messages sent before promptSeq,
// oldest first.
func (p *Pipeline) history(ctx context.Context, roomId, promptSeq int) ([]speech.Turn, error) {
	n := p.cfg.HistoryMessages
	if n <= 0 {
		return nil, nil
	}

	msgs, err := p.repo.GetRecentMessages(ctx, roomId, n+1)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}

	turns := make([]speech.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.SeqId >= promptSeq {
			continue
		}
		turns = append(turns, speech.Turn{Role: speech.Role(m.Role), Content: m.Content})
	}

	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}

	return turns, nil
}

func (p *Pipeline) persist(ctx context.Context, room database.Room, role types.Role, content, sessionId string) (database.Message, error) {
	return p.repo.CreateMessage(ctx, database.CreateMessageParams{
		RoomId:    room.Id,
		Role:      role,
		Content:   content,
		SessionId: sessionId,
	})
}

// fail records a failed step and tells the room about it. The returned
// error wraps err with msg.
func (p *Pipeline) fail(room database.Room, sink Sink, msg string, err error) error {
	p.stats.Incr(MetricPipelineErrors)
	p.log.Error().
		Err(err).
		Str("room_id", room.ExternalId).
		Msg(msg)

	sink(Event{
		Type:   EventError,
		RoomId: room.ExternalId,
		Error:  msg,
	})

	return fmt.Errorf("%s: %w", msg, err)
}

func orNoop(sink Sink) Sink {
	if sink == nil {
		return func(Event) {}
	}
	return sink
}
