package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	vclog "github.com/npezzotti/go-voicechat/internal/log"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const providerOpenAI = "openai"

type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	TranscriptionModel string
	Language           string
	ChatModel          string
	SystemPrompt       string
	MaxTokens          int
	TTSModel           string
	Voice              string
	Timeout            time.Duration
	Retry              RetryConfig
}

// OpenAI implements Transcriber, Responder and Synthesizer on top of the
// OpenAI audio and chat completion endpoints.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
	log    *zerolog.Logger
}

func NewOpenAI(cfg OpenAIConfig, logger *zerolog.Logger) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = openai.Whisper1
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT3Dot5Turbo1106
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	l := vclog.Component(logger, "speech.openai")

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		log:    l,
	}
}

func (o *OpenAI) Transcribe(ctx context.Context, path string) (string, error) {
	start := time.Now()

	var resp openai.AudioResponse
	err := WithRetry(ctx, o.cfg.Retry, func() error {
		var err error
		resp, err = o.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    o.cfg.TranscriptionModel,
			FilePath: path,
			Language: o.cfg.Language,
		})
		return classify(err)
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}

	o.log.Debug().
		Str("model", o.cfg.TranscriptionModel).
		Int("chars", len(resp.Text)).
		Dur("latency", time.Since(start)).
		Msg("transcribed audio")

	return strings.TrimSpace(resp.Text), nil
}

func (o *OpenAI) Respond(ctx context.Context, history []Turn, prompt string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if o.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.cfg.SystemPrompt,
		})
	}
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:     o.cfg.ChatModel,
		Messages:  messages,
		MaxTokens: o.cfg.MaxTokens,
	}

	var resp openai.ChatCompletionResponse
	err := WithRetry(ctx, o.cfg.Retry, func() error {
		var err error
		resp, err = o.client.CreateChatCompletion(ctx, req)
		return classify(err)
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion: empty response")
	}

	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	start := time.Now()

	req := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.cfg.TTSModel),
		Input:          text,
		Voice:          openai.SpeechVoice(o.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	}

	var audio []byte
	err := WithRetry(ctx, o.cfg.Retry, func() error {
		resp, err := o.client.CreateSpeech(ctx, req)
		if err != nil {
			return classify(err)
		}
		defer resp.Close()

		audio, err = io.ReadAll(resp)
		if err != nil {
			return fmt.Errorf("read speech: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}

	result := &AudioResult{
		Audio:     audio,
		Format:    AudioFormatMP3,
		CharCount: len(text),
		LatencyMs: time.Since(start).Milliseconds(),
	}

	if d, err := MP3Duration(audio); err != nil {
		o.log.Warn().Err(err).Msg("could not determine speech duration")
	} else {
		result.Duration = d
	}

	o.log.Debug().
		Int("chars", result.CharCount).
		Int("bytes", len(audio)).
		Int64("latency_ms", result.LatencyMs).
		Str("voice", o.cfg.Voice).
		Msg("synthesized audio")

	return result, nil
}

// classify converts go-openai errors into APIErrors and marks the ones
// that are not worth retrying.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := &APIError{
			Provider:   providerOpenAI,
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
		}
		if e.Retryable() {
			return e
		}
		return Permanent(e)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		e := &APIError{
			Provider:   providerOpenAI,
			StatusCode: reqErr.HTTPStatusCode,
			Message:    reqErr.Error(),
		}
		if e.Retryable() {
			return e
		}
		return Permanent(e)
	}

	if errors.Is(err, fs.ErrNotExist) {
		return Permanent(err)
	}

	return err
}
