package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	vclog "github.com/npezzotti/go-voicechat/internal/log"
	"github.com/rs/zerolog"
)

const (
	providerAnthropic       = "anthropic"
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Timeout      time.Duration
	Retry        RetryConfig
}

// Anthropic is a Responder backed by the Anthropic Messages API.
type Anthropic struct {
	cfg        AnthropicConfig
	httpClient *http.Client
	log        *zerolog.Logger
}

func NewAnthropic(cfg AnthropicConfig, logger *zerolog.Logger) *Anthropic {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	l := vclog.Component(logger, "speech.anthropic")

	return &Anthropic{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        l,
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Anthropic) Respond(ctx context.Context, history []Turn, prompt string) (string, error) {
	reqBody := anthropicRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    a.cfg.SystemPrompt,
		Messages:  alternate(history, prompt),
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var result anthropicResponse
	err = WithRetry(ctx, a.cfg.Retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/messages", bytes.NewReader(bodyBytes))
		if err != nil {
			return Permanent(fmt.Errorf("creating request: %w", err))
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.cfg.APIKey)
		req.Header.Set("anthropic-version", anthropicVersion)

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			apiErr := parseAnthropicError(resp)
			if apiErr.Retryable() {
				return apiErr
			}
			return Permanent(apiErr)
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return Permanent(fmt.Errorf("decoding response: %w", err))
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range result.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	if sb.Len() == 0 {
		return "", errors.New("anthropic messages: empty response")
	}

	return sb.String(), nil
}

func parseAnthropicError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	message := strings.TrimSpace(string(body))
	var errResp anthropicErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	return &APIError{
		Provider:   providerAnthropic,
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}

// alternate builds a message list that starts with a user turn and
// alternates roles, merging consecutive turns of the same role.
func alternate(history []Turn, prompt string) []anthropicMessage {
	turns := append(append([]Turn{}, history...), Turn{Role: RoleUser, Content: prompt})

	msgs := make([]anthropicMessage, 0, len(turns))
	for _, turn := range turns {
		role := string(RoleUser)
		if turn.Role == RoleAssistant {
			role = string(RoleAssistant)
		}

		if len(msgs) == 0 && role != string(RoleUser) {
			continue
		}

		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n\n" + turn.Content
			continue
		}

		msgs = append(msgs, anthropicMessage{Role: role, Content: turn.Content})
	}

	return msgs
}
