package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

const (
	// DefaultSigningKey is only suitable for local development.
	DefaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	defaultSystemPrompt = "You are a kind assistant. Please respond in Japanese."
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	OpenAI    OpenAIConfig    `mapstructure:"openai" yaml:"openai"`
	Anthropic AnthropicConfig `mapstructure:"anthropic" yaml:"anthropic"`
	Responder ResponderConfig `mapstructure:"responder" yaml:"responder"`
	Synthesis SynthesisConfig `mapstructure:"synthesis" yaml:"synthesis"`
	Upload    UploadConfig    `mapstructure:"upload" yaml:"upload"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	SigningKey        string        `mapstructure:"signing_key" yaml:"signing_key"`
	StaticDir         string        `mapstructure:"static_dir" yaml:"static_dir"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	UploadRateLimit   int           `mapstructure:"upload_rate_limit" yaml:"upload_rate_limit"`
	// TrustedProxies lists addresses or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are honored.
	TrustedProxies    []string      `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
}

type DatabaseConfig struct {
	DSN            string `mapstructure:"dsn" yaml:"dsn"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start" yaml:"migrate_on_start"`
	MaxOpenConns   int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

type OpenAIConfig struct {
	APIKey             string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL            string `mapstructure:"base_url" yaml:"base_url"`
	TranscriptionModel string `mapstructure:"transcription_model" yaml:"transcription_model"`
	Language           string `mapstructure:"language" yaml:"language"`
	ChatModel          string `mapstructure:"chat_model" yaml:"chat_model"`
	TTSModel           string `mapstructure:"tts_model" yaml:"tts_model"`
	Voice              string `mapstructure:"voice" yaml:"voice"`
}

type AnthropicConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Model   string `mapstructure:"model" yaml:"model"`
}

type ResponderConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	Provider        string `mapstructure:"provider" yaml:"provider"`
	SystemPrompt    string `mapstructure:"system_prompt" yaml:"system_prompt"`
	HistoryMessages int    `mapstructure:"history_messages" yaml:"history_messages"`
	MaxTokens       int    `mapstructure:"max_tokens" yaml:"max_tokens"`
}

type SynthesisConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type UploadConfig struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	MaxBytes int64  `mapstructure:"max_bytes" yaml:"max_bytes"`
	Keep     bool   `mapstructure:"keep" yaml:"keep"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns a configuration that runs locally against a
// postgres on localhost once an OpenAI key is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              "localhost:8000",
			AllowedOrigins:    []string{"http://localhost:8000"},
			SigningKey:        DefaultSigningKey,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			UploadRateLimit:   30,
		},
		Database: DatabaseConfig{
			DSN:          "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable",
			MaxOpenConns: 10,
		},
		OpenAI: OpenAIConfig{
			TranscriptionModel: "whisper-1",
			ChatModel:          "gpt-3.5-turbo-1106",
			TTSModel:           "tts-1",
			Voice:              "alloy",
		},
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-20250514",
		},
		Responder: ResponderConfig{
			Enabled:      true,
			Provider:     ProviderOpenAI,
			SystemPrompt: defaultSystemPrompt,
			MaxTokens:    1024,
		},
		Upload: UploadConfig{
			Dir:      "converted",
			MaxBytes: 25 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// SigningKeyBytes returns the decoded session signing key.
func (c *Config) SigningKeyBytes() ([]byte, error) {
	return decodeSigningSecret(c.Server.SigningKey)
}

// TrustedProxyPrefixes parses Server.TrustedProxies. A bare address is
// treated as a single host prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.Server.TrustedProxies))
	for _, raw := range c.Server.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}

		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return prefixes, nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server address cannot be empty")
	}
	if c.Database.DSN == "" {
		return errors.New("database DSN cannot be empty")
	}
	if c.Server.SigningKey == "" {
		return errors.New("signing secret cannot be empty")
	}
	key, err := c.SigningKeyBytes()
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	if len(key) == 0 {
		return errors.New("signing secret cannot be empty")
	}
	if c.OpenAI.APIKey == "" {
		return errors.New("openai api key is required for transcription")
	}
	if c.Upload.Dir == "" {
		return errors.New("upload directory cannot be empty")
	}
	if c.Upload.MaxBytes <= 0 {
		return errors.New("upload max bytes must be positive")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	if c.Responder.HistoryMessages < 0 {
		return errors.New("responder history messages cannot be negative")
	}

	switch c.Responder.Provider {
	case ProviderOpenAI:
	case ProviderAnthropic:
		if c.Responder.Enabled && c.Anthropic.APIKey == "" {
			return errors.New("anthropic api key is required when responder provider is anthropic")
		}
	default:
		return fmt.Errorf("unknown responder provider %q", c.Responder.Provider)
	}

	return nil
}
