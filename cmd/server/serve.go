package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/npezzotti/go-voicechat/internal/api"
	"github.com/npezzotti/go-voicechat/internal/config"
	"github.com/npezzotti/go-voicechat/internal/database"
	vclog "github.com/npezzotti/go-voicechat/internal/log"
	"github.com/npezzotti/go-voicechat/internal/relay"
	"github.com/npezzotti/go-voicechat/internal/server"
	"github.com/npezzotti/go-voicechat/internal/speech"
	"github.com/npezzotti/go-voicechat/internal/stats"
	"github.com/npezzotti/go-voicechat/internal/upload"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}

			return run(cfg)
		},
	}

	def := config.Default()
	f := cmd.Flags()
	f.String("addr", def.Server.Addr, "server address")
	f.String("dsn", def.Database.DSN, "database connection string")
	f.String("signing-key", def.Server.SigningKey, "base64 encoded session signing key")
	f.StringSlice("allowed-origins", def.Server.AllowedOrigins, "comma-separated list of allowed origins for CORS")
	f.Bool("migrate", def.Database.MigrateOnStart, "apply database migrations before serving")
	f.String("log-format", def.Log.Format, "log format (console, json)")
	f.String("upload-dir", def.Upload.Dir, "directory for uploaded audio")

	return cmd
}

// buildServices picks the vendor bindings for the configured providers.
func buildServices(cfg *config.Config, logger *zerolog.Logger) relay.Services {
	oai := speech.NewOpenAI(speech.OpenAIConfig{
		APIKey:             cfg.OpenAI.APIKey,
		BaseURL:            cfg.OpenAI.BaseURL,
		TranscriptionModel: cfg.OpenAI.TranscriptionModel,
		Language:           cfg.OpenAI.Language,
		ChatModel:          cfg.OpenAI.ChatModel,
		SystemPrompt:       cfg.Responder.SystemPrompt,
		MaxTokens:          cfg.Responder.MaxTokens,
		TTSModel:           cfg.OpenAI.TTSModel,
		Voice:              cfg.OpenAI.Voice,
	}, logger)

	svc := relay.Services{Transcriber: oai}

	if cfg.Responder.Enabled {
		switch cfg.Responder.Provider {
		case config.ProviderAnthropic:
			svc.Responder = speech.NewAnthropic(speech.AnthropicConfig{
				APIKey:       cfg.Anthropic.APIKey,
				BaseURL:      cfg.Anthropic.BaseURL,
				Model:        cfg.Anthropic.Model,
				SystemPrompt: cfg.Responder.SystemPrompt,
				MaxTokens:    cfg.Responder.MaxTokens,
			}, logger)
		default:
			svc.Responder = oai
		}
	}

	if cfg.Synthesis.Enabled {
		svc.Synthesizer = oai
	}

	return svc
}

func run(cfg *config.Config) error {
	logger := vclog.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	if cfg.Database.MigrateOnStart {
		logger.Info().Msg("applying database migrations")
		if err := database.Migrate(cfg.Database.DSN, database.MigrateUp); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	repo, err := database.NewPgVoiceChatRepository(cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	store, err := upload.NewStore(cfg.Upload.Dir, cfg.Upload.MaxBytes, cfg.Upload.Keep)
	if err != nil {
		return fmt.Errorf("upload store: %w", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	pipeline := relay.NewPipeline(repo, store, buildServices(cfg, logger), relay.Config{
		Respond:         cfg.Responder.Enabled,
		Synthesize:      cfg.Synthesis.Enabled,
		HistoryMessages: cfg.Responder.HistoryMessages,
	}, statsUpdater, logger)

	chatServer, err := server.NewChatServer(logger, repo, pipeline, statsUpdater)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	srv, err := api.NewVoiceChatApp(mux, logger, chatServer, repo, pipeline, cfg)
	if err != nil {
		return fmt.Errorf("new app: %w", err)
	}

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server: %w", err)
			logger.Error().Err(err).Msg("server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	logger.Info().Msg("shutting down chat server...")
	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("chat server shutdown")
	}

	logger.Info().Msg("shutdown complete")
	return serveErr
}
