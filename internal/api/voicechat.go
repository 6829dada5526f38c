// Package api serves the HTTP surface of the relay: the single page, the
// room and message endpoints, audio uploads and the WebSocket upgrade.
package api

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-voicechat/internal/config"
	"github.com/npezzotti/go-voicechat/internal/database"
	"github.com/npezzotti/go-voicechat/internal/relay"
	"github.com/npezzotti/go-voicechat/internal/server"
	vclog "github.com/npezzotti/go-voicechat/internal/log"
	"github.com/rs/zerolog"
)

//go:embed static
var staticFiles embed.FS

// Hub is the real-time side the HTTP handlers talk to.
type Hub interface {
	Serve(conn *websocket.Conn, sessionId string)
	Publish(ev relay.Event)
	UnloadRoom(ctx context.Context, roomId string, deleted bool) error
}

type VoiceChatApp struct {
	log            *zerolog.Logger
	db             database.VoiceChatRepository
	hub            Hub
	jobs           server.JobRunner
	srv            *http.Server
	signingKey     []byte
	allowedOrigins []string
	limiter        *RateLimiter
}

func NewVoiceChatApp(mux *http.ServeMux, logger *zerolog.Logger, hub Hub, db database.VoiceChatRepository, jobs server.JobRunner, cfg *config.Config) (*VoiceChatApp, error) {
	signingKey, err := cfg.SigningKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}

	l := vclog.Component(logger, "api")

	s := &VoiceChatApp{
		log:            l,
		db:             db,
		hub:            hub,
		jobs:           jobs,
		signingKey:     signingKey,
		allowedOrigins: cfg.Server.AllowedOrigins,
		limiter:        NewRateLimiter(cfg.Server.UploadRateLimit, time.Minute, trusted...),
	}

	static, err := s.staticHandler(cfg.Server.StaticDir)
	if err != nil {
		return nil, err
	}

	mux.Handle("GET /", static)
	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /api/session", s.session)
	mux.HandleFunc("POST /api/rooms", s.createRoom)
	mux.HandleFunc("GET /api/rooms", s.listRooms)
	mux.HandleFunc("GET /api/rooms/{id}", s.getRoom)
	mux.HandleFunc("DELETE /api/rooms/{id}", s.deleteRoom)
	mux.HandleFunc("GET /api/rooms/{id}/messages", s.getMessages)
	mux.HandleFunc("POST /api/rooms/{id}/messages", s.limiter.Middleware(s.postMessage))
	mux.HandleFunc("POST /api/rooms/{id}/audio", s.limiter.Middleware(s.uploadAudio))
	mux.HandleFunc("GET /ws", s.serveWs)

	var h http.Handler = s.sessionMiddleware(mux)

	h = handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", passcodeHeader}),
		handlers.AllowCredentials(),
	)(h)

	h = handlers.CombinedLoggingHandler(vclog.Component(logger, "access"), h)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	return s, nil
}

// Handler returns the fully wrapped handler chain.
func (s *VoiceChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *VoiceChatApp) staticHandler(dir string) (http.Handler, error) {
	if dir != "" {
		return http.FileServer(http.Dir(dir)), nil
	}

	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("static files: %w", err)
	}
	return http.FileServerFS(sub), nil
}

func (s *VoiceChatApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *VoiceChatApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
