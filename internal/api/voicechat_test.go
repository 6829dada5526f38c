package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-voicechat/internal/config"
	"github.com/npezzotti/go-voicechat/internal/database"
	"github.com/npezzotti/go-voicechat/internal/relay"
	"github.com/npezzotti/go-voicechat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	mu        sync.Mutex
	events    []relay.Event
	unloaded  []string
	served    chan string
	unloadErr error
}

func newFakeHub() *fakeHub {
	return &fakeHub{served: make(chan string, 1)}
}

func (h *fakeHub) Serve(conn *websocket.Conn, sessionId string) {
	conn.Close()
	h.served <- sessionId
}

func (h *fakeHub) Publish(ev relay.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *fakeHub) UnloadRoom(ctx context.Context, roomId string, deleted bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unloaded = append(h.unloaded, roomId)
	return h.unloadErr
}

type fakeJobs struct {
	maxUpload int64
	process   func(ctx context.Context, job relay.Job, sink relay.Sink) (*relay.Result, error)
	ask       func(ctx context.Context, job relay.TextJob, sink relay.Sink) (*relay.Result, error)
}

func (f *fakeJobs) Process(ctx context.Context, job relay.Job, sink relay.Sink) (*relay.Result, error) {
	if f.process != nil {
		return f.process(ctx, job, sink)
	}
	return &relay.Result{}, nil
}

func (f *fakeJobs) Ask(ctx context.Context, job relay.TextJob, sink relay.Sink) (*relay.Result, error) {
	if f.ask != nil {
		return f.ask(ctx, job, sink)
	}
	return &relay.Result{}, nil
}

func (f *fakeJobs) MaxUploadBytes() int64 {
	return f.maxUpload
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{"http://localhost:8000"}
	return &cfg
}

func newTestApp(t *testing.T, db database.VoiceChatRepository, jobs *fakeJobs) (*VoiceChatApp, *fakeHub) {
	if jobs == nil {
		jobs = &fakeJobs{maxUpload: 1024}
	}

	hub := newFakeHub()
	app, err := NewVoiceChatApp(http.NewServeMux(), testutil.TestLogger(t), hub, db, jobs, testConfig())
	require.NoError(t, err)

	return app, hub
}

// serve runs req through the full handler chain as sessionId. An empty
// sessionId sends no cookie.
func serve(t *testing.T, app *VoiceChatApp, req *http.Request, sessionId string) *httptest.ResponseRecorder {
	if sessionId != "" {
		token, err := app.createJwtForSession(sessionId, defaultExp)
		require.NoError(t, err)
		req.AddCookie(createJwtCookie(token, defaultExp))
	}

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, req)
	return rr
}

func TestNewVoiceChatApp(t *testing.T) {
	db := &database.MockVoiceChatRepository{}
	cfg := testConfig()
	hub := newFakeHub()
	jobs := &fakeJobs{}

	app, err := NewVoiceChatApp(http.NewServeMux(), testutil.TestLogger(t), hub, db, jobs, cfg)
	require.NoError(t, err)

	key, err := cfg.SigningKeyBytes()
	require.NoError(t, err)

	assert.NotNil(t, app.srv, "expected http server to be initialized")
	assert.NotNil(t, app.log, "expected logger to be set")
	assert.Equal(t, db, app.db, "expected db to be set")
	assert.Equal(t, hub, app.hub, "expected hub to be set")
	assert.Equal(t, key, app.signingKey, "expected signing key to be set")
	assert.Equal(t, cfg.Server.Addr, app.srv.Addr, "expected server address to match config")
	assert.Equal(t, cfg.Server.AllowedOrigins, app.allowedOrigins)
}

func TestNewVoiceChatApp_InvalidSigningKey(t *testing.T) {
	cfg := testConfig()
	cfg.Server.SigningKey = "not base64!"

	_, err := NewVoiceChatApp(http.NewServeMux(), testutil.TestLogger(t), newFakeHub(), &database.MockVoiceChatRepository{}, &fakeJobs{}, cfg)
	assert.Error(t, err)
}

func TestNewVoiceChatApp_InvalidTrustedProxy(t *testing.T) {
	cfg := testConfig()
	cfg.Server.TrustedProxies = []string{"not-an-ip"}

	_, err := NewVoiceChatApp(http.NewServeMux(), testutil.TestLogger(t), newFakeHub(), &database.MockVoiceChatRepository{}, &fakeJobs{}, cfg)
	assert.ErrorContains(t, err, "trusted proxy")
}

func TestVoiceChatApp_StaticPage(t *testing.T) {
	app, _ := newTestApp(t, &database.MockVoiceChatRepository{}, nil)

	rr := serve(t, app, httptest.NewRequest(http.MethodGet, "/", nil), "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rr.Body.String(), "MediaRecorder")
}

func TestVoiceChatApp_StaticDirOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("custom page"), 0o644))

	cfg := testConfig()
	cfg.Server.StaticDir = dir
	app, err := NewVoiceChatApp(http.NewServeMux(), testutil.TestLogger(t), newFakeHub(), &database.MockVoiceChatRepository{}, &fakeJobs{}, cfg)
	require.NoError(t, err)

	rr := serve(t, app, httptest.NewRequest(http.MethodGet, "/", nil), "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "custom page", rr.Body.String())
}

func TestVoiceChatApp_MethodNotAllowed(t *testing.T) {
	app, _ := newTestApp(t, &database.MockVoiceChatRepository{}, nil)

	rr := serve(t, app, httptest.NewRequest(http.MethodPut, "/api/rooms", nil), "sess")

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestVoiceChatApp_CORS(t *testing.T) {
	db := &database.MockVoiceChatRepository{}
	db.On("ListRooms").Return([]database.Room{}, nil)
	app, _ := newTestApp(t, db, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.Header.Set("Origin", "http://localhost:8000")
	rr := serve(t, app, req, "sess")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "http://localhost:8000", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
}
