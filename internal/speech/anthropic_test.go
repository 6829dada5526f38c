package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/npezzotti/go-voicechat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAnthropic(t *testing.T, handler http.HandlerFunc) *Anthropic {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewAnthropic(AnthropicConfig{
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		Model:        "claude-test",
		SystemPrompt: "be kind",
		Retry:        fastRetry(),
	}, testutil.TestLogger(t))
}

func TestAnthropic_Respond(t *testing.T) {
	a := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-test", req.Model)
		assert.Equal(t, "be kind", req.System)
		assert.Equal(t, 1024, req.MaxTokens)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{
				{"type": "text", "text": "Hello "},
				{"type": "text", "text": "there"},
			},
		})
	})

	reply, err := a.Respond(context.Background(), nil, "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello there", reply)
}

func TestAnthropic_Respond_Errors(t *testing.T) {
	tcases := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{"client error not retried", http.StatusUnauthorized, 1},
		{"rate limit retried", http.StatusTooManyRequests, 3},
		{"server error retried", http.StatusBadGateway, 3},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var hits atomic.Int32
			a := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"type":"error","error":{"type":"x","message":"nope"}}`))
			})

			_, err := a.Respond(context.Background(), nil, "hi")
			require.Error(t, err)
			assert.Equal(t, tc.status, StatusCode(err))
			assert.Contains(t, err.Error(), "nope")
			assert.Equal(t, tc.wantCalls, hits.Load())
		})
	}
}

func TestAnthropic_Respond_EmptyContent(t *testing.T) {
	a := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[]}`))
	})

	_, err := a.Respond(context.Background(), nil, "hi")
	assert.Error(t, err)
}

func Test_alternate(t *testing.T) {
	history := []Turn{
		{Role: RoleAssistant, Content: "dangling"},
		{Role: RoleUser, Content: "a"},
		{Role: RoleUser, Content: "b"},
		{Role: RoleAssistant, Content: "c"},
	}

	msgs := alternate(history, "d")

	require.Len(t, msgs, 3)
	assert.Equal(t, anthropicMessage{Role: "user", Content: "a\n\nb"}, msgs[0])
	assert.Equal(t, anthropicMessage{Role: "assistant", Content: "c"}, msgs[1])
	assert.Equal(t, anthropicMessage{Role: "user", Content: "d"}, msgs[2])
}
