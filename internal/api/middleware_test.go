package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHandler_PanicRecovery(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := zerolog.New(buf)
	app := &VoiceChatApp{
		log: &logger,
	}

	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(panicHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	assert.Contains(t, buf.String(), "test panic")

	var e ApiError
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&e))
	assert.Equal(t, http.StatusInternalServerError, e.StatusCode)
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &VoiceChatApp{}

	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(okHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func TestRateLimiter_Allow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "expected third request in the window to be rejected")
	assert.True(t, rl.Allow("b"), "expected other clients to have their own bucket")

	now = now.Add(time.Minute + time.Second)
	assert.True(t, rl.Allow("a"), "expected the bucket to refill after the window")
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	for range 10 {
		assert.True(t, rl.Allow("a"))
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	calls := 0
	h := rl.Middleware(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		return req
	}

	rr := httptest.NewRecorder()
	h(rr, newReq())
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h(rr, newReq())
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))

	var e ApiError
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&e))
	assert.Equal(t, http.StatusTooManyRequests, e.StatusCode)
	assert.Equal(t, "too many requests", e.Message)
	assert.Equal(t, 1, calls)
}

func TestRateLimiter_SpoofedForwardedFor(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	h := rl.Middleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	allowed := 0
	for i := range 20 {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("192.0.2.%d", i))

		rr := httptest.NewRecorder()
		h(rr, req)
		if rr.Code == http.StatusOK {
			allowed++
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		}
	}

	assert.Equal(t, 1, allowed, "expected forwarding headers from an untrusted peer to be ignored")
	assert.Len(t, rl.buckets, 1)
}

func TestRateLimiter_Sweep(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, time.Minute)
	rl.now = func() time.Time { return now }

	for i := range 10 {
		rl.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	assert.Len(t, rl.buckets, 10)

	now = now.Add(time.Minute + time.Second)
	assert.True(t, rl.Allow("10.0.1.1"))
	assert.Len(t, rl.buckets, 1, "expected expired buckets to be dropped")
	assert.Contains(t, rl.buckets, "10.0.1.1")
}

func Test_clientIP(t *testing.T) {
	trusted := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.10/32"),
	}

	tcases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, "192.0.2.1:1234", "192.0.2.1"},
		{"remote addr without port", nil, "192.0.2.1", "192.0.2.1"},
		{"untrusted peer ignores forwarded for", map[string]string{"X-Forwarded-For": "203.0.113.5"}, "198.51.100.7:80", "198.51.100.7"},
		{"untrusted peer ignores real ip", map[string]string{"X-Real-IP": "203.0.113.9"}, "198.51.100.7:80", "198.51.100.7"},
		{"trusted peer forwarded for", map[string]string{"X-Forwarded-For": "203.0.113.5"}, "10.0.0.1:80", "203.0.113.5"},
		{"trusted chain skips proxies", map[string]string{"X-Forwarded-For": "1.2.3.4, 203.0.113.5, 192.0.2.10"}, "10.0.0.1:80", "203.0.113.5"},
		{"trusted peer real ip", map[string]string{"X-Real-IP": "203.0.113.9"}, "10.0.0.1:80", "203.0.113.9"},
		{"trusted peer without headers", nil, "10.0.0.1:80", "10.0.0.1"},
		{"all hops trusted", map[string]string{"X-Forwarded-For": "10.0.0.2"}, "10.0.0.1:80", "10.0.0.1"},
	}

	rl := NewRateLimiter(1, time.Minute, trusted...)
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, rl.clientIP(req))
		})
	}
}
