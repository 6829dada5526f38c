package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/npezzotti/go-voicechat/internal/types"
)

var defaultExp = time.Hour * 24 * 30

const (
	sessionCookieKey = "session"

	sessionIdClaim = "sid"
	expClaim       = "exp"
)

type contextKey string

const sessionIdKey contextKey = "session-id"

func WithSessionId(ctx context.Context, sessionId string) context.Context {
	return context.WithValue(ctx, sessionIdKey, sessionId)
}

func SessionId(ctx context.Context) (string, bool) {
	sessionId, ok := ctx.Value(sessionIdKey).(string)
	return sessionId, ok && sessionId != ""
}

// sessionMiddleware attaches the caller's anonymous session to the request
// context, issuing a fresh one when the cookie is missing or invalid.
func (s *VoiceChatApp) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionId, err := s.sessionFromRequest(r)
		if err != nil {
			if !errors.Is(err, http.ErrNoCookie) {
				s.log.Debug().Err(err).Msg("discarding invalid session")
			}

			sessionId = uuid.NewString()
			token, err := s.createJwtForSession(sessionId, defaultExp)
			if err != nil {
				errResp := NewInternalServerError(err)
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}

			http.SetCookie(w, createJwtCookie(token, defaultExp))
		}

		next.ServeHTTP(w, r.WithContext(WithSessionId(r.Context(), sessionId)))
	})
}

func (s *VoiceChatApp) session(w http.ResponseWriter, r *http.Request) {
	sessionId, ok := SessionId(r.Context())
	if !ok {
		errResp := NewInternalServerError(errors.New("no session"))
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	s.writeJson(w, http.StatusOK, types.Session{Id: sessionId})
}

func (s *VoiceChatApp) sessionFromRequest(r *http.Request) (string, error) {
	cookie, err := r.Cookie(sessionCookieKey)
	if err != nil {
		return "", err
	}

	token, err := s.verifyToken(cookie.Value)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}

	sessionId, ok := claims[sessionIdClaim].(string)
	if !ok || sessionId == "" {
		return "", errors.New("invalid session id claim")
	}

	return sessionId, nil
}

func createJwtCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *VoiceChatApp) createJwtForSession(sessionId string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		sessionIdClaim: sessionId,
		expClaim:       time.Now().Add(exp).Unix(),
	})

	return token.SignedString(s.signingKey)
}

func (s *VoiceChatApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	return token, nil
}
