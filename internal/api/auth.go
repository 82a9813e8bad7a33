package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sankalpsthakur/scope3-reduce/internal/model"
)

type contextKey string

const actorKey contextKey = "actor"

const sessionTTL = 24 * time.Hour

// actorFrom returns the authenticated user ID for the request.
func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey).(string)
	return actor
}

// authenticate resolves the session token from the session_token cookie
// or an Authorization bearer header and rejects anything it cannot map
// to a live session.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if c, err := r.Cookie("session_token"); err == nil {
				token = c.Value
			}
		}
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing session token"})
			return
		}
		sess, err := s.store.GetSession(r.Context(), token)
		if err != nil {
			if eris.Is(err, model.ErrNotFound) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid session token"})
				return
			}
			writeError(w, err)
			return
		}
		if time.Now().After(sess.ExpiresAt) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "session expired"})
			return
		}
		ctx := context.WithValue(r.Context(), actorKey, sess.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

type createSessionResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleCreateSession mints a session token for a user that the upstream
// identity layer has already verified.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeBadRequest(w, "user_id is required")
		return
	}
	token, err := newSessionToken()
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now().UTC()
	sess := model.Session{
		Token:     token,
		UserID:    req.UserID,
		ExpiresAt: now.Add(sessionTTL),
		CreatedAt: now,
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "session_token",
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusCreated, createSessionResponse{
		Token:     token,
		UserID:    sess.UserID,
		ExpiresAt: sess.ExpiresAt,
	})
}

// handleLogout deletes the session and clears the cookie. Logging out an
// already-dead token succeeds.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		if c, err := r.Cookie("session_token"); err == nil {
			token = c.Value
		}
	}
	if token != "" {
		if err := s.store.DeleteSession(r.Context(), token); err != nil {
			writeError(w, err)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "session_token",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", eris.Wrap(err, "api: generate session token")
	}
	return hex.EncodeToString(buf), nil
}
