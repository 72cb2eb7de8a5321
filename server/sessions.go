package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// session is an opaque bearer credential issued after a verified login.
type session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// loginResult freezes what the first verified poll of a challenge observed,
// so every later poll of the same challenge answers identically.
type loginResult struct {
	Token        string
	UserID       string
	IsNew        bool
	BonusAwarded bool
	staleAt      time.Time
}

type sessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*session
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{
		ttl:      ttl,
		sessions: make(map[string]*session),
	}
}

func (ss *sessionStore) issue(userID string) *session {
	s := &session{
		Token:     uuid.NewString(),
		UserID:    userID,
		ExpiresAt: time.Now().Add(ss.ttl),
	}
	ss.mu.Lock()
	ss.sessions[s.Token] = s
	ss.mu.Unlock()
	return s
}

func (ss *sessionStore) lookup(token string) (*session, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.sessions[token]
	if !ok {
		return nil, false
	}
	if time.Now().After(s.ExpiresAt) {
		delete(ss.sessions, token)
		return nil, false
	}
	return s, true
}

func (ss *sessionStore) prune(now time.Time) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for token, s := range ss.sessions {
		if now.After(s.ExpiresAt) {
			delete(ss.sessions, token)
		}
	}
}

// bearerToken extracts the Authorization bearer value, empty if absent.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// sessionUser resolves the request's bearer token to a user id.
func (s *Server) sessionUser(r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		return "", false
	}
	sess, ok := s.sessions.lookup(token)
	if !ok {
		return "", false
	}
	return sess.UserID, true
}

// requireAdmin guards the admin subrouter with the configured bearer key.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" || bearerToken(r) != s.cfg.AdminKey {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
