// Package adminapi is the loopback diagnostics server: a small
// chi-routed HTTP API, bound only to localhost, that exposes queue and
// sync-status introspection for local tooling and support sessions.
// Every request must carry a bearer token signed with a secret
// generated at process start and never persisted, so only a process
// that shares this run's memory (or was handed the token out of band)
// can reach it.
//
// Server-holds-dependencies shape plus bearer-token middleware,
// simplified down from upstream-IdP RS256/JWKS validation to a single
// local HS256 secret since there is no external identity provider here.
package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/queue"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// OnlineChecker reports current connectivity for the status endpoint.
type OnlineChecker func() bool

// Server holds the dependencies diagnostic handlers read from.
type Server struct {
	DB       *storage.Database
	Queue    *queue.Queue
	IsOnline OnlineChecker
	secret   []byte
}

// NewServer constructs a Server and mints a fresh local signing secret.
// The returned token must be logged or written somewhere the operator
// can retrieve it; it is never written to disk by this package.
func NewServer(db *storage.Database, q *queue.Queue, isOnline OnlineChecker) (*Server, string, error) {
	secret := uuid.New()
	s := &Server{DB: db, Queue: q, IsOnline: isOnline, secret: []byte(secret.String())}
	token, err := s.mintToken()
	if err != nil {
		return nil, "", fmt.Errorf("adminapi: mint token: %w", err)
	}
	return s, token, nil
}

func (s *Server) mintToken() (string, error) {
	claims := jwt.MapClaims{
		"sub": "local-admin",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

// Routes builds the admin HTTP router. Bind it only to a loopback
// listener (127.0.0.1:0 or similar) — this middleware authenticates the
// caller, it does not substitute for network isolation.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Get("/v1/admin/queue", s.handleListQueue)
		r.Get("/v1/admin/sync-status", s.handleSyncStatus)
		r.Get("/v1/admin/status", s.handleStatus)
	})

	log.Info().Msg("adminapi: routes registered")
	return r
}

func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if len(h) < 8 || h[:7] != "Bearer " {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		tokenStr := h[7:]

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			log.Warn().Err(err).Msg("adminapi: token rejected")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("adminapi: encode response")
	}
}

type queueRow struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	NoteID     string `json:"noteId"`
	Status     string `json:"status"`
	Priority   int    `json:"priority"`
	RetryCount int    `json:"retryCount"`
	LastError  string `json:"lastError,omitempty"`
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := s.Queue.GetPendingOperations(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("adminapi: list pending operations")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	out := make([]queueRow, 0, len(ops))
	for _, op := range ops {
		out = append(out, queueRow{
			ID:         op.ID,
			Type:       string(op.Type),
			NoteID:     op.NoteID,
			Status:     string(op.Status),
			Priority:   op.Priority,
			RetryCount: op.RetryCount,
			LastError:  op.LastError,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": out, "count": len(out)})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.DB.GetSyncStatus(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("adminapi: load sync status")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"syncTag":      status.SyncTag,
		"lastSyncTime": status.LastSyncTime,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	online := false
	if s.IsOnline != nil {
		online = s.IsOnline()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"online": online,
		"time":   time.Now().UnixMilli(),
	})
}
