// Package http exposes the instance manager over a JSON HTTP API.
package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wagate/internal/gateway"
	"github.com/nextlevelbuilder/wagate/internal/instance"
	"github.com/nextlevelbuilder/wagate/internal/session"
	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

// Manager is the orchestrator surface the handlers call.
type Manager interface {
	ListInstances() []instance.Record
	GetInstance(id string) (instance.Record, bool)
	CreateInstance(ctx context.Context, id string, metadata map[string]any) (instance.Record, error)
	DeleteInstance(ctx context.Context, id string) (bool, error)
	UpdateStatus(id string, status instance.Status) (instance.Record, error)
	UpdateMetadata(id string, metadata map[string]any) (instance.Record, error)
	GetOrCreateSession(ctx context.Context, id string) (*session.Session, error)
	GetQRCode(id string) (session.QRCode, bool)
	SendMessage(ctx context.Context, id, to, typ string, payload json.RawMessage) (session.SendReceipt, error)
	SessionCount() int
}

// Options configures NewServer.
type Options struct {
	// Token is the shared bearer secret. Empty disables authentication.
	Token          string
	RateLimitRPM   int
	RateLimitBurst int
	// Events serves GET /events. Nil leaves the route unregistered.
	Events http.Handler
}

// Server holds the handlers. Token and rate limit can be swapped while serving.
type Server struct {
	manager Manager
	events  http.Handler

	token   atomic.Pointer[string]
	limiter atomic.Pointer[gateway.RateLimiter]
}

// NewServer creates a server for m.
func NewServer(m Manager, opts Options) *Server {
	s := &Server{manager: m, events: opts.Events}
	s.SetToken(opts.Token)
	s.SetRateLimit(opts.RateLimitRPM, opts.RateLimitBurst)
	return s
}

// SetToken replaces the bearer token.
func (s *Server) SetToken(token string) {
	s.token.Store(&token)
}

// SetRateLimit replaces the per-client rate limiter. rpm <= 0 disables it.
func (s *Server) SetRateLimit(rpm, burst int) {
	if old := s.limiter.Swap(gateway.NewRateLimiter(rpm, burst)); old != nil {
		old.Stop()
	}
}

// Close releases background resources.
func (s *Server) Close() {
	if rl := s.limiter.Load(); rl != nil {
		rl.Stop()
	}
}

// Handler returns the routed handler wrapped in logging and rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(s.rateLimit(mux))
}

// RegisterRoutes registers all routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /qrcode", s.authMiddleware(false, s.handleQRCode))
	mux.HandleFunc("GET /instances", s.authMiddleware(false, s.handleListInstances))
	mux.HandleFunc("POST /instances", s.authMiddleware(false, s.handleCreateInstance))
	mux.HandleFunc("GET /instances/{id}", s.authMiddleware(false, s.handleGetInstance))
	mux.HandleFunc("DELETE /instances/{id}", s.authMiddleware(false, s.handleDeleteInstance))
	mux.HandleFunc("PATCH /instances/{id}/status", s.authMiddleware(false, s.handleUpdateStatus))
	mux.HandleFunc("PATCH /instances/{id}/metadata", s.authMiddleware(false, s.handleUpdateMetadata))
	mux.HandleFunc("POST /messages", s.authMiddleware(false, s.handleSendMessage))
	if s.events != nil {
		mux.HandleFunc("GET /events", s.authMiddleware(true, s.events.ServeHTTP))
	}
}

func (s *Server) authMiddleware(allowQuery bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatch(requestToken(r, allowQuery), *s.token.Load()) {
			slog.Warn("security.unauthorized", "path", r.URL.Path, "remote", clientKey(r))
			writeCode(w, r, protocol.ErrUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl := s.limiter.Load(); rl != nil && !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "60")
			writeCode(w, r, protocol.ErrResourceExhausted, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", reqID,
		)
	})
}

// statusRecorder captures the response status. It passes hijacking through
// for websocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"instances": len(s.manager.ListInstances()),
		"sessions":  s.manager.SessionCount(),
	})
}
