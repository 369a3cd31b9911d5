package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/marcusweller/parley/internal/chatlog"
	"github.com/marcusweller/parley/internal/config"
	"github.com/marcusweller/parley/internal/identity"
	"github.com/marcusweller/parley/internal/moderation"
	"github.com/marcusweller/parley/internal/policy"
	"github.com/marcusweller/parley/internal/presence"
	"github.com/marcusweller/parley/internal/ratelimit"
	"github.com/marcusweller/parley/internal/session"
	"github.com/marcusweller/parley/internal/ws"
	"github.com/redis/go-redis/v9"
)

// Server wires the chat core to its HTTP surface: the websocket
// endpoint plus the small credential-recovery API.
type Server struct {
	addr     string
	mux      *http.ServeMux
	ids      *identity.Store
	registry *session.Registry
	cm       *ws.ConnManager
	limiter  *ratelimit.IPLimiter
	stop     context.CancelFunc
}

// Option configures a Server.
type Option func(*options)

type options struct {
	redis redis.Cmdable
}

// WithRedis backs the message log with Redis instead of process memory.
func WithRedis(client redis.Cmdable) Option {
	return func(o *options) {
		o.redis = client
	}
}

// New constructs the full service from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ids := identity.NewStore(cfg.DataDir)
	if err := ids.Load(); err != nil {
		return nil, err
	}
	if cfg.AdminPassword != "" {
		for _, admin := range cfg.Admins {
			if err := ids.EnsureUser(admin, cfg.AdminPassword); err != nil {
				return nil, err
			}
		}
	}

	var msgLog chatlog.Log
	if o.redis != nil {
		msgLog = chatlog.NewRedisLog(o.redis, cfg.MaxMessages)
	} else {
		msgLog = chatlog.NewMemoryLog(cfg.MaxMessages)
	}

	pres := presence.NewTable()
	pol := policy.New(cfg.Cooldown())
	mod := moderation.NewEngine(cfg.Admins, cfg.AuditLimit, pol, ids, pres)

	var cmOpts []ws.ConnManagerOption
	if cfg.MaxConns > 0 {
		cmOpts = append(cmOpts, ws.WithMaxConns(cfg.MaxConns))
	}
	if cfg.IdleTimeout() > 0 {
		cmOpts = append(cmOpts, ws.WithIdleTimeout(cfg.IdleTimeout()))
	}
	cm := ws.NewConnManager(cmOpts...)

	registry := session.New(session.Options{
		Sender:       cm,
		Identity:     ids,
		Presence:     pres,
		Policy:       pol,
		Log:          msgLog,
		Whispers:     chatlog.NewWhisperLog(cfg.MaxWhispers),
		Moderation:   mod,
		HistoryLimit: cfg.HistoryLimit,
	})

	s := &Server{
		addr:     cfg.ListenAddr,
		mux:      http.NewServeMux(),
		ids:      ids,
		registry: registry,
		cm:       cm,
		limiter:  ratelimit.NewIPLimiter(cfg.UpgradeRateLimit, time.Minute),
	}
	s.routes()
	return s, nil
}

// Run starts the mute-expiry sweep and the HTTP server, blocking until
// the listener fails.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go s.registry.Run(ctx)
	return http.ListenAndServe(s.addr, s.mux)
}

// Shutdown stops the sweep and closes every live connection.
func (s *Server) Shutdown() {
	if s.stop != nil {
		s.stop()
	}
	s.cm.Shutdown()
}

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Registry exposes the session core for tests.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

func (s *Server) routes() {
	wsHandler := ws.NewHandler(s.cm, s.registry)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /ws", s.withIPLimit(wsHandler))
	s.mux.HandleFunc("POST /api/forgot", s.handleForgot)
	s.mux.HandleFunc("POST /api/reset", s.handleReset)
}

// withIPLimit rejects upgrade attempts from IPs over the churn limit.
func (s *Server) withIPLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.limiter.Allow(ip) {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

type forgotRequest struct {
	Username string `json:"username"`
}

type forgotResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Token   string `json:"token,omitempty"`
	Expires int64  `json:"expires,omitempty"` // epoch ms
}

// handleForgot issues a password reset token. The token is returned in
// the response; there is no email delivery in this design.
func (s *Server) handleForgot(w http.ResponseWriter, r *http.Request) {
	var req forgotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeJSON(w, forgotResponse{Error: "missing"})
		return
	}

	token, expires, err := s.ids.CreateResetToken(req.Username)
	if err != nil {
		if errors.Is(err, identity.ErrNoSuchUser) {
			writeJSON(w, forgotResponse{Error: "notfound"})
			return
		}
		log.Printf("server: forgot failed for %q: %v", req.Username, err)
		writeJSON(w, forgotResponse{Error: "server error"})
		return
	}
	writeJSON(w, forgotResponse{Success: true, Token: token, Expires: expires.UnixMilli()})
}

type resetRequest struct {
	Username    string `json:"username"`
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type resetResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// handleReset consumes a reset token and replaces the password.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, resetResponse{Error: "missing"})
		return
	}

	err := s.ids.ResetPassword(req.Username, req.Token, req.NewPassword)
	switch {
	case err == nil:
		writeJSON(w, resetResponse{Success: true})
	case errors.Is(err, identity.ErrInvalidInput):
		writeJSON(w, resetResponse{Error: "missing"})
	case errors.Is(err, identity.ErrInvalidToken):
		writeJSON(w, resetResponse{Error: "invalid"})
	case errors.Is(err, identity.ErrNoSuchUser):
		writeJSON(w, resetResponse{Error: "notfound"})
	default:
		log.Printf("server: reset failed for %q: %v", req.Username, err)
		writeJSON(w, resetResponse{Error: "server error"})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
