package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/voicebridge/voicebridge/internal/bridge"
	"github.com/voicebridge/voicebridge/internal/callstore"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/telephony"
)

// defaultCallListLimit caps /api/v1/calls responses.
const defaultCallListLimit = 50

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	cfg      *config.Config
	store    callstore.Store
	registry *bridge.Registry
	dialer   bridge.AgentDialer
	recorder bridge.CallRecorder
	limiter  *RateLimiter
	logger   *slog.Logger

	// appCtx is canceled on process shutdown. Upgraded stream connections
	// are hijacked from the HTTP server, so Shutdown alone never reaches
	// them; active bridges watch this context instead.
	appCtx context.Context
}

// NewServer creates the HTTP handler with all routes mounted. The caller
// owns the limiter's lifecycle via Close.
func NewServer(appCtx context.Context, cfg *config.Config, store callstore.Store, registry *bridge.Registry, dialer bridge.AgentDialer, recorder bridge.CallRecorder, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		cfg:      cfg,
		store:    store,
		registry: registry,
		dialer:   dialer,
		recorder: recorder,
		logger:   logger.With("subsystem", "api"),
		appCtx:   appCtx,
	}

	rlCfg := DefaultRateLimiterConfig()
	if cfg.UpgradeRate > 0 {
		rlCfg.Rate = rate.Limit(cfg.UpgradeRate)
	}
	if cfg.UpgradeBurst > 0 {
		rlCfg.Burst = cfg.UpgradeBurst
	}
	s.limiter = NewRateLimiter(rlCfg)

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background goroutines owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Telephony media stream entry point.
	r.Get("/ws", s.handleStream)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", s.handleSessions)
		r.Get("/calls", s.handleCalls)
	})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStream upgrades an inbound telephony media stream and bridges it to
// an AI agent session. The handler blocks for the lifetime of the call; the
// upgraded connection is hijacked, so normal HTTP timeouts do not apply.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		s.logger.Warn("stream upgrade rate limited", "remote", r.RemoteAddr)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	params, err := telephony.ResolveSessionParams(r)
	if err != nil {
		if errors.Is(err, telephony.ErrMissingAgentID) {
			writeError(w, http.StatusBadRequest, "agentId query parameter is required")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tel, err := telephony.Accept(w, r, s.cfg.SendTimeout, s.logger)
	if err != nil {
		// Accept has already written the failure response.
		s.logger.Warn("stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	session := bridge.NewCallSession(params.AgentID, params.CallSid)
	coord := bridge.NewCoordinator(session, tel, s.dialer, s.recorder, bridge.Options{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		CloseGrace:       s.cfg.CloseGrace,
		SendQueueSize:    s.cfg.SendQueueSize,
	}, s.logger)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.appCtx, cancel)
	defer stop()

	s.registry.Add(coord)
	final := coord.Run(ctx)
	s.registry.Remove(coord, final)
}

// handleSessions returns a snapshot of currently bridged sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

// callRecordResponse is the JSON shape of a persisted call record.
type callRecordResponse struct {
	CallKey        string `json:"call_key"`
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// handleCalls lists recently updated call records.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	limit := defaultCallListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	recs, err := s.store.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list call records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list call records")
		return
	}

	out := make([]callRecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, callRecordResponse{
			CallKey:        rec.CallKey,
			Status:         rec.Status,
			ConversationID: rec.ConversationID,
			CreatedAt:      rec.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:      rec.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// clientIP extracts the host part of the remote address. RealIP middleware
// has already rewritten RemoteAddr when forwarding headers are present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
