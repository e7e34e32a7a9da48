// Package api provides the operator HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mattmo0re/viveye/hub/internal/auth"
	"github.com/mattmo0re/viveye/hub/internal/config"
	"github.com/mattmo0re/viveye/hub/internal/dispatch"
	"github.com/mattmo0re/viveye/hub/internal/metrics"
	"github.com/mattmo0re/viveye/hub/internal/registry"
	"github.com/mattmo0re/viveye/hub/internal/store"
)

// Error codes returned in the "code" field of error bodies.
const (
	codeUnauthorized   = "unauthorized"
	codeForbidden      = "forbidden"
	codeRateLimited    = "rate_limited"
	codeBadRequest     = "bad_request"
	codeInternal       = "internal_error"
	defaultListLimit   = 100
	maxListLimit       = 1000
	auditDetailMaxSize = 512
)

// Commands is the command lifecycle surface used by the API.
type Commands interface {
	Create(ctx context.Context, req dispatch.CreateRequest) (*store.Command, error)
	Get(ctx context.Context, id string) (*store.Command, error)
	List(ctx context.Context, filter store.CommandFilter) ([]store.Command, error)
	Cancel(ctx context.Context, id string) (*store.Command, error)
	Retry(ctx context.Context, id, actor string) (*store.Command, error)
	Dispatch(ctx context.Context, id string) (*store.Command, error)
}

// Sessions lists live agent sessions.
type Sessions interface {
	Sessions() []registry.Session
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	commands     Commands
	sessions     Sessions
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	rl           *rateLimiter
}

// NewServer creates a new API server. agentWS serves the agent WebSocket
// endpoint and does its own authentication.
func NewServer(s store.Store, ap auth.Provider, cmds Commands, sessions Sessions, agentWS http.HandlerFunc, m *metrics.Metrics, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		authProvider: ap,
		commands:     cmds,
		sessions:     sessions,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Unauthenticated
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Handle("/metrics", m.Handler())
	if agentWS != nil {
		mux.Get("/ws/agent", agentWS)
	}

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/commands", srv.handleListCommands)
		r.Get("/api/commands/stats", srv.handleCommandStats)
		r.Get("/api/commands/{commandID}", srv.handleGetCommand)
		r.Get("/api/relays", srv.handleListRelays)
		r.Get("/api/relays/{relayID}", srv.handleGetRelay)
		r.Get("/api/agents", srv.handleListAgents)
		r.Get("/api/sessions", srv.handleListSessions)
		r.Get("/api/audit", srv.handleListAuditEvents)

		r.Group(func(r chi.Router) {
			r.Use(srv.writeMiddleware)
			r.Post("/api/commands", srv.handleCreateCommand)
			r.Post("/api/commands/{commandID}/cancel", srv.handleCancelCommand)
			r.Post("/api/commands/{commandID}/retry", srv.handleRetryCommand)
			r.Post("/api/commands/{commandID}/dispatch", srv.handleDispatchCommand)
			r.Patch("/api/agents/{agentID}/active", srv.handleSetAgentActive)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter buckets.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Commands ---

type createCommandRequest struct {
	AgentID   string               `json:"agent_id"`
	Type      string               `json:"type"`
	Payload   store.CommandPayload `json:"payload"`
	Priority  store.Priority       `json:"priority,omitempty"`
	TimeoutMs int64                `json:"timeout_ms,omitempty"`
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req createCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body")
		return
	}
	if req.TimeoutMs < 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "timeout_ms must not be negative")
		return
	}

	actor := actorFromContext(r.Context())
	cmd, err := s.commands.Create(r.Context(), dispatch.CreateRequest{
		AgentID:   req.AgentID,
		Type:      req.Type,
		Payload:   req.Payload,
		Priority:  req.Priority,
		TimeoutMs: req.TimeoutMs,
		CreatedBy: actor,
	})
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.audit(r.Context(), "command.create", actor, cmd, map[string]string{"type": cmd.Type})
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	filter := store.CommandFilter{
		AgentID: q.Get("agent_id"),
		Status:  store.CommandStatus(q.Get("status")),
		Limit:   limit,
	}
	cmds, err := s.commands.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list commands failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	if cmds == nil {
		cmds = []store.Command{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleCommandStats(w http.ResponseWriter, r *http.Request) {
	var filter store.StatsFilter
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		v := r.URL.Query().Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, p.name+" must be an RFC 3339 timestamp")
			return
		}
		*p.dst = t
	}

	stats, err := s.store.CommandStats(r.Context(), filter)
	if err != nil {
		s.logger.Error("command stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.commands.Get(r.Context(), chi.URLParam(r, "commandID"))
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.commands.Cancel(r.Context(), chi.URLParam(r, "commandID"))
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.audit(r.Context(), "command.cancel", actorFromContext(r.Context()), cmd, nil)
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleRetryCommand(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	cmd, err := s.commands.Retry(r.Context(), chi.URLParam(r, "commandID"), actor)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.audit(r.Context(), "command.retry", actor, cmd, map[string]string{"retry_of": cmd.RetryOf})
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleDispatchCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.commands.Dispatch(r.Context(), chi.URLParam(r, "commandID"))
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.audit(r.Context(), "command.dispatch", actorFromContext(r.Context()), cmd, nil)
	writeJSON(w, http.StatusOK, cmd)
}

// --- Relays and agents ---

func (s *Server) handleListRelays(w http.ResponseWriter, r *http.Request) {
	relays, err := s.store.ListRelays(r.Context())
	if err != nil {
		s.logger.Error("list relays failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	if relays == nil {
		relays = []store.Relay{}
	}
	writeJSON(w, http.StatusOK, relays)
}

func (s *Server) handleGetRelay(w http.ResponseWriter, r *http.Request) {
	relay, err := s.store.GetRelay(r.Context(), chi.URLParam(r, "relayID"))
	if err != nil {
		s.logger.Error("get relay failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	if relay == nil {
		writeError(w, http.StatusNotFound, "unknown_relay", "relay not found")
		return
	}
	writeJSON(w, http.StatusOK, relay)
}

// agentView is a stored agent plus its live session, if bound.
type agentView struct {
	store.Agent
	Session *registry.Session `json:"session,omitempty"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context(), r.URL.Query().Get("relay_id"))
	if err != nil {
		s.logger.Error("list agents failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	live := make(map[string]registry.Session)
	for _, sess := range s.sessions.Sessions() {
		live[sess.AgentID] = sess
	}
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		v := agentView{Agent: a}
		if sess, ok := live[a.ID]; ok {
			v.Session = &sess
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetAgentActive(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, `body must be {"active": bool}`)
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if err := s.store.SetAgentActive(r.Context(), agentID, *req.Active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown_agent", "agent not found")
			return
		}
		s.logger.Error("set agent active failed", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil || agent == nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	s.logAudit(r.Context(), &store.AuditEvent{
		Action: "agent.active", Actor: actorFromContext(r.Context()),
		AgentID: agent.ID, RelayID: agent.RelayID,
		Detail: json.RawMessage(fmt.Sprintf(`{"active":%t}`, agent.Active)),
	})
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Sessions())
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	events, err := s.store.ListAuditEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("list audit events failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func (s *Server) audit(ctx context.Context, action, actor string, cmd *store.Command, detail map[string]string) {
	ev := &store.AuditEvent{
		Action: action, Actor: actor,
		AgentID: cmd.AgentID, RelayID: cmd.RelayID, CommandID: cmd.ID,
	}
	if len(detail) > 0 {
		if b, err := json.Marshal(detail); err == nil && len(b) <= auditDetailMaxSize {
			ev.Detail = b
		}
	}
	s.logAudit(ctx, ev)
}

func (s *Server) logAudit(ctx context.Context, ev *store.AuditEvent) {
	ev.ID = uuid.New().String()
	ev.CreatedAt = time.Now().UTC()
	if err := s.store.LogAuditEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to log audit event", "action", ev.Action, "error", err)
	}
}

// commandErrorStatus maps lifecycle errors to an HTTP status and error code.
func commandErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, dispatch.ErrUnknownAgent):
		return http.StatusNotFound, "unknown_agent"
	case errors.Is(err, dispatch.ErrUnknownCommand):
		return http.StatusNotFound, "unknown_command"
	case errors.Is(err, dispatch.ErrTargetOffline):
		return http.StatusConflict, "target_offline"
	case errors.Is(err, dispatch.ErrTargetInactive):
		return http.StatusConflict, "target_inactive"
	case errors.Is(err, dispatch.ErrUnsupportedCapability):
		return http.StatusConflict, "unsupported_capability"
	case errors.Is(err, dispatch.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, dispatch.ErrRetryLimitExceeded):
		return http.StatusConflict, "retry_limit_exceeded"
	case errors.Is(err, dispatch.ErrInvalidCommand):
		return http.StatusBadRequest, "invalid_command"
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	status, code := commandErrorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("command operation failed", "error", err)
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
