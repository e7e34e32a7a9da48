// Package router terminates agent WebSocket connections: registration,
// keepalive, inbound message handling and the per-connection rate limit.
package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mattmo0re/viveye/hub/internal/dispatch"
	"github.com/mattmo0re/viveye/hub/internal/metrics"
	"github.com/mattmo0re/viveye/hub/internal/registry"
	"github.com/mattmo0re/viveye/hub/internal/store"
	"github.com/mattmo0re/viveye/pkg/protocol"
)

// Error codes sent to agents in protocol.Error and failed Registered acks.
const (
	CodeMalformed     = "malformed_message"
	CodeRateLimited   = "rate_limited"
	CodeUnauthorized  = "unauthorized"
	CodeUnknownRelay  = "unknown_relay"
	CodeRelayMismatch = "relay_mismatch"
	CodeNotRegistered = "not_registered"
	CodeInvalidStatus = "invalid_status"
	CodeInternal      = "internal_error"
)

const (
	writeTimeout   = 10 * time.Second
	cleanupTimeout = 10 * time.Second
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Results accepts command results reported by agents.
type Results interface {
	ReportResult(ctx context.Context, agentID string, res *protocol.CommandResult) (*store.Command, error)
}

// Options configures the Router.
type Options struct {
	AllowedOrigins    []string
	MaxMessageBytes   int64   // default 1MB
	MessagesPerSecond float64 // default 50
	MessageBurst      int     // default 100
	RegisterTimeout   time.Duration
	PingInterval      time.Duration
	PongWait          time.Duration
}

// Router accepts agent connections and feeds their messages to the registry
// and the command engine.
type Router struct {
	registry *registry.Registry
	results  Results
	store    store.Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	opts     Options
}

// New creates a new Router.
func New(reg *registry.Registry, results Results, s store.Store, logger *slog.Logger, m *metrics.Metrics, opts Options) *Router {
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 1024 * 1024
	}
	if opts.MessagesPerSecond == 0 {
		opts.MessagesPerSecond = 50
	}
	if opts.MessageBurst == 0 {
		opts.MessageBurst = 100
	}
	if opts.RegisterTimeout == 0 {
		opts.RegisterTimeout = 10 * time.Second
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongWait == 0 {
		opts.PongWait = 2 * opts.PingInterval
	}
	return &Router{
		registry: reg,
		results:  results,
		store:    s,
		logger:   logger.With("component", "router"),
		metrics:  m,
		upgrader: makeUpgrader(opts.AllowedOrigins),
		opts:     opts,
	}
}

// agentConn is the registry.Conn for one WebSocket. Replies use the codec the
// agent registered with.
type agentConn struct {
	ws        *websocket.Conn
	codec     protocol.Codec
	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newAgentConn(ws *websocket.Conn, codec protocol.Codec) *agentConn {
	return &agentConn{ws: ws, codec: codec, done: make(chan struct{})}
}

func (c *agentConn) Send(msg protocol.Message) error {
	data, err := c.codec.Encode(protocol.NewEnvelope(uuid.New().String(), msg))
	if err != nil {
		return err
	}
	frame := websocket.TextMessage
	if c.codec.Binary() {
		frame = websocket.BinaryMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(frame, data)
}

func (c *agentConn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Close is safe to call more than once and from any goroutine.
func (c *agentConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// HandleAgentWS handles a WebSocket connection from an agent. The first frame
// must be a register message; its frame kind selects the codec for the rest
// of the connection.
func (r *Router) HandleAgentWS(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(r.opts.MaxMessageBytes)

	_ = ws.SetReadDeadline(time.Now().Add(r.opts.RegisterTimeout))
	frame, data, err := ws.ReadMessage()
	if err != nil {
		r.logger.Warn("agent register read failed", "remote", req.RemoteAddr, "error", err)
		_ = ws.Close()
		return
	}
	conn := newAgentConn(ws, protocol.CodecFor(frame == websocket.BinaryMessage))
	defer func() { _ = conn.Close() }()

	env, err := conn.codec.Decode(data, protocol.Inbound)
	if err != nil {
		r.metrics.MalformedMessage()
		r.logger.Warn("malformed register frame", "remote", req.RemoteAddr, "error", err)
		_ = conn.Send(&protocol.Error{Code: CodeMalformed, Message: err.Error()})
		return
	}
	hello, ok := env.Payload.(*protocol.Register)
	if !ok {
		r.logger.Warn("expected register, got", "type", env.Type, "remote", req.RemoteAddr)
		_ = conn.Send(&protocol.Error{Code: CodeNotRegistered, Message: "first message must be register"})
		return
	}

	ctx := context.Background()
	sess, err := r.registry.Register(ctx, registry.Registration{
		AgentID:      hello.AgentID,
		RelayID:      hello.RelayID,
		RelayKey:     hello.RelayKey,
		Capabilities: hello.Capabilities,
		Metadata:     hello.Metadata,
	}, conn)
	if err != nil {
		r.logger.Warn("agent registration rejected", "agent_id", hello.AgentID, "relay_id", hello.RelayID, "error", err)
		_ = conn.Send(&protocol.Registered{OK: false, Error: registerErrorCode(err)})
		return
	}
	agentID := sess.AgentID
	logger := r.logger.With("agent_id", agentID, "relay_id", sess.RelayID)

	if err := conn.Send(&protocol.Registered{OK: true, HeartbeatIntervalMs: sess.HeartbeatInterval.Milliseconds()}); err != nil {
		logger.Warn("send registered ack failed", "error", err)
	}
	logger.Info("agent connected", "codec", conn.codec.Name(), "capabilities", sess.Capabilities)
	r.audit(ctx, "agent.connect", agentID, sess.RelayID)

	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		unbound, err := r.registry.UnbindConn(cctx, agentID, conn)
		if err != nil {
			logger.Warn("unbind failed", "error", err)
		}
		if unbound {
			r.audit(cctx, "agent.disconnect", agentID, sess.RelayID)
			logger.Info("agent disconnected")
		} else {
			logger.Debug("superseded connection closed")
		}
	}()

	_ = ws.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	})
	go r.keepalive(conn, logger)

	limiter := rate.NewLimiter(rate.Limit(r.opts.MessagesPerSecond), r.opts.MessageBurst)
	for {
		frame, data, err := ws.ReadMessage()
		if err != nil {
			logger.Debug("agent read error", "error", err)
			return
		}
		// Any inbound frame proves liveness.
		_ = ws.SetReadDeadline(time.Now().Add(r.opts.PongWait))

		if !limiter.Allow() {
			logger.Debug("agent message rate limited")
			_ = conn.Send(&protocol.Error{Code: CodeRateLimited, Message: "message rate exceeded"})
			continue
		}

		env, err := protocol.CodecFor(frame == websocket.BinaryMessage).Decode(data, protocol.Inbound)
		if err != nil {
			r.metrics.MalformedMessage()
			logger.Warn("malformed message from agent", "error", err)
			_ = conn.Send(&protocol.Error{Code: CodeMalformed, Message: err.Error()})
			continue
		}
		r.handleAgentMessage(ctx, agentID, conn, env, logger)
	}
}

func (r *Router) handleAgentMessage(ctx context.Context, agentID string, conn *agentConn, env protocol.Envelope, logger *slog.Logger) {
	switch msg := env.Payload.(type) {
	case *protocol.Heartbeat:
		if err := r.registry.Heartbeat(ctx, agentID, msg.Metrics); err != nil {
			r.replyError(conn, err, logger)
		}

	case *protocol.StatusUpdate:
		if err := r.registry.SetStatus(ctx, agentID, store.SessionStatus(msg.Status)); err != nil {
			r.replyError(conn, err, logger)
			return
		}
		if msg.Metrics != nil {
			if err := r.registry.Heartbeat(ctx, agentID, msg.Metrics); err != nil {
				logger.Debug("status metrics not recorded", "error", err)
			}
		}

	case *protocol.CommandResult:
		if _, err := r.results.ReportResult(ctx, agentID, msg); err != nil {
			if dispatch.IsDropped(err) {
				logger.Info("command result dropped", "command_id", msg.CommandID, "reason", err)
				return
			}
			logger.Warn("record command result failed", "command_id", msg.CommandID, "error", err)
		}

	case *protocol.Register:
		logger.Warn("duplicate register on bound connection")
		_ = conn.Send(&protocol.Error{Code: CodeMalformed, Message: "already registered"})
	}
}

func (r *Router) replyError(conn *agentConn, err error, logger *slog.Logger) {
	code := CodeInternal
	switch {
	case errors.Is(err, registry.ErrNotRegistered):
		code = CodeNotRegistered
	case errors.Is(err, registry.ErrInvalidStatus):
		code = CodeInvalidStatus
	default:
		logger.Warn("agent message failed", "error", err)
	}
	_ = conn.Send(&protocol.Error{Code: code, Message: err.Error()})
}

func (r *Router) keepalive(conn *agentConn, logger *slog.Logger) {
	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				logger.Debug("ping failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (r *Router) audit(ctx context.Context, action, agentID, relayID string) {
	if err := r.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID: uuid.New().String(), Action: action, Actor: "agent:" + agentID,
		AgentID: agentID, RelayID: relayID, CreatedAt: time.Now().UTC(),
	}); err != nil {
		r.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func registerErrorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, registry.ErrUnknownRelay):
		return CodeUnknownRelay
	case errors.Is(err, registry.ErrRelayMismatch):
		return CodeRelayMismatch
	case errors.Is(err, registry.ErrMissingAgentID):
		return CodeMalformed
	default:
		return CodeInternal
	}
}
