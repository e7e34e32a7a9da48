// Package registry tracks which agents are currently reachable and through
// which connection.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattmo0re/viveye/hub/internal/keylock"
	"github.com/mattmo0re/viveye/hub/internal/liveness"
	"github.com/mattmo0re/viveye/hub/internal/metrics"
	"github.com/mattmo0re/viveye/hub/internal/store"
	"github.com/mattmo0re/viveye/pkg/protocol"
)

var (
	ErrUnknownRelay   = errors.New("unknown relay")
	ErrRelayMismatch  = errors.New("agent belongs to a different relay")
	ErrUnauthorized   = errors.New("relay key rejected")
	ErrNotRegistered  = errors.New("agent is not registered")
	ErrInvalidStatus  = errors.New("invalid session status")
	ErrMissingAgentID = errors.New("agent id is required")
)

// Conn is a bound connection handle.
type Conn interface {
	Send(msg protocol.Message) error
	// Close must be safe to call more than once.
	Close() error
}

// KeyVerifier checks the key an agent presents for its relay.
type KeyVerifier interface {
	VerifyRelayKey(relay *store.Relay, key string) error
}

// Registration is what an agent declares when it connects.
type Registration struct {
	AgentID      string
	RelayID      string
	RelayKey     string
	Capabilities []string
	Metadata     map[string]string
}

type session struct {
	agentID       string
	relayID       string
	capabilities  []string
	status        store.SessionStatus
	conn          Conn
	connectedAt   time.Time
	lastHeartbeat time.Time
	lastActivity  time.Time
	metrics       *protocol.Metrics
	heartbeat     time.Duration
}

// Session is a point-in-time view of a bound session.
type Session struct {
	AgentID           string              `json:"agent_id"`
	RelayID           string              `json:"relay_id"`
	Capabilities      []string            `json:"capabilities"`
	Status            store.SessionStatus `json:"status"`
	ConnectedAt       time.Time           `json:"connected_at"`
	LastHeartbeat     time.Time           `json:"last_heartbeat"`
	LastActivity      time.Time           `json:"last_activity,omitempty"`
	Metrics           *protocol.Metrics   `json:"metrics,omitempty"`
	HeartbeatInterval time.Duration       `json:"-"`

	conn Conn
}

// Send transmits msg over the session's connection.
func (s Session) Send(msg protocol.Message) error {
	if s.conn == nil {
		return errors.New("session has no connection")
	}
	return s.conn.Send(msg)
}

// HasCapability reports whether the session declared capability c.
func (s Session) HasCapability(c string) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func (s *session) view() Session {
	var m *protocol.Metrics
	if s.metrics != nil {
		cp := *s.metrics
		m = &cp
	}
	return Session{
		AgentID:           s.agentID,
		RelayID:           s.relayID,
		Capabilities:      append([]string(nil), s.capabilities...),
		Status:            s.status,
		ConnectedAt:       s.connectedAt,
		LastHeartbeat:     s.lastHeartbeat,
		LastActivity:      s.lastActivity,
		Metrics:           m,
		HeartbeatInterval: s.heartbeat,
		conn:              s.conn,
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithKeyVerifier makes Register check relay keys.
func WithKeyVerifier(v KeyVerifier) Option {
	return func(r *Registry) { r.verifier = v }
}

// WithMetrics records session gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithHeartbeatInterval sets the interval used for relays without their own.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) { r.heartbeat = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry maps agent identities to live sessions. Mutations for one agent
// are serialized by a per-identity lock; the session map itself is guarded
// by mu and is never held across store calls.
type Registry struct {
	store     store.Store
	verifier  KeyVerifier
	liveness  *liveness.Aggregator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	heartbeat time.Duration
	now       func() time.Time

	locks keylock.Map

	mu       sync.RWMutex
	sessions map[string]*session
	byRelay  map[string]map[string]*session
}

// New creates a Registry and the Liveness Aggregator it drives.
func New(s store.Store, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:     s,
		logger:    logger.With("component", "registry"),
		heartbeat: 30 * time.Second,
		now:       time.Now,
		sessions:  make(map[string]*session),
		byRelay:   make(map[string]map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.liveness = liveness.New(s, r, logger, r.metrics)
	return r
}

// Register binds conn to the agent's identity. An existing session for the
// same identity is superseded and its connection closed. The owning relay's
// liveness is recomputed before Register returns.
func (r *Registry) Register(ctx context.Context, reg Registration, conn Conn) (Session, error) {
	if reg.AgentID == "" {
		return Session{}, ErrMissingAgentID
	}
	unlock := r.locks.Lock(reg.AgentID)
	defer unlock()

	existing, err := r.store.GetAgent(ctx, reg.AgentID)
	if err != nil {
		return Session{}, fmt.Errorf("get agent: %w", err)
	}

	relayID := reg.RelayID
	if existing != nil {
		if relayID != "" && relayID != existing.RelayID {
			return Session{}, fmt.Errorf("%w: registered under %s", ErrRelayMismatch, existing.RelayID)
		}
		relayID = existing.RelayID
	}
	if relayID == "" {
		return Session{}, fmt.Errorf("%w: no relay given for new agent %s", ErrUnknownRelay, reg.AgentID)
	}
	relay, err := r.store.GetRelay(ctx, relayID)
	if err != nil {
		return Session{}, fmt.Errorf("get relay: %w", err)
	}
	if relay == nil {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownRelay, relayID)
	}
	if r.verifier != nil {
		if err := r.verifier.VerifyRelayKey(relay, reg.RelayKey); err != nil {
			return Session{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}

	now := r.now().UTC()
	agent := mergeAgent(existing, reg, relayID, now)
	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return Session{}, fmt.Errorf("upsert agent: %w", err)
	}

	hb := r.heartbeat
	if relay.HeartbeatIntervalMs > 0 {
		hb = time.Duration(relay.HeartbeatIntervalMs) * time.Millisecond
	}
	sess := &session{
		agentID:       reg.AgentID,
		relayID:       relayID,
		capabilities:  agent.Capabilities,
		status:        store.StatusOnline,
		conn:          conn,
		connectedAt:   now,
		lastHeartbeat: now,
		heartbeat:     hb,
	}

	r.mu.Lock()
	prev := r.sessions[reg.AgentID]
	if prev != nil {
		r.removeLocked(prev)
	}
	r.addLocked(sess)
	r.mu.Unlock()

	if prev != nil {
		if prev.conn != conn {
			_ = prev.conn.Close()
		}
		r.metrics.SessionSuperseded()
		r.logger.Info("session superseded", "agent_id", reg.AgentID, "relay_id", relayID)
	} else {
		r.metrics.SessionBound()
	}

	if _, err := r.liveness.Recompute(ctx, relayID); err != nil {
		r.logger.Warn("recompute relay liveness failed", "relay_id", relayID, "error", err)
	}

	r.logger.Info("agent registered", "agent_id", reg.AgentID, "relay_id", relayID, "capabilities", agent.Capabilities)
	return sess.view(), nil
}

func mergeAgent(existing *store.Agent, reg Registration, relayID string, now time.Time) *store.Agent {
	a := &store.Agent{
		ID:        reg.AgentID,
		RelayID:   relayID,
		Status:    store.StatusOnline,
		Active:    true,
		LastSeen:  now,
		CreatedAt: now,
		Metadata:  map[string]string{},
	}
	if existing != nil {
		a.Name = existing.Name
		a.Active = existing.Active
		a.CreatedAt = existing.CreatedAt
		a.Capabilities = existing.Capabilities
		a.Performance = existing.Performance
		a.LastCommandID = existing.LastCommandID
		for k, v := range existing.Metadata {
			a.Metadata[k] = v
		}
	}
	for k, v := range reg.Metadata {
		a.Metadata[k] = v
	}
	if reg.Capabilities != nil {
		a.Capabilities = dedupe(reg.Capabilities)
	}
	if host := reg.Metadata["hostname"]; host != "" {
		a.Name = host
	}
	if a.Name == "" {
		a.Name = "agent " + reg.AgentID
	}
	return a
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Heartbeat refreshes the agent's last-seen time and metrics. An offline
// session is promoted back to online.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, m *protocol.Metrics) error {
	unlock := r.locks.Lock(agentID)
	defer unlock()

	now := r.now().UTC()
	r.mu.Lock()
	sess := r.sessions[agentID]
	if sess == nil {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	sess.lastHeartbeat = now
	if m != nil {
		cp := *m
		sess.metrics = &cp
	}
	promoted := sess.status == store.StatusOffline
	if promoted {
		sess.status = store.StatusOnline
	}
	relayID := sess.relayID
	r.mu.Unlock()

	var perf json.RawMessage
	if m != nil {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}
		perf = b
	}
	if err := r.store.RecordHeartbeat(ctx, agentID, perf, now); err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	if err := r.store.TouchRelay(ctx, relayID, now); err != nil {
		r.logger.Warn("touch relay failed", "relay_id", relayID, "error", err)
	}
	if !promoted {
		return nil
	}

	if err := r.store.SetAgentStatus(ctx, agentID, store.StatusOnline, now); err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	if _, err := r.liveness.Recompute(ctx, relayID); err != nil {
		return err
	}
	r.logger.Info("session promoted to online by heartbeat", "agent_id", agentID)
	return nil
}

// SetStatus applies a status reported by the agent itself.
func (r *Registry) SetStatus(ctx context.Context, agentID string, status store.SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	unlock := r.locks.Lock(agentID)
	defer unlock()

	r.mu.Lock()
	sess := r.sessions[agentID]
	if sess == nil {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	prev := sess.status
	sess.status = status
	relayID := sess.relayID
	r.mu.Unlock()

	if err := r.store.SetAgentStatus(ctx, agentID, status, r.now().UTC()); err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	if (prev == store.StatusOnline) != (status == store.StatusOnline) {
		if _, err := r.liveness.Recompute(ctx, relayID); err != nil {
			return err
		}
	}
	r.logger.Debug("session status changed", "agent_id", agentID, "from", prev, "to", status)
	return nil
}

// RecordActivity notes that the agent finished commandID.
func (r *Registry) RecordActivity(ctx context.Context, agentID, commandID string) error {
	now := r.now().UTC()
	r.mu.Lock()
	if sess := r.sessions[agentID]; sess != nil {
		sess.lastActivity = now
	}
	r.mu.Unlock()
	return r.store.SetAgentLastCommand(ctx, agentID, commandID, now)
}

// Unbind removes the agent's session, closes its connection, marks it
// offline and recomputes relay liveness. Unbinding an agent without a
// session is a no-op.
func (r *Registry) Unbind(ctx context.Context, agentID string) error {
	_, err := r.unbind(ctx, agentID, nil)
	return err
}

// UnbindConn unbinds the agent only if conn is still its current
// connection. It reports whether anything was unbound.
func (r *Registry) UnbindConn(ctx context.Context, agentID string, conn Conn) (bool, error) {
	return r.unbind(ctx, agentID, conn)
}

func (r *Registry) unbind(ctx context.Context, agentID string, conn Conn) (bool, error) {
	unlock := r.locks.Lock(agentID)
	defer unlock()

	r.mu.Lock()
	sess := r.sessions[agentID]
	if sess == nil || (conn != nil && sess.conn != conn) {
		r.mu.Unlock()
		return false, nil
	}
	r.removeLocked(sess)
	r.mu.Unlock()

	_ = sess.conn.Close()
	r.metrics.SessionUnbound()

	if err := r.store.SetAgentStatus(ctx, agentID, store.StatusOffline, r.now().UTC()); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("mark agent offline failed", "agent_id", agentID, "error", err)
	}
	if _, err := r.liveness.Recompute(ctx, sess.relayID); err != nil {
		return true, err
	}
	r.logger.Info("agent unbound", "agent_id", agentID, "relay_id", sess.relayID)
	return true, nil
}

// Lookup returns the agent's session if it is bound and not offline.
func (r *Registry) Lookup(agentID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess := r.sessions[agentID]
	if sess == nil || sess.status == store.StatusOffline {
		return Session{}, false
	}
	return sess.view(), true
}

// OnlineCount returns the number of sessions bound to relayID whose status
// is online. It implements liveness.Counter.
func (r *Registry) OnlineCount(relayID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sess := range r.byRelay[relayID] {
		if sess.status == store.StatusOnline {
			n++
		}
	}
	return n
}

// Sessions returns a snapshot of all bound sessions ordered by agent id.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.view())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Liveness returns the aggregator driven by this registry.
func (r *Registry) Liveness() *liveness.Aggregator {
	return r.liveness
}

// CloseAll unbinds every session. Used at shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Unbind(ctx, id); err != nil {
			r.logger.Warn("unbind at shutdown failed", "agent_id", id, "error", err)
		}
	}
}

func (r *Registry) addLocked(sess *session) {
	r.sessions[sess.agentID] = sess
	members := r.byRelay[sess.relayID]
	if members == nil {
		members = make(map[string]*session)
		r.byRelay[sess.relayID] = members
	}
	members[sess.agentID] = sess
}

func (r *Registry) removeLocked(sess *session) {
	delete(r.sessions, sess.agentID)
	if members := r.byRelay[sess.relayID]; members != nil {
		delete(members, sess.agentID)
		if len(members) == 0 {
			delete(r.byRelay, sess.relayID)
		}
	}
}
