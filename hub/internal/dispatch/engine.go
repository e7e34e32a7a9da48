// Package dispatch owns the command lifecycle: creation, delivery to a bound
// agent session, results, cancellation, bounded retry and the timeout
// watchdog.
//
// Every status change is a compare-and-swap in the store, so a late or
// duplicate result can never move a command out of a terminal state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattmo0re/viveye/hub/internal/keylock"
	"github.com/mattmo0re/viveye/hub/internal/metrics"
	"github.com/mattmo0re/viveye/hub/internal/registry"
	"github.com/mattmo0re/viveye/hub/internal/store"
	"github.com/mattmo0re/viveye/pkg/protocol"
)

// Sessions is the part of the registry the engine needs.
type Sessions interface {
	Lookup(agentID string) (registry.Session, bool)
	RecordActivity(ctx context.Context, agentID, commandID string) error
}

// Options bounds what operators may request.
type Options struct {
	DefaultTimeout time.Duration
	MinTimeout     time.Duration
	MaxTimeout     time.Duration
	MaxRetries     int
	MaxCommandLen  int
}

// DefaultOptions returns the stock limits.
func DefaultOptions() Options {
	return Options{
		DefaultTimeout: 5 * time.Minute,
		MinTimeout:     time.Second,
		MaxTimeout:     time.Hour,
		MaxRetries:     3,
		MaxCommandLen:  10000,
	}
}

// CreateRequest describes a new command.
type CreateRequest struct {
	AgentID   string
	Type      string
	Payload   store.CommandPayload
	Priority  store.Priority
	TimeoutMs int64
	CreatedBy string
}

// Engine drives commands through their lifecycle.
type Engine struct {
	store    store.Store
	sessions Sessions
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// cmdLocks orders the dispatch and cancel messages of one command on
	// the agent connection.
	cmdLocks keylock.Map

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
}

// New creates an Engine.
func New(s store.Store, sessions Sessions, opts Options, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:    s,
		sessions: sessions,
		opts:     opts,
		logger:   logger.With("component", "dispatch"),
		metrics:  m,
		now:      time.Now,
		watches:  make(map[string]*watch),
	}
}

// Create validates the request, persists the command as pending and tries
// to dispatch it right away. If the agent disconnects between validation and
// dispatch the command is returned pending.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*store.Command, error) {
	timeout, err := e.checkRequest(&req)
	if err != nil {
		return nil, err
	}
	agent, err := e.checkTarget(ctx, req.AgentID, req.Type)
	if err != nil {
		return nil, err
	}

	cmd := &store.Command{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		RelayID:   agent.RelayID,
		Type:      req.Type,
		Payload:   req.Payload,
		Priority:  req.Priority,
		TimeoutMs: timeout.Milliseconds(),
		Status:    store.CommandPending,
		CreatedBy: req.CreatedBy,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("create command: %w", err)
	}
	e.metrics.CommandTransition(string(store.CommandPending))
	e.logger.Info("command created", "command_id", cmd.ID, "agent_id", cmd.AgentID, "type", cmd.Type, "priority", cmd.Priority)

	return e.dispatch(ctx, cmd)
}

func (e *Engine) checkRequest(req *CreateRequest) (time.Duration, error) {
	if req.AgentID == "" {
		return 0, fmt.Errorf("%w: agent_id is required", ErrInvalidCommand)
	}
	if !KnownType(req.Type) {
		return 0, fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, req.Type)
	}
	if req.Priority == "" {
		req.Priority = store.PriorityNormal
	}
	if !req.Priority.Valid() {
		return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidCommand, req.Priority)
	}
	if e.opts.MaxCommandLen > 0 && len(req.Payload.Command) > e.opts.MaxCommandLen {
		return 0, fmt.Errorf("%w: command longer than %d characters", ErrInvalidCommand, e.opts.MaxCommandLen)
	}
	// Checked in milliseconds; converting first can overflow.
	ms := req.TimeoutMs
	if ms == 0 {
		ms = e.opts.DefaultTimeout.Milliseconds()
	}
	if ms < e.opts.MinTimeout.Milliseconds() || ms > e.opts.MaxTimeout.Milliseconds() {
		return 0, fmt.Errorf("%w: timeout_ms %d outside [%d, %d]", ErrInvalidCommand, ms,
			e.opts.MinTimeout.Milliseconds(), e.opts.MaxTimeout.Milliseconds())
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// checkTarget verifies the agent exists, is active, has a reachable session
// and declares the capability.
func (e *Engine) checkTarget(ctx context.Context, agentID, cmdType string) (*store.Agent, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if !agent.Active {
		return nil, fmt.Errorf("%w: %s", ErrTargetInactive, agentID)
	}
	sess, ok := e.sessions.Lookup(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetOffline, agentID)
	}
	if cmdType != TypeCustom && !sess.HasCapability(cmdType) {
		return nil, fmt.Errorf("%w: %s lacks %s", ErrUnsupportedCapability, agentID, cmdType)
	}
	return agent, nil
}

// Dispatch sends a pending command to its agent. Unlike the dispatch done by
// Create, it fails with ErrTargetOffline when the agent is not reachable.
func (e *Engine) Dispatch(ctx context.Context, id string) (*store.Command, error) {
	cmd, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cmd.Status != store.CommandPending {
		return nil, &TransitionError{CommandID: id, From: cmd.Status, To: store.CommandExecuting}
	}
	if _, ok := e.sessions.Lookup(cmd.AgentID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetOffline, cmd.AgentID)
	}
	return e.dispatch(ctx, cmd)
}

func (e *Engine) dispatch(ctx context.Context, cmd *store.Command) (*store.Command, error) {
	sess, ok := e.sessions.Lookup(cmd.AgentID)
	if !ok {
		e.logger.Info("agent not reachable, command left pending", "command_id", cmd.ID, "agent_id", cmd.AgentID)
		return cmd, nil
	}

	unlock := e.cmdLocks.Lock(cmd.ID)
	defer unlock()

	now := e.now().UTC()
	ok, err := e.store.TransitionCommand(ctx, cmd.ID, []store.CommandStatus{store.CommandPending},
		store.Transition{To: store.CommandExecuting, At: now})
	if err != nil {
		return nil, fmt.Errorf("mark executing: %w", err)
	}
	if !ok {
		// Cancelled or dispatched concurrently; report what is stored.
		return e.Get(ctx, cmd.ID)
	}
	cmd.Status = store.CommandExecuting
	cmd.ExecutedAt = &now
	e.metrics.CommandTransition(string(store.CommandExecuting))

	e.armWatchdog(cmd.ID, cmd.Timeout())

	msg := &protocol.DispatchCommand{
		CommandID: cmd.ID,
		Type:      cmd.Type,
		Priority:  string(cmd.Priority),
		Payload: protocol.CommandPayload{
			Command:    cmd.Payload.Command,
			Args:       cmd.Payload.Args,
			Parameters: cmd.Payload.Parameters,
		},
		TimeoutMs: cmd.TimeoutMs,
	}
	if err := sess.Send(msg); err != nil {
		// The watchdog will time the command out; no redelivery.
		e.logger.Warn("dispatch send failed", "command_id", cmd.ID, "agent_id", cmd.AgentID, "error", err)
		return cmd, nil
	}
	e.logger.Info("command dispatched", "command_id", cmd.ID, "agent_id", cmd.AgentID, "timeout_ms", cmd.TimeoutMs)
	return cmd, nil
}

// ReportResult records the outcome reported by agentID. Results for unknown
// or already finished commands are rejected with ErrDuplicateResult and
// change nothing.
func (e *Engine) ReportResult(ctx context.Context, agentID string, res *protocol.CommandResult) (*store.Command, error) {
	cmd, err := e.store.GetCommand(ctx, res.CommandID)
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	if cmd == nil {
		e.metrics.ResultDropped()
		return nil, fmt.Errorf("%w: %s not found", ErrDuplicateResult, res.CommandID)
	}
	if cmd.AgentID != agentID {
		e.metrics.ResultDropped()
		return nil, fmt.Errorf("%w: %s belongs to %s", ErrForeignResult, cmd.ID, cmd.AgentID)
	}

	to := store.CommandFailed
	if res.Success {
		to = store.CommandCompleted
	}
	now := e.now().UTC()
	result := &store.CommandResult{
		Success:    res.Success,
		Output:     res.Output,
		Error:      res.Error,
		ExitCode:   res.ExitCode,
		DurationMs: res.DurationMs,
		Data:       res.Data,
	}
	ok, err := e.store.TransitionCommand(ctx, cmd.ID, []store.CommandStatus{store.CommandExecuting},
		store.Transition{To: to, At: now, Result: result})
	if err != nil {
		return nil, fmt.Errorf("record result: %w", err)
	}
	if !ok {
		e.metrics.ResultDropped()
		return nil, fmt.Errorf("%w: %s is %s", ErrDuplicateResult, cmd.ID, cmd.Status)
	}
	e.stopWatchdog(cmd.ID)
	e.metrics.CommandTransition(string(to))

	if err := e.sessions.RecordActivity(ctx, agentID, cmd.ID); err != nil {
		e.logger.Warn("record agent activity failed", "agent_id", agentID, "error", err)
	}

	cmd.Status = to
	cmd.Result = result
	cmd.CompletedAt = &now
	e.logger.Info("command finished", "command_id", cmd.ID, "agent_id", agentID, "status", to, "duration_ms", res.DurationMs)
	return cmd, nil
}

// Cancel moves a pending or executing command to cancelled. For an executing
// command the agent is asked to stop, without waiting for it.
func (e *Engine) Cancel(ctx context.Context, id string) (*store.Command, error) {
	// A dispatch in flight finishes sending before the cancel goes out, so
	// the agent never sees the cancel first.
	unlock := e.cmdLocks.Lock(id)
	defer unlock()

	for {
		cmd, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cmd.Status != store.CommandPending && cmd.Status != store.CommandExecuting {
			return nil, &TransitionError{CommandID: id, From: cmd.Status, To: store.CommandCancelled}
		}

		now := e.now().UTC()
		ok, err := e.store.TransitionCommand(ctx, id, []store.CommandStatus{cmd.Status},
			store.Transition{To: store.CommandCancelled, At: now})
		if err != nil {
			return nil, fmt.Errorf("cancel command: %w", err)
		}
		if !ok {
			// A result or the watchdog moved it; statuses only move
			// forward so this converges.
			continue
		}
		e.stopWatchdog(id)
		e.metrics.CommandTransition(string(store.CommandCancelled))

		if cmd.Status == store.CommandExecuting {
			e.notifyCancel(cmd.AgentID, id, "cancelled by operator")
		}
		prev := cmd.Status
		cmd.Status = store.CommandCancelled
		cmd.CompletedAt = &now
		e.logger.Info("command cancelled", "command_id", id, "agent_id", cmd.AgentID, "was", prev)
		return cmd, nil
	}
}

func (e *Engine) notifyCancel(agentID, commandID, reason string) {
	sess, ok := e.sessions.Lookup(agentID)
	if !ok {
		return
	}
	if err := sess.Send(&protocol.CancelCommand{CommandID: commandID, Reason: reason}); err != nil {
		e.logger.Debug("cancel notification not delivered", "command_id", commandID, "agent_id", agentID, "error", err)
	}
}

// Retry creates a new command from a failed or timed-out one and dispatches
// it. The original's retry count is bumped in the same transaction.
func (e *Engine) Retry(ctx context.Context, id, actor string) (*store.Command, error) {
	for {
		orig, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if orig.Status != store.CommandFailed && orig.Status != store.CommandTimeout {
			return nil, &TransitionError{CommandID: id, From: orig.Status, To: store.CommandPending}
		}
		if orig.RetryCount >= e.opts.MaxRetries {
			return nil, fmt.Errorf("%w: %s already retried %d times", ErrRetryLimitExceeded, id, orig.RetryCount)
		}
		agent, err := e.checkTarget(ctx, orig.AgentID, orig.Type)
		if err != nil {
			return nil, err
		}

		next := &store.Command{
			ID:         uuid.New().String(),
			AgentID:    orig.AgentID,
			RelayID:    agent.RelayID,
			Type:       orig.Type,
			Payload:    orig.Payload,
			Priority:   orig.Priority,
			TimeoutMs:  orig.TimeoutMs,
			RetryCount: orig.RetryCount + 1,
			RetryOf:    orig.ID,
			Status:     store.CommandPending,
			CreatedBy:  actor,
			CreatedAt:  e.now().UTC(),
		}
		ok, err := e.store.CreateRetry(ctx, orig.ID, orig.RetryCount, next)
		if err != nil {
			return nil, fmt.Errorf("create retry: %w", err)
		}
		if !ok {
			// A concurrent retry bumped the count; re-evaluate the limit.
			continue
		}
		e.metrics.CommandTransition(string(store.CommandPending))
		e.logger.Info("command retried", "command_id", next.ID, "retry_of", orig.ID, "retry_count", next.RetryCount)
		return e.dispatch(ctx, next)
	}
}

// Get fetches a command, failing with ErrUnknownCommand if it does not exist.
func (e *Engine) Get(ctx context.Context, id string) (*store.Command, error) {
	cmd, err := e.store.GetCommand(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	if cmd == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}
	return cmd, nil
}

// List returns commands matching filter.
func (e *Engine) List(ctx context.Context, filter store.CommandFilter) ([]store.Command, error) {
	return e.store.ListCommands(ctx, filter)
}

// IsDropped reports whether err is a result rejection that should only be
// logged.
func IsDropped(err error) bool {
	return errors.Is(err, ErrDuplicateResult) || errors.Is(err, ErrForeignResult)
}
