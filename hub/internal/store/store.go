// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by mutations that target a missing row.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for the hub.
type Store interface {
	// Relays
	CreateRelay(ctx context.Context, relay *Relay) error
	GetRelay(ctx context.Context, id string) (*Relay, error)
	ListRelays(ctx context.Context) ([]Relay, error)
	SetRelayLiveness(ctx context.Context, id string, online bool, lastSeen time.Time) error
	TouchRelay(ctx context.Context, id string, lastSeen time.Time) error
	ResetLiveness(ctx context.Context) error

	// Agents
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, relayID string) ([]Agent, error)
	SetAgentStatus(ctx context.Context, id string, status SessionStatus, lastSeen time.Time) error
	RecordHeartbeat(ctx context.Context, id string, performance json.RawMessage, lastSeen time.Time) error
	SetAgentActive(ctx context.Context, id string, active bool) error
	SetAgentLastCommand(ctx context.Context, id, commandID string, at time.Time) error

	// Commands
	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, id string) (*Command, error)
	ListCommands(ctx context.Context, filter CommandFilter) ([]Command, error)
	// TransitionCommand applies t only if the command's current status is one
	// of from. It reports whether the row was updated.
	TransitionCommand(ctx context.Context, id string, from []CommandStatus, t Transition) (bool, error)
	// CreateRetry atomically bumps the original's retry count from
	// expectedRetryCount and inserts next. It reports false without writing
	// anything if the original changed underneath.
	CreateRetry(ctx context.Context, originalID string, expectedRetryCount int, next *Command) (bool, error)
	CommandStats(ctx context.Context, filter StatsFilter) (*CommandStats, error)
	PurgeCommands(ctx context.Context, before time.Time) (int64, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error)
	PurgeAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Relay groups agents. Its online flag is derived from the agents bound to it.
type Relay struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	KeyHash             string    `json:"-"`
	HeartbeatIntervalMs int64     `json:"heartbeat_interval_ms"`
	Online              bool      `json:"online"`
	LastSeen            time.Time `json:"last_seen"`
	CreatedAt           time.Time `json:"created_at"`
}

// SessionStatus is the status of an agent session.
type SessionStatus string

const (
	StatusOnline      SessionStatus = "online"
	StatusOffline     SessionStatus = "offline"
	StatusBusy        SessionStatus = "busy"
	StatusError       SessionStatus = "error"
	StatusMaintenance SessionStatus = "maintenance"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusBusy, StatusError, StatusMaintenance:
		return true
	}
	return false
}

// Agent is the persistent record of an endpoint. The live session lives in
// the registry; this row survives disconnects.
type Agent struct {
	ID            string            `json:"id"`
	RelayID       string            `json:"relay_id"`
	Name          string            `json:"name"`
	Capabilities  []string          `json:"capabilities"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        SessionStatus     `json:"status"`
	Active        bool              `json:"active"`
	Performance   json.RawMessage   `json:"performance,omitempty"`
	LastCommandID string            `json:"last_command_id,omitempty"`
	LastSeen      time.Time         `json:"last_seen"`
	CreatedAt     time.Time         `json:"created_at"`
}

// CommandStatus is a state of the command lifecycle.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandCancelled CommandStatus = "cancelled"
	CommandTimeout   CommandStatus = "timeout"
)

// Terminal reports whether no further transition may leave s.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandCancelled, CommandTimeout:
		return true
	}
	return false
}

// Priority orders commands for operators. It does not affect dispatch order.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// CommandPayload is what the agent receives. Parameters is free-form.
type CommandPayload struct {
	Command    string          `json:"command,omitempty"`
	Args       []string        `json:"args,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// CommandResult is the outcome reported by the agent.
type CommandResult struct {
	Success    bool            `json:"success"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ExitCode   int             `json:"exit_code"`
	DurationMs int64           `json:"duration_ms"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Command is a single unit of work for one agent.
type Command struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	RelayID     string         `json:"relay_id"`
	Type        string         `json:"type"`
	Payload     CommandPayload `json:"payload"`
	Priority    Priority       `json:"priority"`
	TimeoutMs   int64          `json:"timeout_ms"`
	RetryCount  int            `json:"retry_count"`
	RetryOf     string         `json:"retry_of,omitempty"`
	Status      CommandStatus  `json:"status"`
	Result      *CommandResult `json:"result,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExecutedAt  *time.Time     `json:"executed_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Timeout returns the command timeout as a duration.
func (c *Command) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Transition describes a status change applied by TransitionCommand.
// ExecutedAt is stamped when To is executing, CompletedAt when To is terminal.
type Transition struct {
	To     CommandStatus
	At     time.Time
	Result *CommandResult
}

// CommandFilter narrows ListCommands. Zero values match everything.
type CommandFilter struct {
	AgentID string
	Status  CommandStatus
	Limit   int
}

// StatsFilter bounds CommandStats by creation time. Zero values are open.
type StatsFilter struct {
	Since time.Time
	Until time.Time
}

// CommandStats counts commands by status, type and priority.
type CommandStats struct {
	Total      int64                   `json:"total"`
	ByStatus   map[CommandStatus]int64 `json:"by_status"`
	ByType     map[string]int64        `json:"by_type"`
	ByPriority map[Priority]int64      `json:"by_priority"`
	// SuccessRate is the percentage of all counted commands that completed.
	SuccessRate float64 `json:"success_rate"`
}

// AuditEvent records an operator or system action.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Actor     string          `json:"actor"`
	AgentID   string          `json:"agent_id,omitempty"`
	RelayID   string          `json:"relay_id,omitempty"`
	CommandID string          `json:"command_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
