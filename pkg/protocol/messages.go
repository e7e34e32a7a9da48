// Package protocol defines the wire protocol exchanged between viveye agents
// and the hub over WebSocket.
//
// Every frame carries one Envelope. The envelope's "type" field selects the
// payload from a closed set of messages; each message is only legal in one
// direction. Text frames are JSON-encoded, binary frames are CBOR-encoded.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"ts"`
	Payload   Message   `json:"payload,omitempty"`
}

// Message is implemented by every payload in the closed message set.
type Message interface {
	MessageType() string
	Validate() error
}

// Direction says which side of the channel may send a message.
type Direction int

const (
	// Inbound messages travel agent → hub.
	Inbound Direction = iota + 1
	// Outbound messages travel hub → agent.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Message type constants.
const (
	// agent → hub
	TypeRegister      = "register"
	TypeHeartbeat     = "heartbeat"
	TypeCommandResult = "command-result"
	TypeStatusUpdate  = "status-update"

	// hub → agent
	TypeRegistered      = "registered"
	TypeDispatchCommand = "dispatch-command"
	TypeCancelCommand   = "cancel-command"
	TypeError           = "error"
)

type messageKind struct {
	dir Direction
	new func() Message
}

var messageTypes = map[string]messageKind{
	TypeRegister:        {Inbound, func() Message { return &Register{} }},
	TypeHeartbeat:       {Inbound, func() Message { return &Heartbeat{} }},
	TypeCommandResult:   {Inbound, func() Message { return &CommandResult{} }},
	TypeStatusUpdate:    {Inbound, func() Message { return &StatusUpdate{} }},
	TypeRegistered:      {Outbound, func() Message { return &Registered{} }},
	TypeDispatchCommand: {Outbound, func() Message { return &DispatchCommand{} }},
	TypeCancelCommand:   {Outbound, func() Message { return &CancelCommand{} }},
	TypeError:           {Outbound, func() Message { return &Error{} }},
}

// DirectionOf returns the direction a message type is allowed to travel, or
// false if the type is not part of the protocol.
func DirectionOf(msgType string) (Direction, bool) {
	kind, ok := messageTypes[msgType]
	return kind.dir, ok
}

// --- agent → hub ---

// Register is sent by the agent immediately after connecting.
type Register struct {
	AgentID      string            `json:"agent_id"`
	RelayID      string            `json:"relay_id,omitempty"`
	RelayKey     string            `json:"relay_key,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Metrics is a point-in-time performance sample reported by an agent.
type Metrics struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	UptimeSeconds  uint64  `json:"uptime_seconds"`
	ActiveCommands int     `json:"active_commands"`
}

// Heartbeat is the periodic liveness message.
type Heartbeat struct {
	Metrics *Metrics `json:"metrics,omitempty"`
}

// CommandResult reports the outcome of a dispatched command.
type CommandResult struct {
	CommandID  string          `json:"command_id"`
	Success    bool            `json:"success"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ExitCode   int             `json:"exit_code"`
	DurationMs int64           `json:"duration_ms"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// StatusUpdate lets an agent change its own session status.
type StatusUpdate struct {
	Status  string   `json:"status"`
	Metrics *Metrics `json:"metrics,omitempty"`
}

// --- hub → agent ---

// Registered acknowledges a Register message.
type Registered struct {
	OK                  bool   `json:"ok"`
	Error               string `json:"error,omitempty"`
	HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms,omitempty"`
}

// CommandPayload is the body of a dispatched command. Parameters carries
// handler-specific data.
type CommandPayload struct {
	Command    string          `json:"command,omitempty"`
	Args       []string        `json:"args,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// DispatchCommand asks the agent to execute a command.
type DispatchCommand struct {
	CommandID string         `json:"command_id"`
	Type      string         `json:"type"`
	Priority  string         `json:"priority,omitempty"`
	Payload   CommandPayload `json:"payload"`
	TimeoutMs int64          `json:"timeout_ms"`
}

// CancelCommand asks the agent to stop a running command. Agents are free to
// ignore it.
type CancelCommand struct {
	CommandID string `json:"command_id"`
	Reason    string `json:"reason,omitempty"`
}

// Error carries a protocol-level failure from hub to agent.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*Register) MessageType() string        { return TypeRegister }
func (*Heartbeat) MessageType() string       { return TypeHeartbeat }
func (*CommandResult) MessageType() string   { return TypeCommandResult }
func (*StatusUpdate) MessageType() string    { return TypeStatusUpdate }
func (*Registered) MessageType() string      { return TypeRegistered }
func (*DispatchCommand) MessageType() string { return TypeDispatchCommand }
func (*CancelCommand) MessageType() string   { return TypeCancelCommand }
func (*Error) MessageType() string           { return TypeError }

func (m *Register) Validate() error {
	if m.AgentID == "" {
		return errors.New("agent_id is required")
	}
	for _, c := range m.Capabilities {
		if c == "" {
			return errors.New("capabilities must not contain empty names")
		}
	}
	return nil
}

func (m *Heartbeat) Validate() error { return nil }

func (m *CommandResult) Validate() error {
	if m.CommandID == "" {
		return errors.New("command_id is required")
	}
	if m.DurationMs < 0 {
		return errors.New("duration_ms must not be negative")
	}
	if len(m.Data) > 0 && !json.Valid(m.Data) {
		return errors.New("data must be a JSON document")
	}
	return nil
}

func (m *StatusUpdate) Validate() error {
	if m.Status == "" {
		return errors.New("status is required")
	}
	return nil
}

func (m *Registered) Validate() error { return nil }

func (m *DispatchCommand) Validate() error {
	if m.CommandID == "" {
		return errors.New("command_id is required")
	}
	if m.Type == "" {
		return errors.New("type is required")
	}
	if m.TimeoutMs <= 0 {
		return errors.New("timeout_ms must be positive")
	}
	return nil
}

func (m *CancelCommand) Validate() error {
	if m.CommandID == "" {
		return errors.New("command_id is required")
	}
	return nil
}

func (m *Error) Validate() error { return nil }

// ErrMalformedMessage matches every MalformedMessageError via errors.Is.
var ErrMalformedMessage = errors.New("malformed message")

// MalformedMessageError describes a frame that could not be turned into a
// protocol message.
type MalformedMessageError struct {
	Type   string
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	msg := "malformed message"
	if e.Type != "" {
		msg += " " + fmt.Sprintf("%q", e.Type)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

func (e *MalformedMessageError) Is(target error) bool { return target == ErrMalformedMessage }

func malformed(msgType, reason string, err error) error {
	return &MalformedMessageError{Type: msgType, Reason: reason, Err: err}
}

// NewEnvelope wraps msg in an envelope stamped with the current time.
func NewEnvelope(id string, msg Message) Envelope {
	return Envelope{
		Type:      msg.MessageType(),
		ID:        id,
		Timestamp: time.Now().UTC(),
		Payload:   msg,
	}
}
