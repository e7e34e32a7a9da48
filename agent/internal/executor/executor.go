// Package executor runs dispatched commands on the agent host.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattmo0re/viveye/agent/internal/config"
	"github.com/mattmo0re/viveye/pkg/protocol"
)

// Command types this package can handle.
const (
	TypeSystemInfo     = "system_info"
	TypeProcessList    = "process_list"
	TypeExecuteCommand = "execute_command"
)

var (
	ErrUnsupportedType   = errors.New("unsupported command type")
	ErrCommandNotAllowed = errors.New("command not in allowlist")
	ErrBadParameters     = errors.New("invalid parameters")
)

// Result is the outcome of one command execution.
type Result struct {
	Success  bool
	Output   string
	Error    string
	ExitCode int
	Data     json.RawMessage
	Duration time.Duration
}

// Protocol converts r to the wire result for commandID.
func (r Result) Protocol(commandID string) *protocol.CommandResult {
	return &protocol.CommandResult{
		CommandID:  commandID,
		Success:    r.Success,
		Output:     r.Output,
		Error:      r.Error,
		ExitCode:   r.ExitCode,
		DurationMs: r.Duration.Milliseconds(),
		Data:       r.Data,
	}
}

// Handler executes one command type. A returned error becomes a failed
// Result with exit code -1; handlers that know an exit code set it on the
// Result themselves.
type Handler func(ctx context.Context, payload protocol.CommandPayload) (Result, error)

// Executor maps command types to handlers.
type Executor struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// New creates an executor with the built-in handlers. execute_command is only
// registered when the allowlist is non-empty.
func New(cfg config.ExecutorConfig, logger *slog.Logger) *Executor {
	e := &Executor{
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "executor"),
	}
	e.Register(TypeSystemInfo, systemInfo)
	e.Register(TypeProcessList, processList(cfg.MaxProcesses))
	if len(cfg.AllowedCommands) > 0 {
		e.Register(TypeExecuteCommand, newCommandRunner(cfg).run)
	}
	return e
}

// Register adds a handler for a command type. Panics on duplicate.
func (e *Executor) Register(cmdType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[cmdType]; exists {
		panic(fmt.Sprintf("handler already registered for type: %s", cmdType))
	}
	e.handlers[cmdType] = h
}

// Capabilities returns the registered command types, sorted.
func (e *Executor) Capabilities() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	caps := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		caps = append(caps, t)
	}
	sort.Strings(caps)
	return caps
}

// Execute runs a command and always returns a Result. ctx carries the
// command deadline and cancellation.
func (e *Executor) Execute(ctx context.Context, cmdType string, payload protocol.CommandPayload) Result {
	start := time.Now()

	e.mu.RLock()
	h, ok := e.handlers[cmdType]
	e.mu.RUnlock()
	if !ok {
		return Result{Error: fmt.Sprintf("%v: %s", ErrUnsupportedType, cmdType), ExitCode: -1}
	}

	res, err := h(ctx, payload)
	res.Duration = time.Since(start)
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
		e.logger.Debug("command failed", "type", cmdType, "error", err)
	}
	return res
}

func jsonResult(summary string, v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("marshal result: %w", err)
	}
	return Result{Success: true, Output: summary, Data: data}, nil
}
