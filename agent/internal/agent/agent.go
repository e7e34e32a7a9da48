// Package agent is the orchestrator that ties the hub client to the command
// executor: dispatched commands run concurrently, their results go back to
// the hub, and cancel-command stops them.
package agent

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/mattmo0re/viveye/agent/internal/config"
	"github.com/mattmo0re/viveye/agent/internal/eventbus"
	"github.com/mattmo0re/viveye/agent/internal/executor"
	"github.com/mattmo0re/viveye/agent/internal/hub"
	"github.com/mattmo0re/viveye/pkg/protocol"
)

const metricsTimeout = 2 * time.Second

// Runner executes commands. *executor.Executor implements it.
type Runner interface {
	Execute(ctx context.Context, cmdType string, payload protocol.CommandPayload) executor.Result
	Capabilities() []string
}

// Sender delivers messages to the hub. *hub.Client implements it.
type Sender interface {
	Send(msg protocol.Message) error
}

type running struct {
	cmdType  string
	cancel   context.CancelFunc
	canceled bool
}

// Agent is the main agent process.
type Agent struct {
	cfg    *config.Config
	runner Runner
	sender Sender
	client *hub.Client
	bus    *eventbus.Bus
	logger *slog.Logger

	baseCtx context.Context
	mu      sync.Mutex
	running map[string]*running
	wg      sync.WaitGroup
}

// New creates an agent from configuration. If bus is nil, events are not
// published.
func New(cfg *config.Config, runner Runner, version string, bus *eventbus.Bus, logger *slog.Logger) *Agent {
	a := newAgent(cfg, runner, nil, bus, logger)

	reg := protocol.Register{
		AgentID:      cfg.Agent.ID,
		Capabilities: runner.Capabilities(),
		Metadata:     a.metadata(version),
	}
	a.client = hub.NewClient(cfg, reg, a.HandleMessage, a.sampleMetrics, bus, logger)
	a.sender = a.client
	return a
}

func newAgent(cfg *config.Config, runner Runner, sender Sender, bus *eventbus.Bus, logger *slog.Logger) *Agent {
	return &Agent{
		cfg:     cfg,
		runner:  runner,
		sender:  sender,
		bus:     bus,
		logger:  logger.With("component", "agent", "agent_id", cfg.Agent.ID),
		baseCtx: context.Background(),
		running: make(map[string]*running),
	}
}

func (a *Agent) metadata(version string) map[string]string {
	md := make(map[string]string, len(a.cfg.Agent.Metadata)+4)
	for k, v := range a.cfg.Agent.Metadata {
		md[k] = v
	}
	md["hostname"] = a.cfg.Agent.Name
	md["os"] = runtime.GOOS
	md["arch"] = runtime.GOARCH
	md["agent_version"] = version
	return md
}

// Run connects to the hub and serves commands until ctx is canceled or the
// hub client gives up. Commands still running are canceled and awaited.
func (a *Agent) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.baseCtx = runCtx
	a.mu.Unlock()

	a.logger.Info("agent starting", "hub", a.cfg.Hub.URL, "capabilities", a.runner.Capabilities())
	err := a.client.Run(runCtx)

	cancel()
	a.wg.Wait()
	return err
}

// Connected reports whether the hub session is up.
func (a *Agent) Connected() bool {
	return a.client != nil && a.client.Connected()
}

// Active returns the number of commands currently executing.
func (a *Agent) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}

// HandleMessage processes one message from the hub.
func (a *Agent) HandleMessage(_ context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.DispatchCommand:
		a.start(m)
	case *protocol.CancelCommand:
		a.cancel(m)
	case *protocol.Error:
		a.logger.Warn("hub reported error", "code", m.Code, "message", m.Message)
	case *protocol.Registered:
		// Only expected during the handshake.
	default:
		a.logger.Debug("ignoring message", "type", msg.MessageType())
	}
}

func (a *Agent) start(d *protocol.DispatchCommand) {
	a.mu.Lock()
	if _, dup := a.running[d.CommandID]; dup {
		a.mu.Unlock()
		a.logger.Debug("duplicate dispatch ignored", "command_id", d.CommandID)
		return
	}
	ctx, cancel := commandContext(a.baseCtx, d.TimeoutMs)
	rc := &running{cmdType: d.Type, cancel: cancel}
	a.running[d.CommandID] = rc
	a.wg.Add(1)
	a.mu.Unlock()

	a.logger.Info("command received", "command_id", d.CommandID, "type", d.Type, "timeout_ms", d.TimeoutMs)
	a.bus.PublishType(eventbus.CommandStarted, commandEvent{CommandID: d.CommandID, Type: d.Type})

	go func() {
		defer a.wg.Done()
		defer cancel()

		res := a.runner.Execute(ctx, d.Type, d.Payload)

		a.mu.Lock()
		delete(a.running, d.CommandID)
		canceled := rc.canceled
		a.mu.Unlock()

		if canceled {
			// The hub already settled this command.
			a.logger.Info("command canceled", "command_id", d.CommandID)
			a.bus.PublishType(eventbus.CommandCanceled, commandEvent{CommandID: d.CommandID, Type: d.Type})
			return
		}

		a.bus.PublishType(eventbus.CommandFinished, commandEvent{
			CommandID:  d.CommandID,
			Type:       d.Type,
			Success:    res.Success,
			Error:      res.Error,
			DurationMs: res.Duration.Milliseconds(),
		})
		if err := a.sender.Send(res.Protocol(d.CommandID)); err != nil {
			a.logger.Warn("result not delivered", "command_id", d.CommandID, "error", err)
			return
		}
		a.logger.Info("command finished", "command_id", d.CommandID, "success", res.Success, "duration_ms", res.Duration.Milliseconds())
	}()
}

// commandContext derives the context a command runs under. A zero timeout
// leaves only the agent lifetime as bound.
func commandContext(parent context.Context, timeoutMs int64) (context.Context, context.CancelFunc) {
	if timeoutMs > 0 {
		return context.WithTimeout(parent, time.Duration(timeoutMs)*time.Millisecond)
	}
	return context.WithCancel(parent)
}

func (a *Agent) cancel(c *protocol.CancelCommand) {
	a.mu.Lock()
	rc, ok := a.running[c.CommandID]
	if ok {
		rc.canceled = true
	}
	a.mu.Unlock()

	if !ok {
		a.logger.Debug("cancel for unknown command", "command_id", c.CommandID)
		return
	}
	a.logger.Info("canceling command", "command_id", c.CommandID, "reason", c.Reason)
	rc.cancel()
}

func (a *Agent) sampleMetrics() *protocol.Metrics {
	ctx, cancel := context.WithTimeout(context.Background(), metricsTimeout)
	defer cancel()
	return executor.SampleMetrics(ctx, a.Active())
}

// commandEvent is the data of command.* bus events.
type commandEvent struct {
	CommandID  string `json:"command_id"`
	Type       string `json:"type"`
	Success    bool   `json:"success,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}
