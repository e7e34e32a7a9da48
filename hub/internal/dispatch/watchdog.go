package dispatch

import (
	"context"
	"time"

	"github.com/mattmo0re/viveye/hub/internal/store"
)

// watchdogWriteTimeout bounds the store write made when a watchdog fires.
const watchdogWriteTimeout = 10 * time.Second

type watch struct {
	timer *time.Timer
}

// armWatchdog schedules id to move to timeout after d unless a terminal
// status is reached first.
func (e *Engine) armWatchdog(id string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if prev, ok := e.watches[id]; ok {
		prev.timer.Stop()
	}
	w := &watch{}
	w.timer = time.AfterFunc(d, func() { e.fire(id, w) })
	e.watches[id] = w
}

func (e *Engine) stopWatchdog(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.watches[id]; ok {
		w.timer.Stop()
		delete(e.watches, id)
	}
}

func (e *Engine) fire(id string, w *watch) {
	e.mu.Lock()
	if cur, ok := e.watches[id]; ok && cur == w {
		delete(e.watches, id)
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), watchdogWriteTimeout)
	defer cancel()
	e.expire(ctx, id)
}

// expire moves id from executing to timeout. Commands that already left
// executing are untouched.
func (e *Engine) expire(ctx context.Context, id string) {
	unlock := e.cmdLocks.Lock(id)
	defer unlock()

	ok, err := e.store.TransitionCommand(ctx, id, []store.CommandStatus{store.CommandExecuting},
		store.Transition{To: store.CommandTimeout, At: e.now().UTC()})
	if err != nil {
		e.logger.Error("watchdog: mark timeout failed", "command_id", id, "error", err)
		return
	}
	if !ok {
		return
	}
	e.metrics.WatchdogFired()
	e.metrics.CommandTransition(string(store.CommandTimeout))

	agentID := ""
	if cmd, err := e.store.GetCommand(ctx, id); err == nil && cmd != nil {
		agentID = cmd.AgentID
		e.notifyCancel(agentID, id, "timeout")
	}
	e.logger.Warn("command timed out", "command_id", id, "agent_id", agentID)
}

// ActiveWatchdogs returns the number of armed watchdogs.
func (e *Engine) ActiveWatchdogs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watches)
}

// Close stops all watchdogs. Commands still executing are picked up by
// Recover on the next start.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, w := range e.watches {
		w.timer.Stop()
		delete(e.watches, id)
	}
}

// Recover re-arms watchdogs for commands left executing by a previous run.
// Commands whose deadline already passed are timed out immediately.
func (e *Engine) Recover(ctx context.Context) error {
	cmds, err := e.store.ListCommands(ctx, store.CommandFilter{Status: store.CommandExecuting})
	if err != nil {
		return err
	}
	now := e.now()
	expired := 0
	for _, cmd := range cmds {
		started := cmd.CreatedAt
		if cmd.ExecutedAt != nil {
			started = *cmd.ExecutedAt
		}
		remaining := started.Add(cmd.Timeout()).Sub(now)
		if remaining <= 0 {
			e.expire(ctx, cmd.ID)
			expired++
			continue
		}
		e.armWatchdog(cmd.ID, remaining)
	}
	if len(cmds) > 0 {
		e.logger.Info("recovered executing commands", "count", len(cmds), "expired", expired)
	}
	return nil
}
