package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattmo0re/viveye/agent/internal/config"
	"github.com/mattmo0re/viveye/agent/internal/eventbus"
	"github.com/mattmo0re/viveye/agent/internal/executor"
	"github.com/mattmo0re/viveye/pkg/protocol"
)

// fakeRunner blocks commands of type "block" until their context ends.
type fakeRunner struct {
	calls atomic.Int32
	ctxs  chan context.Context
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{ctxs: make(chan context.Context, 8)}
}

func (r *fakeRunner) Capabilities() []string { return []string{"block", "echo"} }

func (r *fakeRunner) Execute(ctx context.Context, cmdType string, payload protocol.CommandPayload) executor.Result {
	r.calls.Add(1)
	r.ctxs <- ctx
	if cmdType == "block" {
		<-ctx.Done()
		return executor.Result{Error: ctx.Err().Error(), ExitCode: -1, Duration: time.Millisecond}
	}
	return executor.Result{Success: true, Output: payload.Command, Duration: time.Millisecond}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Message
	err  error
}

func (s *fakeSender) Send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) results() []*protocol.CommandResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.CommandResult
	for _, m := range s.sent {
		if r, ok := m.(*protocol.CommandResult); ok {
			out = append(out, r)
		}
	}
	return out
}

func setup(t *testing.T) (*Agent, *fakeRunner, *fakeSender, chan eventbus.Event) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Agent.ID = "host-1"
	cfg.Agent.Name = "host-1.lab"
	cfg.Agent.Metadata = map[string]string{"site": "lab"}

	bus := eventbus.New()
	events := bus.Subscribe(eventbus.CommandStarted, eventbus.CommandFinished, eventbus.CommandCanceled)
	runner := newFakeRunner()
	sender := &fakeSender{}
	a := newAgent(cfg, runner, sender, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(a.wg.Wait)
	return a, runner, sender, events
}

func nextEvent(t *testing.T, ch chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return eventbus.Event{}
	}
}

func TestDispatch_SendsResult(t *testing.T) {
	a, _, sender, events := setup(t)

	a.HandleMessage(context.Background(), &protocol.DispatchCommand{CommandID: "c1", Type: "echo", Payload: protocol.CommandPayload{Command: "hi"}, TimeoutMs: 1000})

	assert.Equal(t, eventbus.CommandStarted, nextEvent(t, events).Type)
	assert.Equal(t, eventbus.CommandFinished, nextEvent(t, events).Type)
	a.wg.Wait()

	results := sender.results()
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].CommandID)
	assert.True(t, results[0].Success)
	assert.Equal(t, "hi", results[0].Output)
	assert.Equal(t, 0, a.Active())
}

func TestDispatch_TimeoutBoundsContext(t *testing.T) {
	a, runner, sender, _ := setup(t)

	a.HandleMessage(context.Background(), &protocol.DispatchCommand{CommandID: "c1", Type: "block", TimeoutMs: 30})
	ctx := <-runner.ctxs
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(30*time.Millisecond), deadline, 100*time.Millisecond)

	a.wg.Wait()
	results := sender.results()
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "deadline")
}

// ownDoneCtx hides its cancel machinery from the context package, which
// then watches it with one goroutine per live child.
type ownDoneCtx struct {
	context.Context
	done chan struct{}
}

func (c ownDoneCtx) Done() <-chan struct{} { return c.done }

func TestCommandContext_ReleasesChildren(t *testing.T) {
	parent := ownDoneCtx{Context: context.Background(), done: make(chan struct{})}
	defer close(parent.done)

	ctx, cancel := commandContext(parent, 0)
	_, ok := ctx.Deadline()
	assert.False(t, ok)
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	base := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		ctx, cancel := commandContext(parent, 60000)
		_, ok := ctx.Deadline()
		require.True(t, ok)
		cancel()
	}
	require.Eventually(t, func() bool { return runtime.NumGoroutine() <= base }, 2*time.Second, 10*time.Millisecond,
		"every derived context is released by its cancel func")
}

func TestCancel_StopsWithoutResult(t *testing.T) {
	a, runner, sender, events := setup(t)

	a.HandleMessage(context.Background(), &protocol.DispatchCommand{CommandID: "c1", Type: "block", TimeoutMs: 60000})
	ctx := <-runner.ctxs
	assert.Equal(t, 1, a.Active())

	a.HandleMessage(context.Background(), &protocol.CancelCommand{CommandID: "c1", Reason: "operator"})
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("command context not canceled")
	}

	assert.Equal(t, eventbus.CommandStarted, nextEvent(t, events).Type)
	assert.Equal(t, eventbus.CommandCanceled, nextEvent(t, events).Type)
	a.wg.Wait()
	assert.Empty(t, sender.results())
	assert.Equal(t, 0, a.Active())
}

func TestCancel_Unknown(t *testing.T) {
	a, _, _, _ := setup(t)
	assert.NotPanics(t, func() {
		a.HandleMessage(context.Background(), &protocol.CancelCommand{CommandID: "missing"})
	})
}

func TestDispatch_DuplicateIgnored(t *testing.T) {
	a, runner, _, _ := setup(t)

	d := &protocol.DispatchCommand{CommandID: "c1", Type: "block", TimeoutMs: 60000}
	a.HandleMessage(context.Background(), d)
	<-runner.ctxs
	a.HandleMessage(context.Background(), d)

	assert.Equal(t, int32(1), runner.calls.Load())
	a.HandleMessage(context.Background(), &protocol.CancelCommand{CommandID: "c1"})
}

func TestDispatch_SendFailureLogged(t *testing.T) {
	a, _, sender, _ := setup(t)
	sender.err = errors.New("not connected")

	a.HandleMessage(context.Background(), &protocol.DispatchCommand{CommandID: "c1", Type: "echo", TimeoutMs: 1000})
	a.wg.Wait()
	assert.Equal(t, 0, a.Active())
}

func TestMetadata(t *testing.T) {
	a, _, _, _ := setup(t)
	md := a.metadata("1.2.3")
	assert.Equal(t, "lab", md["site"])
	assert.Equal(t, "host-1.lab", md["hostname"])
	assert.Equal(t, runtime.GOOS, md["os"])
	assert.Equal(t, "1.2.3", md["agent_version"])
}

func TestHandleMessage_IgnoresOthers(t *testing.T) {
	a, runner, _, _ := setup(t)
	a.HandleMessage(context.Background(), &protocol.Error{Code: "rate_limited", Message: "slow down"})
	a.HandleMessage(context.Background(), &protocol.Registered{OK: true})
	assert.Equal(t, int32(0), runner.calls.Load())
}
