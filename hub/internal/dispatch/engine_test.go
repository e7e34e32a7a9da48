package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattmo0re/viveye/hub/internal/registry"
	"github.com/mattmo0re/viveye/hub/internal/store"
	"github.com/mattmo0re/viveye/pkg/protocol"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []protocol.Message
	sendErr error

	// When hold is set, sending a dispatch signals entered and blocks
	// until hold is closed.
	hold    chan struct{}
	entered chan struct{}
}

func (c *fakeConn) Send(msg protocol.Message) error {
	if _, ok := msg.(*protocol.DispatchCommand); ok && c.hold != nil {
		close(c.entered)
		<-c.hold
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

type testEnv struct {
	engine *Engine
	reg    *registry.Registry
	store  *store.SQLStore
}

func setupTestEngine(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(s, logger)
	opts := DefaultOptions()
	opts.MinTimeout = 10 * time.Millisecond
	e := New(s, reg, opts, logger, nil)
	t.Cleanup(e.Close)

	now := time.Now().UTC()
	require.NoError(t, s.CreateRelay(context.Background(), &store.Relay{ID: "r1", Name: "r1", LastSeen: now, CreatedAt: now}))
	return &testEnv{engine: e, reg: reg, store: s}
}

func (env *testEnv) connect(t *testing.T, agentID string, caps ...string) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	_, err := env.reg.Register(context.Background(), registry.Registration{
		AgentID: agentID, RelayID: "r1", Capabilities: caps,
	}, conn)
	require.NoError(t, err)
	return conn
}

func (env *testEnv) seedCommand(t *testing.T, agentID string, status store.CommandStatus, retryCount int) *store.Command {
	t.Helper()
	now := time.Now().UTC()
	c := &store.Command{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		RelayID:    "r1",
		Type:       TypeExecuteCommand,
		Payload:    store.CommandPayload{Command: "uptime"},
		Priority:   store.PriorityHigh,
		TimeoutMs:  60000,
		RetryCount: retryCount,
		Status:     status,
		CreatedAt:  now,
	}
	if status != store.CommandPending {
		c.ExecutedAt = &now
	}
	require.NoError(t, env.store.CreateCommand(context.Background(), c))
	return c
}

func (env *testEnv) status(t *testing.T, id string) store.CommandStatus {
	t.Helper()
	c, err := env.store.GetCommand(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c.Status
}

func execRequest(agentID string, timeout time.Duration) CreateRequest {
	return CreateRequest{
		AgentID:   agentID,
		Type:      TypeExecuteCommand,
		Payload:   store.CommandPayload{Command: "uptime"},
		TimeoutMs: timeout.Milliseconds(),
	}
}

func TestCreate_DispatchesToOnlineAgent(t *testing.T) {
	env := setupTestEngine(t)
	conn := env.connect(t, "a1", TypeExecuteCommand)

	cmd, err := env.engine.Create(context.Background(), execRequest("a1", time.Minute))
	require.NoError(t, err)
	assert.Equal(t, store.CommandExecuting, cmd.Status)
	assert.Equal(t, store.PriorityNormal, cmd.Priority)
	assert.Equal(t, "r1", cmd.RelayID)
	assert.NotNil(t, cmd.ExecutedAt)
	assert.Equal(t, store.CommandExecuting, env.status(t, cmd.ID))
	assert.Equal(t, 1, env.engine.ActiveWatchdogs())

	msgs := conn.messages()
	require.Len(t, msgs, 1)
	d, ok := msgs[0].(*protocol.DispatchCommand)
	require.True(t, ok)
	assert.Equal(t, cmd.ID, d.CommandID)
	assert.Equal(t, TypeExecuteCommand, d.Type)
	assert.Equal(t, "uptime", d.Payload.Command)
	assert.Equal(t, int64(60000), d.TimeoutMs)
}

func TestCreate_ValidationFailuresLeaveNoRecord(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.connect(t, "a1", TypeSystemInfo)

	// a2 is known but disconnected.
	env.connect(t, "a2", TypeExecuteCommand)
	require.NoError(t, env.reg.Unbind(ctx, "a2"))

	// a3 is online but disabled.
	env.connect(t, "a3", TypeExecuteCommand)
	require.NoError(t, env.store.SetAgentActive(ctx, "a3", false))

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"unknown agent", execRequest("ghost", time.Minute), ErrUnknownAgent},
		{"offline", execRequest("a2", time.Minute), ErrTargetOffline},
		{"inactive", execRequest("a3", time.Minute), ErrTargetInactive},
		{"capability", execRequest("a1", time.Minute), ErrUnsupportedCapability},
		{"unknown type", CreateRequest{AgentID: "a1", Type: "keylog"}, ErrInvalidCommand},
		{"timeout too long", CreateRequest{AgentID: "a1", Type: TypeSystemInfo, TimeoutMs: (2 * time.Hour).Milliseconds()}, ErrInvalidCommand},
		{"timeout overflows duration", CreateRequest{AgentID: "a1", Type: TypeSystemInfo, TimeoutMs: 288230376151716728}, ErrInvalidCommand},
		{"negative timeout", CreateRequest{AgentID: "a1", Type: TypeSystemInfo, TimeoutMs: -1}, ErrInvalidCommand},
		{"bad priority", CreateRequest{AgentID: "a1", Type: TypeSystemInfo, Priority: "urgent"}, ErrInvalidCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Create(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	cmds, err := env.store.ListCommands(ctx, store.CommandFilter{})
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestCreate_CustomBypassesCapabilities(t *testing.T) {
	env := setupTestEngine(t)
	env.connect(t, "a1")

	cmd, err := env.engine.Create(context.Background(), CreateRequest{AgentID: "a1", Type: TypeCustom})
	require.NoError(t, err)
	assert.Equal(t, store.CommandExecuting, cmd.Status)
	assert.Equal(t, int64(300000), cmd.TimeoutMs)
}

func TestWatchdog_TimesOutSilentCommand(t *testing.T) {
	env := setupTestEngine(t)
	conn := env.connect(t, "a1", TypeExecuteCommand)

	cmd, err := env.engine.Create(context.Background(), execRequest("a1", 50*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, store.CommandExecuting, cmd.Status)

	require.Eventually(t, func() bool {
		return env.status(t, cmd.ID) == store.CommandTimeout
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.engine.ActiveWatchdogs())

	// The agent is told to stop.
	require.Eventually(t, func() bool {
		msgs := conn.messages()
		c, ok := msgs[len(msgs)-1].(*protocol.CancelCommand)
		return ok && c.CommandID == cmd.ID && c.Reason == "timeout"
	}, time.Second, 10*time.Millisecond)

	// A result after timeout is dropped.
	_, err = env.engine.ReportResult(context.Background(), "a1", &protocol.CommandResult{CommandID: cmd.ID, Success: true})
	assert.ErrorIs(t, err, ErrDuplicateResult)
	assert.Equal(t, store.CommandTimeout, env.status(t, cmd.ID))
}

func TestReportResult_CompletesAndDropsDuplicate(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.connect(t, "a2", TypeExecuteCommand)

	cmd, err := env.engine.Create(ctx, execRequest("a2", time.Minute))
	require.NoError(t, err)

	done, err := env.engine.ReportResult(ctx, "a2", &protocol.CommandResult{CommandID: cmd.ID, Success: true, Output: "ok", DurationMs: 4})
	require.NoError(t, err)
	assert.Equal(t, store.CommandCompleted, done.Status)
	assert.Equal(t, 0, env.engine.ActiveWatchdogs())

	_, err = env.engine.ReportResult(ctx, "a2", &protocol.CommandResult{CommandID: cmd.ID, Success: false, Error: "late"})
	assert.ErrorIs(t, err, ErrDuplicateResult)
	assert.True(t, IsDropped(err))

	stored, err := env.store.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	assert.True(t, stored.Result.Success)
	assert.Equal(t, "ok", stored.Result.Output)
	assert.NotNil(t, stored.CompletedAt)

	agent, err := env.store.GetAgent(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, cmd.ID, agent.LastCommandID)
}

func TestReportResult_FailureAndUnknown(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.connect(t, "a1", TypeExecuteCommand)
	env.connect(t, "a2", TypeExecuteCommand)

	cmd, err := env.engine.Create(ctx, execRequest("a1", time.Minute))
	require.NoError(t, err)

	_, err = env.engine.ReportResult(ctx, "a2", &protocol.CommandResult{CommandID: cmd.ID, Success: true})
	assert.ErrorIs(t, err, ErrForeignResult)
	assert.Equal(t, store.CommandExecuting, env.status(t, cmd.ID))

	res, err := env.engine.ReportResult(ctx, "a1", &protocol.CommandResult{CommandID: cmd.ID, ExitCode: 2, Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, store.CommandFailed, res.Status)

	_, err = env.engine.ReportResult(ctx, "a1", &protocol.CommandResult{CommandID: "nope"})
	assert.ErrorIs(t, err, ErrDuplicateResult)
}

func TestReportResult_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.connect(t, "a1", TypeExecuteCommand)
	cmd, err := env.engine.Create(ctx, execRequest("a1", time.Minute))
	require.NoError(t, err)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.engine.ReportResult(ctx, "a1", &protocol.CommandResult{CommandID: cmd.ID, Success: i%2 == 0})
			if err == nil {
				accepted.Add(1)
			} else if !errors.Is(err, ErrDuplicateResult) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestCancel_ExecutingNotifiesAgentAndDropsLateResult(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	conn := env.connect(t, "a1", TypeExecuteCommand)
	cmd, err := env.engine.Create(ctx, execRequest("a1", time.Minute))
	require.NoError(t, err)

	cancelled, err := env.engine.Cancel(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)
	assert.Equal(t, 0, env.engine.ActiveWatchdogs())

	msgs := conn.messages()
	require.Len(t, msgs, 2)
	c, ok := msgs[1].(*protocol.CancelCommand)
	require.True(t, ok)
	assert.Equal(t, cmd.ID, c.CommandID)

	_, err = env.engine.ReportResult(ctx, "a1", &protocol.CommandResult{CommandID: cmd.ID, Success: true})
	assert.ErrorIs(t, err, ErrDuplicateResult)
	assert.Equal(t, store.CommandCancelled, env.status(t, cmd.ID))
}

func TestCancel_WaitsForDispatchInFlight(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	conn := &fakeConn{hold: make(chan struct{}), entered: make(chan struct{})}
	_, err := env.reg.Register(ctx, registry.Registration{
		AgentID: "a1", RelayID: "r1", Capabilities: []string{TypeExecuteCommand},
	}, conn)
	require.NoError(t, err)
	cmd := env.seedCommand(t, "a1", store.CommandPending, 0)

	dispatched := make(chan error, 1)
	go func() {
		_, err := env.engine.Dispatch(ctx, cmd.ID)
		dispatched <- err
	}()
	<-conn.entered

	cancelled := make(chan error, 1)
	go func() {
		_, err := env.engine.Cancel(ctx, cmd.ID)
		cancelled <- err
	}()
	select {
	case <-cancelled:
		t.Fatal("cancel finished while the dispatch was still being sent")
	case <-time.After(50 * time.Millisecond):
	}

	close(conn.hold)
	require.NoError(t, <-dispatched)
	require.NoError(t, <-cancelled)

	msgs := conn.messages()
	require.Len(t, msgs, 2)
	assert.IsType(t, &protocol.DispatchCommand{}, msgs[0])
	assert.IsType(t, &protocol.CancelCommand{}, msgs[1])
	assert.Equal(t, store.CommandCancelled, env.status(t, cmd.ID))
	assert.Equal(t, 0, env.engine.ActiveWatchdogs())
}

func TestCancel_PendingAndTerminal(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	conn := env.connect(t, "a1", TypeExecuteCommand)

	pending := env.seedCommand(t, "a1", store.CommandPending, 0)
	got, err := env.engine.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandCancelled, got.Status)
	assert.Empty(t, conn.messages(), "pending cancel sends nothing")

	_, err = env.engine.Cancel(ctx, pending.ID)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, store.CommandCancelled, te.From)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = env.engine.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestRetry_ChainUpToLimit(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.connect(t, "a1", TypeExecuteCommand)

	current := env.seedCommand(t, "a1", store.CommandFailed, 0)
	for want := 1; want <= 3; want++ {
		next, err := env.engine.Retry(ctx, current.ID, "operator")
		require.NoError(t, err, "retry %d", want)
		assert.Equal(t, want, next.RetryCount)
		assert.Equal(t, current.ID, next.RetryOf)
		assert.Equal(t, store.CommandExecuting, next.Status)
		assert.Equal(t, store.PriorityHigh, next.Priority)
		assert.Equal(t, current.TimeoutMs, next.TimeoutMs)
		assert.NotEqual(t, current.ID, next.ID)

		orig, err := env.store.GetCommand(ctx, current.ID)
		require.NoError(t, err)
		assert.Equal(t, want, orig.RetryCount, "original bookkeeping")
		assert.Equal(t, store.CommandFailed, orig.Status, "original stays terminal")

		_, err = env.engine.ReportResult(ctx, "a1", &protocol.CommandResult{CommandID: next.ID, Error: "still broken"})
		require.NoError(t, err)
		current, err = env.store.GetCommand(ctx, next.ID)
		require.NoError(t, err)
	}

	require.Equal(t, 3, current.RetryCount)
	_, err := env.engine.Retry(ctx, current.ID, "operator")
	assert.ErrorIs(t, err, ErrRetryLimitExceeded)
}

func TestRetry_InvalidSources(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.connect(t, "a1", TypeExecuteCommand)

	for _, st := range []store.CommandStatus{store.CommandPending, store.CommandExecuting, store.CommandCompleted, store.CommandCancelled} {
		c := env.seedCommand(t, "a1", st, 0)
		_, err := env.engine.Retry(ctx, c.ID, "op")
		assert.ErrorIs(t, err, ErrInvalidTransition, "from %s", st)
	}

	timedOut := env.seedCommand(t, "a1", store.CommandTimeout, 0)
	require.NoError(t, env.reg.Unbind(ctx, "a1"))
	_, err := env.engine.Retry(ctx, timedOut.ID, "op")
	assert.ErrorIs(t, err, ErrTargetOffline)

	orig, err := env.store.GetCommand(ctx, timedOut.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, orig.RetryCount, "failed retry must not bump the count")
}

func TestSendFailure_LeftToWatchdog(t *testing.T) {
	env := setupTestEngine(t)
	conn := env.connect(t, "a1", TypeExecuteCommand)
	conn.sendErr = errors.New("broken pipe")

	cmd, err := env.engine.Create(context.Background(), execRequest("a1", 30*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, store.CommandExecuting, cmd.Status)

	require.Eventually(t, func() bool {
		return env.status(t, cmd.ID) == store.CommandTimeout
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatch_PendingCommand(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.connect(t, "a1", TypeExecuteCommand)
	pending := env.seedCommand(t, "a1", store.CommandPending, 0)

	got, err := env.engine.Dispatch(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandExecuting, got.Status)

	_, err = env.engine.Dispatch(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	other := env.seedCommand(t, "a1", store.CommandPending, 0)
	require.NoError(t, env.reg.Unbind(ctx, "a1"))
	_, err = env.engine.Dispatch(ctx, other.ID)
	assert.ErrorIs(t, err, ErrTargetOffline)
	assert.Equal(t, store.CommandPending, env.status(t, other.ID))
}

func TestRecover(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.connect(t, "a1", TypeExecuteCommand)

	stale := env.seedCommand(t, "a1", store.CommandExecuting, 0)
	long := time.Now().Add(-2 * time.Minute)
	_, err := env.store.TransitionCommand(ctx, stale.ID, []store.CommandStatus{store.CommandExecuting},
		store.Transition{To: store.CommandExecuting, At: long})
	require.NoError(t, err)

	fresh := env.seedCommand(t, "a1", store.CommandExecuting, 0)

	require.NoError(t, env.engine.Recover(ctx))
	assert.Equal(t, store.CommandTimeout, env.status(t, stale.ID))
	assert.Equal(t, store.CommandExecuting, env.status(t, fresh.ID))
	assert.Equal(t, 1, env.engine.ActiveWatchdogs())
}
