package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "viveye.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestRelay(t *testing.T, s *SQLStore, name string) *Relay {
	t.Helper()
	now := time.Now().UTC()
	r := &Relay{
		ID:                  uuid.New().String(),
		Name:                name,
		KeyHash:             "hash-" + name,
		HeartbeatIntervalMs: 30000,
		LastSeen:            now,
		CreatedAt:           now,
	}
	require.NoError(t, s.CreateRelay(context.Background(), r))
	return r
}

func createTestAgent(t *testing.T, s *SQLStore, relayID, id string) *Agent {
	t.Helper()
	now := time.Now().UTC()
	a := &Agent{
		ID:           id,
		RelayID:      relayID,
		Name:         "host-" + id,
		Capabilities: []string{"system_info", "execute_command"},
		Metadata:     map[string]string{"os": "linux"},
		Status:       StatusOnline,
		Active:       true,
		LastSeen:     now,
		CreatedAt:    now,
	}
	require.NoError(t, s.UpsertAgent(context.Background(), a))
	return a
}

func createTestCommand(t *testing.T, s *SQLStore, agent *Agent, status CommandStatus) *Command {
	t.Helper()
	c := &Command{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		RelayID:   agent.RelayID,
		Type:      "execute_command",
		Payload:   CommandPayload{Command: "uptime"},
		Priority:  PriorityNormal,
		TimeoutMs: 5000,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateCommand(context.Background(), c))
	return c
}

func TestRelay_CreateGetList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := createTestRelay(t, s, "beta")
	a := createTestRelay(t, s, "alpha")

	got, err := s.GetRelay(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "beta", got.Name)
	assert.Equal(t, "hash-beta", got.KeyHash)
	assert.False(t, got.Online)

	missing, err := s.GetRelay(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	relays, err := s.ListRelays(ctx)
	require.NoError(t, err)
	require.Len(t, relays, 2)
	assert.Equal(t, a.ID, relays[0].ID)
}

func TestRelay_SetLiveness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := createTestRelay(t, s, "r")

	seen := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, s.SetRelayLiveness(ctx, r.ID, true, seen))

	got, err := s.GetRelay(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Online)
	assert.True(t, seen.Equal(got.LastSeen), "last_seen %v != %v", got.LastSeen, seen)

	assert.ErrorIs(t, s.SetRelayLiveness(ctx, "missing", true, seen), ErrNotFound)
}

func TestResetLiveness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := createTestRelay(t, s, "r")
	a := createTestAgent(t, s, r.ID, "a1")
	b := createTestAgent(t, s, r.ID, "a2")
	require.NoError(t, s.SetAgentStatus(ctx, b.ID, StatusBusy, time.Now()))
	require.NoError(t, s.SetRelayLiveness(ctx, r.ID, true, time.Now()))

	require.NoError(t, s.ResetLiveness(ctx))

	got, err := s.GetRelay(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.Online)
	for _, id := range []string{a.ID, b.ID} {
		ag, err := s.GetAgent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusOffline, ag.Status, id)
	}

	require.NoError(t, s.ResetLiveness(ctx), "no rows to reset is not an error")
}

func TestAgent_UpsertKeepsActiveFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := createTestRelay(t, s, "r")
	a := createTestAgent(t, s, r.ID, "a1")

	require.NoError(t, s.SetAgentActive(ctx, a.ID, false))

	a.Capabilities = []string{"process_list"}
	a.Active = true
	require.NoError(t, s.UpsertAgent(ctx, a))

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Active, "re-registration must not re-enable an agent")
	assert.Equal(t, []string{"process_list"}, got.Capabilities)
	assert.Equal(t, "linux", got.Metadata["os"])
}

func TestAgent_HeartbeatAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := createTestRelay(t, s, "r")
	a := createTestAgent(t, s, r.ID, "a1")

	perf := json.RawMessage(`{"cpu_percent":12.5}`)
	require.NoError(t, s.RecordHeartbeat(ctx, a.ID, perf, time.Now()))
	require.NoError(t, s.SetAgentStatus(ctx, a.ID, StatusBusy, time.Now()))
	require.NoError(t, s.SetAgentLastCommand(ctx, a.ID, "c-9", time.Now()))

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(perf), string(got.Performance))
	assert.Equal(t, StatusBusy, got.Status)
	assert.Equal(t, "c-9", got.LastCommandID)

	agents, err := s.ListAgents(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
	agents, err = s.ListAgents(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestCommand_TransitionIsCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := createTestRelay(t, s, "r")
	a := createTestAgent(t, s, r.ID, "a1")
	c := createTestCommand(t, s, a, CommandPending)

	ok, err := s.TransitionCommand(ctx, c.ID, []CommandStatus{CommandPending}, Transition{To: CommandExecuting, At: time.Now()})
	require.NoError(t, err)
	assert.True(t, ok)

	// A second attempt from pending must not apply.
	ok, err = s.TransitionCommand(ctx, c.ID, []CommandStatus{CommandPending}, Transition{To: CommandExecuting, At: time.Now()})
	require.NoError(t, err)
	assert.False(t, ok)

	res := &CommandResult{Success: true, Output: "ok", DurationMs: 7, Data: json.RawMessage(`{"k":1}`)}
	ok, err = s.TransitionCommand(ctx, c.ID, []CommandStatus{CommandExecuting}, Transition{To: CommandCompleted, At: time.Now(), Result: res})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetCommand(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, CommandCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "ok", got.Result.Output)
	assert.JSONEq(t, `{"k":1}`, string(got.Result.Data))
	assert.NotNil(t, got.ExecutedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "uptime", got.Payload.Command)

	// Late result must not revive a completed command.
	ok, err = s.TransitionCommand(ctx, c.ID, []CommandStatus{CommandExecuting}, Transition{To: CommandFailed, At: time.Now()})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommand_CreateRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := createTestRelay(t, s, "r")
	a := createTestAgent(t, s, r.ID, "a1")
	orig := createTestCommand(t, s, a, CommandFailed)

	next := *orig
	next.ID = uuid.New().String()
	next.Status = CommandPending
	next.RetryCount = 1
	next.RetryOf = orig.ID

	ok, err := s.CreateRetry(ctx, orig.ID, 0, &next)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale expected count writes nothing.
	stale := next
	stale.ID = uuid.New().String()
	ok, err = s.CreateRetry(ctx, orig.ID, 0, &stale)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetCommand(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)

	missing, err := s.GetCommand(ctx, stale.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)

	created, err := s.GetCommand(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, created.RetryOf)
	assert.Equal(t, CommandPending, created.Status)
}

func TestCommand_ListFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := createTestRelay(t, s, "r")
	a1 := createTestAgent(t, s, r.ID, "a1")
	a2 := createTestAgent(t, s, r.ID, "a2")
	createTestCommand(t, s, a1, CommandPending)
	createTestCommand(t, s, a1, CommandFailed)
	createTestCommand(t, s, a2, CommandPending)

	all, err := s.ListCommands(ctx, CommandFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := s.ListCommands(ctx, CommandFilter{AgentID: a1.ID})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	pending, err := s.ListCommands(ctx, CommandFilter{Status: CommandPending, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCommandStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := createTestRelay(t, s, "r")
	a := createTestAgent(t, s, r.ID, "a1")

	empty, err := s.CommandStats(ctx, StatsFilter{})
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.SuccessRate)

	createTestCommand(t, s, a, CommandCompleted)
	createTestCommand(t, s, a, CommandCompleted)
	createTestCommand(t, s, a, CommandFailed)

	st, err := s.CommandStats(ctx, StatsFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Total)
	assert.Equal(t, int64(2), st.ByStatus[CommandCompleted])
	assert.Equal(t, int64(1), st.ByStatus[CommandFailed])
	assert.Equal(t, int64(3), st.ByType["execute_command"])
	assert.Equal(t, int64(3), st.ByPriority[PriorityNormal])
	assert.InDelta(t, 66.67, st.SuccessRate, 0.001)

	st, err = s.CommandStats(ctx, StatsFilter{Until: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := createTestRelay(t, s, "r")
	a := createTestAgent(t, s, r.ID, "a1")

	old := createTestCommand(t, s, a, CommandExecuting)
	_, err := s.TransitionCommand(ctx, old.ID, []CommandStatus{CommandExecuting},
		Transition{To: CommandTimeout, At: time.Now().Add(-48 * time.Hour)})
	require.NoError(t, err)
	live := createTestCommand(t, s, a, CommandPending)

	require.NoError(t, s.LogAuditEvent(ctx, &AuditEvent{
		ID: uuid.New().String(), Action: "command.create", Actor: "op", CreatedAt: time.Now().Add(-48 * time.Hour),
	}))

	n, err := s.PurgeCommands(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetCommand(ctx, live.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)

	n, err = s.PurgeAuditEvents(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := s.ListAuditEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRebind(t *testing.T) {
	s := &SQLStore{postgres: true}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", s.rebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)"))

	s = &SQLStore{}
	assert.Equal(t, "x = ?", s.rebind("x = ?"))
}
