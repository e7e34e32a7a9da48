package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SQLStore implements Store on database/sql. The same queries serve SQLite
// and PostgreSQL; placeholders are rewritten for PostgreSQL.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// --- Relays ---

const relayColumns = "id, name, key_hash, heartbeat_interval_ms, online, last_seen, created_at"

func (s *SQLStore) CreateRelay(ctx context.Context, r *Relay) error {
	_, err := s.exec(ctx,
		"INSERT INTO relays ("+relayColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.Name, r.KeyHash, r.HeartbeatIntervalMs, r.Online, r.LastSeen.UTC(), r.CreatedAt.UTC(),
	)
	return err
}

func scanRelay(row interface{ Scan(...any) error }) (*Relay, error) {
	var r Relay
	if err := row.Scan(&r.ID, &r.Name, &r.KeyHash, &r.HeartbeatIntervalMs, &r.Online, &r.LastSeen, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLStore) GetRelay(ctx context.Context, id string) (*Relay, error) {
	r, err := scanRelay(s.queryRow(ctx, "SELECT "+relayColumns+" FROM relays WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *SQLStore) ListRelays(ctx context.Context) ([]Relay, error) {
	rows, err := s.query(ctx, "SELECT "+relayColumns+" FROM relays ORDER BY name, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relays []Relay
	for rows.Next() {
		r, err := scanRelay(rows)
		if err != nil {
			return nil, err
		}
		relays = append(relays, *r)
	}
	return relays, rows.Err()
}

func (s *SQLStore) SetRelayLiveness(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	return expectRow(s.exec(ctx,
		"UPDATE relays SET online = ?, last_seen = ? WHERE id = ?",
		online, lastSeen.UTC(), id,
	))
}

func (s *SQLStore) TouchRelay(ctx context.Context, id string, lastSeen time.Time) error {
	return expectRow(s.exec(ctx, "UPDATE relays SET last_seen = ? WHERE id = ?", lastSeen.UTC(), id))
}

// ResetLiveness marks every relay and agent offline. No session survives a
// hub restart, so stored liveness from the previous run is stale.
func (s *SQLStore) ResetLiveness(ctx context.Context) error {
	if _, err := s.exec(ctx, "UPDATE agents SET status = ? WHERE status <> ?", string(StatusOffline), string(StatusOffline)); err != nil {
		return fmt.Errorf("reset agents: %w", err)
	}
	if _, err := s.exec(ctx, "UPDATE relays SET online = ? WHERE online = ?", false, true); err != nil {
		return fmt.Errorf("reset relays: %w", err)
	}
	return nil
}

// --- Agents ---

const agentColumns = "id, relay_id, name, capabilities, metadata, status, active, performance, last_command_id, last_seen, created_at"

// UpsertAgent inserts the agent or refreshes its registration fields. The
// active flag of an existing row is left alone; it belongs to operators.
func (s *SQLStore) UpsertAgent(ctx context.Context, a *Agent) error {
	caps, err := json.Marshal(nonNilStrings(a.Capabilities))
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	meta, err := json.Marshal(nonNilMap(a.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO agents (id, relay_id, name, capabilities, metadata, status, active, performance, last_command_id, last_seen, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET relay_id = excluded.relay_id, name = excluded.name,
		   capabilities = excluded.capabilities, metadata = excluded.metadata,
		   status = excluded.status, last_seen = excluded.last_seen`,
		a.ID, a.RelayID, a.Name, string(caps), string(meta), string(a.Status), a.Active,
		jsonText(a.Performance), a.LastCommandID, a.LastSeen.UTC(), a.CreatedAt.UTC(),
	)
	return err
}

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var (
		a                Agent
		caps, meta, perf string
		status           string
	)
	if err := row.Scan(&a.ID, &a.RelayID, &a.Name, &caps, &meta, &status, &a.Active, &perf, &a.LastCommandID, &a.LastSeen, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = SessionStatus(status)
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", a.ID, err)
	}
	if perf != "" && perf != "null" {
		a.Performance = json.RawMessage(perf)
	}
	return &a, nil
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.queryRow(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *SQLStore) ListAgents(ctx context.Context, relayID string) ([]Agent, error) {
	q := "SELECT " + agentColumns + " FROM agents"
	var args []any
	if relayID != "" {
		q += " WHERE relay_id = ?"
		args = append(args, relayID)
	}
	q += " ORDER BY name, id"

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *SQLStore) SetAgentStatus(ctx context.Context, id string, status SessionStatus, lastSeen time.Time) error {
	return expectRow(s.exec(ctx,
		"UPDATE agents SET status = ?, last_seen = ? WHERE id = ?",
		string(status), lastSeen.UTC(), id,
	))
}

func (s *SQLStore) RecordHeartbeat(ctx context.Context, id string, performance json.RawMessage, lastSeen time.Time) error {
	if len(performance) == 0 {
		return expectRow(s.exec(ctx, "UPDATE agents SET last_seen = ? WHERE id = ?", lastSeen.UTC(), id))
	}
	return expectRow(s.exec(ctx,
		"UPDATE agents SET performance = ?, last_seen = ? WHERE id = ?",
		string(performance), lastSeen.UTC(), id,
	))
}

func (s *SQLStore) SetAgentActive(ctx context.Context, id string, active bool) error {
	return expectRow(s.exec(ctx, "UPDATE agents SET active = ? WHERE id = ?", active, id))
}

func (s *SQLStore) SetAgentLastCommand(ctx context.Context, id, commandID string, at time.Time) error {
	return expectRow(s.exec(ctx,
		"UPDATE agents SET last_command_id = ?, last_seen = ? WHERE id = ?",
		commandID, at.UTC(), id,
	))
}

// --- Commands ---

const commandColumns = "id, agent_id, relay_id, type, payload, priority, timeout_ms, retry_count, retry_of, status, result, created_by, created_at, executed_at, completed_at"

func (s *SQLStore) CreateCommand(ctx context.Context, c *Command) error {
	return insertCommand(ctx, s.db, s.rebind, c)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertCommand(ctx context.Context, db execer, rebind func(string) string, c *Command) error {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var result sql.NullString
	if c.Result != nil {
		b, err := json.Marshal(c.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}
	_, err = db.ExecContext(ctx, rebind(
		"INSERT INTO commands ("+commandColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		c.ID, c.AgentID, c.RelayID, c.Type, string(payload), string(c.Priority), c.TimeoutMs,
		c.RetryCount, c.RetryOf, string(c.Status), result, c.CreatedBy, c.CreatedAt.UTC(),
		nullTime(c.ExecutedAt), nullTime(c.CompletedAt),
	)
	return err
}

func scanCommand(row interface{ Scan(...any) error }) (*Command, error) {
	var (
		c                   Command
		payload             string
		priority, status    string
		result              sql.NullString
		executed, completed sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.AgentID, &c.RelayID, &c.Type, &payload, &priority, &c.TimeoutMs,
		&c.RetryCount, &c.RetryOf, &status, &result, &c.CreatedBy, &c.CreatedAt, &executed, &completed); err != nil {
		return nil, err
	}
	c.Priority = Priority(priority)
	c.Status = CommandStatus(status)
	if err := json.Unmarshal([]byte(payload), &c.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", c.ID, err)
	}
	if result.Valid && result.String != "" {
		var r CommandResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", c.ID, err)
		}
		c.Result = &r
	}
	if executed.Valid {
		t := executed.Time
		c.ExecutedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		c.CompletedAt = &t
	}
	return &c, nil
}

func (s *SQLStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	c, err := scanCommand(s.queryRow(ctx, "SELECT "+commandColumns+" FROM commands WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *SQLStore) ListCommands(ctx context.Context, filter CommandFilter) ([]Command, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	q := "SELECT " + commandColumns + " FROM commands"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, *c)
	}
	return cmds, rows.Err()
}

func (s *SQLStore) TransitionCommand(ctx context.Context, id string, from []CommandStatus, t Transition) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition: no source statuses")
	}
	set := []string{"status = ?"}
	args := []any{string(t.To)}
	if t.To == CommandExecuting {
		set = append(set, "executed_at = ?")
		args = append(args, t.At.UTC())
	}
	if t.To.Terminal() {
		set = append(set, "completed_at = ?")
		args = append(args, t.At.UTC())
	}
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return false, fmt.Errorf("marshal result: %w", err)
		}
		set = append(set, "result = ?")
		args = append(args, string(b))
	}
	args = append(args, id)
	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	res, err := s.exec(ctx,
		"UPDATE commands SET "+strings.Join(set, ", ")+" WHERE id = ? AND status IN ("+strings.Join(placeholders, ", ")+")",
		args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) CreateRetry(ctx context.Context, originalID string, expectedRetryCount int, next *Command) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(
		"UPDATE commands SET retry_count = retry_count + 1 WHERE id = ? AND retry_count = ? AND status IN (?, ?)"),
		originalID, expectedRetryCount, string(CommandFailed), string(CommandTimeout),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, nil
	}
	if err := insertCommand(ctx, tx, s.rebind, next); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) CommandStats(ctx context.Context, filter StatsFilter) (*CommandStats, error) {
	var (
		where []string
		args  []any
	)
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, filter.Until.UTC())
	}
	q := "SELECT status, type, priority, COUNT(*) FROM commands"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " GROUP BY status, type, priority"

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	st := &CommandStats{
		ByStatus:   make(map[CommandStatus]int64),
		ByType:     make(map[string]int64),
		ByPriority: make(map[Priority]int64),
	}
	for rows.Next() {
		var (
			status, cmdType, priority string
			n                         int64
		)
		if err := rows.Scan(&status, &cmdType, &priority, &n); err != nil {
			return nil, err
		}
		st.Total += n
		st.ByStatus[CommandStatus(status)] += n
		st.ByType[cmdType] += n
		st.ByPriority[Priority(priority)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if st.Total > 0 {
		rate := float64(st.ByStatus[CommandCompleted]) / float64(st.Total) * 100
		st.SuccessRate = math.Round(rate*100) / 100
	}
	return st, nil
}

func (s *SQLStore) PurgeCommands(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx,
		"DELETE FROM commands WHERE completed_at IS NOT NULL AND completed_at < ? AND status IN (?, ?, ?, ?)",
		before.UTC(), string(CommandCompleted), string(CommandFailed), string(CommandCancelled), string(CommandTimeout),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Audit ---

func (s *SQLStore) LogAuditEvent(ctx context.Context, e *AuditEvent) error {
	_, err := s.exec(ctx,
		"INSERT INTO audit_events (id, action, actor, agent_id, relay_id, command_id, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.Action, e.Actor, e.AgentID, e.RelayID, e.CommandID, jsonText(e.Detail), e.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx,
		"SELECT id, action, actor, agent_id, relay_id, command_id, detail, created_at FROM audit_events ORDER BY created_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			e      AuditEvent
			detail string
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.AgentID, &e.RelayID, &e.CommandID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" && detail != "null" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLStore) PurgeAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, "DELETE FROM audit_events WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- helpers ---

func expectRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func jsonText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
