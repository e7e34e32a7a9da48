package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgres opens a PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLStore{db: db, postgres: true}
	if err := s.migratePostgres(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migratePostgres() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS relays (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			key_hash TEXT NOT NULL DEFAULT '',
			heartbeat_interval_ms BIGINT NOT NULL DEFAULT 30000,
			online BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			relay_id TEXT NOT NULL REFERENCES relays(id),
			name TEXT NOT NULL DEFAULT '',
			capabilities JSONB NOT NULL DEFAULT '[]',
			metadata JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'offline',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			performance JSONB NOT NULL DEFAULT 'null',
			last_command_id TEXT NOT NULL DEFAULT '',
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_relay_id ON agents(relay_id)`,
		`CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			relay_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			priority TEXT NOT NULL DEFAULT 'normal',
			timeout_ms BIGINT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_of TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			result JSONB,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			executed_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_agent_id ON commands(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_created_at ON commands(created_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			relay_id TEXT NOT NULL DEFAULT '',
			command_id TEXT NOT NULL DEFAULT '',
			detail JSONB NOT NULL DEFAULT 'null',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}
