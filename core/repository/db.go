package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DB wraps the sql database handle shared by all repositories
type DB struct {
	*sql.DB
}

// NewDB opens a Postgres connection pool
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// Migrate creates the schema if it does not exist
func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		query TEXT NOT NULL,
		code_uri TEXT NOT NULL DEFAULT '',
		requirements_uri TEXT NOT NULL DEFAULT '',
		image_uri TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		endpoint TEXT NOT NULL DEFAULT '',
		model_id TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		timeout_ms INT NOT NULL,
		status TEXT NOT NULL,
		phase TEXT NOT NULL,
		task_arn TEXT NOT NULL DEFAULT '',
		log_group TEXT NOT NULL DEFAULT '',
		log_stream TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL DEFAULT FALSE,
		response TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		error_stage TEXT NOT NULL DEFAULT '',
		queue_wait_ms BIGINT NOT NULL DEFAULT 0,
		build_ms BIGINT NOT NULL DEFAULT 0,
		execution_ms BIGINT NOT NULL DEFAULT 0,
		estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		deployment_id TEXT NOT NULL DEFAULT '',
		log_cursor TEXT NOT NULL DEFAULT '',
		last_log_fetched_at TIMESTAMPTZ,
		submitted_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS job_logs (
		job_id UUID NOT NULL REFERENCES jobs(id),
		seq INT NOT NULL,
		line TEXT NOT NULL,
		at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (job_id, seq)
	);

	CREATE TABLE IF NOT EXISTS job_events (
		id BIGSERIAL PRIMARY KEY,
		job_id UUID NOT NULL REFERENCES jobs(id),
		at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		from_status TEXT,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS queue_entries (
		id UUID PRIMARY KEY,
		job_id UUID NOT NULL REFERENCES jobs(id),
		priority INT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		claimed_at TIMESTAMPTZ,
		claimed_by TEXT NOT NULL DEFAULT '',
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_queue_pending
		ON queue_entries (priority, created_at) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS deployments (
		id UUID PRIMARY KEY,
		agent_id TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		region TEXT NOT NULL,
		cluster_arn TEXT NOT NULL DEFAULT '',
		task_definition TEXT NOT NULL DEFAULT '',
		runtime_id TEXT NOT NULL DEFAULT '',
		runtime_alias TEXT NOT NULL DEFAULT '',
		log_group TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		healthy BOOLEAN NOT NULL DEFAULT TRUE,
		last_checked_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS aws_accounts (
		user_id TEXT PRIMARY KEY,
		role_arn TEXT NOT NULL,
		external_id TEXT NOT NULL,
		region TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS usage_counters (
		user_id TEXT PRIMARY KEY,
		tests_this_month INT NOT NULL DEFAULT 0,
		period_start TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`

	_, err := db.Exec(schema)
	return err
}
