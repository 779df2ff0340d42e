package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agent-orchestrator/core/models"

	"github.com/google/uuid"
)

// JobRepository handles database operations for jobs
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `
	id, user_id, agent_id, query, code_uri, requirements_uri, image_uri,
	provider, endpoint, model_id, region, timeout_ms, status, phase,
	task_arn, log_group, log_stream, session_id,
	success, response, error, error_stage,
	queue_wait_ms, build_ms, execution_ms, estimated_cost_usd,
	deployment_id, log_cursor, last_log_fetched_at,
	submitted_at, started_at, completed_at`

// CreateWithQueueEntry inserts the Job and its QueueEntry in one transaction.
// The job lands in QUEUED with a CREATED->QUEUED event trail.
func (r *JobRepository) CreateWithQueueEntry(ctx context.Context, job *models.Job, entry *models.QueueEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.JobID = job.ID

	now := time.Now()
	job.SubmittedAt = now
	job.Status = models.JobStatusQueued
	job.Phase = models.PhaseFor(job.Status)

	insertJob := `
		INSERT INTO jobs (
			id, user_id, agent_id, query, code_uri, requirements_uri, image_uri,
			provider, endpoint, model_id, region, timeout_ms, status, phase,
			deployment_id, submitted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = tx.ExecContext(ctx, insertJob,
		job.ID,
		job.UserID,
		job.AgentID,
		job.Query,
		job.Artifact.CodeURI,
		job.Artifact.RequirementsURI,
		job.Artifact.ImageURI,
		job.Provider,
		job.Config.Endpoint,
		job.Config.ModelID,
		job.Config.Region,
		job.TimeoutMs,
		job.Status,
		job.Phase,
		job.DeploymentID,
		job.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	insertEntry := `
		INSERT INTO queue_entries (id, job_id, priority, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	entry.Status = models.QueuePending
	entry.CreatedAt = now
	_, err = tx.ExecContext(ctx, insertEntry, entry.ID, entry.JobID, entry.Priority, entry.Status, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}

	created := models.JobStatusCreated
	if err := insertEventTx(ctx, tx, job.ID, nil, created, "job_created"); err != nil {
		return err
	}
	if err := insertEventTx(ctx, tx, job.ID, &created, models.JobStatusQueued, "queue_entry_created"); err != nil {
		return err
	}

	return tx.Commit()
}

// Get retrieves a job by ID
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.NewExecError(models.ErrKindNotFound, "store", "job %s not found", id)
	}
	return job, err
}

// UpdateStatus transitions a job along the status graph atomically with event
// logging. Transitions off the graph are rejected.
func (r *JobRepository) UpdateStatus(ctx context.Context, jobID string, from, to models.JobStatus, reason string) error {
	if !models.CanTransition(from, to) {
		return models.NewExecError(models.ErrKindValidation, "store", "illegal transition %s -> %s", from, to)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	update := `
		UPDATE jobs SET status = $1, phase = $2,
			started_at = CASE WHEN $1 = 'RUNNING' AND started_at IS NULL THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $3 THEN NOW() ELSE completed_at END
		WHERE id = $4 AND status = $5
	`
	res, err := tx.ExecContext(ctx, update, to, models.PhaseFor(to), to.IsTerminal(), jobID, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Lost a race: someone else moved the job first.
		return models.NewExecError(models.ErrKindClaimConflict, "store", "job %s no longer in %s", jobID, from)
	}

	if err := insertEventTx(ctx, tx, jobID, &from, to, reason); err != nil {
		return err
	}

	return tx.Commit()
}

// SetHandles records backend resource identifiers after dispatch
func (r *JobRepository) SetHandles(ctx context.Context, jobID string, h models.InfraHandles) error {
	query := `UPDATE jobs SET task_arn = $1, log_group = $2, log_stream = $3, session_id = $4 WHERE id = $5`
	_, err := r.db.ExecContext(ctx, query, h.TaskARN, h.LogGroup, h.LogStream, h.SessionID, jobID)
	return err
}

// SetResult records the terminal outcome
func (r *JobRepository) SetResult(ctx context.Context, jobID string, result models.Result) error {
	query := `UPDATE jobs SET success = $1, response = $2, error = $3, error_stage = $4 WHERE id = $5`
	_, err := r.db.ExecContext(ctx, query, result.Success, result.Response, result.Error, result.ErrorStage, jobID)
	return err
}

// SetMetrics records timing and cost metrics
func (r *JobRepository) SetMetrics(ctx context.Context, jobID string, m models.Metrics) error {
	query := `
		UPDATE jobs SET queue_wait_ms = $1, build_ms = $2, execution_ms = $3, estimated_cost_usd = $4
		WHERE id = $5
	`
	_, err := r.db.ExecContext(ctx, query, m.QueueWaitMs, m.BuildMs, m.ExecutionMs, m.EstimatedCostUSD, jobID)
	return err
}

// ListByStatus lists jobs in a given status, oldest first
func (r *JobRepository) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY submitted_at ASC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// HistoryByAgent lists an agent's jobs, newest first
func (r *JobRepository) HistoryByAgent(ctx context.Context, agentID string, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE agent_id = $1 ORDER BY submitted_at DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AppendLogs appends drained log lines and advances the cursor. Lines already
// stored are never rewritten; seq continues from the current maximum.
func (r *JobRepository) AppendLogs(ctx context.Context, jobID string, lines []string, cursor string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM job_logs WHERE job_id = $1`, jobID).Scan(&next); err != nil {
		return err
	}

	for i, line := range lines {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO job_logs (job_id, seq, line) VALUES ($1, $2, $3)`, jobID, next+i, line)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET log_cursor = $1, last_log_fetched_at = NOW() WHERE id = $2`, cursor, jobID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetLogs returns a job's drained log lines in order
func (r *JobRepository) GetLogs(ctx context.Context, jobID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT line FROM job_logs WHERE job_id = $1 ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var startedAt, completedAt, lastLogFetchedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.AgentID,
		&job.Query,
		&job.Artifact.CodeURI,
		&job.Artifact.RequirementsURI,
		&job.Artifact.ImageURI,
		&job.Provider,
		&job.Config.Endpoint,
		&job.Config.ModelID,
		&job.Config.Region,
		&job.TimeoutMs,
		&job.Status,
		&job.Phase,
		&job.Handles.TaskARN,
		&job.Handles.LogGroup,
		&job.Handles.LogStream,
		&job.Handles.SessionID,
		&job.Result.Success,
		&job.Result.Response,
		&job.Result.Error,
		&job.Result.ErrorStage,
		&job.Metrics.QueueWaitMs,
		&job.Metrics.BuildMs,
		&job.Metrics.ExecutionMs,
		&job.Metrics.EstimatedCostUSD,
		&job.DeploymentID,
		&job.LogCursor,
		&lastLogFetchedAt,
		&job.SubmittedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if lastLogFetchedAt.Valid {
		job.LastLogFetchedAt = &lastLogFetchedAt.Time
	}

	return &job, nil
}

func insertEventTx(ctx context.Context, tx *sql.Tx, jobID string, from *models.JobStatus, to models.JobStatus, reason string) error {
	var fromStr *string
	if from != nil {
		s := string(*from)
		fromStr = &s
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_events (job_id, from_status, to_status, reason) VALUES ($1, $2, $3, $4)`,
		jobID, fromStr, to, reason)
	return err
}
