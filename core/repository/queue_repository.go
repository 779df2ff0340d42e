package repository

import (
	"context"
	"database/sql"

	"agent-orchestrator/core/models"
)

// QueueRepository handles database operations for queue entries. Claiming is
// a conditional single-row update, the only cross-worker synchronization
// point in the system.
type QueueRepository struct {
	db *DB
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *DB) *QueueRepository {
	return &QueueRepository{db: db}
}

const entryColumns = `id, job_id, priority, status, created_at, claimed_at, claimed_by, attempts, last_error`

// NextPending returns the best claim candidates: pending entries in priority
// then age order. Priority classes drain FIFO within themselves.
func (r *QueueRepository) NextPending(ctx context.Context, limit int) ([]*models.QueueEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM queue_entries
		WHERE status = 'pending'
		ORDER BY priority ASC, created_at ASC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Claim attempts the atomic pending -> claimed transition, guarded by
// equality on status and attempt count. Returns false when another worker won
// the race; the caller re-selects.
func (r *QueueRepository) Claim(ctx context.Context, entryID string, expectedAttempts int, workerID string) (bool, error) {
	query := `
		UPDATE queue_entries
		SET status = 'claimed', claimed_at = NOW(), claimed_by = $1, attempts = attempts + 1
		WHERE id = $2 AND status = 'pending' AND attempts = $3
	`
	res, err := r.db.ExecContext(ctx, query, workerID, entryID, expectedAttempts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release puts a claimed entry back to pending after a retryable failure.
// Attempts are preserved; they were counted at claim time.
func (r *QueueRepository) Release(ctx context.Context, entryID string, lastError string) error {
	query := `
		UPDATE queue_entries
		SET status = 'pending', claimed_at = NULL, claimed_by = '', last_error = $1
		WHERE id = $2 AND status = 'claimed'
	`
	_, err := r.db.ExecContext(ctx, query, lastError, entryID)
	return err
}

// Abandon marks an entry abandoned after the retry ceiling is exhausted
func (r *QueueRepository) Abandon(ctx context.Context, entryID string, lastError string) error {
	query := `
		UPDATE queue_entries
		SET status = 'abandoned', last_error = $1
		WHERE id = $2
	`
	_, err := r.db.ExecContext(ctx, query, lastError, entryID)
	return err
}

// GetByJobID returns the entry backing a job
func (r *QueueRepository) GetByJobID(ctx context.Context, jobID string) (*models.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE job_id = $1`

	entry, err := scanEntry(r.db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, models.NewExecError(models.ErrKindNotFound, "store", "no queue entry for job %s", jobID)
	}
	return entry, err
}

func scanEntry(row rowScanner) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	var claimedAt sql.NullTime

	err := row.Scan(
		&entry.ID,
		&entry.JobID,
		&entry.Priority,
		&entry.Status,
		&entry.CreatedAt,
		&claimedAt,
		&entry.ClaimedBy,
		&entry.Attempts,
		&entry.LastError,
	)
	if err != nil {
		return nil, err
	}

	if claimedAt.Valid {
		entry.ClaimedAt = &claimedAt.Time
	}

	return &entry, nil
}
