package repository

import (
	"context"
	"database/sql"

	"agent-orchestrator/core/models"
)

// UsageRepository tracks freemium test consumption. Increments are
// transactional with dispatch so concurrent submissions from the same user
// never double-count.
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Get returns the current month's usage for a user
func (r *UsageRepository) Get(ctx context.Context, userID string) (*models.Usage, error) {
	query := `SELECT user_id, tests_this_month, period_start FROM usage_counters WHERE user_id = $1`

	var u models.Usage
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&u.UserID, &u.TestsThisMonth, &u.PeriodStart)
	if err == sql.ErrNoRows {
		return &models.Usage{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Increment bumps the counter and enforces the cap in one statement. Returns
// usage_limit_exceeded when the increment would pass the cap.
func (r *UsageRepository) Increment(ctx context.Context, userID string, cap int) error {
	query := `
		INSERT INTO usage_counters (user_id, tests_this_month)
		VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE
			SET tests_this_month = usage_counters.tests_this_month + 1
			WHERE usage_counters.tests_this_month < $2
	`
	res, err := r.db.ExecContext(ctx, query, userID, cap)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.NewExecError(models.ErrKindUsageLimit, "routing",
			"monthly test limit of %d reached for user %s", cap, userID)
	}
	return nil
}

// ResetMonthly zeroes all counters and returns how many were reset; run by
// the monthly maintenance op
func (r *UsageRepository) ResetMonthly(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE usage_counters SET tests_this_month = 0, period_start = NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
