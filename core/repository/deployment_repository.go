package repository

import (
	"context"
	"database/sql"
	"time"

	"agent-orchestrator/core/models"

	"github.com/google/uuid"
)

// DeploymentRepository handles database operations for deployments and
// cross-account trust records
type DeploymentRepository struct {
	db *DB
}

// NewDeploymentRepository creates a new deployment repository
func NewDeploymentRepository(db *DB) *DeploymentRepository {
	return &DeploymentRepository{db: db}
}

// GetByAgentID retrieves the deployment for an agent
func (r *DeploymentRepository) GetByAgentID(ctx context.Context, agentID string) (*models.Deployment, error) {
	query := `
		SELECT id, agent_id, owner_id, tier, region, cluster_arn, task_definition,
			runtime_id, runtime_alias, log_group, status, healthy, last_checked_at,
			created_at, updated_at
		FROM deployments
		WHERE agent_id = $1
	`

	var d models.Deployment
	var lastCheckedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, agentID).Scan(
		&d.ID,
		&d.AgentID,
		&d.OwnerID,
		&d.Tier,
		&d.Region,
		&d.ClusterARN,
		&d.TaskDefinition,
		&d.RuntimeID,
		&d.RuntimeAlias,
		&d.LogGroup,
		&d.Status,
		&d.Healthy,
		&lastCheckedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.NewExecError(models.ErrKindNotFound, "routing", "no deployment for agent %s", agentID)
	}
	if err != nil {
		return nil, err
	}

	if lastCheckedAt.Valid {
		d.LastCheckedAt = &lastCheckedAt.Time
	}

	return &d, nil
}

// Upsert creates or refreshes a deployment record keyed by agent id
func (r *DeploymentRepository) Upsert(ctx context.Context, d *models.Deployment) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	query := `
		INSERT INTO deployments (
			id, agent_id, owner_id, tier, region, cluster_arn, task_definition,
			runtime_id, runtime_alias, log_group, status, healthy
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (agent_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			region = EXCLUDED.region,
			cluster_arn = EXCLUDED.cluster_arn,
			task_definition = EXCLUDED.task_definition,
			runtime_id = EXCLUDED.runtime_id,
			runtime_alias = EXCLUDED.runtime_alias,
			log_group = EXCLUDED.log_group,
			status = EXCLUDED.status,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.AgentID, d.OwnerID, d.Tier, d.Region, d.ClusterARN, d.TaskDefinition,
		d.RuntimeID, d.RuntimeAlias, d.LogGroup, d.Status, d.Healthy)
	return err
}

// MarkHealth records a health probe outcome
func (r *DeploymentRepository) MarkHealth(ctx context.Context, agentID string, healthy bool) error {
	query := `UPDATE deployments SET healthy = $1, last_checked_at = NOW(), updated_at = NOW() WHERE agent_id = $2`
	_, err := r.db.ExecContext(ctx, query, healthy, agentID)
	return err
}

// AccountRepository handles cross-account trust records. Long-lived user
// secrets are never stored, only (roleArn, externalId).
type AccountRepository struct {
	db *DB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Get retrieves a user's trust record
func (r *AccountRepository) Get(ctx context.Context, userID string) (*models.AWSAccount, error) {
	query := `SELECT user_id, role_arn, external_id, region, status, created_at FROM aws_accounts WHERE user_id = $1`

	var a models.AWSAccount
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&a.UserID, &a.RoleARN, &a.ExternalID, &a.Region, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Connect stores a trust record with a server-generated external id. The
// external id must match exactly on every later credential exchange.
func (r *AccountRepository) Connect(ctx context.Context, userID, roleARN, region string) (*models.AWSAccount, error) {
	account := &models.AWSAccount{
		UserID:     userID,
		RoleARN:    roleARN,
		ExternalID: uuid.New().String(),
		Region:     region,
		Status:     models.AccountConnected,
		CreatedAt:  time.Now(),
	}

	query := `
		INSERT INTO aws_accounts (user_id, role_arn, external_id, region, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			role_arn = EXCLUDED.role_arn,
			external_id = EXCLUDED.external_id,
			region = EXCLUDED.region,
			status = EXCLUDED.status
	`
	_, err := r.db.ExecContext(ctx, query,
		account.UserID, account.RoleARN, account.ExternalID, account.Region, account.Status)
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Disconnect marks the trust record disconnected
func (r *AccountRepository) Disconnect(ctx context.Context, userID string) error {
	query := `UPDATE aws_accounts SET status = 'disconnected' WHERE user_id = $1`
	_, err := r.db.ExecContext(ctx, query, userID)
	return err
}
