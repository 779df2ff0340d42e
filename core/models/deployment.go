package models

import "time"

// Tier is a user's service level, controlling backend, credentials and caps
type Tier string

const (
	TierFreemium   Tier = "freemium"
	TierPersonal   Tier = "personal"
	TierEnterprise Tier = "enterprise"
)

// Deployment is the per-agent execution context resolved by the router
type Deployment struct {
	ID      string
	AgentID string
	OwnerID string
	Tier    Tier
	Region  string

	// AWS resource handles
	ClusterARN     string
	TaskDefinition string
	RuntimeID      string // managed-runtime agent id
	RuntimeAlias   string
	LogGroup       string

	Status        DeploymentStatus
	Healthy       bool
	LastCheckedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeploymentStatus represents deployment lifecycle state
type DeploymentStatus string

const (
	DeploymentActive   DeploymentStatus = "active"
	DeploymentPending  DeploymentStatus = "pending"
	DeploymentDisabled DeploymentStatus = "disabled"
)

// AWSAccount is a cross-account trust record. Only (roleArn, externalId) are
// persisted; short-lived credentials are exchanged at dispatch time.
type AWSAccount struct {
	UserID     string
	RoleARN    string
	ExternalID string // generated server-side, must match exactly on every exchange
	Region     string
	Status     AccountStatus
	CreatedAt  time.Time
}

// AccountStatus represents the trust record state
type AccountStatus string

const (
	AccountConnected    AccountStatus = "connected"
	AccountDisconnected AccountStatus = "disconnected"
)

// Usage tracks freemium test consumption for the current month
type Usage struct {
	UserID         string
	TestsThisMonth int
	PeriodStart    time.Time
}
