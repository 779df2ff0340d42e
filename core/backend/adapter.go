// Package backend defines the contract between the scheduler and the two
// execution backends. The scheduler never branches on adapter kind: both
// adapters are normalized into the same submit/poll/cancel/logs shape.
package backend

import (
	"context"

	"agent-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Kind identifies an adapter implementation
type Kind string

const (
	KindContainer      Kind = "container"
	KindManagedRuntime Kind = "managed-runtime"
)

// Route is the dispatch decision produced by the deployment router: which
// adapter runs the job and under which credential and resource context.
type Route struct {
	Kind   Kind
	Tier   models.Tier
	Region string

	// AWS is the credential context: platform credentials for freemium,
	// short-lived assumed-role credentials for personal/enterprise.
	AWS aws.Config

	// Container executor context
	ClusterARN     string
	TaskDefinition string
	Subnets        []string
	SecurityGroups []string
	LogGroup       string

	// Managed-runtime context
	RuntimeID    string
	RuntimeAlias string
}

// Handle identifies a submitted execution on a backend
type Handle struct {
	Provider  models.Provider
	TaskARN   string
	LogGroup  string
	LogStream string
	SessionID string
}

// Status is the backend-reported execution status
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// PollResult is a snapshot of a running execution
type PollResult struct {
	Status   Status
	Response string // terminal response, when the backend reports one directly
	Error    string // backend failure reason, when Status is failed
	ExitCode *int
}

// LogBatch is one page of backend log output
type LogBatch struct {
	Lines []string
	// NextCursor is an opaque pagination token. Passing an unchanged cursor
	// back to FetchLogs never yields duplicate lines.
	NextCursor string
}

// Adapter is the polymorphic execution backend contract. Every call takes
// the route because the credential context is per-user, not per-adapter.
type Adapter interface {
	// Submit dispatches a job and returns a handle for polling. It fails with
	// build, quota or infra kinds from the models error taxonomy.
	Submit(ctx context.Context, job *models.Job, route *Route) (*Handle, error)
	// Poll inspects execution status. It fails with not_found or infra kinds.
	Poll(ctx context.Context, handle *Handle, route *Route) (*PollResult, error)
	// Cancel stops a running execution. Best-effort: callers log failures and
	// carry on.
	Cancel(ctx context.Context, handle *Handle, route *Route) error
	// FetchLogs returns log lines after cursor. Safe to call repeatedly with
	// an unchanged cursor without duplicating lines.
	FetchLogs(ctx context.Context, handle *Handle, route *Route, cursor string) (*LogBatch, error)
}
