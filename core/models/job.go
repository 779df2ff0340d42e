package models

import "time"

// Job represents a single agent test run submitted to the platform
type Job struct {
	ID           string
	UserID       string
	AgentID      string
	Query        string
	Artifact     Artifact
	Provider     Provider
	Config       ProviderConfig
	TimeoutMs    int
	Status       JobStatus
	Phase        JobPhase
	Handles      InfraHandles
	Result       Result
	Metrics      Metrics
	DeploymentID string
	SubmittedAt  time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	// LogCursor is the backend pagination token of the last drained log batch.
	LogCursor        string
	LastLogFetchedAt *time.Time
}

// Provider selects which execution backend runs the job
type Provider string

const (
	ProviderContainer      Provider = "container"
	ProviderManagedRuntime Provider = "managed-runtime"
)

// Artifact describes the execution artifact for a job
type Artifact struct {
	CodeURI         string // generated agent entrypoint
	RequirementsURI string // dependency manifest
	ImageURI        string // container image reference (container provider only)
}

// ProviderConfig carries provider-specific execution settings
type ProviderConfig struct {
	Endpoint string
	ModelID  string
	Region   string
}

// InfraHandles holds backend resource identifiers for a dispatched job
type InfraHandles struct {
	TaskARN   string
	LogGroup  string
	LogStream string
	SessionID string // managed-runtime session id
}

// Result holds the terminal outcome of a job
type Result struct {
	Success    bool
	Response   string
	Error      string
	ErrorStage string
}

// Metrics holds timing and cost metrics for a job
type Metrics struct {
	QueueWaitMs      int64
	BuildMs          int64
	ExecutionMs      int64
	EstimatedCostUSD float64
}

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusCreated   JobStatus = "CREATED"
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusBuilding  JobStatus = "BUILDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusAbandoned JobStatus = "ABANDONED"
	JobStatusArchived  JobStatus = "ARCHIVED"
)

// JobPhase is a coarse projection of JobStatus for downstream consumers
type JobPhase string

const (
	PhaseQueued    JobPhase = "queued"
	PhaseExecuting JobPhase = "executing"
	PhaseDone      JobPhase = "done"
)

// transitions is the legal status graph. BUILDING->QUEUED is the requeue edge
// taken when a retryable failure reverts a claimed job.
var transitions = map[JobStatus][]JobStatus{
	JobStatusCreated:   {JobStatusQueued},
	JobStatusQueued:    {JobStatusBuilding, JobStatusRunning, JobStatusAbandoned, JobStatusFailed},
	JobStatusBuilding:  {JobStatusRunning, JobStatusQueued, JobStatusFailed},
	JobStatusRunning:   {JobStatusCompleted, JobStatusFailed},
	JobStatusCompleted: {JobStatusArchived},
	JobStatusFailed:    {JobStatusArchived},
	JobStatusAbandoned: {JobStatusArchived},
}

// CanTransition reports whether from -> to is an edge of the status graph
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status ends the job lifecycle
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusAbandoned, JobStatusArchived:
		return true
	}
	return false
}

// PhaseFor maps a status to its coarse phase
func PhaseFor(s JobStatus) JobPhase {
	switch s {
	case JobStatusCreated, JobStatusQueued:
		return PhaseQueued
	case JobStatusBuilding, JobStatusRunning:
		return PhaseExecuting
	default:
		return PhaseDone
	}
}

// RequiresBuild reports whether the provider needs an artifact build step
// before dispatch. Managed-runtime payloads are just a prompt plus config.
func (p Provider) RequiresBuild() bool {
	return p == ProviderContainer
}
