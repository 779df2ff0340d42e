package monitoring

import (
	"context"
	"log"
	"time"

	"agent-orchestrator/core/backend"
	"agent-orchestrator/core/models"
)

// JobStore is the persistence surface the collector needs
type JobStore interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	AppendLogs(ctx context.Context, jobID string, lines []string, cursor string) error
}

// RouteResolver rebuilds the credential context for a job's backend
type RouteResolver interface {
	Resolve(ctx context.Context, job *models.Job) (*backend.Route, error)
}

// LogCollector periodically drains backend logs for RUNNING jobs into the
// job record. Lines are append-only; the cursor advances monotonically.
type LogCollector struct {
	jobs     JobStore
	router   RouteResolver
	adapters map[models.Provider]backend.Adapter
	interval time.Duration
}

// NewLogCollector creates a log collector
func NewLogCollector(
	jobs JobStore,
	router RouteResolver,
	adapters map[models.Provider]backend.Adapter,
	interval time.Duration,
) *LogCollector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &LogCollector{
		jobs:     jobs,
		router:   router,
		adapters: adapters,
		interval: interval,
	}
}

// Start runs the collection loop until the context is cancelled
func (c *LogCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collectRunning(ctx)
		}
	}
}

// collectRunning drains every running job that has backend handles
func (c *LogCollector) collectRunning(ctx context.Context) {
	jobs, err := c.jobs.ListByStatus(ctx, models.JobStatusRunning, 100)
	if err != nil {
		log.Printf("Failed to list running jobs: %v", err)
		return
	}

	for _, job := range jobs {
		handle := handleFor(job)
		if handle == nil {
			continue
		}
		route, err := c.router.Resolve(ctx, job)
		if err != nil {
			log.Printf("Failed to resolve route for log drain of job %s: %v", job.ID, err)
			continue
		}
		if err := c.Drain(ctx, job, handle, route); err != nil {
			log.Printf("Log drain failed for job %s: %v", job.ID, err)
		}
	}
}

// Drain fetches log lines past the job's current cursor and appends them.
// Safe to call repeatedly, including the final drain on terminal transition:
// an unchanged cursor yields no lines, so nothing duplicates.
func (c *LogCollector) Drain(ctx context.Context, job *models.Job, handle *backend.Handle, route *backend.Route) error {
	adapter := c.adapters[job.Provider]
	if adapter == nil {
		return models.NewExecError(models.ErrKindValidation, "logs", "no adapter for provider %q", job.Provider)
	}

	// Re-read the cursor: the caller's snapshot may predate earlier drains.
	fresh, err := c.jobs.Get(ctx, job.ID)
	if err != nil {
		return err
	}

	batch, err := adapter.FetchLogs(ctx, handle, route, fresh.LogCursor)
	if err != nil {
		return err
	}
	if len(batch.Lines) == 0 && batch.NextCursor == fresh.LogCursor {
		return nil
	}

	return c.jobs.AppendLogs(ctx, job.ID, batch.Lines, batch.NextCursor)
}

func handleFor(job *models.Job) *backend.Handle {
	h := job.Handles
	if h.TaskARN == "" && h.SessionID == "" {
		return nil
	}
	return &backend.Handle{
		Provider:  job.Provider,
		TaskARN:   h.TaskARN,
		LogGroup:  h.LogGroup,
		LogStream: h.LogStream,
		SessionID: h.SessionID,
	}
}
