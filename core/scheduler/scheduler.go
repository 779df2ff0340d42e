// Package scheduler drives queued jobs through the execution state machine.
// Workers share no in-process state; the claim compare-and-set in the queue
// store is the only cross-worker synchronization point.
package scheduler

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"agent-orchestrator/core/backend"
	"agent-orchestrator/core/models"
)

// JobStore is the job persistence surface the scheduler needs
type JobStore interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	UpdateStatus(ctx context.Context, jobID string, from, to models.JobStatus, reason string) error
	SetHandles(ctx context.Context, jobID string, h models.InfraHandles) error
	SetResult(ctx context.Context, jobID string, r models.Result) error
	SetMetrics(ctx context.Context, jobID string, m models.Metrics) error
	GetLogs(ctx context.Context, jobID string) ([]string, error)
}

// QueueStore is the queue persistence surface the scheduler needs
type QueueStore interface {
	NextPending(ctx context.Context, limit int) ([]*models.QueueEntry, error)
	Claim(ctx context.Context, entryID string, expectedAttempts int, workerID string) (bool, error)
	Release(ctx context.Context, entryID string, lastError string) error
	Abandon(ctx context.Context, entryID string, lastError string) error
}

// RouteResolver resolves dispatch routes and commits tier accounting
type RouteResolver interface {
	Resolve(ctx context.Context, job *models.Job) (*backend.Route, error)
	RecordDispatch(ctx context.Context, job *models.Job, route *backend.Route) error
}

// LogDrainer performs the final log drain on terminal transitions
type LogDrainer interface {
	Drain(ctx context.Context, job *models.Job, handle *backend.Handle, route *backend.Route) error
}

// CostEstimator prices an execution for the metrics record
type CostEstimator interface {
	Estimate(executionMs int64, provider models.Provider) float64
}

// Options configures the scheduler worker
type Options struct {
	WorkerID      string
	TickInterval  time.Duration
	PollInterval  time.Duration
	ClaimBatch    int           // entries claimed per tick, caps concurrent backend load
	RetryCeiling  int           // claim attempts before abandonment
	WatchdogGrace time.Duration // added to Job.TimeoutMs for the authoritative deadline
}

// Scheduler is the periodic claim/dispatch worker
type Scheduler struct {
	jobs     JobStore
	queue    QueueStore
	router   RouteResolver
	adapters map[models.Provider]backend.Adapter
	drainer  LogDrainer
	costs    CostEstimator
	opts     Options

	trigger  chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler worker
func NewScheduler(
	jobs JobStore,
	queue QueueStore,
	router RouteResolver,
	adapters map[models.Provider]backend.Adapter,
	drainer LogDrainer,
	costs CostEstimator,
	opts Options,
) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ClaimBatch <= 0 {
		opts.ClaimBatch = 3
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = 3
	}
	if opts.WatchdogGrace <= 0 {
		opts.WatchdogGrace = 15 * time.Second
	}
	return &Scheduler{
		jobs:     jobs,
		queue:    queue,
		router:   router,
		adapters: adapters,
		drainer:  drainer,
		costs:    costs,
		opts:     opts,
		trigger:  make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Start runs the periodic worker loop until the context is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.ProcessQueue(ctx)
		case <-s.trigger:
			s.ProcessQueue(ctx)
		}
	}
}

// Stop halts the loop and drains in-flight claimed jobs
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// Kick requests an on-demand tick, used right after a submit
func (s *Scheduler) Kick() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// ProcessQueue claims up to ClaimBatch eligible entries and drives each
// claimed job concurrently. A lost claim race moves on to the next candidate.
func (s *Scheduler) ProcessQueue(ctx context.Context) {
	entries, err := s.queue.NextPending(ctx, s.opts.ClaimBatch*2)
	if err != nil {
		log.Printf("Failed to select pending entries: %v", err)
		return
	}

	claimed := 0
	for _, entry := range entries {
		if claimed >= s.opts.ClaimBatch {
			return
		}
		won, err := s.queue.Claim(ctx, entry.ID, entry.Attempts, s.opts.WorkerID)
		if err != nil {
			log.Printf("Failed to claim entry %s: %v", entry.ID, err)
			continue
		}
		if !won {
			continue
		}
		entry.Attempts++
		claimed++

		s.wg.Add(1)
		go func(e *models.QueueEntry) {
			defer s.wg.Done()
			s.runJob(ctx, e)
		}(entry)
	}
}

// runJob drives one claimed entry through the job state machine. Once
// claimed, the job's lifecycle proceeds concurrently with other claimed jobs.
func (s *Scheduler) runJob(ctx context.Context, entry *models.QueueEntry) {
	job, err := s.jobs.Get(ctx, entry.JobID)
	if err != nil {
		log.Printf("Failed to fetch job %s: %v", entry.JobID, err)
		s.queue.Abandon(ctx, entry.ID, "job record missing")
		return
	}

	// Cancelled or otherwise finished before we got here; never retried.
	if job.Status.IsTerminal() {
		return
	}
	if job.Status != models.JobStatusQueued {
		log.Printf("Job %s claimed in unexpected status %s, skipping", job.ID, job.Status)
		return
	}

	queueWaitMs := time.Since(job.SubmittedAt).Milliseconds()

	route, err := s.router.Resolve(ctx, job)
	if err != nil {
		s.handleFailure(ctx, entry, job, job.Status, err, models.Metrics{QueueWaitMs: queueWaitMs})
		return
	}

	adapter := s.adapters[job.Provider]
	if adapter == nil {
		err := models.NewExecError(models.ErrKindValidation, "routing", "no adapter for provider %q", job.Provider)
		s.handleFailure(ctx, entry, job, job.Status, err, models.Metrics{QueueWaitMs: queueWaitMs})
		return
	}

	// Tier accounting commits with the first dispatch; a requeued entry was
	// already counted.
	if entry.Attempts == 1 {
		if err := s.router.RecordDispatch(ctx, job, route); err != nil {
			s.handleFailure(ctx, entry, job, job.Status, err, models.Metrics{QueueWaitMs: queueWaitMs})
			return
		}
	}

	// Watchdog deadline: authoritative even if the backend never reports
	// failure on its own.
	timeout := time.Duration(job.TimeoutMs)*time.Millisecond + s.opts.WatchdogGrace
	wctx, cancelWatchdog := context.WithTimeout(ctx, timeout)
	defer cancelWatchdog()

	from := models.JobStatusQueued
	var buildMs int64
	buildStart := time.Now()
	if job.Provider.RequiresBuild() {
		if err := s.jobs.UpdateStatus(ctx, job.ID, from, models.JobStatusBuilding, "artifact_build_started"); err != nil {
			log.Printf("Failed to move job %s to BUILDING: %v", job.ID, err)
			return
		}
		from = models.JobStatusBuilding
	}

	handle, err := adapter.Submit(wctx, job, route)
	if err != nil {
		if wctx.Err() != nil {
			err = models.NewExecError(models.ErrKindTimeout, "timeout", "watchdog expired during submit")
		}
		s.handleFailure(ctx, entry, job, from, err, models.Metrics{QueueWaitMs: queueWaitMs})
		return
	}
	if job.Provider.RequiresBuild() {
		buildMs = time.Since(buildStart).Milliseconds()
	}

	if err := s.jobs.SetHandles(ctx, job.ID, models.InfraHandles{
		TaskARN:   handle.TaskARN,
		LogGroup:  handle.LogGroup,
		LogStream: handle.LogStream,
		SessionID: handle.SessionID,
	}); err != nil {
		log.Printf("Failed to record handles for job %s: %v", job.ID, err)
	}

	if err := s.jobs.UpdateStatus(ctx, job.ID, from, models.JobStatusRunning, "execution_dispatched"); err != nil {
		log.Printf("Failed to move job %s to RUNNING: %v", job.ID, err)
		return
	}

	s.pollUntilTerminal(ctx, wctx, entry, job, adapter, handle, route, models.Metrics{
		QueueWaitMs: queueWaitMs,
		BuildMs:     buildMs,
	})
}

// pollUntilTerminal watches a dispatched job until the backend or the
// watchdog settles it.
func (s *Scheduler) pollUntilTerminal(
	ctx, wctx context.Context,
	entry *models.QueueEntry,
	job *models.Job,
	adapter backend.Adapter,
	handle *backend.Handle,
	route *backend.Route,
	metrics models.Metrics,
) {
	execStart := time.Now()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	pollErrors := 0
	for {
		select {
		case <-wctx.Done():
			s.bestEffortCancel(adapter, handle, route, job.ID)
			// Drain on the parent context: the tail lines are what a user needs
			// to diagnose the timeout.
			s.finalDrain(ctx, job, handle, route)
			metrics.ExecutionMs = time.Since(execStart).Milliseconds()
			err := models.NewExecError(models.ErrKindTimeout, "timeout",
				"no terminal state within %dms plus grace", job.TimeoutMs)
			s.failTerminal(ctx, job, models.JobStatusRunning, err, metrics)
			s.forgetSession(adapter, handle)
			return
		case <-ticker.C:
		}

		// A user cancel flips the job terminal in the store; stop polling and
		// tear the execution down.
		if fresh, err := s.jobs.Get(ctx, job.ID); err == nil && fresh.Status.IsTerminal() {
			log.Printf("Job %s reached %s outside the worker, stopping backend", job.ID, fresh.Status)
			s.bestEffortCancel(adapter, handle, route, job.ID)
			s.finalDrain(ctx, job, handle, route)
			s.forgetSession(adapter, handle)
			return
		}

		result, err := adapter.Poll(wctx, handle, route)
		if err != nil {
			if wctx.Err() != nil {
				continue // the watchdog branch settles it
			}
			pollErrors++
			log.Printf("Poll failed for job %s (%d consecutive): %v", job.ID, pollErrors, err)
			if pollErrors >= 5 {
				s.finalDrain(ctx, job, handle, route)
				metrics.ExecutionMs = time.Since(execStart).Milliseconds()
				s.failTerminal(ctx, job, models.JobStatusRunning,
					models.WrapExecError(models.ErrKindInfra, "execution", err), metrics)
				s.forgetSession(adapter, handle)
				return
			}
			continue
		}
		pollErrors = 0

		switch result.Status {
		case backend.StatusPending, backend.StatusRunning:
			continue

		case backend.StatusSucceeded:
			metrics.ExecutionMs = time.Since(execStart).Milliseconds()
			s.complete(ctx, job, adapter, handle, route, result, metrics)
			s.forgetSession(adapter, handle)
			return

		case backend.StatusFailed:
			metrics.ExecutionMs = time.Since(execStart).Milliseconds()
			s.finalDrain(ctx, job, handle, route)
			err := models.NewExecError(models.ErrKindInfra, "execution", "backend reported failure: %s", result.Error)
			s.failTerminal(ctx, job, models.JobStatusRunning, err, metrics)
			s.forgetSession(adapter, handle)
			return
		}
	}
}

// complete records a successful terminal state
func (s *Scheduler) complete(
	ctx context.Context,
	job *models.Job,
	adapter backend.Adapter,
	handle *backend.Handle,
	route *backend.Route,
	result *backend.PollResult,
	metrics models.Metrics,
) {
	s.finalDrain(ctx, job, handle, route)

	response := result.Response
	if response == "" {
		// Container runs answer on stdout; the drained logs are the response.
		if lines, err := s.jobs.GetLogs(ctx, job.ID); err == nil {
			response = strings.Join(lines, "\n")
		}
	}

	if s.costs != nil {
		metrics.EstimatedCostUSD = s.costs.Estimate(metrics.ExecutionMs, job.Provider)
	}
	if err := s.jobs.SetMetrics(ctx, job.ID, metrics); err != nil {
		log.Printf("Failed to record metrics for job %s: %v", job.ID, err)
	}
	if err := s.jobs.SetResult(ctx, job.ID, models.Result{Success: true, Response: response}); err != nil {
		log.Printf("Failed to record result for job %s: %v", job.ID, err)
	}
	if err := s.jobs.UpdateStatus(ctx, job.ID, models.JobStatusRunning, models.JobStatusCompleted, "backend_succeeded"); err != nil {
		log.Printf("Failed to complete job %s: %v", job.ID, err)
		return
	}
	log.Printf("Job %s completed in %dms", job.ID, metrics.ExecutionMs)
}

// handleFailure applies the retry/abandon policy to a failure that occurred
// before the job reached RUNNING. Retryable kinds requeue until the claim
// ceiling; everything else is terminal.
func (s *Scheduler) handleFailure(
	ctx context.Context,
	entry *models.QueueEntry,
	job *models.Job,
	from models.JobStatus,
	err error,
	metrics models.Metrics,
) {
	kind := models.KindOf(err)
	log.Printf("Job %s attempt %d failed (%s): %v", job.ID, entry.Attempts, kind, err)

	if !kind.IsRetryable() {
		s.failTerminal(ctx, job, from, err, metrics)
		return
	}

	// Revert a build-phase failure to QUEUED before requeue or abandonment.
	if from == models.JobStatusBuilding {
		if uerr := s.jobs.UpdateStatus(ctx, job.ID, from, models.JobStatusQueued, "retry_requeued"); uerr != nil {
			log.Printf("Failed to requeue job %s: %v", job.ID, uerr)
			return
		}
	}

	if entry.Attempts >= s.opts.RetryCeiling {
		if qerr := s.queue.Abandon(ctx, entry.ID, err.Error()); qerr != nil {
			log.Printf("Failed to abandon entry %s: %v", entry.ID, qerr)
		}
		s.setFailureResult(ctx, job.ID, err, metrics)
		if uerr := s.jobs.UpdateStatus(ctx, job.ID, models.JobStatusQueued, models.JobStatusAbandoned, "retry_ceiling_exhausted"); uerr != nil {
			log.Printf("Failed to mark job %s abandoned: %v", job.ID, uerr)
		}
		return
	}

	if qerr := s.queue.Release(ctx, entry.ID, err.Error()); qerr != nil {
		log.Printf("Failed to release entry %s: %v", entry.ID, qerr)
	}
}

// failTerminal records a terminal FAILED state. The entry stays claimed: a
// terminal job is never reclaimed.
func (s *Scheduler) failTerminal(ctx context.Context, job *models.Job, from models.JobStatus, err error, metrics models.Metrics) {
	s.setFailureResult(ctx, job.ID, err, metrics)
	if uerr := s.jobs.UpdateStatus(ctx, job.ID, from, models.JobStatusFailed, string(models.KindOf(err))); uerr != nil {
		log.Printf("Failed to mark job %s failed: %v", job.ID, uerr)
	}
}

func (s *Scheduler) setFailureResult(ctx context.Context, jobID string, err error, metrics models.Metrics) {
	if merr := s.jobs.SetMetrics(ctx, jobID, metrics); merr != nil {
		log.Printf("Failed to record metrics for job %s: %v", jobID, merr)
	}
	result := models.Result{Error: err.Error(), ErrorStage: models.StageOf(err)}
	if rerr := s.jobs.SetResult(ctx, jobID, result); rerr != nil {
		log.Printf("Failed to record failure result for job %s: %v", jobID, rerr)
	}
}

func (s *Scheduler) finalDrain(ctx context.Context, job *models.Job, handle *backend.Handle, route *backend.Route) {
	if s.drainer == nil {
		return
	}
	if err := s.drainer.Drain(ctx, job, handle, route); err != nil {
		log.Printf("Final log drain failed for job %s: %v", job.ID, err)
	}
}

func (s *Scheduler) bestEffortCancel(adapter backend.Adapter, handle *backend.Handle, route *backend.Route, jobID string) {
	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adapter.Cancel(cctx, handle, route); err != nil {
		log.Printf("Best-effort cancel failed for job %s: %v", jobID, err)
	}
}

func (s *Scheduler) forgetSession(adapter backend.Adapter, handle *backend.Handle) {
	if f, ok := adapter.(interface{ Forget(string) }); ok && handle.SessionID != "" {
		f.Forget(handle.SessionID)
	}
}
