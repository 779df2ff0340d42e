package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"agent-orchestrator/core/backend"
	"agent-orchestrator/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeJobs is an in-memory JobStore enforcing the same transition and
// compare-and-set rules as the Postgres repository.
type fakeJobs struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	logs        map[string][]string
	transitions []string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]*models.Job), logs: make(map[string][]string)}
}

func (f *fakeJobs) Get(ctx context.Context, id string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, models.NewExecError(models.ErrKindNotFound, "store", "job %s not found", id)
	}
	copy := *job
	return &copy, nil
}

func (f *fakeJobs) UpdateStatus(ctx context.Context, jobID string, from, to models.JobStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return models.NewExecError(models.ErrKindNotFound, "store", "job %s not found", jobID)
	}
	if !models.CanTransition(from, to) {
		return models.NewExecError(models.ErrKindValidation, "store", "illegal transition %s -> %s", from, to)
	}
	if job.Status != from {
		return models.NewExecError(models.ErrKindClaimConflict, "store",
			"job %s is %s, expected %s", jobID, job.Status, from)
	}
	job.Status = to
	job.Phase = models.PhaseFor(to)
	f.transitions = append(f.transitions, fmt.Sprintf("%s->%s:%s", from, to, reason))
	return nil
}

func (f *fakeJobs) SetHandles(ctx context.Context, jobID string, h models.InfraHandles) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].Handles = h
	return nil
}

func (f *fakeJobs) SetResult(ctx context.Context, jobID string, r models.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].Result = r
	return nil
}

func (f *fakeJobs) SetMetrics(ctx context.Context, jobID string, m models.Metrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].Metrics = m
	return nil
}

func (f *fakeJobs) GetLogs(ctx context.Context, jobID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[jobID], nil
}

func (f *fakeJobs) status(id string) models.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id].Status
}

func (f *fakeJobs) result(id string) models.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id].Result
}

// fakeQueue is an in-memory QueueStore with the same claim compare-and-set
// semantics as the Postgres repository.
type fakeQueue struct {
	mu      sync.Mutex
	entries map[string]*models.QueueEntry
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{entries: make(map[string]*models.QueueEntry)}
}

func (f *fakeQueue) NextPending(ctx context.Context, limit int) ([]*models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []*models.QueueEntry
	for _, e := range f.entries {
		if e.Status == models.QueuePending {
			copy := *e
			pending = append(pending, &copy)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (f *fakeQueue) Claim(ctx context.Context, entryID string, expectedAttempts int, workerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[entryID]
	if !ok || e.Status != models.QueuePending || e.Attempts != expectedAttempts {
		return false, nil
	}
	now := time.Now()
	e.Status = models.QueueClaimed
	e.ClaimedAt = &now
	e.ClaimedBy = workerID
	e.Attempts++
	return true, nil
}

func (f *fakeQueue) Release(ctx context.Context, entryID string, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entries[entryID]
	e.Status = models.QueuePending
	e.LastError = lastError
	return nil
}

func (f *fakeQueue) Abandon(ctx context.Context, entryID string, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entries[entryID]
	e.Status = models.QueueAbandoned
	e.LastError = lastError
	return nil
}

func (f *fakeQueue) entry(id string) models.QueueEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.entries[id]
}

// fakeRouter resolves every job to a fixed route and counts dispatch records
type fakeRouter struct {
	mu         sync.Mutex
	route      *backend.Route
	resolveErr error
	dispatches int
}

func (f *fakeRouter) Resolve(ctx context.Context, job *models.Job) (*backend.Route, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.route, nil
}

func (f *fakeRouter) RecordDispatch(ctx context.Context, job *models.Job, route *backend.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatches++
	return nil
}

func (f *fakeRouter) dispatched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatches
}

// fakeAdapter is a scriptable execution backend
type fakeAdapter struct {
	mu        sync.Mutex
	submitFn  func(*models.Job) (*backend.Handle, error)
	pollFn    func(*backend.Handle) (*backend.PollResult, error)
	submits   int
	cancelled int
}

func (f *fakeAdapter) Submit(ctx context.Context, job *models.Job, route *backend.Route) (*backend.Handle, error) {
	f.mu.Lock()
	f.submits++
	fn := f.submitFn
	f.mu.Unlock()
	if fn != nil {
		return fn(job)
	}
	return &backend.Handle{Provider: job.Provider, TaskARN: "arn:task/" + job.ID}, nil
}

func (f *fakeAdapter) Poll(ctx context.Context, handle *backend.Handle, route *backend.Route) (*backend.PollResult, error) {
	f.mu.Lock()
	fn := f.pollFn
	f.mu.Unlock()
	if fn != nil {
		return fn(handle)
	}
	return &backend.PollResult{Status: backend.StatusSucceeded}, nil
}

func (f *fakeAdapter) Cancel(ctx context.Context, handle *backend.Handle, route *backend.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	return nil
}

func (f *fakeAdapter) FetchLogs(ctx context.Context, handle *backend.Handle, route *backend.Route, cursor string) (*backend.LogBatch, error) {
	return &backend.LogBatch{NextCursor: cursor}, nil
}

func (f *fakeAdapter) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeAdapter) cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// fakeDrainer counts final log drains
type fakeDrainer struct {
	mu     sync.Mutex
	drains int
}

func (f *fakeDrainer) Drain(ctx context.Context, job *models.Job, handle *backend.Handle, route *backend.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	return nil
}

func (f *fakeDrainer) drained() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains
}

type testEnv struct {
	jobs    *fakeJobs
	queue   *fakeQueue
	router  *fakeRouter
	adapter *fakeAdapter
	drainer *fakeDrainer
	sched   *Scheduler
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-test"
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = time.Hour // ticks driven manually via ProcessQueue
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}

	env := &testEnv{
		jobs:    newFakeJobs(),
		queue:   newFakeQueue(),
		router:  &fakeRouter{route: &backend.Route{Kind: backend.KindManagedRuntime, Tier: models.TierFreemium}},
		adapter: &fakeAdapter{},
		drainer: &fakeDrainer{},
	}
	adapters := map[models.Provider]backend.Adapter{
		models.ProviderContainer:      env.adapter,
		models.ProviderManagedRuntime: env.adapter,
	}
	env.sched = NewScheduler(env.jobs, env.queue, env.router, adapters, env.drainer, nil, opts)
	return env
}

func (env *testEnv) seedJob(id string, provider models.Provider, timeoutMs int) *models.QueueEntry {
	job := &models.Job{
		ID:          id,
		UserID:      "user-1",
		AgentID:     "agent-1",
		Query:       "what is 2+2",
		Provider:    provider,
		TimeoutMs:   timeoutMs,
		Status:      models.JobStatusQueued,
		Phase:       models.PhaseQueued,
		SubmittedAt: time.Now(),
	}
	entry := &models.QueueEntry{
		ID:        "entry-" + id,
		JobID:     id,
		Priority:  models.PriorityNormal,
		Status:    models.QueuePending,
		CreatedAt: time.Now(),
	}
	env.jobs.mu.Lock()
	env.jobs.jobs[id] = job
	env.jobs.mu.Unlock()
	env.queue.mu.Lock()
	env.queue.entries[entry.ID] = entry
	env.queue.mu.Unlock()
	return entry
}

func TestHappyPathCompletes(t *testing.T) {
	env := newTestEnv(t, Options{})
	entry := env.seedJob("job-1", models.ProviderManagedRuntime, 60000)

	env.adapter.pollFn = func(h *backend.Handle) (*backend.PollResult, error) {
		return &backend.PollResult{Status: backend.StatusSucceeded, Response: "4"}, nil
	}

	env.sched.ProcessQueue(context.Background())

	require.Eventually(t, func() bool {
		return env.jobs.status("job-1") == models.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	result := env.jobs.result("job-1")
	assert.True(t, result.Success)
	assert.Equal(t, "4", result.Response)
	assert.Equal(t, 1, env.router.dispatched())
	assert.Equal(t, models.QueueClaimed, env.queue.entry(entry.ID).Status)
	assert.Equal(t, 1, env.queue.entry(entry.ID).Attempts)
}

func TestConcurrentWorkersClaimEachJobOnce(t *testing.T) {
	env := newTestEnv(t, Options{WorkerID: "worker-a"})
	for i := 0; i < 4; i++ {
		env.seedJob(fmt.Sprintf("job-%d", i), models.ProviderManagedRuntime, 60000)
	}

	// Second worker shares the stores but claims under its own id
	adapters := map[models.Provider]backend.Adapter{
		models.ProviderContainer:      env.adapter,
		models.ProviderManagedRuntime: env.adapter,
	}
	other := NewScheduler(env.jobs, env.queue, env.router, adapters, nil, nil, Options{
		WorkerID:     "worker-b",
		TickInterval: time.Hour,
		PollInterval: 5 * time.Millisecond,
		ClaimBatch:   4,
	})
	env.sched.opts.ClaimBatch = 4

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); env.sched.ProcessQueue(context.Background()) }()
		go func() { defer wg.Done(); other.ProcessQueue(context.Background()) }()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		for i := 0; i < 4; i++ {
			if env.jobs.status(fmt.Sprintf("job-%d", i)) != models.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	// Exactly one worker won each entry: one submit and one dispatch per job
	assert.Equal(t, 4, env.adapter.submitted())
	assert.Equal(t, 4, env.router.dispatched())
}

func TestRetryableFailureRequeuesThenSucceeds(t *testing.T) {
	env := newTestEnv(t, Options{})
	entry := env.seedJob("job-1", models.ProviderManagedRuntime, 60000)

	var failed bool
	env.adapter.submitFn = func(job *models.Job) (*backend.Handle, error) {
		env.adapter.mu.Lock()
		defer env.adapter.mu.Unlock()
		if !failed {
			failed = true
			return nil, models.NewExecError(models.ErrKindInfra, "submit", "transient launch failure")
		}
		return &backend.Handle{Provider: job.Provider, SessionID: job.ID}, nil
	}

	env.sched.ProcessQueue(context.Background())
	require.Eventually(t, func() bool {
		e := env.queue.entry(entry.ID)
		return e.Status == models.QueuePending && e.Attempts == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, models.JobStatusQueued, env.jobs.status("job-1"))
	assert.Contains(t, env.queue.entry(entry.ID).LastError, "transient launch failure")

	env.sched.ProcessQueue(context.Background())
	require.Eventually(t, func() bool {
		return env.jobs.status("job-1") == models.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, env.queue.entry(entry.ID).Attempts)
	// Tier accounting committed on the first attempt only
	assert.Equal(t, 1, env.router.dispatched())
}

func TestRetryCeilingAbandonsAtExactBoundary(t *testing.T) {
	env := newTestEnv(t, Options{RetryCeiling: 3})
	entry := env.seedJob("job-1", models.ProviderManagedRuntime, 60000)

	env.adapter.submitFn = func(job *models.Job) (*backend.Handle, error) {
		return nil, models.NewExecError(models.ErrKindInfra, "submit", "backend down")
	}

	require.Eventually(t, func() bool {
		env.sched.ProcessQueue(context.Background())
		return env.jobs.status("job-1") == models.JobStatusAbandoned
	}, 2*time.Second, 10*time.Millisecond)

	e := env.queue.entry(entry.ID)
	assert.Equal(t, models.QueueAbandoned, e.Status)
	assert.Equal(t, 3, e.Attempts)
	assert.Contains(t, env.jobs.result("job-1").Error, "backend down")
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	env := newTestEnv(t, Options{})
	entry := env.seedJob("job-1", models.ProviderManagedRuntime, 60000)

	env.adapter.submitFn = func(job *models.Job) (*backend.Handle, error) {
		return nil, models.NewExecError(models.ErrKindValidation, "submit", "runtime id missing")
	}

	env.sched.ProcessQueue(context.Background())
	require.Eventually(t, func() bool {
		return env.jobs.status("job-1") == models.JobStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	// No requeue: the entry stays claimed after its single attempt
	e := env.queue.entry(entry.ID)
	assert.Equal(t, models.QueueClaimed, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "submit", env.jobs.result("job-1").ErrorStage)
}

func TestWatchdogFailsStuckExecution(t *testing.T) {
	env := newTestEnv(t, Options{WatchdogGrace: 20 * time.Millisecond})
	env.seedJob("job-1", models.ProviderManagedRuntime, 30)

	env.adapter.pollFn = func(h *backend.Handle) (*backend.PollResult, error) {
		return &backend.PollResult{Status: backend.StatusRunning}, nil
	}

	start := time.Now()
	env.sched.ProcessQueue(context.Background())

	require.Eventually(t, func() bool {
		return env.jobs.status("job-1") == models.JobStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	// Settled after the timeout plus grace, not before
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, "timeout", env.jobs.result("job-1").ErrorStage)
	require.Eventually(t, func() bool { return env.adapter.cancels() >= 1 },
		time.Second, 5*time.Millisecond)
	// The tail output is drained before the terminal transition
	require.Eventually(t, func() bool { return env.drainer.drained() >= 1 },
		time.Second, 5*time.Millisecond)
}

func TestRepeatedPollErrorsDrainBeforeFailing(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedJob("job-1", models.ProviderManagedRuntime, 60000)

	env.adapter.pollFn = func(h *backend.Handle) (*backend.PollResult, error) {
		return nil, models.WrapExecError(models.ErrKindInfra, "execution", fmt.Errorf("describe failed"))
	}

	env.sched.ProcessQueue(context.Background())
	require.Eventually(t, func() bool {
		return env.jobs.status("job-1") == models.JobStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, env.drainer.drained(), 1)
	assert.Equal(t, "execution", env.jobs.result("job-1").ErrorStage)
}

func TestUserCancelTearsDownBackend(t *testing.T) {
	env := newTestEnv(t, Options{})
	entry := env.seedJob("job-1", models.ProviderManagedRuntime, 60000)

	env.adapter.pollFn = func(h *backend.Handle) (*backend.PollResult, error) {
		return &backend.PollResult{Status: backend.StatusRunning}, nil
	}

	env.sched.ProcessQueue(context.Background())
	require.Eventually(t, func() bool {
		return env.jobs.status("job-1") == models.JobStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	// Cancel arrives through the API, flipping the store outside the worker
	require.NoError(t, env.jobs.UpdateStatus(context.Background(), "job-1",
		models.JobStatusRunning, models.JobStatusFailed, "user_cancelled"))

	require.Eventually(t, func() bool { return env.adapter.cancels() >= 1 },
		2*time.Second, 5*time.Millisecond)

	assert.Equal(t, models.JobStatusFailed, env.jobs.status("job-1"))
	// Cancellation never counts as a retry
	assert.Equal(t, models.QueueClaimed, env.queue.entry(entry.ID).Status)
	// Logs emitted up to the cancel are still drained
	require.Eventually(t, func() bool { return env.drainer.drained() >= 1 },
		time.Second, 5*time.Millisecond)
}

func TestBuildFailureRevertsToQueued(t *testing.T) {
	env := newTestEnv(t, Options{})
	entry := env.seedJob("job-1", models.ProviderContainer, 60000)

	env.adapter.submitFn = func(job *models.Job) (*backend.Handle, error) {
		return nil, models.NewExecError(models.ErrKindBuild, "build", "image not found in registry")
	}

	env.sched.ProcessQueue(context.Background())
	require.Eventually(t, func() bool {
		e := env.queue.entry(entry.ID)
		return e.Status == models.QueuePending
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, models.JobStatusQueued, env.jobs.status("job-1"))

	env.jobs.mu.Lock()
	transitions := append([]string(nil), env.jobs.transitions...)
	env.jobs.mu.Unlock()
	assert.Contains(t, transitions, "QUEUED->BUILDING:artifact_build_started")
	assert.Contains(t, transitions, "BUILDING->QUEUED:retry_requeued")
}
