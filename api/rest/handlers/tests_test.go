package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"agent-orchestrator/core/models"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memJobs struct {
	jobs         map[string]*models.Job
	entries      map[string]*models.QueueEntry
	logs         map[string][]string
	historyLimit int
}

func newMemJobs() *memJobs {
	return &memJobs{
		jobs:    make(map[string]*models.Job),
		entries: make(map[string]*models.QueueEntry),
		logs:    make(map[string][]string),
	}
}

func (m *memJobs) CreateWithQueueEntry(ctx context.Context, job *models.Job, entry *models.QueueEntry) error {
	job.ID = "job-1"
	job.Status = models.JobStatusQueued
	job.Phase = models.PhaseQueued
	entry.ID = "entry-1"
	entry.JobID = job.ID
	entry.Status = models.QueuePending
	m.jobs[job.ID] = job
	m.entries[entry.ID] = entry
	return nil
}

func (m *memJobs) Get(ctx context.Context, id string) (*models.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, models.NewExecError(models.ErrKindNotFound, "store", "job %s not found", id)
	}
	return job, nil
}

func (m *memJobs) UpdateStatus(ctx context.Context, jobID string, from, to models.JobStatus, reason string) error {
	job := m.jobs[jobID]
	if job.Status != from || !models.CanTransition(from, to) {
		return models.NewExecError(models.ErrKindClaimConflict, "store", "job %s is %s", jobID, job.Status)
	}
	job.Status = to
	job.Phase = models.PhaseFor(to)
	return nil
}

func (m *memJobs) SetResult(ctx context.Context, jobID string, r models.Result) error {
	m.jobs[jobID].Result = r
	return nil
}

func (m *memJobs) HistoryByAgent(ctx context.Context, agentID string, limit int) ([]*models.Job, error) {
	m.historyLimit = limit
	var out []*models.Job
	for _, j := range m.jobs {
		if j.AgentID == agentID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *memJobs) GetLogs(ctx context.Context, jobID string) ([]string, error) {
	return m.logs[jobID], nil
}

type memEvents struct{}

func (memEvents) GetJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	return nil, nil
}

type memDeployments struct {
	dep *models.Deployment
}

func (m *memDeployments) GetByAgentID(ctx context.Context, agentID string) (*models.Deployment, error) {
	if m.dep == nil {
		return nil, models.NewExecError(models.ErrKindNotFound, "routing", "no deployment for agent %s", agentID)
	}
	return m.dep, nil
}

type stubPolicy struct {
	err error
}

func (s *stubPolicy) ValidateSubmission(ctx context.Context, dep *models.Deployment, userID string, provider models.Provider) error {
	return s.err
}

type countingKicker struct {
	kicks int
}

func (k *countingKicker) Kick() { k.kicks++ }

func newTestRig(dep *models.Deployment, policyErr error) (*memJobs, *countingKicker, *mux.Router) {
	jobs := newMemJobs()
	kicker := &countingKicker{}
	h := NewTestHandler(jobs, memEvents{}, &memDeployments{dep: dep}, &stubPolicy{err: policyErr}, kicker, 300000)

	r := mux.NewRouter()
	r.HandleFunc("/v1/tests", h.SubmitTest).Methods("POST")
	r.HandleFunc("/v1/tests/{id}", h.GetTest).Methods("GET")
	r.HandleFunc("/v1/tests/{id}/cancel", h.CancelTest).Methods("POST")
	r.HandleFunc("/v1/agents/{id}/history", h.GetHistory).Methods("GET")
	return jobs, kicker, r
}

func submitBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(SubmitTestRequest{AgentID: "agent-1", Query: "what is 2+2"})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestSubmitTestCreatesQueuedJob(t *testing.T) {
	dep := &models.Deployment{ID: "dep-1", AgentID: "agent-1", Tier: models.TierFreemium, RuntimeID: "rt-1"}
	jobs, kicker, r := newTestRig(dep, nil)

	req := httptest.NewRequest("POST", "/v1/tests", submitBody(t))
	req.Header.Set("X-User-ID", "user-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var resp SubmitTestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, "QUEUED", resp.Status)

	job := jobs.jobs["job-1"]
	assert.Equal(t, models.ProviderManagedRuntime, job.Provider)
	assert.Equal(t, "user-1", job.UserID)
	assert.Equal(t, 300000, job.TimeoutMs)
	assert.Equal(t, models.QueuePending, jobs.entries["entry-1"].Status)
	assert.Equal(t, 1, kicker.kicks)
}

func TestSubmitTestContainerTierGetsImage(t *testing.T) {
	dep := &models.Deployment{ID: "dep-1", AgentID: "agent-1", Tier: models.TierPersonal}
	jobs, _, r := newTestRig(dep, nil)

	req := httptest.NewRequest("POST", "/v1/tests", submitBody(t))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	job := jobs.jobs["job-1"]
	assert.Equal(t, models.ProviderContainer, job.Provider)
	assert.Equal(t, "agents/agent-1:latest", job.Artifact.ImageURI)
}

func TestSubmitTestUsageLimitReturns429(t *testing.T) {
	dep := &models.Deployment{Tier: models.TierFreemium, RuntimeID: "rt-1"}
	policyErr := models.NewExecError(models.ErrKindUsageLimit, "routing", "monthly test limit of 10 reached")
	jobs, kicker, r := newTestRig(dep, policyErr)

	req := httptest.NewRequest("POST", "/v1/tests", submitBody(t))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	// Rejected before any queue slot is consumed
	assert.Empty(t, jobs.jobs)
	assert.Zero(t, kicker.kicks)
}

func TestSubmitTestNoAccountReturns412(t *testing.T) {
	dep := &models.Deployment{Tier: models.TierPersonal}
	policyErr := models.NewExecError(models.ErrKindNoAWSAccount, "routing", "connect an AWS account first")
	jobs, _, r := newTestRig(dep, policyErr)

	req := httptest.NewRequest("POST", "/v1/tests", submitBody(t))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Empty(t, jobs.jobs)
}

func TestSubmitTestUnknownAgentReturns404(t *testing.T) {
	_, _, r := newTestRig(nil, nil)

	req := httptest.NewRequest("POST", "/v1/tests", submitBody(t))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitTestValidation(t *testing.T) {
	dep := &models.Deployment{Tier: models.TierFreemium, RuntimeID: "rt-1"}
	_, _, r := newTestRig(dep, nil)

	for _, body := range []string{
		`{"query": "no agent"}`,
		`{"agent_id": "agent-1"}`,
		`{"agent_id": "agent-1", "query": "q", "priority": 7}`,
	} {
		req := httptest.NewRequest("POST", "/v1/tests", bytes.NewBufferString(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestGetTestSnapshot(t *testing.T) {
	dep := &models.Deployment{Tier: models.TierFreemium, RuntimeID: "rt-1"}
	jobs, _, r := newTestRig(dep, nil)
	jobs.jobs["job-1"] = &models.Job{
		ID: "job-1", AgentID: "agent-1", Status: models.JobStatusCompleted,
		Phase: models.PhaseDone, Result: models.Result{Success: true, Response: "4"},
	}
	jobs.logs["job-1"] = []string{"thinking", "4"}

	req := httptest.NewRequest("GET", "/v1/tests/job-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "COMPLETED", resp["status"])
	assert.Len(t, resp["logs"], 2)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "4", result["response"])
}

func TestCancelRunningTest(t *testing.T) {
	dep := &models.Deployment{Tier: models.TierFreemium, RuntimeID: "rt-1"}
	jobs, _, r := newTestRig(dep, nil)
	jobs.jobs["job-1"] = &models.Job{ID: "job-1", Status: models.JobStatusRunning}

	req := httptest.NewRequest("POST", "/v1/tests/job-1/cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	job := jobs.jobs["job-1"]
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "cancelled", job.Result.ErrorStage)
}

func TestCancelFinishedTestConflicts(t *testing.T) {
	dep := &models.Deployment{Tier: models.TierFreemium, RuntimeID: "rt-1"}
	jobs, _, r := newTestRig(dep, nil)
	jobs.jobs["job-1"] = &models.Job{ID: "job-1", Status: models.JobStatusCompleted}

	req := httptest.NewRequest("POST", "/v1/tests/job-1/cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, models.JobStatusCompleted, jobs.jobs["job-1"].Status)
}

func TestGetHistory(t *testing.T) {
	dep := &models.Deployment{Tier: models.TierFreemium, RuntimeID: "rt-1"}
	jobs, _, r := newTestRig(dep, nil)
	jobs.jobs["job-1"] = &models.Job{ID: "job-1", AgentID: "agent-1", Status: models.JobStatusCompleted}
	jobs.jobs["job-2"] = &models.Job{ID: "job-2", AgentID: "other", Status: models.JobStatusCompleted}

	req := httptest.NewRequest("GET", "/v1/agents/agent-1/history", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string][]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp["items"], 1)
	assert.Equal(t, "job-1", resp["items"][0]["id"])
}

func TestGetHistoryLimitParam(t *testing.T) {
	dep := &models.Deployment{Tier: models.TierFreemium, RuntimeID: "rt-1"}
	jobs, _, r := newTestRig(dep, nil)

	cases := []struct {
		query string
		limit int
	}{
		{"", 20},
		{"?limit=5", 5},
		{"?limit=12abc", 20},
		{"?limit=-3", 20},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/v1/agents/agent-1/history"+tc.query, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code, tc.query)
		assert.Equal(t, tc.limit, jobs.historyLimit, tc.query)
	}
}
