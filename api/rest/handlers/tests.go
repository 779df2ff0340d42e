package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"agent-orchestrator/core/models"

	"github.com/gorilla/mux"
)

// JobStore is the persistence surface the test handlers need
type JobStore interface {
	CreateWithQueueEntry(ctx context.Context, job *models.Job, entry *models.QueueEntry) error
	Get(ctx context.Context, id string) (*models.Job, error)
	UpdateStatus(ctx context.Context, jobID string, from, to models.JobStatus, reason string) error
	SetResult(ctx context.Context, jobID string, r models.Result) error
	HistoryByAgent(ctx context.Context, agentID string, limit int) ([]*models.Job, error)
	GetLogs(ctx context.Context, jobID string) ([]string, error)
}

// EventStore serves the job transition audit trail
type EventStore interface {
	GetJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
}

// DeploymentStore resolves the agent's deployment record
type DeploymentStore interface {
	GetByAgentID(ctx context.Context, agentID string) (*models.Deployment, error)
}

// SubmissionPolicy is the router's fail-fast tier check: a rejected submit
// never consumes a queue slot.
type SubmissionPolicy interface {
	ValidateSubmission(ctx context.Context, dep *models.Deployment, userID string, provider models.Provider) error
}

// Kicker requests an on-demand scheduler tick
type Kicker interface {
	Kick()
}

// TestHandler handles test-run HTTP requests
type TestHandler struct {
	jobs           JobStore
	events         EventStore
	deployments    DeploymentStore
	policy         SubmissionPolicy
	scheduler      Kicker
	defaultTimeout int
}

// NewTestHandler creates a new test handler
func NewTestHandler(
	jobs JobStore,
	events EventStore,
	deployments DeploymentStore,
	policy SubmissionPolicy,
	scheduler Kicker,
	defaultTimeoutMs int,
) *TestHandler {
	return &TestHandler{
		jobs:           jobs,
		events:         events,
		deployments:    deployments,
		policy:         policy,
		scheduler:      scheduler,
		defaultTimeout: defaultTimeoutMs,
	}
}

// SubmitTestRequest represents the request to submit a test run
type SubmitTestRequest struct {
	AgentID   string `json:"agent_id"`
	Query     string `json:"query"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	ImageURI  string `json:"image_uri,omitempty"`
	ModelID   string `json:"model_id,omitempty"`
}

// SubmitTestResponse represents the response after submitting a test run
type SubmitTestResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// SubmitTest handles POST /v1/tests
func (h *TestHandler) SubmitTest(w http.ResponseWriter, r *http.Request) {
	var req SubmitTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	userID := userFrom(r)

	if req.AgentID == "" || req.Query == "" {
		http.Error(w, "agent_id and query are required", http.StatusBadRequest)
		return
	}
	if req.Priority == 0 {
		req.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(req.Priority) {
		http.Error(w, "priority must be 1 (high) to 3 (low)", http.StatusBadRequest)
		return
	}
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = h.defaultTimeout
	}

	dep, err := h.deployments.GetByAgentID(r.Context(), req.AgentID)
	if err != nil {
		writeExecError(w, err)
		return
	}

	provider := models.ProviderContainer
	if dep.Tier == models.TierFreemium {
		provider = models.ProviderManagedRuntime
	}

	// Tier policy fails fast here, before any queue slot is consumed.
	if err := h.policy.ValidateSubmission(r.Context(), dep, userID, provider); err != nil {
		writeExecError(w, err)
		return
	}

	imageURI := req.ImageURI
	if imageURI == "" && provider == models.ProviderContainer {
		imageURI = fmt.Sprintf("agents/%s:latest", req.AgentID)
	}

	job := &models.Job{
		UserID:       userID,
		AgentID:      req.AgentID,
		Query:        req.Query,
		Provider:     provider,
		TimeoutMs:    req.TimeoutMs,
		DeploymentID: dep.ID,
		Artifact:     models.Artifact{ImageURI: imageURI},
		Config: models.ProviderConfig{
			ModelID: req.ModelID,
			Region:  dep.Region,
		},
	}
	entry := &models.QueueEntry{Priority: req.Priority}

	if err := h.jobs.CreateWithQueueEntry(r.Context(), job, entry); err != nil {
		http.Error(w, "Failed to create test: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.scheduler.Kick()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(SubmitTestResponse{JobID: job.ID, Status: string(job.Status)})
}

// GetTest handles GET /v1/tests/{id}
func (h *TestHandler) GetTest(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		writeExecError(w, err)
		return
	}

	logs, _ := h.jobs.GetLogs(r.Context(), jobID)

	response := map[string]interface{}{
		"id":       job.ID,
		"agent_id": job.AgentID,
		"query":    job.Query,
		"provider": job.Provider,
		"status":   job.Status,
		"phase":    job.Phase,
		"logs":     logs,
		"result": map[string]interface{}{
			"success":     job.Result.Success,
			"response":    job.Result.Response,
			"error":       job.Result.Error,
			"error_stage": job.Result.ErrorStage,
		},
		"metrics": map[string]interface{}{
			"queue_wait_ms":      job.Metrics.QueueWaitMs,
			"build_ms":           job.Metrics.BuildMs,
			"execution_ms":       job.Metrics.ExecutionMs,
			"estimated_cost_usd": job.Metrics.EstimatedCostUSD,
		},
		"timestamps": map[string]interface{}{
			"submitted_at": job.SubmittedAt,
			"started_at":   job.StartedAt,
			"completed_at": job.CompletedAt,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// CancelTest handles POST /v1/tests/{id}/cancel. Cancellation never counts
// against the retry ceiling and the entry is never retried.
func (h *TestHandler) CancelTest(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		writeExecError(w, err)
		return
	}
	if job.Status.IsTerminal() {
		http.Error(w, "Test already finished", http.StatusConflict)
		return
	}

	if err := h.jobs.SetResult(r.Context(), job.ID, models.Result{
		Error:      "cancelled by user",
		ErrorStage: "cancelled",
	}); err != nil {
		http.Error(w, "Failed to cancel test: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.jobs.UpdateStatus(r.Context(), job.ID, job.Status, models.JobStatusFailed, "user_cancelled"); err != nil {
		writeExecError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     job.ID,
		"status": models.JobStatusFailed,
	})
}

// GetHistory handles GET /v1/agents/{id}/history
func (h *TestHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := h.jobs.HistoryByAgent(r.Context(), agentID, limit)
	if err != nil {
		http.Error(w, "Failed to fetch history: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(jobs))
	for i, job := range jobs {
		items[i] = map[string]interface{}{
			"id":           job.ID,
			"status":       job.Status,
			"phase":        job.Phase,
			"query":        job.Query,
			"success":      job.Result.Success,
			"submitted_at": job.SubmittedAt,
			"completed_at": job.CompletedAt,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
}

// GetTestEvents handles GET /v1/tests/{id}/events
func (h *TestHandler) GetTestEvents(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	if _, err := h.jobs.Get(r.Context(), jobID); err != nil {
		writeExecError(w, err)
		return
	}

	events, err := h.events.GetJobEvents(r.Context(), jobID, 100)
	if err != nil {
		http.Error(w, "Failed to fetch events: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"at":        event.At,
			"to_status": event.ToStatus,
			"reason":    event.Reason,
		}
		if event.FromStatus != nil {
			item["from_status"] = *event.FromStatus
		}
		items[i] = item
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
}

func userFrom(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "default-user" // TODO: extract from auth token once the gateway forwards it
}

// writeExecError maps the error taxonomy onto HTTP statuses
func writeExecError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch models.KindOf(err) {
	case models.ErrKindValidation:
		status = http.StatusBadRequest
	case models.ErrKindNotFound:
		status = http.StatusNotFound
	case models.ErrKindUsageLimit:
		status = http.StatusTooManyRequests
	case models.ErrKindNoAWSAccount:
		status = http.StatusPreconditionFailed
	case models.ErrKindTrust:
		status = http.StatusForbidden
	case models.ErrKindClaimConflict:
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
