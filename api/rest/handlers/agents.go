package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"agent-orchestrator/core/models"

	"github.com/gorilla/mux"
)

// DeploymentWriter is the persistence surface for deployment management
type DeploymentWriter interface {
	GetByAgentID(ctx context.Context, agentID string) (*models.Deployment, error)
	Upsert(ctx context.Context, d *models.Deployment) error
}

// AccountManager handles cross-account trust records
type AccountManager interface {
	Connect(ctx context.Context, userID, roleARN, region string) (*models.AWSAccount, error)
	Disconnect(ctx context.Context, userID string) error
}

// UsageAdmin resets freemium usage counters
type UsageAdmin interface {
	ResetMonthly(ctx context.Context) (int64, error)
}

// CredentialInvalidator drops cached short-lived credentials for a user
type CredentialInvalidator interface {
	InvalidateCredentials(userID string)
}

// AgentHandler handles agent deployment and account HTTP requests
type AgentHandler struct {
	deployments DeploymentWriter
	accounts    AccountManager
	usage       UsageAdmin
	creds       CredentialInvalidator
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(
	deployments DeploymentWriter,
	accounts AccountManager,
	usage UsageAdmin,
	creds CredentialInvalidator,
) *AgentHandler {
	return &AgentHandler{
		deployments: deployments,
		accounts:    accounts,
		usage:       usage,
		creds:       creds,
	}
}

// DeployAgentRequest represents the request to register an agent deployment
type DeployAgentRequest struct {
	Tier           string `json:"tier"`
	Region         string `json:"region"`
	ClusterARN     string `json:"cluster_arn,omitempty"`
	TaskDefinition string `json:"task_definition,omitempty"`
	RuntimeID      string `json:"runtime_id,omitempty"`
	RuntimeAlias   string `json:"runtime_alias,omitempty"`
	LogGroup       string `json:"log_group,omitempty"`
}

// DeployAgent handles POST /v1/agents/{id}/deploy
func (h *AgentHandler) DeployAgent(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]

	var req DeployAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	tier := models.Tier(req.Tier)
	switch tier {
	case models.TierFreemium, models.TierPersonal, models.TierEnterprise:
	default:
		http.Error(w, "tier must be freemium, personal or enterprise", http.StatusBadRequest)
		return
	}
	if tier == models.TierFreemium && req.RuntimeID == "" {
		http.Error(w, "freemium deployments require runtime_id", http.StatusBadRequest)
		return
	}

	dep := &models.Deployment{
		AgentID:        agentID,
		OwnerID:        userFrom(r),
		Tier:           tier,
		Region:         req.Region,
		ClusterARN:     req.ClusterARN,
		TaskDefinition: req.TaskDefinition,
		RuntimeID:      req.RuntimeID,
		RuntimeAlias:   req.RuntimeAlias,
		LogGroup:       req.LogGroup,
		Status:         models.DeploymentActive,
	}

	// Upsert keeps the id stable across re-deploys of the same agent
	if existing, err := h.deployments.GetByAgentID(r.Context(), agentID); err == nil {
		dep.ID = existing.ID
	}

	if err := h.deployments.Upsert(r.Context(), dep); err != nil {
		http.Error(w, "Failed to register deployment: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"deployment_id": dep.ID,
		"agent_id":      dep.AgentID,
		"tier":          dep.Tier,
		"status":        dep.Status,
	})
}

// GetDeployment handles GET /v1/agents/{id}/deployment
func (h *AgentHandler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]

	dep, err := h.deployments.GetByAgentID(r.Context(), agentID)
	if err != nil {
		writeExecError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"deployment_id":   dep.ID,
		"agent_id":        dep.AgentID,
		"tier":            dep.Tier,
		"region":          dep.Region,
		"status":          dep.Status,
		"healthy":         dep.Healthy,
		"last_checked_at": dep.LastCheckedAt,
	})
}

// ConnectAccountRequest represents the request to connect an AWS account
type ConnectAccountRequest struct {
	RoleARN string `json:"role_arn"`
	Region  string `json:"region"`
}

// ConnectAccount handles POST /v1/accounts/aws. The response carries the
// server-generated external id the user must place in their role's trust
// policy; dispatch fails closed until the two match.
func (h *AgentHandler) ConnectAccount(w http.ResponseWriter, r *http.Request) {
	var req ConnectAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.RoleARN == "" {
		http.Error(w, "role_arn is required", http.StatusBadRequest)
		return
	}

	userID := userFrom(r)
	account, err := h.accounts.Connect(r.Context(), userID, req.RoleARN, req.Region)
	if err != nil {
		http.Error(w, "Failed to connect account: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// A fresh external id invalidates anything assumed under the old one
	h.creds.InvalidateCredentials(userID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id":     account.UserID,
		"role_arn":    account.RoleARN,
		"external_id": account.ExternalID,
		"status":      account.Status,
	})
}

// DisconnectAccount handles DELETE /v1/accounts/aws
func (h *AgentHandler) DisconnectAccount(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)

	if err := h.accounts.Disconnect(r.Context(), userID); err != nil {
		http.Error(w, "Failed to disconnect account: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.creds.InvalidateCredentials(userID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id": userID,
		"status":  models.AccountDisconnected,
	})
}

// ResetUsage handles POST /v1/admin/usage/reset, the monthly rollover
func (h *AgentHandler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	reset, err := h.usage.ResetMonthly(r.Context())
	if err != nil {
		http.Error(w, "Failed to reset usage counters: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"counters_reset": reset,
	})
}
