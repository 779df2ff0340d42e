package routes

import (
	"agent-orchestrator/api/rest/handlers"
	"agent-orchestrator/core/repository"
	"agent-orchestrator/core/router"
	"agent-orchestrator/core/scheduler"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(
	r *mux.Router,
	db *repository.DB,
	deployRouter *router.Router,
	sched *scheduler.Scheduler,
	defaultTimeoutMs int,
) {
	jobRepo := repository.NewJobRepository(db)
	eventRepo := repository.NewEventRepository(db)
	deploymentRepo := repository.NewDeploymentRepository(db)
	accountRepo := repository.NewAccountRepository(db)
	usageRepo := repository.NewUsageRepository(db)

	testHandler := handlers.NewTestHandler(jobRepo, eventRepo, deploymentRepo, deployRouter, sched, defaultTimeoutMs)
	agentHandler := handlers.NewAgentHandler(deploymentRepo, accountRepo, usageRepo, deployRouter)

	api := r.PathPrefix("/v1").Subrouter()

	// Test-run endpoints
	api.HandleFunc("/tests", testHandler.SubmitTest).Methods("POST")
	api.HandleFunc("/tests/{id}", testHandler.GetTest).Methods("GET")
	api.HandleFunc("/tests/{id}/cancel", testHandler.CancelTest).Methods("POST")
	api.HandleFunc("/tests/{id}/events", testHandler.GetTestEvents).Methods("GET")

	// Agent endpoints
	api.HandleFunc("/agents/{id}/history", testHandler.GetHistory).Methods("GET")
	api.HandleFunc("/agents/{id}/deploy", agentHandler.DeployAgent).Methods("POST")
	api.HandleFunc("/agents/{id}/deployment", agentHandler.GetDeployment).Methods("GET")

	// Account and admin endpoints
	api.HandleFunc("/accounts/aws", agentHandler.ConnectAccount).Methods("POST")
	api.HandleFunc("/accounts/aws", agentHandler.DisconnectAccount).Methods("DELETE")
	api.HandleFunc("/admin/usage/reset", agentHandler.ResetUsage).Methods("POST")
}
