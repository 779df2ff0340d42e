package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"agent-orchestrator/api/rest/routes"
	"agent-orchestrator/config"
	"agent-orchestrator/core/backend"
	"agent-orchestrator/core/models"
	"agent-orchestrator/core/monitoring"
	"agent-orchestrator/core/repository"
	"agent-orchestrator/core/router"
	"agent-orchestrator/core/scheduler"
	"agent-orchestrator/providers/agentcore"
	"agent-orchestrator/providers/ecs"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/gorilla/mux"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database
	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database connected successfully")

	// Platform AWS credentials: freemium dispatch, STS exchange, pricing
	ctx := context.Background()
	platformCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Fatalf("Failed to load AWS configuration: %v", err)
	}

	// Initialize repositories
	jobRepo := repository.NewJobRepository(db)
	queueRepo := repository.NewQueueRepository(db)
	deploymentRepo := repository.NewDeploymentRepository(db)
	accountRepo := repository.NewAccountRepository(db)
	usageRepo := repository.NewUsageRepository(db)

	// Initialize deployment router
	exchanger := router.NewSTSExchanger(platformCfg)
	credCache := router.NewCredentialCache(exchanger)
	deployRouter := router.NewRouter(
		deploymentRepo, accountRepo, usageRepo, credCache, platformCfg,
		cfg.MonthlyTestCap, cfg.PlatformCluster, cfg.PlatformTaskDef, cfg.PlatformLogGroup,
	)

	// Initialize execution backends
	adapters := map[models.Provider]backend.Adapter{
		models.ProviderContainer:      ecs.NewAdapter(),
		models.ProviderManagedRuntime: agentcore.NewAdapter(),
	}

	// Initialize cost tracker
	costTracker := monitoring.NewCostTracker(platformCfg)
	go costTracker.Start(ctx)

	// Initialize log collector
	logCollector := monitoring.NewLogCollector(jobRepo, deployRouter, adapters, cfg.LogPollInterval)
	go logCollector.Start(ctx)

	// Initialize scheduler
	sched := scheduler.NewScheduler(jobRepo, queueRepo, deployRouter, adapters, logCollector, costTracker, scheduler.Options{
		WorkerID:      cfg.WorkerID,
		TickInterval:  cfg.TickInterval,
		PollInterval:  cfg.PollInterval,
		ClaimBatch:    cfg.ClaimBatch,
		RetryCeiling:  cfg.RetryCeiling,
		WatchdogGrace: cfg.WatchdogGrace,
	})
	go sched.Start(ctx)
	defer sched.Stop()

	// Setup routes
	r := mux.NewRouter()
	routes.SetupRoutes(r, db, deployRouter, sched, cfg.DefaultTimeoutMs)

	// Health check endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	// Start server
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Starting server on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	if err := server.Shutdown(context.Background()); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited")
}
