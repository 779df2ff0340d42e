package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Database
	DatabaseURL string `yaml:"database_url"`

	// Server
	ServerPort string `yaml:"server_port"`

	// AWS platform account
	AWSRegion        string `yaml:"aws_region"`
	PlatformCluster  string `yaml:"platform_cluster"`
	PlatformTaskDef  string `yaml:"platform_task_definition"`
	PlatformLogGroup string `yaml:"platform_log_group"`

	// Scheduler
	WorkerID         string        `yaml:"worker_id"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ClaimBatch       int           `yaml:"claim_batch"`
	RetryCeiling     int           `yaml:"retry_ceiling"`
	DefaultTimeoutMs int           `yaml:"default_timeout_ms"`
	WatchdogGrace    time.Duration `yaml:"watchdog_grace"`

	// Tier policy
	MonthlyTestCap int `yaml:"monthly_test_cap"`

	// Log collection
	LogPollInterval time.Duration `yaml:"log_poll_interval"`
}

// Load reads configuration from environment variables, then applies an
// optional YAML overlay named by CONFIG_FILE. File values win over env so
// one deployment manifest can pin a full worker profile.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		DatabaseURL:      getEnv("DATABASE_URL", "postgres://localhost/agent_orchestrator?sslmode=disable"),
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		AWSRegion:        getEnv("AWS_REGION", "us-east-1"),
		PlatformCluster:  getEnv("PLATFORM_CLUSTER", ""),
		PlatformTaskDef:  getEnv("PLATFORM_TASK_DEFINITION", ""),
		PlatformLogGroup: getEnv("PLATFORM_LOG_GROUP", "/agent-tests"),
		WorkerID:         getEnv("WORKER_ID", hostname),
		TickInterval:     getEnvDuration("SCHEDULER_TICK", 5*time.Second),
		PollInterval:     getEnvDuration("BACKEND_POLL", 2*time.Second),
		ClaimBatch:       getEnvInt("CLAIM_BATCH", 3),
		RetryCeiling:     getEnvInt("RETRY_CEILING", 3),
		DefaultTimeoutMs: getEnvInt("DEFAULT_TIMEOUT_MS", 300000),
		WatchdogGrace:    getEnvDuration("WATCHDOG_GRACE", 15*time.Second),
		MonthlyTestCap:   getEnvInt("MONTHLY_TEST_CAP", 10),
		LogPollInterval:  getEnvDuration("LOG_POLL_INTERVAL", 10*time.Second),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
