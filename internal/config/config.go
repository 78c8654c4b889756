// Package config loads the process-wide configuration from the environment
// and layers a small DB-backed override table on top for the handful of
// knobs an operator may want to tune without a redeploy.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the primary, env-sourced process knobs.
type Config struct {
	DatabaseURL            string
	QueueURL               string
	MaxCostLimitDefault    float64
	TempFileTTLHours       int
	MaxFileSizeMB          int64
	MaxArchiveSizeMB       int64
	MaxExtractionFiles     int
	PerStageTimeoutSeconds int
	WorkerConcurrency      int
	StorageType            string

	LLMAPIKey       string
	LLMDefaultModel string

	DataDir string

	// HTTPPort is where internal/httpapi's surface listens.
	HTTPPort int
	// HTTPAuthToken, if set, gates non-loopback callers of that surface.
	HTTPAuthToken string
	// NetProbeIntervalMinutes controls internal/netprobe's recalibration
	// cadence; 0 disables periodic re-probing.
	NetProbeIntervalMinutes int
}

// Load populates Config from the process environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:            getEnv("DATABASE_URL", "pipeline.db"),
		QueueURL:               getEnv("QUEUE_URL", "inproc://"),
		MaxCostLimitDefault:    getEnvFloat("MAX_COST_LIMIT_DEFAULT", 50.0),
		TempFileTTLHours:       getEnvInt("TEMP_FILE_TTL_HOURS", 24),
		MaxFileSizeMB:          getEnvInt64("MAX_FILE_SIZE_MB", 100),
		MaxArchiveSizeMB:       getEnvInt64("MAX_ARCHIVE_SIZE_MB", 500),
		MaxExtractionFiles:     getEnvInt("MAX_EXTRACTION_FILES", 1000),
		PerStageTimeoutSeconds: getEnvInt("PER_STAGE_TIMEOUT_SECONDS", 300),
		WorkerConcurrency:      getEnvInt("WORKER_CONCURRENCY", 5),
		StorageType:            getEnv("STORAGE_TYPE", "local"),
		LLMAPIKey:              getEnv("LLM_API_KEY", ""),
		LLMDefaultModel:        getEnv("LLM_DEFAULT_MODEL", "gpt-4-turbo"),
		DataDir:                getEnv("DATA_DIR", "./data"),

		HTTPPort:                getEnvInt("HTTP_PORT", 8080),
		HTTPAuthToken:           getEnv("HTTP_AUTH_TOKEN", ""),
		NetProbeIntervalMinutes: getEnvInt("NET_PROBE_INTERVAL_MINUTES", 30),
	}

	if c.WorkerConcurrency <= 0 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	return c, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}
