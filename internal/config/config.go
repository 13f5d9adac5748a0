package config

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

// Config holds all configuration for one stratopipe stage service.
// Values are loaded from environment variables; see the serve command's
// usage text for the full list.
type Config struct {
	AMQPURL   string `json:"amqp_url"`
	StageName string `json:"stage_name"`
	PrevStage string `json:"prev_stage"`
	NextStage string `json:"next_stage"`

	JobDir string `json:"job_dir"`

	// JWTSecret signs credential requests and verifies responses.
	// CredentialsKeysFile is the newline-delimited symmetric key-set.
	// Both are unused when NoCredentials is set.
	JWTSecret           string `json:"jwt_secret"`
	CredentialsKeysFile string `json:"credentials_keys_file"`
	NoCredentials       bool   `json:"no_credentials"`

	SchedulerWorkers   int `json:"scheduler_workers"`
	SchedulerQueueSize int `json:"scheduler_queue_size"`

	HTTPAddr               string        `json:"http_addr"`
	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	RedisAddr string `json:"redis_addr,omitempty"`

	JanitorEnabled   bool          `json:"janitor_enabled"`
	JanitorSchedule  string        `json:"janitor_schedule"`
	JanitorMaxAge    time.Duration `json:"-"`
	JanitorMaxAgeStr string        `json:"janitor_max_age"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker, the default.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		AMQPURL:                os.Getenv("AMQP_URL"),
		StageName:              os.Getenv("STAGE_NAME"),
		PrevStage:              os.Getenv("PREV_STAGE"),
		NextStage:              os.Getenv("NEXT_STAGE"),
		JobDir:                 os.Getenv("JOB_DIR"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		CredentialsKeysFile:    os.Getenv("CREDENTIALS_KEYS_FILE"),
		NoCredentials:          os.Getenv("NO_CREDENTIALS") == "true",
		HTTPAddr:               os.Getenv("HTTP_ADDR"),
		HTTPShutdownTimeoutStr: os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		MetricsEnabled:         os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:            os.Getenv("METRICS_PATH"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		JanitorEnabled:         os.Getenv("JANITOR_ENABLED") == "true",
		JanitorSchedule:        os.Getenv("JANITOR_SCHEDULE"),
		JanitorMaxAgeStr:       os.Getenv("JANITOR_MAX_AGE"),
	}

	if workersStr := os.Getenv("SCHEDULER_WORKERS"); workersStr != "" {
		if n, err := parseInt(workersStr); err == nil && n > 0 {
			cfg.SchedulerWorkers = n
		} else {
			log.Printf("config: invalid SCHEDULER_WORKERS %q (must be a positive integer), using default 2", workersStr)
		}
	}
	if cfg.SchedulerWorkers == 0 {
		cfg.SchedulerWorkers = 2
	}

	if sizeStr := os.Getenv("SCHEDULER_QUEUE_SIZE"); sizeStr != "" {
		if n, err := parseInt(sizeStr); err == nil && n > 0 {
			cfg.SchedulerQueueSize = n
		} else {
			log.Printf("config: invalid SCHEDULER_QUEUE_SIZE %q (must be a positive integer), using default 100", sizeStr)
		}
	}
	if cfg.SchedulerQueueSize == 0 {
		cfg.SchedulerQueueSize = 100
	}

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, breaker stays disabled", cbThreshStr)
		}
	}
	cfg.CircuitBreakerCooldownStr = os.Getenv("CIRCUIT_BREAKER_COOLDOWN")

	if cfg.JobDir == "" {
		cfg.JobDir = "/var/lib/stratopipe/jobs"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.JanitorSchedule == "" {
		cfg.JanitorSchedule = "@every 5m"
	}
	if cfg.JanitorMaxAgeStr == "" {
		cfg.JanitorMaxAgeStr = "1h"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.JanitorMaxAgeStr); err == nil {
		cfg.JanitorMaxAge = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}

	return cfg
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		AMQPURL                 string `json:"amqp_url"`
		StageName               string `json:"stage_name"`
		PrevStage               string `json:"prev_stage"`
		NextStage               string `json:"next_stage"`
		JobDir                  string `json:"job_dir"`
		JWTSecret               string `json:"jwt_secret"`
		CredentialsKeysFile     string `json:"credentials_keys_file"`
		NoCredentials           bool   `json:"no_credentials"`
		SchedulerWorkers        int    `json:"scheduler_workers"`
		SchedulerQueueSize      int    `json:"scheduler_queue_size"`
		HTTPAddr                string `json:"http_addr"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		JanitorEnabled          bool   `json:"janitor_enabled"`
		JanitorSchedule         string `json:"janitor_schedule"`
		JanitorMaxAge           string `json:"janitor_max_age"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
	}{
		AMQPURL:                 maskSecret(c.AMQPURL),
		StageName:               c.StageName,
		PrevStage:               c.PrevStage,
		NextStage:               c.NextStage,
		JobDir:                  c.JobDir,
		JWTSecret:               maskSecret(c.JWTSecret),
		CredentialsKeysFile:     c.CredentialsKeysFile,
		NoCredentials:           c.NoCredentials,
		SchedulerWorkers:        c.SchedulerWorkers,
		SchedulerQueueSize:      c.SchedulerQueueSize,
		HTTPAddr:                c.HTTPAddr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		RedisAddr:               c.RedisAddr,
		JanitorEnabled:          c.JanitorEnabled,
		JanitorSchedule:         c.JanitorSchedule,
		JanitorMaxAge:           c.JanitorMaxAgeStr,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"amqp://", "amqps://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
