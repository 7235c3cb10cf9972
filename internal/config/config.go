// Package config loads agent configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// Config holds all configuration values for the agent.
type Config struct {
	// HTTP listener
	HTTPPort int
	Host     string

	// Runtime selects the execution backend: auto, local or kubernetes
	Runtime string
	// ServiceAccountPath is probed in auto mode to detect a cluster
	ServiceAccountPath string

	// Global per-job deadline
	JobTimeout time.Duration
	// Fallback interval for log followers when no change is signalled
	LogPollInterval time.Duration
	// Refuse new submissions with 409 while a deployment is in flight
	RejectWhenBusy bool
	// Owner applied to requests that omit repoOwner
	DefaultRepoOwner string

	// Local backend
	WorkerCommand  []string
	RuntimeWorkDir string

	// Cluster backend
	Kubernetes KubernetesConfig

	// Submission rate limit (requests per second, 0 disables)
	SubmitRateLimit float64
	SubmitBurst     int

	// OpenTelemetry collector endpoint, tracing is disabled when empty
	OTELEndpoint string

	LogLevel string
}

// KubernetesConfig holds the cluster backend settings.
type KubernetesConfig struct {
	Namespace         string
	Image             string
	Command           []string
	SecretName        string
	ServiceAccount    string
	CPURequest        string
	MemoryRequest     string
	CPULimit          string
	MemoryLimit       string
	TTLAfterFinished  time.Duration
	DiscoveryAttempts int
	DiscoveryInterval time.Duration
	PhaseAttempts     int
	PhaseInterval     time.Duration
}

var (
	validRuntimes  = []string{"auto", "local", "kubernetes"}
	validLogLevels = []string{"debug", "info", "warn", "error"}
)

// Load reads configuration from configPath (if not empty) and the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	cfg := &Config{
		HTTPPort:           v.GetInt("http_port"),
		Host:               v.GetString("host"),
		Runtime:            strings.ToLower(v.GetString("runtime")),
		ServiceAccountPath: v.GetString("service_account_path"),
		JobTimeout:         v.GetDuration("job_timeout"),
		LogPollInterval:    v.GetDuration("log_poll_interval"),
		RejectWhenBusy:     v.GetBool("reject_when_busy"),
		DefaultRepoOwner:   v.GetString("default_repo_owner"),
		WorkerCommand:      v.GetStringSlice("worker_command"),
		RuntimeWorkDir:     v.GetString("runtime_workdir"),
		Kubernetes: KubernetesConfig{
			Namespace:         v.GetString("kubernetes.namespace"),
			Image:             v.GetString("kubernetes.image"),
			Command:           v.GetStringSlice("kubernetes.command"),
			SecretName:        v.GetString("kubernetes.secret_name"),
			ServiceAccount:    v.GetString("kubernetes.service_account"),
			CPURequest:        v.GetString("kubernetes.cpu_request"),
			MemoryRequest:     v.GetString("kubernetes.memory_request"),
			CPULimit:          v.GetString("kubernetes.cpu_limit"),
			MemoryLimit:       v.GetString("kubernetes.memory_limit"),
			TTLAfterFinished:  v.GetDuration("kubernetes.ttl_after_finished"),
			DiscoveryAttempts: v.GetInt("kubernetes.discovery_attempts"),
			DiscoveryInterval: v.GetDuration("kubernetes.discovery_interval"),
			PhaseAttempts:     v.GetInt("kubernetes.phase_attempts"),
			PhaseInterval:     v.GetDuration("kubernetes.phase_interval"),
		},
		SubmitRateLimit: v.GetFloat64("submit_rate_limit"),
		SubmitBurst:     v.GetInt("submit_rate_burst"),
		OTELEndpoint:    v.GetString("otel_endpoint"),
		LogLevel:        strings.ToLower(v.GetString("log_level")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 3000)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("runtime", "auto")
	v.SetDefault("service_account_path", "/var/run/secrets/kubernetes.io/serviceaccount")
	v.SetDefault("job_timeout", 10*time.Minute)
	v.SetDefault("log_poll_interval", 500*time.Millisecond)
	v.SetDefault("reject_when_busy", false)
	v.SetDefault("default_repo_owner", "")
	v.SetDefault("worker_command", []string{"deploy-worker"})
	v.SetDefault("runtime_workdir", "")

	v.SetDefault("kubernetes.namespace", "default")
	v.SetDefault("kubernetes.image", "devops-agent-r2d2:latest")
	v.SetDefault("kubernetes.command", []string{})
	v.SetDefault("kubernetes.secret_name", "devops-agent-secrets")
	v.SetDefault("kubernetes.service_account", "")
	v.SetDefault("kubernetes.cpu_request", "100m")
	v.SetDefault("kubernetes.memory_request", "128Mi")
	v.SetDefault("kubernetes.cpu_limit", "500m")
	v.SetDefault("kubernetes.memory_limit", "512Mi")
	v.SetDefault("kubernetes.ttl_after_finished", time.Hour)
	v.SetDefault("kubernetes.discovery_attempts", 30)
	v.SetDefault("kubernetes.discovery_interval", 2*time.Second)
	v.SetDefault("kubernetes.phase_attempts", 60)
	v.SetDefault("kubernetes.phase_interval", 2*time.Second)

	v.SetDefault("submit_rate_limit", 0.0)
	v.SetDefault("submit_rate_burst", 5)
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("log_level", "info")
}

// envBindings maps config keys to their environment variables.
var envBindings = map[string]string{
	"http_port":                     "PORT",
	"host":                          "HOST",
	"runtime":                       "RUNTIME",
	"service_account_path":          "SERVICE_ACCOUNT_PATH",
	"job_timeout":                   "JOB_TIMEOUT",
	"log_poll_interval":             "LOG_POLL_INTERVAL",
	"reject_when_busy":              "REJECT_WHEN_BUSY",
	"default_repo_owner":            "DEFAULT_REPO_OWNER",
	"worker_command":                "WORKER_COMMAND",
	"runtime_workdir":               "RUNTIME_WORKDIR",
	"kubernetes.namespace":          "KUBERNETES_NAMESPACE",
	"kubernetes.image":              "KUBERNETES_IMAGE",
	"kubernetes.command":            "KUBERNETES_COMMAND",
	"kubernetes.secret_name":        "KUBERNETES_SECRET_NAME",
	"kubernetes.service_account":    "KUBERNETES_SERVICE_ACCOUNT",
	"kubernetes.cpu_request":        "KUBERNETES_CPU_REQUEST",
	"kubernetes.memory_request":     "KUBERNETES_MEMORY_REQUEST",
	"kubernetes.cpu_limit":          "KUBERNETES_CPU_LIMIT",
	"kubernetes.memory_limit":       "KUBERNETES_MEMORY_LIMIT",
	"kubernetes.ttl_after_finished": "KUBERNETES_TTL_AFTER_FINISHED",
	"kubernetes.discovery_attempts": "KUBERNETES_DISCOVERY_ATTEMPTS",
	"kubernetes.discovery_interval": "KUBERNETES_DISCOVERY_INTERVAL",
	"kubernetes.phase_attempts":     "KUBERNETES_PHASE_ATTEMPTS",
	"kubernetes.phase_interval":     "KUBERNETES_PHASE_INTERVAL",
	"submit_rate_limit":             "SUBMIT_RATE_LIMIT",
	"submit_rate_burst":             "SUBMIT_RATE_BURST",
	"otel_endpoint":                 "OTEL_EXPORTER_OTLP_ENDPOINT",
	"log_level":                     "LOG_LEVEL",
}

func bindEnv(v *viper.Viper) error {
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if !lo.Contains(validRuntimes, c.Runtime) {
		return fmt.Errorf("invalid runtime %q (env: RUNTIME): must be one of %s", c.Runtime, strings.Join(validRuntimes, ", "))
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d (env: PORT)", c.HTTPPort)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive (env: JOB_TIMEOUT)")
	}
	if c.LogPollInterval <= 0 {
		return fmt.Errorf("log_poll_interval must be positive (env: LOG_POLL_INTERVAL)")
	}
	if c.Runtime != "kubernetes" && len(c.WorkerCommand) == 0 {
		return fmt.Errorf("worker_command is required for the local backend (env: WORKER_COMMAND)")
	}
	if c.SubmitRateLimit < 0 {
		return fmt.Errorf("submit_rate_limit must not be negative (env: SUBMIT_RATE_LIMIT)")
	}
	if !lo.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log_level %q (env: LOG_LEVEL)", c.LogLevel)
	}
	return nil
}
