package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("expected HTTPPort 3000, got %d", cfg.HTTPPort)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("expected Host 0.0.0.0, got %s", cfg.Host)
	}
	if cfg.Runtime != "auto" {
		t.Errorf("expected Runtime auto, got %s", cfg.Runtime)
	}
	if cfg.JobTimeout != 10*time.Minute {
		t.Errorf("expected JobTimeout 10m, got %v", cfg.JobTimeout)
	}
	if cfg.LogPollInterval != 500*time.Millisecond {
		t.Errorf("expected LogPollInterval 500ms, got %v", cfg.LogPollInterval)
	}
	if cfg.RejectWhenBusy {
		t.Error("expected RejectWhenBusy to default to false")
	}
	if len(cfg.WorkerCommand) != 1 || cfg.WorkerCommand[0] != "deploy-worker" {
		t.Errorf("expected WorkerCommand [deploy-worker], got %v", cfg.WorkerCommand)
	}
	if cfg.Kubernetes.Image != "devops-agent-r2d2:latest" {
		t.Errorf("expected default image, got %s", cfg.Kubernetes.Image)
	}
	if cfg.Kubernetes.SecretName != "devops-agent-secrets" {
		t.Errorf("expected default secret, got %s", cfg.Kubernetes.SecretName)
	}
	if cfg.Kubernetes.TTLAfterFinished != time.Hour {
		t.Errorf("expected TTLAfterFinished 1h, got %v", cfg.Kubernetes.TTLAfterFinished)
	}
	if cfg.Kubernetes.DiscoveryAttempts != 30 || cfg.Kubernetes.DiscoveryInterval != 2*time.Second {
		t.Errorf("unexpected discovery budget: %d x %v", cfg.Kubernetes.DiscoveryAttempts, cfg.Kubernetes.DiscoveryInterval)
	}
	if cfg.Kubernetes.PhaseAttempts != 60 || cfg.Kubernetes.PhaseInterval != 2*time.Second {
		t.Errorf("unexpected phase budget: %d x %v", cfg.Kubernetes.PhaseAttempts, cfg.Kubernetes.PhaseInterval)
	}
	if cfg.OTELEndpoint != "" {
		t.Errorf("expected tracing disabled by default, got endpoint %s", cfg.OTELEndpoint)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LogLevel info, got %s", cfg.LogLevel)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("RUNTIME", "local")
	t.Setenv("JOB_TIMEOUT", "2m")
	t.Setenv("REJECT_WHEN_BUSY", "true")
	t.Setenv("DEFAULT_REPO_OWNER", "acme")
	t.Setenv("RUNTIME_WORKDIR", "/tmp/deploys")
	t.Setenv("KUBERNETES_NAMESPACE", "deploys")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9999 {
		t.Errorf("expected HTTPPort 9999, got %d", cfg.HTTPPort)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("expected Host from env, got %s", cfg.Host)
	}
	if cfg.Runtime != "local" {
		t.Errorf("expected Runtime local, got %s", cfg.Runtime)
	}
	if cfg.JobTimeout != 2*time.Minute {
		t.Errorf("expected JobTimeout 2m, got %v", cfg.JobTimeout)
	}
	if !cfg.RejectWhenBusy {
		t.Error("expected RejectWhenBusy from env")
	}
	if cfg.DefaultRepoOwner != "acme" {
		t.Errorf("expected DefaultRepoOwner acme, got %s", cfg.DefaultRepoOwner)
	}
	if cfg.RuntimeWorkDir != "/tmp/deploys" {
		t.Errorf("expected RuntimeWorkDir from env, got %s", cfg.RuntimeWorkDir)
	}
	if cfg.Kubernetes.Namespace != "deploys" {
		t.Errorf("expected namespace deploys, got %s", cfg.Kubernetes.Namespace)
	}
	if cfg.OTELEndpoint != "otel-collector:4317" {
		t.Errorf("expected OTELEndpoint from env, got %s", cfg.OTELEndpoint)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected LogLevel debug, got %s", cfg.LogLevel)
	}
}

func TestLoad_InvalidRuntime(t *testing.T) {
	t.Setenv("RUNTIME", "invalid")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for invalid runtime")
	}
	if !strings.Contains(err.Error(), "RUNTIME") {
		t.Errorf("expected error to name the env var, got %v", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"port out of range", "PORT", "70000"},
		{"zero timeout", "JOB_TIMEOUT", "0s"},
		{"negative rate", "SUBMIT_RATE_LIMIT", "-1"},
		{"unknown log level", "LOG_LEVEL", "verbose"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			if _, err := Load(""); err == nil {
				t.Errorf("expected error for %s=%s", tt.env, tt.val)
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "devopsagent-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()
	return tmpFile.Name()
}

func TestLoad_ConfigFile(t *testing.T) {
	path := writeConfig(t, `
http_port: 7777
runtime: kubernetes
job_timeout: 5m
worker_command: ["/usr/local/bin/deploy-worker", "--verbose"]
kubernetes:
  namespace: agents
  image: registry.example.com/deploy-worker:1.2.0
  discovery_attempts: 10
  phase_interval: 5s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 7777 {
		t.Errorf("expected HTTPPort 7777, got %d", cfg.HTTPPort)
	}
	if cfg.Runtime != "kubernetes" {
		t.Errorf("expected Runtime kubernetes, got %s", cfg.Runtime)
	}
	if cfg.JobTimeout != 5*time.Minute {
		t.Errorf("expected JobTimeout 5m, got %v", cfg.JobTimeout)
	}
	if len(cfg.WorkerCommand) != 2 || cfg.WorkerCommand[1] != "--verbose" {
		t.Errorf("unexpected WorkerCommand %v", cfg.WorkerCommand)
	}
	if cfg.Kubernetes.Namespace != "agents" {
		t.Errorf("expected namespace agents, got %s", cfg.Kubernetes.Namespace)
	}
	if cfg.Kubernetes.Image != "registry.example.com/deploy-worker:1.2.0" {
		t.Errorf("unexpected image %s", cfg.Kubernetes.Image)
	}
	if cfg.Kubernetes.DiscoveryAttempts != 10 {
		t.Errorf("expected 10 discovery attempts, got %d", cfg.Kubernetes.DiscoveryAttempts)
	}
	if cfg.Kubernetes.PhaseInterval != 5*time.Second {
		t.Errorf("expected phase interval 5s, got %v", cfg.Kubernetes.PhaseInterval)
	}
	// Keys missing from the file keep their defaults.
	if cfg.Kubernetes.SecretName != "devops-agent-secrets" {
		t.Errorf("expected default secret, got %s", cfg.Kubernetes.SecretName)
	}
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	path := writeConfig(t, `
http_port: 7777
runtime: local
`)

	t.Setenv("PORT", "8888")
	t.Setenv("RUNTIME", "kubernetes")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 8888 {
		t.Errorf("expected HTTPPort 8888 from env, got %d", cfg.HTTPPort)
	}
	if cfg.Runtime != "kubernetes" {
		t.Errorf("expected Runtime kubernetes from env, got %s", cfg.Runtime)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent config file")
	}
}
