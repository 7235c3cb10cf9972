// Package main is the entry point for the deployment agent.
// It serves the HTTP API and runs one deployment at a time on the
// local or the Kubernetes backend.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"devopsagent/internal/config"
	"devopsagent/internal/controller"
	"devopsagent/internal/controller/handlers"
	"devopsagent/internal/controller/middleware"
	"devopsagent/internal/logger"
	"devopsagent/internal/observability"
	"devopsagent/internal/store"
	"devopsagent/internal/worker"
	"devopsagent/internal/worker/runtime"
)

const serviceName = "devopsagent"

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML); environment variables override it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(cfg.LogLevel)
	ctx := context.Background()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, serviceName, cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			appLogger.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics(serviceName)
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			appLogger.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	// Backends
	local := runtime.NewExecRuntime(runtime.ExecConfig{
		Command: cfg.WorkerCommand,
		WorkDir: cfg.RuntimeWorkDir,
	}, appLogger)
	newCluster := func() (runtime.Runtime, error) {
		return runtime.NewKubernetesRuntime(runtime.KubernetesConfig{
			Namespace:         cfg.Kubernetes.Namespace,
			Image:             cfg.Kubernetes.Image,
			Command:           cfg.Kubernetes.Command,
			SecretName:        cfg.Kubernetes.SecretName,
			ServiceAccount:    cfg.Kubernetes.ServiceAccount,
			CPURequest:        cfg.Kubernetes.CPURequest,
			MemoryRequest:     cfg.Kubernetes.MemoryRequest,
			CPULimit:          cfg.Kubernetes.CPULimit,
			MemoryLimit:       cfg.Kubernetes.MemoryLimit,
			TTLAfterFinished:  cfg.Kubernetes.TTLAfterFinished,
			DiscoveryAttempts: cfg.Kubernetes.DiscoveryAttempts,
			DiscoveryInterval: cfg.Kubernetes.DiscoveryInterval,
			PhaseAttempts:     cfg.Kubernetes.PhaseAttempts,
			PhaseInterval:     cfg.Kubernetes.PhaseInterval,
		}, appLogger)
	}
	probe := func() bool { return runtime.InCluster(cfg.ServiceAccountPath) }
	selector := runtime.NewSelector(runtime.Mode(cfg.Runtime), probe, local, newCluster)

	// Job state and dispatch
	registry := store.NewRegistry()
	queue := store.NewQueue(registry, appLogger)
	dispatcher := worker.New(registry, queue, selector, worker.Config{
		JobTimeout:     cfg.JobTimeout,
		RejectWhenBusy: cfg.RejectWhenBusy,
		Defaults:       worker.RequestDefaults{RepoOwner: cfg.DefaultRepoOwner},
	}, appLogger)
	relay := worker.NewRelay(registry, cfg.LogPollInterval)

	// HTTP
	var limiter *middleware.RateLimiter
	if cfg.SubmitRateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.SubmitRateLimit, cfg.SubmitBurst)
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HTTPPort))
	srv := controller.New(addr, handlers.New(dispatcher, relay, appLogger), controller.Options{
		Metrics:       metricsHandler,
		SubmitLimiter: limiter,
		Logger:        appLogger,
	})

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("agent starting",
			"addr", addr,
			"runtime", cfg.Runtime,
			"in_cluster", probe(),
			"job_timeout", cfg.JobTimeout,
		)
		serverErr <- srv.Run(ctx)
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		appLogger.Info("shutting down agent", "signal", sig.String())
	case err := <-serverErr:
		appLogger.Error("server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("server forced to shutdown", "error", err)
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("running deployments did not stop in time", "error", err)
	}
	appLogger.Info("agent exited")
}
