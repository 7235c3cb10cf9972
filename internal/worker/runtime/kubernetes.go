package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"
)

const (
	containerName = "deploy-worker"
	appLabel      = "devops-agent-worker"
)

var (
	// ErrPodNotFound is returned when the Job's pod does not appear within the discovery budget.
	ErrPodNotFound = errors.New("pod not found for job")

	// ErrPhaseUnresolved is returned when the pod never reaches a terminal phase within the poll budget.
	ErrPhaseUnresolved = errors.New("pod did not reach a terminal phase")
)

// KubernetesConfig holds configuration for the Kubernetes runtime.
type KubernetesConfig struct {
	// Namespace where jobs will be created
	Namespace string
	// Image and Command of the deploy worker container
	Image   string
	Command []string
	// SecretName holds the GITHUB_TOKEN key injected into the container
	SecretName string
	// ServiceAccount for job pods (optional)
	ServiceAccount string

	CPURequest    string
	MemoryRequest string
	CPULimit      string
	MemoryLimit   string

	// TTLAfterFinished is how long finished Jobs are kept before cleanup.
	TTLAfterFinished time.Duration

	// Pod discovery budget
	DiscoveryAttempts int
	DiscoveryInterval time.Duration
	// Terminal phase polling budget, also used while waiting for the container to start
	PhaseAttempts int
	PhaseInterval time.Duration
}

func (c *KubernetesConfig) setDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Image == "" {
		c.Image = "devops-agent-r2d2:latest"
	}
	if len(c.Command) == 0 {
		c.Command = []string{"deploy-worker"}
	}
	if c.SecretName == "" {
		c.SecretName = "devops-agent-secrets"
	}
	if c.CPURequest == "" {
		c.CPURequest = "100m"
	}
	if c.MemoryRequest == "" {
		c.MemoryRequest = "128Mi"
	}
	if c.CPULimit == "" {
		c.CPULimit = "500m"
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = "512Mi"
	}
	if c.TTLAfterFinished <= 0 {
		c.TTLAfterFinished = time.Hour
	}
	if c.DiscoveryAttempts <= 0 {
		c.DiscoveryAttempts = 30
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 2 * time.Second
	}
	if c.PhaseAttempts <= 0 {
		c.PhaseAttempts = 60
	}
	if c.PhaseInterval <= 0 {
		c.PhaseInterval = 2 * time.Second
	}
}

// KubernetesRuntime implements the Runtime interface using Kubernetes Jobs.
type KubernetesRuntime struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
	logger    *slog.Logger
}

// KubernetesHandle represents a running Kubernetes Job.
type KubernetesHandle struct {
	handle
	clientset kubernetes.Interface
	config    KubernetesConfig
	namespace string
	jobName   string
	podName   string // Populated after the pod is discovered
	logger    *slog.Logger
}

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetesRuntime creates a new Kubernetes-based runtime.
// Tries in-cluster configuration first, falls back to kubeconfig for local development.
func NewKubernetesRuntime(cfg KubernetesConfig, logger *slog.Logger) (*KubernetesRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	config, err := rest.InClusterConfig()
	if err != nil {
		logger.Info("in-cluster config not available, trying kubeconfig", "error", err)
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = filepath.Join(homeDir(), ".kube", "config")
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
		logger.Info("using kubeconfig", "path", kubeconfig)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	return NewKubernetesRuntimeWithClient(clientset, cfg, logger), nil
}

// NewKubernetesRuntimeWithClient creates a runtime on top of an existing clientset.
func NewKubernetesRuntimeWithClient(clientset kubernetes.Interface, cfg KubernetesConfig, logger *slog.Logger) *KubernetesRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()
	return &KubernetesRuntime{
		clientset: clientset,
		config:    cfg,
		logger:    logger,
	}
}

// Name implements Runtime.Name.
func (k *KubernetesRuntime) Name() string { return "kubernetes" }

// ClusterName derives the Job name from a job id: lowercase, underscores become hyphens.
func ClusterName(jobID string) string {
	return strings.ReplaceAll(strings.ToLower(jobID), "_", "-")
}

// Start implements Runtime.Start by creating a Kubernetes Job.
func (k *KubernetesRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	payload, err := json.Marshal(opts.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}

	job, err := k.buildJob(opts, string(payload))
	if err != nil {
		return nil, err
	}

	createdJob, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes job: %w", err)
	}

	k.logger.Info("created kubernetes job", "job_id", opts.JobID, "name", createdJob.Name, "namespace", k.config.Namespace)

	h := &KubernetesHandle{
		handle:    newHandle(),
		clientset: k.clientset,
		config:    k.config,
		namespace: k.config.Namespace,
		jobName:   createdJob.Name,
		logger:    k.logger,
	}
	go h.run(ctx)
	return h, nil
}

func (k *KubernetesRuntime) buildJob(opts StartOptions, payload string) (*batchv1.Job, error) {
	jobName := ClusterName(opts.JobID)

	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	for _, q := range []struct {
		list corev1.ResourceList
		name corev1.ResourceName
		val  string
	}{
		{resources.Requests, corev1.ResourceCPU, k.config.CPURequest},
		{resources.Requests, corev1.ResourceMemory, k.config.MemoryRequest},
		{resources.Limits, corev1.ResourceCPU, k.config.CPULimit},
		{resources.Limits, corev1.ResourceMemory, k.config.MemoryLimit},
	} {
		parsed, err := resource.ParseQuantity(q.val)
		if err != nil {
			return nil, fmt.Errorf("invalid resource quantity %q: %w", q.val, err)
		}
		q.list[q.name] = parsed
	}

	labels := map[string]string{
		"app":                          appLabel,
		"jobId":                        opts.JobID,
		"type":                         "deploy",
		"app.kubernetes.io/managed-by": "devopsagent",
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: k.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To[int32](0),
			TTLSecondsAfterFinished: ptr.To(int32(k.config.TTLAfterFinished / time.Second)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app":      appLabel,
						"jobId":    opts.JobID,
						"job-name": jobName,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:            containerName,
							Image:           k.config.Image,
							ImagePullPolicy: corev1.PullIfNotPresent,
							Command:         k.config.Command,
							Args:            []string{payload},
							Env: []corev1.EnvVar{
								{
									Name: "GITHUB_TOKEN",
									ValueFrom: &corev1.EnvVarSource{
										SecretKeyRef: &corev1.SecretKeySelector{
											LocalObjectReference: corev1.LocalObjectReference{Name: k.config.SecretName},
											Key:                  "GITHUB_TOKEN",
										},
									},
								},
								{Name: "JOB_ID", Value: opts.JobID},
							},
							Resources: resources,
						},
					},
				},
			},
		},
	}

	if opts.Timeout > 0 {
		job.Spec.ActiveDeadlineSeconds = ptr.To(int64(opts.Timeout / time.Second))
	}
	if k.config.ServiceAccount != "" {
		job.Spec.Template.Spec.ServiceAccountName = k.config.ServiceAccount
	}
	return job, nil
}

// run discovers the pod, follows its logs and resolves the terminal phase.
func (h *KubernetesHandle) run(ctx context.Context) {
	podName, err := h.waitForPod(ctx)
	if err != nil {
		h.finish(Outcome{ExitCode: -1, Err: err})
		return
	}
	h.podName = podName
	h.emit(ctx, SourcePod, fmt.Sprintf("Found pod %s", podName))

	if err := h.waitForContainerReady(ctx); err != nil {
		h.finish(Outcome{ExitCode: -1, Err: err})
		return
	}

	// Stream end does not imply completion; the phase is polled afterwards.
	if err := h.followLogs(ctx); err != nil {
		h.logger.Warn("pod log stream ended with error", "pod", podName, "error", err)
		h.emit(ctx, SourcePod, fmt.Sprintf("log stream error: %v", err))
	}

	h.finish(h.waitForTerminalPhase(ctx))
}

// poll runs condition up to attempts times with a fixed delay between attempts.
func poll(ctx context.Context, attempts int, interval time.Duration, condition wait.ConditionWithContextFunc) error {
	backoff := wait.Backoff{
		Duration: interval,
		Factor:   1,
		Steps:    attempts,
	}
	return wait.ExponentialBackoffWithContext(ctx, backoff, condition)
}

// waitForPod waits for the job's pod to be created and returns its name.
func (h *KubernetesHandle) waitForPod(ctx context.Context) (string, error) {
	var podName string
	err := poll(ctx, h.config.DiscoveryAttempts, h.config.DiscoveryInterval, func(ctx context.Context) (bool, error) {
		pods, err := h.clientset.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: fmt.Sprintf("job-name=%s", h.jobName),
		})
		if err != nil {
			h.logger.Warn("listing pods failed", "job", h.jobName, "error", err)
			return false, nil
		}
		if len(pods.Items) > 0 {
			podName = pods.Items[0].Name
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w %s after %d attempts", ErrPodNotFound, h.jobName, h.config.DiscoveryAttempts)
	}
	return podName, nil
}

// waitForContainerReady waits for the container to start (or complete).
func (h *KubernetesHandle) waitForContainerReady(ctx context.Context) error {
	err := poll(ctx, h.config.PhaseAttempts, h.config.PhaseInterval, func(ctx context.Context) (bool, error) {
		pod, err := h.clientset.CoreV1().Pods(h.namespace).Get(ctx, h.podName, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, err
			}
			return false, nil
		}
		switch pod.Status.Phase {
		case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("pod %s disappeared: %w", h.podName, err)
		}
		return fmt.Errorf("pod %s did not start after %d attempts", h.podName, h.config.PhaseAttempts)
	}
	return nil
}

// followLogs copies the container output into the log channel until the stream ends.
func (h *KubernetesHandle) followLogs(ctx context.Context) error {
	req := h.clientset.CoreV1().Pods(h.namespace).GetLogs(h.podName, &corev1.PodLogOptions{
		Container: containerName,
		Follow:    true,
	})
	rc, err := req.Stream(ctx)
	if err != nil {
		return fmt.Errorf("failed to open log stream: %w", err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !h.emit(ctx, SourcePod, line) {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// waitForTerminalPhase polls the pod until it succeeded or failed.
func (h *KubernetesHandle) waitForTerminalPhase(ctx context.Context) Outcome {
	var result Outcome
	err := poll(ctx, h.config.PhaseAttempts, h.config.PhaseInterval, func(ctx context.Context) (bool, error) {
		pod, err := h.clientset.CoreV1().Pods(h.namespace).Get(ctx, h.podName, metav1.GetOptions{})
		if err != nil {
			h.logger.Warn("reading pod status failed", "pod", h.podName, "error", err)
			return false, nil
		}

		switch pod.Status.Phase {
		case corev1.PodSucceeded:
			result = Outcome{Success: true}
			return true, nil
		case corev1.PodFailed:
			result = failedPodOutcome(pod)
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{ExitCode: -1, Err: ctx.Err()}
		}
		return Outcome{ExitCode: -1, Err: fmt.Errorf("%w: %s after %d attempts", ErrPhaseUnresolved, h.podName, h.config.PhaseAttempts)}
	}
	return result
}

func failedPodOutcome(pod *corev1.Pod) Outcome {
	exitCode := -1
	reason := pod.Status.Reason
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != containerName || cs.State.Terminated == nil {
			continue
		}
		exitCode = int(cs.State.Terminated.ExitCode)
		if cs.State.Terminated.Reason != "" {
			reason = cs.State.Terminated.Reason
		}
	}

	msg := fmt.Sprintf("pod %s failed", pod.Name)
	if exitCode >= 0 {
		msg = fmt.Sprintf("%s with exit code %d", msg, exitCode)
	}
	if reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, reason)
	}
	return Outcome{ExitCode: exitCode, Err: errors.New(msg)}
}

// Stop deletes the Kubernetes Job and its pods.
func (h *KubernetesHandle) Stop(ctx context.Context) error {
	propagation := metav1.DeletePropagationBackground
	err := h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete job %s: %w", h.jobName, err)
	}
	h.logger.Info("deleted kubernetes job", "name", h.jobName)
	return nil
}
