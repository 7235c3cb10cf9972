package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"devopsagent/pkg/api"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func testKubernetesConfig() KubernetesConfig {
	return KubernetesConfig{
		Namespace:         "test-ns",
		Image:             "devops-agent-r2d2:test",
		Command:           []string{"deploy-worker"},
		DiscoveryAttempts: 3,
		DiscoveryInterval: time.Millisecond,
		PhaseAttempts:     3,
		PhaseInterval:     time.Millisecond,
	}
}

func podFor(jobID string, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ClusterName(jobID) + "-abcde",
			Namespace: "test-ns",
			Labels:    map[string]string{"job-name": ClusterName(jobID)},
		},
		Status: corev1.PodStatus{Phase: phase},
	}
}

func TestClusterName(t *testing.T) {
	got := ClusterName("Deploy_0192F6A4-7C1B")
	if got != "deploy-0192f6a4-7c1b" {
		t.Errorf("unexpected cluster name %s", got)
	}
}

func TestKubernetesRuntime_Start_CreatesJob(t *testing.T) {
	clientset := fake.NewClientset()
	rt := NewKubernetesRuntimeWithClient(clientset, testKubernetesConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := api.DeployRequest{Name: "shop", Branch: "main"}
	handle, err := rt.Start(ctx, StartOptions{
		JobID:   "deploy_ABC",
		Request: req,
		Timeout: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if handle == nil {
		t.Fatal("expected handle to be non-nil")
	}

	job, err := clientset.BatchV1().Jobs("test-ns").Get(ctx, "deploy-abc", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected job deploy-abc: %v", err)
	}

	if *job.Spec.BackoffLimit != 0 {
		t.Errorf("expected backoff limit 0, got %d", *job.Spec.BackoffLimit)
	}
	if *job.Spec.ActiveDeadlineSeconds != 600 {
		t.Errorf("expected active deadline 600, got %d", *job.Spec.ActiveDeadlineSeconds)
	}
	if *job.Spec.TTLSecondsAfterFinished != 3600 {
		t.Errorf("expected ttl 3600, got %d", *job.Spec.TTLSecondsAfterFinished)
	}
	if job.Spec.Template.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("expected restart policy Never, got %s", job.Spec.Template.Spec.RestartPolicy)
	}
	if job.Labels["jobId"] != "deploy_ABC" {
		t.Errorf("expected jobId label, got %v", job.Labels)
	}

	container := job.Spec.Template.Spec.Containers[0]
	if container.Image != "devops-agent-r2d2:test" {
		t.Errorf("unexpected image %s", container.Image)
	}
	if len(container.Args) != 1 {
		t.Fatalf("expected a single argument, got %v", container.Args)
	}
	var decoded api.DeployRequest
	if err := json.Unmarshal([]byte(container.Args[0]), &decoded); err != nil {
		t.Fatalf("argument is not a serialized request: %v", err)
	}
	if decoded.Name != "shop" || decoded.Branch != "main" {
		t.Errorf("unexpected request argument: %+v", decoded)
	}
}

func TestKubernetesRuntime_Start_InjectsCredentials(t *testing.T) {
	clientset := fake.NewClientset()
	cfg := testKubernetesConfig()
	cfg.SecretName = "my-secrets"
	rt := NewKubernetesRuntimeWithClient(clientset, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := rt.Start(ctx, StartOptions{JobID: "deploy_1"}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	env := jobs.Items[0].Spec.Template.Spec.Containers[0].Env

	var sawToken, sawJobID bool
	for _, e := range env {
		switch e.Name {
		case "GITHUB_TOKEN":
			sawToken = true
			if e.ValueFrom == nil || e.ValueFrom.SecretKeyRef == nil {
				t.Fatal("expected GITHUB_TOKEN from a secret reference")
			}
			if e.ValueFrom.SecretKeyRef.Name != "my-secrets" || e.ValueFrom.SecretKeyRef.Key != "GITHUB_TOKEN" {
				t.Errorf("unexpected secret ref: %+v", e.ValueFrom.SecretKeyRef)
			}
		case "JOB_ID":
			sawJobID = true
			if e.Value != "deploy_1" {
				t.Errorf("expected JOB_ID deploy_1, got %s", e.Value)
			}
		}
	}
	if !sawToken || !sawJobID {
		t.Errorf("missing env vars: %+v", env)
	}
}

func TestKubernetesRuntime_Start_SetsResources(t *testing.T) {
	clientset := fake.NewClientset()
	cfg := testKubernetesConfig()
	cfg.CPULimit = "1"
	cfg.MemoryLimit = "1Gi"
	rt := NewKubernetesRuntimeWithClient(clientset, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := rt.Start(ctx, StartOptions{JobID: "deploy_1"}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	res := jobs.Items[0].Spec.Template.Spec.Containers[0].Resources

	if res.Limits.Cpu().String() != "1" {
		t.Errorf("expected CPU limit '1', got '%s'", res.Limits.Cpu().String())
	}
	if res.Limits.Memory().String() != "1Gi" {
		t.Errorf("expected memory limit '1Gi', got '%s'", res.Limits.Memory().String())
	}
	if res.Requests.Cpu().String() != "100m" {
		t.Errorf("expected CPU request '100m', got '%s'", res.Requests.Cpu().String())
	}
	if res.Requests.Memory().String() != "128Mi" {
		t.Errorf("expected memory request '128Mi', got '%s'", res.Requests.Memory().String())
	}
}

func TestKubernetesRuntime_Start_InvalidQuantity(t *testing.T) {
	cfg := testKubernetesConfig()
	cfg.CPULimit = "lots"
	rt := NewKubernetesRuntimeWithClient(fake.NewClientset(), cfg, nil)

	if _, err := rt.Start(context.Background(), StartOptions{JobID: "deploy_1"}); err == nil {
		t.Error("expected error for invalid resource quantity")
	}
}

func TestKubernetesRuntime_RunSucceeded(t *testing.T) {
	clientset := fake.NewClientset(podFor("deploy_ok", corev1.PodSucceeded))
	rt := NewKubernetesRuntimeWithClient(clientset, testKubernetesConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := rt.Start(ctx, StartOptions{JobID: "deploy_ok"})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	lines, out := collect(t, h, 5*time.Second)
	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}

	var texts []string
	for _, l := range lines {
		if l.Source != SourcePod {
			t.Errorf("expected pod source, got %s", l.Source)
		}
		texts = append(texts, l.Text)
	}
	// The fake clientset serves "fake logs" for every pod.
	if !strings.Contains(strings.Join(texts, "\n"), "fake logs") {
		t.Errorf("expected pod output to be forwarded, got %v", texts)
	}
}

func TestKubernetesRuntime_RunFailedPhase(t *testing.T) {
	pod := podFor("deploy_bad", corev1.PodFailed)
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
		Name: containerName,
		State: corev1.ContainerState{
			Terminated: &corev1.ContainerStateTerminated{ExitCode: 2, Reason: "Error"},
		},
	}}
	clientset := fake.NewClientset(pod)
	rt := NewKubernetesRuntimeWithClient(clientset, testKubernetesConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := rt.Start(ctx, StartOptions{JobID: "deploy_bad"})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	_, out := collect(t, h, 5*time.Second)
	if out.Success {
		t.Fatal("expected failure")
	}
	if out.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", out.ExitCode)
	}
	if out.Err == nil || !strings.Contains(out.Err.Error(), "exit code 2") {
		t.Errorf("unexpected error: %v", out.Err)
	}
}

func TestKubernetesRuntime_PodDiscoveryExhausted(t *testing.T) {
	clientset := fake.NewClientset()
	rt := NewKubernetesRuntimeWithClient(clientset, testKubernetesConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := rt.Start(ctx, StartOptions{JobID: "deploy_lost"})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	_, out := collect(t, h, 5*time.Second)
	if out.Success {
		t.Fatal("expected failure when the pod never appears")
	}
	if !errors.Is(out.Err, ErrPodNotFound) {
		t.Errorf("expected ErrPodNotFound, got %v", out.Err)
	}
}

func TestKubernetesRuntime_PhaseNeverTerminal(t *testing.T) {
	clientset := fake.NewClientset(podFor("deploy_stuck", corev1.PodRunning))
	rt := NewKubernetesRuntimeWithClient(clientset, testKubernetesConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := rt.Start(ctx, StartOptions{JobID: "deploy_stuck"})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	_, out := collect(t, h, 5*time.Second)
	if out.Success {
		t.Fatal("expected failure when the pod stays running")
	}
	if !errors.Is(out.Err, ErrPhaseUnresolved) {
		t.Errorf("expected ErrPhaseUnresolved, got %v", out.Err)
	}
}

func TestKubernetesHandle_WaitForPod_FindsPod(t *testing.T) {
	clientset := fake.NewClientset(podFor("deploy_x", corev1.PodRunning))
	cfg := testKubernetesConfig()
	cfg.setDefaults()

	handle := &KubernetesHandle{
		handle:    newHandle(),
		clientset: clientset,
		config:    cfg,
		namespace: "test-ns",
		jobName:   ClusterName("deploy_x"),
		logger:    testLogger(),
	}

	podName, err := handle.waitForPod(context.Background())
	if err != nil {
		t.Fatalf("waitForPod failed: %v", err)
	}
	if podName != "deploy-x-abcde" {
		t.Errorf("expected pod name 'deploy-x-abcde', got '%s'", podName)
	}
}

func TestKubernetesHandle_Stop_DeletesJob(t *testing.T) {
	existingJob := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "test-job",
			Namespace: "test-ns",
		},
	}
	clientset := fake.NewClientset(existingJob)

	handle := &KubernetesHandle{
		clientset: clientset,
		namespace: "test-ns",
		jobName:   "test-job",
		logger:    testLogger(),
	}

	ctx := context.Background()
	if err := handle.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	if len(jobs.Items) != 0 {
		t.Errorf("expected 0 jobs after delete, got %d", len(jobs.Items))
	}

	// Deleting an already removed Job is not an error.
	if err := handle.Stop(ctx); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}
