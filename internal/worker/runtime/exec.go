package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ExecConfig holds configuration for the local process runtime.
type ExecConfig struct {
	// Command is the payload executable and its leading arguments.
	// The serialized request is appended as the last argument.
	Command []string
	// WorkDir is the parent of the per-job working directories.
	WorkDir string
	// Env is added on top of the inherited environment.
	Env map[string]string
}

// ExecRuntime implements the Runtime interface using raw OS processes.
type ExecRuntime struct {
	Command []string
	WorkDir string
	Env     map[string]string
	logger  *slog.Logger
}

// ExecHandle represents a running payload process.
type ExecHandle struct {
	handle
	cmd     *exec.Cmd
	workDir string
	stopped atomic.Bool
	logger  *slog.Logger
}

// NewExecRuntime creates a new process-based runtime.
func NewExecRuntime(cfg ExecConfig, logger *slog.Logger) *ExecRuntime {
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "devopsagent", "runner")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRuntime{
		Command: cfg.Command,
		WorkDir: cfg.WorkDir,
		Env:     cfg.Env,
		logger:  logger,
	}
}

// Name implements Runtime.Name.
func (e *ExecRuntime) Name() string { return "local" }

// Start implements Runtime.Start using os/exec.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(e.Command) == 0 {
		return nil, errors.New("command is required")
	}

	payload, err := json.Marshal(opts.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}

	workDir := filepath.Join(e.WorkDir, opts.JobID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	args := make([]string, 0, len(e.Command))
	args = append(args, e.Command[1:]...)
	args = append(args, string(payload))

	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "JOB_ID="+opts.JobID)
	for k, v := range e.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	// Wait stops copying output this long after the payload exits, even if
	// something it left behind still holds the pipes.
	cmd.WaitDelay = 5 * time.Second

	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	e.logger.Info("started payload process", "job_id", opts.JobID, "pid", cmd.Process.Pid, "workdir", workDir)

	h := &ExecHandle{
		handle:  newHandle(),
		cmd:     cmd,
		workDir: workDir,
		logger:  e.logger,
	}
	go h.run(ctx, stdout, stderr, stdoutW, stderrW)
	return h, nil
}

func (h *ExecHandle) run(ctx context.Context, stdout, stderr io.Reader, stdoutW, stderrW *io.PipeWriter) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.scan(ctx, stdout, SourceStdout)
	}()
	go func() {
		defer wg.Done()
		h.scan(ctx, stderr, SourceStderr)
	}()

	// Wait returns once the payload exited and its output was copied, or
	// WaitDelay expired. Leftover children are killed with it.
	err := h.cmd.Wait()
	if killErr := killProcessGroup(h.cmd); killErr != nil {
		h.logger.Warn("failed to kill leftover payload processes", "pid", h.cmd.Process.Pid, "error", killErr)
	}
	stdoutW.Close()
	stderrW.Close()
	wg.Wait()

	if rmErr := os.RemoveAll(h.workDir); rmErr != nil {
		h.logger.Warn("failed to remove work directory", "workdir", h.workDir, "error", rmErr)
	}

	h.finish(h.outcome(ctx, err))
}

func (h *ExecHandle) scan(ctx context.Context, r io.Reader, source string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !h.emit(ctx, source, line) {
			break
		}
	}
	// Keep the pipe drained so the child never blocks on a full buffer.
	io.Copy(io.Discard, r)
}

func (h *ExecHandle) outcome(ctx context.Context, err error) Outcome {
	if h.stopped.Load() {
		return Outcome{ExitCode: -1, Err: ErrTimeout}
	}
	if err == nil {
		return Outcome{Success: true}
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		// The payload itself exited 0; only its leftover children were cut off.
		h.logger.Warn("payload exited with output still open", "pid", h.cmd.Process.Pid)
		return Outcome{Success: true}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		code := exitErr.ExitCode()
		return Outcome{ExitCode: code, Err: fmt.Errorf("process exited with code %d", code)}
	}
	if ctx.Err() != nil {
		return Outcome{ExitCode: -1, Err: ctx.Err()}
	}
	return Outcome{ExitCode: -1, Err: fmt.Errorf("process wait failed: %w", err)}
}

// Stop kills the payload and its children. The outcome then reports ErrTimeout.
func (h *ExecHandle) Stop(ctx context.Context) error {
	h.stopped.Store(true)
	if err := killProcessGroup(h.cmd); err != nil {
		return fmt.Errorf("failed to kill process group %d: %w", h.cmd.Process.Pid, err)
	}
	h.logger.Info("killed payload process", "pid", h.cmd.Process.Pid)
	return nil
}
