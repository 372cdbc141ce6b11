// internal/backend/local.go
package backend

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// LocalRunner executes commands on the local host through the shell, the
// way the model composed them (pipes and chaining included).
type LocalRunner struct {
	logger  *zap.Logger
	shell   string
	timeout time.Duration
}

// NewLocalRunner creates a runner with the given per-command timeout.
func NewLocalRunner(logger *zap.Logger, timeout time.Duration) *LocalRunner {
	return &LocalRunner{
		logger:  logger.Named("backend.local"),
		shell:   "/bin/sh",
		timeout: timeout,
	}
}

// Run executes the command locally. A context cancellation from the
// caller (user interrupt) kills the process before Run returns.
func (r *LocalRunner) Run(ctx context.Context, command string) (Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.shell, "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		r.logger.Warn("Command timed out",
			zap.String("command", command),
			zap.Duration("timeout", r.timeout))
		return res, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		// The command never started (shell missing, fork failure).
		return res, err
	}

	res.ExitCode = 0
	r.logger.Debug("Command finished",
		zap.String("command", command),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// Target identifies the local host.
func (r *LocalRunner) Target() string { return "local" }

// Close is a no-op for local execution.
func (r *LocalRunner) Close() error { return nil }
