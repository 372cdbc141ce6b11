// internal/backend/backend.go
package backend

import (
	"context"
	"errors"
	"time"
)

// Result is the standardized outcome of one command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// ErrConnectionLost marks a backend whose underlying transport is gone
// (an SSH session dropping mid-run). The orchestrator treats it as fatal
// to the current goal; it is never retried per command.
var ErrConnectionLost = errors.New("execution backend connection lost")

// Runner executes one shell command against its target. Implementations
// own the per-command timeout; on expiry they return a Result with
// TimedOut set rather than leaving the effect pending.
type Runner interface {
	// Run executes command and returns its outcome. A non-zero exit code
	// is not an error: err is reserved for the backend itself failing.
	Run(ctx context.Context, command string) (Result, error)

	// Target describes where commands run, for confirmation prompts.
	Target() string

	// Close releases the backend's resources (no-op for local execution).
	Close() error
}
