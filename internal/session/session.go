// internal/session/session.go
//
// A Session is the durable record of one agent run: the goal, the
// operating mode, the step budget and everything the agent did along
// the way. The orchestrator mutates it, the archive store persists it
// and the deep analysis pass reads it back.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmroz/taskpilot/internal/config"
)

// State of a session's lifecycle.
type State string

const (
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateAborted  State = "aborted"
	StateFailed   State = "failed"
)

// CommandRecord captures one executed shell command and its outcome.
type CommandRecord struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// FileOpRecord captures one filesystem operation.
type FileOpRecord struct {
	Operation string    `json:"operation"`
	Path      string    `json:"path"`
	Detail    string    `json:"detail,omitempty"`
	Err       string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// SearchRecord captures one web search run.
type SearchRecord struct {
	Query      string    `json:"query"`
	Sources    int       `json:"sources"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// Session aggregates the full history of one run. Safe for concurrent
// use; the orchestrator and its confirmation prompter touch it from
// different goroutines.
type Session struct {
	mu sync.Mutex

	id        string
	goal      string
	target    string
	mode      string
	state     State
	stepCount int
	stepLimit int
	startedAt time.Time
	endedAt   time.Time

	commands []CommandRecord
	fileOps  []FileOpRecord
	searches []SearchRecord
}

var now = time.Now

// New starts a session for a goal against a target ("local" or an SSH
// destination).
func New(goal, target string, cfg config.AgentConfig) *Session {
	return &Session{
		id:        uuid.NewString(),
		goal:      goal,
		target:    target,
		mode:      cfg.Mode,
		state:     StateRunning,
		stepLimit: cfg.StepLimit,
		startedAt: now(),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Goal() string   { return s.goal }
func (s *Session) Target() string { return s.target }

// Mode reports the current operating mode.
func (s *Session) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Autonomous reports whether confirmations are waived for non-dangerous
// actions.
func (s *Session) Autonomous() bool {
	return s.Mode() == config.ModeAutonomous
}

// EnableAutonomous flips the session into autonomous mode. The switch
// is one-way: once autonomous, a session never returns to per-step
// confirmation. Returns true if the mode actually changed.
func (s *Session) EnableAutonomous() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == config.ModeAutonomous {
		return false
	}
	s.mode = config.ModeAutonomous
	return true
}

// NextStep counts a new agent turn against the step budget. It returns
// false once the budget is exhausted.
func (s *Session) NextStep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stepLimit > 0 && s.stepCount >= s.stepLimit {
		return false
	}
	s.stepCount++
	return true
}

// StepCount returns the number of turns consumed so far.
func (s *Session) StepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepCount
}

func (s *Session) StepLimit() int { return s.stepLimit }

// Finish marks the session terminal. Later calls keep the first
// terminal state.
func (s *Session) Finish(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.state = state
	s.endedAt = now()
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartedAt returns when the session began.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Duration reports elapsed time, using the end timestamp once terminal.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.startedAt)
	}
	return now().Sub(s.startedAt)
}

// RecordCommand appends a shell command outcome to the history.
func (s *Session) RecordCommand(rec CommandRecord) {
	rec.At = now()
	s.mu.Lock()
	s.commands = append(s.commands, rec)
	s.mu.Unlock()
}

// RecordFileOp appends a filesystem operation to the history.
func (s *Session) RecordFileOp(rec FileOpRecord) {
	rec.At = now()
	s.mu.Lock()
	s.fileOps = append(s.fileOps, rec)
	s.mu.Unlock()
}

// RecordSearch appends a web search run to the history.
func (s *Session) RecordSearch(rec SearchRecord) {
	rec.At = now()
	s.mu.Lock()
	s.searches = append(s.searches, rec)
	s.mu.Unlock()
}

// Commands returns a copy of the command history.
func (s *Session) Commands() []CommandRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CommandRecord, len(s.commands))
	copy(out, s.commands)
	return out
}

// FileOps returns a copy of the file operation history.
func (s *Session) FileOps() []FileOpRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FileOpRecord, len(s.fileOps))
	copy(out, s.fileOps)
	return out
}

// Searches returns a copy of the search history.
func (s *Session) Searches() []SearchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SearchRecord, len(s.searches))
	copy(out, s.searches)
	return out
}
