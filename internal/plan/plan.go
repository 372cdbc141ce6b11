// internal/plan/plan.go
package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of a single plan step.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether a step in this status is resolved. Failed and
// skipped count as resolved so a single unrecoverable step does not
// deadlock the session; the orchestrator decides how to report partial
// success.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Step is one entry of an action plan. Step IDs are stable integers 1..N
// assigned at plan creation.
type Step struct {
	ID          int        `json:"id"`
	Description string     `json:"description"`
	Command     string     `json:"command,omitempty"`
	Status      Status     `json:"status"`
	Result      string     `json:"result,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Draft is the shape the model is asked to produce when drafting a plan.
type Draft struct {
	Steps []DraftStep `json:"steps"`
}

// DraftStep is a single model-proposed step before it is accepted.
type DraftStep struct {
	Description string `json:"description"`
	Command     string `json:"command,omitempty"`
}

// Progress summarizes how far a plan has advanced.
type Progress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	InProgress int `json:"in_progress"`
	Pending    int `json:"pending"`
	Percentage int `json:"percentage"`
}

// Store persists a plan snapshot. Implementations must be safe to call
// after every status change.
type Store interface {
	SavePlan(sessionID string, goal string, steps []Step) error
}

// Manager owns the ordered list of plan steps and their statuses. The
// ordering is immutable once a plan is accepted; Revise replaces the
// sequence as a whole.
type Manager struct {
	logger    *zap.Logger
	store     Store
	sessionID string

	goal      string
	steps     []Step
	createdAt time.Time
	updatedAt time.Time
}

// NewManager creates an empty plan manager. store may be nil, in which
// case snapshots are not persisted.
func NewManager(logger *zap.Logger, store Store, sessionID string) *Manager {
	return &Manager{
		logger:    logger.Named("plan"),
		store:     store,
		sessionID: sessionID,
	}
}

// now is swapped in tests to produce deterministic timestamps.
var now = time.Now

// Create parses a model-produced draft into the plan. It fails with a
// ParseError when the draft is empty or contains blank descriptions; the
// caller feeds that defect back to the model for regeneration.
func (m *Manager) Create(goal string, draft Draft) error {
	steps, err := stepsFromDraft(draft)
	if err != nil {
		return err
	}

	m.goal = goal
	m.steps = steps
	m.createdAt = now()
	m.updatedAt = m.createdAt

	m.logger.Info("Plan created",
		zap.String("goal", goal),
		zap.Int("steps", len(m.steps)))
	return m.persist()
}

// Revise replaces the step sequence with a new model draft. Prior step
// statuses are discarded since step identities may have changed.
func (m *Manager) Revise(draft Draft) error {
	steps, err := stepsFromDraft(draft)
	if err != nil {
		return err
	}
	m.steps = steps
	m.updatedAt = now()

	m.logger.Info("Plan revised", zap.Int("steps", len(m.steps)))
	return m.persist()
}

func stepsFromDraft(draft Draft) ([]Step, error) {
	if len(draft.Steps) == 0 {
		return nil, &ParseError{Reason: "plan draft contains no steps"}
	}
	steps := make([]Step, 0, len(draft.Steps))
	for i, ds := range draft.Steps {
		if strings.TrimSpace(ds.Description) == "" {
			return nil, &ParseError{Reason: fmt.Sprintf("step %d has an empty description", i+1)}
		}
		steps = append(steps, Step{
			ID:          i + 1,
			Description: strings.TrimSpace(ds.Description),
			Command:     strings.TrimSpace(ds.Command),
			Status:      StatusPending,
		})
	}
	return steps, nil
}

// UpdateStep applies a status transition to the identified step. Repeating
// the current status is an idempotent no-op. Transitions out of a terminal
// status, or any transition to an unknown status, are rejected.
func (m *Manager) UpdateStep(id int, newStatus Status, result string) error {
	if !newStatus.Valid() {
		return &InvalidTransitionError{StepID: id, To: newStatus, Reason: "unknown status"}
	}
	idx := id - 1
	if idx < 0 || idx >= len(m.steps) {
		return &UnknownStepError{StepID: id, Total: len(m.steps)}
	}

	step := &m.steps[idx]
	if step.Status == newStatus {
		return nil // idempotent repeat
	}
	if step.Status.Terminal() {
		return &InvalidTransitionError{
			StepID: id,
			From:   step.Status,
			To:     newStatus,
			Reason: "step already resolved",
		}
	}
	if step.Status == StatusPending && newStatus.Terminal() {
		// The original runner allowed pending -> terminal directly (the model
		// often resolves a step in one turn), so mark it in progress first.
		t := now()
		step.StartedAt = &t
	}

	switch newStatus {
	case StatusInProgress:
		t := now()
		step.StartedAt = &t
	case StatusCompleted, StatusFailed, StatusSkipped:
		t := now()
		step.EndedAt = &t
	}

	step.Status = newStatus
	if result != "" {
		step.Result = result
	}
	m.updatedAt = now()

	m.logger.Debug("Plan step updated",
		zap.Int("step", id),
		zap.String("status", string(newStatus)))
	return m.persist()
}

// IsComplete reports whether every step has reached a terminal status.
func (m *Manager) IsComplete() bool {
	if len(m.steps) == 0 {
		return false
	}
	for _, s := range m.steps {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// Unresolved returns the IDs of steps that are still pending or in
// progress, for finish-guard feedback to the model.
func (m *Manager) Unresolved() []int {
	var ids []int
	for _, s := range m.steps {
		if !s.Status.Terminal() {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// NextPending returns the first pending step, or nil when none remain.
func (m *Manager) NextPending() *Step {
	for i := range m.steps {
		if m.steps[i].Status == StatusPending {
			s := m.steps[i]
			return &s
		}
	}
	return nil
}

// Current returns the step currently in progress, or nil.
func (m *Manager) Current() *Step {
	for i := range m.steps {
		if m.steps[i].Status == StatusInProgress {
			s := m.steps[i]
			return &s
		}
	}
	return nil
}

// Steps returns a copy of the step list.
func (m *Manager) Steps() []Step {
	out := make([]Step, len(m.steps))
	copy(out, m.steps)
	return out
}

// Goal returns the goal text this plan was created for.
func (m *Manager) Goal() string { return m.goal }

// Progress returns per-status counts and a completion percentage.
func (m *Manager) Progress() Progress {
	p := Progress{Total: len(m.steps)}
	for _, s := range m.steps {
		switch s.Status {
		case StatusCompleted:
			p.Completed++
		case StatusFailed:
			p.Failed++
		case StatusSkipped:
			p.Skipped++
		case StatusInProgress:
			p.InProgress++
		default:
			p.Pending++
		}
	}
	if p.Total > 0 {
		p.Percentage = p.Completed * 100 / p.Total
	}
	return p
}

// RenderText produces a compact textual snapshot of the plan, suitable
// for pinning into the model context.
func (m *Manager) RenderText() string {
	if len(m.steps) == 0 {
		return "No plan has been created yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Current action plan for goal: %s\n", m.goal)
	for _, s := range m.steps {
		fmt.Fprintf(&b, "%d. [%s] %s", s.ID, strings.ToUpper(string(s.Status)), s.Description)
		if s.Command != "" {
			fmt.Fprintf(&b, " (command: %s)", s.Command)
		}
		if s.Result != "" {
			fmt.Fprintf(&b, " -- result: %s", truncate(s.Result, 200))
		}
		b.WriteByte('\n')
	}
	p := m.Progress()
	fmt.Fprintf(&b, "Progress: %d/%d completed (%d%%)", p.Completed, p.Total, p.Percentage)
	return b.String()
}

// MarshalJSON serializes the whole plan as a durable structured record.
func (m *Manager) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Goal      string    `json:"goal"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
		Steps     []Step    `json:"steps"`
	}{m.goal, m.createdAt, m.updatedAt, m.steps})
}

func (m *Manager) persist() error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SavePlan(m.sessionID, m.goal, m.Steps()); err != nil {
		// Persistence failures must not break the loop; the plan stays
		// authoritative in memory.
		m.logger.Warn("Failed to persist plan snapshot", zap.Error(err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
