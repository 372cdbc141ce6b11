// internal/session/session_test.go
package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmroz/taskpilot/internal/config"
)

func newSession(t *testing.T, mode string, stepLimit int) *Session {
	t.Helper()
	return New("install nginx", "local", config.AgentConfig{Mode: mode, StepLimit: stepLimit})
}

func TestNewSessionDefaults(t *testing.T) {
	s := newSession(t, config.ModeConfirmEach, 100)

	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "install nginx", s.Goal())
	assert.Equal(t, "local", s.Target())
	assert.Equal(t, StateRunning, s.State())
	assert.False(t, s.Autonomous())
	assert.Zero(t, s.StepCount())
}

func TestAutonomousRatchetIsOneWay(t *testing.T) {
	s := newSession(t, config.ModeConfirmEach, 100)

	assert.True(t, s.EnableAutonomous())
	assert.True(t, s.Autonomous())

	// A second enable is a no-op, and nothing ever switches it back.
	assert.False(t, s.EnableAutonomous())
	assert.True(t, s.Autonomous())
}

func TestStepBudget(t *testing.T) {
	s := newSession(t, config.ModeAutonomous, 3)

	assert.True(t, s.NextStep())
	assert.True(t, s.NextStep())
	assert.True(t, s.NextStep())
	assert.False(t, s.NextStep())
	assert.Equal(t, 3, s.StepCount())
}

func TestZeroStepLimitMeansUnlimited(t *testing.T) {
	s := newSession(t, config.ModeAutonomous, 0)
	for i := 0; i < 500; i++ {
		require.True(t, s.NextStep())
	}
}

func TestFinishKeepsFirstTerminalState(t *testing.T) {
	s := newSession(t, config.ModeConfirmEach, 100)

	s.Finish(StateFailed)
	assert.Equal(t, StateFailed, s.State())

	s.Finish(StateFinished)
	assert.Equal(t, StateFailed, s.State())
}

func TestRecordsAreTimestampedCopies(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now
	now = func() time.Time { return fixed }
	defer func() { now = old }()

	s := newSession(t, config.ModeConfirmEach, 100)
	s.RecordCommand(CommandRecord{Command: "uname -a", ExitCode: 0})
	s.RecordFileOp(FileOpRecord{Operation: "write", Path: "/tmp/x"})
	s.RecordSearch(SearchRecord{Query: "nginx config", Sources: 4, Confidence: 0.82})

	cmds := s.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, fixed, cmds[0].At)

	// Mutating the returned slice must not touch session state.
	cmds[0].Command = "mutated"
	assert.Equal(t, "uname -a", s.Commands()[0].Command)

	assert.Len(t, s.FileOps(), 1)
	assert.Len(t, s.Searches(), 1)
}

func TestDurationUsesEndTimestampOnceTerminal(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := start
	old := now
	now = func() time.Time { return current }
	defer func() { now = old }()

	s := newSession(t, config.ModeConfirmEach, 100)
	current = start.Add(5 * time.Second)
	s.Finish(StateFinished)

	current = start.Add(1 * time.Hour)
	assert.Equal(t, 5*time.Second, s.Duration())
}
