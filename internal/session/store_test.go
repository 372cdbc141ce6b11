// internal/session/store_test.go
package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jmroz/taskpilot/internal/config"
	"github.com/jmroz/taskpilot/internal/plan"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "archive", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenCreatesParentDirectories(t *testing.T) {
	openStore(t)
}

func TestSaveAndListSessions(t *testing.T) {
	store := openStore(t)

	s := New("audit disk usage", "admin@web01", config.AgentConfig{
		Mode: config.ModeConfirmEach, StepLimit: 50,
	})
	s.NextStep()
	s.RecordCommand(CommandRecord{Command: "df -h", ExitCode: 0, Stdout: "ok", Duration: 120 * time.Millisecond})
	require.NoError(t, store.SaveSession(s))

	// Saving again after more activity updates in place.
	s.NextStep()
	s.EnableAutonomous()
	s.RecordSearch(SearchRecord{Query: "xfs shrink", Sources: 3, Confidence: 0.64})
	s.Finish(StateFinished)
	require.NoError(t, store.SaveSession(s))

	sessions, err := store.ListSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	got := sessions[0]
	assert.Equal(t, s.ID(), got.ID)
	assert.Equal(t, "audit disk usage", got.Goal)
	assert.Equal(t, "admin@web01", got.Target)
	assert.Equal(t, config.ModeAutonomous, got.Mode)
	assert.Equal(t, StateFinished, got.State)
	assert.Equal(t, 2, got.StepCount)
}

func TestSavePlanRoundTrip(t *testing.T) {
	store := openStore(t)

	steps := []plan.Step{
		{ID: 1, Description: "check service", Command: "systemctl status nginx", Status: plan.StatusCompleted, Result: "active"},
		{ID: 2, Description: "reload config", Command: "nginx -s reload", Status: plan.StatusPending},
	}
	require.NoError(t, store.SavePlan("sess-1", "restart nginx", steps))

	loaded, err := store.LoadPlan("sess-1")
	require.NoError(t, err)
	if diff := cmp.Diff(steps, loaded); diff != "" {
		t.Errorf("loaded plan differs (-want +got):\n%s", diff)
	}

	// Replacing the plan drops steps no longer present.
	require.NoError(t, store.SavePlan("sess-1", "restart nginx", steps[:1]))

	loaded, err = store.LoadPlan("sess-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, 1, loaded[0].ID)
	assert.Equal(t, plan.StatusCompleted, loaded[0].Status)
	assert.Equal(t, "active", loaded[0].Result)
}

func TestLoadPlanUnknownSession(t *testing.T) {
	store := openStore(t)
	steps, err := store.LoadPlan("no-such-session")
	require.NoError(t, err)
	assert.Empty(t, steps)
}
