// internal/orchestrator/dispatcher_test.go
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jmroz/taskpilot/internal/backend"
	"github.com/jmroz/taskpilot/internal/config"
	"github.com/jmroz/taskpilot/internal/fileops"
	"github.com/jmroz/taskpilot/internal/plan"
	"github.com/jmroz/taskpilot/internal/protocol"
	"github.com/jmroz/taskpilot/internal/security"
	"github.com/jmroz/taskpilot/internal/session"
	"github.com/jmroz/taskpilot/internal/ux"
	"github.com/jmroz/taskpilot/internal/websearch"
)

type dispatchFixture struct {
	dispatcher *Dispatcher
	sess       *session.Session
	planner    *plan.Manager
	io         *scriptedIO
	runner     *fakeRunner
	searcher   *fakeSearcher
}

func newDispatchFixture(t *testing.T, mode string, secCfg config.SecurityConfig) *dispatchFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	sess := session.New("test goal", "test-host", config.AgentConfig{Mode: mode, StepLimit: 50})
	planner := plan.NewManager(logger, nil, sess.ID())
	io := &scriptedIO{}
	runner := &fakeRunner{}
	searcher := &fakeSearcher{}

	return &dispatchFixture{
		dispatcher: NewDispatcher(logger, security.NewGate(secCfg), runner,
			fileops.New(logger), searcher, planner, sess, io),
		sess:     sess,
		planner:  planner,
		io:       io,
		runner:   runner,
		searcher: searcher,
	}
}

func (f *dispatchFixture) seedPlan(t *testing.T, descriptions ...string) {
	t.Helper()
	steps := make([]plan.DraftStep, len(descriptions))
	for i, d := range descriptions {
		steps[i] = plan.DraftStep{Description: d}
	}
	require.NoError(t, f.planner.Create("test goal", plan.Draft{Steps: steps}))
}

func execInvocation(command string) protocol.Invocation {
	return protocol.Invocation{
		Tool:    protocol.ToolExecuteCommand,
		Execute: &protocol.ExecuteArgs{Command: command},
	}
}

func TestFinishGuard(t *testing.T) {
	finish := protocol.Invocation{
		Tool:   protocol.ToolFinish,
		Finish: &protocol.FinishArgs{Summary: "done"},
	}

	t.Run("rejects while any step is pending", func(t *testing.T) {
		f := newDispatchFixture(t, config.ModeAutonomous, config.SecurityConfig{})
		f.seedPlan(t, "a", "b")
		require.NoError(t, f.planner.UpdateStep(1, plan.StatusCompleted, ""))

		result := f.dispatcher.Dispatch(context.Background(), finish)
		assert.False(t, result.Success)
		assert.False(t, result.Finished)
		assert.Contains(t, result.Output, ErrIncompletePlan.Error())
		assert.Contains(t, result.Output, "[2]")
	})

	t.Run("failed and skipped count as resolved", func(t *testing.T) {
		f := newDispatchFixture(t, config.ModeAutonomous, config.SecurityConfig{})
		f.seedPlan(t, "a", "b", "c")
		require.NoError(t, f.planner.UpdateStep(1, plan.StatusCompleted, ""))
		require.NoError(t, f.planner.UpdateStep(2, plan.StatusFailed, "broke"))
		require.NoError(t, f.planner.UpdateStep(3, plan.StatusSkipped, "moot"))

		result := f.dispatcher.Dispatch(context.Background(), finish)
		assert.True(t, result.Success)
		assert.True(t, result.Finished)
		assert.Contains(t, result.Output, "done")
	})

	t.Run("rejects while a step is in progress", func(t *testing.T) {
		f := newDispatchFixture(t, config.ModeAutonomous, config.SecurityConfig{})
		f.seedPlan(t, "a")
		require.NoError(t, f.planner.UpdateStep(1, plan.StatusInProgress, ""))

		result := f.dispatcher.Dispatch(context.Background(), finish)
		assert.False(t, result.Finished)
	})
}

func TestKillSwitchBlocksAllCommands(t *testing.T) {
	f := newDispatchFixture(t, config.ModeAutonomous, config.SecurityConfig{KillSwitch: true})
	f.seedPlan(t, "step")

	result := f.dispatcher.Dispatch(context.Background(), execInvocation("echo hi"))

	assert.False(t, result.Success)
	assert.Contains(t, result.Output, "blocked")
	// Blocked means never executed and never confirmed.
	assert.Empty(t, f.runner.commands)
	assert.Empty(t, f.io.confirmedActions)
}

func TestExecuteConfirmEachMode(t *testing.T) {
	f := newDispatchFixture(t, config.ModeConfirmEach, config.SecurityConfig{})
	f.seedPlan(t, "step")

	result := f.dispatcher.Dispatch(context.Background(), execInvocation("uname -a"))

	assert.True(t, result.Success)
	require.Len(t, f.io.confirmedActions, 1)
	assert.Equal(t, []string{"uname -a"}, f.runner.commands)
	assert.Equal(t, 1, len(f.sess.Commands()))
}

func TestExecuteRefusalNeverRuns(t *testing.T) {
	f := newDispatchFixture(t, config.ModeConfirmEach, config.SecurityConfig{})
	f.seedPlan(t, "step")
	f.io.confirmDecisions = []ux.Decision{{Approved: false, Justification: "wrong host"}}

	result := f.dispatcher.Dispatch(context.Background(), execInvocation("hostname"))

	assert.False(t, result.Success)
	assert.Contains(t, result.Output, "wrong host")
	assert.Empty(t, f.runner.commands)
	assert.Empty(t, f.sess.Commands())
}

func TestConfirmCanSwitchToAutonomous(t *testing.T) {
	f := newDispatchFixture(t, config.ModeConfirmEach, config.SecurityConfig{})
	f.seedPlan(t, "step")
	f.io.confirmDecisions = []ux.Decision{{Approved: true, GoAutonomous: true}}

	f.dispatcher.Dispatch(context.Background(), execInvocation("echo a"))
	require.True(t, f.sess.Autonomous())

	// Second safe command needs no prompt anymore.
	f.dispatcher.Dispatch(context.Background(), execInvocation("echo b"))
	assert.Len(t, f.io.confirmedActions, 1)
	assert.Len(t, f.runner.commands, 2)
}

func TestDangerousCommandConfirmsInAutonomous(t *testing.T) {
	f := newDispatchFixture(t, config.ModeAutonomous, config.SecurityConfig{})
	f.seedPlan(t, "step")

	f.dispatcher.Dispatch(context.Background(), execInvocation("mkfs.ext4 /dev/sdb1"))

	require.Len(t, f.io.confirmedActions, 1)
	assert.Contains(t, f.io.confirmedActions[0], "mkfs.ext4")
}

func TestNonZeroExitIsFeedbackNotError(t *testing.T) {
	f := newDispatchFixture(t, config.ModeAutonomous, config.SecurityConfig{})
	f.seedPlan(t, "step")
	f.runner.results = []backend.Result{{ExitCode: 2, Stderr: "grep: no match"}}

	result := f.dispatcher.Dispatch(context.Background(), execInvocation("grep needle haystack"))

	assert.False(t, result.Success)
	assert.False(t, result.Fatal)
	assert.Contains(t, result.Output, "grep: no match")
}

func TestTimedOutCommandFails(t *testing.T) {
	f := newDispatchFixture(t, config.ModeAutonomous, config.SecurityConfig{})
	f.seedPlan(t, "step")
	f.runner.results = []backend.Result{{ExitCode: 0, TimedOut: true}}

	result := f.dispatcher.Dispatch(context.Background(), execInvocation("sleep 9999"))
	assert.False(t, result.Success)
}

func TestConnectionLossIsFatal(t *testing.T) {
	f := newDispatchFixture(t, config.ModeAutonomous, config.SecurityConfig{})
	f.seedPlan(t, "step")
	f.runner.err = fmt.Errorf("channel closed: %w", backend.ErrConnectionLost)

	result := f.dispatcher.Dispatch(context.Background(), execInvocation("uptime"))

	assert.True(t, result.Fatal)
	assert.False(t, result.Success)
}

func TestFileOperationPathGate(t *testing.T) {
	dir := t.TempDir()
	f := newDispatchFixture(t, config.ModeAutonomous,
		config.SecurityConfig{AllowedPaths: []string{dir}})

	inside := f.dispatcher.Dispatch(context.Background(), protocol.Invocation{
		Tool:  protocol.ToolWriteFile,
		Write: &protocol.WriteArgs{Path: filepath.Join(dir, "ok.txt"), Content: "fine"},
	})
	assert.True(t, inside.Success)

	outside := f.dispatcher.Dispatch(context.Background(), protocol.Invocation{
		Tool:  protocol.ToolWriteFile,
		Write: &protocol.WriteArgs{Path: "/etc/shadow", Content: "nope"},
	})
	assert.False(t, outside.Success)
	assert.Contains(t, outside.Output, "not allowed")

	// Copy checks both endpoints.
	crossing := f.dispatcher.Dispatch(context.Background(), protocol.Invocation{
		Tool: protocol.ToolCopyFile,
		Copy: &protocol.CopyArgs{Source: filepath.Join(dir, "ok.txt"), Destination: "/root/out.txt"},
	})
	assert.False(t, crossing.Success)
}

func TestListDirectoryNeedsNoConfirmation(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))

	f := newDispatchFixture(t, config.ModeConfirmEach, config.SecurityConfig{})
	result := f.dispatcher.Dispatch(context.Background(), protocol.Invocation{
		Tool: protocol.ToolListDirectory,
		List: &protocol.ListArgs{Path: dir},
	})

	assert.True(t, result.Success)
	assert.Contains(t, result.Output, "a.txt")
	assert.Empty(t, f.io.confirmedActions)
}

func TestUpdatePlanStepNeedsNoConfirmation(t *testing.T) {
	f := newDispatchFixture(t, config.ModeConfirmEach, config.SecurityConfig{})
	f.seedPlan(t, "only step")

	result := f.dispatcher.Dispatch(context.Background(), protocol.Invocation{
		Tool:     protocol.ToolUpdatePlanStep,
		PlanStep: &protocol.PlanStepArgs{Step: 1, Status: "completed", Result: "ok"},
	})

	assert.True(t, result.Success)
	assert.Contains(t, result.Output, "1/1 steps resolved")
	assert.Empty(t, f.io.confirmedActions)
}

func TestUpdatePlanStepUnknownIDFails(t *testing.T) {
	f := newDispatchFixture(t, config.ModeAutonomous, config.SecurityConfig{})
	f.seedPlan(t, "only step")

	result := f.dispatcher.Dispatch(context.Background(), protocol.Invocation{
		Tool:     protocol.ToolUpdatePlanStep,
		PlanStep: &protocol.PlanStepArgs{Step: 7, Status: "completed"},
	})
	assert.False(t, result.Success)
}

func TestAskUserModes(t *testing.T) {
	t.Run("confirm-each relays the answer", func(t *testing.T) {
		f := newDispatchFixture(t, config.ModeConfirmEach, config.SecurityConfig{})
		f.io.askAnswers = []string{"use port 8080"}

		result := f.dispatcher.Dispatch(context.Background(), protocol.Invocation{
			Tool: protocol.ToolAskUser,
			Ask:  &protocol.AskArgs{Question: "which port?"},
		})

		assert.True(t, result.Success)
		assert.Contains(t, result.Output, "use port 8080")
		assert.Equal(t, []string{"which port?"}, f.io.askedQuestions)
	})

	t.Run("autonomous auto-fails without prompting", func(t *testing.T) {
		f := newDispatchFixture(t, config.ModeAutonomous, config.SecurityConfig{})

		result := f.dispatcher.Dispatch(context.Background(), protocol.Invocation{
			Tool: protocol.ToolAskUser,
			Ask:  &protocol.AskArgs{Question: "which port?"},
		})

		assert.False(t, result.Success)
		assert.Contains(t, result.Output, "unavailable in autonomous mode")
		assert.Empty(t, f.io.askedQuestions)
	})
}

func TestWebSearchDispatch(t *testing.T) {
	f := newDispatchFixture(t, config.ModeAutonomous, config.SecurityConfig{})
	f.searcher.result = websearch.Result{
		Summary:    "Found 2 relevant sources.",
		Confidence: 0.85,
		Iterations: 1,
		Sources: []websearch.Source{
			{URL: "https://a.test", Title: "First", Content: "alpha content"},
			{URL: "https://b.test", Title: "Second", Snippet: "beta snippet"},
		},
	}

	result := f.dispatcher.Dispatch(context.Background(), protocol.Invocation{
		Tool:   protocol.ToolWebSearch,
		Search: &protocol.SearchArgs{Query: "go sqlite driver"},
	})

	assert.True(t, result.Success)
	assert.Contains(t, result.Output, "confidence 0.85")
	assert.Contains(t, result.Output, "alpha content")
	// A source without fetched content falls back to its snippet.
	assert.Contains(t, result.Output, "beta snippet")

	searches := f.sess.Searches()
	require.Len(t, searches, 1)
	assert.Equal(t, 2, searches[0].Sources)
}

func TestWebSearchFailureIsFeedback(t *testing.T) {
	f := newDispatchFixture(t, config.ModeAutonomous, config.SecurityConfig{})
	f.searcher.err = fmt.Errorf("endpoint unreachable")

	result := f.dispatcher.Dispatch(context.Background(), protocol.Invocation{
		Tool:   protocol.ToolWebSearch,
		Search: &protocol.SearchArgs{Query: "anything"},
	})

	assert.False(t, result.Success)
	assert.False(t, result.Fatal)
	assert.Contains(t, result.Output, "endpoint unreachable")
}

func TestReadFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two"), 0o644))

	f := newDispatchFixture(t, config.ModeAutonomous, config.SecurityConfig{})
	result := f.dispatcher.Dispatch(context.Background(), protocol.Invocation{
		Tool: protocol.ToolReadFile,
		Read: &protocol.ReadArgs{Path: path},
	})

	assert.True(t, result.Success)
	assert.Contains(t, result.Output, "line two")
}

func TestToolResultMessage(t *testing.T) {
	ok := ToolResult{Tool: protocol.ToolWriteFile, Success: true, Output: "written"}
	assert.Equal(t, "Tool write_file succeeded.\nwritten", ok.Message())

	bad := ToolResult{Tool: protocol.ToolExecuteCommand, Success: false, Output: "exit 1"}
	assert.Equal(t, "Tool execute_command failed.\nexit 1", bad.Message())
}
