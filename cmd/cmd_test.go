// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jmroz/taskpilot/internal/config"
)

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newVersionCmd()
	cmd.SetOut(&out)

	require.NoError(t, cmd.Execute())
	assert.Equal(t, Version, strings.TrimSpace(out.String()))
}

func TestBuildRunnerDefaultsToLocal(t *testing.T) {
	cfg = &config.Config{Agent: config.AgentConfig{LocalTimeout: time.Minute}}

	runner, err := buildRunner(zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer runner.Close()

	assert.Equal(t, "local", runner.Target())
}

func TestBuildRunnerRejectsMalformedTarget(t *testing.T) {
	cfg = &config.Config{Agent: config.AgentConfig{RemoteTimeout: time.Minute}}

	_, err := buildRunner(zaptest.NewLogger(t), []string{"not-a-remote-target"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user@host")
}

func TestTruncateGoal(t *testing.T) {
	assert.Equal(t, "short", truncateGoal("short"))

	long := strings.Repeat("x", 80)
	got := truncateGoal(long)
	assert.Len(t, got, 63)
	assert.True(t, strings.HasSuffix(got, "..."))
}
