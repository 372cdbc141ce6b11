// internal/protocol/validator_test.go
package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	return NewValidator(zaptest.NewLogger(t), 3)
}

// scriptedReprompt returns canned replies in order and records how many
// corrections were requested.
func scriptedReprompt(replies ...string) (Reprompter, *int) {
	calls := 0
	return func(ctx context.Context, defect string) (string, error) {
		if calls >= len(replies) {
			return "", nil
		}
		reply := replies[calls]
		calls++
		return reply, nil
	}, &calls
}

func TestParsePlainJSON(t *testing.T) {
	v := newTestValidator(t)
	inv, err := v.Parse(`{"tool":"execute_command","command":"ls -la","thought":"inspect"}`)
	require.NoError(t, err)
	assert.Equal(t, ToolExecuteCommand, inv.Tool)
	require.NotNil(t, inv.Execute)
	assert.Equal(t, "ls -la", inv.Execute.Command)
	assert.Equal(t, "inspect", inv.Thought)
}

func TestParseFencedBlock(t *testing.T) {
	v := newTestValidator(t)
	raw := "Sure! Here is the next step:\n```json\n{\"tool\": \"finish\", \"summary\": \"all done\"}\n```\nLet me know."
	inv, err := v.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, ToolFinish, inv.Tool)
	assert.Equal(t, "all done", inv.Finish.Summary)
}

func TestParseEmbeddedObject(t *testing.T) {
	v := newTestValidator(t)
	raw := `I will now search. {"tool":"web_search","query":"golang ssh client"} proceeding.`
	inv, err := v.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, ToolWebSearch, inv.Tool)
	assert.Equal(t, "golang ssh client", inv.Search.Query)
}

func TestParseRepairsTrailingComma(t *testing.T) {
	v := newTestValidator(t)
	inv, err := v.Parse(`{"tool":"read_file","path":"/tmp/x",}`)
	require.NoError(t, err)
	assert.Equal(t, ToolReadFile, inv.Tool)
}

func TestParseDefects(t *testing.T) {
	v := newTestValidator(t)
	cases := []struct {
		name string
		raw  string
	}{
		{"no json", "I think we should list the directory first."},
		{"missing tool field", `{"command":"ls"}`},
		{"unknown tool", `{"tool":"teleport","destination":"moon"}`},
		{"missing required arg", `{"tool":"execute_command"}`},
		{"missing question", `{"tool":"ask_user"}`},
		{"missing step", `{"tool":"update_plan_step","status":"completed"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Parse(tc.raw)
			var defect *DefectError
			require.ErrorAs(t, err, &defect)
			assert.NotEmpty(t, defect.Defect)
		})
	}
}

func TestValidateSelfCorrects(t *testing.T) {
	v := newTestValidator(t)
	reprompt, calls := scriptedReprompt(`{"tool":"finish","summary":"done"}`)

	inv, err := v.Validate(context.Background(), "not json at all", reprompt)
	require.NoError(t, err)
	assert.Equal(t, ToolFinish, inv.Tool)
	assert.Equal(t, 1, *calls)
}

func TestValidateRetryCeiling(t *testing.T) {
	v := newTestValidator(t)
	// Three malformed outputs followed by a valid one: the ceiling is three
	// total attempts, so the fourth reply must never be requested.
	reprompt, calls := scriptedReprompt(
		"still not json",
		"nope",
		`{"tool":"finish","summary":"too late"}`,
	)

	_, err := v.Validate(context.Background(), "garbage", reprompt)
	require.ErrorIs(t, err, ErrUnrecoverableResponse)
	assert.Equal(t, 2, *calls, "only two corrections fit under a three-attempt ceiling")
}

func TestValidateCorrectionPromptNamesDefect(t *testing.T) {
	v := newTestValidator(t)
	var captured string
	reprompt := Reprompter(func(ctx context.Context, defect string) (string, error) {
		captured = defect
		return `{"tool":"finish"}`, nil
	})

	_, err := v.Validate(context.Background(), `{"tool":"teleport"}`, reprompt)
	require.NoError(t, err)
	assert.Contains(t, captured, "teleport")
	assert.Contains(t, captured, "execute_command")
}

func TestFinishNeedsNoArgs(t *testing.T) {
	v := newTestValidator(t)
	inv, err := v.Parse(`{"tool":"finish"}`)
	require.NoError(t, err)
	assert.Equal(t, ToolFinish, inv.Tool)
	require.NotNil(t, inv.Finish)
}

func TestDescribe(t *testing.T) {
	v := newTestValidator(t)
	inv, err := v.Parse(`{"tool":"copy_file","source":"/a","destination":"/b"}`)
	require.NoError(t, err)
	assert.Contains(t, inv.Describe(), "/a")
	assert.Contains(t, inv.Describe(), "/b")
}
