// internal/protocol/validator.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// ErrUnrecoverableResponse is surfaced after all self-correction attempts
// are exhausted. The orchestrator converts it into a step failure and a
// user-visible report; it never crashes the session.
var ErrUnrecoverableResponse = errors.New("model failed to produce a valid tool call")

// DefectError describes exactly what was wrong with a model reply. Its
// text is quoted back to the model in the corrective prompt.
type DefectError struct {
	Defect string
}

func (e *DefectError) Error() string { return e.Defect }

// Reprompter re-invokes the model with a corrective message and returns
// its raw reply. The orchestrator supplies this so the correction request
// and the retry both land in the conversation log.
type Reprompter func(ctx context.Context, defect string) (string, error)

// Validator parses raw model output into a structured tool invocation,
// asking the model to self-correct on malformed output, bounded by a
// retry ceiling. This bounded loop is the primary defense against the
// model's non-determinism.
type Validator struct {
	logger      *zap.Logger
	maxAttempts int
}

// NewValidator creates a validator with the given total attempt ceiling
// (first parse included).
func NewValidator(logger *zap.Logger, maxAttempts int) *Validator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Validator{
		logger:      logger.Named("validator"),
		maxAttempts: maxAttempts,
	}
}

// A regex to extract a JSON object from a markdown code block.
var jsonBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// Trailing commas before a closing brace or bracket are the single most
// common model defect worth repairing locally.
var trailingCommaRegex = regexp.MustCompile(`,\s*([}\]])`)

// rawCall is the superset of every tool's argument fields; Parse narrows
// it into the typed variant after the tool name is known.
type rawCall struct {
	Tool    string `json:"tool"`
	Thought string `json:"thought"`

	Command string `json:"command"`
	Reason  string `json:"reason"`

	Path      string `json:"path"`
	Content   string `json:"content"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`

	Action  string `json:"action"`
	Search  string `json:"search"`
	Replace string `json:"replace"`
	Line    int    `json:"line"`

	Source      string `json:"source"`
	Destination string `json:"destination"`
	Overwrite   bool   `json:"overwrite"`
	Backup      bool   `json:"backup"`

	Recursive bool   `json:"recursive"`
	Pattern   string `json:"pattern"`

	Query string `json:"query"`

	Step   int    `json:"step"`
	Status string `json:"status"`
	Result string `json:"result"`

	Question string `json:"question"`
	Summary  string `json:"summary"`
}

// Validate parses raw output into an Invocation. On a defect it calls
// reprompt with a description of the problem and tries again, up to the
// configured total attempts, then returns ErrUnrecoverableResponse.
func (v *Validator) Validate(ctx context.Context, raw string, reprompt Reprompter) (Invocation, error) {
	var lastDefect string
	for attempt := 1; ; attempt++ {
		inv, err := v.Parse(raw)
		if err == nil {
			if attempt > 1 {
				v.logger.Info("Model self-corrected its response", zap.Int("attempt", attempt))
			}
			return inv, nil
		}

		var defect *DefectError
		if !errors.As(err, &defect) {
			return Invocation{}, err
		}
		lastDefect = defect.Defect
		v.logger.Warn("Malformed model response",
			zap.Int("attempt", attempt),
			zap.String("defect", lastDefect))

		if attempt >= v.maxAttempts {
			break
		}

		raw, err = reprompt(ctx, v.correctionPrompt(raw, lastDefect))
		if err != nil {
			return Invocation{}, fmt.Errorf("correction request failed: %w", err)
		}
	}
	return Invocation{}, fmt.Errorf("%w after %d attempts: %s", ErrUnrecoverableResponse, v.maxAttempts, lastDefect)
}

// correctionPrompt describes the exact defect and restates the contract.
func (v *Validator) correctionPrompt(raw, defect string) string {
	return fmt.Sprintf(
		"Your previous response could not be used: %s.\n"+
			"Your response was:\n```\n%s\n```\n"+
			"Reply ONLY with a single valid JSON object containing a 'tool' field. "+
			"Valid tools are: %s. Do not include explanations or introductory text.",
		defect, truncateForPrompt(raw, 1000), KnownToolNames())
}

// Parse extracts and decodes one tool call from raw model output. It is
// pure: all model interaction lives in Validate.
func (v *Validator) Parse(raw string) (Invocation, error) {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return Invocation{}, &DefectError{Defect: "no JSON object found in the response"}
	}

	var call rawCall
	if err := json.Unmarshal([]byte(jsonStr), &call); err != nil {
		// One local repair pass before bouncing back to the model.
		repaired := trailingCommaRegex.ReplaceAllString(jsonStr, "$1")
		if err2 := json.Unmarshal([]byte(repaired), &call); err2 != nil {
			return Invocation{}, &DefectError{Defect: fmt.Sprintf("invalid JSON: %v", err)}
		}
	}

	if call.Tool == "" {
		return Invocation{}, &DefectError{Defect: "missing required 'tool' field"}
	}
	return buildInvocation(call)
}

// extractJSON pulls the most plausible JSON object out of the reply:
// fenced block first, then the outermost braces, then the whole string.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if matches := jsonBlockRegex.FindStringSubmatch(raw); len(matches) > 1 {
		if candidate := strings.TrimSpace(matches[1]); candidate != "" {
			return candidate
		}
	}

	first := strings.Index(raw, "{")
	last := strings.LastIndex(raw, "}")
	if first != -1 && last > first {
		return raw[first : last+1]
	}
	return raw
}

func buildInvocation(call rawCall) (Invocation, error) {
	inv := Invocation{Tool: Tool(call.Tool), Thought: call.Thought}

	missing := func(field string) (Invocation, error) {
		return Invocation{}, &DefectError{
			Defect: fmt.Sprintf("tool %q is missing required argument %q", call.Tool, field),
		}
	}

	switch inv.Tool {
	case ToolExecuteCommand:
		if strings.TrimSpace(call.Command) == "" {
			return missing("command")
		}
		inv.Execute = &ExecuteArgs{Command: call.Command, Reason: call.Reason}

	case ToolReadFile:
		if call.Path == "" {
			return missing("path")
		}
		inv.Read = &ReadArgs{Path: call.Path, StartLine: call.StartLine, EndLine: call.EndLine}

	case ToolWriteFile:
		if call.Path == "" {
			return missing("path")
		}
		inv.Write = &WriteArgs{Path: call.Path, Content: call.Content}

	case ToolEditFile:
		if call.Path == "" {
			return missing("path")
		}
		if call.Action == "" {
			return missing("action")
		}
		inv.Edit = &EditArgs{
			Path:    call.Path,
			Action:  call.Action,
			Search:  call.Search,
			Replace: call.Replace,
			Line:    call.Line,
			Content: call.Content,
		}

	case ToolCopyFile:
		if call.Source == "" {
			return missing("source")
		}
		if call.Destination == "" {
			return missing("destination")
		}
		inv.Copy = &CopyArgs{Source: call.Source, Destination: call.Destination, Overwrite: call.Overwrite}

	case ToolDeleteFile:
		if call.Path == "" {
			return missing("path")
		}
		inv.Delete = &DeleteArgs{Path: call.Path, Backup: call.Backup}

	case ToolListDirectory:
		if call.Path == "" {
			return missing("path")
		}
		inv.List = &ListArgs{Path: call.Path, Recursive: call.Recursive, Pattern: call.Pattern}

	case ToolWebSearch:
		if strings.TrimSpace(call.Query) == "" {
			return missing("query")
		}
		inv.Search = &SearchArgs{Query: call.Query}

	case ToolUpdatePlanStep:
		if call.Step == 0 {
			return missing("step")
		}
		if call.Status == "" {
			return missing("status")
		}
		inv.PlanStep = &PlanStepArgs{Step: call.Step, Status: call.Status, Result: call.Result}

	case ToolAskUser:
		if strings.TrimSpace(call.Question) == "" {
			return missing("question")
		}
		inv.Ask = &AskArgs{Question: call.Question}

	case ToolFinish:
		inv.Finish = &FinishArgs{Summary: call.Summary}

	default:
		return Invocation{}, &DefectError{
			Defect: fmt.Sprintf("unknown tool %q, valid tools are: %s", call.Tool, KnownToolNames()),
		}
	}
	return inv, nil
}

func truncateForPrompt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
