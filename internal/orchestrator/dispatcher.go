// internal/orchestrator/dispatcher.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/jmroz/taskpilot/internal/backend"
	"github.com/jmroz/taskpilot/internal/fileops"
	"github.com/jmroz/taskpilot/internal/plan"
	"github.com/jmroz/taskpilot/internal/prompt"
	"github.com/jmroz/taskpilot/internal/protocol"
	"github.com/jmroz/taskpilot/internal/security"
	"github.com/jmroz/taskpilot/internal/session"
	"github.com/jmroz/taskpilot/internal/ux"
	"github.com/jmroz/taskpilot/internal/websearch"
)

// ErrIncompletePlan rejects a finish call while any plan step is still
// pending or in progress. It is fed back to the model as a failed tool
// result, never surfaced as a fatal error.
var ErrIncompletePlan = errors.New("plan has unresolved steps")

// ToolResult is the structured outcome of one dispatched invocation,
// fed back into the conversation as a tool message.
type ToolResult struct {
	Tool    protocol.Tool
	Success bool
	Output  string

	// Finished is set when a finish call passed the Finish Guard.
	Finished bool
	// Fatal marks backend failures the session cannot recover from,
	// such as a lost SSH connection.
	Fatal bool
}

// Message renders the result as the feedback text the model sees.
func (r ToolResult) Message() string {
	status := "succeeded"
	if !r.Success {
		status = "failed"
	}
	return fmt.Sprintf("Tool %s %s.\n%s", r.Tool, status, r.Output)
}

// Prompter is the user-interaction surface the dispatcher blocks on.
// The console implementation lives in internal/ux; tests script it.
type Prompter interface {
	Confirm(action string, verdict security.Verdict) ux.Decision
	Ask(question string) string
	ReviewPlan(m *plan.Manager) ux.PlanDecision
}

// Searcher abstracts the web search sub-agent for dispatch.
type Searcher interface {
	Search(ctx context.Context, query string, opts websearch.Options) (websearch.Result, error)
}

// Dispatcher maps validated tool invocations to effects, applying the
// security gate and the confirmation protocol along the way.
type Dispatcher struct {
	logger   *zap.Logger
	gate     *security.Gate
	runner   backend.Runner
	files    *fileops.Operator
	searcher Searcher
	planner  *plan.Manager
	sess     *session.Session
	prompter Prompter
}

// NewDispatcher wires a dispatcher for one session.
func NewDispatcher(
	logger *zap.Logger,
	gate *security.Gate,
	runner backend.Runner,
	files *fileops.Operator,
	searcher Searcher,
	planner *plan.Manager,
	sess *session.Session,
	prompter Prompter,
) *Dispatcher {
	return &Dispatcher{
		logger:   logger.Named("dispatch"),
		gate:     gate,
		runner:   runner,
		files:    files,
		searcher: searcher,
		planner:  planner,
		sess:     sess,
		prompter: prompter,
	}
}

// Dispatch executes one invocation and returns its result. Errors from
// collaborators become failed results with model-actionable text; only
// backend connection loss is marked fatal.
func (d *Dispatcher) Dispatch(ctx context.Context, inv protocol.Invocation) ToolResult {
	d.logger.Info("Dispatching tool call",
		zap.String("tool", string(inv.Tool)),
		zap.String("detail", inv.Describe()))

	switch inv.Tool {
	case protocol.ToolExecuteCommand:
		return d.executeCommand(ctx, inv)
	case protocol.ToolReadFile, protocol.ToolWriteFile, protocol.ToolEditFile,
		protocol.ToolCopyFile, protocol.ToolDeleteFile, protocol.ToolListDirectory:
		return d.fileOperation(inv)
	case protocol.ToolWebSearch:
		return d.webSearch(ctx, inv)
	case protocol.ToolUpdatePlanStep:
		return d.updatePlanStep(inv)
	case protocol.ToolAskUser:
		return d.askUser(inv)
	case protocol.ToolFinish:
		return d.finish(inv)
	}

	// The validator rejects unknown tools before dispatch; reaching
	// here means the vocabulary drifted.
	return ToolResult{Tool: inv.Tool, Success: false,
		Output: fmt.Sprintf("tool %q has no dispatch rule", inv.Tool)}
}

// confirm runs the confirmation protocol for one proposed effect.
// Approval may carry the one-way switch into autonomous mode. A refusal
// produces the failed result to feed back; the effect is never run.
func (d *Dispatcher) confirm(inv protocol.Invocation, verdict security.Verdict) (ToolResult, bool) {
	decision := d.prompter.Confirm(inv.Describe(), verdict)
	if decision.GoAutonomous {
		if d.sess.EnableAutonomous() {
			d.logger.Info("Session switched to autonomous mode")
		}
	}
	if decision.Approved {
		return ToolResult{}, true
	}
	return ToolResult{
		Tool:    inv.Tool,
		Success: false,
		Output:  prompt.Refusal(inv.Describe(), decision.Justification),
	}, false
}

func (d *Dispatcher) executeCommand(ctx context.Context, inv protocol.Invocation) ToolResult {
	command := inv.Execute.Command
	verdict := d.gate.Classify(command)

	if verdict.Tier == security.TierBlocked {
		return ToolResult{Tool: inv.Tool, Success: false,
			Output: "Command blocked: " + verdict.Rationale +
				". Command execution is disabled; use file operations or finish."}
	}

	// Dangerous commands require confirmation even in autonomous mode;
	// everything else is confirmed only in confirm-each mode.
	if !d.sess.Autonomous() || verdict.Tier == security.TierDangerous {
		if res, ok := d.confirm(inv, verdict); !ok {
			return res
		}
	}

	result, err := d.runner.Run(ctx, command)
	if err != nil {
		if errors.Is(err, backend.ErrConnectionLost) {
			return ToolResult{Tool: inv.Tool, Success: false, Fatal: true,
				Output: "Connection to the execution target was lost: " + err.Error()}
		}
		return ToolResult{Tool: inv.Tool, Success: false,
			Output: "Command could not be executed: " + err.Error()}
	}

	d.sess.RecordCommand(session.CommandRecord{
		Command:  command,
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		TimedOut: result.TimedOut,
		Duration: result.Duration,
	})

	return ToolResult{
		Tool:    inv.Tool,
		Success: result.ExitCode == 0 && !result.TimedOut,
		Output: prompt.CommandResult(command, result.ExitCode,
			result.Stdout, result.Stderr, result.TimedOut),
	}
}

func (d *Dispatcher) fileOperation(inv protocol.Invocation) ToolResult {
	fail := func(op, path string, err error) ToolResult {
		d.sess.RecordFileOp(session.FileOpRecord{Operation: op, Path: path, Err: err.Error()})
		return ToolResult{Tool: inv.Tool, Success: false, Output: err.Error()}
	}

	for _, p := range filePaths(inv) {
		if err := d.gate.CheckPath(p); err != nil {
			return ToolResult{Tool: inv.Tool, Success: false,
				Output: "Path not allowed: " + err.Error()}
		}
	}

	// Directory listings are read-only enough to skip confirmation.
	if inv.Tool != protocol.ToolListDirectory && !d.sess.Autonomous() {
		if res, ok := d.confirm(inv, security.Verdict{Tier: security.TierSafe}); !ok {
			return res
		}
	}

	switch inv.Tool {
	case protocol.ToolReadFile:
		content, err := d.files.Read(inv.Read.Path, inv.Read.StartLine, inv.Read.EndLine)
		if err != nil {
			return fail("read", inv.Read.Path, err)
		}
		d.sess.RecordFileOp(session.FileOpRecord{Operation: "read", Path: inv.Read.Path})
		return ToolResult{Tool: inv.Tool, Success: true,
			Output: fmt.Sprintf("Content of %s:\n%s", inv.Read.Path, content)}

	case protocol.ToolWriteFile:
		if err := d.files.Write(inv.Write.Path, inv.Write.Content); err != nil {
			return fail("write", inv.Write.Path, err)
		}
		d.sess.RecordFileOp(session.FileOpRecord{Operation: "write", Path: inv.Write.Path,
			Detail: fmt.Sprintf("%d bytes", len(inv.Write.Content))})
		return ToolResult{Tool: inv.Tool, Success: true,
			Output: fmt.Sprintf("File %s written successfully (%d bytes).", inv.Write.Path, len(inv.Write.Content))}

	case protocol.ToolEditFile:
		e := inv.Edit
		if err := d.files.Edit(e.Path, e.Action, e.Search, e.Replace, e.Line, e.Content); err != nil {
			return fail("edit", e.Path, err)
		}
		d.sess.RecordFileOp(session.FileOpRecord{Operation: "edit", Path: e.Path, Detail: e.Action})
		return ToolResult{Tool: inv.Tool, Success: true,
			Output: fmt.Sprintf("File %s edited successfully (%s).", e.Path, e.Action)}

	case protocol.ToolCopyFile:
		c := inv.Copy
		if err := d.files.Copy(c.Source, c.Destination, c.Overwrite); err != nil {
			return fail("copy", c.Source, err)
		}
		d.sess.RecordFileOp(session.FileOpRecord{Operation: "copy", Path: c.Source, Detail: "to " + c.Destination})
		return ToolResult{Tool: inv.Tool, Success: true,
			Output: fmt.Sprintf("Copied %s to %s.", c.Source, c.Destination)}

	case protocol.ToolDeleteFile:
		del := inv.Delete
		if err := d.files.Delete(del.Path, del.Backup); err != nil {
			return fail("delete", del.Path, err)
		}
		detail := ""
		if del.Backup {
			detail = "backup kept at " + del.Path + ".bak"
		}
		d.sess.RecordFileOp(session.FileOpRecord{Operation: "delete", Path: del.Path, Detail: detail})
		return ToolResult{Tool: inv.Tool, Success: true,
			Output: fmt.Sprintf("Deleted %s. %s", del.Path, detail)}

	case protocol.ToolListDirectory:
		entries, err := d.files.List(inv.List.Path, inv.List.Recursive, inv.List.Pattern)
		if err != nil {
			return fail("list", inv.List.Path, err)
		}
		payload, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fail("list", inv.List.Path, err)
		}
		d.sess.RecordFileOp(session.FileOpRecord{Operation: "list", Path: inv.List.Path})
		return ToolResult{Tool: inv.Tool, Success: true,
			Output: fmt.Sprintf("Directory listing of %s (%d entries):\n%s",
				inv.List.Path, len(entries), payload)}
	}

	return ToolResult{Tool: inv.Tool, Success: false, Output: "unsupported file operation"}
}

// filePaths lists every filesystem path an invocation touches, for the
// allowed-path check.
func filePaths(inv protocol.Invocation) []string {
	switch inv.Tool {
	case protocol.ToolReadFile:
		return []string{inv.Read.Path}
	case protocol.ToolWriteFile:
		return []string{inv.Write.Path}
	case protocol.ToolEditFile:
		return []string{inv.Edit.Path}
	case protocol.ToolCopyFile:
		return []string{inv.Copy.Source, inv.Copy.Destination}
	case protocol.ToolDeleteFile:
		return []string{inv.Delete.Path}
	case protocol.ToolListDirectory:
		return []string{inv.List.Path}
	}
	return nil
}

func (d *Dispatcher) webSearch(ctx context.Context, inv protocol.Invocation) ToolResult {
	if !d.sess.Autonomous() {
		if res, ok := d.confirm(inv, security.Verdict{Tier: security.TierSafe}); !ok {
			return res
		}
	}

	result, err := d.searcher.Search(ctx, inv.Search.Query, websearch.Options{})
	if err != nil {
		return ToolResult{Tool: inv.Tool, Success: false,
			Output: "Web search failed: " + err.Error()}
	}

	d.sess.RecordSearch(session.SearchRecord{
		Query:      inv.Search.Query,
		Sources:    len(result.Sources),
		Confidence: result.Confidence,
	})

	return ToolResult{Tool: inv.Tool, Success: true,
		Output: renderSearchResult(inv.Search.Query, result)}
}

// renderSearchResult formats the sub-agent's findings for the model.
func renderSearchResult(query string, result websearch.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Web search results for %q (confidence %.2f, %d iterations):\n",
		query, result.Confidence, result.Iterations)
	b.WriteString(result.Summary + "\n")
	for i, s := range result.Sources {
		if i >= 5 {
			break
		}
		fmt.Fprintf(&b, "\n--- Source %d: %s (%s) ---\n", i+1, s.Title, s.URL)
		content := s.Content
		if content == "" {
			content = s.Snippet
		}
		if len(content) > 1500 {
			content = content[:1500] + "..."
		}
		b.WriteString(content + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) updatePlanStep(inv protocol.Invocation) ToolResult {
	args := inv.PlanStep
	status := plan.Status(args.Status)

	if err := d.planner.UpdateStep(args.Step, status, args.Result); err != nil {
		return ToolResult{Tool: inv.Tool, Success: false, Output: err.Error()}
	}

	p := d.planner.Progress()
	return ToolResult{Tool: inv.Tool, Success: true,
		Output: fmt.Sprintf("Step %d marked %s. Plan progress: %d/%d steps resolved.",
			args.Step, status, p.Completed+p.Failed+p.Skipped, p.Total)}
}

func (d *Dispatcher) askUser(inv protocol.Invocation) ToolResult {
	if d.sess.Autonomous() {
		return ToolResult{Tool: inv.Tool, Success: false,
			Output: "ask_user is unavailable in autonomous mode. " +
				"Make a reasonable decision yourself and proceed."}
	}

	answer := d.prompter.Ask(inv.Ask.Question)
	return ToolResult{Tool: inv.Tool, Success: true,
		Output: fmt.Sprintf("User answer to %q: %s", inv.Ask.Question, answer)}
}

// finish applies the Finish Guard: the session may only conclude once
// every plan step is resolved.
func (d *Dispatcher) finish(inv protocol.Invocation) ToolResult {
	if unresolved := d.planner.Unresolved(); len(unresolved) > 0 {
		return ToolResult{Tool: inv.Tool, Success: false,
			Output: fmt.Sprintf("%v: steps %v are not resolved yet. "+
				"Complete, fail or skip each remaining step with update_plan_step before finishing.",
				ErrIncompletePlan, unresolved)}
	}
	return ToolResult{Tool: inv.Tool, Success: true, Finished: true,
		Output: "Session finished. Summary: " + inv.Finish.Summary}
}
