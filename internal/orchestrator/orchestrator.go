// internal/orchestrator/orchestrator.go
//
// The top-level agent loop. One Run drives a single goal from plan
// drafting through execution to a terminal state:
//
//	PlanPending -> PlanReview -> Executing -> {Finished, Aborted}
//
// A follow-up Run on the same orchestrator re-enters PlanPending with
// the accumulated conversation retained.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/jmroz/taskpilot/internal/analysis"
	"github.com/jmroz/taskpilot/internal/backend"
	"github.com/jmroz/taskpilot/internal/config"
	"github.com/jmroz/taskpilot/internal/convo"
	"github.com/jmroz/taskpilot/internal/fileops"
	"github.com/jmroz/taskpilot/internal/llm"
	"github.com/jmroz/taskpilot/internal/plan"
	"github.com/jmroz/taskpilot/internal/prompt"
	"github.com/jmroz/taskpilot/internal/protocol"
	"github.com/jmroz/taskpilot/internal/security"
	"github.com/jmroz/taskpilot/internal/session"
)

// State of the orchestrator's goal-level state machine.
type State string

const (
	StatePlanPending State = "plan_pending"
	StatePlanReview  State = "plan_review"
	StateExecuting   State = "executing"
	StateFinished    State = "finished"
	StateAborted     State = "aborted"
)

// UserIO is everything the loop needs from the terminal: confirmation
// prompts plus status output. The lipgloss console in internal/ux is the
// production implementation.
type UserIO interface {
	Prompter
	Info(format string, args ...any)
	Success(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	Thought(thought string)
	ShowProgress(m *plan.Manager)
	ShowReport(goal, report string)
}

// SessionStore persists sessions and plans. Satisfied by the sqlite
// archive in internal/session; nil disables persistence.
type SessionStore interface {
	plan.Store
	SaveSession(sess *session.Session) error
}

// Outcome summarizes one finished or aborted run.
type Outcome struct {
	State   State
	Summary string
	Report  *analysis.Report
}

// Deps carries the collaborators an orchestrator is built from.
type Deps struct {
	Logger   *zap.Logger
	Config   config.Config
	Client   llm.Client
	Gate     *security.Gate
	Runner   backend.Runner
	Files    *fileops.Operator
	Searcher Searcher
	Console  UserIO
	Info     prompt.SystemInfo

	// Store and Analyzer are optional; nil disables archiving and the
	// final deep analysis respectively.
	Store    SessionStore
	Analyzer *analysis.Analyzer
}

// Orchestrator owns the conversation and drives goals to completion.
// It is not safe for concurrent Runs; the loop is deliberately
// single-threaded.
type Orchestrator struct {
	logger    *zap.Logger
	cfg       config.Config
	client    llm.Client
	validator *protocol.Validator
	gate      *security.Gate
	runner    backend.Runner
	files     *fileops.Operator
	searcher  Searcher
	console   UserIO
	store     SessionStore
	analyzer  *analysis.Analyzer
	info      prompt.SystemInfo

	systemPrompt string
	history      *convo.Context
	state        State

	// planner for the run in flight; its snapshot is re-injected into
	// every window build.
	planner *plan.Manager
}

// New builds an orchestrator. The conversation context is created once
// and survives across Runs so follow-up goals keep their history.
func New(d Deps) *Orchestrator {
	logger := d.Logger.Named("orchestrator")
	return &Orchestrator{
		logger:       logger,
		cfg:          d.Config,
		client:       d.Client,
		validator:    protocol.NewValidator(d.Logger, d.Config.Agent.MaxParseRetries),
		gate:         d.Gate,
		runner:       d.Runner,
		files:        d.Files,
		searcher:     d.Searcher,
		console:      d.Console,
		store:        d.Store,
		analyzer:     d.Analyzer,
		info:         d.Info,
		systemPrompt: prompt.Agent(d.Info),
		history: convo.New(d.Logger,
			d.Config.Agent.WindowSize, d.Config.Agent.WindowTokens),
	}
}

// ProbeSystem asks the execution target who and what it is, so the
// system prompt can name the distribution and drop sudo for root.
// Best effort: a failed probe leaves the fields empty.
func ProbeSystem(ctx context.Context, runner backend.Runner) prompt.SystemInfo {
	info := prompt.SystemInfo{Host: runner.Target()}

	if res, err := runner.Run(ctx, `whoami`); err == nil && res.ExitCode == 0 {
		info.User = strings.TrimSpace(res.Stdout)
	}
	if res, err := runner.Run(ctx, `. /etc/os-release 2>/dev/null && echo "$NAME|$VERSION_ID"`); err == nil && res.ExitCode == 0 {
		parts := strings.SplitN(strings.TrimSpace(res.Stdout), "|", 2)
		info.Distro = parts[0]
		if len(parts) > 1 {
			info.Version = parts[1]
		}
	}
	return info
}

// Run drives one goal to a terminal state and returns the outcome.
// Unrecoverable failures are reported in the outcome, not as errors;
// the error return is reserved for context cancellation.
func (o *Orchestrator) Run(ctx context.Context, goal string) (Outcome, error) {
	sess := session.New(goal, o.runner.Target(), o.cfg.Agent)
	planner := plan.NewManager(o.logger, o.store, sess.ID())
	o.planner = planner
	dispatcher := NewDispatcher(o.logger, o.gate, o.runner, o.files,
		o.searcher, planner, sess, o.console)

	o.logger.Info("Session started",
		zap.String("session_id", sess.ID()),
		zap.String("goal", goal),
		zap.String("mode", sess.Mode()),
		zap.String("target", sess.Target()))

	// The system prompt travels in every request's System field; only
	// the goal needs pinning into the conversation itself.
	if o.history.Len() == 0 {
		o.history.Pin(convo.RoleUser, prompt.Goal(goal))
	} else {
		// Continuing re-entry: keep the accumulated context, announce
		// the fresh goal as a regular message.
		o.history.Append(convo.RoleUser, fmt.Sprintf("New goal: %s.", goal))
	}

	outcome := o.runStateMachine(ctx, sess, planner, dispatcher)

	o.saveSession(sess)
	return outcome, ctx.Err()
}

func (o *Orchestrator) runStateMachine(
	ctx context.Context,
	sess *session.Session,
	planner *plan.Manager,
	dispatcher *Dispatcher,
) Outcome {
	o.state = StatePlanPending

	if outcome, ok := o.planPhase(ctx, sess, planner); !ok {
		return outcome
	}

	o.state = StateExecuting
	return o.executePhase(ctx, sess, planner, dispatcher)
}

// planPhase covers PlanPending and PlanReview: draft, review, revise
// until accepted. Returns ok=false with an abort outcome on failure.
func (o *Orchestrator) planPhase(
	ctx context.Context,
	sess *session.Session,
	planner *plan.Manager,
) (Outcome, bool) {
	draft, raw, err := o.draftPlan(ctx, prompt.Planner(sess.Goal(), o.info))
	if err != nil {
		return o.abort(sess, planner, "could not draft an action plan: "+err.Error()), false
	}
	if err := planner.Create(sess.Goal(), draft); err != nil {
		return o.abort(sess, planner, "model produced an unusable plan: "+err.Error()), false
	}
	o.history.Append(convo.RoleAssistant, raw)

	for {
		o.state = StatePlanReview

		if sess.Autonomous() {
			o.console.Info("plan accepted automatically (autonomous mode)")
			return Outcome{}, true
		}

		decision := o.console.ReviewPlan(planner)
		if decision.Accepted {
			return Outcome{}, true
		}

		// Back to PlanPending with the user's feedback.
		o.state = StatePlanPending
		revision := prompt.Revision(sess.Goal(), planner.RenderText(), decision.Feedback)
		draft, raw, err = o.draftPlan(ctx, revision)
		if err != nil {
			return o.abort(sess, planner, "could not revise the plan: "+err.Error()), false
		}
		if err := planner.Revise(draft); err != nil {
			return o.abort(sess, planner, "model produced an unusable revision: "+err.Error()), false
		}
		o.history.Append(convo.RoleUser, "Plan feedback: "+decision.Feedback)
		o.history.Append(convo.RoleAssistant, raw)
	}
}

// executePhase is the main Executing loop: one model turn, one dispatch
// per iteration, until finish, abort or step-limit exhaustion.
func (o *Orchestrator) executePhase(
	ctx context.Context,
	sess *session.Session,
	planner *plan.Manager,
	dispatcher *Dispatcher,
) Outcome {
	for {
		if ctx.Err() != nil {
			return o.abort(sess, planner, "cancelled: "+ctx.Err().Error())
		}
		if !sess.NextStep() {
			return o.abort(sess, planner,
				fmt.Sprintf("step limit exceeded (%d turns)", sess.StepLimit()))
		}

		raw, err := o.modelTurn(ctx)
		if err != nil {
			return o.abort(sess, planner, "model backend failed: "+err.Error())
		}

		inv, err := o.validator.Validate(ctx, raw, o.reprompt)
		if err != nil {
			o.failCurrentStep(planner, "model could not produce a valid tool call")
			if errors.Is(err, protocol.ErrUnrecoverableResponse) {
				return o.abort(sess, planner, err.Error())
			}
			return o.abort(sess, planner, "model backend failed: "+err.Error())
		}
		o.history.Append(convo.RoleAssistant, raw)
		o.console.Thought(inv.Thought)

		result := dispatcher.Dispatch(ctx, inv)
		o.history.Append(convo.RoleTool, result.Message())
		o.saveSession(sess)

		switch {
		case result.Finished:
			return o.finish(ctx, sess, planner, inv.Finish.Summary)
		case result.Fatal:
			return o.abort(sess, planner, result.Output)
		}

		if inv.Tool == protocol.ToolUpdatePlanStep && result.Success {
			o.console.ShowProgress(planner)
		}
	}
}

// modelTurn sends the windowed context, with the current plan snapshot
// re-injected, and returns the raw reply.
func (o *Orchestrator) modelTurn(ctx context.Context) (string, error) {
	snapshot := ""
	if o.planner != nil && len(o.planner.Steps()) > 0 {
		snapshot = o.planner.RenderText()
	}
	return o.client.Generate(ctx, llm.Request{
		System:    o.systemPrompt,
		Prompt:    flatten(o.history.Window(snapshot)),
		ForceJSON: true,
	})
}

// reprompt feeds a corrective message into the conversation and asks
// the model again; both sides of the exchange stay in the log.
func (o *Orchestrator) reprompt(ctx context.Context, defect string) (string, error) {
	o.history.Append(convo.RoleUser, defect)
	return o.modelTurn(ctx)
}

// flatten renders window messages as role-prefixed lines. The plan
// snapshot arrives as a system-role message and is kept; the agent
// system prompt is never part of the window.
func flatten(window []convo.Message) string {
	var b strings.Builder
	for _, m := range window {
		b.WriteString(string(m.Role) + ": " + m.Content + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// draftPlan asks the model for a plan draft, retrying on malformed
// output with the same ceiling the response validator uses.
func (o *Orchestrator) draftPlan(ctx context.Context, planPrompt string) (plan.Draft, string, error) {
	maxAttempts := o.cfg.Agent.MaxParseRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	request := planPrompt
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		raw, err := o.client.Generate(ctx, llm.Request{
			System:    o.systemPrompt,
			Prompt:    request,
			ForceJSON: true,
		})
		if err != nil {
			return plan.Draft{}, "", err
		}

		draft, err := parsePlanDraft(raw)
		if err == nil {
			return draft, raw, nil
		}
		lastErr = err
		o.logger.Warn("Malformed plan draft",
			zap.Int("attempt", attempt), zap.Error(err))
		request = fmt.Sprintf(
			"%s\n\nYour previous reply could not be used: %v.\n"+
				`Reply ONLY with {"steps": [{"description": "...", "command": "..."}]}.`,
			planPrompt, err)
	}
	return plan.Draft{}, "", fmt.Errorf("no usable plan after %d attempts: %w", maxAttempts, lastErr)
}

// parsePlanDraft decodes the planner reply, tolerating fenced or
// prose-wrapped JSON.
func parsePlanDraft(raw string) (plan.Draft, error) {
	candidate := strings.TrimSpace(raw)
	if first, last := strings.Index(candidate, "{"), strings.LastIndex(candidate, "}"); first != -1 && last > first {
		candidate = candidate[first : last+1]
	}

	var draft plan.Draft
	if err := json.Unmarshal([]byte(candidate), &draft); err != nil {
		return plan.Draft{}, fmt.Errorf("invalid plan JSON: %w", err)
	}
	if len(draft.Steps) == 0 {
		return plan.Draft{}, errors.New("plan draft contains no steps")
	}
	return draft, nil
}

// failCurrentStep marks the in-progress step failed if there is one;
// used when a turn dies before the model could update the plan.
func (o *Orchestrator) failCurrentStep(planner *plan.Manager, reason string) {
	current := planner.Current()
	if current == nil {
		return
	}
	if err := planner.UpdateStep(current.ID, plan.StatusFailed, reason); err != nil {
		o.logger.Warn("Could not mark current step failed",
			zap.Int("step", current.ID), zap.Error(err))
	}
}

// finish handles the Finished state: session bookkeeping, optional deep
// analysis and the final report.
func (o *Orchestrator) finish(
	ctx context.Context,
	sess *session.Session,
	planner *plan.Manager,
	summary string,
) Outcome {
	o.state = StateFinished
	sess.Finish(session.StateFinished)

	p := planner.Progress()
	o.console.Success("Goal finished: %d/%d steps completed, %d failed, %d skipped.",
		p.Completed, p.Total, p.Failed, p.Skipped)

	outcome := Outcome{State: StateFinished, Summary: summary}
	if o.analyzer != nil {
		report := o.analyzer.Analyze(ctx, sess, planner, o.history, summary)
		o.console.ShowReport(sess.Goal(), report.Text)
		outcome.Report = &report
	}

	o.logger.Info("Session finished",
		zap.String("session_id", sess.ID()),
		zap.Int("steps_used", sess.StepCount()))
	return outcome
}

// abort handles every path into the Aborted state with a user-visible
// account of what was attempted and where it stopped.
func (o *Orchestrator) abort(sess *session.Session, planner *plan.Manager, reason string) Outcome {
	o.state = StateAborted
	sess.Finish(session.StateAborted)

	o.console.Error("Session aborted: %s", reason)
	if len(planner.Steps()) > 0 {
		p := planner.Progress()
		o.console.Info("progress at abort: %d/%d steps completed, unresolved: %v",
			p.Completed, p.Total, planner.Unresolved())
	}

	o.logger.Warn("Session aborted",
		zap.String("session_id", sess.ID()),
		zap.String("reason", reason),
		zap.Int("steps_used", sess.StepCount()))
	return Outcome{State: StateAborted, Summary: reason}
}

func (o *Orchestrator) saveSession(sess *session.Session) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveSession(sess); err != nil {
		o.logger.Warn("Failed to archive session", zap.Error(err))
	}
}

// StateName exposes the current machine state, mainly for tests and
// status output.
func (o *Orchestrator) StateName() State { return o.state }
