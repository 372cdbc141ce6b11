// internal/analysis/analyzer.go
//
// Post-run analysis. Once the agent declares the task finished, this
// sub-agent gathers everything the session produced and asks the model
// for a structured report instead of trusting the agent's one-line
// summary.
package analysis

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jmroz/taskpilot/internal/convo"
	"github.com/jmroz/taskpilot/internal/llm"
	"github.com/jmroz/taskpilot/internal/plan"
	"github.com/jmroz/taskpilot/internal/session"
)

// Verdict is the analyzer's final call on the run.
type Verdict string

const (
	VerdictCompleted Verdict = "COMPLETED"
	VerdictPartial   Verdict = "PARTIALLY COMPLETED"
	VerdictFailed    Verdict = "FAILED"
	VerdictUnknown   Verdict = "UNKNOWN"
)

// Report is the generated post-run analysis.
type Report struct {
	Text    string
	Verdict Verdict
}

const analystSystemPrompt = `You are an expert analyst specializing in post-task analysis and reporting.
Your role is to perform a deep, comprehensive analysis of all data collected during an automated agent's task execution.

Analyze ALL provided sources (conversation history, executed commands, file operations, web searches, and the action plan) and generate a structured, professional final report.

Use this exact report structure:

### GOAL ACHIEVEMENT ASSESSMENT
- Was the user's goal fully achieved? (Yes / Partially / No)
- What was achieved vs. what was not
- Overall success rating (1-10)

### EXECUTION SUMMARY
- Total steps in plan vs. completed
- Key actions performed
- Critical decisions made by the agent

### WHAT WORKED WELL
- Successful operations with specific details
- Effective strategies used

### PROBLEMS & FAILURES
- Failed commands with root cause analysis
- Errors encountered and how (or if) they were resolved
- Workarounds applied

### DEEP TECHNICAL ANALYSIS
- Analysis of key outputs and their implications
- System state changes
- Configuration changes made
- Security considerations (if applicable)

### RECOMMENDATIONS
- What should be done next
- Improvements to the approach
- Potential risks or issues to monitor

### FINAL VERDICT
- Concise conclusion (2-3 sentences)
- Task status: COMPLETED / PARTIALLY COMPLETED / FAILED

Be thorough, precise, and base your analysis ONLY on the provided data.
Reference specific commands, outputs, and steps where relevant.
Use markdown formatting for clarity.`

// Analyzer generates the final report from a finished session.
type Analyzer struct {
	logger *zap.Logger
	client llm.Client
}

// New creates an analyzer backed by the given model client.
func New(logger *zap.Logger, client llm.Client) *Analyzer {
	return &Analyzer{logger: logger.Named("analysis"), client: client}
}

// Analyze assembles every session source into one prompt and asks the
// model for a structured report. A model failure degrades to a minimal
// report built from the agent's own summary rather than an error.
func (a *Analyzer) Analyze(
	ctx context.Context,
	sess *session.Session,
	planner *plan.Manager,
	history *convo.Context,
	agentSummary string,
) Report {
	prompt := buildPrompt(sess, planner, history, agentSummary)
	a.logger.Info("Running deep analysis",
		zap.String("session_id", sess.ID()),
		zap.Int("prompt_chars", len(prompt)))

	text, err := a.client.Generate(ctx, llm.Request{
		System: analystSystemPrompt,
		Prompt: prompt,
	})
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			a.logger.Warn("Deep analysis request failed", zap.Error(err))
		}
		return fallbackReport(sess, agentSummary)
	}

	return Report{Text: text, Verdict: parseVerdict(text)}
}

const maxCommandResults = 20
const maxHistoryMessages = 30

func buildPrompt(
	sess *session.Session,
	planner *plan.Manager,
	history *convo.Context,
	agentSummary string,
) string {
	var b strings.Builder
	rule := strings.Repeat("=", 70)

	b.WriteString(rule + "\n")
	b.WriteString("DEEP ANALYSIS REQUEST: ALL AVAILABLE SOURCES\n")
	b.WriteString(rule + "\n")

	b.WriteString("\n## USER'S ORIGINAL GOAL\n")
	b.WriteString(sess.Goal() + "\n")

	b.WriteString("\n## AGENT'S OWN SUMMARY\n")
	if agentSummary == "" {
		agentSummary = "No summary provided"
	}
	b.WriteString(agentSummary + "\n")

	if planner != nil && len(planner.Steps()) > 0 {
		b.WriteString("\n## ACTION PLAN (with statuses)\n")
		b.WriteString(planner.RenderText() + "\n")

		p := planner.Progress()
		b.WriteString("\n## PLAN PROGRESS STATISTICS\n")
		fmt.Fprintf(&b, "Total: %d | Completed: %d | Failed: %d | Skipped: %d | Pending: %d | Success rate: %d%%\n",
			p.Total, p.Completed, p.Failed, p.Skipped, p.Pending, p.Percentage)
	}

	if cmds := sess.Commands(); len(cmds) > 0 {
		b.WriteString("\n## SHELL COMMAND RESULTS\n")
		if len(cmds) > maxCommandResults {
			cmds = cmds[len(cmds)-maxCommandResults:]
		}
		for i, c := range cmds {
			fmt.Fprintf(&b, "\n--- Command Result %d ---\n", i+1)
			fmt.Fprintf(&b, "$ %s\nexit code: %d\n", c.Command, c.ExitCode)
			if c.TimedOut {
				b.WriteString("(timed out)\n")
			}
			if out := truncate(c.Stdout, 1200); out != "" {
				b.WriteString(out + "\n")
			}
			if errOut := truncate(c.Stderr, 300); errOut != "" {
				b.WriteString("stderr: " + errOut + "\n")
			}
		}
	}

	if ops := sess.FileOps(); len(ops) > 0 {
		b.WriteString("\n## FILE OPERATIONS PERFORMED\n")
		for i, op := range ops {
			fmt.Fprintf(&b, "\n--- File Operation %d ---\n", i+1)
			fmt.Fprintf(&b, "%s %s", op.Operation, op.Path)
			if op.Detail != "" {
				b.WriteString(" (" + truncate(op.Detail, 200) + ")")
			}
			if op.Err != "" {
				b.WriteString(" FAILED: " + truncate(op.Err, 200))
			}
			b.WriteString("\n")
		}
	}

	if searches := sess.Searches(); len(searches) > 0 {
		b.WriteString("\n## WEB SEARCHES PERFORMED\n")
		for i, sr := range searches {
			fmt.Fprintf(&b, "\n--- Web Search %d ---\n", i+1)
			fmt.Fprintf(&b, "query: %q, sources: %d, confidence: %.2f\n",
				sr.Query, sr.Sources, sr.Confidence)
		}
	}

	if history != nil {
		messages := significantMessages(history.All())
		if len(messages) > 0 {
			b.WriteString("\n## CONVERSATION HISTORY (key exchanges)\n")
			fmt.Fprintf(&b, "(showing up to last %d significant messages)\n", maxHistoryMessages)
			if len(messages) > maxHistoryMessages {
				messages = messages[len(messages)-maxHistoryMessages:]
			}
			for _, m := range messages {
				label := "SYSTEM/RESULT"
				if m.Role == convo.RoleAssistant {
					label = "AGENT"
				}
				fmt.Fprintf(&b, "\n[%s]\n%s\n", label, truncate(m.Content, 1000))
			}
		}
	}

	b.WriteString("\n" + rule + "\n")
	b.WriteString("ANALYSIS REQUEST\n")
	b.WriteString(rule + "\n")
	b.WriteString("Based on ALL the sources provided above, generate a comprehensive deep analysis report " +
		"following the structure defined in your system prompt. Be specific, reference actual " +
		"commands, outputs and steps where relevant, and provide actionable insights and recommendations.\n")

	return b.String()
}

// significantMessages filters out the system prompt and trivially short
// messages; the analyst only needs real exchanges.
func significantMessages(all []convo.Message) []convo.Message {
	var out []convo.Message
	for _, m := range all {
		if m.Role == convo.RoleSystem {
			continue
		}
		if len(m.Content) <= 20 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// parseVerdict pulls the task status out of the FINAL VERDICT section.
func parseVerdict(text string) Verdict {
	upper := strings.ToUpper(text)
	idx := strings.LastIndex(upper, "FINAL VERDICT")
	if idx >= 0 {
		upper = upper[idx:]
	}
	switch {
	case strings.Contains(upper, string(VerdictPartial)):
		return VerdictPartial
	case strings.Contains(upper, string(VerdictCompleted)):
		return VerdictCompleted
	case strings.Contains(upper, string(VerdictFailed)):
		return VerdictFailed
	}
	return VerdictUnknown
}

func fallbackReport(sess *session.Session, agentSummary string) Report {
	var b strings.Builder
	b.WriteString("## Analysis Unavailable\n\n")
	b.WriteString("The deep analysis sub-agent could not generate a report.\n\n")
	fmt.Fprintf(&b, "**Agent Summary:** %s\n", agentSummary)
	fmt.Fprintf(&b, "\nSession %s ran %d steps against %s.\n",
		sess.ID(), sess.StepCount(), sess.Target())
	return Report{Text: b.String(), Verdict: VerdictUnknown}
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
