// internal/ux/console.go
//
// Terminal interaction layer: confirmation prompts, plan review and
// styled output. The orchestrator talks to the user only through this
// package, which keeps the agent loop testable with plain readers and
// writers.
package ux

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jmroz/taskpilot/internal/plan"
	"github.com/jmroz/taskpilot/internal/security"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	promptStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	dangerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	cautionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	panelStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("81")).
			Padding(0, 1)
)

// Decision is the outcome of a confirmation prompt.
type Decision struct {
	Approved bool
	// GoAutonomous is set when the user approved with "a", asking to
	// stop confirming non-dangerous actions from now on.
	GoAutonomous bool
	// Justification is the user's optional reason for declining; it is
	// fed back to the model.
	Justification string
}

// PlanDecision is the outcome of the plan review prompt.
type PlanDecision struct {
	Accepted bool
	Feedback string
}

// Console reads user input line by line and writes styled output.
type Console struct {
	in  *bufio.Reader
	out io.Writer
}

// New wires a console to the given streams, normally stdin and stdout.
func New(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out}
}

func (c *Console) readLine() string {
	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	return strings.TrimSpace(line)
}

// Info prints a neutral status line.
func (c *Console) Info(format string, args ...any) {
	fmt.Fprintln(c.out, dimStyle.Render(fmt.Sprintf(format, args...)))
}

// Success prints a positive status line.
func (c *Console) Success(format string, args ...any) {
	fmt.Fprintln(c.out, successStyle.Render(fmt.Sprintf(format, args...)))
}

// Warn prints a cautionary status line.
func (c *Console) Warn(format string, args ...any) {
	fmt.Fprintln(c.out, cautionStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints a failure line.
func (c *Console) Error(format string, args ...any) {
	fmt.Fprintln(c.out, dangerStyle.Render(fmt.Sprintf(format, args...)))
}

// Thought surfaces the model's reasoning for the upcoming action.
func (c *Console) Thought(thought string) {
	if thought == "" {
		return
	}
	fmt.Fprintln(c.out, dimStyle.Render("thinking: "+thought))
}

// Confirm asks the user to approve one proposed action. The rationale
// explains why the action was classified the way it was. Answering "a"
// approves and requests autonomous mode; anything other than "y"/"a"
// declines and offers to record a justification for the model.
func (c *Console) Confirm(action string, verdict security.Verdict) Decision {
	label := promptStyle.Render("> " + action)
	switch verdict.Tier {
	case security.TierDangerous:
		label = dangerStyle.Render("DANGEROUS> "+action) + "\n" +
			dangerStyle.Render("  "+verdict.Rationale)
	case security.TierCaution:
		label = cautionStyle.Render("caution> "+action) + "\n" +
			cautionStyle.Render("  "+verdict.Rationale)
	}

	fmt.Fprintln(c.out, label)
	fmt.Fprint(c.out, promptStyle.Render("Execute? [y/N/a(utonomous)]: "))

	switch strings.ToLower(c.readLine()) {
	case "y", "yes":
		return Decision{Approved: true}
	case "a":
		return Decision{Approved: true, GoAutonomous: true}
	}

	fmt.Fprint(c.out, promptStyle.Render("Why not? (optional, sent to the agent): "))
	return Decision{Approved: false, Justification: c.readLine()}
}

// Ask relays a model question to the user and returns the raw answer.
func (c *Console) Ask(question string) string {
	fmt.Fprintln(c.out, titleStyle.Render("Agent asks: ")+question)
	fmt.Fprint(c.out, promptStyle.Render("Your answer: "))
	return c.readLine()
}

// ReviewPlan shows a drafted plan and lets the user accept it or send
// it back with feedback.
func (c *Console) ReviewPlan(m *plan.Manager) PlanDecision {
	fmt.Fprintln(c.out, panelStyle.Render(titleStyle.Render("Proposed plan")+"\n"+RenderPlan(m)))
	fmt.Fprint(c.out, promptStyle.Render("Accept plan? [Y/e(dit)]: "))

	switch strings.ToLower(c.readLine()) {
	case "", "y", "yes":
		return PlanDecision{Accepted: true}
	}

	fmt.Fprint(c.out, promptStyle.Render("What should change? "))
	return PlanDecision{Accepted: false, Feedback: c.readLine()}
}

// ShowProgress prints the current plan state between turns.
func (c *Console) ShowProgress(m *plan.Manager) {
	p := m.Progress()
	c.Info("plan: %d/%d steps resolved (%d%%)", p.Completed+p.Failed+p.Skipped, p.Total, p.Percentage)
}

// ShowReport prints the final analysis report inside a framed panel.
func (c *Console) ShowReport(goal, report string) {
	header := titleStyle.Render("DEEP ANALYSIS COMPLETE")
	goalLine := dimStyle.Render("Goal: " + truncate(goal, 80))
	fmt.Fprintln(c.out, panelStyle.Render(header+"\n"+goalLine))
	fmt.Fprintln(c.out, report)
}

var statusGlyphs = map[plan.Status]string{
	plan.StatusPending:    "[ ]",
	plan.StatusInProgress: "[~]",
	plan.StatusCompleted:  "[x]",
	plan.StatusFailed:     "[!]",
	plan.StatusSkipped:    "[-]",
}

// RenderPlan renders the step list with status glyphs and per-status
// coloring.
func RenderPlan(m *plan.Manager) string {
	var b strings.Builder
	for _, step := range m.Steps() {
		line := fmt.Sprintf("%s %d. %s", statusGlyphs[step.Status], step.ID, step.Description)
		if step.Command != "" {
			line += dimStyle.Render("  $ " + step.Command)
		}
		switch step.Status {
		case plan.StatusCompleted:
			line = successStyle.Render(line)
		case plan.StatusFailed:
			line = dangerStyle.Render(line)
		case plan.StatusSkipped:
			line = dimStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
