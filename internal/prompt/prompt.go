// internal/prompt/prompt.go
//
// System and scaffold prompts for the agent loop. Everything the model
// is told about its tools and the reply protocol lives here, next to
// nothing else, so protocol changes stay in one place.
package prompt

import (
	"fmt"
	"strings"
)

// SystemInfo describes the execution target the agent operates on. The
// orchestrator probes it once at startup.
type SystemInfo struct {
	Distro  string
	Version string
	User    string
	Host    string
}

// Label renders a short human-readable target description.
func (s SystemInfo) Label() string {
	parts := []string{}
	if s.Distro != "" {
		parts = append(parts, strings.TrimSpace(s.Distro+" "+s.Version))
	}
	if s.Host != "" {
		parts = append(parts, s.Host)
	}
	if len(parts) == 0 {
		return "Linux"
	}
	return strings.Join(parts, " on ")
}

// Agent builds the main system prompt: the tool catalog, the JSON reply
// protocol and the ground rules of the execution loop.
func Agent(info SystemInfo) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are an autonomous agent with access to a %s terminal. ", info.Label())
	b.WriteString("Your task is to achieve the user's goal by executing shell commands, " +
		"performing file operations and searching the web when local knowledge is not enough.\n\n")

	b.WriteString("For each step, reply with EXACTLY ONE JSON object and nothing else:\n")
	b.WriteString(`{"tool": "<tool name>", "thought": "<brief reasoning>", "args": {...}}` + "\n\n")

	b.WriteString("Available tools:\n")
	b.WriteString(`- execute_command: {"command": "<shell command>"}` + "\n")
	b.WriteString(`- read_file: {"path": "...", "start_line": <optional>, "end_line": <optional>}` + "\n")
	b.WriteString(`- write_file: {"path": "...", "content": "..."}` + "\n")
	b.WriteString(`- edit_file: {"path": "...", "action": "replace|insert_line|append|delete_line", "search": "...", "replace": "...", "line": <n>, "content": "..."}` + "\n")
	b.WriteString(`- copy_file: {"source": "...", "destination": "...", "overwrite": <bool>}` + "\n")
	b.WriteString(`- delete_file: {"path": "...", "backup": <bool>}` + "\n")
	b.WriteString(`- list_directory: {"path": "...", "recursive": <bool>, "pattern": "<optional glob>"}` + "\n")
	b.WriteString(`- web_search: {"query": "..."}` + "\n")
	b.WriteString(`- update_plan_step: {"step": <id>, "status": "in_progress|completed|failed|skipped", "result": "<short outcome>"}` + "\n")
	b.WriteString(`- ask_user: {"question": "..."}` + "\n")
	b.WriteString(`- finish: {"summary": "<what was done>"}` + "\n\n")

	b.WriteString("Rules:\n")
	b.WriteString("- Every reply MUST include the \"tool\" field. Never omit it.\n")
	b.WriteString("- Follow your action plan. Before working on a step mark it in_progress, " +
		"and when it is done mark it completed, failed or skipped with update_plan_step.\n")
	b.WriteString("- After each command you will receive its exit code and output. " +
		"Decide yourself whether it succeeded and what to do next. " +
		"If the result is acceptable, continue; if not, fix the command or ask the user.\n")
	b.WriteString("- Call finish ONLY when every plan step is resolved. " +
		"Summarize everything you did in the summary field.\n")
	b.WriteString("- Never use interactive commands (editors, passwd, top, less, more, " +
		"nano, vi, vim, htop, mc and similar) or anything that waits for keyboard input. " +
		"Use non-interactive flags instead.\n")

	if info.User == "root" {
		b.WriteString("- You do not need sudo, you are root.\n")
	}

	return b.String()
}

// Goal builds the pinned user message carrying the objective. It stays
// in the context window for the whole session.
func Goal(goal string) string {
	return fmt.Sprintf("Your goal: %s.", goal)
}

// Planner builds the prompt that asks the model to draft an action plan
// before any execution starts.
func Planner(goal string, info SystemInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target system: %s.\n\n", info.Label())
	fmt.Fprintf(&b, "The user's goal is: %s\n\n", goal)
	b.WriteString("Draft a concise, ordered action plan to achieve this goal. " +
		"Each step should be one concrete action, with a suggested shell command where applicable.\n\n")
	b.WriteString("Reply with EXACTLY this JSON shape and nothing else:\n")
	b.WriteString(`{"steps": [{"description": "<what this step does>", "command": "<suggested command, or empty>"}]}` + "\n")
	return b.String()
}

// Revision asks the model to redraft the plan after the user rejected
// or amended it during review.
func Revision(goal, currentPlan, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The user's goal is: %s\n\n", goal)
	b.WriteString("Your current draft plan:\n")
	b.WriteString(currentPlan + "\n\n")
	fmt.Fprintf(&b, "The user requested changes: %s\n\n", feedback)
	b.WriteString("Produce a revised plan in the same JSON shape:\n")
	b.WriteString(`{"steps": [{"description": "...", "command": "..."}]}` + "\n")
	return b.String()
}

// Ask builds the system prompt for one-shot question answering, no
// tools, no loop.
func Ask(info SystemInfo) string {
	return fmt.Sprintf("You are a helpful assistant for a user working on a %s system. "+
		"Answer the question directly and concisely. Use plain text, not JSON.", info.Label())
}

// CommandResult renders an execution outcome as the tool feedback
// message the model sees next turn.
func CommandResult(command string, exitCode int, stdout, stderr string, timedOut bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Command %q finished with exit code %d.", command, exitCode)
	if timedOut {
		b.WriteString(" The command TIMED OUT and was killed.")
	}
	if stdout != "" {
		b.WriteString("\nstdout:\n" + stdout)
	}
	if stderr != "" {
		b.WriteString("\nstderr:\n" + stderr)
	}
	if stdout == "" && stderr == "" {
		b.WriteString("\n(no output)")
	}
	return b.String()
}

// Refusal renders the feedback message for an action the user declined.
func Refusal(action, justification string) string {
	if justification == "" {
		return fmt.Sprintf("The user declined to run %s. Choose a different approach or ask the user.", action)
	}
	return fmt.Sprintf("The user declined to run %s. Reason: %s. Adjust your approach accordingly.", action, justification)
}
