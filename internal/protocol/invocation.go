// internal/protocol/invocation.go
package protocol

import (
	"fmt"
	"strings"
)

// Tool enumerates every action the model may request. The set is closed:
// unknown names are rejected at the validation boundary, never dispatched.
type Tool string

const (
	ToolExecuteCommand Tool = "execute_command"
	ToolReadFile       Tool = "read_file"
	ToolWriteFile      Tool = "write_file"
	ToolEditFile       Tool = "edit_file"
	ToolCopyFile       Tool = "copy_file"
	ToolDeleteFile     Tool = "delete_file"
	ToolListDirectory  Tool = "list_directory"
	ToolWebSearch      Tool = "web_search"
	ToolUpdatePlanStep Tool = "update_plan_step"
	ToolAskUser        Tool = "ask_user"
	ToolFinish         Tool = "finish"
)

// knownTools is the dispatch vocabulary quoted back to the model in
// corrective prompts.
var knownTools = []Tool{
	ToolExecuteCommand, ToolReadFile, ToolWriteFile, ToolEditFile,
	ToolCopyFile, ToolDeleteFile, ToolListDirectory, ToolWebSearch,
	ToolUpdatePlanStep, ToolAskUser, ToolFinish,
}

// KnownToolNames returns the tool vocabulary as a comma-separated string.
func KnownToolNames() string {
	names := make([]string, len(knownTools))
	for i, t := range knownTools {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// -- Per-tool argument records --

// ExecuteArgs carries a shell command for the execution backend.
type ExecuteArgs struct {
	Command string `json:"command"`
	Reason  string `json:"reason,omitempty"`
}

// ReadArgs reads a file, optionally a line range.
type ReadArgs struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

// WriteArgs writes content to a file, creating parent directories.
type WriteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// EditArgs applies one edit action to a file. Action is one of replace,
// insert_line, append, delete_line.
type EditArgs struct {
	Path    string `json:"path"`
	Action  string `json:"action"`
	Search  string `json:"search,omitempty"`
	Replace string `json:"replace,omitempty"`
	Line    int    `json:"line,omitempty"`
	Content string `json:"content,omitempty"`
}

// CopyArgs copies a file.
type CopyArgs struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Overwrite   bool   `json:"overwrite,omitempty"`
}

// DeleteArgs deletes a file, optionally keeping a .bak backup.
type DeleteArgs struct {
	Path   string `json:"path"`
	Backup bool   `json:"backup,omitempty"`
}

// ListArgs lists a directory.
type ListArgs struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

// SearchArgs runs the web search sub-agent.
type SearchArgs struct {
	Query string `json:"query"`
}

// PlanStepArgs updates one plan step's status.
type PlanStepArgs struct {
	Step   int    `json:"step"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

// AskArgs surfaces a question to the user.
type AskArgs struct {
	Question string `json:"question"`
}

// FinishArgs concludes the session with a summary.
type FinishArgs struct {
	Summary string `json:"summary"`
}

// Invocation is the closed tagged variant over the tool set. Exactly one
// argument record is non-nil, matching Tool. Transient: it lives for one
// loop iteration only.
type Invocation struct {
	Tool    Tool
	Thought string

	Execute  *ExecuteArgs
	Read     *ReadArgs
	Write    *WriteArgs
	Edit     *EditArgs
	Copy     *CopyArgs
	Delete   *DeleteArgs
	List     *ListArgs
	Search   *SearchArgs
	PlanStep *PlanStepArgs
	Ask      *AskArgs
	Finish   *FinishArgs
}

// Describe renders a short human-readable summary of the proposed effect,
// used by confirmation prompts.
func (inv Invocation) Describe() string {
	switch inv.Tool {
	case ToolExecuteCommand:
		return fmt.Sprintf("execute command: %s", inv.Execute.Command)
	case ToolReadFile:
		return fmt.Sprintf("read file %s", inv.Read.Path)
	case ToolWriteFile:
		return fmt.Sprintf("write %d bytes to %s", len(inv.Write.Content), inv.Write.Path)
	case ToolEditFile:
		return fmt.Sprintf("edit file %s (%s)", inv.Edit.Path, inv.Edit.Action)
	case ToolCopyFile:
		return fmt.Sprintf("copy %s to %s", inv.Copy.Source, inv.Copy.Destination)
	case ToolDeleteFile:
		return fmt.Sprintf("delete file %s", inv.Delete.Path)
	case ToolListDirectory:
		return fmt.Sprintf("list directory %s", inv.List.Path)
	case ToolWebSearch:
		return fmt.Sprintf("web search: %s", inv.Search.Query)
	case ToolUpdatePlanStep:
		return fmt.Sprintf("mark plan step %d as %s", inv.PlanStep.Step, inv.PlanStep.Status)
	case ToolAskUser:
		return fmt.Sprintf("ask: %s", inv.Ask.Question)
	case ToolFinish:
		return "finish the session"
	}
	return string(inv.Tool)
}
