// internal/plan/errors.go
package plan

import "fmt"

// ParseError reports a model plan draft that could not be turned into
// steps. The orchestrator feeds the reason back to the model and asks for
// a regenerated draft.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("plan draft rejected: %s", e.Reason)
}

// UnknownStepError reports an update addressed to a step ID outside 1..N.
type UnknownStepError struct {
	StepID int
	Total  int
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("unknown plan step %d (plan has %d steps)", e.StepID, e.Total)
}

// InvalidTransitionError reports a status transition the step lifecycle
// does not allow, such as moving a resolved step to a different terminal
// status.
type InvalidTransitionError struct {
	StepID int
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for step %d: %s -> %s (%s)", e.StepID, e.From, e.To, e.Reason)
}
