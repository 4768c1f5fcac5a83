package engine

import "fmt"

// ChangeAction represents the resource-level action computed by the diff
// engine.
type ChangeAction string

const (
	// ActionCreate indicates the resource exists only in the new graph.
	ActionCreate ChangeAction = "create"

	// ActionUpdate indicates a mutable property changed.
	ActionUpdate ChangeAction = "update"

	// ActionReplace indicates an immutable property changed; the resource is
	// destroyed and recreated.
	ActionReplace ChangeAction = "replace"

	// ActionDelete indicates the resource exists only in the snapshot.
	ActionDelete ChangeAction = "delete"

	// ActionNoop indicates the resource is already in the desired state.
	ActionNoop ChangeAction = "noop"
)

// IsDestructive returns true if the action destroys a remote object.
func (a ChangeAction) IsDestructive() bool {
	return a == ActionDelete || a == ActionReplace
}

// Validate checks if the change action is valid.
func (a ChangeAction) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionReplace, ActionDelete, ActionNoop:
		return nil
	default:
		return fmt.Errorf("invalid change action: %s", a)
	}
}

// StepKind is the concrete control-plane operation a plan step performs.
// A Replace action expands into a delete step and a create step.
type StepKind string

const (
	// StepCreate creates a remote object.
	StepCreate StepKind = "create"

	// StepUpdate updates a remote object in place.
	StepUpdate StepKind = "update"

	// StepDelete deletes a remote object.
	StepDelete StepKind = "delete"
)

// Validate checks if the step kind is valid.
func (k StepKind) Validate() error {
	switch k {
	case StepCreate, StepUpdate, StepDelete:
		return nil
	default:
		return fmt.Errorf("invalid step kind: %s", k)
	}
}

// Outcome is the per-step (and per-resource) execution outcome.
type Outcome string

const (
	// OutcomePending indicates the step has not started.
	OutcomePending Outcome = "pending"

	// OutcomeRunning indicates the step is executing.
	OutcomeRunning Outcome = "running"

	// OutcomeApplied indicates the step completed successfully.
	OutcomeApplied Outcome = "applied"

	// OutcomeFailed indicates the step failed permanently.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped indicates the step never ran because a dependency
	// failed or the run was cancelled.
	OutcomeSkipped Outcome = "skipped"
)

// IsTerminal returns true if the outcome is final.
func (o Outcome) IsTerminal() bool {
	return o == OutcomeApplied || o == OutcomeFailed || o == OutcomeSkipped
}

// RunStatus represents the overall status of a plan execution run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every step applied.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no step applied, or the run aborted.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates some steps applied and some failed or
	// were skipped.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was cancelled by the user.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartial || s == RunStatusCancelled
}

// IsActive returns true if the run is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}
