package engine

import (
	"time"
)

// ResourceSpec declares a single provisionable resource. Specs are immutable
// once handed to the graph builder for a planning pass.
type ResourceSpec struct {
	// ID is the unique identifier for this resource within a deployment.
	ID string `json:"id"`

	// Type is the resource type tag (e.g., "network.vpc", "db.instance").
	Type string `json:"type"`

	// Properties is the desired configuration. String values may embed
	// references to other resources' attributes as "${<id>.<attribute>}".
	Properties map[string]interface{} `json:"properties,omitempty"`

	// DependsOn lists explicit ordering dependencies by resource ID.
	DependsOn []string `json:"depends_on,omitempty"`

	// Labels are key-value pairs for organizing and selecting resources.
	Labels map[string]string `json:"labels,omitempty"`
}

// Reference is a resolved cross-resource attribute reference found in a
// property value.
type Reference struct {
	// ResourceID is the referenced resource.
	ResourceID string `json:"resource_id"`

	// Attribute is the referenced output attribute name.
	Attribute string `json:"attribute"`

	// Field is the property path of the referencing value (e.g. "settings.subnet").
	Field string `json:"field"`
}

// DependencyEdge records that From must exist (or be updated) before To.
type DependencyEdge struct {
	// From is the prerequisite resource ID.
	From string `json:"from"`

	// To is the dependent resource ID.
	To string `json:"to"`

	// Field is the property path that produced this edge, or "" for an
	// explicit depends_on declaration.
	Field string `json:"field,omitempty"`
}

// DeploymentGraph is the validated set of resource specs plus the dependency
// edges derived from explicit declarations and property references.
// Invariants: acyclic (enforced by the planner), every edge endpoint resolves
// to a declared resource (enforced by the graph builder).
type DeploymentGraph struct {
	// Resources holds the specs in declaration order.
	Resources []ResourceSpec `json:"resources"`

	// Edges lists all dependency edges.
	Edges []DependencyEdge `json:"edges"`

	index map[string]int
}

// Resource returns the spec for the given ID.
func (g *DeploymentGraph) Resource(id string) (*ResourceSpec, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return &g.Resources[i], true
}

// Contains reports whether the graph declares the given resource ID.
func (g *DeploymentGraph) Contains(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Dependencies returns the unique prerequisite IDs of a resource, in the
// order their edges were derived.
func (g *DeploymentGraph) Dependencies(id string) []string {
	var deps []string
	seen := make(map[string]bool)
	for _, e := range g.Edges {
		if e.To == id && !seen[e.From] {
			seen[e.From] = true
			deps = append(deps, e.From)
		}
	}
	return deps
}

// Dependents returns the unique IDs of resources that depend on the given
// resource, in declaration order.
func (g *DeploymentGraph) Dependents(id string) []string {
	seen := make(map[string]bool)
	for _, e := range g.Edges {
		if e.From == id {
			seen[e.To] = true
		}
	}
	var out []string
	for _, r := range g.Resources {
		if seen[r.ID] {
			out = append(out, r.ID)
		}
	}
	return out
}

// ResourceRecord is the durable record of one applied resource: the spec it
// was applied from plus the remote-assigned identity and attributes.
type ResourceRecord struct {
	// ID is the resource ID from the deployment graph.
	ID string `json:"id"`

	// Type is the resource type tag.
	Type string `json:"type"`

	// RemoteID is the identifier assigned by the control plane.
	RemoteID string `json:"remote_id"`

	// Properties is the normalized desired configuration that was applied.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// Attributes are the output attributes reported by the control plane.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	// DependsOn preserves the dependency IDs at apply time, used to order
	// deletions of resources that have since left the configuration.
	DependsOn []string `json:"depends_on,omitempty"`

	// Labels preserves the labels at apply time, so policies can still see
	// them once the resource leaves the configuration.
	Labels map[string]string `json:"labels,omitempty"`

	// AppliedAt is when this record was last applied.
	AppliedAt time.Time `json:"applied_at"`
}

// StateSnapshot is the last successfully applied state. It is read at plan
// start and overwritten only after execution completes.
type StateSnapshot struct {
	// Serial increments on every persisted snapshot.
	Serial int64 `json:"serial"`

	// TakenAt is when the snapshot was persisted.
	TakenAt time.Time `json:"taken_at"`

	// Resources maps resource ID to its applied record.
	Resources map[string]ResourceRecord `json:"resources"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *StateSnapshot {
	return &StateSnapshot{Resources: make(map[string]ResourceRecord)}
}

// Clone returns a deep-enough copy for single-writer mutation during a run.
func (s *StateSnapshot) Clone() *StateSnapshot {
	out := &StateSnapshot{
		Serial:    s.Serial,
		TakenAt:   s.TakenAt,
		Resources: make(map[string]ResourceRecord, len(s.Resources)),
	}
	for id, rec := range s.Resources {
		out.Resources[id] = rec
	}
	return out
}

// Change represents a single property-level difference.
type Change struct {
	// Path is the property path being changed (e.g. "settings.node_count").
	Path string `json:"path"`

	// Before is the value before the change.
	Before interface{} `json:"before,omitempty"`

	// After is the value after the change.
	After interface{} `json:"after,omitempty"`

	// Action describes the change (add, remove, modify).
	Action ChangeKind `json:"action"`
}

// ChangeKind represents the kind of property-level change.
type ChangeKind string

const (
	// ChangeKindAdd indicates a new property is being added.
	ChangeKindAdd ChangeKind = "add"

	// ChangeKindRemove indicates a property is being removed.
	ChangeKindRemove ChangeKind = "remove"

	// ChangeKindModify indicates a property value is being changed.
	ChangeKindModify ChangeKind = "modify"
)

// ResourceDiff is the computed difference for a single resource.
type ResourceDiff struct {
	// ResourceID is the resource the diff applies to.
	ResourceID string `json:"resource_id"`

	// Action is the required change action.
	Action ChangeAction `json:"action"`

	// Reason is the human-readable cause attached to plan report lines.
	Reason string `json:"reason"`

	// Changes lists the property-level differences behind the action.
	Changes []Change `json:"changes,omitempty"`
}

// DiffResult is the full diff between a deployment graph and a snapshot.
type DiffResult struct {
	// Resources holds one diff per resource, declared resources first in
	// declaration order, then snapshot-only resources.
	Resources []ResourceDiff `json:"resources"`

	// Summary provides statistics about the diff.
	Summary PlanSummary `json:"summary"`

	// Timestamp is when the diff was computed.
	Timestamp time.Time `json:"timestamp"`
}

// PlanStep is one schedulable action in an ordered plan. A Replace action
// expands into two steps (delete and create) for the same resource.
type PlanStep struct {
	// ID is the unique identifier for this step.
	ID string `json:"id"`

	// ResourceID is the resource this step operates on.
	ResourceID string `json:"resource_id"`

	// Kind is the concrete operation this step performs.
	Kind StepKind `json:"kind"`

	// Action is the resource-level change action this step belongs to.
	Action ChangeAction `json:"action"`

	// Rank is the position in the topological execution order.
	Rank int `json:"rank"`

	// Reason explains why the step is in the plan.
	Reason string `json:"reason"`

	// Spec is the desired spec for create/update steps; nil for deletes.
	Spec *ResourceSpec `json:"spec,omitempty"`

	// DependsOn lists step IDs that must complete successfully first.
	DependsOn []string `json:"depends_on,omitempty"`
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	// TotalResources counts every resource considered by the diff.
	TotalResources int `json:"total_resources"`

	// ToCreate is the number of resources to create.
	ToCreate int `json:"to_create"`

	// ToUpdate is the number of resources to update in place.
	ToUpdate int `json:"to_update"`

	// ToReplace is the number of resources to destroy and recreate.
	ToReplace int `json:"to_replace"`

	// ToDelete is the number of resources to delete.
	ToDelete int `json:"to_delete"`

	// NoChange is the number of resources already in the desired state.
	NoChange int `json:"no_change"`
}

// Plan is an ordered, executable reconciliation of desired vs applied state.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Actions maps resource ID to its change action, including Noop.
	Actions map[string]ChangeAction `json:"actions"`

	// Diff is the per-resource diff the plan was built from.
	Diff *DiffResult `json:"diff,omitempty"`

	// Steps are the schedulable actions in topological order.
	Steps []PlanStep `json:"steps"`

	// Summary provides statistics about the plan.
	Summary PlanSummary `json:"summary"`
}

// HasChanges reports whether the plan contains any step to execute.
func (p *Plan) HasChanges() bool {
	return len(p.Steps) > 0
}

// StepResult is the outcome of executing one plan step.
type StepResult struct {
	// StepID is the step this result belongs to.
	StepID string `json:"step_id"`

	// ResourceID is the resource the step operated on.
	ResourceID string `json:"resource_id"`

	// Kind is the operation that was performed.
	Kind StepKind `json:"kind"`

	// Outcome is the terminal outcome of the step.
	Outcome Outcome `json:"outcome"`

	// Attempts is the number of execution attempts, including retries.
	Attempts int `json:"attempts"`

	// RemoteID is the control-plane identifier after a create/update.
	RemoteID string `json:"remote_id,omitempty"`

	// StartedAt is when the first attempt started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the step reached a terminal outcome.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total wall-clock time spent on the step.
	Duration time.Duration `json:"duration"`

	// Error is the terminal error for failed or skipped steps.
	Error *EngineError `json:"error,omitempty"`
}

// RunSummary provides statistics about a run.
type RunSummary struct {
	// Total is the number of steps in the plan.
	Total int `json:"total"`

	// Applied is the number of steps that completed successfully.
	Applied int `json:"applied"`

	// Failed is the number of steps that failed permanently.
	Failed int `json:"failed"`

	// Skipped is the number of steps skipped because a dependency failed
	// or the run was cancelled before they started.
	Skipped int `json:"skipped"`
}

// Run records one execution of a plan.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// PlanID is the plan that was executed.
	PlanID string `json:"plan_id"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when execution finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Results maps step ID to its result.
	Results map[string]*StepResult `json:"results"`

	// Summary provides statistics about the run.
	Summary RunSummary `json:"summary"`
}

// Outcomes collapses step results to one outcome per resource. A resource
// whose replace pair partially applied reports Failed.
func (r *Run) Outcomes() map[string]Outcome {
	out := make(map[string]Outcome)
	for _, res := range r.Results {
		prev, ok := out[res.ResourceID]
		if !ok {
			out[res.ResourceID] = res.Outcome
			continue
		}
		if rankOutcome(res.Outcome) > rankOutcome(prev) {
			out[res.ResourceID] = res.Outcome
		}
	}
	return out
}

func rankOutcome(o Outcome) int {
	switch o {
	case OutcomeFailed:
		return 3
	case OutcomeSkipped:
		return 2
	case OutcomeApplied:
		return 1
	default:
		return 0
	}
}

// Event is a timeline event emitted during planning and execution.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event type (run.started, step.failed, ...).
	Type string `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run this event belongs to, if any.
	RunID string `json:"run_id,omitempty"`

	// StepID is the plan step, if applicable.
	StepID string `json:"step_id,omitempty"`

	// ResourceID is the resource, if applicable.
	ResourceID string `json:"resource_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the severity level (info, warning, error).
	Level string `json:"level"`
}

// Event type constants.
const (
	EventTypeRunStarted    = "run.started"
	EventTypeRunCompleted  = "run.completed"
	EventTypeRunFailed     = "run.failed"
	EventTypeRunCancelled  = "run.cancelled"
	EventTypeStepStarted   = "step.started"
	EventTypeStepApplied   = "step.applied"
	EventTypeStepFailed    = "step.failed"
	EventTypeStepSkipped   = "step.skipped"
	EventTypeStepRetried   = "step.retried"
	EventTypeSnapshotSaved = "snapshot.saved"
)
