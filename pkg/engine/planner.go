package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// dfs traversal colors.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current traversal path
	colorBlack        // fully visited
)

// TopoSort orders resource IDs so that for every edge (a, b), a precedes b.
// The traversal is depth-first with visiting/visited markers; re-entering a
// node on the current path signals a cycle and fails with a CycleError
// listing the cycle's members. Independent resources keep their declaration
// order, so identical input always yields an identical order.
func TopoSort(graph *DeploymentGraph) ([]string, error) {
	colors := make(map[string]int, len(graph.Resources))
	order := make([]string, 0, len(graph.Resources))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case colorBlack:
			return nil
		case colorGray:
			return NewCycleError(extractCycle(path, id))
		}
		colors[id] = colorGray
		path = append(path, id)
		for _, dep := range graph.Dependencies(id) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		colors[id] = colorBlack
		order = append(order, id)
		return nil
	}

	for i := range graph.Resources {
		if err := visit(graph.Resources[i].ID); err != nil {
			return nil, err
		}
	}

	return order, nil
}

// extractCycle returns the members of the cycle closed by reaching start
// while it is already on the traversal path.
func extractCycle(path []string, start string) []string {
	for i, id := range path {
		if id == start {
			cycle := make([]string, len(path)-i)
			copy(cycle, path[i:])
			return cycle
		}
	}
	return []string{start}
}

// Planner builds executable plans: it orders the graph, diffs it against the
// snapshot, expands replacements, and wires step dependencies so the driver
// can run independent branches in parallel.
type Planner struct {
	diff    *DiffEngine
	schemas *TypeSchemaRegistry
}

// NewPlanner creates a planner using the given type schemas.
func NewPlanner(schemas *TypeSchemaRegistry) *Planner {
	if schemas == nil {
		schemas = NewTypeSchemaRegistry()
	}
	return &Planner{
		diff:    NewDiffEngine(schemas),
		schemas: schemas,
	}
}

// BuildPlan computes the ordered plan reconciling graph against snap.
// Reference, cycle, and validation errors surface here, before any remote
// mutation.
func (p *Planner) BuildPlan(ctx context.Context, graph *DeploymentGraph, snap *StateSnapshot) (*Plan, error) {
	if graph == nil {
		return nil, NewPermanentError("deployment graph is nil", nil).WithCode(ErrCodeValidation)
	}
	if snap == nil {
		snap = NewSnapshot()
	}

	order, err := TopoSort(graph)
	if err != nil {
		return nil, err
	}

	diff, err := p.diff.Diff(graph, snap)
	if err != nil {
		return nil, err
	}
	p.propagateReplacements(graph, diff, order)

	plan := &Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		Actions:   make(map[string]ChangeAction, len(diff.Resources)),
		Diff:      diff,
		Summary:   diff.Summary,
	}
	for _, rd := range diff.Resources {
		plan.Actions[rd.ResourceID] = rd.Action
	}

	steps, err := p.buildSteps(graph, snap, diff, order)
	if err != nil {
		return nil, err
	}
	plan.Steps = steps

	return plan, nil
}

// propagateReplacements upgrades Noop dependents of replaced resources to
// Update: their referenced attributes are reassigned when the new object is
// created, so they must be re-applied after the replacement completes.
func (p *Planner) propagateReplacements(graph *DeploymentGraph, diff *DiffResult, order []string) {
	actions := make(map[string]ChangeAction, len(diff.Resources))
	for _, rd := range diff.Resources {
		actions[rd.ResourceID] = rd.Action
	}

	for i := range diff.Resources {
		rd := &diff.Resources[i]
		if rd.Action != ActionNoop {
			continue
		}
		for _, dep := range graph.Dependencies(rd.ResourceID) {
			if actions[dep] == ActionReplace {
				rd.Action = ActionUpdate
				rd.Reason = fmt.Sprintf("dependency %q replaced", dep)
				diff.Summary.NoChange--
				diff.Summary.ToUpdate++
				break
			}
		}
	}
}

// buildSteps expands the diff into schedulable steps in topological order.
func (p *Planner) buildSteps(
	graph *DeploymentGraph,
	snap *StateSnapshot,
	diff *DiffResult,
	order []string,
) ([]PlanStep, error) {
	diffByID := make(map[string]*ResourceDiff, len(diff.Resources))
	for i := range diff.Resources {
		diffByID[diff.Resources[i].ResourceID] = &diff.Resources[i]
	}

	var steps []PlanStep

	// Snapshot-only resources are deleted first, dependents before the
	// resources they depended on at apply time.
	deleteStepIDs := make(map[string]string)
	var removed []string
	for _, rd := range diff.Resources {
		if rd.Action == ActionDelete && !graph.Contains(rd.ResourceID) {
			removed = append(removed, rd.ResourceID)
		}
	}
	for _, id := range removed {
		deleteStepIDs[id] = uuid.New().String()
	}
	for _, id := range removed {
		step := PlanStep{
			ID:         deleteStepIDs[id],
			ResourceID: id,
			Kind:       StepDelete,
			Action:     ActionDelete,
			Reason:     diffByID[id].Reason,
		}
		// A resource is deleted only after everything that depended on it.
		for _, other := range removed {
			if other == id {
				continue
			}
			if containsString(snap.Resources[other].DependsOn, id) {
				step.DependsOn = append(step.DependsOn, deleteStepIDs[other])
			}
		}
		steps = append(steps, step)
	}

	// materializedBy maps a resource ID to the step dependents must wait for.
	materializedBy := make(map[string]string)

	for _, id := range order {
		rd, ok := diffByID[id]
		if !ok || rd.Action == ActionNoop {
			continue
		}
		spec, _ := graph.Resource(id)

		var depSteps []string
		for _, dep := range graph.Dependencies(id) {
			if stepID, ok := materializedBy[dep]; ok {
				depSteps = append(depSteps, stepID)
			}
		}

		switch rd.Action {
		case ActionCreate:
			step := PlanStep{
				ID:         uuid.New().String(),
				ResourceID: id,
				Kind:       StepCreate,
				Action:     ActionCreate,
				Reason:     rd.Reason,
				Spec:       spec,
				DependsOn:  depSteps,
			}
			materializedBy[id] = step.ID
			steps = append(steps, step)

		case ActionUpdate:
			step := PlanStep{
				ID:         uuid.New().String(),
				ResourceID: id,
				Kind:       StepUpdate,
				Action:     ActionUpdate,
				Reason:     rd.Reason,
				Spec:       spec,
				DependsOn:  depSteps,
			}
			materializedBy[id] = step.ID
			steps = append(steps, step)

		case ActionReplace:
			schema := p.schemas.Lookup(spec.Type)
			deleteStep := PlanStep{
				ID:         uuid.New().String(),
				ResourceID: id,
				Kind:       StepDelete,
				Action:     ActionReplace,
				Reason:     rd.Reason,
			}
			createStep := PlanStep{
				ID:         uuid.New().String(),
				ResourceID: id,
				Kind:       StepCreate,
				Action:     ActionReplace,
				Reason:     rd.Reason,
				Spec:       spec,
			}
			if schema.CreateBeforeDestroy {
				createStep.DependsOn = depSteps
				deleteStep.DependsOn = []string{createStep.ID}
				steps = append(steps, createStep, deleteStep)
			} else {
				deleteStep.DependsOn = depSteps
				createStep.DependsOn = []string{deleteStep.ID}
				steps = append(steps, deleteStep, createStep)
			}
			// Dependents wait for the new object, not the teardown.
			materializedBy[id] = createStep.ID

		case ActionDelete:
			// Declared resources never carry a bare delete; removal is
			// handled above.
			return nil, NewPermanentError("declared resource classified as delete", nil).
				WithCode(ErrCodeInternal).WithResource(id)
		}
	}

	return orderSteps(steps)
}

// orderSteps assigns ranks via a stable topological pass over the step
// dependency graph. Steps earlier in the slice win ties, preserving
// declaration order end to end.
func orderSteps(steps []PlanStep) ([]PlanStep, error) {
	known := make(map[string]bool, len(steps))
	for i := range steps {
		known[steps[i].ID] = true
	}

	done := make(map[string]bool, len(steps))
	emitted := make(map[string]bool, len(steps))
	ordered := make([]PlanStep, 0, len(steps))

	for len(ordered) < len(steps) {
		progressed := false
		for i := range steps {
			step := &steps[i]
			if emitted[step.ID] {
				continue
			}
			ready := true
			for _, dep := range step.DependsOn {
				if known[dep] && !done[dep] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			step.Rank = len(ordered)
			ordered = append(ordered, *step)
			emitted[step.ID] = true
			done[step.ID] = true
			progressed = true
		}
		if !progressed {
			return nil, NewPermanentError("plan steps do not form a DAG", nil).
				WithCode(ErrCodeInternal)
		}
	}

	return ordered, nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
