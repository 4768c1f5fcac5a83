package engine

import (
	"context"
	"testing"
	"time"
)

func mustBuild(t *testing.T, specs []ResourceSpec) *DeploymentGraph {
	t.Helper()
	graph, err := NewGraphBuilder().Build(specs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return graph
}

func TestTopoSortKeepsDeclarationOrderForIndependentResources(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{
		{ID: "c", Type: "t"},
		{ID: "a", Type: "t"},
		{ID: "b", Type: "t"},
	})

	order, err := TopoSort(graph)
	if err != nil {
		t.Fatalf("TopoSort failed: %v", err)
	}
	want := []string{"c", "a", "b"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestTopoSortOrdersDependenciesFirst(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{
		{ID: "app", Type: "t", Properties: map[string]interface{}{"db": "${db.endpoint}"}},
		{ID: "db", Type: "t", Properties: map[string]interface{}{"net": "${net.id}"}},
		{ID: "net", Type: "t"},
	})

	order, err := TopoSort(graph)
	if err != nil {
		t.Fatalf("TopoSort failed: %v", err)
	}
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if pos["net"] > pos["db"] || pos["db"] > pos["app"] {
		t.Errorf("dependency order violated: %v", order)
	}
}

func TestTopoSortReportsCycleMembers(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{
		{ID: "a", Type: "t", Properties: map[string]interface{}{"x": "${b.id}"}},
		{ID: "b", Type: "t", Properties: map[string]interface{}{"x": "${a.id}"}},
	})

	_, err := TopoSort(graph)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !IsCycleError(err) {
		t.Fatalf("expected CYCLE_ERROR, got %v", err)
	}
	members := CycleMembers(err)
	if len(members) != 2 {
		t.Errorf("expected 2 cycle members, got %v", members)
	}
}

func TestTopoSortIsDeterministic(t *testing.T) {
	specs := []ResourceSpec{
		{ID: "z", Type: "t"},
		{ID: "m", Type: "t", DependsOn: []string{"z"}},
		{ID: "a", Type: "t", DependsOn: []string{"z"}},
	}
	first, err := TopoSort(mustBuild(t, specs))
	if err != nil {
		t.Fatalf("TopoSort failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := TopoSort(mustBuild(t, specs))
		if err != nil {
			t.Fatalf("TopoSort failed: %v", err)
		}
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("order changed between runs: %v vs %v", first, again)
			}
		}
	}
}

func TestBuildPlanFirstRunCreatesEverything(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{
		{ID: "net", Type: "network.vpc"},
		{ID: "db", Type: "db.instance", Properties: map[string]interface{}{"vpc": "${net.id}"}},
	})

	plan, err := NewPlanner(nil).BuildPlan(context.Background(), graph, NewSnapshot())
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if plan.Summary.ToCreate != 2 {
		t.Errorf("expected 2 creates, got %+v", plan.Summary)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan.Steps))
	}
	// db's step must wait for net's step.
	var netStep, dbStep *PlanStep
	for i := range plan.Steps {
		switch plan.Steps[i].ResourceID {
		case "net":
			netStep = &plan.Steps[i]
		case "db":
			dbStep = &plan.Steps[i]
		}
	}
	if len(dbStep.DependsOn) != 1 || dbStep.DependsOn[0] != netStep.ID {
		t.Errorf("db step does not depend on net step: %+v", dbStep.DependsOn)
	}
}

func TestBuildPlanNoChanges(t *testing.T) {
	props := map[string]interface{}{"cidr": "10.0.0.0/16"}
	graph := mustBuild(t, []ResourceSpec{{ID: "net", Type: "network.vpc", Properties: props}})

	snap := NewSnapshot()
	normalized, _ := NormalizeProperties(props)
	snap.Resources["net"] = ResourceRecord{
		ID: "net", Type: "network.vpc", RemoteID: "r-1",
		Properties: normalized, AppliedAt: time.Now(),
	}

	plan, err := NewPlanner(nil).BuildPlan(context.Background(), graph, snap)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if plan.HasChanges() {
		t.Errorf("expected empty plan, got %d steps", len(plan.Steps))
	}
	if plan.Actions["net"] != ActionNoop {
		t.Errorf("expected noop, got %s", plan.Actions["net"])
	}
}

// An immutable change on a resource replaces it, and a dependent whose only
// tie is a reference token gets re-applied even though its declared
// properties are textually unchanged.
func TestBuildPlanReplacementPropagatesToDependents(t *testing.T) {
	schemas := NewTypeSchemaRegistry()
	if err := schemas.Register(TypeSchema{Type: "network.subnet", Immutable: []string{"cidr"}}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	graph := mustBuild(t, []ResourceSpec{
		{ID: "subnet-a", Type: "network.subnet", Properties: map[string]interface{}{"cidr": "10.0.2.0/24"}},
		{ID: "vm-b", Type: "compute.vm", Properties: map[string]interface{}{"subnet": "${subnet-a.id}"}},
	})

	snap := NewSnapshot()
	oldProps, _ := NormalizeProperties(map[string]interface{}{"cidr": "10.0.1.0/24"})
	vmProps, _ := NormalizeProperties(map[string]interface{}{"subnet": "${subnet-a.id}"})
	snap.Resources["subnet-a"] = ResourceRecord{
		ID: "subnet-a", Type: "network.subnet", RemoteID: "r-sub", Properties: oldProps,
	}
	snap.Resources["vm-b"] = ResourceRecord{
		ID: "vm-b", Type: "compute.vm", RemoteID: "r-vm", Properties: vmProps,
		DependsOn: []string{"subnet-a"},
	}

	plan, err := NewPlanner(schemas).BuildPlan(context.Background(), graph, snap)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	if plan.Actions["subnet-a"] != ActionReplace {
		t.Errorf("expected subnet-a replace, got %s", plan.Actions["subnet-a"])
	}
	if plan.Actions["vm-b"] != ActionUpdate {
		t.Errorf("expected vm-b update, got %s", plan.Actions["vm-b"])
	}

	// Replace expands to delete+create; the vm step waits for the create.
	var createStep, vmStep *PlanStep
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.ResourceID == "subnet-a" && step.Kind == StepCreate {
			createStep = step
		}
		if step.ResourceID == "vm-b" {
			vmStep = step
		}
	}
	if createStep == nil || vmStep == nil {
		t.Fatalf("missing expected steps: %+v", plan.Steps)
	}
	if len(vmStep.DependsOn) != 1 || vmStep.DependsOn[0] != createStep.ID {
		t.Errorf("vm step must wait for the replacement create, got %v", vmStep.DependsOn)
	}
}

func TestBuildPlanCreateBeforeDestroyOrdering(t *testing.T) {
	schemas := NewTypeSchemaRegistry()
	if err := schemas.Register(TypeSchema{
		Type: "lb.listener", Immutable: []string{"port"}, CreateBeforeDestroy: true,
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	graph := mustBuild(t, []ResourceSpec{
		{ID: "lb", Type: "lb.listener", Properties: map[string]interface{}{"port": float64(443)}},
	})
	snap := NewSnapshot()
	oldProps, _ := NormalizeProperties(map[string]interface{}{"port": 80})
	snap.Resources["lb"] = ResourceRecord{ID: "lb", Type: "lb.listener", RemoteID: "r-lb", Properties: oldProps}

	plan, err := NewPlanner(schemas).BuildPlan(context.Background(), graph, snap)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan.Steps))
	}

	var createStep, deleteStep *PlanStep
	for i := range plan.Steps {
		switch plan.Steps[i].Kind {
		case StepCreate:
			createStep = &plan.Steps[i]
		case StepDelete:
			deleteStep = &plan.Steps[i]
		}
	}
	if len(deleteStep.DependsOn) != 1 || deleteStep.DependsOn[0] != createStep.ID {
		t.Errorf("delete must wait for create under create-before-destroy")
	}
	if createStep.Rank > deleteStep.Rank {
		t.Errorf("create ranked after delete: %d vs %d", createStep.Rank, deleteStep.Rank)
	}
}

func TestBuildPlanDeletesRemovedResourcesDependentsFirst(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{{ID: "keep", Type: "t"}})

	snap := NewSnapshot()
	keepProps, _ := NormalizeProperties(nil)
	snap.Resources["keep"] = ResourceRecord{ID: "keep", Type: "t", RemoteID: "r-keep", Properties: keepProps}
	snap.Resources["base"] = ResourceRecord{ID: "base", Type: "t", RemoteID: "r-base"}
	snap.Resources["leaf"] = ResourceRecord{ID: "leaf", Type: "t", RemoteID: "r-leaf", DependsOn: []string{"base"}}

	plan, err := NewPlanner(nil).BuildPlan(context.Background(), graph, snap)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	var baseStep, leafStep *PlanStep
	for i := range plan.Steps {
		switch plan.Steps[i].ResourceID {
		case "base":
			baseStep = &plan.Steps[i]
		case "leaf":
			leafStep = &plan.Steps[i]
		}
	}
	if baseStep == nil || leafStep == nil {
		t.Fatalf("missing delete steps: %+v", plan.Steps)
	}
	if len(baseStep.DependsOn) != 1 || baseStep.DependsOn[0] != leafStep.ID {
		t.Errorf("base must be deleted after leaf, got deps %v", baseStep.DependsOn)
	}
}

func TestBuildPlanSurfacesCycleBeforeDiff(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{
		{ID: "a", Type: "t", DependsOn: []string{"b"}},
		{ID: "b", Type: "t", DependsOn: []string{"a"}},
	})

	_, err := NewPlanner(nil).BuildPlan(context.Background(), graph, NewSnapshot())
	if !IsCycleError(err) {
		t.Errorf("expected cycle error, got %v", err)
	}
}
