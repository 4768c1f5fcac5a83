package engine

import (
	"errors"
	"testing"
)

func TestBuildDerivesEdgesFromReferences(t *testing.T) {
	specs := []ResourceSpec{
		{ID: "net", Type: "network.vpc", Properties: map[string]interface{}{"cidr": "10.0.0.0/16"}},
		{ID: "db", Type: "db.instance", Properties: map[string]interface{}{
			"subnet": "${net.subnet_id}",
		}},
	}

	graph, err := NewGraphBuilder().Build(specs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(graph.Edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(graph.Edges))
	}
	e := graph.Edges[0]
	if e.From != "net" || e.To != "db" || e.Field != "subnet" {
		t.Errorf("unexpected edge: %+v", e)
	}
	deps := graph.Dependencies("db")
	if len(deps) != 1 || deps[0] != "net" {
		t.Errorf("expected db to depend on net, got %v", deps)
	}
}

func TestBuildScansNestedProperties(t *testing.T) {
	specs := []ResourceSpec{
		{ID: "net", Type: "network.vpc"},
		{ID: "lb", Type: "lb.listener", Properties: map[string]interface{}{
			"settings": map[string]interface{}{
				"subnet": "${net.subnet_id}",
			},
			"rules": []interface{}{
				map[string]interface{}{"target": "${net.gateway_id}"},
			},
		}},
	}

	graph, err := NewGraphBuilder().Build(specs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	// Two references, one target: a single deduplicated edge.
	if len(graph.Edges) != 1 {
		t.Fatalf("expected 1 edge after dedupe, got %d", len(graph.Edges))
	}
	if graph.Edges[0].Field != "rules[0].target" && graph.Edges[0].Field != "settings.subnet" {
		t.Errorf("edge field not attributed to a property path: %+v", graph.Edges[0])
	}
}

func TestBuildCombinesExplicitAndDerivedDependencies(t *testing.T) {
	specs := []ResourceSpec{
		{ID: "net", Type: "network.vpc"},
		{ID: "dns", Type: "dns.zone"},
		{ID: "app", Type: "app.service",
			DependsOn:  []string{"dns"},
			Properties: map[string]interface{}{"vpc": "${net.id}"}},
	}

	graph, err := NewGraphBuilder().Build(specs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	deps := graph.Dependencies("app")
	if len(deps) != 2 {
		t.Fatalf("expected 2 dependencies, got %v", deps)
	}
}

func TestBuildRejectsUnresolvedReference(t *testing.T) {
	specs := []ResourceSpec{
		{ID: "db", Type: "db.instance", Properties: map[string]interface{}{
			"subnet": "${ghost.subnet_id}",
		}},
	}

	_, err := NewGraphBuilder().Build(specs)
	if err == nil {
		t.Fatal("expected reference error")
	}
	if !IsReferenceError(err) {
		t.Errorf("expected REFERENCE_ERROR, got %v", err)
	}
	var ee *EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *EngineError, got %T", err)
	}
	if ee.Details["field"] != "subnet" {
		t.Errorf("expected field detail %q, got %v", "subnet", ee.Details["field"])
	}
}

func TestBuildRejectsUnknownDependsOnTarget(t *testing.T) {
	specs := []ResourceSpec{
		{ID: "app", Type: "app.service", DependsOn: []string{"missing"}},
	}

	_, err := NewGraphBuilder().Build(specs)
	if err == nil {
		t.Fatal("expected reference error")
	}
	if !IsReferenceError(err) {
		t.Errorf("expected REFERENCE_ERROR, got %v", err)
	}
}

func TestBuildRejectsDuplicateAndEmptyIDs(t *testing.T) {
	_, err := NewGraphBuilder().Build([]ResourceSpec{
		{ID: "a", Type: "t"},
		{ID: "a", Type: "t"},
	})
	if !IsValidationError(err) {
		t.Errorf("duplicate ID: expected validation error, got %v", err)
	}

	_, err = NewGraphBuilder().Build([]ResourceSpec{{ID: "", Type: "t"}})
	if !IsValidationError(err) {
		t.Errorf("empty ID: expected validation error, got %v", err)
	}

	_, err = NewGraphBuilder().Build([]ResourceSpec{{ID: "a", Type: ""}})
	if !IsValidationError(err) {
		t.Errorf("empty type: expected validation error, got %v", err)
	}
}

func TestBuildRejectsSelfReference(t *testing.T) {
	_, err := NewGraphBuilder().Build([]ResourceSpec{
		{ID: "a", Type: "t", Properties: map[string]interface{}{"x": "${a.id}"}},
	})
	if !IsValidationError(err) {
		t.Errorf("expected validation error for self reference, got %v", err)
	}
}

func TestScanReferencesMultipleInOneString(t *testing.T) {
	refs := ScanReferences(map[string]interface{}{
		"url": "https://${lb.host}:${lb.port}/health",
	})
	if len(refs) != 2 {
		t.Fatalf("expected 2 references, got %d", len(refs))
	}
	if refs[0].Attribute != "host" || refs[1].Attribute != "port" {
		t.Errorf("unexpected attributes: %+v", refs)
	}
}
