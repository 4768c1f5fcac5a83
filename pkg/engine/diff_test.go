package engine

import (
	"testing"
)

func record(t *testing.T, id, resourceType, remoteID string, props map[string]interface{}) ResourceRecord {
	t.Helper()
	normalized, err := NormalizeProperties(props)
	if err != nil {
		t.Fatalf("NormalizeProperties failed: %v", err)
	}
	return ResourceRecord{ID: id, Type: resourceType, RemoteID: remoteID, Properties: normalized}
}

func TestDiffNewResourceIsCreate(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{{ID: "a", Type: "t", Properties: map[string]interface{}{"x": 1}}})

	result, err := NewDiffEngine(NewTypeSchemaRegistry()).Diff(graph, NewSnapshot())
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if result.Resources[0].Action != ActionCreate {
		t.Errorf("expected create, got %s", result.Resources[0].Action)
	}
	if result.Summary.ToCreate != 1 {
		t.Errorf("summary mismatch: %+v", result.Summary)
	}
}

func TestDiffIdenticalPropertiesIsNoop(t *testing.T) {
	// The snapshot stores a JSON round-tripped copy, so an int in the desired
	// spec must compare equal to the float64 the round trip produces.
	props := map[string]interface{}{"count": 3, "name": "web"}
	graph := mustBuild(t, []ResourceSpec{{ID: "a", Type: "t", Properties: props}})

	snap := NewSnapshot()
	snap.Resources["a"] = record(t, "a", "t", "r-1", props)

	result, err := NewDiffEngine(NewTypeSchemaRegistry()).Diff(graph, snap)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if result.Resources[0].Action != ActionNoop {
		t.Errorf("expected noop, got %s (%s)", result.Resources[0].Action, result.Resources[0].Reason)
	}
}

func TestDiffMutablePropertyChangeIsUpdate(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{
		{ID: "a", Type: "t", Properties: map[string]interface{}{"count": 5}},
	})
	snap := NewSnapshot()
	snap.Resources["a"] = record(t, "a", "t", "r-1", map[string]interface{}{"count": 3})

	result, err := NewDiffEngine(NewTypeSchemaRegistry()).Diff(graph, snap)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	rd := result.Resources[0]
	if rd.Action != ActionUpdate {
		t.Fatalf("expected update, got %s", rd.Action)
	}
	if len(rd.Changes) != 1 || rd.Changes[0].Path != "count" || rd.Changes[0].Action != ChangeKindModify {
		t.Errorf("unexpected changes: %+v", rd.Changes)
	}
}

func TestDiffImmutablePropertyChangeIsReplace(t *testing.T) {
	schemas := NewTypeSchemaRegistry()
	if err := schemas.Register(TypeSchema{Type: "network.subnet", Immutable: []string{"cidr"}}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	graph := mustBuild(t, []ResourceSpec{
		{ID: "a", Type: "network.subnet", Properties: map[string]interface{}{"cidr": "10.0.2.0/24"}},
	})
	snap := NewSnapshot()
	snap.Resources["a"] = record(t, "a", "network.subnet", "r-1", map[string]interface{}{"cidr": "10.0.1.0/24"})

	result, err := NewDiffEngine(schemas).Diff(graph, snap)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if result.Resources[0].Action != ActionReplace {
		t.Errorf("expected replace, got %s", result.Resources[0].Action)
	}
}

func TestDiffTypeChangeIsReplace(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{{ID: "a", Type: "db.postgres"}})
	snap := NewSnapshot()
	snap.Resources["a"] = record(t, "a", "db.mysql", "r-1", nil)

	result, err := NewDiffEngine(NewTypeSchemaRegistry()).Diff(graph, snap)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if result.Resources[0].Action != ActionReplace {
		t.Errorf("expected replace on type change, got %s", result.Resources[0].Action)
	}
}

func TestDiffRemovedResourceIsDelete(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{{ID: "keep", Type: "t"}})
	snap := NewSnapshot()
	snap.Resources["keep"] = record(t, "keep", "t", "r-1", nil)
	snap.Resources["gone"] = record(t, "gone", "t", "r-2", nil)

	result, err := NewDiffEngine(NewTypeSchemaRegistry()).Diff(graph, snap)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if len(result.Resources) != 2 {
		t.Fatalf("expected 2 diffs, got %d", len(result.Resources))
	}
	last := result.Resources[1]
	if last.ResourceID != "gone" || last.Action != ActionDelete {
		t.Errorf("expected gone/delete last, got %+v", last)
	}
}

// Reference tokens are compared in their declared form, so a resource whose
// only dynamic input is a reference does not show a diff just because the
// referenced attribute's runtime value changed.
func TestDiffReferenceTokensAreStable(t *testing.T) {
	props := map[string]interface{}{"subnet": "${net.subnet_id}"}
	graph := mustBuild(t, []ResourceSpec{
		{ID: "net", Type: "network.vpc"},
		{ID: "db", Type: "db.instance", Properties: props},
	})

	snap := NewSnapshot()
	snap.Resources["net"] = record(t, "net", "network.vpc", "r-net", nil)
	dbRec := record(t, "db", "db.instance", "r-db", props)
	dbRec.Attributes = map[string]interface{}{"endpoint": "10.9.9.9"}
	snap.Resources["db"] = dbRec

	result, err := NewDiffEngine(NewTypeSchemaRegistry()).Diff(graph, snap)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	for _, rd := range result.Resources {
		if rd.Action != ActionNoop {
			t.Errorf("%s: expected noop, got %s (%s)", rd.ResourceID, rd.Action, rd.Reason)
		}
	}
}

func TestComputeChangesAddRemoveModify(t *testing.T) {
	applied := map[string]interface{}{"a": float64(1), "b": "x"}
	desired := map[string]interface{}{"b": "y", "c": true}

	changes := computeChanges(applied, desired)
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %+v", changes)
	}
	byPath := make(map[string]ChangeKind)
	for _, c := range changes {
		byPath[c.Path] = c.Action
	}
	if byPath["a"] != ChangeKindRemove || byPath["b"] != ChangeKindModify || byPath["c"] != ChangeKindAdd {
		t.Errorf("unexpected change kinds: %v", byPath)
	}
}
