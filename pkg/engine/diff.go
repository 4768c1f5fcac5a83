package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// TypeSchema captures the per-type change policy the diff engine consults.
type TypeSchema struct {
	// Type is the resource type tag this schema applies to.
	Type string `json:"type"`

	// Immutable lists top-level property names that cannot be changed in
	// place; changing one forces a replacement.
	Immutable []string `json:"immutable,omitempty"`

	// CreateBeforeDestroy selects zero-downtime replacement: the new object
	// is created before the old one is deleted.
	CreateBeforeDestroy bool `json:"create_before_destroy,omitempty"`
}

// TypeSchemaRegistry maps resource type tags to their schemas. Types without
// a registered schema are fully mutable.
type TypeSchemaRegistry struct {
	schemas map[string]TypeSchema
}

// NewTypeSchemaRegistry creates an empty registry.
func NewTypeSchemaRegistry() *TypeSchemaRegistry {
	return &TypeSchemaRegistry{schemas: make(map[string]TypeSchema)}
}

// Register adds or replaces the schema for a type.
func (r *TypeSchemaRegistry) Register(schema TypeSchema) error {
	if schema.Type == "" {
		return NewPermanentError("type schema has empty type", nil).WithCode(ErrCodeValidation)
	}
	r.schemas[schema.Type] = schema
	return nil
}

// Lookup returns the schema for a type, or a permissive default.
func (r *TypeSchemaRegistry) Lookup(resourceType string) TypeSchema {
	if r == nil {
		return TypeSchema{Type: resourceType}
	}
	if s, ok := r.schemas[resourceType]; ok {
		return s
	}
	return TypeSchema{Type: resourceType}
}

// DiffEngine compares a desired deployment graph against the last applied
// snapshot and assigns one change action per resource.
type DiffEngine struct {
	schemas *TypeSchemaRegistry
}

// NewDiffEngine creates a diff engine with the given type schemas.
func NewDiffEngine(schemas *TypeSchemaRegistry) *DiffEngine {
	return &DiffEngine{schemas: schemas}
}

// Diff computes the per-resource change actions. Declared resources appear
// first in declaration order, followed by snapshot-only resources in sorted
// order.
func (d *DiffEngine) Diff(graph *DeploymentGraph, snap *StateSnapshot) (*DiffResult, error) {
	if graph == nil {
		return nil, NewPermanentError("deployment graph is nil", nil).WithCode(ErrCodeValidation)
	}
	if snap == nil {
		snap = NewSnapshot()
	}

	result := &DiffResult{
		Resources: make([]ResourceDiff, 0, len(graph.Resources)),
		Timestamp: time.Now(),
	}

	for i := range graph.Resources {
		spec := &graph.Resources[i]
		diff, err := d.diffResource(spec, snap)
		if err != nil {
			return nil, err
		}
		result.Resources = append(result.Resources, *diff)
	}

	// Resources that left the configuration are deleted.
	var removed []string
	for id := range snap.Resources {
		if !graph.Contains(id) {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		result.Resources = append(result.Resources, ResourceDiff{
			ResourceID: id,
			Action:     ActionDelete,
			Reason:     "not in configuration",
		})
	}

	for _, rd := range result.Resources {
		result.Summary.TotalResources++
		switch rd.Action {
		case ActionCreate:
			result.Summary.ToCreate++
		case ActionUpdate:
			result.Summary.ToUpdate++
		case ActionReplace:
			result.Summary.ToReplace++
		case ActionDelete:
			result.Summary.ToDelete++
		case ActionNoop:
			result.Summary.NoChange++
		}
	}

	return result, nil
}

// diffResource classifies a single declared resource against the snapshot.
func (d *DiffEngine) diffResource(spec *ResourceSpec, snap *StateSnapshot) (*ResourceDiff, error) {
	record, exists := snap.Resources[spec.ID]
	if !exists {
		return &ResourceDiff{
			ResourceID: spec.ID,
			Action:     ActionCreate,
			Reason:     "new resource",
			Changes: []Change{{
				Path:   ".",
				After:  spec.Properties,
				Action: ChangeKindAdd,
			}},
		}, nil
	}

	if record.Type != spec.Type {
		// A type change is always a replacement.
		return &ResourceDiff{
			ResourceID: spec.ID,
			Action:     ActionReplace,
			Reason:     fmt.Sprintf("type changed from %s to %s", record.Type, spec.Type),
			Changes: []Change{{
				Path:   ".type",
				Before: record.Type,
				After:  spec.Type,
				Action: ChangeKindModify,
			}},
		}, nil
	}

	desired, err := NormalizeProperties(spec.Properties)
	if err != nil {
		return nil, NewPermanentError("failed to normalize desired properties", err).
			WithCode(ErrCodeValidation).WithResource(spec.ID)
	}
	applied, err := NormalizeProperties(record.Properties)
	if err != nil {
		return nil, NewPermanentError("failed to normalize applied properties", err).
			WithCode(ErrCodeValidation).WithResource(spec.ID)
	}

	changes := computeChanges(applied, desired)
	if len(changes) == 0 {
		return &ResourceDiff{
			ResourceID: spec.ID,
			Action:     ActionNoop,
			Reason:     "up to date",
		}, nil
	}

	schema := d.schemas.Lookup(spec.Type)
	if name, immutable := firstImmutableChange(schema, changes); immutable {
		return &ResourceDiff{
			ResourceID: spec.ID,
			Action:     ActionReplace,
			Reason:     fmt.Sprintf("immutable property %q changed", name),
			Changes:    changes,
		}, nil
	}

	reason := fmt.Sprintf("%d properties changed", len(changes))
	if len(changes) == 1 {
		reason = fmt.Sprintf("property %q changed", changes[0].Path)
	}
	return &ResourceDiff{
		ResourceID: spec.ID,
		Action:     ActionUpdate,
		Reason:     reason,
		Changes:    changes,
	}, nil
}

// NormalizeProperties produces the canonical form used for structural
// comparison: a JSON round trip collapses encoding differences (number
// widths, map ordering), and reference tokens stay in their stable
// "${id.attribute}" form rather than the ephemeral values they resolve to
// at apply time.
func NormalizeProperties(props map[string]interface{}) (map[string]interface{}, error) {
	if len(props) == 0 {
		return map[string]interface{}{}, nil
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// computeChanges lists top-level property differences between the applied
// and desired normalized mappings.
func computeChanges(applied, desired map[string]interface{}) []Change {
	var changes []Change

	keys := make(map[string]bool, len(applied)+len(desired))
	for k := range applied {
		keys[k] = true
	}
	for k := range desired {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		before, inApplied := applied[k]
		after, inDesired := desired[k]
		switch {
		case !inApplied:
			changes = append(changes, Change{Path: k, After: after, Action: ChangeKindAdd})
		case !inDesired:
			changes = append(changes, Change{Path: k, Before: before, Action: ChangeKindRemove})
		case !reflect.DeepEqual(before, after):
			changes = append(changes, Change{Path: k, Before: before, After: after, Action: ChangeKindModify})
		}
	}

	return changes
}

// firstImmutableChange reports the first changed property that the type
// schema declares immutable.
func firstImmutableChange(schema TypeSchema, changes []Change) (string, bool) {
	if len(schema.Immutable) == 0 {
		return "", false
	}
	immutable := make(map[string]bool, len(schema.Immutable))
	for _, name := range schema.Immutable {
		immutable[name] = true
	}
	for _, c := range changes {
		if immutable[c.Path] {
			return c.Path, true
		}
	}
	return "", false
}
