package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// refPattern matches attribute references embedded in property strings:
// "${<resource-id>.<attribute>}". The attribute part may be dotted.
var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+)\.([A-Za-z0-9_.-]+)\}`)

// GraphBuilder turns an ordered list of resource specs into a validated
// DeploymentGraph. It derives one dependency edge per property reference
// plus one per explicit depends_on entry. Building is a pure transformation;
// cycle detection is the planner's job.
type GraphBuilder struct{}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{}
}

// Build validates the specs and constructs the deployment graph.
// Every reference and depends_on target must resolve to a declared resource.
func (b *GraphBuilder) Build(specs []ResourceSpec) (*DeploymentGraph, error) {
	graph := &DeploymentGraph{
		Resources: specs,
		index:     make(map[string]int, len(specs)),
	}

	// First pass: index and validate identity fields.
	for i := range specs {
		spec := &specs[i]
		if spec.ID == "" {
			return nil, NewPermanentError(fmt.Sprintf("resource at position %d has empty ID", i), nil).
				WithCode(ErrCodeValidation)
		}
		if spec.Type == "" {
			return nil, NewPermanentError("resource has empty type", nil).
				WithCode(ErrCodeValidation).WithResource(spec.ID)
		}
		if _, exists := graph.index[spec.ID]; exists {
			return nil, NewPermanentError(fmt.Sprintf("duplicate resource ID: %s", spec.ID), nil).
				WithCode(ErrCodeValidation).WithResource(spec.ID)
		}
		graph.index[spec.ID] = i
	}

	// Second pass: derive edges and validate their targets.
	for i := range specs {
		spec := &specs[i]

		for _, dep := range spec.DependsOn {
			if !graph.Contains(dep) {
				return nil, NewPermanentError(
					fmt.Sprintf("depends_on target %q is not declared", dep), nil).
					WithCode(ErrCodeReference).WithResource(spec.ID).WithDetail("field", "depends_on")
			}
			if dep == spec.ID {
				return nil, NewPermanentError("resource depends on itself", nil).
					WithCode(ErrCodeValidation).WithResource(spec.ID)
			}
			graph.Edges = append(graph.Edges, DependencyEdge{From: dep, To: spec.ID})
		}

		refs := ScanReferences(spec.Properties)
		for _, ref := range refs {
			if !graph.Contains(ref.ResourceID) {
				return nil, NewReferenceError(spec.ID, ref.Field, ref.ResourceID)
			}
			if ref.ResourceID == spec.ID {
				return nil, NewPermanentError("resource references its own attributes", nil).
					WithCode(ErrCodeValidation).WithResource(spec.ID).WithDetail("field", ref.Field)
			}
			graph.Edges = append(graph.Edges, DependencyEdge{
				From:  ref.ResourceID,
				To:    spec.ID,
				Field: ref.Field,
			})
		}
	}

	graph.Edges = dedupeEdges(graph.Edges)
	return graph, nil
}

// ScanReferences walks a property mapping and collects every embedded
// attribute reference with the property path it was found at.
func ScanReferences(props map[string]interface{}) []Reference {
	var refs []Reference
	for _, key := range sortedKeys(props) {
		refs = append(refs, scanValue(props[key], key)...)
	}
	return refs
}

func scanValue(v interface{}, path string) []Reference {
	var refs []Reference
	switch val := v.(type) {
	case string:
		for _, m := range refPattern.FindAllStringSubmatch(val, -1) {
			refs = append(refs, Reference{ResourceID: m[1], Attribute: m[2], Field: path})
		}
	case map[string]interface{}:
		for _, key := range sortedKeys(val) {
			refs = append(refs, scanValue(val[key], path+"."+key)...)
		}
	case []interface{}:
		for i, item := range val {
			refs = append(refs, scanValue(item, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}
	return refs
}

// dedupeEdges drops duplicate (from, to) pairs, keeping the first occurrence
// so the field attribution of the earliest derivation survives.
func dedupeEdges(edges []DependencyEdge) []DependencyEdge {
	seen := make(map[string]bool, len(edges))
	out := edges[:0]
	for _, e := range edges {
		key := e.From + "\x00" + e.To
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
