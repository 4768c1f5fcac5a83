package engine

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// actionSymbols used by the plan renderer.
var actionSymbols = map[ChangeAction]string{
	ActionCreate:  "+",
	ActionUpdate:  "~",
	ActionReplace: "±",
	ActionDelete:  "-",
	ActionNoop:    " ",
}

// RenderPlan writes a human-readable summary of the plan: one line per
// resource with its action and reason, followed by the change counts.
func RenderPlan(w io.Writer, plan *Plan) error {
	if plan == nil {
		return fmt.Errorf("plan is nil")
	}

	if !plan.HasChanges() {
		fmt.Fprintln(w, "No changes. Deployment matches the applied state.")
		return nil
	}

	fmt.Fprintf(w, "Plan %s\n\n", plan.ID)
	for _, rd := range plan.Diff.Resources {
		if rd.Action == ActionNoop {
			continue
		}
		fmt.Fprintf(w, "  %s %-30s %-8s %s\n",
			actionSymbols[rd.Action], rd.ResourceID, rd.Action, rd.Reason)
		for _, c := range rd.Changes {
			if c.Path == "." {
				continue
			}
			switch c.Action {
			case ChangeKindAdd:
				fmt.Fprintf(w, "      + %s = %v\n", c.Path, c.After)
			case ChangeKindRemove:
				fmt.Fprintf(w, "      - %s = %v\n", c.Path, c.Before)
			case ChangeKindModify:
				fmt.Fprintf(w, "      ~ %s = %v -> %v\n", c.Path, c.Before, c.After)
			}
		}
	}

	s := plan.Summary
	fmt.Fprintf(w, "\nSummary: %d to create, %d to update, %d to replace, %d to delete, %d unchanged\n",
		s.ToCreate, s.ToUpdate, s.ToReplace, s.ToDelete, s.NoChange)
	return nil
}

// RenderRun writes the per-step outcomes of a finished run.
func RenderRun(w io.Writer, run *Run) error {
	if run == nil {
		return fmt.Errorf("run is nil")
	}

	fmt.Fprintf(w, "Run %s (%s)\n\n", run.ID, run.Status)
	results := make([]*StepResult, 0, len(run.Results))
	for _, res := range run.Results {
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].StartedAt.Equal(results[j].StartedAt) {
			return results[i].StartedAt.Before(results[j].StartedAt)
		}
		return results[i].ResourceID < results[j].ResourceID
	})
	for _, res := range results {
		line := fmt.Sprintf("  %-8s %-8s %-30s", res.Outcome, res.Kind, res.ResourceID)
		if res.Attempts > 1 {
			line += fmt.Sprintf(" attempts=%d", res.Attempts)
		}
		if res.Error != nil {
			line += " " + res.Error.Message
		}
		fmt.Fprintln(w, line)
	}

	s := run.Summary
	fmt.Fprintf(w, "\nSummary: %d applied, %d failed, %d skipped (of %d)\n",
		s.Applied, s.Failed, s.Skipped, s.Total)
	return nil
}

// RenderDOT emits the dependency graph in Graphviz DOT form, edges pointing
// from a resource to what it depends on.
func RenderDOT(graph *DeploymentGraph) string {
	var sb strings.Builder
	sb.WriteString("digraph deployment {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, fontname=\"monospace\"];\n\n")

	for i := range graph.Resources {
		spec := &graph.Resources[i]
		fmt.Fprintf(&sb, "  %q [label=\"%s\\n%s\"];\n", spec.ID, spec.ID, spec.Type)
	}
	sb.WriteString("\n")

	edges := make([]DependencyEdge, len(graph.Edges))
	copy(edges, graph.Edges)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].From < edges[j].From
	})
	for _, e := range edges {
		if e.Field != "" {
			fmt.Fprintf(&sb, "  %q -> %q [label=%q];\n", e.To, e.From, e.Field)
		} else {
			fmt.Fprintf(&sb, "  %q -> %q;\n", e.To, e.From)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
