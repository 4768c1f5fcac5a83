package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/terrane-dev/terrane/pkg/engine"
)

// Engine evaluates Rego policies against plans before they execute.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy holds a prepared Rego query for one policy.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		if err := e.AddPolicy(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// AddPolicy compiles and registers a policy, replacing any same-named one.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	pkg := extractPackageName(p.Rego)
	if pkg == "" {
		return fmt.Errorf("policy %s has no package declaration", p.Name)
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	e.policies[p.Name] = &compiledPolicy{policy: p, query: query}
	e.mu.Unlock()

	e.logger.Debug().Str("policy", p.Name).Msg("policy compiled")
	return nil
}

// LoadDir compiles every .rego file in dir as a policy named after the file.
// A missing directory is not an error.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read policy directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy %s: %w", path, err)
		}
		p := Policy{
			Name:     strings.TrimSuffix(entry.Name(), ".rego"),
			Rego:     string(content),
			Severity: SeverityError,
			Enabled:  true,
			Source:   path,
		}
		if err := e.AddPolicy(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Policies returns the registered policies, sorted by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EvaluatePlan evaluates every enabled policy against every non-noop change
// in the plan. Error-severity violations make the result disallowed.
func (e *Engine) EvaluatePlan(
	ctx context.Context,
	plan *engine.Plan,
	graph *engine.DeploymentGraph,
	snap *engine.StateSnapshot,
) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedAt: time.Now()}

	for _, rd := range plan.Diff.Resources {
		if rd.Action == engine.ActionNoop {
			continue
		}
		input := buildInput(rd, graph, snap)

		for _, cp := range e.policies {
			if !cp.policy.Enabled {
				continue
			}
			violations, err := e.evaluate(ctx, cp, input)
			if err != nil {
				return nil, engine.NewPermanentError(
					fmt.Sprintf("policy %s evaluation failed", cp.policy.Name), err).
					WithCode(engine.ErrCodePolicyDenied).WithResource(rd.ResourceID)
			}
			for _, v := range violations {
				if v.Severity == SeverityError {
					result.Allowed = false
					result.Violations = append(result.Violations, v)
				} else {
					result.Warnings = append(result.Warnings, v)
				}
			}
		}
	}

	sort.Slice(result.Violations, func(i, j int) bool {
		return result.Violations[i].ResourceID < result.Violations[j].ResourceID
	})
	sort.Slice(result.Warnings, func(i, j int) bool {
		return result.Warnings[i].ResourceID < result.Warnings[j].ResourceID
	})
	return result, nil
}

// buildInput assembles the policy input for one planned change. Declared
// resources contribute their spec; resources leaving the configuration fall
// back to the snapshot record.
func buildInput(rd engine.ResourceDiff, graph *engine.DeploymentGraph, snap *engine.StateSnapshot) changeInput {
	input := changeInput{
		Action: string(rd.Action),
		Reason: rd.Reason,
		Resource: resourceInput{
			ID: rd.ResourceID,
		},
	}
	if spec, ok := graph.Resource(rd.ResourceID); ok {
		input.Resource.Type = spec.Type
		input.Resource.Properties = spec.Properties
		input.Resource.Labels = spec.Labels
		return input
	}
	if snap != nil {
		if rec, ok := snap.Resources[rd.ResourceID]; ok {
			input.Resource.Type = rec.Type
			input.Resource.Properties = rec.Properties
			input.Resource.Labels = rec.Labels
		}
	}
	return input
}

// evaluate runs one prepared policy query against one input.
func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, input changeInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, makeViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// makeViolation converts one deny entry into a Violation, falling back to
// the policy's default severity.
func makeViolation(p Policy, entry interface{}) Violation {
	violation := Violation{Policy: p.Name, Severity: p.Severity}

	switch v := entry.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.ResourceID = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", entry)
	}
	return violation
}

// extractPackageName reads the package declaration from Rego source.
func extractPackageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return ""
}
