package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DriverOptions configures plan execution.
type DriverOptions struct {
	// MaxParallel bounds the number of steps executing concurrently.
	MaxParallel int

	// MaxRetries bounds retry attempts for transient remote failures.
	MaxRetries int

	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration

	// DryRun skips all control-plane calls and reports every step applied.
	DryRun bool
}

func (o *DriverOptions) withDefaults() DriverOptions {
	out := *o
	if out.MaxParallel <= 0 {
		out.MaxParallel = 10
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = 500 * time.Millisecond
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 30 * time.Second
	}
	return out
}

// Driver executes ordered plans against a control plane. Independent steps
// run in parallel up to MaxParallel; a step is dispatched only once every
// step it depends on has applied. All bookkeeping and snapshot mutation
// happens on the coordinator goroutine, so the working snapshot has a single
// writer for the whole run.
type Driver struct {
	client CloudClient
	events EventPublisher
	logger zerolog.Logger
	opts   DriverOptions
}

// NewDriver creates a driver for the given control-plane client.
// events may be nil.
func NewDriver(client CloudClient, events EventPublisher, logger zerolog.Logger, opts DriverOptions) *Driver {
	return &Driver{
		client: client,
		events: events,
		logger: logger.With().Str("component", "driver").Logger(),
		opts:   opts.withDefaults(),
	}
}

// stepDispatch is what the coordinator hands a worker: the step plus
// everything resolved against the working snapshot at dispatch time.
type stepDispatch struct {
	step       *PlanStep
	properties map[string]interface{}
	remoteID   string
	token      string
}

// stepDone is a worker's report back to the coordinator.
type stepDone struct {
	stepID   string
	attempts int
	remote   RemoteObject
	err      error
	started  time.Time
	finished time.Time
}

// Apply executes the plan and returns the run record plus the snapshot
// reflecting exactly the work that completed: previously applied resources
// untouched by the plan, merged with the steps that applied in this run.
//
// Cancelling ctx stops dispatching new steps; in-flight steps run to
// completion and their results are committed.
func (d *Driver) Apply(ctx context.Context, plan *Plan, snap *StateSnapshot) (*Run, *StateSnapshot, error) {
	if plan == nil {
		return nil, nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if snap == nil {
		snap = NewSnapshot()
	}
	working := snap.Clone()

	run := &Run{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
		Results:   make(map[string]*StepResult, len(plan.Steps)),
	}
	d.publish(ctx, &Event{Type: EventTypeRunStarted, RunID: run.ID, Message: "run started", Level: "info"})

	steps := make(map[string]*PlanStep, len(plan.Steps))
	unmet := make(map[string]int, len(plan.Steps))
	dependents := make(map[string][]string)
	for i := range plan.Steps {
		step := &plan.Steps[i]
		steps[step.ID] = step
		run.Results[step.ID] = &StepResult{
			StepID:     step.ID,
			ResourceID: step.ResourceID,
			Kind:       step.Kind,
			Outcome:    OutcomePending,
		}
		unmet[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	// Ready steps in rank order so dispatch stays deterministic.
	var ready []*PlanStep
	for i := range plan.Steps {
		if unmet[plan.Steps[i].ID] == 0 {
			ready = append(ready, &plan.Steps[i])
		}
	}

	results := make(chan stepDone, len(plan.Steps))
	// In-flight steps must not be torn down on cancellation; they get a
	// context detached from the caller's cancel signal.
	execCtx := context.WithoutCancel(ctx)

	inFlight := 0
	completed := 0
	cancelled := false
	total := len(plan.Steps)

	finish := func(stepID string, outcome Outcome, res *stepDone, failure *EngineError) {
		sr := run.Results[stepID]
		sr.Outcome = outcome
		if res != nil {
			sr.Attempts = res.attempts
			sr.StartedAt = res.started
			sr.CompletedAt = res.finished
			sr.Duration = res.finished.Sub(res.started)
			sr.RemoteID = res.remote.RemoteID
		} else {
			now := time.Now()
			sr.StartedAt = now
			sr.CompletedAt = now
		}
		sr.Error = failure
		completed++
	}

	// skipTree marks a step and all its transitive dependents skipped.
	var skipTree func(stepID, cause string)
	skipTree = func(stepID, cause string) {
		sr := run.Results[stepID]
		if sr.Outcome.IsTerminal() || sr.Outcome == OutcomeRunning {
			return
		}
		step := steps[stepID]
		finish(stepID, OutcomeSkipped, nil, NewPermanentError(cause, nil).
			WithCode(ErrCodeDependencyFailed).WithResource(step.ResourceID))
		d.publish(ctx, &Event{
			Type: EventTypeStepSkipped, RunID: run.ID, StepID: stepID,
			ResourceID: step.ResourceID, Message: cause, Level: "warning",
		})
		d.logger.Warn().Str("resource_id", step.ResourceID).Str("cause", cause).Msg("step skipped")
		for _, depID := range dependents[stepID] {
			skipTree(depID, fmt.Sprintf("dependency %s skipped", step.ResourceID))
		}
	}

	dispatch := func(step *PlanStep) {
		sr := run.Results[step.ID]

		disp, err := d.prepare(step, snap, working)
		if err != nil {
			finish(step.ID, OutcomeFailed, nil, classify(err, step.ResourceID))
			d.publish(ctx, &Event{
				Type: EventTypeStepFailed, RunID: run.ID, StepID: step.ID,
				ResourceID: step.ResourceID, Message: err.Error(), Level: "error",
			})
			for _, depID := range dependents[step.ID] {
				skipTree(depID, fmt.Sprintf("dependency %s failed", step.ResourceID))
			}
			return
		}

		sr.Outcome = OutcomeRunning
		inFlight++
		d.publish(ctx, &Event{
			Type: EventTypeStepStarted, RunID: run.ID, StepID: step.ID,
			ResourceID: step.ResourceID,
			Message:    fmt.Sprintf("%s %s", step.Kind, step.ResourceID),
			Level:      "info",
		})
		go d.runStep(execCtx, run.ID, disp, results)
	}

	cancelCh := ctx.Done()
	for completed < total {
		// Dispatch everything eligible under the concurrency limit.
		for !cancelled && len(ready) > 0 && inFlight < d.opts.MaxParallel {
			step := ready[0]
			ready = ready[1:]
			dispatch(step)
		}

		if cancelled && inFlight == 0 {
			for i := range plan.Steps {
				if !run.Results[plan.Steps[i].ID].Outcome.IsTerminal() {
					skipTree(plan.Steps[i].ID, "run cancelled")
				}
			}
			break
		}

		if inFlight == 0 && len(ready) == 0 {
			// Everything left is blocked behind a failure; skipTree has
			// already marked those, so any remainder means a broken plan.
			for i := range plan.Steps {
				if !run.Results[plan.Steps[i].ID].Outcome.IsTerminal() {
					skipTree(plan.Steps[i].ID, "unreachable step")
				}
			}
			break
		}

		select {
		case res := <-results:
			inFlight--
			step := steps[res.stepID]
			if res.err != nil {
				failure := classify(res.err, step.ResourceID)
				finish(res.stepID, OutcomeFailed, &res, failure)
				d.publish(ctx, &Event{
					Type: EventTypeStepFailed, RunID: run.ID, StepID: res.stepID,
					ResourceID: step.ResourceID, Message: failure.Error(), Level: "error",
				})
				d.logger.Error().Err(res.err).Str("resource_id", step.ResourceID).Msg("step failed")
				for _, depID := range dependents[res.stepID] {
					skipTree(depID, fmt.Sprintf("dependency %s failed", step.ResourceID))
				}
				continue
			}

			finish(res.stepID, OutcomeApplied, &res, nil)
			d.commit(step, res.remote, snap, working)
			d.publish(ctx, &Event{
				Type: EventTypeStepApplied, RunID: run.ID, StepID: res.stepID,
				ResourceID: step.ResourceID,
				Message:    fmt.Sprintf("%s %s applied", step.Kind, step.ResourceID),
				Level:      "info",
			})
			for _, depID := range dependents[res.stepID] {
				unmet[depID]--
				if unmet[depID] == 0 && !run.Results[depID].Outcome.IsTerminal() {
					ready = append(ready, steps[depID])
				}
			}

		case <-cancelCh:
			cancelled = true
			cancelCh = nil
			d.logger.Warn().Msg("cancellation requested; letting in-flight steps finish")
			d.publish(context.WithoutCancel(ctx), &Event{
				Type: EventTypeRunCancelled, RunID: run.ID,
				Message: "cancellation requested", Level: "warning",
			})
		}
	}

	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)
	run.Summary = summarize(run)
	run.Status = finalStatus(run.Summary, cancelled)

	eventType := EventTypeRunCompleted
	level := "info"
	if run.Status != RunStatusSucceeded {
		eventType = EventTypeRunFailed
		level = "error"
	}
	d.publish(context.WithoutCancel(ctx), &Event{
		Type: eventType, RunID: run.ID,
		Message: fmt.Sprintf("run finished with status %s", run.Status), Level: level,
	})

	return run, working, nil
}

// prepare resolves a step against the working snapshot: references become
// concrete attribute values and delete steps pick up their remote identity.
// Resolution happens on the coordinator so workers never read the snapshot.
func (d *Driver) prepare(step *PlanStep, start, working *StateSnapshot) (*stepDispatch, error) {
	disp := &stepDispatch{step: step, token: uuid.New().String()}

	switch step.Kind {
	case StepCreate, StepUpdate:
		props, err := ResolveReferences(step.Spec.Properties, working)
		if err != nil {
			return nil, err
		}
		disp.properties = props
		if step.Kind == StepUpdate {
			rec, ok := working.Resources[step.ResourceID]
			if !ok {
				return nil, NewPermanentError("resource missing from snapshot", nil).
					WithCode(ErrCodeNotFound).WithResource(step.ResourceID)
			}
			disp.remoteID = rec.RemoteID
		}

	case StepDelete:
		// Replacement deletes always target the object recorded at run
		// start; a create-before-destroy step may already have overwritten
		// the working record with the new identity.
		if rec, ok := start.Resources[step.ResourceID]; ok {
			disp.remoteID = rec.RemoteID
		} else if rec, ok := working.Resources[step.ResourceID]; ok {
			disp.remoteID = rec.RemoteID
		}
	}

	return disp, nil
}

// commit applies a successful step to the working snapshot.
func (d *Driver) commit(step *PlanStep, remote RemoteObject, start, working *StateSnapshot) {
	switch step.Kind {
	case StepCreate, StepUpdate:
		spec := step.Spec
		props, err := NormalizeProperties(spec.Properties)
		if err != nil {
			props = spec.Properties
		}
		deps := spec.DependsOn
		for _, ref := range ScanReferences(spec.Properties) {
			if !containsString(deps, ref.ResourceID) {
				deps = append(deps, ref.ResourceID)
			}
		}
		working.Resources[spec.ID] = ResourceRecord{
			ID:         spec.ID,
			Type:       spec.Type,
			RemoteID:   remote.RemoteID,
			Properties: props,
			Attributes: remote.Attributes,
			DependsOn:  deps,
			Labels:     spec.Labels,
			AppliedAt:  time.Now(),
		}

	case StepDelete:
		// Only drop the record if it still points at the object that was
		// deleted; under create-before-destroy the record already holds the
		// replacement.
		oldID := ""
		if rec, ok := start.Resources[step.ResourceID]; ok {
			oldID = rec.RemoteID
		}
		if rec, ok := working.Resources[step.ResourceID]; ok {
			if oldID == "" || rec.RemoteID == oldID {
				delete(working.Resources, step.ResourceID)
			}
		}
	}
}

// runStep executes one step with bounded retries and exponential backoff.
// The idempotency token is fixed for the step, so a retried call is safe on
// backends that deduplicate by token.
func (d *Driver) runStep(ctx context.Context, runID string, disp *stepDispatch, results chan<- stepDone) {
	step := disp.step
	done := stepDone{stepID: step.ID, started: time.Now()}

	for attempt := 0; ; attempt++ {
		done.attempts = attempt + 1
		remote, err := d.invoke(ctx, disp)
		if err == nil {
			done.remote = remote
			done.err = nil
			break
		}
		done.err = err

		if !IsRetryable(err) || attempt >= d.opts.MaxRetries {
			if IsRetryable(err) {
				done.err = NewPermanentError(
					fmt.Sprintf("retries exhausted after %d attempts", attempt+1), err).
					WithCode(ErrCodeRemoteFailed).WithResource(step.ResourceID)
			}
			break
		}

		delay := d.backoff(attempt)
		d.logger.Warn().
			Str("resource_id", step.ResourceID).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Err(err).
			Msg("transient failure, retrying")
		d.publish(ctx, &Event{
			Type: EventTypeStepRetried, RunID: runID, StepID: step.ID,
			ResourceID: step.ResourceID,
			Message:    fmt.Sprintf("retrying after transient failure (attempt %d)", attempt+1),
			Level:      "warning",
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			done.err = NewPermanentError("execution context closed", ctx.Err()).
				WithCode(ErrCodeTimeout).WithResource(step.ResourceID)
			done.finished = time.Now()
			results <- done
			return
		}
	}

	done.finished = time.Now()
	results <- done
}

// invoke performs the control-plane call for a step.
func (d *Driver) invoke(ctx context.Context, disp *stepDispatch) (RemoteObject, error) {
	step := disp.step

	if d.opts.DryRun {
		remote := RemoteObject{RemoteID: disp.remoteID}
		if step.Kind == StepCreate {
			remote.RemoteID = "(known after apply)"
		}
		return remote, nil
	}

	switch step.Kind {
	case StepCreate:
		return d.client.Create(ctx, CreateRequest{
			IdempotencyToken: disp.token,
			ResourceID:       step.ResourceID,
			Type:             step.Spec.Type,
			Properties:       disp.properties,
		})
	case StepUpdate:
		return d.client.Update(ctx, UpdateRequest{
			IdempotencyToken: disp.token,
			ResourceID:       step.ResourceID,
			Type:             step.Spec.Type,
			RemoteID:         disp.remoteID,
			Properties:       disp.properties,
		})
	case StepDelete:
		if disp.remoteID == "" {
			// Never materialized remotely; nothing to tear down.
			return RemoteObject{}, nil
		}
		resourceType := ""
		if step.Spec != nil {
			resourceType = step.Spec.Type
		}
		err := d.client.Delete(ctx, DeleteRequest{
			IdempotencyToken: disp.token,
			ResourceID:       step.ResourceID,
			Type:             resourceType,
			RemoteID:         disp.remoteID,
		})
		return RemoteObject{}, err
	default:
		return RemoteObject{}, NewPermanentError("unknown step kind", nil).
			WithCode(ErrCodeInternal).WithResource(step.ResourceID)
	}
}

// backoff computes the exponential retry delay with jitter.
func (d *Driver) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(d.opts.BaseBackoff) * math.Pow(2, float64(attempt)))
	if delay > d.opts.MaxBackoff {
		delay = d.opts.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

func (d *Driver) publish(ctx context.Context, event *Event) {
	if d.events == nil {
		return
	}
	event.ID = uuid.New().String()
	event.Timestamp = time.Now()
	d.events.Publish(ctx, event)
}

// ResolveReferences substitutes every "${id.attribute}" token with the
// referenced resource's attribute from the snapshot. A string that is
// exactly one reference keeps the attribute's native type; embedded
// references are interpolated as text.
func ResolveReferences(props map[string]interface{}, snap *StateSnapshot) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		resolved, err := resolveValue(v, k, snap)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v interface{}, path string, snap *StateSnapshot) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, path, snap)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			resolved, err := resolveValue(item, path+"."+k, snap)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			resolved, err := resolveValue(item, fmt.Sprintf("%s[%d]", path, i), snap)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s, path string, snap *StateSnapshot) (interface{}, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	lookup := func(id, attr string) (interface{}, error) {
		rec, ok := snap.Resources[id]
		if !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("referenced resource %q has no applied state", id), nil).
				WithCode(ErrCodeNotFound).WithDetail("field", path)
		}
		if attr == "remote_id" {
			return rec.RemoteID, nil
		}
		value, ok := rec.Attributes[attr]
		if !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("resource %q has no attribute %q", id, attr), nil).
				WithCode(ErrCodeNotFound).WithDetail("field", path)
		}
		return value, nil
	}

	// Whole-string reference keeps the attribute's native type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		m := refPattern.FindStringSubmatch(s)
		return lookup(m[1], m[2])
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		id := s[m[2]:m[3]]
		attr := s[m[4]:m[5]]
		value, err := lookup(id, attr)
		if err != nil {
			return nil, err
		}
		sb.WriteString(fmt.Sprintf("%v", value))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

// classify wraps an arbitrary error as a permanent engine error with
// resource context, passing classified errors through.
func classify(err error, resourceID string) *EngineError {
	if ee, ok := err.(*EngineError); ok {
		if ee.Resource == "" {
			ee.Resource = resourceID
		}
		return ee
	}
	return NewPermanentError("step execution failed", err).
		WithCode(ErrCodeRemoteFailed).WithResource(resourceID)
}

func summarize(run *Run) RunSummary {
	summary := RunSummary{Total: len(run.Results)}
	for _, res := range run.Results {
		switch res.Outcome {
		case OutcomeApplied:
			summary.Applied++
		case OutcomeFailed:
			summary.Failed++
		case OutcomeSkipped:
			summary.Skipped++
		}
	}
	return summary
}

func finalStatus(summary RunSummary, cancelled bool) RunStatus {
	switch {
	case cancelled:
		return RunStatusCancelled
	case summary.Failed == 0 && summary.Skipped == 0:
		return RunStatusSucceeded
	case summary.Applied > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}
