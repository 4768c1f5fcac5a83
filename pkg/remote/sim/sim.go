// Package sim provides an in-memory control plane for local development and
// tests. It honors idempotency tokens, synthesizes output attributes, and can
// inject transient or permanent failures per resource.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/terrane-dev/terrane/pkg/engine"
)

// AttributeFunc synthesizes the output attributes for a created or updated
// object from its resolved properties.
type AttributeFunc func(remoteID string, properties map[string]interface{}) map[string]interface{}

// FailureMode selects how an injected failure presents.
type FailureMode string

const (
	// FailTransient makes the call fail with a retryable error.
	FailTransient FailureMode = "transient"

	// FailPermanent makes the call fail with a non-retryable error.
	FailPermanent FailureMode = "permanent"
)

// Failure scripts an injected failure for one resource ID.
type Failure struct {
	// Mode selects transient or permanent.
	Mode FailureMode

	// Count is how many calls fail before the resource starts succeeding.
	// Permanent failures ignore Count and fail every call.
	Count int
}

// object is one provisioned remote object.
type object struct {
	remoteID   string
	resourceID string
	objType    string
	properties map[string]interface{}
	attributes map[string]interface{}
	createdAt  time.Time
}

// tokenResult caches the outcome of a completed call for idempotent replay.
type tokenResult struct {
	remote engine.RemoteObject
	err    error
}

// ControlPlane is the in-memory implementation of engine.CloudClient.
type ControlPlane struct {
	mu       sync.Mutex
	objects  map[string]*object      // by remote ID
	byRes    map[string]string       // resource ID -> remote ID
	tokens   map[string]tokenResult  // idempotency token -> first outcome
	failures map[string]*Failure     // resource ID -> scripted failure
	attrFns  map[string]AttributeFunc // resource type -> attribute synthesis

	latency time.Duration
	logger  zerolog.Logger
}

// Option configures the simulated control plane.
type Option func(*ControlPlane)

// WithLatency adds a fixed delay to every call.
func WithLatency(d time.Duration) Option {
	return func(cp *ControlPlane) { cp.latency = d }
}

// WithAttributeFunc registers attribute synthesis for a resource type.
func WithAttributeFunc(resourceType string, fn AttributeFunc) Option {
	return func(cp *ControlPlane) { cp.attrFns[resourceType] = fn }
}

// WithFailure scripts a failure for a resource ID.
func WithFailure(resourceID string, mode FailureMode, count int) Option {
	return func(cp *ControlPlane) {
		cp.failures[resourceID] = &Failure{Mode: mode, Count: count}
	}
}

// New creates an empty simulated control plane.
func New(logger zerolog.Logger, opts ...Option) *ControlPlane {
	cp := &ControlPlane{
		objects:  make(map[string]*object),
		byRes:    make(map[string]string),
		tokens:   make(map[string]tokenResult),
		failures: make(map[string]*Failure),
		attrFns:  make(map[string]AttributeFunc),
		logger:   logger.With().Str("component", "sim").Logger(),
	}
	for _, opt := range opts {
		opt(cp)
	}
	return cp
}

// InjectFailure scripts a failure for a resource ID after construction.
func (cp *ControlPlane) InjectFailure(resourceID string, mode FailureMode, count int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.failures[resourceID] = &Failure{Mode: mode, Count: count}
}

// Create provisions a new object.
func (cp *ControlPlane) Create(ctx context.Context, req engine.CreateRequest) (engine.RemoteObject, error) {
	if err := cp.wait(ctx); err != nil {
		return engine.RemoteObject{}, err
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cached, ok := cp.tokens[req.IdempotencyToken]; ok {
		return cached.remote, cached.err
	}
	if err := cp.maybeFail(req.ResourceID, "create"); err != nil {
		return engine.RemoteObject{}, err
	}

	remoteID := "sim-" + uuid.New().String()[:8]
	obj := &object{
		remoteID:   remoteID,
		resourceID: req.ResourceID,
		objType:    req.Type,
		properties: req.Properties,
		attributes: cp.synthesize(req.Type, remoteID, req.Properties),
		createdAt:  time.Now(),
	}
	cp.objects[remoteID] = obj
	cp.byRes[req.ResourceID] = remoteID

	remote := engine.RemoteObject{RemoteID: remoteID, Attributes: obj.attributes}
	cp.tokens[req.IdempotencyToken] = tokenResult{remote: remote}
	cp.logger.Debug().Str("resource_id", req.ResourceID).Str("remote_id", remoteID).Msg("created")
	return remote, nil
}

// Update mutates an existing object in place.
func (cp *ControlPlane) Update(ctx context.Context, req engine.UpdateRequest) (engine.RemoteObject, error) {
	if err := cp.wait(ctx); err != nil {
		return engine.RemoteObject{}, err
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cached, ok := cp.tokens[req.IdempotencyToken]; ok {
		return cached.remote, cached.err
	}
	if err := cp.maybeFail(req.ResourceID, "update"); err != nil {
		return engine.RemoteObject{}, err
	}

	obj, ok := cp.objects[req.RemoteID]
	if !ok {
		err := engine.NewPermanentError(
			fmt.Sprintf("remote object %s does not exist", req.RemoteID), nil).
			WithCode(engine.ErrCodeNotFound).WithResource(req.ResourceID)
		cp.tokens[req.IdempotencyToken] = tokenResult{err: err}
		return engine.RemoteObject{}, err
	}

	obj.properties = req.Properties
	obj.attributes = cp.synthesize(obj.objType, obj.remoteID, req.Properties)

	remote := engine.RemoteObject{RemoteID: obj.remoteID, Attributes: obj.attributes}
	cp.tokens[req.IdempotencyToken] = tokenResult{remote: remote}
	cp.logger.Debug().Str("resource_id", req.ResourceID).Str("remote_id", obj.remoteID).Msg("updated")
	return remote, nil
}

// Delete removes an object. Deleting an unknown remote ID succeeds.
func (cp *ControlPlane) Delete(ctx context.Context, req engine.DeleteRequest) error {
	if err := cp.wait(ctx); err != nil {
		return err
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cached, ok := cp.tokens[req.IdempotencyToken]; ok {
		return cached.err
	}
	if err := cp.maybeFail(req.ResourceID, "delete"); err != nil {
		return err
	}

	if obj, ok := cp.objects[req.RemoteID]; ok {
		delete(cp.objects, req.RemoteID)
		if cp.byRes[obj.resourceID] == req.RemoteID {
			delete(cp.byRes, obj.resourceID)
		}
		cp.logger.Debug().Str("resource_id", req.ResourceID).Str("remote_id", req.RemoteID).Msg("deleted")
	}
	cp.tokens[req.IdempotencyToken] = tokenResult{}
	return nil
}

// Lookup returns a copy of the object provisioned for a resource ID.
func (cp *ControlPlane) Lookup(resourceID string) (engine.RemoteObject, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	remoteID, ok := cp.byRes[resourceID]
	if !ok {
		return engine.RemoteObject{}, false
	}
	obj := cp.objects[remoteID]
	return engine.RemoteObject{RemoteID: obj.remoteID, Attributes: obj.attributes}, true
}

// Count returns the number of live objects.
func (cp *ControlPlane) Count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.objects)
}

// CallsFor returns how many failures remain scripted for a resource.
func (cp *ControlPlane) CallsFor(resourceID string) int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if f, ok := cp.failures[resourceID]; ok {
		return f.Count
	}
	return 0
}

func (cp *ControlPlane) wait(ctx context.Context) error {
	if cp.latency <= 0 {
		return nil
	}
	select {
	case <-time.After(cp.latency):
		return nil
	case <-ctx.Done():
		return engine.NewTransientError("control plane call interrupted", ctx.Err()).
			WithCode(engine.ErrCodeTimeout)
	}
}

// maybeFail consumes one scripted failure if any remain. Caller holds cp.mu.
func (cp *ControlPlane) maybeFail(resourceID, op string) error {
	f, ok := cp.failures[resourceID]
	if !ok {
		return nil
	}
	switch f.Mode {
	case FailPermanent:
		return engine.NewPermanentError(
			fmt.Sprintf("%s rejected by control plane", op), nil).
			WithCode(engine.ErrCodeRemoteFailed).WithResource(resourceID)
	case FailTransient:
		if f.Count <= 0 {
			return nil
		}
		f.Count--
		return engine.NewTransientError(
			fmt.Sprintf("%s temporarily unavailable", op), nil).
			WithCode(engine.ErrCodeRateLimited).WithResource(resourceID)
	}
	return nil
}

// synthesize builds output attributes: the registered per-type function when
// present, otherwise the remote ID plus every scalar property echoed back.
func (cp *ControlPlane) synthesize(resourceType, remoteID string, properties map[string]interface{}) map[string]interface{} {
	if fn, ok := cp.attrFns[resourceType]; ok {
		attrs := fn(remoteID, properties)
		if attrs != nil {
			return attrs
		}
	}
	attrs := map[string]interface{}{"id": remoteID}
	for k, v := range properties {
		switch v.(type) {
		case string, bool, int, int64, float64:
			attrs[k] = v
		}
	}
	return attrs
}
