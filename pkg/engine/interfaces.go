package engine

import (
	"context"
)

// CloudClient is the capability interface to the remote control plane.
// Every call carries a client-supplied idempotency token so that retries of
// the same action are safe: a backend that already performed the action for
// a token must return the original result instead of acting twice.
//
// Implementations classify failures with NewTransientError (retryable) or
// NewPermanentError (not retryable).
type CloudClient interface {
	// Create provisions a new remote object and returns its identity and
	// output attributes.
	Create(ctx context.Context, req CreateRequest) (RemoteObject, error)

	// Update mutates an existing remote object in place.
	Update(ctx context.Context, req UpdateRequest) (RemoteObject, error)

	// Delete removes a remote object. Deleting an object that no longer
	// exists is not an error.
	Delete(ctx context.Context, req DeleteRequest) error
}

// CreateRequest asks the control plane to provision a resource.
type CreateRequest struct {
	// IdempotencyToken is the client-supplied token for retry safety.
	IdempotencyToken string `json:"idempotency_token"`

	// ResourceID is the engine-side resource identifier.
	ResourceID string `json:"resource_id"`

	// Type is the resource type tag.
	Type string `json:"type"`

	// Properties is the fully resolved configuration (no references left).
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// UpdateRequest asks the control plane to mutate an existing resource.
type UpdateRequest struct {
	// IdempotencyToken is the client-supplied token for retry safety.
	IdempotencyToken string `json:"idempotency_token"`

	// ResourceID is the engine-side resource identifier.
	ResourceID string `json:"resource_id"`

	// Type is the resource type tag.
	Type string `json:"type"`

	// RemoteID is the control-plane identifier from the snapshot.
	RemoteID string `json:"remote_id"`

	// Properties is the fully resolved configuration (no references left).
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// DeleteRequest asks the control plane to remove a resource.
type DeleteRequest struct {
	// IdempotencyToken is the client-supplied token for retry safety.
	IdempotencyToken string `json:"idempotency_token"`

	// ResourceID is the engine-side resource identifier.
	ResourceID string `json:"resource_id"`

	// Type is the resource type tag.
	Type string `json:"type"`

	// RemoteID is the control-plane identifier from the snapshot.
	RemoteID string `json:"remote_id"`
}

// RemoteObject is the control plane's view of a provisioned resource.
type RemoteObject struct {
	// RemoteID is the identifier assigned by the control plane.
	RemoteID string `json:"remote_id"`

	// Attributes are the output attributes other resources may reference.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// SnapshotStore persists state snapshots between runs.
type SnapshotStore interface {
	// LoadLatest returns the most recent snapshot, or an empty snapshot
	// when none has been persisted yet.
	LoadLatest(ctx context.Context) (*StateSnapshot, error)

	// Save persists a snapshot with the next serial.
	Save(ctx context.Context, snap *StateSnapshot) error
}

// EventPublisher receives timeline events from the driver. Implementations
// must not block; the driver publishes from its coordinator goroutine.
type EventPublisher interface {
	// Publish delivers one event.
	Publish(ctx context.Context, event *Event)
}
