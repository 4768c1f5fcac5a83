package stores

import (
	"time"
)

// SnapshotRow is the persisted form of a state snapshot. The full resource
// map is stored as one JSON document; serial ordering gives cheap history.
type SnapshotRow struct {
	Serial    int64     `json:"serial"`
	TakenAt   time.Time `json:"taken_at"`
	RunID     *string   `json:"run_id,omitempty"`
	Resources string    `json:"resources"` // JSON: map[resource ID]record
	CreatedAt time.Time `json:"created_at"`
}

// RunRow is the persisted form of one plan execution.
type RunRow struct {
	ID          string     `json:"id"`
	PlanID      string     `json:"plan_id"`
	Status      string     `json:"status"`
	Summary     string     `json:"summary"` // JSON
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	CreatedAt   time.Time  `json:"created_at"`
}

// StepResultRow is the persisted outcome of one plan step.
type StepResultRow struct {
	StepID      string     `json:"step_id"`
	RunID       string     `json:"run_id"`
	ResourceID  string     `json:"resource_id"`
	Kind        string     `json:"kind"`
	Outcome     string     `json:"outcome"`
	Attempts    int        `json:"attempts"`
	RemoteID    *string    `json:"remote_id,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
}

// EventRow is a persisted timeline event.
type EventRow struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	RunID      *string   `json:"run_id,omitempty"`
	StepID     *string   `json:"step_id,omitempty"`
	ResourceID *string   `json:"resource_id,omitempty"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditEntry records who changed state and how.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject"`
	Detail    *string   `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
