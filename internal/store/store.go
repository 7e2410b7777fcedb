package store

import (
	"context"
	"errors"
	"time"

	"github.com/mase-health/autobilling-engine/internal/billing"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DeadLetter is an action that exhausted its retries without success, parked
// for inspection and manual replay.
type DeadLetter struct {
	ID         string                  `db:"id" json:"id"`
	TriggerID  string                  `db:"trigger_id" json:"trigger_id"`
	Origin     billing.ExecutionOrigin `db:"origin" json:"origin"`
	Action     billing.Action          `db:"-" json:"action"`
	Context    map[string]interface{}  `db:"-" json:"context"`
	LastError  string                  `db:"last_error" json:"last_error"`
	Attempts   int                     `db:"attempts" json:"attempts"`
	CreatedAt  time.Time               `db:"created_at" json:"created_at"`
	ReplayedAt *time.Time              `db:"replayed_at" json:"replayed_at,omitempty"`
}

// AuditEntry is one append-only audit record. Entries are immutable once
// written and retained per the active configuration's retentionDays.
type AuditEntry struct {
	ID        string                  `db:"id" json:"id"`
	EventType string                  `db:"event_type" json:"event_type"`
	Origin    billing.ExecutionOrigin `db:"origin" json:"origin"`
	EntityID  string                  `db:"entity_id" json:"entity_id"`
	SubjectID string                  `db:"subject_id" json:"subject_id"`
	Action    string                  `db:"action" json:"action"`
	Status    string                  `db:"status" json:"status"`
	Details   map[string]interface{}  `db:"-" json:"details,omitempty"`
	Timestamp time.Time               `db:"timestamp" json:"timestamp"`
}

// ConfigStore persists the versioned configuration document.
type ConfigStore interface {
	// LoadDocument returns the latest configuration document, or ErrNotFound
	// if none has been saved yet.
	LoadDocument(ctx context.Context) (*billing.ConfigDocument, error)
	// SaveDocument persists a new document version. The caller is expected
	// to have already validated it and bumped Version/LastUpdated.
	SaveDocument(ctx context.Context, doc *billing.ConfigDocument) error
}

// AuditStore persists audit entries and enforces retention.
type AuditStore interface {
	AppendAuditEntries(ctx context.Context, entries []AuditEntry) error
	ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error)
	PurgeAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeadLetterStore parks and replays failed actions.
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, includeReplayed bool) ([]*DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}

// TaskStore persists pending human-approval remediation tasks.
type TaskStore interface {
	SavePendingTask(ctx context.Context, task *billing.PendingTask) error
	ListPendingTasks(ctx context.Context, role string) ([]*billing.PendingTask, error)
}

// ViolationStore persists threshold violation state.
type ViolationStore interface {
	SaveViolation(ctx context.Context, v *billing.Violation) error
	GetViolation(ctx context.Context, thresholdID, subjectID string) (*billing.Violation, error)
	ListViolations(ctx context.Context, states []billing.ViolationState) ([]*billing.Violation, error)
}

// Store aggregates all persistence concerns of the engine.
type Store interface {
	ConfigStore
	AuditStore
	DeadLetterStore
	TaskStore
	ViolationStore
}
