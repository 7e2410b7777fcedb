package store

import (
	"context"
	"sync"
	"time"

	"github.com/mase-health/autobilling-engine/internal/billing"
)

// Memory is an in-memory Store used in tests and when the engine runs
// without a database.
type Memory struct {
	mu          sync.RWMutex
	document    *billing.ConfigDocument
	auditLog    []AuditEntry
	deadLetters map[string]*DeadLetter
	tasks       map[string]*billing.PendingTask
	violations  map[string]*billing.Violation
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		deadLetters: make(map[string]*DeadLetter),
		tasks:       make(map[string]*billing.PendingTask),
		violations:  make(map[string]*billing.Violation),
	}
}

func (m *Memory) LoadDocument(ctx context.Context) (*billing.ConfigDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.document == nil {
		return nil, ErrNotFound
	}
	doc := *m.document
	return &doc, nil
}

func (m *Memory) SaveDocument(ctx context.Context, doc *billing.ConfigDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *doc
	m.document = &copied
	return nil
}

func (m *Memory) AppendAuditEntries(ctx context.Context, entries []AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLog = append(m.auditLog, entries...)
	return nil
}

func (m *Memory) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.auditLog) {
		limit = len(m.auditLog)
	}
	out := make([]AuditEntry, limit)
	copy(out, m.auditLog[len(m.auditLog)-limit:])
	return out, nil
}

func (m *Memory) PurgeAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.auditLog[:0]
	var purged int64
	for _, e := range m.auditLog {
		if e.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.auditLog = kept
	return purged, nil
}

func (m *Memory) SaveDeadLetter(ctx context.Context, dl *DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *dl
	m.deadLetters[dl.ID] = &copied
	return nil
}

func (m *Memory) ListDeadLetters(ctx context.Context, includeReplayed bool) ([]*DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*DeadLetter, 0, len(m.deadLetters))
	for _, dl := range m.deadLetters {
		if !includeReplayed && dl.ReplayedAt != nil {
			continue
		}
		copied := *dl
		out = append(out, &copied)
	}
	return out, nil
}

func (m *Memory) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dl, ok := m.deadLetters[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *dl
	return &copied, nil
}

func (m *Memory) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.deadLetters[id]
	if !ok {
		return ErrNotFound
	}
	dl.ReplayedAt = &at
	return nil
}

func (m *Memory) SavePendingTask(ctx context.Context, task *billing.PendingTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *task
	m.tasks[task.ID] = &copied
	return nil
}

func (m *Memory) ListPendingTasks(ctx context.Context, role string) ([]*billing.PendingTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*billing.PendingTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		if role != "" && t.AssignedRole != role {
			continue
		}
		copied := *t
		out = append(out, &copied)
	}
	return out, nil
}

func violationKey(thresholdID, subjectID string) string {
	return thresholdID + "|" + subjectID
}

func (m *Memory) SaveViolation(ctx context.Context, v *billing.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *v
	m.violations[violationKey(v.ThresholdID, v.SubjectID)] = &copied
	return nil
}

func (m *Memory) GetViolation(ctx context.Context, thresholdID, subjectID string) (*billing.Violation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.violations[violationKey(thresholdID, subjectID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *v
	return &copied, nil
}

func (m *Memory) ListViolations(ctx context.Context, states []billing.ViolationState) ([]*billing.Violation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*billing.Violation, 0, len(m.violations))
	for _, v := range m.violations {
		if len(states) > 0 && !containsState(states, v.State) {
			continue
		}
		copied := *v
		out = append(out, &copied)
	}
	return out, nil
}

func containsState(states []billing.ViolationState, s billing.ViolationState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
