package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mase-health/autobilling-engine/internal/billing"
)

func TestMemoryDocumentRoundTrip(t *testing.T) {
	m := NewMemory()

	_, err := m.LoadDocument(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	doc := &billing.ConfigDocument{
		Triggers: []billing.Trigger{{
			ID:          "trig-1",
			Name:        "Episode completion billing",
			Enabled:     true,
			TriggerType: billing.TriggerEpisodeCompletion,
			Priority:    billing.PriorityHigh,
			Actions:     []billing.Action{{ActionType: billing.ActionGenerateUB04}},
		}},
		Config:      billing.AutoBillingConfig{Enabled: true},
		Version:     3,
		LastUpdated: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, m.SaveDocument(context.Background(), doc))

	loaded, err := m.LoadDocument(context.Background())
	require.NoError(t, err)
	assert.Equal(t, doc, loaded)

	// The store hands out copies; mutating the loaded document does not
	// leak into the stored one.
	loaded.Version = 99
	again, err := m.LoadDocument(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, again.Version)
}

func TestMemoryDeadLetterLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	fresh := &DeadLetter{
		ID:        "dl-1",
		TriggerID: "trig-1",
		Origin:    billing.OriginTrigger,
		Action:    billing.Action{ActionType: billing.ActionSubmitClaim},
		LastError: "claim service down",
		Attempts:  3,
		CreatedAt: time.Now(),
	}
	require.NoError(t, m.SaveDeadLetter(ctx, fresh))

	_, err := m.GetDeadLetter(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.MarkReplayed(ctx, "missing", time.Now()), ErrNotFound)

	got, err := m.GetDeadLetter(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, "trig-1", got.TriggerID)
	assert.Nil(t, got.ReplayedAt)

	require.NoError(t, m.MarkReplayed(ctx, "dl-1", time.Now()))

	// Replayed letters drop out of the default listing.
	letters, err := m.ListDeadLetters(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, letters)

	letters, err = m.ListDeadLetters(ctx, true)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.NotNil(t, letters[0].ReplayedAt)
}

func TestMemoryListViolationsFiltersByState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	save := func(id, subject string, state billing.ViolationState) {
		require.NoError(t, m.SaveViolation(ctx, &billing.Violation{
			ID:          id,
			ThresholdID: "thr-1",
			SubjectID:   subject,
			State:       state,
			DetectedAt:  time.Now(),
		}))
	}
	save("v-1", "s1", billing.ViolationDetected)
	save("v-2", "s2", billing.ViolationEscalating)
	save("v-3", "s3", billing.ViolationResolved)

	open, err := m.ListViolations(ctx, []billing.ViolationState{
		billing.ViolationDetected,
		billing.ViolationEscalating,
	})
	require.NoError(t, err)
	assert.Len(t, open, 2)
	for _, v := range open {
		assert.NotEqual(t, billing.ViolationResolved, v.State)
	}

	// No state filter returns everything.
	all, err := m.ListViolations(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryViolationKeyedByThresholdAndSubject(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveViolation(ctx, &billing.Violation{
		ID: "v-1", ThresholdID: "thr-1", SubjectID: "s1", State: billing.ViolationDetected,
	}))
	require.NoError(t, m.SaveViolation(ctx, &billing.Violation{
		ID: "v-2", ThresholdID: "thr-2", SubjectID: "s1", State: billing.ViolationDetected,
	}))

	_, err := m.GetViolation(ctx, "thr-1", "s2")
	assert.ErrorIs(t, err, ErrNotFound)

	v, err := m.GetViolation(ctx, "thr-2", "s1")
	require.NoError(t, err)
	assert.Equal(t, "v-2", v.ID)
}

func TestMemoryPendingTasksFilterByRole(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SavePendingTask(ctx, &billing.PendingTask{
		ID: "t-1", AssignedRole: "billing_manager", Status: "open",
	}))
	require.NoError(t, m.SavePendingTask(ctx, &billing.PendingTask{
		ID: "t-2", AssignedRole: "clinical_director", Status: "open",
	}))

	managers, err := m.ListPendingTasks(ctx, "billing_manager")
	require.NoError(t, err)
	require.Len(t, managers, 1)
	assert.Equal(t, "t-1", managers[0].ID)

	all, err := m.ListPendingTasks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryAuditLimitAndPurge(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var entries []AuditEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, AuditEntry{
			ID:        "a-" + string(rune('1'+i)),
			EventType: "trigger_executed",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
	}
	require.NoError(t, m.AppendAuditEntries(ctx, entries))

	// The limit keeps the most recent entries.
	got, err := m.ListAuditEntries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a-4", got[0].ID)
	assert.Equal(t, "a-5", got[1].ID)

	purged, err := m.PurgeAuditEntriesBefore(ctx, base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), purged)

	rest, err := m.ListAuditEntries(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}
