package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/config"
	"github.com/mase-health/autobilling-engine/internal/store"
)

func enabledSettings() billing.AuditSettings {
	return billing.AuditSettings{Enabled: true, RetentionDays: 365}
}

func newTestLogger(st store.AuditStore, settings billing.AuditSettings, cfg config.AuditConfig) *Logger {
	return NewLogger(st, func() billing.AuditSettings { return settings }, cfg, zap.NewNop())
}

func waitForEntries(t *testing.T, st store.AuditStore, want int) []store.AuditEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := st.ListAuditEntries(context.Background(), 0)
		require.NoError(t, err)
		if len(entries) >= want {
			return entries
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d audit entries, store never reached it", want)
	return nil
}

func TestRecordFlushesBatches(t *testing.T) {
	st := store.NewMemory()
	l := newTestLogger(st, enabledSettings(), config.AuditConfig{
		FlushInterval: 20 * time.Millisecond,
	})

	l.Start(context.Background())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		l.Record(store.AuditEntry{
			EventType: "trigger_execution",
			EntityID:  "trg-1",
		})
	}

	entries := waitForEntries(t, st, 3)
	assert.Equal(t, "trigger_execution", entries[0].EventType)
	assert.False(t, entries[0].Timestamp.IsZero(), "a missing timestamp is filled in")
}

func TestRecordDisabledSettingsSkips(t *testing.T) {
	st := store.NewMemory()
	l := newTestLogger(st, billing.AuditSettings{Enabled: false}, config.AuditConfig{
		FlushInterval: 20 * time.Millisecond,
	})

	l.Start(context.Background())
	l.Record(store.AuditEntry{EventType: "trigger_execution"})
	l.Stop()

	entries, err := st.ListAuditEntries(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordRedactsPersonalData(t *testing.T) {
	st := store.NewMemory()
	l := newTestLogger(st, enabledSettings(), config.AuditConfig{
		FlushInterval: 20 * time.Millisecond,
	})

	l.Start(context.Background())
	l.Record(store.AuditEntry{
		EventType: "violation_detected",
		Details: map[string]interface{}{
			"patientName": "Jane Roe",
			"ssn":         "000-00-0000",
			"episodeId":   "ep-1",
		},
	})
	l.Stop()

	entries := waitForEntries(t, st, 1)
	assert.Equal(t, "[redacted]", entries[0].Details["patientName"])
	assert.Equal(t, "[redacted]", entries[0].Details["ssn"])
	assert.Equal(t, "ep-1", entries[0].Details["episodeId"])
}

func TestRecordKeepsPersonalDataWhenOptedIn(t *testing.T) {
	st := store.NewMemory()
	settings := enabledSettings()
	settings.IncludePersonalData = true
	l := newTestLogger(st, settings, config.AuditConfig{})

	l.Start(context.Background())
	l.Record(store.AuditEntry{
		EventType: "violation_detected",
		Details:   map[string]interface{}{"patientName": "Jane Roe"},
	})
	l.Stop()

	entries := waitForEntries(t, st, 1)
	assert.Equal(t, "Jane Roe", entries[0].Details["patientName"])
}

func TestRecordNeverBlocksOnFullQueue(t *testing.T) {
	st := store.NewMemory()
	l := newTestLogger(st, enabledSettings(), config.AuditConfig{BufferSize: 2})

	// Writer not started: the queue fills and overflow is counted, not
	// blocked on.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			l.Record(store.AuditEntry{EventType: "trigger_execution"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
	assert.Equal(t, int64(3), l.Dropped())
}

func TestStopFlushesPendingEntries(t *testing.T) {
	st := store.NewMemory()
	l := newTestLogger(st, enabledSettings(), config.AuditConfig{
		FlushInterval: time.Hour,
	})

	l.Start(context.Background())
	l.Record(store.AuditEntry{EventType: "config_change"})
	l.Stop()

	entries, err := st.ListAuditEntries(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "config_change", entries[0].EventType)
}

func TestRedact(t *testing.T) {
	out := Redact(map[string]interface{}{
		"memberId": "M123",
		"phone":    "555-0100",
		"score":    88.5,
	})
	assert.Equal(t, "[redacted]", out["memberId"])
	assert.Equal(t, "[redacted]", out["phone"])
	assert.Equal(t, 88.5, out["score"])

	assert.Nil(t, Redact(nil))
}

func TestPurgeHonorsRetention(t *testing.T) {
	st := store.NewMemory()
	l := newTestLogger(st, billing.AuditSettings{Enabled: true, RetentionDays: 30}, config.AuditConfig{})

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	require.NoError(t, st.AppendAuditEntries(context.Background(), []store.AuditEntry{
		{EventType: "old", Timestamp: now.AddDate(0, 0, -40)},
		{EventType: "recent", Timestamp: now.AddDate(0, 0, -10)},
	}))

	require.NoError(t, l.Purge(context.Background()))

	entries, err := st.ListAuditEntries(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "recent", entries[0].EventType)
}

func TestPurgeZeroRetentionIsNoOp(t *testing.T) {
	st := store.NewMemory()
	l := newTestLogger(st, billing.AuditSettings{Enabled: true}, config.AuditConfig{})

	require.NoError(t, st.AppendAuditEntries(context.Background(), []store.AuditEntry{
		{EventType: "old", Timestamp: time.Now().AddDate(-1, 0, 0)},
	}))

	require.NoError(t, l.Purge(context.Background()))

	entries, err := st.ListAuditEntries(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
