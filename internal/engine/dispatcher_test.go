package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/store"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []billing.Action
	fail  map[billing.ActionType]error
}

func (f *fakeExecutor) Execute(ctx context.Context, execCtx *ExecutionContext, action billing.Action) error {
	f.mu.Lock()
	f.calls = append(f.calls, action)
	f.mu.Unlock()
	if err, ok := f.fail[action.ActionType]; ok {
		return err
	}
	return nil
}

func (f *fakeExecutor) executed() []billing.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]billing.Action, len(f.calls))
	copy(out, f.calls)
	return out
}

type recordingPublisher struct {
	records chan *billing.ExecutionRecord
}

func (p *recordingPublisher) PublishExecution(record *billing.ExecutionRecord) {
	p.records <- record
}

func testDocument(triggers ...billing.Trigger) *billing.ConfigDocument {
	return &billing.ConfigDocument{
		Triggers: triggers,
		Config: billing.AutoBillingConfig{
			Enabled: true,
			PerformanceSettings: billing.PerformanceSettings{
				MaxConcurrentTriggers: 2,
				TriggerTimeoutSeconds: 5,
				QueueSettings: billing.QueueSettings{
					MaxQueueSize:    10,
					DeadLetterQueue: true,
				},
			},
		},
		Version: 1,
	}
}

func startDispatcher(t *testing.T, doc *billing.ConfigDocument, exec ActionExecutor, st store.Store, pub Publisher) *Dispatcher {
	t.Helper()
	d := NewDispatcher(exec, st, nil, pub, zap.NewNop())
	d.Apply(doc)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, d.Start(ctx))
	t.Cleanup(d.Stop)
	return d
}

func waitForRecord(t *testing.T, pub *recordingPublisher) *billing.ExecutionRecord {
	t.Helper()
	select {
	case record := <-pub.records:
		return record
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for execution record")
		return nil
	}
}

func TestDispatcherExecutesMatchingTrigger(t *testing.T) {
	trigger := billing.Trigger{
		ID:          "trig-episode",
		Name:        "Episode completion billing",
		Enabled:     true,
		TriggerType: billing.TriggerEpisodeCompletion,
		Priority:    billing.PriorityHigh,
		Conditions: []billing.Condition{
			{Field: "episodeStatus", Operator: billing.OpEquals, Value: "completed", DataType: billing.DataString},
		},
		Actions: []billing.Action{
			{ActionType: billing.ActionGenerateUB04},
			{ActionType: billing.ActionSubmitClaim},
		},
	}

	exec := &fakeExecutor{}
	pub := &recordingPublisher{records: make(chan *billing.ExecutionRecord, 4)}
	d := startDispatcher(t, testDocument(trigger), exec, store.NewMemory(), pub)

	d.OnFact(billing.Fact{
		Category:  billing.TriggerEpisodeCompletion,
		SubjectID: "episode-9",
		Fields:    map[string]interface{}{"episodeStatus": "completed"},
		Timestamp: time.Now(),
	})

	record := waitForRecord(t, pub)
	assert.True(t, record.Succeeded)
	assert.Equal(t, "trig-episode", record.TriggerID)
	assert.Equal(t, "episode-9", record.SubjectID)
	require.Len(t, record.Results, 2)
	assert.Equal(t, billing.StatusSuccess, record.Results[0].Status)
	assert.Equal(t, billing.StatusSuccess, record.Results[1].Status)

	// Actions run in declared order.
	executed := exec.executed()
	require.Len(t, executed, 2)
	assert.Equal(t, billing.ActionGenerateUB04, executed[0].ActionType)
	assert.Equal(t, billing.ActionSubmitClaim, executed[1].ActionType)

	snap := d.Snapshot().TriggerByID("trig-episode")
	assert.Equal(t, int64(1), snap.TriggerCount)
	assert.Equal(t, int64(1), snap.SuccessCount)
	assert.NotNil(t, snap.LastTriggered)
}

func TestDispatcherIgnoresNonMatchingFacts(t *testing.T) {
	trigger := billing.Trigger{
		ID:          "trig-visits",
		Enabled:     true,
		TriggerType: billing.TriggerVisitCount,
		Priority:    billing.PriorityMedium,
		Conditions: []billing.Condition{
			{Field: "visitCount", Operator: billing.OpGreaterThan, Value: 10, DataType: billing.DataNumber},
		},
		Actions: []billing.Action{{ActionType: billing.ActionSendNotification}},
	}

	exec := &fakeExecutor{}
	pub := &recordingPublisher{records: make(chan *billing.ExecutionRecord, 4)}
	d := startDispatcher(t, testDocument(trigger), exec, store.NewMemory(), pub)

	// Wrong category.
	d.OnFact(billing.Fact{
		Category: billing.TriggerEpisodeCompletion,
		Fields:   map[string]interface{}{"visitCount": 20},
	})
	// Right category, condition not met.
	d.OnFact(billing.Fact{
		Category: billing.TriggerVisitCount,
		Fields:   map[string]interface{}{"visitCount": 5},
	})

	select {
	case <-pub.records:
		t.Fatal("no execution should have been published")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Empty(t, exec.executed())
}

func TestDispatcherSkipsActionOnFalseGuard(t *testing.T) {
	trigger := billing.Trigger{
		ID:          "trig-guard",
		Enabled:     true,
		TriggerType: billing.TriggerEpisodeCompletion,
		Priority:    billing.PriorityLow,
		Actions: []billing.Action{
			{
				ActionType: billing.ActionSendNotification,
				Condition: []billing.Condition{
					{Field: "insuranceType", Operator: billing.OpEquals, Value: "medicare", DataType: billing.DataString},
				},
			},
			{ActionType: billing.ActionUpdateStatus},
		},
	}

	exec := &fakeExecutor{}
	pub := &recordingPublisher{records: make(chan *billing.ExecutionRecord, 4)}
	d := startDispatcher(t, testDocument(trigger), exec, store.NewMemory(), pub)

	d.OnFact(billing.Fact{
		Category: billing.TriggerEpisodeCompletion,
		Fields:   map[string]interface{}{"insuranceType": "commercial"},
	})

	record := waitForRecord(t, pub)
	assert.True(t, record.Succeeded, "a skipped guard does not fail the chain")
	require.Len(t, record.Results, 2)
	assert.Equal(t, billing.StatusSkipped, record.Results[0].Status)
	assert.Equal(t, billing.StatusSuccess, record.Results[1].Status)

	executed := exec.executed()
	require.Len(t, executed, 1)
	assert.Equal(t, billing.ActionUpdateStatus, executed[0].ActionType)
}

func TestDispatcherDeadLettersExhaustedAction(t *testing.T) {
	trigger := billing.Trigger{
		ID:          "trig-fail",
		Enabled:     true,
		TriggerType: billing.TriggerEpisodeCompletion,
		Priority:    billing.PriorityHigh,
		Actions: []billing.Action{
			{ActionType: billing.ActionSubmitClaim},
			{ActionType: billing.ActionSendNotification},
		},
	}

	exec := &fakeExecutor{fail: map[billing.ActionType]error{
		billing.ActionSubmitClaim: billing.Transientf("claim service down"),
	}}
	pub := &recordingPublisher{records: make(chan *billing.ExecutionRecord, 4)}
	st := store.NewMemory()
	d := startDispatcher(t, testDocument(trigger), exec, st, pub)

	d.OnFact(billing.Fact{
		Category:  billing.TriggerEpisodeCompletion,
		SubjectID: "episode-2",
		Fields:    map[string]interface{}{},
	})

	record := waitForRecord(t, pub)
	assert.False(t, record.Succeeded)
	require.Len(t, record.Results, 1, "a failed action aborts the rest of the chain")
	assert.Equal(t, billing.StatusFailed, record.Results[0].Status)

	letters, err := st.ListDeadLetters(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "trig-fail", letters[0].TriggerID)
	assert.Equal(t, billing.ActionSubmitClaim, letters[0].Action.ActionType)
	assert.Contains(t, letters[0].LastError, "claim service down")

	snap := d.Snapshot().TriggerByID("trig-fail")
	assert.Equal(t, int64(1), snap.FailureCount)
}

func TestDispatcherDefersDelayedAction(t *testing.T) {
	trigger := billing.Trigger{
		ID:          "trig-delay",
		Enabled:     true,
		TriggerType: billing.TriggerEpisodeCompletion,
		Priority:    billing.PriorityMedium,
		Actions: []billing.Action{
			{ActionType: billing.ActionGenerateUB04},
			{ActionType: billing.ActionSubmitClaim, DelayMinutes: 30},
		},
	}

	exec := &fakeExecutor{}
	pub := &recordingPublisher{records: make(chan *billing.ExecutionRecord, 4)}
	d := startDispatcher(t, testDocument(trigger), exec, store.NewMemory(), pub)

	d.OnFact(billing.Fact{
		Category: billing.TriggerEpisodeCompletion,
		Fields:   map[string]interface{}{},
	})

	record := waitForRecord(t, pub)
	require.Len(t, record.Results, 2)
	assert.Equal(t, billing.StatusSuccess, record.Results[0].Status)
	assert.Equal(t, billing.StatusDeferred, record.Results[1].Status)
	assert.Equal(t, 1, d.DeferredCount())

	// The delay has not elapsed, so processing now releases nothing.
	assert.Zero(t, d.ProcessDeferred(time.Now()))

	// Once the delay passes the chain resumes with the remaining action.
	released := d.ProcessDeferred(time.Now().Add(31 * time.Minute))
	assert.Equal(t, 1, released)

	record = waitForRecord(t, pub)
	require.Len(t, record.Results, 1)
	assert.Equal(t, billing.StatusSuccess, record.Results[0].Status)

	executed := exec.executed()
	require.Len(t, executed, 2)
	assert.Equal(t, billing.ActionSubmitClaim, executed[1].ActionType)
}

// stallingExecutor blocks until the execution context expires, then recovers
// on later calls unless alwaysStall is set.
type stallingExecutor struct {
	mu          sync.Mutex
	calls       int
	alwaysStall bool
}

func (f *stallingExecutor) Execute(ctx context.Context, execCtx *ExecutionContext, action billing.Action) error {
	f.mu.Lock()
	f.calls++
	stall := f.alwaysStall || f.calls == 1
	f.mu.Unlock()
	if stall {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func TestDispatcherRedispatchesTimedOutChain(t *testing.T) {
	trigger := billing.Trigger{
		ID:          "trig-slow",
		Enabled:     true,
		TriggerType: billing.TriggerEpisodeCompletion,
		Priority:    billing.PriorityHigh,
		Actions: []billing.Action{
			{
				ActionType:  billing.ActionSubmitClaim,
				RetryPolicy: &billing.RetryPolicy{MaxAttempts: 2, BackoffStrategy: billing.BackoffFixed},
			},
		},
	}
	doc := testDocument(trigger)
	doc.Config.PerformanceSettings.TriggerTimeoutSeconds = 1

	exec := &stallingExecutor{}
	pub := &recordingPublisher{records: make(chan *billing.ExecutionRecord, 4)}
	st := store.NewMemory()
	d := startDispatcher(t, doc, exec, st, pub)

	d.OnFact(billing.Fact{Category: billing.TriggerEpisodeCompletion, Fields: map[string]interface{}{}})

	// The first dispatch hits the trigger timeout; the chain parks for
	// redispatch instead of being dropped.
	record := waitForRecord(t, pub)
	assert.False(t, record.Succeeded)
	require.Len(t, record.Results, 1)
	assert.Equal(t, billing.StatusFailed, record.Results[0].Status)
	assert.Equal(t, 1, d.DeferredCount())

	// The redispatch runs under a fresh timeout and completes the chain.
	require.Equal(t, 1, d.ProcessDeferred(time.Now().Add(time.Minute)))
	record = waitForRecord(t, pub)
	assert.True(t, record.Succeeded)

	letters, err := st.ListDeadLetters(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestDispatcherDeadLettersChainWhenRedispatchesRunOut(t *testing.T) {
	trigger := billing.Trigger{
		ID:          "trig-stuck",
		Enabled:     true,
		TriggerType: billing.TriggerEpisodeCompletion,
		Priority:    billing.PriorityHigh,
		Actions:     []billing.Action{{ActionType: billing.ActionSubmitClaim}},
	}
	doc := testDocument(trigger)
	doc.Config.PerformanceSettings.TriggerTimeoutSeconds = 1

	// No retry policy means a single dispatch attempt.
	exec := &stallingExecutor{alwaysStall: true}
	pub := &recordingPublisher{records: make(chan *billing.ExecutionRecord, 4)}
	st := store.NewMemory()
	d := startDispatcher(t, doc, exec, st, pub)

	d.OnFact(billing.Fact{Category: billing.TriggerEpisodeCompletion, Fields: map[string]interface{}{}})

	record := waitForRecord(t, pub)
	assert.False(t, record.Succeeded)
	assert.Zero(t, d.DeferredCount())

	letters, err := st.ListDeadLetters(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "trig-stuck", letters[0].TriggerID)
	assert.Contains(t, letters[0].LastError, "context deadline exceeded")
}

func TestDispatcherManualExecution(t *testing.T) {
	trigger := billing.Trigger{
		ID:          "trig-manual",
		Enabled:     true,
		TriggerType: billing.TriggerEpisodeCompletion,
		Priority:    billing.PriorityHigh,
		Conditions: []billing.Condition{
			{Field: "neverPresent", Operator: billing.OpEquals, Value: "x", DataType: billing.DataString},
		},
		Actions: []billing.Action{{ActionType: billing.ActionGenerateUB04}},
	}
	disabled := billing.Trigger{
		ID:          "trig-off",
		Enabled:     false,
		TriggerType: billing.TriggerEpisodeCompletion,
		Priority:    billing.PriorityLow,
		Actions:     []billing.Action{{ActionType: billing.ActionGenerateUB04}},
	}

	exec := &fakeExecutor{}
	pub := &recordingPublisher{records: make(chan *billing.ExecutionRecord, 4)}
	d := startDispatcher(t, testDocument(trigger, disabled), exec, store.NewMemory(), pub)

	assert.Error(t, d.ExecuteManual("missing", nil))
	assert.Error(t, d.ExecuteManual("trig-off", nil))

	// Manual runs bypass condition evaluation.
	require.NoError(t, d.ExecuteManual("trig-manual", map[string]interface{}{"subjectId": "episode-7"}))

	record := waitForRecord(t, pub)
	assert.Equal(t, billing.OriginManual, record.Origin)
	assert.Equal(t, "episode-7", record.SubjectID)
	assert.True(t, record.Succeeded)
}

func TestDispatcherApplyPreservesCounters(t *testing.T) {
	trigger := billing.Trigger{
		ID:          "trig-keep",
		Enabled:     true,
		TriggerType: billing.TriggerEpisodeCompletion,
		Priority:    billing.PriorityHigh,
		Actions:     []billing.Action{{ActionType: billing.ActionGenerateUB04}},
	}

	exec := &fakeExecutor{}
	pub := &recordingPublisher{records: make(chan *billing.ExecutionRecord, 4)}
	d := startDispatcher(t, testDocument(trigger), exec, store.NewMemory(), pub)

	d.OnFact(billing.Fact{Category: billing.TriggerEpisodeCompletion, Fields: map[string]interface{}{}})
	waitForRecord(t, pub)

	next := testDocument(trigger)
	next.Version = 2
	d.Apply(next)

	snap := d.Snapshot().TriggerByID("trig-keep")
	assert.Equal(t, int64(1), snap.TriggerCount, "counters survive a configuration save")
}

func TestDispatcherDisabledEngineIgnoresFacts(t *testing.T) {
	trigger := billing.Trigger{
		ID:          "trig-any",
		Enabled:     true,
		TriggerType: billing.TriggerEpisodeCompletion,
		Priority:    billing.PriorityHigh,
		Actions:     []billing.Action{{ActionType: billing.ActionGenerateUB04}},
	}
	doc := testDocument(trigger)
	doc.Config.Enabled = false

	exec := &fakeExecutor{}
	pub := &recordingPublisher{records: make(chan *billing.ExecutionRecord, 4)}
	d := startDispatcher(t, doc, exec, store.NewMemory(), pub)

	d.OnFact(billing.Fact{Category: billing.TriggerEpisodeCompletion, Fields: map[string]interface{}{}})

	select {
	case <-pub.records:
		t.Fatal("disabled engine must not execute")
	case <-time.After(200 * time.Millisecond):
	}
}
