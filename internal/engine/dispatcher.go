package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/queue"
	"github.com/mase-health/autobilling-engine/internal/store"
)

// Auditor records audit events. Implemented by the audit logger; recording is
// asynchronous and never blocks an execution.
type Auditor interface {
	Record(entry store.AuditEntry)
}

// ActionExecutor runs one action. Implemented by Actions.
type ActionExecutor interface {
	Execute(ctx context.Context, execCtx *ExecutionContext, action billing.Action) error
}

// Publisher emits execution outcomes to downstream consumers.
type Publisher interface {
	PublishExecution(record *billing.ExecutionRecord)
}

// deferredChain is the remainder of an action chain parked by a delayMinutes
// action. The worker slot is released; the chain resumes through the queue
// once ResumeAt passes.
type deferredChain struct {
	execCtx   *ExecutionContext
	priority  billing.Priority
	actions   []billing.Action
	nextIndex int
	resumeAt  time.Time

	// dispatchAttempts counts whole-chain redispatches after the trigger
	// timeout expired mid-chain.
	dispatchAttempts int
}

// Dispatcher owns the active configuration snapshot and runs trigger
// executions. Facts arrive through OnFact, scheduled firings through
// OnScheduledFire, and manual runs through ExecuteManual; all are serialized
// through the priority queue and executed by the worker pool.
type Dispatcher struct {
	logger    *zap.Logger
	evaluator *Evaluator
	retry     *RetryExecutor
	actions   ActionExecutor
	store     store.Store
	auditor   Auditor
	publisher Publisher

	doc atomic.Pointer[billing.ConfigDocument]

	pool *queue.Pool

	// countersMu guards the mutable execution counters on the snapshot's
	// triggers. The snapshot pointer itself is swapped atomically.
	countersMu sync.Mutex

	deferredMu sync.Mutex
	deferred   []*deferredChain

	// inflight maps queued request IDs to their pending chains so a dequeued
	// request can pick up where the deferral left off.
	inflightMu sync.Mutex
	inflight   map[string]*deferredChain

	now func() time.Time
}

// NewDispatcher creates the trigger dispatcher. The worker pool dimensions
// come from the document's performance settings; Apply must be called with
// the initial document before Start.
func NewDispatcher(actions ActionExecutor, st store.Store, auditor Auditor, publisher Publisher, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		logger:    logger,
		evaluator: NewEvaluator(),
		retry:     NewRetryExecutor(logger),
		actions:   actions,
		store:     st,
		auditor:   auditor,
		publisher: publisher,
		inflight:  make(map[string]*deferredChain),
		now:       time.Now,
	}
	return d
}

// Apply installs a new configuration document as the active snapshot.
// Execution counters carry over from the previous snapshot by trigger and
// threshold ID so a configuration save does not reset statistics.
func (d *Dispatcher) Apply(doc *billing.ConfigDocument) {
	d.countersMu.Lock()
	defer d.countersMu.Unlock()

	if old := d.doc.Load(); old != nil {
		for i := range doc.Triggers {
			if prev := old.TriggerByID(doc.Triggers[i].ID); prev != nil {
				doc.Triggers[i].TriggerCount = prev.TriggerCount
				doc.Triggers[i].SuccessCount = prev.SuccessCount
				doc.Triggers[i].FailureCount = prev.FailureCount
				doc.Triggers[i].AverageExecutionTime = prev.AverageExecutionTime
				doc.Triggers[i].LastTriggered = prev.LastTriggered
			}
		}
		for i := range doc.Thresholds {
			if prev := old.ThresholdByID(doc.Thresholds[i].ID); prev != nil {
				doc.Thresholds[i].ViolationCount = prev.ViolationCount
				doc.Thresholds[i].LastViolation = prev.LastViolation
			}
		}
	}

	d.doc.Store(doc)
	d.logger.Info("Configuration snapshot applied",
		zap.Int("version", doc.Version),
		zap.Int("triggers", len(doc.Triggers)),
		zap.Int("thresholds", len(doc.Thresholds)),
	)
}

// Snapshot returns the active configuration document. Callers must treat it
// as read-only; marshaling callers use SnapshotView instead because counter
// fields mutate while executions run.
func (d *Dispatcher) Snapshot() *billing.ConfigDocument {
	return d.doc.Load()
}

// SnapshotView returns a copy of the active document that is safe to marshal
// while executions mutate counters. The trigger, threshold, and business rule
// slices are copied under the counter lock; nested fields the engine never
// mutates stay shared.
func (d *Dispatcher) SnapshotView() *billing.ConfigDocument {
	doc := d.doc.Load()
	if doc == nil {
		return nil
	}

	d.countersMu.Lock()
	defer d.countersMu.Unlock()

	view := *doc
	view.Triggers = make([]billing.Trigger, len(doc.Triggers))
	copy(view.Triggers, doc.Triggers)
	for i := range view.Triggers {
		if sched := view.Triggers[i].Schedule; sched != nil {
			schedCopy := *sched
			view.Triggers[i].Schedule = &schedCopy
		}
	}
	view.Thresholds = make([]billing.ComplianceThreshold, len(doc.Thresholds))
	copy(view.Thresholds, doc.Thresholds)
	view.Config.BusinessRules = make([]billing.BusinessRule, len(doc.Config.BusinessRules))
	copy(view.Config.BusinessRules, doc.Config.BusinessRules)
	return &view
}

// CountViolation increments the threshold's violation counters on the active
// snapshot. Every snapshot counter mutation funnels through countersMu so
// Apply's carry-over and SnapshotView see consistent values.
func (d *Dispatcher) CountViolation(thresholdID string) {
	// Load under the lock so an Apply carry-over cannot miss the increment.
	d.countersMu.Lock()
	defer d.countersMu.Unlock()

	doc := d.doc.Load()
	if doc == nil {
		return
	}
	threshold := doc.ThresholdByID(thresholdID)
	if threshold == nil {
		return
	}
	now := d.now()
	threshold.ViolationCount++
	threshold.LastViolation = &now
}

// SetNextRun records the computed next firing time on the trigger's schedule.
func (d *Dispatcher) SetNextRun(triggerID string, next time.Time) {
	d.countersMu.Lock()
	defer d.countersMu.Unlock()

	doc := d.doc.Load()
	if doc == nil {
		return
	}
	trigger := doc.TriggerByID(triggerID)
	if trigger == nil || trigger.Schedule == nil {
		return
	}
	trigger.Schedule.NextRun = &next
}

// Start builds the worker pool from the active snapshot and launches it.
func (d *Dispatcher) Start(ctx context.Context) error {
	doc := d.doc.Load()
	if doc == nil {
		return fmt.Errorf("no configuration applied")
	}

	perf := doc.Config.PerformanceSettings
	d.pool = queue.NewPool(
		perf.MaxConcurrentTriggers,
		perf.QueueSettings.MaxQueueSize,
		d.handleRequest,
		d.onReject,
		d.logger,
	)
	d.pool.Start(ctx)
	return nil
}

// Stop waits for in-flight executions to finish.
func (d *Dispatcher) Stop() {
	if d.pool != nil {
		d.pool.Stop()
	}
}

// QueueDepth reports the current execution queue depth.
func (d *Dispatcher) QueueDepth() int {
	if d.pool == nil {
		return 0
	}
	return d.pool.Depth()
}

// OnFact matches a fact against all enabled triggers of its category and
// enqueues an execution for each match. Trigger evaluation order follows
// document order; matches are independent executions.
func (d *Dispatcher) OnFact(fact billing.Fact) {
	doc := d.doc.Load()
	if doc == nil || !doc.Config.Enabled {
		return
	}

	for i := range doc.Triggers {
		trigger := &doc.Triggers[i]
		if !trigger.Enabled || trigger.TriggerType != fact.Category {
			continue
		}

		matched, err := d.evaluator.Evaluate(trigger.Conditions, fact)
		if err != nil {
			d.logger.Warn("Trigger condition evaluation failed",
				zap.String("trigger_id", trigger.ID),
				zap.Error(err),
			)
			continue
		}
		if !matched {
			continue
		}

		d.enqueueTrigger(trigger, fact, billing.OriginTrigger)
	}
}

// OnScheduledFire runs a time-based trigger from the scheduler. The fact is
// synthetic; its fields describe the firing time.
func (d *Dispatcher) OnScheduledFire(triggerID string, fact billing.Fact) {
	doc := d.doc.Load()
	if doc == nil || !doc.Config.Enabled {
		return
	}

	trigger := doc.TriggerByID(triggerID)
	if trigger == nil || !trigger.Enabled {
		return
	}

	matched, err := d.evaluator.Evaluate(trigger.Conditions, fact)
	if err != nil || !matched {
		return
	}

	d.enqueueTrigger(trigger, fact, billing.OriginSchedule)
}

// ExecuteManual enqueues a manual run of the trigger, bypassing condition
// evaluation. Returns an error when the trigger does not exist or is
// disabled.
func (d *Dispatcher) ExecuteManual(triggerID string, fields map[string]interface{}) error {
	doc := d.doc.Load()
	if doc == nil {
		return fmt.Errorf("no configuration applied")
	}

	trigger := doc.TriggerByID(triggerID)
	if trigger == nil {
		return fmt.Errorf("trigger %q not found", triggerID)
	}
	if !trigger.Enabled {
		return fmt.Errorf("trigger %q is disabled", triggerID)
	}

	fact := billing.Fact{
		Category:  billing.TriggerManual,
		SubjectID: stringField(fields, "subjectId"),
		Fields:    fields,
		Timestamp: d.now(),
	}
	d.enqueueTrigger(trigger, fact, billing.OriginManual)
	return nil
}

// ExecuteRemediation enqueues a threshold remediation action chain at the
// severity-derived priority.
func (d *Dispatcher) ExecuteRemediation(thresholdID, subjectID string, actions []billing.Action, fields map[string]interface{}, priority billing.Priority) {
	execCtx := &ExecutionContext{
		ExecutionID: uuid.New().String(),
		TriggerID:   thresholdID,
		Origin:      billing.OriginThreshold,
		SubjectID:   subjectID,
		Fields:      fields,
	}

	chain := &deferredChain{
		execCtx:  execCtx,
		priority: priority,
		actions:  actions,
	}
	d.enqueueChain(chain)
}

func (d *Dispatcher) enqueueTrigger(trigger *billing.Trigger, fact billing.Fact, origin billing.ExecutionOrigin) {
	fields := make(map[string]interface{}, len(fact.Fields)+3)
	for k, v := range fact.Fields {
		fields[k] = v
	}
	fields["triggerId"] = trigger.ID
	fields["triggerName"] = trigger.Name
	fields["subjectId"] = fact.SubjectID

	execCtx := &ExecutionContext{
		ExecutionID: uuid.New().String(),
		TriggerID:   trigger.ID,
		TriggerName: trigger.Name,
		Origin:      origin,
		SubjectID:   fact.SubjectID,
		Fields:      fields,
	}

	chain := &deferredChain{
		execCtx:  execCtx,
		priority: trigger.Priority,
		actions:  trigger.Actions,
	}
	d.enqueueChain(chain)
}

func (d *Dispatcher) enqueueChain(chain *deferredChain) {
	req := &queue.Request{
		ID:        chain.execCtx.ExecutionID + ":" + uuid.New().String(),
		TriggerID: chain.execCtx.TriggerID,
		Priority:  chain.priority,
		Origin:    chain.execCtx.Origin,
	}

	d.inflightMu.Lock()
	d.inflight[req.ID] = chain
	d.inflightMu.Unlock()

	if !d.pool.Enqueue(req) {
		d.inflightMu.Lock()
		delete(d.inflight, req.ID)
		d.inflightMu.Unlock()
	}
}

// onReject reports queue overflow rejections to the audit trail.
func (d *Dispatcher) onReject(req *queue.Request, reason string) {
	d.inflightMu.Lock()
	delete(d.inflight, req.ID)
	d.inflightMu.Unlock()

	if d.auditor != nil {
		d.auditor.Record(store.AuditEntry{
			ID:        uuid.New().String(),
			EventType: "execution_rejected",
			Origin:    req.Origin,
			EntityID:  req.TriggerID,
			Status:    "rejected",
			Details:   map[string]interface{}{"reason": reason},
			Timestamp: d.now(),
		})
	}
}

// handleRequest is the worker pool handler. It resolves the queued chain and
// executes it under the configured trigger timeout.
func (d *Dispatcher) handleRequest(ctx context.Context, req *queue.Request) {
	d.inflightMu.Lock()
	chain, ok := d.inflight[req.ID]
	delete(d.inflight, req.ID)
	d.inflightMu.Unlock()
	if !ok {
		return
	}

	doc := d.doc.Load()
	timeout := 30 * time.Second
	if doc != nil && doc.Config.PerformanceSettings.TriggerTimeoutSeconds > 0 {
		timeout = time.Duration(doc.Config.PerformanceSettings.TriggerTimeoutSeconds) * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.executeChain(execCtx, chain)
}

// executeChain runs the chain's actions in declared order starting at
// nextIndex. A false guard skips the action; a delayMinutes action that has
// not matured defers the remainder of the chain; a retry-exhausted action
// dead-letters and aborts the chain; an expired trigger timeout parks the
// remainder for redispatch.
func (d *Dispatcher) executeChain(ctx context.Context, chain *deferredChain) {
	execCtx := chain.execCtx
	started := d.now()
	record := &billing.ExecutionRecord{
		ID:        execCtx.ExecutionID,
		TriggerID: execCtx.TriggerID,
		Origin:    execCtx.Origin,
		SubjectID: execCtx.SubjectID,
		StartedAt: started,
		Succeeded: true,
	}

	for i := chain.nextIndex; i < len(chain.actions); i++ {
		action := chain.actions[i]

		// Deferral releases the worker; the chain resumes via the deferred
		// tick once the delay elapses. A resumed chain carries resumeAt so
		// the delay is only honored once.
		if action.DelayMinutes > 0 && chain.resumeAt.IsZero() {
			chain.nextIndex = i
			chain.resumeAt = d.now().Add(time.Duration(action.DelayMinutes) * time.Minute)
			d.park(chain)

			record.Results = append(record.Results, billing.ActionResult{
				ActionType: action.ActionType,
				Status:     billing.StatusDeferred,
			})
			d.finishExecution(record, started, false)
			return
		}
		chain.resumeAt = time.Time{}

		if len(action.Condition) > 0 {
			matched, err := d.evaluator.EvaluateFields(action.Condition, execCtx.Fields)
			if err != nil {
				d.logger.Warn("Action guard evaluation failed",
					zap.String("execution_id", execCtx.ExecutionID),
					zap.Int("action_index", i),
					zap.Error(err),
				)
				matched = false
			}
			if !matched {
				record.Results = append(record.Results, billing.ActionResult{
					ActionType: action.ActionType,
					Status:     billing.StatusSkipped,
				})
				continue
			}
		}

		policy := DefaultRetryPolicy
		if action.RetryPolicy != nil {
			policy = *action.RetryPolicy
		}

		actionStart := d.now()
		result := d.retry.Run(ctx, policy, func(ctx context.Context) error {
			return d.actions.Execute(ctx, execCtx, action)
		})

		ar := billing.ActionResult{
			ActionType: action.ActionType,
			Attempts:   result.Attempts,
			Duration:   d.now().Sub(actionStart),
		}

		if result.Err == nil {
			ar.Status = billing.StatusSuccess
			record.Results = append(record.Results, ar)
			continue
		}

		ar.Status = billing.StatusFailed
		ar.Error = result.Err.Error()
		record.Results = append(record.Results, ar)
		record.Succeeded = false

		d.logger.Error("Action failed",
			zap.String("execution_id", execCtx.ExecutionID),
			zap.String("trigger_id", execCtx.TriggerID),
			zap.String("action_type", string(action.ActionType)),
			zap.Int("attempts", result.Attempts),
			zap.Bool("exhausted", result.Exhausted),
			zap.Error(result.Err),
		)

		// The trigger timeout expiring is a dispatch failure, not an action
		// verdict. The remaining chain redispatches with backoff under a
		// fresh timeout; once redispatches run out it dead-letters.
		if ctx.Err() == context.DeadlineExceeded {
			chain.dispatchAttempts++
			if chain.dispatchAttempts < policy.MaxAttempts {
				chain.nextIndex = i
				chain.resumeAt = d.now().Add(BackoffDelay(policy, chain.dispatchAttempts+1))
				d.park(chain)
				d.finishExecution(record, started, false)
				return
			}
			// The execution context is already past its deadline; the dead
			// letter still has to be persisted.
			d.deadLetter(context.Background(), execCtx, action, result)
			break
		}

		if result.Exhausted {
			d.deadLetter(ctx, execCtx, action, result)
		}

		// A failed action aborts the remainder of the chain; later actions
		// may depend on its effects.
		break
	}

	d.finishExecution(record, started, true)
}

func (d *Dispatcher) park(chain *deferredChain) {
	d.deferredMu.Lock()
	d.deferred = append(d.deferred, chain)
	d.deferredMu.Unlock()

	d.logger.Debug("Deferred action chain",
		zap.String("execution_id", chain.execCtx.ExecutionID),
		zap.Time("resume_at", chain.resumeAt),
	)
}

// ProcessDeferred re-enqueues every parked chain whose resume time has
// passed. Called periodically by the engine's deferred tick.
func (d *Dispatcher) ProcessDeferred(now time.Time) int {
	d.deferredMu.Lock()
	var due []*deferredChain
	kept := d.deferred[:0]
	for _, chain := range d.deferred {
		if !chain.resumeAt.After(now) {
			due = append(due, chain)
			continue
		}
		kept = append(kept, chain)
	}
	d.deferred = kept
	d.deferredMu.Unlock()

	for _, chain := range due {
		d.enqueueChain(chain)
	}
	return len(due)
}

// DeferredCount reports the number of parked chains.
func (d *Dispatcher) DeferredCount() int {
	d.deferredMu.Lock()
	defer d.deferredMu.Unlock()
	return len(d.deferred)
}

func (d *Dispatcher) deadLetter(ctx context.Context, execCtx *ExecutionContext, action billing.Action, result RetryResult) {
	doc := d.doc.Load()
	if doc == nil || !doc.Config.PerformanceSettings.QueueSettings.DeadLetterQueue {
		return
	}

	dl := &store.DeadLetter{
		ID:        uuid.New().String(),
		TriggerID: execCtx.TriggerID,
		Origin:    execCtx.Origin,
		Action:    action,
		Context:   execCtx.Fields,
		LastError: result.Err.Error(),
		Attempts:  result.Attempts,
		CreatedAt: d.now(),
	}

	if err := d.store.SaveDeadLetter(ctx, dl); err != nil {
		d.logger.Error("Failed to save dead letter",
			zap.String("execution_id", execCtx.ExecutionID),
			zap.Error(err),
		)
		return
	}

	if d.auditor != nil {
		d.auditor.Record(store.AuditEntry{
			ID:        uuid.New().String(),
			EventType: "action_dead_lettered",
			Origin:    execCtx.Origin,
			EntityID:  execCtx.TriggerID,
			SubjectID: execCtx.SubjectID,
			Action:    string(action.ActionType),
			Status:    "dead_lettered",
			Details: map[string]interface{}{
				"dead_letter_id": dl.ID,
				"attempts":       result.Attempts,
				"error":          result.Err.Error(),
			},
			Timestamp: d.now(),
		})
	}
}

// ReplayDeadLetter re-executes a parked action once, outside any retry
// policy, and marks it replayed on success.
func (d *Dispatcher) ReplayDeadLetter(ctx context.Context, id string) error {
	dl, err := d.store.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if dl.ReplayedAt != nil {
		return fmt.Errorf("dead letter %s already replayed", id)
	}

	execCtx := &ExecutionContext{
		ExecutionID: uuid.New().String(),
		TriggerID:   dl.TriggerID,
		Origin:      dl.Origin,
		SubjectID:   stringField(dl.Context, "subjectId"),
		Fields:      dl.Context,
	}

	if err := d.actions.Execute(ctx, execCtx, dl.Action); err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	if err := d.store.MarkReplayed(ctx, id, d.now()); err != nil {
		return err
	}

	if d.auditor != nil {
		d.auditor.Record(store.AuditEntry{
			ID:        uuid.New().String(),
			EventType: "dead_letter_replayed",
			Origin:    billing.OriginManual,
			EntityID:  dl.TriggerID,
			SubjectID: execCtx.SubjectID,
			Action:    string(dl.Action.ActionType),
			Status:    "success",
			Details:   map[string]interface{}{"dead_letter_id": id},
			Timestamp: d.now(),
		})
	}
	return nil
}

// finishExecution updates trigger counters, records the audit event, and
// publishes the execution outcome. countTrigger is false for the deferred
// leg of a split execution so a deferral is not double counted.
func (d *Dispatcher) finishExecution(record *billing.ExecutionRecord, started time.Time, countTrigger bool) {
	record.CompletedAt = d.now()

	if countTrigger {
		d.updateCounters(record.TriggerID, record.Succeeded, record.CompletedAt.Sub(started))
	}

	if d.auditor != nil {
		status := "success"
		if !record.Succeeded {
			status = "failed"
		}
		d.auditor.Record(store.AuditEntry{
			ID:        uuid.New().String(),
			EventType: "trigger_executed",
			Origin:    record.Origin,
			EntityID:  record.TriggerID,
			SubjectID: record.SubjectID,
			Status:    status,
			Details: map[string]interface{}{
				"execution_id": record.ID,
				"actions":      len(record.Results),
			},
			Timestamp: record.CompletedAt,
		})
	}

	if d.publisher != nil {
		d.publisher.PublishExecution(record)
	}
}

func (d *Dispatcher) updateCounters(triggerID string, succeeded bool, elapsed time.Duration) {
	d.countersMu.Lock()
	defer d.countersMu.Unlock()

	doc := d.doc.Load()
	if doc == nil {
		return
	}
	trigger := doc.TriggerByID(triggerID)
	if trigger == nil {
		return
	}

	trigger.TriggerCount++
	if succeeded {
		trigger.SuccessCount++
	} else {
		trigger.FailureCount++
	}

	// Running mean over all executions.
	ms := float64(elapsed.Milliseconds())
	n := float64(trigger.TriggerCount)
	trigger.AverageExecutionTime += (ms - trigger.AverageExecutionTime) / n

	now := d.now()
	trigger.LastTriggered = &now
}

func stringField(fields map[string]interface{}, key string) string {
	if fields == nil {
		return ""
	}
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}
