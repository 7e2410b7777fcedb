package threshold

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/engine"
	"github.com/mase-health/autobilling-engine/internal/store"
)

// Escalator advances open violations through their threshold's escalation
// rules. Each tick it looks for violations whose escalation delay has
// elapsed, notifies the next tier, and increments the level. A violation
// that exhausts its maximum escalations becomes terminally unresolved.
type Escalator struct {
	logger     *zap.Logger
	dispatcher *engine.Dispatcher
	store      store.Store
	notifier   engine.Notifier
	auditor    engine.Auditor
	publisher  ViolationPublisher
	evaluator  *engine.Evaluator
	tick       time.Duration

	running  bool
	stopChan chan struct{}
	mu       sync.Mutex
	wg       sync.WaitGroup

	now func() time.Time
}

// NewEscalator creates the violation escalator.
func NewEscalator(dispatcher *engine.Dispatcher, st store.Store, notifier engine.Notifier, auditor engine.Auditor, publisher ViolationPublisher, tick time.Duration, logger *zap.Logger) *Escalator {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Escalator{
		logger:     logger,
		dispatcher: dispatcher,
		store:      st,
		notifier:   notifier,
		auditor:    auditor,
		publisher:  publisher,
		evaluator:  engine.NewEvaluator(),
		tick:       tick,
		stopChan:   make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the escalation loop.
func (e *Escalator) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	e.logger.Info("Starting violation escalator", zap.Duration("tick", e.tick))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopChan:
				return
			case <-ticker.C:
				if err := e.Sweep(ctx); err != nil {
					e.logger.Error("Escalation sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop terminates the escalation loop.
func (e *Escalator) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopChan)
	e.wg.Wait()
	e.logger.Info("Violation escalator stopped")
}

// Sweep advances every open violation that is due for escalation.
func (e *Escalator) Sweep(ctx context.Context) error {
	doc := e.dispatcher.Snapshot()
	if doc == nil || !doc.Config.Enabled {
		return nil
	}

	open, err := e.store.ListViolations(ctx, []billing.ViolationState{
		billing.ViolationDetected,
		billing.ViolationEscalating,
	})
	if err != nil {
		return err
	}

	for _, v := range open {
		threshold := doc.ThresholdByID(v.ThresholdID)
		if threshold == nil || len(threshold.EscalationRules) == 0 {
			continue
		}
		if err := e.escalate(ctx, threshold, v); err != nil {
			e.logger.Error("Failed to escalate violation",
				zap.String("violation_id", v.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// escalate applies the first escalation rule whose condition matches the
// violation. Level 0 escalates immediately; each further level waits
// delayMinutes from the previous escalation.
func (e *Escalator) escalate(ctx context.Context, t *billing.ComplianceThreshold, v *billing.Violation) error {
	fields := violationFields(v)

	rule := e.matchRule(t.EscalationRules, fields)
	if rule == nil {
		return nil
	}

	if v.EscalationLevel >= rule.MaxEscalations {
		return e.exhaust(ctx, v)
	}

	// A fresh violation escalates on the first sweep; the delay only gates
	// subsequent levels, counted from the previous escalation.
	now := e.now()
	if v.LastEscalatedAt != nil {
		due := v.LastEscalatedAt.Add(time.Duration(rule.DelayMinutes) * time.Minute)
		if now.Before(due) {
			return nil
		}
	}

	if err := e.notify(ctx, rule, v, fields); err != nil {
		// Delivery failure leaves the level untouched; the next sweep
		// retries the same tier.
		return err
	}

	v.EscalationLevel++
	v.State = billing.ViolationEscalating
	v.LastEscalatedAt = &now
	if err := e.store.SaveViolation(ctx, v); err != nil {
		return err
	}

	e.logger.Warn("Violation escalated",
		zap.String("violation_id", v.ID),
		zap.String("threshold_id", v.ThresholdID),
		zap.String("subject_id", v.SubjectID),
		zap.Int("escalation_level", v.EscalationLevel),
		zap.Int("max_escalations", rule.MaxEscalations),
	)

	if e.auditor != nil {
		e.auditor.Record(store.AuditEntry{
			ID:        uuid.New().String(),
			EventType: "violation_escalated",
			Origin:    billing.OriginThreshold,
			EntityID:  v.ThresholdID,
			SubjectID: v.SubjectID,
			Status:    string(billing.ViolationEscalating),
			Details: map[string]interface{}{
				"violation_id":     v.ID,
				"escalation_level": v.EscalationLevel,
				"escalate_to":      rule.EscalateTo,
				"channel":          string(rule.ActionType),
			},
			Timestamp: now,
		})
	}

	if e.publisher != nil {
		e.publisher.PublishViolation(v)
	}

	if v.EscalationLevel >= rule.MaxEscalations {
		return e.exhaust(ctx, v)
	}
	return nil
}

func (e *Escalator) matchRule(rules []billing.EscalationRule, fields map[string]interface{}) *billing.EscalationRule {
	for i := range rules {
		rule := &rules[i]
		matched, err := e.evaluator.EvaluateFields(rule.Condition, fields)
		if err != nil {
			e.logger.Warn("Escalation rule condition failed", zap.Error(err))
			continue
		}
		if matched {
			return rule
		}
	}
	return nil
}

func (e *Escalator) notify(ctx context.Context, rule *billing.EscalationRule, v *billing.Violation, fields map[string]interface{}) error {
	if e.notifier == nil {
		return nil
	}

	channel := channelFor(rule.ActionType)
	return e.notifier.Notify(ctx, billing.Notification{
		Channel:    channel,
		Recipients: rule.EscalateTo,
		Subject:    "Compliance violation escalation: " + v.ThresholdID,
		Body: "Violation {{violationId}} on subject {{subjectId}} has escalated to level {{escalationLevel}}. " +
			"Metric {{metricValue}} breaches threshold {{thresholdValue}}.",
		Variables: fields,
		Type:      "violation:" + v.ThresholdID,
		Severity:  v.Severity,
	})
}

// exhaust marks a violation terminally unresolved. No further automatic
// escalation occurs; the state is visible through the violations API for
// manual intervention.
func (e *Escalator) exhaust(ctx context.Context, v *billing.Violation) error {
	if v.State == billing.ViolationUnresolved {
		return nil
	}

	v.State = billing.ViolationUnresolved
	if err := e.store.SaveViolation(ctx, v); err != nil {
		return err
	}

	e.logger.Error("Violation escalation exhausted",
		zap.String("violation_id", v.ID),
		zap.String("threshold_id", v.ThresholdID),
		zap.String("subject_id", v.SubjectID),
		zap.Int("escalation_level", v.EscalationLevel),
	)

	if e.auditor != nil {
		e.auditor.Record(store.AuditEntry{
			ID:        uuid.New().String(),
			EventType: "violation_unresolved",
			Origin:    billing.OriginThreshold,
			EntityID:  v.ThresholdID,
			SubjectID: v.SubjectID,
			Status:    string(billing.ErrKindEscalationExhausted),
			Details: map[string]interface{}{
				"violation_id":     v.ID,
				"escalation_level": v.EscalationLevel,
			},
			Timestamp: e.now(),
		})
	}

	if e.publisher != nil {
		e.publisher.PublishViolation(v)
	}
	return nil
}

func violationFields(v *billing.Violation) map[string]interface{} {
	fields := map[string]interface{}{
		"violationId":     v.ID,
		"thresholdId":     v.ThresholdID,
		"subjectId":       v.SubjectID,
		"severity":        string(v.Severity),
		"metricValue":     v.MetricValue,
		"thresholdValue":  v.ThresholdValue,
		"escalationLevel": v.EscalationLevel,
		"state":           string(v.State),
	}
	for k, val := range v.Context {
		fields[k] = val
	}
	return fields
}

func channelFor(c billing.EscalationChannel) string {
	switch c {
	case billing.EscalateSMS, billing.EscalateCall:
		return "sms"
	case billing.EscalateWebhook:
		return "webhook"
	case billing.EscalateCreateTicket:
		return "webhook"
	default:
		return "email"
	}
}
