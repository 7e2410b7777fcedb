package threshold

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/engine"
	"github.com/mase-health/autobilling-engine/internal/store"
)

// ViolationPublisher emits violation lifecycle events downstream.
type ViolationPublisher interface {
	PublishViolation(v *billing.Violation)
}

// Observation is one compliance metric reading for a subject, carrying the
// attributes the applicability gate filters on.
type Observation struct {
	Category      string                 `json:"category"`
	SubjectID     string                 `json:"subjectId"`
	MetricValue   float64                `json:"metricValue"`
	InsuranceType string                 `json:"insuranceType,omitempty"`
	ServiceType   string                 `json:"serviceType,omitempty"`
	Documents     []string               `json:"documents,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
	ObservedAt    time.Time              `json:"observedAt"`
}

// Monitor evaluates observations against the configured compliance
// thresholds, maintains per-subject violation state, and routes remediation.
type Monitor struct {
	logger     *zap.Logger
	dispatcher *engine.Dispatcher
	store      store.Store
	auditor    engine.Auditor
	publisher  ViolationPublisher

	now func() time.Time
}

// NewMonitor creates the threshold monitor.
func NewMonitor(dispatcher *engine.Dispatcher, st store.Store, auditor engine.Auditor, publisher ViolationPublisher, logger *zap.Logger) *Monitor {
	return &Monitor{
		logger:     logger,
		dispatcher: dispatcher,
		store:      st,
		auditor:    auditor,
		publisher:  publisher,
		now:        time.Now,
	}
}

// Observe evaluates the observation against every applicable threshold of
// its category. A breach opens (or refreshes) a violation; a reading back in
// bounds resolves an open one. The terminal unresolved state is never
// reopened or resolved automatically.
func (m *Monitor) Observe(ctx context.Context, obs Observation) error {
	doc := m.dispatcher.Snapshot()
	if doc == nil || !doc.Config.Enabled {
		return nil
	}

	now := m.now()
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = now
	}

	var firstErr error
	for i := range doc.Thresholds {
		threshold := &doc.Thresholds[i]
		if !threshold.Enabled || threshold.Category != obs.Category {
			continue
		}
		if !m.applicable(threshold, obs, now) {
			continue
		}

		violated := Breached(threshold, obs)
		if err := m.transition(ctx, threshold, obs, violated); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// applicable gates a threshold on its effective window and on the
// observation's insurance and service types. An empty applicability list
// matches everything.
func (m *Monitor) applicable(t *billing.ComplianceThreshold, obs Observation, now time.Time) bool {
	if !t.ApplicableAt(now) {
		return false
	}
	if len(t.ApplicableInsuranceTypes) > 0 && !containsString(t.ApplicableInsuranceTypes, obs.InsuranceType) {
		return false
	}
	if len(t.ApplicableServiceTypes) > 0 && !containsString(t.ApplicableServiceTypes, obs.ServiceType) {
		return false
	}
	return true
}

// Breached applies the threshold type's violation rule to the observation.
// Floor types (minimum_score, percentage) violate below the value; ceiling
// types (maximum_visits, time_limit, amount) violate above it; the document
// type violates when any required document is missing. Exact boundary values
// do not violate.
func Breached(t *billing.ComplianceThreshold, obs Observation) bool {
	switch t.ThresholdType {
	case billing.ThresholdMinimumScore, billing.ThresholdPercentage:
		return obs.MetricValue < t.Value
	case billing.ThresholdMaximumVisits, billing.ThresholdTimeLimit, billing.ThresholdAmount:
		return obs.MetricValue > t.Value
	case billing.ThresholdRequiredDocuments:
		for _, required := range t.RequiredDocuments {
			if !containsString(obs.Documents, required) {
				return true
			}
		}
		return false
	}
	return false
}

func (m *Monitor) transition(ctx context.Context, t *billing.ComplianceThreshold, obs Observation, violated bool) error {
	existing, err := m.store.GetViolation(ctx, t.ID, obs.SubjectID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if !violated {
		if existing == nil {
			return nil
		}
		switch existing.State {
		case billing.ViolationDetected, billing.ViolationEscalating:
			return m.resolve(ctx, existing, obs)
		}
		return nil
	}

	if existing != nil {
		switch existing.State {
		case billing.ViolationUnresolved:
			// Terminal until manual intervention.
			return nil
		case billing.ViolationDetected, billing.ViolationEscalating:
			// Already open; refresh the metric without re-detecting.
			existing.MetricValue = obs.MetricValue
			return m.store.SaveViolation(ctx, existing)
		}
	}

	return m.detect(ctx, t, obs)
}

func (m *Monitor) detect(ctx context.Context, t *billing.ComplianceThreshold, obs Observation) error {
	now := m.now()
	v := &billing.Violation{
		ID:             uuid.New().String(),
		ThresholdID:    t.ID,
		SubjectID:      obs.SubjectID,
		Severity:       t.Severity,
		MetricValue:    obs.MetricValue,
		ThresholdValue: t.Value,
		State:          billing.ViolationDetected,
		Context:        obs.Context,
		DetectedAt:     now,
	}

	if err := m.store.SaveViolation(ctx, v); err != nil {
		return err
	}

	// Counter mutation goes through the dispatcher so it shares a lock with
	// snapshot carry-over and the config view.
	m.dispatcher.CountViolation(t.ID)

	m.logger.Warn("Compliance threshold violated",
		zap.String("threshold_id", t.ID),
		zap.String("subject_id", obs.SubjectID),
		zap.String("severity", string(t.Severity)),
		zap.Float64("metric_value", obs.MetricValue),
		zap.Float64("threshold_value", t.Value),
	)

	if m.auditor != nil {
		m.auditor.Record(store.AuditEntry{
			ID:        uuid.New().String(),
			EventType: "violation_detected",
			Origin:    billing.OriginThreshold,
			EntityID:  t.ID,
			SubjectID: obs.SubjectID,
			Status:    string(billing.ViolationDetected),
			Details: map[string]interface{}{
				"violation_id":    v.ID,
				"severity":        string(t.Severity),
				"metric_value":    obs.MetricValue,
				"threshold_value": t.Value,
			},
			Timestamp: now,
		})
	}

	if m.publisher != nil {
		m.publisher.PublishViolation(v)
	}

	m.remediate(ctx, t, v)
	return nil
}

// remediate routes the threshold's remediation actions: auto-executing ones
// run through the dispatcher at severity priority, approval-gated ones become
// pending tasks for the assigned role.
func (m *Monitor) remediate(ctx context.Context, t *billing.ComplianceThreshold, v *billing.Violation) {
	if !t.AutoRemediation || len(t.RemediationActions) == 0 {
		return
	}

	fields := map[string]interface{}{
		"thresholdId":    t.ID,
		"violationId":    v.ID,
		"subjectId":      v.SubjectID,
		"severity":       string(v.Severity),
		"metricValue":    v.MetricValue,
		"thresholdValue": v.ThresholdValue,
	}
	for k, val := range v.Context {
		fields[k] = val
	}

	var autoActions []billing.Action
	for _, ra := range t.RemediationActions {
		if ra.RequiresApproval {
			task := &billing.PendingTask{
				ID:           uuid.New().String(),
				ThresholdID:  t.ID,
				ViolationID:  v.ID,
				Action:       ra.Action,
				AssignedRole: ra.AssignedRole,
				Status:       "open",
				CreatedAt:    m.now(),
			}
			if err := m.store.SavePendingTask(ctx, task); err != nil {
				m.logger.Error("Failed to create remediation task",
					zap.String("violation_id", v.ID),
					zap.Error(err),
				)
			}
			continue
		}
		if ra.AutoExecute {
			autoActions = append(autoActions, ra.Action)
		}
	}

	if len(autoActions) > 0 {
		m.dispatcher.ExecuteRemediation(t.ID, v.SubjectID, autoActions, fields, PriorityFor(v.Severity))
	}
}

func (m *Monitor) resolve(ctx context.Context, v *billing.Violation, obs Observation) error {
	v.State = billing.ViolationResolved
	v.MetricValue = obs.MetricValue
	if err := m.store.SaveViolation(ctx, v); err != nil {
		return err
	}

	m.logger.Info("Violation resolved",
		zap.String("threshold_id", v.ThresholdID),
		zap.String("subject_id", v.SubjectID),
		zap.Float64("metric_value", obs.MetricValue),
	)

	if m.auditor != nil {
		m.auditor.Record(store.AuditEntry{
			ID:        uuid.New().String(),
			EventType: "violation_resolved",
			Origin:    billing.OriginThreshold,
			EntityID:  v.ThresholdID,
			SubjectID: v.SubjectID,
			Status:    string(billing.ViolationResolved),
			Details:   map[string]interface{}{"violation_id": v.ID},
			Timestamp: m.now(),
		})
	}

	if m.publisher != nil {
		m.publisher.PublishViolation(v)
	}
	return nil
}

// PriorityFor maps a violation severity to an execution queue priority.
func PriorityFor(s billing.Severity) billing.Priority {
	switch s {
	case billing.SeverityCritical, billing.SeverityHigh:
		return billing.PriorityHigh
	case billing.SeverityMedium:
		return billing.PriorityMedium
	default:
		return billing.PriorityLow
	}
}

func containsString(list []string, s string) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}
