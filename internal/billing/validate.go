package billing

import (
	"time"

	"github.com/robfig/cron/v3"
)

// ValidateDocument checks a submitted configuration document and returns the
// complete itemized error list. An empty list means the document may be
// activated; a non-empty list means it must be rejected whole.
func ValidateDocument(doc *ConfigDocument) *ValidationErrors {
	errs := &ValidationErrors{}

	seenTriggers := make(map[string]bool)
	for i := range doc.Triggers {
		validateTrigger(i, &doc.Triggers[i], seenTriggers, errs)
	}

	seenThresholds := make(map[string]bool)
	for i := range doc.Thresholds {
		validateThreshold(i, &doc.Thresholds[i], seenThresholds, errs)
	}

	validateEngineConfig(&doc.Config, errs)

	return errs
}

func validateTrigger(i int, t *Trigger, seen map[string]bool, errs *ValidationErrors) {
	if t.ID == "" {
		errs.Add("Trigger %d: ID is required", i)
	} else if seen[t.ID] {
		errs.Add("Trigger %d: duplicate ID %q", i, t.ID)
	} else {
		seen[t.ID] = true
	}

	if t.Name == "" {
		errs.Add("Trigger %d: name is required", i)
	}
	if !t.TriggerType.IsValid() {
		errs.Add("Trigger %d: unknown trigger type %q", i, t.TriggerType)
	}
	if !t.Priority.IsValid() {
		errs.Add("Trigger %d: unknown priority %q", i, t.Priority)
	}

	validateConditions(t.Conditions, "Trigger", i, "conditions", errs)

	if len(t.Actions) == 0 {
		errs.Add("Trigger %d: at least one action is required", i)
	}
	for j := range t.Actions {
		validateAction(&t.Actions[j], "Trigger", i, j, errs)
	}

	if t.TriggerType == TriggerTimeBased && t.Schedule == nil {
		errs.Add("Trigger %d: time_based triggers require a schedule", i)
	}
	if t.Schedule != nil {
		if t.Schedule.CronExpression == "" {
			errs.Add("Trigger %d: schedule cron expression is required", i)
		} else if _, err := cron.ParseStandard(t.Schedule.CronExpression); err != nil {
			errs.Add("Trigger %d: invalid cron expression %q: %v", i, t.Schedule.CronExpression, err)
		}
		if t.Schedule.Timezone != "" {
			if _, err := time.LoadLocation(t.Schedule.Timezone); err != nil {
				errs.Add("Trigger %d: unknown timezone %q", i, t.Schedule.Timezone)
			}
		}
	}
}

func validateConditions(conds []Condition, entity string, i int, field string, errs *ValidationErrors) {
	for j, c := range conds {
		if c.Field == "" {
			errs.Add("%s %d: %s[%d]: field is required", entity, i, field, j)
		}
		if !c.Operator.IsValid() {
			errs.Add("%s %d: %s[%d]: unknown operator %q", entity, i, field, j, c.Operator)
		}
		if !c.DataType.IsValid() {
			errs.Add("%s %d: %s[%d]: unknown data type %q", entity, i, field, j, c.DataType)
		}
		// The first condition must not carry a logical operator; all
		// subsequent conditions must. Evaluation tolerates an absent
		// operator (defaulting to AND) but save-time rejects it.
		if j == 0 && c.LogicalOperator != "" {
			errs.Add("%s %d: %s[%d]: first condition must not have a logical operator", entity, i, field, j)
		}
		if j > 0 && c.LogicalOperator == "" {
			errs.Add("%s %d: %s[%d]: logical operator is required", entity, i, field, j)
		}
		if c.LogicalOperator != "" && !c.LogicalOperator.IsValid() {
			errs.Add("%s %d: %s[%d]: unknown logical operator %q", entity, i, field, j, c.LogicalOperator)
		}
		if (c.Operator == OpIn || c.Operator == OpNotIn) && c.Value == nil {
			errs.Add("%s %d: %s[%d]: %s operator requires a value list", entity, i, field, j, c.Operator)
		}
	}
}

func validateAction(a *Action, entity string, i, j int, errs *ValidationErrors) {
	if !a.ActionType.IsValid() {
		errs.Add("%s %d: actions[%d]: unknown action type %q", entity, i, j, a.ActionType)
	}
	if a.DelayMinutes < 0 {
		errs.Add("%s %d: actions[%d]: delay minutes must not be negative", entity, i, j)
	}
	if a.RetryPolicy != nil {
		validateRetryPolicy(a.RetryPolicy, entity, i, j, errs)
	}
	validateConditions(a.Condition, entity, i, "actions.condition", errs)
}

func validateRetryPolicy(p *RetryPolicy, entity string, i, j int, errs *ValidationErrors) {
	if p.MaxAttempts < 1 {
		errs.Add("%s %d: actions[%d]: retry policy max attempts must be at least 1", entity, i, j)
	}
	if !p.BackoffStrategy.IsValid() {
		errs.Add("%s %d: actions[%d]: unknown backoff strategy %q", entity, i, j, p.BackoffStrategy)
	}
	if p.InitialDelay < 0 {
		errs.Add("%s %d: actions[%d]: retry initial delay must not be negative", entity, i, j)
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.InitialDelay {
		errs.Add("%s %d: actions[%d]: retry max delay must not be below initial delay", entity, i, j)
	}
	for _, k := range p.RetryOn {
		if !k.IsValid() {
			errs.Add("%s %d: actions[%d]: unknown retry error kind %q", entity, i, j, k)
		}
	}
}

func validateThreshold(i int, t *ComplianceThreshold, seen map[string]bool, errs *ValidationErrors) {
	if t.ID == "" {
		errs.Add("Threshold %d: ID is required", i)
	} else if seen[t.ID] {
		errs.Add("Threshold %d: duplicate ID %q", i, t.ID)
	} else {
		seen[t.ID] = true
	}

	if t.Category == "" {
		errs.Add("Threshold %d: category is required", i)
	}
	if !t.ThresholdType.IsValid() {
		errs.Add("Threshold %d: unknown threshold type %q", i, t.ThresholdType)
	}
	if !t.Severity.IsValid() {
		errs.Add("Threshold %d: unknown severity %q", i, t.Severity)
	}
	if t.EffectiveDate.IsZero() {
		errs.Add("Threshold %d: effective date is required", i)
	}
	if t.ExpirationDate != nil && t.ExpirationDate.Before(t.EffectiveDate) {
		errs.Add("Threshold %d: expiration date precedes effective date", i)
	}

	for j := range t.RemediationActions {
		r := &t.RemediationActions[j]
		if r.AutoExecute && r.RequiresApproval {
			errs.Add("Threshold %d: remediationActions[%d]: cannot be both auto-execute and approval-gated", i, j)
		}
		if r.RequiresApproval && r.AssignedRole == "" {
			errs.Add("Threshold %d: remediationActions[%d]: approval-gated actions require an assigned role", i, j)
		}
		validateAction(&r.Action, "Threshold", i, j, errs)
	}

	for j, rule := range t.EscalationRules {
		if rule.MaxEscalations < 1 {
			errs.Add("Threshold %d: escalationRules[%d]: max escalations must be at least 1", i, j)
		}
		if rule.CurrentEscalationLevel > rule.MaxEscalations {
			errs.Add("Threshold %d: escalationRules[%d]: current escalation level exceeds max", i, j)
		}
		if rule.DelayMinutes < 0 {
			errs.Add("Threshold %d: escalationRules[%d]: delay minutes must not be negative", i, j)
		}
		if len(rule.EscalateTo) == 0 {
			errs.Add("Threshold %d: escalationRules[%d]: at least one escalation recipient is required", i, j)
		}
		if !rule.ActionType.IsValid() {
			errs.Add("Threshold %d: escalationRules[%d]: unknown escalation channel %q", i, j, rule.ActionType)
		}
		validateConditions(rule.Condition, "Threshold", i, "escalationRules.condition", errs)
	}
}

func validateEngineConfig(c *AutoBillingConfig, errs *ValidationErrors) {
	if c.PerformanceSettings.MaxConcurrentTriggers < 1 {
		errs.Add("Config: performanceSettings.maxConcurrentTriggers must be at least 1")
	}
	if c.PerformanceSettings.TriggerTimeoutSeconds < 1 {
		errs.Add("Config: performanceSettings.triggerTimeoutSeconds must be at least 1")
	}
	if c.PerformanceSettings.QueueSettings.MaxQueueSize < 1 {
		errs.Add("Config: performanceSettings.queueSettings.maxQueueSize must be at least 1")
	}

	if c.AuditSettings.Enabled && c.AuditSettings.RetentionDays < 1 {
		errs.Add("Config: auditSettings.retentionDays must be at least 1")
	}

	rl := c.NotificationSettings.RateLimits
	if rl.MaxNotificationsPerHour < 0 || rl.MaxNotificationsPerDay < 0 {
		errs.Add("Config: notificationSettings.rateLimits must not be negative")
	}
	if rl.MaxNotificationsPerDay > 0 && rl.MaxNotificationsPerHour > rl.MaxNotificationsPerDay {
		errs.Add("Config: notificationSettings.rateLimits hourly limit exceeds daily limit")
	}

	seenRules := make(map[string]bool)
	for i, rule := range c.BusinessRules {
		if rule.ID == "" {
			errs.Add("BusinessRule %d: ID is required", i)
		} else if seenRules[rule.ID] {
			errs.Add("BusinessRule %d: duplicate ID %q", i, rule.ID)
		} else {
			seenRules[rule.ID] = true
		}
		if !rule.Action.IsValid() {
			errs.Add("BusinessRule %d: unknown action %q", i, rule.Action)
		}
		validateConditions(rule.Conditions, "BusinessRule", i, "conditions", errs)
	}

	for day, window := range c.BusinessHours {
		if !validDayName(day) {
			errs.Add("Config: businessHours: unknown day %q", day)
		}
		if _, err := time.Parse("15:04", window.Start); err != nil {
			errs.Add("Config: businessHours[%s]: invalid start time %q", day, window.Start)
		}
		if _, err := time.Parse("15:04", window.End); err != nil {
			errs.Add("Config: businessHours[%s]: invalid end time %q", day, window.End)
		}
	}

	for i, h := range c.HolidaySchedule {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			errs.Add("Config: holidaySchedule[%d]: invalid date %q", i, h)
		}
	}
}

func validDayName(day string) bool {
	switch day {
	case "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday":
		return true
	}
	return false
}
