package billing

import (
	"time"
)

// TriggerType identifies the semantic category of facts a trigger listens to.
type TriggerType string

const (
	TriggerEpisodeCompletion   TriggerType = "episode_completion"
	TriggerTimeBased           TriggerType = "time_based"
	TriggerVisitCount          TriggerType = "visit_count"
	TriggerAuthorizationExpiry TriggerType = "authorization_expiry"
	TriggerManual              TriggerType = "manual"
)

// IsValid reports whether the trigger type is a known value.
func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerEpisodeCompletion, TriggerTimeBased, TriggerVisitCount,
		TriggerAuthorizationExpiry, TriggerManual:
		return true
	}
	return false
}

// ThresholdType identifies how a compliance threshold value is interpreted.
type ThresholdType string

const (
	ThresholdMinimumScore      ThresholdType = "minimum_score"
	ThresholdMaximumVisits     ThresholdType = "maximum_visits"
	ThresholdRequiredDocuments ThresholdType = "required_documents"
	ThresholdTimeLimit         ThresholdType = "time_limit"
	ThresholdPercentage        ThresholdType = "percentage"
	ThresholdAmount            ThresholdType = "amount"
)

func (t ThresholdType) IsValid() bool {
	switch t {
	case ThresholdMinimumScore, ThresholdMaximumVisits, ThresholdRequiredDocuments,
		ThresholdTimeLimit, ThresholdPercentage, ThresholdAmount:
		return true
	}
	return false
}

// ActionType enumerates the supported action kinds for trigger chains and
// threshold remediation. Both share a single dispatch path.
type ActionType string

const (
	ActionGenerateUB04     ActionType = "generate_ub04"
	ActionSubmitClaim      ActionType = "submit_claim"
	ActionSendNotification ActionType = "send_notification"
	ActionCreateTask       ActionType = "create_task"
	ActionUpdateStatus     ActionType = "update_status"
	ActionEscalate         ActionType = "escalate"
	ActionWebhook          ActionType = "webhook"
	ActionHoldBilling      ActionType = "hold_billing"
)

func (a ActionType) IsValid() bool {
	switch a {
	case ActionGenerateUB04, ActionSubmitClaim, ActionSendNotification,
		ActionCreateTask, ActionUpdateStatus, ActionEscalate, ActionWebhook,
		ActionHoldBilling:
		return true
	}
	return false
}

// BackoffStrategy controls retry delay growth.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

func (b BackoffStrategy) IsValid() bool {
	switch b {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		return true
	}
	return false
}

// Severity levels for thresholds and violations.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Priority controls a trigger's position in the execution queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// QueueLevel maps a priority to its queue index (0 is drained first).
func (p Priority) QueueLevel() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Operator is a comparison operator inside a condition.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

func (o Operator) IsValid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpIn, OpNotIn:
		return true
	}
	return false
}

// DataType declares how a fact field is coerced before comparison.
type DataType string

const (
	DataString  DataType = "string"
	DataNumber  DataType = "number"
	DataDate    DataType = "date"
	DataBoolean DataType = "boolean"
)

func (d DataType) IsValid() bool {
	switch d {
	case DataString, DataNumber, DataDate, DataBoolean:
		return true
	}
	return false
}

// LogicalOperator combines a condition with the running evaluation result.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

func (l LogicalOperator) IsValid() bool {
	return l == LogicalAnd || l == LogicalOr
}

// EscalationChannel is the delivery mechanism for an escalation tier.
type EscalationChannel string

const (
	EscalateEmail        EscalationChannel = "email"
	EscalateSMS          EscalationChannel = "sms"
	EscalateCall         EscalationChannel = "call"
	EscalateCreateTicket EscalationChannel = "create_ticket"
	EscalateWebhook      EscalationChannel = "webhook"
)

func (e EscalationChannel) IsValid() bool {
	switch e {
	case EscalateEmail, EscalateSMS, EscalateCall, EscalateCreateTicket, EscalateWebhook:
		return true
	}
	return false
}

// Fact is an immutable, timestamped observation about a billing entity.
// Facts are produced by external collaborators (episode lifecycle events,
// visit counters, authorization expirations) and matched against triggers.
type Fact struct {
	Category  TriggerType            `json:"category"`
	SubjectID string                 `json:"subjectId"`
	Fields    map[string]interface{} `json:"fields"`
	Timestamp time.Time              `json:"timestamp"`
}

// Field returns the named field value and whether it is present.
func (f Fact) Field(name string) (interface{}, bool) {
	v, ok := f.Fields[name]
	return v, ok
}

// Condition is a single comparison in an ordered condition list. The first
// condition of a list carries no logical operator; each subsequent one
// combines with the running result via its own LogicalOperator, strictly
// left to right. There is no grouping or precedence mechanism.
type Condition struct {
	Field           string          `json:"field"`
	Operator        Operator        `json:"operator"`
	Value           interface{}     `json:"value"`
	DataType        DataType        `json:"dataType"`
	LogicalOperator LogicalOperator `json:"logicalOperator,omitempty"`
	CaseSensitive   *bool           `json:"caseSensitive,omitempty"`
}

// IsCaseSensitive defaults to true when the flag is absent.
func (c Condition) IsCaseSensitive() bool {
	if c.CaseSensitive == nil {
		return true
	}
	return *c.CaseSensitive
}

// RetryPolicy configures per-action retry behavior. Delays are in seconds.
type RetryPolicy struct {
	MaxAttempts     int             `json:"maxAttempts"`
	BackoffStrategy BackoffStrategy `json:"backoffStrategy"`
	InitialDelay    int             `json:"initialDelay"`
	MaxDelay        int             `json:"maxDelay"`
	RetryOn         []ErrorKind     `json:"retryOn"`
}

// ShouldRetry reports whether the given error kind is retryable under
// this policy.
func (p RetryPolicy) ShouldRetry(kind ErrorKind) bool {
	for _, k := range p.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// Action is one step of a trigger chain or a threshold remediation. The
// optional Condition is a guard evaluated against the execution context;
// a false guard skips the action without failing the chain.
type Action struct {
	ActionType   ActionType             `json:"actionType"`
	Parameters   map[string]interface{} `json:"parameters"`
	DelayMinutes int                    `json:"delayMinutes,omitempty"`
	RetryPolicy  *RetryPolicy           `json:"retryPolicy,omitempty"`
	Condition    []Condition            `json:"condition,omitempty"`
}

// Schedule describes a time-based trigger's firing plan.
type Schedule struct {
	CronExpression string     `json:"cronExpression"`
	Timezone       string     `json:"timezone"`
	Enabled        bool       `json:"enabled"`
	NextRun        *time.Time `json:"nextRun,omitempty"`
}

// Trigger is a named rule that fires an action chain when its conditions
// match an incoming fact or a schedule tick.
type Trigger struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Enabled     bool        `json:"enabled"`
	TriggerType TriggerType `json:"triggerType"`
	Conditions  []Condition `json:"conditions"`
	Actions     []Action    `json:"actions"`
	Priority    Priority    `json:"priority"`
	Schedule    *Schedule   `json:"schedule,omitempty"`

	// Mutable execution counters, maintained by the dispatcher.
	TriggerCount         int64      `json:"triggerCount"`
	SuccessCount         int64      `json:"successCount"`
	FailureCount         int64      `json:"failureCount"`
	AverageExecutionTime float64    `json:"averageExecutionTime"`
	LastTriggered        *time.Time `json:"lastTriggered,omitempty"`
}

// RemediationAction wraps an Action with approval routing for threshold
// remediation. AutoExecute actions run immediately through the dispatcher;
// RequiresApproval actions become pending human tasks.
type RemediationAction struct {
	Action           Action `json:"action"`
	AutoExecute      bool   `json:"autoExecute"`
	RequiresApproval bool   `json:"requiresApproval"`
	AssignedRole     string `json:"assignedRole,omitempty"`
}

// EscalationRule describes one escalation tier of a threshold violation.
type EscalationRule struct {
	Condition              []Condition       `json:"condition"`
	DelayMinutes           int               `json:"delayMinutes"`
	EscalateTo             []string          `json:"escalateTo"`
	ActionType             EscalationChannel `json:"actionType"`
	MaxEscalations         int               `json:"maxEscalations"`
	CurrentEscalationLevel int               `json:"currentEscalationLevel"`
}

// ComplianceThreshold is a compliance limit whose violation drives
// remediation and escalation.
type ComplianceThreshold struct {
	ID                       string              `json:"id"`
	Category                 string              `json:"category"`
	ThresholdType            ThresholdType       `json:"thresholdType"`
	Value                    float64             `json:"value"`
	Unit                     string              `json:"unit"`
	Severity                 Severity            `json:"severity"`
	Enabled                  bool                `json:"enabled"`
	AutoRemediation          bool                `json:"autoRemediation"`
	RemediationActions       []RemediationAction `json:"remediationActions"`
	EscalationRules          []EscalationRule    `json:"escalationRules"`
	ApplicableInsuranceTypes []string            `json:"applicableInsuranceTypes"`
	ApplicableServiceTypes   []string            `json:"applicableServiceTypes"`
	RequiredDocuments        []string            `json:"requiredDocuments,omitempty"`
	EffectiveDate            time.Time           `json:"effectiveDate"`
	ExpirationDate           *time.Time          `json:"expirationDate,omitempty"`

	// Mutable violation counters.
	ViolationCount int64      `json:"violationCount"`
	LastViolation  *time.Time `json:"lastViolation,omitempty"`
}

// ApplicableAt reports whether the threshold is in its effective window.
func (t ComplianceThreshold) ApplicableAt(now time.Time) bool {
	if now.Before(t.EffectiveDate) {
		return false
	}
	if t.ExpirationDate != nil && now.After(*t.ExpirationDate) {
		return false
	}
	return true
}

// BusinessRuleAction is the fixed set of outcomes a business rule can bind.
type BusinessRuleAction string

const (
	RuleHoldBilling     BusinessRuleAction = "hold_billing"
	RuleRequireReview   BusinessRuleAction = "require_review"
	RuleBlockSubmission BusinessRuleAction = "block_submission"
	RuleFlagAudit       BusinessRuleAction = "flag_audit"
)

func (a BusinessRuleAction) IsValid() bool {
	switch a {
	case RuleHoldBilling, RuleRequireReview, RuleBlockSubmission, RuleFlagAudit:
		return true
	}
	return false
}

// BusinessRule gates ad-hoc billing requests (e.g. a pending submission)
// with the same condition mechanism as triggers but a fixed action enum.
type BusinessRule struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Enabled        bool               `json:"enabled"`
	Conditions     []Condition        `json:"conditions"`
	Action         BusinessRuleAction `json:"action"`
	ExecutionCount int64              `json:"executionCount"`
}

// BusinessHoursWindow is one day's working window, e.g. 08:00-17:00.
type BusinessHoursWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// NotificationTemplate holds a renderable subject/body pair. Tokens of the
// form {{variable}} are substituted at send time.
type NotificationTemplate struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Channel string `json:"channel"`
}

// RateLimitConfig bounds per-recipient notification volume.
type RateLimitConfig struct {
	MaxNotificationsPerHour int `json:"maxNotificationsPerHour"`
	MaxNotificationsPerDay  int `json:"maxNotificationsPerDay"`
	CooldownPeriodMinutes   int `json:"cooldownPeriodMinutes"`
}

// NotificationSettings configures the notification dispatcher.
type NotificationSettings struct {
	Enabled         bool                   `json:"enabled"`
	DefaultChannel  string                 `json:"defaultChannel"`
	Templates       []NotificationTemplate `json:"templates"`
	RateLimits      RateLimitConfig        `json:"rateLimits"`
	EscalationEmail string                 `json:"escalationEmail,omitempty"`
}

// AuditSettings configures audit trail retention and redaction.
type AuditSettings struct {
	Enabled             bool `json:"enabled"`
	RetentionDays       int  `json:"retentionDays"`
	IncludePersonalData bool `json:"includePersonalData"`
}

// QueueSettings bounds the execution queue.
type QueueSettings struct {
	MaxQueueSize    int  `json:"maxQueueSize"`
	DeadLetterQueue bool `json:"deadLetterQueue"`
}

// PerformanceSettings bounds engine concurrency and execution time.
type PerformanceSettings struct {
	MaxConcurrentTriggers int           `json:"maxConcurrentTriggers"`
	TriggerTimeoutSeconds int           `json:"triggerTimeoutSeconds"`
	QueueSettings         QueueSettings `json:"queueSettings"`
}

// AutoBillingConfig is the process-wide engine configuration. It is loaded
// once per process start and only replaced atomically through the
// configuration save path; components never mutate it in place.
type AutoBillingConfig struct {
	Enabled              bool                           `json:"enabled"`
	BusinessHoursOnly    bool                           `json:"businessHoursOnly"`
	BusinessHours        map[string]BusinessHoursWindow `json:"businessHours"`
	HolidaySchedule      []string                       `json:"holidaySchedule"`
	NotificationSettings NotificationSettings           `json:"notificationSettings"`
	BusinessRules        []BusinessRule                 `json:"businessRules"`
	AuditSettings        AuditSettings                  `json:"auditSettings"`
	PerformanceSettings  PerformanceSettings            `json:"performanceSettings"`
}

// ConfigDocument is the persisted, versioned configuration unit. Its JSON
// shape is the load/save compatibility contract.
type ConfigDocument struct {
	Triggers    []Trigger             `json:"triggers"`
	Thresholds  []ComplianceThreshold `json:"thresholds"`
	Config      AutoBillingConfig     `json:"config"`
	LastUpdated time.Time             `json:"lastUpdated"`
	Version     int                   `json:"version"`
}

// TriggerByID returns the trigger with the given id, or nil.
func (d *ConfigDocument) TriggerByID(id string) *Trigger {
	for i := range d.Triggers {
		if d.Triggers[i].ID == id {
			return &d.Triggers[i]
		}
	}
	return nil
}

// ThresholdByID returns the threshold with the given id, or nil.
func (d *ConfigDocument) ThresholdByID(id string) *ComplianceThreshold {
	for i := range d.Thresholds {
		if d.Thresholds[i].ID == id {
			return &d.Thresholds[i]
		}
	}
	return nil
}

// ActionStatus is the recorded outcome of one action execution.
type ActionStatus string

const (
	StatusSuccess  ActionStatus = "success"
	StatusFailed   ActionStatus = "failed"
	StatusSkipped  ActionStatus = "skipped"
	StatusDeferred ActionStatus = "deferred"
)

// ActionResult records one action's outcome within a trigger execution.
type ActionResult struct {
	ActionType ActionType    `json:"action_type"`
	Status     ActionStatus  `json:"status"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// ExecutionOrigin attributes an execution to its source for audit purposes.
type ExecutionOrigin string

const (
	OriginTrigger   ExecutionOrigin = "trigger"
	OriginThreshold ExecutionOrigin = "threshold"
	OriginSchedule  ExecutionOrigin = "schedule"
	OriginManual    ExecutionOrigin = "manual"
)

// ExecutionRecord is the append-only record of one trigger execution.
type ExecutionRecord struct {
	ID          string          `json:"id"`
	TriggerID   string          `json:"trigger_id"`
	Origin      ExecutionOrigin `json:"origin"`
	SubjectID   string          `json:"subject_id"`
	Results     []ActionResult  `json:"results"`
	Succeeded   bool            `json:"succeeded"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// ViolationState tracks a violation's lifecycle.
type ViolationState string

const (
	ViolationDetected   ViolationState = "detected"
	ViolationEscalating ViolationState = "escalating"
	ViolationResolved   ViolationState = "resolved"
	// ViolationUnresolved is terminal: max escalations were reached without
	// resolution and manual intervention is required.
	ViolationUnresolved ViolationState = "unresolved"
)

// Violation is the running state of one threshold breach for a subject.
type Violation struct {
	ID              string                 `json:"id"`
	ThresholdID     string                 `json:"threshold_id"`
	SubjectID       string                 `json:"subject_id"`
	Severity        Severity               `json:"severity"`
	MetricValue     float64                `json:"metric_value"`
	ThresholdValue  float64                `json:"threshold_value"`
	State           ViolationState         `json:"state"`
	EscalationLevel int                    `json:"escalation_level"`
	LastEscalatedAt *time.Time             `json:"last_escalated_at,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
	DetectedAt      time.Time              `json:"detected_at"`
}

// PendingTask is a human-approval remediation step awaiting action.
type PendingTask struct {
	ID           string    `json:"id"`
	ThresholdID  string    `json:"threshold_id"`
	ViolationID  string    `json:"violation_id"`
	Action       Action    `json:"action"`
	AssignedRole string    `json:"assigned_role"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}
