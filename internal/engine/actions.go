package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/config"
	"github.com/mase-health/autobilling-engine/internal/store"
)

// Notifier delivers rendered notifications. Implemented by the notification
// dispatcher.
type Notifier interface {
	Notify(ctx context.Context, n billing.Notification) error
}

// ClaimClient calls the external claim-generation service for UB-04 rendering,
// claim submission, and billing status updates. The engine never renders claim
// forms itself.
type ClaimClient struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClaimClient creates a claim service client.
func NewClaimClient(cfg config.ClaimServiceConfig, logger *zap.Logger) *ClaimClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &ClaimClient{http: client, logger: logger}
}

func (c *ClaimClient) post(ctx context.Context, path string, body interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(path)
	if err != nil {
		return billing.Transientf("claim service request failed: %v", err)
	}
	if resp.StatusCode() >= 500 {
		return billing.Transientf("claim service returned %d: %s", resp.StatusCode(), resp.String())
	}
	if resp.StatusCode() >= 400 {
		return billing.Permanentf("claim service rejected request with %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// GenerateUB04 asks the claim service to render a UB-04 form for the subject.
func (c *ClaimClient) GenerateUB04(ctx context.Context, subjectID string, params map[string]interface{}) error {
	return c.post(ctx, "/api/v1/claims/ub04", map[string]interface{}{
		"subjectId":  subjectID,
		"parameters": params,
	})
}

// SubmitClaim submits a previously generated claim.
func (c *ClaimClient) SubmitClaim(ctx context.Context, subjectID string, params map[string]interface{}) error {
	return c.post(ctx, "/api/v1/claims/submit", map[string]interface{}{
		"subjectId":  subjectID,
		"parameters": params,
	})
}

// UpdateStatus sets the billing status of the subject.
func (c *ClaimClient) UpdateStatus(ctx context.Context, subjectID, status string) error {
	return c.post(ctx, "/api/v1/billing/status", map[string]interface{}{
		"subjectId": subjectID,
		"status":    status,
	})
}

// HoldBilling places a billing hold on the subject.
func (c *ClaimClient) HoldBilling(ctx context.Context, subjectID, reason string) error {
	return c.post(ctx, "/api/v1/billing/hold", map[string]interface{}{
		"subjectId": subjectID,
		"reason":    reason,
	})
}

// ExecutionContext is the per-execution state handed to action handlers.
// Fields carries the fact fields merged with execution metadata and is the
// substrate for guard evaluation and template variables.
type ExecutionContext struct {
	ExecutionID string
	TriggerID   string
	TriggerName string
	Origin      billing.ExecutionOrigin
	SubjectID   string
	Fields      map[string]interface{}
}

// Actions executes individual actions against their collaborators. Trigger
// chains, threshold remediation, escalation tiers, and dead letter replay all
// funnel through Execute.
type Actions struct {
	claims   *ClaimClient
	notifier Notifier
	tasks    store.TaskStore
	webhook  *resty.Client
	logger   *zap.Logger
}

// NewActions creates the action executor.
func NewActions(claims *ClaimClient, notifier Notifier, tasks store.TaskStore, webhookCfg config.WebhookConfig, logger *zap.Logger) *Actions {
	webhook := resty.New().
		SetTimeout(webhookCfg.Timeout).
		SetHeader("Content-Type", "application/json")
	for k, v := range webhookCfg.Headers {
		webhook.SetHeader(k, v)
	}

	return &Actions{
		claims:   claims,
		notifier: notifier,
		tasks:    tasks,
		webhook:  webhook,
		logger:   logger,
	}
}

// Execute runs a single action. Unknown action types are permanent failures;
// they are rejected at configuration save time, so reaching one here means the
// document predates the current schema.
func (a *Actions) Execute(ctx context.Context, execCtx *ExecutionContext, action billing.Action) error {
	switch action.ActionType {
	case billing.ActionGenerateUB04:
		return a.claims.GenerateUB04(ctx, execCtx.SubjectID, action.Parameters)

	case billing.ActionSubmitClaim:
		return a.claims.SubmitClaim(ctx, execCtx.SubjectID, action.Parameters)

	case billing.ActionUpdateStatus:
		status := cast.ToString(action.Parameters["status"])
		if status == "" {
			return billing.Permanentf("update_status action requires a status parameter")
		}
		return a.claims.UpdateStatus(ctx, execCtx.SubjectID, status)

	case billing.ActionHoldBilling:
		reason := cast.ToString(action.Parameters["reason"])
		if reason == "" {
			reason = fmt.Sprintf("held by %s", execCtx.TriggerID)
		}
		return a.claims.HoldBilling(ctx, execCtx.SubjectID, reason)

	case billing.ActionSendNotification:
		return a.sendNotification(ctx, execCtx, action)

	case billing.ActionEscalate:
		return a.escalate(ctx, execCtx, action)

	case billing.ActionCreateTask:
		return a.createTask(ctx, execCtx, action)

	case billing.ActionWebhook:
		return a.callWebhook(ctx, execCtx, action)

	default:
		return billing.Permanentf("unsupported action type %q", action.ActionType)
	}
}

func (a *Actions) sendNotification(ctx context.Context, execCtx *ExecutionContext, action billing.Action) error {
	if a.notifier == nil {
		return billing.Permanentf("no notifier configured")
	}

	recipients, err := cast.ToStringSliceE(action.Parameters["recipients"])
	if err != nil || len(recipients) == 0 {
		return billing.Permanentf("send_notification action requires recipients")
	}

	notifType := cast.ToString(action.Parameters["type"])
	if notifType == "" {
		notifType = execCtx.TriggerID
	}

	return a.notifier.Notify(ctx, billing.Notification{
		Channel:    cast.ToString(action.Parameters["channel"]),
		Recipients: recipients,
		TemplateID: cast.ToString(action.Parameters["templateId"]),
		Subject:    cast.ToString(action.Parameters["subject"]),
		Body:       cast.ToString(action.Parameters["body"]),
		Variables:  execCtx.Fields,
		Type:       notifType,
	})
}

// escalate is a notification to the escalation recipients with severity
// attached; it shares the notification path rather than a separate transport.
func (a *Actions) escalate(ctx context.Context, execCtx *ExecutionContext, action billing.Action) error {
	if a.notifier == nil {
		return billing.Permanentf("no notifier configured")
	}

	recipients, err := cast.ToStringSliceE(action.Parameters["escalateTo"])
	if err != nil || len(recipients) == 0 {
		return billing.Permanentf("escalate action requires escalateTo recipients")
	}

	severity := billing.Severity(cast.ToString(action.Parameters["severity"]))
	if !severity.IsValid() {
		severity = billing.SeverityHigh
	}

	return a.notifier.Notify(ctx, billing.Notification{
		Channel:    cast.ToString(action.Parameters["channel"]),
		Recipients: recipients,
		TemplateID: cast.ToString(action.Parameters["templateId"]),
		Subject:    cast.ToString(action.Parameters["subject"]),
		Body:       cast.ToString(action.Parameters["body"]),
		Variables:  execCtx.Fields,
		Type:       "escalation:" + execCtx.TriggerID,
		Severity:   severity,
	})
}

func (a *Actions) createTask(ctx context.Context, execCtx *ExecutionContext, action billing.Action) error {
	role := cast.ToString(action.Parameters["assignedRole"])
	if role == "" {
		role = "billing_review"
	}

	task := &billing.PendingTask{
		ID:           uuid.New().String(),
		ThresholdID:  cast.ToString(action.Parameters["thresholdId"]),
		ViolationID:  cast.ToString(action.Parameters["violationId"]),
		Action:       action,
		AssignedRole: role,
		Status:       "open",
		CreatedAt:    time.Now(),
	}

	if err := a.tasks.SavePendingTask(ctx, task); err != nil {
		return billing.Transientf("failed to save task: %v", err)
	}

	a.logger.Info("Created pending task",
		zap.String("task_id", task.ID),
		zap.String("assigned_role", role),
		zap.String("trigger_id", execCtx.TriggerID),
	)
	return nil
}

func (a *Actions) callWebhook(ctx context.Context, execCtx *ExecutionContext, action billing.Action) error {
	url := cast.ToString(action.Parameters["url"])
	if url == "" {
		return billing.Permanentf("webhook action requires a url parameter")
	}

	payload := map[string]interface{}{
		"executionId": execCtx.ExecutionID,
		"triggerId":   execCtx.TriggerID,
		"subjectId":   execCtx.SubjectID,
		"origin":      execCtx.Origin,
		"fields":      execCtx.Fields,
		"timestamp":   time.Now().UTC(),
	}
	if body, ok := action.Parameters["payload"]; ok {
		payload["payload"] = body
	}

	resp, err := a.webhook.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)
	if err != nil {
		return billing.Transientf("webhook call failed: %v", err)
	}
	if resp.StatusCode() >= 500 {
		return billing.Transientf("webhook returned %d", resp.StatusCode())
	}
	if resp.StatusCode() >= 400 {
		return billing.Permanentf("webhook rejected payload with %d", resp.StatusCode())
	}
	return nil
}
