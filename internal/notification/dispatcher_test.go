package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
)

type fakeSnapshot struct {
	doc *billing.ConfigDocument
}

func (f *fakeSnapshot) Snapshot() *billing.ConfigDocument { return f.doc }

type fakeSender struct {
	channel string
	fail    error

	mu   sync.Mutex
	sent []Message
}

func (f *fakeSender) Channel() string { return f.channel }

func (f *fakeSender) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func notificationDoc(settings billing.NotificationSettings) *billing.ConfigDocument {
	return &billing.ConfigDocument{
		Config: billing.AutoBillingConfig{
			Enabled:              true,
			NotificationSettings: settings,
		},
		Version: 1,
	}
}

func newTestDispatcher(settings billing.NotificationSettings) (*Dispatcher, *fakeSender) {
	sender := &fakeSender{channel: "email"}
	snap := &fakeSnapshot{doc: notificationDoc(settings)}
	d := NewDispatcher(snap, []Sender{sender}, map[string]int{"email": 600}, zap.NewNop())
	return d, sender
}

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("Episode {{episodeId}} is ready ({{score}})", map[string]interface{}{
		"episodeId": "ep-9",
		"score":     97.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "Episode ep-9 is ready (97.5)", out)
}

func TestRenderTemplateMissingVariable(t *testing.T) {
	_, err := RenderTemplate("Hello {{name}}", map[string]interface{}{})

	var tmplErr *billing.TemplateError
	require.ErrorAs(t, err, &tmplErr)
	assert.Equal(t, "name", tmplErr.Variable)
}

func TestNotifyDeliversRenderedMessage(t *testing.T) {
	d, sender := newTestDispatcher(billing.NotificationSettings{
		Enabled:        true,
		DefaultChannel: "email",
	})

	err := d.Notify(context.Background(), billing.Notification{
		Recipients: []string{"billing@example.com"},
		Subject:    "Claim for {{subjectId}}",
		Body:       "Claim submitted for {{subjectId}}.",
		Variables:  map[string]interface{}{"subjectId": "ep-1"},
		Type:       "claim_submitted",
	})
	require.NoError(t, err)

	require.Equal(t, 1, sender.count())
	assert.Equal(t, "Claim for ep-1", sender.sent[0].Subject)
	assert.Equal(t, "billing@example.com", sender.sent[0].Recipient)
}

func TestNotifyResolvesConfiguredTemplate(t *testing.T) {
	d, sender := newTestDispatcher(billing.NotificationSettings{
		Enabled:        true,
		DefaultChannel: "email",
		Templates: []billing.NotificationTemplate{
			{ID: "tmpl-violation", Subject: "Violation {{violationId}}", Body: "Level {{escalationLevel}}"},
		},
	})

	err := d.Notify(context.Background(), billing.Notification{
		Recipients: []string{"compliance@example.com"},
		TemplateID: "tmpl-violation",
		Variables:  map[string]interface{}{"violationId": "v-1", "escalationLevel": 2},
		Type:       "violation",
	})
	require.NoError(t, err)
	require.Equal(t, 1, sender.count())
	assert.Equal(t, "Violation v-1", sender.sent[0].Subject)
	assert.Equal(t, "Level 2", sender.sent[0].Body)

	err = d.Notify(context.Background(), billing.Notification{
		Recipients: []string{"compliance@example.com"},
		TemplateID: "tmpl-missing",
		Type:       "violation",
	})
	require.Error(t, err)
	assert.Equal(t, billing.ErrKindPermanent, billing.KindOf(err))
}

func TestNotifyDisabledIsNoOp(t *testing.T) {
	d, sender := newTestDispatcher(billing.NotificationSettings{Enabled: false})

	err := d.Notify(context.Background(), billing.Notification{
		Recipients: []string{"x@example.com"},
		Subject:    "s",
		Body:       "b",
		Type:       "t",
	})
	require.NoError(t, err)
	assert.Zero(t, sender.count())
}

func TestNotifyUnknownChannel(t *testing.T) {
	d, _ := newTestDispatcher(billing.NotificationSettings{
		Enabled:        true,
		DefaultChannel: "email",
	})

	err := d.Notify(context.Background(), billing.Notification{
		Channel:    "pager",
		Recipients: []string{"x"},
		Type:       "t",
	})
	require.Error(t, err)
	assert.Equal(t, billing.ErrKindPermanent, billing.KindOf(err))
}

func TestNotifyCooldownSuppressesDuplicates(t *testing.T) {
	d, sender := newTestDispatcher(billing.NotificationSettings{
		Enabled:        true,
		DefaultChannel: "email",
		RateLimits:     billing.RateLimitConfig{CooldownPeriodMinutes: 15},
	})

	n := billing.Notification{
		Recipients: []string{"billing@example.com"},
		Subject:    "s",
		Body:       "b",
		Type:       "low_score",
	}

	require.NoError(t, d.Notify(context.Background(), n))
	require.NoError(t, d.Notify(context.Background(), n))
	assert.Equal(t, 1, sender.count(), "duplicate inside the cooldown window is suppressed")

	// A different type to the same recipient is not suppressed.
	other := n
	other.Type = "missing_docs"
	require.NoError(t, d.Notify(context.Background(), other))
	assert.Equal(t, 2, sender.count())
}

func TestNotifyHourlyLimitQueuesExcess(t *testing.T) {
	d, sender := newTestDispatcher(billing.NotificationSettings{
		Enabled:        true,
		DefaultChannel: "email",
		RateLimits:     billing.RateLimitConfig{MaxNotificationsPerHour: 2},
	})

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	now := base
	d.now = func() time.Time { return now }

	n := billing.Notification{
		Recipients: []string{"billing@example.com"},
		Subject:    "s",
		Body:       "b",
	}

	for i := 0; i < 3; i++ {
		n.Type = "t"
		require.NoError(t, d.Notify(context.Background(), n))
	}

	assert.Equal(t, 2, sender.count(), "the over-limit delivery is deferred, not sent")
	assert.Equal(t, 1, d.QueuedCount(), "and queued rather than dropped")

	// Before the hour rolls over, draining releases nothing.
	now = base.Add(30 * time.Minute)
	assert.Zero(t, d.DrainQueued(context.Background()))

	// After the window resets the queued delivery goes out.
	now = base.Add(61 * time.Minute)
	assert.Equal(t, 1, d.DrainQueued(context.Background()))
	assert.Equal(t, 3, sender.count())
	assert.Zero(t, d.QueuedCount())
}

func TestNotifyDailyLimitQueuesExcess(t *testing.T) {
	d, sender := newTestDispatcher(billing.NotificationSettings{
		Enabled:        true,
		DefaultChannel: "email",
		RateLimits:     billing.RateLimitConfig{MaxNotificationsPerDay: 1},
	})

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	now := base
	d.now = func() time.Time { return now }

	n := billing.Notification{Recipients: []string{"x@example.com"}, Subject: "s", Body: "b", Type: "t"}
	require.NoError(t, d.Notify(context.Background(), n))
	require.NoError(t, d.Notify(context.Background(), n))

	assert.Equal(t, 1, sender.count())
	assert.Equal(t, 1, d.QueuedCount())

	now = base.Add(25 * time.Hour)
	assert.Equal(t, 1, d.DrainQueued(context.Background()))
	assert.Equal(t, 2, sender.count())
}

func TestNotifyPermanentSendFailureSurfaces(t *testing.T) {
	sender := &fakeSender{channel: "email", fail: billing.Permanentf("address rejected")}
	snap := &fakeSnapshot{doc: notificationDoc(billing.NotificationSettings{
		Enabled:        true,
		DefaultChannel: "email",
	})}
	d := NewDispatcher(snap, []Sender{sender}, nil, zap.NewNop())

	err := d.Notify(context.Background(), billing.Notification{
		Recipients: []string{"bad@example.com"},
		Subject:    "s",
		Body:       "b",
		Type:       "t",
	})
	require.Error(t, err)
	assert.Equal(t, billing.ErrKindPermanent, billing.KindOf(err))
}

func TestNotifyLimitsArePerRecipient(t *testing.T) {
	d, sender := newTestDispatcher(billing.NotificationSettings{
		Enabled:        true,
		DefaultChannel: "email",
		RateLimits:     billing.RateLimitConfig{MaxNotificationsPerHour: 1},
	})

	err := d.Notify(context.Background(), billing.Notification{
		Recipients: []string{"a@example.com", "b@example.com"},
		Subject:    "s",
		Body:       "b",
		Type:       "t",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sender.count(), "each recipient has an independent budget")
}
