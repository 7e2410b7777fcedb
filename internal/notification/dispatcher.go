package notification

import (
	"context"
	"regexp"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/engine"
)

// Snapshotter exposes the active configuration document.
type Snapshotter interface {
	Snapshot() *billing.ConfigDocument
}

var templateVarPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// deliveryRetryPolicy governs transport retries. Transient delivery failures
// back off exponentially from 5s, capped at 60s.
var deliveryRetryPolicy = billing.RetryPolicy{
	MaxAttempts:     3,
	BackoffStrategy: billing.BackoffExponential,
	InitialDelay:    5,
	MaxDelay:        60,
	RetryOn:         []billing.ErrorKind{billing.ErrKindTransient},
}

// recipientWindow tracks one recipient's rolling hour and day counts.
type recipientWindow struct {
	hourStart time.Time
	hourCount int
	dayStart  time.Time
	dayCount  int
}

// queuedDelivery is a delivery held back by a recipient rate limit. It is
// released once the limiting window rolls over; excess volume queues, it is
// never dropped.
type queuedDelivery struct {
	sender  Sender
	msg     Message
	notif   billing.Notification
	readyAt time.Time
}

// Dispatcher renders and delivers notifications subject to per-recipient
// rate limits, duplicate cooldowns, and per-channel transport limits.
type Dispatcher struct {
	logger   *zap.Logger
	snapshot Snapshotter
	retry    *engine.RetryExecutor

	senders  map[string]Sender
	limiters map[string]*rate.Limiter

	cooldown *gocache.Cache

	mu      sync.Mutex
	windows map[string]*recipientWindow
	pending []queuedDelivery

	drainTick time.Duration
	running   bool
	stopChan  chan struct{}
	wg        sync.WaitGroup

	now func() time.Time
}

// NewDispatcher creates the notification dispatcher. channelRates maps a
// channel name to its transport limit in deliveries per minute.
func NewDispatcher(snapshot Snapshotter, senders []Sender, channelRates map[string]int, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		logger:    logger,
		snapshot:  snapshot,
		retry:     engine.NewRetryExecutor(logger),
		senders:   make(map[string]Sender, len(senders)),
		limiters:  make(map[string]*rate.Limiter, len(senders)),
		cooldown:  gocache.New(time.Hour, 10*time.Minute),
		windows:   make(map[string]*recipientWindow),
		drainTick: 30 * time.Second,
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}

	for _, s := range senders {
		d.senders[s.Channel()] = s
		perMin := channelRates[s.Channel()]
		if perMin <= 0 {
			perMin = 60
		}
		d.limiters[s.Channel()] = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
	}

	return d
}

// Start launches the queued-delivery drain loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.drainTick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopChan:
				return
			case <-ticker.C:
				d.DrainQueued(ctx)
			}
		}
	}()
}

// Stop terminates the drain loop.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopChan)
	d.wg.Wait()
}

// Notify renders the notification and delivers it to every recipient.
// Implements the engine's Notifier.
func (d *Dispatcher) Notify(ctx context.Context, n billing.Notification) error {
	doc := d.snapshot.Snapshot()
	if doc == nil {
		return billing.Permanentf("no configuration applied")
	}
	settings := doc.Config.NotificationSettings
	if !settings.Enabled {
		d.logger.Debug("Notifications disabled, dropping", zap.String("type", n.Type))
		return nil
	}

	channel := n.Channel
	if channel == "" {
		channel = settings.DefaultChannel
	}
	sender, ok := d.senders[channel]
	if !ok {
		return billing.Permanentf("no sender configured for channel %q", channel)
	}

	subject, body, err := d.render(settings, n)
	if err != nil {
		return err
	}

	msg := Message{Subject: subject, Body: body, Severity: n.Severity}

	var firstErr error
	for _, recipient := range n.Recipients {
		msg.Recipient = recipient
		if err := d.deliver(ctx, sender, msg, n, settings.RateLimits); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// render resolves the template and substitutes {{variable}} tokens. A token
// with no corresponding variable is a permanent error; silent blanks in a
// compliance notification are worse than a failed send.
func (d *Dispatcher) render(settings billing.NotificationSettings, n billing.Notification) (string, string, error) {
	subject, body := n.Subject, n.Body

	if n.TemplateID != "" {
		var tmpl *billing.NotificationTemplate
		for i := range settings.Templates {
			if settings.Templates[i].ID == n.TemplateID {
				tmpl = &settings.Templates[i]
				break
			}
		}
		if tmpl == nil {
			return "", "", billing.Permanentf("notification template %q not found", n.TemplateID)
		}
		subject, body = tmpl.Subject, tmpl.Body
	}

	renderedSubject, err := RenderTemplate(subject, n.Variables)
	if err != nil {
		return "", "", billing.NewExecError(billing.ErrKindPermanent, err)
	}
	renderedBody, err := RenderTemplate(body, n.Variables)
	if err != nil {
		return "", "", billing.NewExecError(billing.ErrKindPermanent, err)
	}
	return renderedSubject, renderedBody, nil
}

// RenderTemplate substitutes {{variable}} tokens from vars. Referencing an
// undefined variable fails rather than rendering a blank.
func RenderTemplate(text string, vars map[string]interface{}) (string, error) {
	var missing string
	out := templateVarPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := templateVarPattern.FindStringSubmatch(token)[1]
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return token
		}
		return cast.ToString(v)
	})
	if missing != "" {
		return "", &billing.TemplateError{Template: text, Variable: missing}
	}
	return out, nil
}

func (d *Dispatcher) deliver(ctx context.Context, sender Sender, msg Message, n billing.Notification, limits billing.RateLimitConfig) error {
	now := d.now()

	// Cooldown suppresses duplicates of the same type to the same recipient.
	cooldownKey := msg.Recipient + "|" + n.Type
	if limits.CooldownPeriodMinutes > 0 {
		if _, held := d.cooldown.Get(cooldownKey); held {
			d.logger.Debug("Notification suppressed by cooldown",
				zap.String("recipient", msg.Recipient),
				zap.String("type", n.Type),
			)
			return nil
		}
	}

	// Over-limit deliveries queue until the window rolls over.
	if readyAt, ok := d.admit(msg.Recipient, limits, now); !ok {
		d.mu.Lock()
		d.pending = append(d.pending, queuedDelivery{
			sender:  sender,
			msg:     msg,
			notif:   n,
			readyAt: readyAt,
		})
		d.mu.Unlock()

		d.logger.Info("Notification queued by rate limit",
			zap.String("recipient", msg.Recipient),
			zap.String("type", n.Type),
			zap.Time("ready_at", readyAt),
		)
		return nil
	}

	return d.send(ctx, sender, msg, n, limits, cooldownKey)
}

func (d *Dispatcher) send(ctx context.Context, sender Sender, msg Message, n billing.Notification, limits billing.RateLimitConfig, cooldownKey string) error {
	if limiter := d.limiters[sender.Channel()]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return billing.NewExecError(billing.ErrKindRateLimited, err)
		}
	}

	result := d.retry.Run(ctx, deliveryRetryPolicy, func(ctx context.Context) error {
		return sender.Send(ctx, msg)
	})
	if result.Err != nil {
		d.logger.Error("Notification delivery failed",
			zap.String("channel", sender.Channel()),
			zap.String("recipient", msg.Recipient),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Err),
		)
		return result.Err
	}

	if limits.CooldownPeriodMinutes > 0 {
		d.cooldown.Set(cooldownKey, struct{}{},
			time.Duration(limits.CooldownPeriodMinutes)*time.Minute)
	}

	d.logger.Info("Notification delivered",
		zap.String("channel", sender.Channel()),
		zap.String("recipient", msg.Recipient),
		zap.String("type", n.Type),
	)
	return nil
}

// admit checks and consumes the recipient's hour and day budgets. When a
// budget is exhausted it returns the time the limiting window resets.
func (d *Dispatcher) admit(recipient string, limits billing.RateLimitConfig, now time.Time) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.windows[recipient]
	if !ok {
		w = &recipientWindow{hourStart: now, dayStart: now}
		d.windows[recipient] = w
	}

	if now.Sub(w.hourStart) >= time.Hour {
		w.hourStart = now
		w.hourCount = 0
	}
	if now.Sub(w.dayStart) >= 24*time.Hour {
		w.dayStart = now
		w.dayCount = 0
	}

	if limits.MaxNotificationsPerHour > 0 && w.hourCount >= limits.MaxNotificationsPerHour {
		return w.hourStart.Add(time.Hour), false
	}
	if limits.MaxNotificationsPerDay > 0 && w.dayCount >= limits.MaxNotificationsPerDay {
		return w.dayStart.Add(24 * time.Hour), false
	}

	w.hourCount++
	w.dayCount++
	return time.Time{}, true
}

// DrainQueued attempts redelivery of every queued notification whose limit
// window has reset. Still-limited deliveries re-queue with their new ready
// time.
func (d *Dispatcher) DrainQueued(ctx context.Context) int {
	now := d.now()

	d.mu.Lock()
	var due []queuedDelivery
	kept := d.pending[:0]
	for _, q := range d.pending {
		if !q.readyAt.After(now) {
			due = append(due, q)
			continue
		}
		kept = append(kept, q)
	}
	d.pending = kept
	d.mu.Unlock()

	doc := d.snapshot.Snapshot()
	if doc == nil {
		return 0
	}
	limits := doc.Config.NotificationSettings.RateLimits

	sent := 0
	for _, q := range due {
		if err := d.deliver(ctx, q.sender, q.msg, q.notif, limits); err != nil {
			d.logger.Error("Queued notification delivery failed",
				zap.String("recipient", q.msg.Recipient),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

// QueuedCount reports the number of rate-limited deliveries awaiting their
// window.
func (d *Dispatcher) QueuedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
