package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/engine"
	"github.com/mase-health/autobilling-engine/internal/store"
)

// Firer receives due trigger firings and owns the schedule's next-run field.
type Firer interface {
	Snapshot() *billing.ConfigDocument
	OnScheduledFire(triggerID string, fact billing.Fact)
	SetNextRun(triggerID string, next time.Time)
}

// Scheduler scans time-based triggers once per tick and fires the due ones as
// synthetic facts. An invalid cron expression disables only the offending
// trigger; the scheduler itself keeps running.
type Scheduler struct {
	logger  *zap.Logger
	firer   Firer
	auditor engine.Auditor
	tick    time.Duration

	mu sync.Mutex
	// nextRun tracks the computed next firing per trigger. Entries reset when
	// a new document version arrives so schedule edits take effect.
	nextRun     map[string]time.Time
	disabled    map[string]bool
	seenVersion int

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// New creates the trigger scheduler.
func New(firer Firer, auditor engine.Auditor, tick time.Duration, logger *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		logger:   logger,
		firer:    firer,
		auditor:  auditor,
		tick:     tick,
		nextRun:  make(map[string]time.Time),
		disabled: make(map[string]bool),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the scan loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting trigger scheduler", zap.Duration("tick", s.tick))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.Scan(s.now())
			}
		}
	}()
}

// Stop terminates the scan loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("Trigger scheduler stopped")
}

// Scan evaluates every enabled time-based trigger against now, firing those
// that are due and inside the business window.
func (s *Scheduler) Scan(now time.Time) {
	doc := s.firer.Snapshot()
	if doc == nil || !doc.Config.Enabled {
		return
	}

	s.mu.Lock()
	if doc.Version != s.seenVersion {
		s.nextRun = make(map[string]time.Time)
		s.disabled = make(map[string]bool)
		s.seenVersion = doc.Version
	}
	s.mu.Unlock()

	for i := range doc.Triggers {
		trigger := &doc.Triggers[i]
		if trigger.TriggerType != billing.TriggerTimeBased || !trigger.Enabled {
			continue
		}
		if trigger.Schedule == nil || !trigger.Schedule.Enabled {
			continue
		}

		s.mu.Lock()
		skip := s.disabled[trigger.ID]
		s.mu.Unlock()
		if skip {
			continue
		}

		s.scanTrigger(doc, trigger, now)
	}
}

func (s *Scheduler) scanTrigger(doc *billing.ConfigDocument, trigger *billing.Trigger, now time.Time) {
	loc := time.UTC
	if tz := trigger.Schedule.Timezone; tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			s.disableTrigger(trigger, "invalid timezone: "+tz)
			return
		}
		loc = parsed
	}

	sched, err := cron.ParseStandard(trigger.Schedule.CronExpression)
	if err != nil {
		s.disableTrigger(trigger, "invalid cron expression: "+err.Error())
		return
	}

	local := now.In(loc)

	s.mu.Lock()
	next, known := s.nextRun[trigger.ID]
	if !known {
		next = sched.Next(local)
		s.nextRun[trigger.ID] = next
	}
	s.mu.Unlock()

	if local.Before(next) {
		return
	}

	// Due. Outside the business window the firing is held, not dropped: the
	// next tick inside the window fires it.
	if doc.Config.BusinessHoursOnly && !InBusinessWindow(doc.Config, local) {
		s.logger.Debug("Scheduled firing held outside business window",
			zap.String("trigger_id", trigger.ID),
			zap.Time("due_at", next),
		)
		return
	}

	s.mu.Lock()
	upcoming := sched.Next(local)
	s.nextRun[trigger.ID] = upcoming
	s.mu.Unlock()
	s.firer.SetNextRun(trigger.ID, upcoming)

	s.logger.Info("Firing scheduled trigger",
		zap.String("trigger_id", trigger.ID),
		zap.Time("fired_at", local),
		zap.Time("next_run", upcoming),
	)

	s.firer.OnScheduledFire(trigger.ID, billing.Fact{
		Category:  billing.TriggerTimeBased,
		SubjectID: "",
		Fields: map[string]interface{}{
			"firedAt":      local,
			"scheduledFor": next,
			"timezone":     loc.String(),
		},
		Timestamp: now,
	})
}

func (s *Scheduler) disableTrigger(trigger *billing.Trigger, reason string) {
	s.mu.Lock()
	already := s.disabled[trigger.ID]
	s.disabled[trigger.ID] = true
	s.mu.Unlock()
	if already {
		return
	}

	s.logger.Error("Disabling unschedulable trigger",
		zap.String("trigger_id", trigger.ID),
		zap.String("reason", reason),
	)

	if s.auditor != nil {
		s.auditor.Record(store.AuditEntry{
			ID:        uuid.New().String(),
			EventType: "trigger_disabled",
			Origin:    billing.OriginSchedule,
			EntityID:  trigger.ID,
			Status:    string(billing.ErrKindScheduling),
			Details:   map[string]interface{}{"reason": reason},
			Timestamp: s.now(),
		})
	}
}

// Disabled reports whether the scheduler has disabled the trigger due to a
// scheduling error in the current document version.
func (s *Scheduler) Disabled(triggerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[triggerID]
}

// InBusinessWindow reports whether t falls inside the configured business
// hours for its weekday and is not a holiday. A weekday with no configured
// window is entirely outside business hours.
func InBusinessWindow(cfg billing.AutoBillingConfig, t time.Time) bool {
	date := t.Format("2006-01-02")
	for _, holiday := range cfg.HolidaySchedule {
		if holiday == date {
			return false
		}
	}

	window, ok := cfg.BusinessHours[strings.ToLower(t.Weekday().String())]
	if !ok {
		return false
	}

	start, err := time.Parse("15:04", window.Start)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", window.End)
	if err != nil {
		return false
	}

	minutes := t.Hour()*60 + t.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	return minutes >= startMin && minutes < endMin
}
