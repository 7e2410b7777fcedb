package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/config"
	"github.com/mase-health/autobilling-engine/internal/store"
)

// SettingsFunc returns the active audit settings.
type SettingsFunc func() billing.AuditSettings

// personalDataKeys are redacted from audit details unless the configuration
// opts in to retaining personal data.
var personalDataKeys = map[string]bool{
	"patientName": true,
	"patientDob":  true,
	"ssn":         true,
	"address":     true,
	"phone":       true,
	"email":       true,
	"memberId":    true,
}

const maxBatchSize = 100

// Logger is the asynchronous audit trail writer. Record never blocks an
// execution: entries flow through a buffered queue to a single writer
// goroutine that batches them into the store. A failed flush keeps the batch
// and retries; entries are only dropped when the in-memory queue itself
// overflows, and that is logged.
type Logger struct {
	logger   *zap.Logger
	store    store.AuditStore
	settings SettingsFunc

	queue         chan store.AuditEntry
	flushInterval time.Duration
	retryInterval time.Duration

	mu      sync.Mutex
	running bool
	dropped int64

	stopChan chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// NewLogger creates the audit logger.
func NewLogger(st store.AuditStore, settings SettingsFunc, cfg config.AuditConfig, logger *zap.Logger) *Logger {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = 10 * time.Second
	}

	return &Logger{
		logger:        logger,
		store:         st,
		settings:      settings,
		queue:         make(chan store.AuditEntry, bufferSize),
		flushInterval: flushInterval,
		retryInterval: retryInterval,
		stopChan:      make(chan struct{}),
		now:           time.Now,
	}
}

// Start launches the writer goroutine.
func (l *Logger) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	l.logger.Info("Starting audit logger",
		zap.Int("buffer_size", cap(l.queue)),
		zap.Duration("flush_interval", l.flushInterval),
	)

	l.wg.Add(1)
	go l.writer(ctx)
}

// Stop flushes pending entries and terminates the writer.
func (l *Logger) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	close(l.stopChan)
	l.wg.Wait()
	l.logger.Info("Audit logger stopped")
}

// Record enqueues an audit entry. Never blocks; a full queue drops the entry
// with a warning.
func (l *Logger) Record(entry store.AuditEntry) {
	settings := l.settings()
	if !settings.Enabled {
		return
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	if !settings.IncludePersonalData {
		entry.Details = Redact(entry.Details)
	}

	select {
	case l.queue <- entry:
	default:
		l.mu.Lock()
		l.dropped++
		dropped := l.dropped
		l.mu.Unlock()
		l.logger.Warn("Audit queue full, entry dropped",
			zap.String("event_type", entry.EventType),
			zap.Int64("total_dropped", dropped),
		)
	}
}

// Dropped reports the number of entries lost to queue overflow.
func (l *Logger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Redact returns a copy of details with personal data fields masked.
func Redact(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if personalDataKeys[k] {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

func (l *Logger) writer(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	var batch []store.AuditEntry
	for {
		select {
		case <-ctx.Done():
			l.flush(context.Background(), l.drain(batch))
			return
		case <-l.stopChan:
			l.flush(context.Background(), l.drain(batch))
			return
		case entry := <-l.queue:
			batch = append(batch, entry)
			if len(batch) >= maxBatchSize {
				batch = l.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = l.flush(ctx, batch)
		}
	}
}

// drain empties the queue into the batch for a final flush.
func (l *Logger) drain(batch []store.AuditEntry) []store.AuditEntry {
	for {
		select {
		case entry := <-l.queue:
			batch = append(batch, entry)
		default:
			return batch
		}
	}
}

// flush writes the batch. On failure the batch is retained for retry after
// the retry interval; audit entries are append-only and must not be lost to
// a transient sink failure.
func (l *Logger) flush(ctx context.Context, batch []store.AuditEntry) []store.AuditEntry {
	if len(batch) == 0 {
		return batch
	}

	if err := l.store.AppendAuditEntries(ctx, batch); err != nil {
		l.logger.Error("Audit flush failed, retaining batch",
			zap.Int("entries", len(batch)),
			zap.Error(err),
		)
		select {
		case <-time.After(l.retryInterval):
		case <-l.stopChan:
		case <-ctx.Done():
		}
		return batch
	}

	l.logger.Debug("Audit batch flushed", zap.Int("entries", len(batch)))
	return batch[:0]
}

// RunRetention purges entries older than the configured retention window on
// every sweep interval.
func (l *Logger) RunRetention(ctx context.Context, sweep time.Duration) {
	if sweep <= 0 {
		sweep = time.Hour
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(sweep)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				if err := l.Purge(ctx); err != nil {
					l.logger.Error("Audit retention purge failed", zap.Error(err))
				}
			}
		}
	}()
}

// Purge deletes entries past the retention window.
func (l *Logger) Purge(ctx context.Context) error {
	settings := l.settings()
	if settings.RetentionDays <= 0 {
		return nil
	}

	cutoff := l.now().AddDate(0, 0, -settings.RetentionDays)
	purged, err := l.store.PurgeAuditEntriesBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if purged > 0 {
		l.logger.Info("Purged expired audit entries",
			zap.Int64("purged", purged),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}
