package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/audit"
	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/config"
	"github.com/mase-health/autobilling-engine/internal/engine"
	"github.com/mase-health/autobilling-engine/internal/events"
	"github.com/mase-health/autobilling-engine/internal/handlers"
	"github.com/mase-health/autobilling-engine/internal/metrics"
	"github.com/mase-health/autobilling-engine/internal/notification"
	"github.com/mase-health/autobilling-engine/internal/scheduler"
	"github.com/mase-health/autobilling-engine/internal/store"
	"github.com/mase-health/autobilling-engine/internal/threshold"
)

const (
	serviceName = "autobilling-engine"
	version     = "1.0.0"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	logger := setupLogging(cfg)
	defer logger.Sync()

	logger.Info("Starting AutoBilling Engine",
		zap.String("service", serviceName),
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
	)

	// Setup the store
	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer closeStore()

	// Load the active configuration document; a fresh deployment starts
	// from the disabled default until one is saved.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doc, err := st.LoadDocument(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Fatal("Failed to load configuration document", zap.Error(err))
		}
		doc = defaultDocument()
		logger.Warn("No configuration document found, starting with defaults")
	}

	// Setup audit logging
	claims := engine.NewClaimClient(cfg.ClaimService, logger.Named("claims"))

	var dispatcher *engine.Dispatcher
	auditLogger := audit.NewLogger(st, func() billing.AuditSettings {
		if dispatcher != nil {
			if snap := dispatcher.Snapshot(); snap != nil {
				return snap.Config.AuditSettings
			}
		}
		return billing.AuditSettings{}
	}, cfg.Audit, logger.Named("audit"))

	// Setup Kafka producer (optional)
	var producer *events.Producer
	if cfg.Kafka.Enabled {
		producer, err = events.NewProducer(cfg.Kafka, logger.Named("producer"))
		if err != nil {
			logger.Fatal("Failed to create Kafka producer", zap.Error(err))
		}
		defer producer.Close()
	}

	// Setup metrics; the publishers are instrumented decorators so every
	// outcome is counted whether or not Kafka is enabled.
	collector := metrics.NewCollector()
	var execPublisher engine.Publisher
	var violationPublisher threshold.ViolationPublisher
	if producer != nil {
		execPublisher = producer
		violationPublisher = producer
	}
	execPublisher = collector.InstrumentExecutions(execPublisher)
	violationPublisher = collector.InstrumentViolations(violationPublisher)

	// Setup notification transports
	var senders []notification.Sender
	channelRates := map[string]int{}
	if cfg.Notifications.Email.Enabled {
		senders = append(senders, notification.NewEmailSender(cfg.Notifications.Email, logger.Named("email")))
		channelRates["email"] = cfg.Notifications.Email.RateLimitPerMin
	}
	if cfg.Notifications.SMS.Enabled {
		senders = append(senders, notification.NewSMSSender(cfg.Notifications.SMS, logger.Named("sms")))
		channelRates["sms"] = cfg.Notifications.SMS.RateLimitPerMin
	}
	if cfg.Notifications.Slack.Enabled {
		senders = append(senders, notification.NewSlackSender(cfg.Notifications.Slack, logger.Named("slack")))
		channelRates["slack"] = cfg.Notifications.Slack.RateLimitPerMin
	}
	if cfg.Notifications.Webhook.Enabled {
		senders = append(senders, notification.NewWebhookSender(cfg.Notifications.Webhook, logger.Named("webhook")))
		channelRates["webhook"] = cfg.Notifications.Webhook.RateLimitPerMin
	}

	// Setup the dispatcher and everything that hangs off it
	var notifier *notification.Dispatcher
	actions := engine.NewActions(claims, notifierFunc(func(ctx context.Context, n billing.Notification) error {
		return notifier.Notify(ctx, n)
	}), st, cfg.Notifications.Webhook, logger.Named("actions"))

	dispatcher = engine.NewDispatcher(actions, st, auditLogger, execPublisher, logger.Named("dispatcher"))
	dispatcher.Apply(doc)

	notifier = notification.NewDispatcher(dispatcher, senders, channelRates, logger.Named("notifications"))
	ruleEngine := engine.NewRuleEngine(dispatcher, auditLogger, logger.Named("rules"))
	monitor := threshold.NewMonitor(dispatcher, st, auditLogger, violationPublisher, logger.Named("thresholds"))
	escalator := threshold.NewEscalator(dispatcher, st, notifier, auditLogger, violationPublisher,
		cfg.Engine.EscalationTick, logger.Named("escalator"))
	triggerScheduler := scheduler.New(dispatcher, auditLogger, cfg.Engine.SchedulerTick, logger.Named("scheduler"))

	// Setup the Kafka consumer (optional)
	var consumer *events.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = events.NewConsumer(cfg.Kafka, dispatcher, monitor, logger.Named("consumer"))
		if err != nil {
			logger.Fatal("Failed to create Kafka consumer", zap.Error(err))
		}
	}

	// Live gauges
	collector.RegisterGauge("autobilling_queue_depth", "Execution queue depth.", func() float64 {
		return float64(dispatcher.QueueDepth())
	})
	collector.RegisterGauge("autobilling_deferred_chains", "Action chains awaiting their delay.", func() float64 {
		return float64(dispatcher.DeferredCount())
	})
	collector.RegisterGauge("autobilling_queued_notifications", "Rate limited notifications awaiting delivery.", func() float64 {
		return float64(notifier.QueuedCount())
	})

	// Start everything
	auditLogger.Start(ctx)
	auditLogger.RunRetention(ctx, cfg.Engine.RetentionSweep)
	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatal("Failed to start dispatcher", zap.Error(err))
	}
	notifier.Start(ctx)
	escalator.Start(ctx)
	triggerScheduler.Start(ctx)
	if consumer != nil {
		consumer.Start(ctx)
	}

	// Deferred action chains resume through their own tick.
	go func() {
		ticker := time.NewTicker(cfg.Engine.DeferredActionTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dispatcher.ProcessDeferred(time.Now())
			}
		}
	}()

	// Setup HTTP server
	httpHandlers := handlers.NewServer(st, dispatcher, ruleEngine, handlers.StatusReporter{
		QueueDepth:       dispatcher.QueueDepth,
		DeferredChains:   dispatcher.DeferredCount,
		QueuedDeliveries: notifier.QueuedCount,
		AuditDropped:     auditLogger.Dropped,
	}, logger.Named("http"))

	router := httpHandlers.Router()
	router.Handle("/metrics", collector.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      collector.Middleware(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
	}

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("Failed to stop consumer", zap.Error(err))
		}
	}
	triggerScheduler.Stop()
	escalator.Stop()
	notifier.Stop()
	dispatcher.Stop()
	auditLogger.Stop()
	cancel()

	logger.Info("Service shutdown complete")
}

// notifierFunc adapts a function to the engine's Notifier so the action
// executor and the notification dispatcher can reference each other without
// a construction-order knot.
type notifierFunc func(ctx context.Context, n billing.Notification) error

func (f notifierFunc) Notify(ctx context.Context, n billing.Notification) error {
	return f(ctx, n)
}

// openStore connects Postgres, falling back to the in-memory store when no
// database host is configured.
func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.Database.Host == "" {
		logger.Warn("No database configured, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}

	pg, err := store.Connect(cfg.Database, logger.Named("store"))
	if err != nil {
		return nil, nil, err
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Error("Failed to close database connection", zap.Error(err))
		}
	}, nil
}

// defaultDocument is the disabled starting configuration for a fresh
// deployment.
func defaultDocument() *billing.ConfigDocument {
	return &billing.ConfigDocument{
		Config: billing.AutoBillingConfig{
			Enabled: false,
			PerformanceSettings: billing.PerformanceSettings{
				MaxConcurrentTriggers: 4,
				TriggerTimeoutSeconds: 30,
				QueueSettings: billing.QueueSettings{
					MaxQueueSize:    1000,
					DeadLetterQueue: true,
				},
			},
		},
		LastUpdated: time.Now(),
		Version:     0,
	}
}

// setupLogging configures structured logging.
func setupLogging(cfg *config.Config) *zap.Logger {
	var zapCfg zap.Config
	if cfg.Logging.Format == "console" || cfg.Environment == "development" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	if level, err := zap.ParseAtomicLevel(cfg.Logging.Level); err == nil {
		zapCfg.Level = level
	}
	if cfg.Debug {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Printf("Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
