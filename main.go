package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sequenceflow/config"
	controller "sequenceflow/controllers"
	"sequenceflow/metrics"
	"sequenceflow/middleware"
	"sequenceflow/routes"
	"sequenceflow/sequence"
	"sequenceflow/utils"
	"sequenceflow/worker"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	logger := utils.NewLogger(cfg.Environment)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.WithError(err).Warn("Sentry initialization failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := config.ConnectRedis(); err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry, "sequenceflow")

	sender, err := utils.NewSender(utils.SenderOptions{
		Provider:       cfg.EmailProvider,
		SMTPHost:       cfg.SMTPHost,
		SMTPPort:       cfg.SMTPPort,
		SMTPUsername:   cfg.SMTPUsername,
		SMTPPassword:   cfg.SMTPPassword,
		SendGridAPIKey: cfg.SendGridAPIKey,
		BrevoAPIKey:    cfg.BrevoAPIKey,
		BrevoBaseURL:   cfg.BrevoBaseURL,
	})
	if err != nil {
		logger.Fatalf("Failed to create email sender: %v", err)
	}

	hub := controller.NewActivityHub(logger)

	scheduler := sequence.NewScheduler(logger)
	engine := sequence.NewEnrollmentEngine(config.DB, scheduler, m, logger)
	engine.Notifier = hub
	autoEnroller := sequence.NewAutoEnroller(config.DB, engine, m, logger, cfg.SweepBatchSize)

	var deduper utils.EventDeduper
	if config.Redis != nil {
		deduper = utils.NewRedisEventDeduper(config.Redis, cfg.EventDedupTTL)
	}
	reactor := sequence.NewReactor(config.DB, deduper, m, logger)
	reactor.Notifier = hub
	reactor.ReplyFallback = sequence.ReplyFallback(cfg.ReplyFallback)

	renderer := sequence.Renderer{Client: sequence.ClientProfile{
		CompanyName: cfg.Client.CompanyName,
		ContactName: cfg.Client.ContactName,
		SenderName:  cfg.FromName,
		SenderEmail: cfg.FromEmail,
		Phone:       cfg.Client.Phone,
		Website:     cfg.Client.Website,
	}}
	dispatchWorker := worker.NewDispatchWorker(config.DB, sender, scheduler, renderer, m, logger, worker.DispatchConfig{
		Interval:        cfg.DispatchInterval,
		BatchSize:       cfg.DispatchBatchSize,
		StaleClaimAfter: cfg.StaleClaimAfter,
		MessageIDDomain: cfg.MessageIDDomain,
		FromEmail:       cfg.FromEmail,
		FromName:        cfg.FromName,
	})
	dispatchWorker.Notifier = hub

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatchWorker.Start(ctx)

	cronManager := worker.NewCronManager(config.DB, autoEnroller, cfg.SweepSchedule, logger)
	if err := cronManager.SetupJobs(); err != nil {
		logger.Fatalf("Failed to set up cron jobs: %v", err)
	}
	cronManager.Start()
	defer cronManager.Stop()

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.AllowedOrigins)))

	routes.SetupRoutes(app, routes.Dependencies{
		DB:                     config.DB,
		Redis:                  config.Redis,
		Engine:                 engine,
		AutoEnroller:           autoEnroller,
		Reactor:                reactor,
		Hub:                    hub,
		Gatherer:               registry,
		Logger:                 logger,
		WebhookSecret:          cfg.WebhookSecret,
		WebhookSignatureHeader: cfg.WebhookSignatureHeader,
		WebhookRateLimit:       cfg.WebhookRateLimit,
	})

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":         "running",
			"version":        "1.0.0",
			"provider":       sender.Name(),
			"ws_subscribers": hub.ClientCount(),
		})
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("Shutting down...")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()

	// Start server
	logger.Infof("🚀 Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
