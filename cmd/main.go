package main

import (
	"leadsync-service/internal/auditlog"
	"leadsync-service/internal/auth"
	"leadsync-service/internal/handler"
	"leadsync-service/internal/middleware"
	"leadsync-service/internal/profile"
	"leadsync-service/internal/provider"
	"leadsync-service/internal/publish"
	"leadsync-service/internal/reconcile"
	"leadsync-service/internal/repository"
	"leadsync-service/pkg/config"
	"leadsync-service/pkg/database"
	"leadsync-service/pkg/logger"
	"leadsync-service/pkg/valkey"
	"leadsync-service/prometheus"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func main() {
	// Load configuration from .env file and environment variables
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger with config
	logger.InitLogger(cfg)
	log := logger.GetLogger()
	log.Info("Starting LeadSync webhook service...", zap.String("environment", cfg.Server.Env))

	// Initialize database (now includes migrations automatically)
	if err := database.InitDB(cfg, log); err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	log.Info("Database connection established and migrations completed")

	// Initialize Prometheus metrics
	prometheus.InitMetrics(cfg)
	log.Info("Prometheus metrics initialized")

	db := database.GetDB()

	// Realtime broadcasting is optional: without a Valkey address the
	// pipeline runs with broadcasts disabled.
	var publisher publish.Publisher = publish.NopPublisher{}
	if cfg.Valkey.Address != "" {
		client, err := valkey.NewClient(valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
		})
		if err != nil {
			log.Fatal("Failed to connect to valkey", zap.Error(err))
		}
		defer client.Close()
		publisher = publish.NewValkeyPublisher(client, log)
		log.Info("Valkey connection established", zap.String("address", cfg.Valkey.Address))
	} else {
		log.Warn("No Valkey address configured, realtime broadcasts disabled")
	}

	// Wire the pipeline
	audit := auditlog.NewDBRecorder(db, log)
	leadRepo := repository.NewLeadRepository(db)
	stageRepo := repository.NewStageRepository(db)
	channelRepo := repository.NewChannelRepository(db)
	tenantRepo := repository.NewTenantRepository(db)

	authenticator := auth.NewAuthenticator(channelRepo, audit, log)
	engine := reconcile.NewEngine(leadRepo, stageRepo, publisher, audit, log)

	var resolver profile.Resolver = profile.NopResolver{}
	if cfg.Pipeline.ProfileAPIURL != "" {
		resolver = profile.NewHTTPResolver(cfg.Pipeline.ProfileAPIURL, cfg.Pipeline.ProviderTimeout, log)
		log.Info("Contact profile enrichment enabled", zap.String("url", cfg.Pipeline.ProfileAPIURL))
	}

	webhook := handler.NewWebhookHandler(
		provider.NewRegistry(),
		authenticator,
		engine,
		tenantRepo,
		resolver,
		audit,
		cfg.Pipeline.DefaultCountryCode,
	)

	// Initialize Echo framework
	e := echo.New()

	// Apply global middleware - order matters
	e.Use(echomiddleware.Recover()) // Add recovery middleware
	e.Use(echomiddleware.CORS())    // Add CORS middleware
	e.Use(middleware.RequestIDMiddleware)
	e.Use(logger.Middleware(log))
	e.Use(prometheus.MetricsMiddleware())

	// Public routes - no authentication required
	e.GET("/", handler.Hello)
	e.GET("/health", handler.HealthCheck)
	e.GET("/metrics", prometheus.HandlerFunc())

	// Provider webhook ingestion; authentication happens per delivery
	// inside the handler because each provider transports its secret
	// differently.
	e.POST("/webhook/:provider", webhook.Handle)

	// Start server
	port := cfg.Server.Port
	log.Info("Starting server", zap.String("port", port))
	if err := e.Start(":" + port); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}
}
