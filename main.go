package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"tournament-escrow/config"
	"tournament-escrow/handlers"
	"tournament-escrow/middleware"
	"tournament-escrow/safety"
	"tournament-escrow/services"
	"tournament-escrow/utils"
	"tournament-escrow/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("❌ config: ", err)
	}

	schedule, err := config.LoadSchedule(cfg.SchedulePath)
	if err != nil {
		log.Fatal("❌ schedule: ", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}
	gormStore := services.NewGormStore(db)
	if err := gormStore.AutoMigrate(); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := services.NewMetrics(prometheus.DefaultRegisterer)
	registry := safety.NewRegistry(
		safety.WithBreakerDefaults(safety.BreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			ResetTimeout:     cfg.BreakerResetTimeout,
		}),
		safety.WithRateLimit(safety.DepSettlement, cfg.SettlementPerMinute),
		safety.WithStateChangeHook(metrics.BreakerHook),
	)
	store := services.NewGuardedStore(gormStore, registry)

	gateway, err := services.NewSettlementGateway(services.GatewayConfig{
		BaseURL:           cfg.SettlementGatewayURL,
		ServiceToken:      cfg.SettlementToken,
		ConfirmTimeout:    cfg.SettlementConfirmWait,
		RequestsPerSecond: cfg.SettlementRPS,
	})
	if err != nil {
		log.Printf("⚠️  Settlement gateway unavailable, escrow calls will fail until restart: %v", err)
	}
	escrow := services.NewEscrowClient(gateway, registry, services.EscrowConfig{
		ProgramID:   cfg.ProgramID,
		CallTimeout: cfg.SettlementCallTimeout,
	}, metrics)

	events, err := services.NewEventPublisher(services.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
	})
	if err != nil {
		log.Fatal("failed to configure event publisher:", err)
	}
	defer events.Close()

	deps := services.ControllerDeps{
		Store:   store,
		Escrow:  escrow,
		Scoring: services.NewScoringClient(cfg.ScoringURL, cfg.ScoringToken),
		Refunds: services.NewRefundProcessor(store, escrow, metrics, cfg.RefundMaxAttempts),
		Events:  events,
		Metrics: metrics,
	}
	if cfg.R2Enabled() {
		archiver, err := utils.NewR2Archiver(ctx, utils.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			Bucket:          cfg.R2Bucket,
			Prefix:          "settlements/",
		})
		if err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
		deps.Archiver = archiver
	} else {
		log.Println("⚠️  R2 not configured, settlement reports will not be archived")
	}
	controller := services.NewController(deps)

	trigger := workers.NewDeploymentTrigger(schedule, store, controller, registry, nil)
	if err := trigger.Start(ctx, cfg.DeployInterval); err != nil {
		log.Fatal("failed to start deployment trigger:", err)
	}
	sweeper := workers.NewLifecycleWorker(store, controller, cfg.SweepConcurrency, nil)
	if err := sweeper.Start(ctx, cfg.LifecycleSweepInterval); err != nil {
		log.Fatal("failed to start lifecycle worker:", err)
	}

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})

	origins := strings.Split(cfg.AllowedOrigins, ",")
	for i, origin := range origins {
		origins[i] = strings.TrimSpace(origin)
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(origins, ","),
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-User-ID, X-User-Roles",
		MaxAge:       86400,
	}))

	handlers.SetupHealthRoutes(app, registry, prometheus.DefaultGatherer)

	// 🔐 Everything else must come through the gateway.
	api := app.Group("/", middleware.GatewayAuthMiddleware(cfg.ServiceToken), middleware.OperatorContextMiddleware())
	handlers.SetupOpsRoutes(api, registry, trigger)
	handlers.SetupTournamentRoutes(api, &handlers.TournamentHandler{Lifecycle: controller, Reader: store})

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", cfg.Port)
	log.Printf("✅ Deployment trigger running (every %s, %d variants)", cfg.DeployInterval, len(schedule.Variants))
	log.Printf("✅ Lifecycle sweep running (every %s)", cfg.LifecycleSweepInterval)
	log.Printf("✅ CORS configured for origins: %s", strings.Join(origins, ","))

	<-ctx.Done()
	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown: %v", err)
	}
}
