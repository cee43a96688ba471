package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	httpadapter "github.com/opentill/opentill/internal/adapters/http"
	"github.com/opentill/opentill/internal/adapters/payment"
	"github.com/opentill/opentill/internal/adapters/postgres"
	"github.com/opentill/opentill/internal/adapters/rediscache"
	"github.com/opentill/opentill/internal/cache"
	"github.com/opentill/opentill/internal/config"
	"github.com/opentill/opentill/internal/core"
	"github.com/opentill/opentill/internal/events"
	"github.com/opentill/opentill/internal/middleware"
	"github.com/opentill/opentill/internal/service"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Payment status cache: Redis when configured, in-process map otherwise
	var statusCache core.PaymentStatusCache
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse Redis URL: %v", err)
		}
		if cfg.RedisPassword != "" {
			redisOpts.Password = cfg.RedisPassword
		}

		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Println("Redis connection established")

		statusCache = rediscache.New(rdb, cfg.PaymentStatusCacheTTL)
	} else {
		log.Println("REDIS_URL not set, using in-process payment status cache")
		statusCache = cache.NewMemory(cfg.PaymentStatusCacheTTL)
	}

	// Connect to PostgreSQL
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer dbpool.Close()

	// Ping PostgreSQL to verify connection
	if err := dbpool.Ping(ctx); err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	log.Println("PostgreSQL connection established")

	// Initialize repositories using GORM
	repo, err := postgres.NewRepository(cfg.DBURL)
	if err != nil {
		log.Fatalf("Failed to initialize postgres repository: %v", err)
	}

	// Initialize payment gateway client
	paymentClient := payment.NewClient(statusCache)

	// Event bus for real-time fan-out
	bus := events.NewBus()

	// Services
	dedup := service.NewDedupGuard(cfg.DedupFingerprintWindow)
	orderService := service.NewOrderService(
		repo.OrderRepository(),
		repo.TableRepository(),
		paymentClient,
		bus,
		dedup,
		cfg.DedupStructuralWindow,
	)
	webhookService := service.NewWebhookService(
		repo.OrderRepository(),
		statusCache,
		paymentClient,
		bus,
		cfg.MatchTimestampTolerance,
	)
	registerService := service.NewRegisterService(
		repo.SessionRepository(),
		repo.OrderRepository(),
		repo.TableRepository(),
		bus,
	)
	authService := service.NewAuthService(repo.CashierRepository(), cfg.JWTSecret)

	// Handlers
	handler := httpadapter.NewHandler(orderService, webhookService, authService, paymentClient)
	registerHandler := httpadapter.NewRegisterHandler(registerService)
	streamHandler := httpadapter.NewStreamHandler(bus)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "OpenTill API",
		ServerHeader: "Fiber",
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	authRequired := middleware.AuthMiddleware(authService)

	// Health check route
	app.Get("/health", handler.Health)

	// Auth
	app.Post("/api/auth/login", handler.Login)
	app.Post("/api/auth/logout", handler.Logout)

	// Orders
	app.Post("/api/orders", handler.CreateOrder)
	app.Get("/api/orders/code/:code", handler.GetOrderByCode)
	app.Get("/api/orders/:id", handler.GetOrder)
	app.Get("/api/orders/:id/payment-status", handler.GetPaymentStatus)
	app.Patch("/api/orders/:id/status", authRequired, handler.UpdateOrderStatus)

	// Payment webhook (authenticated by signature, not JWT)
	app.Post("/api/webhooks/payment", handler.PaymentWebhook)

	// Register sessions
	app.Post("/api/sessions/open", authRequired, registerHandler.OpenSession)
	app.Post("/api/sessions/:id/close", authRequired, registerHandler.CloseSession)
	app.Get("/api/sessions/:id", authRequired, registerHandler.GetSession)
	app.Get("/api/sessions/:id/orders", authRequired, registerHandler.GetSessionOrders)
	app.Get("/api/sessions/:id/report.pdf", authRequired, registerHandler.GetZReport)
	app.Post("/api/tables/sweep-stale", authRequired, registerHandler.SweepStaleTables)

	// Real-time streams
	app.Get("/api/stream/:topic", authRequired, streamHandler.Events)

	// Start server
	addr := fmt.Sprintf(":%s", cfg.AppPort)
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
