package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"chat-realtime/internal/cache"
	"chat-realtime/internal/config"
	"chat-realtime/internal/db"
	"chat-realtime/internal/handlers"
	"chat-realtime/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Run wires the engine together and blocks until shutdown.
func Run() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Message store (system of record)
	pool, err := db.Connect(ctx, cfg.PostgresDSN())
	if err != nil {
		log.Error("database connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("connected to postgres")

	// Shared cache/broker - the only cross-instance coordination point
	redisClient := cache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("redis connect failed", "err", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	log.Info("connected to redis", "addr", cfg.RedisAddr)

	// Components
	store := services.NewPostgresStore(pool)
	verifier := services.NewIdentityVerifier(cfg.JWTSecret, cfg.IdentityCacheTTL)
	membershipCache := cache.New(redisClient, "cache:", cfg.MembershipTTL)
	msgCache := cache.New(redisClient, "cache:", cfg.MessageCacheTTL)
	membership := services.NewMembershipAuthority(store, membershipCache, cfg.MembershipTTL, log)
	presence := services.NewPresenceStore(redisClient, cfg.PresenceTTL, log)
	typing := services.NewTypingManager(redisClient, cfg.TypingTimeout, log)
	delivery := services.NewDeliveryTracker(redisClient, store, msgCache, cfg.ReceiptTTL, log)
	limiter := services.NewRateLimiter(redisClient, log)
	fanout := services.NewFanout(redisClient, cfg.RedisDB, cfg.InstanceID, log)
	notifier := services.NewNotifier(cfg.NotifyWebhookURL, log)

	registry := handlers.NewRegistry(log)
	gateway := handlers.NewGateway(cfg, registry, store, membership, presence, typing,
		delivery, limiter, fanout, notifier, msgCache, log)

	// Every instance subscribes once at startup and re-emits to its own
	// locally-attached connections.
	fanout.OnRoomEvent(gateway.HandleRoomEvent)
	fanout.OnServiceEvent(gateway.HandleServiceEvent)
	fanout.OnPresenceExpired(gateway.HandlePresenceExpired)
	fanout.OnTypingExpired(gateway.HandleTypingExpired)
	if err := fanout.Start(ctx); err != nil {
		log.Error("fanout start failed", "err", err)
		os.Exit(1)
	}
	defer fanout.Close()
	defer typing.Close()

	// Fiber App
	app := fiber.New()

	// Middleware
	app.Use(logger.New())
	app.Use(recover.New())
	app.Use(cors.New())

	// Health Check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "instance": cfg.InstanceID})
	})

	// WebSocket Route
	// Note: Middleware order matters. WSUpgradeMiddleware checks if it's a
	// WS request; AuthMiddleware rejects before any connection state exists.
	app.Use("/ws", handlers.WSUpgradeMiddleware)
	app.Use("/ws", handlers.AuthMiddleware(verifier))
	app.Get("/ws", handlers.WebSocketHandler(gateway))

	// Start Server
	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error("server stopped", "err", err)
			os.Exit(1)
		}
	}()
	log.Info("listening", "port", cfg.Port, "instance", cfg.InstanceID)

	// Graceful Shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c // Block until signal
	log.Info("gracefully shutting down")
	_ = app.Shutdown()
	log.Info("server shutdown complete")
}
