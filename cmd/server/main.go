package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mentora/internal/config"
	"mentora/internal/database"
	"mentora/internal/document"
	"mentora/internal/handlers"
	"mentora/internal/jobs"
	"mentora/internal/logging"
	"mentora/internal/middleware"
	"mentora/internal/services"
	"mentora/pkg/auth"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Mentora Server...")

	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️ No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, DB: %s)", cfg.Port, cfg.DatabasePath)

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	// Local JWT auth. Without a secret the auth middleware falls back to a
	// dev bypass, which is fatal in production.
	var jwtAuth *auth.LocalJWTAuth
	if cfg.JWTSecret != "" {
		jwtAuth, err = auth.NewLocalJWTAuth(cfg.JWTSecret, cfg.AccessTokenExpiry, cfg.RefreshTokenExpiry)
		if err != nil {
			log.Fatalf("❌ Failed to initialize JWT auth: %v", err)
		}
		log.Println("✅ Local JWT auth initialized")
	} else {
		log.Println("⚠️ JWT_SECRET not set - auth runs in development bypass mode")
	}

	// Core services
	userService := services.NewUserService(db)
	contextStore := services.NewContextStore(db, cfg.ContextDefaultTTLDays, cfg.ContextPersistentKeys)
	conversationLog := services.NewConversationLog(db)
	resourceService := services.NewResourceService(db)

	specializations, err := services.NewSpecializationService(cfg.SpecializationsFile)
	if err != nil {
		log.Fatalf("❌ Failed to load specializations: %v", err)
	}

	generation := services.NewGenerationService(cfg.GenerationBaseURL, cfg.GenerationAPIKey,
		cfg.GenerationModel, cfg.TitleModel, cfg.GenerationTimeout)
	roomService := services.NewRoomService(db, generation, specializations)
	extraction := services.NewExtractionService(generation, conversationLog, cfg.ExtractionModel)

	documentService, err := document.NewService(cfg.GeneratedDir, resourceService, generation)
	if err != nil {
		log.Fatalf("❌ Failed to initialize document service: %v", err)
	}

	// Fan-out
	connManager := services.NewConnectionManager()
	broadcaster := services.NewBroadcaster()
	metrics := services.InitMetrics(connManager)

	// Cross-instance relay and chat rate counters when Redis is configured
	var relay *services.BroadcastRelay
	var redisService *services.RedisService
	if cfg.RedisURL != "" {
		log.Println("🔗 Connecting to Redis...")
		var err error
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️ Failed to connect to Redis: %v (cross-instance relay disabled)", err)
			redisService = nil
		} else {
			relay = services.NewBroadcastRelay(redisService, broadcaster, uuid.NewString())
			if err := relay.Start(); err != nil {
				log.Printf("⚠️ Failed to start broadcast relay: %v", err)
				relay = nil
			} else {
				log.Println("✅ Redis broadcast relay started")
			}
		}
	}

	orchestrator := services.NewStreamOrchestrator(conversationLog, contextStore, userService,
		roomService, specializations, generation, extraction, documentService, broadcaster,
		metrics, cfg.ContextPersistentKeys)

	// Background jobs: context decay + artifact cleanup
	scheduler := jobs.NewScheduler(contextStore, documentService, metrics)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("❌ Failed to start job scheduler: %v", err)
	}

	// HTTP surface
	app := fiber.New(fiber.Config{
		AppName:      "Mentora v1.0",
		ReadTimeout:  300 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  300 * time.Second,
		BodyLimit:    (cfg.MaxUploadMB + 1) * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("mentora")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️ ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowedOrigins != "*",
	}))

	// Handlers
	healthHandler := handlers.NewHealthHandler(connManager)
	authHandler := handlers.NewLocalAuthHandler(jwtAuth, userService)
	roomHandler := handlers.NewRoomHandler(roomService, conversationLog)
	contextHandler := handlers.NewContextHandler(contextStore, userService)
	uploadHandler := handlers.NewUploadHandler(cfg.UploadDir, resourceService, roomService, generation)
	downloadHandler := handlers.NewDownloadHandler(documentService)
	wsHandler := handlers.NewWebSocketHandler(connManager, broadcaster, orchestrator, roomService, metrics, redisService)

	authRequired := middleware.LocalAuthMiddleware(jwtAuth)

	// Routes
	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api")
	api.Post("/auth/register", authHandler.Register)
	api.Post("/auth/login", authHandler.Login)
	api.Post("/auth/refresh", authHandler.Refresh)
	api.Get("/auth/me", authRequired, authHandler.Me)

	api.Post("/rooms", authRequired, roomHandler.Create)
	api.Get("/rooms", authRequired, roomHandler.List)
	api.Get("/rooms/:id", authRequired, roomHandler.Get)
	api.Put("/rooms/:id", authRequired, roomHandler.Rename)
	api.Get("/rooms/:id/turns", authRequired, roomHandler.ListTurns)

	api.Get("/context", authRequired, contextHandler.ListFacts)
	api.Delete("/context", authRequired, contextHandler.ClearFacts)
	api.Delete("/context/:key", authRequired, contextHandler.DeleteFact)
	api.Put("/context/settings", authRequired, contextHandler.SetMemorySetting)

	uploadLimiter := limiter.New(limiter.Config{
		Max:        20,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID, ok := c.Locals("user_id").(string); ok && userID != "" {
				return userID
			}
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many uploads, try again later",
			})
		},
	})
	api.Post("/upload", authRequired, uploadLimiter, uploadHandler.Upload)
	api.Get("/download/:id", authRequired, downloadHandler.Download)

	// WebSocket route (requires auth; token accepted via ?token= query)
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/rooms/:roomId", authRequired, websocket.New(wsHandler.Handle, websocket.Config{
		Origins: strings.Split(allowedOrigins, ","),
	}))

	log.Printf("🌐 Server listening on port %s", cfg.Port)
	log.Printf("💬 Chat endpoint: ws://localhost:%s/ws/rooms/:roomId", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		scheduler.Stop()

		if relay != nil {
			relay.Stop()
		}

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
