package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/clipforge/api/internal/auth"
	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/clock"
	"github.com/clipforge/api/internal/config"
	"github.com/clipforge/api/internal/handler"
	"github.com/clipforge/api/internal/middleware"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/queue"
	"github.com/clipforge/api/internal/quota"
	"github.com/clipforge/api/internal/service"
	"github.com/clipforge/api/internal/shutdown"
	"github.com/clipforge/api/internal/store"
	"github.com/clipforge/api/internal/worker"
	ws "github.com/clipforge/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	clk := clock.New()
	coord := shutdown.NewCoordinator(cfg.Shutdown.HandlerTimeout)
	limiter := queue.NewLogLimiter(30*time.Second, clk)

	// Initialize queue registry and pipeline queues
	registry := queue.NewRegistry(asynqClient, limiter)
	queues, err := worker.Queues(registry)
	if err != nil {
		log.Fatalf("Failed to create queues: %v", err)
	}
	if err := coord.Register("queue-registry", func(ctx context.Context) error {
		return registry.Close()
	}); err != nil {
		log.Fatalf("Failed to register queue registry shutdown: %v", err)
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize store and quota gate
	recordStore := store.NewRedisStore(redisClient)
	quotaGate := quota.NewRedisGate(redisClient, quota.Limits{
		model.QuotaCaptionProjects:      cfg.Quota.CaptionProjects,
		model.QuotaCaptionRenderMinutes: cfg.Quota.CaptionRenderMinutes,
		model.QuotaRenderMinutes:        cfg.Quota.RenderMinutes,
	})

	// Initialize external clients
	renderClient := client.NewRenderAPIClient(&cfg.RenderAPI)
	speechClient := client.NewSpeechClient(&cfg.Speech)
	probeClient := client.NewProbeClient(&cfg.Probe)

	// Initialize R2 client (optional - continues if not configured)
	var r2Client *client.R2Client
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		var err error
		r2Client, err = client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		}
	} else {
		log.Println("Info: R2 storage not configured, thumbnails disabled")
	}

	// Initialize Zitadel JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.Zitadel.Issuer != "" {
		var err error
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.Zitadel)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Initialize services
	renderService := service.NewRenderService(recordStore, quotaGate, registry, clk)
	captionService := service.NewCaptionService(recordStore, quotaGate, registry, clk)
	fileService := service.NewFileService(recordStore, registry, clk)
	webhookService := service.NewWebhookService(recordStore, clk)

	// Initialize handlers
	renderHandler := handler.NewRenderHandler(renderService, validate)
	captionHandler := handler.NewCaptionHandler(captionService, validate)
	fileHandler := handler.NewFileHandler(fileService, validate)
	webhookHandler := handler.NewWebhookHandler(webhookService, validate)

	// Initialize auth handler for ForwardAuth verification
	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret)

	// Initialize middleware (with fallback support)
	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: Gateway mode enabled — using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		// Direct mode: auth is handled by the backend itself
		var authMiddleware *middleware.AuthMiddleware
		if jwksVerifier != nil && cfg.JWT.Secret != "" {
			authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
		} else if jwksVerifier != nil {
			authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
		} else {
			authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
		}
		apiAuthMiddleware = authMiddleware.Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Start the worker fleet before accepting requests so queued jobs from
	// a previous run resume immediately
	runtime := queue.NewRuntime(redisOpt, limiter, coord)
	if err := startWorkers(runtime, queues, cfg, recordStore, quotaGate, registry, renderClient, speechClient, probeClient, r2Client, hub, clk); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"render": renderClient.IsConfigured(),
				"speech": speechClient.IsConfigured(),
				"probe":  probeClient.IsConfigured(),
				"r2":     r2Client != nil,
				"auth":   jwksVerifier != nil || cfg.JWT.Secret != "",
			},
			"queues": registry.List(),
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	// Render routes
	renders := api.Group("/renders")
	renders.Post("/", rateLimiter.RenderLimit(cfg.RateLimit.RenderPerHour), renderHandler.Start)
	renders.Get("/:id", renderHandler.Status)
	renders.Post("/:id/cancel", renderHandler.Cancel)

	// Caption routes
	captions := api.Group("/captions")
	captions.Post("/", rateLimiter.CaptionLimit(cfg.RateLimit.CaptionPerHour), captionHandler.Create)
	captions.Get("/:id", captionHandler.Status)
	captions.Post("/:id/cancel", captionHandler.Cancel)

	// File routes
	files := api.Group("/files")
	files.Post("/", rateLimiter.FileLimit(cfg.RateLimit.FilePerHour), fileHandler.Register)
	files.Get("/:id", fileHandler.Get)

	// Webhook routes
	webhooks := api.Group("/webhooks")
	webhooks.Post("/", webhookHandler.Register)
	webhooks.Get("/:id", webhookHandler.Get)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Graceful shutdown: fiber first, then workers and the registry in
	// reverse registration order
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		coord.Shutdown()
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	<-coord.Done()
}

func startWorkers(
	runtime *queue.Runtime,
	queues map[string]*queue.Queue,
	cfg *config.Config,
	recordStore store.Store,
	quotaGate quota.Gate,
	registry *queue.Registry,
	renderClient client.RenderProvider,
	speechClient client.Transcriber,
	probeClient client.MediaProber,
	r2Client *client.R2Client,
	hub *ws.Hub,
	clk clock.Clock,
) error {
	var storage client.StorageClient
	if r2Client != nil {
		storage = r2Client
	}

	renderWorker := worker.NewRenderWorker(recordStore, renderClient, probeClient, storage, quotaGate, registry, hub, clk, cfg.Pipeline)
	captionWorker := worker.NewCaptionWorker(recordStore, quotaGate, registry, hub, clk, cfg.Pipeline)
	transcribeWorker := worker.NewTranscribeWorker(recordStore, speechClient, clk)
	webhookWorker := worker.NewWebhookWorker(recordStore, clk, cfg.Webhook)
	fileWorker := worker.NewFileWorker(recordStore, probeClient, registry, clk)

	specs := []struct {
		name        string
		queue       *queue.Queue
		concurrency int
		handlers    map[string]asynq.HandlerFunc
	}{
		{"render", queues[worker.QueueRender], cfg.Workers.Render, map[string]asynq.HandlerFunc{
			worker.TaskTypeRender: renderWorker.ProcessTask,
		}},
		{"caption", queues[worker.QueueCaption], cfg.Workers.Caption, map[string]asynq.HandlerFunc{
			worker.TaskTypeCaption: captionWorker.ProcessTask,
		}},
		{"transcribe", queues[worker.QueueTranscribe], cfg.Workers.Transcribe, map[string]asynq.HandlerFunc{
			worker.TaskTypeTranscribe: transcribeWorker.ProcessTask,
		}},
		{"webhook", queues[worker.QueueWebhook], cfg.Workers.Webhook, map[string]asynq.HandlerFunc{
			worker.TaskTypeWebhook: webhookWorker.ProcessTask,
		}},
		{"file", queues[worker.QueueFile], cfg.Workers.File, map[string]asynq.HandlerFunc{
			worker.TaskTypeProbe:  fileWorker.ProcessProbe,
			worker.TaskTypeImport: fileWorker.ProcessImport,
		}},
	}

	for _, spec := range specs {
		w, err := runtime.NewWorker(spec.name, spec.queue, spec.concurrency, spec.handlers)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}
		log.Printf("Worker %s started (concurrency %d)", spec.name, spec.concurrency)
	}
	return nil
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
