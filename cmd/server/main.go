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
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tccmarket/api/internal/bootstrap"
	"github.com/tccmarket/api/internal/client"
	"github.com/tccmarket/api/internal/config"
	"github.com/tccmarket/api/internal/handler"
	"github.com/tccmarket/api/internal/middleware"
	"github.com/tccmarket/api/internal/notify"
	"github.com/tccmarket/api/internal/service"
	ws "github.com/tccmarket/api/internal/websocket"
	"github.com/tccmarket/api/internal/worker"
	"github.com/tccmarket/api/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	redisOK := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available, running jobs in-process: %v", err)
		redisOK = false
	}

	// Catalog and object storage
	cat, closeCatalog, err := bootstrap.BuildCatalog(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize catalog: %v", err)
	}
	defer closeCatalog()

	storage := bootstrap.BuildStorage(cfg.Storage)

	tryOnClient := client.NewTryOnClient(&cfg.TryOn)
	if !tryOnClient.IsConfigured() {
		log.Println("Warning: TRYON_API_KEY not configured, remote calls will fail")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipeline := bootstrap.BuildPipeline(cfg, tryOnClient, storage, cat.Store, bootstrap.BuildObserver(registry))

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	var notifier *notify.Notifier
	if redisOK {
		notifier = notify.NewNotifier(cat.Directory, notify.NewRedisPublisher(redisClient))
	}

	// Jobs run on asynq when redis is reachable, otherwise in-process
	var (
		tryOnService *service.TryOnService
		tryOnWorker  *worker.TryOnWorker
		asynqServer  *asynq.Server
	)
	if redisOK {
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		asynqClient := asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		inspector := asynq.NewInspector(redisOpt)
		defer inspector.Close()

		tryOnService = service.NewTryOnService(service.NewRedisJobStore(redisClient), asynqClient, inspector)
		tryOnWorker = worker.NewTryOnWorker(tryOnService, pipeline, hub, notifier)
		asynqServer = newWorkerServer(cfg, redisOpt)

		mux := asynq.NewServeMux()
		mux.HandleFunc(service.TaskTypeTryOn, tryOnWorker.ProcessTask)
		go func() {
			if err := asynqServer.Run(mux); err != nil {
				log.Printf("Asynq worker error: %v", err)
			}
		}()
	} else {
		queue := service.NewLocalQueue(asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
			return tryOnWorker.ProcessTask(ctx, t)
		}))
		tryOnService = service.NewTryOnService(service.NewMemoryJobStore(), queue, queue)
		tryOnWorker = worker.NewTryOnWorker(tryOnService, pipeline, hub, notifier)
	}

	validate := validator.New()
	tryOnHandler := handler.NewTryOnHandler(tryOnService, pipeline, validate, cfg.TryOn.MaxUploadBytes)

	// Identity comes from the gateway; direct mode accepts anonymous callers
	var identity fiber.Handler
	if cfg.Gateway.Enabled {
		log.Println("Info: Gateway mode enabled, using header-based identity")
		identity = middleware.GatewayAuthMiddleware()
	} else {
		identity = middleware.OptionalIdentityMiddleware()
	}
	var limiterClient *redis.Client
	if redisOK {
		limiterClient = redisClient
	}
	rateLimiter := middleware.NewRateLimiter(limiterClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    int(cfg.TryOn.MaxUploadBytes) + 1024*1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
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
				"tryon":    tryOnClient.IsConfigured(),
				"redis":    redisOK,
				"postgres": cat.Postgres != nil,
				"storage":  !isMemoryStorage(storage),
			},
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// API routes
	api := app.Group("/api", identity)
	handler.RegisterTryOnRoutes(api, tryOnHandler, rateLimiter.TryOnLimit(cfg.RateLimit.TryOnPerHour))

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

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if asynqServer != nil {
			asynqServer.Shutdown()
		}
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			service.QueueTryOn: 1,
		},
		LogLevel: asynqLogLevel,
	})
}

func isMemoryStorage(s client.ObjectStorage) bool {
	_, ok := s.(*client.MemoryStorage)
	return ok
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
