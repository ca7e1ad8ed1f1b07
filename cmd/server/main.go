package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ksred/dex-execution-engine/internal/config"
	"github.com/ksred/dex-execution-engine/internal/database"
	"github.com/ksred/dex-execution-engine/internal/dex"
	"github.com/ksred/dex-execution-engine/internal/orders"
	"github.com/ksred/dex-execution-engine/internal/queue"
	"github.com/ksred/dex-execution-engine/internal/stream"
	"github.com/ksred/dex-execution-engine/internal/worker"
	"github.com/ksred/dex-execution-engine/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the execution engine: store, queue, router, registry, worker
// pool, and the HTTP/WebSocket surface, with graceful shutdown support.
func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Logging.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    10, // Megabytes
			MaxBackups: 3,
			MaxAge:     28, // Days
			Compress:   true,
		}
		zlog.Logger = zerolog.New(io.MultiWriter(os.Stdout, fileWriter)).With().Timestamp().Logger()
	}

	// Initialize database
	db, err := database.NewDatabase(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Select the queue backend: Redis when configured, embedded otherwise
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer startupCancel()

	var backend queue.Backend
	if addr := cfg.RedisAddr(); addr != "" {
		backend, err = queue.NewRedisBackend(startupCtx, addr)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to connect to queue backend")
		}
		zlog.Info().Str("addr", addr).Msg("Using Redis queue backend")
	} else {
		backend = queue.NewMemoryBackend()
		zlog.Info().Msg("Using embedded queue backend")
	}

	jobQueue := queue.New(backend, queue.Options{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BaseDelay:     time.Duration(cfg.Queue.BaseDelayMS) * time.Millisecond,
		MaxThroughput: cfg.Queue.MaxThroughput,
	})

	// Initialize services and handlers
	registry := stream.NewRegistry()
	router := dex.NewRouter(dex.DefaultConfig())

	orderService := orders.NewService(db, jobQueue)
	orderHandlers := orders.NewGinHandlers(orderService, registry)
	streamHandler := stream.NewHandler(registry, orderService.DB())

	// Create and start the worker pool
	pool := worker.NewPool(worker.Options{
		Queue:       jobQueue,
		Store:       orderService.DB(),
		Router:      router,
		Registry:    registry,
		Concurrency: cfg.Queue.Concurrency,
	})

	poolCtx, poolCancel := context.WithCancel(context.Background())
	defer poolCancel()
	pool.Start(poolCtx)

	// Initialize router
	engine := gin.Default()
	engine.Use(middleware.RateLimit())
	setupRoutes(engine, orderHandlers, streamHandler)

	// Create server
	srv := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: engine,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()
	zlog.Info().Str("addr", srv.Addr).Msg("Execution engine listening")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop accepting new submissions first
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop reserving jobs and let in-flight workers finish; their terminal
	// publications close the remaining sockets
	poolCancel()
	pool.Wait()

	if err := jobQueue.Close(); err != nil {
		zlog.Error().Err(err).Msg("Failed to close queue backend")
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers:
// - POST /api/orders/execute: order intake
// - GET /api/orders/:order_id: stored order lookup
// - GET /api/orders/:order_id/stream: websocket lifecycle stream
// - GET /api/health: liveness and stream connection count
func setupRoutes(
	engine *gin.Engine,
	orderHandlers *orders.GinHandlers,
	streamHandler *stream.Handler,
) {
	api := engine.Group("/api")
	{
		api.GET("/health", orderHandlers.HealthHandler())

		ordersGroup := api.Group("/orders")
		{
			ordersGroup.POST("/execute", orderHandlers.ExecuteOrderHandler())
			ordersGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			ordersGroup.GET("/:order_id/stream", streamHandler.StreamHandler())
		}
	}
}
