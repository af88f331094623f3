package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"studio-core/internal/di"
	"studio-core/internal/shared/logger"
	"studio-core/internal/shared/tracing"
	"studio-core/internal/studio/config"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	fmt.Println("🚀 Studio Core - Starting Application...")

	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := logger.NewLoggerWithConfig(cfg.LogLevel, cfg.LogFormat)
	appLogger.Info("Application configuration loaded successfully",
		zap.String("environment", cfg.Environment))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, "studio-core", cfg.OTelEndpoint)
	if err != nil {
		appLogger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			appLogger.Error("Failed to flush traces", zap.Error(err))
		}
	}()

	container := di.NewContainer(appLogger)
	defer func() {
		if err := container.Close(); err != nil {
			appLogger.Error("Failed to close container", zap.Error(err))
		}
	}()

	if err := container.InitializeStudio(ctx, cfg); err != nil {
		appLogger.Fatalf("Failed to initialize studio module: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:      "Studio Core API v1.0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if fe, ok := err.(*fiber.Error); ok {
				code = fe.Code
			}
			if code >= fiber.StatusInternalServerError {
				appLogger.Error("HTTP error", zap.String("path", c.Path()), zap.Error(err))
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	container.GetStudioModule().RegisterRoutes(app)

	serverAddr := cfg.Server.Addr()
	appLogger.Info("🌟 Studio module initialized. Starting HTTP server", zap.String("addr", serverAddr))

	serverShutdown := make(chan error, 1)
	go func() {
		serverShutdown <- app.Listen(serverAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverShutdown:
		if err != nil {
			appLogger.Error("Server failed", zap.Error(err))
		}
	case sig := <-quit:
		appLogger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		fmt.Println("🛑 Shutting down server gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown", zap.Error(err))
		}
		appLogger.Info("HTTP server stopped")
	}

	fmt.Println("✅ Application stopped gracefully.")
}
