package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/prudhvinik1/edgeshadow/internal/api"
	"github.com/prudhvinik1/edgeshadow/internal/config"
	"github.com/prudhvinik1/edgeshadow/internal/database"
	"github.com/prudhvinik1/edgeshadow/internal/logger"
	"github.com/prudhvinik1/edgeshadow/internal/mqtt"
	"github.com/prudhvinik1/edgeshadow/internal/repositories"
	"github.com/prudhvinik1/edgeshadow/internal/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	sugar, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer sugar.Sync()

	if err := run(ctx, cfg); err != nil {
		sugar.Errorw("server stopped with error", "error", err)
		sugar.Sync()
		os.Exit(1)
	}
	sugar.Info("server stopped gracefully")
}

func run(ctx context.Context, cfg *config.ServerConfig) error {
	sugar := logger.FromContext(ctx)

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, sugar)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer postgresPool.Close()

	if err := database.Migrate(ctx, postgresPool); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, sugar)
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer redisClient.Close()

	accounts := repositories.NewPostgresAccountRepository(postgresPool)
	devices := repositories.NewPostgresDeviceRepository(postgresPool)
	shadows := repositories.NewPostgresShadowRepository(postgresPool)
	presence := repositories.NewRedisPresenceRepository(redisClient)
	sessions := repositories.NewRedisCredentialSessionRepository(redisClient, sugar)

	shadowService := services.NewShadowService(shadows, sugar)
	credentialService := services.NewCredentialService(accounts, devices, sessions, cfg.JWTSecret, cfg.JWTExpiry, sugar)

	// MQTT side of the authority
	client, err := mqtt.NewPahoClient(cfg.MQTT, mqtt.ClientOptions{}, sugar)
	if err != nil {
		return fmt.Errorf("failed to create mqtt client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer client.Disconnect()

	shadowService.SetNotifier(mqtt.NewNotifier(client, sugar))
	responder := mqtt.NewResponder(client, shadowService, presence, devices, sugar)
	if err := responder.Start(ctx); err != nil {
		return fmt.Errorf("failed to start shadow responder: %w", err)
	}
	defer responder.Stop()

	// Initialize HTTP Server
	handler := api.NewHandler(shadowService, credentialService, presence, sugar)
	handler.SetSuperusers(cfg.MQTT.Username)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// graceful shutdown
	go func() {
		<-ctx.Done()
		sugar.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	sugar.Infow("starting server", "port", cfg.ServerPort, "broker", cfg.MQTT.BrokerURL)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
