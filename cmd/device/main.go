package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prudhvinik1/edgeshadow/internal/config"
	"github.com/prudhvinik1/edgeshadow/internal/credentials"
	"github.com/prudhvinik1/edgeshadow/internal/logger"
	"github.com/prudhvinik1/edgeshadow/internal/mqtt"
	"github.com/prudhvinik1/edgeshadow/internal/shadow"
	"github.com/prudhvinik1/edgeshadow/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	godotenv.Load()

	cfg, err := config.LoadAgentConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.RequireDevice(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	sugar, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer sugar.Sync()

	if err := run(ctx, cfg, sugar); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Errorw("device agent stopped with error", "error", err)
		sugar.Sync()
		os.Exit(1)
	}
	sugar.Infow("device agent stopped", "device", cfg.DeviceName)
}

func run(ctx context.Context, cfg *config.AgentConfig, sugar *zap.SugaredLogger) error {
	sugar = sugar.With("device", cfg.DeviceName)

	opts := mqtt.ClientOptions{Will: mqtt.OfflineWill(cfg.DeviceName)}
	if cfg.CredentialsURL != "" {
		fetcher := credentials.NewDeviceFetcher(cfg.CredentialsURL, cfg.DeviceName, cfg.DeviceSecret)
		opts.Credentials = credentials.NewProvider(fetcher, sugar).MQTTCredentials
	}
	client, err := mqtt.NewPahoClient(cfg.MQTT, opts, sugar)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	transport := mqtt.NewShadowTransport(client, sugar)
	manager := shadow.NewManager(transport,
		shadow.WithLogger(sugar),
		shadow.WithRequestTimeout(cfg.MQTT.RequestTimeout),
	)
	l := newLights(cfg.DeviceName, sugar)
	l.session = manager
	if err := manager.Open(cfg.DeviceName, []string{lightsProperty}, l); err != nil {
		return err
	}
	defer manager.CloseAll()

	connect := func() error { return manager.Connect(ctx) }
	notify := func(err error, wait time.Duration) {
		sugar.Warnw("broker connect failed, retrying", "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(backoff.NewExponentialBackOff(), ctx), notify); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return telemetry.ScheduleLoop(ctx, cfg.TelemetryInterval, cfg.DeviceName, cfg.TelemetryTopic, mqtt.NewPublisher(client, 0), sugar)
	})
	g.Go(func() error {
		mqtt.RunHeartbeat(ctx, client, cfg.DeviceName, mqtt.HeartbeatInterval, sugar)
		return nil
	})
	g.Go(func() error {
		return l.run(ctx)
	})
	return g.Wait()
}
