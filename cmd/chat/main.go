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

	"github.com/prudhvinik1/edgeshadow/internal/config"
	"github.com/prudhvinik1/edgeshadow/internal/credentials"
	"github.com/prudhvinik1/edgeshadow/internal/logger"
	"github.com/prudhvinik1/edgeshadow/internal/mqtt"
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

	// Chat runs next to the device agent, so its client ID must differ.
	cfg.MQTT.ClientID = cfg.DeviceName + "-chat"
	opts := mqtt.ClientOptions{}
	if cfg.CredentialsURL != "" {
		fetcher := credentials.NewDeviceFetcher(cfg.CredentialsURL, cfg.DeviceName, cfg.DeviceSecret)
		opts.Credentials = credentials.NewProvider(fetcher, sugar).MQTTCredentials
	}
	client, err := mqtt.NewPahoClient(cfg.MQTT, opts, sugar)
	if err != nil {
		log.Fatalf("Failed to create mqtt client: %v", err)
	}

	connect := func() error { return client.Connect(ctx) }
	notify := func(err error, wait time.Duration) {
		sugar.Warnw("broker connect failed, retrying", "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(backoff.NewExponentialBackOff(), ctx), notify); err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer client.Disconnect()

	c := newChat(client, cfg.DeviceName, os.Stdout, sugar)
	if err := c.run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Errorw("chat stopped with error", "error", err)
	}
}
