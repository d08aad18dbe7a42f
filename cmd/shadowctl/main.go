package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prudhvinik1/edgeshadow/internal/config"
	"github.com/prudhvinik1/edgeshadow/internal/credentials"
	"github.com/prudhvinik1/edgeshadow/internal/logger"
	"github.com/prudhvinik1/edgeshadow/internal/mqtt"
	"github.com/prudhvinik1/edgeshadow/internal/shadow"
)

var (
	cfg     *config.AgentConfig
	sugar   *zap.SugaredLogger
	timeout time.Duration
)

// rootCmd is the operator console for device shadows.
var rootCmd = &cobra.Command{
	Use:           "shadowctl",
	Short:         "Watch and change device shadows",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		godotenv.Load()

		var err error
		cfg, err = config.LoadAgentConfig()
		if err != nil {
			return err
		}
		// The console shares devices' topics, so it needs a client ID of its own.
		if os.Getenv("MQTT_CLIENT_ID") == "" {
			cfg.MQTT.ClientID = "shadowctl"
		}
		sugar, err = logger.New(cfg.LogLevel)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "How long get and toggle wait for the authority")
	rootCmd.AddCommand(watchCmd, toggleCmd, getCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// console is one MQTT connection with a shadow session per device.
type console struct {
	client  *mqtt.PahoClient
	manager *shadow.Manager
}

func openConsole(ctx context.Context, devices []string, observer shadow.Observer) (*console, error) {
	opts := mqtt.ClientOptions{RandomSuffix: true}
	if cfg.CredentialsURL != "" {
		fetcher := credentials.NewOperatorFetcher(cfg.CredentialsURL, cfg.OperatorEmail, cfg.OperatorPassword)
		opts.Credentials = credentials.NewProvider(fetcher, sugar).MQTTCredentials
	}
	client, err := mqtt.NewPahoClient(cfg.MQTT, opts, sugar)
	if err != nil {
		return nil, err
	}

	manager := shadow.NewManager(mqtt.NewShadowTransport(client, sugar),
		shadow.WithLogger(sugar),
		shadow.WithRequestTimeout(cfg.MQTT.RequestTimeout),
	)
	for _, device := range devices {
		if err := manager.Open(device, cfg.WatchedProperties, observer); err != nil {
			return nil, err
		}
	}

	notify := func(err error, wait time.Duration) {
		sugar.Warnw("broker connect failed, retrying", "error", err, "retry_in", wait)
	}
	connect := func() error { return manager.Connect(ctx) }
	if err := backoff.RetryNotify(connect, backoff.WithContext(backoff.NewExponentialBackOff(), ctx), notify); err != nil {
		client.Disconnect()
		return nil, err
	}
	return &console{client: client, manager: manager}, nil
}

func (c *console) Close() {
	if err := c.manager.CloseAll(); err != nil {
		sugar.Warnw("failed to close shadow sessions", "error", err)
	}
	c.client.Disconnect()
}

// waitIdle waits until device is registered and its last request answered.
func (c *console) waitIdle(ctx context.Context, device string) (shadow.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	var snap shadow.Snapshot
	err := backoff.Retry(func() error {
		s, err := c.manager.Snapshot(device)
		if err != nil {
			return backoff.Permanent(err)
		}
		if s.State != shadow.StateConnected || s.PendingToken != "" {
			return shadow.ErrNotReady
		}
		snap = s
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return snap, fmt.Errorf("%s: no answer from the authority: %w", device, err)
	}
	return snap, nil
}
