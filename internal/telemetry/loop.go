package telemetry

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// DefaultTopic and DefaultInterval match the car demo.
const (
	DefaultTopic    = "lab/telemetry"
	DefaultInterval = 10 * time.Second
)

var publishTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "edgeshadow_telemetry_publish_total",
		Help: "Telemetry readings handed to the sink, by result",
	},
	[]string{"result"},
)

// Sink accepts serialized readings.
type Sink interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Loop publishes a reading for one device on a fixed cadence.
type Loop struct {
	Generator *Generator
	Sink      Sink
	Identity  string
	Topic     string
	Interval  time.Duration
	Log       *zap.SugaredLogger
}

// Run publishes immediately and then every Interval until ctx is done.
// Failures are logged and counted; the loop never retries or stops on them.
func (l *Loop) Run(ctx context.Context) error {
	log := l.Log
	if log == nil {
		log = zap.S()
	}
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.publishOnce(ctx, log)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Loop) publishOnce(ctx context.Context, log *zap.SugaredLogger) {
	reading, err := l.Generator.GenerateReading(l.Identity)
	if err != nil {
		publishTotal.WithLabelValues("error").Inc()
		log.Errorw("failed to generate reading", "device", l.Identity, "error", err)
		return
	}
	payload, err := json.Marshal(reading)
	if err != nil {
		publishTotal.WithLabelValues("error").Inc()
		log.Errorw("failed to marshal reading", "device", l.Identity, "error", err)
		return
	}

	log.Infow("sending telemetry", "device", l.Identity, "topic", l.Topic, "interval", l.Interval)
	if err := l.Sink.Publish(ctx, l.Topic, payload); err != nil {
		publishTotal.WithLabelValues("error").Inc()
		log.Warnw("failed to publish telemetry", "device", l.Identity, "topic", l.Topic, "error", err)
		return
	}
	publishTotal.WithLabelValues("ok").Inc()
}

// ScheduleLoop runs a loop with a fresh generator.
func ScheduleLoop(ctx context.Context, interval time.Duration, identity, topic string, sink Sink, log *zap.SugaredLogger) error {
	l := &Loop{
		Generator: NewGenerator(),
		Sink:      sink,
		Identity:  identity,
		Topic:     topic,
		Interval:  interval,
		Log:       log,
	}
	return l.Run(ctx)
}
