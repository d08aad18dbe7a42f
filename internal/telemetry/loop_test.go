package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/prudhvinik1/edgeshadow/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type publishCall struct {
	topic   string
	payload []byte
}

// fakeSink fails the first failures publishes and cancels the loop after stopAfter calls.
type fakeSink struct {
	mu        sync.Mutex
	calls     []publishCall
	failures  int
	stopAfter int
	cancel    context.CancelFunc
}

func (s *fakeSink) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, publishCall{topic, payload})
	if len(s.calls) >= s.stopAfter {
		s.cancel()
	}
	if len(s.calls) <= s.failures {
		return errors.New("broker unavailable")
	}
	return nil
}

func TestLoop_PublishesOnCadence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &fakeSink{stopAfter: 3, cancel: cancel}
	loop := &Loop{
		Generator: NewGenerator(WithSeed(1)),
		Sink:      sink,
		Identity:  "car1",
		Topic:     DefaultTopic,
		Interval:  5 * time.Millisecond,
		Log:       zaptest.NewLogger(t).Sugar(),
	}

	err := loop.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, sink.calls, 3)
	for _, call := range sink.calls {
		assert.Equal(t, "lab/telemetry", call.topic)
		var reading models.Reading
		require.NoError(t, json.Unmarshal(call.payload, &reading))
		assert.Equal(t, "car1", reading.Device)
	}
}

func TestLoop_PublishFailureDoesNotStopLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &fakeSink{failures: 2, stopAfter: 4, cancel: cancel}

	err := ScheduleLoop(ctx, time.Millisecond, "car2", "fleet/telemetry", sink, zaptest.NewLogger(t).Sugar())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, sink.calls, 4, "loop kept going after failed publishes")
}

func TestLoop_UnknownDeviceKeepsRunning(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	sink := &fakeSink{stopAfter: 1, cancel: cancel}

	err := ScheduleLoop(ctx, time.Millisecond, "truck9", DefaultTopic, sink, zaptest.NewLogger(t).Sugar())

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, sink.calls)
}
