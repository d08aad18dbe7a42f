package mqtt

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/prudhvinik1/edgeshadow/internal/models"
)

// HeartbeatInterval keeps a device online given the authority's 60s
// presence TTL.
const HeartbeatInterval = 30 * time.Second

func presencePayload(status models.PresenceStatus) []byte {
	payload, _ := json.Marshal(presenceMessage{Status: string(status)})
	return payload
}

// OfflineWill makes the broker announce the device offline when its
// connection drops without a clean disconnect.
func OfflineWill(identity string) *Will {
	return &Will{Topic: PresenceTopic(identity), Payload: presencePayload(models.StatusOffline)}
}

// RunHeartbeat announces identity online every interval until ctx is done,
// then announces it offline.
func RunHeartbeat(ctx context.Context, client Client, identity string, interval time.Duration, log *zap.SugaredLogger) {
	topic := PresenceTopic(identity)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := client.Publish(topic, 0, false, presencePayload(models.StatusOnline)); err != nil {
			log.Debugw("failed to publish heartbeat", "device", identity, "error", err)
		}
		select {
		case <-ctx.Done():
			if err := client.Publish(topic, 1, false, presencePayload(models.StatusOffline)); err != nil {
				log.Debugw("failed to publish offline presence", "device", identity, "error", err)
			}
			return
		case <-ticker.C:
		}
	}
}
