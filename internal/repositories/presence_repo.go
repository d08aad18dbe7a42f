package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "presence:"
	presenceTTL       = 60 * time.Second // Presence expires after 60 seconds without heartbeat
)

type RedisPresenceRepository struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisPresenceRepository(client *redis.Client) *RedisPresenceRepository {
	return &RedisPresenceRepository{client: client, now: time.Now}
}

// SetPresence sets or updates the presence for a device with automatic TTL.
// Devices heartbeat every 30 seconds to stay "online".
func (r *RedisPresenceRepository) SetPresence(ctx context.Context, presence *models.Presence) error {
	presence.LastSeen = r.now()

	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	err = r.client.Set(ctx, presenceKey(presence.DeviceName), data, presenceTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}

	return nil
}

func (r *RedisPresenceRepository) GetPresence(ctx context.Context, deviceName string) (*models.Presence, error) {
	data, err := r.client.Get(ctx, presenceKey(deviceName)).Result()
	if err == redis.Nil {
		// No presence = device is offline
		return offline(deviceName), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var presence models.Presence
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}

	return &presence, nil
}

func (r *RedisPresenceRepository) DeletePresence(ctx context.Context, deviceName string) error {
	err := r.client.Del(ctx, presenceKey(deviceName)).Err()
	if err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}

	return nil
}

// GetBulkPresence retrieves presence for several devices in one round trip.
func (r *RedisPresenceRepository) GetBulkPresence(ctx context.Context, deviceNames []string) (map[string]models.Presence, error) {
	presenceMap := make(map[string]models.Presence, len(deviceNames))
	if len(deviceNames) == 0 {
		return presenceMap, nil
	}

	keys := make([]string, len(deviceNames))
	for i, name := range deviceNames {
		keys[i] = presenceKey(name)
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk presence: %w", err)
	}

	for i, result := range results {
		name := deviceNames[i]

		data, ok := result.(string)
		if !ok {
			presenceMap[name] = *offline(name)
			continue
		}

		var presence models.Presence
		if err := json.Unmarshal([]byte(data), &presence); err != nil {
			// If we can't unmarshal, treat as offline
			presenceMap[name] = *offline(name)
			continue
		}

		presenceMap[name] = presence
	}

	return presenceMap, nil
}

func offline(deviceName string) *models.Presence {
	return &models.Presence{
		DeviceName: deviceName,
		Status:     string(models.StatusOffline),
		LastSeen:   time.Time{}, // Zero time indicates unknown
	}
}

func presenceKey(deviceName string) string {
	return presenceKeyPrefix + deviceName
}
