package repositories

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/edgeshadow/internal/database"
	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// getTestPool connects to TEST_DATABASE_URL and applies the schema. The test
// is skipped when the variable is unset.
func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(pool.Close)

	require.NoError(t, database.Migrate(ctx, pool))
	return pool
}

// getTestRedisClient connects to TEST_REDIS_URL. The test is skipped when the
// variable is unset.
func getTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	require.NoError(t, client.Ping(context.Background()).Err(), "Failed to connect to test Redis")
	t.Cleanup(func() { client.Close() })
	return client
}

// setupTestDevice creates an account with one device and removes both, with
// the device's shadow, when the test ends.
func setupTestDevice(t *testing.T, ctx context.Context, pool *pgxpool.Pool) *models.Device {
	t.Helper()
	accountRepo := NewPostgresAccountRepository(pool)
	deviceRepo := NewPostgresDeviceRepository(pool)

	account := &models.Account{
		Email:        "test-" + uuid.New().String() + "@example.com",
		PasswordHash: "test-hash",
	}
	require.NoError(t, accountRepo.Create(ctx, account), "Failed to create test account")

	device := &models.Device{
		AccountID:  account.ID,
		Name:       "car-" + uuid.New().String()[:8],
		SecretHash: "test-hash",
	}
	require.NoError(t, deviceRepo.Create(ctx, device), "Failed to create test device")

	t.Cleanup(func() {
		ctx := context.Background()
		for _, stmt := range []string{
			`DELETE FROM shadow_events WHERE device_name = $1`,
			`DELETE FROM shadows WHERE device_name = $1`,
		} {
			if _, err := pool.Exec(ctx, stmt, device.Name); err != nil {
				t.Logf("Warning: failed to cleanup test shadow: %v", err)
			}
		}
		// Cascades to devices.
		if _, err := pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, account.ID); err != nil {
			t.Logf("Warning: failed to cleanup test account: %v", err)
		}
	})
	return device
}
