package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/edgeshadow/internal/models"
)

// ErrVersionConflict is returned when optimistic locking fails
var ErrVersionConflict = errors.New("version conflict: shadow was modified concurrently")

type PostgresShadowRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresShadowRepository(pool *pgxpool.Pool) *PostgresShadowRepository {
	return &PostgresShadowRepository{pool: pool}
}

func (r *PostgresShadowRepository) GetByDeviceName(ctx context.Context, name string) (*models.ShadowRecord, error) {
	query := `SELECT id, device_name, desired, reported, version, created_at, updated_at, deleted_at
	          FROM shadows
	          WHERE device_name = $1 AND deleted_at IS NULL`

	var (
		rec               models.ShadowRecord
		desired, reported []byte
	)
	err := r.pool.QueryRow(ctx, query, name).Scan(
		&rec.ID,
		&rec.DeviceName,
		&desired,
		&reported,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shadow: %w", err)
	}

	if rec.Desired, err = decodeProperties(desired); err != nil {
		return nil, fmt.Errorf("failed to decode desired state: %w", err)
	}
	if rec.Reported, err = decodeProperties(reported); err != nil {
		return nil, fmt.Errorf("failed to decode reported state: %w", err)
	}
	return &rec, nil
}

// Save writes rec with optimistic locking and appends event in the same
// transaction. On success rec carries the new version and timestamps and event
// its ID.
func (r *PostgresShadowRepository) Save(ctx context.Context, rec *models.ShadowRecord, event *models.ShadowEvent) error {
	desired, err := json.Marshal(rec.Desired)
	if err != nil {
		return fmt.Errorf("failed to encode desired state: %w", err)
	}
	reported, err := json.Marshal(rec.Reported)
	if err != nil {
		return fmt.Errorf("failed to encode reported state: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		id        uuid.UUID
		version   int64
		createdAt time.Time
		updatedAt *time.Time
	)
	if rec.Version == 0 {
		// A deleted row is revived one version past where it stopped. A live
		// row means a concurrent create won; report it as a conflict.
		query := `INSERT INTO shadows (device_name, desired, reported, version)
		          VALUES ($1, $2, $3, 1)
		          ON CONFLICT (device_name) DO UPDATE
		          SET desired = EXCLUDED.desired,
		              reported = EXCLUDED.reported,
		              version = shadows.version + 1,
		              created_at = NOW(),
		              updated_at = NULL,
		              deleted_at = NULL
		          WHERE shadows.deleted_at IS NOT NULL
		          RETURNING id, version, created_at, updated_at`
		err = tx.QueryRow(ctx, query, rec.DeviceName, desired, reported).
			Scan(&id, &version, &createdAt, &updatedAt)
	} else {
		// The version check in the WHERE clause is the optimistic lock.
		query := `UPDATE shadows
		          SET desired = $1,
		              reported = $2,
		              version = version + 1,
		              updated_at = NOW()
		          WHERE device_name = $3 AND version = $4 AND deleted_at IS NULL
		          RETURNING id, version, created_at, updated_at`
		err = tx.QueryRow(ctx, query, desired, reported, rec.DeviceName, rec.Version).
			Scan(&id, &version, &createdAt, &updatedAt)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to save shadow: %w", err)
	}

	if event != nil {
		event.DeviceName = rec.DeviceName
		event.Version = version
		if err := appendEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit shadow: %w", err)
	}

	rec.ID = id
	rec.Version = version
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	return nil
}

// Delete marks the shadow of name deleted. The row keeps its version so
// versions stay monotonic across a delete and recreate. The event records the
// version the document had when it was deleted.
func (r *PostgresShadowRepository) Delete(ctx context.Context, name string, event *models.ShadowEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int64
	query := `UPDATE shadows
	          SET desired = '{}'::jsonb,
	              reported = '{}'::jsonb,
	              deleted_at = NOW()
	          WHERE device_name = $1 AND deleted_at IS NULL
	          RETURNING version`
	err = tx.QueryRow(ctx, query, name).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete shadow: %w", err)
	}

	if event != nil {
		event.DeviceName = name
		event.Version = version
		if err := appendEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit shadow delete: %w", err)
	}
	return nil
}

// History returns the latest events of name, newest first.
func (r *PostgresShadowRepository) History(ctx context.Context, name string, limit int) ([]*models.ShadowEvent, error) {
	query := `SELECT id, device_name, event_type, version, client_token, payload, created_at
	          FROM shadow_events
	          WHERE device_name = $1
	          ORDER BY created_at DESC, version DESC
	          LIMIT $2`

	rows, err := r.pool.Query(ctx, query, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query shadow events: %w", err)
	}
	defer rows.Close()

	var events []*models.ShadowEvent
	for rows.Next() {
		var event models.ShadowEvent
		err := rows.Scan(
			&event.ID,
			&event.DeviceName,
			&event.EventType,
			&event.Version,
			&event.ClientToken,
			&event.Payload,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan shadow event: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shadow events: %w", err)
	}
	return events, nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, event *models.ShadowEvent) error {
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	query := `INSERT INTO shadow_events (device_name, event_type, version, client_token, payload)
	          VALUES ($1, $2, $3, $4, $5)
	          RETURNING id, created_at`

	err := tx.QueryRow(ctx, query,
		event.DeviceName,
		event.EventType,
		event.Version,
		event.ClientToken,
		payload,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append shadow event: %w", err)
	}
	return nil
}

func decodeProperties(data []byte) (models.Properties, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p models.Properties
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return nil, nil
	}
	return p, nil
}
