package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/edgeshadow/internal/models"
)

const deviceColumns = `id, account_id, name, secret_hash,
	                 last_seen_at, revoked_at, created_at, updated_at, deleted_at`

type PostgresDeviceRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresDeviceRepository(pool *pgxpool.Pool) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{pool: pool}
}

func (r *PostgresDeviceRepository) Create(ctx context.Context, device *models.Device) error {
	query := `INSERT INTO devices (account_id, name, secret_hash)
	          VALUES ($1, $2, $3)
	          RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		device.AccountID,
		device.Name,
		device.SecretHash,
	).Scan(&device.ID, &device.CreatedAt, &device.UpdatedAt)

	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (r *PostgresDeviceRepository) GetByName(ctx context.Context, name string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + `
	          FROM devices
	          WHERE name = $1 AND deleted_at IS NULL`

	device, err := scanDevice(r.pool.QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

func (r *PostgresDeviceRepository) GetDevicesByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + `
	          FROM devices
	          WHERE account_id = $1 AND deleted_at IS NULL
	          ORDER BY name ASC`

	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

// Touch records a heartbeat from the device.
func (r *PostgresDeviceRepository) Touch(ctx context.Context, name string) error {
	query := `UPDATE devices SET last_seen_at = NOW() WHERE name = $1 AND deleted_at IS NULL`

	result, err := r.pool.Exec(ctx, query, name)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDeviceRepository) Revoke(ctx context.Context, name string) error {
	query := `UPDATE devices
	          SET revoked_at = NOW(), updated_at = NOW()
	          WHERE name = $1 AND revoked_at IS NULL AND deleted_at IS NULL`

	result, err := r.pool.Exec(ctx, query, name)
	if err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDevice(row pgx.Row) (*models.Device, error) {
	var device models.Device
	err := row.Scan(
		&device.ID,
		&device.AccountID,
		&device.Name,
		&device.SecretHash,
		&device.LastSeenAt,
		&device.RevokedAt,
		&device.CreatedAt,
		&device.UpdatedAt,
		&device.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
