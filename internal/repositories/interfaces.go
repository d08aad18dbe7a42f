package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/prudhvinik1/edgeshadow/internal/models"
)

type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
}

type DeviceRepository interface {
	Create(ctx context.Context, device *models.Device) error
	GetByName(ctx context.Context, name string) (*models.Device, error)
	GetDevicesByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Device, error)
	Touch(ctx context.Context, name string) error
	Revoke(ctx context.Context, name string) error
}

// ShadowRepository stores one shadow document per device name. Every
// successful write appends the matching event in the same transaction.
type ShadowRepository interface {
	GetByDeviceName(ctx context.Context, name string) (*models.ShadowRecord, error)
	// Save creates the record when rec.Version is 0 and otherwise updates it
	// only if the stored version still equals rec.Version.
	Save(ctx context.Context, rec *models.ShadowRecord, event *models.ShadowEvent) error
	Delete(ctx context.Context, name string, event *models.ShadowEvent) error
	History(ctx context.Context, name string, limit int) ([]*models.ShadowEvent, error)
}

type CredentialSessionRepository interface {
	Create(ctx context.Context, session *models.CredentialSession) error
	GetByID(ctx context.Context, id string) (*models.CredentialSession, error)
	ListBySubject(ctx context.Context, subject string) ([]*models.CredentialSession, error)
	Delete(ctx context.Context, id string) error
	DeleteAllForSubject(ctx context.Context, subject string) error
}

type PresenceRepository interface {
	SetPresence(ctx context.Context, presence *models.Presence) error
	GetPresence(ctx context.Context, deviceName string) (*models.Presence, error)
	DeletePresence(ctx context.Context, deviceName string) error
	GetBulkPresence(ctx context.Context, deviceNames []string) (map[string]models.Presence, error)
}
