package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/prudhvinik1/edgeshadow/internal/repositories"
)

type fakeShadowRepo struct {
	mu      sync.Mutex
	records map[string]models.ShadowRecord
	// deleted holds the last version of deleted shadows.
	deleted map[string]int64
	events  []*models.ShadowEvent
	// conflicts makes the next Save calls fail with a version conflict.
	conflicts int
	saves     int
}

func newFakeShadowRepo() *fakeShadowRepo {
	return &fakeShadowRepo{records: make(map[string]models.ShadowRecord), deleted: make(map[string]int64)}
}

func (f *fakeShadowRepo) GetByDeviceName(ctx context.Context, name string) (*models.ShadowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[name]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	rec.Desired = rec.Desired.Clone()
	rec.Reported = rec.Reported.Clone()
	return &rec, nil
}

func (f *fakeShadowRepo) Save(ctx context.Context, rec *models.ShadowRecord, event *models.ShadowEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.conflicts > 0 {
		f.conflicts--
		return repositories.ErrVersionConflict
	}
	stored, ok := f.records[rec.DeviceName]
	if (rec.Version == 0 && ok) || (rec.Version != 0 && (!ok || stored.Version != rec.Version)) {
		return repositories.ErrVersionConflict
	}

	now := time.Unix(1700000000+int64(f.saves), 0).UTC()
	if !ok {
		rec.ID = uuid.New()
		rec.CreatedAt = now
		rec.Version = f.deleted[rec.DeviceName]
		delete(f.deleted, rec.DeviceName)
	} else {
		rec.UpdatedAt = &now
	}
	rec.Version++
	saved := *rec
	saved.Desired = rec.Desired.Clone()
	saved.Reported = rec.Reported.Clone()
	f.records[rec.DeviceName] = saved

	if event != nil {
		event.ID = uuid.New()
		event.DeviceName = rec.DeviceName
		event.Version = rec.Version
		event.CreatedAt = now
		f.events = append(f.events, event)
	}
	return nil
}

func (f *fakeShadowRepo) Delete(ctx context.Context, name string, event *models.ShadowEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[name]
	if !ok {
		return repositories.ErrNotFound
	}
	delete(f.records, name)
	f.deleted[name] = rec.Version
	if event != nil {
		event.DeviceName = name
		event.Version = rec.Version
		f.events = append(f.events, event)
	}
	return nil
}

func (f *fakeShadowRepo) History(ctx context.Context, name string, limit int) ([]*models.ShadowEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ShadowEvent
	for i := len(f.events) - 1; i >= 0 && len(out) < limit; i-- {
		if f.events[i].DeviceName == name {
			out = append(out, f.events[i])
		}
	}
	return out, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	updated []*UpdateResult
	deleted []*models.ShadowDocument
}

func (n *fakeNotifier) ShadowUpdated(ctx context.Context, name string, result *UpdateResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updated = append(n.updated, result)
}

func (n *fakeNotifier) ShadowDeleted(ctx context.Context, name string, doc *models.ShadowDocument) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, doc)
}

type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{accounts: make(map[string]*models.Account)}
}

func (f *fakeAccountRepo) Create(ctx context.Context, account *models.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[account.Email]; ok {
		return repositories.ErrAlreadyExists
	}
	account.ID = uuid.New()
	account.CreatedAt = time.Now()
	f.accounts[account.Email] = account
	return nil
}

func (f *fakeAccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeAccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[email]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return a, nil
}

type fakeDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*models.Device
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{devices: make(map[string]*models.Device)}
}

func (f *fakeDeviceRepo) Create(ctx context.Context, device *models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[device.Name]; ok {
		return repositories.ErrAlreadyExists
	}
	device.ID = uuid.New()
	device.CreatedAt = time.Now()
	f.devices[device.Name] = device
	return nil
}

func (f *fakeDeviceRepo) GetByName(ctx context.Context, name string) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[name]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return d, nil
}

func (f *fakeDeviceRepo) GetDevicesByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Device
	for _, d := range f.devices {
		if d.AccountID == accountID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeDeviceRepo) Touch(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[name]
	if !ok {
		return repositories.ErrNotFound
	}
	now := time.Now()
	d.LastSeenAt = &now
	return nil
}

func (f *fakeDeviceRepo) Revoke(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[name]
	if !ok || d.RevokedAt != nil {
		return repositories.ErrNotFound
	}
	now := time.Now()
	d.RevokedAt = &now
	return nil
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.CredentialSession
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*models.CredentialSession)}
}

func (f *fakeSessionRepo) Create(ctx context.Context, session *models.CredentialSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeSessionRepo) GetByID(ctx context.Context, id string) (*models.CredentialSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessionRepo) ListBySubject(ctx context.Context, subject string) ([]*models.CredentialSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.CredentialSession
	for _, s := range f.sessions {
		if s.Subject == subject {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeSessionRepo) DeleteAllForSubject(ctx context.Context, subject string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.sessions {
		if s.Subject == subject {
			delete(f.sessions, id)
		}
	}
	return nil
}
