package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/prudhvinik1/edgeshadow/internal/repositories"
)

var (
	ErrShadowNotFound  = errors.New("no shadow exists with name")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidRequest  = errors.New("invalid request")
)

// maxSaveAttempts bounds the retries of an unversioned update that lost a
// race with another writer.
const maxSaveAttempts = 3

// DefaultHistoryLimit is used when History is called with limit <= 0.
const DefaultHistoryLimit = 50

// UpdateRequest is one update of a shadow. A nil property value removes the
// property. A non-zero Version must match the stored version.
type UpdateRequest struct {
	State       *models.ShadowState
	Version     int64
	ClientToken string
}

// UpdateResult describes an accepted update.
type UpdateResult struct {
	// Accepted echoes the request state with the new version.
	Accepted *models.ShadowDocument
	// Previous is nil when the update created the shadow.
	Previous *models.ShadowDocument
	Current  *models.ShadowDocument
}

// Notifier is told about every accepted change so that other parties can be
// informed. Implementations must not block for long.
type Notifier interface {
	ShadowUpdated(ctx context.Context, name string, result *UpdateResult)
	ShadowDeleted(ctx context.Context, name string, doc *models.ShadowDocument)
}

// ShadowService owns the shadow documents: it assigns versions, merges
// partial updates and keeps a history of accepted changes.
type ShadowService struct {
	shadows  repositories.ShadowRepository
	notifier Notifier
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewShadowService(shadows repositories.ShadowRepository, log *zap.SugaredLogger) *ShadowService {
	return &ShadowService{shadows: shadows, log: log, now: time.Now}
}

// SetNotifier installs n. It must be called before the service handles
// requests.
func (s *ShadowService) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *ShadowService) Get(ctx context.Context, name string) (*models.ShadowDocument, error) {
	rec, err := s.shadows.GetByDeviceName(ctx, name)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("%w: '%s'", ErrShadowNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shadow: %w", err)
	}
	return rec.Document(), nil
}

func (s *ShadowService) Update(ctx context.Context, name string, req UpdateRequest) (*UpdateResult, error) {
	if req.State == nil || (req.State.Desired == nil && req.State.Reported == nil) {
		return nil, fmt.Errorf("%w: state must contain desired or reported", ErrInvalidRequest)
	}
	if req.State.Delta != nil {
		return nil, fmt.Errorf("%w: delta is read-only", ErrInvalidRequest)
	}
	if req.Version < 0 {
		return nil, fmt.Errorf("%w: negative version", ErrInvalidRequest)
	}

	payload, err := json.Marshal(models.ShadowDocument{State: *req.State, Version: req.Version, ClientToken: req.ClientToken})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	for attempt := 1; ; attempt++ {
		result, err := s.tryUpdate(ctx, name, req, payload)
		if errors.Is(err, repositories.ErrVersionConflict) && req.Version == 0 && attempt < maxSaveAttempts {
			s.log.Debugw("shadow update raced, retrying", "device", name, "attempt", attempt)
			continue
		}
		if errors.Is(err, repositories.ErrVersionConflict) {
			return nil, ErrVersionConflict
		}
		if err != nil {
			return nil, err
		}

		if s.notifier != nil {
			s.notifier.ShadowUpdated(ctx, name, result)
		}
		return result, nil
	}
}

func (s *ShadowService) tryUpdate(ctx context.Context, name string, req UpdateRequest, payload []byte) (*UpdateResult, error) {
	rec, err := s.shadows.GetByDeviceName(ctx, name)
	var previous *models.ShadowDocument
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		rec = &models.ShadowRecord{DeviceName: name}
	case err != nil:
		return nil, fmt.Errorf("failed to get shadow: %w", err)
	default:
		previous = rec.Document()
	}

	if req.Version != 0 && req.Version != rec.Version {
		return nil, repositories.ErrVersionConflict
	}

	rec.Desired = emptyToNil(rec.Desired.Clone().Merge(req.State.Desired))
	rec.Reported = emptyToNil(rec.Reported.Clone().Merge(req.State.Reported))

	event := &models.ShadowEvent{
		EventType:   models.ShadowEventUpdate,
		ClientToken: req.ClientToken,
		Payload:     payload,
	}
	if err := s.shadows.Save(ctx, rec, event); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to save shadow: %w", err)
	}

	current := rec.Document()
	current.ClientToken = req.ClientToken
	return &UpdateResult{
		Accepted: &models.ShadowDocument{
			State:       models.ShadowState{Desired: req.State.Desired, Reported: req.State.Reported},
			Version:     rec.Version,
			Timestamp:   current.Timestamp,
			ClientToken: req.ClientToken,
		},
		Previous: previous,
		Current:  current,
	}, nil
}

// Delete removes the shadow and returns the acknowledgement document, which
// carries the deleted version and no state.
func (s *ShadowService) Delete(ctx context.Context, name, clientToken string) (*models.ShadowDocument, error) {
	event := &models.ShadowEvent{EventType: models.ShadowEventDelete, ClientToken: clientToken}
	err := s.shadows.Delete(ctx, name, event)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("%w: '%s'", ErrShadowNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete shadow: %w", err)
	}

	doc := &models.ShadowDocument{
		Version:     event.Version,
		Timestamp:   s.now().Unix(),
		ClientToken: clientToken,
	}
	if s.notifier != nil {
		s.notifier.ShadowDeleted(ctx, name, doc)
	}
	return doc, nil
}

func (s *ShadowService) History(ctx context.Context, name string, limit int) ([]*models.ShadowEvent, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	events, err := s.shadows.History(ctx, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get shadow history: %w", err)
	}
	return events, nil
}

// StatusCode maps a service error to the code carried in rejections and HTTP
// responses.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrDeviceRevoked), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrShadowNotFound), errors.Is(err, ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrEmailExists), errors.Is(err, ErrDeviceExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func emptyToNil(p models.Properties) models.Properties {
	if len(p) == 0 {
		return nil
	}
	return p
}
