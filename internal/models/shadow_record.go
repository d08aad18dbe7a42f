package models

import (
	"time"

	"github.com/google/uuid"
)

// ShadowRecord is the persisted form of a shadow document. Deleted shadows keep
// their row so a recreated document continues from the last version.
type ShadowRecord struct {
	ID         uuid.UUID  `json:"id"`
	DeviceName string     `json:"device_name"`
	Desired    Properties `json:"desired"`
	Reported   Properties `json:"reported"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Document renders the record as a shadow document with the delta computed.
func (r *ShadowRecord) Document() *ShadowDocument {
	ts := r.CreatedAt
	if r.UpdatedAt != nil {
		ts = *r.UpdatedAt
	}
	return &ShadowDocument{
		State: ShadowState{
			Desired:  r.Desired,
			Reported: r.Reported,
			Delta:    Delta(r.Desired, r.Reported),
		},
		Version:   r.Version,
		Timestamp: ts.Unix(),
	}
}
