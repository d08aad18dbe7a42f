package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ShadowEventUpdate = "update"
	ShadowEventDelete = "delete"
)

// ShadowEvent is an append-only history entry for every accepted shadow change.
type ShadowEvent struct {
	ID          uuid.UUID `json:"id"`
	DeviceName  string    `json:"device_name"`
	EventType   string    `json:"event_type"`
	Version     int64     `json:"version"`
	ClientToken string    `json:"client_token,omitempty"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}
