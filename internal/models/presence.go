package models

import (
	"time"
)

type Presence struct {
	DeviceName string    `json:"device_name"`
	Status     string    `json:"status"`
	LastSeen   time.Time `json:"last_seen"`
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)
