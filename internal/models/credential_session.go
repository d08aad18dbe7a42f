package models

import (
	"time"

	"github.com/google/uuid"
)

// Principal kinds carried in issued credentials.
const (
	PrincipalDevice   = "device"
	PrincipalOperator = "operator"
)

// CredentialSession tracks one issued transport credential so it can be
// revoked before it expires.
type CredentialSession struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	AccountID uuid.UUID `json:"account_id"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
