package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	PasswordLength = 12
	// SecretBytes is the entropy of a generated device secret.
	SecretBytes = 24
)

// BcryptCost is a variable so tests can use bcrypt.MinCost.
var BcryptCost = 12

// HashPassword hashes an operator password or a device secret.
func HashPassword(password string) (string, error) {
	if len(password) < PasswordLength {
		return "", fmt.Errorf("password must be at least %d characters long", PasswordLength)
	}
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hashedPassword), nil
}

func CheckPassword(hashedPassword string, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	return err == nil
}

// GenerateSecret returns a random hex secret for a new device.
func GenerateSecret() (string, error) {
	b := make([]byte, SecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
