package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/coralclub/tents/internal/state"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidPIN indicates a PIN that does not match the stored credential.
	ErrInvalidPIN = errors.New("auth: invalid pin")
	// ErrEmptyPIN indicates an attempt to set a blank PIN.
	ErrEmptyPIN = errors.New("auth: pin must not be empty")
)

// HashPIN returns the bcrypt hash stored in the security record.
func HashPIN(pin string) (string, error) {
	pin = strings.TrimSpace(pin)
	if pin == "" {
		return "", ErrEmptyPIN
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// VerifyPIN checks candidate against the security record. A hash takes precedence over a
// plaintext PIN written by older clients; when neither is set, fallback is the expected PIN.
// A redacted record cannot be checked and rejects every candidate.
func VerifyPIN(security state.Security, fallback, candidate string) error {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || security.Redacted {
		return ErrInvalidPIN
	}
	if security.AdminPinHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(security.AdminPinHash), []byte(candidate)); err != nil {
			return ErrInvalidPIN
		}
		return nil
	}
	expected := security.AdminPin
	if expected == "" {
		expected = fallback
	}
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(candidate)) != 1 {
		return ErrInvalidPIN
	}
	return nil
}
