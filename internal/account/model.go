package account

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("account not found")
	ErrEmailTaken = errors.New("email already registered")
)

// Account is one identity inside a tenant. It is soft-deactivated, never
// hard-deleted, while refresh tokens or API keys still reference it.
type Account struct {
	ID                string
	TenantID          string
	Email             string
	PasswordHash      string
	Roles             []string
	Active            bool
	FailedAttempts    int
	LockoutUntil      *time.Time
	PasswordChangedAt time.Time
	LastLoginAt       *time.Time
	TOTPSecret        string
	TOTPEnabled       bool
	BackupCodeHashes  []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Locked reports whether the account is under an active lockout at now.
func (a Account) Locked(now time.Time) bool {
	return a.LockoutUntil != nil && now.Before(*a.LockoutUntil)
}

// NormalizeEmail lowers and trims an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
