package session

import (
	"errors"
	"time"
)

var (
	// ErrInvalidToken covers unknown, expired and plainly revoked tokens.
	// The caller-facing message stays generic; audit records carry the
	// precise reason.
	ErrInvalidToken = errors.New("invalid refresh token")

	// ErrReuseDetected means an already-rotated token was presented again,
	// which is treated as evidence of theft. By the time this is returned
	// every active token of the account has been revoked.
	ErrReuseDetected = errors.New("refresh token reuse detected")

	ErrNotFound = errors.New("refresh token not found")
)

// RevocationReason records why a refresh token stopped being usable.
type RevocationReason string

const (
	ReasonReplaced        RevocationReason = "replaced"
	ReasonReused          RevocationReason = "reused"
	ReasonManuallyRevoked RevocationReason = "manually_revoked"
	ReasonUserDeactivated RevocationReason = "user_deactivated"
)

// RefreshToken is one issued session credential. Only the hash of the token
// is ever stored; the raw value exists once in the response to the client.
type RefreshToken struct {
	ID            string
	AccountID     string
	TenantID      string
	TenantCode    string
	TokenHash     string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	RevokedAt     *time.Time
	RevokedReason RevocationReason
	SuccessorHash string
	IP            string
	Device        string
}

// Active reports whether the token can still be exchanged at now.
func (t RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}
