package apikey

import (
	"errors"
	"time"
)

var (
	// ErrInvalidKey covers unknown, revoked, inactive and expired keys.
	ErrInvalidKey = errors.New("invalid api key")

	ErrNotFound           = errors.New("api key not found")
	ErrInvalidEnvironment = errors.New("unknown api key environment")
	ErrRateLimited        = errors.New("api key rate limit exceeded")
)

// Environment tags a key for the deployment stage it may be used against.
type Environment string

const (
	EnvLive  Environment = "live"
	EnvTest  Environment = "test"
	EnvStage Environment = "stage"
)

// MapEnvironment normalizes a caller-supplied environment tag.
func MapEnvironment(tag string) (Environment, error) {
	switch tag {
	case "live", "prod", "production", "":
		return EnvLive, nil
	case "test", "dev", "development":
		return EnvTest, nil
	case "stage", "staging":
		return EnvStage, nil
	default:
		return "", ErrInvalidEnvironment
	}
}

// Key is a long-lived machine credential. The plaintext exists only in the
// Generate response; storage holds the hash and a short display prefix.
type Key struct {
	ID            string
	AccountID     string
	TenantID      string
	DisplayPrefix string
	KeyHash       string
	Name          string
	Scopes        []string
	Environment   Environment
	// Zero thresholds mean unlimited.
	RateLimitPerHour int
	RateLimitPerDay  int
	ExpiresAt        *time.Time
	Active           bool
	Revoked          bool
	RevokedReason    string
	LastUsedAt       *time.Time
	LastUsedIP       string
	UsageCount       int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Usable reports whether the key may authenticate a request at now.
func (k Key) Usable(now time.Time) bool {
	if k.Revoked || !k.Active {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}
