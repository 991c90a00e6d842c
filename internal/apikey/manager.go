package apikey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"authgate/internal/audit"
	"authgate/internal/credential"
	"authgate/internal/observability"
	"authgate/internal/ratelimit"
)

const (
	keyBodyLength       = 32
	displayPrefixLength = 4

	// OneTimeDisplayWarning is attached to every Generate response.
	OneTimeDisplayWarning = "store this key now; it cannot be shown again"
)

// Manager generates, validates, throttles and revokes API keys.
type Manager struct {
	store   Store
	limiter *ratelimit.Limiter
	sink    audit.Sink
	logger  *observability.Logger
	prefix  string
	now     func() time.Time
}

func NewManager(store Store, limiter *ratelimit.Limiter, sink audit.Sink, logger *observability.Logger, prefix string) *Manager {
	if prefix == "" {
		prefix = "ak"
	}
	return &Manager{
		store:   store,
		limiter: limiter,
		sink:    sink,
		logger:  logger,
		prefix:  prefix,
		now:     time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

type GenerateInput struct {
	AccountID        string
	TenantID         string
	Name             string
	Scopes           []string
	Environment      string
	RateLimitPerHour int
	RateLimitPerDay  int
	ExpiresAt        *time.Time
}

// Generated carries the one and only copy of the plaintext key.
type Generated struct {
	Key       Key    `json:"key"`
	Plaintext string `json:"plaintext"`
	Warning   string `json:"warning"`
}

// Generate mints a key of the form {prefix}_{env}_{32-char random} and
// stores only its hash.
func (m *Manager) Generate(ctx context.Context, input GenerateInput) (Generated, error) {
	env, err := MapEnvironment(input.Environment)
	if err != nil {
		return Generated{}, err
	}

	body, err := credential.NewKeyBody(keyBodyLength)
	if err != nil {
		return Generated{}, err
	}
	plaintext := fmt.Sprintf("%s_%s_%s", m.prefix, env, body)

	id, err := uuid.NewV7()
	if err != nil {
		return Generated{}, fmt.Errorf("generate api key id: %w", err)
	}

	now := m.now().UTC()
	key := Key{
		ID:               id.String(),
		AccountID:        input.AccountID,
		TenantID:         input.TenantID,
		DisplayPrefix:    fmt.Sprintf("%s_%s_%s", m.prefix, env, body[:displayPrefixLength]),
		KeyHash:          credential.HashToken(plaintext),
		Name:             strings.TrimSpace(input.Name),
		Scopes:           input.Scopes,
		Environment:      env,
		RateLimitPerHour: input.RateLimitPerHour,
		RateLimitPerDay:  input.RateLimitPerDay,
		ExpiresAt:        input.ExpiresAt,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.Save(ctx, key); err != nil {
		return Generated{}, err
	}

	m.sink.Log(audit.EventAPIKeyCreated, audit.Fields{
		AccountID: key.AccountID,
		TenantID:  key.TenantID,
		Extras: map[string]any{
			"key_id":      key.ID,
			"name":        key.Name,
			"environment": string(env),
		},
	})

	return Generated{Key: key, Plaintext: plaintext, Warning: OneTimeDisplayWarning}, nil
}

// Validate resolves a plaintext key to its record, rejecting revoked,
// inactive and expired keys. Usage accounting is best-effort and never
// fails the validation.
func (m *Manager) Validate(ctx context.Context, plaintext, ip string) (Key, error) {
	hash := credential.HashToken(strings.TrimSpace(plaintext))
	now := m.now().UTC()

	key, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.auditValidationFailed(Key{}, ip, "unknown_key")
			return Key{}, ErrInvalidKey
		}
		return Key{}, err
	}

	if !key.Usable(now) {
		reason := "inactive"
		switch {
		case key.Revoked:
			reason = "revoked"
		case key.ExpiresAt != nil && !now.Before(*key.ExpiresAt):
			reason = "expired"
		}
		m.auditValidationFailed(key, ip, reason)
		return Key{}, ErrInvalidKey
	}

	if err := m.store.IncrementUsage(ctx, key.ID, now, ip); err != nil {
		m.logger.Warn("api_key_usage_update_failed", map[string]any{
			"key_id": key.ID,
			"error":  err.Error(),
		})
	}

	m.sink.Log(audit.EventTokenValidated, audit.Fields{
		AccountID: key.AccountID,
		TenantID:  key.TenantID,
		IP:        ip,
		Extras:    map[string]any{"key_id": key.ID},
	})

	return key, nil
}

// CheckRateLimit applies the key's configured hourly and daily thresholds.
// A missing threshold means unlimited.
func (m *Manager) CheckRateLimit(key Key) (bool, time.Duration) {
	if allowed, retryAfter := m.limiter.TryAcquire("apikey:hour:"+key.ID, key.RateLimitPerHour, time.Hour); !allowed {
		return false, retryAfter
	}
	if allowed, retryAfter := m.limiter.TryAcquire("apikey:day:"+key.ID, key.RateLimitPerDay, 24*time.Hour); !allowed {
		return false, retryAfter
	}
	return true, 0
}

// Revoke permanently disables a key. Revoked keys are never reactivated.
func (m *Manager) Revoke(ctx context.Context, id, reason string) error {
	key, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	key.Revoked = true
	key.Active = false
	key.RevokedReason = reason
	key.UpdatedAt = m.now().UTC()
	if err := m.store.Update(ctx, key); err != nil {
		return err
	}

	m.sink.Log(audit.EventAPIKeyRevoked, audit.Fields{
		AccountID: key.AccountID,
		TenantID:  key.TenantID,
		Extras: map[string]any{
			"key_id": key.ID,
			"reason": reason,
		},
	})
	return nil
}

// List returns the account's keys for display; hashes stay internal.
func (m *Manager) List(ctx context.Context, accountID string) ([]Key, error) {
	keys, err := m.store.ListForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i].KeyHash = ""
	}
	return keys, nil
}

func (m *Manager) auditValidationFailed(key Key, ip, reason string) {
	fields := audit.Fields{
		AccountID: key.AccountID,
		TenantID:  key.TenantID,
		IP:        ip,
		Extras:    map[string]any{"reason": reason},
	}
	if key.ID != "" {
		fields.Extras["key_id"] = key.ID
	}
	m.sink.Log(audit.EventTokenValidationFailed, fields)
}
