package apikey

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/audit"
	"authgate/internal/credential"
	"authgate/internal/observability"
	"authgate/internal/ratelimit"
)

func newTestManager(t *testing.T, now *time.Time) (*Manager, *MemoryStore, *audit.CaptureSink) {
	t.Helper()

	store := NewMemoryStore()
	sink := audit.NewCaptureSink()
	clock := func() time.Time { return *now }
	limiter := ratelimit.New().WithClock(clock)
	logger := observability.NewLoggerTo(&bytes.Buffer{})

	manager := NewManager(store, limiter, sink, logger, "ak").WithClock(clock)
	return manager, store, sink
}

func TestGenerateFormatsAndStoresHashOnly(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	manager, store, sink := newTestManager(t, &now)
	ctx := context.Background()

	generated, err := manager.Generate(ctx, GenerateInput{
		AccountID:   "acct-1",
		TenantID:    "tenant-1",
		Name:        "ci pipeline",
		Scopes:      []string{"read", "write"},
		Environment: "staging",
	})
	require.NoError(t, err)

	parts := strings.Split(generated.Plaintext, "_")
	require.Len(t, parts, 3)
	assert.Equal(t, "ak", parts[0])
	assert.Equal(t, "stage", parts[1])
	assert.Len(t, parts[2], 32)
	assert.Equal(t, OneTimeDisplayWarning, generated.Warning)

	assert.True(t, strings.HasPrefix(generated.Plaintext, generated.Key.DisplayPrefix))
	assert.Len(t, generated.Key.DisplayPrefix, len("ak_stage_")+4)

	stored, err := store.GetByID(ctx, generated.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.HashToken(generated.Plaintext), stored.KeyHash)
	assert.NotContains(t, stored.KeyHash, parts[2])
	assert.True(t, stored.Active)

	assert.Contains(t, sink.TypesSeen(), audit.EventAPIKeyCreated)
}

func TestMapEnvironment(t *testing.T) {
	for tag, want := range map[string]Environment{
		"":            EnvLive,
		"prod":        EnvLive,
		"production":  EnvLive,
		"live":        EnvLive,
		"dev":         EnvTest,
		"development": EnvTest,
		"test":        EnvTest,
		"stage":       EnvStage,
		"staging":     EnvStage,
	} {
		env, err := MapEnvironment(tag)
		require.NoError(t, err)
		assert.Equal(t, want, env, "tag %q", tag)
	}

	_, err := MapEnvironment("sandbox")
	assert.ErrorIs(t, err, ErrInvalidEnvironment)
}

func TestValidateTracksUsage(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	manager, store, sink := newTestManager(t, &now)
	ctx := context.Background()

	generated, err := manager.Generate(ctx, GenerateInput{AccountID: "acct-1", Name: "svc"})
	require.NoError(t, err)

	key, err := manager.Validate(ctx, generated.Plaintext, "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, generated.Key.ID, key.ID)

	_, err = manager.Validate(ctx, generated.Plaintext, "10.0.0.9")
	require.NoError(t, err)

	stored, err := store.GetByID(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.UsageCount)
	require.NotNil(t, stored.LastUsedAt)
	assert.Equal(t, now, *stored.LastUsedAt)
	assert.Equal(t, "10.0.0.9", stored.LastUsedIP)

	assert.Contains(t, sink.TypesSeen(), audit.EventTokenValidated)
}

func TestValidateRejectsUnknownExpiredAndRevoked(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	manager, _, sink := newTestManager(t, &now)
	ctx := context.Background()

	_, err := manager.Validate(ctx, "ak_live_doesnotexist", "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	expiry := now.Add(time.Hour)
	expiring, err := manager.Generate(ctx, GenerateInput{AccountID: "acct-1", Name: "short", ExpiresAt: &expiry})
	require.NoError(t, err)

	_, err = manager.Validate(ctx, expiring.Plaintext, "")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = manager.Validate(ctx, expiring.Plaintext, "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	revocable, err := manager.Generate(ctx, GenerateInput{AccountID: "acct-1", Name: "gone"})
	require.NoError(t, err)
	require.NoError(t, manager.Revoke(ctx, revocable.Key.ID, "compromised"))

	_, err = manager.Validate(ctx, revocable.Plaintext, "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	assert.Contains(t, sink.TypesSeen(), audit.EventTokenValidationFailed)
	assert.Contains(t, sink.TypesSeen(), audit.EventAPIKeyRevoked)
}

func TestRevokedKeyStaysRevoked(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	manager, store, _ := newTestManager(t, &now)
	ctx := context.Background()

	generated, err := manager.Generate(ctx, GenerateInput{AccountID: "acct-1", Name: "svc"})
	require.NoError(t, err)
	require.NoError(t, manager.Revoke(ctx, generated.Key.ID, "rotated"))

	// Flipping Active back on does not resurrect a revoked key.
	key, err := store.GetByID(ctx, generated.Key.ID)
	require.NoError(t, err)
	key.Active = true
	require.NoError(t, store.Update(ctx, key))

	_, err = manager.Validate(ctx, generated.Plaintext, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestCheckRateLimit(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	manager, _, _ := newTestManager(t, &now)
	ctx := context.Background()

	generated, err := manager.Generate(ctx, GenerateInput{
		AccountID:        "acct-1",
		Name:             "throttled",
		RateLimitPerHour: 2,
		RateLimitPerDay:  3,
	})
	require.NoError(t, err)
	key := generated.Key

	allowed, _ := manager.CheckRateLimit(key)
	assert.True(t, allowed)
	allowed, _ = manager.CheckRateLimit(key)
	assert.True(t, allowed)

	allowed, retryAfter := manager.CheckRateLimit(key)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	// Next hour frees the hourly window but the daily cap holds at 3.
	now = now.Add(time.Hour)
	allowed, _ = manager.CheckRateLimit(key)
	assert.True(t, allowed)
	allowed, retryAfter = manager.CheckRateLimit(key)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	// A key without thresholds is never throttled.
	open, err := manager.Generate(ctx, GenerateInput{AccountID: "acct-1", Name: "open"})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		allowed, _ = manager.CheckRateLimit(open.Key)
		require.True(t, allowed)
	}
}

func TestListRedactsHashes(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	manager, _, _ := newTestManager(t, &now)
	ctx := context.Background()

	_, err := manager.Generate(ctx, GenerateInput{AccountID: "acct-1", Name: "first"})
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = manager.Generate(ctx, GenerateInput{AccountID: "acct-1", Name: "second"})
	require.NoError(t, err)
	_, err = manager.Generate(ctx, GenerateInput{AccountID: "acct-2", Name: "other"})
	require.NoError(t, err)

	keys, err := manager.List(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "first", keys[0].Name)
	assert.Equal(t, "second", keys[1].Name)
	for _, key := range keys {
		assert.Empty(t, key.KeyHash)
		assert.NotEmpty(t, key.DisplayPrefix)
	}
}
