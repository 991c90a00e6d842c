package jobs

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/account"
	"authgate/internal/apikey"
	"authgate/internal/audit"
	"authgate/internal/observability"
	"authgate/internal/ratelimit"
	"authgate/internal/session"
)

type recordingJob struct {
	name string
	log  *[]string
	err  error
}

func (j *recordingJob) Name() string { return j.name }

func (j *recordingJob) Run(context.Context) error {
	*j.log = append(*j.log, j.name)
	return j.err
}

type panickingJob struct{}

func (panickingJob) Name() string            { return "boom" }
func (panickingJob) Run(context.Context) error { panic("unexpected state") }

func testLogger() *observability.Logger {
	return observability.NewLoggerTo(&bytes.Buffer{})
}

func TestRunOncePreservesOrderAndIsolatesFailures(t *testing.T) {
	var log []string
	scheduler := NewScheduler(testLogger(), time.Hour)
	scheduler.Register(&recordingJob{name: "first", log: &log})
	scheduler.Register(&recordingJob{name: "second", log: &log, err: errors.New("storage down")})
	scheduler.Register(panickingJob{})
	scheduler.Register(&recordingJob{name: "last", log: &log})

	scheduler.RunOnce(context.Background())

	// The failing and panicking jobs run but never stop the ones after.
	assert.Equal(t, []string{"first", "second", "last"}, log)
}

func TestRunOnceStopsOnCancelledContext(t *testing.T) {
	var log []string
	scheduler := NewScheduler(testLogger(), time.Hour)
	scheduler.Register(&recordingJob{name: "first", log: &log})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	scheduler.RunOnce(ctx)

	assert.Empty(t, log)
}

func TestStartAndStop(t *testing.T) {
	var log []string
	scheduler := NewScheduler(testLogger(), 10*time.Millisecond)
	scheduler.Register(&recordingJob{name: "tick", log: &log})

	scheduler.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	scheduler.Stop()

	assert.NotEmpty(t, log)

	// Stop is idempotent.
	scheduler.Stop()
}

func TestRefreshTokenCleanup(t *testing.T) {
	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	store := session.NewMemoryStore()
	ctx := context.Background()

	revokedAt := now.Add(-time.Hour)
	tokens := []session.RefreshToken{
		{ID: "live", TokenHash: "h1", ExpiresAt: now.Add(time.Hour)},
		{ID: "expired", TokenHash: "h2", ExpiresAt: now.Add(-time.Minute)},
		{ID: "revoked", TokenHash: "h3", ExpiresAt: now.Add(time.Hour), RevokedAt: &revokedAt},
	}
	for _, tok := range tokens {
		require.NoError(t, store.Save(ctx, tok))
	}

	job := NewRefreshTokenCleanup(store, testLogger(), 1).
		WithClock(func() time.Time { return now })
	require.NoError(t, job.Run(ctx))

	_, err := store.GetByHash(ctx, "h1")
	assert.NoError(t, err)
	_, err = store.GetByHash(ctx, "h2")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = store.GetByHash(ctx, "h3")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestAPIKeyExpirySweep(t *testing.T) {
	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := apikey.NewMemoryStore()
	sink := audit.NewCaptureSink()
	manager := apikey.NewManager(store, ratelimit.New().WithClock(clock), sink, testLogger(), "ak").
		WithClock(clock)
	ctx := context.Background()

	expiry := now.Add(time.Hour)
	expiring, err := manager.Generate(ctx, apikey.GenerateInput{AccountID: "acct-1", Name: "short", ExpiresAt: &expiry})
	require.NoError(t, err)
	durable, err := manager.Generate(ctx, apikey.GenerateInput{AccountID: "acct-1", Name: "long"})
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	job := NewAPIKeyExpirySweep(store, manager, testLogger(), 100).WithClock(clock)
	require.NoError(t, job.Run(ctx))

	swept, err := store.GetByID(ctx, expiring.Key.ID)
	require.NoError(t, err)
	assert.True(t, swept.Revoked)
	assert.Equal(t, "expired", swept.RevokedReason)

	kept, err := store.GetByID(ctx, durable.Key.ID)
	require.NoError(t, err)
	assert.False(t, kept.Revoked)

	assert.Contains(t, sink.TypesSeen(), audit.EventAPIKeyRevoked)

	// A second sweep finds nothing to do.
	require.NoError(t, job.Run(ctx))
}

func TestDormantAccountReview(t *testing.T) {
	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	accounts := account.NewMemoryStore()
	ctx := context.Background()

	oldLogin := now.Add(-200 * 24 * time.Hour)
	freshLogin := now.Add(-time.Hour)
	require.NoError(t, accounts.Save(ctx, account.Account{
		ID: "dormant", Email: "old@example.com", Active: true,
		LastLoginAt: &oldLogin, CreatedAt: oldLogin,
	}))
	require.NoError(t, accounts.Save(ctx, account.Account{
		ID: "active", Email: "new@example.com", Active: true,
		LastLoginAt: &freshLogin, CreatedAt: oldLogin,
	}))

	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf)
	job := NewDormantAccountReview(accounts, logger, 180*24*time.Hour, 100).
		WithClock(func() time.Time { return now })
	require.NoError(t, job.Run(ctx))

	output := buf.String()
	assert.Contains(t, output, "dormant_account")
	assert.Contains(t, output, `"account_id":"dormant"`)
	assert.NotContains(t, output, `"account_id":"active"`)
}
