package jobs

import (
	"context"
	"fmt"
	"time"

	"authgate/internal/apikey"
	"authgate/internal/observability"
	"authgate/internal/session"
)

const defaultBatchSize = 500

// RefreshTokenCleanup deletes refresh tokens that are expired or revoked.
// Deletion runs in bounded batches so a large backlog cannot hold locks for
// the whole sweep.
type RefreshTokenCleanup struct {
	store     session.Store
	logger    *observability.Logger
	batchSize int
	now       func() time.Time
}

func NewRefreshTokenCleanup(store session.Store, logger *observability.Logger, batchSize int) *RefreshTokenCleanup {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &RefreshTokenCleanup{
		store:     store,
		logger:    logger,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (j *RefreshTokenCleanup) WithClock(now func() time.Time) *RefreshTokenCleanup {
	j.now = now
	return j
}

func (j *RefreshTokenCleanup) Name() string { return "refresh_token_cleanup" }

func (j *RefreshTokenCleanup) Run(ctx context.Context) error {
	now := j.now().UTC()
	var total int64

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		deleted, err := j.store.DeleteExpiredOrRevoked(ctx, now, j.batchSize)
		if err != nil {
			return fmt.Errorf("delete stale refresh tokens: %w", err)
		}
		total += deleted
		if deleted < int64(j.batchSize) {
			break
		}
	}

	if total > 0 {
		j.logger.Info("refresh_tokens_cleaned", map[string]any{"deleted": total})
	}
	return nil
}

// APIKeyExpirySweep marks keys past their expiry as revoked. Expired keys
// already fail validation; the sweep keeps the table honest and produces an
// audit trail.
type APIKeyExpirySweep struct {
	store     apikey.Store
	manager   *apikey.Manager
	logger    *observability.Logger
	batchSize int
	now       func() time.Time
}

func NewAPIKeyExpirySweep(store apikey.Store, manager *apikey.Manager, logger *observability.Logger, batchSize int) *APIKeyExpirySweep {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &APIKeyExpirySweep{
		store:     store,
		manager:   manager,
		logger:    logger,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (j *APIKeyExpirySweep) WithClock(now func() time.Time) *APIKeyExpirySweep {
	j.now = now
	return j
}

func (j *APIKeyExpirySweep) Name() string { return "api_key_expiry_sweep" }

func (j *APIKeyExpirySweep) Run(ctx context.Context) error {
	now := j.now().UTC()

	keys, err := j.store.ListExpiringBefore(ctx, now, j.batchSize)
	if err != nil {
		return fmt.Errorf("list expired api keys: %w", err)
	}

	revoked := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := j.manager.Revoke(ctx, key.ID, "expired"); err != nil {
			return fmt.Errorf("revoke expired api key %s: %w", key.ID, err)
		}
		revoked++
	}

	if revoked > 0 {
		j.logger.Info("expired_api_keys_revoked", map[string]any{"revoked": revoked})
	}
	return nil
}
