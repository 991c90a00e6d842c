package jobs

import (
	"context"
	"fmt"
	"time"

	"authgate/internal/account"
	"authgate/internal/observability"
)

const defaultDormantAfter = 180 * 24 * time.Hour

// DormantAccountReview reports active accounts with no login past the
// dormancy threshold. It only reports; deactivation stays a human decision.
type DormantAccountReview struct {
	accounts     account.Store
	logger       *observability.Logger
	dormantAfter time.Duration
	batchSize    int
	now          func() time.Time
}

func NewDormantAccountReview(accounts account.Store, logger *observability.Logger, dormantAfter time.Duration, batchSize int) *DormantAccountReview {
	if dormantAfter <= 0 {
		dormantAfter = defaultDormantAfter
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &DormantAccountReview{
		accounts:     accounts,
		logger:       logger,
		dormantAfter: dormantAfter,
		batchSize:    batchSize,
		now:          time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (j *DormantAccountReview) WithClock(now func() time.Time) *DormantAccountReview {
	j.now = now
	return j
}

func (j *DormantAccountReview) Name() string { return "dormant_account_review" }

func (j *DormantAccountReview) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.dormantAfter)

	dormant, err := j.accounts.ListDormantSince(ctx, cutoff, j.batchSize)
	if err != nil {
		return fmt.Errorf("list dormant accounts: %w", err)
	}
	if len(dormant) == 0 {
		return nil
	}

	for _, acct := range dormant {
		lastSeen := acct.CreatedAt
		if acct.LastLoginAt != nil {
			lastSeen = *acct.LastLoginAt
		}
		j.logger.Warn("dormant_account", map[string]any{
			"account_id": acct.ID,
			"tenant_id":  acct.TenantID,
			"last_seen":  lastSeen.Format(time.RFC3339),
		})
	}

	j.logger.Info("dormant_account_review_completed", map[string]any{
		"dormant_accounts": len(dormant),
		"cutoff":           cutoff.Format(time.RFC3339),
	})
	return nil
}
