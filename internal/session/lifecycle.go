package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"authgate/internal/account"
	"authgate/internal/audit"
	"authgate/internal/credential"
	"authgate/internal/token"
)

const defaultRefreshTTL = 7 * 24 * time.Hour

// Subject identifies whom a session is issued for.
type Subject struct {
	AccountID  string
	TenantID   string
	TenantCode string
	Roles      []string
}

// Metadata is the device/IP context attached to an issued token.
type Metadata struct {
	IP     string
	Device string
}

// Bundle is what a successful login or refresh hands to the client. The
// refresh token appears here in plaintext exactly once.
type Bundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Lifecycle drives the refresh-token state machine: issue, rotate with
// reuse detection, revoke, and family-wide cascade revocation.
type Lifecycle struct {
	store      Store
	accounts   account.Store
	issuer     *token.Issuer
	sink       audit.Sink
	refreshTTL time.Duration
	now        func() time.Time
}

func NewLifecycle(store Store, accounts account.Store, issuer *token.Issuer, sink audit.Sink, refreshTTL time.Duration) *Lifecycle {
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	return &Lifecycle{
		store:      store,
		accounts:   accounts,
		issuer:     issuer,
		sink:       sink,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (l *Lifecycle) WithClock(now func() time.Time) *Lifecycle {
	l.now = now
	return l
}

// Issue mints an access token plus a fresh refresh token for the subject
// and persists the refresh-token hash.
func (l *Lifecycle) Issue(ctx context.Context, subject Subject, meta Metadata) (Bundle, error) {
	access, expiresIn, err := l.issuer.IssueAccess(subject.AccountID, subject.TenantID, subject.TenantCode, subject.Roles)
	if err != nil {
		return Bundle{}, err
	}

	raw, hash, err := l.issuer.NewRefreshToken()
	if err != nil {
		return Bundle{}, fmt.Errorf("generate refresh token: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Bundle{}, fmt.Errorf("generate refresh token id: %w", err)
	}

	now := l.now().UTC()
	tok := RefreshToken{
		ID:         id.String(),
		AccountID:  subject.AccountID,
		TenantID:   subject.TenantID,
		TenantCode: subject.TenantCode,
		TokenHash:  hash,
		ExpiresAt:  now.Add(l.refreshTTL),
		CreatedAt:  now,
		IP:         meta.IP,
		Device:     meta.Device,
	}
	if err := l.store.Save(ctx, tok); err != nil {
		return Bundle{}, err
	}

	return Bundle{
		AccessToken:  access,
		RefreshToken: raw,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

// Rotate exchanges a refresh token for a new bundle. A rotated token is
// single-use: presenting it again revokes the whole session family of the
// account, on the assumption that the token was stolen.
func (l *Lifecycle) Rotate(ctx context.Context, rawToken string, meta Metadata) (Bundle, error) {
	hash := credential.HashToken(rawToken)
	now := l.now().UTC()

	tok, err := l.store.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			l.auditRefreshFailed(RefreshToken{}, meta, "unknown_token")
			return Bundle{}, ErrInvalidToken
		}
		return Bundle{}, err
	}

	if !tok.Active(now) {
		return Bundle{}, l.handleInactive(ctx, tok, meta, now)
	}

	acct, err := l.accounts.GetByID(ctx, tok.AccountID)
	if err != nil {
		return Bundle{}, err
	}
	if !acct.Active {
		if _, err := l.RevokeAllForAccount(ctx, tok.AccountID, ReasonUserDeactivated); err != nil {
			return Bundle{}, err
		}
		l.auditRefreshFailed(tok, meta, "account_deactivated")
		return Bundle{}, ErrInvalidToken
	}

	access, expiresIn, err := l.issuer.IssueAccess(acct.ID, tok.TenantID, tok.TenantCode, acct.Roles)
	if err != nil {
		return Bundle{}, err
	}

	raw, newHash, err := l.issuer.NewRefreshToken()
	if err != nil {
		return Bundle{}, fmt.Errorf("generate rotated refresh token: %w", err)
	}
	newID, err := uuid.NewV7()
	if err != nil {
		return Bundle{}, fmt.Errorf("generate rotated refresh token id: %w", err)
	}

	// The conditional update is the rotation lock: of two concurrent
	// rotators only one revokes the current token. The loser re-reads and
	// walks the reuse branch when it sees a successor.
	won, err := l.store.MarkRevoked(ctx, tok.ID, ReasonReplaced, newHash, now)
	if err != nil {
		return Bundle{}, err
	}
	if !won {
		current, err := l.store.GetByHash(ctx, hash)
		if err != nil {
			return Bundle{}, err
		}
		return Bundle{}, l.handleInactive(ctx, current, meta, now)
	}

	successor := RefreshToken{
		ID:         newID.String(),
		AccountID:  tok.AccountID,
		TenantID:   tok.TenantID,
		TenantCode: tok.TenantCode,
		TokenHash:  newHash,
		ExpiresAt:  now.Add(l.refreshTTL),
		CreatedAt:  now,
		IP:         meta.IP,
		Device:     meta.Device,
	}
	if err := l.store.Save(ctx, successor); err != nil {
		// The old token is revoked but its successor was never stored.
		// Drop the link so a retry reads as a plain revoked token instead
		// of tripping the reuse cascade.
		_ = l.store.ClearSuccessor(ctx, tok.ID)
		return Bundle{}, err
	}

	l.sink.Log(audit.EventRefreshSucceeded, audit.Fields{
		AccountID: tok.AccountID,
		TenantID:  tok.TenantID,
		IP:        meta.IP,
		Device:    meta.Device,
	})

	return Bundle{
		AccessToken:  access,
		RefreshToken: raw,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

// handleInactive decides between the plain invalid-token failure and the
// reuse-detection cascade for a token that can no longer be exchanged.
func (l *Lifecycle) handleInactive(ctx context.Context, tok RefreshToken, meta Metadata, now time.Time) error {
	if tok.RevokedAt != nil && tok.SuccessorHash != "" {
		if err := l.store.MarkReused(ctx, tok.ID, now); err != nil {
			return err
		}
		revoked, err := l.RevokeAllForAccount(ctx, tok.AccountID, ReasonReused)
		if err != nil {
			return err
		}
		l.sink.Log(audit.EventRefreshFailed, audit.Fields{
			AccountID: tok.AccountID,
			TenantID:  tok.TenantID,
			IP:        meta.IP,
			Device:    meta.Device,
			Extras: map[string]any{
				"reason":          "reuse_detected",
				"tokens_revoked":  revoked,
				"security_alert":  true,
				"presented_token": tok.ID,
			},
		})
		return ErrReuseDetected
	}

	reason := "expired"
	if tok.RevokedAt != nil {
		reason = "revoked"
	}
	l.auditRefreshFailed(tok, meta, reason)
	return ErrInvalidToken
}

// Revoke marks a presented token manually revoked, e.g. on logout. Revoking
// an already-inactive token reports ErrInvalidToken; callers treat that as
// non-fatal.
func (l *Lifecycle) Revoke(ctx context.Context, rawToken string, meta Metadata) error {
	hash := credential.HashToken(rawToken)
	now := l.now().UTC()

	tok, err := l.store.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			l.sink.Log(audit.EventRevokeFailed, audit.Fields{
				IP: meta.IP, Device: meta.Device,
				Extras: map[string]any{"reason": "unknown_token"},
			})
			return ErrInvalidToken
		}
		return err
	}

	won, err := l.store.MarkRevoked(ctx, tok.ID, ReasonManuallyRevoked, "", now)
	if err != nil {
		return err
	}
	if !won || !now.Before(tok.ExpiresAt) {
		l.sink.Log(audit.EventRevokeFailed, audit.Fields{
			AccountID: tok.AccountID,
			TenantID:  tok.TenantID,
			IP:        meta.IP,
			Device:    meta.Device,
			Extras:    map[string]any{"reason": "already_inactive"},
		})
		return ErrInvalidToken
	}

	l.sink.Log(audit.EventRevokeSucceeded, audit.Fields{
		AccountID: tok.AccountID,
		TenantID:  tok.TenantID,
		IP:        meta.IP,
		Device:    meta.Device,
	})
	return nil
}

// RevokeAllForAccount revokes every active token of the account and returns
// how many were revoked.
func (l *Lifecycle) RevokeAllForAccount(ctx context.Context, accountID string, reason RevocationReason) (int, error) {
	now := l.now().UTC()

	active, err := l.store.ListActiveForAccount(ctx, accountID, now)
	if err != nil {
		return 0, err
	}

	revoked := 0
	for _, tok := range active {
		won, err := l.store.MarkRevoked(ctx, tok.ID, reason, "", now)
		if err != nil {
			return revoked, err
		}
		if won {
			revoked++
		}
	}

	if revoked > 0 {
		l.sink.Log(audit.EventRevokeSucceeded, audit.Fields{
			AccountID: accountID,
			Extras: map[string]any{
				"cascade": true,
				"reason":  string(reason),
				"count":   revoked,
			},
		})
	}
	return revoked, nil
}

func (l *Lifecycle) auditRefreshFailed(tok RefreshToken, meta Metadata, reason string) {
	l.sink.Log(audit.EventRefreshFailed, audit.Fields{
		AccountID: tok.AccountID,
		TenantID:  tok.TenantID,
		IP:        meta.IP,
		Device:    meta.Device,
		Extras:    map[string]any{"reason": reason},
	})
}
