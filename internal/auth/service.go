package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"authgate/internal/account"
	"authgate/internal/audit"
	"authgate/internal/credential"
	"authgate/internal/password"
	"authgate/internal/session"
	"authgate/internal/twofactor"
)

const (
	defaultMaxAttempts  = 5
	defaultLockDuration = 15 * time.Minute
)

var (
	// ErrInvalidCredentials covers unknown email, wrong password and any
	// other authentication failure the caller must not be able to tell
	// apart. Audit records hold the precise reason.
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrTwoFactorRequired = errors.New("two-factor code required")
)

// ErrAccountLocked rejects logins while a lockout is in effect.
type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return "account temporarily locked"
}

// Guard orchestrates login attempts: credential check, lockout accounting,
// optional second factor, session issue.
type Guard struct {
	accounts     account.Store
	sessions     *session.Lifecycle
	twoFactor    *twofactor.Manager
	sink         audit.Sink
	maxAttempts  int
	lockDuration time.Duration
	now          func() time.Time
}

func NewGuard(accounts account.Store, sessions *session.Lifecycle, sink audit.Sink) *Guard {
	return &Guard{
		accounts:     accounts,
		sessions:     sessions,
		sink:         sink,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockDuration,
		now:          time.Now,
	}
}

// WithLockoutPolicy overrides the failed-attempt threshold and the lockout
// duration.
func (g *Guard) WithLockoutPolicy(maxAttempts int, lockDuration time.Duration) *Guard {
	if maxAttempts > 0 {
		g.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		g.lockDuration = lockDuration
	}
	return g
}

// WithTwoFactor enables second-factor checks during login.
func (g *Guard) WithTwoFactor(manager *twofactor.Manager) *Guard {
	g.twoFactor = manager
	return g
}

// WithClock overrides the time source, used by tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

type LoginInput struct {
	Email         string
	Password      string
	TenantID      string
	TenantCode    string
	TwoFactorCode string
	IP            string
	Device        string
}

// dummyHash keeps the bcrypt cost on the unknown-email path so response
// timing does not reveal whether an email exists.
var dummyHash = func() string {
	hash, _ := credential.HashSecret("authgate-timing-equalizer")
	return hash
}()

// Login validates a password login and issues a session bundle.
func (g *Guard) Login(ctx context.Context, input LoginInput) (session.Bundle, error) {
	email := account.NormalizeEmail(input.Email)
	now := g.now().UTC()

	if email == "" || input.Password == "" {
		g.auditLoginFailed(account.Account{}, input, "missing_credentials")
		return session.Bundle{}, ErrInvalidCredentials
	}

	acct, err := g.accounts.GetByEmail(ctx, input.TenantID, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			credential.VerifySecret(input.Password, dummyHash)
			g.auditLoginFailed(account.Account{}, input, "unknown_email")
			return session.Bundle{}, ErrInvalidCredentials
		}
		return session.Bundle{}, err
	}

	if acct.Locked(now) {
		g.auditLoginFailed(acct, input, "locked")
		return session.Bundle{}, ErrAccountLocked{Until: *acct.LockoutUntil}
	}

	if !acct.Active {
		credential.VerifySecret(input.Password, dummyHash)
		g.auditLoginFailed(acct, input, "deactivated")
		return session.Bundle{}, ErrInvalidCredentials
	}

	if !credential.VerifySecret(input.Password, acct.PasswordHash) {
		return session.Bundle{}, g.registerFailedAttempt(ctx, acct, input, now)
	}

	if acct.TOTPEnabled {
		if input.TwoFactorCode == "" {
			g.auditLoginFailed(acct, input, "two_factor_missing")
			return session.Bundle{}, ErrTwoFactorRequired
		}
		ok, err := g.verifySecondFactor(ctx, acct, input.TwoFactorCode, now)
		if err != nil {
			return session.Bundle{}, err
		}
		if !ok {
			g.auditLoginFailed(acct, input, "two_factor_invalid")
			return session.Bundle{}, ErrInvalidCredentials
		}
	}

	if err := g.accounts.RecordLogin(ctx, acct.ID, now); err != nil {
		return session.Bundle{}, err
	}

	bundle, err := g.sessions.Issue(ctx, session.Subject{
		AccountID:  acct.ID,
		TenantID:   acct.TenantID,
		TenantCode: input.TenantCode,
		Roles:      acct.Roles,
	}, session.Metadata{IP: input.IP, Device: input.Device})
	if err != nil {
		return session.Bundle{}, err
	}

	g.sink.Log(audit.EventLoginSucceeded, audit.Fields{
		AccountID: acct.ID,
		TenantID:  acct.TenantID,
		Email:     acct.Email,
		IP:        input.IP,
		Device:    input.Device,
	})

	return bundle, nil
}

// registerFailedAttempt counts the failure through the store's atomic
// update and trips the lockout at the threshold. The counter resets on
// lockout so the next window starts clean; active sessions are revoked as
// well.
func (g *Guard) registerFailedAttempt(ctx context.Context, acct account.Account, input LoginInput, now time.Time) error {
	attempts, lockedUntil, err := g.accounts.RecordFailedAttempt(ctx, acct.ID, g.maxAttempts, now.Add(g.lockDuration), now)
	if err != nil {
		return err
	}

	if lockedUntil != nil && lockedUntil.After(now) {
		// The counter reads zero exactly when this call tripped the lock.
		// A concurrent failure landing just after sees a non-zero counter
		// and skips the cascade.
		if attempts == 0 {
			if _, err := g.sessions.RevokeAllForAccount(ctx, acct.ID, session.ReasonManuallyRevoked); err != nil {
				return err
			}
			g.sink.Log(audit.EventAccountLocked, audit.Fields{
				AccountID: acct.ID,
				TenantID:  acct.TenantID,
				Email:     acct.Email,
				IP:        input.IP,
				Device:    input.Device,
				Extras:    map[string]any{"locked_until": lockedUntil.Format(time.RFC3339)},
			})
		}
		return ErrAccountLocked{Until: *lockedUntil}
	}

	g.auditLoginFailed(acct, input, "wrong_password")
	return ErrInvalidCredentials
}

// verifySecondFactor accepts either a current TOTP code or a single-use
// backup code.
func (g *Guard) verifySecondFactor(ctx context.Context, acct account.Account, code string, now time.Time) (bool, error) {
	if g.twoFactor == nil {
		return false, fmt.Errorf("two-factor manager not configured")
	}
	if twofactor.VerifyCode(acct.TOTPSecret, code, now) {
		return true, nil
	}
	return g.twoFactor.VerifyBackupCode(ctx, acct.ID, code)
}

type RegisterInput struct {
	Email      string
	Password   string
	TenantID   string
	TenantCode string
	Roles      []string
	IP         string
	Device     string
}

// Register creates an account and issues its first session.
func (g *Guard) Register(ctx context.Context, input RegisterInput) (session.Bundle, error) {
	email := account.NormalizeEmail(input.Email)
	now := g.now().UTC()

	if err := password.Validate(input.Password, email); err != nil {
		return session.Bundle{}, err
	}

	if _, err := g.accounts.GetByEmail(ctx, input.TenantID, email); err == nil {
		return session.Bundle{}, account.ErrEmailTaken
	} else if !errors.Is(err, account.ErrNotFound) {
		return session.Bundle{}, err
	}

	hash, err := credential.HashSecret(input.Password)
	if err != nil {
		return session.Bundle{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return session.Bundle{}, fmt.Errorf("generate account id: %w", err)
	}

	acct := account.Account{
		ID:                id.String(),
		TenantID:          input.TenantID,
		Email:             email,
		PasswordHash:      hash,
		Roles:             input.Roles,
		Active:            true,
		PasswordChangedAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := g.accounts.Save(ctx, acct); err != nil {
		return session.Bundle{}, err
	}

	g.sink.Log(audit.EventAccountRegistered, audit.Fields{
		AccountID: acct.ID,
		TenantID:  acct.TenantID,
		Email:     acct.Email,
		IP:        input.IP,
		Device:    input.Device,
	})

	return g.sessions.Issue(ctx, session.Subject{
		AccountID:  acct.ID,
		TenantID:   acct.TenantID,
		TenantCode: input.TenantCode,
		Roles:      acct.Roles,
	}, session.Metadata{IP: input.IP, Device: input.Device})
}

// ChangePassword verifies the current password, applies the policy to the
// new one and revokes every session of the account so stolen refresh
// tokens die with the old password.
func (g *Guard) ChangePassword(ctx context.Context, accountID, current, next, ip, device string) error {
	acct, err := g.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}

	if !credential.VerifySecret(current, acct.PasswordHash) {
		g.auditLoginFailed(acct, LoginInput{Email: acct.Email, TenantID: acct.TenantID, IP: ip, Device: device}, "password_change_wrong_current")
		return ErrInvalidCredentials
	}

	if err := password.Validate(next, acct.Email); err != nil {
		return err
	}

	hash, err := credential.HashSecret(next)
	if err != nil {
		return err
	}

	now := g.now().UTC()
	acct.PasswordHash = hash
	acct.PasswordChangedAt = now
	acct.UpdatedAt = now
	if err := g.accounts.Save(ctx, acct); err != nil {
		return err
	}

	if _, err := g.sessions.RevokeAllForAccount(ctx, acct.ID, session.ReasonManuallyRevoked); err != nil {
		return err
	}

	g.sink.Log(audit.EventPasswordChanged, audit.Fields{
		AccountID: acct.ID,
		TenantID:  acct.TenantID,
		Email:     acct.Email,
		IP:        ip,
		Device:    device,
	})

	return nil
}

// Logout revokes the presented refresh token. An already-inactive token is
// reported but not treated as fatal by callers.
func (g *Guard) Logout(ctx context.Context, rawRefreshToken, ip, device string) error {
	return g.sessions.Revoke(ctx, rawRefreshToken, session.Metadata{IP: ip, Device: device})
}

// Deactivate soft-disables an account and revokes all of its sessions.
func (g *Guard) Deactivate(ctx context.Context, accountID string) error {
	acct, err := g.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}

	acct.Active = false
	acct.UpdatedAt = g.now().UTC()
	if err := g.accounts.Save(ctx, acct); err != nil {
		return err
	}

	_, err = g.sessions.RevokeAllForAccount(ctx, accountID, session.ReasonUserDeactivated)
	return err
}

func (g *Guard) auditLoginFailed(acct account.Account, input LoginInput, reason string) {
	g.sink.Log(audit.EventLoginFailed, audit.Fields{
		AccountID: acct.ID,
		TenantID:  input.TenantID,
		Email:     account.NormalizeEmail(input.Email),
		IP:        input.IP,
		Device:    input.Device,
		Extras:    map[string]any{"reason": reason},
	})
}
