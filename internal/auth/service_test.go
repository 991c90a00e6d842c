package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/account"
	"authgate/internal/audit"
	"authgate/internal/credential"
	"authgate/internal/password"
	"authgate/internal/session"
	"authgate/internal/twofactor"
)

type fixture struct {
	guard    *Guard
	accounts *account.MemoryStore
	tokens   *session.MemoryStore
	sessions *session.Lifecycle
	sink     *audit.CaptureSink
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		accounts: account.NewMemoryStore(),
		tokens:   session.NewMemoryStore(),
		sink:     audit.NewCaptureSink(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	clock := func() time.Time { return f.now }

	issuer := newTestIssuer(clock)
	f.sessions = session.NewLifecycle(f.tokens, f.accounts, issuer, f.sink, 7*24*time.Hour).
		WithClock(clock)
	twoFactor := twofactor.NewManager(f.accounts, f.sink, "authgate").WithClock(clock)
	f.guard = NewGuard(f.accounts, f.sessions, f.sink).
		WithLockoutPolicy(5, 15*time.Minute).
		WithTwoFactor(twoFactor).
		WithClock(clock)

	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) createAccount(t *testing.T, email, plainPassword string) account.Account {
	t.Helper()

	hash, err := credential.HashSecret(plainPassword)
	require.NoError(t, err)

	acct := account.Account{
		ID:           "acct-" + email,
		TenantID:     "tenant-1",
		Email:        account.NormalizeEmail(email),
		PasswordHash: hash,
		Roles:        []string{"user"},
		Active:       true,
		CreatedAt:    f.now,
		UpdatedAt:    f.now,
	}
	require.NoError(t, f.accounts.Save(context.Background(), acct))
	return acct
}

func (f *fixture) login(email, pass string) (session.Bundle, error) {
	return f.guard.Login(context.Background(), LoginInput{
		Email:      email,
		Password:   pass,
		TenantID:   "tenant-1",
		TenantCode: "webshop",
		IP:         "1.2.3.4",
		Device:     "test",
	})
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "user@example.com", "Correct-Horse-7!")

	bundle, err := f.login("user@example.com", "Correct-Horse-7!")
	require.NoError(t, err)
	assert.NotEmpty(t, bundle.AccessToken)
	assert.NotEmpty(t, bundle.RefreshToken)

	acct, err := f.accounts.GetByEmail(context.Background(), "tenant-1", "user@example.com")
	require.NoError(t, err)
	assert.Zero(t, acct.FailedAttempts)
	require.NotNil(t, acct.LastLoginAt)
	assert.Equal(t, f.now, *acct.LastLoginAt)

	assert.Contains(t, f.sink.TypesSeen(), audit.EventLoginSucceeded)
}

func TestUnknownEmailAndWrongPasswordIndistinguishable(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "user@example.com", "Correct-Horse-7!")

	_, errUnknown := f.login("nobody@example.com", "Correct-Horse-7!")
	_, errWrong := f.login("user@example.com", "Wrong-Horse-7!!")

	assert.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	assert.ErrorIs(t, errWrong, ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
}

func TestLockoutAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "user@example.com", "Correct-Horse-7!")

	// Four failures leave the account open.
	for i := 0; i < 4; i++ {
		_, err := f.login("user@example.com", "Wrong-Horse-7!!")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// The fifth trips the lockout and says so.
	_, err := f.login("user@example.com", "Wrong-Horse-7!!")
	var locked ErrAccountLocked
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, f.now.Add(15*time.Minute), locked.Until)

	// Even the correct password is rejected while locked, without touching
	// the counter.
	_, err = f.login("user@example.com", "Correct-Horse-7!")
	assert.ErrorAs(t, err, &locked)

	acct, err := f.accounts.GetByEmail(context.Background(), "tenant-1", "user@example.com")
	require.NoError(t, err)
	assert.Zero(t, acct.FailedAttempts)

	// After the lockout elapses the correct password works and the counter
	// stays zero.
	f.advance(15*time.Minute + time.Second)
	_, err = f.login("user@example.com", "Correct-Horse-7!")
	require.NoError(t, err)

	acct, err = f.accounts.GetByEmail(context.Background(), "tenant-1", "user@example.com")
	require.NoError(t, err)
	assert.Zero(t, acct.FailedAttempts)
	assert.Nil(t, acct.LockoutUntil)

	assert.Contains(t, f.sink.TypesSeen(), audit.EventAccountLocked)
}

func TestConcurrentFailuresAllCounted(t *testing.T) {
	f := newFixture(t)
	acct := f.createAccount(t, "user@example.com", "Correct-Horse-7!")

	// Four parallel wrong-password attempts must each land on the counter;
	// a read-modify-write would collapse them into one.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.login("user@example.com", "Wrong-Horse-7!!")
			assert.Error(t, err)
		}()
	}
	wg.Wait()

	stored, err := f.accounts.GetByID(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.FailedAttempts)
	assert.Nil(t, stored.LockoutUntil)

	// One more failure reaches the threshold and locks.
	_, err = f.login("user@example.com", "Wrong-Horse-7!!")
	var locked ErrAccountLocked
	assert.ErrorAs(t, err, &locked)
}

func TestLockoutRevokesActiveSessions(t *testing.T) {
	f := newFixture(t)
	acct := f.createAccount(t, "user@example.com", "Correct-Horse-7!")

	_, err := f.login("user@example.com", "Correct-Horse-7!")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		f.login("user@example.com", "Wrong-Horse-7!!")
	}

	active, err := f.tokens.ListActiveForAccount(context.Background(), acct.ID, f.now)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "user@example.com", "Correct-Horse-7!")

	for i := 0; i < 3; i++ {
		f.login("user@example.com", "Wrong-Horse-7!!")
	}
	_, err := f.login("user@example.com", "Correct-Horse-7!")
	require.NoError(t, err)

	// Counter is back at zero, so four more failures do not lock.
	for i := 0; i < 4; i++ {
		_, err := f.login("user@example.com", "Wrong-Horse-7!!")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
}

func TestDeactivatedAccountRejected(t *testing.T) {
	f := newFixture(t)
	acct := f.createAccount(t, "user@example.com", "Correct-Horse-7!")

	acct.Active = false
	require.NoError(t, f.accounts.Save(context.Background(), acct))

	_, err := f.login("user@example.com", "Correct-Horse-7!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginWithTwoFactor(t *testing.T) {
	f := newFixture(t)
	acct := f.createAccount(t, "user@example.com", "Correct-Horse-7!")

	twoFactor := twofactor.NewManager(f.accounts, f.sink, "authgate").
		WithClock(func() time.Time { return f.now })
	enrollment, err := twoFactor.Setup(context.Background(), acct.ID)
	require.NoError(t, err)

	code := totpCodeAt(t, enrollment.Secret, f.now)
	require.NoError(t, twoFactor.Enable(context.Background(), acct.ID, code))

	// Password alone is no longer enough.
	_, err = f.login("user@example.com", "Correct-Horse-7!")
	assert.ErrorIs(t, err, ErrTwoFactorRequired)

	// Password plus a live code works.
	_, err = f.guard.Login(context.Background(), LoginInput{
		Email:         "user@example.com",
		Password:      "Correct-Horse-7!",
		TenantID:      "tenant-1",
		TwoFactorCode: totpCodeAt(t, enrollment.Secret, f.now),
	})
	require.NoError(t, err)

	// A backup code also works, exactly once.
	_, err = f.guard.Login(context.Background(), LoginInput{
		Email:         "user@example.com",
		Password:      "Correct-Horse-7!",
		TenantID:      "tenant-1",
		TwoFactorCode: enrollment.BackupCodes[0],
	})
	require.NoError(t, err)

	_, err = f.guard.Login(context.Background(), LoginInput{
		Email:         "user@example.com",
		Password:      "Correct-Horse-7!",
		TenantID:      "tenant-1",
		TwoFactorCode: enrollment.BackupCodes[0],
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bundle, err := f.guard.Register(ctx, RegisterInput{
		Email:      "New.User@Example.com",
		Password:   "Brand-New-Pass-7!",
		TenantID:   "tenant-1",
		TenantCode: "webshop",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, bundle.RefreshToken)

	acct, err := f.accounts.GetByEmail(ctx, "tenant-1", "new.user@example.com")
	require.NoError(t, err)
	assert.True(t, acct.Active)
	assert.NotEqual(t, "Brand-New-Pass-7!", acct.PasswordHash)

	// Duplicate email conflicts.
	_, err = f.guard.Register(ctx, RegisterInput{
		Email:    "new.user@example.com",
		Password: "Other-Long-Pass-7!",
		TenantID: "tenant-1",
	})
	assert.ErrorIs(t, err, account.ErrEmailTaken)

	// Weak password fails the policy before anything is stored.
	_, err = f.guard.Register(ctx, RegisterInput{
		Email:    "weak@example.com",
		Password: "short",
		TenantID: "tenant-1",
	})
	var violation password.Violation
	assert.ErrorAs(t, err, &violation)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	acct := f.createAccount(t, "user@example.com", "Correct-Horse-7!")
	ctx := context.Background()

	bundle, err := f.login("user@example.com", "Correct-Horse-7!")
	require.NoError(t, err)

	// Wrong current password is rejected.
	err = f.guard.ChangePassword(ctx, acct.ID, "Wrong-Horse-7!!", "Another-Pass-9!!", "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, f.guard.ChangePassword(ctx, acct.ID, "Correct-Horse-7!", "Another-Pass-9!!", "", ""))

	// Old sessions are revoked.
	_, err = f.sessions.Rotate(ctx, bundle.RefreshToken, session.Metadata{})
	assert.ErrorIs(t, err, session.ErrInvalidToken)

	// The new password logs in.
	_, err = f.login("user@example.com", "Another-Pass-9!!")
	require.NoError(t, err)

	assert.Contains(t, f.sink.TypesSeen(), audit.EventPasswordChanged)
}

func TestDeactivateRevokesSessions(t *testing.T) {
	f := newFixture(t)
	acct := f.createAccount(t, "user@example.com", "Correct-Horse-7!")
	ctx := context.Background()

	bundle, err := f.login("user@example.com", "Correct-Horse-7!")
	require.NoError(t, err)

	require.NoError(t, f.guard.Deactivate(ctx, acct.ID))

	_, err = f.sessions.Rotate(ctx, bundle.RefreshToken, session.Metadata{})
	assert.ErrorIs(t, err, session.ErrInvalidToken)

	_, err = f.login("user@example.com", "Correct-Horse-7!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
