package twofactor

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"image/png"
	"math/big"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"authgate/internal/account"
	"authgate/internal/audit"
	"authgate/internal/credential"
)

const (
	totpPeriod = 30
	// totpSkew allows one step of clock drift on each side.
	totpSkew = 1

	secretBytes      = 32
	backupCodeCount  = 10
	backupCodeDigits = 6

	qrImageSize = 200
)

var (
	ErrNotProvisioned = errors.New("two-factor secret not provisioned")
	ErrAlreadyEnabled = errors.New("two-factor already enabled")
	ErrNotEnabled     = errors.New("two-factor not enabled")
	ErrInvalidCode    = errors.New("invalid two-factor code")
)

// Enrollment is returned from Setup. The secret and the backup codes appear
// here in plaintext exactly once; only hashes of the backup codes are stored.
type Enrollment struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	QRCodePNG       []byte   `json:"qr_code_png"`
	BackupCodes     []string `json:"backup_codes"`
}

// Manager provisions and verifies TOTP second factors with single-use
// backup codes.
type Manager struct {
	accounts account.Store
	sink     audit.Sink
	issuer   string
	now      func() time.Time
}

func NewManager(accounts account.Store, sink audit.Sink, issuer string) *Manager {
	if issuer == "" {
		issuer = "authgate"
	}
	return &Manager{
		accounts: accounts,
		sink:     sink,
		issuer:   issuer,
		now:      time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Setup generates a fresh secret, provisioning URI, QR code and backup
// codes for the account. The factor stays disabled until Enable verifies a
// live code from the authenticator.
func (m *Manager) Setup(ctx context.Context, accountID string) (Enrollment, error) {
	acct, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return Enrollment{}, err
	}
	if acct.TOTPEnabled {
		return Enrollment{}, ErrAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: acct.Email,
		SecretSize:  secretBytes,
		Period:      totpPeriod,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}

	img, err := key.Image(qrImageSize, qrImageSize)
	if err != nil {
		return Enrollment{}, fmt.Errorf("render totp qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Enrollment{}, fmt.Errorf("encode totp qr: %w", err)
	}

	codes, hashes, err := newBackupCodes()
	if err != nil {
		return Enrollment{}, err
	}

	acct.TOTPSecret = key.Secret()
	acct.TOTPEnabled = false
	acct.BackupCodeHashes = hashes
	acct.UpdatedAt = m.now().UTC()
	if err := m.accounts.Save(ctx, acct); err != nil {
		return Enrollment{}, err
	}

	return Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCodePNG:       buf.Bytes(),
		BackupCodes:     codes,
	}, nil
}

// Enable turns the factor on after verifying a code against the stored
// secret.
func (m *Manager) Enable(ctx context.Context, accountID, code string) error {
	acct, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.TOTPEnabled {
		return ErrAlreadyEnabled
	}
	if acct.TOTPSecret == "" {
		return ErrNotProvisioned
	}

	if !VerifyCode(acct.TOTPSecret, code, m.now().UTC()) {
		return ErrInvalidCode
	}

	acct.TOTPEnabled = true
	acct.UpdatedAt = m.now().UTC()
	if err := m.accounts.Save(ctx, acct); err != nil {
		return err
	}

	m.sink.Log(audit.EventTwoFactorEnabled, audit.Fields{
		AccountID: acct.ID,
		TenantID:  acct.TenantID,
		Email:     acct.Email,
	})
	return nil
}

// Disable clears the secret, the backup codes and the enabled flag without
// re-verifying a current code. That is a deliberate simplification; callers
// wanting stricter behavior should require re-authentication before calling
// this.
func (m *Manager) Disable(ctx context.Context, accountID string) error {
	acct, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}

	acct.TOTPSecret = ""
	acct.TOTPEnabled = false
	acct.BackupCodeHashes = nil
	acct.UpdatedAt = m.now().UTC()
	if err := m.accounts.Save(ctx, acct); err != nil {
		return err
	}

	m.sink.Log(audit.EventTwoFactorDisabled, audit.Fields{
		AccountID: acct.ID,
		TenantID:  acct.TenantID,
		Email:     acct.Email,
	})
	return nil
}

// Verify checks a live code for an account with the factor enabled. It has
// no side effects and does not consume backup codes.
func (m *Manager) Verify(ctx context.Context, accountID, code string) (bool, error) {
	acct, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return false, err
	}
	if !acct.TOTPEnabled {
		return false, ErrNotEnabled
	}
	return VerifyCode(acct.TOTPSecret, code, m.now().UTC()), nil
}

// VerifyCode checks a TOTP code against a secret at the given time. It is
// stateless: the same code verifies as often as asked within its window.
func VerifyCode(secret, code string, at time.Time) bool {
	if secret == "" || code == "" {
		return false
	}
	valid, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

// VerifyBackupCode consumes a backup code: on match the code is removed
// from the stored set so it can never be used again.
func (m *Manager) VerifyBackupCode(ctx context.Context, accountID, code string) (bool, error) {
	acct, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return false, err
	}

	for i, hash := range acct.BackupCodeHashes {
		if credential.VerifySecret(code, hash) {
			acct.BackupCodeHashes = append(acct.BackupCodeHashes[:i], acct.BackupCodeHashes[i+1:]...)
			acct.UpdatedAt = m.now().UTC()
			if err := m.accounts.Save(ctx, acct); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// RegenerateBackupCodes replaces the stored set atomically and returns the
// new plaintext codes once.
func (m *Manager) RegenerateBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	acct, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.TOTPSecret == "" {
		return nil, ErrNotProvisioned
	}

	codes, hashes, err := newBackupCodes()
	if err != nil {
		return nil, err
	}

	acct.BackupCodeHashes = hashes
	acct.UpdatedAt = m.now().UTC()
	if err := m.accounts.Save(ctx, acct); err != nil {
		return nil, err
	}

	return codes, nil
}

func newBackupCodes() (codes, hashes []string, err error) {
	codes = make([]string, 0, backupCodeCount)
	hashes = make([]string, 0, backupCodeCount)

	bound := big.NewInt(1)
	for i := 0; i < backupCodeDigits; i++ {
		bound.Mul(bound, big.NewInt(10))
	}

	for i := 0; i < backupCodeCount; i++ {
		n, err := rand.Int(rand.Reader, bound)
		if err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		code := fmt.Sprintf("%0*d", backupCodeDigits, n)
		hash, err := credential.HashSecret(code)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, hash)
	}
	return codes, hashes, nil
}
