package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore persists accounts in the accounts table. Roles and backup
// code hashes are stored as JSONB arrays.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `
	id, tenant_id, email, password_hash, roles, active,
	failed_attempts, lockout_until, password_changed_at, last_login_at,
	totp_secret, totp_enabled, backup_code_hashes, created_at, updated_at`

func (s *PostgresStore) GetByID(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, id)
	return scanAccount(row)
}

func (s *PostgresStore) GetByEmail(ctx context.Context, tenantID, email string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE tenant_id = $1 AND email = $2
	`, tenantID, NormalizeEmail(email))
	return scanAccount(row)
}

func (s *PostgresStore) Save(ctx context.Context, acct Account) error {
	roles, err := json.Marshal(acct.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	backupCodes, err := json.Marshal(acct.BackupCodeHashes)
	if err != nil {
		return fmt.Errorf("encode backup code hashes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, tenant_id, email, password_hash, roles, active,
			failed_attempts, lockout_until, password_changed_at, last_login_at,
			totp_secret, totp_enabled, backup_code_hashes, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			password_hash = EXCLUDED.password_hash,
			roles = EXCLUDED.roles,
			active = EXCLUDED.active,
			failed_attempts = EXCLUDED.failed_attempts,
			lockout_until = EXCLUDED.lockout_until,
			password_changed_at = EXCLUDED.password_changed_at,
			last_login_at = EXCLUDED.last_login_at,
			totp_secret = EXCLUDED.totp_secret,
			totp_enabled = EXCLUDED.totp_enabled,
			backup_code_hashes = EXCLUDED.backup_code_hashes,
			updated_at = EXCLUDED.updated_at
	`, acct.ID, acct.TenantID, acct.Email, acct.PasswordHash, string(roles), acct.Active,
		acct.FailedAttempts, nullableTime(acct.LockoutUntil), acct.PasswordChangedAt, nullableTime(acct.LastLoginAt),
		nullableString(acct.TOTPSecret), acct.TOTPEnabled, string(backupCodes), acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEmailTaken
		}
		return fmt.Errorf("upsert account: %w", err)
	}

	return nil
}

// RecordFailedAttempt is a single UPDATE so the row lock, not the caller,
// serializes concurrent failures.
func (s *PostgresStore) RecordFailedAttempt(ctx context.Context, id string, maxAttempts int, lockUntil, at time.Time) (int, *time.Time, error) {
	var attempts int
	var lockout sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET failed_attempts = CASE WHEN failed_attempts + 1 >= $2 THEN 0 ELSE failed_attempts + 1 END,
		    lockout_until = CASE WHEN failed_attempts + 1 >= $2 THEN $3 ELSE lockout_until END,
		    updated_at = $4
		WHERE id = $1
		RETURNING failed_attempts, lockout_until
	`, id, maxAttempts, lockUntil.UTC(), at.UTC()).Scan(&attempts, &lockout)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, fmt.Errorf("record failed attempt: %w", err)
	}

	var lockedUntil *time.Time
	if lockout.Valid {
		value := lockout.Time.UTC()
		lockedUntil = &value
	}
	return attempts, lockedUntil, nil
}

func (s *PostgresStore) RecordLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET failed_attempts = 0, lockout_until = NULL, last_login_at = $2, updated_at = $2
		WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record login rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDormantSince(ctx context.Context, cutoff time.Time, limit int) ([]Account, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE active = TRUE
		  AND COALESCE(last_login_at, created_at) < $1
		ORDER BY COALESCE(last_login_at, created_at) ASC
		LIMIT $2
	`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query dormant accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]Account, 0)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dormant accounts: %w", err)
	}

	return accounts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var acct Account
	var roles, backupCodes string
	var lockoutUntil, lastLoginAt sql.NullTime
	var totpSecret sql.NullString

	err := row.Scan(
		&acct.ID, &acct.TenantID, &acct.Email, &acct.PasswordHash, &roles, &acct.Active,
		&acct.FailedAttempts, &lockoutUntil, &acct.PasswordChangedAt, &lastLoginAt,
		&totpSecret, &acct.TOTPEnabled, &backupCodes, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("scan account: %w", err)
	}

	if err := json.Unmarshal([]byte(roles), &acct.Roles); err != nil {
		return Account{}, fmt.Errorf("decode roles: %w", err)
	}
	if err := json.Unmarshal([]byte(backupCodes), &acct.BackupCodeHashes); err != nil {
		return Account{}, fmt.Errorf("decode backup code hashes: %w", err)
	}
	if lockoutUntil.Valid {
		value := lockoutUntil.Time.UTC()
		acct.LockoutUntil = &value
	}
	if lastLoginAt.Valid {
		value := lastLoginAt.Time.UTC()
		acct.LastLoginAt = &value
	}
	acct.TOTPSecret = totpSecret.String

	return acct, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
