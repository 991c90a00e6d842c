package apikey

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists API keys in the api_keys table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `
	id, account_id, tenant_id, display_prefix, key_hash, name, scopes,
	environment, rate_limit_per_hour, rate_limit_per_day, expires_at,
	active, revoked, revoked_reason, last_used_at, last_used_ip,
	usage_count, created_at, updated_at`

func (s *PostgresStore) GetByHash(ctx context.Context, keyHash string) (Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys
		WHERE key_hash = $1
	`, keyHash)
	return scanKey(row)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys
		WHERE id = $1
	`, id)
	return scanKey(row)
}

func (s *PostgresStore) Save(ctx context.Context, key Key) error {
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("encode api key scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (
			id, account_id, tenant_id, display_prefix, key_hash, name, scopes,
			environment, rate_limit_per_hour, rate_limit_per_day, expires_at,
			active, revoked, revoked_reason, usage_count, created_at, updated_at
		)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULLIF($14, ''), $15, $16, $17)
	`, key.ID, key.AccountID, key.TenantID, key.DisplayPrefix, key.KeyHash, key.Name, string(scopes),
		string(key.Environment), key.RateLimitPerHour, key.RateLimitPerDay, nullableTime(key.ExpiresAt),
		key.Active, key.Revoked, key.RevokedReason, key.UsageCount, key.CreatedAt.UTC(), key.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}

	return nil
}

func (s *PostgresStore) Update(ctx context.Context, key Key) error {
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("encode api key scopes: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys
		SET name = $2, scopes = $3, rate_limit_per_hour = $4, rate_limit_per_day = $5,
		    expires_at = $6, active = $7, revoked = $8, revoked_reason = NULLIF($9, ''),
		    updated_at = $10
		WHERE id = $1
	`, key.ID, key.Name, string(scopes), key.RateLimitPerHour, key.RateLimitPerDay,
		nullableTime(key.ExpiresAt), key.Active, key.Revoked, key.RevokedReason, key.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// IncrementUsage bumps the counter in a single statement so concurrent
// validations never lose updates.
func (s *PostgresStore) IncrementUsage(ctx context.Context, id string, at time.Time, ip string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys
		SET usage_count = usage_count + 1,
		    last_used_at = $2,
		    last_used_ip = COALESCE(NULLIF($3, ''), last_used_ip)
		WHERE id = $1
	`, id, at.UTC(), ip)
	if err != nil {
		return fmt.Errorf("increment api key usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListForAccount(ctx context.Context, accountID string) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys
		WHERE account_id = $1
		ORDER BY created_at ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query api keys for account: %w", err)
	}
	defer rows.Close()

	return collectKeys(rows)
}

func (s *PostgresStore) ListExpiringBefore(ctx context.Context, cutoff time.Time, limit int) ([]Key, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys
		WHERE revoked = FALSE AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query expiring api keys: %w", err)
	}
	defer rows.Close()

	return collectKeys(rows)
}

func collectKeys(rows *sql.Rows) ([]Key, error) {
	keys := make([]Key, 0)
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return keys, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (Key, error) {
	var key Key
	var tenantID, revokedReason, lastUsedIP sql.NullString
	var scopes, environment string
	var expiresAt, lastUsedAt sql.NullTime

	err := row.Scan(
		&key.ID, &key.AccountID, &tenantID, &key.DisplayPrefix, &key.KeyHash, &key.Name, &scopes,
		&environment, &key.RateLimitPerHour, &key.RateLimitPerDay, &expiresAt,
		&key.Active, &key.Revoked, &revokedReason, &lastUsedAt, &lastUsedIP,
		&key.UsageCount, &key.CreatedAt, &key.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Key{}, ErrNotFound
		}
		return Key{}, fmt.Errorf("scan api key: %w", err)
	}

	if err := json.Unmarshal([]byte(scopes), &key.Scopes); err != nil {
		return Key{}, fmt.Errorf("decode api key scopes: %w", err)
	}
	key.TenantID = tenantID.String
	key.Environment = Environment(environment)
	key.RevokedReason = revokedReason.String
	key.LastUsedIP = lastUsedIP.String
	if expiresAt.Valid {
		value := expiresAt.Time.UTC()
		key.ExpiresAt = &value
	}
	if lastUsedAt.Valid {
		value := lastUsedAt.Time.UTC()
		key.LastUsedAt = &value
	}

	return key, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
