package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists refresh tokens in the refresh_tokens table. The
// conditional WHERE on MarkRevoked is what serializes concurrent rotators.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	var tok RefreshToken
	var revokedAt sql.NullTime
	var revokedReason, successorHash, ip, device sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, tenant_id, tenant_code, token_hash,
		       expires_at, created_at, revoked_at, revoked_reason,
		       successor_hash, ip, device
		FROM refresh_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(
		&tok.ID, &tok.AccountID, &tok.TenantID, &tok.TenantCode, &tok.TokenHash,
		&tok.ExpiresAt, &tok.CreatedAt, &revokedAt, &revokedReason,
		&successorHash, &ip, &device,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, fmt.Errorf("query refresh token by hash: %w", err)
	}

	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		tok.RevokedAt = &value
	}
	tok.RevokedReason = RevocationReason(revokedReason.String)
	tok.SuccessorHash = successorHash.String
	tok.IP = ip.String
	tok.Device = device.String

	return tok, nil
}

func (s *PostgresStore) Save(ctx context.Context, tok RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (
			id, account_id, tenant_id, tenant_code, token_hash,
			expires_at, created_at, ip, device
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''))
	`, tok.ID, tok.AccountID, tok.TenantID, tok.TenantCode, tok.TokenHash,
		tok.ExpiresAt.UTC(), tok.CreatedAt.UTC(), tok.IP, tok.Device)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

func (s *PostgresStore) MarkRevoked(ctx context.Context, id string, reason RevocationReason, successorHash string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoked_reason = $3, successor_hash = NULLIF($4, '')
		WHERE id = $1 AND revoked_at IS NULL
	`, id, at.UTC(), string(reason), successorHash)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token rows affected: %w", err)
	}

	return affected == 1, nil
}

func (s *PostgresStore) MarkReused(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2), revoked_reason = $3
		WHERE id = $1
	`, id, at.UTC(), string(ReasonReused))
	if err != nil {
		return fmt.Errorf("mark refresh token reused: %w", err)
	}

	return nil
}

func (s *PostgresStore) ClearSuccessor(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET successor_hash = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("clear refresh token successor: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListActiveForAccount(ctx context.Context, accountID string, now time.Time) ([]RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, tenant_id, tenant_code, token_hash,
		       expires_at, created_at, ip, device
		FROM refresh_tokens
		WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
	`, accountID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query active refresh tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]RefreshToken, 0)
	for rows.Next() {
		var tok RefreshToken
		var ip, device sql.NullString
		if err := rows.Scan(
			&tok.ID, &tok.AccountID, &tok.TenantID, &tok.TenantCode, &tok.TokenHash,
			&tok.ExpiresAt, &tok.CreatedAt, &ip, &device,
		); err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		tok.IP = ip.String
		tok.Device = device.String
		tokens = append(tokens, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh tokens: %w", err)
	}

	return tokens, nil
}

func (s *PostgresStore) DeleteExpiredOrRevoked(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM refresh_tokens
			WHERE expires_at < $1 OR revoked_at IS NOT NULL
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}

	return affected, nil
}
