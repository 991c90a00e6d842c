package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists audit events to the audit_events table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, event Event) error {
	var extras any
	if len(event.Extras) > 0 {
		encoded, err := json.Marshal(event.Extras)
		if err != nil {
			return fmt.Errorf("encode audit extras: %w", err)
		}
		extras = string(encoded)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, event_type, account_id, tenant_id, email, ip, device, extras, occurred_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9)
	`, event.ID, string(event.Type), event.AccountID, event.TenantID, event.Email, event.IP, event.Device, extras, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	return nil
}
