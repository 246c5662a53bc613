package authority

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/AnshRaj112/serenify-sync/internal/models"
)

// AuditLog records per-entry batch outcomes in PostgreSQL for admin
// visibility: which device submitted what, and whether it synced, failed
// or conflicted. It is best-effort; the processor only logs a warning when
// a write fails.
type AuditLog struct {
	db *sql.DB
}

// NewAuditLog wraps a connected PostgreSQL handle and ensures the table.
func NewAuditLog(db *sql.DB) (*AuditLog, error) {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_audit (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			device_id VARCHAR(255) NOT NULL,
			action_id VARCHAR(255) NOT NULL,
			entity_type VARCHAR(50) NOT NULL,
			operation VARCHAR(50) NOT NULL,
			outcome VARCHAR(50) NOT NULL,
			detail TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_audit_device_id ON sync_audit(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_audit_created_at ON sync_audit(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_audit_outcome ON sync_audit(outcome)`,
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return nil, fmt.Errorf("failed to initialize sync_audit table: %w", err)
		}
	}
	return &AuditLog{db: db}, nil
}

// Record writes one outcome row.
func (a *AuditLog) Record(ctx context.Context, deviceID, actionID string, entity models.EntityType, op models.Operation, outcome, detail string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO sync_audit (device_id, action_id, entity_type, operation, outcome, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		deviceID, actionID, string(entity), string(op), outcome, detail)
	if err != nil {
		return fmt.Errorf("failed to record audit row: %w", err)
	}
	return nil
}

// RecentForDevice returns the latest audit rows for one device, newest
// first, for the admin endpoint.
func (a *AuditLog) RecentForDevice(ctx context.Context, deviceID string, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT action_id, entity_type, operation, outcome, COALESCE(detail, '')
		FROM sync_audit WHERE device_id = $1
		ORDER BY created_at DESC LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit rows: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var row AuditRow
		if err := rows.Scan(&row.ActionID, &row.EntityType, &row.Operation, &row.Outcome, &row.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AuditRow is one recorded outcome.
type AuditRow struct {
	ActionID   string `json:"action_id"`
	EntityType string `json:"entity_type"`
	Operation  string `json:"operation"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
}
