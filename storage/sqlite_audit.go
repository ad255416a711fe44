package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"aegis/core"
)

// AppendAudit appends an immutable audit entry. Duplicate entry IDs are
// rejected by the primary key.
func (s *SQLite) AppendAudit(ctx context.Context, entry *core.RetentionAuditEntry) error {
	var details sql.NullString
	if len(entry.Details) > 0 {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT INTO retention_audit (entry_id, alert_id, action, timestamp, policy_version, actor, reason, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.AlertID, string(entry.Action), entry.Timestamp.UTC(),
		entry.PolicyVersion, entry.Actor, entry.Reason, details)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries ordered by timestamp ascending. An empty
// alertID returns the full trail.
func (s *SQLite) ListAudit(ctx context.Context, alertID string) ([]core.RetentionAuditEntry, error) {
	query := `
		SELECT entry_id, alert_id, action, timestamp, policy_version, actor, reason, details
		FROM retention_audit`
	args := []interface{}{}
	if alertID != "" {
		query += ` WHERE alert_id = ?`
		args = append(args, alertID)
	}
	query += ` ORDER BY timestamp ASC, entry_id ASC`

	rows, err := s.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]core.RetentionAuditEntry, 0)
	for rows.Next() {
		var (
			entry   core.RetentionAuditEntry
			action  string
			ts      time.Time
			details sql.NullString
		)
		if err := rows.Scan(&entry.EntryID, &entry.AlertID, &action, &ts,
			&entry.PolicyVersion, &entry.Actor, &entry.Reason, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Action = core.AuditAction(action)
		entry.Timestamp = ts
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return entries, nil
}

// PruneAudit removes audit entries older than the cutoff and returns the count
func (s *SQLite) PruneAudit(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.WriteDB.ExecContext(ctx,
		`DELETE FROM retention_audit WHERE timestamp < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit entries: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(affected), nil
}
