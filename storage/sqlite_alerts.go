package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aegis/core"
)

// SaveAlert inserts or replaces an alert. The payload and retention metadata
// are stored as JSON documents; the indexed columns carry the fields queries
// filter on.
func (s *SQLite) SaveAlert(ctx context.Context, alert *core.Alert) error {
	payload, err := json.Marshal(alert.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var retention sql.NullString
	if alert.Retention != nil {
		data, err := json.Marshal(alert.Retention)
		if err != nil {
			return fmt.Errorf("failed to marshal retention metadata: %w", err)
		}
		retention = sql.NullString{String: string(data), Valid: true}
	}

	var expiresAt sql.NullTime
	if alert.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: alert.ExpiresAt.UTC(), Valid: true}
	}

	_, err = s.WriteDB.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, priority, timestamp, expires_at, group_id, payload, retention)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(alert_id) DO UPDATE SET
			priority = excluded.priority,
			timestamp = excluded.timestamp,
			expires_at = excluded.expires_at,
			group_id = excluded.group_id,
			payload = excluded.payload,
			retention = excluded.retention`,
		alert.AlertID, alert.Priority.String(), alert.Timestamp.UTC(),
		expiresAt, alert.GroupID, string(payload), retention)
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// GetAlert returns the alert with the given ID, or ErrAlertNotFound
func (s *SQLite) GetAlert(ctx context.Context, alertID string) (*core.Alert, error) {
	row := s.ReadDB.QueryRowContext(ctx, `
		SELECT alert_id, priority, timestamp, expires_at, group_id, payload, retention
		FROM alerts WHERE alert_id = ?`, alertID)

	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

// ListAlerts returns all stored alerts ordered by timestamp ascending
func (s *SQLite) ListAlerts(ctx context.Context) ([]*core.Alert, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT alert_id, priority, timestamp, expires_at, group_id, payload, retention
		FROM alerts ORDER BY timestamp ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*core.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return alerts, nil
}

// RemoveAlert deletes an alert by ID
func (s *SQLite) RemoveAlert(ctx context.Context, alertID string) error {
	result, err := s.WriteDB.ExecContext(ctx, `DELETE FROM alerts WHERE alert_id = ?`, alertID)
	if err != nil {
		return fmt.Errorf("failed to delete alert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// UpdateRetention replaces the retention metadata of a stored alert
func (s *SQLite) UpdateRetention(ctx context.Context, alertID string, md *core.RetentionMetadata) error {
	var retention sql.NullString
	if md != nil {
		data, err := json.Marshal(md)
		if err != nil {
			return fmt.Errorf("failed to marshal retention metadata: %w", err)
		}
		retention = sql.NullString{String: string(data), Valid: true}
	}

	result, err := s.WriteDB.ExecContext(ctx,
		`UPDATE alerts SET retention = ? WHERE alert_id = ?`, retention, alertID)
	if err != nil {
		return fmt.Errorf("failed to update retention metadata: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAlertNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*core.Alert, error) {
	var (
		alert      core.Alert
		priority   string
		timestamp  time.Time
		expiresAt  sql.NullTime
		payloadRaw string
		retention  sql.NullString
	)
	if err := row.Scan(&alert.AlertID, &priority, &timestamp, &expiresAt,
		&alert.GroupID, &payloadRaw, &retention); err != nil {
		return nil, err
	}

	alert.Priority = core.Priority(priority)
	alert.Timestamp = timestamp
	alert.Persisted = true
	if expiresAt.Valid {
		t := expiresAt.Time
		alert.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(payloadRaw), &alert.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if retention.Valid {
		var md core.RetentionMetadata
		if err := json.Unmarshal([]byte(retention.String), &md); err != nil {
			return nil, fmt.Errorf("failed to unmarshal retention metadata: %w", err)
		}
		alert.Retention = &md
	}
	return &alert, nil
}
