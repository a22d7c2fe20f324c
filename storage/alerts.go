package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"safely/models"
)

// RecordAlert stores a sound event received during sessionID.
func (s *Store) RecordAlert(sessionID, deviceKey string, event models.SoundEvent) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var key *string
	if deviceKey != "" {
		key = &deviceKey
	}

	_, err := s.db.Exec(
		`INSERT INTO alerts (
			session_id,
			device_key,
			sound_type,
			confidence,
			is_critical,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID,
		nullString(key),
		event.SoundType,
		event.Confidence,
		boolToInt(event.IsCritical),
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert alert %q: %w", event.SoundType, err)
	}

	return nil
}

// ListAlerts returns the newest alerts first. A non-empty sessionID restricts
// results to that session.
func (s *Store) ListAlerts(sessionID string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT
		id,
		session_id,
		device_key,
		sound_type,
		confidence,
		is_critical,
		timestamp
	FROM alerts`
	args := make([]any, 0, 2)
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		var (
			alert     Alert
			deviceKey sql.NullString
			critical  int
		)
		if err := rows.Scan(
			&alert.ID,
			&alert.SessionID,
			&deviceKey,
			&alert.SoundType,
			&alert.Confidence,
			&critical,
			&alert.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		alert.DeviceKey = stringPtr(deviceKey)
		alert.IsCritical = critical != 0
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert rows: %w", err)
	}

	return alerts, nil
}
