package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SetEventRetention configures the automatic pruning horizon for pairing events and alerts.
func (s *Store) SetEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	s.eventRetention = retention
}

// LogPairingEvent inserts a structured pairing event and applies retention pruning.
// It returns the stored event id.
func (s *Store) LogPairingEvent(event PairingEvent) (string, error) {
	if strings.TrimSpace(event.EventType) == "" {
		return "", errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if err := validateSeverity(event.Severity); err != nil {
		return "", err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return "", errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}

	var deviceKey *string
	if event.DeviceKey != nil {
		trimmed := strings.TrimSpace(*event.DeviceKey)
		if trimmed != "" {
			deviceKey = &trimmed
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO pairing_events (
			event_id,
			event_type,
			session_id,
			device_key,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventID,
		event.EventType,
		event.SessionID,
		nullString(deviceKey),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return "", fmt.Errorf("insert pairing event %q: %w", event.EventType, err)
	}

	if s.eventRetention > 0 {
		cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
		if _, err := s.PrunePairingEvents(cutoff); err != nil {
			return "", fmt.Errorf("prune pairing events: %w", err)
		}
	}

	return event.EventID, nil
}

// LogPairingDetails marshals details to JSON and logs the event.
func (s *Store) LogPairingDetails(eventType, severity, sessionID, deviceKey string, details map[string]any) (string, error) {
	encoded := "{}"
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return "", fmt.Errorf("encode pairing event details: %w", err)
		}
		encoded = string(raw)
	}

	event := PairingEvent{
		EventType: eventType,
		SessionID: sessionID,
		Details:   encoded,
		Severity:  severity,
	}
	if deviceKey != "" {
		event.DeviceKey = &deviceKey
	}
	return s.LogPairingEvent(event)
}

// GetPairingEvents returns recent pairing events with optional filtering.
func (s *Store) GetPairingEvents(filter PairingEventFilter) ([]PairingEvent, error) {
	if filter.Severity != "" {
		if err := validateSeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		event_id,
		event_type,
		session_id,
		device_key,
		details,
		severity,
		timestamp
	FROM pairing_events`)

	where := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.DeviceKey != "" {
		where = append(where, "device_key = ?")
		args = append(args, filter.DeviceKey)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get pairing events: %w", err)
	}
	defer rows.Close()

	events := make([]PairingEvent, 0)
	for rows.Next() {
		event, err := scanPairingEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pairing event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairing event rows: %w", err)
	}

	return events, nil
}

// PrunePairingEvents removes pairing events and alerts older than cutoffTimestamp.
func (s *Store) PrunePairingEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM pairing_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune pairing events: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for pairing event prune: %w", err)
	}

	res, err = s.db.Exec(`DELETE FROM alerts WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	alertRows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for alert prune: %w", err)
	}

	return rowsAffected + alertRows, nil
}

func scanPairingEvent(row scanner) (*PairingEvent, error) {
	var (
		event     PairingEvent
		deviceKey sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventID,
		&event.EventType,
		&event.SessionID,
		&deviceKey,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.DeviceKey = stringPtr(deviceKey)
	return &event, nil
}
