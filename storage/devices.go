package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"safely/models"
)

// UpsertKnownDevice records a sighting of descriptor. Existing rows keep
// first_seen and pair_count; identity fields and last_seen are refreshed.
func (s *Store) UpsertKnownDevice(descriptor models.DeviceDescriptor, seenAt int64) error {
	key := descriptor.Key()
	if key == "" || strings.TrimSpace(descriptor.Address) == "" {
		return errors.New("device address is required")
	}
	if seenAt == 0 {
		seenAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO known_devices (
			device_key,
			device_id,
			name,
			model,
			platform,
			address,
			port,
			first_seen,
			last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_key) DO UPDATE SET
			device_id = CASE WHEN excluded.device_id = '' THEN known_devices.device_id ELSE excluded.device_id END,
			name = excluded.name,
			model = excluded.model,
			platform = excluded.platform,
			last_seen = MAX(known_devices.last_seen, excluded.last_seen)`,
		key,
		descriptor.DeviceID,
		descriptor.Name,
		descriptor.Model,
		descriptor.Platform,
		descriptor.Address,
		descriptor.Port,
		seenAt,
		seenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert known device %q: %w", key, err)
	}

	return nil
}

// IncrementPairCount bumps pair_count for a device after an accepted session.
func (s *Store) IncrementPairCount(deviceKey string) error {
	res, err := s.db.Exec(
		`UPDATE known_devices SET pair_count = pair_count + 1 WHERE device_key = ?`,
		deviceKey,
	)
	if err != nil {
		return fmt.Errorf("increment pair count %q: %w", deviceKey, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for pair count %q: %w", deviceKey, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetKnownDevice fetches a device by its address:port key.
func (s *Store) GetKnownDevice(deviceKey string) (*KnownDevice, error) {
	row := s.db.QueryRow(
		`SELECT
			device_key,
			device_id,
			name,
			model,
			platform,
			address,
			port,
			first_seen,
			last_seen,
			pair_count
		FROM known_devices
		WHERE device_key = ?`,
		deviceKey,
	)

	device, err := scanKnownDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get known device %q: %w", deviceKey, err)
	}
	return device, nil
}

// ListKnownDevices returns devices ordered by most recent sighting.
func (s *Store) ListKnownDevices() ([]KnownDevice, error) {
	rows, err := s.db.Query(
		`SELECT
			device_key,
			device_id,
			name,
			model,
			platform,
			address,
			port,
			first_seen,
			last_seen,
			pair_count
		FROM known_devices
		ORDER BY last_seen DESC, device_key ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list known devices: %w", err)
	}
	defer rows.Close()

	devices := make([]KnownDevice, 0)
	for rows.Next() {
		device, err := scanKnownDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan known device row: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known device rows: %w", err)
	}

	return devices, nil
}

// RemoveKnownDevice deletes a device row.
func (s *Store) RemoveKnownDevice(deviceKey string) error {
	res, err := s.db.Exec(`DELETE FROM known_devices WHERE device_key = ?`, deviceKey)
	if err != nil {
		return fmt.Errorf("remove known device %q: %w", deviceKey, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove known device %q: %w", deviceKey, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanKnownDevice(row scanner) (*KnownDevice, error) {
	var device KnownDevice
	if err := row.Scan(
		&device.DeviceKey,
		&device.DeviceID,
		&device.Name,
		&device.Model,
		&device.Platform,
		&device.Address,
		&device.Port,
		&device.FirstSeen,
		&device.LastSeen,
		&device.PairCount,
	); err != nil {
		return nil, err
	}
	return &device, nil
}
