package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SeverityInfo marks routine pairing activity.
	SeverityInfo = "info"
	// SeverityWarning marks failed or refused pairing attempts.
	SeverityWarning = "warning"
	// SeverityCritical marks repeated abuse such as rate-limited code guessing.
	SeverityCritical = "critical"
)

const (
	EventPairingAccepted    = "pairing_accepted"
	EventPairingRejected    = "pairing_rejected"
	EventPairingTimeout     = "pairing_timeout"
	EventPairingRateLimited = "pairing_rate_limited"
	EventDisconnected       = "disconnected"
	EventCodeRegenerated    = "code_regenerated"
)

// KnownDevice is a peer descriptor the agent has seen, keyed by address:port.
type KnownDevice struct {
	DeviceKey string
	DeviceID  string
	Name      string
	Model     string
	Platform  string
	Address   string
	Port      int
	FirstSeen int64
	LastSeen  int64
	PairCount int
}

// PairingEvent is one journal entry about a pairing session.
type PairingEvent struct {
	ID        int64
	EventID   string
	EventType string
	SessionID string
	DeviceKey *string
	Details   string
	Severity  string
	Timestamp int64
}

// PairingEventFilter narrows GetPairingEvents results.
type PairingEventFilter struct {
	EventType     string
	DeviceKey     string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

// Alert is a sound event received while a session was connected.
type Alert struct {
	ID         int64
	SessionID  string
	DeviceKey  *string
	SoundType  string
	Confidence float64
	IsCritical bool
	Timestamp  int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSeverity(severity string) error {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid pairing event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
