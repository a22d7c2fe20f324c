package models

import (
	"errors"
	"strings"
)

// SoundEvent is one classification produced by the mobile detector.
type SoundEvent struct {
	Timestamp  int64   `json:"timestamp"`
	SoundType  string  `json:"soundType"`
	Confidence float64 `json:"confidence"`
	IsCritical bool    `json:"isCritical"`
}

// Validate checks the event invariants.
func (e SoundEvent) Validate() error {
	if strings.TrimSpace(e.SoundType) == "" {
		return errors.New("sound type is required")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return errors.New("confidence must be within [0,1]")
	}
	return nil
}
