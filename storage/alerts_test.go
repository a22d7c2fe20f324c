package storage

import (
	"testing"

	"safely/models"
)

func testSound(soundType string, timestamp int64) models.SoundEvent {
	return models.SoundEvent{
		Timestamp:  timestamp,
		SoundType:  soundType,
		Confidence: 0.9,
		IsCritical: soundType == "yelling",
	}
}

func TestRecordAndListAlerts(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	if err := store.RecordAlert("session-a", "10.0.0.1:41234", testSound("yelling", now-2)); err != nil {
		t.Fatalf("RecordAlert a1 failed: %v", err)
	}
	if err := store.RecordAlert("session-a", "10.0.0.1:41234", testSound("keyboard_typing", now-1)); err != nil {
		t.Fatalf("RecordAlert a2 failed: %v", err)
	}
	if err := store.RecordAlert("session-b", "", testSound("fire_alarm", now)); err != nil {
		t.Fatalf("RecordAlert b1 failed: %v", err)
	}

	all, err := store.ListAlerts("", 0)
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(all))
	}
	if all[0].SoundType != "fire_alarm" || all[0].DeviceKey != nil {
		t.Fatalf("unexpected newest alert: %+v", all[0])
	}

	sessionA, err := store.ListAlerts("session-a", 10)
	if err != nil {
		t.Fatalf("ListAlerts session-a failed: %v", err)
	}
	if len(sessionA) != 2 {
		t.Fatalf("expected 2 alerts for session-a, got %d", len(sessionA))
	}
	if sessionA[0].SoundType != "keyboard_typing" || sessionA[0].IsCritical {
		t.Fatalf("unexpected session-a newest alert: %+v", sessionA[0])
	}
	if !sessionA[1].IsCritical {
		t.Fatal("expected yelling alert to be critical")
	}
}

func TestRecordAlertValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordAlert("", "", testSound("yelling", 0)); err == nil {
		t.Fatal("expected error for missing session id")
	}
	bad := testSound("yelling", 0)
	bad.Confidence = 1.5
	if err := store.RecordAlert("session-a", "", bad); err == nil {
		t.Fatal("expected error for out of range confidence")
	}
}
