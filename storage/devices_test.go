package storage

import (
	"errors"
	"testing"
)

func TestUpsertKnownDeviceKeepsFirstSeen(t *testing.T) {
	store := newTestStore(t)
	descriptor := testDescriptor("192.168.1.20", 41234)

	if err := store.UpsertKnownDevice(descriptor, 1_000); err != nil {
		t.Fatalf("first UpsertKnownDevice failed: %v", err)
	}
	descriptor.Name = "Alex B"
	descriptor.DeviceID = ""
	if err := store.UpsertKnownDevice(descriptor, 5_000); err != nil {
		t.Fatalf("second UpsertKnownDevice failed: %v", err)
	}

	device, err := store.GetKnownDevice("192.168.1.20:41234")
	if err != nil {
		t.Fatalf("GetKnownDevice failed: %v", err)
	}
	if device.FirstSeen != 1_000 {
		t.Fatalf("expected first_seen 1000, got %d", device.FirstSeen)
	}
	if device.LastSeen != 5_000 {
		t.Fatalf("expected last_seen 5000, got %d", device.LastSeen)
	}
	if device.Name != "Alex B" {
		t.Fatalf("expected refreshed name, got %q", device.Name)
	}
	if device.DeviceID != "device-192.168.1.20" {
		t.Fatalf("expected device id to survive an empty update, got %q", device.DeviceID)
	}
}

func TestUpsertKnownDeviceRequiresAddress(t *testing.T) {
	store := newTestStore(t)
	descriptor := testDescriptor("", 0)
	if err := store.UpsertKnownDevice(descriptor, 0); err == nil {
		t.Fatal("expected error for descriptor without address")
	}
}

func TestIncrementPairCount(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertKnownDevice(testDescriptor("10.0.0.7", 3000), 0); err != nil {
		t.Fatalf("UpsertKnownDevice failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := store.IncrementPairCount("10.0.0.7:3000"); err != nil {
			t.Fatalf("IncrementPairCount failed: %v", err)
		}
	}
	device, err := store.GetKnownDevice("10.0.0.7:3000")
	if err != nil {
		t.Fatalf("GetKnownDevice failed: %v", err)
	}
	if device.PairCount != 2 {
		t.Fatalf("expected pair_count 2, got %d", device.PairCount)
	}

	if err := store.IncrementPairCount("10.0.0.8:3000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAndRemoveKnownDevices(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertKnownDevice(testDescriptor("10.0.0.1", 41234), 1_000); err != nil {
		t.Fatalf("UpsertKnownDevice 1 failed: %v", err)
	}
	if err := store.UpsertKnownDevice(testDescriptor("10.0.0.2", 41234), 2_000); err != nil {
		t.Fatalf("UpsertKnownDevice 2 failed: %v", err)
	}

	devices, err := store.ListKnownDevices()
	if err != nil {
		t.Fatalf("ListKnownDevices failed: %v", err)
	}
	if len(devices) != 2 || devices[0].Address != "10.0.0.2" {
		t.Fatalf("expected newest device first, got %+v", devices)
	}

	if err := store.RemoveKnownDevice("10.0.0.2:41234"); err != nil {
		t.Fatalf("RemoveKnownDevice failed: %v", err)
	}
	if _, err := store.GetKnownDevice("10.0.0.2:41234"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}
	if err := store.RemoveKnownDevice("10.0.0.2:41234"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second removal, got %v", err)
	}
}
