package storage

import (
	"testing"

	"safely/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testDescriptor(address string, port int) models.DeviceDescriptor {
	return models.DeviceDescriptor{
		DeviceID: "device-" + address,
		Name:     "Alex",
		Model:    "Pixel 8",
		Platform: models.PlatformAndroid,
		Address:  address,
		Port:     port,
	}
}
