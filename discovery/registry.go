package discovery

import (
	"sort"
	"sync"
	"time"

	"safely/models"
)

// DefaultStaleAfter evicts devices that have not broadcast for this long.
const DefaultStaleAfter = 15 * time.Second

// Registry holds devices found by UDP discovery, keyed by address:port.
type Registry struct {
	mu         sync.Mutex
	devices    map[string]models.DeviceDescriptor
	staleAfter time.Duration
	now        func() time.Time
}

// NewRegistry creates a registry. A zero staleAfter uses DefaultStaleAfter.
func NewRegistry(staleAfter time.Duration, now func() time.Time) *Registry {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		devices:    make(map[string]models.DeviceDescriptor),
		staleAfter: staleAfter,
		now:        now,
	}
}

// Upsert records device and stamps LastSeen. It reports whether the key was
// new. Descriptors without an address are ignored.
func (r *Registry) Upsert(device models.DeviceDescriptor) bool {
	key := device.Key()
	if device.Address == "" || key == "" {
		return false
	}
	device.LastSeen = r.now().UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.devices[key]
	r.devices[key] = device
	return !existed
}

// Get returns the device stored under key, if it is not stale.
func (r *Registry) Get(key string) (models.DeviceDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[key]
	if !ok || r.isStale(device) {
		return models.DeviceDescriptor{}, false
	}
	return device, true
}

// List returns live devices sorted by display name, then key.
func (r *Registry) List() []models.DeviceDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.DeviceDescriptor, 0, len(r.devices))
	for _, device := range r.devices {
		if r.isStale(device) {
			continue
		}
		out = append(out, device)
	}
	sort.Slice(out, func(i, j int) bool {
		ni, nj := out[i].DisplayName(), out[j].DisplayName()
		if ni == nj {
			return out[i].Key() < out[j].Key()
		}
		return ni < nj
	})
	return out
}

// Prune removes stale devices and returns them.
func (r *Registry) Prune() []models.DeviceDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []models.DeviceDescriptor
	for key, device := range r.devices {
		if r.isStale(device) {
			removed = append(removed, device)
			delete(r.devices, key)
		}
	}
	return removed
}

// Clear drops every device.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.devices = make(map[string]models.DeviceDescriptor)
	r.mu.Unlock()
}

func (r *Registry) isStale(device models.DeviceDescriptor) bool {
	seen := time.UnixMilli(device.LastSeen)
	return r.now().Sub(seen) > r.staleAfter
}
