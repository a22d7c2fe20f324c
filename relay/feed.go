package relay

import (
	"sync"

	"safely/models"
)

// DefaultFeedCapacity bounds the desktop's recent-sounds list.
const DefaultFeedCapacity = 50

// AlertFeed is a bounded newest-first list of received sound events. Events
// are only accepted while the gate reports an active session.
type AlertFeed struct {
	mu       sync.Mutex
	capacity int
	events   []models.SoundEvent
	gate     func() bool
}

// NewAlertFeed creates a feed. A nil gate accepts every event.
func NewAlertFeed(capacity int, gate func() bool) *AlertFeed {
	if capacity <= 0 {
		capacity = DefaultFeedCapacity
	}
	return &AlertFeed{
		capacity: capacity,
		events:   make([]models.SoundEvent, 0, capacity),
		gate:     gate,
	}
}

// Add prepends event and reports whether it was accepted.
func (f *AlertFeed) Add(event models.SoundEvent) bool {
	if f.gate != nil && !f.gate() {
		return false
	}
	if event.Validate() != nil {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == f.capacity {
		f.events = f.events[:f.capacity-1]
	}
	f.events = append(f.events, models.SoundEvent{})
	copy(f.events[1:], f.events[:len(f.events)-1])
	f.events[0] = event
	return true
}

// List returns a newest-first copy.
func (f *AlertFeed) List() []models.SoundEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.SoundEvent, len(f.events))
	copy(out, f.events)
	return out
}

// Len returns the number of held events.
func (f *AlertFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// Clear drops every event.
func (f *AlertFeed) Clear() {
	f.mu.Lock()
	f.events = f.events[:0]
	f.mu.Unlock()
}
