// Package agent wires sessions, transports, discovery, and the sound relay
// into the desktop and mobile agents.
package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"safely/models"
	"safely/pairing"
)

const defaultEventBuffer = 64

// EventType identifies agent notifications for a UI.
type EventType string

const (
	EventStateChanged     EventType = "state_changed"
	EventDeviceDiscovered EventType = "device_discovered"
	EventDeviceLost       EventType = "device_lost"
	EventSoundReceived    EventType = "sound_received"
	EventPairingFailed    EventType = "pairing_failed"
	EventPermissionDenied EventType = "permission_denied"
)

// Event is one agent notification. Only the fields relevant to Type are set.
type Event struct {
	Type       EventType
	Transition *pairing.Transition
	Device     *models.DeviceDescriptor
	Sound      *models.SoundEvent
	Message    string
	At         time.Time
}

// eventBus fans notifications out on a buffered channel. Emission never
// blocks; events are dropped when the consumer falls behind.
type eventBus struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

func newEventBus(size int) *eventBus {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &eventBus{ch: make(chan Event, size)}
}

func (b *eventBus) emit(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- event:
	default:
		b.dropped.Add(1)
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

func transitionEvent(tr pairing.Transition) Event {
	copied := tr
	return Event{Type: EventStateChanged, Transition: &copied, At: tr.At}
}
