package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"safely/models"
)

const (
	// EventDesktopUpserted is emitted when a desktop appears or its metadata changes.
	EventDesktopUpserted EventType = "desktop_upserted"
	// EventDesktopRemoved is emitted when a previously seen desktop disappears.
	EventDesktopRemoved EventType = "desktop_removed"
)

// EventType identifies discovery updates.
type EventType string

// Event carries discovery updates for agent consumers.
type Event struct {
	Type    EventType
	Desktop DiscoveredDesktop
}

// DiscoveredDesktop is a desktop agent found via mDNS.
type DiscoveredDesktop struct {
	DeviceID      string
	DeviceName    string
	Platform      string
	Version       int
	HostName      string
	Addresses     []string
	PushPort      int
	HTTPPort      int
	BroadcastPort int
	LastSeen      time.Time
}

// HTTPCandidates returns host:port candidates for the HTTP pairing endpoint.
func (d DiscoveredDesktop) HTTPCandidates() []string {
	if d.HTTPPort <= 0 {
		return nil
	}
	out := make([]string, 0, len(d.Addresses))
	for _, addr := range d.Addresses {
		out = append(out, net.JoinHostPort(addr, strconv.Itoa(d.HTTPPort)))
	}
	return out
}

// Descriptor describes the desktop the way pairing peers are listed, keyed
// by its first address and HTTP pairing port.
func (d DiscoveredDesktop) Descriptor() models.DeviceDescriptor {
	desc := models.DeviceDescriptor{
		DeviceID: d.DeviceID,
		Name:     d.DeviceName,
		Platform: d.Platform,
	}
	if len(d.Addresses) > 0 {
		desc.Address = d.Addresses[0]
		desc.Port = d.HTTPPort
	}
	if !d.LastSeen.IsZero() {
		desc.LastSeen = d.LastSeen.UnixMilli()
	}
	return desc
}

// PushURL returns the websocket URL on the first address, or "".
func (d DiscoveredDesktop) PushURL(path string) string {
	if d.PushPort <= 0 || len(d.Addresses) == 0 {
		return ""
	}
	return "ws://" + net.JoinHostPort(d.Addresses[0], strconv.Itoa(d.PushPort)) + path
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner finds desktop agents with periodic and manual mDNS browses.
type PeerScanner struct {
	cfg Config

	browse browseFunc

	mu       sync.RWMutex
	desktops map[string]DiscoveredDesktop

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		desktops:        make(map[string]DiscoveredDesktop),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// ListDesktops returns the current snapshot sorted by name.
func (s *PeerScanner) ListDesktops() []DiscoveredDesktop {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredDesktop, 0, len(s.desktops))
	for _, desktop := range s.desktops {
		out = append(out, desktop)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// WaitForDesktop refreshes until a desktop appears or ctx ends.
func (s *PeerScanner) WaitForDesktop(ctx context.Context) (DiscoveredDesktop, error) {
	for {
		if found := s.ListDesktops(); len(found) > 0 {
			return found[0], nil
		}
		if err := s.Refresh(ctx); err != nil {
			return DiscoveredDesktop{}, err
		}
	}
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredDesktop)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				desktop, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				desktop.LastSeen = time.Now()
				collectedMu.Lock()
				collected[desktop.DeviceID] = desktop
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	// A cancelled manual refresh keeps the previous snapshot.
	if requestCtx != nil && requestCtx.Err() != nil {
		return requestCtx.Err()
	}
	s.applySnapshot(next)
	return nil
}

func (s *PeerScanner) applySnapshot(next map[string]DiscoveredDesktop) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.desktops
	s.desktops = next

	for id, desktop := range next {
		old, exists := previous[id]
		if !exists || !desktopsEqual(old, desktop) {
			s.emitEvent(Event{Type: EventDesktopUpserted, Desktop: desktop})
		}
	}

	for id, desktop := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventDesktopRemoved, Desktop: desktop})
		}
	}
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredDesktop, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt[txtDeviceID])
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredDesktop{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	httpPort := atoiOr(txt[txtHTTPPort], 0)
	if httpPort == 0 {
		httpPort = entry.Port
	}

	return DiscoveredDesktop{
		DeviceID:      deviceID,
		DeviceName:    name,
		Platform:      txt[txtPlatform],
		Version:       atoiOr(txt[txtVersion], 0),
		HostName:      entry.HostName,
		Addresses:     addresses,
		PushPort:      atoiOr(txt[txtPushPort], 0),
		HTTPPort:      httpPort,
		BroadcastPort: atoiOr(txt[txtBroadcastPort], 0),
	}, true
}

func atoiOr(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func desktopsEqual(a, b DiscoveredDesktop) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.Platform != b.Platform ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.PushPort != b.PushPort ||
		a.HTTPPort != b.HTTPPort ||
		a.BroadcastPort != b.BroadcastPort ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
