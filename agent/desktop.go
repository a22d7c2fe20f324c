package agent

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"safely/discovery"
	"safely/models"
	"safely/network"
	"safely/pairing"
	"safely/relay"
	"safely/storage"
)

const notifyTimeout = 2 * time.Second

// DesktopOptions configures a Desktop.
type DesktopOptions struct {
	// Device is the descriptor announced to mobiles.
	Device models.DeviceDescriptor
	// Code fixes the displayed pairing code; a random one is generated when empty.
	Code string

	BroadcastListen  string
	BroadcastAddress string
	PushListen       string
	PushPath         string
	HTTPListen       string

	DisableBroadcast bool
	DisablePush      bool
	DisableHTTP      bool

	// MDNS advertises the desktop over zeroconf when set. Identity and port
	// fields are filled from the running agent.
	MDNS *discovery.Config

	ConnectTimeout    time.Duration
	AttemptsPerMinute int
	TokenCost         int
	StaleAfter        time.Duration
	FeedCapacity      int
	Retry             network.RetryPolicy
	ReplyWindow       time.Duration
	EventBuffer       int

	// Journal is optional. Writes are best-effort.
	Journal       *storage.Store
	PersistAlerts bool

	Logger *slog.Logger
}

// Desktop is the agent that displays a code, listens for mobiles, and shows
// the sounds they relay.
type Desktop struct {
	opts   DesktopOptions
	logger *slog.Logger

	session  *pairing.Session
	registry *discovery.Registry
	feed     *relay.AlertFeed
	events   *eventBus
	// feedMu orders appends for a session against the clear on teardown.
	feedMu   sync.Mutex
	replies  replyWaiter
	links    linkHolder

	mu        sync.Mutex
	running   bool
	stopped   bool
	broadcast *network.BroadcastTransport
	push      *network.PushServer
	http      *network.HTTPEndpoint
	mdns      *discovery.Broadcaster

	discoveryCancel context.CancelFunc
	discoveryDone   chan struct{}
}

// NewDesktop builds a stopped desktop agent.
func NewDesktop(opts DesktopOptions) (*Desktop, error) {
	if opts.Device.Platform == "" {
		opts.Device.Platform = models.PlatformDesktop
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = pairing.DefaultConnectTimeout
	}
	if opts.ReplyWindow <= 0 {
		opts.ReplyWindow = DefaultReplyWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Desktop{
		opts:     opts,
		logger:   logger.With("agent", "desktop"),
		registry: discovery.NewRegistry(opts.StaleAfter, nil),
		events:   newEventBus(opts.EventBuffer),
	}

	session, err := pairing.NewSession(pairing.Options{
		Code:              opts.Code,
		ConnectTimeout:    opts.ConnectTimeout,
		AttemptsPerMinute: opts.AttemptsPerMinute,
		TokenCost:         opts.TokenCost,
		OnTransition:      d.onTransition,
	})
	if err != nil {
		return nil, err
	}
	d.session = session
	d.feed = relay.NewAlertFeed(opts.FeedCapacity, func() bool {
		return d.session.State() == pairing.StateConnected
	})
	return d, nil
}

// Start opens every enabled transport. A transport that fails to bind
// closes the ones already opened and returns the error. Starting a running
// desktop is a no-op.
func (d *Desktop) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	var (
		bt *network.BroadcastTransport
		ps *network.PushServer
		he *network.HTTPEndpoint
	)
	closeOpened := func() {
		if bt != nil {
			_ = bt.Close()
		}
		if ps != nil {
			_ = ps.Close()
		}
		if he != nil {
			_ = he.Close()
		}
	}

	var err error
	if !d.opts.DisableBroadcast {
		bt, err = network.ListenBroadcast(network.BroadcastOptions{
			ListenAddress:    d.opts.BroadcastListen,
			BroadcastAddress: d.opts.BroadcastAddress,
			Logger:           d.logger,
		})
		if err != nil {
			return err
		}
		bt.OnMessage(d.handle)
	}
	if !d.opts.DisablePush {
		ps, err = network.ListenPush(network.PushOptions{
			ListenAddress: d.opts.PushListen,
			Path:          d.opts.PushPath,
			OnClose:       d.onPushClosed,
			Logger:        d.logger,
		})
		if err != nil {
			closeOpened()
			return err
		}
		ps.OnMessage(d.handle)
	}
	if !d.opts.DisableHTTP {
		he, err = network.ListenHTTP(network.HTTPEndpointOptions{
			ListenAddress: d.opts.HTTPListen,
			Logger:        d.logger,
		})
		if err != nil {
			closeOpened()
			return err
		}
		he.OnMessage(d.handle)
	}

	var mdns *discovery.Broadcaster
	if d.opts.MDNS != nil {
		mdns = d.startMDNS(bt, ps, he)
	}

	d.mu.Lock()
	if d.stopped || d.running {
		d.mu.Unlock()
		closeOpened()
		mdns.Stop()
		if d.stopped {
			return ErrStopped
		}
		return nil
	}
	d.broadcast, d.push, d.http, d.mdns = bt, ps, he, mdns
	d.running = true
	d.mu.Unlock()

	d.logger.Info("desktop agent started", "broadcast", bt != nil, "push", ps != nil, "http", he != nil)
	return nil
}

func (d *Desktop) startMDNS(bt *network.BroadcastTransport, ps *network.PushServer, he *network.HTTPEndpoint) *discovery.Broadcaster {
	cfg := *d.opts.MDNS
	cfg.SelfDeviceID = d.opts.Device.DeviceID
	cfg.DeviceName = d.opts.Device.DisplayName()
	cfg.Platform = d.opts.Device.Platform
	if bt != nil {
		cfg.BroadcastPort = bt.Addr().Port
	}
	if ps != nil {
		cfg.PushPort = tcpPort(ps.Addr())
	}
	if he != nil {
		cfg.HTTPPort = tcpPort(he.Addr())
	}

	b, err := discovery.StartBroadcaster(cfg)
	if err != nil {
		d.logger.Warn("mDNS advertisement unavailable", "error", err)
		return nil
	}
	return b
}

// Stop disconnects any peer and closes every transport. Safe to call
// repeatedly; a stopped desktop cannot be restarted.
func (d *Desktop) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.StopDiscovery()
	d.notifyPeer("shutdown")
	d.session.Disconnect(pairing.ReasonShutdown)

	d.mu.Lock()
	bt, ps, he, mdns := d.broadcast, d.push, d.http, d.mdns
	d.broadcast, d.push, d.http, d.mdns = nil, nil, nil, nil
	d.running = false
	d.mu.Unlock()

	mdns.Stop()
	if bt != nil {
		if err := bt.Close(); err != nil {
			d.logger.Debug("close broadcast transport", "error", err)
		}
	}
	if ps != nil {
		if err := ps.Close(); err != nil {
			d.logger.Debug("close push server", "error", err)
		}
	}
	if he != nil {
		if err := he.Close(); err != nil {
			d.logger.Debug("close http endpoint", "error", err)
		}
	}
	d.events.close()
	d.logger.Info("desktop agent stopped")
}

// Code returns the pairing code to display.
func (d *Desktop) Code() string {
	return d.session.Code()
}

// RegenerateCode replaces the displayed code. Not allowed while connected.
func (d *Desktop) RegenerateCode() (string, error) {
	code, err := d.session.RegenerateCode()
	if err != nil {
		return "", err
	}
	if store := d.opts.Journal; store != nil {
		if _, err := store.LogPairingDetails(storage.EventCodeRegenerated, storage.SeverityInfo, "", "", nil); err != nil {
			d.logger.Warn("journal write failed", "error", err)
		}
	}
	return code, nil
}

// State returns the session state.
func (d *Desktop) State() pairing.State {
	return d.session.State()
}

// Snapshot returns the session snapshot.
func (d *Desktop) Snapshot() pairing.Snapshot {
	return d.session.Snapshot()
}

// Peer returns the paired or pending device, if any.
func (d *Desktop) Peer() (models.DeviceDescriptor, bool) {
	return d.session.Peer()
}

// RecentSounds returns received events, newest first.
func (d *Desktop) RecentSounds() []models.SoundEvent {
	return d.feed.List()
}

// DiscoveredDevices returns mobiles found by UDP discovery.
func (d *Desktop) DiscoveredDevices() []models.DeviceDescriptor {
	return d.registry.List()
}

// Events returns the notification channel. It is closed by Stop.
func (d *Desktop) Events() <-chan Event {
	return d.events.ch
}

// BroadcastAddr returns the bound UDP address, or nil when disabled.
func (d *Desktop) BroadcastAddr() *net.UDPAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.broadcast == nil {
		return nil
	}
	return d.broadcast.Addr()
}

// PushAddr returns the push listener address, or nil when disabled.
func (d *Desktop) PushAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.push == nil {
		return nil
	}
	return d.push.Addr()
}

// HTTPAddr returns the HTTP endpoint address, or nil when disabled.
func (d *Desktop) HTTPAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.http == nil {
		return nil
	}
	return d.http.Addr()
}

// StartDiscovery broadcasts a discovery-request now and then every interval,
// pruning devices that stopped answering. A running loop is kept.
func (d *Desktop) StartDiscovery(interval time.Duration) error {
	if interval <= 0 {
		interval = network.DefaultAdvertiseInterval
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotStarted
	}
	bt := d.broadcast
	if bt == nil {
		d.mu.Unlock()
		return ErrTransportDisabled
	}
	if d.discoveryCancel != nil {
		d.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.discoveryCancel = cancel
	d.discoveryDone = done
	d.mu.Unlock()

	go d.discoveryLoop(ctx, bt, interval, done)
	return nil
}

// StopDiscovery stops the discovery loop. Safe to call repeatedly.
func (d *Desktop) StopDiscovery() {
	d.mu.Lock()
	cancel, done := d.discoveryCancel, d.discoveryDone
	d.discoveryCancel, d.discoveryDone = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Desktop) discoveryLoop(ctx context.Context, bt *network.BroadcastTransport, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := bt.Send(ctx, "", network.NewDiscoveryRequest(d.opts.Device.DeviceID)); err != nil && ctx.Err() == nil {
			d.logger.Warn("discovery request failed", "error", err)
		}
		for _, lost := range d.registry.Prune() {
			device := lost
			d.events.emit(Event{Type: EventDeviceLost, Device: &device})
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RequestPairing sends the code the user typed for a discovered mobile and
// waits for its verdict, retransmitting with backoff. The mobile verifies.
func (d *Desktop) RequestPairing(ctx context.Context, deviceKey, code string) error {
	d.mu.Lock()
	bt := d.broadcast
	running := d.running
	d.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	if bt == nil {
		return ErrTransportDisabled
	}

	device, ok := d.registry.Get(deviceKey)
	if !ok {
		return ErrUnknownDevice
	}
	if err := d.session.Begin(&device); err != nil {
		return err
	}

	p := d.replies.register(deviceKey)
	defer d.replies.clear(p)

	ctx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	req := network.NewConnectionRequest(pairing.NormalizeEnteredCode(code), d.opts.Device)
	reply, err := awaitReply(ctx, d.opts.Retry, d.opts.ReplyWindow, p, func(ctx context.Context) error {
		return bt.Send(ctx, deviceKey, req)
	})
	if err != nil {
		reason := pairing.ReasonTimeout
		if !errors.Is(err, ErrPairingTimeout) {
			reason = pairing.ReasonTransportClosed
		}
		_ = d.session.Reject(reason, err.Error())
		return err
	}

	host, port := splitHostPort(deviceKey)
	if _, err := completeAttempt(d.session, &d.links, reply, network.ViaBroadcast, deviceKey, host, port); err != nil {
		if errors.Is(err, ErrPairingRejected) {
			d.events.emit(Event{Type: EventPairingFailed, Device: &device, Message: reasonText(err)})
		}
		return err
	}
	return nil
}

// Disconnect notifies the peer best-effort and ends the session.
func (d *Desktop) Disconnect() {
	d.notifyPeer("user")
	d.session.Disconnect(pairing.ReasonDisconnect)
}

func (d *Desktop) notifyPeer(reason string) {
	if d.session.State() != pairing.StateConnected {
		return
	}
	l := d.links.get()
	d.mu.Lock()
	bt, ps := d.broadcast, d.push
	d.mu.Unlock()
	if l == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	msg := network.NewDisconnect(reason, l.token)
	var err error
	switch l.via {
	case network.ViaPush:
		if ps != nil {
			err = ps.Send(ctx, l.addr, msg)
		}
	case network.ViaBroadcast:
		if bt != nil {
			err = bt.Send(ctx, l.addr, msg)
		}
	case network.ViaHTTP:
		// The mobile learns on its next request.
	}
	if err != nil {
		d.logger.Debug("disconnect notice not delivered", "peer", l.addr, "error", err)
	}
}

func (d *Desktop) handle(_ context.Context, in network.Inbound) any {
	switch in.Type {
	case network.TypeDeviceBroadcast:
		d.handleDeviceBroadcast(in)
	case network.TypeConnect:
		return d.handleConnect(in)
	case network.TypeConnectAccepted, network.TypeConnectRejected:
		if !d.replies.deliver(in) {
			d.logger.Debug("dropping unsolicited reply", "type", in.Type, "from", in.From)
		}
	case network.TypeSoundDetected, network.TypeSoundAlert:
		return d.handleSound(in)
	case network.TypeDisconnect:
		d.handleDisconnect(in)
	case network.TypeDiscoveryRequest, network.TypeConnectionRequest:
		// Meant for mobiles; our own broadcasts loop back here.
	default:
		d.logger.Debug("dropping unknown message", "type", in.Type, "from", in.From, "via", in.Via)
	}
	return nil
}

func (d *Desktop) handleDeviceBroadcast(in network.Inbound) {
	var msg network.DeviceBroadcast
	if err := network.Decode(in.Payload, &msg); err != nil {
		d.logger.Debug("dropping malformed device broadcast", "from", in.From, "error", err)
		return
	}

	host, port := splitHostPort(in.From)
	device := msg.DeviceInfo.WithEndpoint(host, port)
	if !d.registry.Upsert(device) {
		return
	}

	d.logger.Info("device discovered", "device", device.DisplayName(), "key", device.Key())
	d.events.emit(Event{Type: EventDeviceDiscovered, Device: &device})
	if store := d.opts.Journal; store != nil {
		if err := store.UpsertKnownDevice(device, 0); err != nil {
			d.logger.Warn("journal write failed", "error", err)
		}
	}
}

func (d *Desktop) handleConnect(in network.Inbound) any {
	var msg network.ConnectMessage
	if err := network.Decode(in.Payload, &msg); err != nil {
		d.logger.Debug("dropping malformed connect", "from", in.From, "error", err)
		return nil
	}

	host, port := splitHostPort(in.From)
	if in.Via == network.ViaHTTP {
		// The request's source port is ephemeral.
		port = 0
	}
	peer := msg.DeviceInfo.WithEndpoint(host, port)

	token, err := d.session.Verify(pairing.NormalizeEnteredCode(msg.Code), peer)
	if err != nil {
		reason := reasonText(err)
		d.logger.Info("pairing attempt refused", "peer", in.From, "via", in.Via, "error", err)
		d.events.emit(Event{Type: EventPairingFailed, Device: &peer, Message: reason})
		d.journalRefusal(peer, err)
		return network.NewConnectRejected(reason)
	}

	undo := d.links.set(&link{via: in.Via, addr: in.From, token: token})
	if d.session.State() != pairing.StateConnected {
		// Torn down before the link was recorded.
		undo()
	}
	return network.NewConnectAccepted(d.opts.Device, token)
}

func (d *Desktop) handleSound(in network.Inbound) any {
	var msg network.SoundMessage
	if err := network.Decode(in.Payload, &msg); err != nil {
		d.logger.Debug("dropping malformed sound message", "from", in.From, "error", err)
		return nil
	}
	sessionID, err := d.session.Authorize(msg.Token)
	if err != nil {
		d.logger.Debug("dropping sound from unpaired sender", "from", in.From, "error", err)
		if in.Via == network.ViaHTTP {
			return network.NewDisconnect("not-connected", "")
		}
		return nil
	}

	event := msg.Event()
	d.feedMu.Lock()
	accepted := d.session.Snapshot().SessionID == sessionID && d.feed.Add(event)
	d.feedMu.Unlock()
	if !accepted {
		d.logger.Debug("dropping sound event", "from", in.From, "sound", event.SoundType)
		return nil
	}

	if event.IsCritical {
		d.logger.Warn("critical sound detected", "sound", event.SoundType, "confidence", event.Confidence)
	} else {
		d.logger.Info("sound detected", "sound", event.SoundType, "confidence", event.Confidence)
	}
	d.events.emit(Event{Type: EventSoundReceived, Sound: &event})
	d.journalAlert(event)
	return nil
}

func (d *Desktop) handleDisconnect(in network.Inbound) {
	var msg network.DisconnectMessage
	if err := network.Decode(in.Payload, &msg); err != nil {
		d.logger.Debug("dropping malformed disconnect", "from", in.From, "error", err)
		return
	}
	if _, err := d.session.Authorize(msg.Token); err != nil {
		d.logger.Debug("ignoring disconnect from unpaired sender", "from", in.From, "error", err)
		return
	}
	d.session.Disconnect(pairing.ReasonPeerDisconnect)
}

func (d *Desktop) onPushClosed(peer string) {
	l := d.links.get()
	if l != nil && l.via == network.ViaPush && l.addr == peer {
		d.session.TransportClosed()
	}
}

func (d *Desktop) onTransition(tr pairing.Transition) {
	d.logger.Info("pairing state changed", "from", tr.From, "to", tr.To, "reason", tr.Reason)
	if tr.To == pairing.StateDisconnected {
		d.links.take()
		d.feedMu.Lock()
		d.feed.Clear()
		d.feedMu.Unlock()
	}
	d.events.emit(transitionEvent(tr))
	d.journalTransition(tr)
}

func (d *Desktop) journalTransition(tr pairing.Transition) {
	store := d.opts.Journal
	if store == nil {
		return
	}

	var eventType, severity string
	switch {
	case tr.To == pairing.StateConnected:
		eventType, severity = storage.EventPairingAccepted, storage.SeverityInfo
	case tr.Reason == pairing.ReasonTimeout:
		eventType, severity = storage.EventPairingTimeout, storage.SeverityWarning
	case tr.Reason == pairing.ReasonRejected:
		eventType, severity = storage.EventPairingRejected, storage.SeverityWarning
	case tr.To == pairing.StateDisconnected && tr.From == pairing.StateConnected:
		eventType, severity = storage.EventDisconnected, storage.SeverityInfo
	default:
		// Code mismatches are journaled by journalRefusal.
		return
	}

	key := ""
	if tr.Peer != nil {
		key = tr.Peer.Key()
	}
	details := map[string]any{"reason": string(tr.Reason)}
	if tr.Detail != "" {
		details["detail"] = tr.Detail
	}
	if _, err := store.LogPairingDetails(eventType, severity, tr.SessionID, key, details); err != nil {
		d.logger.Warn("journal write failed", "error", err)
	}

	if tr.To == pairing.StateConnected && tr.Peer != nil && key != "" {
		if err := store.UpsertKnownDevice(*tr.Peer, 0); err != nil {
			d.logger.Warn("journal write failed", "error", err)
			return
		}
		if err := store.IncrementPairCount(key); err != nil {
			d.logger.Warn("journal write failed", "error", err)
		}
	}
}

func (d *Desktop) journalRefusal(peer models.DeviceDescriptor, cause error) {
	store := d.opts.Journal
	if store == nil {
		return
	}

	eventType, severity := storage.EventPairingRejected, storage.SeverityWarning
	if errors.Is(cause, pairing.ErrRateLimited) {
		eventType, severity = storage.EventPairingRateLimited, storage.SeverityCritical
	}
	details := map[string]any{"error": cause.Error(), "device": peer.DisplayName()}
	if _, err := store.LogPairingDetails(eventType, severity, "", peer.Key(), details); err != nil {
		d.logger.Warn("journal write failed", "error", err)
	}
}

func (d *Desktop) journalAlert(event models.SoundEvent) {
	store := d.opts.Journal
	if store == nil || !d.opts.PersistAlerts {
		return
	}
	snap := d.session.Snapshot()
	if snap.SessionID == "" {
		return
	}
	key := ""
	if snap.Peer != nil {
		key = snap.Peer.Key()
	}
	if err := store.RecordAlert(snap.SessionID, key, event); err != nil {
		d.logger.Warn("journal write failed", "error", err)
	}
}

func tcpPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, port := splitHostPort(addr.String())
	return port
}
