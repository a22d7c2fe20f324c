package agent

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"safely/discovery"
	"safely/errcode"
	"safely/models"
	"safely/network"
	"safely/pairing"
	"safely/relay"
)

// MobileOptions configures a Mobile.
type MobileOptions struct {
	// Device is the descriptor sent to desktops.
	Device models.DeviceDescriptor
	// Code fixes this device's own code, checked when a desktop sends a
	// connection-request. A random one is generated when empty.
	Code string

	BroadcastListen   string
	BroadcastAddress  string
	DisableBroadcast  bool
	AdvertiseInterval time.Duration

	// MDNS browses for desktops when set.
	MDNS *discovery.Config

	ConnectTimeout    time.Duration
	AttemptsPerMinute int
	TokenCost         int
	Retry             network.RetryPolicy
	ReplyWindow       time.Duration
	EventBuffer       int

	HTTPClient *http.Client

	Source           relay.FrameSource
	Classifier       relay.SoundClassifier
	Permission       relay.PermissionChecker
	RelayMinInterval time.Duration

	Logger *slog.Logger
}

// Mobile is the agent that pairs with a desktop and relays detected sounds
// to it while connected.
type Mobile struct {
	opts   MobileOptions
	logger *slog.Logger

	session *pairing.Session
	relay   *relay.Relay
	http    *network.HTTPClient
	events  *eventBus
	replies replyWaiter
	links   linkHolder

	relayWant atomic.Bool
	relayKick chan struct{}

	mu        sync.Mutex
	running   bool
	stopped   bool
	broadcast *network.BroadcastTransport
	push      *network.PushClient
	scanner   *discovery.PeerScanner
	relayQuit chan struct{}
	relayDone chan struct{}
}

// NewMobile builds a stopped mobile agent.
func NewMobile(opts MobileOptions) (*Mobile, error) {
	if opts.Device.Platform == "" {
		opts.Device.Platform = models.PlatformAndroid
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = pairing.DefaultConnectTimeout
	}
	if opts.ReplyWindow <= 0 {
		opts.ReplyWindow = DefaultReplyWindow
	}
	if opts.AdvertiseInterval <= 0 {
		opts.AdvertiseInterval = network.DefaultAdvertiseInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Mobile{
		opts:      opts,
		logger:    logger.With("agent", "mobile"),
		events:    newEventBus(opts.EventBuffer),
		relayKick: make(chan struct{}, 1),
	}

	session, err := pairing.NewSession(pairing.Options{
		Code:              opts.Code,
		ConnectTimeout:    opts.ConnectTimeout,
		AttemptsPerMinute: opts.AttemptsPerMinute,
		TokenCost:         opts.TokenCost,
		OnTransition:      m.onTransition,
	})
	if err != nil {
		return nil, err
	}
	m.session = session

	r, err := relay.New(relay.Options{
		Source:      opts.Source,
		Classifier:  opts.Classifier,
		Permission:  opts.Permission,
		Sink:        m.sendSound,
		MinInterval: opts.RelayMinInterval,
		Logger:      m.logger,
	})
	if err != nil {
		return nil, err
	}
	m.relay = r

	m.http = network.NewHTTPClient(network.HTTPClientOptions{
		Client: opts.HTTPClient,
		Retry:  opts.Retry,
		Logger: m.logger,
	})
	m.http.OnMessage(m.handle)
	return m, nil
}

// Start opens the broadcast transport and begins advertising. Starting a
// running mobile is a no-op.
func (m *Mobile) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var bt *network.BroadcastTransport
	if !m.opts.DisableBroadcast {
		var err error
		bt, err = network.ListenBroadcast(network.BroadcastOptions{
			ListenAddress:    m.opts.BroadcastListen,
			BroadcastAddress: m.opts.BroadcastAddress,
			Logger:           m.logger,
		})
		if err != nil {
			return err
		}
		bt.OnMessage(m.handle)
		if err := bt.StartAdvertising(m.opts.Device, m.opts.AdvertiseInterval); err != nil {
			_ = bt.Close()
			return err
		}
	}

	var scanner *discovery.PeerScanner
	if m.opts.MDNS != nil {
		scanner = m.startScanner()
	}

	m.mu.Lock()
	if m.stopped || m.running {
		stopped := m.stopped
		m.mu.Unlock()
		if bt != nil {
			_ = bt.Close()
		}
		if scanner != nil {
			scanner.Stop()
		}
		if stopped {
			return ErrStopped
		}
		return nil
	}
	m.broadcast, m.scanner = bt, scanner
	m.relayQuit = make(chan struct{})
	m.relayDone = make(chan struct{})
	m.running = true
	go m.relayControl(m.relayQuit, m.relayDone)
	m.mu.Unlock()

	if scanner != nil {
		go m.forwardDiscovery(scanner.Events())
	}
	m.logger.Info("mobile agent started", "broadcast", bt != nil, "mdns", scanner != nil)
	return nil
}

func (m *Mobile) startScanner() *discovery.PeerScanner {
	cfg := *m.opts.MDNS
	cfg.SelfDeviceID = m.opts.Device.DeviceID

	scanner, err := discovery.NewPeerScanner(cfg)
	if err != nil {
		m.logger.Warn("mDNS browsing unavailable", "error", err)
		return nil
	}
	if err := scanner.Start(); err != nil {
		m.logger.Warn("mDNS browsing unavailable", "error", err)
		return nil
	}
	return scanner
}

// forwardDiscovery republishes scanner updates as agent events until the
// scanner stops.
func (m *Mobile) forwardDiscovery(updates <-chan discovery.Event) {
	for update := range updates {
		desktop := update.Desktop.Descriptor()
		switch update.Type {
		case discovery.EventDesktopUpserted:
			m.logger.Debug("desktop available", "device_id", desktop.DeviceID, "address", desktop.Key())
			m.events.emit(Event{Type: EventDeviceDiscovered, Device: &desktop})
		case discovery.EventDesktopRemoved:
			m.logger.Debug("desktop gone", "device_id", desktop.DeviceID)
			m.events.emit(Event{Type: EventDeviceLost, Device: &desktop})
		}
	}
}

// Stop disconnects, stops relaying, and closes every transport. Safe to
// call repeatedly; a stopped mobile cannot be restarted.
func (m *Mobile) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.notifyPeer("shutdown")
	m.session.Disconnect(pairing.ReasonShutdown)

	m.mu.Lock()
	bt, push, scanner := m.broadcast, m.push, m.scanner
	quit, done := m.relayQuit, m.relayDone
	m.broadcast, m.push, m.scanner = nil, nil, nil
	m.running = false
	m.mu.Unlock()

	if quit != nil {
		close(quit)
		<-done
	}
	m.relay.Stop()
	if scanner != nil {
		scanner.Stop()
	}
	if push != nil {
		_ = push.Close()
	}
	if bt != nil {
		if err := bt.Close(); err != nil {
			m.logger.Debug("close broadcast transport", "error", err)
		}
	}
	_ = m.http.Close()
	m.events.close()
	m.logger.Info("mobile agent stopped")
}

// Code returns this device's own pairing code.
func (m *Mobile) Code() string {
	return m.session.Code()
}

// RegenerateCode replaces this device's code. Not allowed while connected.
func (m *Mobile) RegenerateCode() (string, error) {
	return m.session.RegenerateCode()
}

// State returns the session state.
func (m *Mobile) State() pairing.State {
	return m.session.State()
}

// Snapshot returns the session snapshot.
func (m *Mobile) Snapshot() pairing.Snapshot {
	return m.session.Snapshot()
}

// Peer returns the paired or pending desktop, if any.
func (m *Mobile) Peer() (models.DeviceDescriptor, bool) {
	return m.session.Peer()
}

// Events returns the notification channel. It is closed by Stop.
func (m *Mobile) Events() <-chan Event {
	return m.events.ch
}

// RelayStats reports sound relay counters.
func (m *Mobile) RelayStats() relay.Stats {
	return m.relay.Stats()
}

// Relaying reports whether the sound relay is running.
func (m *Mobile) Relaying() bool {
	return m.relay.Running()
}

// BroadcastAddr returns the bound UDP address, or nil when disabled.
func (m *Mobile) BroadcastAddr() *net.UDPAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broadcast == nil {
		return nil
	}
	return m.broadcast.Addr()
}

// DiscoveredDesktops returns desktops found over mDNS.
func (m *Mobile) DiscoveredDesktops() []discovery.DiscoveredDesktop {
	m.mu.Lock()
	scanner := m.scanner
	m.mu.Unlock()
	if scanner == nil {
		return nil
	}
	return scanner.ListDesktops()
}

// WaitForDesktop blocks until mDNS finds a desktop or ctx ends.
func (m *Mobile) WaitForDesktop(ctx context.Context) (discovery.DiscoveredDesktop, error) {
	m.mu.Lock()
	scanner := m.scanner
	m.mu.Unlock()
	if scanner == nil {
		return discovery.DiscoveredDesktop{}, ErrTransportDisabled
	}
	return scanner.WaitForDesktop(ctx)
}

// PairHTTP submits code to the desktop's /pair route, trying candidates in
// order. The desktop verifies; sounds are then posted to /messages.
func (m *Mobile) PairHTTP(ctx context.Context, candidates []string, code string) error {
	if !m.isRunning() {
		return ErrNotStarted
	}
	if err := m.session.Begin(nil); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	resp, base, err := m.http.Pair(ctx, candidates, pairing.NormalizeEnteredCode(code), m.opts.Device)
	if err != nil {
		return m.failAttempt(ctx, err)
	}
	if !resp.Success {
		_ = m.session.Reject(pairing.ReasonRejected, resp.Message)
		m.events.emit(Event{Type: EventPairingFailed, Message: resp.Message})
		return rejection(resp.Message)
	}

	var peer models.DeviceDescriptor
	if resp.DeviceInfo != nil {
		peer = *resp.DeviceInfo
	}
	host, port := urlHostPort(base)
	if resp.DesktopIP != "" {
		host = resp.DesktopIP
	}
	peer = peer.WithEndpoint(host, port)

	undo := m.links.set(&link{via: network.ViaHTTP, addr: base, token: resp.Token})
	if err := m.session.Accept(peer, resp.Token); err != nil {
		undo()
		return err
	}
	return nil
}

// PairPush opens a push channel to pushURL and submits code over it. The
// desktop verifies; sounds then travel on the same channel.
func (m *Mobile) PairPush(ctx context.Context, pushURL, code string) error {
	if !m.isRunning() {
		return ErrNotStarted
	}
	if err := m.session.Begin(nil); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	// Every channel to the same desktop shares the url as its peer key, so
	// close notifications are matched on the client itself.
	var dialed atomic.Pointer[network.PushClient]
	client, err := network.DialPush(ctx, pushURL, network.PushOptions{
		OnClose: func(string) { m.onPushClosed(dialed.Load()) },
		Logger:  m.logger,
	})
	if err != nil {
		return m.failAttempt(ctx, err)
	}
	dialed.Store(client)
	client.OnMessage(m.handle)

	m.mu.Lock()
	previous := m.push
	m.push = client
	m.mu.Unlock()
	if previous != nil {
		go previous.Close()
	}

	p := m.replies.register(pushURL)
	defer m.replies.clear(p)

	reply, err := waitPushReply(ctx, client, p, network.NewConnect(pairing.NormalizeEnteredCode(code), m.opts.Device))
	if err != nil {
		m.dropPush(client)
		return m.failAttempt(ctx, err)
	}

	host, port := urlHostPort(pushURL)
	if _, err := completeAttempt(m.session, &m.links, reply, network.ViaPush, pushURL, host, port); err != nil {
		m.dropPush(client)
		if errors.Is(err, ErrPairingRejected) {
			m.events.emit(Event{Type: EventPairingFailed, Message: reasonText(err)})
		}
		return err
	}
	return nil
}

// waitPushReply sends msg once and waits for the answer. The channel is
// ordered and reliable so nothing is retransmitted.
func waitPushReply(ctx context.Context, client *network.PushClient, p *pendingReply, msg any) (network.Inbound, error) {
	if err := client.Send(ctx, "", msg); err != nil {
		return network.Inbound{}, err
	}
	select {
	case reply := <-p.ch:
		return reply, nil
	case <-client.Done():
		return network.Inbound{}, network.ErrChannelClosed
	case <-ctx.Done():
		return network.Inbound{}, ErrPairingTimeout
	}
}

// PairBroadcast sends code to a desktop's UDP address and waits for its
// verdict, retransmitting with backoff. The desktop verifies.
func (m *Mobile) PairBroadcast(ctx context.Context, desktopAddr, code string) error {
	m.mu.Lock()
	bt := m.broadcast
	running := m.running
	m.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	if bt == nil {
		return ErrTransportDisabled
	}

	resolved, err := net.ResolveUDPAddr("udp4", desktopAddr)
	if err != nil {
		return errcode.Wrap(errcode.CodeTransportDial, "resolve desktop address", err)
	}
	target := resolved.String()

	if err := m.session.Begin(nil); err != nil {
		return err
	}

	p := m.replies.register(target)
	defer m.replies.clear(p)

	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	msg := network.NewConnect(pairing.NormalizeEnteredCode(code), m.opts.Device)
	reply, err := awaitReply(ctx, m.opts.Retry, m.opts.ReplyWindow, p, func(ctx context.Context) error {
		return bt.Send(ctx, target, msg)
	})
	if err != nil {
		return m.failAttempt(ctx, err)
	}

	host, port := splitHostPort(target)
	if _, err := completeAttempt(m.session, &m.links, reply, network.ViaBroadcast, target, host, port); err != nil {
		if errors.Is(err, ErrPairingRejected) {
			m.events.emit(Event{Type: EventPairingFailed, Message: reasonText(err)})
		}
		return err
	}
	return nil
}

// failAttempt ends a pending attempt that got no verdict.
func (m *Mobile) failAttempt(ctx context.Context, err error) error {
	reason := pairing.ReasonTransportClosed
	if errors.Is(err, ErrPairingTimeout) || ctx.Err() != nil {
		reason = pairing.ReasonTimeout
		err = ErrPairingTimeout
	}
	_ = m.session.Reject(reason, err.Error())
	return err
}

func (m *Mobile) dropPush(client *network.PushClient) {
	m.mu.Lock()
	if m.push == client {
		m.push = nil
	}
	m.mu.Unlock()
	go client.Close()
}

// Disconnect notifies the desktop best-effort and ends the session.
func (m *Mobile) Disconnect() {
	m.notifyPeer("user")
	m.session.Disconnect(pairing.ReasonDisconnect)
}

func (m *Mobile) notifyPeer(reason string) {
	if m.session.State() != pairing.StateConnected {
		return
	}
	l := m.links.get()
	if l == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.sendOnLink(ctx, l, network.NewDisconnect(reason, l.token)); err != nil {
		m.logger.Debug("disconnect notice not delivered", "peer", l.addr, "error", err)
	}
}

// sendSound is the relay sink.
func (m *Mobile) sendSound(ctx context.Context, event models.SoundEvent) error {
	l := m.links.get()
	if l == nil {
		return pairing.ErrNotConnected
	}
	return m.sendOnLink(ctx, l, network.NewSoundMessage(event, l.token))
}

func (m *Mobile) sendOnLink(ctx context.Context, l *link, msg any) error {
	switch l.via {
	case network.ViaPush:
		m.mu.Lock()
		client := m.push
		m.mu.Unlock()
		if client == nil {
			return network.ErrChannelClosed
		}
		return client.Send(ctx, l.addr, msg)
	case network.ViaHTTP:
		return m.http.Send(ctx, l.addr, msg)
	case network.ViaBroadcast:
		m.mu.Lock()
		bt := m.broadcast
		m.mu.Unlock()
		if bt == nil {
			return ErrTransportDisabled
		}
		return bt.Send(ctx, l.addr, msg)
	}
	return ErrTransportDisabled
}

func (m *Mobile) handle(_ context.Context, in network.Inbound) any {
	switch in.Type {
	case network.TypeDiscoveryRequest:
		if in.Via == network.ViaBroadcast {
			return network.NewDeviceBroadcast(m.opts.Device)
		}
	case network.TypeConnectionRequest:
		return m.handleConnectionRequest(in)
	case network.TypeConnectAccepted, network.TypeConnectRejected:
		if !m.replies.deliver(in) {
			m.logger.Debug("dropping unsolicited reply", "type", in.Type, "from", in.From)
		}
	case network.TypeDisconnect:
		m.handleDisconnect(in)
	case network.TypeDeviceBroadcast, network.TypeConnect, network.TypeSoundDetected, network.TypeSoundAlert:
		// Meant for desktops; our own broadcasts loop back here.
	default:
		m.logger.Debug("dropping unknown message", "type", in.Type, "from", in.From, "via", in.Via)
	}
	return nil
}

func (m *Mobile) handleConnectionRequest(in network.Inbound) any {
	if in.Via != network.ViaBroadcast {
		return nil
	}
	var msg network.ConnectionRequest
	if err := network.Decode(in.Payload, &msg); err != nil {
		m.logger.Debug("dropping malformed connection request", "from", in.From, "error", err)
		return nil
	}

	host, port := splitHostPort(in.From)
	peer := msg.DeviceInfo.WithEndpoint(host, port)

	token, err := m.session.Verify(pairing.NormalizeEnteredCode(msg.ConnectionCode), peer)
	if err != nil {
		reason := reasonText(err)
		m.logger.Info("pairing request refused", "peer", in.From, "error", err)
		m.events.emit(Event{Type: EventPairingFailed, Device: &peer, Message: reason})
		return network.NewConnectRejected(reason)
	}

	undo := m.links.set(&link{via: network.ViaBroadcast, addr: in.From, token: token})
	if m.session.State() != pairing.StateConnected {
		undo()
	}
	return network.NewConnectAccepted(m.opts.Device, token)
}

func (m *Mobile) handleDisconnect(in network.Inbound) {
	var msg network.DisconnectMessage
	if err := network.Decode(in.Payload, &msg); err != nil {
		m.logger.Debug("dropping malformed disconnect", "from", in.From, "error", err)
		return
	}

	// A desktop answers an HTTP post with a tokenless disconnect once it no
	// longer knows us.
	l := m.links.get()
	fromLinkedDesktop := in.Via == network.ViaHTTP && l != nil && l.via == network.ViaHTTP && l.addr == in.From
	if !fromLinkedDesktop {
		if _, err := m.session.Authorize(msg.Token); err != nil {
			m.logger.Debug("ignoring disconnect from unpaired sender", "from", in.From, "error", err)
			return
		}
	}
	m.logger.Info("desktop ended the session", "reason", msg.Reason)
	m.session.Disconnect(pairing.ReasonPeerDisconnect)
}

func (m *Mobile) onPushClosed(client *network.PushClient) {
	m.mu.Lock()
	current := m.push
	m.mu.Unlock()
	if client == nil || client != current {
		return
	}
	if l := m.links.get(); l != nil && l.via == network.ViaPush {
		m.session.TransportClosed()
	}
}

func (m *Mobile) onTransition(tr pairing.Transition) {
	m.logger.Info("pairing state changed", "from", tr.From, "to", tr.To, "reason", tr.Reason)
	switch tr.To {
	case pairing.StateConnected:
		m.setRelay(true)
	case pairing.StateDisconnected:
		m.setRelay(false)
		if l := m.links.take(); l != nil && l.via == network.ViaPush {
			m.mu.Lock()
			client := m.push
			m.push = nil
			m.mu.Unlock()
			if client != nil {
				// May run on the client's own reader goroutine.
				go client.Close()
			}
		}
	}
	m.events.emit(transitionEvent(tr))
}

func (m *Mobile) setRelay(want bool) {
	m.relayWant.Store(want)
	select {
	case m.relayKick <- struct{}{}:
	default:
	}
}

// relayControl starts and stops the relay off the transition path, so a
// relay send that tears the session down never waits on itself.
func (m *Mobile) relayControl(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case <-m.relayKick:
		}

		if !m.relayWant.Load() {
			m.relay.Stop()
			continue
		}
		err := m.relay.Start(context.Background())
		switch {
		case err == nil:
		case errors.Is(err, relay.ErrPermissionDenied):
			m.logger.Warn("microphone permission denied, sounds will not be relayed")
			m.events.emit(Event{Type: EventPermissionDenied, Message: err.Error()})
		default:
			m.logger.Warn("sound relay failed to start", "error", err)
		}
	}
}

func (m *Mobile) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func urlHostPort(raw string) (string, int) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0
	}
	return splitHostPort(u.Host)
}
