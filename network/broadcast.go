package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"safely/errcode"
	"safely/models"
)

// DefaultAdvertiseInterval is the device-broadcast retransmission period.
const DefaultAdvertiseInterval = 3 * time.Second

// BroadcastOptions configures the UDP discovery transport.
type BroadcastOptions struct {
	// ListenAddress is the local UDP bind address. Default: ":41234".
	ListenAddress string
	// BroadcastAddress is the destination for Send with an empty peer and for
	// advertising. Default: "255.255.255.255:41234".
	BroadcastAddress string
	Logger           *slog.Logger
}

func (o BroadcastOptions) withDefaults() BroadcastOptions {
	if o.ListenAddress == "" {
		o.ListenAddress = ":" + strconv.Itoa(DefaultBroadcastPort)
	}
	if o.BroadcastAddress == "" {
		o.BroadcastAddress = net.JoinHostPort("255.255.255.255", strconv.Itoa(DefaultBroadcastPort))
	}
	o.Logger = loggerOrDefault(o.Logger)
	return o
}

// BroadcastTransport sends and receives discovery datagrams on one UDP socket.
type BroadcastTransport struct {
	conn      *net.UDPConn
	broadcast *net.UDPAddr
	logger    *slog.Logger

	handler handlerSlot

	advMu     sync.Mutex
	advCancel context.CancelFunc
	advDone   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenBroadcast binds the discovery socket and starts the read loop.
func ListenBroadcast(options BroadcastOptions) (*BroadcastTransport, error) {
	opts := options.withDefaults()

	local, err := net.ResolveUDPAddr("udp4", opts.ListenAddress)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeTransportBind, fmt.Sprintf("resolve %q", opts.ListenAddress), err)
	}
	broadcast, err := net.ResolveUDPAddr("udp4", opts.BroadcastAddress)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeTransportBind, fmt.Sprintf("resolve %q", opts.BroadcastAddress), err)
	}

	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeTransportBind, fmt.Sprintf("listen on %q", opts.ListenAddress), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &BroadcastTransport{
		conn:      conn,
		broadcast: broadcast,
		logger:    opts.Logger.With("transport", "broadcast"),
		ctx:       ctx,
		cancel:    cancel,
	}

	t.wg.Add(1)
	go t.readLoop()
	return t, nil
}

// Addr returns the bound local address.
func (t *BroadcastTransport) Addr() *net.UDPAddr {
	addr, _ := t.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// OnMessage registers the inbound handler.
func (t *BroadcastTransport) OnMessage(handler Handler) {
	t.handler.set(handler)
}

// Send writes message to peer ("host:port"). An empty peer means the
// configured broadcast address.
func (t *BroadcastTransport) Send(ctx context.Context, peer string, message any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := t.broadcast
	if peer != "" {
		resolved, err := net.ResolveUDPAddr("udp4", peer)
		if err != nil {
			return errcode.Wrap(errcode.CodeTransportSend, fmt.Sprintf("resolve %q", peer), err)
		}
		target = resolved
	}

	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return t.writeTo(ctx, payload, target)
}

func (t *BroadcastTransport) writeTo(ctx context.Context, payload []byte, target *net.UDPAddr) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer func() {
			_ = t.conn.SetWriteDeadline(time.Time{})
		}()
	}
	if _, err := t.conn.WriteToUDP(payload, target); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return errcode.Wrap(errcode.CodeTransportClosed, "broadcast socket closed", err)
		}
		return errcode.Wrap(errcode.CodeTransportSend, fmt.Sprintf("send to %s", target), err)
	}
	return nil
}

// StartAdvertising sends a device-broadcast for descriptor now and then every
// interval until StopAdvertising or Close. A running loop is replaced.
func (t *BroadcastTransport) StartAdvertising(descriptor models.DeviceDescriptor, interval time.Duration) error {
	if t.ctx.Err() != nil {
		return errcode.New(errcode.CodeTransportClosed, "broadcast transport closed")
	}
	if interval <= 0 {
		interval = DefaultAdvertiseInterval
	}

	t.StopAdvertising()

	t.advMu.Lock()
	defer t.advMu.Unlock()
	ctx, cancel := context.WithCancel(t.ctx)
	done := make(chan struct{})
	t.advCancel = cancel
	t.advDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := t.Send(ctx, "", NewDeviceBroadcast(descriptor)); err != nil && ctx.Err() == nil {
				t.logger.Warn("device broadcast failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// StopAdvertising stops the advertising loop. Safe to call repeatedly.
func (t *BroadcastTransport) StopAdvertising() {
	t.advMu.Lock()
	cancel := t.advCancel
	done := t.advDone
	t.advCancel = nil
	t.advDone = nil
	t.advMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops advertising and releases the socket.
func (t *BroadcastTransport) Close() error {
	var closeErr error
	t.closeOnce.Do(func() {
		t.StopAdvertising()
		t.cancel()
		closeErr = t.conn.Close()
		t.wg.Wait()
	})
	return closeErr
}

func (t *BroadcastTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, MaxMessageSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("broadcast read failed", "error", err)
			continue
		}

		payload := append([]byte(nil), buf[:n]...)
		reply := t.handler.dispatch(t.ctx, t.logger, from.String(), ViaBroadcast, payload)
		if reply == nil {
			continue
		}

		encoded, err := EncodeJSON(reply)
		if err != nil {
			t.logger.Warn("encode broadcast reply failed", "error", err)
			continue
		}
		if err := t.writeTo(t.ctx, encoded, from); err != nil {
			t.logger.Warn("broadcast reply failed", "to", from.String(), "error", err)
		}
	}
}
