package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"safely/errcode"
)

const (
	// DefaultPushPath is the websocket upgrade path.
	DefaultPushPath = "/ws"

	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultWriteWait    = 10 * time.Second
	pushSendBuffer      = 32
)

var (
	// ErrPeerNotFound indicates Send targeted a peer with no open channel.
	ErrPeerNotFound = errcode.New(errcode.CodeTransportSend, "no push channel for peer")
	// ErrSendBufferFull indicates the peer is not draining its channel.
	ErrSendBufferFull = errcode.New(errcode.CodeTransportSend, "push send buffer full")
	// ErrChannelClosed indicates the push channel has closed.
	ErrChannelClosed = errcode.New(errcode.CodeTransportClosed, "push channel closed")
)

// PushOptions configures push channels on either side.
type PushOptions struct {
	// ListenAddress is the server bind address. Default: ":8080".
	ListenAddress string
	// Path is the upgrade path. Default: "/ws".
	Path string

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration

	// OnClose is called once per channel after it closes, with the peer key.
	OnClose func(peer string)

	Logger *slog.Logger
}

func (o PushOptions) withDefaults() PushOptions {
	if o.ListenAddress == "" {
		o.ListenAddress = ":" + strconv.Itoa(DefaultPushPort)
	}
	if o.Path == "" {
		o.Path = DefaultPushPath
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval * 2
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	o.Logger = loggerOrDefault(o.Logger)
	return o
}

// pushConn is one websocket with a single writer goroutine, which keeps
// per-connection delivery ordered.
type pushConn struct {
	conn    *websocket.Conn
	peer    string
	opts    PushOptions
	handler *handlerSlot
	logger  *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	finished  chan struct{}
}

func newPushConn(conn *websocket.Conn, peer string, handler *handlerSlot, opts PushOptions) *pushConn {
	return &pushConn{
		conn:     conn,
		peer:     peer,
		opts:     opts,
		handler:  handler,
		logger:   opts.Logger.With("transport", "push", "peer", peer),
		send:     make(chan []byte, pushSendBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// run starts the pumps. onExit runs once after the read pump returns.
func (c *pushConn) run(onExit func()) {
	go c.writePump()
	go func() {
		defer close(c.finished)
		c.readPump()
		c.closeSend()
		if onExit != nil {
			onExit()
		}
		if c.opts.OnClose != nil {
			c.opts.OnClose(c.peer)
		}
	}()
}

func (c *pushConn) closeSend() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *pushConn) enqueue(ctx context.Context, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrSendBufferFull
	}
}

func (c *pushConn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Warn("push write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *pushConn) readPump() {
	c.conn.SetReadLimit(MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("push read ended", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		reply := c.handler.dispatch(ctx, c.logger, c.peer, ViaPush, data)
		if reply == nil {
			continue
		}
		if err := c.enqueue(ctx, reply); err != nil {
			c.logger.Warn("push reply failed", "error", err)
		}
	}
}

// PushServer accepts websocket push channels from mobile agents.
type PushServer struct {
	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader
	opts       PushOptions
	logger     *slog.Logger

	handler handlerSlot

	mu    sync.RWMutex
	conns map[string]*pushConn

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenPush starts the websocket listener.
func ListenPush(options PushOptions) (*PushServer, error) {
	opts := options.withDefaults()

	listener, err := net.Listen("tcp", opts.ListenAddress)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeTransportBind, fmt.Sprintf("listen on %q", opts.ListenAddress), err)
	}

	s := &PushServer{
		listener: listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// LAN peers connect from app shells with no browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		opts:   opts,
		logger: opts.Logger.With("transport", "push"),
		conns:  make(map[string]*pushConn),
	}

	router := mux.NewRouter()
	router.HandleFunc(opts.Path, s.handleUpgrade).Methods(http.MethodGet)
	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("push server stopped", "error", err)
		}
	}()
	return s, nil
}

// Addr returns the listening address.
func (s *PushServer) Addr() net.Addr {
	return s.listener.Addr()
}

// OnMessage registers the inbound handler.
func (s *PushServer) OnMessage(handler Handler) {
	s.handler.set(handler)
}

// Peers returns the keys of open channels.
func (s *PushServer) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.conns))
	for peer := range s.conns {
		out = append(out, peer)
	}
	return out
}

// Send queues message on the channel opened by peer.
func (s *PushServer) Send(ctx context.Context, peer string, message any) error {
	s.mu.RLock()
	conn, ok := s.conns[peer]
	s.mu.RUnlock()
	if !ok {
		return ErrPeerNotFound
	}
	return conn.enqueue(ctx, message)
}

// ClosePeer closes the channel opened by peer, if any.
func (s *PushServer) ClosePeer(peer string) {
	s.mu.RLock()
	conn, ok := s.conns[peer]
	s.mu.RUnlock()
	if ok {
		conn.closeSend()
	}
}

// Close stops the listener and closes every open channel.
func (s *PushServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteWait)
		defer cancel()
		closeErr = s.httpServer.Shutdown(ctx)

		s.mu.Lock()
		conns := make([]*pushConn, 0, len(s.conns))
		for _, conn := range s.conns {
			conns = append(conns, conn)
		}
		s.mu.Unlock()

		for _, conn := range conns {
			conn.closeSend()
			_ = conn.conn.Close()
			<-conn.finished
		}
		s.wg.Wait()
	})
	return closeErr
}

func (s *PushServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	peer := r.RemoteAddr
	conn := newPushConn(ws, peer, &s.handler, s.opts)

	s.mu.Lock()
	s.conns[peer] = conn
	s.mu.Unlock()

	s.logger.Info("push channel opened", "peer", peer)
	conn.run(func() {
		s.mu.Lock()
		if s.conns[peer] == conn {
			delete(s.conns, peer)
		}
		s.mu.Unlock()
		s.logger.Info("push channel closed", "peer", peer)
	})
}

// PushClient is the mobile side of one push channel.
type PushClient struct {
	conn    *pushConn
	handler handlerSlot
}

// DialPush opens a push channel to url (ws://host:port/ws).
func DialPush(ctx context.Context, url string, options PushOptions) (*PushClient, error) {
	opts := options.withDefaults()

	dialer := websocket.Dialer{HandshakeTimeout: opts.WriteWait}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeTransportDial, fmt.Sprintf("dial %s", url), err)
	}

	c := &PushClient{}
	c.conn = newPushConn(ws, url, &c.handler, opts)
	c.conn.run(nil)
	return c, nil
}

// OnMessage registers the inbound handler.
func (c *PushClient) OnMessage(handler Handler) {
	c.handler.set(handler)
}

// Send queues message for the server. peer is ignored.
func (c *PushClient) Send(ctx context.Context, _ string, message any) error {
	return c.conn.enqueue(ctx, message)
}

// Done is closed once the channel has fully closed.
func (c *PushClient) Done() <-chan struct{} {
	return c.conn.finished
}

// Close closes the channel and waits for the pumps to exit.
func (c *PushClient) Close() error {
	c.conn.closeSend()
	select {
	case <-c.conn.finished:
	case <-time.After(c.conn.opts.WriteWait):
		_ = c.conn.conn.Close()
		<-c.conn.finished
	}
	return nil
}
