package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"safely/errcode"
	"safely/models"
)

const (
	PathPair     = "/pair"
	PathMessages = "/messages"
	PathHealth   = "/health"

	defaultHTTPTimeout = 10 * time.Second
)

// ErrHTTPPushUnsupported indicates an attempt to push over the request/response
// endpoint. Replies travel in response bodies instead.
var ErrHTTPPushUnsupported = errcode.New(errcode.CodeTransportSend, "http endpoint cannot push to peers")

// PairRequest is the body of POST /pair.
type PairRequest struct {
	Code       string                  `json:"code"`
	DeviceInfo models.DeviceDescriptor `json:"deviceInfo"`
	Timestamp  int64                   `json:"timestamp,omitempty"`
}

// PairResponse is the synchronous result of POST /pair.
type PairResponse struct {
	Success    bool                     `json:"success"`
	DesktopIP  string                   `json:"desktopIP,omitempty"`
	Message    string                   `json:"message"`
	DeviceInfo *models.DeviceDescriptor `json:"deviceInfo,omitempty"`
	Token      string                   `json:"token,omitempty"`
}

// HTTPEndpointOptions configures the desktop HTTP endpoint.
type HTTPEndpointOptions struct {
	// ListenAddress is the bind address. Default: ":3000".
	ListenAddress string
	Logger        *slog.Logger
}

// HTTPEndpoint serves the pairing and message routes. POST /pair is turned
// into a connect message for the registered handler.
type HTTPEndpoint struct {
	listener   net.Listener
	httpServer *http.Server
	logger     *slog.Logger

	handler handlerSlot

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenHTTP starts the HTTP endpoint.
func ListenHTTP(options HTTPEndpointOptions) (*HTTPEndpoint, error) {
	if options.ListenAddress == "" {
		options.ListenAddress = ":" + strconv.Itoa(DefaultHTTPPort)
	}

	listener, err := net.Listen("tcp", options.ListenAddress)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeTransportBind, fmt.Sprintf("listen on %q", options.ListenAddress), err)
	}

	e := &HTTPEndpoint{
		listener: listener,
		logger:   loggerOrDefault(options.Logger).With("transport", "http"),
	}
	e.httpServer = &http.Server{
		Handler:           e.Router(),
		ReadHeaderTimeout: defaultHTTPTimeout,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("http endpoint stopped", "error", err)
		}
	}()
	return e, nil
}

// Router returns the endpoint's routes.
func (e *HTTPEndpoint) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc(PathPair, e.handlePair).Methods(http.MethodPost)
	router.HandleFunc(PathMessages, e.handleMessage).Methods(http.MethodPost)
	router.HandleFunc(PathHealth, e.handleHealth).Methods(http.MethodGet)
	return router
}

// Addr returns the listening address.
func (e *HTTPEndpoint) Addr() net.Addr {
	return e.listener.Addr()
}

// OnMessage registers the inbound handler.
func (e *HTTPEndpoint) OnMessage(handler Handler) {
	e.handler.set(handler)
}

// Send always fails: the endpoint only answers requests.
func (e *HTTPEndpoint) Send(context.Context, string, any) error {
	return ErrHTTPPushUnsupported
}

// Close shuts the server down.
func (e *HTTPEndpoint) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
		defer cancel()
		closeErr = e.httpServer.Shutdown(ctx)
		e.wg.Wait()
	})
	return closeErr
}

func (e *HTTPEndpoint) handlePair(w http.ResponseWriter, r *http.Request) {
	var req PairRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxMessageSize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, PairResponse{Success: false, Message: "Malformed pairing request"})
		return
	}

	payload, err := EncodeJSON(ConnectMessage{
		Type:       TypeConnect,
		Code:       req.Code,
		DeviceInfo: req.DeviceInfo,
		Timestamp:  req.Timestamp,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, PairResponse{Success: false, Message: "Malformed pairing request"})
		return
	}

	reply := e.handler.dispatch(r.Context(), e.logger, r.RemoteAddr, ViaHTTP, payload)
	switch msg := reply.(type) {
	case ConnectAccepted:
		device := msg.DeviceInfo
		writeJSON(w, http.StatusOK, PairResponse{
			Success:    true,
			DesktopIP:  localIP(r),
			Message:    "Connected successfully",
			DeviceInfo: &device,
			Token:      msg.Token,
		})
	case ConnectRejected:
		writeJSON(w, http.StatusOK, PairResponse{Success: false, Message: msg.Reason})
	default:
		writeJSON(w, http.StatusServiceUnavailable, PairResponse{Success: false, Message: "Pairing unavailable"})
	}
}

func (e *HTTPEndpoint) handleMessage(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, MaxMessageSize+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if _, err := DecodeMessageType(payload); err != nil {
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}

	reply := e.handler.dispatch(r.Context(), e.logger, r.RemoteAddr, ViaHTTP, payload)
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (e *HTTPEndpoint) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func localIP(r *http.Request) string {
	addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	if !ok {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// HTTPClientOptions configures the mobile HTTP client.
type HTTPClientOptions struct {
	Client *http.Client
	Retry  RetryPolicy
	Logger *slog.Logger
}

// HTTPClient pairs with and posts messages to a desktop HTTP endpoint. As a
// Transport, peer is a base address and replies arrive in response bodies.
type HTTPClient struct {
	client *http.Client
	retry  RetryPolicy
	logger *slog.Logger

	handler handlerSlot
}

// NewHTTPClient builds a client. A zero Retry uses DefaultRetryPolicy.
func NewHTTPClient(options HTTPClientOptions) *HTTPClient {
	client := options.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	retry := options.Retry
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy()
	}
	return &HTTPClient{
		client: client,
		retry:  retry,
		logger: loggerOrDefault(options.Logger).With("transport", "http"),
	}
}

// BaseURL normalises "host", "host:port", or a full URL into an http base URL.
func BaseURL(candidate string) string {
	candidate = strings.TrimRight(strings.TrimSpace(candidate), "/")
	if strings.HasPrefix(candidate, "http://") || strings.HasPrefix(candidate, "https://") {
		return candidate
	}
	if _, _, err := net.SplitHostPort(candidate); err != nil {
		candidate = net.JoinHostPort(candidate, strconv.Itoa(DefaultHTTPPort))
	}
	return "http://" + candidate
}

// Pair submits code to each candidate in turn, retrying transport failures
// with backoff. A candidate that answers ends the search, whether or not the
// code matched. It returns the response and the base URL that answered.
func (c *HTTPClient) Pair(ctx context.Context, candidates []string, code string, device models.DeviceDescriptor) (PairResponse, string, error) {
	if len(candidates) == 0 {
		return PairResponse{}, "", errcode.New(errcode.CodeTransportDial, "no desktop address to try")
	}

	body, err := EncodeJSON(PairRequest{Code: code, DeviceInfo: device, Timestamp: nowMillis()})
	if err != nil {
		return PairResponse{}, "", err
	}

	var lastErr error
	for _, candidate := range candidates {
		base := BaseURL(candidate)
		var resp PairResponse
		err := Retry(ctx, c.retry, func() error {
			var attemptErr error
			resp, attemptErr = c.postPair(ctx, base, body)
			return attemptErr
		}, func(err error, wait time.Duration) {
			c.logger.Debug("pair attempt failed", "candidate", base, "retry_in", wait, "error", err)
		})
		if err == nil {
			return resp, base, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return PairResponse{}, "", ctxErr
		}
		c.logger.Info("desktop candidate unreachable", "candidate", base, "error", err)
		lastErr = err
	}
	return PairResponse{}, "", errcode.Wrap(errcode.CodeTransportDial, "no desktop candidate answered", lastErr)
}

func (c *HTTPClient) postPair(ctx context.Context, base string, body []byte) (PairResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+PathPair, bytes.NewReader(body))
	if err != nil {
		return PairResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return PairResponse{}, errcode.Wrap(errcode.CodeTransportDial, "post pair", err)
	}
	defer resp.Body.Close()

	var out PairResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxMessageSize)).Decode(&out); err != nil {
		return PairResponse{}, errcode.Wrap(errcode.CodeProtocolMalformed, fmt.Sprintf("decode pair response (status %d)", resp.StatusCode), err)
	}
	return out, nil
}

// OnMessage registers the handler for replies carried in response bodies.
func (c *HTTPClient) OnMessage(handler Handler) {
	c.handler.set(handler)
}

// Send posts message to peer's /messages route with backoff.
func (c *HTTPClient) Send(ctx context.Context, peer string, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	base := BaseURL(peer)

	var reply []byte
	err = Retry(ctx, c.retry, func() error {
		var attemptErr error
		reply, attemptErr = c.postMessage(ctx, base, payload)
		return attemptErr
	}, nil)
	if err != nil {
		return err
	}
	if len(reply) > 0 {
		c.handler.dispatch(ctx, c.logger, base, ViaHTTP, reply)
	}
	return nil
}

func (c *HTTPClient) postMessage(ctx context.Context, base string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+PathMessages, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeTransportSend, "post message", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, errcode.New(errcode.CodeTransportSend, fmt.Sprintf("post message: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		// 4xx is final; no retry.
		c.logger.Warn("message refused", "status", resp.StatusCode)
		return nil, nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	return io.ReadAll(io.LimitReader(resp.Body, MaxMessageSize))
}

// Close is a no-op; the client holds no long-lived sockets of its own.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
