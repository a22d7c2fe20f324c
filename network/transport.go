package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"safely/models"
)

// Via names the transport an inbound message arrived on.
type Via string

const (
	ViaBroadcast Via = "broadcast"
	ViaPush      Via = "push"
	ViaHTTP      Via = "http"
)

// Inbound is one decoded message handed to a Handler.
type Inbound struct {
	From    string
	Type    string
	Payload []byte
	Via     Via
}

// Handler processes an inbound message. A non-nil reply is sent back to the
// sender over the same mechanism.
type Handler func(ctx context.Context, in Inbound) (reply any)

// Transport is the contract shared by the push, broadcast, and HTTP variants.
type Transport interface {
	Send(ctx context.Context, peer string, message any) error
	OnMessage(handler Handler)
	Close() error
}

// Advertiser periodically announces a descriptor.
type Advertiser interface {
	StartAdvertising(descriptor models.DeviceDescriptor, interval time.Duration) error
	StopAdvertising()
}

type handlerSlot struct {
	mu      sync.RWMutex
	handler Handler
}

func (s *handlerSlot) set(handler Handler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

func (s *handlerSlot) get() Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

// dispatch decodes payload and runs the registered handler. Malformed payloads
// are logged and dropped with no reply.
func (s *handlerSlot) dispatch(ctx context.Context, logger *slog.Logger, from string, via Via, payload []byte) any {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		logger.Debug("dropping malformed message", "from", from, "via", via, "error", err)
		return nil
	}

	handler := s.get()
	if handler == nil {
		logger.Debug("dropping message with no handler", "from", from, "via", via, "type", msgType)
		return nil
	}
	return handler(ctx, Inbound{
		From:    from,
		Type:    msgType,
		Payload: payload,
		Via:     via,
	})
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
