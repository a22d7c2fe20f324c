package agent

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"safely/errcode"
	"safely/models"
	"safely/network"
	"safely/pairing"
)

var (
	// ErrPairingTimeout indicates no reply arrived before the connect deadline.
	ErrPairingTimeout = errcode.New(errcode.CodePairingTimeout, "timed out waiting for the other device")
	// ErrPairingRejected matches any refusal from the verifying device.
	ErrPairingRejected = errcode.New(errcode.CodePairingRejected, "pairing rejected")
	// ErrUnknownDevice indicates a device key that discovery has not seen.
	ErrUnknownDevice = errcode.New(errcode.CodeTransportDial, "device not found in discovery list")
	// ErrTransportDisabled indicates the operation needs a transport that is off.
	ErrTransportDisabled = errcode.New(errcode.CodeTransportDial, "transport is disabled")
	// ErrNotStarted indicates the agent has not been started.
	ErrNotStarted = errcode.New(errcode.CodeTransportClosed, "agent is not running")
	// ErrStopped indicates the agent was stopped and cannot be restarted.
	ErrStopped = errcode.New(errcode.CodeTransportClosed, "agent stopped")
)

// DefaultReplyWindow is how long one attempt waits before retransmitting.
const DefaultReplyWindow = time.Second

var errNoReply = errors.New("no reply yet")

// link records how to reach the paired peer and the token shared with it.
type link struct {
	via   network.Via
	addr  string
	token string
}

// linkHolder guards the current link separately from agent state so that
// transition callbacks can clear it without lock ordering concerns.
type linkHolder struct {
	mu      sync.Mutex
	current *link
}

func (h *linkHolder) get() *link {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// set installs l and returns a func that removes it again if still current.
func (h *linkHolder) set(l *link) func() {
	h.mu.Lock()
	h.current = l
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		if h.current == l {
			h.current = nil
		}
		h.mu.Unlock()
	}
}

func (h *linkHolder) take() *link {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := h.current
	h.current = nil
	return l
}

// pendingReply receives the connect-accepted or connect-rejected that
// answers an outstanding attempt from one address.
type pendingReply struct {
	from string
	ch   chan network.Inbound
}

type replyWaiter struct {
	mu      sync.Mutex
	pending *pendingReply
}

func (w *replyWaiter) register(from string) *pendingReply {
	p := &pendingReply{from: from, ch: make(chan network.Inbound, 1)}
	w.mu.Lock()
	w.pending = p
	w.mu.Unlock()
	return p
}

func (w *replyWaiter) clear(p *pendingReply) {
	w.mu.Lock()
	if w.pending == p {
		w.pending = nil
	}
	w.mu.Unlock()
}

// deliver hands in to the pending attempt. It reports false when nothing
// waits for a reply from in.From.
func (w *replyWaiter) deliver(in network.Inbound) bool {
	w.mu.Lock()
	p := w.pending
	w.mu.Unlock()
	if p == nil || p.from != in.From {
		return false
	}
	select {
	case p.ch <- in:
	default:
	}
	return true
}

// awaitReply sends via send and waits for the pending reply, retransmitting
// with backoff until ctx ends or the policy gives up.
func awaitReply(ctx context.Context, policy network.RetryPolicy, replyWindow time.Duration, p *pendingReply, send func(context.Context) error) (network.Inbound, error) {
	var reply network.Inbound
	err := network.Retry(ctx, policy, func() error {
		if err := send(ctx); err != nil {
			return err
		}
		timer := time.NewTimer(replyWindow)
		defer timer.Stop()
		select {
		case reply = <-p.ch:
			return nil
		case <-timer.C:
			return errNoReply
		case <-ctx.Done():
			return ctx.Err()
		}
	}, nil)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, errNoReply) {
			return network.Inbound{}, ErrPairingTimeout
		}
		return network.Inbound{}, err
	}
	return reply, nil
}

// completeAttempt applies the verifier's answer to a proving session. On
// acceptance the link is installed before the session turns connected.
func completeAttempt(session *pairing.Session, links *linkHolder, reply network.Inbound, via network.Via, addr string, host string, port int) (models.DeviceDescriptor, error) {
	switch reply.Type {
	case network.TypeConnectAccepted:
		var msg network.ConnectAccepted
		if err := network.Decode(reply.Payload, &msg); err != nil {
			_ = session.Reject(pairing.ReasonRejected, "malformed reply")
			return models.DeviceDescriptor{}, err
		}
		peer := msg.DeviceInfo.WithEndpoint(host, port)
		undo := links.set(&link{via: via, addr: addr, token: msg.Token})
		if err := session.Accept(peer, msg.Token); err != nil {
			undo()
			return models.DeviceDescriptor{}, err
		}
		return peer, nil

	case network.TypeConnectRejected:
		var msg network.ConnectRejected
		if err := network.Decode(reply.Payload, &msg); err != nil {
			_ = session.Reject(pairing.ReasonRejected, "malformed reply")
			return models.DeviceDescriptor{}, err
		}
		_ = session.Reject(pairing.ReasonRejected, msg.Reason)
		return models.DeviceDescriptor{}, rejection(msg.Reason)

	default:
		_ = session.Reject(pairing.ReasonRejected, "unexpected reply")
		return models.DeviceDescriptor{}, network.ErrUnknownType(reply.Type)
	}
}

// rejection builds a pairing.rejected error carrying the peer's reason.
func rejection(reason string) error {
	if reason == "" {
		reason = ErrPairingRejected.Message
	}
	return errcode.New(errcode.CodePairingRejected, reason)
}

// reasonText renders err for a connect-rejected payload.
func reasonText(err error) string {
	var coded *errcode.Error
	if errors.As(err, &coded) && coded.Message != "" {
		return coded.Message
	}
	return "Pairing failed"
}

func splitHostPort(addr string) (string, int) {
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return host, 0
	}
	return host, port
}
