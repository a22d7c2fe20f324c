package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safely/errcode"
	"safely/network"
)

func TestReplyWaiterMatchesSender(t *testing.T) {
	var w replyWaiter
	p := w.register("10.0.0.5:41234")

	assert.False(t, w.deliver(network.Inbound{From: "10.0.0.6:41234", Type: network.TypeConnectAccepted}))
	assert.True(t, w.deliver(network.Inbound{From: "10.0.0.5:41234", Type: network.TypeConnectAccepted}))
	// A second answer does not block the transport.
	assert.True(t, w.deliver(network.Inbound{From: "10.0.0.5:41234", Type: network.TypeConnectRejected}))

	got := <-p.ch
	assert.Equal(t, network.TypeConnectAccepted, got.Type)

	w.clear(p)
	assert.False(t, w.deliver(network.Inbound{From: "10.0.0.5:41234"}))
}

func TestAwaitReplyRetransmitsUntilAnswered(t *testing.T) {
	var w replyWaiter
	p := w.register("peer")
	var sends atomic.Int32

	reply, err := awaitReply(context.Background(), fastRetry(), 20*time.Millisecond, p, func(context.Context) error {
		if sends.Add(1) == 3 {
			w.deliver(network.Inbound{From: "peer", Type: network.TypeConnectAccepted})
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, network.TypeConnectAccepted, reply.Type)
	assert.Equal(t, int32(3), sends.Load())
}

func TestAwaitReplyTimesOut(t *testing.T) {
	var w replyWaiter
	p := w.register("peer")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := awaitReply(ctx, fastRetry(), 20*time.Millisecond, p, func(context.Context) error { return nil })
	assert.Equal(t, ErrPairingTimeout, err)
}

func TestAwaitReplyReturnsSendFailure(t *testing.T) {
	var w replyWaiter
	p := w.register("peer")
	sendErr := errors.New("network unreachable")

	policy := network.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: 2}
	_, err := awaitReply(context.Background(), policy, 20*time.Millisecond, p, func(context.Context) error { return sendErr })
	assert.ErrorIs(t, err, sendErr)
}

func TestLinkHolderUndoOnlyRemovesOwnLink(t *testing.T) {
	var h linkHolder
	first := &link{via: network.ViaHTTP, addr: "http://a", token: "t1"}
	undoFirst := h.set(first)

	second := &link{via: network.ViaPush, addr: "ws://b", token: "t2"}
	h.set(second)
	undoFirst()
	assert.Same(t, second, h.get())

	assert.Same(t, second, h.take())
	assert.Nil(t, h.get())
}

func TestReasonText(t *testing.T) {
	assert.Equal(t, "Invalid connection code", reasonText(errcode.New(errcode.CodePairingCodeMismatch, "Invalid connection code")))
	assert.Equal(t, "Pairing failed", reasonText(errors.New("boom")))
	assert.Equal(t, ErrPairingRejected.Message, rejection("").(*errcode.Error).Message)
}
