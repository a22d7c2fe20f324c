package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safely/discovery"
	"safely/models"
	"safely/network"
	"safely/pairing"
	"safely/relay"
)

func pushOnly(o *DesktopOptions) {
	o.DisableBroadcast = true
	o.DisableHTTP = true
}

func udpOnly(o *DesktopOptions) {
	o.DisablePush = true
	o.DisableHTTP = true
}

func pushURL(d *Desktop) string {
	return "ws://" + d.PushAddr().String() + network.DefaultPushPath
}

func TestPushPairingRelaysSounds(t *testing.T) {
	feed := newFrameFeed()
	desktop := newTestDesktop(t, pushOnly)
	mobile := newTestMobile(t, feed, func(o *MobileOptions) { o.DisableBroadcast = true })
	events := desktop.Events()

	require.NoError(t, mobile.PairPush(context.Background(), pushURL(desktop), testCode))
	assert.Equal(t, pairing.StateConnected, mobile.State())
	require.Eventually(t, func() bool {
		return desktop.State() == pairing.StateConnected
	}, waitFor, tick)

	feed.push(t)
	ev := waitEvent(t, events, EventSoundReceived)
	assert.Equal(t, "fire_alarm", ev.Sound.SoundType)
	require.Eventually(t, func() bool { return mobile.RelayStats().Sent == 1 }, waitFor, tick)
}

func TestPushPairingWithWrongCodeIsRejected(t *testing.T) {
	desktop := newTestDesktop(t, pushOnly)
	mobile := newTestMobile(t, nil, func(o *MobileOptions) { o.DisableBroadcast = true })

	err := mobile.PairPush(context.Background(), pushURL(desktop), wrongCode)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPairingRejected)
	assert.Contains(t, err.Error(), "Invalid connection code")
	assert.Equal(t, pairing.StateDisconnected, mobile.State())
	assert.Equal(t, pairing.StateDisconnected, desktop.State())

	// A fresh attempt on a new channel still works.
	require.NoError(t, mobile.PairPush(context.Background(), pushURL(desktop), testCode))
}

func TestDesktopDisconnectReachesPushMobile(t *testing.T) {
	desktop := newTestDesktop(t, pushOnly)
	mobile := newTestMobile(t, nil, func(o *MobileOptions) { o.DisableBroadcast = true })
	require.NoError(t, mobile.PairPush(context.Background(), pushURL(desktop), testCode))
	require.Eventually(t, func() bool {
		return desktop.State() == pairing.StateConnected
	}, waitFor, tick)

	desktop.Disconnect()

	require.Eventually(t, func() bool {
		return mobile.State() == pairing.StateDisconnected
	}, waitFor, tick)
	assert.Equal(t, pairing.ReasonPeerDisconnect, mobile.Snapshot().LastReason)
	assert.Equal(t, pairing.ReasonDisconnect, desktop.Snapshot().LastReason)
}

func TestUDPDiscoveryAndDesktopInitiatedPairing(t *testing.T) {
	feed := newFrameFeed()
	mobile := newTestMobile(t, feed, nil)
	desktop := newTestDesktop(t, func(o *DesktopOptions) {
		udpOnly(o)
		o.BroadcastAddress = mobile.BroadcastAddr().String()
	})
	events := desktop.Events()

	require.NoError(t, desktop.StartDiscovery(50*time.Millisecond))
	discovered := waitEvent(t, events, EventDeviceDiscovered)
	require.NotNil(t, discovered.Device)
	assert.Equal(t, "Ana's Pixel 8", discovered.Device.DisplayName())

	devices := desktop.DiscoveredDevices()
	require.Len(t, devices, 1)
	key := devices[0].Key()
	assert.Equal(t, mobile.BroadcastAddr().String(), key)

	require.NoError(t, desktop.RequestPairing(context.Background(), key, "Z4A0 9VF3"))
	assert.Equal(t, pairing.StateConnected, desktop.State())
	assert.Equal(t, pairing.StateConnected, mobile.State())

	feed.push(t)
	ev := waitEvent(t, events, EventSoundReceived)
	assert.Equal(t, "fire_alarm", ev.Sound.SoundType)

	desktop.Disconnect()
	require.Eventually(t, func() bool {
		return mobile.State() == pairing.StateDisconnected
	}, waitFor, tick)
	assert.Equal(t, pairing.ReasonPeerDisconnect, mobile.Snapshot().LastReason)
}

func TestDesktopRequestPairingWithWrongCodeIsRejected(t *testing.T) {
	mobile := newTestMobile(t, nil, nil)
	mobileEvents := mobile.Events()
	desktop := newTestDesktop(t, func(o *DesktopOptions) {
		udpOnly(o)
		o.BroadcastAddress = mobile.BroadcastAddr().String()
	})
	require.NoError(t, desktop.StartDiscovery(50*time.Millisecond))
	require.Eventually(t, func() bool {
		return len(desktop.DiscoveredDevices()) == 1
	}, waitFor, tick)

	err := desktop.RequestPairing(context.Background(), desktop.DiscoveredDevices()[0].Key(), wrongCode)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPairingRejected)
	assert.Equal(t, pairing.StateDisconnected, desktop.State())
	assert.Equal(t, pairing.ReasonRejected, desktop.Snapshot().LastReason)
	assert.Equal(t, pairing.StateDisconnected, mobile.State())

	ev := waitEvent(t, mobileEvents, EventPairingFailed)
	assert.Equal(t, "Invalid connection code", ev.Message)
}

func TestMobileInitiatedUDPPairing(t *testing.T) {
	desktop := newTestDesktop(t, udpOnly)
	mobile := newTestMobile(t, nil, nil)

	require.NoError(t, mobile.PairBroadcast(context.Background(), desktop.BroadcastAddr().String(), testCode))
	assert.Equal(t, pairing.StateConnected, mobile.State())
	assert.Equal(t, pairing.StateConnected, desktop.State())

	peer, ok := mobile.Peer()
	require.True(t, ok)
	assert.Equal(t, desktop.BroadcastAddr().Port, peer.Port)

	mobile.Disconnect()
	require.Eventually(t, func() bool {
		return desktop.State() == pairing.StateDisconnected
	}, waitFor, tick)
}

func TestPairingTimesOutWhenNobodyAnswers(t *testing.T) {
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = silent.Close() })

	mobile := newTestMobile(t, nil, func(o *MobileOptions) {
		o.ConnectTimeout = 300 * time.Millisecond
		o.ReplyWindow = 50 * time.Millisecond
	})

	start := time.Now()
	err = mobile.PairBroadcast(context.Background(), silent.LocalAddr().String(), testCode)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPairingTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, pairing.StateDisconnected, mobile.State())
	assert.Equal(t, pairing.ReasonTimeout, mobile.Snapshot().LastReason)
}

func TestPermissionDeniedKeepsSessionConnected(t *testing.T) {
	desktop := newTestDesktop(t, httpOnly)
	mobile := newTestMobile(t, nil, func(o *MobileOptions) {
		o.DisableBroadcast = true
		o.Permission = relay.StaticPermission(false)
	})
	events := mobile.Events()

	require.NoError(t, mobile.PairHTTP(context.Background(), []string{desktop.HTTPAddr().String()}, testCode))

	ev := waitEvent(t, events, EventPermissionDenied)
	assert.Contains(t, ev.Message, "microphone")
	assert.Equal(t, pairing.StateConnected, mobile.State())
	assert.False(t, mobile.Relaying())
}

func TestMobileRelayFollowsSession(t *testing.T) {
	desktop := newTestDesktop(t, httpOnly)
	mobile := newTestMobile(t, nil, func(o *MobileOptions) { o.DisableBroadcast = true })
	assert.False(t, mobile.Relaying())

	require.NoError(t, mobile.PairHTTP(context.Background(), []string{desktop.HTTPAddr().String()}, testCode))
	require.Eventually(t, mobile.Relaying, waitFor, tick)

	mobile.Disconnect()
	require.Eventually(t, func() bool { return !mobile.Relaying() }, waitFor, tick)
}

func TestMobilePreconditionsAndIdempotentStop(t *testing.T) {
	m, err := NewMobile(MobileOptions{
		Code:             testCode,
		DisableBroadcast: true,
		Logger:           quietLogger(),
	})
	require.NoError(t, err)

	assert.Equal(t, ErrNotStarted, m.PairHTTP(context.Background(), []string{"127.0.0.1:1"}, testCode))
	assert.Equal(t, ErrNotStarted, m.PairPush(context.Background(), "ws://127.0.0.1:1/ws", testCode))

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, ErrTransportDisabled, m.PairBroadcast(context.Background(), "127.0.0.1:41234", testCode))
	_, err = m.WaitForDesktop(context.Background())
	assert.Equal(t, ErrTransportDisabled, err)
	assert.Nil(t, m.DiscoveredDesktops())
	assert.Equal(t, pairing.StateDisconnected, m.State())

	m.Disconnect()
	m.Disconnect()
	m.Stop()
	m.Stop()

	assert.Equal(t, ErrStopped, m.Start(context.Background()))
	_, open := <-m.Events()
	assert.False(t, open)
}

func TestMobileForwardsDesktopDiscovery(t *testing.T) {
	mobile := newTestMobile(t, nil, func(o *MobileOptions) { o.DisableBroadcast = true })
	events := mobile.Events()

	office := discovery.DiscoveredDesktop{
		DeviceID:   "desk-1",
		DeviceName: "Office",
		Platform:   models.PlatformDesktop,
		Addresses:  []string{"10.0.0.2"},
		HTTPPort:   3000,
		PushPort:   8080,
	}
	updates := make(chan discovery.Event, 2)
	updates <- discovery.Event{Type: discovery.EventDesktopUpserted, Desktop: office}
	updates <- discovery.Event{Type: discovery.EventDesktopRemoved, Desktop: office}
	close(updates)

	done := make(chan struct{})
	go func() {
		defer close(done)
		mobile.forwardDiscovery(updates)
	}()

	found := waitEvent(t, events, EventDeviceDiscovered)
	require.NotNil(t, found.Device)
	assert.Equal(t, "desk-1", found.Device.DeviceID)
	assert.Equal(t, "Office's desktop", found.Device.DisplayName())
	assert.Equal(t, "10.0.0.2:3000", found.Device.Key())

	lost := waitEvent(t, events, EventDeviceLost)
	require.NotNil(t, lost.Device)
	assert.Equal(t, "desk-1", lost.Device.DeviceID)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("forwarding did not stop after the scanner channel closed")
	}
}
