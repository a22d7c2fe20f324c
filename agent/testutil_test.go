package agent

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"safely/models"
	"safely/network"
	"safely/relay"
)

const (
	testCode  = "Z4A09VF3"
	wrongCode = "AAAAAAAA"

	// Nothing listens on the discard port; advertising there keeps tests
	// off the real broadcast address.
	discardAddr = "127.0.0.1:9"

	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() network.RetryPolicy {
	return network.RetryPolicy{
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     100 * time.Millisecond,
		Multiplier:      2,
		MaxRetries:      10,
	}
}

func newTestDesktop(t *testing.T, mutate func(*DesktopOptions)) *Desktop {
	t.Helper()
	opts := DesktopOptions{
		Device:           models.DeviceDescriptor{DeviceID: "desk-1", Name: "Office", Platform: models.PlatformDesktop},
		Code:             testCode,
		BroadcastListen:  "127.0.0.1:0",
		BroadcastAddress: discardAddr,
		PushListen:       "127.0.0.1:0",
		HTTPListen:       "127.0.0.1:0",
		ConnectTimeout:   5 * time.Second,
		TokenCost:        bcrypt.MinCost,
		Retry:            fastRetry(),
		ReplyWindow:      100 * time.Millisecond,
		Logger:           quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	d, err := NewDesktop(opts)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return d
}

// frameFeed is a FrameSource the test drives one frame at a time.
type frameFeed struct {
	frames chan relay.Frame
}

func newFrameFeed() *frameFeed {
	return &frameFeed{frames: make(chan relay.Frame)}
}

func (f *frameFeed) Frames(ctx context.Context) (<-chan relay.Frame, error) {
	out := make(chan relay.Frame)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-f.frames:
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// push hands one frame to the running relay.
func (f *frameFeed) push(t *testing.T) {
	t.Helper()
	select {
	case f.frames <- relay.Frame{CapturedAt: time.Now()}:
	case <-time.After(waitFor):
		t.Fatal("relay did not pick up frame")
	}
}

func detectAs(soundType string, critical bool) relay.SoundClassifier {
	return relay.ClassifierFunc(func(_ context.Context, frame relay.Frame) (*models.SoundEvent, error) {
		return &models.SoundEvent{
			Timestamp:  frame.CapturedAt.UnixMilli(),
			SoundType:  soundType,
			Confidence: 0.9,
			IsCritical: critical,
		}, nil
	})
}

func newTestMobile(t *testing.T, feed *frameFeed, mutate func(*MobileOptions)) *Mobile {
	t.Helper()
	opts := MobileOptions{
		Device:            models.DeviceDescriptor{DeviceID: "phone-1", Name: "Ana", Model: "Pixel 8", Platform: models.PlatformAndroid},
		Code:              testCode,
		BroadcastListen:   "127.0.0.1:0",
		BroadcastAddress:  discardAddr,
		AdvertiseInterval: time.Hour,
		ConnectTimeout:    5 * time.Second,
		TokenCost:         bcrypt.MinCost,
		Retry:             fastRetry(),
		ReplyWindow:       100 * time.Millisecond,
		Classifier:        detectAs("fire_alarm", true),
		RelayMinInterval:  time.Millisecond,
		Logger:            quietLogger(),
	}
	if feed == nil {
		feed = newFrameFeed()
	}
	opts.Source = feed
	if mutate != nil {
		mutate(&opts)
	}

	m, err := NewMobile(opts)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

// waitEvent drains ch until an event of type want arrives.
func waitEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed before %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}
