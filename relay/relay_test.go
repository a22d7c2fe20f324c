package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safely/errcode"
	"safely/models"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []models.SoundEvent
	err    error
}

func (s *sinkRecorder) sink(_ context.Context, event models.SoundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *sinkRecorder) all() []models.SoundEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SoundEvent(nil), s.events...)
}

func alwaysDetect(label string, critical bool) SoundClassifier {
	return ClassifierFunc(func(_ context.Context, frame Frame) (*models.SoundEvent, error) {
		return &models.SoundEvent{
			Timestamp:  frame.CapturedAt.UnixMilli(),
			SoundType:  label,
			Confidence: 0.9,
			IsCritical: critical,
		}, nil
	})
}

func frames(n int) SliceSource {
	out := make(SliceSource, n)
	for i := range out {
		out[i] = Frame{CapturedAt: time.Unix(1_700_000_000, int64(i))}
	}
	return out
}

func TestRelayRateLimitsEmission(t *testing.T) {
	rec := &sinkRecorder{}
	now := time.Unix(1_700_000_000, 0)
	r, err := New(Options{
		Source:     frames(10),
		Classifier: alwaysDetect("yelling", true),
		Sink:       rec.sink,
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return !r.Running() }, time.Second, 5*time.Millisecond)
	r.Stop()

	stats := r.Stats()
	assert.Equal(t, uint64(10), stats.Frames)
	assert.Equal(t, uint64(10), stats.Detections)
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(9), stats.RateLimited)
	assert.Len(t, rec.all(), 1)
}

func TestRelayPermissionDenied(t *testing.T) {
	rec := &sinkRecorder{}
	r, err := New(Options{
		Source:     frames(3),
		Classifier: alwaysDetect("fire_alarm", true),
		Permission: StaticPermission(false),
		Sink:       rec.sink,
	})
	require.NoError(t, err)

	err = r.Start(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, errcode.CodePermissionMicrophone, errcode.CodeOf(err))
	assert.False(t, r.Running())
	assert.Empty(t, rec.all())
}

func TestRelayStopIsIdempotent(t *testing.T) {
	r, err := New(Options{
		Source:     TickerSource{Interval: 5 * time.Millisecond},
		Classifier: alwaysDetect("keyboard_typing", false),
		Sink:       (&sinkRecorder{}).sink,
	})
	require.NoError(t, err)

	r.Stop()
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return r.Stats().Frames > 2 }, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	assert.False(t, r.Running())

	frozen := r.Stats().Frames
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozen, r.Stats().Frames)
}

func TestRelayCountsSendErrors(t *testing.T) {
	rec := &sinkRecorder{err: errors.New("desktop unreachable")}
	r, err := New(Options{
		Source:      frames(2),
		Classifier:  alwaysDetect("glass_breaking", true),
		Sink:        rec.sink,
		MinInterval: time.Nanosecond,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return !r.Running() }, time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(2), r.Stats().SendErrors)
	assert.Zero(t, r.Stats().Sent)
}

func TestRelayDropsInvalidEvents(t *testing.T) {
	rec := &sinkRecorder{}
	r, err := New(Options{
		Source: frames(1),
		Classifier: ClassifierFunc(func(context.Context, Frame) (*models.SoundEvent, error) {
			return &models.SoundEvent{SoundType: "yelling", Confidence: 1.5}, nil
		}),
		Sink: rec.sink,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return !r.Running() }, time.Second, 5*time.Millisecond)

	assert.Empty(t, rec.all())
	assert.Zero(t, r.Stats().Detections)
}

func TestNewRequiresSink(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, ErrMissingSink)
}

func TestSimulatedClassifierIsDeterministicPerSeed(t *testing.T) {
	a := NewSimulatedClassifier(7, 0.5)
	b := NewSimulatedClassifier(7, 0.5)

	for i := 0; i < 50; i++ {
		frame := Frame{CapturedAt: time.Unix(1_700_000_000, 0)}
		ea, err := a.Classify(context.Background(), frame)
		require.NoError(t, err)
		eb, err := b.Classify(context.Background(), frame)
		require.NoError(t, err)
		assert.Equal(t, ea, eb)
	}
}

func TestSimulatedClassifierLabels(t *testing.T) {
	c := NewSimulatedClassifier(1, 1)
	critical := map[string]bool{}
	for _, label := range SimulatedLabels {
		critical[label.SoundType] = label.IsCritical
	}

	for i := 0; i < 100; i++ {
		event, err := c.Classify(context.Background(), Frame{})
		require.NoError(t, err)
		require.NotNil(t, event)
		want, ok := critical[event.SoundType]
		require.True(t, ok, "unexpected label %q", event.SoundType)
		assert.Equal(t, want, event.IsCritical)
		require.NoError(t, event.Validate())
	}
	assert.True(t, critical["fire_alarm"])
	assert.False(t, critical["background_noise"])
}

func TestSimulatedClassifierDefaultProbability(t *testing.T) {
	c := NewSimulatedClassifier(42, 0)
	hits := 0
	for i := 0; i < 10000; i++ {
		event, err := c.Classify(context.Background(), Frame{})
		require.NoError(t, err)
		if event != nil {
			hits++
		}
	}
	assert.InDelta(t, 500, hits, 150)
}

func TestTickerSourceClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := TickerSource{Interval: 2 * time.Millisecond}.Frames(ctx)
	require.NoError(t, err)

	frame := <-ch
	assert.Equal(t, DefaultSampleRate, frame.SampleRate)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
