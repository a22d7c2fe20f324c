// Package relay turns captured audio frames into sound events and forwards
// them to the paired desktop.
package relay

import (
	"context"
	"time"
)

const (
	// DefaultFrameInterval is the frame period of TickerSource.
	DefaultFrameInterval = 100 * time.Millisecond
	// DefaultSampleRate is the nominal sample rate stamped on frames.
	DefaultSampleRate = 16000
)

// Frame is one window of captured audio.
type Frame struct {
	Samples    []float32
	SampleRate int
	CapturedAt time.Time
}

// FrameSource produces frames until ctx ends, then closes the channel.
type FrameSource interface {
	Frames(ctx context.Context) (<-chan Frame, error)
}

// TickerSource emits empty frames at a fixed interval. It stands in for a
// microphone when no capture backend is wired.
type TickerSource struct {
	Interval   time.Duration
	SampleRate int
}

// Frames implements FrameSource.
func (s TickerSource) Frames(ctx context.Context) (<-chan Frame, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	sampleRate := s.SampleRate
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	out := make(chan Frame)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				select {
				case out <- Frame{SampleRate: sampleRate, CapturedAt: now}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// SliceSource replays a fixed set of frames, then closes.
type SliceSource []Frame

// Frames implements FrameSource.
func (s SliceSource) Frames(ctx context.Context) (<-chan Frame, error) {
	out := make(chan Frame)
	go func() {
		defer close(out)
		for _, frame := range s {
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
