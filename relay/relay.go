package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"safely/models"
)

// DefaultMinInterval is the minimum spacing between emitted events.
const DefaultMinInterval = time.Second

// ErrMissingSink indicates a relay was built without a sink.
var ErrMissingSink = errors.New("relay: sink is required")

// Sink delivers one detected event, usually by sending it to the desktop.
type Sink func(ctx context.Context, event models.SoundEvent) error

// Options configures a Relay.
type Options struct {
	Source     FrameSource
	Classifier SoundClassifier
	Permission PermissionChecker
	Sink       Sink

	// MinInterval bounds emission to one event per interval. Default: 1s.
	MinInterval time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Stats counts relay activity since construction.
type Stats struct {
	Frames      uint64
	Detections  uint64
	Sent        uint64
	RateLimited uint64
	SendErrors  uint64
}

// Relay pulls frames, classifies them, and emits rate-limited events.
type Relay struct {
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stats   Stats
	running bool
}

// New validates opts and fills defaults.
func New(opts Options) (*Relay, error) {
	if opts.Sink == nil {
		return nil, ErrMissingSink
	}
	if opts.Source == nil {
		opts.Source = TickerSource{}
	}
	if opts.Classifier == nil {
		opts.Classifier = NewSimulatedClassifier(time.Now().UnixNano(), 0)
	}
	if opts.Permission == nil {
		opts.Permission = AlwaysGranted
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		logger:  logger.With("component", "relay"),
	}, nil
}

// Start checks microphone permission and begins relaying. It returns
// ErrPermissionDenied without starting when access is refused. Starting a
// running relay is a no-op.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	granted, err := r.opts.Permission.MicrophoneGranted(ctx)
	if err != nil {
		return err
	}
	if !granted {
		return ErrPermissionDenied
	}

	runCtx, cancel := context.WithCancel(context.Background())
	frames, err := r.opts.Source.Frames(runCtx)
	if err != nil {
		cancel()
		return err
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		cancel()
		return nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go r.loop(runCtx, frames, done)
	r.logger.Info("relay started")
	return nil
}

// Stop halts relaying and waits for the loop to exit. Safe to call repeatedly.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("relay stopped")
}

// Running reports whether the loop is active.
func (r *Relay) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stats returns a copy of the counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Relay) loop(ctx context.Context, frames <-chan Frame, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			r.handleFrame(ctx, frame)
		}
	}
}

func (r *Relay) handleFrame(ctx context.Context, frame Frame) {
	r.count(func(s *Stats) { s.Frames++ })

	event, err := r.opts.Classifier.Classify(ctx, frame)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("classify failed", "error", err)
		}
		return
	}
	if event == nil {
		return
	}
	if err := event.Validate(); err != nil {
		r.logger.Warn("classifier produced invalid event", "error", err)
		return
	}
	r.count(func(s *Stats) { s.Detections++ })

	if !r.limiter.AllowN(r.opts.Now(), 1) {
		r.count(func(s *Stats) { s.RateLimited++ })
		return
	}

	if err := r.opts.Sink(ctx, *event); err != nil {
		r.count(func(s *Stats) { s.SendErrors++ })
		if ctx.Err() == nil {
			r.logger.Warn("relay send failed", "sound", event.SoundType, "error", err)
		}
		return
	}
	r.count(func(s *Stats) { s.Sent++ })
	r.logger.Debug("sound relayed", "sound", event.SoundType, "critical", event.IsCritical)
}

func (r *Relay) count(update func(*Stats)) {
	r.mu.Lock()
	update(&r.stats)
	r.mu.Unlock()
}
