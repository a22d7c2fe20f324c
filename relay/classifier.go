package relay

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"safely/models"
)

// DefaultDetectionProbability is the per-frame chance SimulatedClassifier
// reports a sound.
const DefaultDetectionProbability = 0.05

// SoundClassifier labels a frame. A nil event means nothing was detected.
type SoundClassifier interface {
	Classify(ctx context.Context, frame Frame) (*models.SoundEvent, error)
}

// ClassifierFunc adapts a function to SoundClassifier.
type ClassifierFunc func(ctx context.Context, frame Frame) (*models.SoundEvent, error)

// Classify implements SoundClassifier.
func (f ClassifierFunc) Classify(ctx context.Context, frame Frame) (*models.SoundEvent, error) {
	return f(ctx, frame)
}

// Label is one sound the simulated classifier can report.
type Label struct {
	SoundType  string
	Confidence float64
	IsCritical bool
}

// SimulatedLabels are the sounds SimulatedClassifier draws from.
var SimulatedLabels = []Label{
	{SoundType: "background_noise", Confidence: 0.8},
	{SoundType: "keyboard_typing", Confidence: 0.6},
	{SoundType: "distant_conversation", Confidence: 0.7},
	{SoundType: "fire_alarm", Confidence: 0.9, IsCritical: true},
	{SoundType: "yelling", Confidence: 0.85, IsCritical: true},
	{SoundType: "glass_breaking", Confidence: 0.9, IsCritical: true},
}

// SimulatedClassifier reports a random label with a fixed probability per
// frame. It is a placeholder until a real model is plugged in.
type SimulatedClassifier struct {
	mu          sync.Mutex
	rng         *rand.Rand
	probability float64
	labels      []Label
	now         func() time.Time
}

// NewSimulatedClassifier seeds the classifier. probability <= 0 uses
// DefaultDetectionProbability.
func NewSimulatedClassifier(seed int64, probability float64) *SimulatedClassifier {
	if probability <= 0 {
		probability = DefaultDetectionProbability
	}
	return &SimulatedClassifier{
		rng:         rand.New(rand.NewSource(seed)),
		probability: probability,
		labels:      SimulatedLabels,
		now:         time.Now,
	}
}

// Classify implements SoundClassifier.
func (c *SimulatedClassifier) Classify(ctx context.Context, frame Frame) (*models.SoundEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	hit := c.rng.Float64() < c.probability
	var label Label
	if hit {
		label = c.labels[c.rng.Intn(len(c.labels))]
	}
	c.mu.Unlock()

	if !hit {
		return nil, nil
	}

	at := frame.CapturedAt
	if at.IsZero() {
		at = c.now()
	}
	return &models.SoundEvent{
		Timestamp:  at.UnixMilli(),
		SoundType:  label.SoundType,
		Confidence: label.Confidence,
		IsCritical: label.IsCritical,
	}, nil
}
