// Package inference bounds how many synthesis calls run against the model at once.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/device"
	"github.com/book-expert/voice-clone-service/internal/metrics"
	"github.com/book-expert/voice-clone-service/internal/tts/audio"
)

// Static errors.
var (
	ErrNilSynthesizer = errors.New("synthesizer cannot be nil")
	ErrInvalidLimit   = errors.New("concurrency limit must be positive")
)

// Gate serializes access to a Synthesizer. It is itself a Synthesizer, so
// callers do not know whether they are gated.
type Gate struct {
	model core.Synthesizer
	slots *semaphore.Weighted
	limit int64
}

var _ core.Synthesizer = (*Gate)(nil)

// NewGate allows at most limit concurrent Generate calls on model.
func NewGate(model core.Synthesizer, limit int64) (*Gate, error) {
	if model == nil {
		return nil, ErrNilSynthesizer
	}

	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}

	return &Gate{model: model, slots: semaphore.NewWeighted(limit), limit: limit}, nil
}

// Generate waits for a free slot, honouring ctx, then calls the model.
func (g *Gate) Generate(ctx context.Context, params core.GenerateParams) (*audio.Waveform, error) {
	queued := time.Now()

	err := g.slots.Acquire(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("waiting for inference slot: %w", err)
	}
	defer g.slots.Release(1)

	metrics.ObserveQueueWait(time.Since(queued))

	inFlight := metrics.Get().InFlight
	inFlight.Inc()
	defer inFlight.Dec()

	started := time.Now()
	wave, err := g.model.Generate(ctx, params)
	metrics.ObserveGeneration(time.Since(started), err)

	return wave, err
}

// SampleRate returns the model sample rate.
func (g *Gate) SampleRate() int {
	return g.model.SampleRate()
}

// Device returns the model device.
func (g *Gate) Device() device.Device {
	return g.model.Device()
}

// Limit returns the maximum number of concurrent calls.
func (g *Gate) Limit() int64 {
	return g.limit
}
