// Package core defines the interfaces and value types shared across the service.
package core

import (
	"context"

	"github.com/book-expert/voice-clone-service/internal/device"
	"github.com/book-expert/voice-clone-service/internal/tts/audio"
)

// Slider bounds and defaults of the two voice controls.
const (
	MinExaggeration     = 0.0
	MaxExaggeration     = 3.0
	DefaultExaggeration = 1.0
	MinCFGWeight        = 0.0
	MaxCFGWeight        = 1.0
	DefaultCFGWeight    = 0.5
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// GenerateParams holds the inputs of a single synthesis call.
// The optional sampling fields use zero to mean "model default".
type GenerateParams struct {
	Text               string
	ReferenceAudioPath string
	Exaggeration       float64
	CFGWeight          float64
	Temperature        float64
	TopP               float64
	RepetitionPenalty  float64
	Seed               int
}

// Synthesizer is a loaded speech model that can be asked to speak.
type Synthesizer interface {
	Generate(ctx context.Context, params GenerateParams) (*audio.Waveform, error)
	SampleRate() int
	Device() device.Device
}
