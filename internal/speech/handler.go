// Package speech turns a text prompt and an optional voice reference into a
// WAV file on disk.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/tts/audio"
	"github.com/book-expert/voice-clone-service/internal/tts/text"
	"github.com/book-expert/voice-clone-service/internal/tts/ttsutils"
)

const resultExtension = ".wav"

// Static errors.
var (
	ErrNilModel           = errors.New("model cannot be nil")
	ErrResultDirEmpty     = errors.New("result directory cannot be empty")
	ErrSampleRateMismatch = errors.New("generated audio does not match the model sample rate")
)

// Request is a single synthesis request. ReferenceAudioPath is optional;
// without it the model speaks in its built-in voice. The sampling fields use
// zero for "model default".
type Request struct {
	Text               string
	ReferenceAudioPath string
	Exaggeration       float64
	CFGWeight          float64
	Temperature        float64
	TopP               float64
	RepetitionPenalty  float64
	Seed               int
}

// Handler generates speech files. It holds no per-request state and is safe
// for concurrent use; concurrency against the model is bounded by the
// Synthesizer it wraps.
type Handler struct {
	model      core.Synthesizer
	dir        string
	quality    audio.Quality
	normalizer *text.Normalizer
	log        *logger.Logger
}

// Option customises a Handler.
type Option func(*Handler)

// WithNormalizer rewrites prompt text with n before it reaches the model.
func WithNormalizer(n *text.Normalizer) Option {
	return func(h *Handler) {
		h.normalizer = n
	}
}

// WithQuality overrides the output encoding and post-processing effects. The
// sample rate always follows the model.
func WithQuality(q audio.Quality) Option {
	return func(h *Handler) {
		h.quality = q
	}
}

// NewHandler creates the result directory if needed and returns a Handler
// writing into it.
func NewHandler(model core.Synthesizer, dir string, log *logger.Logger, opts ...Option) (*Handler, error) {
	if model == nil {
		return nil, ErrNilModel
	}

	if dir == "" {
		return nil, ErrResultDirEmpty
	}

	err := ttsutils.EnsureDir(dir)
	if err != nil {
		return nil, err
	}

	handler := &Handler{
		model:   model,
		dir:     dir,
		quality: audio.NewDefaultQuality(),
		log:     log,
	}

	for _, opt := range opts {
		opt(handler)
	}

	return handler, nil
}

// Dir returns the directory results are written to.
func (h *Handler) Dir() string {
	return h.dir
}

// SampleRate returns the sample rate of every generated file.
func (h *Handler) SampleRate() int {
	return h.model.SampleRate()
}

// Generate synthesizes req into a new file. Text, Exaggeration and CFGWeight
// are forwarded unchanged, empty text included. The caller owns the result
// and must Release it.
func (h *Handler) Generate(ctx context.Context, req Request) (*Result, error) {
	prompt := req.Text
	if h.normalizer != nil {
		prompt = h.normalizer.Normalize(prompt)
	}

	wave, err := h.model.Generate(ctx, core.GenerateParams{
		Text:               prompt,
		ReferenceAudioPath: req.ReferenceAudioPath,
		Exaggeration:       req.Exaggeration,
		CFGWeight:          req.CFGWeight,
		Temperature:        req.Temperature,
		TopP:               req.TopP,
		RepetitionPenalty:  req.RepetitionPenalty,
		Seed:               req.Seed,
	})
	if err != nil {
		return nil, err
	}

	if wave.SampleRate != h.model.SampleRate() {
		return nil, fmt.Errorf("%w: got %d Hz, want %d Hz", ErrSampleRateMismatch, wave.SampleRate, h.model.SampleRate())
	}

	processed, err := h.quality.ApplyEffects(wave)
	if err != nil {
		return nil, fmt.Errorf("failed to post-process generated speech: %w", err)
	}

	path := filepath.Join(h.dir, uuid.NewString()+resultExtension)

	err = audio.WriteFile(path, processed, h.quality)
	if err != nil {
		// A partial file is ours to remove; an existing one is not.
		if !errors.Is(err, fs.ErrExist) {
			_ = os.Remove(path)
		}

		return nil, fmt.Errorf("failed to write generated speech: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		_ = os.Remove(path)

		return nil, fmt.Errorf("failed to stat generated speech: %w", err)
	}

	if h.log != nil {
		h.log.Info("Generated %s of speech (%s) at %s",
			ttsutils.FormatDuration(processed.Duration().Seconds()), ttsutils.FormatFileSize(info.Size()), path)
	}

	return &Result{
		Path:       path,
		SampleRate: processed.SampleRate,
		Duration:   processed.Duration(),
		Size:       info.Size(),
	}, nil
}
