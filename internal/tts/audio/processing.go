// Package audio provides the waveform type produced by the speech model and the
// quality settings used when it is written to disk.
package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Constants for default output quality. The model's own sample rate always
// replaces DEFAULT_SAMPLE_RATE when a waveform is written.
const (
	DEFAULT_SAMPLE_RATE = 24000
	DEFAULT_BIT_DEPTH   = 16
	DEFAULT_CHANNELS    = 1
)

// Constants for supported bit depths.
const (
	BIT_DEPTH_8  = 8
	BIT_DEPTH_16 = 16
	BIT_DEPTH_24 = 24
	BIT_DEPTH_32 = 32
)

// Constants for quality validation limits.
const (
	MAX_SAMPLE_RATE = 192000
	MAX_CHANNELS    = 8
	MAX_VOLUME      = 10.0
)

// Constants for error message formats.
const (
	ERR_FMT_SAMPLE_RATE_RANGE     = "%w: sample rate must be between 1 and %d Hz"
	ERR_FMT_BIT_DEPTH_VALUES      = "%w: bit depth must be 8, 16, 24, or 32"
	ERR_FMT_CHANNELS_RANGE        = "%w: channels must be between 1 and %d"
	ERR_FMT_FADE_IN_NON_NEGATIVE  = "%w: fade in must be non-negative"
	ERR_FMT_FADE_OUT_NON_NEGATIVE = "%w: fade out must be non-negative"
	ERR_FMT_VOLUME_RANGE          = "%w: volume must be between 0.0 and %.1f"
)

// Common errors for the audio package.
var (
	ErrInvalidQuality = errors.New("invalid quality settings")
	ErrEmptyWaveform  = errors.New("waveform has no samples")
)

// Format represents supported audio formats.
type Format string

const (
	FORMAT_WAV Format = "wav"
	FORMAT_MP3 Format = "mp3"
)

// Waveform is mono PCM audio with samples in [-1, 1].
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playing time of the waveform.
func (w *Waveform) Duration() time.Duration {
	if w == nil || w.SampleRate <= 0 {
		return 0
	}

	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

// Validate reports whether the waveform can be written.
func (w *Waveform) Validate() error {
	if w == nil || len(w.Samples) == 0 {
		return ErrEmptyWaveform
	}

	return validateSampleRate(w.SampleRate)
}

// Quality represents output encoding settings and post-processing effects.
type Quality struct {
	SampleRate int     `json:"sampleRate"`
	BitDepth   int     `json:"bitDepth"`
	Channels   int     `json:"channels"`
	Volume     float64 `json:"volume"`
	FadeIn     float64 `json:"fadeIn,omitempty"`
	FadeOut    float64 `json:"fadeOut,omitempty"`
	Normalize  bool    `json:"normalize"`
}

// NewDefaultQuality provides the settings used for generated speech.
func NewDefaultQuality() Quality {
	return Quality{
		SampleRate: DEFAULT_SAMPLE_RATE,
		BitDepth:   DEFAULT_BIT_DEPTH,
		Channels:   DEFAULT_CHANNELS,
		Volume:     1.0,
		FadeIn:     0,
		FadeOut:    0,
		Normalize:  false,
	}
}

// Validate checks if quality settings are within reasonable bounds.
func (q *Quality) Validate() error {
	audioParamsErr := q.validateAudioParams()
	if audioParamsErr != nil {
		return audioParamsErr
	}

	effectParamsErr := q.validateEffectParams()
	if effectParamsErr != nil {
		return effectParamsErr
	}

	return nil
}

// ApplyEffects returns a copy of the waveform with volume, normalization and
// fades applied. The input is not modified.
func (q *Quality) ApplyEffects(wave *Waveform) (*Waveform, error) {
	err := wave.Validate()
	if err != nil {
		return nil, err
	}

	samples := make([]float32, len(wave.Samples))
	copy(samples, wave.Samples)

	if q.Normalize {
		normalizePeak(samples)
	}

	if q.Volume != 1.0 {
		for i := range samples {
			samples[i] = clamp(samples[i] * float32(q.Volume))
		}
	}

	if q.FadeIn > 0 {
		applyFade(samples, fadeLength(q.FadeIn, wave.SampleRate, len(samples)), false)
	}

	if q.FadeOut > 0 {
		applyFade(samples, fadeLength(q.FadeOut, wave.SampleRate, len(samples)), true)
	}

	return &Waveform{Samples: samples, SampleRate: wave.SampleRate}, nil
}

func normalizePeak(samples []float32) {
	var peak float32

	for _, sample := range samples {
		if magnitude := float32(math.Abs(float64(sample))); magnitude > peak {
			peak = magnitude
		}
	}

	if peak == 0 {
		return
	}

	gain := 1 / peak
	for i := range samples {
		samples[i] *= gain
	}
}

func fadeLength(seconds float64, sampleRate, total int) int {
	length := int(seconds * float64(sampleRate))
	if length > total {
		return total
	}

	return length
}

func applyFade(samples []float32, length int, out bool) {
	for i := range length {
		gain := float32(i) / float32(length)
		if out {
			samples[len(samples)-1-i] *= gain
		} else {
			samples[i] *= gain
		}
	}
}

func clamp(sample float32) float32 {
	if sample > 1 {
		return 1
	}

	if sample < -1 {
		return -1
	}

	return sample
}

func (q *Quality) validateAudioParams() error {
	sampleRateErr := validateSampleRate(q.SampleRate)
	if sampleRateErr != nil {
		return sampleRateErr
	}

	bitDepthErr := validateBitDepth(q.BitDepth)
	if bitDepthErr != nil {
		return bitDepthErr
	}

	channelsErr := validateChannels(q.Channels)
	if channelsErr != nil {
		return channelsErr
	}

	return nil
}

func (q *Quality) validateEffectParams() error {
	if q.Volume < 0.0 || q.Volume > MAX_VOLUME {
		return fmt.Errorf(ERR_FMT_VOLUME_RANGE, ErrInvalidQuality, MAX_VOLUME)
	}

	if q.FadeIn < 0.0 {
		return fmt.Errorf(ERR_FMT_FADE_IN_NON_NEGATIVE, ErrInvalidQuality)
	}

	if q.FadeOut < 0.0 {
		return fmt.Errorf(ERR_FMT_FADE_OUT_NON_NEGATIVE, ErrInvalidQuality)
	}

	return nil
}

//
// Validation Helpers
//

func validateSampleRate(sampleRate int) error {
	if sampleRate <= 0 || sampleRate > MAX_SAMPLE_RATE {
		return fmt.Errorf(
			ERR_FMT_SAMPLE_RATE_RANGE,
			ErrInvalidQuality,
			MAX_SAMPLE_RATE,
		)
	}

	return nil
}

func validateBitDepth(bitDepth int) error {
	switch bitDepth {
	case BIT_DEPTH_8, BIT_DEPTH_16, BIT_DEPTH_24, BIT_DEPTH_32:
		return nil
	default:
		return fmt.Errorf(ERR_FMT_BIT_DEPTH_VALUES, ErrInvalidQuality)
	}
}

func validateChannels(channels int) error {
	if channels <= 0 || channels > MAX_CHANNELS {
		return fmt.Errorf(ERR_FMT_CHANNELS_RANGE, ErrInvalidQuality, MAX_CHANNELS)
	}

	return nil
}
