package audio

import (
	"errors"
	"fmt"
	"time"
)

// Bounds for reference clips used for voice cloning.
const (
	MinReferenceDuration = 500 * time.Millisecond
	MaxReferenceDuration = 5 * time.Minute
)

// Static errors.
var (
	ErrReferenceTooShort = errors.New("reference audio is too short")
	ErrReferenceTooLong  = errors.New("reference audio is too long")
)

// PrepareReference decodes the WAV or MP3 clip at src, checks its duration and
// writes it to dst as 16-bit mono WAV so the inference backend only ever sees
// one format.
func PrepareReference(src, dst string) (*Waveform, error) {
	wave, err := ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference audio: %w", err)
	}

	duration := wave.Duration()
	if duration < MinReferenceDuration {
		return nil, fmt.Errorf("%w: %s", ErrReferenceTooShort, duration)
	}

	if duration > MaxReferenceDuration {
		return nil, fmt.Errorf("%w: %s", ErrReferenceTooLong, duration)
	}

	err = WriteFile(dst, wave, NewDefaultQuality())
	if err != nil {
		return nil, fmt.Errorf("failed to write reference audio: %w", err)
	}

	return wave, nil
}
