package speech

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/book-expert/voice-clone-service/internal/tts/audio"
	"github.com/book-expert/voice-clone-service/internal/tts/ttsutils"
)

// ErrInvalidReference wraps every failure caused by the clip itself rather
// than by the local filesystem.
var ErrInvalidReference = errors.New("invalid voice reference")

// Reference is a voice clip staged on disk as 16-bit mono WAV.
type Reference struct {
	Path     string
	Duration string
}

// Remove deletes the staged clip.
func (r *Reference) Remove() {
	if r != nil {
		_ = os.Remove(r.Path)
	}
}

// StageReference copies the WAV or MP3 clip read from src into dir and
// converts it to WAV. filename is only used to guess the format when the
// payload has no recognizable header. The caller must Remove the result.
func StageReference(dir string, src io.Reader, filename string) (*Reference, error) {
	err := ttsutils.EnsureDir(dir)
	if err != nil {
		return nil, err
	}

	raw, err := os.CreateTemp(dir, "upload-*."+extensionOrDefault(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to stage reference upload: %w", err)
	}

	rawPath := raw.Name()
	defer os.Remove(rawPath)

	_, copyErr := io.Copy(raw, src)
	closeErr := raw.Close()

	if copyErr != nil {
		return nil, fmt.Errorf("failed to copy reference upload: %w", copyErr)
	}

	if closeErr != nil {
		return nil, fmt.Errorf("failed to close reference upload: %w", closeErr)
	}

	dst := filepath.Join(dir, "voice-"+uuid.NewString()+resultExtension)

	wave, err := audio.PrepareReference(rawPath, dst)
	if err != nil {
		_ = os.Remove(dst)

		return nil, fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}

	return &Reference{Path: dst, Duration: ttsutils.FormatDuration(wave.Duration().Seconds())}, nil
}

func extensionOrDefault(filename string) string {
	if ttsutils.IsReferenceAudioFile(filename) {
		return ttsutils.GetFileExtension(filename)
	}

	return "bin"
}
