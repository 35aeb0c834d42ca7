package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

const (
	pcmFormat        = 1
	filePermissions  = 0o600
	mp3BytesPerFrame = 4
	mp3Channels      = 2
	int16Scale       = 32768.0
)

// Static errors.
var (
	ErrInvalidWAV        = errors.New("not a valid WAV file")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// WriteFile encodes the waveform as PCM WAV at path using quality's bit depth
// and channel count. The waveform's own sample rate is used.
func WriteFile(path string, wave *Waveform, quality Quality) (err error) {
	validateErr := wave.Validate()
	if validateErr != nil {
		return validateErr
	}

	quality.SampleRate = wave.SampleRate

	qualityErr := quality.Validate()
	if qualityErr != nil {
		return qualityErr
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to create audio file: %w", err)
	}

	defer func() {
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("failed to close audio file: %w", closeErr)
		}
	}()

	return Encode(file, wave, quality)
}

// Encode writes the waveform as PCM WAV to w.
func Encode(w io.WriteSeeker, wave *Waveform, quality Quality) error {
	encoder := wav.NewEncoder(w, wave.SampleRate, quality.BitDepth, quality.Channels, pcmFormat)

	buffer := &goaudio.IntBuffer{
		Data:           toInts(wave.Samples, quality.BitDepth, quality.Channels),
		Format:         &goaudio.Format{SampleRate: wave.SampleRate, NumChannels: quality.Channels},
		SourceBitDepth: quality.BitDepth,
	}

	err := encoder.Write(buffer)
	if err != nil {
		return fmt.Errorf("failed to encode WAV: %w", err)
	}

	err = encoder.Close()
	if err != nil {
		return fmt.Errorf("failed to finalize WAV: %w", err)
	}

	return nil
}

// DecodeWAV reads a PCM WAV stream and downmixes it to a mono waveform.
func DecodeWAV(r io.ReadSeeker) (*Waveform, error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return nil, ErrInvalidWAV
	}

	// Only integer PCM is scaled correctly below; IEEE float and compressed
	// payloads are refused rather than decoded into noise.
	if decoder.WavAudioFormat != pcmFormat {
		return nil, fmt.Errorf("%w: audio format %d, want PCM", ErrInvalidWAV, decoder.WavAudioFormat)
	}

	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode WAV: %w", err)
	}

	channels := int(decoder.NumChans)
	if channels <= 0 || decoder.BitDepth == 0 {
		return nil, ErrInvalidWAV
	}

	scale := float32(int64(1) << (decoder.BitDepth - 1))
	frames := len(buffer.Data) / channels
	samples := make([]float32, frames)

	for frame := range frames {
		var sum float32
		for channel := range channels {
			sum += float32(buffer.Data[frame*channels+channel]) / scale
		}

		samples[frame] = sum / float32(channels)
	}

	return &Waveform{Samples: samples, SampleRate: int(decoder.SampleRate)}, nil
}

// DecodeWAVBytes decodes an in-memory WAV payload.
func DecodeWAVBytes(data []byte) (*Waveform, error) {
	return DecodeWAV(bytes.NewReader(data))
}

// DecodeMP3 decodes an MP3 stream to a mono waveform.
func DecodeMP3(r io.Reader) (*Waveform, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 stream: %w", err)
	}

	pcm, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	frames := len(pcm) / mp3BytesPerFrame
	samples := make([]float32, frames)

	for frame := range frames {
		offset := frame * mp3BytesPerFrame
		left := int16(uint16(pcm[offset]) | uint16(pcm[offset+1])<<8)
		right := int16(uint16(pcm[offset+2]) | uint16(pcm[offset+3])<<8)
		samples[frame] = (float32(left) + float32(right)) / mp3Channels / int16Scale
	}

	return &Waveform{Samples: samples, SampleRate: decoder.SampleRate()}, nil
}

// DetectFormat identifies WAV and MP3 payloads by their magic bytes, falling
// back to the file extension.
func DetectFormat(header []byte, filename string) (Format, error) {
	switch {
	case len(header) >= 12 && string(header[0:4]) == "RIFF" && string(header[8:12]) == "WAVE":
		return FORMAT_WAV, nil
	case len(header) >= 3 && string(header[0:3]) == "ID3":
		return FORMAT_MP3, nil
	case len(header) >= 2 && header[0] == 0xFF && header[1]&0xE0 == 0xE0:
		return FORMAT_MP3, nil
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".wav":
		return FORMAT_WAV, nil
	case ".mp3":
		return FORMAT_MP3, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
}

// ReadFile decodes a WAV or MP3 file into a mono waveform.
func ReadFile(path string) (*Waveform, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	header := make([]byte, 12)

	n, err := io.ReadFull(file, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("failed to read audio header: %w", err)
	}

	format, err := DetectFormat(header[:n], path)
	if err != nil {
		return nil, err
	}

	_, err = file.Seek(0, io.SeekStart)
	if err != nil {
		return nil, fmt.Errorf("failed to rewind audio file: %w", err)
	}

	if format == FORMAT_MP3 {
		return DecodeMP3(file)
	}

	return DecodeWAV(file)
}

func toInts(samples []float32, bitDepth, channels int) []int {
	scale := float64(int64(1)<<(bitDepth-1) - 1)
	data := make([]int, 0, len(samples)*channels)

	for _, sample := range samples {
		value := int(float64(clamp(sample)) * scale)
		for range channels {
			data = append(data, value)
		}
	}

	return data
}
