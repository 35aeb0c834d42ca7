package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/device"
	"github.com/book-expert/voice-clone-service/internal/tts/audio"
	"github.com/book-expert/voice-clone-service/internal/tts/ttsutils"
	"github.com/book-expert/voice-clone-service/internal/weights"
)

// Checkpoint files of a pretrained voice-cloning model.
const (
	CheckpointVoiceEncoder = "ve.safetensors"
	CheckpointT3           = "t3_cfg.safetensors"
	CheckpointS3Gen        = "s3gen.safetensors"
	FileTokenizer          = "tokenizer.json"
	FileConditionals       = "conds.pt"
)

// Static errors.
var (
	ErrCheckpointDirEmpty = errors.New("checkpoint directory cannot be empty")
	ErrClientRequired     = errors.New("inference client is required")
	ErrMissingModelFile   = errors.New("missing model file")
	ErrSampleRateMismatch = errors.New("generated audio sample rate does not match model")
	ErrDeviceMismatch     = errors.New("loader device does not match model device")
)

var weightCheckpoints = []string{CheckpointVoiceEncoder, CheckpointT3, CheckpointS3Gen}

// PretrainedOptions configures FromPretrained.
type PretrainedOptions struct {
	CheckpointDir string
	Device        device.Device
	Loader        *weights.Loader
	Client        *HTTPClient
	Log           *logger.Logger
}

// Model is the loaded voice-cloning model. It is created once and only read
// afterwards; concurrent Generate calls are forwarded to the backend as-is.
type Model struct {
	client      *HTTPClient
	log         *logger.Logger
	device      device.Device
	sampleRate  int
	name        string
	checkpoints []*weights.Checkpoint
}

var _ core.Synthesizer = (*Model)(nil)

// FromPretrained loads every checkpoint in opts.CheckpointDir through the
// device-bound loader and asks the backend to materialise the model on the
// same device.
func FromPretrained(ctx context.Context, opts PretrainedOptions) (*Model, error) {
	if opts.CheckpointDir == "" {
		return nil, ErrCheckpointDirEmpty
	}

	if opts.Client == nil {
		return nil, ErrClientRequired
	}

	loader, err := resolveLoader(opts)
	if err != nil {
		return nil, err
	}

	checkpoints, err := loadCheckpoints(ctx, loader, opts.CheckpointDir)
	if err != nil {
		return nil, err
	}

	err = requireFile(opts.CheckpointDir, FileTokenizer)
	if err != nil {
		return nil, err
	}

	refs := make([]CheckpointRef, 0, len(checkpoints)+1)
	for _, checkpoint := range checkpoints {
		refs = append(refs, CheckpointRef{
			Name:       filepath.Base(checkpoint.Path),
			Path:       checkpoint.Path,
			Device:     checkpoint.Device,
			Tensors:    len(checkpoint.Tensors),
			Parameters: checkpoint.Parameters(),
		})
	}

	conditionals := filepath.Join(opts.CheckpointDir, FileConditionals)
	if requireFile(opts.CheckpointDir, FileConditionals) == nil {
		refs = append(refs, CheckpointRef{Name: FileConditionals, Path: conditionals, Device: opts.Device})
	}

	err = opts.Client.HealthCheck(ctx)
	if err != nil {
		return nil, err
	}

	loaded, err := opts.Client.LoadModel(ctx, LoadModelRequest{Device: opts.Device, Checkpoints: refs})
	if err != nil {
		return nil, fmt.Errorf("failed to load model on %s: %w", opts.Device, err)
	}

	if opts.Log != nil {
		opts.Log.Info("Loaded model %q on %s (%d checkpoints, %d Hz)",
			loaded.Model, opts.Device, len(refs), loaded.SampleRate)
	}

	return &Model{
		client:      opts.Client,
		log:         opts.Log,
		device:      opts.Device,
		sampleRate:  loaded.SampleRate,
		name:        loaded.Model,
		checkpoints: checkpoints,
	}, nil
}

// Generate synthesizes params.Text, cloning the voice in
// params.ReferenceAudioPath when set. Parameters reach the backend unchanged.
func (m *Model) Generate(ctx context.Context, params core.GenerateParams) (*audio.Waveform, error) {
	data, err := m.client.GenerateSpeech(ctx, GenerateRequest{
		Text:              params.Text,
		AudioPromptPath:   params.ReferenceAudioPath,
		Exaggeration:      params.Exaggeration,
		CFGWeight:         params.CFGWeight,
		Temperature:       params.Temperature,
		TopP:              params.TopP,
		RepetitionPenalty: params.RepetitionPenalty,
		Seed:              params.Seed,
		Device:            m.device,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate speech: %w", err)
	}

	wave, err := audio.DecodeWAVBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode generated speech: %w", err)
	}

	if wave.SampleRate != m.sampleRate {
		return nil, fmt.Errorf("%w: got %d Hz, model is %d Hz", ErrSampleRateMismatch, wave.SampleRate, m.sampleRate)
	}

	return wave, nil
}

// SampleRate returns the sample rate reported by the backend at load time.
func (m *Model) SampleRate() int {
	return m.sampleRate
}

// Device returns the device the model was loaded on.
func (m *Model) Device() device.Device {
	return m.device
}

// Name returns the backend's model identifier.
func (m *Model) Name() string {
	return m.name
}

// Checkpoints returns the checkpoints the model was loaded from.
func (m *Model) Checkpoints() []*weights.Checkpoint {
	return m.checkpoints
}

func resolveLoader(opts PretrainedOptions) (*weights.Loader, error) {
	if opts.Loader == nil {
		return weights.NewLoader(opts.Device, weights.SafetensorsDecoder{})
	}

	if opts.Loader.Device() != opts.Device {
		return nil, fmt.Errorf("%w: loader %s, model %s", ErrDeviceMismatch, opts.Loader.Device(), opts.Device)
	}

	return opts.Loader, nil
}

func loadCheckpoints(ctx context.Context, loader *weights.Loader, dir string) ([]*weights.Checkpoint, error) {
	checkpoints := make([]*weights.Checkpoint, 0, len(weightCheckpoints))

	for _, name := range weightCheckpoints {
		err := requireFile(dir, name)
		if err != nil {
			return nil, err
		}

		checkpoint, err := loader.Load(ctx, filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}

		checkpoints = append(checkpoints, checkpoint)
	}

	return checkpoints, nil
}

func requireFile(dir, name string) error {
	path := filepath.Join(dir, name)

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMissingModelFile, path, err)
	}

	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrMissingModelFile, path)
	}

	return nil
}

// ResolveCheckpointDir turns a model name or path into an existing directory
// using the shared model cache lookup.
func ResolveCheckpointDir(nameOrPath string) (string, error) {
	path, err := ttsutils.GetModelPath(nameOrPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve checkpoint directory: %w", err)
	}

	return path, nil
}
