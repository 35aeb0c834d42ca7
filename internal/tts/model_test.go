package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/device"
	"github.com/book-expert/voice-clone-service/internal/tts/audio"
	"github.com/book-expert/voice-clone-service/internal/weights"
)

// fakeBackend records what the model sends and answers like the inference service.
type fakeBackend struct {
	mu         sync.Mutex
	load       LoadModelRequest
	generate   []GenerateRequest
	sampleRate int
	wavRate    int
}

func (b *fakeBackend) handler(t *testing.T) http.Handler {
	t.Helper()

	wav := toneWAV(t, b.wavRate)
	mux := http.NewServeMux()

	mux.HandleFunc(apiHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)
		json.NewEncoder(w).Encode(HealthResponse{Status: "healthy"})
	})

	mux.HandleFunc(apiLoadModel, func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()

		assert.NoError(t, json.NewDecoder(r.Body).Decode(&b.load))

		w.Header().Set(headerContentType, contentTypeJSON)
		json.NewEncoder(w).Encode(LoadModelResponse{Model: "chatterbox", Device: b.load.Device, SampleRate: b.sampleRate})
	})

	mux.HandleFunc(apiGenerateSpeech, func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest

		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		b.mu.Lock()
		b.generate = append(b.generate, req)
		b.mu.Unlock()

		w.Header().Set(headerContentType, contentTypeWAV)
		w.Write(wav)
	})

	return mux
}

func toneWAV(t *testing.T, sampleRate int) []byte {
	t.Helper()

	samples := make([]float32, sampleRate/4)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
	}

	path := filepath.Join(t.TempDir(), "tone.wav")
	require.NoError(t, audio.WriteFile(path, &audio.Waveform{Samples: samples, SampleRate: sampleRate}, audio.NewDefaultQuality()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return data
}

func writeCheckpointDir(t *testing.T, withConditionals bool) string {
	t.Helper()

	dir := t.TempDir()

	header, err := json.Marshal(map[string]any{
		"weight": map[string]any{"dtype": "F32", "shape": []int{2, 2}, "data_offsets": []int{0, 16}},
	})
	require.NoError(t, err)

	var buffer bytes.Buffer

	require.NoError(t, binary.Write(&buffer, binary.LittleEndian, uint64(len(header))))
	buffer.Write(header)
	buffer.Write(make([]byte, 16))

	for _, name := range weightCheckpoints {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), buffer.Bytes(), 0o600))
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileTokenizer), []byte(`{}`), 0o600))

	if withConditionals {
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileConditionals), []byte("conds"), 0o600))
	}

	return dir
}

func loadTestModel(t *testing.T, backend *fakeBackend, target device.Device) *Model {
	t.Helper()

	server := httptest.NewServer(backend.handler(t))
	t.Cleanup(server.Close)

	model, err := FromPretrained(context.Background(), PretrainedOptions{
		CheckpointDir: writeCheckpointDir(t, true),
		Device:        target,
		Client:        NewHTTPClient(server.URL, 5*time.Second),
	})
	require.NoError(t, err)

	return model
}

func TestFromPretrained_LoadsEveryCheckpointOnDevice(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{sampleRate: 24000, wavRate: 24000}
	model := loadTestModel(t, backend, device.MPS)

	assert.Equal(t, device.MPS, model.Device())
	assert.Equal(t, 24000, model.SampleRate())
	assert.Equal(t, "chatterbox", model.Name())
	require.Len(t, model.Checkpoints(), len(weightCheckpoints))

	for _, checkpoint := range model.Checkpoints() {
		assert.Equal(t, device.MPS, checkpoint.Device, checkpoint.Path)
		assert.Equal(t, int64(4), checkpoint.Parameters())
	}

	assert.Equal(t, device.MPS, backend.load.Device)
	require.Len(t, backend.load.Checkpoints, len(weightCheckpoints)+1)

	for _, ref := range backend.load.Checkpoints {
		assert.Equal(t, device.MPS, ref.Device, ref.Name)
	}

	assert.Equal(t, FileConditionals, backend.load.Checkpoints[len(weightCheckpoints)].Name)
}

func TestFromPretrained_UsesSuppliedLoader(t *testing.T) {
	t.Parallel()

	var seen []weights.LoadOptions

	var mu sync.Mutex

	loader, err := weights.NewLoader(device.CPU, weights.DecoderFunc(
		func(_ context.Context, _ io.Reader, opts weights.LoadOptions) (*weights.Checkpoint, error) {
			mu.Lock()
			seen = append(seen, opts)
			mu.Unlock()

			return &weights.Checkpoint{Device: opts.Device}, nil
		}))
	require.NoError(t, err)

	backend := &fakeBackend{sampleRate: 24000, wavRate: 24000}
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()

	_, err = FromPretrained(context.Background(), PretrainedOptions{
		CheckpointDir: writeCheckpointDir(t, false),
		Device:        device.CPU,
		Loader:        loader,
		Client:        NewHTTPClient(server.URL, 5*time.Second),
	})
	require.NoError(t, err)

	require.Len(t, seen, len(weightCheckpoints))

	for _, opts := range seen {
		assert.Equal(t, device.CPU, opts.Device)
		assert.False(t, opts.ExplicitDevice())
	}

	assert.Len(t, backend.load.Checkpoints, len(weightCheckpoints))
}

func TestFromPretrained_Errors(t *testing.T) {
	t.Parallel()

	client := NewHTTPClient("http://127.0.0.1:1", time.Second)

	_, err := FromPretrained(context.Background(), PretrainedOptions{Device: device.CPU, Client: client})
	assert.ErrorIs(t, err, ErrCheckpointDirEmpty)

	_, err = FromPretrained(context.Background(), PretrainedOptions{CheckpointDir: t.TempDir(), Device: device.CPU})
	assert.ErrorIs(t, err, ErrClientRequired)

	_, err = FromPretrained(context.Background(), PretrainedOptions{
		CheckpointDir: t.TempDir(), Device: device.CPU, Client: client,
	})
	assert.ErrorIs(t, err, ErrMissingModelFile)

	loader, err := weights.NewLoader(device.MPS, weights.SafetensorsDecoder{})
	require.NoError(t, err)

	_, err = FromPretrained(context.Background(), PretrainedOptions{
		CheckpointDir: writeCheckpointDir(t, false), Device: device.CPU, Loader: loader, Client: client,
	})
	assert.ErrorIs(t, err, ErrDeviceMismatch)

	dir := writeCheckpointDir(t, false)
	require.NoError(t, os.Remove(filepath.Join(dir, FileTokenizer)))

	_, err = FromPretrained(context.Background(), PretrainedOptions{CheckpointDir: dir, Device: device.CPU, Client: client})
	assert.ErrorIs(t, err, ErrMissingModelFile)

	_, err = FromPretrained(context.Background(), PretrainedOptions{
		CheckpointDir: writeCheckpointDir(t, false), Device: device.CPU, Client: client,
	})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestModel_GeneratePassesParametersThrough(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{sampleRate: 24000, wavRate: 24000}
	model := loadTestModel(t, backend, device.MPS)

	for _, params := range []core.GenerateParams{
		{Text: "quiet", Exaggeration: 0, CFGWeight: 0},
		{Text: "loud", Exaggeration: 3, CFGWeight: 1, ReferenceAudioPath: "/tmp/voice.wav"},
	} {
		wave, err := model.Generate(context.Background(), params)
		require.NoError(t, err)
		assert.Equal(t, model.SampleRate(), wave.SampleRate)
		assert.NotEmpty(t, wave.Samples)
	}

	require.Len(t, backend.generate, 2)
	assert.Zero(t, backend.generate[0].Exaggeration)
	assert.Zero(t, backend.generate[0].CFGWeight)
	assert.Empty(t, backend.generate[0].AudioPromptPath)
	assert.InDelta(t, 3.0, backend.generate[1].Exaggeration, 1e-9)
	assert.InDelta(t, 1.0, backend.generate[1].CFGWeight, 1e-9)
	assert.Equal(t, "/tmp/voice.wav", backend.generate[1].AudioPromptPath)
	assert.Equal(t, device.MPS, backend.generate[1].Device)
}

func TestModel_GenerateRejectsSampleRateMismatch(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{sampleRate: 24000, wavRate: 16000}
	model := loadTestModel(t, backend, device.CPU)

	_, err := model.Generate(context.Background(), core.GenerateParams{Text: "hi", Exaggeration: 1, CFGWeight: 0.5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSampleRateMismatch))
}

func TestResolveCheckpointDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	resolved, err := ResolveCheckpointDir(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, resolved)

	_, err = ResolveCheckpointDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
