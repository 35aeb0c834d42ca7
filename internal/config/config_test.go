// Package config_test tests the configuration loading for the voice-clone-service.
package config_test

import (
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/device"
	"github.com/book-expert/voice-clone-service/internal/tts/audio"
)

const fullConfig = `
[server]
host = "0.0.0.0"
port = 9000
read_timeout_seconds = 10
write_timeout_seconds = 120
max_upload_mb = 8

[device]
mode = "auto"
preferred = ["cuda", "mps"]

[model]
checkpoint_dir = "/models/chatterbox"
backend_url = "http://127.0.0.1:8001"
timeout_seconds = 60

[inference]
max_concurrent = 2
default_exaggeration = 0.0
default_cfg_weight = 0.3
normalize_text = true

[results]
dir = "/tmp/results"
max_age_seconds = 120
sweep_interval_seconds = 30
bit_depth = 24
normalize = true
fade_out_seconds = 0.1

[nats]
enabled = true
url = "nats://127.0.0.1:4222"
text_processed_subject = "text.processed"
audio_object_store_bucket = "AUDIO_FILES"

[paths]
base_logs_dir = "/var/log/voice-clone"
`

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	var cfg config.Config

	err := toml.Unmarshal([]byte(fullConfig), &cfg)
	require.NoError(t, err)

	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Address())
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout())
	assert.Equal(t, 2*time.Minute, cfg.Server.WriteTimeout())
	assert.Equal(t, int64(8<<20), cfg.Server.MaxUploadBytes())
	assert.Equal(t, []device.Device{device.CUDA, device.MPS}, cfg.Device.PreferredDevices())
	assert.Equal(t, "/models/chatterbox", cfg.Model.CheckpointDir)
	assert.Equal(t, time.Minute, cfg.Model.Timeout())
	assert.Equal(t, int64(2), cfg.Inference.MaxConcurrent)
	assert.Zero(t, cfg.Inference.Exaggeration(), "explicit zero must survive defaults")
	assert.InEpsilon(t, 0.3, cfg.Inference.CFGWeight(), 0.001)
	assert.True(t, cfg.Inference.NormalizeText)
	assert.Equal(t, 2*time.Minute, cfg.Results.MaxAge())
	assert.Equal(t, 30*time.Second, cfg.Results.SweepInterval())

	quality := cfg.Results.Quality()
	assert.Equal(t, 24, quality.BitDepth)
	assert.True(t, quality.Normalize)
	assert.InDelta(t, 1.0, quality.Volume, 1e-12)
	assert.InDelta(t, 0.1, quality.FadeOut, 1e-12)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "AUDIO_FILES", cfg.NATS.AudioObjectStoreBucket)
	assert.Equal(t, "/var/log/voice-clone", cfg.Paths.BaseLogsDir)
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Model: config.ModelConfig{CheckpointDir: "/models"}}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.DefaultHost, cfg.Server.Host)
	assert.Equal(t, config.DefaultPort, cfg.Server.Port)
	assert.Equal(t, string(device.Auto), cfg.Device.Mode)
	assert.Equal(t, device.DefaultPreference, cfg.Device.PreferredDevices())
	assert.Equal(t, config.DefaultBackendURL, cfg.Model.BackendURL)
	assert.Equal(t, int64(config.DefaultMaxConcurrent), cfg.Inference.MaxConcurrent)
	assert.InEpsilon(t, 1.0, cfg.Inference.Exaggeration(), 0.001)
	assert.InEpsilon(t, 0.5, cfg.Inference.CFGWeight(), 0.001)
	assert.False(t, cfg.Inference.NormalizeText)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, audio.NewDefaultQuality(), cfg.Results.Quality())
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   error
	}{
		{name: "no checkpoints", mutate: func(c *config.Config) { c.Model.CheckpointDir = "" }, want: config.ErrCheckpointDirEmpty},
		{name: "bad port", mutate: func(c *config.Config) { c.Server.Port = 70000 }, want: config.ErrInvalidPort},
		{name: "zero concurrency", mutate: func(c *config.Config) { c.Inference.MaxConcurrent = -1 }, want: config.ErrInvalidConcurrency},
		{name: "nats without url", mutate: func(c *config.Config) { c.NATS.Enabled = true }, want: config.ErrNATSURLEmpty},
		{name: "exaggeration", mutate: func(c *config.Config) {
			value := 3.1
			c.Inference.DefaultExaggeration = &value
		}, want: config.ErrExaggerationRange},
		{name: "cfg weight", mutate: func(c *config.Config) {
			value := -0.1
			c.Inference.DefaultCFGWeight = &value
		}, want: config.ErrCFGWeightRange},
		{name: "device", mutate: func(c *config.Config) { c.Device.Mode = "tpu" }, want: device.ErrUnknownDevice},
		{name: "bit depth", mutate: func(c *config.Config) { c.Results.BitDepth = 12 }, want: audio.ErrInvalidQuality},
		{name: "negative fade", mutate: func(c *config.Config) { c.Results.FadeInSeconds = -1 }, want: audio.ErrInvalidQuality},
		{name: "loud volume", mutate: func(c *config.Config) { c.Results.Volume = 11 }, want: audio.ErrInvalidQuality},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Config{Model: config.ModelConfig{CheckpointDir: "/models"}}
			cfg.ApplyDefaults()
			testCase.mutate(&cfg)

			assert.ErrorIs(t, cfg.Validate(), testCase.want)
		})
	}
}

func TestFinalize_EnvironmentOverrides(t *testing.T) {
	t.Setenv("VOICE_CLONE_MODEL_CHECKPOINT_DIR", "/env/models")
	t.Setenv("VOICE_CLONE_SERVER_PORT", "8123")
	t.Setenv("VOICE_CLONE_DEVICE_MODE", "cpu")
	t.Setenv("VOICE_CLONE_INFERENCE_DEFAULT_EXAGGERATION", "0")

	cfg := config.Config{Model: config.ModelConfig{CheckpointDir: "/file/models"}}

	require.NoError(t, cfg.Finalize())

	assert.Equal(t, "/env/models", cfg.Model.CheckpointDir)
	assert.Equal(t, 8123, cfg.Server.Port)
	assert.Equal(t, "cpu", cfg.Device.Mode)
	assert.Zero(t, cfg.Inference.Exaggeration())
}
