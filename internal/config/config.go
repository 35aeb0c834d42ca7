// Package config provides the configuration structure for the voice-clone-service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/device"
	"github.com/book-expert/voice-clone-service/internal/tts/audio"
)

// Defaults applied to zero-valued settings.
const (
	DefaultHost                 = "127.0.0.1"
	DefaultPort                 = 7860
	DefaultReadTimeoutSeconds   = 30
	DefaultWriteTimeoutSeconds  = 600
	DefaultMaxUploadMB          = 25
	DefaultBackendURL           = "http://127.0.0.1:8000"
	DefaultModelTimeoutSeconds  = 300
	DefaultMaxConcurrent        = 1
	DefaultResultMaxAgeSeconds  = 3600
	DefaultSweepIntervalSeconds = 300
	DefaultTextProcessedSubject = "text.processed"
	DefaultAudioBucket          = "AUDIO_FILES"
	DefaultBitDepth             = audio.DEFAULT_BIT_DEPTH
	DefaultVolume               = 1.0
)

// Static errors.
var (
	ErrCheckpointDirEmpty  = errors.New("model.checkpoint_dir cannot be empty")
	ErrInvalidPort         = errors.New("server.port must be between 1 and 65535")
	ErrInvalidTimeout      = errors.New("timeouts must be positive")
	ErrInvalidUploadLimit  = errors.New("server.max_upload_mb must be positive")
	ErrInvalidConcurrency  = errors.New("inference.max_concurrent must be positive")
	ErrExaggerationRange   = errors.New("inference.default_exaggeration out of range")
	ErrCFGWeightRange      = errors.New("inference.default_cfg_weight out of range")
	ErrInvalidResultMaxAge = errors.New("results max_age and sweep_interval must be positive")
	ErrNATSURLEmpty        = errors.New("nats.url cannot be empty when nats is enabled")
)

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host                string `toml:"host"                  env:"VOICE_CLONE_SERVER_HOST"`
	Port                int    `toml:"port"                  env:"VOICE_CLONE_SERVER_PORT"`
	ReadTimeoutSeconds  int    `toml:"read_timeout_seconds"  env:"VOICE_CLONE_SERVER_READ_TIMEOUT_SECONDS"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds" env:"VOICE_CLONE_SERVER_WRITE_TIMEOUT_SECONDS"`
	MaxUploadMB         int64  `toml:"max_upload_mb"         env:"VOICE_CLONE_SERVER_MAX_UPLOAD_MB"`
}

// DeviceConfig selects the compute device. Mode "auto" probes the host.
type DeviceConfig struct {
	Mode      string   `toml:"mode"      env:"VOICE_CLONE_DEVICE_MODE"`
	Preferred []string `toml:"preferred" env:"VOICE_CLONE_DEVICE_PREFERRED" envSeparator:","`
}

// ModelConfig holds the model location and inference backend settings.
type ModelConfig struct {
	CheckpointDir  string `toml:"checkpoint_dir"  env:"VOICE_CLONE_MODEL_CHECKPOINT_DIR"`
	BackendURL     string `toml:"backend_url"     env:"VOICE_CLONE_MODEL_BACKEND_URL"`
	TimeoutSeconds int    `toml:"timeout_seconds" env:"VOICE_CLONE_MODEL_TIMEOUT_SECONDS"`
}

// InferenceConfig holds generation defaults and concurrency limits.
type InferenceConfig struct {
	MaxConcurrent       int64    `toml:"max_concurrent"       env:"VOICE_CLONE_INFERENCE_MAX_CONCURRENT"`
	DefaultExaggeration *float64 `toml:"default_exaggeration" env:"VOICE_CLONE_INFERENCE_DEFAULT_EXAGGERATION"`
	DefaultCFGWeight    *float64 `toml:"default_cfg_weight"   env:"VOICE_CLONE_INFERENCE_DEFAULT_CFG_WEIGHT"`
	NormalizeText       bool     `toml:"normalize_text"       env:"VOICE_CLONE_INFERENCE_NORMALIZE_TEXT"`
}

// ResultsConfig controls where generated files go, how they are encoded and
// how long orphans live. A zero volume means the default of 1.0.
type ResultsConfig struct {
	Dir                  string  `toml:"dir"                    env:"VOICE_CLONE_RESULTS_DIR"`
	MaxAgeSeconds        int     `toml:"max_age_seconds"        env:"VOICE_CLONE_RESULTS_MAX_AGE_SECONDS"`
	SweepIntervalSeconds int     `toml:"sweep_interval_seconds" env:"VOICE_CLONE_RESULTS_SWEEP_INTERVAL_SECONDS"`
	BitDepth             int     `toml:"bit_depth"              env:"VOICE_CLONE_RESULTS_BIT_DEPTH"`
	Volume               float64 `toml:"volume"                 env:"VOICE_CLONE_RESULTS_VOLUME"`
	Normalize            bool    `toml:"normalize"              env:"VOICE_CLONE_RESULTS_NORMALIZE"`
	FadeInSeconds        float64 `toml:"fade_in_seconds"        env:"VOICE_CLONE_RESULTS_FADE_IN_SECONDS"`
	FadeOutSeconds       float64 `toml:"fade_out_seconds"       env:"VOICE_CLONE_RESULTS_FADE_OUT_SECONDS"`
}

// NATSConfig holds the configuration for the optional pipeline worker.
type NATSConfig struct {
	Enabled                bool   `toml:"enabled"                   env:"VOICE_CLONE_NATS_ENABLED"`
	URL                    string `toml:"url"                       env:"VOICE_CLONE_NATS_URL"`
	TextProcessedSubject   string `toml:"text_processed_subject"    env:"VOICE_CLONE_NATS_TEXT_PROCESSED_SUBJECT"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket" env:"VOICE_CLONE_NATS_AUDIO_OBJECT_STORE_BUCKET"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir" env:"VOICE_CLONE_PATHS_BASE_LOGS_DIR"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Device    DeviceConfig    `toml:"device"`
	Model     ModelConfig     `toml:"model"`
	Inference InferenceConfig `toml:"inference"`
	Results   ResultsConfig   `toml:"results"`
	NATS      NATSConfig      `toml:"nats"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load reads an optional .env file, the project configuration and
// VOICE_CLONE_* environment overrides, then applies defaults and validates.
func Load(log *logger.Logger) (*Config, error) {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config

	err = configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	err = cfg.Finalize()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Finalize applies environment overrides and defaults, then validates.
func (c *Config) Finalize() error {
	err := env.Parse(c)
	if err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	c.ApplyDefaults()

	return c.Validate()
}

// ApplyDefaults fills zero-valued settings.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Server.Host, DefaultHost)
	setDefault(&c.Server.Port, DefaultPort)
	setDefault(&c.Server.ReadTimeoutSeconds, DefaultReadTimeoutSeconds)
	setDefault(&c.Server.WriteTimeoutSeconds, DefaultWriteTimeoutSeconds)
	setDefault(&c.Server.MaxUploadMB, DefaultMaxUploadMB)
	setDefault(&c.Device.Mode, string(device.Auto))
	setDefault(&c.Model.BackendURL, DefaultBackendURL)
	setDefault(&c.Model.TimeoutSeconds, DefaultModelTimeoutSeconds)
	setDefault(&c.Inference.MaxConcurrent, DefaultMaxConcurrent)
	setDefault(&c.Results.MaxAgeSeconds, DefaultResultMaxAgeSeconds)
	setDefault(&c.Results.SweepIntervalSeconds, DefaultSweepIntervalSeconds)
	setDefault(&c.Results.BitDepth, DefaultBitDepth)
	setDefault(&c.Results.Volume, DefaultVolume)
	setDefault(&c.NATS.TextProcessedSubject, DefaultTextProcessedSubject)
	setDefault(&c.NATS.AudioObjectStoreBucket, DefaultAudioBucket)

	// Zero is a valid exaggeration and CFG weight, so only a missing key
	// falls back to the default.
	if c.Inference.DefaultExaggeration == nil {
		value := core.DefaultExaggeration
		c.Inference.DefaultExaggeration = &value
	}

	if c.Inference.DefaultCFGWeight == nil {
		value := core.DefaultCFGWeight
		c.Inference.DefaultCFGWeight = &value
	}
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	_, err := device.Parse(c.Device.Mode)
	if err != nil {
		return fmt.Errorf("device.mode: %w", err)
	}

	for _, name := range c.Device.Preferred {
		_, err = device.Parse(name)
		if err != nil {
			return fmt.Errorf("device.preferred: %w", err)
		}
	}

	switch {
	case c.Model.CheckpointDir == "":
		return ErrCheckpointDirEmpty
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	case c.Server.ReadTimeoutSeconds <= 0, c.Server.WriteTimeoutSeconds <= 0, c.Model.TimeoutSeconds <= 0:
		return ErrInvalidTimeout
	case c.Server.MaxUploadMB <= 0:
		return ErrInvalidUploadLimit
	case c.Inference.MaxConcurrent <= 0:
		return fmt.Errorf("%w: %d", ErrInvalidConcurrency, c.Inference.MaxConcurrent)
	case c.Results.MaxAgeSeconds <= 0 || c.Results.SweepIntervalSeconds <= 0:
		return ErrInvalidResultMaxAge
	case c.NATS.Enabled && c.NATS.URL == "":
		return ErrNATSURLEmpty
	}

	quality := c.Results.Quality()

	err = quality.Validate()
	if err != nil {
		return fmt.Errorf("results: %w", err)
	}

	if c.Inference.DefaultExaggeration != nil {
		value := *c.Inference.DefaultExaggeration
		if value < core.MinExaggeration || value > core.MaxExaggeration {
			return fmt.Errorf("%w: %v", ErrExaggerationRange, value)
		}
	}

	if c.Inference.DefaultCFGWeight != nil {
		value := *c.Inference.DefaultCFGWeight
		if value < core.MinCFGWeight || value > core.MaxCFGWeight {
			return fmt.Errorf("%w: %v", ErrCFGWeightRange, value)
		}
	}

	return nil
}

// Exaggeration returns the configured default exaggeration.
func (i InferenceConfig) Exaggeration() float64 {
	if i.DefaultExaggeration == nil {
		return core.DefaultExaggeration
	}

	return *i.DefaultExaggeration
}

// CFGWeight returns the configured default CFG weight.
func (i InferenceConfig) CFGWeight() float64 {
	if i.DefaultCFGWeight == nil {
		return core.DefaultCFGWeight
	}

	return *i.DefaultCFGWeight
}

// Address is the host:port the HTTP server listens on.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeout returns the server read timeout.
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the server write timeout.
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// MaxUploadBytes is the largest accepted multipart body.
func (s ServerConfig) MaxUploadBytes() int64 {
	return s.MaxUploadMB << 20
}

// Timeout returns the backend request timeout.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// MaxAge is how long an unreleased result file may live.
func (r ResultsConfig) MaxAge() time.Duration {
	return time.Duration(r.MaxAgeSeconds) * time.Second
}

// SweepInterval is how often orphaned result files are removed.
func (r ResultsConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSeconds) * time.Second
}

// Quality returns the encoding and effects applied to every result file.
// The sample rate is replaced by the model's when a file is written.
func (r ResultsConfig) Quality() audio.Quality {
	quality := audio.NewDefaultQuality()
	quality.BitDepth = r.BitDepth
	quality.Volume = r.Volume
	quality.Normalize = r.Normalize
	quality.FadeIn = r.FadeInSeconds
	quality.FadeOut = r.FadeOutSeconds

	return quality
}

// PreferredDevices parses Device.Preferred, falling back to the default
// preference list. Call after Validate.
func (d DeviceConfig) PreferredDevices() []device.Device {
	if len(d.Preferred) == 0 {
		return device.DefaultPreference
	}

	devices := make([]device.Device, 0, len(d.Preferred))

	for _, name := range d.Preferred {
		parsed, err := device.Parse(name)
		if err == nil {
			devices = append(devices, parsed)
		}
	}

	return devices
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
