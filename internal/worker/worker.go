// Package worker provides a NATS worker that voices pipeline text with the
// same model handle the HTTP server uses.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/metrics"
	"github.com/book-expert/voice-clone-service/internal/speech"
	"github.com/book-expert/voice-clone-service/internal/tts/ttsutils"
)

const defaultJobTimeout = 10 * time.Minute

var (
	// ErrSubjectEmpty indicates that no subject was configured.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
	// ErrMissingDependency indicates a nil connection, store or generator.
	ErrMissingDependency = errors.New("worker dependency cannot be nil")
	// ErrTextKeyEmpty indicates an event without a text key.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrTopPRange indicates that TopP is outside [0, 1].
	ErrTopPRange = errors.New("top_p must be between 0.0 and 1.0")
	// ErrRepetitionPenaltyRange indicates a penalty below 1 that is not the zero default.
	ErrRepetitionPenaltyRange = errors.New("repetition penalty must be 0 (default) or >= 1.0")
	// ErrTemperatureRange indicates a negative temperature.
	ErrTemperatureRange = errors.New("temperature must be >= 0.0")
	// ErrExaggerationRange indicates a default exaggeration outside the slider range.
	ErrExaggerationRange = errors.New("exaggeration out of range")
	// ErrCFGWeightRange indicates a default CFG weight outside the slider range.
	ErrCFGWeightRange = errors.New("cfg weight out of range")
)

// Generator produces speech files.
type Generator interface {
	Generate(ctx context.Context, req speech.Request) (*speech.Result, error)
}

// Options configures a NatsWorker.
type Options struct {
	Subject string
	// ReferenceDir receives voice clips downloaded from the store.
	ReferenceDir string
	Exaggeration float64
	CFGWeight    float64
	JobTimeout   time.Duration
}

// NatsWorker listens for text events and replies with generated audio keys.
type NatsWorker struct {
	natsConnection *nats.Conn
	store          core.ObjectStore
	generator      Generator
	log            *logger.Logger
	opts           Options
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	store core.ObjectStore,
	generator Generator,
	log *logger.Logger,
	opts Options,
) (*NatsWorker, error) {
	if natsConnection == nil || store == nil || generator == nil || log == nil {
		return nil, ErrMissingDependency
	}

	if opts.Subject == "" {
		return nil, ErrSubjectEmpty
	}

	if opts.Exaggeration < core.MinExaggeration || opts.Exaggeration > core.MaxExaggeration {
		return nil, fmt.Errorf("%w: %v", ErrExaggerationRange, opts.Exaggeration)
	}

	if opts.CFGWeight < core.MinCFGWeight || opts.CFGWeight > core.MaxCFGWeight {
		return nil, fmt.Errorf("%w: %v", ErrCFGWeightRange, opts.CFGWeight)
	}

	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}

	if opts.ReferenceDir == "" {
		opts.ReferenceDir = os.TempDir()
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		store:          store,
		generator:      generator,
		log:            log,
		opts:           opts,
	}, nil
}

// Run subscribes and processes messages until ctx is cancelled, then drains.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.opts.Subject, func(msg *nats.Msg) {
		w.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.opts.Subject, err)
	}

	w.log.Info("Worker listening on subject %s", w.opts.Subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(parent context.Context, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.opts.JobTimeout)
	defer cancel()

	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		metrics.ObserveWorkerJob(err)
		w.log.Error("Failed to unmarshal event: %v", err)

		return
	}

	audioKey, err := w.processJob(ctx, &event)
	metrics.ObserveWorkerJob(err)

	if err != nil {
		w.log.Error("Failed to voice page %d of workflow %s: %v", event.PageNumber, event.Header.WorkflowID, err)

		return
	}

	reply := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = w.publishReply(msg, reply)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// processJob downloads the text and optional voice clip, generates speech and
// uploads it, returning the new audio key.
func (w *NatsWorker) processJob(ctx context.Context, event *events.TextProcessedEvent) (string, error) {
	err := validateEvent(event)
	if err != nil {
		return "", err
	}

	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	req := speech.Request{
		Text:              string(textData),
		Exaggeration:      w.opts.Exaggeration,
		CFGWeight:         w.opts.CFGWeight,
		Temperature:       event.Temperature,
		TopP:              event.TopP,
		RepetitionPenalty: event.RepetitionPenalty,
		Seed:              event.Seed,
	}

	if event.Voice != "" {
		reference, stageErr := w.stageVoice(ctx, event.Voice)
		if stageErr != nil {
			return "", stageErr
		}
		defer reference.Remove()

		req.ReferenceAudioPath = reference.Path
	}

	result, err := w.generator.Generate(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to generate speech: %w", err)
	}

	defer func() {
		releaseErr := result.Release()
		if releaseErr != nil {
			w.log.Warn("Failed to release result: %v", releaseErr)
		}
	}()

	audioData, err := os.ReadFile(result.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read generated speech: %w", err)
	}

	audioKey := uuid.NewString() + ".wav"

	err = w.store.Upload(ctx, audioKey, audioData)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	return audioKey, nil
}

func (w *NatsWorker) stageVoice(ctx context.Context, key string) (*speech.Reference, error) {
	clip, err := w.store.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to download voice clip '%s': %w", key, err)
	}

	reference, err := speech.StageReference(w.opts.ReferenceDir, bytes.NewReader(clip), ttsutils.SanitizeFilename(key))
	if err != nil {
		return nil, fmt.Errorf("voice clip '%s': %w", key, err)
	}

	return reference, nil
}

func (w *NatsWorker) publishReply(msg *nats.Msg, reply *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

// validateEvent checks the sampling overrides carried by the event. Zero
// means "model default" for each of them.
func validateEvent(event *events.TextProcessedEvent) error {
	if event.TextKey == "" {
		return ErrTextKeyEmpty
	}

	if event.TopP < 0.0 || event.TopP > 1.0 {
		return fmt.Errorf("%w: got %f", ErrTopPRange, event.TopP)
	}

	if event.RepetitionPenalty != 0 && event.RepetitionPenalty < 1.0 {
		return fmt.Errorf("%w: got %f", ErrRepetitionPenaltyRange, event.RepetitionPenalty)
	}

	if event.Temperature < 0.0 {
		return fmt.Errorf("%w: got %f", ErrTemperatureRange, event.Temperature)
	}

	return nil
}
