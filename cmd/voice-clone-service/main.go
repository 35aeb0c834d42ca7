// main package for the voice-clone-service
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/device"
	"github.com/book-expert/voice-clone-service/internal/inference"
	"github.com/book-expert/voice-clone-service/internal/metrics"
	"github.com/book-expert/voice-clone-service/internal/objectstore"
	"github.com/book-expert/voice-clone-service/internal/server"
	"github.com/book-expert/voice-clone-service/internal/speech"
	"github.com/book-expert/voice-clone-service/internal/tts"
	"github.com/book-expert/voice-clone-service/internal/tts/text"
	"github.com/book-expert/voice-clone-service/internal/tts/ttsutils"
	"github.com/book-expert/voice-clone-service/internal/weights"
	"github.com/book-expert/voice-clone-service/internal/worker"
)

func setupLogger(logPath, name string) (*logger.Logger, error) {
	log, err := logger.New(logPath, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// resolveDevice honours a forced device.mode and otherwise probes the host.
func resolveDevice(cfg *config.Config, log *logger.Logger) (device.Device, error) {
	mode, err := device.Parse(cfg.Device.Mode)
	if err != nil {
		return "", err
	}

	if mode != device.Auto {
		log.Info("Using configured device %s", mode)

		return mode, nil
	}

	resolved := device.Resolve(device.HostProber{}, cfg.Device.PreferredDevices()...)
	log.Info("Resolved device %s (preference %v)", resolved, cfg.Device.PreferredDevices())

	if !resolved.Accelerated() {
		log.Warn("No accelerator available; generation will run on CPU")
	}

	return resolved, nil
}

func loadModel(ctx context.Context, cfg *config.Config, target device.Device, log *logger.Logger) (*tts.Model, error) {
	checkpointDir, err := tts.ResolveCheckpointDir(cfg.Model.CheckpointDir)
	if err != nil {
		return nil, err
	}

	loader, err := weights.NewLoader(target, weights.SafetensorsDecoder{})
	if err != nil {
		return nil, fmt.Errorf("failed to create weight loader: %w", err)
	}

	model, err := tts.FromPretrained(ctx, tts.PretrainedOptions{
		CheckpointDir: checkpointDir,
		Device:        target,
		Loader:        loader,
		Client:        tts.NewHTTPClient(cfg.Model.BackendURL, cfg.Model.Timeout()),
		Log:           log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load model from %s: %w", checkpointDir, err)
	}

	return model, nil
}

func startWorker(
	ctx context.Context,
	group *errgroup.Group,
	cfg *config.Config,
	handler *speech.Handler,
	resultsDir string,
	log *logger.Logger,
) (func(), error) {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, fmt.Errorf("failed to open JetStream: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		natsConnection.Close()

		return nil, err
	}

	natsWorker, err := worker.NewNatsWorker(natsConnection, store, handler, log, worker.Options{
		Subject:      cfg.NATS.TextProcessedSubject,
		ReferenceDir: resultsDir,
		Exaggeration: cfg.Inference.Exaggeration(),
		CFGWeight:    cfg.Inference.CFGWeight(),
		JobTimeout:   cfg.Model.Timeout(),
	})
	if err != nil {
		natsConnection.Close()

		return nil, err
	}

	group.Go(func() error { return natsWorker.Run(ctx) })

	return natsConnection.Close, nil
}

func run() error {
	// 1. Bootstrap logger until the configured log directory is known.
	bootstrapLog, err := setupLogger(os.TempDir(), "voice-clone-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Configuration.
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Final logger.
	log, err := setupLogger(cfg.Paths.BaseLogsDir, "voice-clone-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Device and model. Both are fixed for the life of the process.
	target, err := resolveDevice(cfg, log)
	if err != nil {
		log.Error("Invalid device configuration: %v", err)

		return err
	}

	model, err := loadModel(ctx, cfg, target, log)
	if err != nil {
		log.Error("Model load failed: %v", err)

		return err
	}

	gate, err := inference.NewGate(model, cfg.Inference.MaxConcurrent)
	if err != nil {
		return err
	}

	// 5. Request handler and result housekeeping.
	resultsDir := cfg.Results.Dir
	if resultsDir == "" {
		resultsDir = ttsutils.DefaultResultsDir()
	}

	handlerOpts := []speech.Option{speech.WithQuality(cfg.Results.Quality())}
	if cfg.Inference.NormalizeText {
		handlerOpts = append(handlerOpts, speech.WithNormalizer(text.NewNormalizer()))
	}

	handler, err := speech.NewHandler(gate, resultsDir, log, handlerOpts...)
	if err != nil {
		return err
	}

	metrics.RegisterMetrics(prometheus.DefaultRegisterer)

	group, groupCtx := errgroup.WithContext(ctx)

	sweeper := speech.NewSweeper(resultsDir, cfg.Results.MaxAge(), cfg.Results.SweepInterval(), log)
	group.Go(func() error {
		sweeper.Run(groupCtx)

		return nil
	})

	exaggeration, cfgWeight := cfg.Inference.Exaggeration(), cfg.Inference.CFGWeight()

	httpServer := server.New(handler, log, server.Options{
		Addr:           cfg.Server.Address(),
		ReadTimeout:    cfg.Server.ReadTimeout(),
		WriteTimeout:   cfg.Server.WriteTimeout(),
		MaxUploadBytes: cfg.Server.MaxUploadBytes(),
		UploadDir:      resultsDir,
		Device:         target,

		DefaultExaggeration: &exaggeration,
		DefaultCFGWeight:    &cfgWeight,
	})
	group.Go(func() error { return httpServer.Run(groupCtx) })

	if cfg.NATS.Enabled {
		closeNATS, workerErr := startWorker(groupCtx, group, cfg, handler, resultsDir, log)
		if workerErr != nil {
			log.Error("Failed to start NATS worker: %v", workerErr)
			stop()
			_ = group.Wait()

			return workerErr
		}
		defer closeNATS()
	}

	var parameters int64
	for _, checkpoint := range model.Checkpoints() {
		parameters += checkpoint.Parameters()
	}

	log.System("Voice-clone-service ready on %s (model %s, %d parameters, device %s, %d Hz, %d concurrent)",
		cfg.Server.Address(), model.Name(), parameters, target, model.SampleRate(), gate.Limit())

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Service stopped with error: %v", err)

		return err
	}

	log.Info("Service stopped.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
