// Command go-client sends a voice-cloning request to a running
// voice-clone-service and saves the generated speech.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/server"
)

// Flag descriptions.
const (
	flagTextDesc         = "Text to speak"
	flagVoiceDesc        = "Reference clip to clone (.wav or .mp3)"
	flagExaggerationDesc = "Emotion exaggeration, 0 to 3"
	flagCFGWeightDesc    = "Classifier-free guidance weight, 0 to 1"
	flagOutputDesc       = "Output file path (.wav)"
	flagServerDesc       = "Base URL of the voice-clone-service"
	flagHealthDesc       = "Check service health and exit"
	flagTimeoutDesc      = "Request timeout"
)

// Flag names.
const (
	flagText         = "text"
	flagVoice        = "voice"
	flagExaggeration = "exaggeration"
	flagCFGWeight    = "cfg-weight"
	flagOutput       = "output"
	flagServer       = "server"
	flagHealth       = "health"
	flagTimeout      = "timeout"
)

const (
	defaultServerURL  = "http://127.0.0.1:7860"
	defaultOutputFile = "output.wav"
	defaultTimeout    = 10 * time.Minute
	outputPermissions = 0o644
)

// Errors.
var (
	errTextRequired      = errors.New("--text must be provided")
	errExaggerationRange = errors.New("--exaggeration must be between 0 and 3")
	errCFGWeightRange    = errors.New("--cfg-weight must be between 0 and 1")
	errServiceStatus     = errors.New("service returned an error")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text         string
	voice        string
	output       string
	server       string
	exaggeration float64
	cfgWeight    float64
	timeout      time.Duration
	health       bool
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	client := &http.Client{}

	if flags.health {
		return checkHealth(ctx, client, flags.server, stdout)
	}

	err = validateFlags(flags)
	if err != nil {
		return err
	}

	written, err := generate(ctx, client, flags)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Generated: %s (%d bytes)\n", flags.output, written)

	return nil
}

// parseFlags parses args into appFlags.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	set := flag.NewFlagSet("go-client", flag.ContinueOnError)
	set.StringVar(&flags.text, flagText, "", flagTextDesc)
	set.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	set.Float64Var(&flags.exaggeration, flagExaggeration, core.DefaultExaggeration, flagExaggerationDesc)
	set.Float64Var(&flags.cfgWeight, flagCFGWeight, core.DefaultCFGWeight, flagCFGWeightDesc)
	set.StringVar(&flags.output, flagOutput, defaultOutputFile, flagOutputDesc)
	set.StringVar(&flags.server, flagServer, defaultServerURL, flagServerDesc)
	set.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	set.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)

	err := set.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateFlags mirrors the service's own range checks so mistakes fail fast.
func validateFlags(flags appFlags) error {
	if flags.text == "" {
		return errTextRequired
	}

	if flags.exaggeration < core.MinExaggeration || flags.exaggeration > core.MaxExaggeration {
		return errExaggerationRange
	}

	if flags.cfgWeight < core.MinCFGWeight || flags.cfgWeight > core.MaxCFGWeight {
		return errCFGWeightRange
	}

	return nil
}

func checkHealth(ctx context.Context, client *http.Client, baseURL string, stdout io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("service is not reachable: %w", err)
	}
	defer resp.Body.Close()

	var health server.HealthResponse

	err = json.NewDecoder(resp.Body).Decode(&health)
	if err != nil || resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %s", errServiceStatus, resp.Status)
	}

	fmt.Fprintf(stdout, "Service is healthy (device %s, %d Hz)\n", health.Device, health.SampleRate)

	return nil
}

func generate(ctx context.Context, client *http.Client, flags appFlags) (int64, error) {
	body, contentType, err := buildForm(flags)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, flags.server+"/api/generate", body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var failure server.ErrorResponse

		_ = json.NewDecoder(resp.Body).Decode(&failure)

		return 0, fmt.Errorf("%w (%s): %s", errServiceStatus, resp.Status, failure.Detail)
	}

	err = os.MkdirAll(filepath.Dir(flags.output), 0o750)
	if err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	out, err := os.OpenFile(flags.output, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, outputPermissions)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}

	written, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()

	if copyErr != nil {
		return 0, fmt.Errorf("failed to save speech: %w", copyErr)
	}

	if closeErr != nil {
		return 0, fmt.Errorf("failed to close output file: %w", closeErr)
	}

	return written, nil
}

func buildForm(flags appFlags) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	fields := map[string]string{
		server.FieldText:         flags.text,
		server.FieldExaggeration: strconv.FormatFloat(flags.exaggeration, 'f', -1, 64),
		server.FieldCFGWeight:    strconv.FormatFloat(flags.cfgWeight, 'f', -1, 64),
	}

	for name, value := range fields {
		err := writer.WriteField(name, value)
		if err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", name, err)
		}
	}

	if flags.voice != "" {
		err := attachVoice(writer, flags.voice)
		if err != nil {
			return nil, "", err
		}
	}

	err := writer.Close()
	if err != nil {
		return nil, "", fmt.Errorf("failed to finish form: %w", err)
	}

	return body, writer.FormDataContentType(), nil
}

func attachVoice(writer *multipart.Writer, path string) error {
	clip, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open voice clip: %w", err)
	}
	defer clip.Close()

	part, err := writer.CreateFormFile(server.FieldVoice, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to attach voice clip: %w", err)
	}

	_, err = io.Copy(part, clip)
	if err != nil {
		return fmt.Errorf("failed to read voice clip: %w", err)
	}

	return nil
}
