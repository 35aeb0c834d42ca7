// Package tts talks to the inference backend that hosts the voice-cloning
// model and exposes the loaded model as a single long-lived handle.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/voice-clone-service/internal/device"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiLoadModel      = "/v1/models/load"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// Error messages.
const (
	errUnexpectedContentType   = "unexpected content type: expected audio/wav, got %s"
	errFmtServiceErrorWithCode = "inference service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "inference service returned non-OK status: %s, body: %s"
)

// Static errors.
var (
	ErrEmptyAudio         = errors.New("received empty audio data")
	ErrDeviceEmpty        = errors.New("device cannot be empty")
	ErrNoCheckpoints      = errors.New("no checkpoints to load")
	ErrInvalidSampleRate  = errors.New("backend reported an invalid sample rate")
	ErrServiceUnavailable = errors.New("inference service unavailable")
)

// HTTPClient represents a client for the standalone inference HTTP service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// GenerateRequest defines the JSON payload of a synthesis request.
// Exaggeration and CFGWeight are always sent, zero included.
type GenerateRequest struct {
	Text              string        `json:"text"`
	AudioPromptPath   string        `json:"audio_prompt_path,omitempty"`
	Exaggeration      float64       `json:"exaggeration"`
	CFGWeight         float64       `json:"cfg_weight"`
	Temperature       float64       `json:"temperature,omitempty"`
	TopP              float64       `json:"top_p,omitempty"`
	RepetitionPenalty float64       `json:"repetition_penalty,omitempty"`
	Seed              int           `json:"seed,omitempty"`
	Device            device.Device `json:"device"`
}

// CheckpointRef tells the backend where a checkpoint lives and on which
// device it must be materialised.
type CheckpointRef struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Device     device.Device `json:"device"`
	Tensors    int           `json:"tensors,omitempty"`
	Parameters int64         `json:"parameters,omitempty"`
}

// LoadModelRequest asks the backend to load a model from checkpoints.
type LoadModelRequest struct {
	Device      device.Device   `json:"device"`
	Checkpoints []CheckpointRef `json:"checkpoints"`
}

// LoadModelResponse describes the model the backend loaded.
type LoadModelResponse struct {
	Model      string        `json:"model"`
	Device     device.Device `json:"device"`
	SampleRate int           `json:"sample_rate"`
}

// HealthResponse is the body of the backend health endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// ErrorResponse represents a structured error response from the backend.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient creates and configures an HTTP client for the inference service.
// The baseURL should include the protocol and port (e.g., "http://localhost:8000").
// A zero timeout leaves requests bounded only by their context.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GenerateSpeech sends a synthesis request and returns the raw WAV bytes.
func (c *HTTPClient) GenerateSpeech(ctx context.Context, req GenerateRequest) ([]byte, error) {
	if req.Device == "" {
		return nil, ErrDeviceEmpty
	}

	resp, err := c.postJSON(ctx, apiGenerateSpeech, contentTypeWAV, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		return nil, fmt.Errorf(errUnexpectedContentType, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// LoadModel asks the backend to materialise the model on req.Device.
func (c *HTTPClient) LoadModel(ctx context.Context, req LoadModelRequest) (*LoadModelResponse, error) {
	if req.Device == "" {
		return nil, ErrDeviceEmpty
	}

	if len(req.Checkpoints) == 0 {
		return nil, ErrNoCheckpoints
	}

	resp, err := c.postJSON(ctx, apiLoadModel, contentTypeJSON, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var loaded LoadModelResponse

	err = json.NewDecoder(resp.Body).Decode(&loaded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode load response: %w", err)
	}

	if loaded.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSampleRate, loaded.SampleRate)
	}

	return &loaded, nil
}

// HealthCheck verifies that the backend is running and operational.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	url := c.baseURL + apiHealth

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: health check failed for service at %s: %w", ErrServiceUnavailable, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check failed with status: %s", ErrServiceUnavailable, resp.Status)
	}

	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path, accept string, payload any) (*http.Response, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, accept)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to send request to inference service at %s: %w",
			c.baseURL,
			err,
		)
	}

	return resp, nil
}

// parseErrorResponse attempts to decode a structured JSON error from the service.
// If structured parsing fails, it falls back to returning the raw response body.
func (c *HTTPClient) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode,
			resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(
		errFmtServiceNonOKStatus,
		resp.Status,
		string(body),
	)
}
