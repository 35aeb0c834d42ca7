// Package server exposes the voice-cloning form and generate API over HTTP.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/book-expert/voice-clone-service/internal/device"
	"github.com/book-expert/voice-clone-service/internal/metrics"
	"github.com/book-expert/voice-clone-service/internal/speech"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

const (
	contentTypeJSON  = "application/json"
	contentTypeWAV   = "audio/wav"
	multipartMemory  = 8 << 20
	shutdownTimeout  = 10 * time.Second
	statusHealthy    = "ok"
	defaultMaxUpload = 25 << 20
)

// Static errors.
var (
	ErrInvalidNumber = errors.New("must be a number")
	ErrOutOfRange    = errors.New("out of range")
)

// Generator is the request handler behind the generate endpoint.
type Generator interface {
	Generate(ctx context.Context, req speech.Request) (*speech.Result, error)
	SampleRate() int
}

// Options configures a Server.
type Options struct {
	Addr                string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxUploadBytes      int64
	// UploadDir receives staged voice clips; usually the result directory.
	UploadDir           string
	Device              device.Device
	// DefaultExaggeration and DefaultCFGWeight seed the sliders and fill
	// fields the client omits. Nil keeps the built-in defaults.
	DefaultExaggeration *float64
	DefaultCFGWeight    *float64
}

// Server is the HTTP front end.
type Server struct {
	generator    Generator
	log          *logger.Logger
	opts         Options
	form         Form
	// exaggeration and cfgWeight carry the configured slider defaults.
	exaggeration Slider
	cfgWeight    Slider
	router       chi.Router
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status     string        `json:"status"`
	Device     device.Device `json:"device"`
	SampleRate int           `json:"sample_rate"`
}

// New builds the router.
func New(generator Generator, log *logger.Logger, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUpload
	}

	if opts.UploadDir == "" {
		opts.UploadDir = os.TempDir()
	}

	exaggeration := exaggerationSlider.withDefault(opts.DefaultExaggeration)
	cfgWeight := cfgWeightSlider.withDefault(opts.DefaultCFGWeight)

	srv := &Server{
		generator:    generator,
		log:          log,
		opts:         opts,
		form:         newForm(opts.Device.String(), generator.SampleRate(), exaggeration, cfgWeight),
		exaggeration: exaggeration,
		cfgWeight:    cfgWeight,
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	router.Use(middleware.StripSlashes)
	router.Use(middleware.Recoverer)
	router.Use(countRequests)

	router.Handle("/metrics", promhttp.Handler())
	router.Get("/", srv.handleIndex)
	router.Get("/health", srv.handleHealth)

	router.Route("/api", func(router chi.Router) {
		router.Get("/form", srv.handleForm)
		router.Post("/generate", srv.handleGenerate)
	})

	srv.router = router

	return srv
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.ReadTimeout,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	serveErr := make(chan error, 1)

	go func() {
		s.log.Info("HTTP server listening on %s", s.opts.Addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	s.log.Info("HTTP server stopped")

	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	err := indexTemplate.Execute(w, s.form)
	if err != nil {
		s.log.Error("Failed to render form: %v", err)
	}
}

func (s *Server) handleForm(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.form)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     statusHealthy,
		Device:     s.opts.Device,
		SampleRate: s.generator.SampleRate(),
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	err := r.ParseMultipartForm(multipartMemory)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit))

			return
		}

		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid form: %w", err))

		return
	}
	defer r.MultipartForm.RemoveAll()

	req, err := s.parseRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	reference, status, err := s.stageVoice(r)
	if err != nil {
		writeError(w, status, err)

		return
	}
	defer reference.Remove()

	if reference != nil {
		req.ReferenceAudioPath = reference.Path
	}

	result, err := s.generator.Generate(r.Context(), req)
	if err != nil {
		s.log.Error("Generation failed (request %s): %v", middleware.GetReqID(r.Context()), err)
		writeError(w, http.StatusInternalServerError, err)

		return
	}

	defer func() {
		releaseErr := result.Release()
		if releaseErr != nil {
			s.log.Warn("Failed to release result: %v", releaseErr)
		}
	}()

	s.streamResult(w, result)
}

func (s *Server) stageVoice(r *http.Request) (*speech.Reference, int, error) {
	file, header, err := r.FormFile(FieldVoice)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, http.StatusOK, nil
	}

	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("invalid voice upload: %w", err)
	}
	defer file.Close()

	reference, err := speech.StageReference(s.opts.UploadDir, file, header.Filename)
	if err != nil {
		if errors.Is(err, speech.ErrInvalidReference) {
			return nil, http.StatusBadRequest, err
		}

		return nil, http.StatusInternalServerError, err
	}

	return reference, http.StatusOK, nil
}

func (s *Server) streamResult(w http.ResponseWriter, result *speech.Result) {
	file, err := os.Open(result.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to open result: %w", err))

		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", contentTypeWAV)
	w.Header().Set("Content-Length", strconv.FormatInt(result.Size, 10))
	w.Header().Set("X-Sample-Rate", strconv.Itoa(result.SampleRate))
	w.WriteHeader(http.StatusOK)

	_, err = io.Copy(w, file)
	if err != nil {
		s.log.Warn("Failed to stream result %s: %v", result.Path, err)
	}
}

// parseRequest reads the form. Text is passed through as given, empty
// included; the model decides what an empty prompt produces.
func (s *Server) parseRequest(r *http.Request) (speech.Request, error) {
	exaggeration, err := parseSlider(r, FieldExaggeration, s.exaggeration)
	if err != nil {
		return speech.Request{}, err
	}

	cfgWeight, err := parseSlider(r, FieldCFGWeight, s.cfgWeight)
	if err != nil {
		return speech.Request{}, err
	}

	return speech.Request{Text: r.FormValue(FieldText), Exaggeration: exaggeration, CFGWeight: cfgWeight}, nil
}

// parseSlider reads a slider value. A missing field takes the slider default;
// anything unparsable or outside [Min, Max] is rejected.
func parseSlider(r *http.Request, name string, slider Slider) (float64, error) {
	raw := strings.TrimSpace(r.FormValue(name))
	if raw == "" {
		return slider.Default, nil
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%s %w: %q", name, ErrInvalidNumber, raw)
	}

	if value < slider.Min || value > slider.Max {
		return 0, fmt.Errorf("%s %v %w [%v, %v]", name, value, ErrOutOfRange, slider.Min, slider.Max)
	}

	return value, nil
}

// countRequests records every response status per route pattern.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil && routeCtx.RoutePattern() != "" {
			route = routeCtx.RoutePattern()
		}

		status := wrapped.Status()
		if status == 0 {
			status = http.StatusOK
		}

		metrics.ObserveRequest(route, status)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Detail: err.Error()})
}
