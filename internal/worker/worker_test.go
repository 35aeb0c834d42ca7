// Package worker_test tests the NATS worker for the voice-clone-service.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-clone-service/internal/speech"
	"github.com/book-expert/voice-clone-service/internal/tts/audio"
	"github.com/book-expert/voice-clone-service/internal/worker"
)

const testSubject = "text.processed.test"

var errMockGenerate = errors.New("mock generate error")

// mockObjectStore is an in-memory ObjectStore.
type mockObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMockObjectStore(objects map[string][]byte) *mockObjectStore {
	return &mockObjectStore{objects: objects}
}

func (m *mockObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}

	return data, nil
}

func (m *mockObjectStore) Upload(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = data

	return nil
}

func (m *mockObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)

	return nil
}

func (m *mockObjectStore) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]

	return data, ok
}

// mockGenerator writes a fixed payload and records requests.
type mockGenerator struct {
	mu          sync.Mutex
	dir         string
	fail        bool
	requests    []speech.Request
	referenceOK []bool
	results     []*speech.Result
}

func (m *mockGenerator) Generate(_ context.Context, req speech.Request) (*speech.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	referenceOK := false
	if req.ReferenceAudioPath != "" {
		_, err := os.Stat(req.ReferenceAudioPath)
		referenceOK = err == nil
	}

	m.referenceOK = append(m.referenceOK, referenceOK)

	if m.fail {
		return nil, errMockGenerate
	}

	path := filepath.Join(m.dir, uuid.NewString()+".wav")
	if err := os.WriteFile(path, []byte("sample audio"), 0o600); err != nil {
		return nil, err
	}

	result := &speech.Result{Path: path, SampleRate: 24000, Size: 12}
	m.results = append(m.results, result)

	return result, nil
}

func (m *mockGenerator) snapshot() ([]speech.Request, []bool, []*speech.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]speech.Request(nil), m.requests...),
		append([]bool(nil), m.referenceOK...),
		append([]*speech.Result(nil), m.results...)
}

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	return natsConnection
}

func voiceClip(t *testing.T) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "voice.wav")
	wave := &audio.Waveform{Samples: make([]float32, 16000), SampleRate: 16000}

	for i := range wave.Samples {
		wave.Samples[i] = 0.25
	}

	require.NoError(t, audio.WriteFile(path, wave, audio.NewDefaultQuality()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return data
}

type harness struct {
	store     *mockObjectStore
	generator *mockGenerator
	conn      *nats.Conn
	refDir    string
}

func startWorker(t *testing.T, objects map[string][]byte, fail bool) *harness {
	t.Helper()

	natsConnection := createTestNatsClient(t)

	testLogger, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = testLogger.Close() })

	h := &harness{
		store:     newMockObjectStore(objects),
		generator: &mockGenerator{dir: t.TempDir(), fail: fail},
		conn:      natsConnection,
		refDir:    t.TempDir(),
	}

	workerInstance, err := worker.NewNatsWorker(natsConnection, h.store, h.generator, testLogger, worker.Options{
		Subject:      testSubject,
		ReferenceDir: h.refDir,
		Exaggeration: 0.0,
		CFGWeight:    0.3,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errChan, "worker.Run should not error on graceful shutdown")
	})

	// The worker shares the connection, so its subscription shows up here.
	require.Eventually(t, func() bool {
		return natsConnection.NumSubscriptions() > 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, natsConnection.Flush())

	return h
}

func newEvent(textKey, voice string) *events.TextProcessedEvent {
	return &events.TextProcessedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: uuid.NewString(),
			EventID:    uuid.NewString(),
		},
		TextKey:     textKey,
		PageNumber:  3,
		TotalPages:  10,
		Voice:       voice,
		Temperature: 0.7,
		TopP:        0.9,
	}
}

func request(t *testing.T, conn *nats.Conn, event *events.TextProcessedEvent, timeout time.Duration) (*nats.Msg, error) {
	t.Helper()

	eventData, err := json.Marshal(event)
	require.NoError(t, err)

	return conn.Request(testSubject, eventData, timeout)
}

func TestMessageHandler_Success(t *testing.T) {
	t.Parallel()

	h := startWorker(t, map[string][]byte{
		"page-3.txt":  []byte("It was a dark and stormy night."),
		"speaker.wav": voiceClip(t),
	}, false)

	event := newEvent("page-3.txt", "speaker.wav")

	replyMsg, err := request(t, h.conn, event, 5*time.Second)
	require.NoError(t, err, "Request should succeed and receive a reply")

	var replyEvent events.AudioChunkCreatedEvent
	require.NoError(t, json.Unmarshal(replyMsg.Data, &replyEvent))

	assert.Equal(t, event.Header.WorkflowID, replyEvent.Header.WorkflowID)
	assert.EqualValues(t, 3, replyEvent.PageNumber)
	assert.EqualValues(t, 10, replyEvent.TotalPages)

	uploaded, ok := h.store.get(replyEvent.AudioKey)
	require.True(t, ok, "audio should be uploaded under the reply key")
	assert.Equal(t, []byte("sample audio"), uploaded)

	requests, referenceOK, results := h.generator.snapshot()
	require.Len(t, requests, 1)
	assert.Equal(t, "It was a dark and stormy night.", requests[0].Text)
	assert.Zero(t, requests[0].Exaggeration)
	assert.InDelta(t, 0.3, requests[0].CFGWeight, 1e-12)
	assert.InDelta(t, 0.7, requests[0].Temperature, 1e-12)
	assert.True(t, referenceOK[0], "voice clip must be staged during generation")

	assert.NoFileExists(t, results[0].Path, "result file is released after upload")

	entries, err := os.ReadDir(h.refDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged voice clip is removed")
}

func TestMessageHandler_NoReplyOnFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		objects map[string][]byte
		event   *events.TextProcessedEvent
		fail    bool
	}{
		{name: "missing text", objects: map[string][]byte{}, event: newEvent("missing.txt", "")},
		{name: "missing voice", objects: map[string][]byte{"t": []byte("hi")}, event: newEvent("t", "nobody.wav")},
		{name: "bad top_p", objects: map[string][]byte{"t": []byte("hi")}, event: func() *events.TextProcessedEvent {
			event := newEvent("t", "")
			event.TopP = 1.5

			return event
		}()},
		{name: "generation fails", objects: map[string][]byte{"t": []byte("hi")}, event: newEvent("t", ""), fail: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			h := startWorker(t, testCase.objects, testCase.fail)

			_, err := request(t, h.conn, testCase.event, 300*time.Millisecond)
			require.ErrorIs(t, err, nats.ErrTimeout)
		})
	}
}

func TestNewNatsWorker_Validation(t *testing.T) {
	t.Parallel()

	natsConnection := createTestNatsClient(t)

	testLogger, err := logger.New(t.TempDir(), "worker-validation.log")
	require.NoError(t, err)

	defer testLogger.Close()

	store := newMockObjectStore(map[string][]byte{})
	generator := &mockGenerator{dir: t.TempDir()}

	_, err = worker.NewNatsWorker(nil, store, generator, testLogger, worker.Options{Subject: testSubject})
	require.ErrorIs(t, err, worker.ErrMissingDependency)

	_, err = worker.NewNatsWorker(natsConnection, store, generator, testLogger, worker.Options{})
	require.ErrorIs(t, err, worker.ErrSubjectEmpty)

	_, err = worker.NewNatsWorker(natsConnection, store, generator, testLogger,
		worker.Options{Subject: testSubject, Exaggeration: 3.5})
	require.ErrorIs(t, err, worker.ErrExaggerationRange)

	_, err = worker.NewNatsWorker(natsConnection, store, generator, testLogger,
		worker.Options{Subject: testSubject, CFGWeight: 1.5})
	require.ErrorIs(t, err, worker.ErrCFGWeightRange)
}
