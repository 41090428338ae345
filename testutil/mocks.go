package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/blob"
	"github.com/onnwee/meeting-tender/backend/store"
)

// MockAIServer mocks an OpenAI-compatible API. Handlers are keyed by path.
type MockAIServer struct {
	*httptest.Server
	mu       sync.RWMutex
	Handlers map[string]http.HandlerFunc
}

// NewMockAIServer creates a server that answers 404 until handlers are added.
func NewMockAIServer(t *testing.T) *MockAIServer {
	t.Helper()
	m := &MockAIServer{Handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.RUnlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *MockAIServer) handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = h
	m.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockTranscription answers /audio/transcriptions with a single segment.
func (m *MockAIServer) MockTranscription(text string, probability float64) {
	m.handle("/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"text":     text,
			"words":    []map[string]any{{"word": text, "start": 0, "end": 1, "probability": probability}},
			"segments": []map[string]any{{"text": text, "start": 0, "end": 1}},
		})
	})
}

// MockCompletion answers /chat/completions with reply.
func (m *MockAIServer) MockCompletion(reply string) {
	m.handle("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": reply}}},
		})
	})
}

// MockEmbedding answers /embeddings with vec.
func (m *MockAIServer) MockEmbedding(vec []float64) {
	m.handle("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": []map[string]any{{"embedding": vec}}})
	})
}

// MockStatus makes path answer with a bare status code.
func (m *MockAIServer) MockStatus(path string, code int) {
	m.handle(path, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(code) })
}

// NewMeeting inserts a meeting in the given status and returns it.
func NewMeeting(t *testing.T, s store.Store, status store.Status) *store.Meeting {
	t.Helper()
	m := &store.Meeting{
		ID:         uuid.NewString(),
		ExternalID: "room-" + uuid.NewString()[:8],
		Title:      "Test meeting",
		Status:     status,
		Language:   "en",
		StartTime:  time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateMeeting(context.Background(), m); err != nil {
		t.Fatalf("create meeting: %v", err)
	}
	return m
}

// FlakyBlob wraps a blob.Store and fails the first FailPuts Put calls with a
// transient error.
type FlakyBlob struct {
	blob.Store
	FailPuts int32
	puts     atomic.Int32
}

func (f *FlakyBlob) Put(ctx context.Context, key string, data []byte) (string, error) {
	if n := f.puts.Add(1); n <= f.FailPuts {
		return "", fmt.Errorf("put attempt %d: %w", n, apperr.ErrTransientIO)
	}
	return f.Store.Put(ctx, key, data)
}

// Puts is the number of Put calls seen.
func (f *FlakyBlob) Puts() int { return int(f.puts.Load()) }
