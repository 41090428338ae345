package whisper

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/meeting-tender/backend/apperr"
)

func TestConfidence(t *testing.T) {
	tests := []struct {
		name  string
		words []Word
		want  float64
	}{
		{"no words", nil, 0.8},
		{"mean", []Word{{Probability: 0.9}, {Probability: 0.7}}, 0.8},
		{"missing probability counts as default", []Word{{Probability: 1}, {}}, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Result{Words: tt.words}
			if got := r.Confidence(); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Confidence() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("language") != "de" || r.FormValue("model") != "whisper-1" {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Result{
			Text:     "hallo welt",
			Language: "de",
			Words:    []Word{{Word: "hallo", Probability: 0.95}, {Word: "welt", Probability: 0.85}},
			Segments: []Segment{{Text: "hallo welt", Start: 0, End: 1.2}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/", "k", "whisper-1")
	res, err := c.Transcribe(context.Background(), []byte("RIFF...."), "de")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hallo welt" || len(res.Segments) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if math.Abs(res.Confidence()-0.9) > 1e-9 {
		t.Errorf("confidence = %v, want 0.9", res.Confidence())
	}
}

func TestClientErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()
			_, err := NewClient(srv.URL, "", "whisper-1").Transcribe(context.Background(), []byte("x"), "")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperr.IsRetryable(err); got != tt.retryable {
				t.Errorf("retryable = %v, want %v (err %v)", got, tt.retryable, err)
			}
		})
	}
}

func TestClientRejectsEmptyAudio(t *testing.T) {
	_, err := NewClient("http://unused", "", "m").Transcribe(context.Background(), nil, "en")
	if !apperr.IsValidation(err) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestMock(t *testing.T) {
	res, err := Mock{}.Transcribe(context.Background(), []byte("  let's ship it  "), "en")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "let's ship it" || len(res.Words) != 3 {
		t.Errorf("unexpected mock result %+v", res)
	}
	res, _ = Mock{}.Transcribe(context.Background(), []byte{0xff, 0xfe, 0x00}, "en")
	if res.Text != "[3 bytes of audio]" {
		t.Errorf("binary mock text = %q", res.Text)
	}
}
