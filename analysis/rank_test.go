package analysis

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/onnwee/meeting-tender/backend/llm"
	"github.com/onnwee/meeting-tender/backend/store"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 1}, []float64{-1, -1}, -1},
		{"length mismatch", []float64{1, 2}, []float64{1, 2, 3}, 0},
		{"zero vector", []float64{0, 0}, []float64{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTextScore(t *testing.T) {
	if got := TextScore("Budget approved", "Ana: the budget is approved."); got != 1 {
		t.Errorf("full match = %v", got)
	}
	if got := TextScore("budget deadline", "the budget is approved"); got != 0.5 {
		t.Errorf("half match = %v", got)
	}
	if got := TextScore("   ", "anything"); got != 0 {
		t.Errorf("empty query = %v", got)
	}
}

func indexed(t *testing.T, contents ...string) []store.SearchEntry {
	t.Helper()
	var out []store.SearchEntry
	for i, c := range contents {
		emb, err := llm.Mock{}.Embed(context.Background(), c)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, store.SearchEntry{MeetingID: "m1", Kind: KindTranscript, Content: c, Embedding: emb, StartTS: float64(i * 30)})
	}
	return out
}

func TestAnalyzerSearchRanksByEmbedding(t *testing.T) {
	a := &Analyzer{Embedder: llm.Mock{}, Retry: fast}
	entries := indexed(t, "Ben: lunch is at noon", "Ana: the budget is approved")

	hits := a.Search(context.Background(), "budget approved", entries, 10)
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0].Content != entries[1].Content || hits[0].Match != MatchSemantic {
		t.Errorf("top hit = %+v", hits[0])
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Errorf("hits not ordered by score: %+v", hits)
		}
	}
}

type brokenEmbedder struct{}

func (brokenEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return nil, errors.New("embedding API error (HTTP 401): unauthorized")
}

func TestAnalyzerSearchFallsBackToText(t *testing.T) {
	a := &Analyzer{Embedder: brokenEmbedder{}, Retry: fast}
	entries := indexed(t, "Ben: lunch is at noon", "Ana: the budget is approved", "Cy: budget review next week")

	hits := a.Search(context.Background(), "budget approved", entries, 10)
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2: %+v", len(hits), hits)
	}
	if hits[0].Content != entries[1].Content || hits[0].Score != 1 || hits[0].Match != MatchText {
		t.Errorf("top hit = %+v", hits[0])
	}
}

func TestRankLimitAndMissingEmbeddings(t *testing.T) {
	entries := []store.SearchEntry{
		{Content: "deploy on friday"},
		{Content: "deploy the beta"},
		{Content: "deploy rollback plan"},
	}
	vec, _ := llm.Mock{}.Embed(context.Background(), "deploy")
	hits := Rank("deploy", vec, entries, 2)
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	for _, h := range hits {
		if h.Match != MatchText {
			t.Errorf("entry without embedding matched as %s", h.Match)
		}
	}
}
