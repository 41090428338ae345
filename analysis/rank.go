package analysis

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/onnwee/meeting-tender/backend/retry"
	"github.com/onnwee/meeting-tender/backend/store"
)

// Match modes reported on search hits.
const (
	MatchSemantic = "semantic"
	MatchText     = "text"
)

// MinSimilarity is the lowest cosine similarity returned as a semantic hit.
const MinSimilarity = 0.2

// SearchHit is one ranked search entry.
type SearchHit struct {
	store.SearchEntry
	Score float64 `json:"score"`
	Match string  `json:"match"`
}

// Cosine is the cosine similarity of a and b, or 0 when the lengths differ or
// either vector is zero.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func terms(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// TextScore is the share of query terms found in content.
func TextScore(query, content string) float64 {
	q := terms(query)
	if len(q) == 0 {
		return 0
	}
	have := map[string]bool{}
	for _, w := range terms(content) {
		have[w] = true
	}
	found := 0
	for _, w := range q {
		if have[w] {
			found++
		}
	}
	return float64(found) / float64(len(q))
}

// Rank orders entries against query and returns at most limit hits. Entries are
// compared by embedding when queryVec is set and the entry carries a vector of
// the same size; all others fall back to term matching.
func Rank(query string, queryVec []float64, entries []store.SearchEntry, limit int) []SearchHit {
	hits := make([]SearchHit, 0, len(entries))
	for _, e := range entries {
		if len(queryVec) > 0 && len(e.Embedding) == len(queryVec) {
			if s := Cosine(queryVec, e.Embedding); s >= MinSimilarity {
				hits = append(hits, SearchHit{SearchEntry: e, Score: s, Match: MatchSemantic})
			}
			continue
		}
		if s := TextScore(query, e.Content); s > 0 {
			hits = append(hits, SearchHit{SearchEntry: e, Score: s, Match: MatchText})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Search embeds query and ranks entries. When the embedder is missing or gives
// up, ranking falls back to term matching.
func (a *Analyzer) Search(ctx context.Context, query string, entries []store.SearchEntry, limit int) []SearchHit {
	var vec []float64
	if a.Embedder != nil {
		v, err := retry.Value(ctx, a.Retry, "embed_query", func(ctx context.Context) ([]float64, error) {
			return a.Embedder.Embed(ctx, query)
		})
		if err != nil {
			a.log().Warn("query embedding failed, using text match", slog.Any("err", err))
		}
		vec = v
	}
	return Rank(query, vec, entries, limit)
}
