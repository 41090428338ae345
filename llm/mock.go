package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// MockDimensions is the length of vectors returned by Mock.Embed.
const MockDimensions = 32

// Mock answers without a network. Prompts that ask for a JSON array get an
// empty array; anything else gets the first transcript lines echoed back as
// key points. Respond, when set, overrides both.
type Mock struct {
	Respond func(prompt string) (string, error)
}

func (m Mock) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Respond != nil {
		return m.Respond(prompt)
	}
	if strings.Contains(prompt, "JSON array") {
		return "[]", nil
	}

	var lines []string
	if i := strings.Index(prompt, "Transcript:"); i >= 0 {
		for _, l := range strings.Split(prompt[i+len("Transcript:"):], "\n") {
			if l = strings.TrimSpace(l); l != "" {
				lines = append(lines, l)
			}
			if len(lines) == 3 {
				break
			}
		}
	}
	var b strings.Builder
	b.WriteString("Meeting discussion summary.\n\nKey Points:\n")
	if len(lines) == 0 {
		b.WriteString("- No discussion recorded\n")
	}
	for _, l := range lines {
		b.WriteString("- " + l + "\n")
	}
	return b.String(), nil
}

// Embed hashes each lower-cased word into one of MockDimensions buckets and
// returns the L2-normalised counts.
func (Mock) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float64, MockDimensions)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%MockDimensions]++
	}
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range v {
			v[i] /= norm
		}
	}
	return v, nil
}
