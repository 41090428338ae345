package analysis

import (
	"math/bits"
	"strings"
	"unicode"

	"github.com/go-dedup/simhash"

	"github.com/onnwee/meeting-tender/backend/store"
)

const (
	// KindTranscript marks search entries built from transcript windows.
	KindTranscript = "TRANSCRIPT"
	// WindowSegments is how many consecutive segments form one search window.
	WindowSegments = 5
	// NearDuplicateBits is the largest fingerprint distance treated as a repeat.
	NearDuplicateBits = 3
)

// wordShingles feeds lower-cased word bigrams to simhash. Single-word texts
// fall back to the word itself.
type wordShingles string

func (w wordShingles) GetFeatures() []simhash.Feature {
	words := strings.FieldsFunc(strings.ToLower(string(w)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
	if len(words) == 1 {
		return []simhash.Feature{simhash.NewFeature([]byte(words[0]))}
	}
	features := make([]simhash.Feature, 0, len(words))
	for i := 0; i+1 < len(words); i++ {
		features = append(features, simhash.NewFeature([]byte(words[i]+" "+words[i+1])))
	}
	return features
}

// Fingerprint is the 64-bit simhash of text.
func Fingerprint(text string) uint64 {
	return simhash.NewSimhash().GetSimhash(wordShingles(text))
}

// Distance is the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Windows groups consecutive segments into search windows of size segments,
// fingerprints each one and drops windows within NearDuplicateBits of one
// already kept. Embeddings are left for the caller.
func Windows(meetingID string, segs []store.TranscriptSegment, size int) []store.SearchEntry {
	if size <= 0 {
		size = WindowSegments
	}
	var out []store.SearchEntry
	for i := 0; i < len(segs); i += size {
		end := min(i+size, len(segs))
		text := strings.TrimSpace(SpeakerLines(segs[i:end]))
		if text == "" {
			continue
		}
		fp := Fingerprint(text)
		if nearDuplicate(out, fp) {
			continue
		}
		out = append(out, store.SearchEntry{
			MeetingID:   meetingID,
			Kind:        KindTranscript,
			Content:     text,
			Fingerprint: fp,
			StartTS:     segs[i].StartTS,
		})
	}
	return out
}

func nearDuplicate(kept []store.SearchEntry, fp uint64) bool {
	for _, e := range kept {
		if Distance(e.Fingerprint, fp) <= NearDuplicateBits {
			return true
		}
	}
	return false
}
