package analysis

import (
	"math"
	"strings"
	"time"

	"github.com/onnwee/meeting-tender/backend/store"
)

// TranscriptSpan is the seconds between the earliest start and latest end.
func TranscriptSpan(segs []store.TranscriptSegment) float64 {
	if len(segs) == 0 {
		return 0
	}
	lo, hi := segs[0].StartTS, segs[0].EndTS
	for _, s := range segs[1:] {
		lo = math.Min(lo, s.StartTS)
		hi = math.Max(hi, s.EndTS)
	}
	return math.Max(0, hi-lo)
}

// ComputeAnalytics derives talk metrics from the transcript. When
// durationSeconds is not positive the transcript span is used instead.
func ComputeAnalytics(meetingID string, segs []store.TranscriptSegment, durationSeconds float64, now time.Time) store.Analytics {
	text := PlainText(segs)
	a := store.Analytics{
		MeetingID:     meetingID,
		WordCount:     len(strings.Fields(text)),
		QuestionCount: strings.Count(text, "?"),
		SpeakerShare:  map[string]float64{},
		ComputedAt:    now,
	}
	if durationSeconds <= 0 {
		durationSeconds = TranscriptSpan(segs)
	}
	if durationSeconds > 0 {
		a.PaceWPM = float64(a.WordCount) / (durationSeconds / 60)
	}
	a.Engagement = math.Min(1, float64(a.QuestionCount)/10)
	a.Energy = math.Min(1, a.PaceWPM/200)

	// talk time per speaker, falling back to word counts when segments carry no duration
	talk := map[string]float64{}
	var total float64
	for _, s := range segs {
		d := math.Max(0, s.EndTS-s.StartTS)
		talk[s.SpeakerLabel] += d
		total += d
	}
	if total == 0 {
		for _, s := range segs {
			n := float64(len(strings.Fields(s.Content)))
			talk[s.SpeakerLabel] += n
			total += n
		}
	}
	if total > 0 {
		for sp, v := range talk {
			a.SpeakerShare[sp] = v / total
		}
	}
	return a
}
