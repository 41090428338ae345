package analysis

import (
	"context"
	"log/slog"

	"github.com/onnwee/meeting-tender/backend/llm"
	"github.com/onnwee/meeting-tender/backend/retry"
	"github.com/onnwee/meeting-tender/backend/store"
)

// NoTranscript is the content of a summary generated over an empty transcript.
const NoTranscript = "No transcript was captured for this meeting."

// Analyzer runs the model-backed analyses. Every collaborator call goes
// through retry.Value with Retry.
type Analyzer struct {
	LLM      llm.Completer
	Embedder llm.Embedder
	Model    string
	Retry    retry.Policy
	Log      *slog.Logger
}

func (a *Analyzer) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

func (a *Analyzer) complete(ctx context.Context, op, prompt string, opts llm.Options) (string, error) {
	if opts.Model == "" {
		opts.Model = a.Model
	}
	return retry.Value(ctx, a.Retry, op, func(ctx context.Context) (string, error) {
		return a.LLM.Complete(ctx, prompt, opts)
	})
}

// Summary generates one summary of type t.
func (a *Analyzer) Summary(ctx context.Context, meetingID string, t store.SummaryType, info MeetingInfo, segs []store.TranscriptSegment) (store.Summary, error) {
	if len(segs) == 0 {
		return store.Summary{MeetingID: meetingID, Type: t, Content: NoTranscript, KeyPoints: []string{}, Model: a.Model}, nil
	}
	prompt, opts, err := SummaryPrompt(t, info, SpeakerLines(segs))
	if err != nil {
		return store.Summary{}, err
	}
	resp, err := a.complete(ctx, "summary_"+string(t), prompt, opts)
	if err != nil {
		return store.Summary{}, err
	}
	return ParseSummary(meetingID, t, a.Model, resp), nil
}

// ActionItems extracts action items. A malformed model reply is logged and
// yields no items.
func (a *Analyzer) ActionItems(ctx context.Context, meetingID string, segs []store.TranscriptSegment) ([]store.ActionItem, error) {
	if len(segs) == 0 {
		return nil, nil
	}
	resp, err := a.complete(ctx, "action_items", ActionItemsPrompt(TimestampedLines(segs)), llm.Options{Temperature: 0.2})
	if err != nil {
		return nil, err
	}
	items, err := ParseActionItems(meetingID, resp)
	if err != nil {
		a.log().Warn("discarding unparseable action items", slog.String("meeting_id", meetingID), slog.Any("err", err))
		return nil, nil
	}
	return items, nil
}

// Topics extracts discussion topics. A malformed model reply is logged and
// yields no topics.
func (a *Analyzer) Topics(ctx context.Context, meetingID string, segs []store.TranscriptSegment, durationSeconds float64) ([]store.Topic, error) {
	if len(segs) == 0 {
		return nil, nil
	}
	resp, err := a.complete(ctx, "topics", TopicsPrompt(PlainText(segs)), llm.Options{Temperature: 0.3})
	if err != nil {
		return nil, err
	}
	if durationSeconds <= 0 {
		durationSeconds = TranscriptSpan(segs)
	}
	topics, err := ParseTopics(meetingID, resp, durationSeconds)
	if err != nil {
		a.log().Warn("discarding unparseable topics", slog.String("meeting_id", meetingID), slog.Any("err", err))
		return nil, nil
	}
	return topics, nil
}

// SearchIndex builds the de-duplicated transcript windows and embeds each.
func (a *Analyzer) SearchIndex(ctx context.Context, meetingID string, segs []store.TranscriptSegment) ([]store.SearchEntry, error) {
	entries := Windows(meetingID, segs, WindowSegments)
	for i := range entries {
		emb, err := retry.Value(ctx, a.Retry, "embed", func(ctx context.Context) ([]float64, error) {
			return a.Embedder.Embed(ctx, entries[i].Content)
		})
		if err != nil {
			return nil, err
		}
		entries[i].Embedding = emb
	}
	return entries, nil
}
