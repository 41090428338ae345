package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/config"
	"github.com/onnwee/meeting-tender/backend/hub"
	"github.com/onnwee/meeting-tender/backend/lifecycle"
	"github.com/onnwee/meeting-tender/backend/queue"
	"github.com/onnwee/meeting-tender/backend/retry"
	"github.com/onnwee/meeting-tender/backend/store"
	"github.com/onnwee/meeting-tender/backend/telemetry"
	"github.com/onnwee/meeting-tender/backend/whisper"
)

// UnknownSpeaker labels segments the transcriber did not attribute.
const UnknownSpeaker = "Unknown Speaker"

// TranscriptUpdate is the transcript_update payload.
type TranscriptUpdate struct {
	ChunkNumber int                       `json:"chunk_number"`
	Segments    []store.TranscriptSegment `json:"segments"`
}

func (c *Coordinator) handleTranscription(ctx context.Context, job *queue.Job) error {
	var p transcribePayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("transcribe payload: %w: %w", apperr.ErrValidation, err)
	}
	ctx, span := telemetry.StageSpan(ctx, config.StageTranscription, job.MeetingID, telemetry.AttrChunk.Int(p.ChunkNumber))
	defer span.End()
	log := c.log.With(slog.String("stage", config.StageTranscription), slog.String("meeting_id", job.MeetingID), slog.Int("chunk", p.ChunkNumber))

	m, err := c.store.GetMeeting(ctx, job.MeetingID)
	if apperr.IsNotFound(err) {
		log.Debug("meeting gone; dropping chunk")
		return nil
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if m.Status == store.StatusError {
		return nil
	}
	chunk, err := c.store.GetChunk(ctx, job.MeetingID, p.ChunkNumber)
	if apperr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if chunk.Transcribed || chunk.Failed {
		return nil
	}

	wctx, cancel := c.lc.Watch(ctx, job.MeetingID)
	defer cancel()
	pol := c.policy(config.StageTranscription)

	audio, err := retry.Value(wctx, pol, "blob_get", func(ctx context.Context) ([]byte, error) {
		return c.blobs.Get(ctx, chunk.AudioRef)
	})
	if err != nil {
		return c.skipChunk(ctx, wctx, log, *chunk, "blob get: "+err.Error())
	}
	res, err := retry.Value(wctx, pol, "transcribe", func(ctx context.Context) (*whisper.Result, error) {
		return c.stt.Transcribe(ctx, audio, m.Language)
	})
	if err != nil {
		return c.skipChunk(ctx, wctx, log, *chunk, "transcribe: "+err.Error())
	}
	if lifecycle.Gone(wctx) {
		log.Debug("meeting gone; discarding transcription")
		return nil
	}

	segs := ChunkSegments(*chunk, res)
	if err := c.store.ReplaceSegments(ctx, job.MeetingID, chunk.ChunkNumber, segs); err != nil {
		if apperr.IsNotFound(err) {
			return nil
		}
		telemetry.RecordError(span, err)
		return err
	}
	if err := c.store.MarkChunkTranscribed(ctx, job.MeetingID, chunk.ChunkNumber, c.now()); err != nil && !apperr.IsNotFound(err) {
		telemetry.RecordError(span, err)
		return err
	}
	c.publish(ctx, job.MeetingID, hub.KindTranscript, TranscriptUpdate{ChunkNumber: chunk.ChunkNumber, Segments: segs})
	log.Debug("chunk transcribed", slog.Int("segments", len(segs)), slog.Float64("confidence", res.Confidence()))

	if err := c.EnqueuePostProcess(ctx, job.MeetingID); err != nil {
		log.Warn("could not queue post-processing", slog.Any("err", err))
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

// skipChunk marks a chunk whose collaborators gave up as failed. The meeting
// carries on without it.
func (c *Coordinator) skipChunk(ctx, wctx context.Context, log *slog.Logger, chunk store.AudioChunk, reason string) error {
	if lifecycle.Gone(wctx) {
		return nil
	}
	if ctx.Err() != nil {
		// job timeout or shutdown; let the queue redeliver
		return ctx.Err()
	}
	log.Warn("skipping chunk", slog.String("reason", reason))
	if err := c.store.MarkChunkFailed(context.WithoutCancel(ctx), chunk, reason); err != nil && !apperr.IsNotFound(err) {
		return err
	}
	return nil
}

// ChunkSegments turns a transcription result into segments on the meeting
// timeline. Segment offsets are relative to the chunk start. A result without
// segments becomes one segment spanning the chunk; an empty result yields none.
func ChunkSegments(chunk store.AudioChunk, res *whisper.Result) []store.TranscriptSegment {
	conf := res.Confidence()
	seg := func(speaker, text string, start, end float64) store.TranscriptSegment {
		if speaker == "" {
			speaker = UnknownSpeaker
		}
		if end < start {
			end = start
		}
		return store.TranscriptSegment{
			MeetingID:    chunk.MeetingID,
			ChunkNumber:  chunk.ChunkNumber,
			SpeakerLabel: speaker,
			Content:      text,
			StartTS:      start,
			EndTS:        end,
			Confidence:   conf,
		}
	}

	if len(res.Segments) == 0 {
		text := strings.TrimSpace(res.Text)
		if text == "" {
			return []store.TranscriptSegment{}
		}
		return []store.TranscriptSegment{seg("", text, chunk.StartTS, chunk.EndTS)}
	}
	out := make([]store.TranscriptSegment, 0, len(res.Segments))
	for _, s := range res.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		out = append(out, seg(s.Speaker, text, chunk.StartTS+s.Start, chunk.StartTS+s.End))
	}
	return out
}
