// Package ingest persists incoming audio chunks: blob first, then the chunk
// record, then a transcription job. Chunks may arrive in any order. A chunk
// that cannot be stored is marked failed and never fails the meeting.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/blob"
	"github.com/onnwee/meeting-tender/backend/retry"
	"github.com/onnwee/meeting-tender/backend/store"
	"github.com/onnwee/meeting-tender/backend/telemetry"
)

// MaxChunkBytes bounds a single chunk upload.
const MaxChunkBytes = 25 << 20

type Chunk struct {
	MeetingID string  `json:"meeting_id"`
	Number    int     `json:"chunk_number"`
	StartTS   float64 `json:"start_ts"`
	EndTS     float64 `json:"end_ts"`
	Data      []byte  `json:"-"`
}

func (c Chunk) validate() error {
	switch {
	case c.MeetingID == "":
		return fmt.Errorf("chunk: missing meeting id: %w", apperr.ErrValidation)
	case c.Number < 0:
		return fmt.Errorf("chunk %d: negative chunk number: %w", c.Number, apperr.ErrValidation)
	case c.StartTS < 0 || c.EndTS < c.StartTS:
		return fmt.Errorf("chunk %d: bad time range [%v,%v): %w", c.Number, c.StartTS, c.EndTS, apperr.ErrValidation)
	case len(c.Data) == 0:
		return fmt.Errorf("chunk %d: empty audio: %w", c.Number, apperr.ErrValidation)
	case len(c.Data) > MaxChunkBytes:
		return fmt.Errorf("chunk %d: %d bytes exceeds limit: %w", c.Number, len(c.Data), apperr.ErrValidation)
	}
	return nil
}

// Outcome is the result of one Ingest call.
type Outcome int

const (
	Stored Outcome = iota
	Duplicate
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	default:
		return "failed"
	}
}

// Store is the slice of the repository the ingestor needs.
type Store interface {
	GetMeeting(ctx context.Context, id string) (*store.Meeting, error)
	GetChunk(ctx context.Context, meetingID string, n int) (*store.AudioChunk, error)
	InsertChunk(ctx context.Context, c store.AudioChunk) (bool, error)
	MarkChunkFailed(ctx context.Context, c store.AudioChunk, reason string) error
}

// Enqueuer hands a stored chunk to the transcription stage.
type Enqueuer interface {
	EnqueueTranscription(ctx context.Context, meetingID string, chunkNumber int) error
}

type Ingestor struct {
	store  Store
	blobs  blob.Store
	enq    Enqueuer
	policy retry.Policy
	log    *slog.Logger
}

func New(s Store, b blob.Store, e Enqueuer, p retry.Policy) *Ingestor {
	return &Ingestor{
		store:  s,
		blobs:  b,
		enq:    e,
		policy: p,
		log:    slog.Default().With(slog.String("component", "ingest")),
	}
}

// Ingest stores one chunk. Only validation and unknown-meeting errors are
// returned; storage exhaustion yields Failed with a nil error.
func (in *Ingestor) Ingest(ctx context.Context, c Chunk) (Outcome, error) {
	if err := c.validate(); err != nil {
		return Failed, err
	}
	m, err := in.store.GetMeeting(ctx, c.MeetingID)
	if err != nil {
		return Failed, err
	}
	if m.Status.Terminal() {
		return Failed, fmt.Errorf("meeting %s is %s: %w", m.ID, m.Status, apperr.ErrValidation)
	}
	if prev, err := in.store.GetChunk(ctx, c.MeetingID, c.Number); err == nil && !prev.Retryable() {
		telemetry.IncChunk(Duplicate.String())
		return Duplicate, nil
	}

	log := in.log.With(slog.String("meeting_id", c.MeetingID), slog.Int("chunk", c.Number))
	rec := store.AudioChunk{MeetingID: c.MeetingID, ChunkNumber: c.Number, StartTS: c.StartTS, EndTS: c.EndTS}

	ref, err := retry.Value(ctx, in.policy, "blob_put", func(ctx context.Context) (string, error) {
		return in.blobs.Put(ctx, blob.ChunkKey(c.MeetingID, c.Number), c.Data)
	})
	if err != nil {
		return in.fail(ctx, log, rec, "blob put: "+err.Error())
	}
	rec.AudioRef = ref

	inserted, err := retry.Value(ctx, in.policy, "chunk_insert", func(ctx context.Context) (bool, error) {
		return in.store.InsertChunk(ctx, rec)
	})
	if err != nil {
		in.discardBlob(ctx, log, ref)
		rec.AudioRef = ""
		return in.fail(ctx, log, rec, "chunk record: "+err.Error())
	}
	if !inserted {
		// lost a race with a concurrent delivery of the same chunk
		telemetry.IncChunk(Duplicate.String())
		return Duplicate, nil
	}

	err = retry.Do(ctx, in.policy, "enqueue_transcription", func(ctx context.Context) error {
		return in.enq.EnqueueTranscription(ctx, c.MeetingID, c.Number)
	})
	if err != nil {
		return in.fail(ctx, log, rec, "enqueue: "+err.Error())
	}

	telemetry.IncChunk(Stored.String())
	log.Debug("chunk stored", slog.String("ref", ref), slog.Int("bytes", len(c.Data)))
	return Stored, nil
}

func (in *Ingestor) fail(ctx context.Context, log *slog.Logger, rec store.AudioChunk, reason string) (Outcome, error) {
	log.Warn("chunk ingestion failed", slog.String("reason", reason))
	if err := in.store.MarkChunkFailed(context.WithoutCancel(ctx), rec, reason); err != nil {
		log.Error("mark chunk failed", slog.Any("err", err))
	}
	telemetry.IncChunk(Failed.String())
	return Failed, nil
}

func (in *Ingestor) discardBlob(ctx context.Context, log *slog.Logger, ref string) {
	if err := in.blobs.Delete(context.WithoutCancel(ctx), ref); err != nil {
		log.Warn("orphaned chunk blob", slog.String("ref", ref), slog.Any("err", err))
	}
}
