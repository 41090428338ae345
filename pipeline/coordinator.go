// Package pipeline runs the four asynchronous stages behind a meeting:
// transcription of stored chunks, interval-gated interim analysis while the
// meeting is live, the completion barrier once it enters PROCESSING, and the
// participant and meeting events delivered by webhooks and bots.
//
// Each stage owns one queue and one fixed-size worker pool shared by every
// meeting. Jobs run under the lifecycle watch context of their meeting and
// drop their results once the meeting is deleted or errored.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/meeting-tender/backend/analysis"
	"github.com/onnwee/meeting-tender/backend/blob"
	"github.com/onnwee/meeting-tender/backend/config"
	"github.com/onnwee/meeting-tender/backend/hub"
	"github.com/onnwee/meeting-tender/backend/keyed"
	"github.com/onnwee/meeting-tender/backend/lifecycle"
	"github.com/onnwee/meeting-tender/backend/queue"
	"github.com/onnwee/meeting-tender/backend/retry"
	"github.com/onnwee/meeting-tender/backend/store"
	"github.com/onnwee/meeting-tender/backend/whisper"
	"github.com/onnwee/meeting-tender/backend/worker"
)

// Job kinds carried on the stage queues.
const (
	kindTranscribe  = "transcribe"
	kindPostProcess = "post_process"
	kindComplete    = "complete"
	kindEvent       = "event"
)

// Stages in the order Stats reports them.
var stages = []string{config.StageTranscription, config.StagePostProcessing, config.StageCompletion, config.StageEvents}

// Store is the slice of the repository the stages read and write.
type Store interface {
	GetMeeting(ctx context.Context, id string) (*store.Meeting, error)
	SetRecordingURL(ctx context.Context, id, url string) error

	GetChunk(ctx context.Context, meetingID string, n int) (*store.AudioChunk, error)
	ListChunks(ctx context.Context, meetingID string) ([]store.AudioChunk, error)
	MarkChunkTranscribed(ctx context.Context, meetingID string, n int, at time.Time) error
	MarkChunkFailed(ctx context.Context, c store.AudioChunk, reason string) error

	ReplaceSegments(ctx context.Context, meetingID string, chunk int, segs []store.TranscriptSegment) error
	Transcript(ctx context.Context, meetingID string, page store.Page) ([]store.TranscriptSegment, error)

	UpsertParticipantJoin(ctx context.Context, p store.Participant) error
	MarkParticipantLeft(ctx context.Context, meetingID, externalID string, at time.Time) error
	ListParticipants(ctx context.Context, meetingID string) ([]store.Participant, error)

	UpsertSummary(ctx context.Context, s store.Summary) error
	ReplaceActionItems(ctx context.Context, meetingID string, items []store.ActionItem) error
	ReplaceTopics(ctx context.Context, meetingID string, topics []store.Topic) error
	UpsertAnalytics(ctx context.Context, a store.Analytics) error
	ReplaceSearchEntries(ctx context.Context, meetingID string, entries []store.SearchEntry) error
}

// Lifecycle is the slice of the lifecycle controller the stages use.
type Lifecycle interface {
	RequestTransition(ctx context.Context, meetingID string, target store.Status) error
	Fail(ctx context.Context, meetingID, stage string) error
	Watch(ctx context.Context, meetingID string) (context.Context, context.CancelFunc)
	OnEnter(status store.Status, fn lifecycle.Hook)
}

// Committer moves a PROCESSING meeting to COMPLETED.
type Committer interface {
	Complete(ctx context.Context, meetingID string) error
}

// Publisher broadcasts realtime updates.
type Publisher interface {
	Publish(ctx context.Context, meetingID string, kind hub.Kind, payload any) int
}

// Deps wires a Coordinator. Queues missing from Queues get an in-memory queue.
type Deps struct {
	Store       Store
	Blobs       blob.Store
	Transcriber whisper.Transcriber
	Analyzer    *analysis.Analyzer
	Lifecycle   Lifecycle
	Committer   Committer
	Hub         Publisher
	Queues      map[string]queue.Queue
	Config      config.PipelineConfig
	// PollInterval bounds how long an idle worker waits on its queue.
	PollInterval time.Duration
}

type Coordinator struct {
	store     Store
	blobs     blob.Store
	stt       whisper.Transcriber
	analyzer  *analysis.Analyzer
	lc        Lifecycle
	committer Committer
	hub       Publisher
	cfg       config.PipelineConfig
	log       *slog.Logger
	now       func() time.Time

	queues map[string]queue.Queue
	pools  map[string]*worker.Pool

	// interim serialises interim-analysis writes against the PROCESSING hook
	interim keyed.Mutex
	lastRun sync.Map // meeting id -> time.Time of the last post-processing run
}

// New builds the stages and registers the completion trigger on entry into
// PROCESSING. Call Start to run the worker pools.
func New(d Deps) *Coordinator {
	if d.Config.Stages == nil {
		d.Config = config.DefaultPipeline()
	}
	c := &Coordinator{
		store:     d.Store,
		blobs:     d.Blobs,
		stt:       d.Transcriber,
		analyzer:  d.Analyzer,
		lc:        d.Lifecycle,
		committer: d.Committer,
		hub:       d.Hub,
		cfg:       d.Config,
		log:       slog.Default().With(slog.String("component", "pipeline")),
		now:       func() time.Time { return time.Now().UTC() },
		queues:    map[string]queue.Queue{},
		pools:     map[string]*worker.Pool{},
	}
	handlers := map[string]worker.Handler{
		config.StageTranscription:  c.handleTranscription,
		config.StagePostProcessing: c.handlePostProcess,
		config.StageCompletion:     c.handleCompletion,
		config.StageEvents:         c.handleEvent,
	}
	for _, name := range stages {
		q, ok := d.Queues[name]
		if !ok || q == nil {
			q = queue.NewMemory(queue.Config{Name: name})
		}
		c.queues[name] = q
		c.pools[name] = worker.NewPool(worker.Config{
			Name:         name,
			Count:        c.cfg.Stage(name).Workers,
			PollInterval: d.PollInterval,
		}, q, handlers[name])
	}
	c.lc.OnEnter(store.StatusProcessing, c.onProcessing)
	return c
}

// SetClock replaces the time source. Intended for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Start runs every stage's worker pool until Stop or ctx is done.
func (c *Coordinator) Start(ctx context.Context) {
	for _, name := range stages {
		c.pools[name].Start(ctx)
	}
	c.log.Info("pipeline started")
}

// Stop drains the worker pools and closes the queues.
func (c *Coordinator) Stop() {
	var wg sync.WaitGroup
	for _, name := range stages {
		wg.Add(1)
		go func(p *worker.Pool) {
			defer wg.Done()
			p.Stop()
		}(c.pools[name])
	}
	wg.Wait()
	for name, q := range c.queues {
		if err := q.Close(); err != nil {
			c.log.Warn("queue close failed", slog.String("stage", name), slog.Any("err", err))
		}
	}
	c.log.Info("pipeline stopped")
}

// Stats reports each stage's processed, failed and queued counts.
func (c *Coordinator) Stats(ctx context.Context) []worker.Stats {
	out := make([]worker.Stats, 0, len(stages))
	for _, name := range stages {
		out = append(out, c.pools[name].Stats(ctx))
	}
	return out
}

// Forget drops per-meeting bookkeeping. Called on deletion.
func (c *Coordinator) Forget(meetingID string) { c.lastRun.Delete(meetingID) }

// policy is the stage's collaborator budget, or the shared one when the stage
// sets none.
func (c *Coordinator) policy(stage string) retry.Policy {
	if p := c.cfg.Stage(stage).Retry; p.Attempts > 0 {
		return p
	}
	return c.cfg.Collaborator
}

func (c *Coordinator) enqueue(ctx context.Context, stage, kind, meetingID string, payload any) error {
	job, err := queue.NewJob(kind, meetingID, payload)
	if err != nil {
		return fmt.Errorf("%s job for %s: %w", kind, meetingID, err)
	}
	return c.queues[stage].Enqueue(ctx, job)
}

type transcribePayload struct {
	ChunkNumber int `json:"chunk_number"`
}

// EnqueueTranscription queues one stored chunk for transcription.
func (c *Coordinator) EnqueueTranscription(ctx context.Context, meetingID string, chunkNumber int) error {
	return c.enqueue(ctx, config.StageTranscription, kindTranscribe, meetingID, transcribePayload{ChunkNumber: chunkNumber})
}

// EnqueuePostProcess queues an interim analysis run. The run itself is gated.
func (c *Coordinator) EnqueuePostProcess(ctx context.Context, meetingID string) error {
	return c.enqueue(ctx, config.StagePostProcessing, kindPostProcess, meetingID, nil)
}

// EnqueueEvent queues a participant or meeting event.
func (c *Coordinator) EnqueueEvent(ctx context.Context, ev Event) error {
	if err := ev.validate(); err != nil {
		return err
	}
	return c.enqueue(ctx, config.StageEvents, kindEvent, ev.MeetingID, ev)
}

func (c *Coordinator) publish(ctx context.Context, meetingID string, kind hub.Kind, payload any) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(ctx, meetingID, kind, payload)
}
