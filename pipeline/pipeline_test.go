package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/meeting-tender/backend/analysis"
	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/blob"
	"github.com/onnwee/meeting-tender/backend/config"
	"github.com/onnwee/meeting-tender/backend/hub"
	"github.com/onnwee/meeting-tender/backend/ingest"
	"github.com/onnwee/meeting-tender/backend/lifecycle"
	"github.com/onnwee/meeting-tender/backend/llm"
	"github.com/onnwee/meeting-tender/backend/queue"
	"github.com/onnwee/meeting-tender/backend/retry"
	"github.com/onnwee/meeting-tender/backend/store"
	"github.com/onnwee/meeting-tender/backend/testutil"
	"github.com/onnwee/meeting-tender/backend/whisper"
)

var fast = retry.Policy{Attempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Timeout: time.Second}

// statusCounter counts status writes reaching the store.
type statusCounter struct {
	*store.Memory
	writes atomic.Int32
}

func (s *statusCounter) UpdateStatus(ctx context.Context, id string, ch store.StatusChange) (bool, error) {
	s.writes.Add(1)
	return s.Memory.UpdateStatus(ctx, id, ch)
}

type env struct {
	store *statusCounter
	blobs *blob.FS
	lc    *lifecycle.Controller
	hub   *hub.Hub
	coord *Coordinator
}

type envOpts struct {
	llm llm.Completer
	stt whisper.Transcriber
}

func newEnv(t *testing.T, o envOpts) *env {
	t.Helper()
	if o.llm == nil {
		o.llm = llm.Mock{}
	}
	if o.stt == nil {
		o.stt = whisper.Mock{}
	}
	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultPipeline()
	for name, sc := range cfg.Stages {
		sc.Retry = fast
		cfg.Stages[name] = sc
	}
	cfg.Collaborator = fast

	s := &statusCounter{Memory: store.NewMemory()}
	h := hub.New(hub.Options{})
	lc := lifecycle.New(s, h)
	coord := New(Deps{
		Store:        s,
		Blobs:        blobs,
		Transcriber:  o.stt,
		Analyzer:     &analysis.Analyzer{LLM: o.llm, Embedder: llm.Mock{}, Model: "test-model"},
		Lifecycle:    lc,
		Committer:    lc.Committer(),
		Hub:          h,
		Config:       cfg,
		PollInterval: 10 * time.Millisecond,
	})
	return &env{store: s, blobs: blobs, lc: lc, hub: h, coord: coord}
}

func (e *env) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.coord.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.coord.Stop()
	})
}

func (e *env) addSegments(t *testing.T, meetingID string, lines ...string) {
	t.Helper()
	for i, l := range lines {
		seg := store.TranscriptSegment{MeetingID: meetingID, ChunkNumber: i, SpeakerLabel: "Ana", Content: l, StartTS: float64(i * 5), EndTS: float64(i*5 + 5), Confidence: 0.9}
		if err := e.store.ReplaceSegments(context.Background(), meetingID, i, []store.TranscriptSegment{seg}); err != nil {
			t.Fatal(err)
		}
	}
}

func (e *env) status(t *testing.T, id string) *store.Meeting {
	t.Helper()
	m, err := e.store.GetMeeting(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func searchEntries(t *testing.T, s store.Store, meetingID string) []store.SearchEntry {
	t.Helper()
	entries, err := s.SearchEntries(context.Background(), store.SearchQuery{MeetingID: meetingID})
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func job(t *testing.T, kind, meetingID string, payload any) *queue.Job {
	t.Helper()
	j, err := queue.NewJob(kind, meetingID, payload)
	if err != nil {
		t.Fatal(err)
	}
	j.ID = "job-1"
	j.EnqueuedAt = time.Now().UTC()
	return &j
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChunkSegments(t *testing.T) {
	chunk := store.AudioChunk{MeetingID: "m1", ChunkNumber: 3, StartTS: 10, EndTS: 15}
	tests := []struct {
		name string
		res  *whisper.Result
		want []store.TranscriptSegment
	}{
		{
			name: "no segments spans the chunk",
			res:  &whisper.Result{Text: " hello there ", Words: []whisper.Word{{Word: "hello", Probability: 0.5}, {Word: "there", Probability: 1.0}}},
			want: []store.TranscriptSegment{{MeetingID: "m1", ChunkNumber: 3, SpeakerLabel: UnknownSpeaker, Content: "hello there", StartTS: 10, EndTS: 15, Confidence: 0.75}},
		},
		{
			name: "segments are offset by chunk start",
			res: &whisper.Result{Segments: []whisper.Segment{
				{Text: "first", Start: 0, End: 2, Speaker: "Ben"},
				{Text: "  ", Start: 2, End: 3},
				{Text: "second", Start: 3, End: 4.5},
			}},
			want: []store.TranscriptSegment{
				{MeetingID: "m1", ChunkNumber: 3, SpeakerLabel: "Ben", Content: "first", StartTS: 10, EndTS: 12, Confidence: whisper.DefaultConfidence},
				{MeetingID: "m1", ChunkNumber: 3, SpeakerLabel: UnknownSpeaker, Content: "second", StartTS: 13, EndTS: 14.5, Confidence: whisper.DefaultConfidence},
			},
		},
		{
			name: "empty result",
			res:  &whisper.Result{Text: "   "},
			want: []store.TranscriptSegment{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ChunkSegments(chunk, tt.res)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d segments, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("segment %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestOutOfOrderChunksAssembleInTimestampOrder(t *testing.T) {
	e := newEnv(t, envOpts{})
	e.start(t)
	m := testutil.NewMeeting(t, e.store, store.StatusLive)
	in := ingest.New(e.store, e.blobs, e.coord, fast)

	chunks := []ingest.Chunk{
		{MeetingID: m.ID, Number: 2, StartTS: 10, EndTS: 15, Data: []byte("second")},
		{MeetingID: m.ID, Number: 1, StartTS: 0, EndTS: 5, Data: []byte("first")},
		{MeetingID: m.ID, Number: 3, StartTS: 15, EndTS: 20, Data: []byte("third")},
	}
	for _, c := range chunks {
		if out, err := in.Ingest(context.Background(), c); err != nil || out != ingest.Stored {
			t.Fatalf("ingest %d: %v %v", c.Number, out, err)
		}
	}

	var segs []store.TranscriptSegment
	eventually(t, "three segments", func() bool {
		segs, _ = e.store.Transcript(context.Background(), m.ID, store.Page{})
		return len(segs) == 3
	})
	var got []string
	for _, s := range segs {
		got = append(got, s.Content)
	}
	if strings.Join(got, ",") != "first,second,third" {
		t.Errorf("transcript order = %v", got)
	}
	for _, n := range []int{1, 2, 3} {
		eventually(t, fmt.Sprintf("chunk %d transcribed", n), func() bool {
			c, err := e.store.GetChunk(context.Background(), m.ID, n)
			return err == nil && c.Transcribed
		})
	}
}

type failingTranscriber struct{ calls atomic.Int32 }

func (f *failingTranscriber) Transcribe(ctx context.Context, audio []byte, lang string) (*whisper.Result, error) {
	f.calls.Add(1)
	return nil, fmt.Errorf("transcriber overloaded: %w", apperr.ErrTransientIO)
}

func TestTranscriptionExhaustionSkipsChunk(t *testing.T) {
	stt := &failingTranscriber{}
	e := newEnv(t, envOpts{stt: stt})
	m := testutil.NewMeeting(t, e.store, store.StatusLive)
	ref, err := e.blobs.Put(context.Background(), blob.ChunkKey(m.ID, 0), []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.InsertChunk(context.Background(), store.AudioChunk{MeetingID: m.ID, ChunkNumber: 0, EndTS: 5, AudioRef: ref}); err != nil {
		t.Fatal(err)
	}

	err = e.coord.handleTranscription(context.Background(), job(t, kindTranscribe, m.ID, transcribePayload{ChunkNumber: 0}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if stt.calls.Load() != int32(fast.Attempts) {
		t.Errorf("transcriber calls = %d", stt.calls.Load())
	}
	c, _ := e.store.GetChunk(context.Background(), m.ID, 0)
	if !c.Failed || c.Transcribed {
		t.Errorf("chunk = %+v, want failed", c)
	}
	if got := e.status(t, m.ID).Status; got != store.StatusLive {
		t.Errorf("meeting status = %s, a failed chunk must not escalate", got)
	}
}

func TestTranscriptionForDeletedMeetingIsDropped(t *testing.T) {
	e := newEnv(t, envOpts{})
	err := e.coord.handleTranscription(context.Background(), job(t, kindTranscribe, "missing", transcribePayload{ChunkNumber: 0}))
	if err != nil {
		t.Errorf("handler: %v", err)
	}
}

type countingCompleter struct {
	llm.Mock
	calls atomic.Int32
}

func (c *countingCompleter) Complete(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	c.calls.Add(1)
	return c.Mock.Complete(ctx, prompt, opts)
}

func TestPostProcessingIsIntervalGated(t *testing.T) {
	comp := &countingCompleter{}
	e := newEnv(t, envOpts{llm: comp})
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e.coord.SetClock(func() time.Time { return now })
	m := testutil.NewMeeting(t, e.store, store.StatusLive)
	e.addSegments(t, m.ID, "Ana will send the deck by Friday.", "Budget is approved.")

	sub := e.hub.Connect("watcher")
	if err := e.hub.Subscribe(m.ID, "watcher"); err != nil {
		t.Fatal(err)
	}

	run := func() {
		if err := e.coord.handlePostProcess(context.Background(), job(t, kindPostProcess, m.ID, nil)); err != nil {
			t.Fatalf("post-process: %v", err)
		}
	}
	run()
	if comp.calls.Load() != 2 {
		t.Fatalf("first run made %d model calls, want 2", comp.calls.Load())
	}
	sums, _ := e.store.ListSummaries(context.Background(), m.ID)
	if len(sums) != 1 || sums[0].Type != store.SummaryRealTime || len(sums[0].Content) > analysis.RealTimeMaxChars+3 {
		t.Errorf("summaries = %+v", sums)
	}
	kinds := map[hub.Kind]bool{}
	for len(sub.C) > 0 {
		kinds[(<-sub.C).Type] = true
	}
	if !kinds[hub.KindActionItem] || !kinds[hub.KindSummary] {
		t.Errorf("published kinds = %v", kinds)
	}

	now = now.Add(10 * time.Second)
	run()
	if comp.calls.Load() != 2 {
		t.Errorf("gated run called the model: %d calls", comp.calls.Load())
	}

	now = now.Add(25 * time.Second)
	run()
	if comp.calls.Load() != 4 {
		t.Errorf("run after interval made %d total calls, want 4", comp.calls.Load())
	}
}

func TestPostProcessingSkipsMeetingsThatAreNotLive(t *testing.T) {
	comp := &countingCompleter{}
	e := newEnv(t, envOpts{llm: comp})
	m := testutil.NewMeeting(t, e.store, store.StatusProcessing)
	e.addSegments(t, m.ID, "hello")
	if err := e.coord.handlePostProcess(context.Background(), job(t, kindPostProcess, m.ID, nil)); err != nil {
		t.Fatal(err)
	}
	if comp.calls.Load() != 0 {
		t.Errorf("model called %d times for a PROCESSING meeting", comp.calls.Load())
	}
}

func TestPostProcessingSwallowsModelFailures(t *testing.T) {
	e := newEnv(t, envOpts{llm: llm.Mock{Respond: func(string) (string, error) {
		return "", errors.New("model API error (HTTP 401): unauthorized")
	}}})
	m := testutil.NewMeeting(t, e.store, store.StatusLive)
	e.addSegments(t, m.ID, "hello")
	if err := e.coord.handlePostProcess(context.Background(), job(t, kindPostProcess, m.ID, nil)); err != nil {
		t.Errorf("post-process returned %v", err)
	}
	if got := e.status(t, m.ID).Status; got != store.StatusLive {
		t.Errorf("status = %s", got)
	}
}

func TestCompletionCommitsWhenEveryJobSucceeds(t *testing.T) {
	e := newEnv(t, envOpts{})
	m := testutil.NewMeeting(t, e.store, store.StatusProcessing)
	e.addSegments(t, m.ID, "Welcome everyone.", "Do we have budget?", "Yes we do.", "Ben books the load test.", "Thanks all.", "Bye.")

	if err := e.coord.handleCompletion(context.Background(), job(t, kindComplete, m.ID, nil)); err != nil {
		t.Fatalf("completion: %v", err)
	}
	if got := e.status(t, m.ID).Status; got != store.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got)
	}
	sums, _ := e.store.ListSummaries(context.Background(), m.ID)
	if len(sums) != 4 {
		t.Errorf("got %d summaries, want 4", len(sums))
	}
	a, err := e.store.GetAnalytics(context.Background(), m.ID)
	if err != nil || a.WordCount == 0 || a.QuestionCount != 1 {
		t.Errorf("analytics = %+v, %v", a, err)
	}
	if len(searchEntries(t, e.store, m.ID)) == 0 {
		t.Error("no search entries indexed")
	}
}

func TestCompletionFailingJobMovesMeetingToError(t *testing.T) {
	e := newEnv(t, envOpts{llm: llm.Mock{Respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "extract the main topics") {
			return "", errors.New("model API error (HTTP 400): context too long")
		}
		return llm.Mock{}.Complete(context.Background(), prompt, llm.Options{})
	}}})
	m := testutil.NewMeeting(t, e.store, store.StatusProcessing)
	e.addSegments(t, m.ID, "hello", "world")

	if err := e.coord.handleCompletion(context.Background(), job(t, kindComplete, m.ID, nil)); err != nil {
		t.Fatalf("completion: %v", err)
	}
	got := e.status(t, m.ID)
	if got.Status != store.StatusError || got.ErrorStage != CompletionStage(JobTopics) {
		t.Errorf("meeting = %s/%s, want ERROR/%s", got.Status, got.ErrorStage, CompletionStage(JobTopics))
	}
	// the jobs that succeeded keep their output
	if sums, _ := e.store.ListSummaries(context.Background(), m.ID); len(sums) != 4 {
		t.Errorf("got %d summaries, want 4", len(sums))
	}
	if _, err := e.store.GetAnalytics(context.Background(), m.ID); err != nil {
		t.Errorf("analytics: %v", err)
	}
	if len(searchEntries(t, e.store, m.ID)) == 0 {
		t.Error("no search entries indexed")
	}
	if topics, _ := e.store.ListTopics(context.Background(), m.ID); len(topics) != 0 {
		t.Errorf("failed job saved %d topics", len(topics))
	}
}

// blockingCompleter parks every call until its context ends.
type blockingCompleter struct{ started chan struct{} }

func (b *blockingCompleter) Complete(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return "", ctx.Err()
}

func TestCompletionDiscardedWhenMeetingDeleted(t *testing.T) {
	comp := &blockingCompleter{started: make(chan struct{}, 1)}
	e := newEnv(t, envOpts{llm: comp})
	m := testutil.NewMeeting(t, e.store, store.StatusProcessing)
	e.addSegments(t, m.ID, "hello")

	done := make(chan error, 1)
	go func() { done <- e.coord.handleCompletion(context.Background(), job(t, kindComplete, m.ID, nil)) }()

	select {
	case <-comp.started:
	case <-time.After(2 * time.Second):
		t.Fatal("completion never called the model")
	}
	if err := e.store.DeleteMeeting(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	e.lc.Forget(m.ID)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("completion returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completion did not stop after deletion")
	}
	if w := e.store.writes.Load(); w != 0 {
		t.Errorf("%d status writes after deletion", w)
	}
}

func TestCompletionInterruptedByShutdownIsRedelivered(t *testing.T) {
	comp := &blockingCompleter{started: make(chan struct{}, 1)}
	e := newEnv(t, envOpts{llm: comp})
	m := testutil.NewMeeting(t, e.store, store.StatusProcessing)
	e.addSegments(t, m.ID, "hello")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.coord.handleCompletion(ctx, job(t, kindComplete, m.ID, nil)) }()

	select {
	case <-comp.started:
	case <-time.After(2 * time.Second):
		t.Fatal("completion never called the model")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("completion returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completion did not stop on shutdown")
	}
	got := e.status(t, m.ID)
	if got.Status != store.StatusProcessing || got.ErrorStage != "" {
		t.Errorf("meeting = %s/%s after shutdown, want PROCESSING", got.Status, got.ErrorStage)
	}
	if w := e.store.writes.Load(); w != 0 {
		t.Errorf("%d status writes after shutdown", w)
	}
}

func TestProcessingEntryRunsCompletionOnce(t *testing.T) {
	e := newEnv(t, envOpts{})
	e.start(t)
	ctx := context.Background()
	m := testutil.NewMeeting(t, e.store, store.StatusScheduled)
	e.addSegments(t, m.ID, "hello", "world")

	if err := e.lc.RequestTransition(ctx, m.ID, store.StatusLive); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := e.lc.RequestTransition(ctx, m.ID, store.StatusProcessing); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, "COMPLETED", func() bool { return e.status(t, m.ID).Status == store.StatusCompleted })

	completionRuns := func() int64 {
		for _, st := range e.coord.Stats(ctx) {
			if st.Stage == config.StageCompletion {
				return st.Processed
			}
		}
		return -1
	}
	eventually(t, "completion ack", func() bool { return completionRuns() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := completionRuns(); n != 1 {
		t.Errorf("completion ran %d times", n)
	}
}

func TestDuplicateParticipantJoinKeepsLatest(t *testing.T) {
	e := newEnv(t, envOpts{})
	m := testutil.NewMeeting(t, e.store, store.StatusLive)
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(2 * time.Minute)

	for _, at := range []time.Time{first, second, first} {
		ev := Event{Kind: EventParticipantJoined, MeetingID: m.ID, ParticipantID: "u1", Name: "Ana", Role: "host", At: at}
		if err := e.coord.handleEvent(context.Background(), job(t, kindEvent, m.ID, ev)); err != nil {
			t.Fatalf("event: %v", err)
		}
	}
	ps, _ := e.store.ListParticipants(context.Background(), m.ID)
	if len(ps) != 1 {
		t.Fatalf("got %d participants, want 1", len(ps))
	}
	if !ps[0].JoinTime.Equal(second) {
		t.Errorf("join time = %v, want %v", ps[0].JoinTime, second)
	}

	left := Event{Kind: EventParticipantLeft, MeetingID: m.ID, ParticipantID: "u1", At: second.Add(time.Minute)}
	if err := e.coord.handleEvent(context.Background(), job(t, kindEvent, m.ID, left)); err != nil {
		t.Fatal(err)
	}
	ps, _ = e.store.ListParticipants(context.Background(), m.ID)
	if ps[0].LeaveTime == nil {
		t.Error("leave time not recorded")
	}
}

func TestLifecycleEvents(t *testing.T) {
	e := newEnv(t, envOpts{})
	m := testutil.NewMeeting(t, e.store, store.StatusScheduled)
	handle := func(kind EventKind) {
		t.Helper()
		if err := e.coord.handleEvent(context.Background(), job(t, kindEvent, m.ID, Event{Kind: kind, MeetingID: m.ID})); err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
	}

	handle(EventMeetingStarted)
	handle(EventMeetingStarted)
	if got := e.status(t, m.ID).Status; got != store.StatusLive {
		t.Fatalf("status = %s, want LIVE", got)
	}
	handle(EventMeetingEnded)
	if got := e.status(t, m.ID).Status; got != store.StatusProcessing {
		t.Fatalf("status = %s, want PROCESSING", got)
	}
	// a late start is absorbed
	handle(EventMeetingStarted)
	if got := e.status(t, m.ID).Status; got != store.StatusProcessing {
		t.Errorf("status = %s after late start", got)
	}
}

func TestRecordingReadyEvent(t *testing.T) {
	e := newEnv(t, envOpts{})
	m := testutil.NewMeeting(t, e.store, store.StatusLive)
	sub := e.hub.Connect("watcher")
	if err := e.hub.Subscribe(m.ID, "watcher"); err != nil {
		t.Fatal(err)
	}
	ev := Event{Kind: EventRecordingReady, MeetingID: m.ID, RecordingURL: "https://recordings.example/1.mp4"}
	if err := e.coord.handleEvent(context.Background(), job(t, kindEvent, m.ID, ev)); err != nil {
		t.Fatal(err)
	}
	if got := e.status(t, m.ID).RecordingURL; got != ev.RecordingURL {
		t.Errorf("recording url = %q", got)
	}
	select {
	case msg := <-sub.C:
		if msg.Type != hub.KindMeetingStatus {
			t.Errorf("published %s", msg.Type)
		}
	default:
		t.Error("nothing published")
	}
}

func TestEnqueueEventValidates(t *testing.T) {
	e := newEnv(t, envOpts{})
	tests := []Event{
		{Kind: EventParticipantJoined, MeetingID: "m1"},
		{Kind: EventRecordingReady, MeetingID: "m1"},
		{Kind: "party", MeetingID: "m1"},
		{Kind: EventMeetingStarted},
	}
	for _, ev := range tests {
		if err := e.coord.EnqueueEvent(context.Background(), ev); !apperr.IsValidation(err) {
			t.Errorf("EnqueueEvent(%+v) = %v, want validation error", ev, err)
		}
	}
}
