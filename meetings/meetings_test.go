package meetings

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/onnwee/meeting-tender/backend/analysis"
	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/blob"
	"github.com/onnwee/meeting-tender/backend/bot"
	"github.com/onnwee/meeting-tender/backend/config"
	"github.com/onnwee/meeting-tender/backend/hub"
	"github.com/onnwee/meeting-tender/backend/ingest"
	"github.com/onnwee/meeting-tender/backend/lifecycle"
	"github.com/onnwee/meeting-tender/backend/llm"
	"github.com/onnwee/meeting-tender/backend/pipeline"
	"github.com/onnwee/meeting-tender/backend/retry"
	"github.com/onnwee/meeting-tender/backend/store"
	"github.com/onnwee/meeting-tender/backend/whisper"
)

var fast = retry.Policy{Attempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Timeout: time.Second}

type fixture struct {
	svc   *Service
	store *store.Memory
	blobs *blob.FS
	bots  *bot.Registry
	pipe  *pipeline.Coordinator
	src   *bot.ScriptedSource
}

func newFixture(t *testing.T, src *bot.ScriptedSource, run bool) *fixture {
	t.Helper()
	s := store.NewMemory()
	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := hub.New(hub.Options{})
	lc := lifecycle.New(s, h)

	cfg := config.DefaultPipeline()
	for name, sc := range cfg.Stages {
		sc.Retry = fast
		cfg.Stages[name] = sc
	}
	cfg.Collaborator = fast
	analyzer := &analysis.Analyzer{LLM: llm.Mock{}, Embedder: llm.Mock{}, Model: "test-model", Retry: fast}
	pipe := pipeline.New(pipeline.Deps{
		Store:        s,
		Blobs:        blobs,
		Transcriber:  whisper.Mock{},
		Analyzer:     analyzer,
		Lifecycle:    lc,
		Committer:    lc.Committer(),
		Hub:          h,
		Config:       cfg,
		PollInterval: 10 * time.Millisecond,
	})
	in := ingest.New(s, blobs, pipe, fast)

	f := &fixture{store: s, blobs: blobs, pipe: pipe, src: src}
	var svc *Service
	f.bots = bot.NewRegistry(src, lc, bot.Handlers{
		Audio:             func(ctx context.Context, id string, e bot.AudioChunk) error { return svc.BotHandlers().Audio(ctx, id, e) },
		ParticipantJoined: func(ctx context.Context, id string, e bot.ParticipantJoined) error { return svc.BotHandlers().ParticipantJoined(ctx, id, e) },
		ParticipantLeft:   func(ctx context.Context, id string, e bot.ParticipantLeft) error { return svc.BotHandlers().ParticipantLeft(ctx, id, e) },
	}, fast)
	svc = New(s, lc, f.bots, in, pipe, blobs, analyzer)
	f.svc = svc

	ctx, cancel := context.WithCancel(context.Background())
	if run {
		pipe.Start(ctx)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = f.bots.Shutdown(sctx)
		cancel()
		if run {
			pipe.Stop()
		}
	})
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(t, &bot.ScriptedSource{HoldOpen: true}, false)
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, CreateInput{Title: "No room"}); !apperr.IsValidation(err) {
		t.Errorf("missing external id: %v", err)
	}
	m, err := f.svc.Create(ctx, CreateInput{ExternalID: " room-1 "})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusScheduled || m.ExternalID != "room-1" || m.Language != "en" || m.Title == "" {
		t.Errorf("created %+v", m)
	}
	if _, err := f.svc.Create(ctx, CreateInput{ExternalID: "room-1"}); !apperr.IsConflict(err) {
		t.Errorf("duplicate external id: %v", err)
	}
	got, err := f.svc.GetByExternalID(ctx, "room-1")
	if err != nil || got.ID != m.ID {
		t.Errorf("GetByExternalID = %v, %v", got, err)
	}
	if _, err := f.svc.List(ctx, "BOGUS", store.Page{}); !apperr.IsValidation(err) {
		t.Errorf("bad status filter: %v", err)
	}
}

func TestStartAndEnd(t *testing.T) {
	f := newFixture(t, &bot.ScriptedSource{HoldOpen: true}, false)
	ctx := context.Background()
	m, _ := f.svc.Create(ctx, CreateInput{ExternalID: "room-2"})

	if _, err := f.svc.End(ctx, m.ID); !apperr.IsInvalidTransition(err) {
		t.Errorf("end before start: %v", err)
	}
	live, err := f.svc.Start(ctx, m.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if live.Status != store.StatusLive {
		t.Errorf("status = %s", live.Status)
	}
	if _, ok := f.bots.Status(m.ID); !ok {
		t.Error("no bot session after start")
	}
	if _, err := f.svc.Start(ctx, m.ID); !apperr.IsInvalidTransition(err) {
		t.Errorf("second start: %v", err)
	}

	ended, err := f.svc.End(ctx, m.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.Status != store.StatusProcessing || ended.DurationSeconds == nil {
		t.Errorf("ended = %+v", ended)
	}
	if _, ok := f.bots.Status(m.ID); ok {
		t.Error("bot still attached after end")
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	f := newFixture(t, &bot.ScriptedSource{HoldOpen: true}, false)
	ctx := context.Background()
	m, _ := f.svc.Create(ctx, CreateInput{ExternalID: "room-3"})
	if _, err := f.svc.Start(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	out, err := f.svc.IngestAudio(ctx, ingest.Chunk{MeetingID: m.ID, Number: 0, EndTS: 5, Data: []byte("hello")})
	if err != nil || out != ingest.Stored {
		t.Fatalf("ingest: %v %v", out, err)
	}
	chunk, _ := f.store.GetChunk(ctx, m.ID, 0)

	if err := f.svc.Delete(ctx, m.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.svc.Get(ctx, m.ID); !apperr.IsNotFound(err) {
		t.Errorf("Get after delete: %v", err)
	}
	if _, ok := f.bots.Status(m.ID); ok {
		t.Error("bot still attached after delete")
	}
	if _, err := f.blobs.Get(ctx, chunk.AudioRef); err == nil {
		t.Error("chunk blob survived delete")
	}
	if err := f.svc.Delete(ctx, m.ID); !apperr.IsNotFound(err) {
		t.Errorf("second delete: %v", err)
	}
}

func indexed(t *testing.T, meetingID string, lines ...string) []store.SearchEntry {
	t.Helper()
	out := make([]store.SearchEntry, 0, len(lines))
	for i, l := range lines {
		vec, err := llm.Mock{}.Embed(context.Background(), l)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, store.SearchEntry{MeetingID: meetingID, Kind: "segment", Content: l, Embedding: vec, StartTS: float64(i * 5)})
	}
	return out
}

func TestSearch(t *testing.T) {
	f := newFixture(t, &bot.ScriptedSource{HoldOpen: true}, false)
	ctx := context.Background()
	a, _ := f.svc.Create(ctx, CreateInput{ExternalID: "room-a"})
	b, _ := f.svc.Create(ctx, CreateInput{ExternalID: "room-b"})
	if err := f.store.ReplaceSearchEntries(ctx, a.ID, indexed(t, a.ID, "budget approved", "lunch options")); err != nil {
		t.Fatal(err)
	}
	if err := f.store.ReplaceSearchEntries(ctx, b.ID, indexed(t, b.ID, "budget review next quarter")); err != nil {
		t.Fatal(err)
	}

	hits, err := f.svc.Search(ctx, a.ID, "budget approved", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 || hits[0].Content != "budget approved" || hits[0].Match != analysis.MatchSemantic {
		t.Fatalf("hits = %+v", hits)
	}
	for _, h := range hits {
		if h.MeetingID != a.ID {
			t.Errorf("hit from meeting %s leaked into scoped search", h.MeetingID)
		}
	}

	all, err := f.svc.Search(ctx, "", "budget", 1)
	if err != nil {
		t.Fatalf("Search all: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("limit ignored: %d hits", len(all))
	}

	if _, err := f.svc.Search(ctx, a.ID, "   ", 0); !apperr.IsValidation(err) {
		t.Errorf("blank query: %v", err)
	}
	if _, err := f.svc.Search(ctx, "missing", "budget", 0); !apperr.IsNotFound(err) {
		t.Errorf("unknown meeting: %v", err)
	}
}

func TestSchedulerStartsDueAutoJoinMeetings(t *testing.T) {
	src := &bot.ScriptedSource{HoldOpen: true}
	f := newFixture(t, src, false)
	ctx := context.Background()
	now := time.Now().UTC()

	due, _ := f.svc.Create(ctx, CreateInput{ExternalID: "due", StartTime: now.Add(2 * time.Minute), AutoJoin: true})
	late, _ := f.svc.Create(ctx, CreateInput{ExternalID: "late", StartTime: now.Add(-4 * time.Minute), AutoJoin: true})
	future, _ := f.svc.Create(ctx, CreateInput{ExternalID: "future", StartTime: now.Add(10 * time.Minute), AutoJoin: true})
	manual, _ := f.svc.Create(ctx, CreateInput{ExternalID: "manual", StartTime: now.Add(time.Minute)})

	if n := f.svc.startDue(ctx, slog.Default(), now, 5*time.Minute); n != 2 {
		t.Errorf("started %d meetings, want 2", n)
	}
	for _, c := range []struct {
		m    *store.Meeting
		want store.Status
	}{{due, store.StatusLive}, {late, store.StatusLive}, {future, store.StatusScheduled}, {manual, store.StatusScheduled}} {
		got, _ := f.svc.Get(ctx, c.m.ID)
		if got.Status != c.want {
			t.Errorf("%s: status %s, want %s", c.m.ExternalID, got.Status, c.want)
		}
	}
	if n := f.svc.startDue(ctx, slog.Default(), now, 5*time.Minute); n != 0 {
		t.Errorf("second pass started %d", n)
	}
}

func TestScriptedMeetingRunsToCompletion(t *testing.T) {
	f := newFixture(t, &bot.ScriptedSource{Script: bot.DemoScript(3)}, true)
	ctx := context.Background()
	m, _ := f.svc.Create(ctx, CreateInput{ExternalID: "demo", Title: "Launch review"})
	if _, err := f.svc.Start(ctx, m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "COMPLETED", func() bool {
		got, err := f.svc.Get(ctx, m.ID)
		return err == nil && got.Status == store.StatusCompleted
	})
	sums, _ := f.svc.Summaries(ctx, m.ID)
	if len(sums) < 4 {
		t.Errorf("got %d summaries", len(sums))
	}
	if _, err := f.svc.Analytics(ctx, m.ID); err != nil {
		t.Errorf("analytics: %v", err)
	}
}
