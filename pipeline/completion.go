package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/meeting-tender/backend/analysis"
	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/config"
	"github.com/onnwee/meeting-tender/backend/lifecycle"
	"github.com/onnwee/meeting-tender/backend/queue"
	"github.com/onnwee/meeting-tender/backend/retry"
	"github.com/onnwee/meeting-tender/backend/store"
	"github.com/onnwee/meeting-tender/backend/telemetry"
)

// Completion job names; a failing job moves the meeting to ERROR with stage
// "completion:<name>".
const (
	JobSummaryExecutive    = "summary_executive"
	JobSummaryDetailed     = "summary_detailed"
	JobSummaryActionItems  = "summary_action_items"
	JobSummaryKeyDecisions = "summary_key_decisions"
	JobActionItems         = "action_items"
	JobTopics              = "topics"
	JobAnalytics           = "analytics"
	JobSearch              = "search"
)

// Completion waits up to drainTimeout for chunks still being transcribed.
const (
	drainTimeout = 30 * time.Second
	drainPoll    = 200 * time.Millisecond
)

// CompletionStage is the error stage recorded for a failed completion job.
func CompletionStage(job string) string { return "completion:" + job }

var finalSummaries = []struct {
	job string
	typ store.SummaryType
}{
	{JobSummaryExecutive, store.SummaryExecutive},
	{JobSummaryDetailed, store.SummaryDetailed},
	{JobSummaryActionItems, store.SummaryActionItems},
	{JobSummaryKeyDecisions, store.SummaryKeyDecisions},
}

// input is the frozen view of a meeting every completion job reads.
type input struct {
	meeting  *store.Meeting
	info     analysis.MeetingInfo
	segs     []store.TranscriptSegment
	duration float64
}

// completionJob computes one result and saves it. Jobs are independent; a
// failing job leaves the results of the others in place.
type completionJob struct {
	name string
	run  func(ctx context.Context, in input) error
}

func (c *Coordinator) completionJobs(a *analysis.Analyzer) []completionJob {
	jobs := make([]completionJob, 0, 8)
	for _, fs := range finalSummaries {
		jobs = append(jobs, completionJob{name: fs.job, run: func(ctx context.Context, in input) error {
			sum, err := a.Summary(ctx, in.meeting.ID, fs.typ, in.info, in.segs)
			if err != nil {
				return err
			}
			sum.UpdatedAt = c.now()
			return c.save(ctx, "save_summary", func(ctx context.Context) error { return c.store.UpsertSummary(ctx, sum) })
		}})
	}
	return append(jobs,
		completionJob{name: JobActionItems, run: func(ctx context.Context, in input) error {
			items, err := a.ActionItems(ctx, in.meeting.ID, in.segs)
			if err != nil {
				return err
			}
			return c.save(ctx, "save_action_items", func(ctx context.Context) error {
				return c.store.ReplaceActionItems(ctx, in.meeting.ID, items)
			})
		}},
		completionJob{name: JobTopics, run: func(ctx context.Context, in input) error {
			topics, err := a.Topics(ctx, in.meeting.ID, in.segs, in.duration)
			if err != nil {
				return err
			}
			return c.save(ctx, "save_topics", func(ctx context.Context) error {
				return c.store.ReplaceTopics(ctx, in.meeting.ID, topics)
			})
		}},
		completionJob{name: JobAnalytics, run: func(ctx context.Context, in input) error {
			stats := analysis.ComputeAnalytics(in.meeting.ID, in.segs, in.duration, c.now())
			return c.save(ctx, "save_analytics", func(ctx context.Context) error { return c.store.UpsertAnalytics(ctx, stats) })
		}},
		completionJob{name: JobSearch, run: func(ctx context.Context, in input) error {
			entries, err := a.SearchIndex(ctx, in.meeting.ID, in.segs)
			if err != nil {
				return err
			}
			return c.save(ctx, "save_search", func(ctx context.Context) error {
				return c.store.ReplaceSearchEntries(ctx, in.meeting.ID, entries)
			})
		}},
	)
}

// save retries one store write under the completion stage policy.
func (c *Coordinator) save(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := retry.Do(ctx, c.policy(config.StageCompletion), op, fn); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// onProcessing queues the completion job. It runs once per meeting because
// the controller only fires hooks for applied transitions.
func (c *Coordinator) onProcessing(ctx context.Context, m store.Meeting) {
	unlock := c.interim.Lock(m.ID)
	defer unlock()
	c.lastRun.Delete(m.ID)
	err := c.enqueue(context.WithoutCancel(ctx), config.StageCompletion, kindComplete, m.ID, nil)
	if err == nil {
		return
	}
	c.log.Error("could not queue completion", slog.String("meeting_id", m.ID), slog.Any("err", err))
	if ferr := c.lc.Fail(context.WithoutCancel(ctx), m.ID, CompletionStage("enqueue")); ferr != nil {
		c.log.Error("could not fail meeting", slog.String("meeting_id", m.ID), slog.Any("err", ferr))
	}
}

// handleCompletion freezes the transcript and runs every completion job to the
// end behind a barrier. Each job saves its own output, so a failure leaves the
// others' results in place. COMPLETED is committed only when every job
// succeeded; otherwise the first failing job names the ERROR stage. A meeting
// deleted or errored meanwhile gets no status write, and an interrupted run is
// returned to the queue.
func (c *Coordinator) handleCompletion(ctx context.Context, job *queue.Job) error {
	id := job.MeetingID
	log := c.log.With(slog.String("stage", config.StageCompletion), slog.String("meeting_id", id))
	ctx, span := telemetry.StageSpan(ctx, config.StageCompletion, id)
	defer span.End()

	wctx, cancel := c.lc.Watch(ctx, id)
	defer cancel()
	if lifecycle.Gone(wctx) {
		telemetry.IncBarrier("discarded")
		return nil
	}
	m, err := c.store.GetMeeting(wctx, id)
	if apperr.IsNotFound(err) {
		telemetry.IncBarrier("discarded")
		return nil
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if m.Status != store.StatusProcessing {
		log.Debug("completion already settled", slog.String("status", string(m.Status)))
		return nil
	}

	c.drain(wctx, log, id)
	in, err := c.freeze(wctx, m)
	if err != nil {
		if lifecycle.Gone(wctx) {
			telemetry.IncBarrier("discarded")
			return nil
		}
		telemetry.RecordError(span, err)
		return err
	}

	jobs := c.completionJobs(c.analyzerWith(config.StageCompletion))
	errs := make([]error, len(jobs))
	var g errgroup.Group
	for i, j := range jobs {
		g.Go(func() error {
			if err := j.run(wctx, in); err != nil {
				errs[i] = apperr.Stage(CompletionStage(j.name), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if lifecycle.Gone(wctx) {
		log.Info("meeting gone during completion; results discarded")
		telemetry.IncBarrier("discarded")
		return nil
	}
	if err := ctx.Err(); err != nil {
		// job timeout or shutdown; the queue redelivers and the jobs rerun
		log.Info("completion interrupted", slog.Any("err", err))
		return err
	}

	var failed []string
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		failed = append(failed, apperr.StageOf(err))
	}
	if first != nil {
		stage := apperr.StageOf(first)
		log.Warn("completion jobs failed",
			slog.String("failed_stage", stage),
			slog.Any("failed_jobs", failed),
			slog.Int("succeeded", len(jobs)-len(failed)),
			slog.Any("err", first))
		telemetry.RecordError(span, first)
		telemetry.IncBarrier("failed")
		return c.failCompletion(ctx, id, stage)
	}

	if err := c.committer.Complete(context.WithoutCancel(ctx), id); err != nil {
		if apperr.IsNotFound(err) {
			telemetry.IncBarrier("discarded")
			return nil
		}
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.IncBarrier("completed")
	telemetry.SetSpanSuccess(span)
	log.Info("meeting completed", slog.Int("segments", len(in.segs)), slog.Int("jobs", len(jobs)))
	return nil
}

func (c *Coordinator) failCompletion(ctx context.Context, meetingID, stage string) error {
	if err := c.lc.Fail(context.WithoutCancel(ctx), meetingID, stage); err != nil {
		return fmt.Errorf("fail meeting %s at %s: %w", meetingID, stage, err)
	}
	return nil
}

// drain waits until every stored chunk is transcribed or failed, or until
// drainTimeout. Chunks still pending afterwards are left out of the results.
func (c *Coordinator) drain(ctx context.Context, log *slog.Logger, meetingID string) {
	deadline := time.Now().Add(drainTimeout)
	for {
		chunks, err := c.store.ListChunks(ctx, meetingID)
		if err != nil {
			log.Warn("could not check pending chunks", slog.Any("err", err))
			return
		}
		pending := 0
		for _, ch := range chunks {
			if !ch.Transcribed && !ch.Failed {
				pending++
			}
		}
		if pending == 0 {
			return
		}
		if time.Now().After(deadline) {
			log.Warn("completing with untranscribed chunks", slog.Int("pending", pending))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(drainPoll):
		}
	}
}

// freeze reads the transcript and participants once; every job sees the same
// snapshot ordered by start time.
func (c *Coordinator) freeze(ctx context.Context, m *store.Meeting) (input, error) {
	segs, err := c.store.Transcript(ctx, m.ID, store.Page{})
	if err != nil {
		return input{}, fmt.Errorf("freeze transcript: %w", err)
	}
	segs = append([]store.TranscriptSegment(nil), segs...)
	store.SortSegments(segs)
	participants, err := c.store.ListParticipants(ctx, m.ID)
	if err != nil {
		return input{}, fmt.Errorf("freeze participants: %w", err)
	}
	var duration float64
	if m.DurationSeconds != nil {
		duration = float64(*m.DurationSeconds)
	}
	return input{meeting: m, info: analysis.InfoFor(m, participants), segs: segs, duration: duration}, nil
}
