package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/meeting-tender/backend/analysis"
	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/config"
	"github.com/onnwee/meeting-tender/backend/hub"
	"github.com/onnwee/meeting-tender/backend/lifecycle"
	"github.com/onnwee/meeting-tender/backend/queue"
	"github.com/onnwee/meeting-tender/backend/store"
	"github.com/onnwee/meeting-tender/backend/telemetry"
)

// ActionItemUpdate is the action_item_update payload.
type ActionItemUpdate struct {
	Interim bool               `json:"interim"`
	Items   []store.ActionItem `json:"items"`
}

// SummaryUpdate is the summary_update payload.
type SummaryUpdate struct {
	Summary store.Summary `json:"summary"`
}

// claimRun reports whether an interim run may start now and records it.
func (c *Coordinator) claimRun(meetingID string, now time.Time) bool {
	interval := c.cfg.PostProcessInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		prev, loaded := c.lastRun.LoadOrStore(meetingID, now)
		if !loaded {
			return true
		}
		if now.Sub(prev.(time.Time)) < interval {
			return false
		}
		if c.lastRun.CompareAndSwap(meetingID, prev, now) {
			return true
		}
	}
}

// handlePostProcess runs interim action items and the rolling REAL_TIME
// summary for a live meeting. Every failure is logged and swallowed.
func (c *Coordinator) handlePostProcess(ctx context.Context, job *queue.Job) error {
	log := c.log.With(slog.String("stage", config.StagePostProcessing), slog.String("meeting_id", job.MeetingID))
	m, err := c.store.GetMeeting(ctx, job.MeetingID)
	if err != nil {
		if !apperr.IsNotFound(err) {
			log.Warn("post-processing skipped", slog.Any("err", err))
		}
		return nil
	}
	if m.Status != store.StatusLive {
		return nil
	}
	if !c.claimRun(job.MeetingID, c.now()) {
		log.Debug("post-processing gated")
		return nil
	}

	ctx, span := telemetry.StageSpan(ctx, config.StagePostProcessing, job.MeetingID)
	defer span.End()
	wctx, cancel := c.lc.Watch(ctx, job.MeetingID)
	defer cancel()

	segs, err := c.store.Transcript(wctx, job.MeetingID, store.Page{})
	if err != nil {
		log.Warn("post-processing transcript read failed", slog.Any("err", err))
		return nil
	}
	if len(segs) == 0 {
		return nil
	}
	participants, err := c.store.ListParticipants(wctx, job.MeetingID)
	if err != nil {
		log.Warn("post-processing participants read failed", slog.Any("err", err))
	}

	a := c.analyzerWith(config.StagePostProcessing)
	items, itemsErr := a.ActionItems(wctx, job.MeetingID, segs)
	if itemsErr != nil {
		log.Warn("interim action items failed", slog.Any("err", itemsErr))
	}
	sum, sumErr := a.Summary(wctx, job.MeetingID, store.SummaryRealTime, analysis.InfoFor(m, participants), segs)
	if sumErr != nil {
		log.Warn("real-time summary failed", slog.Any("err", sumErr))
	}
	if lifecycle.Gone(wctx) || (itemsErr != nil && sumErr != nil) {
		return nil
	}

	if !c.writeInterim(ctx, log, job.MeetingID, func(ctx context.Context) {
		if itemsErr == nil && items != nil {
			if err := c.store.ReplaceActionItems(ctx, job.MeetingID, items); err != nil {
				log.Warn("interim action items not saved", slog.Any("err", err))
			} else {
				c.publish(ctx, job.MeetingID, hub.KindActionItem, ActionItemUpdate{Interim: true, Items: items})
			}
		}
		if sumErr == nil {
			sum.UpdatedAt = c.now()
			if err := c.store.UpsertSummary(ctx, sum); err != nil {
				log.Warn("real-time summary not saved", slog.Any("err", err))
			} else {
				c.publish(ctx, job.MeetingID, hub.KindSummary, SummaryUpdate{Summary: sum})
			}
		}
	}) {
		log.Debug("meeting left LIVE; interim results dropped")
		return nil
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

// writeInterim runs write while the meeting is still LIVE. The PROCESSING
// hook takes the same lock before queueing completion, so interim writes
// never land on top of final results.
func (c *Coordinator) writeInterim(ctx context.Context, log *slog.Logger, meetingID string, write func(ctx context.Context)) bool {
	unlock := c.interim.Lock(meetingID)
	defer unlock()
	m, err := c.store.GetMeeting(ctx, meetingID)
	if err != nil {
		if !apperr.IsNotFound(err) {
			log.Warn("interim status check failed", slog.Any("err", err))
		}
		return false
	}
	if m.Status != store.StatusLive {
		return false
	}
	write(ctx)
	return true
}

// analyzerWith returns the analyzer bound to stage's retry budget.
func (c *Coordinator) analyzerWith(stage string) *analysis.Analyzer {
	a := *c.analyzer
	a.Retry = c.policy(stage)
	if a.Log == nil {
		a.Log = c.log.With(slog.String("stage", stage))
	}
	return &a
}
