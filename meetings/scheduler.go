package meetings

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/meeting-tender/backend/apperr"
)

// RunScheduler starts auto-join meetings whose start time is within window of
// now, checking every interval until ctx is done. The first pass runs
// immediately.
func (s *Service) RunScheduler(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	log := s.log.With(slog.String("component", "scheduler"))
	log.Info("meeting scheduler starting", slog.Duration("interval", interval), slog.Duration("window", window))
	s.startDue(ctx, log, time.Now().UTC(), window)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("meeting scheduler stopped")
			return
		case <-ticker.C:
			s.startDue(ctx, log, time.Now().UTC(), window)
		}
	}
}

// startDue joins every due meeting and returns how many were started.
func (s *Service) startDue(ctx context.Context, log *slog.Logger, now time.Time, window time.Duration) int {
	due, err := s.store.ListDueMeetings(ctx, now.Add(-window), now.Add(window))
	if err != nil {
		log.Warn("list due meetings", slog.Any("err", err))
		return 0
	}
	started := 0
	for _, m := range due {
		if ctx.Err() != nil {
			return started
		}
		if _, err := s.Start(ctx, m.ID); err != nil {
			if apperr.IsInvalidTransition(err) {
				// started by someone else since the listing
				continue
			}
			log.Warn("auto-join failed", slog.String("meeting_id", m.ID), slog.Any("err", err))
			continue
		}
		started++
		log.Info("auto-joined meeting", slog.String("meeting_id", m.ID), slog.Time("start_time", m.StartTime))
	}
	return started
}
