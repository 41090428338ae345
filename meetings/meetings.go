// Package meetings is the application service behind the HTTP surface. It
// creates and queries meetings and turns user actions (start, end, delete,
// direct chunk upload) into calls on the lifecycle controller, the bot
// registry, the ingestor and the pipeline.
package meetings

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/meeting-tender/backend/analysis"
	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/blob"
	"github.com/onnwee/meeting-tender/backend/bot"
	"github.com/onnwee/meeting-tender/backend/ingest"
	"github.com/onnwee/meeting-tender/backend/lifecycle"
	"github.com/onnwee/meeting-tender/backend/pipeline"
	"github.com/onnwee/meeting-tender/backend/store"
)

// Lifecycle is the slice of the lifecycle controller the service drives.
type Lifecycle interface {
	RequestTransition(ctx context.Context, meetingID string, target store.Status) error
	Forget(meetingID string)
	OnEnter(status store.Status, fn lifecycle.Hook)
}

// Bots attaches and detaches meeting bots.
type Bots interface {
	Join(ctx context.Context, meetingID string, cfg bot.SessionConfig) (*bot.Session, error)
	Leave(ctx context.Context, meetingID string) error
}

// Ingestor stores audio chunks.
type Ingestor interface {
	Ingest(ctx context.Context, c ingest.Chunk) (ingest.Outcome, error)
}

// Pipeline accepts events and drops per-meeting state on deletion.
type Pipeline interface {
	EnqueueEvent(ctx context.Context, ev pipeline.Event) error
	Forget(meetingID string)
}

// Searcher ranks indexed transcript passages against a query.
type Searcher interface {
	Search(ctx context.Context, query string, entries []store.SearchEntry, limit int) []analysis.SearchHit
}

// leaveTimeout bounds how long a status hook waits for a bot to detach.
const leaveTimeout = 10 * time.Second

type Service struct {
	store    store.Store
	lc       Lifecycle
	bots     Bots
	ingestor Ingestor
	pipe     Pipeline
	blobs    blob.Store
	search   Searcher
	log      *slog.Logger
}

// New builds the service and makes every entry into PROCESSING detach the
// meeting's bot, whichever source caused it.
func New(s store.Store, lc Lifecycle, bots Bots, in Ingestor, p Pipeline, b blob.Store, sr Searcher) *Service {
	svc := &Service{
		store:    s,
		lc:       lc,
		bots:     bots,
		ingestor: in,
		pipe:     p,
		blobs:    b,
		search:   sr,
		log:      slog.Default().With(slog.String("component", "meetings")),
	}
	lc.OnEnter(store.StatusProcessing, svc.detachBot)
	return svc
}

func (s *Service) detachBot(ctx context.Context, m store.Meeting) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
	defer cancel()
	if err := s.bots.Leave(ctx, m.ID); err != nil {
		s.log.Warn("bot leave failed", slog.String("meeting_id", m.ID), slog.Any("err", err))
	}
}

// CreateInput is the payload for Create.
type CreateInput struct {
	ExternalID     string    `json:"external_id"`
	Title          string    `json:"title"`
	StartTime      time.Time `json:"start_time"`
	AutoJoin       bool      `json:"auto_join"`
	BotCredentials string    `json:"bot_credentials"`
	Language       string    `json:"language"`
}

// Create stores a new SCHEDULED meeting.
func (s *Service) Create(ctx context.Context, in CreateInput) (*store.Meeting, error) {
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	in.Title = strings.TrimSpace(in.Title)
	if in.ExternalID == "" {
		return nil, fmt.Errorf("external_id is required: %w", apperr.ErrValidation)
	}
	if in.Title == "" {
		in.Title = "Meeting " + in.ExternalID
	}
	if in.StartTime.IsZero() {
		in.StartTime = time.Now()
	}
	if in.Language == "" {
		in.Language = "en"
	}
	m := &store.Meeting{
		ID:             uuid.NewString(),
		ExternalID:     in.ExternalID,
		Title:          in.Title,
		Status:         store.StatusScheduled,
		Language:       in.Language,
		StartTime:      in.StartTime.UTC(),
		AutoJoin:       in.AutoJoin,
		BotCredentials: in.BotCredentials,
	}
	if err := s.store.CreateMeeting(ctx, m); err != nil {
		return nil, err
	}
	s.log.Info("meeting created", slog.String("meeting_id", m.ID), slog.String("external_id", m.ExternalID), slog.Bool("auto_join", m.AutoJoin))
	return m, nil
}

func (s *Service) Get(ctx context.Context, id string) (*store.Meeting, error) {
	return s.store.GetMeeting(ctx, id)
}

// GetByExternalID resolves a conferencing room id.
func (s *Service) GetByExternalID(ctx context.Context, externalID string) (*store.Meeting, error) {
	return s.store.GetMeetingByExternalID(ctx, externalID)
}

// List returns one page of meetings, optionally filtered by status.
func (s *Service) List(ctx context.Context, status store.Status, page store.Page) ([]store.Meeting, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("status %q: %w", status, apperr.ErrValidation)
	}
	return s.store.ListMeetings(ctx, status, page)
}

// Start attaches the bot to a SCHEDULED meeting, which moves it to LIVE.
func (s *Service) Start(ctx context.Context, id string) (*store.Meeting, error) {
	m, err := s.store.GetMeeting(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != store.StatusScheduled {
		return nil, fmt.Errorf("meeting %s is %s, start needs SCHEDULED: %w", id, m.Status, apperr.ErrInvalidTransition)
	}
	if _, err := s.bots.Join(ctx, id, bot.SessionConfig{ExternalID: m.ExternalID, Credentials: m.BotCredentials, Language: m.Language}); err != nil {
		return nil, err
	}
	return s.store.GetMeeting(ctx, id)
}

// End moves a LIVE meeting to PROCESSING; the bot is detached by the status hook.
func (s *Service) End(ctx context.Context, id string) (*store.Meeting, error) {
	m, err := s.store.GetMeeting(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != store.StatusLive {
		return nil, fmt.Errorf("meeting %s is %s, end needs LIVE: %w", id, m.Status, apperr.ErrInvalidTransition)
	}
	if err := s.lc.RequestTransition(ctx, id, store.StatusProcessing); err != nil {
		return nil, err
	}
	return s.store.GetMeeting(ctx, id)
}

// Delete removes a meeting in any state: the bot leaves, rows go, in-flight
// pipeline jobs are cancelled and the audio blobs are removed.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.store.GetMeeting(ctx, id); err != nil {
		return err
	}
	chunks, err := s.store.ListChunks(ctx, id)
	if err != nil {
		return err
	}
	if err := s.bots.Leave(ctx, id); err != nil {
		s.log.Warn("bot leave failed during delete", slog.String("meeting_id", id), slog.Any("err", err))
	}
	if err := s.store.DeleteMeeting(ctx, id); err != nil {
		return err
	}
	s.lc.Forget(id)
	s.pipe.Forget(id)

	bctx := context.WithoutCancel(ctx)
	removed := 0
	for _, c := range chunks {
		if c.AudioRef == "" {
			continue
		}
		if err := s.blobs.Delete(bctx, c.AudioRef); err != nil {
			s.log.Warn("chunk blob not removed", slog.String("meeting_id", id), slog.String("ref", c.AudioRef), slog.Any("err", err))
			continue
		}
		removed++
	}
	s.log.Info("meeting deleted", slog.String("meeting_id", id), slog.Int("blobs_removed", removed))
	return nil
}

// Transcript returns one page of the meeting's transcript in start-time order.
func (s *Service) Transcript(ctx context.Context, id string, page store.Page) ([]store.TranscriptSegment, error) {
	if _, err := s.store.GetMeeting(ctx, id); err != nil {
		return nil, err
	}
	if page.Limit == 0 {
		page.Limit = 100
	}
	return s.store.Transcript(ctx, id, page)
}

func (s *Service) Summaries(ctx context.Context, id string) ([]store.Summary, error) {
	if _, err := s.store.GetMeeting(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListSummaries(ctx, id)
}

func (s *Service) ActionItems(ctx context.Context, id string) ([]store.ActionItem, error) {
	if _, err := s.store.GetMeeting(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListActionItems(ctx, id)
}

func (s *Service) Topics(ctx context.Context, id string) ([]store.Topic, error) {
	if _, err := s.store.GetMeeting(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTopics(ctx, id)
}

func (s *Service) Participants(ctx context.Context, id string) ([]store.Participant, error) {
	if _, err := s.store.GetMeeting(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListParticipants(ctx, id)
}

// Analytics returns the computed analytics; ErrNotFound until completion ran.
func (s *Service) Analytics(ctx context.Context, id string) (*store.Analytics, error) {
	if _, err := s.store.GetMeeting(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetAnalytics(ctx, id)
}

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// Search ranks indexed passages against query, within one meeting when
// meetingID is set and across every meeting otherwise.
func (s *Service) Search(ctx context.Context, meetingID, query string, limit int) ([]analysis.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required: %w", apperr.ErrValidation)
	}
	switch {
	case limit <= 0:
		limit = defaultSearchLimit
	case limit > maxSearchLimit:
		limit = maxSearchLimit
	}
	entries, err := s.store.SearchEntries(ctx, store.SearchQuery{MeetingID: meetingID})
	if err != nil {
		return nil, err
	}
	return s.search.Search(ctx, query, entries, limit), nil
}

// IngestAudio stores a chunk uploaded directly through the API.
func (s *Service) IngestAudio(ctx context.Context, c ingest.Chunk) (ingest.Outcome, error) {
	return s.ingestor.Ingest(ctx, c)
}

// Event queues a participant or meeting event for the pipeline.
func (s *Service) Event(ctx context.Context, ev pipeline.Event) error {
	return s.pipe.EnqueueEvent(ctx, ev)
}

// BotHandlers routes bot transport events: audio into the ingestor and
// presence into the events stage. Ended needs nothing here; the registry
// requests PROCESSING itself.
func (s *Service) BotHandlers() bot.Handlers {
	return bot.Handlers{
		Audio: func(ctx context.Context, meetingID string, e bot.AudioChunk) error {
			out, err := s.ingestor.Ingest(ctx, ingest.Chunk{
				MeetingID: meetingID,
				Number:    e.Index,
				StartTS:   e.Timestamp,
				EndTS:     e.Timestamp + e.DurationSec,
				Data:      e.Data,
			})
			if err != nil {
				return err
			}
			if out == ingest.Failed {
				return fmt.Errorf("chunk %d not stored: %w", e.Index, apperr.ErrStageFailure)
			}
			return nil
		},
		ParticipantJoined: func(ctx context.Context, meetingID string, e bot.ParticipantJoined) error {
			return s.pipe.EnqueueEvent(ctx, pipeline.Event{
				Kind: pipeline.EventParticipantJoined, MeetingID: meetingID,
				ParticipantID: e.ID, Name: e.Name, Role: e.Role, At: e.At,
			})
		},
		ParticipantLeft: func(ctx context.Context, meetingID string, e bot.ParticipantLeft) error {
			return s.pipe.EnqueueEvent(ctx, pipeline.Event{
				Kind: pipeline.EventParticipantLeft, MeetingID: meetingID,
				ParticipantID: e.ID, Name: e.Name, At: e.At,
			})
		},
	}
}
