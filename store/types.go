// Package store holds the meeting data model and its two repositories: Postgres
// for production and Memory for tests and single-process runs.
package store

import (
	"context"
	"time"
)

// Status is a meeting lifecycle state.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusLive       Status = "LIVE"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusError }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusLive, StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

type Meeting struct {
	ID              string     `json:"id"`
	ExternalID      string     `json:"external_id"`
	Title           string     `json:"title"`
	Status          Status     `json:"status"`
	Language        string     `json:"language"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	AutoJoin        bool       `json:"auto_join"`
	BotCredentials  string     `json:"-"`
	RecordingURL    string     `json:"recording_url,omitempty"`
	ErrorStage      string     `json:"error_stage,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// StatusChange is a compare-and-set status write. At stamps start_time when
// entering LIVE and end_time/duration when entering PROCESSING.
type StatusChange struct {
	From  Status
	To    Status
	At    time.Time
	Stage string // set when To is ERROR
}

type AudioChunk struct {
	MeetingID     string     `json:"meeting_id"`
	ChunkNumber   int        `json:"chunk_number"`
	StartTS       float64    `json:"start_ts"`
	EndTS         float64    `json:"end_ts"`
	AudioRef      string     `json:"audio_ref,omitempty"`
	Transcribed   bool       `json:"transcribed"`
	Failed        bool       `json:"failed"`
	FailureReason string     `json:"failure_reason,omitempty"`
	TranscribedAt *time.Time `json:"transcribed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Retryable reports whether the chunk failed before its audio was stored, so
// a redelivery may ingest it again.
func (c AudioChunk) Retryable() bool { return c.Failed && c.AudioRef == "" }

type TranscriptSegment struct {
	MeetingID    string  `json:"meeting_id"`
	ChunkNumber  int     `json:"chunk_number"`
	SpeakerLabel string  `json:"speaker"`
	Content      string  `json:"content"`
	StartTS      float64 `json:"start_ts"`
	EndTS        float64 `json:"end_ts"`
	Confidence   float64 `json:"confidence"`
}

type Participant struct {
	MeetingID  string     `json:"meeting_id"`
	ExternalID string     `json:"external_id"`
	Name       string     `json:"name"`
	Role       string     `json:"role"`
	JoinTime   time.Time  `json:"join_time"`
	LeaveTime  *time.Time `json:"leave_time,omitempty"`
}

// SummaryType names one summary flavour.
type SummaryType string

const (
	SummaryExecutive    SummaryType = "EXECUTIVE"
	SummaryDetailed     SummaryType = "DETAILED"
	SummaryActionItems  SummaryType = "ACTION_ITEMS"
	SummaryKeyDecisions SummaryType = "KEY_DECISIONS"
	SummaryRealTime     SummaryType = "REAL_TIME"
)

type Summary struct {
	MeetingID  string      `json:"meeting_id"`
	Type       SummaryType `json:"type"`
	Content    string      `json:"content"`
	KeyPoints  []string    `json:"key_points"`
	Model      string      `json:"model,omitempty"`
	TokensUsed int         `json:"tokens_used"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

type ActionItem struct {
	MeetingID     string     `json:"meeting_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Assignee      string     `json:"assigned_to,omitempty"`
	AssigneeEmail string     `json:"assigned_to_email,omitempty"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	Priority      string     `json:"priority"`
	SourceTS      *float64   `json:"source_timestamp,omitempty"`
}

type Topic struct {
	MeetingID        string   `json:"meeting_id"`
	Name             string   `json:"name"`
	Mentions         int      `json:"mentions"`
	Keywords         []string `json:"keywords"`
	TimeSpentSeconds float64  `json:"time_spent_seconds"`
	Relevance        float64  `json:"relevance"`
}

type Analytics struct {
	MeetingID     string             `json:"meeting_id"`
	WordCount     int                `json:"word_count"`
	QuestionCount int                `json:"question_count"`
	PaceWPM       float64            `json:"pace_wpm"`
	Engagement    float64            `json:"engagement"`
	Energy        float64            `json:"energy"`
	SpeakerShare  map[string]float64 `json:"speaker_share"`
	ComputedAt    time.Time          `json:"computed_at"`
}

type SearchEntry struct {
	MeetingID   string    `json:"meeting_id"`
	Kind        string    `json:"kind"`
	Content     string    `json:"content"`
	Embedding   []float64 `json:"-"`
	Fingerprint uint64    `json:"fingerprint"`
	StartTS     float64   `json:"start_ts"`
}

// SearchQuery selects indexed entries. An empty MeetingID covers every
// meeting; Limit caps the candidates, newest first.
type SearchQuery struct {
	MeetingID string
	Limit     int
}

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalized() Page {
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Store is the full repository surface. Consumers depend on narrower
// interfaces declared next to them.
type Store interface {
	Ping(ctx context.Context) error

	CreateMeeting(ctx context.Context, m *Meeting) error
	GetMeeting(ctx context.Context, id string) (*Meeting, error)
	GetMeetingByExternalID(ctx context.Context, externalID string) (*Meeting, error)
	ListMeetings(ctx context.Context, status Status, page Page) ([]Meeting, error)
	ListDueMeetings(ctx context.Context, from, to time.Time) ([]Meeting, error)
	UpdateStatus(ctx context.Context, id string, ch StatusChange) (bool, error)
	SetRecordingURL(ctx context.Context, id, url string) error
	DeleteMeeting(ctx context.Context, id string) error

	// InsertChunk reports false when the chunk already exists. A record that
	// failed before its audio was stored is taken over instead.
	InsertChunk(ctx context.Context, c AudioChunk) (bool, error)
	GetChunk(ctx context.Context, meetingID string, n int) (*AudioChunk, error)
	ListChunks(ctx context.Context, meetingID string) ([]AudioChunk, error)
	MarkChunkTranscribed(ctx context.Context, meetingID string, n int, at time.Time) error
	MarkChunkFailed(ctx context.Context, c AudioChunk, reason string) error

	ReplaceSegments(ctx context.Context, meetingID string, chunk int, segs []TranscriptSegment) error
	Transcript(ctx context.Context, meetingID string, page Page) ([]TranscriptSegment, error)

	UpsertParticipantJoin(ctx context.Context, p Participant) error
	MarkParticipantLeft(ctx context.Context, meetingID, externalID string, at time.Time) error
	ListParticipants(ctx context.Context, meetingID string) ([]Participant, error)

	UpsertSummary(ctx context.Context, s Summary) error
	ListSummaries(ctx context.Context, meetingID string) ([]Summary, error)
	ReplaceActionItems(ctx context.Context, meetingID string, items []ActionItem) error
	ListActionItems(ctx context.Context, meetingID string) ([]ActionItem, error)
	ReplaceTopics(ctx context.Context, meetingID string, topics []Topic) error
	ListTopics(ctx context.Context, meetingID string) ([]Topic, error)
	UpsertAnalytics(ctx context.Context, a Analytics) error
	GetAnalytics(ctx context.Context, meetingID string) (*Analytics, error)
	ReplaceSearchEntries(ctx context.Context, meetingID string, entries []SearchEntry) error
	SearchEntries(ctx context.Context, q SearchQuery) ([]SearchEntry, error)
}
