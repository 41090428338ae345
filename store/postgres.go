package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/crypto"
)

// Postgres is the production Store. Bot credentials are sealed with the
// optional Sealer before they reach the meetings table.
type Postgres struct {
	db     *sql.DB
	sealer crypto.Sealer
}

// NewPostgres wraps an open *sql.DB (driver "pgx"). sealer may be nil.
func NewPostgres(db *sql.DB, sealer crypto.Sealer) *Postgres {
	return &Postgres{db: db, sealer: sealer}
}

var _ Store = (*Postgres)(nil)

// mapErr translates driver errors into the apperr taxonomy.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503": // foreign_key_violation: parent meeting is gone
			return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
		case "23505":
			return fmt.Errorf("%s: %w", op, apperr.ErrConflict)
		case "22P02", "23502", "23514":
			return fmt.Errorf("%s: %s: %w", op, pgErr.Message, apperr.ErrValidation)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, apperr.ErrTransientIO, err)
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", slog.Any("err", err), slog.String("component", "store"))
	}
}

// decodeColumn unmarshals a JSONB column. A malformed value is logged and
// leaves dst at its zero value.
func decodeColumn(column, meetingID, raw string, dst any) {
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		slog.Warn("malformed json column", slog.String("column", column), slog.String("meeting_id", meetingID),
			slog.Any("err", err), slog.String("component", "store"))
	}
}

func (s *Postgres) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Postgres) sealCredentials(plain string) (string, int, error) {
	if s.sealer == nil || plain == "" {
		return plain, crypto.VersionPlaintext, nil
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return "", 0, fmt.Errorf("seal bot credentials: %w", err)
	}
	return sealed, crypto.VersionAESGCM, nil
}

func (s *Postgres) openCredentials(stored string, version int) (string, error) {
	if version == crypto.VersionPlaintext || stored == "" {
		return stored, nil
	}
	if s.sealer == nil {
		return "", fmt.Errorf("bot credentials are sealed but no ENCRYPTION_KEY is configured")
	}
	return s.sealer.Open(stored)
}

func (s *Postgres) CreateMeeting(ctx context.Context, m *Meeting) error {
	creds, version, err := s.sealCredentials(m.BotCredentials)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `INSERT INTO meetings
		(id, external_id, title, status, language, start_time, auto_join, bot_credentials, credentials_version, created_at, updated_at)
		VALUES ($1, NULLIF($2,''), $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.ExternalID, m.Title, string(m.Status), m.Language, m.StartTime, m.AutoJoin, creds, version, m.CreatedAt, m.UpdatedAt)
	return mapErr("create meeting", err)
}

const meetingColumns = `id, COALESCE(external_id,''), title, status, language, start_time, end_time, duration_seconds,
	auto_join, COALESCE(bot_credentials,''), credentials_version, COALESCE(recording_url,''), COALESCE(error_stage,''), created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func (s *Postgres) scanMeeting(row rowScanner) (*Meeting, error) {
	var (
		m        Meeting
		status   string
		end      sql.NullTime
		duration sql.NullInt64
		version  int
	)
	if err := row.Scan(&m.ID, &m.ExternalID, &m.Title, &status, &m.Language, &m.StartTime, &end, &duration,
		&m.AutoJoin, &m.BotCredentials, &version, &m.RecordingURL, &m.ErrorStage, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = Status(status)
	if end.Valid {
		t := end.Time
		m.EndTime = &t
	}
	if duration.Valid {
		d := int(duration.Int64)
		m.DurationSeconds = &d
	}
	creds, err := s.openCredentials(m.BotCredentials, version)
	if err != nil {
		return nil, fmt.Errorf("meeting %s: %w", m.ID, err)
	}
	m.BotCredentials = creds
	return &m, nil
}

func (s *Postgres) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	m, err := s.scanMeeting(s.db.QueryRowContext(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id=$1`, id))
	if err != nil {
		return nil, mapErr("get meeting "+id, err)
	}
	return m, nil
}

func (s *Postgres) GetMeetingByExternalID(ctx context.Context, externalID string) (*Meeting, error) {
	m, err := s.scanMeeting(s.db.QueryRowContext(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE external_id=$1`, externalID))
	if err != nil {
		return nil, mapErr("get meeting by external id "+externalID, err)
	}
	return m, nil
}

func (s *Postgres) queryMeetings(ctx context.Context, op, q string, args ...any) ([]Meeting, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer closeRows(rows)
	out := make([]Meeting, 0)
	for rows.Next() {
		m, err := s.scanMeeting(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, *m)
	}
	return out, mapErr(op, rows.Err())
}

func (s *Postgres) ListMeetings(ctx context.Context, status Status, page Page) ([]Meeting, error) {
	page = page.normalized()
	if status == "" {
		return s.queryMeetings(ctx, "list meetings",
			`SELECT `+meetingColumns+` FROM meetings ORDER BY start_time DESC LIMIT $1 OFFSET $2`, page.Limit, page.Offset)
	}
	return s.queryMeetings(ctx, "list meetings",
		`SELECT `+meetingColumns+` FROM meetings WHERE status=$1 ORDER BY start_time DESC LIMIT $2 OFFSET $3`, string(status), page.Limit, page.Offset)
}

func (s *Postgres) ListDueMeetings(ctx context.Context, from, to time.Time) ([]Meeting, error) {
	return s.queryMeetings(ctx, "list due meetings",
		`SELECT `+meetingColumns+` FROM meetings WHERE status='SCHEDULED' AND auto_join AND start_time BETWEEN $1 AND $2 ORDER BY start_time`, from, to)
}

func (s *Postgres) UpdateStatus(ctx context.Context, id string, ch StatusChange) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE meetings SET
			status = $3,
			updated_at = $4,
			start_time = CASE WHEN $3 = 'LIVE' THEN $4 ELSE start_time END,
			end_time = CASE WHEN $3 = 'PROCESSING' THEN $4 ELSE end_time END,
			duration_seconds = CASE WHEN $3 = 'PROCESSING'
				THEN GREATEST(0, EXTRACT(EPOCH FROM ($4 - start_time)))::int ELSE duration_seconds END,
			error_stage = CASE WHEN $3 = 'ERROR' THEN $5 ELSE error_stage END
		WHERE id = $1 AND status = $2`,
		id, string(ch.From), string(ch.To), ch.At, ch.Stage)
	if err != nil {
		return false, mapErr("update status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr("update status", err)
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM meetings WHERE id=$1)`, id).Scan(&exists); err != nil {
		return false, mapErr("update status", err)
	}
	if !exists {
		return false, fmt.Errorf("meeting %s: %w", id, apperr.ErrNotFound)
	}
	return false, nil
}

func (s *Postgres) SetRecordingURL(ctx context.Context, id, url string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE meetings SET recording_url=$2, updated_at=NOW() WHERE id=$1`, id, url)
	if err != nil {
		return mapErr("set recording url", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("meeting %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// DeleteMeeting removes the meeting; child tables cascade.
func (s *Postgres) DeleteMeeting(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM meetings WHERE id=$1`, id)
	if err != nil {
		return mapErr("delete meeting", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("meeting %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (s *Postgres) InsertChunk(ctx context.Context, c AudioChunk) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO audio_chunks (meeting_id, chunk_number, start_ts, end_ts, audio_ref, transcribed, created_at)
		VALUES ($1,$2,$3,$4,$5,FALSE,NOW())
		ON CONFLICT (meeting_id, chunk_number) DO UPDATE SET
			start_ts=EXCLUDED.start_ts, end_ts=EXCLUDED.end_ts, audio_ref=EXCLUDED.audio_ref,
			failed=FALSE, failure_reason=NULL, created_at=NOW()
		WHERE audio_chunks.failed AND COALESCE(audio_chunks.audio_ref,'')=''`,
		c.MeetingID, c.ChunkNumber, c.StartTS, c.EndTS, c.AudioRef)
	if err != nil {
		return false, mapErr("insert chunk", err)
	}
	n, err := res.RowsAffected()
	return n == 1, mapErr("insert chunk", err)
}

const chunkColumns = `meeting_id, chunk_number, start_ts, end_ts, COALESCE(audio_ref,''), transcribed, failed, COALESCE(failure_reason,''), transcribed_at, created_at`

func scanChunk(row rowScanner) (*AudioChunk, error) {
	var c AudioChunk
	var at sql.NullTime
	if err := row.Scan(&c.MeetingID, &c.ChunkNumber, &c.StartTS, &c.EndTS, &c.AudioRef, &c.Transcribed, &c.Failed, &c.FailureReason, &at, &c.CreatedAt); err != nil {
		return nil, err
	}
	if at.Valid {
		t := at.Time
		c.TranscribedAt = &t
	}
	return &c, nil
}

func (s *Postgres) GetChunk(ctx context.Context, meetingID string, n int) (*AudioChunk, error) {
	c, err := scanChunk(s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM audio_chunks WHERE meeting_id=$1 AND chunk_number=$2`, meetingID, n))
	if err != nil {
		return nil, mapErr(fmt.Sprintf("get chunk %s/%d", meetingID, n), err)
	}
	return c, nil
}

func (s *Postgres) ListChunks(ctx context.Context, meetingID string) ([]AudioChunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM audio_chunks WHERE meeting_id=$1 ORDER BY chunk_number`, meetingID)
	if err != nil {
		return nil, mapErr("list chunks", err)
	}
	defer closeRows(rows)
	var out []AudioChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, mapErr("list chunks", err)
		}
		out = append(out, *c)
	}
	return out, mapErr("list chunks", rows.Err())
}

func (s *Postgres) MarkChunkTranscribed(ctx context.Context, meetingID string, n int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE audio_chunks SET transcribed=TRUE, transcribed_at=$3 WHERE meeting_id=$1 AND chunk_number=$2`, meetingID, n, at)
	if err != nil {
		return mapErr("mark chunk transcribed", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("chunk %s/%d: %w", meetingID, n, apperr.ErrNotFound)
	}
	return nil
}

func (s *Postgres) MarkChunkFailed(ctx context.Context, c AudioChunk, reason string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audio_chunks (meeting_id, chunk_number, start_ts, end_ts, audio_ref, failed, failure_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,TRUE,$6,NOW())
		ON CONFLICT (meeting_id, chunk_number) DO UPDATE SET failed=TRUE, failure_reason=EXCLUDED.failure_reason`,
		c.MeetingID, c.ChunkNumber, c.StartTS, c.EndTS, c.AudioRef, reason)
	return mapErr("mark chunk failed", err)
}

// ReplaceSegments swaps the segments of one chunk in a transaction so a
// redelivered transcription job never duplicates rows.
func (s *Postgres) ReplaceSegments(ctx context.Context, meetingID string, chunk int, segs []TranscriptSegment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("replace segments", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_segments WHERE meeting_id=$1 AND chunk_number=$2`, meetingID, chunk); err != nil {
		return mapErr("replace segments", err)
	}
	for _, sg := range segs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO transcript_segments (meeting_id, chunk_number, speaker_label, content, start_ts, end_ts, confidence)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`, meetingID, chunk, sg.SpeakerLabel, sg.Content, sg.StartTS, sg.EndTS, sg.Confidence); err != nil {
			return mapErr("replace segments", err)
		}
	}
	return mapErr("replace segments", tx.Commit())
}

func (s *Postgres) Transcript(ctx context.Context, meetingID string, page Page) ([]TranscriptSegment, error) {
	q := `SELECT meeting_id, chunk_number, speaker_label, content, start_ts, end_ts, confidence
		FROM transcript_segments WHERE meeting_id=$1 ORDER BY start_ts ASC, chunk_number ASC, id ASC`
	args := []any{meetingID}
	if page.Limit != 0 || page.Offset != 0 {
		page = page.normalized()
		q += ` LIMIT $2 OFFSET $3`
		args = append(args, page.Limit, page.Offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr("transcript", err)
	}
	defer closeRows(rows)
	out := make([]TranscriptSegment, 0)
	for rows.Next() {
		var sg TranscriptSegment
		if err := rows.Scan(&sg.MeetingID, &sg.ChunkNumber, &sg.SpeakerLabel, &sg.Content, &sg.StartTS, &sg.EndTS, &sg.Confidence); err != nil {
			return nil, mapErr("transcript", err)
		}
		out = append(out, sg)
	}
	return out, mapErr("transcript", rows.Err())
}

func (s *Postgres) UpsertParticipantJoin(ctx context.Context, p Participant) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO participants (meeting_id, external_id, name, role, join_time)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (meeting_id, external_id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name,''), participants.name),
			role = COALESCE(NULLIF(EXCLUDED.role,''), participants.role),
			leave_time = CASE WHEN participants.leave_time IS NOT NULL AND participants.leave_time < EXCLUDED.join_time
				THEN NULL ELSE participants.leave_time END,
			join_time = GREATEST(participants.join_time, EXCLUDED.join_time)`,
		p.MeetingID, p.ExternalID, p.Name, p.Role, p.JoinTime)
	return mapErr("upsert participant", err)
}

func (s *Postgres) MarkParticipantLeft(ctx context.Context, meetingID, externalID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE participants SET leave_time=$3 WHERE meeting_id=$1 AND external_id=$2`, meetingID, externalID, at)
	return mapErr("participant left", err)
}

func (s *Postgres) ListParticipants(ctx context.Context, meetingID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT meeting_id, external_id, name, role, join_time, leave_time FROM participants WHERE meeting_id=$1 ORDER BY join_time`, meetingID)
	if err != nil {
		return nil, mapErr("list participants", err)
	}
	defer closeRows(rows)
	out := make([]Participant, 0)
	for rows.Next() {
		var p Participant
		var left sql.NullTime
		if err := rows.Scan(&p.MeetingID, &p.ExternalID, &p.Name, &p.Role, &p.JoinTime, &left); err != nil {
			return nil, mapErr("list participants", err)
		}
		if left.Valid {
			t := left.Time
			p.LeaveTime = &t
		}
		out = append(out, p)
	}
	return out, mapErr("list participants", rows.Err())
}

func (s *Postgres) UpsertSummary(ctx context.Context, sum Summary) error {
	kp, err := json.Marshal(nonNil(sum.KeyPoints))
	if err != nil {
		return fmt.Errorf("marshal key points: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO summaries (meeting_id, type, content, key_points, model, tokens_used, updated_at)
		VALUES ($1,$2,$3,$4::jsonb,$5,$6,NOW())
		ON CONFLICT (meeting_id, type) DO UPDATE SET content=EXCLUDED.content, key_points=EXCLUDED.key_points,
			model=EXCLUDED.model, tokens_used=EXCLUDED.tokens_used, updated_at=NOW()`,
		sum.MeetingID, string(sum.Type), sum.Content, string(kp), sum.Model, sum.TokensUsed)
	return mapErr("upsert summary", err)
}

func (s *Postgres) ListSummaries(ctx context.Context, meetingID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT meeting_id, type, content, key_points::text, model, tokens_used, updated_at FROM summaries WHERE meeting_id=$1 ORDER BY type`, meetingID)
	if err != nil {
		return nil, mapErr("list summaries", err)
	}
	defer closeRows(rows)
	out := make([]Summary, 0)
	for rows.Next() {
		var sum Summary
		var typ, kp string
		if err := rows.Scan(&sum.MeetingID, &typ, &sum.Content, &kp, &sum.Model, &sum.TokensUsed, &sum.UpdatedAt); err != nil {
			return nil, mapErr("list summaries", err)
		}
		sum.Type = SummaryType(typ)
		decodeColumn("summaries.key_points", sum.MeetingID, kp, &sum.KeyPoints)
		out = append(out, sum)
	}
	return out, mapErr("list summaries", rows.Err())
}

func (s *Postgres) ReplaceActionItems(ctx context.Context, meetingID string, items []ActionItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("replace action items", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM action_items WHERE meeting_id=$1`, meetingID); err != nil {
		return mapErr("replace action items", err)
	}
	for _, it := range items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO action_items (meeting_id, title, description, assignee, assignee_email, due_date, priority, source_ts)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, meetingID, it.Title, it.Description, it.Assignee, it.AssigneeEmail, it.DueDate, it.Priority, it.SourceTS); err != nil {
			return mapErr("replace action items", err)
		}
	}
	return mapErr("replace action items", tx.Commit())
}

func (s *Postgres) ListActionItems(ctx context.Context, meetingID string) ([]ActionItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT meeting_id, title, description, assignee, assignee_email, due_date, priority, source_ts FROM action_items WHERE meeting_id=$1 ORDER BY id`, meetingID)
	if err != nil {
		return nil, mapErr("list action items", err)
	}
	defer closeRows(rows)
	out := make([]ActionItem, 0)
	for rows.Next() {
		var it ActionItem
		var due sql.NullTime
		var src sql.NullFloat64
		if err := rows.Scan(&it.MeetingID, &it.Title, &it.Description, &it.Assignee, &it.AssigneeEmail, &due, &it.Priority, &src); err != nil {
			return nil, mapErr("list action items", err)
		}
		if due.Valid {
			t := due.Time
			it.DueDate = &t
		}
		if src.Valid {
			v := src.Float64
			it.SourceTS = &v
		}
		out = append(out, it)
	}
	return out, mapErr("list action items", rows.Err())
}

func (s *Postgres) ReplaceTopics(ctx context.Context, meetingID string, topics []Topic) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("replace topics", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM topics WHERE meeting_id=$1`, meetingID); err != nil {
		return mapErr("replace topics", err)
	}
	for _, tp := range topics {
		kw, _ := json.Marshal(nonNil(tp.Keywords))
		if _, err := tx.ExecContext(ctx, `INSERT INTO topics (meeting_id, name, mentions, keywords, time_spent_seconds, relevance)
			VALUES ($1,$2,$3,$4::jsonb,$5,$6)`, meetingID, tp.Name, tp.Mentions, string(kw), tp.TimeSpentSeconds, tp.Relevance); err != nil {
			return mapErr("replace topics", err)
		}
	}
	return mapErr("replace topics", tx.Commit())
}

func (s *Postgres) ListTopics(ctx context.Context, meetingID string) ([]Topic, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT meeting_id, name, mentions, keywords::text, time_spent_seconds, relevance FROM topics WHERE meeting_id=$1 ORDER BY relevance DESC`, meetingID)
	if err != nil {
		return nil, mapErr("list topics", err)
	}
	defer closeRows(rows)
	out := make([]Topic, 0)
	for rows.Next() {
		var tp Topic
		var kw string
		if err := rows.Scan(&tp.MeetingID, &tp.Name, &tp.Mentions, &kw, &tp.TimeSpentSeconds, &tp.Relevance); err != nil {
			return nil, mapErr("list topics", err)
		}
		decodeColumn("topics.keywords", tp.MeetingID, kw, &tp.Keywords)
		out = append(out, tp)
	}
	return out, mapErr("list topics", rows.Err())
}

func (s *Postgres) UpsertAnalytics(ctx context.Context, a Analytics) error {
	share, _ := json.Marshal(a.SpeakerShare)
	_, err := s.db.ExecContext(ctx, `INSERT INTO meeting_analytics (meeting_id, word_count, question_count, pace_wpm, engagement, energy, speaker_share, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8)
		ON CONFLICT (meeting_id) DO UPDATE SET word_count=EXCLUDED.word_count, question_count=EXCLUDED.question_count,
			pace_wpm=EXCLUDED.pace_wpm, engagement=EXCLUDED.engagement, energy=EXCLUDED.energy,
			speaker_share=EXCLUDED.speaker_share, computed_at=EXCLUDED.computed_at`,
		a.MeetingID, a.WordCount, a.QuestionCount, a.PaceWPM, a.Engagement, a.Energy, string(share), a.ComputedAt)
	return mapErr("upsert analytics", err)
}

func (s *Postgres) GetAnalytics(ctx context.Context, meetingID string) (*Analytics, error) {
	var a Analytics
	var share string
	err := s.db.QueryRowContext(ctx, `SELECT meeting_id, word_count, question_count, pace_wpm, engagement, energy, speaker_share::text, computed_at
		FROM meeting_analytics WHERE meeting_id=$1`, meetingID).Scan(&a.MeetingID, &a.WordCount, &a.QuestionCount, &a.PaceWPM, &a.Engagement, &a.Energy, &share, &a.ComputedAt)
	if err != nil {
		return nil, mapErr("get analytics", err)
	}
	decodeColumn("meeting_analytics.speaker_share", a.MeetingID, share, &a.SpeakerShare)
	return &a, nil
}

func (s *Postgres) ReplaceSearchEntries(ctx context.Context, meetingID string, entries []SearchEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("replace search entries", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM search_index WHERE meeting_id=$1`, meetingID); err != nil {
		return mapErr("replace search entries", err)
	}
	for _, e := range entries {
		emb, _ := json.Marshal(nonNil(e.Embedding))
		if _, err := tx.ExecContext(ctx, `INSERT INTO search_index (meeting_id, kind, content, embedding, fingerprint, start_ts)
			VALUES ($1,$2,$3,$4::jsonb,$5,$6)`, meetingID, e.Kind, e.Content, string(emb), int64(e.Fingerprint), e.StartTS); err != nil {
			return mapErr("replace search entries", err)
		}
	}
	return mapErr("replace search entries", tx.Commit())
}

func (s *Postgres) SearchEntries(ctx context.Context, q SearchQuery) ([]SearchEntry, error) {
	if q.MeetingID != "" {
		if _, err := s.GetMeeting(ctx, q.MeetingID); err != nil {
			return nil, err
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `SELECT si.meeting_id, si.kind, si.content, si.embedding::text, si.fingerprint, si.start_ts
		FROM search_index si JOIN meetings m ON m.id = si.meeting_id
		WHERE ($1 = '' OR si.meeting_id = $1)
		ORDER BY m.start_time DESC, si.start_ts
		LIMIT $2`, q.MeetingID, limit)
	if err != nil {
		return nil, mapErr("search entries", err)
	}
	defer closeRows(rows)
	out := make([]SearchEntry, 0)
	for rows.Next() {
		var e SearchEntry
		var emb string
		var fp int64
		if err := rows.Scan(&e.MeetingID, &e.Kind, &e.Content, &emb, &fp, &e.StartTS); err != nil {
			return nil, mapErr("search entries", err)
		}
		e.Fingerprint = uint64(fp)
		decodeColumn("search_index.embedding", e.MeetingID, emb, &e.Embedding)
		out = append(out, e)
	}
	return out, mapErr("search entries", rows.Err())
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
