package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/meeting-tender/backend/apperr"
)

type chunkKey struct {
	meeting string
	n       int
}

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu           sync.RWMutex
	meetings     map[string]*Meeting
	chunks       map[chunkKey]*AudioChunk
	segments     map[chunkKey][]TranscriptSegment
	participants map[string]map[string]*Participant
	summaries    map[string]map[SummaryType]Summary
	actionItems  map[string][]ActionItem
	topics       map[string][]Topic
	analytics    map[string]Analytics
	search       map[string][]SearchEntry
}

func NewMemory() *Memory {
	return &Memory{
		meetings:     map[string]*Meeting{},
		chunks:       map[chunkKey]*AudioChunk{},
		segments:     map[chunkKey][]TranscriptSegment{},
		participants: map[string]map[string]*Participant{},
		summaries:    map[string]map[SummaryType]Summary{},
		actionItems:  map[string][]ActionItem{},
		topics:       map[string][]Topic{},
		analytics:    map[string]Analytics{},
		search:       map[string][]SearchEntry{},
	}
}

var _ Store = (*Memory)(nil)

func (s *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Memory) CreateMeeting(ctx context.Context, m *Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[m.ID]; ok {
		return fmt.Errorf("meeting %s: %w", m.ID, apperr.ErrConflict)
	}
	if m.ExternalID != "" {
		for _, other := range s.meetings {
			if other.ExternalID == m.ExternalID {
				return fmt.Errorf("external id %s: %w", m.ExternalID, apperr.ErrConflict)
			}
		}
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	cp := *m
	s.meetings[m.ID] = &cp
	return nil
}

func (s *Memory) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, fmt.Errorf("meeting %s: %w", id, apperr.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) GetMeetingByExternalID(ctx context.Context, externalID string) (*Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.meetings {
		if m.ExternalID == externalID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("external meeting %s: %w", externalID, apperr.ErrNotFound)
}

func (s *Memory) ListMeetings(ctx context.Context, status Status, page Page) ([]Meeting, error) {
	page = page.normalized()
	s.mu.RLock()
	out := make([]Meeting, 0, len(s.meetings))
	for _, m := range s.meetings {
		if status == "" || m.Status == status {
			out = append(out, *m)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return paginate(out, page), nil
}

func (s *Memory) ListDueMeetings(ctx context.Context, from, to time.Time) ([]Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Meeting
	for _, m := range s.meetings {
		if m.Status == StatusScheduled && m.AutoJoin && !m.StartTime.Before(from) && !m.StartTime.After(to) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *Memory) UpdateStatus(ctx context.Context, id string, ch StatusChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return false, fmt.Errorf("meeting %s: %w", id, apperr.ErrNotFound)
	}
	if m.Status != ch.From {
		return false, nil
	}
	applyStatusChange(m, ch)
	return true, nil
}

// applyStatusChange mirrors the column updates of the Postgres UpdateStatus.
func applyStatusChange(m *Meeting, ch StatusChange) {
	m.Status = ch.To
	m.UpdatedAt = ch.At
	switch ch.To {
	case StatusLive:
		m.StartTime = ch.At
	case StatusProcessing:
		end := ch.At
		m.EndTime = &end
		d := int(end.Sub(m.StartTime).Seconds())
		if d < 0 {
			d = 0
		}
		m.DurationSeconds = &d
	case StatusError:
		m.ErrorStage = ch.Stage
	}
}

func (s *Memory) SetRecordingURL(ctx context.Context, id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return fmt.Errorf("meeting %s: %w", id, apperr.ErrNotFound)
	}
	m.RecordingURL = url
	return nil
}

func (s *Memory) DeleteMeeting(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[id]; !ok {
		return fmt.Errorf("meeting %s: %w", id, apperr.ErrNotFound)
	}
	delete(s.meetings, id)
	for k := range s.chunks {
		if k.meeting == id {
			delete(s.chunks, k)
		}
	}
	for k := range s.segments {
		if k.meeting == id {
			delete(s.segments, k)
		}
	}
	delete(s.participants, id)
	delete(s.summaries, id)
	delete(s.actionItems, id)
	delete(s.topics, id)
	delete(s.analytics, id)
	delete(s.search, id)
	return nil
}

func (s *Memory) InsertChunk(ctx context.Context, c AudioChunk) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[c.MeetingID]; !ok {
		return false, fmt.Errorf("meeting %s: %w", c.MeetingID, apperr.ErrNotFound)
	}
	k := chunkKey{c.MeetingID, c.ChunkNumber}
	if prev, ok := s.chunks[k]; ok && !prev.Retryable() {
		return false, nil
	}
	c.CreatedAt = time.Now().UTC()
	s.chunks[k] = &c
	return true, nil
}

func (s *Memory) GetChunk(ctx context.Context, meetingID string, n int) (*AudioChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[chunkKey{meetingID, n}]
	if !ok {
		return nil, fmt.Errorf("chunk %s/%d: %w", meetingID, n, apperr.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Memory) ListChunks(ctx context.Context, meetingID string) ([]AudioChunk, error) {
	s.mu.RLock()
	var out []AudioChunk
	for k, c := range s.chunks {
		if k.meeting == meetingID {
			out = append(out, *c)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkNumber < out[j].ChunkNumber })
	return out, nil
}

func (s *Memory) MarkChunkTranscribed(ctx context.Context, meetingID string, n int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkKey{meetingID, n}]
	if !ok {
		return fmt.Errorf("chunk %s/%d: %w", meetingID, n, apperr.ErrNotFound)
	}
	c.Transcribed = true
	c.TranscribedAt = &at
	return nil
}

func (s *Memory) MarkChunkFailed(ctx context.Context, c AudioChunk, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[c.MeetingID]; !ok {
		return fmt.Errorf("meeting %s: %w", c.MeetingID, apperr.ErrNotFound)
	}
	k := chunkKey{c.MeetingID, c.ChunkNumber}
	existing, ok := s.chunks[k]
	if !ok {
		c.CreatedAt = time.Now().UTC()
		existing = &c
		s.chunks[k] = existing
	}
	existing.Failed = true
	existing.FailureReason = reason
	return nil
}

func (s *Memory) ReplaceSegments(ctx context.Context, meetingID string, chunk int, segs []TranscriptSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[meetingID]; !ok {
		return fmt.Errorf("meeting %s: %w", meetingID, apperr.ErrNotFound)
	}
	s.segments[chunkKey{meetingID, chunk}] = append([]TranscriptSegment(nil), segs...)
	return nil
}

func (s *Memory) Transcript(ctx context.Context, meetingID string, page Page) ([]TranscriptSegment, error) {
	s.mu.RLock()
	var out []TranscriptSegment
	for k, segs := range s.segments {
		if k.meeting == meetingID {
			out = append(out, segs...)
		}
	}
	s.mu.RUnlock()
	SortSegments(out)
	if page.Limit == 0 && page.Offset == 0 {
		return out, nil
	}
	return paginate(out, page.normalized()), nil
}

func (s *Memory) UpsertParticipantJoin(ctx context.Context, p Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[p.MeetingID]; !ok {
		return fmt.Errorf("meeting %s: %w", p.MeetingID, apperr.ErrNotFound)
	}
	room := s.participants[p.MeetingID]
	if room == nil {
		room = map[string]*Participant{}
		s.participants[p.MeetingID] = room
	}
	existing, ok := room[p.ExternalID]
	if !ok {
		cp := p
		room[p.ExternalID] = &cp
		return nil
	}
	if p.Name != "" {
		existing.Name = p.Name
	}
	if p.Role != "" {
		existing.Role = p.Role
	}
	if p.JoinTime.After(existing.JoinTime) {
		existing.JoinTime = p.JoinTime
		if existing.LeaveTime != nil && existing.LeaveTime.Before(p.JoinTime) {
			existing.LeaveTime = nil
		}
	}
	return nil
}

func (s *Memory) MarkParticipantLeft(ctx context.Context, meetingID, externalID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[meetingID][externalID]
	if !ok {
		return nil
	}
	p.LeaveTime = &at
	return nil
}

func (s *Memory) ListParticipants(ctx context.Context, meetingID string) ([]Participant, error) {
	s.mu.RLock()
	var out []Participant
	for _, p := range s.participants[meetingID] {
		out = append(out, *p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JoinTime.Before(out[j].JoinTime) })
	return out, nil
}

func (s *Memory) UpsertSummary(ctx context.Context, sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[sum.MeetingID]; !ok {
		return fmt.Errorf("meeting %s: %w", sum.MeetingID, apperr.ErrNotFound)
	}
	if s.summaries[sum.MeetingID] == nil {
		s.summaries[sum.MeetingID] = map[SummaryType]Summary{}
	}
	sum.UpdatedAt = time.Now().UTC()
	s.summaries[sum.MeetingID][sum.Type] = sum
	return nil
}

func (s *Memory) ListSummaries(ctx context.Context, meetingID string) ([]Summary, error) {
	s.mu.RLock()
	var out []Summary
	for _, sum := range s.summaries[meetingID] {
		out = append(out, sum)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (s *Memory) ReplaceActionItems(ctx context.Context, meetingID string, items []ActionItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[meetingID]; !ok {
		return fmt.Errorf("meeting %s: %w", meetingID, apperr.ErrNotFound)
	}
	s.actionItems[meetingID] = append([]ActionItem(nil), items...)
	return nil
}

func (s *Memory) ListActionItems(ctx context.Context, meetingID string) ([]ActionItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ActionItem(nil), s.actionItems[meetingID]...), nil
}

func (s *Memory) ReplaceTopics(ctx context.Context, meetingID string, topics []Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[meetingID]; !ok {
		return fmt.Errorf("meeting %s: %w", meetingID, apperr.ErrNotFound)
	}
	s.topics[meetingID] = append([]Topic(nil), topics...)
	return nil
}

func (s *Memory) ListTopics(ctx context.Context, meetingID string) ([]Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Topic(nil), s.topics[meetingID]...), nil
}

func (s *Memory) UpsertAnalytics(ctx context.Context, a Analytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[a.MeetingID]; !ok {
		return fmt.Errorf("meeting %s: %w", a.MeetingID, apperr.ErrNotFound)
	}
	s.analytics[a.MeetingID] = a
	return nil
}

func (s *Memory) GetAnalytics(ctx context.Context, meetingID string) (*Analytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analytics[meetingID]
	if !ok {
		return nil, fmt.Errorf("analytics %s: %w", meetingID, apperr.ErrNotFound)
	}
	return &a, nil
}

func (s *Memory) ReplaceSearchEntries(ctx context.Context, meetingID string, entries []SearchEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[meetingID]; !ok {
		return fmt.Errorf("meeting %s: %w", meetingID, apperr.ErrNotFound)
	}
	s.search[meetingID] = append([]SearchEntry(nil), entries...)
	return nil
}

// SearchEntries returns indexed entries, newest meetings first.
func (s *Memory) SearchEntries(ctx context.Context, q SearchQuery) ([]SearchEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q.MeetingID != "" {
		if _, ok := s.meetings[q.MeetingID]; !ok {
			return nil, fmt.Errorf("meeting %s: %w", q.MeetingID, apperr.ErrNotFound)
		}
		return capEntries(append([]SearchEntry(nil), s.search[q.MeetingID]...), q.Limit), nil
	}
	ids := make([]string, 0, len(s.search))
	for id := range s.search {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.meetings[ids[i]].StartTime.After(s.meetings[ids[j]].StartTime)
	})
	var out []SearchEntry
	for _, id := range ids {
		out = append(out, s.search[id]...)
	}
	return capEntries(out, q.Limit), nil
}

func capEntries(entries []SearchEntry, limit int) []SearchEntry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}

// SortSegments orders segments by start timestamp, breaking ties by chunk.
func SortSegments(segs []TranscriptSegment) {
	sort.SliceStable(segs, func(i, j int) bool {
		if segs[i].StartTS != segs[j].StartTS {
			return segs[i].StartTS < segs[j].StartTS
		}
		return segs[i].ChunkNumber < segs[j].ChunkNumber
	})
}

func paginate[T any](in []T, p Page) []T {
	if p.Offset >= len(in) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(in) {
		end = len(in)
	}
	return in[p.Offset:end]
}
