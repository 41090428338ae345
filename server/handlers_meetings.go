package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/onnwee/meeting-tender/backend/analysis"
	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/ingest"
	"github.com/onnwee/meeting-tender/backend/meetings"
	"github.com/onnwee/meeting-tender/backend/store"
)

// maxChunkBytes bounds one uploaded audio chunk.
const maxChunkBytes = 32 << 20

// HandleMeetingsList returns a page of meetings, newest first: ?status=LIVE&limit=50&offset=0
func (h *Handlers) HandleMeetingsList(w http.ResponseWriter, r *http.Request) {
	status := store.Status(strings.ToUpper(r.URL.Query().Get("status")))
	list, err := h.meetings.List(r.Context(), status, pageFrom(r, 50, 200))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []store.Meeting{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) HandleMeetingCreate(w http.ResponseWriter, r *http.Request) {
	var in meetings.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.meetings.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handlers) HandleMeetingGet(w http.ResponseWriter, r *http.Request) {
	m, err := h.meetings.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) HandleMeetingDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.meetings.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMeetingStart attaches the bot; the meeting is LIVE once this returns 200.
func (h *Handlers) HandleMeetingStart(w http.ResponseWriter, r *http.Request) {
	m, err := h.meetings.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) HandleMeetingEnd(w http.ResponseWriter, r *http.Request) {
	m, err := h.meetings.End(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleTranscript pages through segments in start-time order: ?limit=100&offset=0
func (h *Handlers) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	segs, err := h.meetings.Transcript(r.Context(), r.PathValue("id"), pageFrom(r, 100, 1000))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if segs == nil {
		segs = []store.TranscriptSegment{}
	}
	writeJSON(w, http.StatusOK, segs)
}

func (h *Handlers) HandleSummaries(w http.ResponseWriter, r *http.Request) {
	out, err := h.meetings.Summaries(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []store.Summary{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleActionItems(w http.ResponseWriter, r *http.Request) {
	out, err := h.meetings.ActionItems(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []store.ActionItem{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleTopics(w http.ResponseWriter, r *http.Request) {
	out, err := h.meetings.Topics(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []store.Topic{}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleSearch ranks indexed transcript passages: ?q=budget&limit=20. The
// meeting comes from the path or from ?meeting_id=; without one every meeting
// is searched.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		id = r.URL.Query().Get("meeting_id")
	}
	hits, err := h.meetings.Search(r.Context(), id, r.URL.Query().Get("q"), parseIntQuery(r, "limit", 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if hits == nil {
		hits = []analysis.SearchHit{}
	}
	writeJSON(w, http.StatusOK, hits)
}

func (h *Handlers) HandleParticipants(w http.ResponseWriter, r *http.Request) {
	out, err := h.meetings.Participants(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []store.Participant{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := h.meetings.Analytics(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type chunkResponse struct {
	MeetingID   string `json:"meeting_id"`
	ChunkNumber int    `json:"chunk_number"`
	Outcome     string `json:"outcome"`
}

// HandleChunkUpload stores one raw audio chunk:
// POST /meetings/{id}/chunks?number=3&start=15&end=20 with the audio as the body.
func (h *Handlers) HandleChunkUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("number") == "" {
		writeError(w, r, fmt.Errorf("number is required: %w", apperr.ErrValidation))
		return
	}
	c := ingest.Chunk{
		MeetingID: r.PathValue("id"),
		Number:    parseIntQuery(r, "number", -1),
		StartTS:   parseFloat64Query(r, "start", 0),
		EndTS:     parseFloat64Query(r, "end", 0),
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("chunk body: %v: %w", err, apperr.ErrValidation))
		return
	}
	c.Data = data

	out, err := h.meetings.IngestAudio(r.Context(), c)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	switch out {
	case ingest.Duplicate:
		status = http.StatusOK
	case ingest.Failed:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, chunkResponse{MeetingID: c.MeetingID, ChunkNumber: c.Number, Outcome: out.String()})
}
