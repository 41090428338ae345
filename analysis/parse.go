package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/onnwee/meeting-tender/backend/store"
)

// RealTimeMaxChars caps the rolling REAL_TIME summary.
const RealTimeMaxChars = 500

// FallbackKeyPoint is recorded when a summary has no recognisable key points.
const FallbackKeyPoint = "Summary generated successfully"

var keyPointsMarker = regexp.MustCompile(`(?i)key (?:discussion )?points?:`)

// EstimateTokens approximates token usage as one token per four characters.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// ParseSummary wraps a model reply as a Summary, extracting its key points.
func ParseSummary(meetingID string, t store.SummaryType, model, response string) store.Summary {
	content := response
	if t == store.SummaryRealTime {
		content = Truncate(response, RealTimeMaxChars)
	}
	kp := KeyPoints(response)
	if len(kp) == 0 {
		kp = []string{FallbackKeyPoint}
	}
	return store.Summary{
		MeetingID:  meetingID,
		Type:       t,
		Content:    content,
		KeyPoints:  kp,
		Model:      model,
		TokensUsed: EstimateTokens(response),
	}
}

// KeyPoints returns the bullet lines following a "Key Points:" heading. The
// list ends at a blank line, a numbered line or a line that starts a new
// capitalised paragraph.
func KeyPoints(response string) []string {
	loc := keyPointsMarker.FindStringIndex(response)
	if loc == nil {
		return nil
	}
	lines := strings.Split(response[loc[1]:], "\n")
	var out []string
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if i > 0 && endsKeyPoints(line) {
			break
		}
		if !isBullet(trimmed) {
			continue
		}
		if p := strings.TrimSpace(strings.TrimLeft(trimmed, "-•0123456789. \t")); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func endsKeyPoints(line string) bool {
	if strings.TrimSpace(line) == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(line)
	if unicode.IsUpper(r) {
		return true
	}
	return isNumbered(line)
}

func isBullet(s string) bool {
	return strings.HasPrefix(s, "-") || strings.HasPrefix(s, "•") || isNumbered(s)
}

func isNumbered(s string) bool {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i > 0 && i < len(s) && s[i] == '.'
}

// Truncate shortens s to at most n runes, ending on a word boundary with an
// ellipsis when it had to cut.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	cut := string(runes[:n-3])
	if i := strings.LastIndexAny(cut, " \n\t"); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "..."
}

// jsonArray returns the outermost [...] span of a model reply, which may be
// wrapped in prose or a code fence.
func jsonArray(response string) (string, bool) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start < 0 || end <= start {
		return "", false
	}
	return response[start : end+1], true
}

type rawActionItem struct {
	Title           string   `json:"title"`
	Description     *string  `json:"description"`
	AssignedTo      *string  `json:"assignedTo"`
	AssignedToEmail *string  `json:"assignedToEmail"`
	DueDate         *string  `json:"dueDate"`
	Priority        string   `json:"priority"`
	SourceTimestamp *float64 `json:"sourceTimestamp"`
}

// ParseActionItems decodes the JSON array requested by ActionItemsPrompt. A
// reply with no array yields no items; a malformed array is an error.
func ParseActionItems(meetingID, response string) ([]store.ActionItem, error) {
	arr, ok := jsonArray(response)
	if !ok {
		return nil, nil
	}
	var raw []rawActionItem
	if err := json.Unmarshal([]byte(arr), &raw); err != nil {
		return nil, fmt.Errorf("parsing action items: %w", err)
	}
	items := make([]store.ActionItem, 0, len(raw))
	for _, r := range raw {
		item := store.ActionItem{
			MeetingID:     meetingID,
			Title:         strings.TrimSpace(r.Title),
			Description:   nullable(r.Description),
			Assignee:      nullable(r.AssignedTo),
			AssigneeEmail: nullable(r.AssignedToEmail),
			Priority:      NormalizePriority(r.Priority),
			SourceTS:      r.SourceTimestamp,
		}
		if item.Title == "" {
			item.Title = "Untitled Action Item"
		}
		if d := nullable(r.DueDate); d != "" {
			if t, err := time.Parse("2006-01-02", d); err == nil {
				item.DueDate = &t
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func nullable(s *string) string {
	if s == nil {
		return ""
	}
	v := strings.TrimSpace(*s)
	if strings.EqualFold(v, "null") || strings.EqualFold(v, "not specified") {
		return ""
	}
	return v
}

// NormalizePriority maps a model-supplied priority onto HIGH, MEDIUM or LOW.
func NormalizePriority(p string) string {
	switch strings.ToUpper(strings.TrimSpace(p)) {
	case "HIGH", "URGENT":
		return "HIGH"
	case "LOW":
		return "LOW"
	default:
		return "MEDIUM"
	}
}

type rawTopic struct {
	Name           string          `json:"name"`
	Mentions       float64         `json:"mentions"`
	Keywords       json.RawMessage `json:"keywords"`
	TimeSpent      *float64        `json:"timeSpent"`
	RelevanceScore *float64        `json:"relevanceScore"`
}

// ParseTopics decodes the JSON array requested by TopicsPrompt. timeSpent is a
// percentage of the meeting and is converted to seconds of durationSeconds.
func ParseTopics(meetingID, response string, durationSeconds float64) ([]store.Topic, error) {
	arr, ok := jsonArray(response)
	if !ok {
		return nil, nil
	}
	var raw []rawTopic
	if err := json.Unmarshal([]byte(arr), &raw); err != nil {
		return nil, fmt.Errorf("parsing topics: %w", err)
	}
	topics := make([]store.Topic, 0, len(raw))
	for _, r := range raw {
		t := store.Topic{
			MeetingID: meetingID,
			Name:      strings.TrimSpace(r.Name),
			Mentions:  int(math.Round(r.Mentions)),
			Keywords:  []string{},
			Relevance: 0.5,
		}
		if t.Name == "" {
			t.Name = "Unnamed Topic"
		}
		if t.Mentions <= 0 {
			t.Mentions = 1
		}
		var kw []string
		if json.Unmarshal(r.Keywords, &kw) == nil && kw != nil {
			t.Keywords = kw
		}
		if r.TimeSpent != nil && durationSeconds > 0 {
			pct := math.Max(0, math.Min(100, *r.TimeSpent))
			t.TimeSpentSeconds = pct / 100 * durationSeconds
		}
		if r.RelevanceScore != nil && *r.RelevanceScore > 0 {
			t.Relevance = math.Min(1, *r.RelevanceScore)
		}
		topics = append(topics, t)
	}
	return topics, nil
}
