// Package analysis turns a frozen transcript into the derived artefacts of a
// meeting: summaries, action items, topics, analytics and search windows. It
// builds prompts for an llm.Completer and parses what comes back; it never
// touches storage.
package analysis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/meeting-tender/backend/llm"
	"github.com/onnwee/meeting-tender/backend/store"
)

// MeetingInfo is the header shared by all summary prompts.
type MeetingInfo struct {
	Title           string
	Start           time.Time
	DurationMinutes int
	Participants    []string
}

// InfoFor builds MeetingInfo from a meeting row and its participants.
func InfoFor(m *store.Meeting, participants []store.Participant) MeetingInfo {
	info := MeetingInfo{Title: m.Title, Start: m.StartTime}
	if m.DurationSeconds != nil {
		info.DurationMinutes = (*m.DurationSeconds + 59) / 60
	}
	for _, p := range participants {
		info.Participants = append(info.Participants, p.Name)
	}
	return info
}

func (i MeetingInfo) duration() string {
	if i.DurationMinutes <= 0 {
		return "Unknown"
	}
	return strconv.Itoa(i.DurationMinutes)
}

// SpeakerLines renders segments as "speaker: content" lines.
func SpeakerLines(segs []store.TranscriptSegment) string {
	var b strings.Builder
	for i, s := range segs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s.SpeakerLabel + ": " + s.Content)
	}
	return b.String()
}

// TimestampedLines renders segments as "[12.5s] speaker: content" lines.
func TimestampedLines(segs []store.TranscriptSegment) string {
	var b strings.Builder
	for i, s := range segs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%ss] %s: %s", strconv.FormatFloat(s.StartTS, 'f', -1, 64), s.SpeakerLabel, s.Content)
	}
	return b.String()
}

// PlainText joins segment contents with single spaces.
func PlainText(segs []store.TranscriptSegment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		parts = append(parts, s.Content)
	}
	return strings.Join(parts, " ")
}

// SummaryPrompt returns the prompt and model options for one summary type.
func SummaryPrompt(t store.SummaryType, info MeetingInfo, transcript string) (string, llm.Options, error) {
	header := fmt.Sprintf("Meeting Title: %s\nMeeting Date: %s\n", info.Title, info.Start.Format(time.RFC3339))
	full := header + fmt.Sprintf("Participants: %s\nDuration: %s minutes\n", strings.Join(info.Participants, ", "), info.duration())

	switch t {
	case store.SummaryExecutive:
		return `Please generate a concise executive summary of the following meeting transcript.

` + full + `
Format the summary as follows:
1. Overview (2-3 sentences)
2. Key Points (bullet points)
3. Decisions Made
4. Next Steps

Transcript:
` + transcript + `

Please provide a clear, professional summary that captures the essential information from this meeting.`,
			llm.Options{MaxTokens: 1000, Temperature: 0.3}, nil

	case store.SummaryDetailed:
		return `Please generate a detailed summary of the following meeting transcript.

` + full + `
Include the following sections:
1. Meeting Overview
2. Key Discussion Points (detailed)
3. Decisions Made
4. Action Items
5. Concerns or Issues Raised
6. Next Steps
7. Follow-up Required

Transcript:
` + transcript + `

Please provide a comprehensive summary that captures all important aspects of the discussion.`,
			llm.Options{MaxTokens: 2000, Temperature: 0.3}, nil

	case store.SummaryActionItems:
		return `Please extract all action items from the following meeting transcript.

` + header + `
For each action item, identify:
1. What needs to be done
2. Who is responsible (if mentioned)
3. When it should be completed (if mentioned)
4. Priority level (high/medium/low based on context)

Format as:
- Action: [description]
  Assignee: [name or "Not specified"]
  Due Date: [date or "Not specified"]
  Priority: [High/Medium/Low]

Transcript:
` + transcript + `

Only include clear, actionable tasks that were explicitly discussed or implied in the meeting.`,
			llm.Options{MaxTokens: 1500, Temperature: 0.2}, nil

	case store.SummaryKeyDecisions:
		return `Please identify all key decisions made during the following meeting.

` + header + `
For each decision, include:
1. What was decided
2. Who made the decision (if clear)
3. Context or reasoning (if provided)
4. Impact or implications

Format as:
- Decision: [what was decided]
  Decision Maker: [name or "Team/Group"]
  Reasoning: [context]
  Impact: [implications]

Transcript:
` + transcript + `

Focus only on concrete decisions that were finalized during the meeting.`,
			llm.Options{MaxTokens: 1500, Temperature: 0.2}, nil

	case store.SummaryRealTime:
		return `Please summarise the meeting so far in at most ` + strconv.Itoa(RealTimeMaxChars) + ` characters.

` + full + `
Include a short Key Points list.

Transcript:
` + transcript,
			llm.Options{MaxTokens: 200, Temperature: 0.3}, nil
	}
	return "", llm.Options{}, fmt.Errorf("unknown summary type %q", t)
}

// ActionItemsPrompt asks for a JSON array of action items over timestamped
// transcript lines.
func ActionItemsPrompt(timestamped string) string {
	return `Analyze the following meeting transcript and extract all action items.

For each action item, provide:
1. A clear, actionable title
2. Brief description (if context is available)
3. Assigned person (if mentioned)
4. Due date (if mentioned)
5. Priority level (High/Medium/Low based on urgency and importance)
6. Timestamp when it was mentioned

Format as JSON array:
[
  {
    "title": "Action item title",
    "description": "Additional context",
    "assignedTo": "Person's name or null",
    "assignedToEmail": "email if mentioned or null",
    "dueDate": "YYYY-MM-DD or null",
    "priority": "HIGH|MEDIUM|LOW",
    "sourceTimestamp": 123.45
  }
]

Transcript:
` + timestamped + `

Only include clear, actionable tasks. Avoid vague or general statements.`
}

// TopicsPrompt asks for a JSON array of topics over the plain transcript.
func TopicsPrompt(plain string) string {
	return `Analyze the following meeting transcript and extract the main topics discussed.

For each topic, provide:
1. Topic name (2-4 words)
2. Number of times mentioned or referenced
3. Key keywords related to this topic
4. Estimated time spent discussing (as percentage of total)
5. Relevance score (0-1, how important this topic was to the meeting)

Format as JSON array:
[
  {
    "name": "Topic name",
    "mentions": 5,
    "keywords": ["keyword1", "keyword2", "keyword3"],
    "timeSpent": 15,
    "relevanceScore": 0.8
  }
]

Transcript:
` + plain + `

Focus on substantive topics, not procedural or small talk.`
}
