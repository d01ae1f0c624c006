package llm

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/maildigest/pkg/schema"
)

const assistantPrompt = "You are a helpful personal assistant."

const classifyInstructions = `Classify each email as "high", "medium" or "low".
- high: urgent, an interview invitation, career opportunities such as hackathons, courses or competitions, or course announcements from professors.
- medium: important but no immediate action needed, such as routine mail from school, colleagues, friends or family, or automatic replies from job sites.
- low: newsletters, promotions and marketing mail.
Return one classification per email, using the email ID exactly as given.`

const summarizeInstructions = `Write a short digest of these emails for their recipient.
Lead with what needs action, then anything notable, then a one-line mention of the rest.
Plain prose or a short bullet list, no headings.`

const detectInstructions = `You are a scheduling assistant. Find events in the emails below: interviews, meetings, classes, activities.
Only extract events with an explicit date and time.
For each event return:
- email_id: the ID of the email it came from
- title
- start_time: ISO 8601
- end_time: ISO 8601, or an empty string when not stated
- location and description, or empty strings
- confidence between 0 and 1: 0.9-1.0 for explicit invitations or confirmed interviews, 0.7-0.9 for announcements with a time and place, 0.5-0.7 for vague timing. Omit anything below 0.5.`

// bodyLimit caps the message body sent to the detector.
const bodyLimit = 500

func emailBlock(msgs []schema.Message, withBody bool) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		content := m.Snippet
		if withBody {
			content = truncate(m.Body, bodyLimit)
		}
		parts = append(parts, fmt.Sprintf("ID: %s\nSubject: %s\nFrom: %s\nContent: %s", m.ID, m.Subject, m.From, content))
	}
	return strings.Join(parts, "\n\n")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
