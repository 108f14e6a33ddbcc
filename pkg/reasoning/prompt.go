package reasoning

import (
	"fmt"
	"strings"
	"time"
)

const extractSystem = `You maintain the long-term memory of a group chat assistant.
Read the transcript and return only JSON of the form
{"memories":[{"kind":"fact|goal|self","content":"...","subjects":["..."],"ttl":"48h|7d|","category":""}]}.
Facts are durable statements about people and the world. Goals are things the
assistant intends to follow up on. Self entries describe the assistant itself.
Use ttl for time-bound information and leave it empty for permanent facts.
Return {"memories":[]} when nothing is worth keeping.`

const decideSystem = `You decide whether a group chat assistant should post a message
without being asked. Return only JSON of the form
{"action":"pass|message","message":"...","reason":"...","tone":"..."}.`

func buildExtractPrompt(lines []Line) string {
	var sb strings.Builder
	sb.WriteString("Transcript:\n")
	writeLines(&sb, lines)
	return sb.String()
}

func buildDecidePrompt(req DecisionRequest) string {
	var sb strings.Builder
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	fmt.Fprintf(&sb, "Current time: %s\nRoom: %s\n\n", now.Format(time.RFC3339), req.Room)

	if req.Goal != nil {
		fmt.Fprintf(&sb, "Goal to act on now: %s\n", req.Goal.Content)
		sb.WriteString("You must write a message that advances this goal; \"pass\" is not allowed.\n\n")
	} else {
		sb.WriteString("There is no pending goal. Only speak if it clearly helps; otherwise pass.\n\n")
	}

	writeMemories(&sb, "Relevant facts", req.Facts)
	writeMemories(&sb, "About yourself", req.Self)

	sb.WriteString("Recent activity:\n")
	if len(req.Recent) == 0 {
		sb.WriteString("(quiet)\n")
	}
	writeLines(&sb, req.Recent)
	return sb.String()
}

func writeLines(sb *strings.Builder, lines []Line) {
	for _, l := range lines {
		fmt.Fprintf(sb, "[%s] %s: %s\n", l.Timestamp.Format("2006-01-02 15:04"), l.Author, l.Content)
	}
}

func writeMemories(sb *strings.Builder, title string, mems []Memory) {
	if len(mems) == 0 {
		return
	}
	sb.WriteString(title + ":\n")
	for _, m := range mems {
		sb.WriteString("- " + m.Content)
		if len(m.Subjects) > 0 {
			sb.WriteString(" (" + strings.Join(m.Subjects, ", ") + ")")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}
