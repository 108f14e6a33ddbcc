package reasoning

import (
	"context"
	"regexp"
	"strings"
)

var (
	goalPattern = regexp.MustCompile(`(?i)^\s*(?:remind (?:me|us)|don'?t forget|follow up)\b[\s,:]*(.+)$`)
	selfPattern = regexp.MustCompile(`(?i)^\s*(?:you are|your name is|you should always)\b\s*(.+)$`)
)

// StaticOracle is an offline, rule-based stand-in for the model. It keeps
// the pipeline usable without an API key and makes tests deterministic.
type StaticOracle struct {
	// MinWords is the shortest message kept as a fact.
	MinWords int
}

// NewStaticOracle returns a StaticOracle with defaults.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{MinWords: 4}
}

// Extract keeps reminders as goals, statements about the assistant as self
// entries and other sufficiently long messages as facts about their author.
func (s *StaticOracle) Extract(ctx context.Context, lines []Line) ([]Candidate, Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, Usage{}, mapContextErr(ctx, err)
	}
	var out []Candidate
	for _, l := range lines {
		content := strings.TrimSpace(l.Content)
		subjects := nonEmpty(l.Author)
		switch {
		case goalPattern.MatchString(content):
			m := goalPattern.FindStringSubmatch(content)
			out = append(out, Candidate{Kind: KindGoal, Content: strings.TrimSpace(m[1]), Subjects: subjects})
		case selfPattern.MatchString(content):
			m := selfPattern.FindStringSubmatch(content)
			out = append(out, Candidate{Kind: KindSelf, Content: "I am " + strings.TrimSpace(m[1])})
		case len(strings.Fields(content)) >= s.MinWords:
			out = append(out, Candidate{Kind: KindFact, Content: content, Subjects: subjects})
		}
	}
	return out, Usage{}, nil
}

// Decide speaks the goal when there is one and passes otherwise.
func (s *StaticOracle) Decide(ctx context.Context, req DecisionRequest) (Decision, Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, Usage{}, mapContextErr(ctx, err)
	}
	if req.Goal == nil {
		return Pass{Reason: "nothing pending"}, Usage{}, nil
	}
	return Message{Text: "Reminder: " + req.Goal.Content, Reason: "pending goal", Tone: "friendly"}, Usage{}, nil
}

func nonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return []string{s}
}
