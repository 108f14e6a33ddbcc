package reasoning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Action is the tag of a Decision.
type Action string

const (
	ActionPass    Action = "pass"
	ActionMessage Action = "message"
)

// Decision is either Pass or Message.
type Decision interface {
	Action() Action
	decision()
}

// Pass means the assistant stays quiet.
type Pass struct {
	Reason string `json:"reason,omitempty"`
}

func (Pass) Action() Action { return ActionPass }
func (Pass) decision()      {}

// Message is text the assistant should post.
type Message struct {
	Text   string `json:"message"`
	Reason string `json:"reason,omitempty"`
	Tone   string `json:"tone,omitempty"`
}

func (Message) Action() Action { return ActionMessage }
func (Message) decision()      {}

// ReasonOf returns the reason attached to d.
func ReasonOf(d Decision) string {
	switch v := d.(type) {
	case Pass:
		return v.Reason
	case Message:
		return v.Reason
	}
	return ""
}

// Validate checks d against the mode it was requested in. Anything invalid
// comes back as an implicit Pass together with an error wrapping
// ErrMalformedDecision.
func Validate(d Decision, allowPass bool) (Decision, error) {
	switch v := d.(type) {
	case Message:
		if strings.TrimSpace(v.Text) == "" {
			return Pass{Reason: "empty message"}, fmt.Errorf("%w: message without text", ErrMalformedDecision)
		}
		v.Text = strings.TrimSpace(v.Text)
		return v, nil
	case Pass:
		if !allowPass {
			return Pass{Reason: v.Reason}, fmt.Errorf("%w: pass is not allowed while pursuing a goal", ErrMalformedDecision)
		}
		return v, nil
	case nil:
		return Pass{Reason: "no decision"}, fmt.Errorf("%w: nil decision", ErrMalformedDecision)
	default:
		return Pass{Reason: "unknown decision"}, fmt.Errorf("%w: unexpected %T", ErrMalformedDecision, d)
	}
}

type wireDecision struct {
	Action  string `json:"action"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Tone    string `json:"tone"`
}

// ParseDecision decodes the JSON object found in raw model output.
func ParseDecision(raw string) (Decision, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	var w wireDecision
	if err := json.Unmarshal(obj, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	switch Action(strings.ToLower(strings.TrimSpace(w.Action))) {
	case ActionPass:
		return Pass{Reason: w.Reason}, nil
	case ActionMessage:
		return Message{Text: w.Message, Reason: w.Reason, Tone: w.Tone}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformedDecision, w.Action)
	}
}

type wireExtraction struct {
	Memories []Candidate `json:"memories"`
}

// ParseCandidates decodes extractor output. Candidates with an unknown kind
// or no content are dropped.
func ParseCandidates(raw string) ([]Candidate, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedExtraction, err)
	}
	var w wireExtraction
	if err := json.Unmarshal(obj, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedExtraction, err)
	}
	out := make([]Candidate, 0, len(w.Memories))
	for _, c := range w.Memories {
		c.Kind = Kind(strings.ToLower(strings.TrimSpace(string(c.Kind))))
		c.Content = strings.TrimSpace(c.Content)
		if !c.Kind.Valid() || c.Content == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// extractJSONObject returns the outermost {...} span of s, which lets models
// wrap their answer in prose or code fences.
func extractJSONObject(s string) ([]byte, error) {
	b := []byte(s)
	start := bytes.IndexByte(b, '{')
	end := bytes.LastIndexByte(b, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in output")
	}
	return b[start : end+1], nil
}
