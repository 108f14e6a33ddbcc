// Package reasoning defines the contracts with the language model that
// extracts memories from chat and decides whether to speak up.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrReasoningTimeout is returned when a call exceeds its deadline.
	ErrReasoningTimeout = errors.New("reasoning: timed out")
	// ErrMalformedDecision marks a decision that failed validation.
	ErrMalformedDecision = errors.New("reasoning: malformed decision")
	// ErrMalformedExtraction marks extractor output that could not be parsed.
	ErrMalformedExtraction = errors.New("reasoning: malformed extraction")
	// ErrUnavailable wraps transport and API failures.
	ErrUnavailable = errors.New("reasoning: unavailable")
)

// Kind selects the memory partition an extracted candidate belongs to.
type Kind string

const (
	KindFact Kind = "fact"
	KindGoal Kind = "goal"
	KindSelf Kind = "self"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFact, KindGoal, KindSelf:
		return true
	}
	return false
}

// Line is one chat message handed to the model.
type Line struct {
	ID        string    `json:"id,omitempty"`
	Author    string    `json:"author"`
	Room      string    `json:"room,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Candidate is a memory proposed by the extractor.
type Candidate struct {
	Kind     Kind     `json:"kind"`
	Content  string   `json:"content"`
	Subjects []string `json:"subjects,omitempty"`
	TTL      string   `json:"ttl,omitempty"`
	Category string   `json:"category,omitempty"`
}

// Usage is the token accounting of one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// Memory is a stored record shown to the model as context.
type Memory struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Subjects []string `json:"subjects,omitempty"`
	Category string   `json:"category,omitempty"`
	Score    float64  `json:"score,omitempty"`
}

// DecisionRequest is everything the decider sees for one reflection.
type DecisionRequest struct {
	Room string
	// Goal is the single goal being pursued; nil in open mode.
	Goal   *Memory
	Facts  []Memory
	Self   []Memory
	Recent []Line
	// AllowPass is false in goal-directed mode.
	AllowPass bool
	Now       time.Time
}

// Extractor turns a transcript into memory candidates.
type Extractor interface {
	Extract(ctx context.Context, lines []Line) ([]Candidate, Usage, error)
}

// Decider chooses between staying quiet and posting a message.
type Decider interface {
	Decide(ctx context.Context, req DecisionRequest) (Decision, Usage, error)
}

// mapContextErr converts deadline errors into ErrReasoningTimeout.
func mapContextErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrReasoningTimeout, err)
	}
	return err
}
