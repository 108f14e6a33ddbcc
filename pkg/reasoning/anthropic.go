package reasoning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the Claude-backed oracle.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	Timeout   time.Duration
}

// AnthropicOracle implements Extractor and Decider with the Messages API.
type AnthropicOracle struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// NewAnthropicOracle creates an oracle. Retries are left to the caller's
// schedule, so the client is built without them.
func NewAnthropicOracle(cfg AnthropicConfig) (*AnthropicOracle, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("reasoning: anthropic api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &AnthropicOracle{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}, nil
}

// Extract asks the model for memories worth keeping from lines.
func (o *AnthropicOracle) Extract(ctx context.Context, lines []Line) ([]Candidate, Usage, error) {
	if len(lines) == 0 {
		return nil, Usage{}, nil
	}
	text, usage, err := o.complete(ctx, extractSystem, buildExtractPrompt(lines))
	if err != nil {
		return nil, usage, err
	}
	candidates, err := ParseCandidates(text)
	return candidates, usage, err
}

// Decide asks the model whether to speak. The returned decision is parsed
// but not validated against the request mode.
func (o *AnthropicOracle) Decide(ctx context.Context, req DecisionRequest) (Decision, Usage, error) {
	text, usage, err := o.complete(ctx, decideSystem, buildDecidePrompt(req))
	if err != nil {
		return nil, usage, err
	}
	d, err := ParseDecision(text)
	return d, usage, err
}

func (o *AnthropicOracle) complete(ctx context.Context, system, prompt string) (string, Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(o.model),
		MaxTokens: o.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if mapped := mapContextErr(ctx, err); mapped != err {
			return "", Usage{}, mapped
		}
		return "", Usage{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	usage := Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), usage, nil
}
