// Package analysis builds the opportunity-analysis prompt, calls a generative model and
// parses its completion into a typed result.
package analysis

import (
	"context"
	"errors"
	"log/slog"

	"github.com/oddsdesk/roirag/internal/models"
)

// DefaultMaxOutputTokens caps the completion length.
const DefaultMaxOutputTokens = 700

// ErrEmptyQuestion is returned when Analyze is called without a question.
var ErrEmptyQuestion = errors.New("analysis: question is empty")

// Generator is a generative-text service.
type Generator interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Client runs analyses against a Generator.
type Client struct {
	generator Generator
	maxTokens int
	logger    *slog.Logger
}

// ClientParams configures Client. MaxOutputTokens defaults to DefaultMaxOutputTokens.
type ClientParams struct {
	Generator       Generator
	MaxOutputTokens int
	Logger          *slog.Logger
}

// NewClient creates an analysis client.
func NewClient(p ClientParams) *Client {
	maxTokens := p.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{generator: p.Generator, maxTokens: maxTokens, logger: logger}
}

// Analyze builds the prompt for question and both context blocks and runs it.
func (c *Client) Analyze(ctx context.Context, question, primaryContext, secondaryContext string) (models.AnalysisOutcome, error) {
	if question == "" {
		return models.AnalysisOutcome{}, ErrEmptyQuestion
	}

	return c.Run(ctx, BuildPrompt(PromptInput{
		Question:         question,
		PrimaryContext:   primaryContext,
		SecondaryContext: secondaryContext,
	}))
}

// Run sends a prepared prompt. Generator failures are returned as errors;
// an unparsable completion is returned as a degraded outcome with a nil error.
func (c *Client) Run(ctx context.Context, prompt string) (models.AnalysisOutcome, error) {
	completion, err := c.generator.Complete(ctx, prompt, c.maxTokens)
	if err != nil {
		return models.AnalysisOutcome{}, err
	}

	outcome := ParseCompletion(completion)
	if !outcome.Parsed() {
		c.logger.Warn("analysis: completion could not be parsed", "completion_length", len(completion))
	}

	return outcome, nil
}
