// Package openai wraps the official OpenAI Go SDK for embeddings and chat completions.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/oddsdesk/roirag/internal/embeddings"
	"github.com/oddsdesk/roirag/internal/ragerrors"
)

var (
	// ErrInvalidDims is returned when dimensions is not positive.
	ErrInvalidDims = errors.New("openai: embedding dimensions must be positive")
	// ErrNoEmbeddingInResponse is returned when the API response contains no embedding data.
	ErrNoEmbeddingInResponse = errors.New("openai: no embedding in response")
	// ErrNoChoiceInResponse is returned when a chat completion has no choices.
	ErrNoChoiceInResponse = errors.New("openai: no choice in completion response")
)

const (
	defaultDimension       = 1024
	defaultEmbeddingModel  = "text-embedding-3-small"
	defaultCompletionModel = "gpt-4o-mini"
)

// Client calls the OpenAI embeddings and chat completions APIs via the official SDK.
type Client struct {
	sdk             openaisdk.Client
	dimensions      int
	embeddingModel  string
	completionModel string
	requestOptions  []option.RequestOption
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithDimensions sets the requested embedding dimension (must match the store).
func WithDimensions(dim int) ClientOption {
	return func(c *Client) {
		c.dimensions = dim
	}
}

// WithEmbeddingModel overrides the embedding model. Empty keeps the default.
func WithEmbeddingModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.embeddingModel = model
		}
	}
}

// WithCompletionModel overrides the chat model. Empty keeps the default.
func WithCompletionModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.completionModel = model
		}
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.requestOptions = append(c.requestOptions, option.WithBaseURL(baseURL))
		}
	}
}

// NewClient creates an OpenAI client. SDK-level retries are disabled; callers own retry policy.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	client := &Client{
		dimensions:      defaultDimension,
		embeddingModel:  defaultEmbeddingModel,
		completionModel: defaultCompletionModel,
	}

	for _, opt := range opts {
		opt(client)
	}

	sdkOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, client.requestOptions...)
	client.sdk = openaisdk.NewClient(sdkOpts...)

	return client
}

// CreateEmbedding returns the embedding vector for the given text.
// The returned slice length equals the configured dimensions.
func (c *Client) CreateEmbedding(ctx context.Context, input string) ([]float32, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, embeddings.ErrEmptyInput
	}

	if c.dimensions <= 0 {
		return nil, ErrInvalidDims
	}

	resp, err := c.sdk.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Input: openaisdk.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(input),
		},
		Model:      openaisdk.EmbeddingModel(c.embeddingModel),
		Dimensions: param.NewOpt(int64(c.dimensions)),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding: %w", classify(err))
	}

	if len(resp.Data) == 0 {
		return nil, ErrNoEmbeddingInResponse
	}

	emb := resp.Data[0].Embedding
	if len(emb) != c.dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", embeddings.ErrDimensionMismatch, len(emb), c.dimensions)
	}

	out := make([]float32, len(emb))
	for i := range emb {
		out[i] = float32(emb[i])
	}

	return out, nil
}

// Complete sends prompt as a single user message and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	params := openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(c.completionModel),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.UserMessage(prompt),
		},
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", classify(err))
	}

	if len(resp.Choices) == 0 {
		return "", ErrNoChoiceInResponse
	}

	return resp.Choices[0].Message.Content, nil
}

// classify marks client errors other than rate limiting as non-retryable.
func classify(err error) error {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) &&
		apiErr.StatusCode >= http.StatusBadRequest &&
		apiErr.StatusCode < http.StatusInternalServerError &&
		apiErr.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ragerrors.NewValidationError("request", "openai rejected the request"), err)
	}

	return err
}
