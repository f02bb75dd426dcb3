// Package googleai wraps the Google Gen AI SDK (Gemini API) for embeddings and text generation.
package googleai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"

	"github.com/oddsdesk/roirag/internal/embeddings"
)

var (
	// ErrInvalidDims is returned when dimensions is not positive.
	ErrInvalidDims = errors.New("googleai: embedding dimensions must be positive")
	// ErrNoEmbeddingInResponse is returned when the API response contains no embedding data.
	ErrNoEmbeddingInResponse = errors.New("googleai: no embedding in response")
	// ErrEmptyCompletion is returned when generation yields no text.
	ErrEmptyCompletion = errors.New("googleai: empty completion")
)

const (
	defaultDimension       = 1024
	defaultModel           = "gemini-embedding-001"
	defaultCompletionModel = "gemini-2.0-flash"
)

// Client calls the Gemini API via the Google Gen AI SDK.
type Client struct {
	client          *genai.Client
	model           string
	completionModel string
	dimensions      int
	baseURL         string
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithDimensions sets the requested embedding dimension (must match the store).
func WithDimensions(dim int) ClientOption {
	return func(c *Client) {
		c.dimensions = dim
	}
}

// WithModel sets the embedding model name (e.g. gemini-embedding-001). Empty uses default.
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithCompletionModel sets the generation model name. Empty uses default.
func WithCompletionModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.completionModel = model
		}
	}
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// NewClient creates a Gemini client.
func NewClient(ctx context.Context, apiKey string, opts ...ClientOption) (*Client, error) {
	client := &Client{
		model:           defaultModel,
		completionModel: defaultCompletionModel,
		dimensions:      defaultDimension,
	}
	for _, opt := range opts {
		opt(client)
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if client.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: client.baseURL}
	}

	genaiClient, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("googleai client: %w", err)
	}

	client.client = genaiClient

	return client, nil
}

// CreateEmbedding returns the embedding vector for the given text using the configured model.
func (c *Client) CreateEmbedding(ctx context.Context, input string) ([]float32, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, embeddings.ErrEmptyInput
	}

	if c.dimensions <= 0 || c.dimensions > math.MaxInt32 {
		return nil, ErrInvalidDims
	}

	model := c.model
	if model == "" {
		model = defaultModel
	}

	contents := []*genai.Content{genai.NewContentFromText(input, genai.RoleUser)}
	//nolint:gosec // G115: c.dimensions is bounded above by math.MaxInt32
	dimInt32 := int32(c.dimensions)

	resp, err := c.client.Models.EmbedContent(ctx, model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dimInt32,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedding: %w", err)
	}

	if len(resp.Embeddings) == 0 {
		return nil, ErrNoEmbeddingInResponse
	}

	emb := resp.Embeddings[0].Values
	if len(emb) != c.dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", embeddings.ErrDimensionMismatch, len(emb), c.dimensions)
	}

	out := make([]float32, len(emb))
	copy(out, emb)

	return out, nil
}

// Complete generates text for prompt, capped at maxTokens output tokens when positive.
func (c *Client) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	model := c.completionModel
	if model == "" {
		model = defaultCompletionModel
	}

	cfg := &genai.GenerateContentConfig{}
	if maxTokens > 0 && maxTokens <= math.MaxInt32 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", ErrEmptyCompletion
	}

	return text, nil
}
