// Package bedrock calls Amazon Bedrock models: Titan text embeddings and Anthropic Claude messages.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/oddsdesk/roirag/internal/embeddings"
	"github.com/oddsdesk/roirag/internal/ragerrors"
)

const (
	// DefaultEmbeddingModel is the Titan text embedding model (1024 dimensions by default).
	DefaultEmbeddingModel = "amazon.titan-embed-text-v2:0"
	// DefaultCompletionModel is the Claude model used for analysis.
	DefaultCompletionModel = "anthropic.claude-3-sonnet-20240229-v1:0"

	anthropicVersion = "bedrock-2023-05-31"
	contentTypeJSON  = "application/json"
)

var (
	// ErrNoEmbeddingInResponse is returned when Titan answers without an embedding.
	ErrNoEmbeddingInResponse = errors.New("bedrock: no embedding in response")
	// ErrNoTextInResponse is returned when Claude answers without a text block.
	ErrNoTextInResponse = errors.New("bedrock: no text content in response")
)

// InvokeModelAPI is the subset of the Bedrock runtime client used here.
type InvokeModelAPI interface {
	InvokeModel(
		ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options),
	) (*bedrockruntime.InvokeModelOutput, error)
}

// Client invokes Bedrock models.
type Client struct {
	api             InvokeModelAPI
	embeddingModel  string
	completionModel string
	dimensions      int
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithDimensions sets the expected embedding dimension.
func WithDimensions(dim int) ClientOption {
	return func(c *Client) {
		c.dimensions = dim
	}
}

// WithEmbeddingModel overrides the embedding model id. Empty keeps the default.
func WithEmbeddingModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.embeddingModel = model
		}
	}
}

// WithCompletionModel overrides the completion model id. Empty keeps the default.
func WithCompletionModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.completionModel = model
		}
	}
}

// NewClient wraps an existing Bedrock runtime API.
func NewClient(api InvokeModelAPI, opts ...ClientOption) *Client {
	client := &Client{
		api:             api,
		embeddingModel:  DefaultEmbeddingModel,
		completionModel: DefaultCompletionModel,
		dimensions:      1024,
	}
	for _, opt := range opts {
		opt(client)
	}

	return client
}

// NewClientFromEnvironment builds a runtime client from the default AWS credential chain.
// SDK retries are disabled; callers own retry policy.
func NewClientFromEnvironment(ctx context.Context, region string, opts ...ClientOption) (*Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}

	runtime := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		o.RetryMaxAttempts = 1
	})

	return NewClient(runtime, opts...), nil
}

type titanRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type titanResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// CreateEmbedding embeds text with the Titan model.
func (c *Client) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, embeddings.ErrEmptyInput
	}

	req := titanRequest{InputText: text}
	// Only Titan v2 accepts an output dimension.
	if strings.Contains(c.embeddingModel, "titan-embed-text-v2") {
		req.Dimensions = c.dimensions
	}

	var resp titanResponse
	if err := c.invoke(ctx, c.embeddingModel, req, &resp); err != nil {
		return nil, fmt.Errorf("bedrock embedding: %w", err)
	}

	if len(resp.Embedding) == 0 {
		return nil, ErrNoEmbeddingInResponse
	}

	if len(resp.Embedding) != c.dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", embeddings.ErrDimensionMismatch, len(resp.Embedding), c.dimensions)
	}

	return resp.Embedding, nil
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Messages         []claudeMessage `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// Complete sends prompt as a single user message to Claude and returns the first text block.
func (c *Client) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	req := claudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         []claudeMessage{{Role: "user", Content: prompt}},
	}

	var resp claudeResponse
	if err := c.invoke(ctx, c.completionModel, req, &resp); err != nil {
		return "", fmt.Errorf("bedrock completion: %w", err)
	}

	for _, block := range resp.Content {
		if block.Type == "text" || block.Type == "" {
			return block.Text, nil
		}
	}

	return "", ErrNoTextInResponse
}

func (c *Client) invoke(ctx context.Context, modelID string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String(contentTypeJSON),
		Accept:      aws.String(contentTypeJSON),
		Body:        body,
	})
	if err != nil {
		return classify(err)
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}

// classify marks errors that a retry cannot fix.
func classify(err error) error {
	var (
		validation *types.ValidationException
		denied     *types.AccessDeniedException
		notFound   *types.ResourceNotFoundException
	)

	if errors.As(err, &validation) || errors.As(err, &denied) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", ragerrors.NewValidationError("request", "bedrock rejected the request"), err)
	}

	return err
}
