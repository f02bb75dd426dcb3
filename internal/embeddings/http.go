package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/oddsdesk/roirag/internal/ragerrors"
)

// HTTPClientOptions configures HTTPClient.
type HTTPClientOptions struct {
	// URL receives POST {"text": ...} and answers {"embedding": [...]}.
	URL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Dimension is the expected vector length.
	Dimension int
	// RetryMax is the number of transport-level retries (default 0; the pipeline retries with backoff).
	RetryMax int
	// Timeout is the per-attempt HTTP timeout (default 30 seconds).
	Timeout time.Duration
	// Logger receives retry diagnostics. Nil disables them.
	Logger *slog.Logger
}

// HTTPClient calls a generic JSON embedding service.
type HTTPClient struct {
	url        string
	apiKey     string
	dimension  int
	httpClient *retryablehttp.Client
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewHTTPClient creates an embedding client for a {text} -> {embedding} service.
func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("embeddings: service URL is required")
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("embeddings: dimension must be positive")
	}

	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = max(opts.RetryMax, 0)
	retryClient.HTTPClient.Timeout = opts.Timeout
	// Hand the final response back so status codes can be classified below.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	retryClient.Logger = nil
	if opts.Logger != nil {
		retryClient.Logger = opts.Logger
	}

	return &HTTPClient{
		url:        opts.URL,
		apiKey:     opts.APIKey,
		dimension:  opts.Dimension,
		httpClient: retryClient,
	}, nil
}

// CreateEmbedding posts text to the service and validates the returned vector length.
func (c *HTTPClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	payload, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Error("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("embedding service returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
		// 4xx other than 429 means the input was refused; retrying will not help.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, ragerrors.NewValidationError("text", msg)
		}

		return nil, errors.New(msg)
	}

	var decoded embedResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedding response: %w", err)
	}

	if len(decoded.Embedding) != c.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(decoded.Embedding), c.dimension)
	}

	return decoded.Embedding, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n])
}

var _ Client = (*HTTPClient)(nil)
