package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddsdesk/roirag/internal/models"
)

const validJSON = `{
  "best_opportunity": "X",
  "current_odds": 42.5,
  "implied_probability": 0.425,
  "true_probability_estimate": 0.55,
  "expected_roi_percentage": 29.4,
  "sentiment_momentum": "bullish",
  "market_assessment": "undervalued",
  "confidence": "medium",
  "key_insights": ["odds lag sentiment", "volume rising"],
  "reasoning": "social chatter leads price"
}`

// mockGenerator is a mock implementation of Generator.
type mockGenerator struct {
	completeFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)
}

func (m *mockGenerator) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return m.completeFunc(ctx, prompt, maxTokens)
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(PromptInput{
		Question:         "Who wins the NJ governor race?",
		PrimaryContext:   "NJ Governor,Sherrill,2025-10-01,61%",
		SecondaryContext: "[2025-10-01 10:00:00] sherrill momentum",
	})

	assert.Contains(t, prompt, "MARKET DATA (Question,Option,Date,Odds %):\nNJ Governor,Sherrill,2025-10-01,61%")
	assert.Contains(t, prompt, "SOCIAL SENTIMENT:\n[2025-10-01 10:00:00] sherrill momentum")
	assert.Contains(t, prompt, "Question: Who wins the NJ governor race?")

	for _, field := range []string{
		"best_opportunity", "current_odds", "implied_probability", "true_probability_estimate",
		"expected_roi_percentage", "sentiment_momentum", "market_assessment", "confidence",
		"key_insights", "reasoning",
	} {
		assert.Contains(t, prompt, `"`+field+`"`)
	}

	assert.Less(t, strings.Index(prompt, "MARKET DATA"), strings.Index(prompt, "SOCIAL SENTIMENT"))
	assert.Less(t, strings.Index(prompt, "SOCIAL SENTIMENT"), strings.Index(prompt, "Question:"))
	assert.Equal(t, prompt, BuildPrompt(PromptInput{
		Question:         "Who wins the NJ governor race?",
		PrimaryContext:   "NJ Governor,Sherrill,2025-10-01,61%",
		SecondaryContext: "[2025-10-01 10:00:00] sherrill momentum",
	}))
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name       string
		completion string
		want       string
	}{
		{name: "no fence", completion: ` {"a":1} `, want: `{"a":1}`},
		{name: "json fence", completion: "Here you go:\n```json\n{\"a\":1}\n```\nThanks", want: `{"a":1}`},
		{name: "bare fence", completion: "```\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "upper-case tag", completion: "```JSON\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "unterminated fence", completion: "```json\n{\"a\":1}", want: `{"a":1}`},
		{name: "first block wins", completion: "```json\n{\"a\":1}\n```\n```json\n{\"a\":2}\n```", want: `{"a":1}`},
		{
			name:       "json block preferred over earlier bare block",
			completion: "Sample:\n```\nYES 45%\n```\nAnswer:\n```json\n{\"a\":1}\n```",
			want:       `{"a":1}`,
		},
		{
			name:       "json tag matched in any case after bare block",
			completion: "```\nquote\n```\n```Json\n{\"a\":1}\n```",
			want:       `{"a":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.completion))
		})
	}
}

func TestParseCompletion(t *testing.T) {
	t.Run("fenced block parses into result", func(t *testing.T) {
		outcome := ParseCompletion("```json\n" + validJSON + "\n```")

		require.True(t, outcome.Parsed())
		assert.Nil(t, outcome.Failure)
		assert.Equal(t, "X", outcome.Result.BestOpportunity)
		assert.InDelta(t, 42.5, outcome.Result.CurrentOdds, 1e-9)
		assert.Equal(t, models.SentimentBullish, outcome.Result.SentimentMomentum)
		assert.Equal(t, models.MarketUndervalued, outcome.Result.MarketAssessment)
		assert.Equal(t, models.ConfidenceMedium, outcome.Result.Confidence)
		assert.Equal(t, []string{"odds lag sentiment", "volume rising"}, outcome.Result.KeyInsights)
	})

	t.Run("earlier non-JSON block does not hide the json block", func(t *testing.T) {
		outcome := ParseCompletion("Sample:\n```\nYES 45%\n```\nAnswer:\n```json\n" + validJSON + "\n```")

		require.True(t, outcome.Parsed())
		assert.Equal(t, "X", outcome.Result.BestOpportunity)
	})

	t.Run("unfenced valid JSON parses", func(t *testing.T) {
		outcome := ParseCompletion(validJSON)
		require.True(t, outcome.Parsed())
		assert.Equal(t, "X", outcome.Result.BestOpportunity)
	})

	t.Run("enum values are normalized", func(t *testing.T) {
		text := strings.Replace(validJSON, `"bullish"`, `" Bullish "`, 1)
		text = strings.Replace(text, `"medium"`, `"MEDIUM"`, 1)

		outcome := ParseCompletion(text)
		require.True(t, outcome.Parsed())
		assert.Equal(t, models.SentimentBullish, outcome.Result.SentimentMomentum)
		assert.Equal(t, models.ConfidenceMedium, outcome.Result.Confidence)
	})

	t.Run("invalid JSON without fence falls back with raw preview", func(t *testing.T) {
		completion := strings.Repeat("not json at all. ", 30)

		outcome := ParseCompletion(completion)

		require.False(t, outcome.Parsed())
		assert.Equal(t, &models.AnalysisFailure{Error: "Parse failed", Raw: completion[:200]}, outcome.Failure)
	})

	t.Run("short invalid completion is kept whole", func(t *testing.T) {
		outcome := ParseCompletion("oops")
		require.False(t, outcome.Parsed())
		assert.Equal(t, "oops", outcome.Failure.Raw)
	})

	t.Run("raw preview counts characters not bytes", func(t *testing.T) {
		completion := strings.Repeat("é", 250)

		outcome := ParseCompletion(completion)
		require.False(t, outcome.Parsed())
		assert.Equal(t, strings.Repeat("é", 200), outcome.Failure.Raw)
	})

	t.Run("missing best_opportunity degrades", func(t *testing.T) {
		outcome := ParseCompletion(`{"confidence":"high","sentiment_momentum":"neutral","market_assessment":"fair"}`)
		assert.False(t, outcome.Parsed())
	})

	t.Run("out-of-vocabulary enum degrades", func(t *testing.T) {
		outcome := ParseCompletion(strings.Replace(validJSON, `"bullish"`, `"sideways"`, 1))
		assert.False(t, outcome.Parsed())
	})

	t.Run("JSON array degrades", func(t *testing.T) {
		assert.False(t, ParseCompletion(`[1,2,3]`).Parsed())
	})

	t.Run("degraded outcome serializes as error object", func(t *testing.T) {
		data, err := json.Marshal(ParseCompletion("garbage"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"error":"Parse failed","raw":"garbage"}`, string(data))
	})
}

func TestClient_Analyze(t *testing.T) {
	t.Run("passes prompt and token cap to generator", func(t *testing.T) {
		gen := &mockGenerator{
			completeFunc: func(_ context.Context, prompt string, maxTokens int) (string, error) {
				assert.Contains(t, prompt, "Question: q?")
				assert.Contains(t, prompt, "primary line")
				assert.Contains(t, prompt, "secondary line")
				assert.Equal(t, 700, maxTokens)

				return "```json\n" + validJSON + "\n```", nil
			},
		}

		client := NewClient(ClientParams{Generator: gen})

		outcome, err := client.Analyze(context.Background(), "q?", "primary line", "secondary line")
		require.NoError(t, err)
		require.True(t, outcome.Parsed())
	})

	t.Run("generator failure propagates", func(t *testing.T) {
		gen := &mockGenerator{
			completeFunc: func(context.Context, string, int) (string, error) {
				return "", errors.New("service unavailable")
			},
		}

		_, err := NewClient(ClientParams{Generator: gen, MaxOutputTokens: 50}).Run(context.Background(), "p")
		assert.EqualError(t, err, "service unavailable")
	})

	t.Run("unparsable completion is not an error", func(t *testing.T) {
		gen := &mockGenerator{
			completeFunc: func(context.Context, string, int) (string, error) {
				return "I cannot answer that", nil
			},
		}

		outcome, err := NewClient(ClientParams{Generator: gen}).Run(context.Background(), "p")
		require.NoError(t, err)
		require.NotNil(t, outcome.Failure)
		assert.Equal(t, "Parse failed", outcome.Failure.Error)
	})

	t.Run("empty question", func(t *testing.T) {
		_, err := NewClient(ClientParams{Generator: &mockGenerator{}}).Analyze(context.Background(), "", "", "")
		assert.ErrorIs(t, err, ErrEmptyQuestion)
	})
}
