package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oddsdesk/roirag/internal/models"
)

// MockGenerator returns a fixed, well-formed fenced analysis. It is used for local runs
// without model credentials.
type MockGenerator struct{}

// Complete returns a neutral analysis echoing how many context lines the prompt carried.
func (MockGenerator) Complete(_ context.Context, prompt string, _ int) (string, error) {
	lines := strings.Count(prompt, "\n")

	result := models.AnalysisResult{
		BestOpportunity:   "none",
		SentimentMomentum: models.SentimentNeutral,
		MarketAssessment:  models.MarketFair,
		Confidence:        models.ConfidenceLow,
		KeyInsights:       []string{fmt.Sprintf("prompt had %d lines", lines)},
		Reasoning:         "mock analysis generator",
	}

	data, err := json.Marshal(result)
	if err != nil {
		return "", err
	}

	return "```json\n" + string(data) + "\n```", nil
}

var _ Generator = MockGenerator{}
