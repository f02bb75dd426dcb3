package models

import "encoding/json"

// SentimentMomentum is the direction of social sentiment.
type SentimentMomentum string

// Sentiment momentum values.
const (
	SentimentBullish SentimentMomentum = "bullish"
	SentimentBearish SentimentMomentum = "bearish"
	SentimentNeutral SentimentMomentum = "neutral"
)

// MarketAssessment is the model's view of the market price versus its estimate.
type MarketAssessment string

// Market assessment values.
const (
	MarketUndervalued MarketAssessment = "undervalued"
	MarketOvervalued  MarketAssessment = "overvalued"
	MarketFair        MarketAssessment = "fair"
)

// Confidence is the model's self-reported confidence.
type Confidence string

// Confidence values.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// AnalysisResult is the structured opportunity analysis returned by the generative model.
type AnalysisResult struct {
	BestOpportunity         string            `json:"best_opportunity" validate:"required"`
	CurrentOdds             float64           `json:"current_odds"`
	ImpliedProbability      float64           `json:"implied_probability"`
	TrueProbabilityEstimate float64           `json:"true_probability_estimate"`
	ExpectedROIPercentage   float64           `json:"expected_roi_percentage"`
	SentimentMomentum       SentimentMomentum `json:"sentiment_momentum" validate:"oneof=bullish bearish neutral"`
	MarketAssessment        MarketAssessment  `json:"market_assessment" validate:"oneof=undervalued overvalued fair"`
	Confidence              Confidence        `json:"confidence" validate:"oneof=high medium low"`
	KeyInsights             []string          `json:"key_insights"`
	Reasoning               string            `json:"reasoning"`
}

// AnalysisFailure is the degraded result when the completion could not be parsed.
type AnalysisFailure struct {
	Error string `json:"error"`
	Raw   string `json:"raw"`
}

// AnalysisOutcome holds exactly one of Result or Failure.
type AnalysisOutcome struct {
	Result  *AnalysisResult
	Failure *AnalysisFailure
}

// Parsed reports whether the completion was parsed into a structured result.
func (o AnalysisOutcome) Parsed() bool {
	return o.Result != nil
}

// MarshalJSON encodes whichever side of the outcome is set.
func (o AnalysisOutcome) MarshalJSON() ([]byte, error) {
	if o.Result != nil {
		return json.Marshal(o.Result)
	}

	if o.Failure != nil {
		return json.Marshal(o.Failure)
	}

	return []byte("null"), nil
}
