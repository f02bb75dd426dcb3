package analysis

import (
	"strings"
)

// PromptInput holds the typed fields substituted into the analysis prompt.
type PromptInput struct {
	Question         string
	PrimaryContext   string
	SecondaryContext string
}

const promptHeader = `You are a Kalshi ROI analyst. Use market data + social sentiment for profitable opportunities.

MARKET DATA (Question,Option,Date,Odds %):
`

const promptInstructions = `Analyze for ROI opportunities:
1. Market odds trends and momentum
2. Social sentiment direction and intensity
3. Market inefficiencies (sentiment vs odds mismatch)
4. Calculate expected ROI based on true vs implied probability

Return JSON:
{
    "best_opportunity": "option name",
    "current_odds": float,
    "implied_probability": float,
    "true_probability_estimate": float,
    "expected_roi_percentage": float,
    "sentiment_momentum": "bullish/bearish/neutral",
    "market_assessment": "undervalued/overvalued/fair",
    "confidence": "high/medium/low",
    "key_insights": ["insight1", "insight2"],
    "reasoning": "detailed analysis"
}`

// BuildPrompt renders the analysis prompt. It has no side effects.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	b.Grow(len(promptHeader) + len(promptInstructions) + len(in.PrimaryContext) +
		len(in.SecondaryContext) + len(in.Question) + 64)

	b.WriteString(promptHeader)
	b.WriteString(in.PrimaryContext)
	b.WriteString("\n\nSOCIAL SENTIMENT:\n")
	b.WriteString(in.SecondaryContext)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(in.Question)
	b.WriteString("\n\n")
	b.WriteString(promptInstructions)

	return b.String()
}
