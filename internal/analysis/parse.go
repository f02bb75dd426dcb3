package analysis

import (
	"encoding/json"
	"strings"

	"github.com/oddsdesk/roirag/internal/models"
	"github.com/oddsdesk/roirag/internal/validation"
)

const (
	fence   = "```"
	jsonTag = "json"
	// ParseFailedMessage is the error text of a degraded outcome.
	ParseFailedMessage = "Parse failed"
	// RawPreviewLength is how many characters of an unparsable completion are kept.
	RawPreviewLength = 200
)

// ExtractJSON returns the candidate JSON text of a completion: the body of the first ```json
// block (tag matched case-insensitively), else of the first bare fenced block, otherwise the
// whole completion. An unterminated fence yields everything after the opening marker.
func ExtractJSON(completion string) string {
	var body string

	if start := indexJSONFence(completion); start >= 0 {
		body = completion[start+len(fence)+len(jsonTag):]
	} else if start := strings.Index(completion, fence); start >= 0 {
		body = completion[start+len(fence):]
	} else {
		return strings.TrimSpace(completion)
	}

	if end := strings.Index(body, fence); end >= 0 {
		body = body[:end]
	}

	return strings.TrimSpace(body)
}

// indexJSONFence returns the byte offset of the first fence tagged json in any case, or -1.
func indexJSONFence(s string) int {
	for offset := 0; ; {
		i := strings.Index(s[offset:], fence)
		if i < 0 {
			return -1
		}

		i += offset
		if tag := s[i+len(fence):]; len(tag) >= len(jsonTag) && strings.EqualFold(tag[:len(jsonTag)], jsonTag) {
			return i
		}

		offset = i + len(fence)
	}
}

// ParseCompletion converts a model completion into an outcome. It never fails: text that is
// not a valid analysis object degrades to a Failure carrying a preview of the completion.
func ParseCompletion(completion string) models.AnalysisOutcome {
	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(ExtractJSON(completion)), &result); err != nil {
		return failed(completion)
	}

	result.SentimentMomentum = models.SentimentMomentum(normalizeEnum(string(result.SentimentMomentum)))
	result.MarketAssessment = models.MarketAssessment(normalizeEnum(string(result.MarketAssessment)))
	result.Confidence = models.Confidence(normalizeEnum(string(result.Confidence)))

	if err := validation.ValidateStruct(result); err != nil {
		return failed(completion)
	}

	return models.AnalysisOutcome{Result: &result}
}

func normalizeEnum(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func failed(completion string) models.AnalysisOutcome {
	raw := []rune(completion)
	if len(raw) > RawPreviewLength {
		raw = raw[:RawPreviewLength]
	}

	return models.AnalysisOutcome{Failure: &models.AnalysisFailure{Error: ParseFailedMessage, Raw: string(raw)}}
}
