package service

import (
	"strings"
	"time"

	"github.com/oddsdesk/roirag/internal/models"
)

// Context assembly defaults.
const (
	DefaultInspectCount    = 10
	DefaultPrimaryCap      = 15
	DefaultSecondaryCap    = 10
	DefaultSecondaryMarker = "social sentiment"

	secondaryDateLayout = "2006-01-02 15:04:05"
	undatedLabel        = "undated"
)

// ContextPolicy controls how retrieved matches become prompt context.
// Zero values fall back to the defaults above.
type ContextPolicy struct {
	// InspectCount is how many leading matches are classified.
	InspectCount int
	// PrimaryCap and SecondaryCap bound the lines emitted per category.
	PrimaryCap   int
	SecondaryCap int
	// SecondaryMarker routes a match to the secondary category when its topic contains it.
	SecondaryMarker string
}

func (p ContextPolicy) withDefaults() ContextPolicy {
	if p.InspectCount <= 0 {
		p.InspectCount = DefaultInspectCount
	}

	if p.PrimaryCap <= 0 {
		p.PrimaryCap = DefaultPrimaryCap
	}

	if p.SecondaryCap <= 0 {
		p.SecondaryCap = DefaultSecondaryCap
	}

	if p.SecondaryMarker == "" {
		p.SecondaryMarker = DefaultSecondaryMarker
	}

	return p
}

// AssembledContext is the prompt-ready form of a search result.
type AssembledContext struct {
	// Primary and Secondary are newline-joined, capped context blocks.
	Primary   string
	Secondary string
	// PrimaryMatches and SecondaryMatches count classified matches before capping.
	PrimaryMatches   int
	SecondaryMatches int
	// Inspected is how many matches were classified.
	Inspected int
}

// AssembleContext classifies the first InspectCount matches by topic marker and renders each
// category as a capped block. Secondary lines are prefixed with their bracketed date.
func AssembleContext(results []models.QueryResult, policy ContextPolicy) AssembledContext {
	policy = policy.withDefaults()

	inspected := results[:min(len(results), policy.InspectCount)]

	var primary, secondary []string

	for _, r := range inspected {
		if strings.Contains(r.Topic, policy.SecondaryMarker) {
			secondary = append(secondary, "["+formatDate(r.Date)+"] "+r.Text)

			continue
		}

		primary = append(primary, r.Text)
	}

	return AssembledContext{
		Primary:          strings.Join(primary[:min(len(primary), policy.PrimaryCap)], "\n"),
		Secondary:        strings.Join(secondary[:min(len(secondary), policy.SecondaryCap)], "\n"),
		PrimaryMatches:   len(primary),
		SecondaryMatches: len(secondary),
		Inspected:        len(inspected),
	}
}

func formatDate(t *time.Time) string {
	if t == nil {
		return undatedLabel
	}

	return t.UTC().Format(secondaryDateLayout)
}
