// Package severity derives an urgency tier from a free-text incident description.
package severity

import (
	"strings"

	"swiftaid/internal/model"
)

// Keyword sets, checked in this order. The first set with a hit wins.
var (
	CriticalKeywords = []string{"unconscious", "not breathing", "severe bleeding", "heart attack", "stroke", "drowning"}
	HighKeywords     = []string{"breathing difficulty", "chest pain", "broken", "fracture", "allergic", "seizure"}
	LowKeywords      = []string{"minor", "small cut", "sprain", "fever", "headache"}
)

type tier struct {
	level    model.Severity
	keywords []string
}

var tiers = []tier{
	{model.SeverityCritical, CriticalKeywords},
	{model.SeverityHigh, HighKeywords},
	{model.SeverityLow, LowKeywords},
}

// Classifier maps descriptions to severity levels by substring match.
// It holds no state and is safe for concurrent use.
type Classifier struct{}

func NewClassifier() Classifier { return Classifier{} }

// Classify returns the severity for description, defaulting to medium.
func (Classifier) Classify(description string) model.Severity {
	level, _ := Matched(description)
	return level
}

// Matched returns the severity and the keyword that decided it.
// The keyword is empty when the default applies.
func Matched(description string) (model.Severity, string) {
	desc := strings.ToLower(description)
	for _, t := range tiers {
		for _, kw := range t.keywords {
			if strings.Contains(desc, kw) {
				return t.level, kw
			}
		}
	}
	return model.SeverityMedium, ""
}
