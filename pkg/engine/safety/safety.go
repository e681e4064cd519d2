// Package safety implements the pre-pipeline emergency gate. The check is a
// plain case-insensitive substring scan so it is cheap enough to run on
// every turn before any external call.
package safety

import "strings"

// DefaultKeywords is the stock emergency phrase list. Deployments may
// override it through configuration; matching is always lowercase.
var DefaultKeywords = []string{
	"chest pain", "difficulty breathing", "severe bleeding", "unconscious",
	"heart attack", "stroke", "seizure", "severe allergic reaction",
	"suicidal thoughts", "overdose", "can't breathe", "choking",
	"severe headache", "loss of consciousness", "severe abdominal pain",
	"severe burns", "poisoning", "drug overdose", "suicide", "kill myself",
}

// EmergencyResponse is the fixed assistant reply appended when the gate
// trips. The pipeline is skipped entirely for that turn.
const EmergencyResponse = "I've detected that you may be experiencing a medical emergency. " +
	"Please contact emergency services immediately (call 911) or go to the nearest " +
	"emergency room. This system cannot provide emergency medical care."

type Detection struct {
	Matched  bool
	Keywords []string
}

type Detector struct {
	keywords []string
}

// NewDetector builds a detector over the given phrase list; an empty list
// falls back to DefaultKeywords.
func NewDetector(keywords []string) *Detector {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		lowered = append(lowered, k)
	}
	return &Detector{keywords: lowered}
}

func (d *Detector) Detect(text string) Detection {
	if d == nil || text == "" {
		return Detection{}
	}
	lower := strings.ToLower(text)
	var matched []string
	for _, k := range d.keywords {
		if strings.Contains(lower, k) {
			matched = append(matched, k)
		}
	}
	return Detection{Matched: len(matched) > 0, Keywords: matched}
}
