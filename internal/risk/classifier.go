// Package risk scans utterances for self-harm and acute-distress language.
//
// Matching is case-insensitive substring containment against fixed phrase
// lists, with no tokenization, stemming or negation handling. The lists favour
// recall over precision: "I would never hurt myself" escalates.
package risk

import (
	"strings"
)

// Classification is the result of scanning one utterance. The flags are
// independent and may both be set.
type Classification struct {
	Emergency bool `json:"emergency"`
	Crisis    bool `json:"crisis"`
}

// Escalate reports whether the utterance must get the scripted safety response.
func (c Classification) Escalate() bool {
	return c.Emergency || c.Crisis
}

// Classify runs both classifiers.
func Classify(text string) Classification {
	return Classification{
		Emergency: ClassifyEmergency(text),
		Crisis:    ClassifyCrisis(text),
	}
}

// ClassifyEmergency reports whether text contains explicit self-harm or
// suicide language.
func ClassifyEmergency(text string) bool {
	return containsAny(text, emergencyKeywords)
}

// ClassifyCrisis reports whether text contains acute-distress language.
func ClassifyCrisis(text string) bool {
	return containsAny(text, crisisKeywords)
}

// SuggestsMeditation reports whether an assistant reply reads as meditation
// or relaxation content. It only changes how the reply is rendered.
func SuggestsMeditation(text string) bool {
	return containsAny(text, meditationKeywords)
}

func containsAny(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
