package training

import "strings"

// Confidence scores a pattern from its evidence with add-one smoothing:
// no evidence is 50, and every positive raises it while every negative lowers
// it.
func Confidence(positive, negative int) float64 {
	positive = max(0, positive)
	negative = max(0, negative)
	return 100 * float64(positive+1) / float64(positive+negative+2)
}

// NormalizePattern lowercases text, collapses whitespace and caps its length
// so the same phrase from different pages lands on one pattern.
func NormalizePattern(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if runes := []rune(normalized); len(runes) > maxPatternRunes {
		normalized = strings.TrimSpace(string(runes[:maxPatternRunes]))
	}
	return normalized
}
