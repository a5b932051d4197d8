package jobqueue

import "strings"

// stripMarkdownFences removes a leading/trailing ``` or ```lang fence, the
// most common way an LLM wraps output it was asked to return raw.
func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && nl < 12 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func trimSurroundingQuotes(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range []string{`"`, `'`} {
		if len(s) >= 2 && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(strings.TrimPrefix(s, q), q)
		}
	}
	return s
}

// cleanLLMText applies the same defensive parsing pkg/enrichment's
// unexported helper of the same name does: strip markdown fences, trim
// surrounding quotes.
func cleanLLMText(raw string) string {
	return trimSurroundingQuotes(stripMarkdownFences(raw))
}
