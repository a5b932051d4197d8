// Package query implements QueryProcessor: turns a chat message into a
// search-ready form — stripping question scaffolding, extracting FTS
// keywords, and deciding when a message needs follow-up rewriting against
// prior turns.
package query

import (
	"regexp"
	"strings"
)

// rewriteRule strips a common question-scaffolding pattern down to its
// subject. Rules are tried longest-pattern-first so more specific phrasings
// win over their generic substrings.
type rewriteRule struct {
	pattern *regexp.Regexp
	replace string
}

var rewriteRules = buildRewriteRules()

func buildRewriteRules() []rewriteRule {
	rules := []rewriteRule{
		{regexp.MustCompile(`(?i)^what did i save about (.+?)\??$`), "$1"},
		{regexp.MustCompile(`(?i)^what do i know about (.+?)\??$`), "$1"},
		{regexp.MustCompile(`(?i)^how does (.+?) work\??$`), "$1 work"},
		{regexp.MustCompile(`(?i)^tell me about (.+?)\??$`), "$1"},
		{regexp.MustCompile(`(?i)^what is (.+?)\??$`), "$1"},
		{regexp.MustCompile(`(?i)^who is (.+?)\??$`), "$1"},
	}
	ordered := make([]rewriteRule, len(rules))
	copy(ordered, rules)
	// Longest literal pattern source first so a more specific phrasing
	// ("what did i save about X") is tried before a more generic one that
	// could also match a substring of it.
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if len(ordered[j].pattern.String()) > len(ordered[i].pattern.String()) {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	return ordered
}

// Preprocess strips question scaffolding from message, returning the bare
// subject. Unrecognized phrasings pass through unchanged.
func Preprocess(message string) string {
	trimmed := strings.TrimSpace(message)
	for _, rule := range rewriteRules {
		if rule.pattern.MatchString(trimmed) {
			return strings.TrimSpace(rule.pattern.ReplaceAllString(trimmed, rule.replace))
		}
	}
	return trimmed
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"and": {}, "or": {}, "but": {}, "of": {}, "to": {}, "in": {}, "on": {},
	"for": {}, "with": {}, "about": {}, "that": {}, "this": {}, "it": {},
	"did": {}, "do": {}, "does": {}, "what": {}, "how": {}, "who": {}, "i": {},
	"my": {}, "me": {}, "you": {}, "your": {}, "can": {}, "will": {}, "be": {},
}

var punctuation = regexp.MustCompile(`[^\w\s]`)

// ExtractKeywords lowercases, strips punctuation, drops stopwords and short
// tokens, and joins the remainder with " OR " for an FTS MATCH query. Falls
// back to any leftover short tokens if no content word survives filtering.
func ExtractKeywords(message string) string {
	lower := strings.ToLower(message)
	cleaned := punctuation.ReplaceAllString(lower, " ")
	fields := strings.Fields(cleaned)

	var content []string
	var short []string
	for _, tok := range fields {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if len(tok) <= 2 {
			short = append(short, tok)
			continue
		}
		content = append(content, tok)
	}

	if len(content) == 0 {
		content = short
	}
	return strings.Join(content, " OR ")
}

var (
	demonstrativePattern = regexp.MustCompile(`(?i)\b(it|that|those|these|the same|mentioned)\b`)
	elaborationStart     = regexp.MustCompile(`(?i)^(and|also|plus|additionally|furthermore)\b`)
)

// Turn is one message in a conversation's prior history, used only to
// decide whether follow-up rewriting applies.
type Turn struct {
	Role    string
	Content string
}

// NeedsFollowUpRewrite reports whether message should be rewritten against
// history before keyword extraction / embedding, per spec.md §4.8's four
// triggers.
func NeedsFollowUpRewrite(message string, history []Turn) bool {
	trimmed := strings.TrimSpace(message)

	if len(history) >= 2 && len(trimmed) < 25 {
		return true
	}
	if demonstrativePattern.MatchString(trimmed) {
		return true
	}
	if elaborationStart.MatchString(trimmed) {
		return true
	}
	if len(history) >= 2 {
		keywords := ExtractKeywords(trimmed)
		tokenCount := 0
		if keywords != "" {
			tokenCount = len(strings.Split(keywords, " OR "))
		}
		if tokenCount <= 1 {
			return true
		}
	}
	return false
}

// CleanRewriteOutput strips a leading label (e.g. "Rewritten query:") and
// surrounding quotes an LLM rewrite call may have added despite
// instructions not to.
func CleanRewriteOutput(output string) string {
	s := strings.TrimSpace(output)
	if idx := strings.Index(s, ":"); idx >= 0 && idx < 40 {
		prefix := strings.ToLower(s[:idx])
		if strings.Contains(prefix, "rewrit") || strings.Contains(prefix, "quer") {
			s = strings.TrimSpace(s[idx+1:])
		}
	}
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}
