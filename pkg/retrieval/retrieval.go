// Package retrieval implements RetrievalFilter: decides how many
// distance-sorted candidate memories to keep for a query, then assembles
// them into a token/char-budgeted context block for the LLM prompt.
package retrieval

import (
	"strings"

	"github.com/rivo/uniseg"
)

// Thresholds are the excellent/good/cutoff distance bands for one
// embedding model identifier.
type Thresholds struct {
	Excellent float64
	Good      float64
	Cutoff    float64
}

var defaultThresholds = Thresholds{Excellent: 0.25, Good: 0.35, Cutoff: 0.45}

// modelThresholds holds the per-embedding-identifier overrides spec.md
// §4.9 calls for; unlisted models use defaultThresholds.
var modelThresholds = map[string]Thresholds{
	"ollama:mxbai-embed-large":      {Excellent: 0.25, Good: 0.35, Cutoff: 0.45},
	"ollama:snowflake-arctic-embed": {Excellent: 0.25, Good: 0.35, Cutoff: 0.45},
	"openai:text-embedding-3-small": {Excellent: 0.40, Good: 0.50, Cutoff: 0.60},
	"openai:text-embedding-3-large": {Excellent: 0.28, Good: 0.38, Cutoff: 0.48},
}

// ThresholdsFor returns the distance thresholds for embeddingModel, falling
// back to a sane default for unknown identifiers.
func ThresholdsFor(embeddingModel string) Thresholds {
	if t, ok := modelThresholds[embeddingModel]; ok {
		return t
	}
	return defaultThresholds
}

// Candidate is one memory pre-sorted by ascending distance to the query.
type Candidate struct {
	Title    string
	Content  string
	Distance float64
}

// Select keeps a distance-banded subset of pre-sorted candidates: the
// better the best match, the wider the acceptance band and the more
// results allowed through, per spec.md §4.9.
func Select(candidates []Candidate, embeddingModel string) []Candidate {
	if len(candidates) == 0 {
		return nil
	}
	t := ThresholdsFor(embeddingModel)
	best := candidates[0].Distance

	if best >= t.Cutoff {
		return nil
	}

	var band float64
	var maxCount int
	switch {
	case best < t.Excellent:
		band, maxCount = 0.08, 5
	case best < t.Good:
		band, maxCount = 0.06, 3
	default:
		band, maxCount = 0.04, 2
	}

	var kept []Candidate
	for _, c := range candidates {
		if c.Distance > best+band {
			break
		}
		kept = append(kept, c)
		if len(kept) >= maxCount {
			break
		}
	}
	return kept
}

const (
	perMemoryContentLimit = 2000
	defaultCharBudget     = 8000
)

// truncateGraphemes cuts s to at most n grapheme clusters (not bytes or
// runes), so multi-byte characters are never split mid-cluster.
func truncateGraphemes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	gr := uniseg.NewGraphemes(s)
	var b strings.Builder
	count := 0
	for gr.Next() {
		if count >= n {
			break
		}
		b.WriteString(gr.Str())
		count++
	}
	return b.String()
}

// AssembleContext joins title+content per candidate (content truncated to
// 2000 graphemes), separated by "---", stopping once the next entry would
// overflow charBudget, counted in characters (code points); 0 selects the
// default 8000.
func AssembleContext(candidates []Candidate, charBudget int) string {
	if charBudget <= 0 {
		charBudget = defaultCharBudget
	}

	var sections []string
	total := 0
	for _, c := range candidates {
		content := truncateGraphemes(c.Content, perMemoryContentLimit)
		section := c.Title
		if content != "" {
			if section != "" {
				section += "\n"
			}
			section += content
		}
		addition := len([]rune(section))
		if len(sections) > 0 {
			addition += len("\n---\n")
		}
		if total+addition > charBudget {
			break
		}
		sections = append(sections, section)
		total += addition
	}
	return strings.Join(sections, "\n---\n")
}
