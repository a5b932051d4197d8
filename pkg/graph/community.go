package graph

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph/community"
)

// CommunityResult is the greedy-modularity partition of a graph, plus a
// human-readable label per community.
type CommunityResult struct {
	Members    [][]int64
	Modularity float64
	Labels     []string
}

// Communities returns filter's materialized view's greedy-modularity
// community partition, computed once per cache entry.
func (s *Service) Communities(ctx context.Context, filter Filter) (CommunityResult, error) {
	entry, err := s.entry(ctx, filter)
	if err != nil {
		return CommunityResult{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.communities != nil {
		return *entry.communities, nil
	}

	g := buildUndirected(entry.view)
	reduced := community.Modularize(g, 1.0, nil)
	groups := reduced.Communities()

	members := make([][]int64, len(groups))
	for i, group := range groups {
		ids := make([]int64, len(group))
		for j, n := range group {
			ids[j] = n.ID()
		}
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		members[i] = ids
	}

	titleByID := make(map[int64]string, len(entry.view.Nodes))
	degreeByID := make(map[int64]int, len(entry.view.Nodes))
	for _, n := range entry.view.Nodes {
		titleByID[n.ID] = n.Title
	}
	for _, e := range entry.view.Edges {
		degreeByID[e.Source]++
		degreeByID[e.Target]++
	}

	result := CommunityResult{
		Members:    members,
		Modularity: community.Q(g, groups, 1.0),
		Labels:     labelCommunities(members, titleByID, degreeByID),
	}
	entry.communities = &result
	return result, nil
}

var labelTokenPattern = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(title string) []string {
	return labelTokenPattern.FindAllString(strings.ToLower(title), -1)
}

const (
	topLabelTerms   = 3
	minLabelScore   = 0.05
	labelTermJoiner = " • "
)

// labelCommunities derives a TF-IDF label per community from its members'
// memory titles: term frequency within the community weighted by inverse
// document frequency across all communities, keeping the top 3 terms above
// a small score floor. A community with no term clearing that floor (e.g.
// one dominated entirely by stopword-only titles) falls back to its
// highest-degree member's title.
func labelCommunities(members [][]int64, titleByID map[int64]string, degreeByID map[int64]int) []string {
	docTokens := make([][]string, len(members))
	docFreq := make(map[string]int)
	for i, ids := range members {
		seen := make(map[string]bool)
		for _, id := range ids {
			for _, tok := range tokenize(titleByID[id]) {
				docTokens[i] = append(docTokens[i], tok)
				if !seen[tok] {
					docFreq[tok] = docFreq[tok] + 1
					seen[tok] = true
				}
			}
		}
	}

	n := float64(len(members))
	labels := make([]string, len(members))
	for i, tokens := range docTokens {
		tf := make(map[string]int)
		for _, tok := range tokens {
			tf[tok]++
		}

		type scored struct {
			term  string
			score float64
		}
		var ranked []scored
		for term, count := range tf {
			idf := math.Log((n + 1) / (float64(docFreq[term]) + 1))
			ranked = append(ranked, scored{term: term, score: float64(count) * idf})
		}
		sort.Slice(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })

		var top []string
		for _, r := range ranked {
			if len(top) >= topLabelTerms {
				break
			}
			if r.score < minLabelScore {
				break
			}
			top = append(top, r.term)
		}

		if len(top) == 0 {
			labels[i] = fallbackLabel(members[i], titleByID, degreeByID)
			continue
		}
		labels[i] = strings.Join(top, labelTermJoiner)
	}
	return labels
}

// fallbackLabel names a community by its highest-degree member's title,
// per spec.md §4.15's "fallback to top-degree titles".
func fallbackLabel(ids []int64, titleByID map[int64]string, degreeByID map[int64]int) string {
	if len(ids) == 0 {
		return ""
	}
	best := ids[0]
	for _, id := range ids {
		if degreeByID[id] > degreeByID[best] {
			best = id
		}
	}
	if t := titleByID[best]; t != "" {
		return t
	}
	return "Untitled"
}
