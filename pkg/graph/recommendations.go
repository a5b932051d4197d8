package graph

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/thinkhq/think/pkg/dataaccess"
)

// MemoryGetter is the narrow slice of dataaccess.MemoryStore recommendation
// scoring needs: per-node embedding lookup.
type MemoryGetter interface {
	Get(ctx context.Context, id int64) (*dataaccess.Memory, error)
}

// Recommendation is one suggested, not-yet-created link between two
// memories, per spec.md §4.15's semantic+structural scoring.
type Recommendation struct {
	Source, Target int64
	Confidence     float64
	Reason         string
	Impact         string
}

const (
	recommendationEndpointCap       = 50
	recommendationEndpointThreshold = 100
)

// Recommendations scores every not-yet-linked pair of nodes in filter's
// view (restricted, on graphs over 100 nodes, to the top 50 by degree) and
// returns those at or above minConfidence, most confident first.
func (s *Service) Recommendations(ctx context.Context, memories MemoryGetter, filter Filter, minConfidence float64) ([]Recommendation, error) {
	entry, err := s.entry(ctx, filter)
	if err != nil {
		return nil, err
	}
	v := entry.view
	g := buildUndirected(v)

	comms, err := s.Communities(ctx, filter)
	if err != nil {
		return nil, err
	}
	communityOf := make(map[int64]int, len(v.Nodes))
	for ci, members := range comms.Members {
		for _, id := range members {
			communityOf[id] = ci
		}
	}

	linked := make(map[[2]int64]bool, len(v.Edges))
	for _, e := range v.Edges {
		linked[orderedPair(e.Source, e.Target)] = true
	}

	maxDegree := 1
	degree := make(map[int64]int, len(v.Nodes))
	for _, n := range v.Nodes {
		d := g.From(n.ID).Len()
		degree[n.ID] = d
		if d > maxDegree {
			maxDegree = d
		}
	}

	endpoints := v.Nodes
	if len(endpoints) > recommendationEndpointThreshold {
		endpoints = append([]Node(nil), endpoints...)
		sort.Slice(endpoints, func(i, j int) bool { return degree[endpoints[i].ID] > degree[endpoints[j].ID] })
		endpoints = endpoints[:recommendationEndpointCap]
	}

	embeddings := make(map[int64][]float32, len(endpoints))
	for _, n := range endpoints {
		m, err := memories.Get(ctx, n.ID)
		if err != nil {
			continue
		}
		embeddings[n.ID] = m.Embedding
	}

	var recs []Recommendation
	for i := 0; i < len(endpoints); i++ {
		for j := i + 1; j < len(endpoints); j++ {
			a, b := endpoints[i], endpoints[j]
			if linked[orderedPair(a.ID, b.ID)] {
				continue
			}

			semantic := cosineSimilarity(embeddings[a.ID], embeddings[b.ID])
			structural := structuralScore(g, a.ID, b.ID, degree, maxDegree, communityOf)
			confidence := 0.5*semantic + 0.5*structural
			if confidence < minConfidence {
				continue
			}

			recs = append(recs, Recommendation{
				Source:     a.ID,
				Target:     b.ID,
				Confidence: confidence,
				Reason:     recommendationReason(a, b, semantic, structural, communityOf),
				Impact:     recommendationImpact(confidence),
			})
		}
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Confidence > recs[j].Confidence })
	return recs, nil
}

func orderedPair(a, b int64) [2]int64 {
	if a < b {
		return [2]int64{a, b}
	}
	return [2]int64{b, a}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

func structuralScore(g *graphT, a, b int64, degree map[int64]int, maxDegree int, communityOf map[int64]int) float64 {
	neighborsA := nodeIDs(g.From(a))
	neighborsB := make(map[int64]bool, len(neighborsA))
	it := g.From(b)
	for it.Next() {
		neighborsB[it.Node().ID()] = true
	}
	common := 0
	for _, n := range neighborsA {
		if neighborsB[n] {
			common++
		}
	}
	commonScore := math.Min(1, float64(common)/float64(maxDegree))

	shortest := path.DijkstraFrom(simple.Node(a), g)
	_, weight := shortest.To(b)
	pathScore := 0.0
	if weight > 0 {
		pathScore = 1 / (weight + 1)
	}

	sameCommunity := 0.2
	if communityOf[a] == communityOf[b] {
		sameCommunity = 1.0
	}

	return 0.4*commonScore + 0.3*pathScore + 0.3*sameCommunity
}

func recommendationReason(a, b Node, semantic, structural float64, communityOf map[int64]int) string {
	if communityOf[a.ID] == communityOf[b.ID] {
		return fmt.Sprintf("%q and %q are in the same topic cluster and share similar content", titleOrUntitled(a), titleOrUntitled(b))
	}
	if semantic > structural {
		return fmt.Sprintf("%q and %q discuss closely related content", titleOrUntitled(a), titleOrUntitled(b))
	}
	return fmt.Sprintf("%q and %q share several connections in common", titleOrUntitled(a), titleOrUntitled(b))
}

func recommendationImpact(confidence float64) string {
	switch {
	case confidence >= 0.75:
		return "high — likely to meaningfully connect these areas of your knowledge"
	case confidence >= 0.5:
		return "moderate — a plausible bridge between related memories"
	default:
		return "low — worth reviewing but not a strong match"
	}
}

func titleOrUntitled(n Node) string {
	if n.Title == "" {
		return "Untitled"
	}
	return n.Title
}
