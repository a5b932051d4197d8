package graph

import (
	"context"
	"math"

	"github.com/thinkhq/think/pkg/dataaccess"
)

// Health is the knowledge-base connectivity score spec.md §4.15 defines,
// each component in [0,100].
type Health struct {
	Score        float64
	Connectivity float64
	Balance      float64
	Coverage     float64
}

// HealthScore computes filter's materialized view's health score:
// 0.4·connectivity + 0.3·balance + 0.3·coverage.
func (s *Service) HealthScore(ctx context.Context, filter Filter) (Health, error) {
	stats, err := s.Stats(ctx, filter)
	if err != nil {
		return Health{}, err
	}

	connectivity := clamp(stats.Density*70-10*float64(max(stats.NumComponents-1, 0)), 0, 100)
	balance := typeBalance(stats.TypeDistribution)
	coverage := coverageScore(ctx, s, filter, stats.NumNodes)

	score := 0.4*connectivity + 0.3*balance + 0.3*coverage
	return Health{Score: score, Connectivity: connectivity, Balance: balance, Coverage: coverage}, nil
}

// typeBalance is the Shannon entropy of the memory-type distribution,
// normalized against the maximum possible entropy (log2 of the number of
// distinct types present) so a perfectly even split always scores 100.
func typeBalance(dist map[dataaccess.MemoryType]int) float64 {
	var total int
	for _, c := range dist {
		total += c
	}
	if total == 0 || len(dist) <= 1 {
		return 100
	}

	var entropy float64
	for _, c := range dist {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	maxEntropy := math.Log2(float64(len(dist)))
	if maxEntropy == 0 {
		return 100
	}
	return 100 * entropy / maxEntropy
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func coverageScore(ctx context.Context, s *Service, filter Filter, totalNodes int) float64 {
	if totalNodes == 0 {
		return 0
	}
	view, err := s.Data(ctx, Filter{MemoryType: filter.MemoryType, DateFilter: filter.DateFilter, IncludeIsolated: true})
	if err != nil {
		return 0
	}
	connected := make(map[int64]bool, len(view.Edges)*2)
	for _, e := range view.Edges {
		connected[e.Source] = true
		connected[e.Target] = true
	}
	nonIsolated := 0
	for _, n := range view.Nodes {
		if connected[n.ID] {
			nonIsolated++
		}
	}
	return 100 * float64(nonIsolated) / float64(len(view.Nodes))
}
