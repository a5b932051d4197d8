package graph

import (
	"context"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/thinkhq/think/pkg/dataaccess"
)

// Statistics is the graph-wide summary spec.md §4.15 names. Diameter is
// nil on a disconnected graph (undefined across components).
type Statistics struct {
	NumNodes              int
	NumEdges              int
	NumComponents         int
	Density               float64
	AverageDegree         float64
	Diameter              *int
	ClusteringCoefficient float64
	TypeDistribution      map[dataaccess.MemoryType]int
	LinkTypeDistribution  map[dataaccess.LinkType]int
}

// Stats returns filter's materialized view's summary statistics, computed
// once per cache entry.
func (s *Service) Stats(ctx context.Context, filter Filter) (Statistics, error) {
	entry, err := s.entry(ctx, filter)
	if err != nil {
		return Statistics{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.stats != nil {
		return *entry.stats, nil
	}

	v := entry.view
	g := buildUndirected(v)
	n := len(v.Nodes)
	e := len(v.Edges)

	stats := Statistics{
		NumNodes:             n,
		NumEdges:             e,
		NumComponents:        len(topo.ConnectedComponents(g)),
		TypeDistribution:     map[dataaccess.MemoryType]int{},
		LinkTypeDistribution: map[dataaccess.LinkType]int{},
	}
	if n > 1 {
		stats.Density = (2 * float64(e)) / (float64(n) * float64(n-1))
		stats.AverageDegree = (2 * float64(e)) / float64(n)
	}
	for _, node := range v.Nodes {
		stats.TypeDistribution[node.Type]++
	}
	for _, edge := range v.Edges {
		stats.LinkTypeDistribution[edge.LinkType]++
	}
	stats.ClusteringCoefficient = averageClusteringCoefficient(g, v)
	if stats.NumComponents == 1 && n > 1 {
		if d, ok := diameter(g, v); ok {
			stats.Diameter = &d
		}
	}

	entry.stats = &stats
	return stats, nil
}

// averageClusteringCoefficient is the mean, over every node with degree
// >= 2, of the fraction of its neighbor pairs that are themselves
// connected.
func averageClusteringCoefficient(g *graphT, v View) float64 {
	if len(v.Nodes) == 0 {
		return 0
	}
	var sum float64
	var counted int
	for _, n := range v.Nodes {
		neighbors := nodeIDs(g.From(n.ID))
		k := len(neighbors)
		if k < 2 {
			continue
		}
		var links int
		for i := 0; i < len(neighbors); i++ {
			for j := i + 1; j < len(neighbors); j++ {
				if g.HasEdgeBetween(neighbors[i], neighbors[j]) {
					links++
				}
			}
		}
		possible := k * (k - 1) / 2
		sum += float64(links) / float64(possible)
		counted++
	}
	if counted == 0 {
		return 0
	}
	return sum / float64(counted)
}

// diameter is the longest shortest-path over every pair of nodes, via
// repeated unweighted Dijkstra from each node. Only called on a connected
// graph (NumComponents == 1), so every pair is guaranteed reachable.
func diameter(g *graphT, v View) (int, bool) {
	var max float64
	for _, n := range v.Nodes {
		shortest := path.DijkstraFrom(simple.Node(n.ID), g)
		for _, other := range v.Nodes {
			if other.ID == n.ID {
				continue
			}
			_, weight := shortest.To(other.ID)
			if weight > max {
				max = weight
			}
		}
	}
	if max <= 0 {
		return 0, false
	}
	return int(max), true
}
