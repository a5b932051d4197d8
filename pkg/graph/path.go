package graph

import (
	"context"

	gpath "gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/thinkhq/think/pkg/errs"
)

// PathStep is one node along a resolved shortest path, title-expanded so
// callers don't need a separate node lookup.
type PathStep struct {
	ID    int64
	Title string
}

// ShortestPath returns the shortest (unweighted hop-count) path between
// source and target within filter's materialized view, or a NotFound error
// if either endpoint is absent or no path connects them.
func (s *Service) ShortestPath(ctx context.Context, filter Filter, source, target int64) ([]PathStep, error) {
	entry, err := s.entry(ctx, filter)
	if err != nil {
		return nil, err
	}

	v := entry.view
	titleByID := make(map[int64]string, len(v.Nodes))
	var hasSource, hasTarget bool
	for _, n := range v.Nodes {
		titleByID[n.ID] = n.Title
		if n.ID == source {
			hasSource = true
		}
		if n.ID == target {
			hasTarget = true
		}
	}
	if !hasSource || !hasTarget {
		return nil, errs.New(errs.NotFound, "path endpoint not in graph")
	}

	g := buildUndirected(v)
	shortest := gpath.DijkstraFrom(simple.Node(source), g)
	nodes, _ := shortest.To(target)
	if len(nodes) == 0 {
		return nil, errs.New(errs.NotFound, "no path between the given memories")
	}

	steps := make([]PathStep, len(nodes))
	for i, n := range nodes {
		steps[i] = PathStep{ID: n.ID(), Title: titleByID[n.ID()]}
	}
	return steps, nil
}
