package graph

import (
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
)

// graphT is the concrete gonum graph type every analytic in this package
// builds and operates on.
type graphT = simple.UndirectedGraph

// buildUndirected renders a View as a gonum simple.UndirectedGraph, the
// shape every analytic in this package (network, community, path) operates
// on. Node ids are the underlying memory ids, so results can be reported
// back against View.Nodes without a separate id-translation table.
func buildUndirected(v View) *simple.UndirectedGraph {
	g := simple.NewUndirectedGraph()
	for _, n := range v.Nodes {
		g.AddNode(simple.Node(n.ID))
	}
	for _, e := range v.Edges {
		if g.Node(e.Source) == nil || g.Node(e.Target) == nil {
			continue
		}
		g.SetEdge(simple.Edge{F: simple.Node(e.Source), T: simple.Node(e.Target)})
	}
	return g
}

func nodeIDs(ns graph.Nodes) []int64 {
	var ids []int64
	for ns.Next() {
		ids = append(ids, ns.Node().ID())
	}
	return ids
}

// simpleSubgraph extracts the induced subgraph over members, preserving
// only edges between them, for per-component analytics on a disconnected
// graph.
func simpleSubgraph(g *simple.UndirectedGraph, members []graph.Node) *simple.UndirectedGraph {
	sub := simple.NewUndirectedGraph()
	ids := make(map[int64]bool, len(members))
	for _, n := range members {
		sub.AddNode(n)
		ids[n.ID()] = true
	}
	for _, n := range members {
		it := g.From(n.ID())
		for it.Next() {
			to := it.Node()
			if !ids[to.ID()] {
				continue
			}
			if sub.HasEdgeBetween(n.ID(), to.ID()) {
				continue
			}
			sub.SetEdge(simple.Edge{F: n, T: to})
		}
	}
	return sub
}
