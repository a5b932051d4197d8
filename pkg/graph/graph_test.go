package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thinkhq/think/pkg/dataaccess"
)

func ptrStr(s string) *string { return &s }

type fakeMemoryLister struct {
	memories []dataaccess.Memory
}

func (f *fakeMemoryLister) List(ctx context.Context, in dataaccess.ListInput) ([]dataaccess.Memory, int, error) {
	var filtered []dataaccess.Memory
	for _, m := range f.memories {
		if in.Type != nil && m.Type != *in.Type {
			continue
		}
		filtered = append(filtered, m)
	}
	total := len(filtered)

	start := in.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + in.Limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[start:end], total, nil
}

type fakeLinkAccess struct {
	links   []dataaccess.MemoryLink
	created []dataaccess.LinkPair
	deleted [][2]int64
}

func (f *fakeLinkAccess) GetAllLinks(ctx context.Context) ([]dataaccess.MemoryLink, error) {
	return f.links, nil
}

func (f *fakeLinkAccess) Create(ctx context.Context, source, target int64, linkType dataaccess.LinkType, relevance *float64) error {
	f.created = append(f.created, dataaccess.LinkPair{Source: source, Target: target, LinkType: linkType, Relevance: relevance})
	f.links = append(f.links, dataaccess.MemoryLink{SourceMemoryID: source, TargetMemoryID: target, LinkType: linkType, RelevanceScore: relevance})
	return nil
}

func (f *fakeLinkAccess) Delete(ctx context.Context, source, target int64) error {
	f.deleted = append(f.deleted, [2]int64{source, target})
	return nil
}

func (f *fakeLinkAccess) BatchCreate(ctx context.Context, pairs []dataaccess.LinkPair) (dataaccess.BatchResult, error) {
	for _, p := range pairs {
		f.created = append(f.created, p)
		f.links = append(f.links, dataaccess.MemoryLink{SourceMemoryID: p.Source, TargetMemoryID: p.Target, LinkType: p.LinkType, RelevanceScore: p.Relevance})
	}
	return dataaccess.BatchResult{Created: len(pairs)}, nil
}

func chainGraph() (*fakeMemoryLister, *fakeLinkAccess) {
	memories := &fakeMemoryLister{memories: []dataaccess.Memory{
		{ID: 1, Type: dataaccess.TypeNote, Title: ptrStr("Go concurrency patterns")},
		{ID: 2, Type: dataaccess.TypeNote, Title: ptrStr("Go channels deep dive")},
		{ID: 3, Type: dataaccess.TypeWeb, Title: ptrStr("Rust ownership model")},
		{ID: 4, Type: dataaccess.TypeNote, Title: ptrStr("Isolated thought")},
	}}
	links := &fakeLinkAccess{links: []dataaccess.MemoryLink{
		{SourceMemoryID: 1, TargetMemoryID: 2, LinkType: dataaccess.LinkManual},
		{SourceMemoryID: 2, TargetMemoryID: 3, LinkType: dataaccess.LinkAuto},
	}}
	return memories, links
}

func TestDataMaterializesNodesAndEdges(t *testing.T) {
	memories, links := chainGraph()
	s := New(memories, links)

	view, err := s.Data(context.Background(), Filter{})
	require.NoError(t, err)

	require.Len(t, view.Nodes, 3, "isolated memory 4 excluded by default")
	require.Len(t, view.Edges, 2)
}

func TestDataIncludesIsolatedNodesWhenRequested(t *testing.T) {
	memories, links := chainGraph()
	s := New(memories, links)

	view, err := s.Data(context.Background(), Filter{IncludeIsolated: true})
	require.NoError(t, err)
	require.Len(t, view.Nodes, 4)
}

func TestDataCachesUntilLinkMutationInvalidates(t *testing.T) {
	memories, links := chainGraph()
	s := New(memories, links)

	first, err := s.Data(context.Background(), Filter{IncludeIsolated: true})
	require.NoError(t, err)
	require.Len(t, first.Nodes, 4)

	memories.memories = append(memories.memories, dataaccess.Memory{ID: 5, Type: dataaccess.TypeNote, Title: ptrStr("New")})

	cached, err := s.Data(context.Background(), Filter{IncludeIsolated: true})
	require.NoError(t, err)
	require.Len(t, cached.Nodes, 4, "still serving the cached view")

	require.NoError(t, s.CreateLink(context.Background(), 1, 5, dataaccess.LinkManual, nil))

	refreshed, err := s.Data(context.Background(), Filter{IncludeIsolated: true})
	require.NoError(t, err)
	require.Len(t, refreshed.Nodes, 5, "cache invalidated by the link mutation")
}

func TestCentralityDegreeCountsNeighbors(t *testing.T) {
	memories, links := chainGraph()
	s := New(memories, links)

	result, err := s.Centrality(context.Background(), Filter{})
	require.NoError(t, err)

	require.Equal(t, 1.0, result.Degree[1])
	require.Equal(t, 2.0, result.Degree[2])
	require.Equal(t, 1.0, result.Degree[3])
}

func TestStatsReportsCounts(t *testing.T) {
	memories, links := chainGraph()
	s := New(memories, links)

	stats, err := s.Stats(context.Background(), Filter{})
	require.NoError(t, err)

	require.Equal(t, 3, stats.NumNodes)
	require.Equal(t, 2, stats.NumEdges)
	require.Equal(t, 1, stats.NumComponents)
	require.NotNil(t, stats.Diameter)
	require.Equal(t, 2, *stats.Diameter)
}

func TestCommunitiesLabelsEachGroup(t *testing.T) {
	memories, links := chainGraph()
	s := New(memories, links)

	result, err := s.Communities(context.Background(), Filter{})
	require.NoError(t, err)

	require.NotEmpty(t, result.Members)
	require.Len(t, result.Labels, len(result.Members))
	for _, label := range result.Labels {
		require.NotEmpty(t, label)
	}
}

func TestShortestPathExpandsTitles(t *testing.T) {
	memories, links := chainGraph()
	s := New(memories, links)

	steps, err := s.ShortestPath(context.Background(), Filter{}, 1, 3)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, int64(1), steps[0].ID)
	require.Equal(t, int64(3), steps[2].ID)
	require.Equal(t, "Go concurrency patterns", steps[0].Title)
}

func TestShortestPathNotFoundForMissingEndpoint(t *testing.T) {
	memories, links := chainGraph()
	s := New(memories, links)

	_, err := s.ShortestPath(context.Background(), Filter{}, 1, 999)
	require.Error(t, err)
}

func TestBatchAutoLinkCapsAtFifty(t *testing.T) {
	memories, links := chainGraph()
	s := New(memories, links)

	pairs := make([]dataaccess.LinkPair, 60)
	for i := range pairs {
		pairs[i] = dataaccess.LinkPair{Source: int64(i + 100), Target: int64(i + 200), LinkType: dataaccess.LinkAuto}
	}

	result, err := s.BatchAutoLink(context.Background(), pairs)
	require.NoError(t, err)
	require.Equal(t, 50, result.Created)
	require.Len(t, links.created, 50)
}

type fakeMemoryGetter struct {
	embeddings map[int64][]float32
}

func (f *fakeMemoryGetter) Get(ctx context.Context, id int64) (*dataaccess.Memory, error) {
	return &dataaccess.Memory{ID: id, Embedding: f.embeddings[id]}, nil
}

func TestRecommendationsSkipsAlreadyLinkedPairs(t *testing.T) {
	memories, links := chainGraph()
	s := New(memories, links)
	getter := &fakeMemoryGetter{embeddings: map[int64][]float32{
		1: {1, 0, 0},
		2: {1, 0, 0},
		3: {0, 1, 0},
	}}

	recs, err := s.Recommendations(context.Background(), getter, Filter{}, 0)
	require.NoError(t, err)
	for _, r := range recs {
		require.False(t, r.Source == 1 && r.Target == 2, "1<->2 already linked")
		require.False(t, r.Source == 2 && r.Target == 3, "2<->3 already linked")
	}
}

func TestHealthScoreComponentsAreBounded(t *testing.T) {
	memories, links := chainGraph()
	s := New(memories, links)

	health, err := s.HealthScore(context.Background(), Filter{})
	require.NoError(t, err)

	require.GreaterOrEqual(t, health.Connectivity, 0.0)
	require.LessOrEqual(t, health.Connectivity, 100.0)
	require.GreaterOrEqual(t, health.Balance, 0.0)
	require.LessOrEqual(t, health.Balance, 100.0)
	require.GreaterOrEqual(t, health.Coverage, 0.0)
	require.LessOrEqual(t, health.Coverage, 100.0)
}
