// Package graph implements GraphAnalytics & LinkInsights: materializing the
// memory connection graph, caching it on a TTL-LRU basis, and layering
// centrality, community, statistics, shortest-path, recommendation, and
// knowledge-health analytics on top, per spec.md §4.15.
package graph

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thinkhq/think/pkg/dataaccess"
)

// MemoryLister is the narrow slice of dataaccess.MemoryStore graph
// materialization needs.
type MemoryLister interface {
	List(ctx context.Context, in dataaccess.ListInput) ([]dataaccess.Memory, int, error)
}

// LinkAccess is the narrow slice of dataaccess.LinkStore graph needs: full
// enumeration for materialization, plus the two mutation paths every
// cache-invalidating write goes through.
type LinkAccess interface {
	GetAllLinks(ctx context.Context) ([]dataaccess.MemoryLink, error)
	Create(ctx context.Context, source, target int64, linkType dataaccess.LinkType, relevance *float64) error
	Delete(ctx context.Context, source, target int64) error
	BatchCreate(ctx context.Context, pairs []dataaccess.LinkPair) (dataaccess.BatchResult, error)
}

// Node is one materialized graph vertex.
type Node struct {
	ID    int64
	Title string
	Type  dataaccess.MemoryType
}

// Edge is one materialized, de-duplicated (undirected) connection.
type Edge struct {
	Source, Target int64
	LinkType       dataaccess.LinkType
	Relevance      *float64
}

// View is the materialized node/edge set a Filter selects.
type View struct {
	Nodes []Node
	Edges []Edge
}

// Filter narrows which memories participate in a materialized View.
type Filter struct {
	MemoryType      *dataaccess.MemoryType
	DateFilter      *dataaccess.DateFilter
	IncludeIsolated bool
}

func (f Filter) cacheKey() string {
	typ := "*"
	if f.MemoryType != nil {
		typ = string(*f.MemoryType)
	}
	date := "*"
	if f.DateFilter != nil {
		date = string(*f.DateFilter)
	}
	return fmt.Sprintf("%s|%s|%v", typ, date, f.IncludeIsolated)
}

const (
	cacheTTL      = 5 * time.Minute
	cacheCapacity = 100
	listPageSize  = 100
)

// cacheEntry pairs a materialized View with the lazily-computed analytics
// derived from it; each analytic is computed at most once per entry and
// reused until the entry is evicted or the cache is invalidated.
type cacheEntry struct {
	key       string
	view      View
	expiresAt time.Time

	mu          sync.Mutex
	centrality  *CentralityResult
	communities *CommunityResult
	stats       *Statistics
}

// Service implements GraphAnalytics & LinkInsights over a MemoryLister and
// LinkAccess, owning a TTL-LRU cache of materialized views invalidated in
// full on every link mutation per spec.md §5's "Shared resources" note.
type Service struct {
	memories MemoryLister
	links    LinkAccess

	mu      sync.Mutex
	entries map[string]*list.Element // key -> element in lru, holding *cacheEntry
	lru     *list.List
}

// New builds a Service over memories and links.
func New(memories MemoryLister, links LinkAccess) *Service {
	return &Service{
		memories: memories,
		links:    links,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Data returns the materialized View for filter, serving a cached copy when
// one exists and has not expired, and refreshing it (evicting the oldest
// entry past the 100-entry cap) otherwise.
func (s *Service) Data(ctx context.Context, filter Filter) (View, error) {
	entry, err := s.entry(ctx, filter)
	if err != nil {
		return View{}, err
	}
	return entry.view, nil
}

func (s *Service) entry(ctx context.Context, filter Filter) (*cacheEntry, error) {
	key := filter.cacheKey()

	s.mu.Lock()
	if el, ok := s.entries[key]; ok {
		e := el.Value.(*cacheEntry)
		if time.Now().Before(e.expiresAt) {
			s.lru.MoveToFront(el)
			s.mu.Unlock()
			return e, nil
		}
		s.lru.Remove(el)
		delete(s.entries, key)
	}
	s.mu.Unlock()

	view, err := s.materialize(ctx, filter)
	if err != nil {
		return nil, err
	}

	e := &cacheEntry{key: key, view: view, expiresAt: time.Now().Add(cacheTTL)}
	s.mu.Lock()
	el := s.lru.PushFront(e)
	s.entries[key] = el
	for s.lru.Len() > cacheCapacity {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.lru.Remove(oldest)
		delete(s.entries, oldest.Value.(*cacheEntry).key)
	}
	s.mu.Unlock()

	return e, nil
}

// materialize pages through every memory matching filter's type/date, then
// fetches the full link set and keeps only edges whose endpoints both
// survived the filter, dropping isolated nodes unless IncludeIsolated.
func (s *Service) materialize(ctx context.Context, filter Filter) (View, error) {
	nodeByID := make(map[int64]Node)
	offset := 0
	for {
		page, total, err := s.memories.List(ctx, dataaccess.ListInput{
			Limit:      listPageSize,
			Offset:     offset,
			Type:       filter.MemoryType,
			DateFilter: filter.DateFilter,
		})
		if err != nil {
			return View{}, fmt.Errorf("graph: list memories: %w", err)
		}
		for _, m := range page {
			title := ""
			if m.Title != nil {
				title = *m.Title
			}
			nodeByID[m.ID] = Node{ID: m.ID, Title: title, Type: m.Type}
		}
		offset += len(page)
		if len(page) == 0 || offset >= total {
			break
		}
	}

	links, err := s.links.GetAllLinks(ctx)
	if err != nil {
		return View{}, fmt.Errorf("graph: list links: %w", err)
	}

	connected := make(map[int64]bool)
	var edges []Edge
	for _, l := range links {
		if _, ok := nodeByID[l.SourceMemoryID]; !ok {
			continue
		}
		if _, ok := nodeByID[l.TargetMemoryID]; !ok {
			continue
		}
		edges = append(edges, Edge{
			Source: l.SourceMemoryID, Target: l.TargetMemoryID,
			LinkType: l.LinkType, Relevance: l.RelevanceScore,
		})
		connected[l.SourceMemoryID] = true
		connected[l.TargetMemoryID] = true
	}

	nodes := make([]Node, 0, len(nodeByID))
	for id, n := range nodeByID {
		if !filter.IncludeIsolated && !connected[id] {
			continue
		}
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	return View{Nodes: nodes, Edges: edges}, nil
}

// invalidate drops every cached View: spec.md §4.15 requires a full clear
// on any link mutation rather than a more surgical per-node eviction.
func (s *Service) invalidate() {
	s.mu.Lock()
	s.entries = make(map[string]*list.Element)
	s.lru = list.New()
	s.mu.Unlock()
}

// CreateLink creates a bidirectional link and invalidates the graph cache.
func (s *Service) CreateLink(ctx context.Context, source, target int64, linkType dataaccess.LinkType, relevance *float64) error {
	if err := s.links.Create(ctx, source, target, linkType, relevance); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

// DeleteLink removes a bidirectional link and invalidates the graph cache.
func (s *Service) DeleteLink(ctx context.Context, source, target int64) error {
	if err := s.links.Delete(ctx, source, target); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

const maxBatchAutoLinkPairs = 50

// BatchAutoLink creates up to 50 AI-suggested links in one call and
// invalidates the graph cache once, regardless of per-pair outcome.
func (s *Service) BatchAutoLink(ctx context.Context, pairs []dataaccess.LinkPair) (dataaccess.BatchResult, error) {
	if len(pairs) > maxBatchAutoLinkPairs {
		pairs = pairs[:maxBatchAutoLinkPairs]
	}
	result, err := s.links.BatchCreate(ctx, pairs)
	if err != nil {
		return dataaccess.BatchResult{}, err
	}
	s.invalidate()
	return result, nil
}
