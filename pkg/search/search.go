// Package search implements HybridSearch: fuses vector similarity and
// full-text keyword matches with Reciprocal Rank Fusion, falling back to
// vector-only ranking when FTS is unavailable.
package search

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/thinkhq/think/pkg/store"
)

const rrfK = 60

// MatchType records which signal(s) produced a Result.
type MatchType string

const (
	MatchVector  MatchType = "vector"
	MatchKeyword MatchType = "keyword"
	MatchHybrid  MatchType = "hybrid"
)

// Result is one ranked hit, carrying enough of the source memory to render
// without a second fetch.
type Result struct {
	ID        int64
	Title     string
	Content   string
	URL       string
	Summary   string
	Type      string
	CreatedAt string
	Distance  float64
	RRFScore  float64
	MatchType MatchType
}

// Engine runs hybrid search queries against pkg/store.
type Engine struct {
	s          *store.Store
	ftsEnabled bool
}

// New builds an Engine. ftsEnabled tells it whether migration step 7
// actually created the FTS5 index (pkg/store.Store.HasFTS reports this;
// the migration version alone does not, since step 7 is recorded even when
// FTS5 is unavailable).
func New(s *store.Store, ftsEnabled bool) *Engine {
	return &Engine{s: s, ftsEnabled: ftsEnabled}
}

// unpackEmbedding decodes a little-endian float32 blob, as stored in the
// memories.embedding column.
func unpackEmbedding(blob []byte) []float32 {
	emb := make([]float32, len(blob)/4)
	for i := range emb {
		emb[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return emb
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1.0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1.0
	}
	cosine := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return 1 - cosine
}

type vecRow struct {
	Result
	rank int
}

// vectorCandidates loads every memory with a non-null embedding and ranks
// them by ascending cosine distance to queryEmbedding, returning the top n.
// The distance is always computed in process; a vector extension loaded
// through pkg/store's ConnectHook is not called here.
func (e *Engine) vectorCandidates(ctx context.Context, queryEmbedding []float32, n int) ([]vecRow, error) {
	rows, err := e.s.DB().QueryContext(ctx, `
		SELECT id, title, content, url, summary, type, created_at, embedding
		FROM memories WHERE embedding IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("search: load vector candidates: %w", err)
	}
	defer rows.Close()

	var all []vecRow
	for rows.Next() {
		var r Result
		var title, content, url, summary sql.NullString
		var blob []byte
		if err := rows.Scan(&r.ID, &title, &content, &url, &summary, &r.Type, &r.CreatedAt, &blob); err != nil {
			return nil, err
		}
		r.Title, r.Content, r.URL, r.Summary = title.String, content.String, url.String, summary.String
		emb := unpackEmbedding(blob)
		r.Distance = cosineDistance(queryEmbedding, emb)
		all = append(all, vecRow{Result: r})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Distance < all[j].Distance })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	for i := range all {
		all[i].rank = i + 1
	}
	return all, nil
}

type ftsRow struct {
	id       int64
	rank     int
}

func (e *Engine) ftsCandidates(ctx context.Context, keywordQuery string) ([]ftsRow, error) {
	rows, err := e.s.DB().QueryContext(ctx, `
		SELECT rowid FROM memories_fts WHERE memories_fts MATCH ? ORDER BY bm25(memories_fts) ASC
	`, keywordQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ftsRow
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, ftsRow{id: id, rank: len(out) + 1})
	}
	return out, rows.Err()
}

// memoryByID loads a row absent from the vector candidate set (an FTS-only
// hit), along with its embedding so its distance can still be computed
// against the query embedding rather than left at its zero value.
func (e *Engine) memoryByID(ctx context.Context, id int64) (Result, []float32, error) {
	var r Result
	var title, content, url, summary sql.NullString
	var blob []byte
	err := e.s.DB().QueryRowContext(ctx, `
		SELECT id, title, content, url, summary, type, created_at, embedding FROM memories WHERE id = ?
	`, id).Scan(&r.ID, &title, &content, &url, &summary, &r.Type, &r.CreatedAt, &blob)
	r.Title, r.Content, r.URL, r.Summary = title.String, content.String, url.String, summary.String
	return r, unpackEmbedding(blob), err
}

// Search runs hybrid retrieval: vector similarity fused with FTS keyword
// matches via Reciprocal Rank Fusion (k=60), falling back to pure vector
// ranking if keywordQuery is empty or FTS is unavailable/fails.
func (e *Engine) Search(ctx context.Context, queryEmbedding []float32, limit int, keywordQuery string) ([]Result, error) {
	vecRows, err := e.vectorCandidates(ctx, queryEmbedding, 3*limit)
	if err != nil {
		return nil, err
	}

	if keywordQuery == "" || !e.ftsEnabled {
		return vectorOnlyResults(vecRows, limit), nil
	}

	ftsRows, err := e.ftsCandidates(ctx, keywordQuery)
	if err != nil {
		// ModelUnavailable-equivalent: FTS query failed at runtime
		// (e.g. malformed MATCH syntax) — degrade gracefully.
		return vectorOnlyResults(vecRows, limit), nil
	}

	byID := make(map[int64]*Result, len(vecRows)+len(ftsRows))
	embeddings := make(map[int64][]float32, len(ftsRows))
	vecRank := make(map[int64]int, len(vecRows))
	for _, v := range vecRows {
		r := v.Result
		byID[r.ID] = &r
		vecRank[r.ID] = v.rank
	}
	ftsRank := make(map[int64]int, len(ftsRows))
	for _, f := range ftsRows {
		ftsRank[f.id] = f.rank
		if _, ok := byID[f.id]; !ok {
			mem, emb, err := e.memoryByID(ctx, f.id)
			if err == nil {
				byID[f.id] = &mem
				embeddings[f.id] = emb
			}
		}
	}

	var fused []Result
	for id, r := range byID {
		vr, hasVec := vecRank[id]
		fr, hasFts := ftsRank[id]
		switch {
		case hasVec && hasFts:
			r.RRFScore = 1.0/float64(rrfK+vr) + 1.0/float64(rrfK+fr)
			r.MatchType = MatchHybrid
		case hasVec:
			r.RRFScore = 1.0 / float64(rrfK+vr)
			r.MatchType = MatchVector
		case hasFts:
			r.RRFScore = 1.0 / float64(rrfK+fr)
			r.MatchType = MatchKeyword
			// spec.md §4.7 step 2: distance computed if an embedding is
			// present, else 1.0 — a keyword-only hit must never pass the
			// retrieval cutoff as if it were a perfect vector match.
			if emb := embeddings[id]; len(queryEmbedding) > 0 && len(emb) > 0 {
				r.Distance = cosineDistance(queryEmbedding, emb)
			} else {
				r.Distance = 1.0
			}
		}
		fused = append(fused, *r)
	}

	sort.Slice(fused, func(i, j int) bool { return fused[i].RRFScore > fused[j].RRFScore })
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

func vectorOnlyResults(vecRows []vecRow, limit int) []Result {
	var out []Result
	for _, v := range vecRows {
		r := v.Result
		r.RRFScore = 1.0 / float64(rrfK+v.rank)
		r.MatchType = MatchVector
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out
}
