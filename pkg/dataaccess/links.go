package dataaccess

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/thinkhq/think/pkg/errs"
	"github.com/thinkhq/think/pkg/store"
)

// LinkStore implements the MemoryLink half of DataAccess.
type LinkStore struct {
	s *store.Store
}

// NewLinkStore builds a LinkStore over s.
func NewLinkStore(s *store.Store) *LinkStore {
	return &LinkStore{s: s}
}

// Create writes both directional rows of a source<->target link in one
// transaction. Rejects self-links and any pre-existing row in either
// direction.
func (ls *LinkStore) Create(ctx context.Context, source, target int64, linkType LinkType, relevance *float64) error {
	if source == target {
		return errs.New(errs.Validation, "cannot link a memory to itself")
	}
	if relevance != nil && (*relevance < 0 || *relevance > 1) {
		return errs.New(errs.Validation, "relevance_score must be in [0,1]")
	}

	return ls.s.RunBlocking(ctx, func(db *sql.DB) error {
		for _, id := range []int64{source, target} {
			var exists int
			if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE id = ?`, id).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return errs.New(errs.NotFound, "memory not found")
			}
		}

		var existing int
		if err := db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM memory_links
			WHERE (source_memory_id = ? AND target_memory_id = ?) OR (source_memory_id = ? AND target_memory_id = ?)
		`, source, target, target, source).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return errs.New(errs.Conflict, "link already exists")
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC().Format(time.RFC3339)
		for _, pair := range [][2]int64{{source, target}, {target, source}} {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO memory_links (source_memory_id, target_memory_id, link_type, relevance_score, created_at)
				VALUES (?, ?, ?, ?, ?)
			`, pair[0], pair[1], linkType, relevance, now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// Delete removes both directional rows of a source<->target link.
func (ls *LinkStore) Delete(ctx context.Context, source, target int64) error {
	return ls.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			DELETE FROM memory_links
			WHERE (source_memory_id = ? AND target_memory_id = ?) OR (source_memory_id = ? AND target_memory_id = ?)
		`, source, target, target, source)
		return err
	})
}

// GetMemoryLinks returns every link whose source is memoryID. Because every
// logical link stores both directions, this alone enumerates all of
// memoryID's connections.
func (ls *LinkStore) GetMemoryLinks(ctx context.Context, memoryID int64) ([]MemoryLink, error) {
	rows, err := ls.s.DB().QueryContext(ctx, `
		SELECT id, source_memory_id, target_memory_id, link_type, relevance_score, created_at
		FROM memory_links WHERE source_memory_id = ?
		ORDER BY created_at DESC
	`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("dataaccess: get memory links: %w", err)
	}
	defer rows.Close()

	var out []MemoryLink
	for rows.Next() {
		var l MemoryLink
		var relevance sql.NullFloat64
		var createdAt string
		if err := rows.Scan(&l.ID, &l.SourceMemoryID, &l.TargetMemoryID, &l.LinkType, &relevance, &createdAt); err != nil {
			return nil, err
		}
		if relevance.Valid {
			l.RelevanceScore = &relevance.Float64
		}
		l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetAllLinks returns every link in the store exactly once (the store
// itself holds both directional rows per logical link; this dedupes by
// only returning the row whose source id is the smaller of the pair),
// for callers that materialize the whole connection graph.
func (ls *LinkStore) GetAllLinks(ctx context.Context) ([]MemoryLink, error) {
	rows, err := ls.s.DB().QueryContext(ctx, `
		SELECT id, source_memory_id, target_memory_id, link_type, relevance_score, created_at
		FROM memory_links WHERE source_memory_id < target_memory_id
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("dataaccess: get all links: %w", err)
	}
	defer rows.Close()

	var out []MemoryLink
	for rows.Next() {
		var l MemoryLink
		var relevance sql.NullFloat64
		var createdAt string
		if err := rows.Scan(&l.ID, &l.SourceMemoryID, &l.TargetMemoryID, &l.LinkType, &relevance, &createdAt); err != nil {
			return nil, err
		}
		if relevance.Valid {
			l.RelevanceScore = &relevance.Float64
		}
		l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetLinkedMemoryIDs returns just the target ids memoryID links to.
func (ls *LinkStore) GetLinkedMemoryIDs(ctx context.Context, memoryID int64) ([]int64, error) {
	rows, err := ls.s.DB().QueryContext(ctx,
		`SELECT target_memory_id FROM memory_links WHERE source_memory_id = ?`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("dataaccess: get linked ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LinkPair is one candidate link for BatchCreate.
type LinkPair struct {
	Source, Target int64
	LinkType       LinkType
	Relevance      *float64
}

// BatchResult summarizes a BatchCreate call.
type BatchResult struct {
	Created int
	Failed  int
	Errors  []string
}

// BatchCreate links up to len(pairs) pairs, continuing past individual
// failures (self-link, conflict, not-found) and aggregating them, all
// inside one transaction so partial success is still durable.
func (ls *LinkStore) BatchCreate(ctx context.Context, pairs []LinkPair) (BatchResult, error) {
	var result BatchResult
	err := ls.s.RunBlocking(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC().Format(time.RFC3339)
		for _, p := range pairs {
			if err := createPairTx(ctx, tx, p, now); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Created++
		}
		return tx.Commit()
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("dataaccess: batch create links: %w", err)
	}
	return result, nil
}

func createPairTx(ctx context.Context, tx *sql.Tx, p LinkPair, now string) error {
	if p.Source == p.Target {
		return errs.New(errs.Validation, "cannot link a memory to itself")
	}
	var existing int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memory_links
		WHERE (source_memory_id = ? AND target_memory_id = ?) OR (source_memory_id = ? AND target_memory_id = ?)
	`, p.Source, p.Target, p.Target, p.Source).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return errs.New(errs.Conflict, "link already exists")
	}
	for _, pair := range [][2]int64{{p.Source, p.Target}, {p.Target, p.Source}} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_links (source_memory_id, target_memory_id, link_type, relevance_score, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, pair[0], pair[1], p.LinkType, p.Relevance, now); err != nil {
			return err
		}
	}
	return nil
}
