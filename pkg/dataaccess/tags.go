package dataaccess

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/thinkhq/think/pkg/store"
)

// TagStore implements the Tag-entity half of DataAccess.
type TagStore struct {
	s *store.Store
}

// NewTagStore builds a TagStore over s.
func NewTagStore(s *store.Store) *TagStore {
	return &TagStore{s: s}
}

// GetAll returns every tag, sorted by usage_count descending.
func (ts *TagStore) GetAll(ctx context.Context) ([]Tag, error) {
	rows, err := ts.s.DB().QueryContext(ctx, `
		SELECT t.id, t.name, COUNT(mt.memory_id) AS usage_count
		FROM tags t
		LEFT JOIN memory_tags mt ON mt.tag_id = t.id
		GROUP BY t.id, t.name
		ORDER BY usage_count DESC, t.name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("dataaccess: list tags: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.UsageCount); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func normalizeTagName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// GetOrCreate returns the id of the tag named name (lowercased, trimmed),
// creating it if absent.
func (ts *TagStore) GetOrCreate(ctx context.Context, name string) (int64, error) {
	name = normalizeTagName(name)
	var id int64
	err := ts.s.RunBlocking(ctx, func(db *sql.DB) error {
		err := db.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&id)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}
		res, err := db.ExecContext(ctx, `INSERT INTO tags (name) VALUES (?)`, name)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("dataaccess: get or create tag %q: %w", name, err)
	}
	return id, nil
}

// AddToMemory attaches names to memoryID, creating missing tags and
// deduping existing (memory, tag) join rows.
func (ts *TagStore) AddToMemory(ctx context.Context, memoryID int64, names []string, source TagSource) error {
	return ts.s.RunBlocking(ctx, func(db *sql.DB) error {
		for _, raw := range names {
			name := normalizeTagName(raw)
			if name == "" {
				continue
			}
			var tagID int64
			err := db.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&tagID)
			if err == sql.ErrNoRows {
				res, err := db.ExecContext(ctx, `INSERT INTO tags (name) VALUES (?)`, name)
				if err != nil {
					return err
				}
				tagID, err = res.LastInsertId()
				if err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
			if _, err := db.ExecContext(ctx,
				`INSERT OR IGNORE INTO memory_tags (memory_id, tag_id, source) VALUES (?, ?, ?)`,
				memoryID, tagID, source); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveFromMemory detaches tagName from memoryID, a no-op if absent.
func (ts *TagStore) RemoveFromMemory(ctx context.Context, memoryID int64, tagName string) error {
	name := normalizeTagName(tagName)
	return ts.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			DELETE FROM memory_tags WHERE memory_id = ? AND tag_id = (SELECT id FROM tags WHERE name = ?)
		`, memoryID, name)
		return err
	})
}

// GetMemoryTags returns the tags attached to a single memory.
func (ts *TagStore) GetMemoryTags(ctx context.Context, memoryID int64) ([]Tag, error) {
	all, err := (&MemoryStore{s: ts.s}).tagsForMemories(ctx, []int64{memoryID})
	if err != nil {
		return nil, err
	}
	return all[memoryID], nil
}

// tagsForMemories batches tag lookups for a set of memory ids into a single
// IN(...) query, as spec.md §4.6 requires.
func (ms *MemoryStore) tagsForMemories(ctx context.Context, ids []int64) (map[int64][]Tag, error) {
	result := make(map[int64][]Tag, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT mt.memory_id, t.id, t.name,
		       (SELECT COUNT(*) FROM memory_tags mt2 WHERE mt2.tag_id = t.id)
		FROM memory_tags mt
		JOIN tags t ON t.id = mt.tag_id
		WHERE mt.memory_id IN (%s)
		ORDER BY t.name ASC
	`, strings.Join(placeholders, ","))

	rows, err := ms.s.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dataaccess: batch tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var memoryID int64
		var t Tag
		if err := rows.Scan(&memoryID, &t.ID, &t.Name, &t.UsageCount); err != nil {
			return nil, err
		}
		result[memoryID] = append(result[memoryID], t)
	}
	return result, rows.Err()
}
