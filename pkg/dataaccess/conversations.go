package dataaccess

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/thinkhq/think/pkg/errs"
	"github.com/thinkhq/think/pkg/store"
)

// ConversationStore implements the Conversation/Message half of DataAccess.
type ConversationStore struct {
	s *store.Store
}

// NewConversationStore builds a ConversationStore over s.
func NewConversationStore(s *store.Store) *ConversationStore {
	return &ConversationStore{s: s}
}

// Create starts a new conversation with the given title and returns its id.
func (cs *ConversationStore) Create(ctx context.Context, title string) (int64, error) {
	var id int64
	now := time.Now().UTC().Format(time.RFC3339)
	err := cs.s.RunBlocking(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO conversations (title, created_at, updated_at) VALUES (?, ?, ?)`, title, now, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("dataaccess: create conversation: %w", err)
	}
	return id, nil
}

// List returns a page of conversations ordered pinned-first then most
// recently updated, each carrying a last-message preview truncated to 100
// chars, assembled via a single batched subquery rather than N+1 fetches.
func (cs *ConversationStore) List(ctx context.Context, limit, offset int) ([]Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := cs.s.DB().QueryContext(ctx, `
		SELECT c.id, c.title, c.pinned, c.created_at, c.updated_at,
		       COALESCE(SUBSTR(lm.content, 1, 100), '')
		FROM conversations c
		LEFT JOIN (
			SELECT m.conversation_id, m.content
			FROM messages m
			JOIN (
				SELECT conversation_id, MAX(created_at) AS max_created_at
				FROM messages GROUP BY conversation_id
			) latest ON latest.conversation_id = m.conversation_id AND latest.max_created_at = m.created_at
		) lm ON lm.conversation_id = c.id
		ORDER BY c.pinned DESC, c.updated_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("dataaccess: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Title, &c.Pinned, &createdAt, &updatedAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get returns a conversation with its full message list, each message
// carrying its sources.
func (cs *ConversationStore) Get(ctx context.Context, id int64) (*Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := cs.s.DB().QueryRowContext(ctx,
		`SELECT id, title, pinned, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Title, &c.Pinned, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("dataaccess: get conversation: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	messages, err := cs.messagesFor(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Messages = messages
	return &c, nil
}

func (cs *ConversationStore) messagesFor(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := cs.s.DB().QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at, prompt_tokens, completion_tokens, total_tokens
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("dataaccess: list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	var ids []int64
	for rows.Next() {
		var m Message
		var createdAt string
		var promptTokens, completionTokens, totalTokens sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &createdAt,
			&promptTokens, &completionTokens, &totalTokens); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if promptTokens.Valid {
			m.Usage = &Usage{
				PromptTokens:     int(promptTokens.Int64),
				CompletionTokens: int(completionTokens.Int64),
				TotalTokens:      int(totalTokens.Int64),
			}
		}
		messages = append(messages, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sourcesByMessage, err := cs.sourcesForMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].Sources = sourcesByMessage[messages[i].ID]
	}
	return messages, nil
}

func (cs *ConversationStore) sourcesForMessages(ctx context.Context, messageIDs []int64) (map[int64][]MessageSource, error) {
	result := make(map[int64][]MessageSource)
	if len(messageIDs) == 0 {
		return result, nil
	}
	placeholders := make([]string, len(messageIDs))
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`
		SELECT ms.id, ms.message_id, ms.memory_id, ms.relevance_score,
		       m.title, m.type, m.url
		FROM message_sources ms
		JOIN memories m ON m.id = ms.memory_id
		WHERE ms.message_id IN (%s)
	`, strings.Join(placeholders, ","))
	rows, err := cs.s.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dataaccess: batch message sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var src MessageSource
		var relevance sql.NullFloat64
		var title, url sql.NullString
		if err := rows.Scan(&src.ID, &src.MessageID, &src.MemoryID, &relevance, &title, &src.MemoryType, &url); err != nil {
			return nil, err
		}
		if relevance.Valid {
			src.RelevanceScore = &relevance.Float64
		}
		if title.Valid {
			src.MemoryTitle = &title.String
		}
		if url.Valid {
			src.MemoryURL = &url.String
		}
		result[src.MessageID] = append(result[src.MessageID], src)
	}
	return result, rows.Err()
}

// Delete removes a conversation; messages and message_sources cascade.
func (cs *ConversationStore) Delete(ctx context.Context, id int64) error {
	return cs.s.RunBlocking(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.New(errs.NotFound, "conversation not found")
		}
		return nil
	})
}

// UpdateTitle renames a conversation.
func (cs *ConversationStore) UpdateTitle(ctx context.Context, id int64, title string) error {
	return cs.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
			title, time.Now().UTC().Format(time.RFC3339), id)
		return err
	})
}

// TogglePinned flips a conversation's pinned flag and returns the new value.
func (cs *ConversationStore) TogglePinned(ctx context.Context, id int64) (bool, error) {
	var pinned bool
	err := cs.s.RunBlocking(ctx, func(db *sql.DB) error {
		if err := db.QueryRowContext(ctx, `SELECT pinned FROM conversations WHERE id = ?`, id).Scan(&pinned); err != nil {
			return err
		}
		pinned = !pinned
		_, err := db.ExecContext(ctx, `UPDATE conversations SET pinned = ? WHERE id = ?`, pinned, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("dataaccess: toggle pinned: %w", err)
	}
	return pinned, nil
}

// AddMessageInput is the set of fields AddMessage accepts.
type AddMessageInput struct {
	Role    Role
	Content string
	Sources []MessageSource // MemoryID + RelevanceScore populated by callers
	Usage   *Usage
}

// AddMessage inserts a message and its sources in one transaction and bumps
// the owning conversation's updated_at, all atomically.
func (cs *ConversationStore) AddMessage(ctx context.Context, conversationID int64, in AddMessageInput) (int64, error) {
	var messageID int64
	err := cs.s.RunBlocking(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC().Format(time.RFC3339)
		var promptTokens, completionTokens, totalTokens any
		if in.Usage != nil {
			promptTokens, completionTokens, totalTokens = in.Usage.PromptTokens, in.Usage.CompletionTokens, in.Usage.TotalTokens
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, role, content, created_at, prompt_tokens, completion_tokens, total_tokens)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			conversationID, in.Role, in.Content, now, promptTokens, completionTokens, totalTokens)
		if err != nil {
			return err
		}
		messageID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		for _, src := range in.Sources {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO message_sources (message_id, memory_id, relevance_score) VALUES (?, ?, ?)`,
				messageID, src.MemoryID, src.RelevanceScore); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("dataaccess: add message: %w", err)
	}
	return messageID, nil
}
