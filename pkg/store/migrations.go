package store

import (
	"context"
	"database/sql"
	"strings"
)

// Steps returns the full, ordered set of schema migrations, mirroring the
// sequence in spec §4.3: base tables, then incremental additions, each
// idempotent against a partially-migrated database.
func Steps() []Step {
	return []Step{
		{1, "base tables: memories, settings", stepBaseTables},
		{2, "add memories.embedding BLOB", stepAddEmbeddingColumn},
		{3, "tags and memory_tags join table", stepAddTags},
		{4, "add memories.original_title", stepAddOriginalTitle},
		{5, "conversations and messages", stepAddConversations},
		{6, "message_sources + index", stepAddMessageSources},
		{7, "full-text search index (if available)", stepAddFTS},
		{8, "token usage columns on messages", stepAddTokenUsage},
		{9, "add memories.embedding_model", stepAddEmbeddingModel},
		{10, "jobs table", stepAddJobs},
		{11, "conversations.pinned", stepAddConversationsPinned},
		{12, "add memories.embedding_summary", stepAddEmbeddingSummary},
		{13, "add memories.processing_attempts", stepAddProcessingAttempts},
		{14, "migrate legacy cloud-provider settings", stepMigrateLegacySettings},
		{15, "media columns: audio/video/document", stepAddMediaColumns},
		{16, "memory_links table", stepAddMemoryLinks},
	}
}

func stepBaseTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			url TEXT,
			title TEXT,
			content TEXT,
			summary TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
		CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);
		CREATE INDEX IF NOT EXISTS idx_memories_url ON memories(url);

		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

func stepAddEmbeddingColumn(ctx context.Context, db *sql.DB) error {
	ok, err := hasColumn(ctx, db, "memories", "embedding")
	if err != nil || ok {
		return err
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE memories ADD COLUMN embedding BLOB`)
	return err
}

func stepAddTags(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tags (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		);
		CREATE TABLE IF NOT EXISTS memory_tags (
			memory_id INTEGER NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			source TEXT NOT NULL DEFAULT 'manual',
			PRIMARY KEY (memory_id, tag_id)
		);
		CREATE INDEX IF NOT EXISTS idx_memory_tags_tag ON memory_tags(tag_id);
	`); err != nil {
		return err
	}
	return nil
}

func stepAddOriginalTitle(ctx context.Context, db *sql.DB) error {
	ok, err := hasColumn(ctx, db, "memories", "original_title")
	if err != nil || ok {
		return err
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE memories ADD COLUMN original_title TEXT`)
	return err
}

func stepAddConversations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	`)
	return err
}

func stepAddMessageSources(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS message_sources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			memory_id INTEGER NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			relevance_score REAL
		);
		CREATE INDEX IF NOT EXISTS idx_message_sources_message ON message_sources(message_id);
	`)
	return err
}

// stepAddFTS creates an external-content FTS5 index over memories plus
// triggers keeping it in sync, or is a silent no-op when FTS5 is not
// compiled into the linked SQLite — HybridSearch then always takes its
// vector-only fallback path (ModelUnavailable, graceful).
func stepAddFTS(ctx context.Context, db *sql.DB) error {
	if !ftsAvailable(ctx, db) {
		return nil
	}
	_, err := db.ExecContext(ctx, `
		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			title, content, summary, content='memories', content_rowid='id'
		);
		CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, title, content, summary) VALUES (new.id, new.title, new.content, new.summary);
		END;
		CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, title, content, summary) VALUES ('delete', old.id, old.title, old.content, old.summary);
		END;
		CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, title, content, summary) VALUES ('delete', old.id, old.title, old.content, old.summary);
			INSERT INTO memories_fts(rowid, title, content, summary) VALUES (new.id, new.title, new.content, new.summary);
		END;
	`)
	return err
}

func stepAddTokenUsage(ctx context.Context, db *sql.DB) error {
	for _, col := range []string{"prompt_tokens", "completion_tokens", "total_tokens"} {
		ok, err := hasColumn(ctx, db, "messages", col)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := db.ExecContext(ctx, "ALTER TABLE messages ADD COLUMN "+col+" INTEGER"); err != nil {
			return err
		}
	}
	return nil
}

func stepAddEmbeddingModel(ctx context.Context, db *sql.DB) error {
	ok, err := hasColumn(ctx, db, "memories", "embedding_model")
	if err != nil || ok {
		return err
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE memories ADD COLUMN embedding_model TEXT`)
	return err
}

func stepAddJobs(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			params TEXT,
			result TEXT,
			error TEXT,
			progress INTEGER NOT NULL DEFAULT 0,
			processed INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			total INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_type_status ON jobs(type, status);
	`)
	return err
}

func stepAddConversationsPinned(ctx context.Context, db *sql.DB) error {
	ok, err := hasColumn(ctx, db, "conversations", "pinned")
	if err != nil || ok {
		return err
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE conversations ADD COLUMN pinned INTEGER NOT NULL DEFAULT 0`)
	return err
}

func stepAddEmbeddingSummary(ctx context.Context, db *sql.DB) error {
	ok, err := hasColumn(ctx, db, "memories", "embedding_summary")
	if err != nil || ok {
		return err
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE memories ADD COLUMN embedding_summary TEXT`)
	return err
}

func stepAddProcessingAttempts(ctx context.Context, db *sql.DB) error {
	ok, err := hasColumn(ctx, db, "memories", "processing_attempts")
	if err != nil || ok {
		return err
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE memories ADD COLUMN processing_attempts INTEGER NOT NULL DEFAULT 0`)
	return err
}

// stepMigrateLegacySettings detects a legacy "openai" provider pointed at a
// known cloud marker URL and renames the settings to the new provider key,
// copying the API key alongside it. Idempotent: skips if the new keys are
// already present.
func stepMigrateLegacySettings(ctx context.Context, db *sql.DB) error {
	ok, err := hasTable(ctx, db, "settings")
	if err != nil || !ok {
		return err
	}

	get := func(key string) (string, bool, error) {
		var v string
		err := db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return v, err == nil, err
	}

	provider, ok, err := get("ai_provider")
	if err != nil {
		return err
	}
	if !ok || provider != "openai" {
		return nil
	}
	baseURL, ok, err := get("ai_base_url")
	if err != nil || !ok {
		return err
	}
	const cloudMarker = "api.openai.com"
	if !strings.Contains(baseURL, cloudMarker) {
		return nil
	}

	if _, already, err := get("api_key_openai_cloud"); err != nil {
		return err
	} else if already {
		return nil // already migrated
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	upsert := func(key, value string) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value)
		return err
	}
	if err := upsert("ai_provider", "openai_cloud"); err != nil {
		return err
	}
	if model, ok, err := get("ai_model"); err == nil && ok {
		if err := upsert("ai_model", model); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	if embModel, ok, err := get("ai_embedding_model"); err == nil && ok {
		if err := upsert("ai_embedding_model", embModel); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	if apiKey, ok, err := get("api_key_openai"); err == nil && ok {
		if err := upsert("api_key_openai_cloud", apiKey); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	return tx.Commit()
}

func stepAddMediaColumns(ctx context.Context, db *sql.DB) error {
	columns := []string{
		"audio_path TEXT", "audio_format TEXT", "audio_duration REAL",
		"transcript TEXT", "transcription_status TEXT", "transcript_segments TEXT",
		"media_source TEXT",
		"video_path TEXT", "video_format TEXT", "video_duration REAL",
		"video_width INTEGER", "video_height INTEGER",
		"thumbnail_path TEXT", "video_processing_status TEXT",
		"document_path TEXT", "document_format TEXT", "document_page_count INTEGER",
	}
	for _, col := range columns {
		name := strings.Fields(col)[0]
		ok, err := hasColumn(ctx, db, "memories", name)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := db.ExecContext(ctx, "ALTER TABLE memories ADD COLUMN "+col); err != nil {
			return err
		}
	}
	return nil
}

func stepAddMemoryLinks(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memory_links (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_memory_id INTEGER NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			target_memory_id INTEGER NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			link_type TEXT NOT NULL,
			relevance_score REAL,
			created_at TEXT NOT NULL,
			UNIQUE(source_memory_id, target_memory_id)
		);
		CREATE INDEX IF NOT EXISTS idx_memory_links_source ON memory_links(source_memory_id);
		CREATE INDEX IF NOT EXISTS idx_memory_links_target ON memory_links(target_memory_id);
	`)
	return err
}
