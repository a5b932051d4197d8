package dataaccess

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/thinkhq/think/pkg/errs"
	"github.com/thinkhq/think/pkg/store"
)

// MemoryStore implements the Memory-entity half of DataAccess.
type MemoryStore struct {
	s *store.Store
}

// NewMemoryStore builds a MemoryStore over s.
func NewMemoryStore(s *store.Store) *MemoryStore {
	return &MemoryStore{s: s}
}

const memoryColumns = `
	id, type, url, title, original_title, content, summary, embedding_summary,
	embedding, embedding_model, processing_attempts, created_at,
	audio_path, audio_format, audio_duration, transcript, transcription_status,
	transcript_segments, media_source,
	video_path, video_format, video_duration, video_width, video_height,
	thumbnail_path, video_processing_status,
	document_path, document_format, document_page_count
`

func scanMemory(row interface {
	Scan(dest ...any) error
}) (*Memory, error) {
	var (
		m                                                         Memory
		url, title, originalTitle, content, summary, embSummary   sql.NullString
		embedding                                                 []byte
		embeddingModel                                            sql.NullString
		createdAt                                                 string
		audioPath, audioFormat, transcript, transcriptionStatus   sql.NullString
		transcriptSegmentsJSON, mediaSource                       sql.NullString
		audioDuration                                             sql.NullFloat64
		videoPath, videoFormat, thumbnailPath, videoStatus        sql.NullString
		videoDuration                                             sql.NullFloat64
		videoWidth, videoHeight                                   sql.NullInt64
		documentPath, documentFormat                              sql.NullString
		documentPageCount                                         sql.NullInt64
	)

	if err := row.Scan(
		&m.ID, &m.Type, &url, &title, &originalTitle, &content, &summary, &embSummary,
		&embedding, &embeddingModel, &m.ProcessingAttempts, &createdAt,
		&audioPath, &audioFormat, &audioDuration, &transcript, &transcriptionStatus,
		&transcriptSegmentsJSON, &mediaSource,
		&videoPath, &videoFormat, &videoDuration, &videoWidth, &videoHeight,
		&thumbnailPath, &videoStatus,
		&documentPath, &documentFormat, &documentPageCount,
	); err != nil {
		return nil, err
	}

	if url.Valid {
		m.URL = &url.String
	}
	if title.Valid {
		m.Title = &title.String
	}
	if originalTitle.Valid {
		m.OriginalTitle = &originalTitle.String
	}
	if content.Valid {
		m.Content = &content.String
	}
	if summary.Valid {
		m.Summary = &summary.String
	}
	if embSummary.Valid {
		m.EmbeddingSummary = &embSummary.String
	}
	if embeddingModel.Valid {
		m.EmbeddingModel = &embeddingModel.String
	}
	m.Embedding = unpackEmbedding(embedding)

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		m.CreatedAt = t
	}

	if audioPath.Valid || audioFormat.Valid || transcript.Valid || transcriptionStatus.Valid || mediaSource.Valid || audioDuration.Valid {
		vf := &VoiceFields{}
		if audioPath.Valid {
			vf.AudioPath = &audioPath.String
		}
		if audioFormat.Valid {
			vf.AudioFormat = &audioFormat.String
		}
		if audioDuration.Valid {
			vf.AudioDuration = &audioDuration.Float64
		}
		if transcript.Valid {
			vf.Transcript = &transcript.String
		}
		if transcriptionStatus.Valid {
			s := TranscriptionStatus(transcriptionStatus.String)
			vf.TranscriptionStatus = &s
		}
		if mediaSource.Valid {
			s := MediaSource(mediaSource.String)
			vf.MediaSource = &s
		}
		if transcriptSegmentsJSON.Valid && transcriptSegmentsJSON.String != "" {
			var segs []TranscriptSegment
			if err := json.Unmarshal([]byte(transcriptSegmentsJSON.String), &segs); err == nil {
				vf.TranscriptSegments = segs
			}
		}
		m.Voice = vf
	}

	if videoPath.Valid || videoFormat.Valid || videoStatus.Valid || videoDuration.Valid || videoWidth.Valid {
		vf := &VideoFields{}
		if videoPath.Valid {
			vf.VideoPath = &videoPath.String
		}
		if videoFormat.Valid {
			vf.VideoFormat = &videoFormat.String
		}
		if videoDuration.Valid {
			vf.VideoDuration = &videoDuration.Float64
		}
		if videoWidth.Valid {
			w := int(videoWidth.Int64)
			vf.VideoWidth = &w
		}
		if videoHeight.Valid {
			h := int(videoHeight.Int64)
			vf.VideoHeight = &h
		}
		if thumbnailPath.Valid {
			vf.ThumbnailPath = &thumbnailPath.String
		}
		if videoStatus.Valid {
			s := VideoProcessingStatus(videoStatus.String)
			vf.VideoProcessingStatus = &s
		}
		m.Video = vf
	}

	if documentPath.Valid || documentFormat.Valid || documentPageCount.Valid {
		df := &DocumentFields{}
		if documentPath.Valid {
			df.DocumentPath = &documentPath.String
		}
		if documentFormat.Valid {
			df.DocumentFormat = &documentFormat.String
		}
		if documentPageCount.Valid {
			c := int(documentPageCount.Int64)
			df.DocumentPageCount = &c
		}
		if thumbnailPath.Valid {
			df.ThumbnailPath = &thumbnailPath.String
		}
		m.Document = df
	}

	return &m, nil
}

// CreateInput is the set of fields Create accepts; Embedding/EmbeddingModel/
// OriginalTitle are optional, matching spec.md §4.6. DocumentPath/
// DocumentFormat/DocumentPageCount/ThumbnailPath are populated by
// DocumentProcessor at upload time for TypeDocument memories (§4.13); they
// are nil for every other type.
type CreateInput struct {
	Type              MemoryType
	URL               *string
	Title             *string
	OriginalTitle     *string
	Content           *string
	Embedding         []float32
	EmbeddingModel    *string
	DocumentPath      *string
	DocumentFormat    *string
	DocumentPageCount *int
	ThumbnailPath     *string
}

// Create inserts a new Memory and returns its id.
func (ms *MemoryStore) Create(ctx context.Context, in CreateInput) (int64, error) {
	var id int64
	err := ms.s.RunBlocking(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO memories (
				type, url, title, original_title, content, embedding, embedding_model,
				document_path, document_format, document_page_count, thumbnail_path, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.Type, in.URL, in.Title, in.OriginalTitle, in.Content,
			packEmbedding(in.Embedding), in.EmbeddingModel,
			in.DocumentPath, in.DocumentFormat, in.DocumentPageCount, in.ThumbnailPath,
			time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("dataaccess: create memory: %w", err)
	}
	return id, nil
}

func (ms *MemoryStore) queryOne(ctx context.Context, where string, args ...any) (*Memory, error) {
	row := ms.s.DB().QueryRowContext(ctx, "SELECT "+memoryColumns+" FROM memories WHERE "+where, args...)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "memory not found")
	}
	if err != nil {
		return nil, fmt.Errorf("dataaccess: query memory: %w", err)
	}
	return m, nil
}

// Get loads a Memory by id, including its tags.
func (ms *MemoryStore) Get(ctx context.Context, id int64) (*Memory, error) {
	m, err := ms.queryOne(ctx, "id = ?", id)
	if err != nil {
		return nil, err
	}
	tags, err := ms.tagsForMemories(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	m.Tags = tags[id]
	return m, nil
}

// GetByURL returns the most recently created Memory with the given URL, or
// a NotFound error if none exists.
func (ms *MemoryStore) GetByURL(ctx context.Context, url string) (*Memory, error) {
	return ms.queryOne(ctx, "url = ? ORDER BY created_at DESC LIMIT 1", url)
}

// ListInput filters List.
type ListInput struct {
	Limit      int
	Offset     int
	Type       *MemoryType
	DateFilter *DateFilter
	Tag        *string
}

// List returns a page of memories matching filters plus the total matching
// count (ignoring pagination), tags batched in a single IN(...) query.
func (ms *MemoryStore) List(ctx context.Context, in ListInput) ([]Memory, int, error) {
	var where []string
	var args []any

	if in.Type != nil {
		where = append(where, "m.type = ?")
		args = append(args, *in.Type)
	}
	if in.DateFilter != nil {
		switch *in.DateFilter {
		case DateToday:
			where = append(where, "m.created_at >= datetime('now', '-1 day')")
		case DateWeek:
			where = append(where, "m.created_at >= datetime('now', '-7 days')")
		case DateMonth:
			where = append(where, "m.created_at >= datetime('now', '-30 days')")
		}
	}
	if in.Tag != nil {
		where = append(where, `m.id IN (SELECT memory_id FROM memory_tags mt JOIN tags t ON t.id = mt.tag_id WHERE t.name = ?)`)
		args = append(args, strings.ToLower(strings.TrimSpace(*in.Tag)))
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM memories m " + whereClause
	if err := ms.s.DB().QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("dataaccess: count memories: %w", err)
	}

	limit := in.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	listArgs := append(append([]any{}, args...), limit, in.Offset)
	query := "SELECT " + aliasedMemoryColumns("m") + " FROM memories m " + whereClause +
		" ORDER BY m.created_at DESC LIMIT ? OFFSET ?"

	rows, err := ms.s.DB().QueryContext(ctx, query, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("dataaccess: list memories: %w", err)
	}
	defer rows.Close()

	var memories []Memory
	var ids []int64
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("dataaccess: scan memory: %w", err)
		}
		memories = append(memories, *m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	tagsByMemory, err := ms.tagsForMemories(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range memories {
		memories[i].Tags = tagsByMemory[memories[i].ID]
	}

	return memories, total, nil
}

func aliasedMemoryColumns(alias string) string {
	cols := strings.Fields(strings.ReplaceAll(memoryColumns, ",", " "))
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// Delete removes a memory and its cascade-deleted joins/links/sources.
func (ms *MemoryStore) Delete(ctx context.Context, id int64) error {
	return ms.s.RunBlocking(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.New(errs.NotFound, "memory not found")
		}
		return nil
	})
}

// UpdateFields is the set of fields Update accepts: the user-edit path
// (spec.md §4.6's generic `update`, distinct from the field-specific AI
// setters below). Embedding/EmbeddingModel are optional — a caller that
// re-embeds after a content edit passes both, one that doesn't leaves
// the existing embedding untouched.
type UpdateFields struct {
	Title          string
	Content        string
	Embedding      []float32
	EmbeddingModel *string
}

// Update persists a user edit to a memory's title and content, optionally
// re-embedding in the same statement. Returns NotFound if id doesn't exist.
func (ms *MemoryStore) Update(ctx context.Context, id int64, in UpdateFields) error {
	return ms.s.RunBlocking(ctx, func(db *sql.DB) error {
		var res sql.Result
		var err error
		if len(in.Embedding) > 0 {
			res, err = db.ExecContext(ctx,
				`UPDATE memories SET title = ?, content = ?, embedding = ?, embedding_model = ? WHERE id = ?`,
				in.Title, in.Content, packEmbedding(in.Embedding), in.EmbeddingModel, id)
		} else {
			res, err = db.ExecContext(ctx,
				`UPDATE memories SET title = ?, content = ? WHERE id = ?`,
				in.Title, in.Content, id)
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.New(errs.NotFound, "memory not found")
		}
		return nil
	})
}

// UpdateEmbedding persists a freshly computed embedding and the model
// identifier that produced it, resetting processing_attempts to 0.
func (ms *MemoryStore) UpdateEmbedding(ctx context.Context, id int64, embedding []float32, model string) error {
	return ms.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE memories SET embedding = ?, embedding_model = ?, processing_attempts = 0 WHERE id = ?`,
			packEmbedding(embedding), model, id)
		return err
	})
}

// UpdateSummary persists an AI-generated summary.
func (ms *MemoryStore) UpdateSummary(ctx context.Context, id int64, summary string) error {
	return ms.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE memories SET summary = ? WHERE id = ?`, summary, id)
		return err
	})
}

// UpdateEmbeddingSummary persists the structured summary used as the
// embedding's source text.
func (ms *MemoryStore) UpdateEmbeddingSummary(ctx context.Context, id int64, embeddingSummary string) error {
	return ms.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE memories SET embedding_summary = ? WHERE id = ?`, embeddingSummary, id)
		return err
	})
}

// UpdateTitle persists an AI-rewritten title, leaving original_title intact
// so the pre-rewrite title can still be recovered.
func (ms *MemoryStore) UpdateTitle(ctx context.Context, id int64, title string) error {
	return ms.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE memories SET title = ? WHERE id = ?`, title, id)
		return err
	})
}

// IncrementProcessingAttempts bumps a memory's retry governor after a
// failed enrichment attempt.
func (ms *MemoryStore) IncrementProcessingAttempts(ctx context.Context, id int64) error {
	return ms.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE memories SET processing_attempts = processing_attempts + 1 WHERE id = ?`, id)
		return err
	})
}

// UpdateTranscript persists a completed transcription.
func (ms *MemoryStore) UpdateTranscript(ctx context.Context, id int64, transcript string, segments []TranscriptSegment, duration *float64) error {
	segJSON, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("dataaccess: marshal segments: %w", err)
	}
	return ms.s.RunBlocking(ctx, func(db *sql.DB) error {
		if duration != nil {
			_, err := db.ExecContext(ctx,
				`UPDATE memories SET content = ?, transcript = ?, transcript_segments = ?, audio_duration = COALESCE(audio_duration, ?) WHERE id = ?`,
				transcript, transcript, string(segJSON), *duration, id)
			return err
		}
		_, err := db.ExecContext(ctx,
			`UPDATE memories SET content = ?, transcript = ?, transcript_segments = ? WHERE id = ?`,
			transcript, transcript, string(segJSON), id)
		return err
	})
}

// SetTranscriptionStatus updates the transcription state machine field.
func (ms *MemoryStore) SetTranscriptionStatus(ctx context.Context, id int64, status TranscriptionStatus) error {
	return ms.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE memories SET transcription_status = ? WHERE id = ?`, status, id)
		return err
	})
}

// CountNeedingProcessing reports how many memories still need a summary
// pass or an embedding against currentModel.
func (ms *MemoryStore) CountNeedingProcessing(ctx context.Context, currentModel string) (ProcessingCounts, error) {
	var counts ProcessingCounts
	err := ms.s.DB().QueryRowContext(ctx, `
		SELECT
			SUM(CASE WHEN embedding_summary IS NULL OR embedding_summary = '' THEN 1 ELSE 0 END),
			SUM(CASE WHEN embedding IS NULL OR embedding_model IS NULL OR embedding_model != ? THEN 1 ELSE 0 END),
			COUNT(*)
		FROM memories
	`, currentModel).Scan(&counts.NeedSummary, &counts.NeedEmbedding, &counts.Total)
	if err != nil {
		return ProcessingCounts{}, fmt.Errorf("dataaccess: count needing processing: %w", err)
	}
	return counts, nil
}

// GetWithoutEmbeddingSummary returns up to limit memories still missing an
// embedding_summary, excluding those that exhausted their retry budget.
func (ms *MemoryStore) GetWithoutEmbeddingSummary(ctx context.Context, limit int) ([]Memory, error) {
	rows, err := ms.s.DB().QueryContext(ctx, "SELECT "+memoryColumns+` FROM memories
		WHERE (embedding_summary IS NULL OR embedding_summary = '') AND processing_attempts < 3
		ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("dataaccess: query needing embedding summary: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetNeedingReembedding returns up to limit memories whose embedding is
// stale relative to currentModel (or missing outright), excluding those
// that exhausted their retry budget.
func (ms *MemoryStore) GetNeedingReembedding(ctx context.Context, currentModel string, limit int) ([]Memory, error) {
	rows, err := ms.s.DB().QueryContext(ctx, "SELECT "+memoryColumns+` FROM memories
		WHERE embedding_summary IS NOT NULL AND embedding_summary != ''
		AND (embedding IS NULL OR embedding_model IS NULL OR embedding_model != ?)
		AND processing_attempts < 3
		ORDER BY created_at ASC LIMIT ?`, currentModel, limit)
	if err != nil {
		return nil, fmt.Errorf("dataaccess: query needing reembedding: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
