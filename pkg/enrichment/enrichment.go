// Package enrichment runs the background AI passes over a Memory after
// ingest: summary, embedding-summary, tags, title rewrite, transcription,
// and conversation-title generation. Every worker is idempotent with
// respect to already-computed fields. The memory workers emit
// MEMORY_UPDATED when they finish, whether they succeed or fail; a memory
// with no content is skipped without an event, and the conversation-title
// worker emits CONVERSATION_UPDATED only when it stores a title.
package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"

	"github.com/thinkhq/think/pkg/dataaccess"
	"github.com/thinkhq/think/pkg/eventbus"
	"github.com/thinkhq/think/pkg/llmgateway"
)

// LLM is the subset of Gateway enrichment needs, narrowed for testability.
type LLM interface {
	Chat(ctx context.Context, message, contextBlock string, history []llmgateway.HistoryTurn) (string, *llmgateway.Usage, error)
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
	EmbeddingModel() string
}

// Transcriber is TranscriptionEngine's contract as consumed here: given an
// opaque audio blob reference, it owns decrypting, tempfile handling, and
// running the model, and returns the decoded transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (transcript string, segments []dataaccess.TranscriptSegment, err error)
}

// MemoryStore is the slice of dataaccess.MemoryStore enrichment depends on.
type MemoryStore interface {
	Get(ctx context.Context, id int64) (*dataaccess.Memory, error)
	UpdateTitle(ctx context.Context, id int64, title string) error
	UpdateSummary(ctx context.Context, id int64, summary string) error
	UpdateEmbeddingSummary(ctx context.Context, id int64, embeddingSummary string) error
	UpdateEmbedding(ctx context.Context, id int64, embedding []float32, model string) error
	UpdateTranscript(ctx context.Context, id int64, transcript string, segments []dataaccess.TranscriptSegment, duration *float64) error
	SetTranscriptionStatus(ctx context.Context, id int64, status dataaccess.TranscriptionStatus) error
	IncrementProcessingAttempts(ctx context.Context, id int64) error
}

// TagStore is the slice of dataaccess.TagStore enrichment depends on.
type TagStore interface {
	GetAll(ctx context.Context) ([]dataaccess.Tag, error)
	AddToMemory(ctx context.Context, memoryID int64, names []string, source dataaccess.TagSource) error
}

// ConversationStore is the slice of dataaccess.ConversationStore the
// conversation-title worker depends on.
type ConversationStore interface {
	UpdateTitle(ctx context.Context, id int64, title string) error
}

// Publisher is satisfied by *eventbus.Bus.
type Publisher interface {
	Publish(eventbus.Event)
}

// Worker runs every enrichment pass spec.md §4.11 names.
type Worker struct {
	memories      MemoryStore
	tags          TagStore
	conversations ConversationStore
	llm           LLM
	transcriber   Transcriber
	bus           Publisher
}

// New builds a Worker. transcriber may be nil if audio/voice memories are
// not in use.
func New(memories MemoryStore, tags TagStore, conversations ConversationStore, llm LLM, transcriber Transcriber, bus Publisher) *Worker {
	return &Worker{
		memories:      memories,
		tags:          tags,
		conversations: conversations,
		llm:           llm,
		transcriber:   transcriber,
		bus:           bus,
	}
}

const maxVocabularyTags = 50

func (w *Worker) tagVocabulary(ctx context.Context) ([]string, error) {
	all, err := w.tags.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) > maxVocabularyTags {
		all = all[:maxVocabularyTags]
	}
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = t.Name
	}
	return names, nil
}

// stripMarkdownFences removes a leading/trailing ``` or ```lang fence, the
// most common way an LLM wraps output it was asked to return raw.
func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && nl < 12 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func trimSurroundingQuotes(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range []string{`"`, `'`} {
		if len(s) >= 2 && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(strings.TrimPrefix(s, q), q)
		}
	}
	return s
}

// cleanLLMText applies the defensive parsing spec.md §4.11 requires of
// every LLM output: strip markdown fences, trim surrounding quotes.
func cleanLLMText(raw string) string {
	return trimSurroundingQuotes(stripMarkdownFences(raw))
}

var tagsArraySchema = gojsonschema.NewStringLoader(`{
	"type": "array",
	"items": {"type": "string"}
}`)

// parseTags validates raw as a JSON array of strings via gojsonschema,
// returning nil (not an error) on any parse/schema mismatch per spec's
// "otherwise empty" rule.
func parseTags(raw string) []string {
	cleaned := stripMarkdownFences(raw)

	var data any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return nil
	}
	result, err := gojsonschema.Validate(tagsArraySchema, gojsonschema.NewGoLoader(data))
	if err != nil || !result.Valid() {
		return nil
	}

	items, _ := data.([]any)
	tags := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			tags = append(tags, s)
		}
	}
	return tags
}

func (w *Worker) chat(ctx context.Context, prompt string) (string, error) {
	reply, _, err := w.llm.Chat(ctx, prompt, "", nil)
	if err != nil {
		return "", err
	}
	return cleanLLMText(reply), nil
}

func (w *Worker) generateSummary(ctx context.Context, content string) (string, error) {
	return w.chat(ctx, "Summarize the following note in 2-3 sentences, plain prose, no preamble:\n\n"+content)
}

func (w *Worker) generateEmbeddingSummary(ctx context.Context, content string) (string, error) {
	return w.chat(ctx, "Produce a dense, keyword-rich paraphrase of the following note suited for semantic search embedding. Output only the paraphrase:\n\n"+content)
}

func (w *Worker) generateTags(ctx context.Context, content string, vocabulary []string) ([]string, error) {
	prompt := "Suggest 3-6 short topical tags for the following note as a JSON array of lowercase strings, nothing else."
	if len(vocabulary) > 0 {
		prompt += " Prefer reusing one of these existing tags where it fits: " + strings.Join(vocabulary, ", ") + "."
	}
	prompt += "\n\n" + content
	reply, _, err := w.llm.Chat(ctx, prompt, "", nil)
	if err != nil {
		return nil, err
	}
	return parseTags(reply), nil
}

func (w *Worker) generateTitle(ctx context.Context, content string) (string, error) {
	return w.chat(ctx, "Write a concise, descriptive title (max 8 words, no quotes) for the following note. Output only the title:\n\n"+content)
}

func (w *Worker) generateVoiceTitle(ctx context.Context, transcript string) (string, error) {
	return w.chat(ctx, "Write a concise, descriptive title (max 8 words, no quotes) for the following voice memo transcript. Output only the title:\n\n"+transcript)
}

// ProcessMemory is the Web/Note worker (process_memory_async): summary,
// embedding-summary, tags, and (if original_title is set) a rewritten
// title, computed in parallel, then a final embed of the embedding
// summary. A no-op if the memory has no content.
func (w *Worker) ProcessMemory(ctx context.Context, memoryID int64) (err error) {
	m, err := w.memories.Get(ctx, memoryID)
	if err != nil {
		return fmt.Errorf("enrichment: load memory %d: %w", memoryID, err)
	}
	if m.Content == nil || strings.TrimSpace(*m.Content) == "" {
		return nil
	}
	content := *m.Content
	defer func() {
		if err != nil {
			w.bus.Publish(eventbus.NewMemoryUpdated(memoryID, nil))
		}
	}()

	vocabulary, err := w.tagVocabulary(ctx)
	if err != nil {
		return fmt.Errorf("enrichment: load tag vocabulary: %w", err)
	}

	var summary, embeddingSummary, title string
	var tags []string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := w.generateSummary(gctx, content)
		summary = s
		return err
	})
	g.Go(func() error {
		s, err := w.generateEmbeddingSummary(gctx, content)
		embeddingSummary = s
		return err
	})
	g.Go(func() error {
		t, err := w.generateTags(gctx, content, vocabulary)
		tags = t
		return err
	})
	if m.OriginalTitle != nil {
		g.Go(func() error {
			t, err := w.generateTitle(gctx, content)
			title = t
			return err
		})
	}
	if err := g.Wait(); err != nil {
		_ = w.memories.IncrementProcessingAttempts(ctx, memoryID)
		return fmt.Errorf("enrichment: generate fields for memory %d: %w", memoryID, err)
	}

	if title != "" {
		if err := w.memories.UpdateTitle(ctx, memoryID, title); err != nil {
			return err
		}
	}
	if err := w.memories.UpdateSummary(ctx, memoryID, summary); err != nil {
		return err
	}
	if err := w.memories.UpdateEmbeddingSummary(ctx, memoryID, embeddingSummary); err != nil {
		return err
	}
	if err := w.embed(ctx, memoryID, embeddingSummary); err != nil {
		return err
	}
	if len(tags) > 0 {
		if err := w.tags.AddToMemory(ctx, memoryID, tags, dataaccess.TagSourceAI); err != nil {
			return err
		}
	}

	w.bus.Publish(eventbus.NewMemoryUpdated(memoryID, nil))
	return nil
}

// ProcessDocumentMemory is the Document worker: it reuses the exact
// summary/embedding-summary/tag/title pipeline ProcessMemory runs, once
// text extraction and thumbnail generation have already populated content
// at upload time.
func (w *Worker) ProcessDocumentMemory(ctx context.Context, memoryID int64) error {
	return w.ProcessMemory(ctx, memoryID)
}

func (w *Worker) embed(ctx context.Context, memoryID int64, embeddingSummary string) error {
	if strings.TrimSpace(embeddingSummary) == "" {
		return nil
	}
	vec, err := w.llm.GetEmbedding(ctx, embeddingSummary)
	if err != nil {
		return fmt.Errorf("enrichment: embed memory %d: %w", memoryID, err)
	}
	return w.memories.UpdateEmbedding(ctx, memoryID, vec, w.llm.EmbeddingModel())
}

// ProcessVoiceMemory is the Voice/Audio worker (process_voice_memory_async).
// audioPath is an opaque reference the Transcriber resolves (a blob id);
// enrichment itself never touches ciphertext or tempfiles.
func (w *Worker) ProcessVoiceMemory(ctx context.Context, memoryID int64, audioPath string) error {
	if err := w.memories.SetTranscriptionStatus(ctx, memoryID, dataaccess.TranscriptionProcessing); err != nil {
		return err
	}
	w.bus.Publish(eventbus.NewMemoryUpdated(memoryID, nil))

	if err := w.runVoicePipeline(ctx, memoryID, audioPath); err != nil {
		_ = w.memories.SetTranscriptionStatus(ctx, memoryID, dataaccess.TranscriptionFailed)
		w.bus.Publish(eventbus.NewMemoryUpdated(memoryID, nil))
		return err
	}
	return nil
}

func (w *Worker) runVoicePipeline(ctx context.Context, memoryID int64, audioPath string) error {
	if w.transcriber == nil {
		return fmt.Errorf("enrichment: no transcriber configured")
	}

	transcript, segments, err := w.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		return fmt.Errorf("enrichment: transcribe memory %d: %w", memoryID, err)
	}
	if strings.TrimSpace(transcript) == "" {
		return fmt.Errorf("enrichment: empty transcript for memory %d", memoryID)
	}

	m, err := w.memories.Get(ctx, memoryID)
	if err != nil {
		return err
	}
	var duration *float64
	needsDuration := m.Voice == nil || m.Voice.AudioDuration == nil
	if needsDuration && len(segments) > 0 {
		d := segments[len(segments)-1].End
		duration = &d
	}
	if err := w.memories.UpdateTranscript(ctx, memoryID, transcript, segments, duration); err != nil {
		return err
	}

	var title, summary, embeddingSummary string
	var tags []string
	vocabulary, err := w.tagVocabulary(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := w.generateVoiceTitle(gctx, transcript)
		title = t
		return err
	})
	g.Go(func() error {
		s, err := w.generateSummary(gctx, transcript)
		summary = s
		return err
	})
	g.Go(func() error {
		s, err := w.generateEmbeddingSummary(gctx, transcript)
		embeddingSummary = s
		return err
	})
	g.Go(func() error {
		t, err := w.generateTags(gctx, transcript, vocabulary)
		tags = t
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if title != "" {
		if err := w.memories.UpdateTitle(ctx, memoryID, title); err != nil {
			return err
		}
	}
	if err := w.memories.UpdateSummary(ctx, memoryID, summary); err != nil {
		return err
	}
	if err := w.memories.UpdateEmbeddingSummary(ctx, memoryID, embeddingSummary); err != nil {
		return err
	}
	if err := w.embed(ctx, memoryID, embeddingSummary); err != nil {
		return err
	}
	if len(tags) > 0 {
		if err := w.tags.AddToMemory(ctx, memoryID, tags, dataaccess.TagSourceAI); err != nil {
			return err
		}
	}

	if err := w.memories.SetTranscriptionStatus(ctx, memoryID, dataaccess.TranscriptionCompleted); err != nil {
		return err
	}
	w.bus.Publish(eventbus.NewMemoryUpdated(memoryID, nil))
	return nil
}

const maxConversationTitleWords = 8

// truncateWords caps s at maxWords space-separated words.
func truncateWords(s string, maxWords int) string {
	fields := strings.Fields(s)
	if len(fields) <= maxWords {
		return s
	}
	return strings.Join(fields[:maxWords], " ")
}

// ProcessConversationTitle is the Conversation-title worker: one LLM call
// from the first user message, capped at 8 words, quotes stripped.
func (w *Worker) ProcessConversationTitle(ctx context.Context, conversationID int64, firstUserMessage string) error {
	reply, _, err := w.llm.Chat(ctx, "Write a short conversation title (max 8 words, no quotes, no punctuation at the end) summarizing this opening message. Output only the title:\n\n"+firstUserMessage, "", nil)
	if err != nil {
		return fmt.Errorf("enrichment: generate conversation title: %w", err)
	}
	title := truncateWords(cleanLLMText(reply), maxConversationTitleWords)
	if title == "" {
		return nil
	}
	if err := w.conversations.UpdateTitle(ctx, conversationID, title); err != nil {
		return err
	}
	w.bus.Publish(eventbus.NewConversationUpdated(conversationID, map[string]string{"title": title}))
	return nil
}
