package enrichment_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thinkhq/think/pkg/dataaccess"
	"github.com/thinkhq/think/pkg/enrichment"
	"github.com/thinkhq/think/pkg/eventbus"
	"github.com/thinkhq/think/pkg/llmgateway"
)

type fakeLLM struct {
	mu        sync.Mutex
	chatFunc  func(prompt string) string
	embedding []float32
	embedErr  error
	model     string
}

func (f *fakeLLM) Chat(ctx context.Context, message, contextBlock string, history []llmgateway.HistoryTurn) (string, *llmgateway.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatFunc(message), nil, nil
}

func (f *fakeLLM) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.embedding, nil
}

func (f *fakeLLM) EmbeddingModel() string { return f.model }

type fakeMemories struct {
	mu       sync.Mutex
	memories map[int64]*dataaccess.Memory
	titles   map[int64]string
	summaries map[int64]string
	embSummaries map[int64]string
	embeddings map[int64][]float32
	statuses map[int64]dataaccess.TranscriptionStatus
	attempts map[int64]int
	durations map[int64]float64
}

func newFakeMemories() *fakeMemories {
	return &fakeMemories{
		memories:     make(map[int64]*dataaccess.Memory),
		titles:       make(map[int64]string),
		summaries:    make(map[int64]string),
		embSummaries: make(map[int64]string),
		embeddings:   make(map[int64][]float32),
		statuses:     make(map[int64]dataaccess.TranscriptionStatus),
		attempts:     make(map[int64]int),
		durations:    make(map[int64]float64),
	}
}

func (f *fakeMemories) Get(ctx context.Context, id int64) (*dataaccess.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMemories) UpdateTitle(ctx context.Context, id int64, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[id] = title
	return nil
}

func (f *fakeMemories) UpdateSummary(ctx context.Context, id int64, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries[id] = summary
	return nil
}

func (f *fakeMemories) UpdateEmbeddingSummary(ctx context.Context, id int64, embeddingSummary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embSummaries[id] = embeddingSummary
	return nil
}

func (f *fakeMemories) UpdateEmbedding(ctx context.Context, id int64, embedding []float32, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeddings[id] = embedding
	return nil
}

func (f *fakeMemories) UpdateTranscript(ctx context.Context, id int64, transcript string, segments []dataaccess.TranscriptSegment, duration *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.memories[id]
	m.Content = &transcript
	if duration != nil {
		f.durations[id] = *duration
	}
	return nil
}

func (f *fakeMemories) SetTranscriptionStatus(ctx context.Context, id int64, status dataaccess.TranscriptionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeMemories) IncrementProcessingAttempts(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[id]++
	return nil
}

type fakeTags struct {
	mu      sync.Mutex
	all     []dataaccess.Tag
	applied map[int64][]string
}

func (f *fakeTags) GetAll(ctx context.Context) ([]dataaccess.Tag, error) {
	return f.all, nil
}

func (f *fakeTags) AddToMemory(ctx context.Context, memoryID int64, names []string, source dataaccess.TagSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied == nil {
		f.applied = make(map[int64][]string)
	}
	f.applied[memoryID] = names
	return nil
}

type fakeConversations struct {
	titles map[int64]string
}

func (f *fakeConversations) UpdateTitle(ctx context.Context, id int64, title string) error {
	if f.titles == nil {
		f.titles = make(map[int64]string)
	}
	f.titles[id] = title
	return nil
}

type fakeTranscriber struct {
	transcript string
	segments   []dataaccess.TranscriptSegment
	err        error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string) (string, []dataaccess.TranscriptSegment, error) {
	return f.transcript, f.segments, f.err
}

func content(s string) *string { return &s }

func TestProcessMemorySkipsWhenNoContent(t *testing.T) {
	memories := newFakeMemories()
	memories.memories[1] = &dataaccess.Memory{ID: 1}
	tags := &fakeTags{}
	llm := &fakeLLM{chatFunc: func(string) string { return "unused" }}
	bus := eventbus.New()

	w := enrichment.New(memories, tags, &fakeConversations{}, llm, nil, bus)
	require.NoError(t, w.ProcessMemory(context.Background(), 1))
	require.Empty(t, memories.summaries)
}

func TestProcessMemoryAppliesAllFieldsAndEmbeds(t *testing.T) {
	title := "original"
	memories := newFakeMemories()
	memories.memories[1] = &dataaccess.Memory{ID: 1, Content: content("some note about rust ownership"), OriginalTitle: &title}
	tags := &fakeTags{all: []dataaccess.Tag{{Name: "rust", UsageCount: 5}}}
	llm := &fakeLLM{
		model: "test-embed-v1",
		embedding: []float32{0.1, 0.2},
		chatFunc: func(prompt string) string {
			switch {
			case strings.Contains(prompt, "JSON array"):
				return `["rust", "ownership"]`
			case strings.Contains(prompt, "title"):
				return `"Rust Ownership Notes"`
			case strings.Contains(prompt, "paraphrase"):
				return "dense paraphrase of rust ownership"
			default:
				return "a short summary"
			}
		},
	}
	bus := eventbus.New()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	w := enrichment.New(memories, tags, &fakeConversations{}, llm, nil, bus)
	require.NoError(t, w.ProcessMemory(context.Background(), 1))

	require.Equal(t, "Rust Ownership Notes", memories.titles[1])
	require.Equal(t, "a short summary", memories.summaries[1])
	require.Equal(t, "dense paraphrase of rust ownership", memories.embSummaries[1])
	require.Equal(t, []float32{0.1, 0.2}, memories.embeddings[1])
	require.ElementsMatch(t, []string{"rust", "ownership"}, tags.applied[1])

	select {
	case e := <-sub.C:
		require.Equal(t, eventbus.MemoryUpdated, e.Kind)
	default:
		t.Fatal("expected a MEMORY_UPDATED event")
	}
}

func TestProcessMemorySkipsTitleRewriteWithoutOriginalTitle(t *testing.T) {
	memories := newFakeMemories()
	memories.memories[1] = &dataaccess.Memory{ID: 1, Content: content("plain note")}
	tags := &fakeTags{}
	llm := &fakeLLM{chatFunc: func(prompt string) string {
		if strings.Contains(prompt, "JSON array") {
			return "[]"
		}
		return "summary text"
	}}
	bus := eventbus.New()

	w := enrichment.New(memories, tags, &fakeConversations{}, llm, nil, bus)
	require.NoError(t, w.ProcessMemory(context.Background(), 1))
	require.Empty(t, memories.titles)
}

func TestProcessVoiceMemoryFailsOnEmptyTranscript(t *testing.T) {
	memories := newFakeMemories()
	memories.memories[1] = &dataaccess.Memory{ID: 1}
	tags := &fakeTags{}
	llm := &fakeLLM{chatFunc: func(string) string { return "x" }}
	bus := eventbus.New()
	transcriber := &fakeTranscriber{transcript: "   "}

	w := enrichment.New(memories, tags, &fakeConversations{}, llm, transcriber, bus)
	err := w.ProcessVoiceMemory(context.Background(), 1, "blob://audio")
	require.Error(t, err)
	require.Equal(t, dataaccess.TranscriptionFailed, memories.statuses[1])
}

func TestProcessVoiceMemorySucceedsAndSetsDurationFromLastSegment(t *testing.T) {
	memories := newFakeMemories()
	memories.memories[1] = &dataaccess.Memory{ID: 1, Voice: &dataaccess.VoiceFields{}}
	tags := &fakeTags{}
	llm := &fakeLLM{
		model:     "test-embed-v1",
		embedding: []float32{0.5},
		chatFunc: func(prompt string) string {
			if strings.Contains(prompt, "JSON array") {
				return `["voice"]`
			}
			return "generated text"
		},
	}
	bus := eventbus.New()
	segments := []dataaccess.TranscriptSegment{{Start: 0, End: 2.5, Text: "hello"}, {Start: 2.5, End: 5.25, Text: "world"}}
	transcriber := &fakeTranscriber{transcript: "hello world", segments: segments}

	w := enrichment.New(memories, tags, &fakeConversations{}, llm, transcriber, bus)
	require.NoError(t, w.ProcessVoiceMemory(context.Background(), 1, "blob://audio"))
	require.Equal(t, dataaccess.TranscriptionCompleted, memories.statuses[1])
	require.Equal(t, 5.25, memories.durations[1])
	require.Equal(t, []float32{0.5}, memories.embeddings[1])
}

func TestProcessConversationTitleTruncatesAndStripsQuotes(t *testing.T) {
	llm := &fakeLLM{chatFunc: func(string) string {
		return `"This is a very long conversation title that exceeds eight words easily"`
	}}
	conversations := &fakeConversations{}
	bus := eventbus.New()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	w := enrichment.New(newFakeMemories(), &fakeTags{}, conversations, llm, nil, bus)
	require.NoError(t, w.ProcessConversationTitle(context.Background(), 7, "tell me about rust ownership and borrowing"))

	title := conversations.titles[7]
	require.LessOrEqual(t, len(strings.Fields(title)), 8)
	require.NotContains(t, title, `"`)

	select {
	case e := <-sub.C:
		require.Equal(t, eventbus.ConversationUpdated, e.Kind)
	default:
		t.Fatal("expected a CONVERSATION_UPDATED event")
	}
}
