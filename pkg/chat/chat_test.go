package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thinkhq/think/pkg/dataaccess"
	"github.com/thinkhq/think/pkg/errs"
	"github.com/thinkhq/think/pkg/eventbus"
	"github.com/thinkhq/think/pkg/llmgateway"
	"github.com/thinkhq/think/pkg/search"
)

type fakeConversations struct {
	mu            sync.Mutex
	nextID        int64
	conversations map[int64]*dataaccess.Conversation
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{conversations: make(map[int64]*dataaccess.Conversation)}
}

func (f *fakeConversations) Create(ctx context.Context, title string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.conversations[id] = &dataaccess.Conversation{ID: id, Title: title}
	return id, nil
}

func (f *fakeConversations) Get(ctx context.Context, id int64) (*dataaccess.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "conversation not found")
	}
	cp := *c
	cp.Messages = append([]dataaccess.Message(nil), c.Messages...)
	return &cp, nil
}

func (f *fakeConversations) AddMessage(ctx context.Context, conversationID int64, in dataaccess.AddMessageInput) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationID]
	if !ok {
		return 0, errs.New(errs.NotFound, "conversation not found")
	}
	id := int64(len(c.Messages) + 1)
	c.Messages = append(c.Messages, dataaccess.Message{
		ID: id, ConversationID: conversationID, Role: in.Role, Content: in.Content, Sources: in.Sources, Usage: in.Usage,
	})
	return id, nil
}

func (f *fakeConversations) UpdateTitle(ctx context.Context, id int64, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok {
		return errs.New(errs.NotFound, "conversation not found")
	}
	c.Title = title
	return nil
}

type fakeMemories struct {
	mu         sync.Mutex
	memories   []dataaccess.Memory
	listCalls  int
	lastFilter dataaccess.ListInput
}

func (f *fakeMemories) List(ctx context.Context, in dataaccess.ListInput) ([]dataaccess.Memory, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.lastFilter = in
	return f.memories, len(f.memories), nil
}

type fakeTags struct {
	tags []dataaccess.Tag
}

func (f *fakeTags) GetAll(ctx context.Context) ([]dataaccess.Tag, error) {
	return f.tags, nil
}

type fakeSearch struct {
	results []search.Result
	called  bool
}

func (f *fakeSearch) Search(ctx context.Context, queryEmbedding []float32, limit int, keywordQuery string) ([]search.Result, error) {
	f.called = true
	return f.results, nil
}

type fakeLLM struct {
	chatQueue    []string
	chatUsage    *llmgateway.Usage
	chatErr      error
	chatCalls    int
	embedding    []float32
	embedErr     error
	embedCalled  bool
	streamChunks []llmgateway.StreamChunk
	streamErr    error
}

func (f *fakeLLM) Chat(ctx context.Context, message, contextBlock string, history []llmgateway.HistoryTurn) (string, *llmgateway.Usage, error) {
	f.chatCalls++
	if f.chatErr != nil {
		return "", nil, f.chatErr
	}
	if len(f.chatQueue) > 0 {
		reply := f.chatQueue[0]
		f.chatQueue = f.chatQueue[1:]
		return reply, f.chatUsage, nil
	}
	return "a reply", f.chatUsage, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, message, contextBlock string, history []llmgateway.HistoryTurn) (<-chan llmgateway.StreamChunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	out := make(chan llmgateway.StreamChunk, len(f.streamChunks))
	for _, c := range f.streamChunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (f *fakeLLM) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	f.embedCalled = true
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.embedding, nil
}

func (f *fakeLLM) EmbeddingModel() string { return "test-embed" }
func (f *fakeLLM) ChatModel() string      { return "test-chat" }

type fakeTitleGen struct {
	mu     sync.Mutex
	called bool
	done   chan struct{}
}

func newFakeTitleGen() *fakeTitleGen {
	return &fakeTitleGen{done: make(chan struct{}, 1)}
}

func (f *fakeTitleGen) ProcessConversationTitle(ctx context.Context, conversationID int64, firstUserMessage string) error {
	f.mu.Lock()
	f.called = true
	f.mu.Unlock()
	select {
	case f.done <- struct{}{}:
	default:
	}
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (f *fakePublisher) Publish(e eventbus.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func newTestOrchestrator() (*Orchestrator, *fakeConversations, *fakeMemories, *fakeTags, *fakeSearch, *fakeLLM, *fakeTitleGen, *fakePublisher) {
	conversations := newFakeConversations()
	memories := &fakeMemories{}
	tags := &fakeTags{}
	searchEngine := &fakeSearch{}
	llm := &fakeLLM{}
	titleGen := newFakeTitleGen()
	bus := &fakePublisher{}
	return New(conversations, memories, tags, searchEngine, llm, titleGen, bus), conversations, memories, tags, searchEngine, llm, titleGen, bus
}

func TestChatNewConversationPersistsMessagesAndReturnsReply(t *testing.T) {
	o, conversations, _, _, searchEngine, llm, titleGen, bus := newTestOrchestrator()
	llm.embedding = []float32{0.1, 0.2}
	searchEngine.results = []search.Result{{ID: 7, Title: "Goroutines", Content: "channels and goroutines", Distance: 0.1, Type: "note"}}
	llm.chatUsage = &llmgateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}

	result, err := o.Chat(context.Background(), ChatInput{Message: "What do I know about Go channels?"})
	require.NoError(t, err)
	require.Equal(t, "a reply", result.Reply)
	require.Len(t, result.Sources, 1)
	require.Equal(t, int64(7), result.Sources[0].MemoryID)
	require.NotNil(t, result.Usage)
	require.True(t, searchEngine.called)
	require.True(t, llm.embedCalled)

	conv := conversations.conversations[result.ConversationID]
	require.Len(t, conv.Messages, 2)
	require.Equal(t, dataaccess.RoleUser, conv.Messages[0].Role)
	require.Equal(t, dataaccess.RoleAssistant, conv.Messages[1].Role)
	require.NotEqual(t, "", conv.Title)

	select {
	case <-titleGen.done:
	case <-time.After(time.Second):
		t.Fatal("title worker was not scheduled")
	}
	require.Len(t, bus.events, 1)
	require.Equal(t, eventbus.ConversationCreated, bus.events[0].Kind)
}

func TestChatShortMessageSkipsContextRetrieval(t *testing.T) {
	o, _, _, _, searchEngine, llm, _, _ := newTestOrchestrator()

	_, err := o.Chat(context.Background(), ChatInput{Message: "hi"})
	require.NoError(t, err)
	require.False(t, searchEngine.called)
	require.False(t, llm.embedCalled)
}

func TestChatSpecialPromptUsesDeterministicContextWithoutSearch(t *testing.T) {
	o, _, memories, _, searchEngine, llm, _, _ := newTestOrchestrator()
	title := "Reading about distributed systems"
	memories.memories = []dataaccess.Memory{{ID: 1, Type: dataaccess.TypeNote, Title: &title, Tags: []dataaccess.Tag{{Name: "systems"}}}}

	result, err := o.Chat(context.Background(), ChatInput{Message: "Summarize what I learned recently?"})
	require.NoError(t, err)
	require.False(t, searchEngine.called)
	require.False(t, llm.embedCalled)
	require.Len(t, result.Sources, 1)
	require.NotNil(t, memories.lastFilter.DateFilter)
	require.Equal(t, dataaccess.DateWeek, *memories.lastFilter.DateFilter)
}

func TestChatProviderErrorPersistsUserFacingMessage(t *testing.T) {
	o, conversations, _, _, _, llm, _, _ := newTestOrchestrator()
	llm.embedding = []float32{0.1}
	llm.chatErr = errs.New(errs.ProviderUnavailable, "boom")

	result, err := o.Chat(context.Background(), ChatInput{Message: "What do I know about Go channels?"})
	require.Error(t, err)
	require.Equal(t, ChatResult{}, result)

	conv := conversations.conversations[1]
	require.Len(t, conv.Messages, 2)
	require.Equal(t, userFacingProviderErrorMessage, conv.Messages[1].Content)
}

func TestChatStreamYieldsFramesInOrder(t *testing.T) {
	o, _, _, _, _, llm, _, _ := newTestOrchestrator()
	llm.embedding = []float32{0.1}
	llm.streamChunks = []llmgateway.StreamChunk{
		{Token: "Hel"},
		{Token: "lo"},
		{Usage: &llmgateway.Usage{TotalTokens: 3}},
	}
	llm.chatQueue = []string{"What's next?\nHow about that?"}

	frames, err := o.ChatStream(context.Background(), ChatInput{Message: "What do I know about Go channels?"})
	require.NoError(t, err)

	var collected []Frame
	for f := range frames {
		collected = append(collected, f)
	}

	require.Len(t, collected, 5)
	require.Equal(t, FrameMeta, collected[0].Type)
	require.Equal(t, FrameToken, collected[1].Type)
	require.Equal(t, FrameToken, collected[2].Type)
	require.Equal(t, FrameDone, collected[3].Type)
	require.Equal(t, FrameFollowups, collected[4].Type)

	followups := collected[4].Data.(followupsFrameData)
	require.Equal(t, []string{"What's next?", "How about that?"}, followups.Questions)
}

func TestChatStreamEmitsErrorFrameOnProviderFailure(t *testing.T) {
	o, _, _, _, _, llm, _, _ := newTestOrchestrator()
	llm.embedding = []float32{0.1}
	llm.streamErr = errs.New(errs.ProviderUnavailable, "down")

	frames, err := o.ChatStream(context.Background(), ChatInput{Message: "What do I know about Go channels?"})
	require.NoError(t, err)

	var collected []Frame
	for f := range frames {
		collected = append(collected, f)
	}
	require.Len(t, collected, 2)
	require.Equal(t, FrameMeta, collected[0].Type)
	require.Equal(t, FrameError, collected[1].Type)
}

func TestGetQuickPromptsCachesAndIncludesAllCategories(t *testing.T) {
	o, _, memories, tags, _, _, _, _ := newTestOrchestrator()
	longTitle := "A very long and descriptive memory title"
	shortTitle := "short"
	memories.memories = []dataaccess.Memory{
		{ID: 1, Title: &longTitle},
		{ID: 2, Title: &shortTitle},
		{ID: 3, Title: &longTitle},
	}
	tags.tags = []dataaccess.Tag{
		{Name: "golang", UsageCount: 5},
		{Name: "rare", UsageCount: 1},
	}

	prompts, err := o.GetQuickPrompts(context.Background())
	require.NoError(t, err)
	require.Len(t, prompts, 5) // 2 special + 2 topic + 1 tag

	var kinds []string
	for _, p := range prompts {
		kinds = append(kinds, p.Kind)
	}
	require.Equal(t, []string{"special", "special", "topic", "topic", "tag"}, kinds)
	require.Contains(t, prompts[4].Text, "golang")

	_, err = o.GetQuickPrompts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, memories.listCalls)
}

func TestProvisionalTitleTruncatesLongMessage(t *testing.T) {
	long := ""
	for i := 0; i < 80; i++ {
		long += "a"
	}
	title := provisionalTitle(long)
	require.True(t, len([]rune(title)) < len(long))
	require.Contains(t, title, "…")
}

func TestProvisionalTitleLeavesShortMessageUntouched(t *testing.T) {
	require.Equal(t, "short message", provisionalTitle("short message"))
}

func TestNormalizeSpecialPromptMatchesPunctuationVariants(t *testing.T) {
	require.Equal(t, promptRecentMemories, normalizeSpecialPrompt("Summarize what I learned recently?"))
	require.Equal(t, promptRecentMemories, normalizeSpecialPrompt("  summarize what I learned recently.  "))
}
