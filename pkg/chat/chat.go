// Package chat implements ChatOrchestrator: the retrieval-augmented chat
// loop shared by the synchronous and streaming endpoints — resolve or
// create a conversation, retrieve context, call the LLM, persist the
// result, and (when streaming) emit ordered SSE frames.
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rivo/uniseg"
	"go.uber.org/zap"

	"github.com/thinkhq/think/internal/log"
	"github.com/thinkhq/think/pkg/dataaccess"
	"github.com/thinkhq/think/pkg/errs"
	"github.com/thinkhq/think/pkg/eventbus"
	"github.com/thinkhq/think/pkg/llmgateway"
	"github.com/thinkhq/think/pkg/query"
	"github.com/thinkhq/think/pkg/retrieval"
	"github.com/thinkhq/think/pkg/search"
)

// LLM is the slice of llmgateway.Gateway the orchestrator depends on.
type LLM interface {
	Chat(ctx context.Context, message, contextBlock string, history []llmgateway.HistoryTurn) (string, *llmgateway.Usage, error)
	ChatStream(ctx context.Context, message, contextBlock string, history []llmgateway.HistoryTurn) (<-chan llmgateway.StreamChunk, error)
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
	EmbeddingModel() string
	ChatModel() string
}

// SearchEngine is the slice of search.Engine the orchestrator depends on.
type SearchEngine interface {
	Search(ctx context.Context, queryEmbedding []float32, limit int, keywordQuery string) ([]search.Result, error)
}

// ConversationStore is the slice of dataaccess.ConversationStore the
// orchestrator depends on.
type ConversationStore interface {
	Create(ctx context.Context, title string) (int64, error)
	Get(ctx context.Context, id int64) (*dataaccess.Conversation, error)
	AddMessage(ctx context.Context, conversationID int64, in dataaccess.AddMessageInput) (int64, error)
	UpdateTitle(ctx context.Context, id int64, title string) error
}

// MemoryStore is the slice of dataaccess.MemoryStore the special-prompt
// handlers and quick-prompt suggestions depend on.
type MemoryStore interface {
	List(ctx context.Context, in dataaccess.ListInput) ([]dataaccess.Memory, int, error)
}

// TagStore is the slice of dataaccess.TagStore quick-prompt suggestions
// depend on.
type TagStore interface {
	GetAll(ctx context.Context) ([]dataaccess.Tag, error)
}

// TitleGenerator schedules the background conversation-title call; satisfied
// by *enrichment.Worker.
type TitleGenerator interface {
	ProcessConversationTitle(ctx context.Context, conversationID int64, firstUserMessage string) error
}

// Publisher is satisfied by *eventbus.Bus.
type Publisher interface {
	Publish(eventbus.Event)
}

// Orchestrator drives the shared chat flow described in spec.md §4.14.
type Orchestrator struct {
	conversations ConversationStore
	memories      MemoryStore
	tags          TagStore
	search        SearchEngine
	llm           LLM
	titleGen      TitleGenerator
	bus           Publisher

	quickPrompts quickPromptCache
}

// New builds an Orchestrator.
func New(conversations ConversationStore, memories MemoryStore, tags TagStore, searchEngine SearchEngine, llm LLM, titleGen TitleGenerator, bus Publisher) *Orchestrator {
	return &Orchestrator{
		conversations: conversations,
		memories:      memories,
		tags:          tags,
		search:        searchEngine,
		llm:           llm,
		titleGen:      titleGen,
		bus:           bus,
	}
}

const userFacingProviderErrorMessage = "I couldn't reach the AI provider just now. Please try again in a moment."

// ChatInput is the request shape shared by Chat and ChatStream.
type ChatInput struct {
	ConversationID *int64
	Message        string
}

// ChatResult is Chat's synchronous response.
type ChatResult struct {
	ConversationID int64
	Reply          string
	Sources        []dataaccess.MessageSource
	Usage          *llmgateway.Usage
	ContextWindow  int
}

// Chat runs the shared flow end-to-end and returns the assistant's full
// reply in one shot.
func (o *Orchestrator) Chat(ctx context.Context, in ChatInput) (ChatResult, error) {
	convID, history, err := o.beginTurn(ctx, in)
	if err != nil {
		return ChatResult{}, err
	}

	contextBlock, sources, err := o.retrieveContext(ctx, in.Message, history)
	if err != nil {
		o.persistProviderError(ctx, convID)
		return ChatResult{}, err
	}

	reply, usage, err := o.llm.Chat(ctx, in.Message, contextBlock, historyToHistoryTurns(history))
	if err != nil {
		o.persistProviderError(ctx, convID)
		return ChatResult{}, err
	}

	if _, err := o.conversations.AddMessage(ctx, convID, dataaccess.AddMessageInput{
		Role: dataaccess.RoleAssistant, Content: reply, Sources: sources, Usage: toDataUsage(usage),
	}); err != nil {
		return ChatResult{}, fmt.Errorf("chat: persist assistant message: %w", err)
	}

	return ChatResult{
		ConversationID: convID,
		Reply:          reply,
		Sources:        sources,
		Usage:          usage,
		ContextWindow:  llmgateway.ContextWindow(o.llm.ChatModel()),
	}, nil
}

// FrameType names one kind of streamed chunk.
type FrameType string

const (
	FrameMeta      FrameType = "meta"
	FrameToken     FrameType = "token"
	FrameDone      FrameType = "done"
	FrameFollowups FrameType = "followups"
	FrameError     FrameType = "error"
)

// Frame is one self-contained streamed chunk, ordered meta -> token* -> done
// -> followups (or error in place of done+followups on provider failure).
type Frame struct {
	Type FrameType
	Data any
}

type metaFrameData struct {
	ConversationID int64                       `json:"conversation_id"`
	Sources        []dataaccess.MessageSource  `json:"sources"`
}

type tokenFrameData struct {
	Token string `json:"token"`
}

type doneFrameData struct {
	Usage         *llmgateway.Usage `json:"usage,omitempty"`
	ContextWindow int               `json:"context_window"`
}

type followupsFrameData struct {
	Questions []string `json:"questions"`
}

type errorFrameData struct {
	Message string `json:"message"`
}

// ChatStream runs the shared flow but yields a Frame per step instead of
// waiting for the full reply. The returned channel is always closed when
// the turn ends, successfully or not; a provider failure surfaces as a
// terminal FrameError rather than a returned error. Non-nil errors here only
// happen before any frame is sent (conversation resolution, message
// persistence).
func (o *Orchestrator) ChatStream(ctx context.Context, in ChatInput) (<-chan Frame, error) {
	convID, history, err := o.beginTurn(ctx, in)
	if err != nil {
		return nil, err
	}

	out := make(chan Frame)
	go o.runStream(ctx, convID, in.Message, history, out)
	return out, nil
}

func (o *Orchestrator) runStream(ctx context.Context, convID int64, message string, history []dataaccess.Message, out chan<- Frame) {
	defer close(out)

	contextBlock, sources, err := o.retrieveContext(ctx, message, history)
	if err != nil {
		o.emitProviderError(ctx, convID, out, err)
		return
	}

	select {
	case out <- Frame{Type: FrameMeta, Data: metaFrameData{ConversationID: convID, Sources: sources}}:
	case <-ctx.Done():
		return
	}

	chunks, err := o.llm.ChatStream(ctx, message, contextBlock, historyToHistoryTurns(history))
	if err != nil {
		o.emitProviderError(ctx, convID, out, err)
		return
	}

	var reply strings.Builder
	var usage *llmgateway.Usage
	for chunk := range chunks {
		if chunk.Token != "" {
			reply.WriteString(chunk.Token)
			select {
			case out <- Frame{Type: FrameToken, Data: tokenFrameData{Token: chunk.Token}}:
			case <-ctx.Done():
				return
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	select {
	case out <- Frame{Type: FrameDone, Data: doneFrameData{Usage: usage, ContextWindow: llmgateway.ContextWindow(o.llm.ChatModel())}}:
	case <-ctx.Done():
		return
	}

	if _, err := o.conversations.AddMessage(ctx, convID, dataaccess.AddMessageInput{
		Role: dataaccess.RoleAssistant, Content: reply.String(), Sources: sources, Usage: toDataUsage(usage),
	}); err != nil {
		log.Error("chat: persist assistant message", zap.Error(err), zap.Int64("conversation_id", convID))
	}

	followups, err := o.generateFollowups(ctx, message, reply.String())
	if err != nil {
		log.Warn("chat: follow-up generation failed", zap.Error(err))
		return
	}
	if len(followups) > 0 {
		select {
		case out <- Frame{Type: FrameFollowups, Data: followupsFrameData{Questions: followups}}:
		case <-ctx.Done():
		}
	}
}

func (o *Orchestrator) emitProviderError(ctx context.Context, convID int64, out chan<- Frame, err error) {
	log.Error("chat: provider error", zap.Error(err), zap.Int64("conversation_id", convID))
	o.persistProviderError(ctx, convID)
	select {
	case out <- Frame{Type: FrameError, Data: errorFrameData{Message: userFacingProviderErrorMessage}}:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) persistProviderError(ctx context.Context, convID int64) {
	if _, err := o.conversations.AddMessage(ctx, convID, dataaccess.AddMessageInput{
		Role: dataaccess.RoleAssistant, Content: userFacingProviderErrorMessage,
	}); err != nil {
		log.Error("chat: persist provider error message", zap.Error(err), zap.Int64("conversation_id", convID))
	}
}

const provisionalTitleGraphemes = 50

// titleWorkerTimeout bounds the detached background title call so a slow or
// hung provider never leaks a goroutine indefinitely.
const titleWorkerTimeout = 30 * time.Second

// beginTurn resolves or creates the conversation, persists the user's
// message, and — for a brand-new conversation — sets a provisional title
// and schedules the real title worker. It returns the conversation id and
// the conversation's history strictly before this turn's user message.
func (o *Orchestrator) beginTurn(ctx context.Context, in ChatInput) (int64, []dataaccess.Message, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return 0, nil, errs.New(errs.Validation, "message must not be empty")
	}

	var convID int64
	var history []dataaccess.Message
	isNew := in.ConversationID == nil

	if !isNew {
		conv, err := o.conversations.Get(ctx, *in.ConversationID)
		if err != nil {
			return 0, nil, err
		}
		convID = conv.ID
		history = conv.Messages
	} else {
		id, err := o.conversations.Create(ctx, "")
		if err != nil {
			return 0, nil, fmt.Errorf("chat: create conversation: %w", err)
		}
		convID = id
		o.bus.Publish(eventbus.NewConversationCreated(convID, nil))
	}

	if _, err := o.conversations.AddMessage(ctx, convID, dataaccess.AddMessageInput{
		Role: dataaccess.RoleUser, Content: message,
	}); err != nil {
		return 0, nil, fmt.Errorf("chat: persist user message: %w", err)
	}

	if isNew {
		if err := o.conversations.UpdateTitle(ctx, convID, provisionalTitle(message)); err != nil {
			log.Warn("chat: set provisional title", zap.Error(err), zap.Int64("conversation_id", convID))
		}
		go o.runTitleWorker(convID, message)
	}

	return convID, history, nil
}

func (o *Orchestrator) runTitleWorker(conversationID int64, firstMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleWorkerTimeout)
	defer cancel()
	if err := o.titleGen.ProcessConversationTitle(ctx, conversationID, firstMessage); err != nil {
		log.Warn("chat: generate conversation title", zap.Error(err), zap.Int64("conversation_id", conversationID))
	}
}

// provisionalTitle truncates message to its first 50 grapheme clusters,
// appending an ellipsis if anything was cut.
func provisionalTitle(message string) string {
	gr := uniseg.NewGraphemes(message)
	var b strings.Builder
	count := 0
	truncated := false
	for gr.Next() {
		if count >= provisionalTitleGraphemes {
			truncated = true
			break
		}
		b.WriteString(gr.Str())
		count++
	}
	if truncated {
		b.WriteString("…")
	}
	return b.String()
}

const (
	minMessageLenForContext = 10
	searchResultLimit       = 10
)

// retrieveContext implements step 5 of the shared flow.
func (o *Orchestrator) retrieveContext(ctx context.Context, message string, history []dataaccess.Message) (string, []dataaccess.MessageSource, error) {
	trimmed := strings.TrimSpace(message)
	if utf8.RuneCountInString(trimmed) < minMessageLenForContext {
		return "", nil, nil
	}

	if handler, ok := specialPromptHandlers[normalizeSpecialPrompt(trimmed)]; ok {
		return handler(o, ctx)
	}

	turns := historyToQueryTurns(history)
	rewritten := o.rewriteIfNeeded(ctx, trimmed, turns)
	preprocessed := query.Preprocess(rewritten)
	keywords := query.ExtractKeywords(preprocessed)

	embedding, err := o.llm.GetEmbedding(ctx, preprocessed)
	if err != nil {
		return "", nil, err
	}

	results, err := o.search.Search(ctx, embedding, searchResultLimit, keywords)
	if err != nil {
		return "", nil, err
	}

	block, sources := filterAndAssemble(results, o.llm.EmbeddingModel())
	return block, sources, nil
}

const rewriteHistoryWindow = 4

// rewriteIfNeeded calls the LLM to resolve a follow-up message against
// recent history, falling back to the original message on any failure — a
// rewrite is an optimization, not a required step.
func (o *Orchestrator) rewriteIfNeeded(ctx context.Context, message string, history []query.Turn) string {
	if !query.NeedsFollowUpRewrite(message, history) {
		return message
	}

	reply, _, err := o.llm.Chat(ctx, buildRewritePrompt(message, history), "", nil)
	if err != nil {
		log.Warn("chat: follow-up rewrite failed, using original message", zap.Error(err))
		return message
	}
	cleaned := query.CleanRewriteOutput(reply)
	if cleaned == "" {
		return message
	}
	return cleaned
}

func buildRewritePrompt(message string, history []query.Turn) string {
	var sb strings.Builder
	sb.WriteString("Rewrite the user's latest message as a standalone search query, resolving any pronouns or references to the conversation below. Output only the rewritten query, no labels or quotes.\n\n")
	recent := history
	if len(recent) > rewriteHistoryWindow {
		recent = recent[len(recent)-rewriteHistoryWindow:]
	}
	for _, t := range recent {
		role := "User"
		if t.Role == string(dataaccess.RoleAssistant) {
			role = "Assistant"
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, t.Content)
	}
	fmt.Fprintf(&sb, "User: %s\n", message)
	return sb.String()
}

// filterAndAssemble sorts results by ascending distance, applies
// RetrievalFilter's distance-banded selection, and assembles both the
// prompt context block and the corresponding source citations.
func filterAndAssemble(results []search.Result, embeddingModel string) (string, []dataaccess.MessageSource) {
	if len(results) == 0 {
		return "", nil
	}

	sorted := append([]search.Result(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Distance < sorted[j].Distance })

	candidates := make([]retrieval.Candidate, len(sorted))
	for i, r := range sorted {
		candidates[i] = retrieval.Candidate{Title: r.Title, Content: r.Content, Distance: r.Distance}
	}

	kept := retrieval.Select(candidates, embeddingModel)
	if len(kept) == 0 {
		return "", nil
	}

	block := retrieval.AssembleContext(kept, 0)
	sources := make([]dataaccess.MessageSource, len(kept))
	for i, r := range sorted[:len(kept)] {
		relevance := 1 - r.Distance
		src := dataaccess.MessageSource{MemoryID: r.ID, RelevanceScore: &relevance, MemoryType: dataaccess.MemoryType(r.Type)}
		if r.Title != "" {
			title := r.Title
			src.MemoryTitle = &title
		}
		if r.URL != "" {
			url := r.URL
			src.MemoryURL = &url
		}
		sources[i] = src
	}
	return block, sources
}

// generateFollowups makes a best-effort LLM call for 2-3 contextual
// follow-up questions; callers treat any error as "no follow-ups".
func (o *Orchestrator) generateFollowups(ctx context.Context, message, reply string) ([]string, error) {
	prompt := fmt.Sprintf(
		"Based on this exchange, suggest 2-3 short contextual follow-up questions the user might want to ask next. Output one per line, no numbering or bullets.\n\nUser: %s\nAssistant: %s",
		message, reply,
	)
	out, _, err := o.llm.Chat(ctx, prompt, "", nil)
	if err != nil {
		return nil, err
	}
	return parseFollowupLines(out), nil
}

const maxFollowups = 3

func parseFollowupLines(s string) []string {
	var qs []string
	for _, line := range strings.Split(s, "\n") {
		line = cleanFollowupLine(line)
		if line == "" {
			continue
		}
		qs = append(qs, line)
		if len(qs) >= maxFollowups {
			break
		}
	}
	return qs
}

// cleanFollowupLine strips a leading bullet/number marker and surrounding
// quotes an LLM follow-up suggestion may have added despite instructions.
func cleanFollowupLine(line string) string {
	s := strings.TrimSpace(line)
	s = strings.TrimLeft(s, "-*•")
	s = strings.TrimSpace(s)
	for i, r := range s {
		if r >= '0' && r <= '9' {
			continue
		}
		if (r == '.' || r == ')') && i > 0 {
			s = s[i+1:]
		}
		break
	}
	return strings.Trim(strings.TrimSpace(s), `"'`)
}

func historyToHistoryTurns(history []dataaccess.Message) []llmgateway.HistoryTurn {
	turns := make([]llmgateway.HistoryTurn, len(history))
	for i, m := range history {
		turns[i] = llmgateway.HistoryTurn{Role: string(m.Role), Content: m.Content}
	}
	return turns
}

func historyToQueryTurns(history []dataaccess.Message) []query.Turn {
	turns := make([]query.Turn, len(history))
	for i, m := range history {
		turns[i] = query.Turn{Role: string(m.Role), Content: m.Content}
	}
	return turns
}

func toDataUsage(u *llmgateway.Usage) *dataaccess.Usage {
	if u == nil {
		return nil
	}
	return &dataaccess.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}
