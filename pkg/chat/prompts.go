package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/thinkhq/think/pkg/dataaccess"
)

const specialPromptMemoryLimit = 25

const (
	promptRecentMemories    = "summarize what i learned recently"
	promptRecentConnections = "what connections exist between my memories"
)

// specialPromptHandlers maps a normalized special-prompt phrase to the
// handler that builds its deterministic context, per spec.md §4.14 step 5.
var specialPromptHandlers = map[string]func(*Orchestrator, context.Context) (string, []dataaccess.MessageSource, error){
	promptRecentMemories:    (*Orchestrator).recentMemoriesContext,
	promptRecentConnections: (*Orchestrator).recentConnectionsContext,
}

func normalizeSpecialPrompt(s string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(s), "?.!"))
}

func (o *Orchestrator) recentMemoriesContext(ctx context.Context) (string, []dataaccess.MessageSource, error) {
	week := dataaccess.DateWeek
	return o.memoriesWindowContext(ctx, &week)
}

func (o *Orchestrator) recentConnectionsContext(ctx context.Context) (string, []dataaccess.MessageSource, error) {
	month := dataaccess.DateMonth
	return o.memoriesWindowContext(ctx, &month)
}

// memoriesWindowContext builds a deterministic context block from at most
// specialPromptMemoryLimit memories created within window, each entry
// carrying its tags inline.
func (o *Orchestrator) memoriesWindowContext(ctx context.Context, window *dataaccess.DateFilter) (string, []dataaccess.MessageSource, error) {
	memories, _, err := o.memories.List(ctx, dataaccess.ListInput{Limit: specialPromptMemoryLimit, DateFilter: window})
	if err != nil {
		return "", nil, err
	}
	if len(memories) == 0 {
		return "", nil, nil
	}

	sections := make([]string, 0, len(memories))
	sources := make([]dataaccess.MessageSource, 0, len(memories))
	for _, m := range memories {
		title := "Untitled"
		if m.Title != nil && *m.Title != "" {
			title = *m.Title
		}
		section := title
		if len(m.Tags) > 0 {
			names := make([]string, len(m.Tags))
			for i, t := range m.Tags {
				names[i] = t.Name
			}
			section += " (tags: " + strings.Join(names, ", ") + ")"
		}
		sections = append(sections, section)

		src := dataaccess.MessageSource{MemoryID: m.ID, MemoryType: m.Type}
		if m.Title != nil {
			src.MemoryTitle = m.Title
		}
		if m.URL != nil {
			src.MemoryURL = m.URL
		}
		sources = append(sources, src)
	}

	return strings.Join(sections, "\n---\n"), sources, nil
}

// QuickPrompt is one suggested starter shown to the user.
type QuickPrompt struct {
	Text string
	Kind string // "special", "topic", or "tag"
}

const (
	quickPromptCacheTTL       = 5 * time.Minute
	quickPromptMemoryScanSize = 20
	quickPromptTitleMinRunes  = 15
	maxTopicPrompts           = 2
	maxTagPrompts             = 1
	minTagUsageForPrompt      = 2
)

// quickPromptCache holds the process-wide suggestion cache behind a mutex,
// per spec.md §4.14's closing paragraph.
type quickPromptCache struct {
	mu        sync.Mutex
	expiresAt time.Time
	prompts   []QuickPrompt
}

// GetQuickPrompts returns 2 fixed special prompts plus up to 2 topic prompts
// (from recent memories with titles over 15 characters) and up to 1 tag
// prompt (for the highest-usage tag with usage_count >= 2), refreshing the
// cache at most once every 5 minutes.
func (o *Orchestrator) GetQuickPrompts(ctx context.Context) ([]QuickPrompt, error) {
	o.quickPrompts.mu.Lock()
	defer o.quickPrompts.mu.Unlock()

	if time.Now().Before(o.quickPrompts.expiresAt) {
		return o.quickPrompts.prompts, nil
	}

	prompts := []QuickPrompt{
		{Text: "Summarize what I learned recently", Kind: "special"},
		{Text: "What connections exist between my memories?", Kind: "special"},
	}

	memories, _, err := o.memories.List(ctx, dataaccess.ListInput{Limit: quickPromptMemoryScanSize})
	if err != nil {
		return nil, fmt.Errorf("chat: list memories for quick prompts: %w", err)
	}
	for _, m := range memories {
		if len(prompts) >= 2+maxTopicPrompts {
			break
		}
		if m.Title == nil || utf8.RuneCountInString(*m.Title) <= quickPromptTitleMinRunes {
			continue
		}
		prompts = append(prompts, QuickPrompt{Text: fmt.Sprintf("Tell me more about %s", *m.Title), Kind: "topic"})
	}

	tags, err := o.tags.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat: list tags for quick prompts: %w", err)
	}
	tagsAdded := 0
	for _, t := range tags {
		if tagsAdded >= maxTagPrompts {
			break
		}
		if t.UsageCount < minTagUsageForPrompt {
			continue
		}
		prompts = append(prompts, QuickPrompt{Text: fmt.Sprintf("What do I know about %s?", t.Name), Kind: "tag"})
		tagsAdded++
	}

	o.quickPrompts.prompts = prompts
	o.quickPrompts.expiresAt = time.Now().Add(quickPromptCacheTTL)
	return prompts, nil
}
