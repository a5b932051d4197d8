// Package llmgateway is the provider-agnostic LLM/embedding client:
// OpenAI-compatible chat and embedding endpoints behind one interface,
// whether the configured provider is a local server or a cloud API.
package llmgateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/thinkhq/think/pkg/errs"
)

// ProviderConfig describes one OpenAI-compatible backend.
type ProviderConfig struct {
	Name                 string
	BaseURL              string
	DefaultChatModel     string
	DefaultEmbeddingModel string
	EmbeddingListPath    string // overrides the default "/models" listing path, if the provider differs
	ExtraHeaders         map[string]string
	// Local marks the process-local provider, which never requires an API key.
	Local bool
}

// SecretSource resolves a provider's API key; pkg/settings.Registry
// implements this via GetSecret.
type SecretSource interface {
	GetSecret(ctx context.Context, provider string) (string, bool, error)
}

// Gateway is the LLMGateway: a thin, provider-switching OpenAI-compatible
// HTTP client plus the context-window/token-budget bookkeeping every
// caller needs.
type Gateway struct {
	provider   ProviderConfig
	secrets    SecretSource
	httpClient *http.Client
}

// New builds a Gateway bound to provider, resolving its API key (if any)
// through secrets.
func New(provider ProviderConfig, secrets SecretSource) *Gateway {
	return &Gateway{
		provider: provider,
		secrets:  secrets,
		httpClient: &http.Client{
			Timeout: 0, // inference has no client-side timeout; the server governs it
		},
	}
}

// EmbeddingModel returns the provider's configured embedding model
// identifier, the value enrichment/reembed callers persist alongside a
// freshly computed embedding.
func (g *Gateway) EmbeddingModel() string { return g.provider.DefaultEmbeddingModel }

// ChatModel returns the provider's configured chat model identifier.
func (g *Gateway) ChatModel() string { return g.provider.DefaultChatModel }

func (g *Gateway) apiKey(ctx context.Context) (string, error) {
	if g.provider.Local {
		return "", nil
	}
	key, ok, err := g.secrets.GetSecret(ctx, g.provider.Name)
	if err != nil {
		return "", fmt.Errorf("llmgateway: resolve api key: %w", err)
	}
	if !ok {
		return "", errs.New(errs.ProviderUnavailable, fmt.Sprintf("no API key configured for provider %q", g.provider.Name))
	}
	return key, nil
}

func (g *Gateway) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.provider.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key, err := g.apiKey(ctx); err != nil {
		return nil, err
	} else if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for k, v := range g.provider.ExtraHeaders {
		req.Header.Set(k, v)
	}
	return req, nil
}

// chatMessage mirrors the OpenAI chat-completions wire shape.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const systemPrompt = "You are Think, a personal knowledge assistant. Answer using the provided context when relevant; say so plainly when it isn't enough."

func buildMessages(message, context string, history []chatMessage) []chatMessage {
	sys := systemPrompt
	if context != "" {
		sys += "\n\nContext:\n" + context
	}
	msgs := make([]chatMessage, 0, len(history)+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: sys})
	msgs = append(msgs, history...)
	msgs = append(msgs, chatMessage{Role: "user", Content: message})
	return msgs
}

// Usage mirrors the OpenAI usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// HistoryTurn is one prior conversation turn fed into Chat/ChatStream.
type HistoryTurn struct {
	Role    string
	Content string
}

// Chat issues a non-streaming chat completion, returning the reply text and
// token usage (nil if the provider didn't report it).
func (g *Gateway) Chat(ctx context.Context, message, contextBlock string, history []HistoryTurn) (string, *Usage, error) {
	model := g.provider.DefaultChatModel
	hist := make([]chatMessage, len(history))
	for i, h := range history {
		hist[i] = chatMessage{Role: h.Role, Content: h.Content}
	}

	reqBody := chatRequest{Model: model, Messages: buildMessages(message, contextBlock, hist), Stream: false}
	req, err := g.newRequest(ctx, http.MethodPost, "/chat/completions", reqBody)
	if err != nil {
		return "", nil, err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", nil, errs.Wrap(errs.ProviderUnavailable, "chat request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", nil, errs.New(errs.TransientIO, fmt.Sprintf("provider returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", nil, errs.New(errs.ProviderUnavailable, fmt.Sprintf("provider returned %d: %s", resp.StatusCode, string(body)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, fmt.Errorf("llmgateway: decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil, errs.New(errs.ProviderUnavailable, "provider returned no choices")
	}
	return out.Choices[0].Message.Content, out.Usage, nil
}

// StreamChunk is one item yielded by ChatStream: either a Token (Usage nil)
// or the terminal chunk (Token empty, Usage set).
type StreamChunk struct {
	Token string
	Usage *Usage
}

type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// ChatStream issues a streaming chat completion over SSE-style
// "data: {...}\n\n" frames, sending token chunks followed by one final
// usage-bearing chunk.
func (g *Gateway) ChatStream(ctx context.Context, message, contextBlock string, history []HistoryTurn) (<-chan StreamChunk, error) {
	model := g.provider.DefaultChatModel
	hist := make([]chatMessage, len(history))
	for i, h := range history {
		hist[i] = chatMessage{Role: h.Role, Content: h.Content}
	}

	reqBody := chatRequest{Model: model, Messages: buildMessages(message, contextBlock, hist), Stream: true}
	req, err := g.newRequest(ctx, http.MethodPost, "/chat/completions", reqBody)
	if err != nil {
		return nil, err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.ProviderUnavailable, "chat stream request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errs.New(errs.ProviderUnavailable, fmt.Sprintf("provider returned %d: %s", resp.StatusCode, string(body)))
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var usage *Usage
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				break
			}
			var delta streamDelta
			if err := json.Unmarshal([]byte(payload), &delta); err != nil {
				continue
			}
			if delta.Usage != nil {
				usage = delta.Usage
			}
			for _, c := range delta.Choices {
				if c.Delta.Content == "" {
					continue
				}
				select {
				case out <- StreamChunk{Token: c.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}
		select {
		case out <- StreamChunk{Usage: usage}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// maxEmbeddingChars derives the character budget for truncating text before
// embedding: (context_tokens-50)*4, a rough chars-per-token heuristic.
func maxEmbeddingChars(contextTokens int) int {
	return (contextTokens - 50) * 4
}

// GetEmbedding embeds text, truncating it if it would exceed the model's
// context window, and makes up to 3 attempts on transient/5xx failures
// with linear backoff (attempt × 1s). A 5xx response gets the same backoff
// as a network error; the wait does not lengthen while a local model is
// still loading.
func (g *Gateway) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errs.New(errs.Validation, "cannot embed empty text")
	}

	model := g.provider.DefaultEmbeddingModel
	if budget := maxEmbeddingChars(ContextWindow(model)); budget > 0 && len(text) > budget {
		text = text[:budget]
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		embedding, err := g.doEmbedding(ctx, model, text)
		if err == nil {
			return embedding, nil
		}
		lastErr = err
		if !errs.Is(err, errs.TransientIO) {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (g *Gateway) doEmbedding(ctx context.Context, model, text string) ([]float32, error) {
	req, err := g.newRequest(ctx, http.MethodPost, "/embeddings", embeddingRequest{Model: model, Input: text})
	if err != nil {
		return nil, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "embedding request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, errs.New(errs.TransientIO, fmt.Sprintf("provider returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, errs.New(errs.ProviderUnavailable, fmt.Sprintf("provider returned %d: %s", resp.StatusCode, string(body)))
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("llmgateway: decode embedding response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, errs.New(errs.ProviderUnavailable, "provider returned no embedding data")
	}
	return out.Data[0].Embedding, nil
}

// modelContextWindows is a small static registry of known context windows;
// unknown models (after suffix stripping) default to 4096.
var modelContextWindows = map[string]int{
	"llama3":    8192,
	"llama3.1":  128000,
	"mistral":   32768,
	"gpt-4o":    128000,
	"gpt-4":     8192,
	"gpt-3.5":   16385,
	"qwen2.5":   32768,
}

// ContextWindow returns modelID's context window, cutting modelID at its
// first ':' or '@' (a ":tag" or "@version" suffix) before lookup,
// defaulting to 4096.
func ContextWindow(modelID string) int {
	base := modelID
	if i := strings.IndexAny(base, ":@"); i >= 0 {
		base = base[:i]
	}
	if w, ok := modelContextWindows[base]; ok {
		return w
	}
	return 4096
}

// EstimateTokens counts the tokens in text using tiktoken-go's
// cl100k_base encoding, the closest practical approximation for
// non-OpenAI-tokenizer models.
func EstimateTokens(text string) (int, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return 0, fmt.Errorf("llmgateway: load tokenizer: %w", err)
	}
	return len(enc.Encode(text, nil, nil)), nil
}
