package llmgateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thinkhq/think/pkg/llmgateway"
)

type staticSecrets struct {
	key string
	ok  bool
}

func (s staticSecrets) GetSecret(ctx context.Context, provider string) (string, bool, error) {
	return s.key, s.ok, nil
}

func newProvider(baseURL string, local bool) llmgateway.ProviderConfig {
	return llmgateway.ProviderConfig{
		Name:                  "test-provider",
		BaseURL:               baseURL,
		DefaultChatModel:      "llama3",
		DefaultEmbeddingModel: "llama3",
		Local:                 local,
	}
}

func TestChatReturnsMessageAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		msgs := body["messages"].([]any)
		require.GreaterOrEqual(t, len(msgs), 2)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hello there"}}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`)
	}))
	defer srv.Close()

	gw := llmgateway.New(newProvider(srv.URL, true), staticSecrets{})
	reply, usage, err := gw.Chat(context.Background(), "hi", "", nil)
	require.NoError(t, err)
	require.Equal(t, "hello there", reply)
	require.NotNil(t, usage)
	require.Equal(t, 12, usage.TotalTokens)
}

func TestChatIncludesContextInSystemMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "system", body.Messages[0].Role)
		require.Contains(t, body.Messages[0].Content, "rust ownership notes")

		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	gw := llmgateway.New(newProvider(srv.URL, true), staticSecrets{})
	_, _, err := gw.Chat(context.Background(), "what did I save?", "rust ownership notes", nil)
	require.NoError(t, err)
}

func TestChatSendsBearerTokenForNonLocalProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	gw := llmgateway.New(newProvider(srv.URL, false), staticSecrets{key: "secret-key", ok: true})
	_, _, err := gw.Chat(context.Background(), "hi", "", nil)
	require.NoError(t, err)
}

func TestChatErrorsWhenNoSecretConfigured(t *testing.T) {
	gw := llmgateway.New(newProvider("http://unused.invalid", false), staticSecrets{ok: false})
	_, _, err := gw.Chat(context.Background(), "hi", "", nil)
	require.Error(t, err)
}

func TestChatStreamYieldsTokensThenUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`data: {"choices":[{"delta":{"content":"hel"}}]}`,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`,
			`data: [DONE]`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "%s\n\n", f)
		}
	}))
	defer srv.Close()

	gw := llmgateway.New(newProvider(srv.URL, true), staticSecrets{})
	stream, err := gw.ChatStream(context.Background(), "hi", "", nil)
	require.NoError(t, err)

	var tokens strings.Builder
	var usage *llmgateway.Usage
	for chunk := range stream {
		if chunk.Token != "" {
			tokens.WriteString(chunk.Token)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	require.Equal(t, "hello", tokens.String())
	require.NotNil(t, usage)
	require.Equal(t, 3, usage.TotalTokens)
}

func TestGetEmbeddingRejectsEmptyInput(t *testing.T) {
	gw := llmgateway.New(newProvider("http://unused.invalid", true), staticSecrets{})
	_, err := gw.GetEmbedding(context.Background(), "   ")
	require.Error(t, err)
}

func TestGetEmbeddingReturnsVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"embedding":[0.1,0.2,0.3]}]}`)
	}))
	defer srv.Close()

	gw := llmgateway.New(newProvider(srv.URL, true), staticSecrets{})
	vec, err := gw.GetEmbedding(context.Background(), "hello world")
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestGetEmbeddingRetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"data":[{"embedding":[1,2]}]}`)
	}))
	defer srv.Close()

	gw := llmgateway.New(newProvider(srv.URL, true), staticSecrets{})
	vec, err := gw.GetEmbedding(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2}, vec)
	require.Equal(t, 2, attempts)
}

func TestGetEmbeddingGivesUpAfterThreeFailures(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gw := llmgateway.New(newProvider(srv.URL, true), staticSecrets{})
	_, err := gw.GetEmbedding(context.Background(), "hello")
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestContextWindowStripsVersionSuffixAndDefaults(t *testing.T) {
	require.Equal(t, 8192, llmgateway.ContextWindow("llama3"))
	require.Equal(t, 8192, llmgateway.ContextWindow("llama3:latest"))
	require.Equal(t, 4096, llmgateway.ContextWindow("some-unknown-model"))
}

func TestEstimateTokensCountsNonEmptyText(t *testing.T) {
	n, err := llmgateway.EstimateTokens("hello world, this is a test")
	require.NoError(t, err)
	require.Greater(t, n, 0)
}
