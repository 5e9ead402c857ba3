package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/verdant-garden/verdant/internal/config"
	"github.com/verdant-garden/verdant/internal/schema"
)

const goodPlan = `{
	"operations": [
		{
			"op": "create",
			"targetType": "zone",
			"targetId": "z1",
			"zoneId": "z1",
			"actionType": "water",
			"priority": "today",
			"label": "Water the raised bed",
			"suggestedDate": "2026-09-01"
		}
	],
	"observations": ["soil is dry"]
}`

func anthropicReply(t *testing.T, text string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"model":   "claude-sonnet-4-20250514",
		"usage":   map[string]int{"input_tokens": 120, "output_tokens": 80},
	})
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	return body
}

func testAnthropicClient(t *testing.T, handler http.HandlerFunc) *AnthropicClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.DiscardHandler)
	return NewAnthropicClient("test-key", "claude-sonnet-4-20250514", logger, WithAnthropicBaseURL(srv.URL))
}

func TestAnalyzeZoneValidPlan(t *testing.T) {
	client := testAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("missing anthropic-version header")
		}
		w.Write(anthropicReply(t, goodPlan))
	})

	resp, err := AnalyzeZone(context.Background(), client, "system", "analyze")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(resp.Result.Operations) != 1 {
		t.Fatalf("got %d operations, want 1", len(resp.Result.Operations))
	}
	if resp.Result.Operations[0].Op != schema.OpCreate {
		t.Errorf("op = %q", resp.Result.Operations[0].Op)
	}
	if resp.Usage.Input != 120 || resp.Usage.Output != 80 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnalyzeZoneFencedEqualsUnfenced(t *testing.T) {
	fenced := "```json\n" + goodPlan + "\n```"
	for name, reply := range map[string]string{"plain": goodPlan, "fenced": fenced} {
		t.Run(name, func(t *testing.T) {
			client := testAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write(anthropicReply(t, reply))
			})
			resp, err := AnalyzeZone(context.Background(), client, "system", "analyze")
			if err != nil {
				t.Fatalf("analyze: %v", err)
			}
			if len(resp.Result.Operations) != 1 {
				t.Errorf("got %d operations, want 1", len(resp.Result.Operations))
			}
		})
	}
}

func TestAnalyzeZoneParseErrorVsValidationError(t *testing.T) {
	// Prose reply: syntactically invalid JSON is a ParseError.
	client := testAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(anthropicReply(t, "Sure! Here is my analysis of your garden."))
	})
	_, err := AnalyzeZone(context.Background(), client, "system", "analyze")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if parseErr.Provider != ProviderAnthropic {
		t.Errorf("provider = %q", parseErr.Provider)
	}

	// Well-formed JSON violating the contract is a validation error,
	// never a ParseError.
	client = testAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(anthropicReply(t, `{"operations": [{"op": "create", "targetType": "pond"}]}`))
	})
	_, err = AnalyzeZone(context.Background(), client, "system", "analyze")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if errors.As(err, &parseErr) {
		t.Errorf("schema violation misclassified as ParseError: %v", err)
	}
	var valErr *schema.ValidationError
	if !errors.As(err, &valErr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestAnthropicAPIErrorPropagates(t *testing.T) {
	client := testAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"type": "authentication_error"}}`, http.StatusUnauthorized)
	})
	_, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("expected 401 error, got %v", err)
	}
}

func TestOpenAIChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Messages[0].Role != "system" {
			t.Errorf("system message not preserved: %+v", req.Messages)
		}
		fmt.Fprint(w, `{
			"model": "gpt-4o-mini",
			"choices": [{"message": {"content": "hello there"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5}
		}`)
	}))
	defer srv.Close()

	client := NewOpenAIClient("test-key", "gpt-4o-mini", slog.New(slog.DiscardHandler), WithOpenAIBaseURL(srv.URL))
	resp, err := client.Chat(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "hello there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.Input != 10 || resp.Usage.Output != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIMissingUsageReportsZeros(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model": "gpt-4o-mini", "choices": [{"message": {"content": "ok"}}]}`)
	}))
	defer srv.Close()

	client := NewOpenAIClient("test-key", "gpt-4o-mini", slog.New(slog.DiscardHandler), WithOpenAIBaseURL(srv.URL))
	resp, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Usage.Input != 0 || resp.Usage.Output != 0 {
		t.Errorf("usage = %+v, want zeros", resp.Usage)
	}
}

func TestStripFence(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"  {\"a\": 1}  ", `{"a": 1}`},
	}
	for _, tt := range tests {
		if got := stripFence(tt.in); got != tt.want {
			t.Errorf("stripFence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type fakeKeys map[string]string // "user/provider" -> key

func (f fakeKeys) Get(ctx context.Context, userID, provider string) (string, error) {
	if key, ok := f[userID+"/"+provider]; ok {
		return key, nil
	}
	return "", fmt.Errorf("key for %s/%s: %w", userID, provider, ErrNoKey)
}

func TestResolverPrefersAnthropic(t *testing.T) {
	models := config.ModelsConfig{Anthropic: "claude-sonnet-4-20250514", OpenAI: "gpt-4o-mini"}
	logger := slog.New(slog.DiscardHandler)

	r := NewResolver(fakeKeys{"u1/anthropic": "ak", "u1/openai": "ok"}, models, logger)
	res, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Provider != ProviderAnthropic {
		t.Errorf("provider = %q, want anthropic", res.Provider)
	}
	if res.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", res.Model)
	}
}

func TestResolverFallsBackToOpenAI(t *testing.T) {
	models := config.ModelsConfig{Anthropic: "claude-sonnet-4-20250514", OpenAI: "gpt-4o-mini"}
	r := NewResolver(fakeKeys{"u1/openai": "ok"}, models, slog.New(slog.DiscardHandler))

	res, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Provider != ProviderOpenAI {
		t.Errorf("provider = %q, want openai", res.Provider)
	}
}

func TestResolverNoProvider(t *testing.T) {
	r := NewResolver(fakeKeys{}, config.ModelsConfig{}, slog.New(slog.DiscardHandler))
	_, err := r.Resolve(context.Background(), "u1")
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}
