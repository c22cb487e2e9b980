package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/haricheung/stlpilot/internal/types"
)

func TestNormalizeBaseURL_StripsChatCompletionsSuffix(t *testing.T) {
	// Strips a trailing "/chat/completions" suffix
	got := normalizeBaseURL("https://api.openai.com/v1/chat/completions")
	want := "https://api.openai.com/v1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalizeBaseURL_StripTrailingSlash(t *testing.T) {
	// Strips a trailing slash without "/chat/completions"
	got := normalizeBaseURL("https://api.openai.com/v1/")
	want := "https://api.openai.com/v1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalizeBaseURL_StripSlashAndSuffix(t *testing.T) {
	// Strips trailing slash AND "/chat/completions" when both are present
	got := normalizeBaseURL("https://api.example.com/v1/chat/completions/")
	want := "https://api.example.com/v1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalizeBaseURL_NoSuffixUnchanged(t *testing.T) {
	// Returns the URL unchanged when neither suffix is present
	got := normalizeBaseURL("https://api.deepseek.com")
	if got != "https://api.deepseek.com" {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeBaseURL_EmptyInput(t *testing.T) {
	// Returns "" for empty input
	if got := normalizeBaseURL(""); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestNewTier_UsesTierSpecificVars(t *testing.T) {
	// Uses {prefix}_API_KEY / _BASE_URL / _MODEL when set and non-empty
	t.Setenv("CHECKER_API_KEY", "sk-checker-key")
	t.Setenv("CHECKER_BASE_URL", "https://api.deepseek.com")
	t.Setenv("CHECKER_MODEL", "deepseek-chat")
	t.Setenv("OPENAI_API_KEY", "sk-shared-key")
	t.Setenv("OPENAI_BASE_URL", "https://api.shared.com")
	t.Setenv("OPENAI_MODEL", "shared-model")
	c := NewTier("CHECKER")
	if c.apiKey != "sk-checker-key" {
		t.Errorf("apiKey: got %q, want sk-checker-key", c.apiKey)
	}
	if c.baseURL != "https://api.deepseek.com" {
		t.Errorf("baseURL: got %q, want https://api.deepseek.com", c.baseURL)
	}
	if c.model != "deepseek-chat" {
		t.Errorf("model: got %q, want deepseek-chat", c.model)
	}
}

func TestNewTier_FallsBackToSharedVars(t *testing.T) {
	// Falls back to OPENAI_* vars for any unset tier-specific var
	os.Unsetenv("TRANSLATOR_API_KEY")
	os.Unsetenv("TRANSLATOR_BASE_URL")
	os.Unsetenv("TRANSLATOR_MODEL")
	t.Setenv("OPENAI_API_KEY", "sk-shared-key")
	t.Setenv("OPENAI_BASE_URL", "https://api.shared.com/v1")
	t.Setenv("OPENAI_MODEL", "shared-model")
	c := NewTier("TRANSLATOR")
	if c.apiKey != "sk-shared-key" {
		t.Errorf("apiKey: got %q, want sk-shared-key", c.apiKey)
	}
	if c.model != "shared-model" {
		t.Errorf("model: got %q, want shared-model", c.model)
	}
}

func TestNewTier_DefaultsWhenNothingSet(t *testing.T) {
	// Falls back to DefaultModel and DefaultBaseURL when nothing is set
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("OPENAI_MODEL", "")
	c := NewTier("")
	if c.model != DefaultModel {
		t.Errorf("model: got %q, want %q", c.model, DefaultModel)
	}
	if c.baseURL != DefaultBaseURL {
		t.Errorf("baseURL: got %q, want %q", c.baseURL, DefaultBaseURL)
	}
	if c.label != "LLM" {
		t.Errorf("label: got %q, want LLM", c.label)
	}
}

// --- Validate ---

func TestValidate_NilWhenAllFieldsPresent(t *testing.T) {
	// Returns nil when baseURL, apiKey and model are all non-empty
	c := &Client{baseURL: "https://api.example.com", apiKey: "sk-key", model: "gpt-4o", label: "TEST"}
	if err := c.Validate(); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestValidate_ErrorListsAllMissingFieldsCommaSeparated(t *testing.T) {
	// Lists every missing field comma-separated
	c := &Client{label: "TEST"}
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "base URL, API key, model") {
		t.Errorf("expected all three fields listed, got %q", msg)
	}
}

func TestValidate_ErrorIncludesTierLabel(t *testing.T) {
	// Error message includes the tier label
	c := &Client{baseURL: "https://api.example.com", model: "gpt-4o", label: "CHECKER"}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "CHECKER") {
		t.Errorf("expected tier label in error, got %v", err)
	}
}

// --- ChatMessages ---

func TestChatMessages_SendsHistoryAndReturnsContent(t *testing.T) {
	// Posts the whole role-tagged history and returns the first choice with usage
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"<inside_cuboid(objects[\"goal\"])>"}}],"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`))
	}))
	defer srv.Close()

	c := &Client{baseURL: srv.URL, apiKey: "sk-test", model: "m", label: "TEST", httpClient: srv.Client()}
	history := []types.ChatMessage{
		{Role: types.ChatSystem, Content: "instructions"},
		{Role: types.ChatUser, Content: "go to the goal"},
	}
	content, usage, err := c.ChatMessages(context.Background(), history)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != `<inside_cuboid(objects["goal"])>` {
		t.Errorf("content = %q", content)
	}
	if usage.PromptTokens != 12 || usage.CompletionTokens != 5 {
		t.Errorf("usage = %+v", usage)
	}
	if len(got.Messages) != 2 || got.Messages[1].Role != types.ChatUser {
		t.Errorf("request messages = %+v", got.Messages)
	}
	if got.Model != "m" {
		t.Errorf("request model = %q", got.Model)
	}
}

func TestChatMessages_HTTPErrorSurfaces(t *testing.T) {
	// Non-200 responses become errors carrying the status code
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := &Client{baseURL: srv.URL, apiKey: "k", model: "m", label: "TEST", httpClient: srv.Client()}
	_, _, err := c.ChatMessages(context.Background(), []types.ChatMessage{{Role: types.ChatUser, Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("expected HTTP 429 error, got %v", err)
	}
}

func TestChatMessages_EmptyHistoryRejected(t *testing.T) {
	// An empty conversation is rejected before any request is sent
	c := &Client{label: "TEST"}
	if _, _, err := c.ChatMessages(context.Background(), nil); err == nil {
		t.Error("expected error for empty conversation")
	}
}

// --- StripThinkBlocks ---

func TestStripThinkBlocks_RemovesSingleBlock(t *testing.T) {
	// Removes a single <think>...</think> block
	got := StripThinkBlocks("<think>let me reason</think>\n<spec>")
	if got != "<spec>" {
		t.Errorf("got %q, want %q", got, "<spec>")
	}
}

func TestStripThinkBlocks_RemovesMultipleBlocks(t *testing.T) {
	// Removes multiple <think>...</think> blocks
	got := StripThinkBlocks("<think>first</think><a><think>second</think><b>")
	if strings.Contains(got, "<think>") || strings.Contains(got, "</think>") {
		t.Errorf("expected all think blocks removed, got %q", got)
	}
}

func TestStripThinkBlocks_UnclosedBlockStrippedToEnd(t *testing.T) {
	// Strips an unclosed <think> block from its start to end of string
	got := StripThinkBlocks("<spec><think>orphaned reasoning")
	if got != "<spec>" {
		t.Errorf("got %q, want %q", got, "<spec>")
	}
}

func TestStripThinkBlocks_NoTagReturnedUnchanged(t *testing.T) {
	// Returns s unchanged when no <think> tag is present
	input := "Sure. <inside_cuboid(objects[\"goal\"])>"
	if got := StripThinkBlocks(input); got != input {
		t.Errorf("expected unchanged, got %q", got)
	}
}

func TestStripFences_RemovesCodeFence(t *testing.T) {
	// Removes the opening fence line and the closing fence
	got := StripFences("```python\n<spec>\n```")
	if got != "<spec>" {
		t.Errorf("got %q", got)
	}
}
