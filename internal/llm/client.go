package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/haricheung/stlpilot/internal/types"
)

// Client is an OpenAI-compatible LLM client.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	label      string // tier name used in debug log lines (e.g. "TRANSLATOR", "CHECKER")
	httpClient *http.Client
}

// normalizeBaseURL strips trailing slashes and the "/chat/completions" suffix
// from a raw OPENAI_BASE_URL value so the path is never doubled when the
// client appends "/chat/completions" itself.
//
// Expectations:
//   - Strips a trailing "/chat/completions" suffix
//   - Strips a trailing slash without "/chat/completions"
//   - Strips trailing slash AND "/chat/completions" when both are present
//   - Returns the URL unchanged when neither suffix is present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// New creates a Client from the shared environment variables:
//
//	OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL
func New() *Client {
	return NewTier("")
}

// NewTier creates a Client for a named tier (e.g. "TRANSLATOR", "CHECKER").
// For each config key it first tries {prefix}_{KEY}; if unset it falls back
// to the shared OPENAI_{KEY}. An empty prefix reads only the shared vars,
// making it equivalent to New(). When no model is configured anywhere the
// client uses DefaultModel.
//
// Expectations:
//   - Uses {prefix}_API_KEY / _BASE_URL / _MODEL when set and non-empty
//   - Falls back to OPENAI_* vars for any unset tier-specific var
//   - Falls back to DefaultModel and DefaultBaseURL when nothing is set
//   - Empty prefix reads only OPENAI_* (identical to New())
func NewTier(prefix string) *Client {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	label := prefix
	if label == "" {
		label = "LLM"
	}
	baseURL := get("BASE_URL", "OPENAI_BASE_URL")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := get("MODEL", "OPENAI_MODEL")
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		baseURL:    normalizeBaseURL(baseURL),
		apiKey:     get("API_KEY", "OPENAI_API_KEY"),
		model:      model,
		label:      label,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-3.5-turbo"
)

// Model returns the configured model name (recorded in experiment metadata).
func (c *Client) Model() string { return c.model }

// Validate reports which connection fields are missing, so the CLI can fail
// before the first conversation turn instead of mid-mission.
//
// Expectations:
//   - Returns nil when baseURL, apiKey and model are all non-empty
//   - Lists every missing field comma-separated
//   - Error message includes the tier label
func (c *Client) Validate() error {
	var missing []string
	if c.baseURL == "" {
		missing = append(missing, "base URL")
	}
	if c.apiKey == "" {
		missing = append(missing, "API key")
	}
	if c.model == "" {
		missing = append(missing, "model")
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("llm: %s tier is missing %s", c.label, strings.Join(missing, ", "))
}

type chatRequest struct {
	Model    string              `json:"model"`
	Messages []types.ChatMessage `json:"messages"`
}

// Usage reports token consumption for one LLM call.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	ElapsedMs        int64 `json:"-"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends a system + user prompt and returns the assistant's text response and token usage.
func (c *Client) Chat(ctx context.Context, system, user string) (string, Usage, error) {
	return c.ChatMessages(ctx, []types.ChatMessage{
		{Role: types.ChatSystem, Content: system},
		{Role: types.ChatUser, Content: user},
	})
}

// ChatMessages sends an ordered, role-tagged conversation and returns the
// assistant's reply. The caller owns the history; it is not modified.
func (c *Client) ChatMessages(ctx context.Context, messages []types.ChatMessage) (string, Usage, error) {
	if len(messages) == 0 {
		return "", Usage{}, fmt.Errorf("llm: empty conversation")
	}
	last := messages[len(messages)-1]
	log.Printf("[%s] ── REQUEST (%d messages, last=%s) ───────────────\n%s\n── END REQUEST ─────────────────────────────────", c.label, len(messages), last.Role, last.Content)

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", Usage{}, fmt.Errorf("llm: unmarshal response: %w", err)
	}

	if chatResp.Error != nil {
		return "", Usage{}, fmt.Errorf("llm: API error: %s", chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("llm: no choices in response")
	}

	usage := chatResp.Usage
	usage.ElapsedMs = time.Since(start).Milliseconds()
	content := chatResp.Choices[0].Message.Content
	log.Printf("[%s] ── RESPONSE (tokens: prompt=%d completion=%d, %dms) ──\n%s\n── END RESPONSE ────────────────────────────────",
		c.label, usage.PromptTokens, usage.CompletionTokens, usage.ElapsedMs, content)
	return content, usage, nil
}

// StripThinkBlocks removes all <think>...</think> blocks from s.
// Reasoning models emit these before their answer; the angle brackets would
// otherwise be mistaken for a specification delimiter.
//
// Expectations:
//   - Removes a single <think>...</think> block
//   - Removes multiple <think>...</think> blocks
//   - Strips an unclosed <think> block from its start to end of string
//   - Returns s unchanged when no <think> tag is present
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			// Unclosed block: strip from the opening tag to the end.
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes markdown code fences (```python ... ```) from LLM output,
// and also strips <think>...</think> reasoning blocks emitted by reasoning models.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		// Remove opening fence line
		idx := strings.Index(s, "\n")
		if idx != -1 {
			s = s[idx+1:]
		}
		// Remove closing fence
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
