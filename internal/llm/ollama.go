package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/almanac/internal/httpkit"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient is a client for the Ollama /api/chat endpoint.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a client for the server at baseURL.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Local models with a full tool list can take minutes before the
	// first byte; cancellation is left to ctx.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 5 * time.Minute

	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

// ollamaWireResponse mirrors the JSON returned by /api/chat. Durations
// are nanoseconds and the timestamp is RFC 3339 text.
type ollamaWireResponse struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`

	TotalDuration   int64 `json:"total_duration,omitempty"`
	LoadDuration    int64 `json:"load_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	created, _ := time.Parse(time.RFC3339Nano, w.CreatedAt)
	return &ChatResponse{
		Model:         w.Model,
		CreatedAt:     created,
		Message:       w.Message,
		Done:          w.Done,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
}

// Chat implements Client.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("sending request", "model", model, "messages", len(messages), "tools", len(tools))
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}

	var wire ollamaWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out := wire.toChatResponse()

	// Smaller models often put the call in the content instead of the
	// tool_calls field.
	if len(out.Message.ToolCalls) == 0 && out.Message.Content != "" {
		if parsed := parseTextToolCalls(out.Message.Content, extractToolNames(tools)); len(parsed) > 0 {
			c.logger.Debug("recovered tool calls from content", "count", len(parsed))
			out.Message.ToolCalls = parsed
			out.Message.Content = ""
		}
	}

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
		"elapsed", out.TotalDuration,
	)
	return out, nil
}

// Ping implements Client.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: "ollama", StatusCode: resp.StatusCode}
	}
	return nil
}

type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls extracts tool calls that a model wrote into its
// content. Accepted shapes: a JSON object, a JSON array of objects,
// several objects back to back, any of these wrapped in <tool_call>
// tags. When validTools is non-empty, unknown names are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "<tool_call>"); start != -1 {
		content = content[start+len("<tool_call>"):]
		if end := strings.Index(content, "</tool_call>"); end != -1 {
			content = content[:end]
		}
		content = strings.TrimSpace(content)
	}
	if content == "" || (content[0] != '{' && content[0] != '[') {
		return nil
	}

	var raw []textToolCall
	if content[0] == '[' {
		if err := json.Unmarshal([]byte(content), &raw); err != nil {
			return nil
		}
	} else {
		dec := json.NewDecoder(strings.NewReader(content))
		for {
			var one textToolCall
			err := dec.Decode(&one)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil
			}
			raw = append(raw, one)
		}
	}

	allowed := make(map[string]bool, len(validTools))
	for _, n := range validTools {
		allowed[n] = true
	}

	var calls []ToolCall
	for _, r := range raw {
		if r.Name == "" {
			continue
		}
		if len(allowed) > 0 && !allowed[r.Name] {
			continue
		}
		calls = append(calls, ToolCall{Function: ToolFunction{Name: r.Name, Arguments: r.Arguments}})
	}
	return calls
}

// extractToolNames returns the function names of OpenAI-style tool
// descriptors, skipping malformed entries.
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}
