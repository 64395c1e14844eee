package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantCount  int
		wantName   string
	}{
		{name: "empty content", content: "", wantCount: 0},
		{name: "whitespace only", content: "   \n\t  ", wantCount: 0},
		{name: "plain text", content: "You have two meetings tomorrow.", wantCount: 0},
		{
			name:      "single object",
			content:   `{"name": "fetch_events", "arguments": {"time_min": "2025-03-01T00:00:00Z"}}`,
			wantCount: 1,
			wantName:  "fetch_events",
		},
		{
			name:      "array",
			content:   `[{"name": "get_date_and_time", "arguments": {}}, {"name": "fetch_events", "arguments": {}}]`,
			wantCount: 2,
			wantName:  "get_date_and_time",
		},
		{
			name:      "concatenated objects",
			content:   `{"name": "delete_event", "arguments": {"event_id": "a"}}{"name": "delete_event", "arguments": {"event_id": "b"}}`,
			wantCount: 2,
			wantName:  "delete_event",
		},
		{
			name:      "tagged",
			content:   `<tool_call>{"name": "get_date_and_time", "arguments": {}}</tool_call>`,
			wantCount: 1,
			wantName:  "get_date_and_time",
		},
		{
			name:      "tagged without closing tag",
			content:   `<tool_call>{"name": "get_date_and_time", "arguments": {}}`,
			wantCount: 1,
			wantName:  "get_date_and_time",
		},
		{
			name:      "tagged with preamble",
			content:   `Let me check the date first. <tool_call>{"name": "get_date_and_time", "arguments": {}}</tool_call>`,
			wantCount: 1,
			wantName:  "get_date_and_time",
		},
		{name: "malformed", content: `{"name": "fetch_events", "arguments": {`, wantCount: 0},
		{name: "missing name", content: `{"foo": "bar", "arguments": {}}`, wantCount: 0},
		{name: "empty name", content: `{"name": "", "arguments": {}}`, wantCount: 0},
		{
			name:       "unknown tool rejected",
			content:    `{"name": "format_disk", "arguments": {}}`,
			validTools: []string{"fetch_events", "delete_event"},
			wantCount:  0,
		},
		{
			name:       "mixed valid and unknown",
			content:    `[{"name": "fetch_events", "arguments": {}}, {"name": "format_disk", "arguments": {}}]`,
			validTools: []string{"fetch_events"},
			wantCount:  1,
			wantName:   "fetch_events",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content, tt.validTools)
			if len(got) != tt.wantCount {
				t.Fatalf("parseTextToolCalls() returned %d calls, want %d", len(got), tt.wantCount)
			}
			if tt.wantCount > 0 && got[0].Function.Name != tt.wantName {
				t.Errorf("first call = %q, want %q", got[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestParseTextToolCalls_Arguments(t *testing.T) {
	calls := parseTextToolCalls(`{"name": "patch_event", "arguments": {"event_id": "evt-1", "start": "2025-03-02T09:00:00Z"}}`, nil)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	args := calls[0].Function.Arguments
	if args["event_id"] != "evt-1" {
		t.Errorf("event_id = %v", args["event_id"])
	}
	if args["start"] != "2025-03-02T09:00:00Z" {
		t.Errorf("start = %v", args["start"])
	}
}

func TestExtractToolNames(t *testing.T) {
	tests := []struct {
		name  string
		tools []map[string]any
		want  []string
	}{
		{"nil", nil, nil},
		{"single", []map[string]any{{"function": map[string]any{"name": "fetch_events"}}}, []string{"fetch_events"}},
		{"malformed skipped", []map[string]any{
			{"function": map[string]any{"name": "fetch_events"}},
			{"broken": "entry"},
			{"function": map[string]any{"name": "delete_event"}},
		}, []string{"fetch_events", "delete_event"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractToolNames(tt.tools)
			if len(got) != len(tt.want) {
				t.Fatalf("extractToolNames() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestOllamaWireResponse(t *testing.T) {
	raw := `{
		"model": "qwen3:8b",
		"created_at": "2025-03-01T15:00:00.123456789Z",
		"message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [
				{"function": {"name": "fetch_events", "arguments": {"time_min": "2025-03-01T00:00:00Z", "time_max": "2025-03-02T00:00:00Z"}}}
			]
		},
		"done": true,
		"total_duration": 1234567890,
		"load_duration": 100000000,
		"prompt_eval_count": 42,
		"eval_count": 15,
		"eval_duration": 600000000
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resp := wire.toChatResponse()

	if resp.CreatedAt.Year() != 2025 || resp.CreatedAt.Month() != time.March {
		t.Errorf("CreatedAt = %v", resp.CreatedAt)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d, want 42/15", resp.InputTokens, resp.OutputTokens)
	}
	if resp.TotalDuration != 1234567890*time.Nanosecond {
		t.Errorf("TotalDuration = %v", resp.TotalDuration)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Name != "fetch_events" {
		t.Fatalf("ToolCalls = %+v", resp.Message.ToolCalls)
	}
	if resp.Message.ToolCalls[0].Function.Arguments["time_max"] != "2025-03-02T00:00:00Z" {
		t.Errorf("arguments = %v", resp.Message.ToolCalls[0].Function.Arguments)
	}
}

func TestOllamaWireResponse_MissingTimestamp(t *testing.T) {
	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(`{"model":"m","message":{"role":"assistant","content":"hi"},"done":true}`), &wire); err != nil {
		t.Fatal(err)
	}
	if resp := wire.toChatResponse(); !resp.CreatedAt.IsZero() {
		t.Errorf("CreatedAt = %v, want zero", resp.CreatedAt)
	}
}

func TestOllamaClient_Chat(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"qwen3:8b","message":{"role":"assistant","content":"<tool_call>{\"name\":\"get_date_and_time\",\"arguments\":{}}</tool_call>"},"done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	tools := []map[string]any{{"type": "function", "function": map[string]any{"name": "get_date_and_time"}}}
	msgs := []Message{
		{Role: RoleSystem, Content: "be helpful"},
		{Role: RoleUser, Content: "what day is it?"},
	}

	resp, err := c.Chat(context.Background(), "qwen3:8b", msgs, tools)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got.Stream {
		t.Error("request asked for streaming")
	}
	if len(got.Messages) != 2 || len(got.Tools) != 1 {
		t.Errorf("request carried %d messages, %d tools", len(got.Messages), len(got.Tools))
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Name != "get_date_and_time" {
		t.Fatalf("text tool call not recovered: %+v", resp.Message)
	}
	if resp.Message.Content != "" {
		t.Errorf("content not cleared: %q", resp.Message.Content)
	}
}

func TestOllamaClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, nil).Chat(context.Background(), "missing", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
}

func TestOllamaClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	if err := NewOllamaClient(srv.URL+"/", nil).Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
