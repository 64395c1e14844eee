// Package memory provides conversation persistence: sessions and the
// append-only sequence of records that make up each conversation.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies what a stored record holds. The set is closed; any
// other value is rejected when a record is decoded or appended.
type Kind string

const (
	// KindSystem holds the operating instructions. Always position 1.
	KindSystem Kind = "system"
	// KindUser holds the text of a user turn.
	KindUser Kind = "user"
	// KindAssistantText holds a final natural-language model answer.
	KindAssistantText Kind = "assistant_text"
	// KindToolCallRequest holds the ordered list of calls the model asked for.
	KindToolCallRequest Kind = "tool_call_request"
	// KindToolCallResult holds one outcome for every call of the
	// preceding request, in completion order.
	KindToolCallResult Kind = "tool_call_result"
)

// Valid reports whether k is one of the five known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSystem, KindUser, KindAssistantText, KindToolCallRequest, KindToolCallResult:
		return true
	}
	return false
}

// Sentinel errors returned by stores and codecs.
var (
	ErrSessionNotFound = errors.New("memory: session not found")
	ErrUnknownKind     = errors.New("memory: unknown record kind")
	ErrInvalidRecord   = errors.New("memory: invalid record")
)

// FunctionCall is one tool invocation requested by the model.
// Arguments is the raw JSON text exactly as it will be handed to the
// dispatcher.
type FunctionCall struct {
	ID        string `json:"call_id"`
	Name      string `json:"tool_name"`
	Arguments string `json:"arguments"`
}

// FunctionResult is the outcome of one FunctionCall.
type FunctionResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"tool_name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Session is one persistent conversation.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Record is one entry of a session's history. Exactly one payload
// field is meaningful, selected by Kind.
type Record struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Position  int64            `json:"position"`
	Kind      Kind             `json:"kind"`
	Text      string           `json:"text,omitempty"`
	Calls     []FunctionCall   `json:"calls,omitempty"`
	Results   []FunctionResult `json:"results,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// SystemRecord returns an unsaved system record.
func SystemRecord(text string) Record { return Record{Kind: KindSystem, Text: text} }

// UserRecord returns an unsaved user record.
func UserRecord(text string) Record { return Record{Kind: KindUser, Text: text} }

// AssistantRecord returns an unsaved assistant_text record.
func AssistantRecord(text string) Record { return Record{Kind: KindAssistantText, Text: text} }

// RequestRecord returns an unsaved tool_call_request record.
func RequestRecord(calls []FunctionCall) Record {
	return Record{Kind: KindToolCallRequest, Calls: calls}
}

// ResultRecord returns an unsaved tool_call_result record.
func ResultRecord(results []FunctionResult) Record {
	return Record{Kind: KindToolCallResult, Results: results}
}

// Validate checks the kind-specific shape of a record.
func (r Record) Validate() error {
	switch r.Kind {
	case KindSystem, KindUser, KindAssistantText:
		return nil
	case KindToolCallRequest:
		if len(r.Calls) == 0 {
			return fmt.Errorf("%w: tool_call_request without calls", ErrInvalidRecord)
		}
		seen := make(map[string]bool, len(r.Calls))
		for _, c := range r.Calls {
			if c.ID == "" || c.Name == "" {
				return fmt.Errorf("%w: call missing id or name", ErrInvalidRecord)
			}
			if seen[c.ID] {
				return fmt.Errorf("%w: duplicate call id %q", ErrInvalidRecord, c.ID)
			}
			seen[c.ID] = true
		}
		return nil
	case KindToolCallResult:
		if len(r.Results) == 0 {
			return fmt.Errorf("%w: tool_call_result without results", ErrInvalidRecord)
		}
		seen := make(map[string]bool, len(r.Results))
		for _, res := range r.Results {
			if res.CallID == "" {
				return fmt.Errorf("%w: result missing call id", ErrInvalidRecord)
			}
			if seen[res.CallID] {
				return fmt.Errorf("%w: duplicate result for call %q", ErrInvalidRecord, res.CallID)
			}
			seen[res.CallID] = true
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
}

// MatchesRequest reports whether res answers every call of req exactly
// once. Order is not significant.
func MatchesRequest(req, res Record) bool {
	if req.Kind != KindToolCallRequest || res.Kind != KindToolCallResult {
		return false
	}
	if len(req.Calls) != len(res.Results) {
		return false
	}
	pending := make(map[string]bool, len(req.Calls))
	for _, c := range req.Calls {
		pending[c.ID] = true
	}
	for _, r := range res.Results {
		if !pending[r.CallID] {
			return false
		}
		delete(pending, r.CallID)
	}
	return len(pending) == 0
}

// encodeContent serializes a record payload into the single text
// column every backend stores.
func encodeContent(r Record) (string, error) {
	switch r.Kind {
	case KindSystem, KindUser, KindAssistantText:
		return r.Text, nil
	case KindToolCallRequest:
		b, err := json.Marshal(r.Calls)
		if err != nil {
			return "", fmt.Errorf("encode calls: %w", err)
		}
		return string(b), nil
	case KindToolCallResult:
		b, err := json.Marshal(r.Results)
		if err != nil {
			return "", fmt.Errorf("encode results: %w", err)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
}

// decodeContent is the inverse of encodeContent. It fills the payload
// of r from content according to kind.
func decodeContent(kind string, content string) (Record, error) {
	r := Record{Kind: Kind(kind)}
	switch r.Kind {
	case KindSystem, KindUser, KindAssistantText:
		r.Text = content
	case KindToolCallRequest:
		if err := json.Unmarshal([]byte(content), &r.Calls); err != nil {
			return Record{}, fmt.Errorf("decode calls: %w", err)
		}
	case KindToolCallResult:
		if err := json.Unmarshal([]byte(content), &r.Results); err != nil {
			return Record{}, fmt.Errorf("decode results: %w", err)
		}
	default:
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return r, nil
}
