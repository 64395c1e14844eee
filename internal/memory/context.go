package memory

import (
	"encoding/json"

	"github.com/nugget/almanac/internal/llm"
)

// ModelMessages rebuilds the provider-neutral conversation from stored
// records. Tool call arguments are stored as raw JSON text; text that
// does not decode to an object is passed through under "_raw" so the
// model can see what it sent.
func ModelMessages(records []Record) []llm.Message {
	msgs := make([]llm.Message, 0, len(records))
	for _, r := range records {
		switch r.Kind {
		case KindSystem:
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: r.Text})
		case KindUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: r.Text})
		case KindAssistantText:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: r.Text})
		case KindToolCallRequest:
			calls := make([]llm.ToolCall, len(r.Calls))
			for i, c := range r.Calls {
				calls[i] = llm.ToolCall{
					ID:       c.ID,
					Function: llm.ToolFunction{Name: c.Name, Arguments: decodeArguments(c.Arguments)},
				}
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, ToolCalls: calls})
		case KindToolCallResult:
			for _, res := range r.Results {
				msgs = append(msgs, llm.Message{
					Role:       llm.RoleTool,
					Content:    res.Content,
					ToolCallID: res.CallID,
					ToolName:   res.Name,
					IsError:    res.IsError,
				})
			}
		}
	}
	return msgs
}

func decodeArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"_raw": raw}
	}
	return args
}
