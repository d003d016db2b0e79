// Package extstream maps the newline-delimited event stream of an
// external CLI-style agent process onto the normalized display event
// vocabulary: trace steps, tool-use and tool-result messages, todo
// updates.
package extstream

import (
	"encoding/json"
	"strings"
)

// Stream event types.
const (
	EventThreadStarted = "thread.started"
	EventTurnStarted   = "turn.started"
	EventTurnCompleted = "turn.completed"
	EventItemStarted   = "item.started"
	EventItemCompleted = "item.completed"
)

// Item subtypes.
const (
	ItemCommandExecution = "command_execution"
	ItemMCPToolCall      = "mcp_tool_call"
	ItemTodoList         = "todo_list"
	ItemAgentMessage     = "agent_message"
)

// Event is one frame of the external stream.
type Event struct {
	Type     string         `json:"type"`
	ThreadID string         `json:"thread_id,omitempty"`
	Item     map[string]any `json:"item,omitempty"`
}

// DecodeEvent parses one NDJSON line.
func DecodeEvent(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	ev.Type = strings.TrimSpace(ev.Type)
	return &ev, nil
}

func itemID(item map[string]any) string {
	return readString(item, "id", "item_id")
}

// itemType reads the subtype, tolerating both field spellings seen in the
// wild.
func itemType(item map[string]any) string {
	return readString(item, "item_type", "type")
}

func readString(item map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := item[key]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// readOptionalInt distinguishes a present integer from null or absent.
func readOptionalInt(item map[string]any, keys ...string) *int {
	for _, key := range keys {
		v, ok := item[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			i := int(n)
			return &i
		case int:
			i := n
			return &i
		case int64:
			i := int(n)
			return &i
		case json.Number:
			if parsed, err := n.Int64(); err == nil {
				i := int(parsed)
				return &i
			}
		}
	}
	return nil
}

func readBool(item map[string]any, keys ...string) bool {
	for _, key := range keys {
		if v, ok := item[key]; ok {
			if b, ok := v.(bool); ok {
				return b
			}
		}
	}
	return false
}

func readMap(item map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		if v, ok := item[key]; ok {
			if m, ok := v.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

func readSlice(item map[string]any, keys ...string) []any {
	for _, key := range keys {
		if v, ok := item[key]; ok {
			if s, ok := v.([]any); ok {
				return s
			}
		}
	}
	return nil
}
