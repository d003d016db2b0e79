package turn

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxTodosPerWrite = 40

func normalizeTodoStatus(raw string) (string, bool) {
	status := strings.ToLower(strings.TrimSpace(raw))
	switch status {
	case TodoStatusPending, TodoStatusInProgress, TodoStatusCompleted, TodoStatusCancelled:
		return status, true
	default:
		return "", false
	}
}

func normalizeTodoItems(items []TodoItem) ([]TodoItem, error) {
	if len(items) > maxTodosPerWrite {
		return nil, fmt.Errorf("too many todos (max %d)", maxTodosPerWrite)
	}
	out := make([]TodoItem, 0, len(items))
	for i, item := range items {
		content := strings.TrimSpace(item.Content)
		if content == "" {
			return nil, fmt.Errorf("todo[%d]: missing content", i)
		}
		status, ok := normalizeTodoStatus(item.Status)
		if !ok {
			return nil, fmt.Errorf("todo[%d]: invalid status %q", i, strings.TrimSpace(item.Status))
		}
		out = append(out, TodoItem{
			ID:         strings.TrimSpace(item.ID),
			Content:    content,
			Status:     status,
			ActiveForm: strings.TrimSpace(item.ActiveForm),
		})
	}
	return out, nil
}

func decodeTodoWriteInput(input map[string]any) ([]TodoItem, error) {
	raw, ok := input["todos"]
	if !ok {
		return nil, fmt.Errorf("missing required field: todos")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var items []TodoItem
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("invalid todos payload: %w", err)
	}
	return normalizeTodoItems(items)
}

func encodeTodoItemsJSON(items []TodoItem) (string, error) {
	if items == nil {
		items = []TodoItem{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
