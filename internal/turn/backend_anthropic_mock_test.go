package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type messagesMock struct {
	content []any

	mu               sync.Mutex
	streamedRequests int
	bufferedRequests int
}

func (m *messagesMock) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if strings.TrimSpace(r.Header.Get("x-api-key")) != "sk-ant-test" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !strings.HasSuffix(strings.TrimSpace(r.URL.Path), "/messages") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	var req map[string]any
	_ = json.Unmarshal(body, &req)

	if streamed, _ := req["stream"].(bool); streamed {
		m.mu.Lock()
		m.streamedRequests++
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"type":"invalid_request_error","message":"failed to parse stream options"}}`)
		return
	}

	m.mu.Lock()
	m.bufferedRequests++
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":          "msg_test_1",
		"type":        "message",
		"role":        "assistant",
		"model":       fmt.Sprint(req["model"]),
		"content":     m.content,
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":  1,
			"output_tokens": 1,
		},
	})
}

func newMockAnthropicBackend(t *testing.T, mock *messagesMock) *AnthropicBackend {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(server.Close)
	backend, err := NewAnthropicBackend(server.URL, "sk-ant-test", "claude-sonnet-4-5", testLogger())
	if err != nil {
		t.Fatalf("NewAnthropicBackend: %v", err)
	}
	return backend
}

func TestAnthropicTurnBufferedJoinsTextBlocks(t *testing.T) {
	t.Parallel()

	mock := &messagesMock{content: []any{
		map[string]any{"type": "text", "text": "First paragraph."},
		map[string]any{"type": "text", "text": "  "},
		map[string]any{"type": "text", "text": "Second paragraph."},
	}}
	backend := newMockAnthropicBackend(t, mock)

	result, err := backend.NewTurn(nil, "hello", "", nil).Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.Text != "First paragraph.\nSecond paragraph." {
		t.Fatalf("Start text = %q", result.Text)
	}
	if result.Streamed {
		t.Fatalf("buffered result marked streamed")
	}
	mock.mu.Lock()
	streamed, buffered := mock.streamedRequests, mock.bufferedRequests
	mock.mu.Unlock()
	if streamed != 1 || buffered != 1 {
		t.Fatalf("requests streamed=%d buffered=%d, want 1 and 1", streamed, buffered)
	}
}

func TestAnthropicTurnBufferedTextWithToolUse(t *testing.T) {
	t.Parallel()

	mock := &messagesMock{content: []any{
		map[string]any{"type": "text", "text": "Checking the file."},
		map[string]any{
			"type":  "tool_use",
			"id":    "toolu_test_1",
			"name":  "read_file",
			"input": map[string]any{"path": "main.go"},
		},
	}}
	backend := newMockAnthropicBackend(t, mock)

	result, err := backend.NewTurn(nil, "read main.go", "", BuildToolConfig([]string{"read_file"}, nil, "")).Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.Text != "Checking the file." {
		t.Fatalf("Start text = %q", result.Text)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(result.ToolCalls))
	}
	call := result.ToolCalls[0]
	if call.CallID != "toolu_test_1" || call.Name != "read_file" {
		t.Fatalf("unexpected tool call %+v", call)
	}
	if !strings.Contains(call.Arguments, `"path"`) {
		t.Fatalf("tool call arguments = %q", call.Arguments)
	}
}
