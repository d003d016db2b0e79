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
	"time"
)

type responsesMock struct {
	token string

	// streamOK serves SSE on streamed requests; otherwise they are
	// rejected with a stream-format error.
	streamOK  bool
	toolRound bool
	// rejectPrevRef answers requests carrying previous_response_id
	// with a rejection so clients fall back to resending the full
	// conversation.
	rejectPrevRef bool

	mu               sync.Mutex
	streamedRequests int
	bufferedRequests int
	chatRequests     int
	toolOutputs      []string
	bufferedPrevRefs []string
	bufferedInputs   [][]string
}

func (m *responsesMock) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if strings.TrimSpace(r.Header.Get("Authorization")) != "Bearer sk-test" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	var req map[string]any
	_ = json.Unmarshal(body, &req) // best-effort; used only for request sanity checks

	path := strings.TrimSpace(r.URL.Path)
	switch {
	case strings.HasSuffix(path, "/responses"):
		streamed, _ := req["stream"].(bool)
		if streamed {
			m.mu.Lock()
			m.streamedRequests++
			m.mu.Unlock()
			if !m.streamOK {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"error":{"message":"failed to parse stream for this model","type":"invalid_request_error"}}`)
				return
			}
			m.serveResponsesSSE(w, req)
			return
		}

		prevRef := strings.TrimSpace(fmt.Sprint(req["previous_response_id"]))
		if prevRef == "<nil>" {
			prevRef = ""
		}

		m.mu.Lock()
		m.bufferedRequests++
		buffered := m.bufferedRequests
		m.bufferedPrevRefs = append(m.bufferedPrevRefs, prevRef)
		m.bufferedInputs = append(m.bufferedInputs, inputItemTypes(req))
		m.recordToolOutputsLocked(req)
		m.mu.Unlock()

		if m.rejectPrevRef && prevRef != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"message":"previous_response_id is not supported","type":"invalid_request_error"}}`)
			return
		}

		var output []any
		if m.toolRound && buffered == 1 {
			output = []any{map[string]any{
				"type":      "function_call",
				"id":        "fc_test_1",
				"call_id":   "call_test_1",
				"name":      "read_file",
				"arguments": `{"path":"main.go"}`,
				"status":    "completed",
			}}
		} else {
			output = []any{map[string]any{
				"type":   "message",
				"id":     "msg_buf_1",
				"role":   "assistant",
				"status": "completed",
				"content": []any{map[string]any{
					"type":        "output_text",
					"text":        m.token,
					"annotations": []any{},
				}},
			}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         fmt.Sprintf("resp_buf_%d", buffered),
			"object":     "response",
			"created_at": time.Now().Unix(),
			"status":     "completed",
			"model":      strings.TrimSpace(fmt.Sprint(req["model"])),
			"output":     output,
			"usage": map[string]any{
				"input_tokens":  1,
				"output_tokens": 1,
			},
		})
		return

	case strings.HasSuffix(path, "/chat/completions"):
		m.mu.Lock()
		m.chatRequests++
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl_test_1",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   strings.TrimSpace(fmt.Sprint(req["model"])),
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": m.token},
				"finish_reason": "stop",
			}},
		})
		return

	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
}

func (m *responsesMock) serveResponsesSSE(w http.ResponseWriter, req map[string]any) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	itemID := "msg_stream_1"
	writeSSEJSON(w, f, map[string]any{
		"type": "response.created",
		"response": map[string]any{
			"id":         "resp_stream_1",
			"created_at": time.Now().Unix(),
			"model":      strings.TrimSpace(fmt.Sprint(req["model"])),
		},
	})
	writeSSEJSON(w, f, map[string]any{
		"type":         "response.output_item.added",
		"output_index": 0,
		"item": map[string]any{
			"type": "message",
			"id":   itemID,
		},
	})
	writeSSEJSON(w, f, map[string]any{
		"type":    "response.output_text.delta",
		"item_id": itemID,
		"delta":   m.token,
	})
	writeSSEJSON(w, f, map[string]any{
		"type":         "response.output_item.done",
		"output_index": 0,
		"item": map[string]any{
			"type": "message",
			"id":   itemID,
		},
	})
	writeSSEJSON(w, f, map[string]any{
		"type": "response.completed",
		"response": map[string]any{
			"id": "resp_stream_1",
			"usage": map[string]any{
				"input_tokens":  1,
				"output_tokens": 1,
			},
		},
	})
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	f.Flush()
}

func inputItemTypes(req map[string]any) []string {
	list, _ := req["input"].([]any)
	out := make([]string, 0, len(list))
	for _, it := range list {
		item, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if typ, ok := item["type"].(string); ok {
			out = append(out, strings.TrimSpace(typ))
		} else if _, ok := item["role"]; ok {
			out = append(out, "message")
		}
	}
	return out
}

func (m *responsesMock) recordToolOutputsLocked(req map[string]any) {
	list, _ := req["input"].([]any)
	for _, it := range list {
		item, ok := it.(map[string]any)
		if !ok || strings.TrimSpace(fmt.Sprint(item["type"])) != "function_call_output" {
			continue
		}
		if out, ok := item["output"].(string); ok {
			m.toolOutputs = append(m.toolOutputs, out)
		}
	}
}

func (m *responsesMock) counts() (streamed, buffered, chat int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamedRequests, m.bufferedRequests, m.chatRequests
}

func (m *responsesMock) bufferedRequestsSnapshot() (prevRefs []string, inputs [][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prevRefs = append(prevRefs, m.bufferedPrevRefs...)
	for _, types := range m.bufferedInputs {
		inputs = append(inputs, append([]string(nil), types...))
	}
	return prevRefs, inputs
}

func (m *responsesMock) toolOutputsSnapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.toolOutputs))
	out = append(out, m.toolOutputs...)
	return out
}

func writeSSEJSON(w io.Writer, f http.Flusher, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = io.WriteString(w, "data: ")
	_, _ = w.Write(b)
	_, _ = io.WriteString(w, "\n\n")
	f.Flush()
}

func newMockOpenAIBackend(t *testing.T, mock *responsesMock) *OpenAIBackend {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(server.Close)
	backend, err := NewOpenAIBackend(server.URL, "sk-test", "gpt-5", false, testLogger())
	if err != nil {
		t.Fatalf("NewOpenAIBackend: %v", err)
	}
	return backend
}

func TestOpenAITurnStreamFormatRejectionRetriesBuffered(t *testing.T) {
	t.Parallel()

	mock := &responsesMock{token: "hello from the mock"}
	backend := newMockOpenAIBackend(t, mock)

	var deltas []string
	result, err := backend.NewTurn(nil, "hello", "", nil).Start(context.Background(), func(delta string) {
		deltas = append(deltas, delta)
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.Text != "hello from the mock" {
		t.Fatalf("Start text = %q", result.Text)
	}
	if result.Streamed {
		t.Fatalf("buffered retry result marked streamed")
	}
	if len(deltas) != 0 {
		t.Fatalf("buffered retry produced deltas: %v", deltas)
	}
	streamed, buffered, _ := mock.counts()
	if streamed != 1 || buffered != 1 {
		t.Fatalf("requests streamed=%d buffered=%d, want 1 and 1", streamed, buffered)
	}
}

func TestOpenAITurnStreamedDeltas(t *testing.T) {
	t.Parallel()

	mock := &responsesMock{token: "streamed reply", streamOK: true}
	backend := newMockOpenAIBackend(t, mock)

	var deltas []string
	result, err := backend.NewTurn(nil, "hello", "Be terse.", nil).Start(context.Background(), func(delta string) {
		deltas = append(deltas, delta)
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !result.Streamed {
		t.Fatalf("streamed result not marked streamed")
	}
	if result.Text != "streamed reply" {
		t.Fatalf("Start text = %q", result.Text)
	}
	if strings.Join(deltas, "") != "streamed reply" {
		t.Fatalf("deltas = %v", deltas)
	}
	streamed, buffered, _ := mock.counts()
	if streamed != 1 || buffered != 0 {
		t.Fatalf("requests streamed=%d buffered=%d, want 1 and 0", streamed, buffered)
	}
}

func TestOpenAITurnToolRoundBuffered(t *testing.T) {
	t.Parallel()

	mock := &responsesMock{token: "done with the file", toolRound: true}
	backend := newMockOpenAIBackend(t, mock)

	turn := backend.NewTurn(nil, "read main.go", "", BuildToolConfig([]string{"read_file"}, nil, ""))
	result, err := turn.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(result.ToolCalls))
	}
	call := result.ToolCalls[0]
	if call.CallID != "call_test_1" || call.Name != "read_file" {
		t.Fatalf("unexpected tool call %+v", call)
	}

	final, err := turn.Continue(context.Background(), []ToolOutput{{CallID: call.CallID, Output: "package main"}}, nil)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if final.Text != "done with the file" {
		t.Fatalf("Continue text = %q", final.Text)
	}
	outputs := mock.toolOutputsSnapshot()
	if len(outputs) != 1 || outputs[0] != "package main" {
		t.Fatalf("tool outputs seen by backend = %v", outputs)
	}

	prevRefs, inputs := mock.bufferedRequestsSnapshot()
	if len(prevRefs) != 2 {
		t.Fatalf("buffered requests = %d, want 2", len(prevRefs))
	}
	if prevRefs[1] != "resp_buf_1" {
		t.Fatalf("continuation previous_response_id = %q", prevRefs[1])
	}
	if len(inputs[1]) != 1 || inputs[1][0] != "function_call_output" {
		t.Fatalf("continuation input item types = %v, want only function_call_output", inputs[1])
	}
}

func TestOpenAITurnContinuationFullResendKeepsDescriptors(t *testing.T) {
	t.Parallel()

	mock := &responsesMock{token: "done with the file", toolRound: true, rejectPrevRef: true}
	backend := newMockOpenAIBackend(t, mock)

	turn := backend.NewTurn(nil, "read main.go", "", BuildToolConfig([]string{"read_file"}, nil, ""))
	result, err := turn.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(result.ToolCalls))
	}

	final, err := turn.Continue(context.Background(), []ToolOutput{{CallID: result.ToolCalls[0].CallID, Output: "package main"}}, nil)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if final.Text != "done with the file" {
		t.Fatalf("Continue text = %q", final.Text)
	}

	prevRefs, inputs := mock.bufferedRequestsSnapshot()
	if len(prevRefs) != 3 {
		t.Fatalf("buffered requests = %d, want 3", len(prevRefs))
	}
	if prevRefs[1] == "" || prevRefs[2] != "" {
		t.Fatalf("previous_response_id sequence = %v, want set then cleared", prevRefs)
	}
	want := []string{"message", "function_call", "function_call_output"}
	got := inputs[2]
	if len(got) != len(want) {
		t.Fatalf("resend input item types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("resend input item types = %v, want %v", got, want)
		}
	}
}

func TestOpenAIPlainTurnChat(t *testing.T) {
	t.Parallel()

	mock := &responsesMock{token: "plain answer"}
	backend := newMockOpenAIBackend(t, mock)

	text, err := backend.PlainTurn(context.Background(), nil, "hello", "", nil)
	if err != nil {
		t.Fatalf("PlainTurn: %v", err)
	}
	if text != "plain answer" {
		t.Fatalf("PlainTurn text = %q", text)
	}
	_, _, chat := mock.counts()
	if chat != 1 {
		t.Fatalf("chat requests = %d, want 1", chat)
	}
}
