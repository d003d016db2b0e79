package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

// memorySink records every event it receives.
type memorySink struct {
	mu     sync.Mutex
	events []SinkEvent
}

func (s *memorySink) Send(event SinkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *memorySink) all() []SinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SinkEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *memorySink) messages(role string) []StreamMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StreamMessage
	for _, ev := range s.events {
		if ev.Type == SinkEventStreamMessage && ev.Message != nil && ev.Message.Role == role {
			out = append(out, *ev.Message)
		}
	}
	return out
}

func (s *memorySink) partials() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if ev.Type == SinkEventStreamPartial {
			out = append(out, ev.Partial)
		}
	}
	return out
}

func (s *memorySink) lastQuestion() *QuestionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == SinkEventQuestionRequest && s.events[i].Question != nil {
			q := *s.events[i].Question
			return &q
		}
	}
	return nil
}

// fakeExecutor records invocations and returns canned results.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []string

	result string
	err    error
}

func (e *fakeExecutor) record(name string) {
	e.mu.Lock()
	e.calls = append(e.calls, name)
	e.mu.Unlock()
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *fakeExecutor) ReadFile(ctx context.Context, sessionID string, path string) (string, error) {
	e.record(ToolReadFile)
	return e.result, e.err
}

func (e *fakeExecutor) WriteFile(ctx context.Context, sessionID string, path string, content string) (string, error) {
	e.record(ToolWriteFile)
	return e.result, e.err
}

func (e *fakeExecutor) EditFile(ctx context.Context, sessionID string, path string, oldText string, newText string) (string, error) {
	e.record(ToolEditFile)
	return e.result, e.err
}

func (e *fakeExecutor) ListDirectory(ctx context.Context, sessionID string, path string) (string, error) {
	e.record(ToolListDirectory)
	return e.result, e.err
}

func (e *fakeExecutor) Glob(ctx context.Context, sessionID string, pattern string, root string) (string, error) {
	e.record(ToolGlob)
	return e.result, e.err
}

func (e *fakeExecutor) Grep(ctx context.Context, sessionID string, pattern string, root string) (string, error) {
	e.record(ToolGrep)
	return e.result, e.err
}

func (e *fakeExecutor) WebFetch(ctx context.Context, sessionID string, url string) (string, error) {
	e.record(ToolWebFetch)
	return e.result, e.err
}

func (e *fakeExecutor) WebSearch(ctx context.Context, sessionID string, query string) (string, error) {
	e.record(ToolWebSearch)
	return e.result, e.err
}

func (e *fakeExecutor) ExecuteCommand(ctx context.Context, sessionID string, command string, cwd string) (string, error) {
	e.record(ToolExecuteCommand)
	return e.result, e.err
}

// fakeRequester returns a fixed decision and counts invocations.
type fakeRequester struct {
	mu       sync.Mutex
	decision string
	err      error
	count    int
}

func (r *fakeRequester) RequestPermission(ctx context.Context, sessionID string, toolUseID string, toolName string, input map[string]any) (string, error) {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
	return r.decision, r.err
}

func (r *fakeRequester) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// scriptedTurn replays a fixed sequence of round results: the first entry
// answers Start, subsequent entries answer Continue in order.
type scriptedTurn struct {
	mu      sync.Mutex
	rounds  []*RoundResult
	errs    []error
	cursor  int
	outputs [][]ToolOutput
}

func (t *scriptedTurn) next() (*RoundResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursor >= len(t.rounds) {
		return nil, errors.New("no more scripted rounds")
	}
	result := t.rounds[t.cursor]
	var err error
	if t.cursor < len(t.errs) {
		err = t.errs[t.cursor]
	}
	t.cursor++
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (t *scriptedTurn) Start(ctx context.Context, onDelta func(string)) (*RoundResult, error) {
	return t.next()
}

func (t *scriptedTurn) Continue(ctx context.Context, outputs []ToolOutput, onDelta func(string)) (*RoundResult, error) {
	t.mu.Lock()
	t.outputs = append(t.outputs, outputs)
	t.mu.Unlock()
	return t.next()
}

func (t *scriptedTurn) continueCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outputs)
}

type scriptedBackend struct {
	turn *scriptedTurn

	plainText string
	plainErr  error
}

func (b *scriptedBackend) NewTurn(history []HistoryMessage, prompt string, instructions string, tools *ToolConfig) BackendTurn {
	return b.turn
}

func (b *scriptedBackend) PlainTurn(ctx context.Context, history []HistoryMessage, prompt string, instructions string, onDelta func(string)) (string, error) {
	if b.plainErr != nil {
		return "", b.plainErr
	}
	if b.plainText == "" {
		return "", fmt.Errorf("no plain text scripted")
	}
	return b.plainText, nil
}
