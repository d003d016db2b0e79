package extstream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/turnloop/internal/turn"
)

const (
	mcpNamespace = "mcp"

	defaultScreenshotTool = "take_screenshot"
	defaultDedupWindow    = 90 * time.Second

	resultPreviewLimit = 800
)

type itemContext struct {
	uiID     string
	toolName string
	input    map[string]any
	kind     string
}

type signatureEntry struct {
	itemID string
	at     time.Time
}

// Mapper translates external stream events into display events. It is
// driven from a single goroutine per process; no locking.
type Mapper struct {
	log       *slog.Logger
	sink      turn.DisplaySink
	registry  *turn.SessionRegistry
	sessionID string

	screenshotTool string
	dedupWindow    time.Duration
	now            func() time.Time

	open       map[string]*itemContext
	suppressed map[string]struct{}
	signatures map[string]signatureEntry
	thinkingID string
}

type MapperOption func(*Mapper)

// WithScreenshotTool overrides the tool name subject to start-time
// de-duplication.
func WithScreenshotTool(name string) MapperOption {
	return func(m *Mapper) {
		if strings.TrimSpace(name) != "" {
			m.screenshotTool = strings.TrimSpace(name)
		}
	}
}

func WithDedupWindow(window time.Duration) MapperOption {
	return func(m *Mapper) {
		if window > 0 {
			m.dedupWindow = window
		}
	}
}

func WithClock(now func() time.Time) MapperOption {
	return func(m *Mapper) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMapper(log *slog.Logger, sink turn.DisplaySink, registry *turn.SessionRegistry, sessionID string, opts ...MapperOption) *Mapper {
	if log == nil {
		log = slog.Default()
	}
	m := &Mapper{
		log:            log.With("component", "ext_stream"),
		sink:           sink,
		registry:       registry,
		sessionID:      strings.TrimSpace(sessionID),
		screenshotTool: defaultScreenshotTool,
		dedupWindow:    defaultDedupWindow,
		now:            time.Now,
		open:           map[string]*itemContext{},
		suppressed:     map[string]struct{}{},
		signatures:     map[string]signatureEntry{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleLine decodes one NDJSON frame and applies it. Blank lines are
// skipped; malformed frames are logged and dropped.
func (m *Mapper) HandleLine(line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}
	ev, err := DecodeEvent([]byte(trimmed))
	if err != nil {
		m.log.Warn("dropping malformed stream frame", "error", err)
		return
	}
	m.HandleEvent(ev)
}

func (m *Mapper) HandleEvent(ev *Event) {
	if ev == nil {
		return
	}
	switch ev.Type {
	case EventThreadStarted:
		m.log.Debug("external thread started", "thread_id", ev.ThreadID)
	case EventTurnStarted:
		m.openThinking()
	case EventTurnCompleted:
		m.closeThinking()
	case EventItemStarted:
		m.itemStarted(ev.Item)
	case EventItemCompleted:
		m.itemCompleted(ev.Item)
	default:
		m.log.Debug("ignoring unknown stream event", "type", ev.Type)
	}
}

// OpenItems reports the number of in-flight item contexts.
func (m *Mapper) OpenItems() int {
	return len(m.open)
}

func (m *Mapper) openThinking() {
	if m.thinkingID != "" {
		return
	}
	m.thinkingID = uuid.NewString()
	m.emitStep(&turn.TraceStep{
		ID:     m.thinkingID,
		Kind:   turn.TraceKindThinking,
		Status: turn.TraceStatusRunning,
		Title:  "Thinking",
	}, false)
}

func (m *Mapper) closeThinking() {
	if m.thinkingID == "" {
		return
	}
	m.emitStep(&turn.TraceStep{
		ID:     m.thinkingID,
		Kind:   turn.TraceKindThinking,
		Status: turn.TraceStatusCompleted,
	}, true)
	m.thinkingID = ""
}

func (m *Mapper) itemStarted(item map[string]any) {
	id := itemID(item)
	if id == "" {
		return
	}
	if _, exists := m.open[id]; exists {
		return
	}
	if _, dead := m.suppressed[id]; dead {
		return
	}

	var (
		toolName string
		input    map[string]any
		kind     = itemType(item)
	)
	switch kind {
	case ItemCommandExecution:
		toolName = turn.ToolExecuteCommand
		input = map[string]any{}
		if cmd := readString(item, "command"); cmd != "" {
			input["command"] = cmd
		}
		if cwd := readString(item, "cwd"); cwd != "" {
			input["cwd"] = cwd
		}
	case ItemMCPToolCall:
		server := readString(item, "server")
		tool := readString(item, "tool")
		toolName = mcpNamespace + "__" + server + "__" + tool
		input = readMap(item, "arguments", "input", "args")
		if tool == m.screenshotTool && m.suppressDuplicate(id, toolName, input) {
			return
		}
	case ItemTodoList:
		toolName = turn.ToolTodoWrite
		todos := normalizeForeignTodos(readSlice(item, "items", "todos"))
		input = map[string]any{"todos": todosToAny(todos)}
	case ItemAgentMessage:
		// Emitted on completion only.
		return
	default:
		m.log.Debug("ignoring unknown item type", "item_type", kind, "item_id", id)
		return
	}

	ctx := &itemContext{uiID: uuid.NewString(), toolName: toolName, input: input, kind: kind}
	m.open[id] = ctx

	m.emitMessage(&turn.StreamMessage{
		ID:        ctx.uiID,
		SessionID: m.sessionID,
		Role:      turn.MessageRoleToolUse,
		ToolName:  toolName,
		ToolUseID: ctx.uiID,
		Input:     input,
	})
	m.emitStep(&turn.TraceStep{
		ID:       ctx.uiID,
		Kind:     turn.TraceKindToolCall,
		Status:   turn.TraceStatusRunning,
		Title:    toolName,
		ToolName: toolName,
		Input:    input,
	}, false)
}

// suppressDuplicate records the signature of a screenshot start and
// reports whether this item id must be silenced because the same
// signature was seen under a different item id within the window. The
// original item's lifecycle is never affected.
func (m *Mapper) suppressDuplicate(id string, toolName string, input map[string]any) bool {
	sig := turn.ToolSignature(toolName, input)
	now := m.now()
	if entry, ok := m.signatures[sig]; ok && entry.itemID != id && now.Sub(entry.at) <= m.dedupWindow {
		m.suppressed[id] = struct{}{}
		m.log.Debug("suppressing duplicate screenshot call", "item_id", id, "original_item_id", entry.itemID)
		return true
	}
	m.signatures[sig] = signatureEntry{itemID: id, at: now}
	m.pruneSignatures(now)
	return false
}

func (m *Mapper) pruneSignatures(now time.Time) {
	for sig, entry := range m.signatures {
		if now.Sub(entry.at) > m.dedupWindow {
			delete(m.signatures, sig)
		}
	}
}

func (m *Mapper) itemCompleted(item map[string]any) {
	id := itemID(item)
	if id == "" {
		return
	}
	if _, dead := m.suppressed[id]; dead {
		delete(m.suppressed, id)
		return
	}
	if itemType(item) == ItemAgentMessage {
		if text := readString(item, "text", "message"); text != "" {
			m.emitMessage(&turn.StreamMessage{
				ID:        uuid.NewString(),
				SessionID: m.sessionID,
				Role:      turn.MessageRoleAssistant,
				Text:      text,
			})
		}
		return
	}

	ctx := m.open[id]
	if ctx == nil {
		return
	}
	delete(m.open, id)

	var (
		output  string
		isError bool
		images  []turn.ImageBlock
	)
	switch ctx.kind {
	case ItemCommandExecution:
		output, isError = commandResult(item)
	case ItemMCPToolCall:
		output, images, isError = mcpResult(item)
	case ItemTodoList:
		todos := normalizeForeignTodos(readSlice(item, "items", "todos"))
		if m.registry != nil && m.sessionID != "" {
			m.registry.ReplaceTodos(m.sessionID, todos)
		}
		if encoded, err := json.Marshal(todos); err == nil {
			output = string(encoded)
		} else {
			output = "Todos updated."
		}
	}

	status := turn.TraceStatusCompleted
	if isError {
		status = turn.TraceStatusError
	}
	m.emitStep(&turn.TraceStep{
		ID:       ctx.uiID,
		Kind:     turn.TraceKindToolCall,
		Status:   status,
		ToolName: ctx.toolName,
		Output:   previewText(output),
	}, true)
	m.emitMessage(&turn.StreamMessage{
		ID:        uuid.NewString(),
		SessionID: m.sessionID,
		Role:      turn.MessageRoleToolResult,
		ToolName:  ctx.toolName,
		ToolUseID: ctx.uiID,
		Text:      output,
		IsError:   isError,
		Images:    images,
	})
}

// commandResult formats a command completion: aggregated output when
// present, otherwise a message reporting the exit code.
func commandResult(item map[string]any) (string, bool) {
	output := strings.TrimSpace(readString(item, "aggregated_output", "output"))
	exitCode := readOptionalInt(item, "exit_code")
	isError := exitCode != nil && *exitCode != 0
	if output == "" {
		if exitCode == nil {
			output = "Command finished."
		} else {
			output = fmt.Sprintf("Command exited with code %d.", *exitCode)
		}
	}
	return output, isError
}

// mcpResult extracts text and image blocks from a tool-call completion.
// An explicit error field overrides the result.
func mcpResult(item map[string]any) (string, []turn.ImageBlock, bool) {
	if errText := readString(item, "error"); errText != "" {
		return errText, nil, true
	}

	raw, ok := item["result"]
	if !ok {
		return "", nil, false
	}
	switch result := raw.(type) {
	case string:
		return strings.TrimSpace(result), nil, false
	case map[string]any:
		var parts []string
		var images []turn.ImageBlock
		for _, blockAny := range readSlice(result, "content", "blocks") {
			block, ok := blockAny.(map[string]any)
			if !ok {
				continue
			}
			switch readString(block, "type") {
			case "text":
				if txt := strings.TrimSpace(readString(block, "text")); txt != "" {
					parts = append(parts, txt)
				}
			case "image":
				if img, ok := imageFromBlock(block); ok {
					images = append(images, img)
				}
			}
		}
		return strings.Join(parts, "\n"), images, false
	}
	return "", nil, false
}

// imageFromBlock reads base64 payload and media type from a nested source
// object or top-level fields, defaulting the media type to PNG.
func imageFromBlock(block map[string]any) (turn.ImageBlock, bool) {
	source := readMap(block, "source")
	data := ""
	mediaType := ""
	if source != nil {
		data = readString(source, "data", "base64")
		mediaType = readString(source, "media_type", "mime_type")
	}
	if data == "" {
		data = readString(block, "data", "base64")
	}
	if mediaType == "" {
		mediaType = readString(block, "media_type", "mime_type")
	}
	if data == "" {
		return turn.ImageBlock{}, false
	}
	if mediaType == "" {
		mediaType = "image/png"
	}
	return turn.ImageBlock{MediaType: mediaType, Base64: data}, true
}

// normalizeForeignTodos maps foreign todo entries onto the common shape.
// Status comes from an explicit status string when present, else from a
// boolean completed flag, defaulting to pending.
func normalizeForeignTodos(raw []any) []turn.TodoItem {
	out := make([]turn.TodoItem, 0, len(raw))
	for _, entryAny := range raw {
		entry, ok := entryAny.(map[string]any)
		if !ok {
			continue
		}
		content := readString(entry, "text", "content")
		if content == "" {
			continue
		}
		status := strings.ToLower(readString(entry, "status"))
		switch status {
		case turn.TodoStatusPending, turn.TodoStatusInProgress, turn.TodoStatusCompleted, turn.TodoStatusCancelled:
		default:
			if readBool(entry, "completed") {
				status = turn.TodoStatusCompleted
			} else {
				status = turn.TodoStatusPending
			}
		}
		out = append(out, turn.TodoItem{
			ID:         readString(entry, "id"),
			Content:    content,
			Status:     status,
			ActiveForm: readString(entry, "activeForm", "active_form"),
		})
	}
	return out
}

func todosToAny(items []turn.TodoItem) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		entry := map[string]any{"content": item.Content, "status": item.Status}
		if item.ID != "" {
			entry["id"] = item.ID
		}
		if item.ActiveForm != "" {
			entry["activeForm"] = item.ActiveForm
		}
		out = append(out, entry)
	}
	return out
}

func previewText(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= resultPreviewLimit {
		return string(runes)
	}
	return string(runes[:resultPreviewLimit]) + "\n... (truncated)"
}

func (m *Mapper) emitStep(step *turn.TraceStep, update bool) {
	if m.sink == nil {
		return
	}
	eventType := turn.SinkEventTraceStep
	if update {
		eventType = turn.SinkEventTraceUpdate
	}
	at := m.now().UnixMilli()
	step.AtUnixMs = at
	m.sink.Send(turn.SinkEvent{Type: eventType, AtUnixMs: at, Step: step})
}

func (m *Mapper) emitMessage(msg *turn.StreamMessage) {
	if m.sink == nil {
		return
	}
	m.sink.Send(turn.SinkEvent{Type: turn.SinkEventStreamMessage, AtUnixMs: m.now().UnixMilli(), Message: msg})
}
