package turn

// This package implements the agent-turn orchestration core: it drives one
// exchange between a user prompt and a tool-calling model backend, negotiates
// compatibility across the wire-level request shapes the backend may require,
// dispatches tool invocations against the executor collaborator, gates them
// behind a permission policy, and emits a normalized event stream for display.
//
// Design notes:
// - The runtime is the only authority that resolves and dispatches tools.
// - Trace steps are purely observational; they describe the turn to the
//   display sink and never drive control flow.

import (
	"encoding/json"
	"strings"
	"time"
)

// ToolSpec describes one tool offered to the backend: name, human
// description, and a JSON-Schema-shaped parameter contract.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// Strict marks the schema as strict for backends that support it.
	Strict bool `json:"strict,omitempty"`

	// External marks a runtime-registered tool supplied by an external
	// tool provider rather than declared statically by this core.
	External bool `json:"external,omitempty"`
}

// ExternalTool is a tool supplied at runtime by a pluggable provider. Its
// native name may not satisfy backend identifier constraints; the catalog
// derives a display name and keeps the native name for invocation.
type ExternalTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolConfig is the per-turn resolved tool surface.
type ToolConfig struct {
	Specs []ToolSpec

	// Allowed is the set of display names the backend may request.
	Allowed map[string]struct{}

	// InvokeName maps a display name to the name used when actually
	// invoking the tool (external names may be aliased).
	InvokeName map[string]string
}

func (c *ToolConfig) IsAllowed(name string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Allowed[strings.TrimSpace(name)]
	return ok
}

// ResolveInvokeName returns the invocation name for a display name,
// falling back to the display name itself.
func (c *ToolConfig) ResolveInvokeName(display string) string {
	display = strings.TrimSpace(display)
	if c == nil {
		return display
	}
	if real, ok := c.InvokeName[display]; ok && strings.TrimSpace(real) != "" {
		return real
	}
	return display
}

func (c *ToolConfig) Spec(name string) (ToolSpec, bool) {
	if c == nil {
		return ToolSpec{}, false
	}
	name = strings.TrimSpace(name)
	for _, spec := range c.Specs {
		if spec.Name == name {
			return spec, true
		}
	}
	return ToolSpec{}, false
}

// ParsedToolCall is one tool invocation request decoded from a backend
// response. Input is nil when the argument payload was not a JSON object;
// ParseError then carries the reason.
type ParsedToolCall struct {
	// UIID correlates display events for this call.
	UIID string `json:"ui_id"`

	// CallID is the backend's call identifier, echoed in the output.
	CallID string `json:"call_id"`

	Name         string         `json:"name"`
	RawArguments string         `json:"raw_arguments"`
	Input        map[string]any `json:"input,omitempty"`
	ParseError   string         `json:"parse_error,omitempty"`
}

// ToolOutput is the normalized result of one dispatched call. Output is
// always non-empty; error outputs are prefixed so the model can adapt.
type ToolOutput struct {
	CallID  string `json:"call_id"`
	UIID    string `json:"ui_id"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// TraceStep statuses.
const (
	TraceStatusPending   = "pending"
	TraceStatusRunning   = "running"
	TraceStatusCompleted = "completed"
	TraceStatusError     = "error"
)

// TraceStep kinds.
const (
	TraceKindThinking   = "thinking"
	TraceKindText       = "text"
	TraceKindToolCall   = "tool_call"
	TraceKindToolResult = "tool_result"
)

type TraceStep struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status"`
	Title     string         `json:"title,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	AtUnixMs  int64          `json:"at_unix_ms"`
}

// TodoItem statuses.
const (
	TodoStatusPending    = "pending"
	TodoStatusInProgress = "in_progress"
	TodoStatusCompleted  = "completed"
	TodoStatusCancelled  = "cancelled"
)

type TodoItem struct {
	ID         string `json:"id,omitempty"`
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm,omitempty"`
}

// --- Display sink event vocabulary ---

type SinkEventType string

const (
	SinkEventTraceStep       SinkEventType = "trace.step"
	SinkEventTraceUpdate     SinkEventType = "trace.update"
	SinkEventStreamMessage   SinkEventType = "stream.message"
	SinkEventStreamPartial   SinkEventType = "stream.partial"
	SinkEventQuestionRequest SinkEventType = "question.request"
)

// Stream message roles.
const (
	MessageRoleAssistant  = "assistant"
	MessageRoleToolUse    = "tool_use"
	MessageRoleToolResult = "tool_result"
)

// ImageBlock carries an inline image extracted from a structured tool
// result (base64 payload + media type).
type ImageBlock struct {
	MediaType string `json:"media_type"`
	Base64    string `json:"base64"`
}

// StreamMessage is a complete display message (assistant text, tool use
// intent, or tool result).
type StreamMessage struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Role      string         `json:"role"`
	Text      string         `json:"text,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Images    []ImageBlock   `json:"images,omitempty"`
}

// QuestionOption is one selectable answer for a clarifying question.
type QuestionOption struct {
	Label string `json:"label"`
	Value string `json:"value,omitempty"`
}

// QuestionItem is one structured clarifying question shown to the user.
type QuestionItem struct {
	Text        string           `json:"text"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multi_select,omitempty"`
}

// QuestionRequest is emitted to the display sink when the model asks for
// human input; the answer arrives through QuestionBroker.Resolve bearing
// the same QuestionID.
type QuestionRequest struct {
	QuestionID string         `json:"question_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Items      []QuestionItem `json:"items"`
}

// SinkEvent is the envelope delivered to the display sink. Exactly one of
// the payload fields is set, matching Type.
type SinkEvent struct {
	Type     SinkEventType    `json:"type"`
	AtUnixMs int64            `json:"at_unix_ms"`
	Step     *TraceStep       `json:"step,omitempty"`
	Message  *StreamMessage   `json:"message,omitempty"`
	Partial  string           `json:"partial,omitempty"`
	Question *QuestionRequest `json:"question,omitempty"`
}

func sinkEvent(eventType SinkEventType) SinkEvent {
	return SinkEvent{Type: eventType, AtUnixMs: time.Now().UnixMilli()}
}
