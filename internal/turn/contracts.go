package turn

import (
	"context"
	"errors"
)

// Permission decisions returned by the requester collaborator.
const (
	PermissionAllow       = "allow"
	PermissionDeny        = "deny"
	PermissionAllowAlways = "allow_always"
)

var (
	ErrRoundLimitExceeded  = errors.New("tool calls exceeded maximum turns")
	ErrExecutorUnavailable = errors.New("tool executor unavailable")
	ErrPermissionDenied    = errors.New("permission denied")
)

// ToolExecutor is the external capability collaborator. Every method may
// return an error; errors are absorbed into tool-result error text and
// never abort the turn.
type ToolExecutor interface {
	ReadFile(ctx context.Context, sessionID string, path string) (string, error)
	WriteFile(ctx context.Context, sessionID string, path string, content string) (string, error)
	EditFile(ctx context.Context, sessionID string, path string, oldText string, newText string) (string, error)
	ListDirectory(ctx context.Context, sessionID string, path string) (string, error)
	Glob(ctx context.Context, sessionID string, pattern string, root string) (string, error)
	Grep(ctx context.Context, sessionID string, pattern string, root string) (string, error)
	WebFetch(ctx context.Context, sessionID string, url string) (string, error)
	WebSearch(ctx context.Context, sessionID string, query string) (string, error)
	ExecuteCommand(ctx context.Context, sessionID string, command string, cwd string) (string, error)
}

// PermissionRequester brokers an allow/deny/allow_always decision from the
// human owner of the session.
type PermissionRequester interface {
	RequestPermission(ctx context.Context, sessionID string, toolUseID string, toolName string, input map[string]any) (string, error)
}

// DisplaySink receives the normalized event stream. Implementations must
// not block for long; delivery order is generation order.
type DisplaySink interface {
	Send(event SinkEvent)
}

// MountRegistry hooks session mount scope registration for the lifetime of
// a turn. Nil is a valid registry (no mounts).
type MountRegistry interface {
	RegisterMounts(sessionID string, paths []string) error
	ReleaseMounts(sessionID string)
}

// ToolCallRequest is one tool invocation item extracted from a backend
// response, before parsing and validation.
type ToolCallRequest struct {
	ItemID    string `json:"item_id,omitempty"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// RoundResult is one backend response: any extracted output text and the
// tool calls requested for the next round.
type RoundResult struct {
	Text      string
	ToolCalls []ToolCallRequest

	// Streamed reports whether text deltas were already forwarded to the
	// delta callback while the response was consumed. When false the
	// orchestrator synthesizes partial events from Text.
	Streamed bool
}

// BackendTurn holds one backend conversation for the duration of a turn:
// the initial request plus continuation requests after each tool round.
// Implementations own their protocol-compatibility state (input shape,
// streaming support, prior-turn references).
type BackendTurn interface {
	// Start sends the initial request built from history plus the prompt.
	Start(ctx context.Context, onDelta func(string)) (*RoundResult, error)

	// Continue feeds the tool outputs of the last round back to the
	// backend and returns the next response. Outputs must cover every
	// call id from the previous RoundResult, in call order.
	Continue(ctx context.Context, outputs []ToolOutput, onDelta func(string)) (*RoundResult, error)
}

// Backend creates per-turn conversations against a model backend.
type Backend interface {
	NewTurn(history []HistoryMessage, prompt string, instructions string, tools *ToolConfig) BackendTurn
}

// PlainFallback is implemented by backends that support a degraded
// tool-free mode (plain chat, then raw completion). The orchestrator uses
// it when the tool-capable protocol fails outright and the backend is not
// locked to it by configuration.
type PlainFallback interface {
	PlainTurn(ctx context.Context, history []HistoryMessage, prompt string, instructions string, onDelta func(string)) (string, error)
}

// HistoryMessage is one prior conversation entry (role user|assistant).
type HistoryMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}
