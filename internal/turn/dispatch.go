package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// tracePreviewLimit bounds tool output previews in trace updates. The full
// text is always kept for the model-facing output.
const tracePreviewLimit = 800

// Dispatcher validates, gates, and executes the tool calls of one round,
// returning outputs in exactly the order the calls were parsed.
type Dispatcher struct {
	log      *slog.Logger
	executor ToolExecutor
	gate     *PermissionGate
	broker   *QuestionBroker
	registry *SessionRegistry
	sink     DisplaySink
}

func NewDispatcher(log *slog.Logger, executor ToolExecutor, gate *PermissionGate, broker *QuestionBroker, registry *SessionRegistry, sink DisplaySink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, executor: executor, gate: gate, broker: broker, registry: registry, sink: sink}
}

// ParseToolCall decodes one backend tool-call item. A payload that is not
// a JSON object yields a nil Input and a non-empty ParseError; dispatch
// never executes such a call.
func ParseToolCall(req ToolCallRequest) ParsedToolCall {
	parsed := ParsedToolCall{
		UIID:         uuid.NewString(),
		CallID:       strings.TrimSpace(req.CallID),
		Name:         strings.TrimSpace(req.Name),
		RawArguments: req.Arguments,
	}
	raw := strings.TrimSpace(req.Arguments)
	if raw == "" {
		parsed.Input = map[string]any{}
		return parsed
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		parsed.ParseError = fmt.Sprintf("invalid tool arguments: %v", err)
		return parsed
	}
	obj, ok := value.(map[string]any)
	if !ok {
		parsed.ParseError = "invalid tool arguments: payload is not a JSON object"
		return parsed
	}
	parsed.Input = obj
	return parsed
}

// DispatchRound executes the parsed calls sequentially. Every call
// produces exactly one output; each output is announced to the display
// sink as a tool_use message plus a running trace step before execution
// and a completed/error trace update plus a tool_result message after.
func (d *Dispatcher) DispatchRound(ctx context.Context, sessionID string, cfg *ToolConfig, calls []ParsedToolCall) []ToolOutput {
	outputs := make([]ToolOutput, 0, len(calls))
	for _, call := range calls {
		outputs = append(outputs, d.dispatchOne(ctx, sessionID, cfg, call))
	}
	return outputs
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sessionID string, cfg *ToolConfig, call ParsedToolCall) ToolOutput {
	d.emitToolUse(sessionID, call)

	out := ToolOutput{CallID: call.CallID, UIID: call.UIID, Name: call.Name}

	switch {
	case !cfg.IsAllowed(call.Name):
		out.IsError = true
		out.Output = "Tool not allowed: " + call.Name
	case call.ParseError != "":
		out.IsError = true
		out.Output = call.ParseError
	default:
		spec, _ := cfg.Spec(call.Name)
		if err := d.gate.Check(ctx, sessionID, call.UIID, call.Name, spec.External, call.Input); err != nil {
			out.IsError = true
			if errors.Is(err, ErrPermissionDenied) {
				out.Output = "Permission denied"
			} else {
				out.Output = err.Error()
			}
		} else {
			text, err := d.execute(ctx, sessionID, cfg, call)
			if err != nil {
				out.IsError = true
				out.Output = "Error: " + strings.TrimSpace(err.Error())
			} else {
				out.Output = strings.TrimSpace(text)
			}
		}
	}

	if out.Output == "" {
		if out.IsError {
			out.Output = "Tool failed"
		} else {
			out.Output = "OK"
		}
	}

	d.emitToolResult(sessionID, call, out)
	return out
}

// execute runs the resolved tool. The meta tools are handled here; all
// filesystem/shell/network tools delegate to the executor collaborator
// after input validation.
func (d *Dispatcher) execute(ctx context.Context, sessionID string, cfg *ToolConfig, call ParsedToolCall) (string, error) {
	invokeName := cfg.ResolveInvokeName(call.Name)

	switch call.Name {
	case ToolAskUserQuestion:
		return d.askUser(ctx, sessionID, call.Input)
	case ToolTodoWrite:
		items, err := decodeTodoWriteInput(call.Input)
		if err != nil {
			return "", err
		}
		d.registry.ReplaceTodos(sessionID, items)
		return fmt.Sprintf("Todo list updated (%d items)", len(items)), nil
	case ToolTodoRead:
		return encodeTodoItemsJSON(d.registry.Todos(sessionID))
	}

	if d.executor == nil {
		return "", ErrExecutorUnavailable
	}

	switch call.Name {
	case ToolReadFile:
		path := stringField(call.Input, "path")
		if path == "" {
			return "", fmt.Errorf("missing required field: path")
		}
		return d.executor.ReadFile(ctx, sessionID, path)
	case ToolWriteFile:
		path := stringField(call.Input, "path")
		if path == "" {
			return "", fmt.Errorf("missing required field: path")
		}
		content, _ := call.Input["content"].(string)
		return d.executor.WriteFile(ctx, sessionID, path, content)
	case ToolEditFile:
		path := stringField(call.Input, "path")
		if path == "" {
			return "", fmt.Errorf("missing required field: path")
		}
		oldText, _ := call.Input["old_text"].(string)
		newText, _ := call.Input["new_text"].(string)
		if oldText == "" {
			return "", fmt.Errorf("missing required field: old_text")
		}
		return d.executor.EditFile(ctx, sessionID, path, oldText, newText)
	case ToolListDirectory:
		path := stringField(call.Input, "path")
		if path == "" {
			return "", fmt.Errorf("missing required field: path")
		}
		return d.executor.ListDirectory(ctx, sessionID, path)
	case ToolGlob:
		pattern := stringField(call.Input, "pattern")
		if pattern == "" {
			return "", fmt.Errorf("missing required field: pattern")
		}
		return d.executor.Glob(ctx, sessionID, pattern, stringField(call.Input, "root"))
	case ToolGrep:
		pattern := stringField(call.Input, "pattern")
		if pattern == "" {
			return "", fmt.Errorf("missing required field: pattern")
		}
		return d.executor.Grep(ctx, sessionID, pattern, stringField(call.Input, "root"))
	case ToolExecuteCommand:
		command := stringField(call.Input, "command")
		if command == "" {
			return "", fmt.Errorf("missing required field: command")
		}
		return d.executor.ExecuteCommand(ctx, sessionID, command, stringField(call.Input, "cwd"))
	case ToolWebFetch:
		url := stringField(call.Input, "url")
		if url == "" {
			return "", fmt.Errorf("missing required field: url")
		}
		return d.executor.WebFetch(ctx, sessionID, url)
	case ToolWebSearch:
		query := stringField(call.Input, "query")
		if query == "" {
			return "", fmt.Errorf("missing required field: query")
		}
		return d.executor.WebSearch(ctx, sessionID, query)
	default:
		// Externally-registered tool: delegated by invocation name through
		// the executor's command surface is not possible, so external tools
		// require an ExternalToolExecutor-capable executor.
		if ext, ok := d.executor.(ExternalToolExecutor); ok {
			return ext.CallExternalTool(ctx, sessionID, invokeName, call.Input)
		}
		return "", fmt.Errorf("no handler for external tool %s: %w", call.Name, ErrExecutorUnavailable)
	}
}

func (d *Dispatcher) askUser(ctx context.Context, sessionID string, input map[string]any) (string, error) {
	raw, ok := input["questions"]
	if !ok {
		return "", fmt.Errorf("missing required field: questions")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	var items []QuestionItem
	if err := json.Unmarshal(b, &items); err != nil {
		return "", fmt.Errorf("invalid questions payload: %w", err)
	}
	return d.broker.Ask(ctx, sessionID, items)
}

func (d *Dispatcher) emitToolUse(sessionID string, call ParsedToolCall) {
	if d.sink == nil {
		return
	}
	msg := sinkEvent(SinkEventStreamMessage)
	msg.Message = &StreamMessage{
		ID:        call.UIID,
		SessionID: sessionID,
		Role:      MessageRoleToolUse,
		ToolName:  call.Name,
		ToolUseID: call.UIID,
		Input:     cloneAnyMap(call.Input),
	}
	d.sink.Send(msg)

	step := sinkEvent(SinkEventTraceStep)
	step.Step = &TraceStep{
		ID:       call.UIID,
		Kind:     TraceKindToolCall,
		Status:   TraceStatusRunning,
		Title:    call.Name,
		ToolName: call.Name,
		Input:    cloneAnyMap(call.Input),
		AtUnixMs: step.AtUnixMs,
	}
	d.sink.Send(step)
}

func (d *Dispatcher) emitToolResult(sessionID string, call ParsedToolCall, out ToolOutput) {
	if d.sink == nil {
		return
	}
	status := TraceStatusCompleted
	if out.IsError {
		status = TraceStatusError
	}
	update := sinkEvent(SinkEventTraceUpdate)
	update.Step = &TraceStep{
		ID:       call.UIID,
		Kind:     TraceKindToolCall,
		Status:   status,
		Title:    call.Name,
		ToolName: call.Name,
		Output:   truncateRunes(out.Output, tracePreviewLimit),
		AtUnixMs: update.AtUnixMs,
	}
	d.sink.Send(update)

	msg := sinkEvent(SinkEventStreamMessage)
	msg.Message = &StreamMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      MessageRoleToolResult,
		Text:      out.Output,
		ToolName:  call.Name,
		ToolUseID: call.UIID,
		IsError:   out.IsError,
	}
	d.sink.Send(msg)
}

// ExternalToolExecutor is implemented by executors that can route
// externally-registered tool invocations to their provider.
type ExternalToolExecutor interface {
	CallExternalTool(ctx context.Context, sessionID string, toolName string, input map[string]any) (string, error)
}
