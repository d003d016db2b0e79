package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/turnloop/internal/session"
)

const (
	defaultMaxToolRounds     = 6
	defaultPartialChunkRunes = 48
	defaultPartialChunkDelay = 15 * time.Millisecond

	continuationDowngradeText = "The requested tool results are already shown above."
)

// TranscriptStore persists the durable record of a turn. Persistence is
// best effort; failures are logged and never abort the turn.
type TranscriptStore interface {
	AppendMessage(ctx context.Context, sessionID string, role string, text string) error
	RecordToolCall(ctx context.Context, sessionID string, callID string, name string, arguments string, output string, isError bool) error
}

// TurnRequest carries everything needed to run one turn.
type TurnRequest struct {
	Session       *session.Session
	Prompt        string
	Instructions  string
	History       []HistoryMessage
	ExternalTools []ExternalTool
}

// Orchestrator drives one full exchange per session: the initial backend
// request, tool rounds, protocol fallbacks, and the normalized event
// stream for display.
type Orchestrator struct {
	log        *slog.Logger
	backend    Backend
	dispatcher *Dispatcher
	registry   *SessionRegistry
	sink       DisplaySink
	mounts     MountRegistry
	store      TranscriptStore

	maxRounds    int
	partialChunk int
	partialDelay time.Duration
}

type OrchestratorOption func(*Orchestrator)

func WithMountRegistry(m MountRegistry) OrchestratorOption {
	return func(o *Orchestrator) { o.mounts = m }
}

func WithTranscriptStore(s TranscriptStore) OrchestratorOption {
	return func(o *Orchestrator) { o.store = s }
}

// WithPartialPacing tunes synthesized partial deltas for buffered text.
func WithPartialPacing(chunkRunes int, delay time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if chunkRunes > 0 {
			o.partialChunk = chunkRunes
		}
		o.partialDelay = delay
	}
}

func NewOrchestrator(log *slog.Logger, backend Backend, dispatcher *Dispatcher, registry *SessionRegistry, sink DisplaySink, opts ...OrchestratorOption) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		log:          log.With("component", "turn_orchestrator"),
		backend:      backend,
		dispatcher:   dispatcher,
		registry:     registry,
		sink:         sink,
		maxRounds:    defaultMaxToolRounds,
		partialChunk: defaultPartialChunkRunes,
		partialDelay: defaultPartialChunkDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunTurn executes one turn to completion. Cancellation is silent: the
// returned error wraps context.Canceled and no error marker is emitted.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) error {
	if o == nil || o.backend == nil {
		return errors.New("orchestrator not configured")
	}
	sess := req.Session
	if sess == nil {
		return errors.New("missing session")
	}
	sess.Normalize()
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return errors.New("empty prompt")
	}

	ctx, release := o.registry.BeginTurn(ctx, sess.ID)
	defer release()
	o.registry.SetAutoApprove(sess.ID, sess.AutoApprove)

	if o.mounts != nil && len(sess.MountedPaths) > 0 {
		if err := o.mounts.RegisterMounts(sess.ID, sess.MountedPaths); err != nil {
			return err
		}
		defer o.mounts.ReleaseMounts(sess.ID)
	}

	o.persistMessage(ctx, sess.ID, "user", prompt)

	cfg := BuildToolConfig(sess.AllowedTools, req.ExternalTools, prompt)
	thinkingID := o.emitThinkingStep()

	onDelta := func(delta string) {
		if ctx.Err() != nil || delta == "" {
			return
		}
		ev := sinkEvent(SinkEventStreamPartial)
		ev.Partial = delta
		o.sink.Send(ev)
	}

	backendTurn := o.backend.NewTurn(req.History, prompt, req.Instructions, cfg)
	result, err := backendTurn.Start(ctx, onDelta)
	if err != nil {
		if isCancelled(ctx, err) {
			o.closeThinkingStep(thinkingID, TraceStatusCompleted)
			return err
		}
		var perr *ProtocolError
		if errors.As(err, &perr) {
			if text, ok := o.tryPlainFallback(ctx, req, onDelta); ok {
				o.closeThinkingStep(thinkingID, TraceStatusCompleted)
				o.emitAssistant(ctx, sess.ID, text, false)
				o.persistMessage(ctx, sess.ID, "assistant", text)
				return nil
			}
		}
		o.failTurn(ctx, sess.ID, thinkingID, err)
		return err
	}
	o.closeThinkingStep(thinkingID, TraceStatusCompleted)

	rounds := 0
	for {
		if len(result.ToolCalls) == 0 {
			text := strings.TrimSpace(result.Text)
			if text != "" {
				o.emitAssistant(ctx, sess.ID, text, result.Streamed)
				o.persistMessage(ctx, sess.ID, "assistant", text)
			}
			return nil
		}

		rounds++
		if rounds > o.maxRounds {
			o.failTurn(ctx, sess.ID, "", ErrRoundLimitExceeded)
			return ErrRoundLimitExceeded
		}

		if text := strings.TrimSpace(result.Text); text != "" {
			o.emitAssistant(ctx, sess.ID, text, result.Streamed)
			o.persistMessage(ctx, sess.ID, "assistant", text)
		}

		parsed := make([]ParsedToolCall, 0, len(result.ToolCalls))
		for _, call := range result.ToolCalls {
			parsed = append(parsed, ParseToolCall(call))
		}
		outputs := o.dispatcher.DispatchRound(ctx, sess.ID, cfg, parsed)
		o.persistToolRound(ctx, sess.ID, parsed, outputs)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next, err := backendTurn.Continue(ctx, outputs, onDelta)
		if err != nil {
			if isCancelled(ctx, err) {
				return err
			}
			// Tool outputs were already shown; a failed continuation must
			// not discard them.
			o.log.Warn("continuation failed after tool outputs, ending turn", "session_id", sess.ID, "rounds", rounds, "error", err)
			o.emitAssistant(ctx, sess.ID, continuationDowngradeText, true)
			o.persistMessage(ctx, sess.ID, "assistant", continuationDowngradeText)
			return nil
		}
		result = next
	}
}

func (o *Orchestrator) tryPlainFallback(ctx context.Context, req TurnRequest, onDelta func(string)) (string, bool) {
	pf, ok := o.backend.(PlainFallback)
	if !ok {
		return "", false
	}
	o.log.Info("tool protocol unavailable, falling back to plain chat", "session_id", req.Session.ID)
	text, err := pf.PlainTurn(ctx, req.History, req.Prompt, req.Instructions, onDelta)
	if err != nil {
		o.log.Warn("plain fallback failed", "session_id", req.Session.ID, "error", err)
		return "", false
	}
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return strings.TrimSpace(text), true
}

// emitAssistant sends the terminal message for a chunk of assistant text.
// When the text was not already streamed, partial deltas are synthesized
// with a short per-chunk delay, each chunk gated on cancellation.
func (o *Orchestrator) emitAssistant(ctx context.Context, sessionID string, text string, alreadyStreamed bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if !alreadyStreamed {
		runes := []rune(text)
		for start := 0; start < len(runes); start += o.partialChunk {
			if ctx.Err() != nil {
				return
			}
			end := start + o.partialChunk
			if end > len(runes) {
				end = len(runes)
			}
			ev := sinkEvent(SinkEventStreamPartial)
			ev.Partial = string(runes[start:end])
			o.sink.Send(ev)
			if o.partialDelay > 0 && end < len(runes) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(o.partialDelay):
				}
			}
		}
	}
	if ctx.Err() != nil {
		return
	}
	ev := sinkEvent(SinkEventStreamMessage)
	ev.Message = &StreamMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      MessageRoleAssistant,
		Text:      text,
	}
	o.sink.Send(ev)
}

func (o *Orchestrator) emitThinkingStep() string {
	id := uuid.NewString()
	ev := sinkEvent(SinkEventTraceStep)
	ev.Step = &TraceStep{
		ID:       id,
		Kind:     TraceKindThinking,
		Status:   TraceStatusRunning,
		Title:    "Thinking",
		AtUnixMs: ev.AtUnixMs,
	}
	o.sink.Send(ev)
	return id
}

func (o *Orchestrator) closeThinkingStep(id string, status string) {
	if strings.TrimSpace(id) == "" {
		return
	}
	ev := sinkEvent(SinkEventTraceUpdate)
	ev.Step = &TraceStep{
		ID:       id,
		Kind:     TraceKindThinking,
		Status:   status,
		AtUnixMs: ev.AtUnixMs,
	}
	o.sink.Send(ev)
}

// failTurn renders a terminal failure: a single assistant message with an
// error marker plus an error trace step.
func (o *Orchestrator) failTurn(ctx context.Context, sessionID string, thinkingID string, err error) {
	if ctx.Err() != nil {
		return
	}
	msg := "Error: " + strings.TrimSpace(err.Error())
	o.log.Error("turn failed", "session_id", sessionID, "error", err)

	if strings.TrimSpace(thinkingID) != "" {
		o.closeThinkingStep(thinkingID, TraceStatusError)
	}
	stepEv := sinkEvent(SinkEventTraceStep)
	stepEv.Step = &TraceStep{
		ID:       uuid.NewString(),
		Kind:     TraceKindText,
		Status:   TraceStatusError,
		Title:    msg,
		AtUnixMs: stepEv.AtUnixMs,
	}
	o.sink.Send(stepEv)

	msgEv := sinkEvent(SinkEventStreamMessage)
	msgEv.Message = &StreamMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      MessageRoleAssistant,
		Text:      msg,
		IsError:   true,
	}
	o.sink.Send(msgEv)
	o.persistMessage(ctx, sessionID, "assistant", msg)
}

func (o *Orchestrator) persistMessage(ctx context.Context, sessionID string, role string, text string) {
	if o.store == nil || strings.TrimSpace(text) == "" {
		return
	}
	if err := o.store.AppendMessage(ctx, sessionID, role, text); err != nil {
		o.log.Warn("failed to persist message", "session_id", sessionID, "role", role, "error", err)
	}
}

func (o *Orchestrator) persistToolRound(ctx context.Context, sessionID string, calls []ParsedToolCall, outputs []ToolOutput) {
	if o.store == nil {
		return
	}
	byCall := make(map[string]ToolOutput, len(outputs))
	for _, out := range outputs {
		byCall[out.CallID] = out
	}
	for _, call := range calls {
		out := byCall[call.CallID]
		if err := o.store.RecordToolCall(ctx, sessionID, call.CallID, call.Name, call.RawArguments, out.Output, out.IsError); err != nil {
			o.log.Warn("failed to persist tool call", "session_id", sessionID, "call_id", call.CallID, "error", err)
		}
	}
}

func isCancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
