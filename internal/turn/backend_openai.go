package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

const plainFallbackMaxTokens = 1024

// ProtocolError is a backend failure carrying its classified
// incompatibility reason. Reason IncompatNone means the failure was not a
// known compatibility quirk.
type ProtocolError struct {
	Reason IncompatReason
	Err    error
}

func (e *ProtocolError) Error() string {
	if e == nil || e.Err == nil {
		return "protocol error"
	}
	return e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// OpenAIBackend drives the responses protocol with tool calling, falling
// back across the ordered input-shape chain and, per request, from
// streamed to buffered consumption.
type OpenAIBackend struct {
	client   openai.Client
	model    string
	locked   bool
	classify Classifier
	log      *slog.Logger
}

func NewOpenAIBackend(baseURL string, apiKey string, model string, locked bool, log *slog.Logger) (*OpenAIBackend, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("missing model")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing backend api key")
	}
	if log == nil {
		log = slog.Default()
	}
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &OpenAIBackend{
		client:   openai.NewClient(opts...),
		model:    model,
		locked:   locked,
		classify: NewQuirkClassifier(),
		log:      log,
	}, nil
}

// conversation item kinds for the running item log.
type convKind int

const (
	convUserText convKind = iota
	convAssistantText
	convFunctionCall
	convFunctionOutput
)

type convItem struct {
	kind   convKind
	text   string
	callID string
	name   string
	args   string
	output string
}

type openAITurn struct {
	backend *OpenAIBackend

	instructions string
	tools        []oresponses.ToolUnionParam

	shape     InputShape
	streaming bool

	// prevRef tracks whether opaque prior-turn references are still
	// believed supported; disabled for the rest of the turn on the first
	// rejection signal.
	prevRef        bool
	lastResponseID string

	conv []convItem

	// deltaFrom indexes the first conv item the backend has not seen via
	// lastResponseID.
	deltaFrom int

	lastCalls []ToolCallRequest
}

func (b *OpenAIBackend) NewTurn(history []HistoryMessage, prompt string, instructions string, tools *ToolConfig) BackendTurn {
	t := &openAITurn{
		backend:      b,
		instructions: strings.TrimSpace(instructions),
		tools:        buildResponsesTools(tools),
		shape:        ShapeTypedBlocks,
		streaming:    true,
		prevRef:      true,
	}
	for _, msg := range history {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "assistant":
			t.conv = append(t.conv, convItem{kind: convAssistantText, text: text})
		case "system":
			if t.instructions == "" {
				t.instructions = text
			} else {
				t.instructions += "\n\n" + text
			}
		default:
			t.conv = append(t.conv, convItem{kind: convUserText, text: text})
		}
	}
	if prompt = strings.TrimSpace(prompt); prompt != "" {
		t.conv = append(t.conv, convItem{kind: convUserText, text: prompt})
	}
	return t
}

func buildResponsesTools(cfg *ToolConfig) []oresponses.ToolUnionParam {
	if cfg == nil {
		return nil
	}
	out := make([]oresponses.ToolUnionParam, 0, len(cfg.Specs))
	for _, spec := range cfg.Specs {
		if strings.TrimSpace(spec.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if len(spec.InputSchema) > 0 {
			_ = json.Unmarshal(spec.InputSchema, &schema)
		}
		out = append(out, oresponses.ToolParamOfFunction(spec.Name, schema, spec.Strict))
	}
	return out
}

// Start runs the initial request, walking the ordered shape chain on
// classified rejections until a shape is accepted or the chain is
// exhausted.
func (t *openAITurn) Start(ctx context.Context, onDelta func(string)) (*RoundResult, error) {
	var lastErr error
	lastReason := IncompatNone
	for {
		result, err := t.request(ctx, false, onDelta)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, err
		}
		reason := t.backend.classify.Classify(err)
		if next, ok := nextShape(t.shape, reason); ok {
			t.backend.log.Debug("response input shape rejected, retrying",
				"component", "turn_backend", "shape", t.shape.String(), "next", next.String(), "reason", string(reason))
			t.shape = next
			lastErr = err
			lastReason = reason
			continue
		}
		if reason != IncompatNone {
			return nil, &ProtocolError{Reason: reason, Err: err}
		}
		if lastErr != nil {
			return nil, &ProtocolError{Reason: lastReason, Err: &ErrAttemptsExhausted{LastReason: lastReason, Err: err}}
		}
		return nil, err
	}
}

// Continue feeds the last round's tool outputs back. The opaque prior-turn
// reference keeps the payload small; when the backend rejects it, it is
// disabled for the rest of the turn and the full item log is resent.
func (t *openAITurn) Continue(ctx context.Context, outputs []ToolOutput, onDelta func(string)) (*RoundResult, error) {
	for _, call := range t.lastCalls {
		args := strings.TrimSpace(call.Arguments)
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		t.conv = append(t.conv, convItem{kind: convFunctionCall, callID: call.CallID, name: call.Name, args: args})
	}
	for _, out := range outputs {
		t.conv = append(t.conv, convItem{kind: convFunctionOutput, callID: out.CallID, output: out.Output})
	}

	result, err := t.request(ctx, true, onDelta)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil, err
	}
	if t.prevRef && t.backend.classify.Classify(err) == IncompatPreviousResponse {
		t.backend.log.Debug("prior-turn reference rejected, resending full conversation", "component", "turn_backend")
		t.prevRef = false
		result, err = t.request(ctx, true, onDelta)
		if err == nil {
			return result, nil
		}
	}
	if reason := t.backend.classify.Classify(err); reason != IncompatNone {
		return nil, &ProtocolError{Reason: reason, Err: err}
	}
	return nil, err
}

func (t *openAITurn) request(ctx context.Context, continuation bool, onDelta func(string)) (*RoundResult, error) {
	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(t.backend.model),
		ParallelToolCalls: openai.Bool(false),
	}
	if t.instructions != "" {
		params.Instructions = openai.String(t.instructions)
	}
	if len(t.tools) > 0 {
		params.Tools = t.tools
	}

	usePrevRef := continuation && t.prevRef && strings.TrimSpace(t.lastResponseID) != ""
	items := t.conv
	if usePrevRef {
		params.PreviousResponseID = openai.String(t.lastResponseID)
		// The referenced response already owns the call descriptors;
		// only the outputs and newer items are sent with it.
		items = nil
		for _, item := range t.conv[t.deltaFrom:] {
			if item.kind == convFunctionCall {
				continue
			}
			items = append(items, item)
		}
	}
	inputItems := renderResponseItems(items, t.shape)
	if len(inputItems) == 0 {
		inputItems = append(inputItems, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: inputItems}

	var resp *oresponses.Response
	streamed := false
	var streamedText strings.Builder

	if t.streaming {
		var streamErr error
		resp, streamErr = t.consumeStream(ctx, params, onDelta, &streamedText)
		if streamErr != nil {
			if ctx.Err() != nil {
				return nil, streamErr
			}
			if t.backend.classify.Classify(streamErr) != IncompatStreamFormat {
				return nil, streamErr
			}
			// Same logical request, retried buffered once.
			t.streaming = false
			resp = nil
			streamedText.Reset()
		} else {
			streamed = true
		}
	}
	if resp == nil {
		buffered, err := t.backend.client.Responses.New(ctx, params)
		if err != nil {
			return nil, err
		}
		resp = buffered
	}

	t.lastResponseID = strings.TrimSpace(resp.ID)
	result := extractRoundResult(resp)
	result.Streamed = streamed
	if streamed && strings.TrimSpace(streamedText.String()) != "" {
		result.Text = strings.TrimSpace(streamedText.String())
	}

	if txt := strings.TrimSpace(result.Text); txt != "" {
		t.conv = append(t.conv, convItem{kind: convAssistantText, text: txt})
	}
	t.deltaFrom = len(t.conv)
	t.lastCalls = result.ToolCalls
	return result, nil
}

func (t *openAITurn) consumeStream(ctx context.Context, params oresponses.ResponseNewParams, onDelta func(string), textBuf *strings.Builder) (*oresponses.Response, error) {
	stream := t.backend.client.Responses.NewStreaming(ctx, params)
	var completed oresponses.Response
	gotCompleted := false
	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			textBuf.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if !gotCompleted {
		return nil, errors.New("failed to parse stream: missing response.completed event")
	}
	return &completed, nil
}

func renderResponseItems(items []convItem, shape InputShape) oresponses.ResponseInputParam {
	out := make(oresponses.ResponseInputParam, 0, len(items))
	msgSeq := 0
	for _, item := range items {
		switch item.kind {
		case convUserText:
			if shape == ShapeTypedBlocks {
				content := oresponses.ResponseInputMessageContentListParam{
					{OfInputText: &oresponses.ResponseInputTextParam{Text: item.text}},
				}
				out = append(out, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleUser))
			} else {
				out = append(out, oresponses.ResponseInputItemParamOfMessage(item.text, oresponses.EasyInputMessageRoleUser))
			}
		case convAssistantText:
			if shape == ShapeFlatText {
				out = append(out, oresponses.ResponseInputItemParamOfMessage(item.text, oresponses.EasyInputMessageRoleAssistant))
				continue
			}
			msgSeq++
			content := []oresponses.ResponseOutputMessageContentUnionParam{
				{OfOutputText: &oresponses.ResponseOutputTextParam{
					Text:        item.text,
					Annotations: []oresponses.ResponseOutputTextAnnotationUnionParam{},
				}},
			}
			// Output message IDs must start with "msg_".
			out = append(out, oresponses.ResponseInputItemParamOfOutputMessage(
				content,
				fmt.Sprintf("msg_hist%d", msgSeq),
				oresponses.ResponseOutputMessageStatusCompleted,
			))
		case convFunctionCall:
			out = append(out, oresponses.ResponseInputItemParamOfFunctionCall(item.args, item.callID, item.name))
		case convFunctionOutput:
			out = append(out, oresponses.ResponseInputItemParamOfFunctionCallOutput(item.callID, item.output))
		}
	}
	return out
}

func extractRoundResult(resp *oresponses.Response) *RoundResult {
	result := &RoundResult{}
	var sb strings.Builder
	for _, item := range resp.Output {
		switch strings.TrimSpace(item.Type) {
		case "message":
			msg := item.AsMessage()
			for _, part := range msg.Content {
				if strings.TrimSpace(part.Type) != "output_text" {
					continue
				}
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(strings.TrimSpace(part.Text))
			}
		case "function_call":
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			if callID == "" {
				callID = fmt.Sprintf("call_%d", len(result.ToolCalls)+1)
			}
			result.ToolCalls = append(result.ToolCalls, ToolCallRequest{
				ItemID:    strings.TrimSpace(item.ID),
				CallID:    callID,
				Name:      strings.TrimSpace(item.Name),
				Arguments: item.Arguments,
			})
		}
	}
	result.Text = sb.String()
	return result
}

// PlainTurn is the whole-mode fallback: a chat request without tool
// support, itself falling back to a raw completion-style request when
// chat-style messages are rejected. Unavailable when the backend is locked
// to the tool protocol by configuration.
func (b *OpenAIBackend) PlainTurn(ctx context.Context, history []HistoryMessage, prompt string, instructions string, onDelta func(string)) (string, error) {
	if b == nil {
		return "", errors.New("nil backend")
	}
	if b.locked {
		return "", errors.New("backend locked to tool protocol")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if txt := strings.TrimSpace(instructions); txt != "" {
		messages = append(messages, openai.SystemMessage(txt))
	}
	for _, msg := range history {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		if strings.ToLower(strings.TrimSpace(msg.Role)) == "assistant" {
			messages = append(messages, openai.AssistantMessage(text))
		} else {
			messages = append(messages, openai.UserMessage(text))
		}
	}
	if txt := strings.TrimSpace(prompt); txt != "" {
		messages = append(messages, openai.UserMessage(txt))
	}

	chat, chatErr := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    oshared.ChatModel(b.model),
		Messages: messages,
	})
	if chatErr == nil {
		if len(chat.Choices) == 0 {
			return "", errors.New("empty chat completion")
		}
		return strings.TrimSpace(chat.Choices[0].Message.Content), nil
	}
	if ctx.Err() != nil {
		return "", chatErr
	}

	completion, err := b.client.Completions.New(ctx, openai.CompletionNewParams{
		Model:     openai.CompletionNewParamsModel(b.model),
		Prompt:    openai.CompletionNewParamsPromptUnion{OfString: openai.String(flattenPlainPrompt(history, prompt, instructions))},
		MaxTokens: openai.Int(plainFallbackMaxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("chat fallback failed (%v); completion fallback failed: %w", chatErr, err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("empty completion")
	}
	return strings.TrimSpace(completion.Choices[0].Text), nil
}

func flattenPlainPrompt(history []HistoryMessage, prompt string, instructions string) string {
	var sb strings.Builder
	if txt := strings.TrimSpace(instructions); txt != "" {
		sb.WriteString(txt)
		sb.WriteString("\n\n")
	}
	for _, msg := range history {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if role != "assistant" {
			role = "user"
		}
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	if txt := strings.TrimSpace(prompt); txt != "" {
		sb.WriteString("user: ")
		sb.WriteString(txt)
		sb.WriteString("\n")
	}
	sb.WriteString("assistant:")
	return sb.String()
}
