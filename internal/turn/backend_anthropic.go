package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxOutputTokens = 4096

// AnthropicBackend drives the messages protocol. It has a single input
// shape, so only the stream-to-buffered retry applies.
type AnthropicBackend struct {
	client   anthropic.Client
	model    string
	classify Classifier
	log      *slog.Logger
}

func NewAnthropicBackend(baseURL string, apiKey string, model string, log *slog.Logger) (*AnthropicBackend, error) {
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
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &AnthropicBackend{
		client:   anthropic.NewClient(opts...),
		model:    model,
		classify: NewQuirkClassifier(),
		log:      log,
	}, nil
}

type anthropicTurn struct {
	backend *AnthropicBackend

	system    string
	tools     []anthropic.ToolUnionParam
	messages  []anthropic.MessageParam
	streaming bool

	lastCalls []ToolCallRequest
	lastText  string
}

func (b *AnthropicBackend) NewTurn(history []HistoryMessage, prompt string, instructions string, tools *ToolConfig) BackendTurn {
	t := &anthropicTurn{
		backend:   b,
		system:    strings.TrimSpace(instructions),
		tools:     buildAnthropicToolParams(tools),
		streaming: true,
	}
	for _, msg := range history {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "assistant":
			t.messages = append(t.messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		case "system":
			if t.system == "" {
				t.system = text
			} else {
				t.system += "\n\n" + text
			}
		default:
			t.messages = append(t.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	if prompt = strings.TrimSpace(prompt); prompt != "" {
		t.messages = append(t.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	}
	return t
}

func buildAnthropicToolParams(cfg *ToolConfig) []anthropic.ToolUnionParam {
	if cfg == nil {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(cfg.Specs))
	for _, spec := range cfg.Specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			continue
		}
		schemaMap := map[string]any{}
		if len(spec.InputSchema) > 0 {
			_ = json.Unmarshal(spec.InputSchema, &schemaMap)
		}
		required := toStringSlice(schemaMap["required"])
		param := anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(strings.TrimSpace(spec.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: schemaMap["properties"], Required: required},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func (t *anthropicTurn) Start(ctx context.Context, onDelta func(string)) (*RoundResult, error) {
	return t.request(ctx, onDelta)
}

func (t *anthropicTurn) Continue(ctx context.Context, outputs []ToolOutput, onDelta func(string)) (*RoundResult, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(t.lastCalls)+1)
	if txt := strings.TrimSpace(t.lastText); txt != "" {
		blocks = append(blocks, anthropic.NewTextBlock(txt))
	}
	for _, call := range t.lastCalls {
		var input any = map[string]any{}
		if raw := strings.TrimSpace(call.Arguments); raw != "" {
			decoded := map[string]any{}
			if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
				input = decoded
			}
		}
		blocks = append(blocks, anthropic.NewToolUseBlock(call.CallID, input, call.Name))
	}
	if len(blocks) > 0 {
		t.messages = append(t.messages, anthropic.NewAssistantMessage(blocks...))
	}

	results := make([]anthropic.ContentBlockParamUnion, 0, len(outputs))
	for _, out := range outputs {
		results = append(results, anthropic.NewToolResultBlock(out.CallID, out.Output, out.IsError))
	}
	if len(results) == 0 {
		results = append(results, anthropic.NewTextBlock("Continue."))
	}
	t.messages = append(t.messages, anthropic.NewUserMessage(results...))

	return t.request(ctx, onDelta)
}

func (t *anthropicTurn) request(ctx context.Context, onDelta func(string)) (*RoundResult, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(t.backend.model),
		MaxTokens: anthropicDefaultMaxOutputTokens,
		Messages:  t.messages,
		Tools:     t.tools,
	}
	if t.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: t.system}}
	}

	var msg *anthropic.Message
	streamed := false
	var textBuf strings.Builder

	if t.streaming {
		accumulated, err := t.consumeStream(ctx, params, onDelta, &textBuf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			if t.backend.classify.Classify(err) != IncompatStreamFormat {
				return nil, err
			}
			t.streaming = false
			textBuf.Reset()
		} else {
			msg = accumulated
			streamed = true
		}
	}
	if msg == nil {
		buffered, err := t.backend.client.Messages.New(ctx, params)
		if err != nil {
			return nil, err
		}
		msg = buffered
	}

	result := &RoundResult{Streamed: streamed}
	var blockText strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			txt := strings.TrimSpace(variant.Text)
			if txt == "" {
				continue
			}
			if blockText.Len() > 0 {
				blockText.WriteString("\n")
			}
			blockText.WriteString(txt)
		case anthropic.ToolUseBlock:
			callID := strings.TrimSpace(variant.ID)
			if callID == "" {
				callID = fmt.Sprintf("call_%d", len(result.ToolCalls)+1)
			}
			args := "{}"
			if len(variant.Input) > 0 {
				args = string(variant.Input)
			}
			result.ToolCalls = append(result.ToolCalls, ToolCallRequest{
				ItemID:    callID,
				CallID:    callID,
				Name:      strings.TrimSpace(variant.Name),
				Arguments: args,
			})
		}
	}
	result.Text = blockText.String()
	if streamed && strings.TrimSpace(textBuf.String()) != "" {
		result.Text = strings.TrimSpace(textBuf.String())
	}

	t.lastText = result.Text
	t.lastCalls = result.ToolCalls
	return result, nil
}

func (t *anthropicTurn) consumeStream(ctx context.Context, params anthropic.MessageNewParams, onDelta func(string), textBuf *strings.Builder) (*anthropic.Message, error) {
	stream := t.backend.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, err
		}
		if variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				textBuf.WriteString(delta.Text)
				if onDelta != nil {
					onDelta(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(msg.ID) == "" && len(msg.Content) == 0 {
		return nil, errors.New("failed to parse stream: empty message")
	}
	return &msg, nil
}
