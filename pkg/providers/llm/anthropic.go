package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lokutor-ai/teachme-live/pkg/llm"
)

// AnthropicLLM is the primary vendor client. It retries once against a
// fallback model on any error from the primary, mirroring the tutor's own
// two-model policy; this is intra-vendor and stays inside one Client rather
// than spanning the generic llm.Client interface.
type AnthropicLLM struct {
	client         anthropic.Client
	primaryModel   string
	fallbackModel  string
	requestTimeout time.Duration
}

func NewAnthropicLLM(apiKey, primaryModel, fallbackModel string, requestTimeout time.Duration) *AnthropicLLM {
	if primaryModel == "" {
		primaryModel = "claude-sonnet-4-5"
	}
	if fallbackModel == "" {
		fallbackModel = "claude-3-5-haiku-latest"
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &AnthropicLLM{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		primaryModel:   primaryModel,
		fallbackModel:  fallbackModel,
		requestTimeout: requestTimeout,
	}
}

func (l *AnthropicLLM) Name() string { return "anthropic" }

func (l *AnthropicLLM) Create(ctx context.Context, params llm.CreateParams) (*llm.Response, error) {
	model := params.Model
	if model == "" {
		model = l.primaryModel
	}

	req := l.buildRequest(params, model)

	resp, err := l.callWithTimeout(ctx, req)
	if err != nil && model != l.fallbackModel {
		req.Model = anthropic.Model(l.fallbackModel)
		resp, err = l.callWithTimeout(ctx, req)
		if err == nil {
			model = l.fallbackModel
		}
	}
	if err != nil {
		return nil, err
	}

	return toResponse(resp, model), nil
}

func (l *AnthropicLLM) callWithTimeout(ctx context.Context, req anthropic.MessageNewParams) (*anthropic.Message, error) {
	cctx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	defer cancel()
	return l.client.Messages.New(cctx, req)
}

// StreamText is used for the untooled final reply path, where the orchestrator
// wants incremental text deltas to forward to the client as LLM_DELTA frames.
func (l *AnthropicLLM) StreamText(ctx context.Context, params llm.CreateParams, onDelta func(string)) (*llm.Response, error) {
	model := params.Model
	if model == "" {
		model = l.primaryModel
	}
	req := l.buildRequest(params, model)

	cctx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	defer cancel()

	stream := l.client.Messages.NewStreaming(cctx, req)
	var full string
	for stream.Next() {
		event := stream.Current()
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text := delta.Delta.Text; text != "" {
				full += text
				if onDelta != nil {
					onDelta(text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return &llm.Response{Text: full, Model: model}, nil
		}
		return nil, err
	}

	final := stream.Current()
	_ = final
	return &llm.Response{Text: full, Model: model}, nil
}

func (l *AnthropicLLM) buildRequest(params llm.CreateParams, model string) anthropic.MessageNewParams {
	maxTokens := int64(params.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  toAnthropicMessages(params.Messages),
	}
	if params.System != "" {
		req.System = []anthropic.TextBlockParam{{Text: params.System}}
	}
	if params.Temperature > 0 {
		req.Temperature = anthropic.Float(params.Temperature)
	}
	if len(params.Tools) > 0 {
		req.Tools = toAnthropicTools(params.Tools)
	}
	return req
}

func toAnthropicMessages(msgs []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Content {
			switch b.Type {
			case "text":
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case "image":
				blocks = append(blocks, anthropic.NewImageBlockBase64(b.ImageMediaType, b.ImageDataB64))
			case "tool_use":
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUseID, b.ToolInput, b.ToolName))
			case "tool_result":
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResultForID, b.ToolResultContent, b.ToolResultIsError))
			}
		}
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func toAnthropicTools(tools []llm.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.InputSchema["properties"],
				},
			},
		})
	}
	return out
}

func toResponse(resp *anthropic.Message, model string) *llm.Response {
	out := &llm.Response{
		Model:        model,
		RequestID:    resp.ID,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Text += v.Text
			out.Content = append(out.Content, llm.ContentBlock{Type: "text", Text: v.Text})
		case anthropic.ToolUseBlock:
			input := map[string]any{}
			_ = json.Unmarshal(v.Input, &input)
			out.Content = append(out.Content, llm.ContentBlock{
				Type:      "tool_use",
				ToolUseID: v.ID,
				ToolName:  v.Name,
				ToolInput: input,
			})
		}
	}
	return out
}
