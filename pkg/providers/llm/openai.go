package llm

import (
	"context"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lokutor-ai/teachme-live/pkg/llm"
)

// OpenAILLM is kept as an alternate chat-completion vendor; it does not
// carry Anthropic's primary/fallback model retry since that policy is
// specific to the primary vendor's own model tiers.
type OpenAILLM struct {
	client         openai.Client
	model          string
	requestTimeout time.Duration
}

func NewOpenAILLM(apiKey, model string, requestTimeout time.Duration) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &OpenAILLM{
		client:         openai.NewClient(option.WithAPIKey(apiKey)),
		model:          model,
		requestTimeout: requestTimeout,
	}
}

func (l *OpenAILLM) Name() string { return "openai" }

func (l *OpenAILLM) Create(ctx context.Context, params llm.CreateParams) (*llm.Response, error) {
	model := params.Model
	if model == "" {
		model = l.model
	}

	cctx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	defer cancel()

	req := l.buildRequest(params, model)
	resp, err := l.client.Chat.Completions.New(cctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return &llm.Response{Model: model}, nil
	}
	text := resp.Choices[0].Message.Content
	return &llm.Response{
		Text:         text,
		Content:      []llm.ContentBlock{{Type: "text", Text: text}},
		Model:        model,
		RequestID:    resp.ID,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func (l *OpenAILLM) StreamText(ctx context.Context, params llm.CreateParams, onDelta func(string)) (*llm.Response, error) {
	model := params.Model
	if model == "" {
		model = l.model
	}

	cctx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	defer cancel()

	req := l.buildRequest(params, model)
	stream := l.client.Chat.Completions.NewStreaming(cctx, req)

	var full string
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full += delta
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	return &llm.Response{Text: full, Model: model}, nil
}

func (l *OpenAILLM) buildRequest(params llm.CreateParams, model string) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(params.Messages)+1)
	if params.System != "" {
		messages = append(messages, openai.SystemMessage(params.System))
	}
	for _, m := range params.Messages {
		text := flattenText(m.Content)
		if m.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(text))
		} else {
			messages = append(messages, openai.UserMessage(text))
		}
	}

	req := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = openai.Int(int64(params.MaxTokens))
	}
	if params.Temperature > 0 {
		req.Temperature = openai.Float(params.Temperature)
	}
	return req
}

func flattenText(blocks []llm.ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
