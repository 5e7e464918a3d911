// Package llm wraps a vendor chat-completion API behind a small interface
// the turn orchestrator drives: one blocking call per tool-loop iteration,
// plus a streaming variant for the final untooled reply.
package llm

import "context"

// ContentBlock is a normalized piece of a message: exactly one of the
// Text/Image*/ToolUse/ToolResult fields is meaningful, selected by Type.
type ContentBlock struct {
	Type string // "text", "image", "tool_use", or "tool_result"

	Text string

	ImageMediaType string
	ImageDataB64   string

	ToolUseID string
	ToolName  string
	ToolInput map[string]any

	ToolResultForID   string
	ToolResultContent string
	ToolResultIsError bool
}

// Message is one turn of conversation history, in vendor-agnostic form.
type Message struct {
	Role    string // "user" or "assistant"
	Content []ContentBlock
}

// ToolSpec describes one callable tool in JSON-schema terms.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Response is a normalized model reply.
type Response struct {
	Text         string
	Content      []ContentBlock
	Model        string
	RequestID    string
	InputTokens  int
	OutputTokens int
}

// StopReason values mirror Anthropic's; other vendors are mapped onto these.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
)

// CreateParams is one request to a vendor's chat-completion endpoint.
type CreateParams struct {
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
	Model       string
}

// Client is a single vendor's chat-completion client. Retry-with-fallback
// behavior across a vendor's own model tiers is the client's own concern,
// not this package's; nothing here spans multiple vendors.
type Client interface {
	Create(ctx context.Context, params CreateParams) (*Response, error)
	StreamText(ctx context.Context, params CreateParams, onDelta func(string)) (*Response, error)
	Name() string
}
