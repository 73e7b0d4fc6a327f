// Package llm defines the inference client driven by the agent loop and an
// OpenAI-compatible HTTP implementation of it.
package llm

import (
	"context"
	"encoding/json"
)

// Conversation roles on the chat-completion wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant messages that invoked tools
	ToolCallID string     // tool result messages
	ToolName   string     // tool result messages
}

// ToolDefinition describes one callable tool advertised to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// GenerateInput is a single chat-completion request: the full conversation
// plus the tools the model may call.
type GenerateInput struct {
	Messages []Message
	Tools    []ToolDefinition
}

// Response is the model's reply to one Generate call. ToolCalls is populated
// only when the model used the native tool-call channel; Content may carry a
// salvageable tool call as text instead.
type Response struct {
	Content   string
	Thinking  string
	ToolCalls []ToolCall
	Usage     *Usage
}

// Client is the inference interface the agent loop drives. The loop never
// calls Generate concurrently; implementations need not be goroutine-safe.
type Client interface {
	Generate(ctx context.Context, input *GenerateInput) (*Response, error)
}
