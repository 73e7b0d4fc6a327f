package agent

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/tsbx-io/tsbx/pkg/agent/llm"
)

// responseClass is the loop's verdict on one LLM response.
type responseClass int

const (
	// classToolCall is a usable tool call: native, or salvaged from
	// JSON the model emitted as plain content.
	classToolCall responseClass = iota
	// classMalformedCall looks like a tool call but does not parse.
	classMalformedCall
	// classRawJSON is JSON content that is not a tool call at all.
	classRawJSON
	// classEmpty has neither content nor tool calls.
	classEmpty
	// classText is plain assistant prose.
	classText
)

// classifyResponse buckets a response into exactly one class. For
// classToolCall it also returns the call to execute; only the first native
// call is taken, the conversation then replays exactly that one.
func classifyResponse(resp *llm.Response) (responseClass, *llm.ToolCall) {
	if len(resp.ToolCalls) > 0 {
		return classToolCall, &resp.ToolCalls[0]
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return classEmpty, nil
	}
	if call, ok := salvageToolCall(content); ok {
		return classToolCall, call
	}
	if looksLikeToolCall(content) {
		return classMalformedCall, nil
	}
	stripped := stripFence(content)
	if strings.HasPrefix(stripped, "{") || strings.HasPrefix(stripped, "[") {
		return classRawJSON, nil
	}
	return classText, nil
}

// spilledCall covers the JSON shapes models use when they write a tool call
// into content instead of the native channel.
type spilledCall struct {
	Tool      string          `json:"tool"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *spilledCall) toCall() *llm.ToolCall {
	name := s.Tool
	if name == "" {
		name = s.Name
	}
	args := s.Args
	if len(args) == 0 {
		args = s.Arguments
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return &llm.ToolCall{
		ID:        "call_" + uuid.NewString(),
		Name:      name,
		Arguments: args,
	}
}

// salvageToolCall recovers a tool call from assistant content: either
// {"tool_call": {...}} or a bare {"tool"/"name": ..., "args"/"arguments":
// ...} object, optionally inside a markdown fence.
func salvageToolCall(content string) (*llm.ToolCall, bool) {
	text := stripFence(content)
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}

	var wrapped struct {
		ToolCall *spilledCall `json:"tool_call"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil && wrapped.ToolCall != nil {
		if call := wrapped.ToolCall.toCall(); call.Name != "" {
			return call, true
		}
	}

	var direct spilledCall
	if err := json.Unmarshal([]byte(text), &direct); err == nil {
		if call := direct.toCall(); call.Name != "" {
			return call, true
		}
	}
	return nil, false
}

// looksLikeToolCall reports whether content carries tool-call marker tokens
// even though it did not parse as one.
func looksLikeToolCall(content string) bool {
	if strings.Contains(content, "tool_call") {
		return true
	}
	return strings.Contains(content, `"tool"`) && strings.Contains(content, `"args"`)
}

// stripFence unwraps a markdown code fence around the whole content.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	idx := strings.IndexByte(text, '\n')
	if idx < 0 {
		return text
	}
	body := text[idx+1:]
	end := strings.LastIndex(body, "```")
	if end < 0 {
		return text
	}
	return strings.TrimSpace(body[:end])
}
