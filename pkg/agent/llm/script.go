package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptEntry is one canned Generate outcome.
type ScriptEntry struct {
	Response *Response
	Err      error

	// BlockUntilCancelled parks Generate until the context is done, then
	// returns its error. OnBlock, when set, is signalled on entry so tests
	// can synchronize with the blocked call.
	BlockUntilCancelled bool
	OnBlock             chan<- struct{}
}

// Script is an in-memory Client for tests. Entries are consumed in order and
// every input is captured for assertions. A looping script replays its last
// entry forever once the others are spent.
type Script struct {
	mu      sync.Mutex
	entries []ScriptEntry
	index   int
	loop    bool
	inputs  []*GenerateInput
}

// NewScript returns a script that fails once its entries are exhausted.
func NewScript(entries ...ScriptEntry) *Script {
	return &Script{entries: entries}
}

// NewLoopingScript returns a script that replays its last entry indefinitely.
func NewLoopingScript(entries ...ScriptEntry) *Script {
	return &Script{entries: entries, loop: true}
}

// Add appends an entry to the script.
func (s *Script) Add(entry ScriptEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

// Generate implements Client.
func (s *Script) Generate(ctx context.Context, input *GenerateInput) (*Response, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, input)
	if s.index >= len(s.entries) {
		if !s.loop || len(s.entries) == 0 {
			n := s.index
			s.mu.Unlock()
			return nil, fmt.Errorf("llm script exhausted after %d calls", n)
		}
		s.index = len(s.entries) - 1
	}
	entry := s.entries[s.index]
	s.index++
	s.mu.Unlock()

	if entry.BlockUntilCancelled {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if entry.Err != nil {
		return nil, entry.Err
	}
	return entry.Response, nil
}

// Calls returns how many times Generate has been invoked.
func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

// Inputs returns the captured Generate inputs in call order.
func (s *Script) Inputs() []*GenerateInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*GenerateInput, len(s.inputs))
	copy(out, s.inputs)
	return out
}

// ScriptText builds an entry answering with plain assistant text.
func ScriptText(text string) ScriptEntry {
	return ScriptEntry{Response: &Response{Content: text}}
}

// ScriptToolCall builds an entry answering with one native tool call.
func ScriptToolCall(tool, argsJSON string) ScriptEntry {
	return ScriptEntry{Response: &Response{
		ToolCalls: []ToolCall{{
			ID:        "call_" + tool,
			Name:      tool,
			Arguments: []byte(argsJSON),
		}},
	}}
}
