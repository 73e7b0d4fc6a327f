package models

import (
	"encoding/json"
	"time"
)

// SegmentType identifies one record kind in a task's progress log.
type SegmentType string

const (
	SegmentTypeCommentary      SegmentType = "commentary"
	SegmentTypeToolCall        SegmentType = "tool_call"
	SegmentTypeToolCallInvalid SegmentType = "tool_call_invalid"
	SegmentTypeToolResult      SegmentType = "tool_result"
	SegmentTypeNote            SegmentType = "note"
	SegmentTypeCancelled       SegmentType = "cancelled"
	SegmentTypeCompactSummary  SegmentType = "compact_summary"
	SegmentTypeFinal           SegmentType = "final"
)

// Commentary and final channels.
const (
	ChannelAnalysis   = "analysis"
	ChannelCommentary = "commentary"
	ChannelMarkdown   = "markdown"
)

// Note levels.
const (
	NoteLevelInfo    = "info"
	NoteLevelWarning = "warning"
)

// Segment is one ordered record in a task's append-only progress log. The
// populated fields depend on Type; unused fields stay empty on the wire.
type Segment struct {
	Type           SegmentType     `json:"type"`
	Channel        string          `json:"channel,omitempty"`
	Text           string          `json:"text,omitempty"`
	Tool           string          `json:"tool,omitempty"`
	Args           json.RawMessage `json:"args,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Level          string          `json:"level,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	At             *time.Time      `json:"at,omitempty"`
	RuntimeSeconds *float64        `json:"runtime_seconds,omitempty"`
	Content        string          `json:"content,omitempty"`
}

// CommentarySegment records assistant text on the analysis or commentary
// channel.
func CommentarySegment(channel, text string) Segment {
	return Segment{Type: SegmentTypeCommentary, Channel: channel, Text: text}
}

// ToolCallSegment records a tool invocation with its raw arguments.
func ToolCallSegment(tool string, args json.RawMessage) Segment {
	return Segment{Type: SegmentTypeToolCall, Tool: tool, Args: args}
}

// ToolCallInvalidSegment records a call to a tool the registry does not know.
func ToolCallInvalidSegment(tool string, args json.RawMessage) Segment {
	return Segment{Type: SegmentTypeToolCallInvalid, Tool: tool, Args: args}
}

// ToolResultSegment records the full (untruncated) tool output envelope.
func ToolResultSegment(tool string, output json.RawMessage) Segment {
	return Segment{Type: SegmentTypeToolResult, Tool: tool, Output: output}
}

// NoteSegment records an informational or warning note for the operator UI.
func NoteSegment(level, text string) Segment {
	return Segment{Type: SegmentTypeNote, Level: level, Text: text}
}

// CancelledSegment terminates a task's log with the cancellation reason and
// the task's runtime at that point.
func CancelledSegment(reason string, at time.Time, runtimeSeconds float64) Segment {
	return Segment{
		Type:           SegmentTypeCancelled,
		Reason:         reason,
		At:             &at,
		RuntimeSeconds: &runtimeSeconds,
	}
}

// CompactSummarySegment records a conversation compaction summary.
func CompactSummarySegment(content string) Segment {
	return Segment{Type: SegmentTypeCompactSummary, Content: content}
}

// FinalSegment records the user-facing conclusion of a completed task.
func FinalSegment(channel, text string) Segment {
	return Segment{Type: SegmentTypeFinal, Channel: channel, Text: text}
}
