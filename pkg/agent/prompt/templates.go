// Package prompt composes the system prompt the agent loop sends on every
// turn. The prompt is rebuilt per turn so plan edits and the clock are always
// current, and it carries the developer notes the loop pushes when a model
// turn cannot be used.
package prompt

import "fmt"

// generalInstructions is the agent persona and working rules.
const generalInstructions = `## Sandbox Agent Instructions

You are an autonomous engineering agent working inside an isolated sandbox.
You complete tasks by calling tools: inspecting files, editing them, and
running shell commands. Nothing outside the sandbox is reachable.

Working rules:
1. Keep a plan. Before multi-step work, record a checklist with update_plan
   and keep it current as items finish.
2. Make progress every turn: one tool call, chosen to advance the next
   unchecked plan item.
3. Never invent file contents or command output. Read before you edit.
4. Finish with the output tool. Plain text does not complete a task, and
   output is refused while the plan has unchecked items.`

// toolProtocol describes the call and envelope conventions shared by every
// tool.
const toolProtocol = `## Tool Protocol

Every tool call takes a "commentary" argument: a short present-participle
phrase describing the action, such as "Reading the build script". Results
come back as a JSON envelope {"status":"ok"|"error","tool":...,...}. On
"error", read the message and change approach instead of repeating the call.`

// Developer notes pushed as system messages when a model turn cannot be
// used. Each maps to one retry class in the loop.
const (
	NoteMalformedToolCall = "Your last message looked like a tool call but could not be parsed. Respond with exactly one well-formed tool call."

	NoteRawJSON = "Your last message was raw JSON that is not a tool call. Use the tool-call channel, or answer in plain text."

	NoteEmptyResponse = "Your last message had no usable content. Produce a tool call, or finish the task with the output tool."

	NotePlainText = "Plain text does not finish a task. Call the output tool when you are done, or keep working with tools."

	NoteNoProgress = "No progress is being made. Re-read the plan, pick the next unchecked item, and act on it with a single tool call."
)

// NoteOutputRefusedUnreadable is pushed when output is attempted while the
// plan file exists but cannot be read.
const NoteOutputRefusedUnreadable = "Output refused: the plan file exists but cannot be read. Recreate it with update_plan before finishing."

// NoteOutputRefusedUnchecked is pushed when output is attempted while the
// plan still has unchecked items.
func NoteOutputRefusedUnchecked(nextTask string) string {
	return fmt.Sprintf("Output refused: the plan still has unchecked items. Finish them first. Next task: %s", nextTask)
}

// NoteUnknownTool is pushed when the model calls a tool the registry does
// not know.
func NoteUnknownTool(name string) string {
	return fmt.Sprintf("Tool %q does not exist. Use only the tools listed in this conversation.", name)
}
