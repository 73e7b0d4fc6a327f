package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tsbx-io/tsbx/pkg/agent/llm"
	"github.com/tsbx-io/tsbx/pkg/agent/prompt"
	"github.com/tsbx-io/tsbx/pkg/agent/tools"
	"github.com/tsbx-io/tsbx/pkg/guard"
	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/plan"
)

// LoopConfig wires one task loop.
type LoopConfig struct {
	Control  ControlPlane
	LLM      llm.Client
	Registry *tools.Registry
	Prompts  *prompt.Builder
	Guard    *guard.Service
	Plan     *plan.Manager

	// RetryBudget bounds each stray-response counter. Zero means
	// DefaultRetryBudget.
	RetryBudget int
	// ReplayLimit caps replayed tool output characters. Zero means
	// DefaultReplayLimit.
	ReplayLimit int

	Logger *slog.Logger
	Now    func() time.Time
}

// Loop drives one task at a time through the LLM, single-threaded. It
// suspends at LLM calls and tool executions; external cancellation is
// honored at the status refresh before each LLM call and after each tool
// execution.
type Loop struct {
	control  ControlPlane
	llm      llm.Client
	registry *tools.Registry
	prompts  *prompt.Builder
	guard    *guard.Service
	plan     *plan.Manager

	retryBudget int
	replayLimit int
	logger      *slog.Logger
	now         func() time.Time
}

// NewLoop builds a Loop, applying defaults for zero config values.
func NewLoop(cfg LoopConfig) *Loop {
	l := &Loop{
		control:     cfg.Control,
		llm:         cfg.LLM,
		registry:    cfg.Registry,
		prompts:     cfg.Prompts,
		guard:       cfg.Guard,
		plan:        cfg.Plan,
		retryBudget: cfg.RetryBudget,
		replayLimit: cfg.ReplayLimit,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if l.retryBudget <= 0 {
		l.retryBudget = DefaultRetryBudget
	}
	if l.replayLimit <= 0 {
		l.replayLimit = DefaultReplayLimit
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Run processes one claimed task to a terminal state or a silent abort.
// It returns an error only for infrastructure failures (control plane
// unreachable, context cancelled); task-level failures are written to the
// task row and return nil.
func (l *Loop) Run(ctx context.Context, task *models.Task) error {
	if task.TaskType == models.TaskTypeRaw {
		return l.runRaw(ctx, task)
	}

	text := task.Text()
	if err := l.guard.ValidateInput(text); err != nil {
		reason := "task input rejected: " + err.Error()
		l.appendSegments(ctx, task.ID, models.NoteSegment(models.NoteLevelWarning, reason))
		if _, ferr := l.control.FailTask(ctx, task.ID, reason); ferr != nil {
			return fmt.Errorf("fail task: %w", ferr)
		}
		return nil
	}

	run := &taskRun{
		loop: l,
		task: task,
		conv: []llm.Message{{Role: llm.RoleUser, Content: text}},
	}
	for {
		done, err := run.iterate(ctx)
		if err != nil || done {
			return err
		}
	}
}

// taskRun is the per-task loop state: the conversation and the three
// stray-response counters.
type taskRun struct {
	loop *Loop
	task *models.Task

	conv         []llm.Message
	spillRetries int
	emptyRetries int
	callRetries  int
}

// iterate performs one loop turn. done reports that the task reached a
// terminal state or was cancelled externally.
func (r *taskRun) iterate(ctx context.Context) (done bool, err error) {
	l := r.loop

	// Cancellation checkpoint: anyone may have finished the task since
	// the last LLM call.
	fresh, err := l.control.GetTask(ctx, r.task.ID)
	if err != nil {
		return false, fmt.Errorf("refresh task: %w", err)
	}
	if fresh.Status.Terminal() {
		l.logger.Info("task finished externally, aborting loop",
			"task_id", r.task.ID, "status", fresh.Status)
		return true, nil
	}

	system := l.prompts.BuildSystemPrompt(l.now())
	input := &llm.GenerateInput{
		Messages: append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, r.conv...),
		Tools:    l.registry.Definitions(),
	}

	resp, err := l.llm.Generate(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		reason := "inference failed: " + err.Error()
		l.appendSegments(ctx, r.task.ID, models.NoteSegment(models.NoteLevelWarning, reason))
		if _, ferr := l.control.FailTask(ctx, r.task.ID, reason); ferr != nil {
			return false, fmt.Errorf("fail task: %w", ferr)
		}
		return true, nil
	}

	if resp.Usage != nil {
		if uerr := l.control.ReportContextLength(ctx, resp.Usage.TotalTokens); uerr != nil {
			l.logger.Warn("report context length", "task_id", r.task.ID, "error", uerr)
		}
	}
	if resp.Thinking != "" {
		l.appendSegments(ctx, r.task.ID, models.CommentarySegment(models.ChannelAnalysis, resp.Thinking))
	}

	class, call := classifyResponse(resp)
	switch class {
	case classToolCall:
		return r.handleToolCall(ctx, resp, call)

	case classMalformedCall:
		r.spillRetries++
		r.recordStray(ctx, resp.Content, models.ChannelAnalysis, prompt.NoteMalformedToolCall)
		if r.spillRetries >= l.retryBudget {
			r.spillRetries = 0
			r.noProgress(ctx)
		}

	case classRawJSON:
		r.spillRetries++
		r.recordStray(ctx, resp.Content, models.ChannelAnalysis, prompt.NoteRawJSON)
		if r.spillRetries >= l.retryBudget {
			r.spillRetries = 0
			r.noProgress(ctx)
		}

	case classEmpty:
		r.emptyRetries++
		r.conv = append(r.conv, llm.Message{Role: llm.RoleSystem, Content: prompt.NoteEmptyResponse})
		if r.emptyRetries >= l.retryBudget {
			r.emptyRetries = 0
			r.noProgress(ctx)
		}

	case classText:
		r.callRetries++
		r.recordStray(ctx, resp.Content, models.ChannelCommentary, prompt.NotePlainText)
		if r.callRetries >= l.retryBudget {
			r.callRetries = 0
			r.noProgress(ctx)
		}
	}
	return false, nil
}

// recordStray logs non-tool-call assistant content as a commentary segment
// and pushes it plus a developer note back into the conversation.
func (r *taskRun) recordStray(ctx context.Context, content, channel, note string) {
	if content != "" {
		r.loop.appendSegments(ctx, r.task.ID, models.CommentarySegment(channel, content))
		r.conv = append(r.conv, llm.Message{Role: llm.RoleAssistant, Content: content})
	}
	r.conv = append(r.conv, llm.Message{Role: llm.RoleSystem, Content: note})
}

// noProgress fires when a stray-response counter exhausts its budget: it
// records the stall and nudges the model back to the plan. The counter is
// reset by the caller so the loop keeps going rather than spinning here
// every turn.
func (r *taskRun) noProgress(ctx context.Context) {
	r.loop.logger.Warn("task loop making no progress", "task_id", r.task.ID)
	r.loop.appendSegments(ctx, r.task.ID, models.NoteSegment(models.NoteLevelWarning, prompt.NoteNoProgress))
	r.conv = append(r.conv, llm.Message{Role: llm.RoleSystem, Content: prompt.NoteNoProgress})
}

// handleToolCall dispatches one usable tool call: output interception,
// unknown-tool handling, or execution through the registry.
func (r *taskRun) handleToolCall(ctx context.Context, resp *llm.Response, call *llm.ToolCall) (bool, error) {
	l := r.loop
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	// Narration alongside a native call is commentary.
	if len(resp.ToolCalls) > 0 && strings.TrimSpace(resp.Content) != "" {
		l.appendSegments(ctx, r.task.ID, models.CommentarySegment(models.ChannelCommentary, resp.Content))
	}

	if call.Name == tools.OutputName {
		return r.handleOutput(ctx, call, args)
	}

	if _, known := l.registry.Lookup(call.Name); !known {
		note := prompt.NoteUnknownTool(call.Name)
		l.appendSegments(ctx, r.task.ID,
			models.ToolCallInvalidSegment(call.Name, args),
			models.NoteSegment(models.NoteLevelWarning, note),
		)
		r.replyToolError(call, fmt.Sprintf("unknown tool %q", call.Name))
		r.conv = append(r.conv, llm.Message{Role: llm.RoleSystem, Content: note})
		return false, nil
	}

	l.appendSegments(ctx, r.task.ID, models.ToolCallSegment(call.Name, args))

	envelope, err := l.registry.Execute(ctx, call.Name, args)
	if err != nil {
		// Only unknown tools error out of Execute, and those were
		// handled above. Anything else is an internal fault.
		return false, fmt.Errorf("execute %s: %w", call.Name, err)
	}

	l.appendSegments(ctx, r.task.ID,
		models.ToolResultSegment(call.Name, envelope),
		models.NoteSegment(models.NoteLevelInfo, l.plan.Summary()),
	)
	r.conv = append(r.conv,
		llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: []llm.ToolCall{*call}},
		llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, ToolName: call.Name,
			Content: truncateReplay(string(envelope), l.replayLimit)},
	)

	// Cancellation checkpoint after the tool execution.
	fresh, err := l.control.GetTask(ctx, r.task.ID)
	if err != nil {
		return false, fmt.Errorf("refresh task: %w", err)
	}
	if fresh.Status.Terminal() {
		l.logger.Info("task finished externally after tool execution",
			"task_id", r.task.ID, "status", fresh.Status)
		return true, nil
	}
	return false, nil
}

// handleOutput finalizes the task, unless the plan gate refuses.
func (r *taskRun) handleOutput(ctx context.Context, call *llm.ToolCall, args json.RawMessage) (bool, error) {
	l := r.loop

	parsed, perr := tools.ParseOutputArgs(args)
	if perr != nil {
		l.appendSegments(ctx, r.task.ID, models.ToolCallSegment(tools.OutputName, args))
		r.replyToolError(call, "invalid output arguments: "+perr.Error())
		return false, nil
	}

	gate := l.plan.CheckOutputGate()
	if gate.Decision != plan.GateAllow {
		note := prompt.NoteOutputRefusedUnreadable
		if gate.Decision == plan.GateBlocked {
			note = prompt.NoteOutputRefusedUnchecked(gate.NextTask)
		}
		l.appendSegments(ctx, r.task.ID,
			models.ToolCallSegment(tools.OutputName, args),
			models.NoteSegment(models.NoteLevelWarning, note),
		)
		r.replyToolError(call, note)
		r.conv = append(r.conv, llm.Message{Role: llm.RoleSystem, Content: note})
		return false, nil
	}

	items := l.guard.SanitizeItems(parsed.Content)
	texts := make([]string, 0, len(items))
	for _, item := range items {
		texts = append(texts, item.Content)
	}
	final := models.FinalSegment(models.ChannelMarkdown, strings.Join(texts, "\n\n"))

	l.appendSegments(ctx, r.task.ID, models.ToolCallSegment(tools.OutputName, args))
	completed, err := l.control.CompleteTask(ctx, r.task.ID, final, models.ContentItems(items))
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	if !completed {
		l.logger.Info("completion lost to an external transition", "task_id", r.task.ID)
	}
	return true, nil
}

// replyToolError feeds a refused or failed call back to the model as an
// assistant/tool message pair so the conversation stays well-formed.
func (r *taskRun) replyToolError(call *llm.ToolCall, message string) {
	envelope, _ := json.Marshal(map[string]any{
		"status":  "error",
		"tool":    call.Name,
		"message": message,
	})
	r.conv = append(r.conv,
		llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{*call}},
		llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, ToolName: call.Name, Content: string(envelope)},
	)
}

// runRaw executes a raw task: the input is one bash command line, run
// directly without the LLM.
func (l *Loop) runRaw(ctx context.Context, task *models.Task) error {
	command := strings.TrimSpace(task.Text())
	if command == "" {
		if _, err := l.control.FailTask(ctx, task.ID, "raw task has no command"); err != nil {
			return fmt.Errorf("fail task: %w", err)
		}
		return nil
	}

	args, _ := json.Marshal(map[string]string{
		"commands":   command,
		"commentary": "running the requested command",
	})
	l.appendSegments(ctx, task.ID, models.ToolCallSegment("run_bash", json.RawMessage(args)))

	envelope, err := l.registry.Execute(ctx, "run_bash", args)
	if err != nil {
		return fmt.Errorf("execute run_bash: %w", err)
	}
	l.appendSegments(ctx, task.ID, models.ToolResultSegment("run_bash", envelope))

	var result struct {
		Status   string `json:"status"`
		Output   string `json:"output"`
		ExitCode int    `json:"exit_code"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(envelope, &result); err != nil {
		return fmt.Errorf("decode run_bash envelope: %w", err)
	}

	if result.Status != "ok" {
		reason := result.Message
		if reason == "" {
			reason = fmt.Sprintf("command exited with status %d", result.ExitCode)
		}
		if _, ferr := l.control.FailTask(ctx, task.ID, reason); ferr != nil {
			return fmt.Errorf("fail task: %w", ferr)
		}
		return nil
	}

	output := l.guard.SanitizeOutput(result.Output)
	final := models.FinalSegment(models.ChannelMarkdown, output)
	items := models.ContentItems{{Type: models.ContentTypeText, Content: output}}
	if _, err := l.control.CompleteTask(ctx, task.ID, final, items); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// appendSegments writes progress records, logging instead of failing the
// loop when the control plane write does not land.
func (l *Loop) appendSegments(ctx context.Context, taskID string, segs ...models.Segment) {
	if err := l.control.AppendSegments(ctx, taskID, segs...); err != nil {
		l.logger.Warn("append segments", "task_id", taskID, "error", err)
	}
}

// truncateReplay caps replayed tool output. The stored segment keeps the
// full text; only the conversation copy is cut.
func truncateReplay(s string, limit int) string {
	const marker = "[truncated]"
	if len(s) <= limit {
		return s
	}
	if limit <= len(marker) {
		return s[:limit]
	}
	return s[:limit-len(marker)] + marker
}
