package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsbx-io/tsbx/pkg/plan"
)

// instructionsFile is the seed file the worker drops into the environment
// directory when the sandbox was created with instructions.
const instructionsFile = "instructions.md"

// Builder composes the per-turn system prompt. Stateless apart from its
// configuration; everything volatile (plan, instructions, clock) is re-read
// on each build.
type Builder struct {
	workingDir string
	envDir     string
	hostName   string
	plan       *plan.Manager
}

// BuilderConfig locates the sandbox surfaces the prompt reports on.
type BuilderConfig struct {
	WorkingDir string
	EnvDir     string
	HostName   string
	Plan       *plan.Manager
}

// NewBuilder creates a Builder for one sandbox.
func NewBuilder(cfg BuilderConfig) *Builder {
	return &Builder{
		workingDir: cfg.WorkingDir,
		envDir:     cfg.EnvDir,
		hostName:   cfg.HostName,
		plan:       cfg.Plan,
	}
}

// BuildSystemPrompt renders the full system prompt for one loop turn.
func (b *Builder) BuildSystemPrompt(now time.Time) string {
	sections := []string{
		generalInstructions,
		toolProtocol,
		FormatEnvironmentSection(b.hostName, b.workingDir, b.envDir),
	}

	if instr := b.readInstructions(); instr != "" {
		sections = append(sections, FormatInstructionsSection(instr))
	}

	content, err := b.plan.Read()
	sections = append(sections, FormatPlanSection(content, err))

	sections = append(sections, "Current time: "+now.UTC().Format(time.RFC3339))

	return strings.Join(sections, "\n\n")
}

// readInstructions returns the sandbox instructions seed file, or "" when
// absent or unreadable.
func (b *Builder) readInstructions() string {
	if b.envDir == "" {
		return ""
	}
	raw, err := os.ReadFile(filepath.Join(b.envDir, instructionsFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// FormatEnvironmentSection describes where the agent is running.
func FormatEnvironmentSection(hostName, workingDir, envDir string) string {
	var sb strings.Builder
	sb.WriteString("## Environment\n\n")
	if hostName != "" {
		sb.WriteString("Host: ")
		sb.WriteString(hostName)
		sb.WriteString("\n")
	}
	sb.WriteString("Working directory: ")
	sb.WriteString(workingDir)
	sb.WriteString(" (all relative paths resolve here)\n")
	if envDir != "" {
		sb.WriteString("Environment directory: ")
		sb.WriteString(envDir)
		sb.WriteString(" (seed files; *.env files there are auto-sourced by run_bash)\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatInstructionsSection wraps operator-provided sandbox instructions.
func FormatInstructionsSection(instructions string) string {
	return "## Sandbox Instructions\n\n" + instructions
}

// FormatPlanSection embeds the current plan and names the next unchecked
// task. readErr is the error from reading the plan file, if any.
func FormatPlanSection(content string, readErr error) string {
	var sb strings.Builder
	sb.WriteString("## Plan\n\n")

	if readErr != nil {
		sb.WriteString("The plan file exists but could not be read. Recreate it with update_plan.")
		return sb.String()
	}

	items := plan.Parse(content)
	if len(items) == 0 {
		sb.WriteString("No plan recorded yet. Record a checklist with update_plan before starting multi-step work.")
		return sb.String()
	}

	sb.WriteString("```\n")
	sb.WriteString(strings.TrimRight(content, "\n"))
	sb.WriteString("\n```\n\n")

	if next, ok := plan.NextUnchecked(content); ok {
		sb.WriteString("Next task: ")
		sb.WriteString(next)
	} else {
		sb.WriteString("All plan items are checked. Finish with the output tool.")
	}
	return sb.String()
}
