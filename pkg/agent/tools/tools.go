// Package tools implements the agent's tool registry: bash execution, file
// editing, search, plan maintenance, and the terminal output tool. Every
// tool answers with a JSON envelope {"status":"ok"|"error","tool":...,...}
// so the model always gets a machine-readable result, including on failure.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/tsbx-io/tsbx/pkg/agent/llm"
	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/plan"
)

// Tool is one callable entry in the registry. Execute returns the
// tool-specific envelope fields; errors become error envelopes, not Go
// errors.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (map[string]any, error)
}

// UnknownToolError reports a call to a tool the registry does not know.
type UnknownToolError struct {
	Tool string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Tool)
}

// Registry maps tool names to implementations and renders their envelopes.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates a registry over the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions lists the registered tools in registration order, shaped for
// the LLM request.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Execute runs one tool and renders its envelope. The returned error is
// non-nil only for unknown tools; execution failures are reported inside an
// error envelope so the model can read them.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, &UnknownToolError{Tool: name}
	}

	fields, err := t.Execute(ctx, args)
	envelope := map[string]any{
		"status": "ok",
		"tool":   name,
	}
	if err != nil {
		envelope["status"] = "error"
		envelope["message"] = err.Error()
	}
	for k, v := range fields {
		envelope[k] = v
	}

	out, merr := json.Marshal(envelope)
	if merr != nil {
		out, _ = json.Marshal(map[string]any{
			"status":  "error",
			"tool":    name,
			"message": fmt.Sprintf("encode result: %v", merr),
		})
	}
	return out, nil
}

// Config locates the sandbox surfaces the standard toolset operates on.
type Config struct {
	// WorkingDir anchors every relative path argument.
	WorkingDir string

	// EnvDir holds seed files, *.env files auto-sourced by run_bash, and
	// the spill logs for long command output.
	EnvDir string

	// Plan is the checklist manager behind update_plan.
	Plan *plan.Manager
}

// NewStandardRegistry builds the full sandbox toolset.
func NewStandardRegistry(cfg Config) *Registry {
	return NewRegistry(
		newRunBash(cfg.WorkingDir, cfg.EnvDir),
		newOpenFile(cfg.WorkingDir),
		newCreateFile(cfg.WorkingDir),
		newStrReplace(cfg.WorkingDir),
		newInsert(cfg.WorkingDir),
		newRemoveStr(cfg.WorkingDir),
		newFindFilename(cfg.WorkingDir),
		newFindFilecontent(cfg.WorkingDir),
		newUpdatePlan(cfg.Plan),
		newOutput(),
	)
}

// resolvePath validates a sandbox-relative path and anchors it under root.
func resolvePath(root, p string) (string, error) {
	if err := models.ValidateRelativePath(p); err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(p)), nil
}
