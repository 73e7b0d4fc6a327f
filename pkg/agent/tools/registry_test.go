package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbx-io/tsbx/pkg/plan"
)

// fakeTool is a scriptable tool for registry tests.
type fakeTool struct {
	name   string
	fields map[string]any
	err    error
}

func (f *fakeTool) Name() string                 { return f.name }
func (f *fakeTool) Description() string          { return "fake tool" }
func (f *fakeTool) Parameters() json.RawMessage  { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Execute(context.Context, json.RawMessage) (map[string]any, error) {
	return f.fields, f.err
}

func decodeEnvelope(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(raw, &envelope))
	return envelope
}

func TestRegistry(t *testing.T) {
	t.Run("definitions preserve registration order", func(t *testing.T) {
		reg := NewRegistry(
			&fakeTool{name: "alpha"},
			&fakeTool{name: "beta"},
			&fakeTool{name: "gamma"},
		)
		defs := reg.Definitions()
		require.Len(t, defs, 3)
		assert.Equal(t, "alpha", defs[0].Name)
		assert.Equal(t, "beta", defs[1].Name)
		assert.Equal(t, "gamma", defs[2].Name)
	})

	t.Run("re-registering replaces without duplicating", func(t *testing.T) {
		reg := NewRegistry(&fakeTool{name: "alpha", fields: map[string]any{"v": 1.0}})
		reg.Register(&fakeTool{name: "alpha", fields: map[string]any{"v": 2.0}})

		require.Len(t, reg.Definitions(), 1)
		raw, err := reg.Execute(context.Background(), "alpha", json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.Equal(t, 2.0, decodeEnvelope(t, raw)["v"])
	})

	t.Run("success envelope carries status ok and tool name", func(t *testing.T) {
		reg := NewRegistry(&fakeTool{name: "alpha", fields: map[string]any{"answer": 42.0}})

		raw, err := reg.Execute(context.Background(), "alpha", json.RawMessage(`{}`))
		require.NoError(t, err)

		envelope := decodeEnvelope(t, raw)
		assert.Equal(t, "ok", envelope["status"])
		assert.Equal(t, "alpha", envelope["tool"])
		assert.Equal(t, 42.0, envelope["answer"])
	})

	t.Run("tool failure becomes an error envelope, not a Go error", func(t *testing.T) {
		reg := NewRegistry(&fakeTool{
			name:   "alpha",
			fields: map[string]any{"exit_code": 2.0},
			err:    fmt.Errorf("command exited with status 2"),
		})

		raw, err := reg.Execute(context.Background(), "alpha", json.RawMessage(`{}`))
		require.NoError(t, err)

		envelope := decodeEnvelope(t, raw)
		assert.Equal(t, "error", envelope["status"])
		assert.Equal(t, "command exited with status 2", envelope["message"])
		assert.Equal(t, 2.0, envelope["exit_code"])
	})

	t.Run("unknown tool is a Go error", func(t *testing.T) {
		reg := NewRegistry(&fakeTool{name: "alpha"})

		_, err := reg.Execute(context.Background(), "frobnicate", json.RawMessage(`{}`))
		require.Error(t, err)

		var unknown *UnknownToolError
		require.True(t, errors.As(err, &unknown))
		assert.Equal(t, "frobnicate", unknown.Tool)
	})

	t.Run("lookup", func(t *testing.T) {
		reg := NewRegistry(&fakeTool{name: "alpha"})
		_, ok := reg.Lookup("alpha")
		assert.True(t, ok)
		_, ok = reg.Lookup("missing")
		assert.False(t, ok)
	})
}

func TestNewStandardRegistry(t *testing.T) {
	workDir := t.TempDir()
	reg := NewStandardRegistry(Config{
		WorkingDir: workDir,
		EnvDir:     t.TempDir(),
		Plan:       plan.NewManager(filepath.Join(workDir, plan.FileName)),
	})

	names := make([]string, 0, 10)
	for _, def := range reg.Definitions() {
		names = append(names, def.Name)
		assert.NotEmpty(t, def.Description, "tool %s has no description", def.Name)
		assert.NotEmpty(t, def.Parameters, "tool %s has no parameter schema", def.Name)

		var schema map[string]any
		require.NoError(t, json.Unmarshal(def.Parameters, &schema), "tool %s schema is not valid JSON", def.Name)
		required, ok := schema["required"].([]any)
		require.True(t, ok, "tool %s schema has no required list", def.Name)
		assert.Contains(t, required, "commentary", "tool %s must require commentary", def.Name)
	}

	assert.Equal(t, []string{
		"run_bash",
		"open_file",
		"create_file",
		"str_replace",
		"insert",
		"remove_str",
		"find_filename",
		"find_filecontent",
		"update_plan",
		"output",
	}, names)
}
