package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/plan"
)

func TestUpdatePlan(t *testing.T) {
	workDir := t.TempDir()
	planPath := filepath.Join(workDir, plan.FileName)
	tool := newUpdatePlan(plan.NewManager(planPath))

	fields, err := tool.Execute(context.Background(), json.RawMessage(
		`{"content":"# Plan\n- [x] scaffold\n- [ ] tests\n- [ ] docs\n","commentary":"recording the plan"}`))
	require.NoError(t, err)
	assert.Equal(t, 3, fields["items"])
	assert.Equal(t, 2, fields["unchecked"])

	written, err := os.ReadFile(planPath)
	require.NoError(t, err)
	assert.Contains(t, string(written), "- [ ] tests")
}

func TestParseOutputArgs(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		args, err := ParseOutputArgs(json.RawMessage(
			`{"content":[{"type":"markdown","content":"# Done"},{"type":"url","content":"https://example.com"}],"commentary":"delivering results"}`))
		require.NoError(t, err)
		require.Len(t, args.Content, 2)
		assert.Equal(t, models.ContentTypeMarkdown, args.Content[0].Type)
		assert.Equal(t, "delivering results", args.Commentary)
	})

	t.Run("missing type defaults to text", func(t *testing.T) {
		args, err := ParseOutputArgs(json.RawMessage(`{"content":[{"content":"plain"}],"commentary":"delivering"}`))
		require.NoError(t, err)
		assert.Equal(t, models.ContentTypeText, args.Content[0].Type)
	})

	t.Run("empty content list fails", func(t *testing.T) {
		_, err := ParseOutputArgs(json.RawMessage(`{"content":[],"commentary":"delivering"}`))
		require.Error(t, err)
	})

	t.Run("empty item fails", func(t *testing.T) {
		_, err := ParseOutputArgs(json.RawMessage(`{"content":[{"type":"text","content":""}],"commentary":"delivering"}`))
		require.Error(t, err)
	})

	t.Run("unknown type fails", func(t *testing.T) {
		_, err := ParseOutputArgs(json.RawMessage(`{"content":[{"type":"video","content":"x"}],"commentary":"delivering"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "video")
	})
}

func TestOutputToolValidates(t *testing.T) {
	tool := newOutput()

	fields, err := tool.Execute(context.Background(), json.RawMessage(
		`{"content":[{"type":"text","content":"done"}],"commentary":"finishing"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, fields["items"])

	_, err = tool.Execute(context.Background(), json.RawMessage(`{"content":[],"commentary":"finishing"}`))
	require.Error(t, err)
}
