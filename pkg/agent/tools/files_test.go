package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkFile(t *testing.T, workDir, rel, content string) {
	t.Helper()
	path := filepath.Join(workDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readWorkFile(t *testing.T, workDir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(workDir, rel))
	require.NoError(t, err)
	return string(data)
}

func TestOpenFile(t *testing.T) {
	workDir := t.TempDir()
	writeWorkFile(t, workDir, "notes.txt", "one\ntwo\nthree\nfour\nfive")
	tool := newOpenFile(workDir)

	t.Run("whole file by default", func(t *testing.T) {
		fields, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"notes.txt","commentary":"reading notes"}`))
		require.NoError(t, err)
		assert.Equal(t, "one\ntwo\nthree\nfour\nfive", fields["content"])
		assert.Equal(t, 1, fields["start_line"])
		assert.Equal(t, 5, fields["end_line"])
		assert.Equal(t, 5, fields["total_lines"])
	})

	t.Run("line range is 1-based and inclusive", func(t *testing.T) {
		fields, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"notes.txt","start_line":2,"end_line":4,"commentary":"reading the middle"}`))
		require.NoError(t, err)
		assert.Equal(t, "two\nthree\nfour", fields["content"])
	})

	t.Run("end_line past the file is clamped", func(t *testing.T) {
		fields, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"notes.txt","start_line":4,"end_line":99,"commentary":"reading the tail"}`))
		require.NoError(t, err)
		assert.Equal(t, "four\nfive", fields["content"])
		assert.Equal(t, 5, fields["end_line"])
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"absent.txt","commentary":"reading a ghost"}`))
		require.Error(t, err)
	})

	t.Run("absolute path is rejected", func(t *testing.T) {
		_, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"/etc/passwd","commentary":"escaping"}`))
		require.Error(t, err)
	})
}

func TestCreateFile(t *testing.T) {
	workDir := t.TempDir()
	tool := newCreateFile(workDir)

	t.Run("creates parents", func(t *testing.T) {
		fields, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"a/b.txt","content":"hi","commentary":"creating a file"}`))
		require.NoError(t, err)
		assert.Equal(t, 2, fields["bytes_written"])
		assert.Equal(t, "hi", readWorkFile(t, workDir, "a/b.txt"))
	})

	t.Run("overwrites an existing file", func(t *testing.T) {
		writeWorkFile(t, workDir, "c.txt", "old")
		_, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"c.txt","content":"new","commentary":"overwriting"}`))
		require.NoError(t, err)
		assert.Equal(t, "new", readWorkFile(t, workDir, "c.txt"))
	})

	t.Run("dotdot traversal is rejected", func(t *testing.T) {
		_, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"../evil.txt","content":"x","commentary":"escaping"}`))
		require.Error(t, err)
	})
}

func TestStrReplace(t *testing.T) {
	t.Run("unique match replaced", func(t *testing.T) {
		workDir := t.TempDir()
		writeWorkFile(t, workDir, "main.go", "x := old()\ny := keep()")
		tool := newStrReplace(workDir)

		fields, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"main.go","old":"old()","new":"fresh()","commentary":"renaming a call"}`))
		require.NoError(t, err)
		assert.Equal(t, 1, fields["replacements"])
		assert.Equal(t, "x := fresh()\ny := keep()", readWorkFile(t, workDir, "main.go"))
	})

	t.Run("ambiguous match without many fails and does not write", func(t *testing.T) {
		workDir := t.TempDir()
		writeWorkFile(t, workDir, "dup.txt", "aaa aaa")
		tool := newStrReplace(workDir)

		_, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"dup.txt","old":"aaa","new":"bbb","commentary":"replacing"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2 times")
		assert.Equal(t, "aaa aaa", readWorkFile(t, workDir, "dup.txt"))
	})

	t.Run("many replaces everything", func(t *testing.T) {
		workDir := t.TempDir()
		writeWorkFile(t, workDir, "dup.txt", "aaa aaa aaa")
		tool := newStrReplace(workDir)

		fields, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"dup.txt","old":"aaa","new":"b","many":true,"commentary":"replacing all"}`))
		require.NoError(t, err)
		assert.Equal(t, 3, fields["replacements"])
		assert.Equal(t, "b b b", readWorkFile(t, workDir, "dup.txt"))
	})

	t.Run("missing text fails", func(t *testing.T) {
		workDir := t.TempDir()
		writeWorkFile(t, workDir, "a.txt", "content")
		tool := newStrReplace(workDir)

		_, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"a.txt","old":"absent","new":"x","commentary":"replacing"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestInsert(t *testing.T) {
	newFixture := func(t *testing.T) (string, *insert) {
		workDir := t.TempDir()
		writeWorkFile(t, workDir, "list.txt", "one\ntwo\nthree")
		return workDir, newInsert(workDir)
	}

	t.Run("line 0 inserts at the top", func(t *testing.T) {
		workDir, tool := newFixture(t)
		_, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"list.txt","line":0,"content":"zero","commentary":"prepending"}`))
		require.NoError(t, err)
		assert.Equal(t, "zero\none\ntwo\nthree", readWorkFile(t, workDir, "list.txt"))
	})

	t.Run("inserts after the given line", func(t *testing.T) {
		workDir, tool := newFixture(t)
		fields, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"list.txt","line":2,"content":"two-and-a-half","commentary":"inserting"}`))
		require.NoError(t, err)
		assert.Equal(t, 4, fields["total_lines"])
		assert.Equal(t, "one\ntwo\ntwo-and-a-half\nthree", readWorkFile(t, workDir, "list.txt"))
	})

	t.Run("multiline content", func(t *testing.T) {
		workDir, tool := newFixture(t)
		_, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"list.txt","line":3,"content":"four\nfive","commentary":"appending"}`))
		require.NoError(t, err)
		assert.Equal(t, "one\ntwo\nthree\nfour\nfive", readWorkFile(t, workDir, "list.txt"))
	})

	t.Run("line beyond the file fails", func(t *testing.T) {
		_, tool := newFixture(t)
		_, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"list.txt","line":9,"content":"x","commentary":"inserting"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "outside the file")
	})
}

func TestRemoveStr(t *testing.T) {
	t.Run("unique text removed", func(t *testing.T) {
		workDir := t.TempDir()
		writeWorkFile(t, workDir, "a.txt", "keep DELETE keep")
		tool := newRemoveStr(workDir)

		fields, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"a.txt","content":"DELETE ","commentary":"removing a marker"}`))
		require.NoError(t, err)
		assert.Equal(t, 1, fields["removals"])
		assert.Equal(t, "keep keep", readWorkFile(t, workDir, "a.txt"))
	})

	t.Run("many removes every occurrence", func(t *testing.T) {
		workDir := t.TempDir()
		writeWorkFile(t, workDir, "a.txt", "x# one\nx# two\n")
		tool := newRemoveStr(workDir)

		fields, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"a.txt","content":"x# ","many":true,"commentary":"stripping prefixes"}`))
		require.NoError(t, err)
		assert.Equal(t, 2, fields["removals"])
		assert.Equal(t, "one\ntwo\n", readWorkFile(t, workDir, "a.txt"))
	})

	t.Run("ambiguous without many fails", func(t *testing.T) {
		workDir := t.TempDir()
		writeWorkFile(t, workDir, "a.txt", "dup dup")
		tool := newRemoveStr(workDir)

		_, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"a.txt","content":"dup","commentary":"removing"}`))
		require.Error(t, err)
	})
}
