package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type openFile struct {
	workingDir string
}

func newOpenFile(workingDir string) *openFile {
	return &openFile{workingDir: workingDir}
}

func (t *openFile) Name() string { return "open_file" }

func (t *openFile) Description() string {
	return "Read a file, optionally restricted to a 1-based line range."
}

func (t *openFile) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the working directory."},
			"start_line": {"type": "integer", "description": "First line to return, 1-based."},
			"end_line": {"type": "integer", "description": "Last line to return, inclusive."},
			"commentary": {"type": "string", "description": "What you are doing, as a present-participle phrase."}
		},
		"required": ["path", "commentary"]
	}`)
}

type openFileArgs struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

func (t *openFile) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args openFileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	path, err := resolvePath(t.workingDir, args.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args.Path, err)
	}

	lines := strings.Split(string(data), "\n")
	total := len(lines)

	start := args.StartLine
	if start < 1 {
		start = 1
	}
	end := args.EndLine
	if end < 1 || end > total {
		end = total
	}
	if start > total {
		start = total
	}
	if start > end {
		return nil, fmt.Errorf("start_line %d is past end_line %d", start, end)
	}

	return map[string]any{
		"content":     strings.Join(lines[start-1:end], "\n"),
		"start_line":  start,
		"end_line":    end,
		"total_lines": total,
	}, nil
}

type createFile struct {
	workingDir string
}

func newCreateFile(workingDir string) *createFile {
	return &createFile{workingDir: workingDir}
}

func (t *createFile) Name() string { return "create_file" }

func (t *createFile) Description() string {
	return "Create or overwrite a file with the given content. Parent directories are created."
}

func (t *createFile) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the working directory."},
			"content": {"type": "string", "description": "Full file content."},
			"commentary": {"type": "string", "description": "What you are doing, as a present-participle phrase."}
		},
		"required": ["path", "content", "commentary"]
	}`)
}

type createFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *createFile) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args createFileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	path, err := resolvePath(t.workingDir, args.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", args.Path, err)
	}
	return map[string]any{"path": args.Path, "bytes_written": len(args.Content)}, nil
}

type strReplace struct {
	workingDir string
}

func newStrReplace(workingDir string) *strReplace {
	return &strReplace{workingDir: workingDir}
}

func (t *strReplace) Name() string { return "str_replace" }

func (t *strReplace) Description() string {
	return "Replace an exact string in a file. Fails if the string is absent, or ambiguous without many=true."
}

func (t *strReplace) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the working directory."},
			"old": {"type": "string", "description": "Exact text to replace."},
			"new": {"type": "string", "description": "Replacement text."},
			"many": {"type": "boolean", "description": "Replace every occurrence instead of requiring a unique match."},
			"commentary": {"type": "string", "description": "What you are doing, as a present-participle phrase."}
		},
		"required": ["path", "old", "new", "commentary"]
	}`)
}

type strReplaceArgs struct {
	Path string `json:"path"`
	Old  string `json:"old"`
	New  string `json:"new"`
	Many bool   `json:"many"`
}

func (t *strReplace) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args strReplaceArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if args.Old == "" {
		return nil, fmt.Errorf("old must not be empty")
	}
	replaced, err := editFile(t.workingDir, args.Path, args.Old, args.New, args.Many)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": args.Path, "replacements": replaced}, nil
}

type insert struct {
	workingDir string
}

func newInsert(workingDir string) *insert {
	return &insert{workingDir: workingDir}
}

func (t *insert) Name() string { return "insert" }

func (t *insert) Description() string {
	return "Insert content after the given line number. Line 0 inserts at the top of the file."
}

func (t *insert) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the working directory."},
			"line": {"type": "integer", "description": "Line to insert after; 0 inserts before the first line."},
			"content": {"type": "string", "description": "Text to insert. May span multiple lines."},
			"commentary": {"type": "string", "description": "What you are doing, as a present-participle phrase."}
		},
		"required": ["path", "line", "content", "commentary"]
	}`)
}

type insertArgs struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

func (t *insert) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args insertArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	path, err := resolvePath(t.workingDir, args.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args.Path, err)
	}

	lines := strings.Split(string(data), "\n")
	if args.Line < 0 || args.Line > len(lines) {
		return nil, fmt.Errorf("line %d is outside the file (0 to %d)", args.Line, len(lines))
	}

	inserted := strings.Split(args.Content, "\n")
	result := make([]string, 0, len(lines)+len(inserted))
	result = append(result, lines[:args.Line]...)
	result = append(result, inserted...)
	result = append(result, lines[args.Line:]...)

	if err := os.WriteFile(path, []byte(strings.Join(result, "\n")), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", args.Path, err)
	}
	return map[string]any{"path": args.Path, "total_lines": len(result)}, nil
}

type removeStr struct {
	workingDir string
}

func newRemoveStr(workingDir string) *removeStr {
	return &removeStr{workingDir: workingDir}
}

func (t *removeStr) Name() string { return "remove_str" }

func (t *removeStr) Description() string {
	return "Delete an exact string from a file. Fails if the string is absent, or ambiguous without many=true."
}

func (t *removeStr) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the working directory."},
			"content": {"type": "string", "description": "Exact text to delete."},
			"many": {"type": "boolean", "description": "Delete every occurrence instead of requiring a unique match."},
			"commentary": {"type": "string", "description": "What you are doing, as a present-participle phrase."}
		},
		"required": ["path", "content", "commentary"]
	}`)
}

type removeStrArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Many    bool   `json:"many"`
}

func (t *removeStr) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args removeStrArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if args.Content == "" {
		return nil, fmt.Errorf("content must not be empty")
	}
	removed, err := editFile(t.workingDir, args.Path, args.Content, "", args.Many)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": args.Path, "removals": removed}, nil
}

// editFile replaces old with new in the file at rel under root. Without many
// the match must be unique; with many every occurrence is replaced. Returns
// the number of replacements made.
func editFile(root, rel, old, new string, many bool) (int, error) {
	path, err := resolvePath(root, rel)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", rel, err)
	}

	text := string(data)
	count := strings.Count(text, old)
	switch {
	case count == 0:
		return 0, fmt.Errorf("text not found in %s", rel)
	case count > 1 && !many:
		return 0, fmt.Errorf("text occurs %d times in %s; pass many=true to change all of them", count, rel)
	}

	replaced := count
	if !many {
		replaced = 1
		text = strings.Replace(text, old, new, 1)
	} else {
		text = strings.ReplaceAll(text, old, new)
	}

	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return 0, fmt.Errorf("write %s: %w", rel, err)
	}
	return replaced, nil
}
