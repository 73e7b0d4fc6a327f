package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// searchMaxResults caps how many hits either search tool returns.
const searchMaxResults = 100

// searchMaxFileSize caps how large a file find_filecontent will scan.
const searchMaxFileSize = 1 << 20

type findFilename struct {
	workingDir string
}

func newFindFilename(workingDir string) *findFilename {
	return &findFilename{workingDir: workingDir}
}

func (t *findFilename) Name() string { return "find_filename" }

func (t *findFilename) Description() string {
	return "Find files whose name matches a glob pattern, recursively under the given directory."
}

func (t *findFilename) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory to search, relative to the working directory. Empty searches the working directory."},
			"glob": {"type": "string", "description": "Glob pattern matched against file names, e.g. *.go."},
			"commentary": {"type": "string", "description": "What you are doing, as a present-participle phrase."}
		},
		"required": ["glob", "commentary"]
	}`)
}

type findFilenameArgs struct {
	Path string `json:"path"`
	Glob string `json:"glob"`
}

func (t *findFilename) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args findFilenameArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if args.Glob == "" {
		return nil, fmt.Errorf("glob must not be empty")
	}
	if _, err := filepath.Match(args.Glob, "probe"); err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", args.Glob, err)
	}
	root, err := searchRoot(t.workingDir, args.Path)
	if err != nil {
		return nil, err
	}

	var matches []string
	truncated := false
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		ok, _ := filepath.Match(args.Glob, d.Name())
		if !ok {
			return nil
		}
		if len(matches) >= searchMaxResults {
			truncated = true
			return filepath.SkipAll
		}
		matches = append(matches, relativeTo(t.workingDir, path))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", args.Path, err)
	}

	return map[string]any{
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	}, nil
}

type findFilecontent struct {
	workingDir string
}

func newFindFilecontent(workingDir string) *findFilecontent {
	return &findFilecontent{workingDir: workingDir}
}

func (t *findFilecontent) Name() string { return "find_filecontent" }

func (t *findFilecontent) Description() string {
	return "Search file contents with a regular expression, recursively under the given directory."
}

func (t *findFilecontent) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory to search, relative to the working directory. Empty searches the working directory."},
			"regex": {"type": "string", "description": "Go regular expression matched against each line."},
			"commentary": {"type": "string", "description": "What you are doing, as a present-participle phrase."}
		},
		"required": ["regex", "commentary"]
	}`)
}

type findFilecontentArgs struct {
	Path  string `json:"path"`
	Regex string `json:"regex"`
}

type contentMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (t *findFilecontent) Execute(_ context.Context, raw json.RawMessage) (map[string]any, error) {
	var args findFilecontentArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	re, err := regexp.Compile(args.Regex)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", args.Regex, err)
	}
	root, err := searchRoot(t.workingDir, args.Path)
	if err != nil {
		return nil, err
	}

	var matches []contentMatch
	truncated := false
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > searchMaxFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		rel := relativeTo(t.workingDir, path)
		for i, line := range strings.Split(string(data), "\n") {
			if !re.MatchString(line) {
				continue
			}
			if len(matches) >= searchMaxResults {
				truncated = true
				return filepath.SkipAll
			}
			matches = append(matches, contentMatch{Path: rel, Line: i + 1, Text: line})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", args.Path, err)
	}

	return map[string]any{
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	}, nil
}

// searchRoot resolves the optional search path; empty means the working
// directory itself.
func searchRoot(workingDir, rel string) (string, error) {
	if rel == "" {
		return workingDir, nil
	}
	return resolvePath(workingDir, rel)
}

// relativeTo reports path relative to root, falling back to the absolute
// path when it cannot be made relative.
func relativeTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
