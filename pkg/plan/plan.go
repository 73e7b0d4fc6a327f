// Package plan manages the sandbox checklist file. The file is owned by
// the update_plan tool: nothing else writes it, and output finalization
// is gated on the checklist being empty or fully checked.
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the checklist file name inside the sandbox working dir.
const FileName = "plan.md"

// Item is one checklist line.
type Item struct {
	Text    string
	Checked bool
}

// Parse extracts checklist items from plan content. A line counts as an
// item when, trimmed, it starts with "- [ ]", "- [x]", "* [ ]", or
// "* [x]". Everything else is prose and ignored.
func Parse(content string) []Item {
	var items []Item
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) < 5 {
			continue
		}
		if trimmed[0] != '-' && trimmed[0] != '*' {
			continue
		}
		rest := strings.TrimSpace(trimmed[1:])
		var checked bool
		switch {
		case strings.HasPrefix(rest, "[ ]"):
			checked = false
		case strings.HasPrefix(rest, "[x]"), strings.HasPrefix(rest, "[X]"):
			checked = true
		default:
			continue
		}
		items = append(items, Item{
			Text:    strings.TrimSpace(rest[3:]),
			Checked: checked,
		})
	}
	return items
}

// NextUnchecked returns the first unchecked item's text.
func NextUnchecked(content string) (string, bool) {
	for _, item := range Parse(content) {
		if !item.Checked {
			return item.Text, true
		}
	}
	return "", false
}

// GateDecision is the output-time verdict over the plan file.
type GateDecision int

const (
	// GateAllow means the plan is absent, empty, or fully checked.
	GateAllow GateDecision = iota
	// GateBlocked means unchecked items remain.
	GateBlocked
	// GateUnreadable means the plan file exists but could not be read.
	GateUnreadable
)

// Gate carries the decision plus the next task when blocked.
type Gate struct {
	Decision GateDecision
	NextTask string
}

// Manager reads and writes one plan file.
type Manager struct {
	path string
}

// NewManager manages the plan file at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the plan file location.
func (m *Manager) Path() string {
	return m.path
}

// Read returns the plan contents, or "" when the file does not exist.
func (m *Manager) Read() (string, error) {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read plan %s: %w", m.path, err)
	}
	return string(raw), nil
}

// Update atomically replaces the plan contents via a temp file rename.
func (m *Manager) Update(content string) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create plan dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".plan-*")
	if err != nil {
		return fmt.Errorf("create plan temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write plan: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close plan temp file: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace plan %s: %w", m.path, err)
	}
	return nil
}

// CheckOutputGate decides whether output may finalize right now.
func (m *Manager) CheckOutputGate() Gate {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return Gate{Decision: GateAllow}
	}
	if err != nil {
		return Gate{Decision: GateUnreadable}
	}
	if next, ok := NextUnchecked(string(raw)); ok {
		return Gate{Decision: GateBlocked, NextTask: next}
	}
	return Gate{Decision: GateAllow}
}

// Summary renders a one-line plan status for note segments and the
// system prompt.
func (m *Manager) Summary() string {
	content, err := m.Read()
	if err != nil {
		return "Plan file exists but could not be read. Recreate it with update_plan."
	}
	items := Parse(content)
	if len(items) == 0 {
		return "No plan items recorded."
	}
	done := 0
	for _, item := range items {
		if item.Checked {
			done++
		}
	}
	if next, ok := NextUnchecked(content); ok {
		return fmt.Sprintf("Plan: %d of %d items done. Next task: %s", done, len(items), next)
	}
	return fmt.Sprintf("Plan complete: all %d items checked.", len(items))
}
