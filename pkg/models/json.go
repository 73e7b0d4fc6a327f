package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON column wrappers. Each type stores as jsonb and scans from []byte or
// string. A NULL column scans to the zero value.

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}

// Segments is the append-only progress log of a task, stored as a jsonb
// array.
type Segments []Segment

func (s Segments) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *Segments) Scan(src any) error { return scanJSON(src, s) }

// Last returns the most recent segment and true, or false when empty.
func (s Segments) Last() (Segment, bool) {
	if len(s) == 0 {
		return Segment{}, false
	}
	return s[len(s)-1], true
}

// HasFinal reports whether the log already carries a final segment.
func (s Segments) HasFinal() bool {
	for _, seg := range s {
		if seg.Type == SegmentTypeFinal {
			return true
		}
	}
	return false
}

// ContentItems is an ordered list of content items, stored as a jsonb array.
type ContentItems []ContentItem

func (c ContentItems) Value() (driver.Value, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c)
}

func (c *ContentItems) Scan(src any) error { return scanJSON(src, c) }

// TaskInputCol stores a TaskInput as a jsonb object.
type TaskInputCol TaskInput

func (t TaskInputCol) Value() (driver.Value, error) {
	return json.Marshal(TaskInput(t))
}

func (t *TaskInputCol) Scan(src any) error { return scanJSON(src, t) }

// Metadata is free-form row metadata, stored as a jsonb object.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src any) error { return scanJSON(src, m) }

// Tags is a list of free-form labels, stored as a jsonb array.
type Tags []string

func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t)
}

func (t *Tags) Scan(src any) error { return scanJSON(src, t) }
