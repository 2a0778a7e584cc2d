// Package model defines the record, journal and report types shared by the memory store.
package model

import (
	"encoding/json"
	"sort"
	"strings"
)

// Record is a single unit of learning memory.
type Record struct {
	ID      int64  `json:"id,omitempty"`
	TS      int64  `json:"ts"`
	Role    string `json:"role"`
	Insight string `json:"insight"`
	Raw     string `json:"raw,omitempty"`
	Tags    Tags   `json:"tags,omitempty"`
	Source  string `json:"source,omitempty"`
	FP      string `json:"fp"`

	// Offset is the journal offset of the put entry that created the row.
	Offset int64 `json:"-"`
}

// Empty reports whether the record carries no searchable text.
func (r Record) Empty() bool {
	return strings.TrimSpace(r.Insight) == "" && strings.TrimSpace(r.Raw) == ""
}

// Text returns the primary searchable text, falling back to raw.
func (r Record) Text() string {
	if r.Insight != "" {
		return r.Insight
	}
	return r.Raw
}

// Tags is a set of short labels. It always serializes as a sorted,
// de-duplicated JSON array.
type Tags []string

// NewTags builds a normalized tag set.
func NewTags(in ...string) Tags {
	seen := make(map[string]bool, len(in))
	out := make(Tags, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Equal compares two sets ignoring order and duplicates.
func (t Tags) Equal(o Tags) bool {
	a, b := NewTags(t...), NewTags(o...)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String returns the stable serialization stored in the database.
func (t Tags) String() string {
	b, _ := json.Marshal([]string(NewTags(t...)))
	return string(b)
}

// MarshalJSON writes the normalized form.
func (t Tags) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(NewTags(t...)))
}

// ParseTags decodes a stored serialization. Malformed input yields an empty set.
func ParseTags(s string) Tags {
	if s == "" {
		return nil
	}
	var raw []string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	return NewTags(raw...)
}
