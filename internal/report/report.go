// Package report writes structured run reports and mints their run ids.
package report

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
)

// NewRunID returns a sortable, unique run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// Write stores v as indented JSON at <dir>/<kind>_<runID>.json and returns
// the path. The file is written to a temporary name and renamed into place.
func Write(fs afero.Fs, dir, kind, runID string, v any) (string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s report: %w", kind, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.json", kind, runID))
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, append(b, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write %s report: %w", kind, err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write %s report: %w", kind, err)
	}
	return path, nil
}
