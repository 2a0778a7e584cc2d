package maintenance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Run is one recorded maintenance run.
type Run struct {
	Kind   string    `yaml:"-" json:"kind"`
	RunID  string    `yaml:"run_id" json:"run_id"`
	Status string    `yaml:"status" json:"status"`
	At     time.Time `yaml:"at" json:"at"`
}

// State is the small metadata file recording the last successful run of
// each maintenance operation.
type State struct {
	Runs map[string]Run `yaml:"runs"`
}

// LoadState reads the state file. A missing file is an empty state.
func LoadState(fs afero.Fs, path string) (*State, error) {
	st := &State{Runs: map[string]Run{}}
	if path == "" {
		return st, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	if err := yaml.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	if st.Runs == nil {
		st.Runs = map[string]Run{}
	}
	return st, nil
}

// Set records run under kind.
func (s *State) Set(kind string, run Run) {
	if s.Runs == nil {
		s.Runs = map[string]Run{}
	}
	s.Runs[kind] = run
}

// Last returns the most recent run of any kind.
func (s *State) Last() (Run, bool) {
	var last Run
	found := false
	for kind, r := range s.Runs {
		if !found || r.At.After(last.At) {
			last = r
			last.Kind = kind
			found = true
		}
	}
	return last, found
}

// Save writes the state atomically.
func (s *State) Save(fs afero.Fs, path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return fs.Rename(tmp, path)
}
