package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

// Default file name patterns for directory sources.
const (
	JSONLPattern      = "*.jsonl"
	ReflectionPattern = "*.json"
)

// Provenance tags stamped on records.
const (
	SourceJSONL      = "jsonl"
	SourceReflection = "reflection"
	SourceAPI        = "api"
)

// Blob is one incoming mapping together with where it came from.
type Blob struct {
	Data map[string]any
	// Origin locates the blob for error messages, e.g. path:line.
	Origin string
}

// Source yields blobs. Read must visit files in a deterministic order and
// must report unparseable items through bad rather than failing.
type Source interface {
	Name() string
	Tag() string
	Read(fsys afero.Fs, emit func(Blob), bad func(origin string, err error)) error
}

// JSONLDir reads every file directly under Path whose name matches Pattern
// (default *.jsonl), in lexical order. Path may also name a single file. A
// missing path yields nothing.
type JSONLDir struct {
	Path    string
	Pattern string
}

func (d JSONLDir) Name() string { return d.Path }
func (d JSONLDir) Tag() string  { return SourceJSONL }

func (d JSONLDir) Read(fsys afero.Fs, emit func(Blob), bad func(string, error)) error {
	files, err := listFiles(fsys, d.Path, orPattern(d.Pattern, JSONLPattern))
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := readJSONL(fsys, path, emit, bad); err != nil {
			return err
		}
	}
	return nil
}

func readJSONL(fsys afero.Fs, path string, emit func(Blob), bad func(string, error)) error {
	f, err := fsys.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		origin := fmt.Sprintf("%s:%d", path, line)
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			bad(origin, err)
			continue
		}
		emit(Blob{Data: m, Origin: origin})
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// Reflections reads reflection objects from files under Path matching
// Pattern (default *.json). A file holds one object or an array of objects.
type Reflections struct {
	Path    string
	Pattern string
}

func (r Reflections) Name() string { return r.Path }
func (r Reflections) Tag() string  { return SourceReflection }

func (r Reflections) Read(fsys afero.Fs, emit func(Blob), bad func(string, error)) error {
	files, err := listFiles(fsys, r.Path, orPattern(r.Pattern, ReflectionPattern))
	if err != nil {
		return err
	}
	for _, path := range files {
		b, err := afero.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		b = bytes.TrimSpace(b)
		if len(b) > 0 && b[0] == '[' {
			var items []map[string]any
			if err := json.Unmarshal(b, &items); err != nil {
				bad(path, err)
				continue
			}
			for i, m := range items {
				emit(Blob{Data: m, Origin: fmt.Sprintf("%s[%d]", path, i)})
			}
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			bad(path, err)
			continue
		}
		emit(Blob{Data: m, Origin: path})
	}
	return nil
}

// Inline carries blobs supplied by an API caller.
type Inline struct {
	Label string
	Items []map[string]any
}

func (s Inline) Name() string { return s.Label }
func (s Inline) Tag() string  { return SourceAPI }

func (s Inline) Read(_ afero.Fs, emit func(Blob), _ func(string, error)) error {
	for i, m := range s.Items {
		emit(Blob{Data: m, Origin: fmt.Sprintf("%s[%d]", s.Label, i)})
	}
	return nil
}

// listFiles returns path itself when it is a file, otherwise the files
// directly under it whose names match pattern, sorted.
func listFiles(fsys afero.Fs, path, pattern string) ([]string, error) {
	info, err := fsys.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := afero.ReadDir(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := doublestar.Match(pattern, e.Name())
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		if ok {
			out = append(out, filepath.Join(path, e.Name()))
		}
	}
	return out, nil
}

func orPattern(p, def string) string {
	if p == "" {
		return def
	}
	return p
}
