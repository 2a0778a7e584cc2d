package health

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// WriteText renders the snapshot for a terminal.
func (s *Snapshot) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "status:      %s\n", strings.ToUpper(s.Status))
	fmt.Fprintf(&b, "schema:      v%d (required v%d)\n", s.SchemaVersion, s.RequiredVersion)
	fmt.Fprintf(&b, "rows:        memory=%s fts=%s agree=%t\n",
		humanize.Comma(s.MemoryRows), humanize.Comma(s.FTSRows), s.CountsAgree)
	fmt.Fprintf(&b, "database:    %s (wal %s)\n",
		humanize.IBytes(uint64(max(s.DBSizeBytes, 0))), humanize.IBytes(uint64(max(s.WALSizeBytes, 0))))
	fmt.Fprintf(&b, "journal:     %s, lag %s\n",
		humanize.IBytes(uint64(max(s.Journal.Size, 0))), humanize.IBytes(uint64(max(s.Journal.Lag, 0))))

	names := make([]string, 0, len(s.Triggers))
	for name := range s.Triggers {
		names = append(names, name)
	}
	sort.Strings(names)
	marks := make([]string, len(names))
	for i, name := range names {
		mark := "ok"
		if !s.Triggers[name] {
			mark = "MISSING"
		}
		marks[i] = name + "=" + mark
	}
	fmt.Fprintf(&b, "triggers:    %s\n", strings.Join(marks, " "))

	if s.Canary.OK {
		fmt.Fprintf(&b, "canary:      %q ok, %d hit(s)\n", s.Canary.Term, s.Canary.Hits)
	} else {
		fmt.Fprintf(&b, "canary:      %q FAILED: %s\n", s.Canary.Term, s.Canary.Error)
	}

	if s.LastMaintenance != nil {
		fmt.Fprintf(&b, "maintenance: %s %s\n", s.LastMaintenance.Kind, humanize.Time(s.LastMaintenance.At))
	} else {
		fmt.Fprintf(&b, "maintenance: never\n")
	}

	cacheNames := make([]string, 0, len(s.Caches))
	for name := range s.Caches {
		cacheNames = append(cacheNames, name)
	}
	sort.Strings(cacheNames)
	for _, name := range cacheNames {
		c := s.Caches[name]
		fmt.Fprintf(&b, "cache %-6s %d/%d entries, hit rate %.1f%%, %d eviction(s)\n",
			name+":", c.Size, c.Capacity, c.HitRate*100, c.Evictions)
	}

	for _, p := range s.Problems {
		fmt.Fprintf(&b, "problem:     %s\n", p)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
