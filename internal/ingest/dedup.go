package ingest

import (
	"strings"

	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/normalize"
)

// Verdict is the dedup outcome for one record.
type Verdict int

const (
	Keep Verdict = iota
	ExactDup
	NearDup
)

type candidate struct {
	tokens map[string]struct{}
	length int
}

func newCandidate(text string) candidate {
	return candidate{
		tokens: normalize.TokenSet(text),
		length: len([]rune(strings.ToLower(normalize.Collapse(text)))),
	}
}

func (c candidate) similarity(o candidate) float64 {
	ratio := 1.0
	if c.length > 0 || o.length > 0 {
		ratio = float64(min(c.length, o.length)) / float64(max(c.length, o.length))
	}
	return 0.5*normalize.Jaccard(c.tokens, o.tokens) + 0.5*ratio
}

// Deduper drops exact duplicates by fingerprint and near duplicates by
// similarity against a bounded window of recently kept records. A window of
// zero disables near-duplicate detection.
type Deduper struct {
	threshold float64
	window    int
	seen      map[string]struct{}
	recent    []candidate
	next      int
}

// NewDeduper creates a deduper. known seeds the exact-duplicate set.
func NewDeduper(threshold float64, window int, known map[string]bool) *Deduper {
	d := &Deduper{threshold: threshold, window: window, seen: make(map[string]struct{}, len(known))}
	for fp, ok := range known {
		if ok {
			d.seen[fp] = struct{}{}
		}
	}
	return d
}

// Check classifies r and remembers it when kept.
func (d *Deduper) Check(r model.Record) Verdict {
	if _, ok := d.seen[r.FP]; ok {
		return ExactDup
	}
	d.seen[r.FP] = struct{}{}
	if d.window <= 0 {
		return Keep
	}
	c := newCandidate(r.Text())
	for _, k := range d.recent {
		if c.similarity(k) >= d.threshold {
			return NearDup
		}
	}
	if len(d.recent) < d.window {
		d.recent = append(d.recent, c)
	} else {
		d.recent[d.next] = c
		d.next = (d.next + 1) % d.window
	}
	return Keep
}
