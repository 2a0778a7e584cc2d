// Package normalize turns heterogeneous incoming blobs into canonical records.
package normalize

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rcliao/velos-memory/internal/model"
)

// DefaultRole is assigned when a blob carries no role alias.
const DefaultRole = "system"

// fingerprintRunes bounds the fingerprint key.
const fingerprintRunes = 512

// minTokens is the shortest accepted insight, in tokens.
const minTokens = 3

// ErrRejected marks input that failed normalization.
var ErrRejected = errors.New("rejected record")

// Reason explains a rejection.
type Reason string

const (
	ReasonEmpty       Reason = "empty"
	ReasonTrivial     Reason = "trivial"
	ReasonPunctuation Reason = "punctuation"
	ReasonTooShort    Reason = "too_short"
)

var (
	textKeys = []string{"text", "content", "insight", "summary", "message"}
	roleKeys = []string{"from", "speaker", "role", "source"}
	timeKeys = []string{"ts", "timestamp", "created_at"}
	tagKeys  = []string{"tags", "labels"}
	rawKeys  = []string{"raw", "data"}

	trivial = map[string]bool{
		"test": true, "테스트": true, "…": true, "...": true, ".": true, "ㄱ": true, "ㅎ": true,
	}

	tokenRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

	timeLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02",
	}
)

// Result is either an accepted record or a rejection reason.
type Result struct {
	rec    model.Record
	reason Reason
}

// Accepted reports whether the blob produced a record.
func (r Result) Accepted() bool { return r.reason == "" }

// Record returns the normalized record. Only meaningful when Accepted.
func (r Result) Record() model.Record { return r.rec }

// Reason returns the rejection reason, empty when accepted.
func (r Result) Reason() Reason { return r.reason }

// Err returns nil for an accepted record, else ErrRejected carrying the reason.
func (r Result) Err() error {
	if r.reason == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRejected, r.reason)
}

// Blob normalizes one incoming mapping. now is the ingestion wall clock and
// source the provenance tag stamped on the record.
func Blob(blob map[string]any, now time.Time, source string) Result {
	rec := model.Record{
		TS:      parseTime(first(blob, timeKeys), now),
		Role:    Collapse(stringOf(first(blob, roleKeys))),
		Insight: Collapse(stringOf(first(blob, textKeys))),
		Raw:     rawOf(first(blob, rawKeys)),
		Tags:    tagsOf(first(blob, tagKeys)),
		Source:  source,
	}
	if rec.Role == "" {
		rec.Role = DefaultRole
	}
	if rec.Insight == "" {
		return Result{reason: ReasonEmpty}
	}
	if reason := Noise(rec.Insight); reason != "" {
		return Result{reason: reason}
	}
	rec.FP = Fingerprint(rec.Insight)
	return Result{rec: rec}
}

// Record canonicalizes a record supplied directly through the API. Unlike
// Blob it accepts raw-only records; the noise rules apply to whichever text
// is primary.
func Record(rec model.Record, now time.Time) Result {
	rec.Insight = Collapse(rec.Insight)
	rec.Raw = strings.TrimSpace(rec.Raw)
	rec.Role = Collapse(rec.Role)
	if rec.Role == "" {
		rec.Role = DefaultRole
	}
	if rec.TS <= 0 {
		rec.TS = now.Unix()
	}
	rec.Tags = model.NewTags(rec.Tags...)
	if rec.Empty() {
		return Result{reason: ReasonEmpty}
	}
	if reason := Noise(rec.Text()); reason != "" {
		return Result{reason: reason}
	}
	rec.FP = Fingerprint(rec.Text())
	return Result{rec: rec}
}

// Noise classifies text that carries no information. It returns the empty
// reason for acceptable text.
func Noise(text string) Reason {
	t := strings.ToLower(Collapse(text))
	switch {
	case t == "":
		return ReasonEmpty
	case trivial[t]:
		return ReasonTrivial
	case strings.IndexFunc(t, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) < 0:
		return ReasonPunctuation
	case len(Tokenize(t)) < minTokens:
		return ReasonTooShort
	}
	return ""
}

// Collapse folds whitespace runs into single spaces and trims the ends.
func Collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Tokenize splits text into lowercased word tokens.
func Tokenize(s string) []string {
	toks := tokenRe.FindAllString(strings.ToLower(s), -1)
	return toks
}

// Fingerprint is the exact-dedup key: a SHA-1 over the first 512 runes of
// the lowercased token sequence. Case, punctuation and spacing do not
// change it.
func Fingerprint(text string) string {
	key := []rune(strings.Join(Tokenize(text), " "))
	if len(key) > fingerprintRunes {
		key = key[:fingerprintRunes]
	}
	sum := sha1.Sum([]byte(string(key)))
	return hex.EncodeToString(sum[:])
}

// Similarity is 0.5·jaccard(token sets) + 0.5·length ratio.
func Similarity(a, b string) float64 {
	return 0.5*Jaccard(TokenSet(a), TokenSet(b)) + 0.5*LengthRatio(a, b)
}

// TokenSet returns the distinct tokens of s.
func TokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range Tokenize(s) {
		set[t] = struct{}{}
	}
	return set
}

// Jaccard is |a∩b| / |a∪b|; two empty sets are identical.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// LengthRatio compares the normalized rune lengths of a and b.
func LengthRatio(a, b string) float64 {
	la := len([]rune(strings.ToLower(Collapse(a))))
	lb := len([]rune(strings.ToLower(Collapse(b))))
	if la == 0 && lb == 0 {
		return 1
	}
	return float64(min(la, lb)) / float64(max(la, lb))
}

func first(blob map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := blob[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return v
		}
	}
	return nil
}

func stringOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func rawOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func tagsOf(v any) model.Tags {
	switch x := v.(type) {
	case string:
		return model.NewTags(strings.FieldsFunc(x, func(r rune) bool { return r == ',' || r == ';' })...)
	case []string:
		return model.NewTags(x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return model.NewTags(out...)
	}
	return nil
}

// parseTime reads seconds (or milliseconds) since the epoch, or a handful of
// ISO layouts. Anything else maps to now.
func parseTime(v any, now time.Time) int64 {
	switch x := v.(type) {
	case float64:
		return epoch(x, now)
	case int64:
		return epoch(float64(x), now)
	case int:
		return epoch(float64(x), now)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return epoch(f, now)
		}
	case string:
		s := strings.TrimSpace(x)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(f, now)
		}
		for _, layout := range timeLayouts {
			if t, err := time.ParseInLocation(layout, strings.TrimSuffix(s, "Z"), time.UTC); err == nil {
				return t.Unix()
			}
			if t, err := time.Parse(layout, s); err == nil {
				return t.Unix()
			}
		}
	}
	return now.Unix()
}

func epoch(f float64, now time.Time) int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return now.Unix()
	}
	if f > 1e12 {
		f /= 1000
	}
	return int64(f)
}
