package ingest

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rcliao/velos-memory/internal/model"
)

// Scorer ranks records by recency and keyword importance.
type Scorer struct {
	HalfLifeDays float64
	Keywords     []string
	Now          time.Time
}

// Recency decays exponentially with the configured half-life. Future
// timestamps score 1.
func (s Scorer) Recency(ts int64) float64 {
	age := s.Now.Sub(time.Unix(ts, 0)).Hours() / 24
	if age < 0 {
		age = 0
	}
	half := s.HalfLifeDays
	if half <= 0 {
		half = 14
	}
	return math.Exp(-math.Ln2 * age / half)
}

// Importance is min(1, 0.2 + 0.15·hits) where hits counts the keywords
// that occur in the text.
func (s Scorer) Importance(text string) float64 {
	t := strings.ToLower(text)
	hits := 0
	for _, k := range s.Keywords {
		if k != "" && strings.Contains(t, strings.ToLower(k)) {
			hits++
		}
	}
	return math.Min(1, 0.2+0.15*float64(hits))
}

// Score is 0.5·recency + 0.5·importance.
func (s Scorer) Score(r model.Record) float64 {
	return 0.5*s.Recency(r.TS) + 0.5*s.Importance(r.Text())
}

type scored struct {
	rec   model.Record
	score float64
}

// Rank sorts records by descending score, then descending ts. Equal keys
// keep their input order.
func (s Scorer) Rank(recs []model.Record) []model.Record {
	items := make([]scored, len(recs))
	for i, r := range recs {
		items[i] = scored{rec: r, score: s.Score(r)}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].rec.TS > items[j].rec.TS
	})
	out := make([]model.Record, len(items))
	for i, it := range items {
		out[i] = it.rec
	}
	return out
}
