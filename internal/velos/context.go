package velos

import (
	"context"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/rcliao/velos-memory/internal/ingest"
	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/router"
)

// ContextParams holds parameters for context assembly.
type ContextParams struct {
	Query  string
	Role   string
	Tag    string
	Days   int
	Budget int // max tokens in output (rough proxy: 1 token ≈ 4 chars)
}

// ContextRecord is a scored record in assembled context.
type ContextRecord struct {
	ID      int64      `json:"id"`
	TS      int64      `json:"ts"`
	Role    string     `json:"role"`
	Tags    model.Tags `json:"tags,omitempty"`
	Text    string     `json:"text"`
	Score   float64    `json:"score"`
	Excerpt bool       `json:"excerpt,omitempty"`
}

// ContextResult is the assembled context response.
type ContextResult struct {
	Budget  int             `json:"budget"`
	Used    int             `json:"used"`
	Class   string          `json:"class"`
	Records []ContextRecord `json:"records"`
}

// contextCandidates is how many search hits are scored for packing.
const contextCandidates = 50

// Context assembles the records most relevant to a task within a token
// budget, for report generators and agents.
func (s *Service) Context(ctx context.Context, p ContextParams) (*ContextResult, error) {
	budget := p.Budget
	if budget <= 0 {
		budget = 4000
	}
	charBudget := budget * 4

	res, err := s.Search(ctx, router.Query{
		Text:  p.Query,
		Role:  p.Role,
		Tag:   p.Tag,
		Days:  p.Days,
		Limit: contextCandidates,
	})
	if err != nil {
		return nil, err
	}
	out := &ContextResult{Budget: budget, Class: res.Class, Records: []ContextRecord{}}
	if len(res.Hits) == 0 {
		return out, nil
	}

	scorer := ingest.Scorer{
		HalfLifeDays: s.cfg.Ingest.HalfLifeDays,
		Keywords:     s.cfg.Ingest.Keywords,
		Now:          s.now(),
	}
	type scored struct {
		rec   model.Record
		score float64
	}
	n := float64(len(res.Hits))
	candidates := make([]scored, len(res.Hits))
	for i, h := range res.Hits {
		// Hits arrive best first; position stands in for relevance.
		relevance := 1 - float64(i)/n
		score := relevance*0.4 + scorer.Recency(h.Record.TS)*0.3 + scorer.Importance(h.Record.Text())*0.3
		candidates[i] = scored{rec: h.Record, score: score}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	used := 0
	for _, c := range candidates {
		text := c.rec.Text()
		cr := ContextRecord{
			ID:    c.rec.ID,
			TS:    c.rec.TS,
			Role:  c.rec.Role,
			Tags:  c.rec.Tags,
			Score: math.Round(c.score*100) / 100,
		}
		if used+len(text) <= charBudget {
			cr.Text = text
			out.Records = append(out.Records, cr)
			used += len(text)
			continue
		}
		if remaining := charBudget - used; remaining >= 100 {
			cr.Text = truncate(text, remaining) + "..."
			cr.Excerpt = true
			out.Records = append(out.Records, cr)
			used += len(cr.Text)
		}
		break
	}
	out.Used = used / 4
	return out, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
