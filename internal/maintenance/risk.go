package maintenance

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/report"
)

var (
	riskHigh = []string{
		"outage", "downtime", "data loss", "leak", "credential", "secret",
		"prod incident", "deadline today", "security",
	}
	riskMed = []string{
		"retry storm", "latency", "throttle", "fallback", "degraded",
		"delay", "over budget", "overdue", "rollback",
	}
	riskLow = []string{"refactor", "nit", "todo", "backlog", "someday"}

	riskHints = regexp.MustCompile(`(?i)(error|fail|panic|exception|traceback|secrets?|token|apikey|deadline|launch|prod|incident)`)
)

// Risk thresholds on the combined score.
const (
	riskHighAt = 0.75
	riskMedAt  = 0.45
)

// riskRecency decays to about a quarter after 30 days. Records without a
// timestamp get a neutral 0.4.
func riskRecency(ts int64, nowUnix int64) float64 {
	if ts <= 0 {
		return 0.4
	}
	age := float64(nowUnix-ts) / 86400
	return math.Max(0, math.Min(1, math.Exp(-0.046*age)))
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// riskKeywordScore scores the lexicon hit with the strongest level; any
// operational hint lifts the score to at least 0.7.
func riskKeywordScore(text string) float64 {
	t := strings.ToLower(text)
	s := 0.0
	switch {
	case containsAny(t, riskHigh):
		s = 0.9
	case containsAny(t, riskMed):
		s = 0.6
	case containsAny(t, riskLow):
		s = 0.3
	}
	if riskHints.MatchString(t) {
		s = math.Max(s, 0.7)
	}
	return s
}

// RiskLevel classifies a combined score.
func RiskLevel(score float64) string {
	switch {
	case score >= riskHighAt:
		return model.RiskHigh
	case score >= riskMedAt:
		return model.RiskMed
	default:
		return model.RiskLow
	}
}

// Risk tags every record HIGH, MED or LOW by 0.4·recency + 0.6·keyword
// score. The result is advisory: it is written as a report and never
// touches the store. Items holds the top HIGH records.
func (m *Maintainer) Risk(ctx context.Context) (*model.RiskReport, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	now := m.now()
	rep := &model.RiskReport{
		RunID:       report.NewRunID(),
		GeneratedAt: now.UTC(),
		Counts:      map[string]int{"total": 0, model.RiskHigh: 0, model.RiskMed: 0, model.RiskLow: 0},
	}

	recs, err := m.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk: load records: %w", err)
	}

	items := make([]model.RiskItem, 0, len(recs))
	for _, r := range recs {
		text := r.Text()
		score := 0.4*riskRecency(r.TS, now.Unix()) + 0.6*riskKeywordScore(text)
		score = math.Round(score*10000) / 10000
		it := model.RiskItem{ID: r.ID, TS: r.TS, Level: RiskLevel(score), Score: score, Insight: text}
		rep.Counts["total"]++
		rep.Counts[it.Level]++
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].TS > items[j].TS
	})

	rep.Items = []model.RiskItem{}
	for _, it := range items {
		if it.Level != model.RiskHigh || len(rep.Items) == m.opts.RiskTop {
			continue
		}
		rep.Items = append(rep.Items, it)
	}

	rep.Path = m.writeReport(KindRisk, rep.RunID, rep)
	m.log.Info("risk report", "op", KindRisk, "run_id", rep.RunID, "total", rep.Counts["total"],
		"high", rep.Counts[model.RiskHigh], "med", rep.Counts[model.RiskMed], "low", rep.Counts[model.RiskLow])
	return rep, nil
}
