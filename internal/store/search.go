package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/normalize"
)

const defaultLimit = 20

// CompileExpr translates the query language (bare terms, term* prefixes,
// juxtaposition for AND, | for OR) into an FTS5 MATCH expression with every
// term quoted. It returns "" when nothing searchable remains.
func CompileExpr(expr string) string {
	fields := strings.Fields(strings.ReplaceAll(expr, "|", " | "))

	var groups [][]string
	var cur []string
	for _, f := range fields {
		if f == "|" {
			if len(cur) > 0 {
				groups = append(groups, cur)
				cur = nil
			}
			continue
		}
		if term := compileTerm(f); term != "" {
			cur = append(cur, term)
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}

	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		parts = append(parts, strings.Join(g, " AND "))
	}
	return strings.Join(parts, " OR ")
}

func compileTerm(f string) string {
	prefix := strings.HasSuffix(f, "*")
	toks := normalize.Tokenize(strings.TrimRight(f, "*"))
	if len(toks) == 0 {
		return ""
	}
	term := `"` + strings.Join(toks, " ") + `"`
	if prefix {
		term += "*"
	}
	return term
}

type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return "1"
	}
	return strings.Join(w.clauses, " AND ")
}

func filters(w *where, role, tag string, from, to int64) {
	if role != "" {
		w.add("m.role = ?", role)
	}
	if tag != "" {
		w.add("EXISTS (SELECT 1 FROM json_each(m.tags) WHERE json_each.value = ?)", tag)
	}
	if from > 0 {
		w.add("m.ts >= ?", from)
	}
	if to > 0 {
		w.add("m.ts <= ?", to)
	}
}

func emptyWindow(from, to int64) bool {
	return from > 0 && to > 0 && from > to
}

// Match runs a full-text search. An empty expression or an inverted time
// window yields an empty list, not an error.
func (s *SQLiteStore) Match(ctx context.Context, p MatchParams) ([]model.SearchHit, error) {
	fts := CompileExpr(p.Expr)
	if fts == "" || emptyWindow(p.From, p.To) {
		return []model.SearchHit{}, nil
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	w := &where{}
	w.add("memory_fts MATCH ?", fts)
	filters(w, p.Role, p.Tag, p.From, p.To)

	order := "score ASC, m.ts DESC, m.id DESC"
	if p.Order == OrderRecent {
		order = "m.ts DESC, m.id DESC"
	}
	query := fmt.Sprintf(`
		SELECT %s, bm25(memory_fts) AS score
		FROM memory_fts JOIN memory m ON m.id = memory_fts.rowid
		WHERE %s
		ORDER BY %s
		LIMIT ? OFFSET ?`, recordColumns, w.sql(), order)

	rows, err := s.reader.QueryContext(ctx, query, append(w.args, limit, max(p.Offset, 0))...)
	if err != nil {
		return nil, fmt.Errorf("match: %w", err)
	}
	defer rows.Close()

	hits := []model.SearchHit{}
	for rows.Next() {
		var score float64
		r, err := scanRecord(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		hits = append(hits, model.SearchHit{Record: r, Score: score, Rank: p.Offset + len(hits) + 1})
	}
	return hits, rows.Err()
}

// Filter lists records newest first without consulting the full-text index.
func (s *SQLiteStore) Filter(ctx context.Context, p FilterParams) ([]model.Record, error) {
	if emptyWindow(p.From, p.To) {
		return []model.Record{}, nil
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	w := &where{}
	filters(w, p.Role, p.Tag, p.From, p.To)

	query := fmt.Sprintf(`SELECT %s FROM memory m WHERE %s ORDER BY m.ts DESC, m.id DESC LIMIT ? OFFSET ?`,
		recordColumns, w.sql())
	rows, err := s.reader.QueryContext(ctx, query, append(w.args, limit, max(p.Offset, 0))...)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	defer rows.Close()

	out := []model.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan filter: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
