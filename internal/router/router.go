// Package router classifies free-form queries and dispatches them to the
// cheapest correct index path, caching results.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rcliao/velos-memory/internal/cache"
	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/store"
)

// Classifications, in rule order.
const (
	ClassEmpty   = "empty"
	ClassRole    = "role"
	ClassTag     = "tag"
	ClassKeyword = "keyword"
	ClassFree    = "free"
)

var (
	roleRe = regexp.MustCompile(`(?i)(?:^|\s)from:(\S+)`)
	tagRe  = regexp.MustCompile(`(?i)(?:^|\s)tag:(\S+)`)
)

// Searcher is the slice of the store the router reads from.
type Searcher interface {
	Match(ctx context.Context, p store.MatchParams) ([]model.SearchHit, error)
	Filter(ctx context.Context, p store.FilterParams) ([]model.Record, error)
	Cursor(ctx context.Context) (int64, error)
}

// Query is a search request.
type Query struct {
	Text   string `json:"q"`
	Role   string `json:"role,omitempty"`
	Tag    string `json:"tag,omitempty"`
	Days   int    `json:"days,omitempty"`
	From   int64  `json:"from,omitempty"`
	To     int64  `json:"to,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// Plan is the access path chosen for a query.
type Plan struct {
	Class string
	Expr  string
	Role  string
	Tag   string
	Order store.Order
}

// Options configure a Router.
type Options struct {
	KeywordMaxLen int
	DefaultLimit  int
}

// Router dispatches queries. It is safe for concurrent use.
type Router struct {
	s     Searcher
	cache *cache.LRU[string, model.SearchResult]
	opts  Options
	log   *slog.Logger
	now   func() time.Time

	mu     sync.Mutex
	cursor int64
}

// New creates a router over s that caches results in c.
func New(s Searcher, c *cache.LRU[string, model.SearchResult], opts Options, log *slog.Logger) *Router {
	if opts.KeywordMaxLen <= 0 {
		opts.KeywordMaxLen = 24
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 20
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{s: s, cache: c, opts: opts, log: log.With("component", "router"), now: time.Now, cursor: -1}
}

// Classify picks the access path for text. Every string maps to exactly one
// class; blank input is ClassEmpty.
func (r *Router) Classify(text string) Plan {
	text = strings.TrimSpace(text)
	if text == "" {
		return Plan{Class: ClassEmpty}
	}

	var p Plan
	rest := text
	if m := roleRe.FindStringSubmatch(rest); m != nil {
		p.Class = ClassRole
		p.Role = m[1]
		rest = roleRe.ReplaceAllString(rest, " ")
	}
	if m := tagRe.FindStringSubmatch(rest); m != nil {
		if p.Class == "" {
			p.Class = ClassTag
		}
		p.Tag = m[1]
		rest = tagRe.ReplaceAllString(rest, " ")
	}
	rest = strings.TrimSpace(rest)
	if p.Class != "" {
		p.Expr = rest
		return p
	}

	if utf8.RuneCountInString(text) <= r.opts.KeywordMaxLen &&
		strings.IndexFunc(text, unicode.IsSpace) < 0 && !strings.Contains(text, "|") {
		term := strings.TrimRight(text, "*")
		if term == "" {
			return Plan{Class: ClassKeyword}
		}
		return Plan{Class: ClassKeyword, Expr: term + "* | " + term, Order: store.OrderRecent}
	}
	return Plan{Class: ClassFree, Expr: text, Order: store.OrderRank}
}

// Search classifies q and runs it, serving repeated queries from the cache
// until the store changes.
func (r *Router) Search(ctx context.Context, q Query) (model.SearchResult, error) {
	plan := r.Classify(q.Text)
	if plan.Class == ClassEmpty {
		return model.SearchResult{Class: ClassEmpty, Hits: []model.SearchHit{}}, nil
	}
	if q.Role != "" {
		plan.Role = q.Role
	}
	if q.Tag != "" {
		plan.Tag = q.Tag
	}

	limit := q.Limit
	if limit <= 0 {
		limit = r.opts.DefaultLimit
	}
	offset := max(q.Offset, 0)
	from := q.From
	if q.Days > 0 {
		if f := r.now().Unix() - int64(q.Days)*86400; f > from {
			from = f
		}
	}

	r.checkFresh(ctx)
	key := signature(plan, q, limit, offset)
	if res, ok := r.cache.Get(key); ok {
		res.Cached = true
		return res, nil
	}

	res := model.SearchResult{Class: plan.Class, Expression: plan.Expr}
	var err error
	if plan.Expr == "" {
		res.Hits, err = r.filter(ctx, plan, from, q.To, limit, offset)
	} else {
		res.Hits, err = r.s.Match(ctx, store.MatchParams{
			Expr:   plan.Expr,
			Role:   plan.Role,
			Tag:    plan.Tag,
			From:   from,
			To:     q.To,
			Limit:  limit,
			Offset: offset,
			Order:  plan.Order,
		})
	}
	if err != nil {
		return model.SearchResult{}, fmt.Errorf("search %s: %w", plan.Class, err)
	}
	r.cache.Set(key, res)
	r.log.Debug("search", "op", "search", "class", plan.Class, "hits", len(res.Hits))
	return res, nil
}

// filter serves role- or tag-only queries without the full-text index.
func (r *Router) filter(ctx context.Context, plan Plan, from, to int64, limit, offset int) ([]model.SearchHit, error) {
	if plan.Role == "" && plan.Tag == "" {
		return []model.SearchHit{}, nil
	}
	recs, err := r.s.Filter(ctx, store.FilterParams{
		Role: plan.Role, Tag: plan.Tag, From: from, To: to, Limit: limit, Offset: offset,
	})
	if err != nil {
		return nil, err
	}
	hits := make([]model.SearchHit, len(recs))
	for i, rec := range recs {
		hits[i] = model.SearchHit{Record: rec, Rank: offset + i + 1}
	}
	return hits, nil
}

// Invalidate drops every cached result.
func (r *Router) Invalidate() {
	r.cache.Purge()
}

// checkFresh purges the cache when the store's journal cursor moved since
// the last query, which catches writes made by another process.
func (r *Router) checkFresh(ctx context.Context) {
	cur, err := r.s.Cursor(ctx)
	if err != nil {
		r.log.Warn("read cursor", "op", "search", "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur != r.cursor {
		if r.cursor >= 0 {
			r.cache.Purge()
		}
		r.cursor = cur
	}
}

// signature is the canonical cache key of a query.
func signature(p Plan, q Query, limit, offset int) string {
	return strings.Join([]string{
		p.Class, p.Expr, p.Role, p.Tag,
		"days=" + strconv.Itoa(q.Days),
		"from=" + strconv.FormatInt(q.From, 10),
		"to=" + strconv.FormatInt(q.To, 10),
		strconv.Itoa(limit), strconv.Itoa(offset),
	}, "|")
}

// Stats exposes the result cache counters.
func (r *Router) Stats() cache.Stats {
	return r.cache.Stats()
}
