package selection

import (
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// fromJoinPattern extracts table identifiers following FROM/JOIN/UPDATE/INTO
// clauses. It is a best-effort extractor for ad-hoc SQL text supplied via
// request replacement (spec.md §6's "SQL string" request form); callers with
// a typed prepared request should build Info directly with New/NewAll
// instead of relying on this heuristic.
var fromJoinPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN|UPDATE|INTO)\s+"?([A-Za-z_][A-Za-z0-9_]*)"?`)

var selectStarPattern = regexp.MustCompile(`(?is)^\s*SELECT\s+\*\s+FROM`)

var columnListPattern = regexp.MustCompile(`(?is)^\s*SELECT\s+(.*?)\s+FROM\s`)

var columnRefPattern = regexp.MustCompile(`(?i)^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ParseSQL extracts a best-effort Info from raw SELECT SQL text. It
// recognizes the referenced tables via FROM/JOIN clauses and, for simple
// "SELECT col1, col2, ... FROM" forms, the selected column names; anything
// it cannot confidently parse (expressions, subqueries, SELECT *) falls back
// to ALL columns for the tables it did find, which only widens observation
// and never misses a relevant change.
func ParseSQL(sql string) Info {
	tables := uniqueMatches(fromJoinPattern, sql)
	if len(tables) == 0 {
		return Info{tables: map[string]columnSet{}}
	}

	cs := allColumns()
	if !selectStarPattern.MatchString(sql) {
		if m := columnListPattern.FindStringSubmatch(sql); m != nil {
			if cols, ok := splitSimpleColumns(m[1]); ok {
				cs = someColumns(cols...)
			}
		}
	}

	info := Info{tables: make(map[string]columnSet, len(tables))}
	for _, t := range tables {
		info.tables[t] = cs
	}
	return info
}

func uniqueMatches(re *regexp.Regexp, sql string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range re.FindAllStringSubmatch(sql, -1) {
		name := strings.ToLower(m[1])
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// splitSimpleColumns splits a column list on commas and reports ok=false if
// any entry is not a bare identifier (an expression, alias, or star), in
// which case the caller should fall back to ALL columns rather than risk
// under-reporting what the query reads.
func splitSimpleColumns(list string) ([]string, bool) {
	parts := strings.Split(list, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if !columnRefPattern.MatchString(p) {
			return nil, false
		}
		if i := strings.LastIndex(p, "."); i >= 0 {
			p = p[i+1:]
		}
		cols = append(cols, strings.ToLower(p))
	}
	return cols, true
}

// CachedParser memoizes ParseSQL results keyed by the exact SQL text, so a
// controller that repeatedly replaces its request with ad-hoc SQL (e.g. a
// search box re-issuing the same few queries) doesn't re-run the extraction
// regexes on every keystroke.
type CachedParser struct {
	mu    sync.Mutex
	cache *lru.Cache[string, Info]
}

// NewCachedParser builds a CachedParser holding up to size parsed results.
func NewCachedParser(size int) *CachedParser {
	c, _ := lru.New[string, Info](size)
	return &CachedParser{cache: c}
}

// Parse returns ParseSQL(sql), served from cache on repeat calls.
func (p *CachedParser) Parse(sql string) Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.cache.Get(sql); ok {
		return info
	}
	info := ParseSQL(sql)
	p.cache.Add(sql, info)
	return info
}
