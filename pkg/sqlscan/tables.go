// Package sqlscan finds the tables a SQL text references.
package sqlscan

import (
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto"
)

// Refs is what a SQL text does to tables.
type Refs struct {
	Reads   []string
	Writes  []string
	Creates []string
	CTEs    []string
}

// Consumed returns the tables that must exist before the SQL runs: reads and
// writes, minus CTE names and tables the text creates itself.
func (r Refs) Consumed() []string {
	skip := make(map[string]struct{})
	for _, n := range r.CTEs {
		skip[strings.ToLower(n)] = struct{}{}
	}
	for _, n := range r.Creates {
		skip[strings.ToLower(n)] = struct{}{}
	}
	var out []string
	for _, list := range [][]string{r.Reads, r.Writes} {
		for _, n := range list {
			key := strings.ToLower(n)
			if _, ok := skip[key]; ok {
				continue
			}
			skip[key] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// Scan extracts table references from sql without caching.
func Scan(sql string) Refs {
	s := &scan{toks: NewLexer(sql).Tokens(), withDepth: -1}
	s.run()
	return s.refs
}

type scan struct {
	toks      []Token
	refs      Refs
	stack     []bool
	withDepth int
	expectCTE bool
	creating  bool
	indexing  bool
}

func (s *scan) inCall() bool {
	return len(s.stack) > 0 && s.stack[len(s.stack)-1]
}

func (s *scan) run() {
	for i := 0; i < len(s.toks); i++ {
		tok := s.toks[i]
		switch tok.Type {
		case LPAREN:
			s.stack = append(s.stack, i > 0 && opensCall(s.toks[i-1]))
			continue
		case RPAREN:
			if len(s.stack) > 0 {
				s.stack = s.stack[:len(s.stack)-1]
			}
			continue
		case COMMA:
			if s.withDepth == len(s.stack) {
				s.expectCTE = true
			}
			continue
		case SEMICOLON:
			s.withDepth, s.expectCTE, s.creating, s.indexing = -1, false, false, false
			s.stack = s.stack[:0]
			continue
		case IDENT:
			if s.expectCTE {
				s.refs.CTEs = appendName(s.refs.CTEs, tok.Literal)
				s.expectCTE = false
			}
			continue
		case KEYWORD:
		default:
			continue
		}
		if s.inCall() {
			continue
		}
		switch tok.Literal {
		case "WITH":
			s.withDepth, s.expectCTE = len(s.stack), true
		case "SELECT", "INSERT", "DELETE", "VALUES":
			s.endWith()
		case "CREATE":
			s.creating = true
		case "INDEX":
			s.indexing = s.creating
		case "FROM", "JOIN":
			i = s.tableList(i+1, tok.Literal == "FROM")
		case "INTO":
			i = s.single(i+1, &s.refs.Writes)
		case "UPDATE":
			s.endWith()
			j := i + 1
			if j < len(s.toks) && s.toks[j].Is("OR") {
				j += 2
			}
			i = s.single(j, &s.refs.Writes)
		case "ON":
			if s.indexing {
				s.indexing = false
				i = s.single(i+1, &s.refs.Writes)
			}
		case "TABLE", "VIEW":
			if s.creating {
				s.creating = false
				j := i + 1
				if j+2 < len(s.toks) && s.toks[j].Is("IF") {
					j += 3
				}
				i = s.single(j, &s.refs.Creates)
			}
		}
	}
}

func (s *scan) endWith() {
	if s.withDepth == len(s.stack) {
		s.withDepth, s.expectCTE = -1, false
	}
}

// tableList reads "t [AS] a, u b" after FROM or a single reference after JOIN
// and returns the index of the last consumed token.
func (s *scan) tableList(j int, list bool) int {
	for j < len(s.toks) {
		if s.toks[j].Type == LPAREN {
			return j - 1
		}
		name, next, ok := s.name(j, false)
		if !ok {
			return j - 1
		}
		if name != "" {
			s.refs.Reads = appendName(s.refs.Reads, name)
		}
		j = next
		if j < len(s.toks) && s.toks[j].Is("AS") {
			j++
		}
		if j < len(s.toks) && s.toks[j].Type == IDENT {
			j++
		}
		if !list || j >= len(s.toks) || s.toks[j].Type != COMMA {
			return j - 1
		}
		j++
	}
	return j - 1
}

func (s *scan) single(j int, dst *[]string) int {
	name, next, ok := s.name(j, true)
	if !ok {
		return j - 1
	}
	*dst = appendName(*dst, name)
	return next - 1
}

// name reads a possibly qualified identifier at j. A name followed by "(" is a
// table function; its name is returned empty unless allowCall is set.
func (s *scan) name(j int, allowCall bool) (string, int, bool) {
	if j >= len(s.toks) || s.toks[j].Type != IDENT {
		return "", j, false
	}
	parts := []string{s.toks[j].Literal}
	j++
	for j+1 < len(s.toks) && s.toks[j].Type == DOT && s.toks[j+1].Type == IDENT {
		parts = append(parts, s.toks[j+1].Literal)
		j += 2
	}
	if !allowCall && j < len(s.toks) && s.toks[j].Type == LPAREN {
		return "", j, true
	}
	if len(parts) == 2 {
		switch strings.ToLower(parts[0]) {
		case "main", "temp":
			parts = parts[1:]
		}
	}
	return strings.Join(parts, "."), j, true
}

func opensCall(prev Token) bool {
	if prev.Type == IDENT {
		return true
	}
	switch {
	case prev.Is("EXTRACT"), prev.Is("SUBSTRING"), prev.Is("TRIM"), prev.Is("CAST"), prev.Is("REPLACE"), prev.Is("OVER"):
		return true
	}
	return false
}

func appendName(list []string, name string) []string {
	for _, n := range list {
		if strings.EqualFold(n, name) {
			return list
		}
	}
	return append(list, name)
}

// Scanner memoizes Scan results by SQL text.
type Scanner struct {
	cache *ristretto.Cache
}

func NewScanner(maxEntries int64) (*Scanner, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Scanner{cache: cache}, nil
}

func (s *Scanner) Scan(sql string) Refs {
	if s == nil || s.cache == nil {
		return Scan(sql)
	}
	if v, ok := s.cache.Get(sql); ok {
		if refs, ok := v.(Refs); ok {
			return refs
		}
	}
	refs := Scan(sql)
	s.cache.Set(sql, refs, 1)
	return refs
}

var (
	defaultOnce    sync.Once
	defaultScanner *Scanner
)

// Default returns a process-wide scanner; a cache failure degrades to uncached scans.
func Default() *Scanner {
	defaultOnce.Do(func() {
		defaultScanner, _ = NewScanner(4096)
	})
	return defaultScanner
}
