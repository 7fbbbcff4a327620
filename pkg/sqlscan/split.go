package sqlscan

import "strings"

// Split cuts SQL text into statements at top-level semicolons. Semicolons in
// strings, comments, quoted identifiers and BEGIN ... END or CASE ... END
// blocks do not split. Empty statements are dropped.
func Split(sql string) []string {
	toks := NewLexer(sql).Tokens()
	var out []string
	start, depth := 0, 0
	emit := func(end int) {
		if stmt := strings.TrimSpace(sql[start:end]); stmt != "" {
			out = append(out, stmt)
		}
	}
	for i, tok := range toks {
		switch {
		case tok.Is("CASE"):
			depth++
		case tok.Is("BEGIN") && opensBlock(toks, i):
			depth++
		case tok.Is("END") && depth > 0:
			depth--
		case tok.Type == SEMICOLON && depth == 0:
			emit(tok.Offset)
			start = tok.Offset + 1
		}
	}
	emit(len(sql))
	return out
}

// opensBlock tells a trigger body BEGIN from a transaction BEGIN.
func opensBlock(toks []Token, i int) bool {
	if i+1 >= len(toks) {
		return false
	}
	next := toks[i+1]
	if next.Type == SEMICOLON {
		return false
	}
	switch strings.ToUpper(next.Literal) {
	case "TRANSACTION", "DEFERRED", "IMMEDIATE", "EXCLUSIVE":
		return false
	}
	return true
}
