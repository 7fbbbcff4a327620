package sqlscan

import "strings"

type TokenType int

const (
	ILLEGAL TokenType = iota
	EOF
	IDENT
	KEYWORD
	STRING
	NUMBER
	LPAREN
	RPAREN
	COMMA
	DOT
	SEMICOLON
	OPERATOR
)

type Token struct {
	Type    TokenType
	Literal string
	Quoted  bool
	Line    int
	Column  int
	Offset  int
}

func (t Token) Is(keyword string) bool {
	return t.Type == KEYWORD && t.Literal == keyword
}

var keywords = map[string]struct{}{}

func init() {
	for _, kw := range []string{
		"ALL", "ALTER", "AND", "AS", "BEGIN", "BY", "CASE", "CAST", "CREATE", "CROSS", "DELETE", "DISTINCT",
		"DROP", "ELSE", "END", "EXCEPT", "EXISTS", "EXTRACT", "FROM", "FULL", "GROUP", "HAVING",
		"IF", "IN", "INDEX", "INNER", "INSERT", "INTERSECT", "INTO", "IS", "JOIN", "LATERAL", "LEFT",
		"LIMIT", "NATURAL", "NOT", "NULL", "OFFSET", "ON", "OR", "ORDER", "OUTER", "OVER",
		"PARTITION", "RECURSIVE", "REPLACE", "RETURNING", "RIGHT", "SELECT", "SET", "SUBSTRING",
		"TABLE", "TEMP", "TEMPORARY", "THEN", "TRIM", "UNION", "UNIQUE", "UPDATE", "USING",
		"VALUES", "VIEW", "WHEN", "WHERE", "WINDOW", "WITH",
	} {
		keywords[kw] = struct{}{}
	}
}

func lookupKeyword(ident string) TokenType {
	if _, ok := keywords[strings.ToUpper(ident)]; ok {
		return KEYWORD
	}
	return IDENT
}
