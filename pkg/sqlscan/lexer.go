package sqlscan

import (
	"strings"
	"unicode"
)

// Lexer splits SQL text into tokens. It understands comments, quoted strings
// and the three identifier quoting styles; everything else is coarse.
type Lexer struct {
	input        string
	position     int
	readPosition int
	ch           byte
	line         int
	column       int
}

func NewLexer(input string) *Lexer {
	l := &Lexer{input: input, line: 1}
	l.readChar()
	return l
}

func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()
	tok := Token{Line: l.line, Column: l.column, Offset: l.position}
	switch l.ch {
	case 0:
		tok.Type = EOF
		return tok
	case '(':
		tok.Type, tok.Literal = LPAREN, "("
	case ')':
		tok.Type, tok.Literal = RPAREN, ")"
	case ',':
		tok.Type, tok.Literal = COMMA, ","
	case '.':
		tok.Type, tok.Literal = DOT, "."
	case ';':
		tok.Type, tok.Literal = SEMICOLON, ";"
	case '\'':
		tok.Type, tok.Literal = STRING, l.readDelimited('\'')
	case '"':
		tok.Type, tok.Literal, tok.Quoted = IDENT, l.readDelimited('"'), true
	case '`':
		tok.Type, tok.Literal, tok.Quoted = IDENT, l.readDelimited('`'), true
	case '[':
		tok.Type, tok.Literal, tok.Quoted = IDENT, l.readDelimited(']'), true
	default:
		if unicode.IsLetter(rune(l.ch)) || l.ch == '_' {
			literal := l.readIdentifier()
			tok.Type = lookupKeyword(literal)
			if tok.Type == KEYWORD {
				literal = strings.ToUpper(literal)
			}
			tok.Literal = literal
			return tok
		}
		if isDigit(l.ch) {
			tok.Type, tok.Literal = NUMBER, l.readNumber()
			return tok
		}
		tok.Type, tok.Literal = OPERATOR, string(l.ch)
	}
	l.readChar()
	return tok
}

// Tokens returns every token up to, but not including, EOF.
func (l *Lexer) Tokens() []Token {
	var out []Token
	for {
		tok := l.NextToken()
		if tok.Type == EOF {
			return out
		}
		out = append(out, tok)
	}
}

func (l *Lexer) readIdentifier() string {
	start := l.position
	for isIdentifierChar(l.ch) {
		l.readChar()
	}
	return l.input[start:l.position]
}

func (l *Lexer) readNumber() string {
	start := l.position
	for isDigit(l.ch) || l.ch == '.' {
		l.readChar()
	}
	if l.ch == 'e' || l.ch == 'E' {
		l.readChar()
		if l.ch == '-' || l.ch == '+' {
			l.readChar()
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[start:l.position]
}

// readDelimited reads up to the closing delimiter; a doubled delimiter is an
// escaped one. The lexer is left on the closing delimiter.
func (l *Lexer) readDelimited(closing byte) string {
	var sb strings.Builder
	l.readChar()
	for l.ch != 0 {
		if l.ch == closing {
			if l.peekChar() != closing {
				break
			}
			l.readChar()
		}
		sb.WriteByte(l.ch)
		l.readChar()
	}
	return sb.String()
}

func (l *Lexer) readChar() {
	if l.readPosition >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
	if l.ch == '\n' {
		l.line++
		l.column = 0
	} else {
		l.column++
	}
}

func (l *Lexer) peekChar() byte {
	if l.readPosition >= len(l.input) {
		return 0
	}
	return l.input[l.readPosition]
}

func (l *Lexer) skipWhitespaceAndComments() {
	for {
		switch {
		case l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r':
			l.readChar()
		case l.ch == '-' && l.peekChar() == '-':
			l.skipLineComment()
		case l.ch == '/' && l.peekChar() == '*':
			l.skipBlockComment()
		default:
			return
		}
	}
}

func (l *Lexer) skipLineComment() {
	for l.ch != '\n' && l.ch != 0 {
		l.readChar()
	}
}

func (l *Lexer) skipBlockComment() {
	l.readChar()
	l.readChar()
	for l.ch != 0 {
		if l.ch == '*' && l.peekChar() == '/' {
			l.readChar()
			l.readChar()
			return
		}
		l.readChar()
	}
}

func isDigit(ch byte) bool { return '0' <= ch && ch <= '9' }

func isIdentifierChar(ch byte) bool {
	return unicode.IsLetter(rune(ch)) || isDigit(ch) || ch == '_' || ch == '$'
}
