package filter

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord           // attribute paths, operators, and, or, not, true, false, null
	tokString         // quoted string, unescaped
	tokNumber
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDot
)

type token struct {
	kind tokenKind
	val  string
	pos  int
}

// lex splits the filter string into tokens. Word tokens absorb ':', '.',
// '_' and '-' so URN-qualified dotted paths arrive as a single token;
// a '.' immediately after ']' is emitted separately for value-path tails.
func lex(input string) ([]token, *ParseError) {
	var toks []token
	i := 0
	n := len(input)
	for i < n {
		c := input[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]", i})
			i++
		case c == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == '"':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < n {
				if input[i] == '\\' && i+1 < n {
					switch input[i+1] {
					case '"':
						sb.WriteByte('"')
					case '\\':
						sb.WriteByte('\\')
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					default:
						sb.WriteByte(input[i+1])
					}
					i += 2
					continue
				}
				if input[i] == '"' {
					closed = true
					i++
					break
				}
				sb.WriteByte(input[i])
				i++
			}
			if !closed {
				return nil, &ParseError{Pos: start, Msg: "unterminated string literal"}
			}
			toks = append(toks, token{tokString, sb.String(), start})
		case c == '-' || (c >= '0' && c <= '9'):
			start := i
			i++
			for i < n && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, input[start:i], start})
		case isWordStart(rune(c)):
			start := i
			for i < n && isWordChar(rune(input[i])) {
				i++
			}
			toks = append(toks, token{tokWord, input[start:i], start})
		default:
			return nil, &ParseError{Pos: i, Msg: "unexpected character " + string(c)}
		}
	}
	toks = append(toks, token{tokEOF, "", n})
	return toks, nil
}

func isWordStart(c rune) bool {
	return unicode.IsLetter(c) || c == '_'
}

func isWordChar(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '-' || c == ':' || c == '.'
}
