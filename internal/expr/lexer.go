package expr

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"quizflow-service/internal/variables"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// operators, longest first so that "**" wins over "*".
var operators = []string{
	"**", "==", "!=", "<=", ">=",
	"+", "-", "*", "/", "%", "<", ">", "=",
	"(", ")", "[", "]", ",", ".", ":",
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		r, size := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(r):
			i += size
		case r >= '0' && r <= '9' && afterDot(toks):
			// numeric path segment such as items.0
			start := i
			for i < len(src) && isDigit(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})
		case r >= '0' && r <= '9', r == '.' && i+1 < len(src) && isDigit(src[i+1]) && !afterOperand(toks):
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == '_') {
				i++
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				i++
				if i < len(src) && (src[i] == '+' || src[i] == '-') {
					i++
				}
				for i < len(src) && isDigit(src[i]) {
					i++
				}
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})
		case r == '_' || unicode.IsLetter(r):
			start := i
			for i < len(src) {
				r, size := utf8.DecodeRuneInString(src[i:])
				if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
					break
				}
				i += size
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		case r == '"' || r == '\'':
			s, n, err := lexString(src[i:], i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i += n
		default:
			op := ""
			for _, cand := range operators {
				if strings.HasPrefix(src[i:], cand) {
					op = cand
					break
				}
			}
			if op == "" {
				return nil, errorf(ErrSyntax, i, "unexpected character %q", r)
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func afterDot(toks []token) bool {
	if len(toks) == 0 {
		return false
	}
	last := toks[len(toks)-1]
	return last.kind == tokOp && last.text == "."
}

func afterOperand(toks []token) bool {
	if len(toks) == 0 {
		return false
	}
	last := toks[len(toks)-1]
	switch last.kind {
	case tokIdent, tokNumber, tokString:
		return true
	case tokOp:
		return last.text == ")" || last.text == "]"
	}
	return false
}

// lexString reads a quoted string starting at src[0] and returns its value and
// the number of bytes consumed. Only simple escapes are understood.
func lexString(src string, base int) (string, int, error) {
	quote := src[0]
	var b strings.Builder
	for i := 1; i < len(src); i++ {
		c := src[i]
		switch {
		case c == quote:
			return b.String(), i + 1, nil
		case c == '\\' && i+1 < len(src):
			i++
			switch src[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\', '\'', '"':
				b.WriteByte(src[i])
			default:
				return "", 0, errorf(ErrSyntax, base+i, "unsupported escape \\%c", src[i])
			}
		case c == '\n':
			return "", 0, errorf(ErrSyntax, base+i, "newline in string literal")
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, errorf(ErrSyntax, base, "unterminated string literal")
}

func parseNumber(t token) (Node, error) {
	text := strings.ReplaceAll(t.text, "_", "")
	if !strings.ContainsAny(text, ".eE") {
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, errorf(ErrSyntax, t.pos, "invalid integer %q", t.text)
		}
		return &Literal{At: t.pos, Value: variables.Int(n)}, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, errorf(ErrSyntax, t.pos, "invalid number %q", t.text)
	}
	return &Literal{At: t.pos, Value: variables.Float(f)}, nil
}
