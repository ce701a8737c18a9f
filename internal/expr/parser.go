package expr

import "quizflow-service/internal/variables"

const (
	// MaxLength bounds the source text of a single expression.
	MaxLength = 2048
	// MaxDepth bounds parser recursion.
	MaxDepth = 48
)

type parser struct {
	toks  []token
	pos   int
	depth int
}

// Parse turns src into a tree. Parsing succeeds for constructs the evaluator
// will later refuse, so that they are reported as disallowed rather than as
// syntax errors.
func Parse(src string) (Node, error) {
	if len(src) > MaxLength {
		return nil, errorf(ErrLimit, 0, "expression longer than %d bytes", MaxLength)
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, errorf(ErrSyntax, 0, "empty expression")
	}
	n, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, errorf(ErrSyntax, t.pos, "unexpected %q", t.text)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(text string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == text
}

func (p *parser) isKeyword(text string) bool {
	t := p.peek()
	return t.kind == tokIdent && t.text == text
}

func (p *parser) expectOp(text string) error {
	t := p.next()
	if t.kind != tokOp || t.text != text {
		return errorf(ErrSyntax, t.pos, "expected %q", text)
	}
	return nil
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > MaxDepth {
		return errorf(ErrLimit, p.peek().pos, "expression nested deeper than %d", MaxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseStatement() (Node, error) {
	lhs, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.isOp("=") {
		at := p.next().pos
		rhs, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &Assign{At: at, Target: lhs, Value: rhs}, nil
	}
	return lhs, nil
}

func (p *parser) parseExpr() (Node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	if p.isKeyword("lambda") {
		return p.parseLambda()
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.isKeyword("if") {
		at := p.next().pos
		cond, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.isKeyword("else") {
			return nil, errorf(ErrSyntax, p.peek().pos, "expected else")
		}
		p.next()
		alt, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &Conditional{At: at, Cond: cond, Then: n, Else: alt}, nil
	}
	return n, nil
}

func (p *parser) parseLambda() (Node, error) {
	at := p.next().pos
	var params []string
	for p.peek().kind == tokIdent {
		params = append(params, p.next().text)
		if !p.isOp(",") {
			break
		}
		p.next()
	}
	if err := p.expectOp(":"); err != nil {
		return nil, err
	}
	body, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &Lambda{At: at, Params: params, Body: body}, nil
}

func (p *parser) parseOr() (Node, error) {
	return p.parseBoolChain("or", p.parseAnd)
}

func (p *parser) parseAnd() (Node, error) {
	return p.parseBoolChain("and", p.parseNot)
}

func (p *parser) parseBoolChain(op string, operand func() (Node, error)) (Node, error) {
	first, err := operand()
	if err != nil {
		return nil, err
	}
	if !p.isKeyword(op) {
		return first, nil
	}
	chain := &BoolOp{At: p.peek().pos, Op: op, Values: []Node{first}}
	for p.isKeyword(op) {
		p.next()
		n, err := operand()
		if err != nil {
			return nil, err
		}
		chain.Values = append(chain.Values, n)
	}
	return chain, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.isKeyword("not") {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		at := p.next().pos
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{At: at, Op: "not", X: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) compareOp() (string, bool) {
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			return t.text, true
		}
		return "", false
	}
	if t.kind != tokIdent {
		return "", false
	}
	switch t.text {
	case "in":
		return "in", true
	case "not":
		if nt := p.toks[p.pos+1]; nt.kind == tokIdent && nt.text == "in" {
			return "not in", true
		}
	case "is":
		if nt := p.toks[p.pos+1]; nt.kind == tokIdent && nt.text == "not" {
			return "is not", true
		}
		return "is", true
	}
	return "", false
}

func (p *parser) parseComparison() (Node, error) {
	first, err := p.parseArith()
	if err != nil {
		return nil, err
	}
	op, ok := p.compareOp()
	if !ok {
		return first, nil
	}
	cmp := &Compare{At: p.peek().pos, First: first}
	for ok {
		p.next()
		if op == "not in" || op == "is not" {
			p.next()
		}
		rhs, err := p.parseArith()
		if err != nil {
			return nil, err
		}
		cmp.Ops = append(cmp.Ops, op)
		cmp.Rest = append(cmp.Rest, rhs)
		op, ok = p.compareOp()
	}
	return cmp, nil
}

func (p *parser) parseArith() (Node, error) {
	x, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.isOp("+") || p.isOp("-") {
		t := p.next()
		y, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		x = &Binary{At: t.pos, Op: t.text, X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseTerm() (Node, error) {
	x, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.isOp("*") || p.isOp("/") || p.isOp("%") {
		t := p.next()
		y, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		x = &Binary{At: t.pos, Op: t.text, X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseFactor() (Node, error) {
	if p.isOp("-") || p.isOp("+") {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		t := p.next()
		x, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return &Unary{At: t.pos, Op: t.text, X: x}, nil
	}
	return p.parsePower()
}

// parsePower is right associative and binds tighter than unary minus on its
// left: -2 ** 2 is -(2 ** 2).
func (p *parser) parsePower() (Node, error) {
	base, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	if !p.isOp("**") {
		return base, nil
	}
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	t := p.next()
	exp, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	return &Binary{At: t.pos, Op: "**", X: base, Y: exp}, nil
}

func (p *parser) parsePostfix() (Node, error) {
	n, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.isOp("."):
			at := p.next().pos
			t := p.next()
			if t.kind != tokIdent && t.kind != tokNumber {
				return nil, errorf(ErrSyntax, t.pos, "expected name after '.'")
			}
			n = &Attribute{At: at, X: n, Name: t.text}
		case p.isOp("("):
			at := p.next().pos
			args, err := p.parseList(")")
			if err != nil {
				return nil, err
			}
			n = &Call{At: at, Fun: n, Args: args}
		case p.isOp("["):
			at := p.next().pos
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp("]"); err != nil {
				return nil, err
			}
			n = &Subscript{At: at, X: n, Index: idx}
		default:
			return n, nil
		}
	}
}

// parseList reads comma separated expressions up to and including closer.
func (p *parser) parseList(closer string) ([]Node, error) {
	var out []Node
	for !p.isOp(closer) {
		n, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		if !p.isOp(",") {
			break
		}
		p.next()
	}
	if err := p.expectOp(closer); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseAtom() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return parseNumber(t)
	case tokString:
		return &Literal{At: t.pos, Value: variables.String(t.text)}, nil
	case tokIdent:
		switch t.text {
		case "true", "True":
			return &Literal{At: t.pos, Value: variables.Bool(true)}, nil
		case "false", "False":
			return &Literal{At: t.pos, Value: variables.Bool(false)}, nil
		case "null", "None":
			return &Literal{At: t.pos, Value: variables.Null()}, nil
		case "and", "or", "not", "in", "is", "if", "else", "for", "lambda":
			return nil, errorf(ErrSyntax, t.pos, "unexpected keyword %q", t.text)
		}
		return &Name{At: t.pos, ID: t.text}, nil
	case tokOp:
		switch t.text {
		case "(":
			if err := p.enter(); err != nil {
				return nil, err
			}
			defer p.leave()
			n, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return n, nil
		case "[":
			return p.parseBracket(t.pos)
		}
	case tokEOF:
		return nil, errorf(ErrSyntax, t.pos, "unexpected end of expression")
	}
	return nil, errorf(ErrSyntax, t.pos, "unexpected %q", t.text)
}

func (p *parser) parseBracket(at int) (Node, error) {
	if p.isOp("]") {
		p.next()
		return &List{At: at}, nil
	}
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.isKeyword("for") {
		p.next()
		v := p.next()
		if v.kind != tokIdent {
			return nil, errorf(ErrSyntax, v.pos, "expected loop variable")
		}
		if !p.isKeyword("in") {
			return nil, errorf(ErrSyntax, p.peek().pos, "expected in")
		}
		p.next()
		iter, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectOp("]"); err != nil {
			return nil, err
		}
		return &Comprehension{At: at, Elem: first, Var: v.text, Iter: iter}, nil
	}
	elems := []Node{first}
	if p.isOp(",") {
		p.next()
		rest, err := p.parseList("]")
		if err != nil {
			return nil, err
		}
		return &List{At: at, Elems: append(elems, rest...)}, nil
	}
	if err := p.expectOp("]"); err != nil {
		return nil, err
	}
	return &List{At: at, Elems: elems}, nil
}
