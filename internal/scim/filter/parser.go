package filter

import (
	"fmt"
	"strconv"
	"strings"
)

var compareOps = map[string]bool{
	"eq": true, "ne": true, "co": true, "sw": true, "ew": true,
	"gt": true, "ge": true, "lt": true, "le": true,
}

// Parse parses a SCIM filter string into an expression tree.
func Parse(input string) (Expr, error) {
	if strings.TrimSpace(input) == "" {
		return nil, &ParseError{Pos: 0, Msg: "empty filter"}
	}
	toks, lerr := lex(input)
	if lerr != nil {
		return nil, lerr
	}
	p := &parser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected token %q", p.peek().val)
	}
	return expr, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(format string, args ...interface{}) *ParseError {
	return &ParseError{Pos: p.peek().pos, Msg: fmt.Sprintf(format, args...)}
}

// or := and ('or' and)*
func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokWord && strings.EqualFold(p.peek().val, "or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: "or", Left: left, Right: right}
	}
	return left, nil
}

// and := not ('and' not)*
func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokWord && strings.EqualFold(p.peek().val, "and") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: "and", Left: left, Right: right}
	}
	return left, nil
}

// not := 'not'? primary
func (p *parser) parseNot() (Expr, error) {
	if p.peek().kind == tokWord && strings.EqualFold(p.peek().val, "not") {
		p.next()
		inner, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &Not{Expr: inner}, nil
	}
	return p.parsePrimary()
}

// primary := '(' or ')' | valuePath | attrPath ('pr' | op literal)
func (p *parser) parsePrimary() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, p.errorf("expected closing parenthesis")
		}
		p.next()
		return inner, nil
	case tokWord:
		return p.parseAttrExpr()
	default:
		return nil, p.errorf("expected attribute path, got %q", t.val)
	}
}

func (p *parser) parseAttrExpr() (Expr, error) {
	pathTok := p.next()
	path := splitPath(pathTok.val)
	if len(path.Segs) == 0 {
		return nil, &ParseError{Pos: pathTok.pos, Msg: "empty attribute path"}
	}

	if p.peek().kind == tokLBracket {
		p.next()
		sub, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRBracket {
			return nil, p.errorf("expected closing bracket")
		}
		p.next()
		vp := &ValuePath{Attr: path, Filter: sub}
		if p.peek().kind == tokDot {
			p.next()
			tail, err := p.parseCompare()
			if err != nil {
				return nil, err
			}
			vp.Tail = tail
		}
		return vp, nil
	}

	return p.parseCompareFor(path)
}

func (p *parser) parseCompare() (*Compare, error) {
	if p.peek().kind != tokWord {
		return nil, p.errorf("expected sub-attribute name")
	}
	pathTok := p.next()
	return p.parseCompareFor(splitPath(pathTok.val))
}

func (p *parser) parseCompareFor(path Path) (*Compare, error) {
	opTok := p.peek()
	if opTok.kind != tokWord {
		return nil, p.errorf("expected operator after %q", path.String())
	}
	op := strings.ToLower(opTok.val)
	if op == "pr" {
		p.next()
		return &Compare{Path: path, Op: "pr"}, nil
	}
	if !compareOps[op] {
		return nil, p.errorf("unknown operator %q", opTok.val)
	}
	p.next()

	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &Compare{Path: path, Op: op, Value: lit}, nil
}

func (p *parser) parseLiteral() (Literal, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.next()
		return Literal{Kind: StringLit, Str: t.val}, nil
	case tokNumber:
		p.next()
		num, err := strconv.ParseFloat(t.val, 64)
		if err != nil {
			return Literal{}, &ParseError{Pos: t.pos, Msg: "malformed number " + t.val}
		}
		return Literal{Kind: NumberLit, Num: num}, nil
	case tokWord:
		switch strings.ToLower(t.val) {
		case "true":
			p.next()
			return Literal{Kind: BoolLit, Bool: true}, nil
		case "false":
			p.next()
			return Literal{Kind: BoolLit, Bool: false}, nil
		case "null":
			p.next()
			return Literal{Kind: NullLit}, nil
		}
	}
	return Literal{}, p.errorf("expected literal value, got %q", t.val)
}

// splitPath separates an optional URN prefix from the dotted attribute path.
// The URN, when present, is everything up to the last colon.
func splitPath(raw string) Path {
	var urn string
	rest := raw
	if idx := strings.LastIndex(raw, ":"); idx >= 0 {
		urn = raw[:idx]
		rest = raw[idx+1:]
	}
	segs := strings.Split(rest, ".")
	out := segs[:0]
	for _, s := range segs {
		if s != "" {
			out = append(out, s)
		}
	}
	return Path{URN: urn, Segs: out}
}
