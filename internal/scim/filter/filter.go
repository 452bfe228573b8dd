// Package filter implements the SCIM 2.0 filter grammar (RFC 7644 §3.4.2.2).
// Parsing yields a pure expression tree; evaluation is the concern of the
// repository that executes the query.
package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a node in the parsed filter tree.
type Expr interface {
	// String renders the node back into filter syntax.
	String() string
}

// Logical combines two sub-expressions with "and" or "or".
type Logical struct {
	Op    string // "and" or "or"
	Left  Expr
	Right Expr
}

func (l *Logical) String() string {
	return fmt.Sprintf("(%s %s %s)", l.Left.String(), l.Op, l.Right.String())
}

// Not negates a sub-expression.
type Not struct {
	Expr Expr
}

func (n *Not) String() string {
	return fmt.Sprintf("not (%s)", n.Expr.String())
}

// Compare is an attribute comparison: path op literal, or "path pr".
type Compare struct {
	Path  Path
	Op    string // eq, ne, co, sw, ew, gt, ge, lt, le, pr
	Value Literal
}

func (c *Compare) String() string {
	if c.Op == "pr" {
		return fmt.Sprintf("%s pr", c.Path)
	}
	return fmt.Sprintf("%s %s %s", c.Path, c.Op, c.Value)
}

// ValuePath matches elements of a multi-valued attribute against a
// sub-filter, e.g. emails[type eq "work"], optionally followed by a
// sub-attribute comparison: emails[type eq "work"].value eq "a@x".
type ValuePath struct {
	Attr   Path
	Filter Expr
	Tail   *Compare // nil unless a .subAttr comparison follows
}

func (v *ValuePath) String() string {
	s := fmt.Sprintf("%s[%s]", v.Attr, v.Filter.String())
	if v.Tail != nil {
		s += "." + v.Tail.String()
	}
	return s
}

// Path is an attribute path, possibly URN-qualified and dotted:
// urn:...:User:name.givenName.
type Path struct {
	URN  string // schema URN prefix, empty for core attributes
	Segs []string
}

func (p Path) String() string {
	s := strings.Join(p.Segs, ".")
	if p.URN != "" {
		return p.URN + ":" + s
	}
	return s
}

// Attribute returns the first path segment, lower-cased.
func (p Path) Attribute() string {
	if len(p.Segs) == 0 {
		return ""
	}
	return strings.ToLower(p.Segs[0])
}

// LiteralKind discriminates filter literal values.
type LiteralKind int

const (
	StringLit LiteralKind = iota
	NumberLit
	BoolLit
	NullLit
)

// Literal is a comparison value.
type Literal struct {
	Kind LiteralKind
	Str  string
	Num  float64
	Bool bool
}

func (l Literal) String() string {
	switch l.Kind {
	case StringLit:
		return strconv.Quote(l.Str)
	case NumberLit:
		return strconv.FormatFloat(l.Num, 'f', -1, 64)
	case BoolLit:
		return strconv.FormatBool(l.Bool)
	default:
		return "null"
	}
}

// ParseError reports a malformed filter. Pos is the index of the offending
// token in the input string.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid filter at index %d: %s", e.Pos, e.Msg)
}
