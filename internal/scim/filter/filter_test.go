package filter

import (
	"errors"
	"testing"
)

func mustParse(t *testing.T, in string) Expr {
	t.Helper()
	e, err := Parse(in)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", in, err)
	}
	return e
}

func TestParseSimpleComparison(t *testing.T) {
	e := mustParse(t, `userName eq "jdoe"`)
	c, ok := e.(*Compare)
	if !ok {
		t.Fatalf("expected *Compare, got %T", e)
	}
	if c.Op != "eq" || c.Path.Attribute() != "username" {
		t.Errorf("unexpected node: %+v", c)
	}
	if c.Value.Kind != StringLit || c.Value.Str != "jdoe" {
		t.Errorf("unexpected literal: %+v", c.Value)
	}
}

func TestParsePrecedenceAndBindsTighterThanOr(t *testing.T) {
	e := mustParse(t, `a eq "1" or b eq "2" and c eq "3"`)
	root, ok := e.(*Logical)
	if !ok || root.Op != "or" {
		t.Fatalf("expected or at root, got %v", e)
	}
	right, ok := root.Right.(*Logical)
	if !ok || right.Op != "and" {
		t.Fatalf("expected and on the right, got %v", root.Right)
	}
}

func TestParseParenthesesOverridePrecedence(t *testing.T) {
	e := mustParse(t, `(a eq "1" or b eq "2") and c eq "3"`)
	root, ok := e.(*Logical)
	if !ok || root.Op != "and" {
		t.Fatalf("expected and at root, got %v", e)
	}
	if left, ok := root.Left.(*Logical); !ok || left.Op != "or" {
		t.Fatalf("expected or on the left, got %v", root.Left)
	}
}

func TestParseNot(t *testing.T) {
	e := mustParse(t, `not (active eq true)`)
	n, ok := e.(*Not)
	if !ok {
		t.Fatalf("expected *Not, got %T", e)
	}
	c, ok := n.Expr.(*Compare)
	if !ok || c.Value.Kind != BoolLit || !c.Value.Bool {
		t.Errorf("unexpected inner expression: %v", n.Expr)
	}
}

func TestParsePresent(t *testing.T) {
	e := mustParse(t, `title pr`)
	c, ok := e.(*Compare)
	if !ok || c.Op != "pr" {
		t.Fatalf("expected pr comparison, got %v", e)
	}
}

func TestParseValuePath(t *testing.T) {
	e := mustParse(t, `emails[type eq "work"]`)
	vp, ok := e.(*ValuePath)
	if !ok {
		t.Fatalf("expected *ValuePath, got %T", e)
	}
	if vp.Attr.Attribute() != "emails" || vp.Tail != nil {
		t.Errorf("unexpected value path: %+v", vp)
	}
}

func TestParseValuePathWithTail(t *testing.T) {
	e := mustParse(t, `emails[type eq "work"].value co "example.com"`)
	vp, ok := e.(*ValuePath)
	if !ok {
		t.Fatalf("expected *ValuePath, got %T", e)
	}
	if vp.Tail == nil || vp.Tail.Op != "co" {
		t.Fatalf("missing tail comparison: %+v", vp)
	}
}

func TestParseURNQualifiedPath(t *testing.T) {
	e := mustParse(t, `urn:ietf:params:scim:schemas:extension:enterprise:2.0:User:department eq "Engineering"`)
	c, ok := e.(*Compare)
	if !ok {
		t.Fatalf("expected *Compare, got %T", e)
	}
	if c.Path.URN != "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User" {
		t.Errorf("URN = %q", c.Path.URN)
	}
	if c.Path.Attribute() != "department" {
		t.Errorf("attribute = %q", c.Path.Attribute())
	}
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"",
		`userName xx "jdoe"`,
		`userName eq`,
		`(userName eq "a"`,
		`emails[type eq "work"`,
		`userName eq "a" trailing`,
		`eq "a"`,
	}
	for _, in := range cases {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) should fail", in)
		} else {
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Errorf("Parse(%q) returned %T, want *ParseError", in, err)
			}
		}
	}
}

func TestMatchesStringOpsCaseInsensitive(t *testing.T) {
	doc := map[string]interface{}{"userName": "JDoe", "title": "Engineer"}
	cases := []struct {
		in   string
		want bool
	}{
		{`userName eq "jdoe"`, true},
		{`userName ne "jdoe"`, false},
		{`userName sw "jd"`, true},
		{`userName ew "OE"`, true},
		{`title co "gine"`, true},
		{`title eq "Manager"`, false},
	}
	for _, tc := range cases {
		if got := Matches(mustParse(t, tc.in), doc); got != tc.want {
			t.Errorf("Matches(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMatchesBoolAndPresent(t *testing.T) {
	doc := map[string]interface{}{"active": true, "title": ""}
	if !Matches(mustParse(t, `active eq true`), doc) {
		t.Error("active eq true should match")
	}
	if Matches(mustParse(t, `title pr`), doc) {
		t.Error("empty string should not be present")
	}
	if !Matches(mustParse(t, `active pr`), doc) {
		t.Error("bool should be present")
	}
}

func TestMatchesValuePath(t *testing.T) {
	doc := map[string]interface{}{
		"emails": []interface{}{
			map[string]interface{}{"type": "home", "value": "a@home.example"},
			map[string]interface{}{"type": "work", "value": "a@corp.example"},
		},
	}
	if !Matches(mustParse(t, `emails[type eq "work"]`), doc) {
		t.Error("value path should match the work email")
	}
	if !Matches(mustParse(t, `emails[type eq "work"].value co "corp"`), doc) {
		t.Error("tail comparison should match")
	}
	if Matches(mustParse(t, `emails[type eq "work"].value co "home"`), doc) {
		t.Error("tail must only inspect elements matched by the sub-filter")
	}
}

func TestMatchesSubAttributeAcrossElements(t *testing.T) {
	doc := map[string]interface{}{
		"emails": []interface{}{
			map[string]interface{}{"value": "a@corp.example"},
		},
	}
	if !Matches(mustParse(t, `emails.value ew "corp.example"`), doc) {
		t.Error("dotted path into a multi-valued attribute should match any element")
	}
}

func TestMatchesLogicalCombinations(t *testing.T) {
	doc := map[string]interface{}{"userName": "jdoe", "active": false}
	if Matches(mustParse(t, `userName eq "jdoe" and active eq true`), doc) {
		t.Error("and should fail when one side fails")
	}
	if !Matches(mustParse(t, `userName eq "jdoe" or active eq true`), doc) {
		t.Error("or should pass when one side passes")
	}
	if !Matches(mustParse(t, `not (active eq true)`), doc) {
		t.Error("not should invert")
	}
}

func TestMatchesURNExtensionAttribute(t *testing.T) {
	doc := map[string]interface{}{
		"urn:ietf:params:scim:schemas:extension:enterprise:2.0:User": map[string]interface{}{
			"department": "Engineering",
		},
	}
	e := mustParse(t, `urn:ietf:params:scim:schemas:extension:enterprise:2.0:User:department eq "engineering"`)
	if !Matches(e, doc) {
		t.Error("URN-qualified attribute should resolve into the extension object")
	}
}

func TestStringRoundTripIsStable(t *testing.T) {
	in := `userName eq "jdoe" and emails[type eq "work"].value co "corp"`
	first := mustParse(t, in).String()
	second := mustParse(t, first).String()
	if first != second {
		t.Errorf("String() not stable: %q vs %q", first, second)
	}
}
