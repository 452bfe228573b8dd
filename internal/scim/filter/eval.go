package filter

import (
	"strconv"
	"strings"
)

// Matches evaluates a parsed filter against the generic JSON form of a
// resource (map[string]interface{}). String comparisons are
// case-insensitive, matching the SCIM caseExact=false default.
func Matches(e Expr, doc map[string]interface{}) bool {
	switch n := e.(type) {
	case *Logical:
		if n.Op == "and" {
			return Matches(n.Left, doc) && Matches(n.Right, doc)
		}
		return Matches(n.Left, doc) || Matches(n.Right, doc)
	case *Not:
		return !Matches(n.Expr, doc)
	case *Compare:
		return anyValue(resolve(doc, n.Path), func(v interface{}) bool {
			return compare(v, n.Op, n.Value)
		})
	case *ValuePath:
		elems, _ := resolve(doc, n.Attr).([]interface{})
		for _, el := range elems {
			obj, ok := el.(map[string]interface{})
			if !ok {
				continue
			}
			if !Matches(n.Filter, obj) {
				continue
			}
			if n.Tail == nil {
				return true
			}
			if anyValue(resolve(obj, n.Tail.Path), func(v interface{}) bool {
				return compare(v, n.Tail.Op, n.Tail.Value)
			}) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// resolve walks the path through nested maps. A URN prefix addresses an
// extension sub-object keyed by the full URN.
func resolve(doc map[string]interface{}, p Path) interface{} {
	var cur interface{} = doc
	if p.URN != "" {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = lookup(m, p.URN)
	}
	for _, seg := range p.Segs {
		switch t := cur.(type) {
		case map[string]interface{}:
			cur = lookup(t, seg)
		case []interface{}:
			// sub-attribute of a multi-valued attribute: collect from each element
			var collected []interface{}
			for _, el := range t {
				if m, ok := el.(map[string]interface{}); ok {
					if v := lookup(m, seg); v != nil {
						collected = append(collected, v)
					}
				}
			}
			cur = collected
		default:
			return nil
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}

func lookup(m map[string]interface{}, key string) interface{} {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func anyValue(v interface{}, pred func(interface{}) bool) bool {
	if list, ok := v.([]interface{}); ok {
		for _, el := range list {
			if pred(el) {
				return true
			}
		}
		return false
	}
	return pred(v)
}

func compare(v interface{}, op string, lit Literal) bool {
	if op == "pr" {
		return present(v)
	}
	switch lit.Kind {
	case StringLit:
		s, ok := v.(string)
		if !ok {
			return false
		}
		a, b := strings.ToLower(s), strings.ToLower(lit.Str)
		switch op {
		case "eq":
			return a == b
		case "ne":
			return a != b
		case "co":
			return strings.Contains(a, b)
		case "sw":
			return strings.HasPrefix(a, b)
		case "ew":
			return strings.HasSuffix(a, b)
		case "gt":
			return a > b
		case "ge":
			return a >= b
		case "lt":
			return a < b
		case "le":
			return a <= b
		}
	case NumberLit:
		n, ok := toNumber(v)
		if !ok {
			return false
		}
		switch op {
		case "eq":
			return n == lit.Num
		case "ne":
			return n != lit.Num
		case "gt":
			return n > lit.Num
		case "ge":
			return n >= lit.Num
		case "lt":
			return n < lit.Num
		case "le":
			return n <= lit.Num
		}
	case BoolLit:
		b, ok := v.(bool)
		if !ok {
			return false
		}
		switch op {
		case "eq":
			return b == lit.Bool
		case "ne":
			return b != lit.Bool
		}
	case NullLit:
		switch op {
		case "eq":
			return v == nil
		case "ne":
			return v != nil
		}
	}
	return false
}

func present(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
