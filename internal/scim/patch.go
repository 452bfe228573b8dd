package scim

import (
	"encoding/json"
	"strings"

	"github.com/dhawalhost/scimgate/internal/scim/filter"
	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// patchPath is a parsed PATCH path: attribute, optional value filter,
// optional sub-attribute. Examples:
//
//	name.familyName
//	emails[type eq "work"].value
//	urn:ietf:params:scim:schemas:extension:enterprise:2.0:User:department
type patchPath struct {
	URN     string
	Attr    string
	SubAttr string
	Filter  filter.Expr
}

func parsePatchPath(raw string) (patchPath, error) {
	var p patchPath
	rest := raw

	// A URN prefix runs up to the last colon before any bracket.
	head := rest
	if bracket := strings.IndexByte(rest, '['); bracket >= 0 {
		head = rest[:bracket]
	}
	if idx := strings.LastIndexByte(head, ':'); idx >= 0 {
		p.URN = rest[:idx]
		rest = rest[idx+1:]
	}

	if bracket := strings.IndexByte(rest, '['); bracket >= 0 {
		closing := findBracketEnd(rest, bracket)
		if closing < 0 {
			return p, scimerr.BadSyntax("unbalanced bracket in path " + raw)
		}
		sub, err := filter.Parse(rest[bracket+1 : closing])
		if err != nil {
			return p, scimerr.BadFilter("invalid value filter in path: " + err.Error())
		}
		p.Attr = rest[:bracket]
		p.Filter = sub
		tail := rest[closing+1:]
		if tail != "" {
			if !strings.HasPrefix(tail, ".") || len(tail) == 1 {
				return p, scimerr.BadSyntax("malformed sub-attribute in path " + raw)
			}
			p.SubAttr = tail[1:]
		}
		return p, nil
	}

	parts := strings.SplitN(rest, ".", 2)
	p.Attr = parts[0]
	if len(parts) == 2 {
		p.SubAttr = parts[1]
	}
	if p.Attr == "" {
		return p, scimerr.BadSyntax("empty attribute in path " + raw)
	}
	return p, nil
}

// findBracketEnd locates the matching ']' honoring quoted strings.
func findBracketEnd(s string, open int) int {
	inQuote := false
	for i := open + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case ']':
			if !inQuote {
				return i
			}
		}
	}
	return -1
}

// ApplyPatch applies a SCIM PATCH operation sequence to the generic JSON
// form of a resource. The input map is not modified; a patched deep copy is
// returned. Any failure leaves the caller's resource untouched, which gives
// PATCH its all-or-nothing contract.
func ApplyPatch(doc map[string]interface{}, ops []PatchOperation) (map[string]interface{}, error) {
	if len(ops) == 0 {
		return nil, scimerr.BadValue("Operations must not be empty")
	}
	work := deepCopy(doc).(map[string]interface{})
	for _, op := range ops {
		var err error
		switch strings.ToLower(op.Op) {
		case "add":
			err = applyAdd(work, op)
		case "replace":
			err = applyReplace(work, op)
		case "remove":
			err = applyRemove(work, op)
		default:
			err = scimerr.BadSyntax("unknown patch op " + op.Op)
		}
		if err != nil {
			return nil, err
		}
	}
	return work, nil
}

func applyAdd(doc map[string]interface{}, op PatchOperation) error {
	if op.Path == "" {
		return mergeRoot(doc, op.Value)
	}
	p, err := parsePatchPath(op.Path)
	if err != nil {
		return err
	}
	target := container(doc, p, true)
	if target == nil {
		return scimerr.BadSyntax("cannot address path " + op.Path)
	}

	if p.Filter != nil {
		return mutateMatched(target, p, op.Path, func(elem map[string]interface{}) {
			if p.SubAttr != "" {
				setKey(elem, p.SubAttr, normalize(op.Value))
			} else if obj, ok := normalize(op.Value).(map[string]interface{}); ok {
				for k, v := range obj {
					setKey(elem, k, v)
				}
			}
		})
	}

	key := p.Attr
	if p.SubAttr != "" {
		sub, err := descend(target, p.Attr, true)
		if err != nil {
			return err
		}
		target, key = sub, p.SubAttr
	}

	current := getKey(target, key)
	val := normalize(op.Value)
	if list, ok := current.([]interface{}); ok {
		// multi-valued: append
		if add, ok := val.([]interface{}); ok {
			list = append(list, add...)
		} else {
			list = append(list, val)
		}
		setKey(target, key, list)
		return nil
	}
	if current == nil {
		if _, isList := val.([]interface{}); isList {
			setKey(target, key, val)
			return nil
		}
	}
	setKey(target, key, val)
	return nil
}

func applyReplace(doc map[string]interface{}, op PatchOperation) error {
	if op.Path == "" {
		return mergeRoot(doc, op.Value)
	}
	p, err := parsePatchPath(op.Path)
	if err != nil {
		return err
	}
	target := container(doc, p, true)
	if target == nil {
		return scimerr.BadSyntax("cannot address path " + op.Path)
	}

	if p.Filter != nil {
		return mutateMatched(target, p, op.Path, func(elem map[string]interface{}) {
			if p.SubAttr != "" {
				setKey(elem, p.SubAttr, normalize(op.Value))
			} else if obj, ok := normalize(op.Value).(map[string]interface{}); ok {
				for k := range elem {
					delete(elem, k)
				}
				for k, v := range obj {
					elem[k] = v
				}
			}
		})
	}

	key := p.Attr
	if p.SubAttr != "" {
		sub, err := descend(target, p.Attr, true)
		if err != nil {
			return err
		}
		target, key = sub, p.SubAttr
	}
	setKey(target, key, normalize(op.Value))
	return nil
}

func applyRemove(doc map[string]interface{}, op PatchOperation) error {
	if op.Path == "" {
		return scimerr.NoTarget("remove requires a path")
	}
	p, err := parsePatchPath(op.Path)
	if err != nil {
		return err
	}
	target := container(doc, p, false)
	if target == nil {
		return scimerr.NoTarget("no target at path " + op.Path)
	}

	if p.Filter != nil {
		list, ok := getKey(target, p.Attr).([]interface{})
		if !ok {
			return scimerr.NoTarget("no target at path " + op.Path)
		}
		var kept []interface{}
		removed := false
		for _, el := range list {
			obj, isObj := el.(map[string]interface{})
			if isObj && filter.Matches(p.Filter, obj) {
				removed = true
				if p.SubAttr != "" {
					deleteKey(obj, p.SubAttr)
					kept = append(kept, obj)
				}
				continue
			}
			kept = append(kept, el)
		}
		if !removed {
			return scimerr.NoTarget("no matching value at path " + op.Path)
		}
		if len(kept) == 0 {
			deleteKey(target, p.Attr)
		} else {
			setKey(target, p.Attr, kept)
		}
		return nil
	}

	key := p.Attr
	if p.SubAttr != "" {
		sub, err := descend(target, p.Attr, false)
		if err != nil {
			return err
		}
		if sub == nil {
			return scimerr.NoTarget("no target at path " + op.Path)
		}
		target, key = sub, p.SubAttr
	}
	if getKey(target, key) == nil {
		return scimerr.NoTarget("no target at path " + op.Path)
	}
	deleteKey(target, key)
	return nil
}

// mutateMatched applies fn to every element matching the path's value
// filter; zero matches is a noTarget failure.
func mutateMatched(target map[string]interface{}, p patchPath, rawPath string, fn func(map[string]interface{})) error {
	list, ok := getKey(target, p.Attr).([]interface{})
	if !ok {
		return scimerr.NoTarget("no target at path " + rawPath)
	}
	matched := false
	for _, el := range list {
		obj, isObj := el.(map[string]interface{})
		if !isObj || !filter.Matches(p.Filter, obj) {
			continue
		}
		matched = true
		fn(obj)
	}
	if !matched {
		return scimerr.NoTarget("no matching value at path " + rawPath)
	}
	return nil
}

// container returns the map that holds the path's first attribute: the root
// document, or the extension object when the path is URN-qualified.
func container(doc map[string]interface{}, p patchPath, create bool) map[string]interface{} {
	if p.URN == "" {
		return doc
	}
	if ext, ok := getKey(doc, p.URN).(map[string]interface{}); ok {
		return ext
	}
	if !create {
		return nil
	}
	ext := make(map[string]interface{})
	doc[p.URN] = ext
	return ext
}

func descend(target map[string]interface{}, attr string, create bool) (map[string]interface{}, error) {
	cur := getKey(target, attr)
	if cur == nil {
		if !create {
			return nil, nil
		}
		sub := make(map[string]interface{})
		setKey(target, attr, sub)
		return sub, nil
	}
	sub, ok := cur.(map[string]interface{})
	if !ok {
		return nil, scimerr.BadSyntax("attribute " + attr + " is not a complex value")
	}
	return sub, nil
}

func mergeRoot(doc map[string]interface{}, value interface{}) error {
	obj, ok := normalize(value).(map[string]interface{})
	if !ok {
		return scimerr.BadValue("add/replace without path requires an object value")
	}
	for k, v := range obj {
		setKey(doc, k, v)
	}
	return nil
}

// getKey/setKey/deleteKey treat attribute names case-insensitively while
// preserving the existing key's spelling.
func getKey(m map[string]interface{}, key string) interface{} {
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

func setKey(m map[string]interface{}, key string, val interface{}) {
	for k := range m {
		if strings.EqualFold(k, key) {
			m[k] = val
			return
		}
	}
	m[key] = val
}

func deleteKey(m map[string]interface{}, key string) {
	for k := range m {
		if strings.EqualFold(k, key) {
			delete(m, k)
			return
		}
	}
}

// normalize round-trips arbitrary values through JSON so the patch engine
// only ever sees map/slice/scalar shapes.
func normalize(v interface{}) interface{} {
	switch v.(type) {
	case nil, string, bool, float64, map[string]interface{}, []interface{}:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, child := range t {
			out[k] = deepCopy(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, child := range t {
			out[i] = deepCopy(child)
		}
		return out
	default:
		return v
	}
}

// ToDoc converts a typed resource to its generic JSON form.
func ToDoc(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// FromDoc converts a generic JSON form back into the typed resource.
func FromDoc(doc map[string]interface{}, out interface{}) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// PatchUser applies ops to a user and returns the patched copy.
func PatchUser(u User, ops []PatchOperation) (User, error) {
	doc, err := ToDoc(u)
	if err != nil {
		return User{}, scimerr.Internal(err)
	}
	patched, err := ApplyPatch(doc, ops)
	if err != nil {
		return User{}, err
	}
	var out User
	if err := FromDoc(patched, &out); err != nil {
		return User{}, scimerr.BadValue("patch produced an invalid user document")
	}
	return out, nil
}

// PatchGroup applies ops to a group, collapsing the member set afterwards.
func PatchGroup(g Group, ops []PatchOperation) (Group, error) {
	doc, err := ToDoc(g)
	if err != nil {
		return Group{}, scimerr.Internal(err)
	}
	patched, err := ApplyPatch(doc, ops)
	if err != nil {
		return Group{}, err
	}
	var out Group
	if err := FromDoc(patched, &out); err != nil {
		return Group{}, scimerr.BadValue("patch produced an invalid group document")
	}
	out.DedupeMembers()
	return out, nil
}
