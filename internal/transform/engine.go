package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/audit"
)

// EventSink receives structured conflict events. The audit pipeline satisfies
// it.
type EventSink interface {
	Emit(e audit.Entry)
}

// ConflictError aborts a transformation under the Fail strategy.
type ConflictError struct {
	EntitlementName string
	RuleIDs         []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting rules %v emit entitlement %q", e.RuleIDs, e.EntitlementName)
}

// Engine evaluates transformation rules.
type Engine struct {
	rules    RuleSource
	strategy ConflictStrategy
	events   EventSink
	logger   *zap.Logger
}

// NewEngine creates a transformation engine.
func NewEngine(rules RuleSource, strategy ConflictStrategy, events EventSink, logger *zap.Logger) *Engine {
	if strategy == "" {
		strategy = FirstWins
	}
	return &Engine{rules: rules, strategy: strategy, events: events, logger: logger}
}

// placeholderRe matches ${...} template references.
var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z0-9]+)\}`)

// Apply derives the entitlements for a group name. Rules evaluate in
// ascending priority order; name collisions resolve per the configured
// strategy.
func (e *Engine) Apply(ctx context.Context, tenantID, providerID, groupName string) ([]Entitlement, error) {
	if groupName == "" {
		return nil, nil
	}
	rules, err := e.rules.ListRules(ctx, tenantID, providerID)
	if err != nil {
		return nil, err
	}

	type emitted struct {
		ent      Entitlement
		priority int
	}
	var all []emitted
	for _, r := range rules {
		name, ok := e.evaluate(r, groupName)
		if !ok {
			continue
		}
		all = append(all, emitted{
			ent: Entitlement{
				Name:         name,
				Type:         r.EntitlementType,
				SourceRuleID: r.ID,
			},
			priority: r.Priority,
		})
	}

	var out []Entitlement
	byName := make(map[string]int) // name -> index into out
	for _, em := range all {
		idx, seen := byName[em.ent.Name]
		if !seen {
			byName[em.ent.Name] = len(out)
			out = append(out, em.ent)
			continue
		}
		if !materiallyDifferent(out[idx], em.ent) {
			continue
		}

		ruleIDs := []string{out[idx].SourceRuleID, em.ent.SourceRuleID}
		e.reportConflict(tenantID, providerID, em.ent.Name, ruleIDs)
		switch e.strategy {
		case FirstWins, HighestPriority:
			// Rules arrive in ascending priority, so the entry already kept
			// came from the higher-priority rule under both strategies.
		case Merge:
			out[idx] = merge(out[idx], em.ent)
		case Fail:
			return nil, &ConflictError{EntitlementName: em.ent.Name, RuleIDs: ruleIDs}
		}
	}
	return out, nil
}

func (e *Engine) evaluate(r Rule, groupName string) (string, bool) {
	switch r.Kind {
	case KindExact:
		if r.SourcePattern == groupName {
			return r.TargetMapping, true
		}
	case KindRegex:
		re, err := compileAnchored(r.SourcePattern)
		if err != nil {
			e.logger.Warn("Skipping rule with invalid regex",
				zap.String("rule_id", r.ID), zap.Error(err))
			return "", false
		}
		m := re.FindStringSubmatch(groupName)
		if m == nil {
			return "", false
		}
		return expandTemplate(r.TargetMapping, func(ref string) (string, bool) {
			n, err := strconv.Atoi(ref)
			if err != nil || n < 0 || n >= len(m) {
				return "", false
			}
			return m[n], true
		})
	case KindHierarchical:
		segs := strings.Split(groupName, "/")
		return expandTemplate(r.TargetMapping, func(ref string) (string, bool) {
			n, ok := levelRef(ref)
			if !ok || n < 1 || n > len(segs) {
				return "", false
			}
			return segs[n-1], true
		})
	case KindConditional:
		matched, ok := matchCondition(r.SourcePattern, groupName)
		if !ok {
			e.logger.Warn("Skipping rule with unparseable condition",
				zap.String("rule_id", r.ID),
				zap.String("condition", r.SourcePattern))
			return "", false
		}
		if matched {
			return r.TargetMapping, true
		}
	}
	return "", false
}

// Reverse returns the groups that could have produced an entitlement,
// ordered by rule priority. Conditional rules contribute hints only.
func (e *Engine) Reverse(ctx context.Context, tenantID, providerID, entitlementName string) ([]ReverseMatch, error) {
	if entitlementName == "" {
		return nil, nil
	}
	rules, err := e.rules.ListRules(ctx, tenantID, providerID)
	if err != nil {
		return nil, err
	}

	var out []ReverseMatch
	for _, r := range rules {
		switch r.Kind {
		case KindExact:
			if r.TargetMapping == entitlementName {
				out = append(out, ReverseMatch{Group: r.SourcePattern, RuleID: r.ID, Priority: r.Priority})
			}
		case KindRegex:
			group, ok := reverseRegex(r, entitlementName)
			if ok {
				out = append(out, ReverseMatch{Group: group, RuleID: r.ID, Priority: r.Priority})
			}
		case KindHierarchical:
			group, partial, ok := reverseHierarchical(r, entitlementName)
			if !ok {
				continue
			}
			m := ReverseMatch{Group: group, RuleID: r.ID, Priority: r.Priority}
			if partial {
				m.Hint = "path partially recovered; unreferenced segments are unknown"
			}
			out = append(out, m)
		case KindConditional:
			if r.TargetMapping == entitlementName {
				out = append(out, ReverseMatch{
					RuleID:   r.ID,
					Priority: r.Priority,
					Hint:     "condition: " + r.SourcePattern,
				})
			}
		}
	}
	return out, nil
}

func (e *Engine) reportConflict(tenantID, providerID, name string, ruleIDs []string) {
	e.logger.Warn("Transformation rule conflict",
		zap.String("tenant_id", tenantID),
		zap.String("provider_id", providerID),
		zap.String("entitlement", name),
		zap.Strings("rule_ids", ruleIDs),
		zap.String("strategy", string(e.strategy)))
	if e.events == nil {
		return
	}
	meta, _ := json.Marshal(map[string]interface{}{
		"providerId": providerID,
		"ruleIds":    ruleIDs,
		"strategy":   string(e.strategy),
	})
	e.events.Emit(audit.Entry{
		Timestamp:    time.Now().UTC(),
		TenantID:     tenantID,
		ActorType:    audit.ActorSystem,
		Operation:    "transformConflict",
		ResourceType: "Entitlement",
		ResourceID:   name,
		Metadata:     meta,
	})
}

func materiallyDifferent(a, b Entitlement) bool {
	return a.Type != b.Type || a.ProviderEntitlementID != b.ProviderEntitlementID
}

func merge(a, b Entitlement) Entitlement {
	if a.Type == "" {
		a.Type = b.Type
	}
	if a.ProviderEntitlementID == "" {
		a.ProviderEntitlementID = b.ProviderEntitlementID
	}
	return a
}

func compileAnchored(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern += "$"
	}
	return regexp.Compile(pattern)
}

// expandTemplate substitutes every ${ref} via the resolver. An unresolvable
// reference fails the whole expansion.
func expandTemplate(tmpl string, resolve func(ref string) (string, bool)) (string, bool) {
	ok := true
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		ref := m[2 : len(m)-1]
		v, resolved := resolve(ref)
		if !resolved {
			ok = false
			return ""
		}
		return v
	})
	return out, ok
}

func levelRef(ref string) (int, bool) {
	if !strings.HasPrefix(ref, "level") {
		return 0, false
	}
	n, err := strconv.Atoi(ref[len("level"):])
	if err != nil {
		return 0, false
	}
	return n, true
}

// matchCondition evaluates the conditional rule predicate grammar:
// contains/startsWith/endsWith/equals followed by a quoted literal.
func matchCondition(condition, groupName string) (matched, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(condition), " ", 2)
	if len(parts) != 2 {
		return false, false
	}
	lit := strings.TrimSpace(parts[1])
	if len(lit) < 2 {
		return false, false
	}
	if (lit[0] == '\'' && lit[len(lit)-1] == '\'') || (lit[0] == '"' && lit[len(lit)-1] == '"') {
		lit = lit[1 : len(lit)-1]
	} else {
		return false, false
	}

	switch strings.ToLower(parts[0]) {
	case "contains":
		return strings.Contains(groupName, lit), true
	case "startswith":
		return strings.HasPrefix(groupName, lit), true
	case "endswith":
		return strings.HasSuffix(groupName, lit), true
	case "equals":
		return groupName == lit, true
	default:
		return false, false
	}
}

// reverseTemplate compiles the target mapping into a capture regex: literal
// runs are quoted, each ${ref} becomes (.*). It returns the references in
// occurrence order.
func reverseTemplate(tmpl string) (*regexp.Regexp, []string, error) {
	var sb strings.Builder
	sb.WriteString("^")
	var refs []string
	last := 0
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(tmpl, -1) {
		sb.WriteString(regexp.QuoteMeta(tmpl[last:loc[0]]))
		sb.WriteString("(.*)")
		refs = append(refs, tmpl[loc[2]:loc[3]])
		last = loc[1]
	}
	sb.WriteString(regexp.QuoteMeta(tmpl[last:]))
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	return re, refs, err
}

// reverseRegex inverts a REGEX rule: match the entitlement against the
// reversed target template, then splice the captures back into the source
// pattern's literal skeleton. Lossy patterns yield no candidate.
func reverseRegex(r Rule, entitlementName string) (string, bool) {
	re, refs, err := reverseTemplate(r.TargetMapping)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(entitlementName)
	if m == nil {
		return "", false
	}

	captures := make(map[int]string)
	for i, ref := range refs {
		n, err := strconv.Atoi(ref)
		if err != nil {
			return "", false
		}
		captures[n] = m[i+1]
	}
	if full, ok := captures[0]; ok && len(captures) == 1 {
		return full, true
	}
	return spliceSource(r.SourcePattern, captures)
}

// spliceSource rebuilds a group name from a source regex by replacing its
// top-level capture groups with known values and keeping literal characters.
func spliceSource(pattern string, captures map[int]string) (string, bool) {
	var sb strings.Builder
	group := 0
	depth := 0
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch {
		case ch == '\\' && i+1 < len(pattern):
			if depth == 0 {
				sb.WriteByte(pattern[i+1])
			}
			i++
		case ch == '(':
			depth++
			if depth == 1 {
				group++
				v, ok := captures[group]
				if !ok {
					return "", false
				}
				sb.WriteString(v)
			}
		case ch == ')':
			if depth == 0 {
				return "", false
			}
			depth--
		case depth > 0:
			// Inside a group the captured value already stands in.
		case ch == '^' || ch == '$':
		case strings.ContainsRune(`.*+?[]{}|`, rune(ch)):
			// Unquantifiable metacharacter outside a capture: lossy pattern.
			return "", false
		default:
			sb.WriteByte(ch)
		}
	}
	return sb.String(), depth == 0
}

// reverseHierarchical recovers the path segments a HIERARCHICAL rule
// referenced. Unreferenced segments below the deepest known level come back
// as "*".
func reverseHierarchical(r Rule, entitlementName string) (group string, partial, ok bool) {
	re, refs, err := reverseTemplate(r.TargetMapping)
	if err != nil {
		return "", false, false
	}
	m := re.FindStringSubmatch(entitlementName)
	if m == nil {
		return "", false, false
	}

	levels := make(map[int]string)
	maxLevel := 0
	for i, ref := range refs {
		n, isLevel := levelRef(ref)
		if !isLevel || n < 1 {
			return "", false, false
		}
		levels[n] = m[i+1]
		if n > maxLevel {
			maxLevel = n
		}
	}
	if maxLevel == 0 {
		return "", false, false
	}

	segs := make([]string, maxLevel)
	for i := 1; i <= maxLevel; i++ {
		if v, known := levels[i]; known {
			segs[i-1] = v
		} else {
			segs[i-1] = "*"
			partial = true
		}
	}
	return strings.Join(segs, "/"), partial, true
}
