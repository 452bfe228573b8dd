// Package transform maps SCIM group names onto provider entitlements through
// tenant-scoped rule sets, and reverse-maps provider entitlements back to the
// groups that could have produced them.
package transform

import "time"

// Kind is the rule matching strategy.
type Kind string

const (
	KindExact        Kind = "EXACT"
	KindRegex        Kind = "REGEX"
	KindHierarchical Kind = "HIERARCHICAL"
	KindConditional  Kind = "CONDITIONAL"
)

// ConflictStrategy decides what happens when multiple rules emit entitlements
// with the same name but different attributes.
type ConflictStrategy string

const (
	FirstWins       ConflictStrategy = "firstWins"
	HighestPriority ConflictStrategy = "highestPriority"
	Merge           ConflictStrategy = "merge"
	Fail            ConflictStrategy = "fail"
)

// Rule maps a group name pattern to an entitlement template. Rules are
// evaluated in ascending priority order; lower numbers run first.
type Rule struct {
	ID              string    `json:"id" db:"id"`
	TenantID        string    `json:"tenantId" db:"tenant_id"`
	ProviderID      string    `json:"providerId" db:"provider_id"`
	Priority        int       `json:"priority" db:"priority"`
	Kind            Kind      `json:"kind" db:"kind"`
	SourcePattern   string    `json:"sourcePattern" db:"source_pattern"`
	TargetMapping   string    `json:"targetMapping" db:"target_mapping"`
	EntitlementType string    `json:"entitlementType,omitempty" db:"entitlement_type"`
	Enabled         bool      `json:"enabled" db:"enabled"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`
}

// Entitlement is a provider-side permission derived from a group.
type Entitlement struct {
	Name                  string `json:"name"`
	Type                  string `json:"type,omitempty"`
	ProviderEntitlementID string `json:"providerEntitlementId,omitempty"`
	SourceRuleID          string `json:"sourceRuleId"`
}

// ReverseMatch is one candidate group for a reverse lookup. Conditional rules
// cannot be inverted; they contribute a hint instead of a group name.
type ReverseMatch struct {
	Group    string `json:"group,omitempty"`
	RuleID   string `json:"ruleId"`
	Priority int    `json:"priority"`
	Hint     string `json:"hint,omitempty"`
}
