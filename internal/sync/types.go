// Package sync compares the canonical directory against provider-reported
// state, produces drift and conflict reports, and reconciles them either
// automatically by sync direction or manually through the admin API.
package sync

import "time"

// Direction controls which side wins during automatic reconciliation.
type Direction string

const (
	EntraToSaas   Direction = "EntraToSaas"
	SaasToEntra   Direction = "SaasToEntra"
	Bidirectional Direction = "Bidirectional"
)

// DriftType classifies how the two sides disagree.
type DriftType string

const (
	AttributeDrift  DriftType = "AttributeDrift"
	MembershipDrift DriftType = "MembershipDrift"
	ExistenceDrift  DriftType = "ExistenceDrift"
)

// Severity ranks drift by the criticality of the attribute involved.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for threshold comparisons.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// attributeSeverity is the criticality table for attribute drift.
var attributeSeverity = map[string]Severity{
	"userName":    SeverityCritical,
	"active":      SeverityHigh,
	"emails":      SeverityHigh,
	"displayName": SeverityMedium,
	"title":       SeverityLow,
}

func severityFor(attribute string) Severity {
	if s, ok := attributeSeverity[attribute]; ok {
		return s
	}
	return SeverityLow
}

// ConflictType classifies concurrent divergence.
type ConflictType string

const (
	ConcurrentUpdate    ConflictType = "ConcurrentUpdate"
	DeleteVsUpdate      ConflictType = "DeleteVsUpdate"
	UniquenessCollision ConflictType = "UniquenessCollision"
)

// Resolution strategies for conflicts.
type Resolution string

const (
	CanonicalWins Resolution = "CanonicalWins"
	ProviderWins  Resolution = "ProviderWins"
	Newest        Resolution = "Newest"
	Manual        Resolution = "Manual"
)

// DriftReport records one detected divergence.
type DriftReport struct {
	ID             string     `json:"id" db:"id"`
	TenantID       string     `json:"tenantId" db:"tenant_id"`
	ProviderID     string     `json:"providerId" db:"provider_id"`
	ResourceType   string     `json:"resourceType" db:"resource_type"`
	ResourceID     string     `json:"resourceId" db:"resource_id"`
	DriftType      DriftType  `json:"driftType" db:"drift_type"`
	Severity       Severity   `json:"severity" db:"severity"`
	Attribute      string     `json:"attribute,omitempty" db:"attribute"`
	CanonicalValue string     `json:"canonicalValue,omitempty" db:"canonical_value"`
	ProviderValue  string     `json:"providerValue,omitempty" db:"provider_value"`
	DetectedAt     time.Time  `json:"detectedAt" db:"detected_at"`
	Reconciled     bool       `json:"reconciled" db:"reconciled"`
	ReconciledAt   *time.Time `json:"reconciledAt,omitempty" db:"reconciled_at"`
	ReconciledBy   string     `json:"reconciledBy,omitempty" db:"reconciled_by"`
	Notes          string     `json:"notes,omitempty" db:"notes"`
}

// ConflictReport records concurrent divergence that blocks or complicates a
// sync cycle.
type ConflictReport struct {
	ID                string       `json:"id" db:"id"`
	TenantID          string       `json:"tenantId" db:"tenant_id"`
	ProviderID        string       `json:"providerId" db:"provider_id"`
	ResourceType      string       `json:"resourceType" db:"resource_type"`
	ResourceID        string       `json:"resourceId" db:"resource_id"`
	ConflictType      ConflictType `json:"conflictType" db:"conflict_type"`
	CanonicalModified *time.Time   `json:"canonicalModified,omitempty" db:"canonical_modified"`
	ProviderModified  *time.Time   `json:"providerModified,omitempty" db:"provider_modified"`
	SyncBlocked       bool         `json:"syncBlocked" db:"sync_blocked"`
	DetectedAt        time.Time    `json:"detectedAt" db:"detected_at"`
	Resolved          bool         `json:"resolved" db:"resolved"`
	Resolution        Resolution   `json:"resolution,omitempty" db:"resolution"`
	ResolvedAt        *time.Time   `json:"resolvedAt,omitempty" db:"resolved_at"`
	ResolvedBy        string       `json:"resolvedBy,omitempty" db:"resolved_by"`
	Notes             string       `json:"notes,omitempty" db:"notes"`
}

// State is the per-(tenant, provider) sync watermark.
type State struct {
	TenantID      string     `json:"tenantId" db:"tenant_id"`
	ProviderID    string     `json:"providerId" db:"provider_id"`
	LastFullSync  *time.Time `json:"lastFullSync,omitempty" db:"last_full_sync"`
	LastIncrement *time.Time `json:"lastIncrementalSync,omitempty" db:"last_incremental_sync"`
	Cursor        *time.Time `json:"cursor,omitempty" db:"cursor"`
	Blocked       bool       `json:"blocked" db:"blocked"`
}

// ReconcileRequest is the manual drift reconciliation payload.
type ReconcileRequest struct {
	DriftID          string    `json:"driftId"`
	Direction        Direction `json:"direction" binding:"required"`
	ActorID          string    `json:"actorId"`
	Notes            string    `json:"notes"`
	ApplyImmediately bool      `json:"applyImmediately"`
}

// ResolveRequest is the manual conflict resolution payload.
type ResolveRequest struct {
	ConflictID string     `json:"conflictId"`
	Resolution Resolution `json:"resolution" binding:"required"`
	ActorID    string     `json:"actorId"`
	Notes      string     `json:"notes"`
}

// ReportQuery filters drift/conflict listings.
type ReportQuery struct {
	TenantID     string
	ProviderID   string
	ResourceType string
	Severity     Severity
	// Settled filters on reconciled (drift) or resolved (conflicts); nil
	// means both.
	Settled   *bool
	StartTime *time.Time
	EndTime   *time.Time
	SortBy    string // detectedAt, severity, resourceType
	SortOrder string // ascending or descending
	Limit     int
	Offset    int
}
