package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/audit"
	"github.com/dhawalhost/scimgate/internal/directory"
	"github.com/dhawalhost/scimgate/internal/provider"
	"github.com/dhawalhost/scimgate/internal/scim"
	"github.com/dhawalhost/scimgate/internal/transform"
	"github.com/dhawalhost/scimgate/pkg/observability"
)

// ErrSyncBlocked is returned when unresolved blocking conflicts prevent a
// cycle from running.
var ErrSyncBlocked = errors.New("sync blocked by unresolved conflicts")

// Pair binds a sync cycle to one tenant/provider combination.
type Pair struct {
	TenantID   string    `yaml:"tenantId"`
	ProviderID string    `yaml:"providerId"`
	Direction  Direction `yaml:"direction"`
}

// Summary is the outcome of one sync cycle.
type Summary struct {
	UsersScanned   int  `json:"usersScanned"`
	DriftDetected  int  `json:"driftDetected"`
	Conflicts      int  `json:"conflicts"`
	AutoReconciled int  `json:"autoReconciled"`
	RateLimited    bool `json:"rateLimited"`
}

// EventSink receives sync audit events. The audit pipeline satisfies it.
type EventSink interface {
	Emit(e audit.Entry)
}

// Engine runs drift and conflict detection per (tenant, provider) pair. Two
// cycles for the same pair never run concurrently; a keyed mutex serializes
// them.
type Engine struct {
	directory directory.Store
	registry  *provider.Registry
	transform *transform.Engine
	store     Store
	metrics   *observability.Metrics
	events    EventSink
	logger    *zap.Logger

	// autoThreshold: drift at or above this severity is never reconciled
	// automatically.
	autoThreshold Severity
	// pageSize bounds each canonical list call during a scan.
	pageSize int

	mu    gosync.Mutex
	locks map[string]*gosync.Mutex
	now   func() time.Time

	*Reconciler
}

// NewEngine creates a sync engine and its reconciler.
func NewEngine(dir directory.Store, registry *provider.Registry, tr *transform.Engine, store Store, metrics *observability.Metrics, events EventSink, logger *zap.Logger) *Engine {
	e := &Engine{
		directory:     dir,
		registry:      registry,
		transform:     tr,
		store:         store,
		metrics:       metrics,
		events:        events,
		logger:        logger,
		autoThreshold: SeverityHigh,
		pageSize:      directory.MaxPageSize,
		locks:         make(map[string]*gosync.Mutex),
		now:           time.Now,
	}
	e.Reconciler = &Reconciler{
		directory: dir,
		registry:  registry,
		store:     store,
		events:    events,
		logger:    logger,
		now:       time.Now,
	}
	return e
}

func (e *Engine) lock(p Pair) *gosync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := p.TenantID + "/" + p.ProviderID
	l, ok := e.locks[key]
	if !ok {
		l = &gosync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// RunFull snapshots both sides and diffs everything.
func (e *Engine) RunFull(ctx context.Context, p Pair) (Summary, error) {
	return e.run(ctx, p, false)
}

// RunIncremental diffs only resources modified since the watermark.
func (e *Engine) RunIncremental(ctx context.Context, p Pair) (Summary, error) {
	return e.run(ctx, p, true)
}

func (e *Engine) run(ctx context.Context, p Pair, incremental bool) (Summary, error) {
	l := e.lock(p)
	l.Lock()
	defer l.Unlock()

	var sum Summary
	state, err := e.store.GetState(ctx, p.TenantID, p.ProviderID)
	if err != nil {
		return sum, err
	}
	if state.Blocked {
		return sum, ErrSyncBlocked
	}

	adapter, err := e.registry.Lookup(p.TenantID, p.ProviderID)
	if err != nil {
		return sum, err
	}

	cycleStart := e.now().UTC()
	users, err := e.listAllUsers(ctx, p.TenantID)
	if err != nil {
		return sum, err
	}

	blocked := false
	for _, u := range users {
		if incremental && state.Cursor != nil &&
			u.Meta.LastModified != nil && !u.Meta.LastModified.After(*state.Cursor) {
			continue
		}
		sum.UsersScanned++

		conflictBlocked, rateLimited, err := e.scanUser(ctx, p, state, adapter, u, users, &sum)
		if rateLimited {
			sum.RateLimited = true
			return sum, err
		}
		if err != nil {
			e.logger.Warn("Skipping user during sync cycle",
				zap.String("tenant_id", p.TenantID),
				zap.String("user_id", u.ID),
				zap.Error(err))
			continue
		}
		if conflictBlocked {
			blocked = true
		}
	}

	if derr := e.scanEntitlements(ctx, p, adapter, &sum); derr != nil {
		var perr *provider.Error
		if errors.As(derr, &perr) && perr.HTTPStatus == 429 {
			sum.RateLimited = true
			return sum, derr
		}
		e.logger.Warn("Entitlement scan failed", zap.Error(derr))
	}

	state.Cursor = &cycleStart
	state.Blocked = blocked
	if incremental {
		state.LastIncrement = &cycleStart
	} else {
		state.LastFullSync = &cycleStart
	}
	if err := e.store.SaveState(ctx, state); err != nil {
		return sum, err
	}

	e.logger.Info("Sync cycle completed",
		zap.String("tenant_id", p.TenantID),
		zap.String("provider_id", p.ProviderID),
		zap.Bool("incremental", incremental),
		zap.Int("users_scanned", sum.UsersScanned),
		zap.Int("drift_detected", sum.DriftDetected),
		zap.Int("conflicts", sum.Conflicts))
	return sum, nil
}

// listAllUsers pages through the canonical directory until the total is
// exhausted, so a scan covers every user and not just the first page.
func (e *Engine) listAllUsers(ctx context.Context, tenantID string) ([]scim.User, error) {
	var all []scim.User
	start := 1
	for {
		page, total, err := e.directory.ListUsers(ctx, tenantID, directory.ListParams{
			StartIndex: start,
			Count:      e.pageSize,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) == 0 || len(all) >= total {
			return all, nil
		}
		start += len(page)
	}
}

func (e *Engine) listAllGroups(ctx context.Context, tenantID string) ([]scim.Group, error) {
	var all []scim.Group
	start := 1
	for {
		page, total, err := e.directory.ListGroups(ctx, tenantID, directory.ListParams{
			StartIndex: start,
			Count:      e.pageSize,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) == 0 || len(all) >= total {
			return all, nil
		}
		start += len(page)
	}
}

// scanUser diffs one canonical user against the provider. It returns whether
// a blocking conflict was raised and whether the provider rate limited us.
func (e *Engine) scanUser(ctx context.Context, p Pair, state State, adapter provider.Adapter, u scim.User, all []scim.User, sum *Summary) (blocked, rateLimited bool, err error) {
	providerID := u.ExternalID
	if providerID == "" {
		providerID = u.ID
	}

	pu, err := adapter.GetUser(ctx, providerID)
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) {
			switch perr.HTTPStatus {
			case 429:
				return false, true, err
			case 404:
				if modifiedSince(u.Meta.LastModified, state.Cursor) {
					e.raiseConflict(ctx, p, u, nil, DeleteVsUpdate, true, sum)
					return true, false, nil
				}
				e.raiseDrift(ctx, p, DriftReport{
					ResourceType: "User",
					ResourceID:   u.ID,
					DriftType:    ExistenceDrift,
					Severity:     SeverityCritical,
					Attribute:    "existence",
					CanonicalValue: u.UserName,
				}, sum)
				return false, false, nil
			}
		}
		return false, false, err
	}

	// Uniqueness collision: the provider-side name belongs to a different
	// canonical user.
	if pu.UserName != "" && pu.UserName != u.UserName {
		for _, other := range all {
			if other.ID != u.ID && other.UserName == pu.UserName {
				e.raiseConflict(ctx, p, u, &pu, UniquenessCollision, true, sum)
				return true, false, nil
			}
		}
	}

	// Both sides moved since the watermark: that is a conflict, not drift.
	if modifiedSince(u.Meta.LastModified, state.Cursor) && modifiedSince(pu.Meta.LastModified, state.Cursor) {
		if len(diffAttributes(u, pu)) > 0 {
			e.raiseConflict(ctx, p, u, &pu, ConcurrentUpdate, false, sum)
			return false, false, nil
		}
	}

	for _, d := range diffAttributes(u, pu) {
		e.raiseDrift(ctx, p, DriftReport{
			ResourceType:   "User",
			ResourceID:     u.ID,
			DriftType:      AttributeDrift,
			Severity:       severityFor(d.attribute),
			Attribute:      d.attribute,
			CanonicalValue: d.canonical,
			ProviderValue:  d.provider,
		}, sum)
	}
	return false, false, nil
}

// scanEntitlements checks the derived entitlement set against the provider
// catalogue in both directions.
func (e *Engine) scanEntitlements(ctx context.Context, p Pair, adapter provider.Adapter, sum *Summary) error {
	groups, err := e.listAllGroups(ctx, p.TenantID)
	if err != nil {
		return err
	}
	ents, err := adapter.ListEntitlements(ctx)
	if err != nil {
		return err
	}
	providerNames := make(map[string]bool, len(ents))
	for _, ent := range ents {
		providerNames[ent.Name] = true
	}

	groupNames := make(map[string]bool, len(groups))
	for _, g := range groups {
		groupNames[g.DisplayName] = true
		derived, err := e.transform.Apply(ctx, p.TenantID, p.ProviderID, g.DisplayName)
		if err != nil {
			return err
		}
		for _, ent := range derived {
			if !providerNames[ent.Name] {
				e.raiseDrift(ctx, p, DriftReport{
					ResourceType:   "Group",
					ResourceID:     g.ID,
					DriftType:      MembershipDrift,
					Severity:       SeverityHigh,
					Attribute:      "entitlements",
					CanonicalValue: ent.Name,
				}, sum)
			}
		}
	}

	// Reverse pass: provider entitlements whose source groups no longer
	// exist canonically.
	for _, ent := range ents {
		matches, err := e.transform.Reverse(ctx, p.TenantID, p.ProviderID, ent.Name)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if m.Group == "" || groupNames[m.Group] {
				continue
			}
			e.raiseDrift(ctx, p, DriftReport{
				ResourceType:  "Group",
				ResourceID:    ent.ID,
				DriftType:     MembershipDrift,
				Severity:      SeverityHigh,
				Attribute:     "entitlements",
				ProviderValue: ent.Name,
			}, sum)
		}
	}
	return nil
}

func (e *Engine) raiseDrift(ctx context.Context, p Pair, d DriftReport, sum *Summary) {
	if _, open, err := e.store.FindOpenDrift(ctx, p.TenantID, p.ProviderID, d.ResourceID, d.DriftType, d.Attribute); err != nil || open {
		return
	}

	d.ID = uuid.NewString()
	d.TenantID = p.TenantID
	d.ProviderID = p.ProviderID
	d.DetectedAt = e.now().UTC()

	// Automatic reconciliation only below the threshold and with a definite
	// direction; everything else stays pending for the admin API.
	if p.Direction != Bidirectional && !d.Severity.AtLeast(e.autoThreshold) {
		if err := e.applyDrift(ctx, p.Direction, &d, "system"); err == nil {
			sum.AutoReconciled++
		} else {
			e.logger.Warn("Automatic reconciliation failed",
				zap.String("drift_id", d.ID),
				zap.Error(err))
		}
	}

	if err := e.store.SaveDrift(ctx, d); err != nil {
		e.logger.Error("Failed to save drift report", zap.Error(err))
		return
	}
	sum.DriftDetected++
	if e.metrics != nil {
		e.metrics.SyncDriftDetected.WithLabelValues(p.TenantID, p.ProviderID, string(d.DriftType)).Inc()
	}
}

func (e *Engine) raiseConflict(ctx context.Context, p Pair, u scim.User, pu *scim.User, ct ConflictType, blocks bool, sum *Summary) {
	if _, open, err := e.store.FindOpenConflict(ctx, p.TenantID, p.ProviderID, u.ID, ct); err != nil || open {
		return
	}

	c := ConflictReport{
		ID:                uuid.NewString(),
		TenantID:          p.TenantID,
		ProviderID:        p.ProviderID,
		ResourceType:      "User",
		ResourceID:        u.ID,
		ConflictType:      ct,
		CanonicalModified: u.Meta.LastModified,
		SyncBlocked:       blocks,
		DetectedAt:        e.now().UTC(),
	}
	if pu != nil {
		c.ProviderModified = pu.Meta.LastModified
	}
	if err := e.store.SaveConflict(ctx, c); err != nil {
		e.logger.Error("Failed to save conflict report", zap.Error(err))
		return
	}
	sum.Conflicts++
	if e.metrics != nil {
		e.metrics.SyncConflicts.WithLabelValues(p.TenantID, p.ProviderID, string(ct)).Inc()
	}
}

type attrDiff struct {
	attribute string
	canonical string
	provider  string
}

// diffAttributes compares the synchronized attribute set.
func diffAttributes(a, b scim.User) []attrDiff {
	var out []attrDiff
	add := func(attr, av, bv string) {
		if av != bv {
			out = append(out, attrDiff{attribute: attr, canonical: av, provider: bv})
		}
	}
	add("userName", a.UserName, b.UserName)
	add("displayName", a.DisplayName, b.DisplayName)
	add("title", a.Title, b.Title)
	add("active", fmt.Sprintf("%t", a.Active), fmt.Sprintf("%t", b.Active))
	add("emails", primaryEmail(a), primaryEmail(b))
	return out
}

func primaryEmail(u scim.User) string {
	for _, e := range u.Emails {
		if e.Primary {
			return e.Value
		}
	}
	if len(u.Emails) > 0 {
		return u.Emails[0].Value
	}
	return ""
}

func modifiedSince(t, since *time.Time) bool {
	if t == nil {
		return false
	}
	if since == nil {
		return true
	}
	return t.After(*since)
}
