package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/audit"
	"github.com/dhawalhost/scimgate/internal/directory"
	"github.com/dhawalhost/scimgate/internal/provider"
	"github.com/dhawalhost/scimgate/internal/scim"
	"github.com/dhawalhost/scimgate/internal/transform"
)

type rulesSource []transform.Rule

func (s rulesSource) ListRules(context.Context, string, string) ([]transform.Rule, error) {
	return s, nil
}

type captureSink struct {
	entries []audit.Entry
}

func (c *captureSink) Emit(e audit.Entry) { c.entries = append(c.entries, e) }

// stubAdapter is a scripted provider: users holds the provider-side state,
// getErr overrides GetUser per id, and the call slices record mutations.
type stubAdapter struct {
	users   map[string]scim.User
	getErr  map[string]error
	ents    []provider.Entitlement
	created []scim.User
	updated []scim.User
	deleted []string
}

func (a *stubAdapter) CreateUser(_ context.Context, u scim.User) (scim.User, error) {
	a.created = append(a.created, u)
	return u, nil
}

func (a *stubAdapter) GetUser(_ context.Context, id string) (scim.User, error) {
	if err, ok := a.getErr[id]; ok {
		return scim.User{}, err
	}
	u, ok := a.users[id]
	if !ok {
		return scim.User{}, &provider.Error{ProviderErrorCode: "not_found", HTTPStatus: 404}
	}
	return u, nil
}

func (a *stubAdapter) UpdateUser(_ context.Context, u scim.User) (scim.User, error) {
	a.updated = append(a.updated, u)
	return u, nil
}

func (a *stubAdapter) DeleteUser(_ context.Context, id string) error {
	a.deleted = append(a.deleted, id)
	return nil
}

func (a *stubAdapter) CreateGroup(_ context.Context, g scim.Group) (scim.Group, error) {
	return g, nil
}

func (a *stubAdapter) AddUserToGroup(context.Context, string, string) error      { return nil }
func (a *stubAdapter) RemoveUserFromGroup(context.Context, string, string) error { return nil }

func (a *stubAdapter) ListEntitlements(context.Context) ([]provider.Entitlement, error) {
	return a.ents, nil
}

type fixture struct {
	eng     *Engine
	dir     directory.Store
	store   Store
	adapter *stubAdapter
	events  *captureSink
}

func newFixture(rules ...transform.Rule) *fixture {
	adapter := &stubAdapter{
		users:  make(map[string]scim.User),
		getErr: make(map[string]error),
	}
	reg := provider.NewRegistry()
	reg.Register("t1", "crm", adapter)
	dir := directory.NewMemStore()
	store := NewMemStore()
	events := &captureSink{}
	tr := transform.NewEngine(rulesSource(rules), transform.FirstWins, nil, zap.NewNop())
	eng := NewEngine(dir, reg, tr, store, nil, events, zap.NewNop())
	return &fixture{eng: eng, dir: dir, store: store, adapter: adapter, events: events}
}

func pair(d Direction) Pair {
	return Pair{TenantID: "t1", ProviderID: "crm", Direction: d}
}

func timePtr(t time.Time) *time.Time { return &t }

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func syncUser(id, userName string, modified time.Time) scim.User {
	return scim.User{
		Schemas:  []string{scim.UserSchema},
		ID:       id,
		UserName: userName,
		Title:    "Engineer",
		Active:   true,
		Emails:   []scim.MultiValued{{Value: userName + "@example.com", Type: "work", Primary: true}},
		Meta: scim.Meta{
			ResourceType: "User",
			Created:      timePtr(modified),
			LastModified: timePtr(modified),
			Version:      `W/"v1"`,
		},
	}
}

func TestRunFullNoDivergence(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := syncUser("u1", "alice", baseTime)
	f.dir.CreateUser(ctx, "t1", u) //nolint:errcheck
	pu := u
	pu.Meta.LastModified = nil // provider side untouched
	f.adapter.users["u1"] = pu

	sum, err := f.eng.RunFull(ctx, pair(Bidirectional))
	if err != nil {
		t.Fatalf("RunFull failed: %v", err)
	}
	if sum.UsersScanned != 1 || sum.DriftDetected != 0 || sum.Conflicts != 0 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRunFullScansBeyondOnePage(t *testing.T) {
	f := newFixture()
	f.eng.pageSize = 2
	ctx := context.Background()
	names := []string{"alice", "bob", "carol", "dave", "erin"}
	for i, n := range names {
		u := syncUser("u"+n, n, baseTime)
		f.dir.CreateUser(ctx, "t1", u) //nolint:errcheck
		pu := u
		pu.Meta.LastModified = nil
		if i >= 2 {
			// Divergence on the later pages must still be found.
			pu.Title = "Staff Engineer"
		}
		f.adapter.users[u.ID] = pu
	}

	sum, err := f.eng.RunFull(ctx, pair(Bidirectional))
	if err != nil {
		t.Fatalf("RunFull failed: %v", err)
	}
	if sum.UsersScanned != len(names) {
		t.Errorf("users scanned = %d, want %d", sum.UsersScanned, len(names))
	}
	if sum.DriftDetected != 3 {
		t.Errorf("drift detected = %d, want 3", sum.DriftDetected)
	}
}

func TestAttributeDriftSeverity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := syncUser("u1", "alice", baseTime)
	f.dir.CreateUser(ctx, "t1", u) //nolint:errcheck
	pu := u
	pu.Title = "Staff Engineer"
	pu.Meta.LastModified = nil
	f.adapter.users["u1"] = pu

	sum, err := f.eng.RunFull(ctx, pair(Bidirectional))
	if err != nil {
		t.Fatalf("RunFull failed: %v", err)
	}
	if sum.DriftDetected != 1 || sum.Conflicts != 0 || sum.AutoReconciled != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	reports, total, err := f.store.ListDrift(ctx, ReportQuery{TenantID: "t1"})
	if err != nil || total != 1 {
		t.Fatalf("drift reports = %d, err = %v", total, err)
	}
	d := reports[0]
	if d.DriftType != AttributeDrift || d.Severity != SeverityLow || d.Attribute != "title" {
		t.Errorf("report = %+v", d)
	}
	if d.CanonicalValue != "Engineer" || d.ProviderValue != "Staff Engineer" {
		t.Errorf("values = %q / %q", d.CanonicalValue, d.ProviderValue)
	}
	if d.Reconciled {
		t.Error("bidirectional pairs must never auto-reconcile")
	}
}

func TestLowSeverityDriftAutoReconciles(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := syncUser("u1", "alice", baseTime)
	f.dir.CreateUser(ctx, "t1", u) //nolint:errcheck
	pu := u
	pu.Title = "Staff Engineer"
	pu.Meta.LastModified = nil
	f.adapter.users["u1"] = pu

	sum, err := f.eng.RunFull(ctx, pair(EntraToSaas))
	if err != nil {
		t.Fatalf("RunFull failed: %v", err)
	}
	if sum.AutoReconciled != 1 || sum.DriftDetected != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(f.adapter.updated) != 1 || f.adapter.updated[0].ID != "u1" {
		t.Errorf("canonical state not pushed: %+v", f.adapter.updated)
	}

	reports, _, _ := f.store.ListDrift(ctx, ReportQuery{TenantID: "t1"})
	if len(reports) != 1 || !reports[0].Reconciled || reports[0].ReconciledBy != "system" {
		t.Errorf("report = %+v", reports)
	}
	if len(f.events.entries) != 1 {
		t.Fatalf("events = %+v", f.events.entries)
	}
	ev := f.events.entries[0]
	if ev.Operation != "driftReconciled" || ev.ActorType != audit.ActorSystem {
		t.Errorf("event = %+v", ev)
	}
}

func TestHighSeverityDriftStaysPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := syncUser("u1", "alice", baseTime)
	f.dir.CreateUser(ctx, "t1", u) //nolint:errcheck
	pu := u
	pu.Active = false
	pu.Meta.LastModified = nil
	f.adapter.users["u1"] = pu

	sum, err := f.eng.RunFull(ctx, pair(EntraToSaas))
	if err != nil {
		t.Fatalf("RunFull failed: %v", err)
	}
	if sum.AutoReconciled != 0 || sum.DriftDetected != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(f.adapter.updated) != 0 {
		t.Errorf("high severity drift was pushed automatically: %+v", f.adapter.updated)
	}
	reports, _, _ := f.store.ListDrift(ctx, ReportQuery{TenantID: "t1"})
	if len(reports) != 1 || reports[0].Severity != SeverityHigh || reports[0].Reconciled {
		t.Errorf("report = %+v", reports)
	}
}

func TestExistenceDriftWhenProviderDeletedStaleUser(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := syncUser("u1", "alice", baseTime)
	f.dir.CreateUser(ctx, "t1", u) //nolint:errcheck
	// The canonical copy has not changed since the last cycle, so the
	// provider-side deletion is drift, not a conflict.
	f.store.SaveState(ctx, State{ //nolint:errcheck
		TenantID: "t1", ProviderID: "crm",
		Cursor: timePtr(baseTime.Add(time.Hour)),
	})

	sum, err := f.eng.RunFull(ctx, pair(Bidirectional))
	if err != nil {
		t.Fatalf("RunFull failed: %v", err)
	}
	if sum.DriftDetected != 1 || sum.Conflicts != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	reports, _, _ := f.store.ListDrift(ctx, ReportQuery{TenantID: "t1"})
	d := reports[0]
	if d.DriftType != ExistenceDrift || d.Severity != SeverityCritical || d.CanonicalValue != "alice" {
		t.Errorf("report = %+v", d)
	}
	state, _ := f.store.GetState(ctx, "t1", "crm")
	if state.Blocked {
		t.Error("existence drift must not block the pair")
	}
}

func TestDeleteVsUpdateConflictBlocksPair(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := syncUser("u1", "alice", baseTime)
	f.dir.CreateUser(ctx, "t1", u) //nolint:errcheck
	// No provider copy and no cursor: the canonical edit counts as newer than
	// the watermark, so the deletion collides with it.

	sum, err := f.eng.RunFull(ctx, pair(Bidirectional))
	if err != nil {
		t.Fatalf("RunFull failed: %v", err)
	}
	if sum.Conflicts != 1 || sum.DriftDetected != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	conflicts, _, _ := f.store.ListConflicts(ctx, ReportQuery{TenantID: "t1"})
	c := conflicts[0]
	if c.ConflictType != DeleteVsUpdate || !c.SyncBlocked {
		t.Errorf("conflict = %+v", c)
	}

	if _, err := f.eng.RunFull(ctx, pair(Bidirectional)); !errors.Is(err, ErrSyncBlocked) {
		t.Errorf("blocked pair ran anyway: %v", err)
	}
}

func TestConcurrentUpdateConflict(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := syncUser("u1", "alice", baseTime)
	f.dir.CreateUser(ctx, "t1", u) //nolint:errcheck
	pu := u
	pu.Title = "Manager"
	pu.Meta.LastModified = timePtr(baseTime.Add(time.Minute))
	f.adapter.users["u1"] = pu

	sum, err := f.eng.RunFull(ctx, pair(Bidirectional))
	if err != nil {
		t.Fatalf("RunFull failed: %v", err)
	}
	if sum.Conflicts != 1 || sum.DriftDetected != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	conflicts, _, _ := f.store.ListConflicts(ctx, ReportQuery{TenantID: "t1"})
	c := conflicts[0]
	if c.ConflictType != ConcurrentUpdate || c.SyncBlocked {
		t.Errorf("conflict = %+v", c)
	}
	if c.CanonicalModified == nil || c.ProviderModified == nil {
		t.Errorf("conflict timestamps missing: %+v", c)
	}
	state, _ := f.store.GetState(ctx, "t1", "crm")
	if state.Blocked {
		t.Error("concurrent updates must not block the pair")
	}
}

func TestUniquenessCollisionConflict(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice := syncUser("u1", "alice", baseTime)
	bob := syncUser("u2", "bob", baseTime)
	f.dir.CreateUser(ctx, "t1", alice) //nolint:errcheck
	f.dir.CreateUser(ctx, "t1", bob)   //nolint:errcheck

	// The provider renamed alice to bob's userName.
	stolen := alice
	stolen.UserName = "bob"
	stolen.Meta.LastModified = nil
	f.adapter.users["u1"] = stolen
	pb := bob
	pb.Meta.LastModified = nil
	f.adapter.users["u2"] = pb

	sum, err := f.eng.RunFull(ctx, pair(Bidirectional))
	if err != nil {
		t.Fatalf("RunFull failed: %v", err)
	}
	if sum.Conflicts != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	conflicts, _, _ := f.store.ListConflicts(ctx, ReportQuery{TenantID: "t1"})
	c := conflicts[0]
	if c.ConflictType != UniquenessCollision || !c.SyncBlocked || c.ResourceID != "u1" {
		t.Errorf("conflict = %+v", c)
	}
}

func TestRateLimitAbortsCycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := syncUser("u1", "alice", baseTime)
	f.dir.CreateUser(ctx, "t1", u) //nolint:errcheck
	f.adapter.getErr["u1"] = &provider.Error{HTTPStatus: 429, Retryable: true}

	sum, err := f.eng.RunFull(ctx, pair(Bidirectional))
	if err == nil {
		t.Fatal("rate limited cycle must fail")
	}
	if !sum.RateLimited {
		t.Errorf("summary = %+v", sum)
	}
	// The watermark must not advance on an aborted cycle.
	state, _ := f.store.GetState(ctx, "t1", "crm")
	if state.Cursor != nil || state.LastFullSync != nil {
		t.Errorf("state advanced after abort: %+v", state)
	}
}

func TestRepeatedCyclesDoNotDuplicateDrift(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := syncUser("u1", "alice", baseTime)
	f.dir.CreateUser(ctx, "t1", u) //nolint:errcheck
	pu := u
	pu.Title = "Staff Engineer"
	pu.Meta.LastModified = nil
	f.adapter.users["u1"] = pu

	if _, err := f.eng.RunFull(ctx, pair(Bidirectional)); err != nil {
		t.Fatal(err)
	}
	sum, err := f.eng.RunFull(ctx, pair(Bidirectional))
	if err != nil {
		t.Fatal(err)
	}
	if sum.DriftDetected != 0 {
		t.Errorf("second cycle re-reported open drift: %+v", sum)
	}
	_, total, _ := f.store.ListDrift(ctx, ReportQuery{TenantID: "t1"})
	if total != 1 {
		t.Errorf("drift reports = %d, want 1", total)
	}
}

func TestIncrementalSkipsUnmodifiedUsers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := syncUser("u1", "alice", baseTime)
	f.dir.CreateUser(ctx, "t1", u) //nolint:errcheck
	pu := u
	pu.Meta.LastModified = nil
	f.adapter.users["u1"] = pu

	if _, err := f.eng.RunFull(ctx, pair(Bidirectional)); err != nil {
		t.Fatal(err)
	}
	sum, err := f.eng.RunIncremental(ctx, pair(Bidirectional))
	if err != nil {
		t.Fatal(err)
	}
	if sum.UsersScanned != 0 {
		t.Errorf("incremental cycle scanned %d users, want 0", sum.UsersScanned)
	}
	state, _ := f.store.GetState(ctx, "t1", "crm")
	if state.LastIncrement == nil || state.LastFullSync == nil {
		t.Errorf("watermarks missing: %+v", state)
	}
}

func TestEntitlementDriftMissingOnProvider(t *testing.T) {
	f := newFixture(transform.Rule{
		ID: "r1", Kind: transform.KindExact,
		SourcePattern: "Engineering", TargetMapping: "eng-license", EntitlementType: "license",
	})
	ctx := context.Background()
	f.dir.CreateGroup(ctx, "t1", scim.Group{ //nolint:errcheck
		Schemas: []string{scim.GroupSchema}, ID: "g1", DisplayName: "Engineering",
		Meta: scim.Meta{ResourceType: "Group", Created: timePtr(baseTime), Version: `W/"v1"`},
	})
	// The provider has no entitlements at all.

	sum, err := f.eng.RunFull(ctx, pair(Bidirectional))
	if err != nil {
		t.Fatalf("RunFull failed: %v", err)
	}
	if sum.DriftDetected != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	reports, _, _ := f.store.ListDrift(ctx, ReportQuery{TenantID: "t1"})
	d := reports[0]
	if d.DriftType != MembershipDrift || d.ResourceType != "Group" || d.CanonicalValue != "eng-license" {
		t.Errorf("report = %+v", d)
	}
}

func TestEntitlementDriftOrphanedOnProvider(t *testing.T) {
	f := newFixture(transform.Rule{
		ID: "r1", Kind: transform.KindExact,
		SourcePattern: "Sales", TargetMapping: "sales-license",
	})
	ctx := context.Background()
	// No canonical "Sales" group remains, but the provider still carries the
	// derived entitlement.
	f.adapter.ents = []provider.Entitlement{{ID: "e1", Name: "sales-license", Type: "license"}}

	sum, err := f.eng.RunFull(ctx, pair(Bidirectional))
	if err != nil {
		t.Fatalf("RunFull failed: %v", err)
	}
	if sum.DriftDetected != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	reports, _, _ := f.store.ListDrift(ctx, ReportQuery{TenantID: "t1"})
	d := reports[0]
	if d.DriftType != MembershipDrift || d.ProviderValue != "sales-license" || d.ResourceID != "e1" {
		t.Errorf("report = %+v", d)
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !SeverityCritical.AtLeast(SeverityHigh) || !SeverityHigh.AtLeast(SeverityHigh) {
		t.Error("AtLeast ordering broken")
	}
	if SeverityMedium.AtLeast(SeverityHigh) {
		t.Error("medium must rank below high")
	}
	if severityFor("userName") != SeverityCritical || severityFor("title") != SeverityLow {
		t.Error("attribute severity table broken")
	}
	if severityFor("unknownAttribute") != SeverityLow {
		t.Error("unknown attributes default to low")
	}
}
