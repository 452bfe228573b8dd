package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/audit"
	"github.com/dhawalhost/scimgate/internal/directory"
	"github.com/dhawalhost/scimgate/internal/etag"
	"github.com/dhawalhost/scimgate/internal/provider"
	"github.com/dhawalhost/scimgate/internal/scim"
	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// Reconciler applies the chosen side of a drift or conflict to the other
// side. Both workflows are idempotent: re-submitting a settled report is a
// success without side effects.
type Reconciler struct {
	directory directory.Store
	registry  *provider.Registry
	store     Store
	events    EventSink
	logger    *zap.Logger
	now       func() time.Time
}

// Reconcile handles a manual drift reconciliation request.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID string, req ReconcileRequest) (DriftReport, error) {
	d, err := r.store.GetDrift(ctx, tenantID, req.DriftID)
	if err != nil {
		if errors.Is(err, ErrReportNotFound) {
			return DriftReport{}, scimerr.NotFound(req.DriftID)
		}
		return DriftReport{}, scimerr.Internal(err)
	}
	if d.Reconciled {
		return d, nil
	}
	if req.Direction != EntraToSaas && req.Direction != SaasToEntra {
		return DriftReport{}, scimerr.BadValue("direction must be EntraToSaas or SaasToEntra")
	}

	if req.ApplyImmediately {
		if err := r.applyDrift(ctx, req.Direction, &d, req.ActorID); err != nil {
			return DriftReport{}, scimerr.Internal(err)
		}
	} else {
		r.settleDrift(&d, req.ActorID)
	}
	d.Notes = req.Notes

	if err := r.store.UpdateDrift(ctx, d); err != nil {
		return DriftReport{}, scimerr.Internal(err)
	}
	return d, nil
}

// applyDrift pushes the chosen side onto the other, marks the report
// reconciled on the in-memory struct and emits an audit event. Persistence is
// the caller's responsibility.
func (r *Reconciler) applyDrift(ctx context.Context, direction Direction, d *DriftReport, actorID string) error {
	adapter, err := r.registry.Lookup(d.TenantID, d.ProviderID)
	if err != nil {
		return err
	}

	switch direction {
	case EntraToSaas:
		err = r.pushCanonical(ctx, adapter, d)
	case SaasToEntra:
		err = r.pullProvider(ctx, adapter, d)
	default:
		return fmt.Errorf("cannot apply drift with direction %q", direction)
	}
	if err != nil {
		return err
	}

	r.settleDrift(d, actorID)
	return nil
}

func (r *Reconciler) settleDrift(d *DriftReport, actorID string) {
	now := r.now().UTC()
	d.Reconciled = true
	d.ReconciledAt = &now
	d.ReconciledBy = actorID
	r.emit(d.TenantID, actorID, "driftReconciled", d.ResourceType, d.ResourceID, map[string]interface{}{
		"driftId":   d.ID,
		"driftType": string(d.DriftType),
		"attribute": d.Attribute,
	})
}

func (r *Reconciler) pushCanonical(ctx context.Context, adapter provider.Adapter, d *DriftReport) error {
	if d.ResourceType != "User" {
		return fmt.Errorf("automatic application is only supported for users; reconcile %s manually", d.ResourceType)
	}
	u, err := r.directory.GetUser(ctx, d.TenantID, d.ResourceID)
	if err != nil {
		return err
	}
	if d.DriftType == ExistenceDrift {
		_, err = adapter.CreateUser(ctx, u)
		return err
	}
	_, err = adapter.UpdateUser(ctx, u)
	return err
}

func (r *Reconciler) pullProvider(ctx context.Context, adapter provider.Adapter, d *DriftReport) error {
	if d.ResourceType != "User" {
		return fmt.Errorf("automatic application is only supported for users; reconcile %s manually", d.ResourceType)
	}
	u, err := r.directory.GetUser(ctx, d.TenantID, d.ResourceID)
	if err != nil {
		return err
	}

	providerID := u.ExternalID
	if providerID == "" {
		providerID = u.ID
	}
	pu, err := adapter.GetUser(ctx, providerID)
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) && perr.HTTPStatus == 404 {
			// The provider side is gone and wins: drop the canonical copy.
			return r.directory.DeleteUser(ctx, d.TenantID, d.ResourceID)
		}
		return err
	}

	return r.writeCanonical(ctx, d.TenantID, u, pu)
}

// writeCanonical overlays the provider attributes and performs the
// conditional write with a fresh version.
func (r *Reconciler) writeCanonical(ctx context.Context, tenantID string, u, pu scim.User) error {
	expected := u.Meta.Version
	copySyncedAttributes(&u, pu)
	now := r.now().UTC()
	u.Meta.LastModified = &now
	u.Meta.Version = etag.New()
	return r.directory.UpdateUser(ctx, tenantID, u, expected)
}

// ResolveConflict handles a manual conflict resolution request.
func (r *Reconciler) ResolveConflict(ctx context.Context, tenantID string, req ResolveRequest) (ConflictReport, error) {
	c, err := r.store.GetConflict(ctx, tenantID, req.ConflictID)
	if err != nil {
		if errors.Is(err, ErrReportNotFound) {
			return ConflictReport{}, scimerr.NotFound(req.ConflictID)
		}
		return ConflictReport{}, scimerr.Internal(err)
	}
	if c.Resolved {
		return c, nil
	}

	resolution := req.Resolution
	if resolution == Newest {
		resolution = newestSide(c)
	}

	switch resolution {
	case Manual:
		// Stays pending; only the notes are recorded.
		c.Notes = req.Notes
		if err := r.store.UpdateConflict(ctx, c); err != nil {
			return ConflictReport{}, scimerr.Internal(err)
		}
		return c, nil
	case CanonicalWins:
		err = r.applyConflict(ctx, &c, EntraToSaas)
	case ProviderWins:
		err = r.applyConflict(ctx, &c, SaasToEntra)
	default:
		return ConflictReport{}, scimerr.BadValue(fmt.Sprintf("unknown resolution %q", req.Resolution))
	}
	if err != nil {
		return ConflictReport{}, scimerr.Internal(err)
	}

	now := r.now().UTC()
	c.Resolved = true
	c.Resolution = req.Resolution
	c.ResolvedAt = &now
	c.ResolvedBy = req.ActorID
	c.SyncBlocked = false
	c.Notes = req.Notes
	if err := r.store.UpdateConflict(ctx, c); err != nil {
		return ConflictReport{}, scimerr.Internal(err)
	}

	r.emit(c.TenantID, req.ActorID, "conflictResolved", c.ResourceType, c.ResourceID, map[string]interface{}{
		"conflictId":   c.ID,
		"conflictType": string(c.ConflictType),
		"resolution":   string(req.Resolution),
	})

	if err := r.unblockIfClear(ctx, c.TenantID, c.ProviderID); err != nil {
		r.logger.Warn("Failed to refresh sync block state", zap.Error(err))
	}
	return c, nil
}

func (r *Reconciler) applyConflict(ctx context.Context, c *ConflictReport, direction Direction) error {
	adapter, err := r.registry.Lookup(c.TenantID, c.ProviderID)
	if err != nil {
		return err
	}

	if direction == EntraToSaas {
		u, err := r.directory.GetUser(ctx, c.TenantID, c.ResourceID)
		if err != nil {
			return err
		}
		if c.ConflictType == DeleteVsUpdate {
			_, err = adapter.CreateUser(ctx, u)
			return err
		}
		_, err = adapter.UpdateUser(ctx, u)
		return err
	}

	// Provider wins.
	u, err := r.directory.GetUser(ctx, c.TenantID, c.ResourceID)
	if err != nil {
		return err
	}
	providerID := u.ExternalID
	if providerID == "" {
		providerID = u.ID
	}
	pu, err := adapter.GetUser(ctx, providerID)
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) && perr.HTTPStatus == 404 {
			return r.directory.DeleteUser(ctx, c.TenantID, c.ResourceID)
		}
		return err
	}
	return r.writeCanonical(ctx, c.TenantID, u, pu)
}

// unblockIfClear clears the sync-blocked flag once no open blocking conflicts
// remain for the pair.
func (r *Reconciler) unblockIfClear(ctx context.Context, tenantID, providerID string) error {
	open := false
	conflicts, _, err := r.store.ListConflicts(ctx, ReportQuery{
		TenantID:   tenantID,
		ProviderID: providerID,
		Settled:    boolPtr(false),
	})
	if err != nil {
		return err
	}
	for _, c := range conflicts {
		if c.SyncBlocked {
			open = true
			break
		}
	}
	if open {
		return nil
	}

	state, err := r.store.GetState(ctx, tenantID, providerID)
	if err != nil {
		return err
	}
	if !state.Blocked {
		return nil
	}
	state.Blocked = false
	return r.store.SaveState(ctx, state)
}

func (r *Reconciler) emit(tenantID, actorID, op, resourceType, resourceID string, meta map[string]interface{}) {
	if r.events == nil {
		return
	}
	actorType := audit.ActorSystem
	if actorID != "" && actorID != "system" {
		actorType = audit.ActorUser
	}
	raw, _ := json.Marshal(meta)
	r.events.Emit(audit.Entry{
		Timestamp:    r.now().UTC(),
		TenantID:     tenantID,
		ActorID:      actorID,
		ActorType:    actorType,
		Operation:    op,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     raw,
	})
}

func newestSide(c ConflictReport) Resolution {
	switch {
	case c.CanonicalModified == nil && c.ProviderModified == nil:
		return CanonicalWins
	case c.ProviderModified == nil:
		return CanonicalWins
	case c.CanonicalModified == nil:
		return ProviderWins
	case c.CanonicalModified.After(*c.ProviderModified):
		return CanonicalWins
	default:
		return ProviderWins
	}
}

// copySyncedAttributes overlays the provider's synchronized attribute set on
// the canonical user, keeping canonical identity and metadata.
func copySyncedAttributes(dst *scim.User, src scim.User) {
	dst.UserName = src.UserName
	dst.DisplayName = src.DisplayName
	dst.Title = src.Title
	dst.Active = src.Active
	if len(src.Emails) > 0 {
		dst.Emails = src.Emails
	}
}

func boolPtr(b bool) *bool { return &b }
