// Package provision propagates canonical directory mutations to downstream
// providers: user CRUD maps onto adapter calls, group changes derive
// entitlements through the transformation engine and adjust memberships.
package provision

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/provider"
	"github.com/dhawalhost/scimgate/internal/scim"
	"github.com/dhawalhost/scimgate/internal/transform"
)

// Propagator fans mutations out to every adapter registered for the tenant.
// Propagation is asynchronous and best-effort; the sync engine catches
// anything that slips through.
type Propagator struct {
	registry  *provider.Registry
	transform *transform.Engine
	logger    *zap.Logger
	timeout   time.Duration
}

// NewPropagator creates a propagator.
func NewPropagator(registry *provider.Registry, tr *transform.Engine, logger *zap.Logger) *Propagator {
	return &Propagator{
		registry:  registry,
		transform: tr,
		logger:    logger,
		timeout:   2 * time.Minute,
	}
}

func (p *Propagator) adapters(tenantID string) map[string]provider.Adapter {
	out := make(map[string]provider.Adapter)
	for _, pair := range p.registry.Pairs() {
		if pair[0] != tenantID {
			continue
		}
		if a, err := p.registry.Lookup(pair[0], pair[1]); err == nil {
			out[pair[1]] = a
		}
	}
	return out
}

func (p *Propagator) run(tenantID, op string, fn func(ctx context.Context, providerID string, a provider.Adapter) error) {
	adapters := p.adapters(tenantID)
	if len(adapters) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		for providerID, a := range adapters {
			if err := fn(ctx, providerID, a); err != nil {
				p.logger.Warn("Downstream propagation failed",
					zap.String("tenant_id", tenantID),
					zap.String("provider_id", providerID),
					zap.String("operation", op),
					zap.Error(err))
			}
		}
	}()
}

// UserSaved pushes a created or updated user downstream.
func (p *Propagator) UserSaved(tenantID string, u scim.User, created bool) {
	p.run(tenantID, "userSaved", func(ctx context.Context, _ string, a provider.Adapter) error {
		if created {
			_, err := a.CreateUser(ctx, u)
			return err
		}
		_, err := a.UpdateUser(ctx, u)
		return err
	})
}

// UserDeleted deprovisions a user downstream.
func (p *Propagator) UserDeleted(tenantID, id string) {
	p.run(tenantID, "userDeleted", func(ctx context.Context, _ string, a provider.Adapter) error {
		return a.DeleteUser(ctx, id)
	})
}

// GroupSaved derives the group's entitlements and reconciles the downstream
// membership against the previous member set.
func (p *Propagator) GroupSaved(tenantID string, old *scim.Group, g scim.Group, created bool) {
	p.run(tenantID, "groupSaved", func(ctx context.Context, providerID string, a provider.Adapter) error {
		if created {
			if _, err := a.CreateGroup(ctx, g); err != nil {
				return err
			}
		}

		ents, err := p.transform.Apply(ctx, tenantID, providerID, g.DisplayName)
		if err != nil {
			return err
		}
		if len(ents) > 0 {
			names := make([]string, 0, len(ents))
			for _, e := range ents {
				names = append(names, e.Name)
			}
			p.logger.Info("Derived entitlements for group",
				zap.String("tenant_id", tenantID),
				zap.String("provider_id", providerID),
				zap.String("group", g.DisplayName),
				zap.Strings("entitlements", names))
		}

		added, removed := memberDelta(old, g)
		for _, userID := range added {
			if err := a.AddUserToGroup(ctx, g.ID, userID); err != nil {
				return err
			}
		}
		for _, userID := range removed {
			if err := a.RemoveUserFromGroup(ctx, g.ID, userID); err != nil {
				return err
			}
		}
		return nil
	})
}

func memberDelta(old *scim.Group, g scim.Group) (added, removed []string) {
	before := make(map[string]bool)
	if old != nil {
		for _, m := range old.Members {
			before[m.Value] = true
		}
	}
	after := make(map[string]bool, len(g.Members))
	for _, m := range g.Members {
		after[m.Value] = true
		if !before[m.Value] {
			added = append(added, m.Value)
		}
	}
	for v := range before {
		if !after[v] {
			removed = append(removed, v)
		}
	}
	return added, removed
}
