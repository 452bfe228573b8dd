package auth

import (
	"strings"

	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// ActorType discriminates who performed an operation.
type ActorType string

const (
	ActorUser             ActorType = "User"
	ActorServicePrincipal ActorType = "ServicePrincipal"
	ActorSystem           ActorType = "System"
)

// TenantContext is the per-request identity every downstream stage keys on.
type TenantContext struct {
	TenantID  string
	ActorID   string
	ActorType ActorType
	RequestID string
}

// BuildTenantContext derives the tenant context from a validated claim set.
// A token without a tenant claim is rejected up front; everything after this
// point may assume TenantID is set.
func BuildTenantContext(claims Claims, requestID string) (TenantContext, error) {
	if claims.TenantID == "" {
		return TenantContext{}, scimerr.InvalidTenant("Token does not carry a tenant identifier")
	}

	actorID := claims.ObjectID
	if actorID == "" {
		actorID = claims.Subject
	}

	// App-only tokens carry appid/azp and no user principal name. Delegated
	// tokens always carry upn.
	actorType := ActorUser
	if claims.AppID != "" && claims.UPN == "" {
		actorType = ActorServicePrincipal
	}

	return TenantContext{
		TenantID:  claims.TenantID,
		ActorID:   actorID,
		ActorType: actorType,
		RequestID: requestID,
	}, nil
}

// CheckTenantPath rejects requests whose URL names a different tenant than
// the token. Tenant identifiers compare case-insensitively.
func CheckTenantPath(tc TenantContext, pathTenantID string) error {
	if pathTenantID == "" {
		return nil
	}
	if !strings.EqualFold(tc.TenantID, pathTenantID) {
		return scimerr.Forbidden("Token tenant does not match the requested tenant")
	}
	return nil
}
