// Package provider defines the downstream adapter contract: the uniform
// capability set every SaaS connector implements, the typed failure adapters
// return, and the process-wide registry the sync engine looks adapters up in.
package provider

import (
	"context"
	"fmt"

	"github.com/dhawalhost/scimgate/internal/scim"
)

// Entitlement is a provider-side permission as the provider reports it.
type Entitlement struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Adapter is the capability set every provider connector satisfies. Calls
// return the updated resource or a typed *Error.
type Adapter interface {
	CreateUser(ctx context.Context, u scim.User) (scim.User, error)
	GetUser(ctx context.Context, id string) (scim.User, error)
	UpdateUser(ctx context.Context, u scim.User) (scim.User, error)
	DeleteUser(ctx context.Context, id string) error
	CreateGroup(ctx context.Context, g scim.Group) (scim.Group, error)
	AddUserToGroup(ctx context.Context, groupID, userID string) error
	RemoveUserFromGroup(ctx context.Context, groupID, userID string) error
	ListEntitlements(ctx context.Context) ([]Entitlement, error)
}

// Error is the typed failure adapters surface. Retryable drives the retry
// policy; HTTPStatus is zero for non-HTTP transports.
type Error struct {
	ProviderErrorCode string
	HTTPStatus        int
	Retryable         bool
	Message           string
	Err               error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error %s (status %d): %s", e.ProviderErrorCode, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("provider error %s (status %d)", e.ProviderErrorCode, e.HTTPStatus)
}

func (e *Error) Unwrap() error { return e.Err }

// Credentials addresses an adapter's secret material in the external secret
// store. Plaintext secrets never appear in configuration or registry state.
type Credentials struct {
	ClientID           string `yaml:"clientId"`
	KeyVaultSecretName string `yaml:"keyVaultSecretName" validate:"required"`
	TokenURL           string `yaml:"tokenUrl"`
	Scopes             []string `yaml:"scopes"`
}

// SecretStore resolves secret material by vault name.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}
