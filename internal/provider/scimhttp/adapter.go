// Package scimhttp is the reference provider adapter: it speaks SCIM 2.0 to
// a downstream service protected by OAuth2 client credentials.
package scimhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dhawalhost/scimgate/internal/provider"
	"github.com/dhawalhost/scimgate/internal/scim"
	"github.com/dhawalhost/scimgate/pkg/observability"
	"github.com/dhawalhost/scimgate/pkg/retry"
)

// Config describes one downstream SCIM endpoint.
type Config struct {
	ProviderID     string               `yaml:"providerId" validate:"required"`
	BaseURL        string               `yaml:"baseUrl" validate:"required,url"`
	RequestTimeout time.Duration        `yaml:"requestTimeout"`
	TotalTimeout   time.Duration        `yaml:"totalTimeout"` // spans all retries
	Credentials    provider.Credentials `yaml:"credentials"`
	Retry          retry.Policy         `yaml:"retry"`
}

// Adapter implements provider.Adapter over HTTP.
type Adapter struct {
	cfg     Config
	client  *http.Client
	policy  retry.Policy
	metrics *observability.Metrics
	logger  *zap.Logger
}

// New builds the adapter. The client secret is resolved from the secret store
// once, at construction; the OAuth2 transport refreshes tokens as needed.
func New(ctx context.Context, cfg Config, secrets provider.SecretStore, metrics *observability.Metrics, logger *zap.Logger) (*Adapter, error) {
	secret, err := secrets.GetSecret(ctx, cfg.Credentials.KeyVaultSecretName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider credentials: %w", err)
	}

	oauthCfg := clientcredentials.Config{
		ClientID:     cfg.Credentials.ClientID,
		ClientSecret: secret,
		TokenURL:     cfg.Credentials.TokenURL,
		Scopes:       cfg.Credentials.Scopes,
	}
	client := oauthCfg.Client(ctx)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = 2 * time.Minute
	}
	client.Timeout = cfg.RequestTimeout

	policy := cfg.Retry
	if policy.MaxRetries == 0 && policy.InitialDelay == 0 {
		policy = retry.DefaultPolicy()
	}

	return &Adapter{
		cfg:     cfg,
		client:  client,
		policy:  policy,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// CreateUser provisions a user downstream.
func (a *Adapter) CreateUser(ctx context.Context, u scim.User) (scim.User, error) {
	var out scim.User
	err := a.call(ctx, "createUser", http.MethodPost, "/Users", u, http.StatusCreated, &out)
	return out, err
}

// GetUser fetches a downstream user by provider-side id.
func (a *Adapter) GetUser(ctx context.Context, id string) (scim.User, error) {
	var out scim.User
	err := a.call(ctx, "getUser", http.MethodGet, "/Users/"+id, nil, http.StatusOK, &out)
	return out, err
}

// UpdateUser replaces a downstream user.
func (a *Adapter) UpdateUser(ctx context.Context, u scim.User) (scim.User, error) {
	var out scim.User
	err := a.call(ctx, "updateUser", http.MethodPut, "/Users/"+u.ID, u, http.StatusOK, &out)
	return out, err
}

// DeleteUser deprovisions a downstream user.
func (a *Adapter) DeleteUser(ctx context.Context, id string) error {
	return a.call(ctx, "deleteUser", http.MethodDelete, "/Users/"+id, nil, http.StatusNoContent, nil)
}

// CreateGroup provisions a group downstream.
func (a *Adapter) CreateGroup(ctx context.Context, g scim.Group) (scim.Group, error) {
	var out scim.Group
	err := a.call(ctx, "createGroup", http.MethodPost, "/Groups", g, http.StatusCreated, &out)
	return out, err
}

// AddUserToGroup adds a membership edge via PATCH.
func (a *Adapter) AddUserToGroup(ctx context.Context, groupID, userID string) error {
	return a.patchMembers(ctx, "addUserToGroup", groupID, "add", userID)
}

// RemoveUserFromGroup removes a membership edge via PATCH.
func (a *Adapter) RemoveUserFromGroup(ctx context.Context, groupID, userID string) error {
	return a.patchMembers(ctx, "removeUserFromGroup", groupID, "remove", userID)
}

func (a *Adapter) patchMembers(ctx context.Context, op, groupID, patchOp, userID string) error {
	body := scim.PatchRequest{
		Schemas: []string{scim.PatchSchema},
		Operations: []scim.PatchOperation{
			{
				Op:    patchOp,
				Path:  "members",
				Value: []map[string]interface{}{{"value": userID}},
			},
		},
	}
	if patchOp == "remove" {
		body.Operations[0].Path = fmt.Sprintf("members[value eq %q]", userID)
		body.Operations[0].Value = nil
	}
	return a.call(ctx, op, http.MethodPatch, "/Groups/"+groupID, body, http.StatusOK, nil)
}

// ListEntitlements pages through the provider's entitlement catalogue.
func (a *Adapter) ListEntitlements(ctx context.Context) ([]provider.Entitlement, error) {
	var envelope struct {
		Resources []provider.Entitlement `json:"Resources"`
	}
	if err := a.call(ctx, "listEntitlements", http.MethodGet, "/Entitlements", nil, http.StatusOK, &envelope); err != nil {
		return nil, err
	}
	return envelope.Resources, nil
}

// call runs one logical operation under the retry policy and the total
// timeout budget.
func (a *Adapter) call(ctx context.Context, op, method, path string, body interface{}, wantStatus int, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.TotalTimeout)
	defer cancel()

	attempt := 0
	err := retry.Do(ctx, a.policy, func(ctx context.Context) error {
		if attempt > 0 && a.metrics != nil {
			a.metrics.ProviderRetries.WithLabelValues(a.cfg.ProviderID, op).Inc()
		}
		attempt++
		return a.once(ctx, method, path, body, wantStatus, out)
	})

	if a.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		a.metrics.ProviderCallsTotal.WithLabelValues(a.cfg.ProviderID, op, outcome).Inc()
	}
	if err != nil {
		a.logger.Warn("Provider call failed",
			zap.String("provider_id", a.cfg.ProviderID),
			zap.String("operation", op),
			zap.Int("attempts", attempt),
			zap.Error(err))
	}
	return err
}

func (a *Adapter) once(ctx context.Context, method, path string, body interface{}, wantStatus int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/scim+json")
	}
	req.Header.Set("Accept", "application/scim+json")

	resp, err := a.client.Do(req)
	if err != nil {
		// Transport failures are retryable by definition.
		return retry.Mark(&provider.Error{
			ProviderErrorCode: "transportError",
			Retryable:         true,
			Message:           err.Error(),
			Err:               err,
		})
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return a.statusError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &provider.Error{
				ProviderErrorCode: "malformedResponse",
				HTTPStatus:        resp.StatusCode,
				Message:           err.Error(),
				Err:               err,
			}
		}
	}
	return nil
}

func (a *Adapter) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	perr := &provider.Error{
		ProviderErrorCode: "http" + strconv.Itoa(resp.StatusCode),
		HTTPStatus:        resp.StatusCode,
		Retryable:         a.policy.Retryable(resp.StatusCode),
		Message:           string(raw),
	}
	if !perr.Retryable {
		return perr
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return retry.MarkAfter(perr, time.Duration(secs)*time.Second)
		}
	}
	return retry.Mark(perr)
}
