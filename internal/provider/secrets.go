package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvSecretStore resolves secrets from environment variables, mapping a vault
// name like "crm-client-secret" to SECRET_CRM_CLIENT_SECRET. It stands in for
// a real vault in the dev profile and in tests.
type EnvSecretStore struct{}

func (EnvSecretStore) GetSecret(_ context.Context, name string) (string, error) {
	key := "SECRET_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret %q not found (env %s unset)", name, key)
	}
	return v, nil
}
