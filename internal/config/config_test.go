package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dhawalhost/scimgate/internal/transform"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
server:
  addr: ":9090"
  memoryStore: true
token:
  issuers:
    - https://login.example.com/t1/v2.0
  audience: api://scimgate
  metadataEndpoint: https://login.example.com/t1/discovery/v2.0/keys
rateLimit:
  tenantRequestsPerSecond: 50
  tenantBurst: 100
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9090" || !cfg.Server.MemoryStore {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Token.Audience != "api://scimgate" {
		t.Errorf("token = %+v", cfg.Token)
	}
	if cfg.RateLimit.TenantRequestsPerSecond != 50 {
		t.Errorf("rateLimit = %+v", cfg.RateLimit)
	}
}

func TestLoadDefaultsSurvive(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audit.RetentionDays != 365 || !cfg.Audit.EnablePIIRedaction {
		t.Errorf("audit defaults = %+v", cfg.Audit)
	}
	if cfg.Transform.ConflictStrategy != transform.FirstWins || cfg.Transform.CacheTTL != 5*time.Minute {
		t.Errorf("transform defaults = %+v", cfg.Transform)
	}
	if cfg.Auth.MaxFailedAttempts != 10 {
		t.Errorf("auth defaults = %+v", cfg.Auth)
	}
	if cfg.Sync.Interval != 5*time.Minute || cfg.Sync.FullEvery != 12 {
		t.Errorf("sync defaults = %+v", cfg.Sync)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_SCIM_AUDIENCE", "api://from-env")
	cfg, err := Load(writeConfig(t, `
server:
  memoryStore: true
token:
  issuers:
    - https://login.example.com/t1/v2.0
  audience: ${TEST_SCIM_AUDIENCE}
  metadataEndpoint: https://login.example.com/t1/discovery/v2.0/keys
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Token.Audience != "api://from-env" {
		t.Errorf("audience = %q", cfg.Token.Audience)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file must fail")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: [::bad")); err == nil {
		t.Fatal("malformed yaml must fail")
	}
}

func TestLoadValidationRejectsMissingToken(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  memoryStore: true
`))
	if err == nil {
		t.Fatal("token settings are required")
	}
}

func TestLoadValidationRequiresDatabase(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  addr: ":8080"
token:
  issuers:
    - https://login.example.com/t1/v2.0
  audience: api://scimgate
  metadataEndpoint: https://login.example.com/t1/discovery/v2.0/keys
`))
	if err == nil {
		t.Fatal("database settings are required without the memory profile")
	}
}

func TestLoadValidationRejectsShortRetention(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+`
audit:
  retentionDays: 30
`))
	if err == nil {
		t.Fatal("retention below the floor must fail validation")
	}
}
