package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fleetDoc = `
site: dc-west

defaults:
  attempt_cap: 3
  retry_delay: 5s
  await_interval: 10s
  await_budget: 5m
  concurrency: 4
  settle_delay: 30s

backends:
  - id: manager-api
    kind: token
    auth_url: https://manager.rack.local/api/session
    username: operator
    password_env: RACKCYCLE_MANAGER_PASSWORD
  - id: host-ssh
    kind: ssh
    username: rackops
    key_path: /etc/rackcycle/id_ed25519

groups:
  workloads:
    - name: app-cluster
      kind: kube
      endpoint: prod-apps
      labels:
        namespaces: payments,billing
  hosts:
    - name: compute-7
      kind: ssh
      endpoint: compute-7.rack:22
      backend: host-ssh

plans:
  - id: shutdown
    description: Controlled fleet shutdown
    phases:
      - id: workloads
        operation: shutdown
        group: workloads
        fallbacks:
          - kind: kube
      - id: hosts
        operation: shutdown
        group: hosts
        host_phase: true
        after: [workloads]
        await_budget: 10m
        fallbacks:
          - kind: ssh
`

func parseFleet(t *testing.T, doc string) (*Config, error) {
	t.Helper()
	return NewLoader().Parse(context.Background(), []byte(doc), "fleet.yaml")
}

func wantValidationErrors(t *testing.T, err error) ValidationErrors {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	var ves ValidationErrors
	if !errors.As(err, &ves) {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}
	if len(ves) == 0 {
		t.Fatal("expected at least one validation error")
	}
	return ves
}

func TestLoader_ParseValidDocument(t *testing.T) {
	cfg, err := parseFleet(t, fleetDoc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Site != "dc-west" {
		t.Errorf("site = %q", cfg.Site)
	}
	if got := cfg.Defaults.RetryDelay.Std(); got != 5*time.Second {
		t.Errorf("retry delay = %v", got)
	}
	if got := cfg.Defaults.AwaitBudget.Std(); got != 5*time.Minute {
		t.Errorf("await budget = %v", got)
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("backends = %d", len(cfg.Backends))
	}
	if cfg.Backends[0].PasswordEnv != "RACKCYCLE_MANAGER_PASSWORD" {
		t.Errorf("password env = %q", cfg.Backends[0].PasswordEnv)
	}
	if len(cfg.Groups["workloads"]) != 1 || len(cfg.Groups["hosts"]) != 1 {
		t.Fatalf("groups = %v", cfg.Groups)
	}
	if cfg.Groups["workloads"][0].Labels["namespaces"] != "payments,billing" {
		t.Errorf("labels = %v", cfg.Groups["workloads"][0].Labels)
	}
	if len(cfg.Plans) != 1 || len(cfg.Plans[0].Phases) != 2 {
		t.Fatalf("plans = %+v", cfg.Plans)
	}
	if got := cfg.Plans[0].Phases[1].AwaitBudget.Std(); got != 10*time.Minute {
		t.Errorf("phase await budget = %v", got)
	}
}

func TestLoader_ParseToleratesEmptySections(t *testing.T) {
	doc := `
site: dc-west
backends:
groups:
plans:
  - id: status
    phases:
      - id: observe
        operation: query
`
	cfg, err := parseFleet(t, doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Backends) != 0 || len(cfg.Groups) != 0 {
		t.Errorf("expected empty sections, got %+v", cfg)
	}
}

func TestLoader_ParseRejectsInvalidYAML(t *testing.T) {
	_, err := parseFleet(t, "site: [unclosed")
	ves := wantValidationErrors(t, err)
	if !strings.Contains(ves[0].Message, "failed to parse YAML") {
		t.Errorf("unexpected message: %v", ves[0])
	}
}

func TestLoader_ParseRejectsUnknownField(t *testing.T) {
	doc := strings.Replace(fleetDoc, "site: dc-west", "site: dc-west\nsitename: dc-west", 1)
	wantValidationErrors(t, mustErr(t, doc))
}

func TestLoader_ParseRejectsMalformedDuration(t *testing.T) {
	doc := strings.Replace(fleetDoc, "retry_delay: 5s", "retry_delay: five seconds", 1)
	wantValidationErrors(t, mustErr(t, doc))
}

func TestLoader_ParseRejectsBadAuthURL(t *testing.T) {
	doc := strings.Replace(fleetDoc, "auth_url: https://manager.rack.local/api/session", "auth_url: not-a-url", 1)
	ves := wantValidationErrors(t, mustErr(t, doc))
	found := false
	for _, ve := range ves {
		if strings.Contains(ve.Path, "AuthURL") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an AuthURL field error, got %v", ves)
	}
}

func TestLoader_ParseRejectsUnknownBackendReference(t *testing.T) {
	doc := strings.Replace(fleetDoc, "backend: host-ssh", "backend: ghost", 1)
	ves := wantValidationErrors(t, mustErr(t, doc))
	found := false
	for _, ve := range ves {
		if strings.Contains(ve.Message, `unknown backend "ghost"`) {
			found = true
			if !strings.Contains(ve.Path, "groups.hosts") {
				t.Errorf("unexpected path %q", ve.Path)
			}
		}
	}
	if !found {
		t.Errorf("expected unknown-backend error, got %v", ves)
	}
}

func TestLoader_ParseRejectsForwardAfterReference(t *testing.T) {
	doc := strings.Replace(fleetDoc, "operation: shutdown\n        group: workloads",
		"operation: shutdown\n        group: workloads\n        after: [hosts]", 1)
	ves := wantValidationErrors(t, mustErr(t, doc))
	found := false
	for _, ve := range ves {
		if strings.Contains(ve.Message, "not an earlier phase") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected after-ordering error, got %v", ves)
	}
}

func TestLoader_ParseRejectsTargetsWithoutFallbacks(t *testing.T) {
	doc := strings.Replace(fleetDoc, "        fallbacks:\n          - kind: kube\n", "", 1)
	ves := wantValidationErrors(t, mustErr(t, doc))
	found := false
	for _, ve := range ves {
		if strings.Contains(ve.Message, "no fallback strategies") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected missing-fallbacks error, got %v", ves)
	}
}

func TestLoader_ParseCollectsMultipleErrors(t *testing.T) {
	doc := strings.Replace(fleetDoc, "backend: host-ssh", "backend: ghost", 1)
	doc = strings.Replace(doc, "id: manager-api", "id: host-ssh", 1)
	ves := wantValidationErrors(t, mustErr(t, doc))
	if len(ves) < 2 {
		t.Errorf("expected multiple errors, got %v", ves)
	}
}

func TestLoader_LoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	if err := os.WriteFile(path, []byte(fleetDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Site != "dc-west" {
		t.Errorf("site = %q", cfg.Site)
	}
}

func TestLoader_LoadMissingFile(t *testing.T) {
	_, err := NewLoader().Load(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func mustErr(t *testing.T, doc string) error {
	t.Helper()
	_, err := parseFleet(t, doc)
	return err
}
