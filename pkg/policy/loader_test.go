package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const settleGuardRego = `# Settle guard.
# Shutdown phases that stop workloads should give them time to drain.
package custom.policies.settle

import rego.v1

deny contains msg if {
	some phase in input.plan.phases
	phase.operation == "shutdown"
	not phase.host_phase
	not phase.settle_delay
	msg := sprintf("phase %s has no settle delay", [phase.id])
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoader_LoadRegoFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "settle-guard.rego", settleGuardRego)

	loader := NewLoader(testLogger())
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("loaded %d policies, want 1", len(policies))
	}

	p := policies[0]
	if p.Name != "settle-guard" {
		t.Errorf("Name = %q, want %q", p.Name, "settle-guard")
	}
	wantDesc := "Settle guard. Shutdown phases that stop workloads should give them time to drain."
	if p.Description != wantDesc {
		t.Errorf("Description = %q, want %q", p.Description, wantDesc)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("Severity = %q, want the %q default", p.Severity, SeverityWarning)
	}
	if !p.Enabled {
		t.Error("rego policies should load enabled")
	}
	if p.Rego != settleGuardRego {
		t.Error("Rego source was altered on load")
	}
	if src, ok := p.Metadata["source"].(string); !ok || src != path {
		t.Errorf("Metadata[source] = %v, want %q", p.Metadata["source"], path)
	}
}

func TestLoader_LoadJSONFile(t *testing.T) {
	dir := t.TempDir()

	spec := Policy{
		Name:        "window-guard",
		Description: "Runs must start inside the change window",
		Rego:        "package custom.policies.window\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}\n",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"scheduling"},
	}
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshaling fixture: %v", err)
	}
	path := writeFile(t, dir, "window-guard.json", string(data))

	loader := NewLoader(testLogger())
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("loaded %d policies, want 1", len(policies))
	}

	p := policies[0]
	if p.Name != "window-guard" {
		t.Errorf("Name = %q, want %q", p.Name, "window-guard")
	}
	if p.Severity != SeverityError {
		t.Errorf("Severity = %q, want %q", p.Severity, SeverityError)
	}
	if !p.Enabled {
		t.Error("Enabled flag was lost")
	}
	if p.CreatedAt.IsZero() || p.UpdatedAt.IsZero() {
		t.Error("timestamps were not defaulted")
	}
}

func TestLoader_JSONDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bare.json", `{"name": "bare", "rego": "package custom.policies.bare\n\nimport rego.v1\n"}`)

	loader := NewLoader(testLogger())
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("loaded %d policies, want 1", len(policies))
	}

	p := policies[0]
	if p.Severity != SeverityWarning {
		t.Errorf("Severity = %q, want the %q default", p.Severity, SeverityWarning)
	}
	if p.Enabled {
		t.Error("JSON policies without an enabled flag should stay disabled")
	}
}

func TestLoader_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "settle-guard.rego", settleGuardRego)
	writeFile(t, dir, "notes.txt", "not a policy")
	writeFile(t, dir, "broken.json", "{ this is not JSON")

	nested := filepath.Join(dir, "extra")
	if err := os.Mkdir(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, nested, "nested-guard.rego", "# Nested guard.\npackage custom.policies.nested\n\nimport rego.v1\n")

	loader := NewLoader(testLogger())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}

	if len(policies) != 2 {
		t.Fatalf("loaded %d policies, want 2 (broken and non-policy files skipped)", len(policies))
	}

	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	if !names["settle-guard"] || !names["nested-guard"] {
		t.Errorf("loaded names = %v, want settle-guard and nested-guard", names)
	}
}

func TestLoader_MissingPath(t *testing.T) {
	loader := NewLoader(testLogger())
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/no/such/path"}); err == nil {
		t.Error("LoadFromPaths() accepted a missing path")
	}
}

func TestLoader_UnsupportedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.txt", "not a policy")

	loader := NewLoader(testLogger())
	if _, err := loader.LoadFromPaths(context.Background(), []string{path}); err == nil {
		t.Error("LoadFromPaths() accepted a .txt file")
	}
}

func TestLoader_CacheAndClear(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "settle-guard.rego", settleGuardRego)

	loader := NewLoader(testLogger())
	first, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}

	writeFile(t, dir, "settle-guard.rego", "# Rewritten.\npackage custom.policies.settle\n\nimport rego.v1\n")

	cached, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if cached[0].Rego != first[0].Rego {
		t.Error("second load bypassed the cache")
	}

	loader.ClearCache()

	fresh, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if fresh[0].Rego == first[0].Rego {
		t.Error("load after ClearCache() returned stale content")
	}
	if fresh[0].Description != "Rewritten." {
		t.Errorf("Description = %q, want %q", fresh[0].Description, "Rewritten.")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "joins leading comments",
			content: "# First line.\n# Second line.\npackage x\n",
			want:    "First line. Second line.",
		},
		{
			name:    "stops at first statement",
			content: "# Heading.\npackage x\n# inline note\n",
			want:    "Heading.",
		},
		{
			name:    "skips package comments",
			content: "# package custom.policies.x\n# The real description.\npackage x\n",
			want:    "The real description.",
		},
		{
			name:    "no comments",
			content: "package x\n",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDescription(tt.content); got != tt.want {
				t.Errorf("extractDescription() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoader_WatchReload(t *testing.T) {
	if testing.Short() {
		t.Skip("watch test waits out the reload debounce")
	}

	dir := t.TempDir()
	writeFile(t, dir, "settle-guard.rego", settleGuardRego)

	loader := NewLoader(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan []Policy, 8)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		reloads <- policies
		return nil
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeFile(t, dir, "second-guard.rego", "# Second guard.\npackage custom.policies.second\n\nimport rego.v1\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case policies := <-reloads:
			if len(policies) == 2 {
				return
			}
		case <-deadline:
			t.Fatal("no reload with both policies before the deadline")
		}
	}
}
