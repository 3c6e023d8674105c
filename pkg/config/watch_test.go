package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type watchResult struct {
	cfg *Config
	err error
}

// startWatch runs Watch in the background and returns its callback
// results plus the Watch return value.
func startWatch(t *testing.T, ctx context.Context, path string) (<-chan watchResult, <-chan error) {
	t.Helper()
	updates := make(chan watchResult, 8)
	done := make(chan error, 1)
	go func() {
		done <- NewLoader().Watch(ctx, path, func(cfg *Config, err error) {
			updates <- watchResult{cfg: cfg, err: err}
		})
	}()
	return updates, done
}

// awaitReload rewrites the file until the watcher reports a reload.
// Writes are spaced wider than the debounce window so one of them
// always settles.
func awaitReload(t *testing.T, path string, content []byte, updates <-chan watchResult) watchResult {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		if err := os.WriteFile(path, content, 0o600); err != nil {
			t.Fatal(err)
		}
		select {
		case got := <-updates:
			return got
		case <-deadline:
			t.Fatal("no reload callback before deadline")
		case <-time.After(900 * time.Millisecond):
		}
	}
}

func TestLoader_WatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	if err := os.WriteFile(path, []byte(fleetDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, done := startWatch(t, ctx, path)

	changed := strings.Replace(fleetDoc, "site: dc-west", "site: dc-east", 1)
	got := awaitReload(t, path, []byte(changed), updates)
	if got.err != nil {
		t.Fatalf("reload error: %v", got.err)
	}
	if got.cfg == nil || got.cfg.Site != "dc-east" {
		t.Errorf("reloaded config = %+v", got.cfg)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Watch did not stop after cancel")
	}
}

func TestLoader_WatchReportsValidationFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	if err := os.WriteFile(path, []byte(fleetDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, _ := startWatch(t, ctx, path)

	broken := strings.Replace(fleetDoc, "site: dc-west", "sitename: dc-west", 1)
	got := awaitReload(t, path, []byte(broken), updates)
	if got.err == nil {
		t.Fatal("expected validation error from reload")
	}
	if got.cfg != nil {
		t.Errorf("cfg = %+v", got.cfg)
	}
}
