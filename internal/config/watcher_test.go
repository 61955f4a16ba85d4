package config

import (
	"os"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "convoy.yaml", minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path, cfg.SourceFiles)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	updated := minimalYAML + "rate_limits:\n  git: {capacity: 3, window: 30s}\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-w.Reloads:
		if r.Err != nil {
			t.Fatalf("reload error: %v", r.Err)
		}
		if r.Config.RateLimits["git"].Capacity != 3 {
			t.Fatalf("reloaded config missing change: %+v", r.Config.RateLimits)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcherReportsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "convoy.yaml", minimalYAML)

	w, err := NewWatcher(path, []string{path})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-w.Reloads:
		if r.Err == nil {
			t.Fatal("expected reload error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}
