package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingExplicitFileFails(t *testing.T) {
	opts, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatalf("expected an error for an explicit path that does not exist")
	}
	_ = opts
}

func TestLoadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "tasks_path: /custom/tasks\nautobatching_enabled: false\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if opts.TasksPath != "/custom/tasks" {
		t.Fatalf("tasks path = %q, want /custom/tasks", opts.TasksPath)
	}
	if opts.AutobatchingEnabled {
		t.Fatalf("autobatching_enabled should be false")
	}
	if opts.IndexesPath != "data/indexes" {
		t.Fatalf("indexes path should fall back to default, got %q", opts.IndexesPath)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("IDXQUEUE_LOG_LEVEL", "debug")
	opts, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if opts.LogLevel != "debug" {
		t.Fatalf("log level = %q, want debug (from env)", opts.LogLevel)
	}
}
