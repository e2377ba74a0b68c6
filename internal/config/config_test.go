package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOptionalDefaultsWhenMissing(t *testing.T) {
	workspace := t.TempDir()
	cfg, err := LoadOptional(workspace)
	if err != nil {
		t.Fatalf("LoadOptional returned error: %v", err)
	}
	layout := cfg.CacheLayout()
	if layout.InstallDir != filepath.Join(workspace, "cache", "tools") {
		t.Fatalf("unexpected install dir %s", layout.InstallDir)
	}
	if layout.ToolInfoDir != filepath.Join(workspace, "cache", "toolinfocache") {
		t.Fatalf("unexpected toolinfo dir %s", layout.ToolInfoDir)
	}
	if cfg.DownloadTimeout() != 10*time.Minute {
		t.Fatalf("unexpected timeout %s", cfg.DownloadTimeout())
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	workspace := t.TempDir()
	data := "cache:\n  root: /var/cache/cvt\ndownload:\n  timeout: 30s\n"
	if err := os.WriteFile(Path(workspace), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(workspace)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	layout := cfg.CacheLayout()
	if layout.ArchiveDir != filepath.Join("/var/cache/cvt", "archives") {
		t.Fatalf("unexpected archive dir %s", layout.ArchiveDir)
	}
	if cfg.DownloadTimeout() != 30*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.DownloadTimeout())
	}
}

func TestLoadValidation(t *testing.T) {
	tests := map[string]string{
		"absolute subdir": "cache:\n  tools: /abs\n",
		"bad timeout":     "download:\n  timeout: forever\n",
		"webhook url":     "webhooks:\n  - events: [actor.install]\n",
		"bad yaml":        "cache: [\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(data)); err == nil {
				t.Fatalf("expected validation error but got none")
			}
		})
	}
}

func TestCacheEnsureIsIdempotent(t *testing.T) {
	cfg := Default().WithWorkspace(t.TempDir())
	layout := cfg.CacheLayout()
	for i := 0; i < 2; i++ {
		if err := layout.Ensure(); err != nil {
			t.Fatalf("ensure #%d: %v", i, err)
		}
	}
	for _, dir := range []string{layout.ArchiveDir, layout.InstallDir, layout.ToolInfoDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
}
