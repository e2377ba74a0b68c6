package engine_test

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"coveriteam/internal/cfgerr"
	"coveriteam/internal/config"
	"coveriteam/internal/db"
	"coveriteam/internal/domain"
	"coveriteam/internal/engine"
	"coveriteam/internal/migrate"
	"coveriteam/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Dir    string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	t.Setenv("COVERITEAM_POLICY", "")
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default().WithWorkspace(dir)
	eng := engine.New(conn, cfg, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background(), Dir: dir}
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeActor lays out a definition whose archive is a local zip next to it.
func writeActor(t *testing.T, dir string) string {
	t.Helper()
	archive := filepath.Join(dir, "archives", "checker.zip")
	if err := os.MkdirAll(filepath.Dir(archive), 0o755); err != nil {
		t.Fatal(err)
	}
	out, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
	w, err := zw.Create("checker-1.0/bin/checker")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("#!/bin/sh\necho ok\n")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "limits.yml"), "resourcelimits:\n  memlimit: 1GB\n  timelimit: 15min\n")
	return writeFile(t, filepath.Join(dir, "checker.yml"), `imports: !include limits.yml
format_version: "1.2"
actor_name: checker
toolinfo_module: checker.py
archive:
  location: archives/checker.zip
`)
}

func TestInstallRecordsLedger(t *testing.T) {
	env := newTestEnv(t)
	def := writeActor(t, t.TempDir())

	inst, err := env.Engine.Install(env.Ctx, engine.InstallOptions{Path: def})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if inst.ToolName != "checker" || inst.MemLimit != 1_000_000_000 || inst.TimeLimit != 900 {
		t.Fatalf("unexpected installation %+v", inst)
	}
	if _, err := os.Stat(filepath.Join(inst.InstallDir, "bin", "checker")); err != nil {
		t.Fatalf("expected flattened install: %v", err)
	}
	if len(inst.IncludedFiles) != 2 {
		t.Fatalf("expected two included files, got %v", inst.IncludedFiles)
	}

	got, err := env.Engine.Installation(env.Ctx, "checker")
	if err != nil {
		t.Fatalf("get installation: %v", err)
	}
	if got.ID != inst.ID || got.InstallDir != inst.InstallDir || len(got.IncludedFiles) != 2 {
		t.Fatalf("ledger mismatch: %+v vs %+v", got, inst)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{ActorName: "checker"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].Type != domain.EventActorInstall {
		t.Fatalf("expected one install event, got %+v", evts)
	}
}

func TestReinstallReusesAndKeepsID(t *testing.T) {
	env := newTestEnv(t)
	def := writeActor(t, t.TempDir())

	first, err := env.Engine.Install(env.Ctx, engine.InstallOptions{Path: def})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.Install(env.Ctx, engine.InstallOptions{Path: def})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected stable id, got %s and %s", first.ID, second.ID)
	}
	if second.Downloaded {
		t.Fatalf("second install should reuse the cached archive")
	}
	list, err := env.Engine.Installations(env.Ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected a single installation, got %v (%v)", list, err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Limit: 1})
	if err != nil || len(evts) != 1 || evts[0].Type != domain.EventActorReuse {
		t.Fatalf("expected reuse event, got %+v (%v)", evts, err)
	}
}

func TestReinstallAfterRemovedInstallDirRecordsInstall(t *testing.T) {
	env := newTestEnv(t)
	def := writeActor(t, t.TempDir())

	first, err := env.Engine.Install(env.Ctx, engine.InstallOptions{Path: def})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(first.InstallDir); err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.Install(env.Ctx, engine.InstallOptions{Path: def})
	if err != nil {
		t.Fatal(err)
	}
	if second.Downloaded {
		t.Fatalf("archive should come from the cache")
	}
	if _, err := os.Stat(filepath.Join(second.InstallDir, "bin", "checker")); err != nil {
		t.Fatalf("expected install dir to be unpacked again: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Limit: 1})
	if err != nil || len(evts) != 1 || evts[0].Type != domain.EventActorInstall {
		t.Fatalf("expected install event, got %+v (%v)", evts, err)
	}
}

func TestCheckDefinitionPolicyRecordsActorName(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	def := writeActor(t, dir)
	pol := writeFile(t, filepath.Join(dir, "policy.yml"), "allowed_locations:\n  - https://zenodo.org/\n")

	report, err := env.Engine.CheckDefinitionPolicy(env.Ctx, def, pol)
	if err != nil {
		t.Fatal(err)
	}
	if report.Allowed {
		t.Fatalf("expected rejected location, got %+v", report)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{ActorName: "checker", Type: domain.EventPolicyViolation})
	if err != nil || len(evts) != 1 || evts[0].Subject != "archives/checker.zip" {
		t.Fatalf("expected violation event for checker, got %+v (%v)", evts, err)
	}
}

func TestInstallPolicyViolation(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	def := writeActor(t, dir)
	pol := writeFile(t, filepath.Join(dir, "policy.yml"), "allowed_locations:\n  - https://zenodo.org/\n")

	_, err := env.Engine.Install(env.Ctx, engine.InstallOptions{Path: def, PolicyFile: pol})
	if !cfgerr.Is(err, cfgerr.PolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
	if _, err := env.Engine.Installation(env.Ctx, "checker"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no installation, got %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: domain.EventPolicyViolation})
	if err != nil || len(evts) != 1 || evts[0].Subject != "archives/checker.zip" {
		t.Fatalf("expected violation event, got %+v (%v)", evts, err)
	}
}

func TestSettingsPolicyIsUsed(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, filepath.Join(env.Dir, "policy.yml"), "allowed_locations:\n  - https://zenodo.org/\n")
	env.Engine.Config.Policy = "policy.yml"

	report, err := env.Engine.CheckPolicy(env.Ctx, "https://evil.com/tool.zip", "")
	if err != nil {
		t.Fatal(err)
	}
	if report.Allowed || !report.Restricted {
		t.Fatalf("expected rejected location, got %+v", report)
	}
	report, err = env.Engine.CheckPolicy(env.Ctx, "https://zenodo.org/record/1/tool.zip", "")
	if err != nil || !report.Allowed {
		t.Fatalf("expected allowed location, got %+v (%v)", report, err)
	}
}

func TestCheckDefinitionPolicyWithoutPolicy(t *testing.T) {
	env := newTestEnv(t)
	def := writeActor(t, t.TempDir())
	report, err := env.Engine.CheckDefinitionPolicy(env.Ctx, def, "")
	if err != nil {
		t.Fatal(err)
	}
	if !report.Allowed || report.Restricted || report.Location != "archives/checker.zip" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestResolveReportsFiles(t *testing.T) {
	env := newTestEnv(t)
	def := writeActor(t, t.TempDir())
	res, err := env.Engine.Resolve(def)
	if err != nil {
		t.Fatal(err)
	}
	limits, ok := res.Definition["resourcelimits"].(map[string]any)
	if !ok || limits["memlimit"] != "1GB" {
		t.Fatalf("unexpected definition %+v", res.Definition)
	}
	if _, ok := res.Definition["imports"]; ok {
		t.Fatalf("imports should be folded away")
	}
	if len(res.IncludedFiles) != 2 || res.IncludedFiles[1] != def {
		t.Fatalf("unexpected files %v", res.IncludedFiles)
	}
}

func TestInstallMissingTags(t *testing.T) {
	env := newTestEnv(t)
	def := writeFile(t, filepath.Join(t.TempDir(), "bad.yml"), "actor_name: bad\n")
	_, err := env.Engine.Install(env.Ctx, engine.InstallOptions{Path: def})
	if cfgerr.ExitCode(err) != 201 {
		t.Fatalf("expected missing tags, got %v", err)
	}
}
