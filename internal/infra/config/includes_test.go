package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIncludesPolicyFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "policy.yaml", `
policy:
  - roles: curator
    allowed_resources:
      - resources: [sample, study]
        actions: ["*"]
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "policy.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Policy) != 1 || cfg.Policy[0].Roles != "curator" {
		t.Errorf("policy not loaded from include: %+v", cfg.Policy)
	}
}

func TestIncludesGlobPattern(t *testing.T) {
	dir := t.TempDir()
	subdir := filepath.Join(dir, "conf.d")
	if err := os.Mkdir(subdir, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, subdir, "store.yaml", `
store:
  driver: "memory"
`)
	writeConfigFile(t, subdir, "logger.yaml", `
logger:
  format: "json"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "conf.d/*.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Logger.Format != "json" {
		t.Errorf("Logger.Format = %q, want json", cfg.Logger.Format)
	}
}

func TestIncludesGlobNoMatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "conf.d/*.yaml"
`)

	if _, err := Load(path); err != nil {
		t.Fatalf("glob with no match should not fail: %v", err)
	}
}

func TestIncludesAbsolutePath(t *testing.T) {
	dir := t.TempDir()
	absFile := writeConfigFile(t, dir, "abs.yaml", `
logger:
  level: "warn"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "`+absFile+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "warn" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "warn")
	}
}

func TestIncludesMainPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "override.yaml", `
server:
  addr: "127.0.0.1:9000"
  events_enabled: false
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "override.yaml"
server:
  addr: "127.0.0.1:9100"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9100" {
		t.Errorf("Server.Addr = %q, want main file value", cfg.Server.Addr)
	}
	if cfg.Server.EventsEnabled {
		t.Error("EventsEnabled should keep the included value")
	}
}

func TestIncludesCircularDetection(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", "includes:\n  - \"b.yaml\"\n")
	writeConfigFile(t, dir, "b.yaml", "includes:\n  - \"a.yaml\"\n")
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"a.yaml\"\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected circular include error")
	}
	assertContains(t, err.Error(), "circular include")
}

func TestIncludesSelfReference(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"config.yaml\"\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected circular include error for self-reference")
	}
	assertContains(t, err.Error(), "circular include")
}

func TestIncludesPathTraversal(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"../../../etc/passwd\"\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected path traversal error")
	}
	assertContains(t, err.Error(), "escapes config directory")
}

func TestIncludesFilePermissions(t *testing.T) {
	dir := t.TempDir()
	bad := writeConfigFile(t, dir, "insecure.yaml", "logger:\n  level: debug\n")
	if err := os.Chmod(bad, 0666); err != nil {
		t.Fatal(err)
	}
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"insecure.yaml\"\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected permissions error for include file")
	}
	assertContains(t, err.Error(), "insecure permissions")
}

func TestIncludesFileNotFound(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"nonexistent.yaml\"\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing include file")
	}
}

func TestIncludesInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "bad.yaml", "invalid: [yaml: bad")
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"bad.yaml\"\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid YAML in include")
	}
}

func TestIncludesNestedIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "level2.yaml", "logger:\n  format: \"json\"\n")
	writeConfigFile(t, dir, "level1.yaml", "includes:\n  - \"level2.yaml\"\nlogger:\n  level: \"debug\"\n")
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"level1.yaml\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Format != "json" {
		t.Errorf("Logger.Format = %q, want json (from nested include)", cfg.Logger.Format)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want debug", cfg.Logger.Level)
	}
}

func TestIncludesMaxDepth(t *testing.T) {
	dir := t.TempDir()

	totalLevels := maxIncludeDepth + 2
	for i := totalLevels; i >= 1; i-- {
		var content string
		if i < totalLevels {
			content = fmt.Sprintf("includes:\n  - %q\n", fmt.Sprintf("level%d.yaml", i+1))
		}
		writeConfigFile(t, dir, fmt.Sprintf("level%d.yaml", i), content)
	}
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"level1.yaml\"\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected max depth error")
	}
	if !strings.Contains(err.Error(), "max depth") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIncludesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "empty.yaml", "")
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"empty.yaml\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Policy) != 3 {
		t.Errorf("empty include should keep default policy, got %d rules", len(cfg.Policy))
	}
}

func TestResolveIncludePathsLiteral(t *testing.T) {
	dir := t.TempDir()
	paths, err := resolveIncludePaths("missing.yaml", dir)
	if err != nil {
		t.Fatalf("resolveIncludePaths: %v", err)
	}
	if len(paths) != 1 || paths[0] != filepath.Join(dir, "missing.yaml") {
		t.Errorf("paths = %v", paths)
	}
}
