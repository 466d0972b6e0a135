package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"isa-warehouse/internal/infra/config"
	"isa-warehouse/internal/infra/logger"
)

const testConfig = `
store:
  driver: memory
audit:
  enabled: false
auth:
  tokens:
    - token: tok-curator
      user: curator
      roles: [editor, reader]
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunHelp(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"help"}, &out, &out); err != nil {
		t.Fatalf("help: %v", err)
	}
	if !strings.Contains(out.String(), "COMMANDS:") {
		t.Errorf("usage missing commands: %s", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"frobnicate"}, &out, &out)
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err = %v, want unknown command", err)
	}
}

func TestRunCommandHelpFlag(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"resolve", "--help"}, &out, &out); err != nil {
		t.Fatalf("resolve --help: %v", err)
	}
	if !strings.Contains(out.String(), "--roles") {
		t.Errorf("flag usage missing --roles: %s", out.String())
	}
}

func TestCheckValidConfig(t *testing.T) {
	path := writeTestConfig(t, testConfig)
	var out bytes.Buffer
	if err := run([]string{"check", "--config", path}, &out, &out); err != nil {
		t.Fatalf("check: %v", err)
	}
	if got := out.String(); got != "config ok: 9 models, 3 roles, 1 tokens\n" {
		t.Errorf("output = %q", got)
	}
}

func TestCheckRejectsUnknownPolicyResource(t *testing.T) {
	path := writeTestConfig(t, testConfig+`
policy:
  - roles: editor
    allowed_resources:
      - resources: [archive]
        actions: [read]
`)
	var out bytes.Buffer
	err := run([]string{"check", "--config", path}, &out, &out)
	if err == nil {
		t.Fatal("expected policy error")
	}
	if !strings.Contains(err.Error(), "archive") {
		t.Errorf("error should name the resource: %v", err)
	}
}

func TestCheckRejectsBadModelKind(t *testing.T) {
	path := writeTestConfig(t, testConfig+`
models:
  - name: sample
    fields:
      name: {type: text}
policy:
  - roles: reader
    allowed_resources:
      - resources: [sample]
        actions: [read]
`)
	var out bytes.Buffer
	err := run([]string{"check", "--config", path}, &out, &out)
	if err == nil || !strings.Contains(err.Error(), "models") {
		t.Fatalf("err = %v, want models error", err)
	}
}

func TestResolveText(t *testing.T) {
	path := writeTestConfig(t, testConfig)
	var out bytes.Buffer
	err := run([]string{"resolve", "--config", path, "--roles", "editor,reader", "--resources", "sample,role"}, &out, &out)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := "role: (none)\nsample: create,read,update,delete,search\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestResolveJSONAllResources(t *testing.T) {
	path := writeTestConfig(t, testConfig)
	var out bytes.Buffer
	if err := run([]string{"resolve", "--config", path, "--roles", "administrator", "--json"}, &out, &out); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var got map[string][]string
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if len(got) != 12 {
		t.Errorf("resources = %d, want 12 (3 ACL + 9 models)", len(got))
	}
	if len(got["user"]) != 5 {
		t.Errorf("administrator on user = %v, want all actions", got["user"])
	}
	if len(got["study"]) != 0 {
		t.Errorf("administrator on study = %v, want none", got["study"])
	}
}

func TestEncryptRoundTrip(t *testing.T) {
	t.Setenv("WAREHOUSE_CONFIG_KEY", "passphrase")
	var out bytes.Buffer
	if err := run([]string{"encrypt", "s3cret"}, &out, &out); err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	enc := strings.TrimSpace(out.String())
	if !strings.HasPrefix(enc, "enc:") {
		t.Fatalf("output = %q, want enc: prefix", enc)
	}
	plain, err := config.DecryptValue(strings.TrimPrefix(enc, "enc:"), "passphrase")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if plain != "s3cret" {
		t.Errorf("plain = %q", plain)
	}
}

func TestEncryptRequiresKey(t *testing.T) {
	t.Setenv("WAREHOUSE_CONFIG_KEY", "")
	var out bytes.Buffer
	if err := run([]string{"encrypt", "x"}, &out, &out); err == nil {
		t.Fatal("expected error without WAREHOUSE_CONFIG_KEY")
	}
}

func TestServeInvalidConfig(t *testing.T) {
	path := writeTestConfig(t, "server:\n  addr: \"\"\n")
	var out bytes.Buffer
	if err := run([]string{"serve", "--config", path}, &out, &out); err == nil {
		t.Fatal("expected config error")
	}
}

func TestBuildAppAuditsRecordWrites(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	cfg := config.Defaults()
	cfg.Store.Driver = "memory"
	cfg.Audit.Path = auditPath
	cfg.Auth.Tokens = []config.TokenConfig{{Token: "tok", User: "curator", Roles: []string{"editor"}}}

	a, err := buildApp(cfg, logger.Discard())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	h := a.server.Handler(context.Background())

	req := httptest.NewRequest("POST", "/api/v1/records/sample", strings.NewReader(`{"name":"liver"}`))
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}

	// Editors hold no read grant.
	var created map[string]any
	json.Unmarshal(w.Body.Bytes(), &created)
	req = httptest.NewRequest("GET", "/api/v1/records/sample/"+created["id"].(string), nil)
	req.Header.Set("Authorization", "Bearer tok")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("get status = %d, want 403", w.Code)
	}

	a.close()

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	log := string(data)
	if !strings.Contains(log, `"record_create"`) {
		t.Errorf("audit log missing record_create: %s", log)
	}
	if !strings.Contains(log, `"rbac_denied"`) {
		t.Errorf("audit log missing rbac_denied: %s", log)
	}
}

func TestInitStoreUnknownDriver(t *testing.T) {
	if _, err := initStore(config.StoreConfig{Driver: "postgres"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestInitStoreSQLiteCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "warehouse.db")
	st, err := initStore(config.StoreConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("initStore: %v", err)
	}
	defer st.Close()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}
