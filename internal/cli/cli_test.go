package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"

	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/cli"
)

// =====================================================
// TEST HARNESS
// Commands run against a fresh command tree with captured output. End to
// end tests point HUBSPOT_BASE_URL at a fake portal and use a sqlite
// watermark store plus a local object store under a temp dir.
// =====================================================

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := cli.NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

type fakePortal struct {
	mux *http.ServeMux
	srv *httptest.Server

	denyToken atomic.Bool

	mu           sync.Mutex
	searchBodies []map[string]any
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	f := &fakePortal{mux: http.NewServeMux()}
	f.mux.HandleFunc("/oauth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if f.denyToken.Load() {
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `{"status":"error","message":"bad credentials"}`)
			return
		}
		writeJSON(w, map[string]any{"access_token": "test-token", "expires_in": 1800})
	})
	f.srv = httptest.NewServer(f.mux)
	t.Cleanup(f.srv.Close)
	return f
}

// recordSearch captures every POST body sent to a search endpoint.
func (f *fakePortal) recordSearch(r *http.Request) map[string]any {
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.searchBodies = append(f.searchBodies, body)
	f.mu.Unlock()
	return body
}

func (f *fakePortal) searchBody(i int) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.searchBodies) {
		return nil
	}
	return f.searchBodies[i]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// setRunEnv points the connector at the portal with file-backed state
// under dir. Credentials are dummies the portal accepts.
func setRunEnv(t *testing.T, portal *fakePortal, dir string) {
	t.Helper()
	t.Setenv("HUBSPOT_BASE_URL", portal.srv.URL)
	t.Setenv("HUBSPOT_CLIENT_ID", "test-client")
	t.Setenv("HUBSPOT_CLIENT_SECRET", "test-secret")
	t.Setenv("HUBSPOT_REFRESH_TOKEN", "test-refresh")
	t.Setenv("HUBSPOT_WATERMARK_STORE", "sqlite")
	t.Setenv("HUBSPOT_WATERMARK_PATH", filepath.Join(dir, "watermarks.db"))
	t.Setenv("HUBSPOT_SINK_STORE", "local")
	t.Setenv("HUBSPOT_SINK_ROOT", filepath.Join(dir, "bronze"))
	t.Setenv("HUBSPOT_SINK_BUCKET", "lake")
	t.Setenv("HUBSPOT_LOG_LEVEL", "error")
}

// =====================================================
// COMMAND TREE
// =====================================================

func TestRoot_Unit_CommandTree(t *testing.T) {
	root := cli.NewRootCmd()
	if root.Use != "hubspot-bronze" {
		t.Fatalf("root use = %q, want hubspot-bronze", root.Use)
	}

	names := make(map[string]*cobra.Command)
	for _, sub := range root.Commands() {
		names[sub.Name()] = sub
	}
	for _, want := range []string{"full", "incremental", "entities", "watermark"} {
		if names[want] == nil {
			t.Errorf("missing subcommand %q", want)
		}
	}
	if names["watermark"] == nil {
		t.Fatal("watermark command absent, cannot check its subcommands")
	}

	subs := make(map[string]bool)
	for _, sub := range names["watermark"].Commands() {
		subs[sub.Name()] = true
	}
	for _, want := range []string{"get", "set", "list"} {
		if !subs[want] {
			t.Errorf("watermark missing subcommand %q", want)
		}
	}
}

func TestRoot_Unit_EnvFileMissing(t *testing.T) {
	_, err := execute(t, "--env-file", filepath.Join(t.TempDir(), "absent.env"), "entities")
	if err == nil || !strings.Contains(err.Error(), "load env file") {
		t.Fatalf("missing env file: got %v, want load error", err)
	}
}

func TestRoot_Unit_EnvFileApplied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.env")
	if err := os.WriteFile(path, []byte("HUBSPOT_WATERMARK_STORE=not-a-store\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	// Register cleanup, then clear so the file value wins the load.
	t.Setenv("HUBSPOT_WATERMARK_STORE", "memory")
	os.Unsetenv("HUBSPOT_WATERMARK_STORE")

	_, err := execute(t, "--env-file", path, "watermark", "list")
	if err == nil || !strings.Contains(err.Error(), "unknown watermark store") {
		t.Fatalf("env file value not applied: got %v", err)
	}
}

// =====================================================
// ENTITIES
// =====================================================

func TestEntities_Unit_ListsBuiltins(t *testing.T) {
	out, err := execute(t, "entities")
	if err != nil {
		t.Fatalf("entities failed: %v", err)
	}
	for _, want := range []string{
		"NAME",
		"crm_owners",
		"/crm/v3/owners/",
		"/crm/v3/objects/feedback_submissions/search",
		"(unconfigured)",
		"tax_rates",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("entities output missing %q:\n%s", want, out)
		}
	}
}

func TestEntities_Unit_RegistryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	content := `
replace: true
entities:
  - name: custom_things
    kind: simple-list
    path: /v1/things
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}

	out, err := execute(t, "--registry", path, "entities")
	if err != nil {
		t.Fatalf("entities failed: %v", err)
	}
	if !strings.Contains(out, "custom_things") || !strings.Contains(out, "/v1/things") {
		t.Errorf("registry entity not listed:\n%s", out)
	}
	if strings.Contains(out, "crm_owners") {
		t.Errorf("replaced registry still lists builtins:\n%s", out)
	}
}

// =====================================================
// RUN SURFACE
// =====================================================

func TestRun_Unit_UnknownEntity(t *testing.T) {
	_, err := execute(t, "full", "no_such_entity")
	if err == nil || !strings.Contains(err.Error(), "unknown entities: no_such_entity") {
		t.Fatalf("unknown entity: got %v", err)
	}
}

func TestRun_Unit_MissingSecrets(t *testing.T) {
	t.Setenv("HUBSPOT_CLIENT_ID", "")
	t.Setenv("HUBSPOT_CLIENT_SECRET", "")
	t.Setenv("HUBSPOT_REFRESH_TOKEN", "")

	_, err := execute(t, "incremental")
	if err == nil || !strings.Contains(err.Error(), "missing environment secrets") {
		t.Fatalf("missing secrets: got %v", err)
	}
	if err != nil && strings.Contains(err.Error(), "test-secret") {
		t.Fatalf("error leaked a secret value: %v", err)
	}
}

func TestRun_Unit_InvalidConfig(t *testing.T) {
	t.Setenv("HUBSPOT_SINK_FORMAT", "xml")

	_, err := execute(t, "full")
	if err == nil || !strings.Contains(err.Error(), "unknown sink format") {
		t.Fatalf("invalid config: got %v", err)
	}
}

func TestRun_Unit_IncrementalEndToEnd(t *testing.T) {
	portal := newFakePortal(t)
	dir := t.TempDir()
	setRunEnv(t, portal, dir)

	var empty atomic.Bool
	portal.mux.HandleFunc("/crm/v3/objects/feedback_submissions/search", func(w http.ResponseWriter, r *http.Request) {
		portal.recordSearch(r)
		if empty.Load() {
			writeJSON(w, map[string]any{"results": []any{}})
			return
		}
		writeJSON(w, map[string]any{"results": []any{
			map[string]any{
				"id":         "f1",
				"properties": map[string]any{"hs_lastmodifieddate": "2024-05-01T00:00:00Z"},
			},
		}})
	})

	out, err := execute(t, "incremental")
	if err != nil {
		t.Fatalf("incremental run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "crm_feedback_submissions") {
		t.Errorf("summary missing entity row:\n%s", out)
	}
	if !strings.Contains(out, "0 -> 1714521600000") {
		t.Errorf("summary missing watermark transition:\n%s", out)
	}

	parts, err := filepath.Glob(filepath.Join(dir, "bronze", "lake",
		"bronze", "hubspot", "crm_feedback_submissions", "dt=*", "run=*", "part-*.jsonl.gz"))
	if err != nil || len(parts) != 1 {
		t.Fatalf("landed parts = %v (err %v), want one part file", parts, err)
	}

	// Second run searches strictly past the stored watermark and lands
	// nothing new.
	empty.Store(true)
	out, err = execute(t, "incremental")
	if err != nil {
		t.Fatalf("second incremental run failed: %v\n%s", err, out)
	}
	body := portal.searchBody(1)
	if body == nil {
		t.Fatal("second search request not captured")
	}
	group := body["filterGroups"].([]any)[0].(map[string]any)
	filter := group["filters"].([]any)[0].(map[string]any)
	if got := filter["value"]; got != "1714521600001" {
		t.Errorf("second run lower bound = %v, want 1714521600001", got)
	}
	if !strings.Contains(out, "1714521600000 -> 1714521600000") {
		t.Errorf("empty run should hold the watermark:\n%s", out)
	}
}

func TestRun_Unit_FullEndToEnd(t *testing.T) {
	portal := newFakePortal(t)
	dir := t.TempDir()
	setRunEnv(t, portal, dir)

	portal.mux.HandleFunc("/crm/v3/taxes/tax-rates", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"results": []any{
			map[string]any{"id": "t1", "label": "VAT"},
			map[string]any{"id": "t2", "label": "GST"},
		}})
	})

	out, err := execute(t, "full", "tax_rates")
	if err != nil {
		t.Fatalf("full run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "tax_rates") || !strings.Contains(out, "ok") {
		t.Errorf("summary missing tax_rates row:\n%s", out)
	}

	parts, err := filepath.Glob(filepath.Join(dir, "bronze", "lake",
		"bronze", "hubspot", "tax_rates", "dt=*", "run=*", "part-*.jsonl.gz"))
	if err != nil || len(parts) != 1 {
		t.Fatalf("landed parts = %v (err %v), want one part file", parts, err)
	}
}

func TestRun_Unit_DryRunWritesNothing(t *testing.T) {
	portal := newFakePortal(t)
	dir := t.TempDir()
	setRunEnv(t, portal, dir)

	portal.mux.HandleFunc("/crm/v3/taxes/tax-rates", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"results": []any{map[string]any{"id": "t1"}}})
	})

	out, err := execute(t, "--dry-run", "full", "tax_rates")
	if err != nil {
		t.Fatalf("dry run failed: %v\n%s", err, out)
	}

	parts, _ := filepath.Glob(filepath.Join(dir, "bronze", "lake",
		"bronze", "hubspot", "tax_rates", "dt=*", "run=*", "part-*"))
	if len(parts) != 0 {
		t.Fatalf("dry run landed %v, want nothing", parts)
	}
}

func TestRun_Unit_AuthFailureFailsRun(t *testing.T) {
	portal := newFakePortal(t)
	portal.denyToken.Store(true)
	dir := t.TempDir()
	setRunEnv(t, portal, dir)

	out, err := execute(t, "incremental")
	if err == nil {
		t.Fatalf("revoked credential should fail the run:\n%s", out)
	}
	if !strings.Contains(err.Error(), "token exchange failed") {
		t.Errorf("error = %v, want token exchange failure", err)
	}
	if strings.Contains(err.Error(), "test-refresh") || strings.Contains(out, "test-refresh") {
		t.Errorf("refresh token leaked into output")
	}
}

// =====================================================
// WATERMARK COMMANDS
// =====================================================

func setWatermarkEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HUBSPOT_WATERMARK_STORE", "sqlite")
	t.Setenv("HUBSPOT_WATERMARK_PATH", filepath.Join(t.TempDir(), "watermarks.db"))
}

func TestWatermark_Unit_SetGetList(t *testing.T) {
	setWatermarkEnv(t)

	out, err := execute(t, "watermark", "set", "crm_feedback_submissions", "2024-05-01T00:00:00Z")
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if !strings.Contains(out, "1714521600000") {
		t.Errorf("set output missing canonical value:\n%s", out)
	}

	out, err = execute(t, "watermark", "get", "crm_feedback_submissions")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	for _, want := range []string{"1714521600000", "2024-05-01T00:00:00Z", "version=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("get output missing %q:\n%s", want, out)
		}
	}

	// A second set stacks a new history row.
	if _, err := execute(t, "watermark", "set", "crm_feedback_submissions", "1714608000000"); err != nil {
		t.Fatalf("second set failed: %v", err)
	}
	out, err = execute(t, "watermark", "get", "crm_feedback_submissions")
	if err != nil {
		t.Fatalf("get after second set failed: %v", err)
	}
	if !strings.Contains(out, "1714608000000") || !strings.Contains(out, "version=2") {
		t.Errorf("get should report the stacked row:\n%s", out)
	}

	out, err = execute(t, "watermark", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "ENTITY") || !strings.Contains(out, "crm_feedback_submissions") {
		t.Errorf("list output missing entry:\n%s", out)
	}
}

func TestWatermark_Unit_GetWithoutHistory(t *testing.T) {
	setWatermarkEnv(t)

	out, err := execute(t, "watermark", "get", "crm_feedback_submissions")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !strings.Contains(out, "no watermark stored") {
		t.Errorf("get output = %q, want no-history notice", out)
	}
}

func TestWatermark_Unit_ListEmpty(t *testing.T) {
	setWatermarkEnv(t)

	out, err := execute(t, "watermark", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "no watermarks stored") {
		t.Errorf("list output = %q, want empty notice", out)
	}
}

func TestWatermark_Unit_SetRejectsBadInput(t *testing.T) {
	setWatermarkEnv(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "unknown entity",
			args:    []string{"watermark", "set", "no_such_entity", "0"},
			wantErr: "unknown entity",
		},
		{
			name:    "full-only entity",
			args:    []string{"watermark", "set", "tax_rates", "0"},
			wantErr: "not incrementally extracted",
		},
		{
			name:    "unparsable value",
			args:    []string{"watermark", "set", "crm_feedback_submissions", "yesterday"},
			wantErr: "neither epoch millis nor RFC 3339",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
