package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/conductor/internal/governance"
	"github.com/kingrea/conductor/internal/prompt"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	ws, err := Load(filepath.Join(t.TempDir(), WorkspaceDir))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(ws.Roles) != len(prompt.Roles()) {
		t.Fatalf("expected every role configured, got %d", len(ws.Roles))
	}
	if !ws.Roles[prompt.RoleReviewer].Evaluates {
		t.Fatalf("expected reviewer to evaluate")
	}
	if ws.Runtime.Conductor.MaxPhases != 10 || ws.Runtime.Conductor.ConfidenceThreshold != 0.85 {
		t.Fatalf("unexpected runtime defaults %+v", ws.Runtime.Conductor)
	}
	if ws.Runtime.Executor.Timeout != 120*time.Second || ws.Runtime.Executor.BackoffBase != 500*time.Millisecond {
		t.Fatalf("unexpected executor defaults %+v", ws.Runtime.Executor)
	}
	want := []prompt.Role{prompt.RoleArchitect, prompt.RoleImplementer, prompt.RoleReviewer}
	if diff := cmp.Diff(want, ws.InitialRoles()); diff != "" {
		t.Fatalf("initial roles mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultDocumentsMatchGoDefaults(t *testing.T) {
	var gov governanceDocument
	if err := decodeStrict([]byte(defaultGovernanceYAML), &gov); err != nil {
		t.Fatalf("decode governance: %v", err)
	}
	if diff := cmp.Diff(governance.DefaultPolicy().Normalized(), gov.Policy.Normalized()); diff != "" {
		t.Fatalf("governance defaults drifted (-want +got):\n%s", diff)
	}
	runtime := Runtime{}
	if err := decodeStrict([]byte(defaultRuntimeYAML), &runtime); err != nil {
		t.Fatalf("decode runtime: %v", err)
	}
	if diff := cmp.Diff(DefaultRuntime(), runtime); diff != "" {
		t.Fatalf("runtime defaults drifted (-want +got):\n%s", diff)
	}
}

func TestInitWritesDefaultsWithoutOverwriting(t *testing.T) {
	dir := filepath.Join(t.TempDir(), WorkspaceDir)
	created, err := Init(dir)
	if err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("expected 3 documents created, got %v", created)
	}
	custom := []byte("version: 1\nconductor:\n  max_phases: 3\n")
	if err := os.WriteFile(filepath.Join(dir, RuntimeFile), custom, 0o644); err != nil {
		t.Fatal(err)
	}
	created, err = Init(dir)
	if err != nil {
		t.Fatalf("second Init returned error: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("expected nothing created on second init, got %v", created)
	}
	data, _ := os.ReadFile(filepath.Join(dir, RuntimeFile))
	if string(data) != string(custom) {
		t.Fatalf("Init overwrote an existing document")
	}
	for _, sub := range []string{"ledger", "logs", filepath.Join("flows", "sessions")} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s directory", sub)
		}
	}
	ws, err := Load(dir)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if ws.Runtime.Conductor.MaxPhases != 3 {
		t.Fatalf("expected override to apply, got %d", ws.Runtime.Conductor.MaxPhases)
	}
	if ws.Runtime.Conductor.AgreementWeight != 0.6 {
		t.Fatalf("expected unspecified fields to keep defaults")
	}
}

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{
			name:    "unknown runtime field",
			file:    RuntimeFile,
			content: "version: 1\nconductor:\n  max_phase: 4\n",
			want:    "max_phase",
		},
		{
			name:    "phases above hard limit",
			file:    RuntimeFile,
			content: "conductor:\n  max_phases: 11\n",
			want:    "max_phases",
		},
		{
			name:    "weights",
			file:    RuntimeFile,
			content: "conductor:\n  agreement_weight: 0.9\n",
			want:    "sum to 1",
		},
		{
			name:    "unknown role",
			file:    RolesFile,
			content: "roles:\n  oracle:\n    provider: offline\n    model: m\n    max_tokens: 1\n    instructions: x\n    output: {kind: text}\n",
			want:    "unknown role",
		},
		{
			name:    "missing required role field",
			file:    RolesFile,
			content: "roles:\n  architect:\n    provider: offline\n    max_tokens: 1\n    instructions: x\n    output: {kind: text}\n",
			want:    "model is required",
		},
		{
			name:    "relative protected path",
			file:    GovernanceFile,
			content: "protected_paths: [etc]\n",
			want:    "protected_paths",
		},
		{
			name:    "multiple documents",
			file:    GovernanceFile,
			content: "deny_phrases: [x]\n---\ndeny_phrases: [y]\n",
			want:    "multiple",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), WorkspaceDir)
			writeDoc(t, dir, tc.file, tc.content)
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestResolveDirHonoursEnv(t *testing.T) {
	override := t.TempDir()
	t.Setenv(EnvWorkspace, override)
	if got := ResolveDir("/somewhere"); got != override {
		t.Fatalf("expected %q, got %q", override, got)
	}
	t.Setenv(EnvWorkspace, "")
	if got := ResolveDir("/somewhere"); got != filepath.Join("/somewhere", WorkspaceDir) {
		t.Fatalf("unexpected default dir %q", got)
	}
}

func TestSQLiteLedgerPath(t *testing.T) {
	ws := &Workspace{Dir: "/p/.conductor", Runtime: DefaultRuntime()}
	if got := ws.LedgerPath(); got != "/p/.conductor/ledger" {
		t.Fatalf("unexpected file ledger path %q", got)
	}
	ws.Runtime.Ledger.Backend = LedgerBackendSQLite
	if got := ws.LedgerPath(); got != "/p/.conductor/ledger.db" {
		t.Fatalf("unexpected sqlite ledger path %q", got)
	}
	ws.Runtime.Ledger.Path = "runs.db"
	if got := ws.LedgerPath(); got != "/p/.conductor/runs.db" {
		t.Fatalf("unexpected relative ledger path %q", got)
	}
}
