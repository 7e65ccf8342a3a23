package governance

import (
	"errors"
	"testing"

	"github.com/kingrea/conductor/internal/prompt"
)

func newGate(t *testing.T, policy Policy) *Gate {
	t.Helper()
	gate, err := New(policy)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return gate
}

func reviewerIR(t *testing.T, instructions string, refs ...prompt.ContextRef) prompt.IR {
	t.Helper()
	ir, err := prompt.NewIR(prompt.IRSpec{
		Role:           prompt.RoleReviewer,
		Instructions:   instructions,
		ContextRefs:    refs,
		Output:         prompt.OutputContract{Kind: prompt.KindText},
		GovernanceTags: []string{"reads_code"},
	})
	if err != nil {
		t.Fatalf("new ir: %v", err)
	}
	return ir
}

func TestCheckDeniesDestructiveTask(t *testing.T) {
	gate := newGate(t, DefaultPolicy())
	task, err := prompt.NewTask("Delete all files in /etc", nil)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	decision := gate.CheckTask(task)
	if decision.Verdict != VerdictDeny || decision.Scope != ScopeTask {
		t.Fatalf("expected task scoped deny, got %+v", decision)
	}
	if !errors.Is(decision.Err(), ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", decision.Err())
	}
	rules := map[string]bool{}
	for _, m := range decision.Matches {
		rules[m.Rule] = true
	}
	if !rules["deny_phrases"] || !rules["protected_paths"] {
		t.Fatalf("expected phrase and path matches, got %+v", decision.Matches)
	}
}

func TestCheckAllowsBenignTask(t *testing.T) {
	gate := newGate(t, DefaultPolicy())
	task, _ := prompt.NewTask("Write a function that returns the first n primes", map[string]string{"lang": "go"})
	decision := gate.Check(task, reviewerIR(t, "Review the implementation."))
	if !decision.Allowed() || decision.Err() != nil {
		t.Fatalf("expected allow, got %+v", decision)
	}
}

func TestPhraseBoundaries(t *testing.T) {
	gate := newGate(t, Policy{DenyPhrases: []string{"drop   DATABASE"}})
	cases := map[string]Verdict{
		"please drop database users":   VerdictDeny,
		"Please DROP\n database now":   VerdictDeny,
		"airdrop databases are cool":   VerdictAllow,
		"drop database_backup instead": VerdictAllow,
	}
	for goal, want := range cases {
		task, _ := prompt.NewTask(goal, nil)
		if got := gate.CheckTask(task).Verdict; got != want {
			t.Fatalf("%q: expected %s, got %s", goal, want, got)
		}
	}
}

func TestPathMatching(t *testing.T) {
	gate := newGate(t, Policy{ProtectedPaths: []string{"/etc", "C:\\Windows"}, ConfirmPaths: []string{"~/.config"}})
	cases := map[string]Verdict{
		"read /etc/hosts":                 VerdictDeny,
		"read '/etc'.":                    VerdictDeny,
		"read /etcetera/file":             VerdictAllow,
		"read /tmp/../etc/passwd":         VerdictDeny,
		`patch c:\windows\system32\x.dll`: VerdictDeny,
		"edit ~/.config/app.toml":         VerdictConfirm,
		"edit ~/.configs/app.toml":        VerdictAllow,
	}
	for goal, want := range cases {
		task, _ := prompt.NewTask(goal, nil)
		if got := gate.CheckTask(task).Verdict; got != want {
			t.Fatalf("%q: expected %s, got %s", goal, want, got)
		}
	}
}

func TestRelativeContextRefsCannotLeaveWorkspace(t *testing.T) {
	gate := newGate(t, DefaultPolicy())
	cases := map[string]Verdict{
		"../../../etc/passwd":     VerdictDeny,
		`..\..\secrets.txt`:       VerdictDeny,
		"docs/../../outside.md":   VerdictDeny,
		"..":                      VerdictDeny,
		"docs/../README.md":       VerdictAllow,
		"internal/ledger/file.go": VerdictAllow,
		"./cmd/conductor/main.go": VerdictAllow,
	}
	for ref, want := range cases {
		task, err := prompt.NewTask("summarise the config", nil, ref)
		if err != nil {
			t.Fatalf("new task: %v", err)
		}
		decision := gate.CheckTask(task)
		if decision.Verdict != want {
			t.Fatalf("%q: expected %s, got %+v", ref, want, decision)
		}
		if want == VerdictDeny && (decision.Scope != ScopeTask || decision.Matches[0].Rule != "workspace_escape") {
			t.Fatalf("%q: expected task scoped workspace_escape, got %+v", ref, decision)
		}
	}

	escaping := reviewerIR(t, "Review it.", prompt.ContextRef{ID: "../shared/notes.md"})
	task, _ := prompt.NewTask("summarise the config", nil)
	decision := gate.Check(task, escaping)
	if decision.Verdict != VerdictDeny || decision.Scope != ScopePrompt {
		t.Fatalf("expected prompt scoped deny for escaping ref, got %+v", decision)
	}
}

func TestPromptScopedDecision(t *testing.T) {
	gate := newGate(t, Policy{ProtectedPaths: []string{"/etc"}, ConfirmTags: []string{"writes_files"}, DenyTags: []string{"network"}})
	task, _ := prompt.NewTask("tidy the config loader", nil, "/srv/app/config.go")
	decision := gate.Check(task, reviewerIR(t, "Review.", prompt.ContextRef{ID: "/etc/shadow"}))
	if decision.Verdict != VerdictDeny || decision.Scope != ScopePrompt {
		t.Fatalf("expected prompt scoped deny, got %+v", decision)
	}

	ir, err := prompt.NewIR(prompt.IRSpec{
		Role:           prompt.RoleImplementer,
		Instructions:   "Apply the change.",
		Output:         prompt.OutputContract{Kind: prompt.KindText},
		GovernanceTags: []string{"Writes_Files"},
	})
	if err != nil {
		t.Fatalf("new ir: %v", err)
	}
	decision = gate.Check(task, ir)
	if decision.Verdict != VerdictConfirm || decision.Scope != ScopePrompt {
		t.Fatalf("expected prompt scoped confirmation, got %+v", decision)
	}
}

func TestTaskScopeWinsWhenBothMatch(t *testing.T) {
	gate := newGate(t, Policy{DenyPhrases: []string{"rm -rf"}})
	task, _ := prompt.NewTask("run rm -rf build", nil)
	decision := gate.Check(task, reviewerIR(t, "Check that rm -rf build is safe."))
	if decision.Scope != ScopeTask {
		t.Fatalf("expected task scope, got %+v", decision)
	}
	if decision.Matches[0].Scope != ScopeTask {
		t.Fatalf("expected task match first, got %+v", decision.Matches)
	}
}

func TestCheckIsDeterministic(t *testing.T) {
	gate := newGate(t, DefaultPolicy())
	task, _ := prompt.NewTask("force push after editing /etc/hosts", map[string]string{"b": "rm -rf /", "a": "drop database"})
	first := gate.Check(task, reviewerIR(t, "x"))
	for i := 0; i < 20; i++ {
		next := gate.Check(task, reviewerIR(t, "x"))
		if next.Reason != first.Reason || len(next.Matches) != len(first.Matches) {
			t.Fatalf("non-deterministic decision: %q vs %q", first.Reason, next.Reason)
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	_, err := New(Policy{ProtectedPaths: []string{"relative/path"}, DenyPhrases: []string{"  "}})
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestConfirmationTokenStable(t *testing.T) {
	a := ConfirmationToken("run-1", prompt.RoleImplementer, "confirm_phrases")
	b := ConfirmationToken("run-1", prompt.RoleImplementer, "confirm_phrases")
	c := ConfirmationToken("run-2", prompt.RoleImplementer, "confirm_phrases")
	if a != b || a == c || len(a) != 12 {
		t.Fatalf("unexpected tokens %q %q %q", a, b, c)
	}
}
