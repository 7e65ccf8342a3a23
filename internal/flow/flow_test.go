package flow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kingrea/conductor/internal/compiler"
	"github.com/kingrea/conductor/internal/conductor"
	"github.com/kingrea/conductor/internal/executor"
	"github.com/kingrea/conductor/internal/governance"
	"github.com/kingrea/conductor/internal/ledger"
	"github.com/kingrea/conductor/internal/metrics"
	"github.com/kingrea/conductor/internal/prompt"
	"github.com/kingrea/conductor/internal/provider"
)

// fakeRunner answers every task with the configured reason.
type fakeRunner struct {
	mu      sync.Mutex
	reason  ledger.Reason
	delay   time.Duration
	tasks   []prompt.Task
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, task prompt.Task) (ledger.RunLedger, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	reason := f.reason
	if reason == "" {
		reason = ledger.ReasonConfidenceReached
	}
	return ledger.RunLedger{
		RunID:       fmt.Sprintf("run-%d", len(f.tasks)),
		Task:        task,
		Termination: ledger.Termination{Reason: reason},
	}, nil
}

func newEngine(t *testing.T, runner Runner, catalog *Catalog, opts ...EngineOption) (*Engine, *Repository) {
	t.Helper()
	if catalog == nil {
		var err error
		catalog, err = Builtin()
		if err != nil {
			t.Fatalf("builtin catalog: %v", err)
		}
	}
	repo, err := NewRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	engine, err := New(catalog, runner, repo, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, repo
}

func offlineConductor(t *testing.T, store ledger.Store) *conductor.Conductor {
	t.Helper()
	reviewer := prompt.RoleConfig{
		Provider:     provider.OfflineName,
		Model:        "offline-1",
		MaxTokens:    256,
		Instructions: "Review the work.",
		Output:       prompt.OutputContract{Kind: prompt.KindMarkdown, Required: []string{"Findings"}},
		Evaluates:    true,
	}
	roles := map[prompt.Role]prompt.RoleConfig{
		prompt.RoleArchitect:   {Provider: provider.OfflineName, Model: "offline-1", MaxTokens: 256, Instructions: "Plan the work.", Output: prompt.OutputContract{Kind: prompt.KindJSON, Required: []string{"plan"}}},
		prompt.RoleImplementer: {Provider: provider.OfflineName, Model: "offline-1", MaxTokens: 256, Instructions: "Do the work.", Output: prompt.OutputContract{Kind: prompt.KindText}},
		prompt.RoleReviewer:    reviewer,
	}
	reg := provider.NewRegistry()
	reg.MustRegister(provider.OfflineName, provider.Offline{})
	pool, err := executor.New(reg, executor.DefaultConfig())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	gate, err := governance.New(governance.DefaultPolicy())
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	c, err := conductor.New(conductor.Dependencies{
		Roles:      roles,
		Gate:       gate,
		Compiler:   compiler.New(),
		Dispatcher: pool,
		Ledger:     store,
	}, conductor.DefaultSettings())
	if err != nil {
		t.Fatalf("new conductor: %v", err)
	}
	return c
}

func TestBuiltinTemplates(t *testing.T) {
	catalog, err := Builtin()
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	if diff := cmp.Diff([]string{"code_review", "new_feature"}, catalog.IDs()); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	for _, tpl := range catalog.Templates() {
		if tpl.Source() != SourceBuiltin {
			t.Fatalf("%s: expected builtin source, got %q", tpl.ID(), tpl.Source())
		}
		for _, id := range tpl.NodeIDs() {
			node, _ := tpl.Node(id)
			if n := len(node.Options); n != 0 && (n < MinOptions || n > MaxOptions) {
				t.Fatalf("%s/%s: %d options", tpl.ID(), id, n)
			}
		}
	}
	review, _ := catalog.Get("code_review")
	root, ok := review.Node(review.Root())
	if !ok {
		t.Fatalf("root node missing")
	}
	bugs, ok := root.Option("bugs")
	if !ok || bugs.Next != "bugs" {
		t.Fatalf("expected bugs option leading to bugs node, got %+v", bugs)
	}
	if _, err := catalog.Get("missing"); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestTemplateValidation(t *testing.T) {
	valid := func() Document {
		return Document{
			ID:        "t",
			Root:      "a",
			Variables: []string{"target"},
			Nodes: []Node{
				{ID: "a", Prompt: "Start on {{target}}.", Options: []Option{{ID: "x", Label: "X", Next: "b"}, {ID: "y", Label: "Y"}}},
				{ID: "b", Prompt: "Step {{flow_step}}."},
			},
		}
	}
	if _, err := NewTemplate(valid()); err != nil {
		t.Fatalf("valid template rejected: %v", err)
	}

	cases := map[string]struct {
		mutate func(*Document)
		want   string
	}{
		"one option": {func(d *Document) { d.Nodes[0].Options = d.Nodes[0].Options[:1] }, "has 1 options"},
		"five options": {func(d *Document) {
			for i := 0; i < 3; i++ {
				d.Nodes[0].Options = append(d.Nodes[0].Options, Option{ID: fmt.Sprintf("o%d", i), Label: "O"})
			}
		}, "has 5 options"},
		"duplicate option":   {func(d *Document) { d.Nodes[0].Options[1].ID = "x" }, "duplicate option id x"},
		"missing target":     {func(d *Document) { d.Nodes[0].Options[1].Next = "nowhere" }, "target nowhere does not exist"},
		"missing root":       {func(d *Document) { d.Root = "zzz" }, "root zzz does not exist"},
		"duplicate node":     {func(d *Document) { d.Nodes[1].ID = "a" }, "duplicate id"},
		"undeclared var":     {func(d *Document) { d.Variables = nil }, "undeclared variable target"},
		"reserved var":       {func(d *Document) { d.Variables = append(d.Variables, "flow_x") }, "reserved"},
		"missing label":      {func(d *Document) { d.Nodes[0].Options[0].Label = "" }, "label is required"},
		"missing prompt":     {func(d *Document) { d.Nodes[1].Prompt = " " }, "prompt is required"},
		"negative max depth": {func(d *Document) { d.MaxDepth = -1 }, "max_depth"},
		"unreachable": {func(d *Document) {
			d.Nodes = append(d.Nodes, Node{ID: "orphan", Prompt: "Lost."})
		}, "node orphan is unreachable"},
		"cycle": {func(d *Document) {
			d.Nodes[1].Options = []Option{{ID: "back", Label: "Back", Next: "a"}, {ID: "stop", Label: "Stop"}}
		}, "cycle a -> b -> a requires max_depth"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			doc := valid()
			tc.mutate(&doc)
			_, err := NewTemplate(doc)
			if !errors.Is(err, ErrTemplateInvalid) {
				t.Fatalf("expected ErrTemplateInvalid, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
		})
	}

	t.Run("cycle with max depth", func(t *testing.T) {
		doc := valid()
		doc.MaxDepth = 3
		doc.Nodes[1].Options = []Option{{ID: "back", Label: "Back", Next: "a"}, {ID: "stop", Label: "Stop"}}
		if _, err := NewTemplate(doc); err != nil {
			t.Fatalf("guarded cycle rejected: %v", err)
		}
	})
}

func TestParseTemplateStrict(t *testing.T) {
	cases := map[string]string{
		"unknown field": "id: t\nroot: a\ncolour: red\nnodes:\n  - id: a\n    prompt: hi\n",
		"multiple docs": "id: t\nroot: a\nnodes:\n  - id: a\n    prompt: hi\n---\nid: u\n",
		"empty":         "   \n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseTemplate([]byte(doc)); !errors.Is(err, ErrTemplateInvalid) {
				t.Fatalf("expected ErrTemplateInvalid, got %v", err)
			}
		})
	}
}

func TestLoadCatalogOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	override := `id: code_review
name: Team review
root: only
nodes:
  - id: only
    prompt: Review the change.
    options:
      - id: quick
        label: Quick pass
      - id: deep
        label: Deep pass
`
	if err := os.WriteFile(filepath.Join(dir, "review.yaml"), []byte(override), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	catalog, err := LoadCatalog(dir)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	tpl, err := catalog.Get("code_review")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tpl.Name() != "Team review" || tpl.Source() != filepath.Join(dir, "review.yaml") {
		t.Fatalf("expected project override, got %s from %s", tpl.Name(), tpl.Source())
	}
	if _, err := catalog.Get("new_feature"); err != nil {
		t.Fatalf("builtin lost: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("id: broken\nroot: a\nnodes: []\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadCatalog(dir); !errors.Is(err, ErrTemplateInvalid) {
		t.Fatalf("expected invalid project template to fail, got %v", err)
	}
	if _, err := LoadCatalog(filepath.Join(dir, "missing")); err != nil {
		t.Fatalf("missing dir should fall back to builtins: %v", err)
	}
}

func TestCodeReviewChooseBugsAdvances(t *testing.T) {
	store, err := ledger.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	engine, _ := newEngine(t, offlineConductor(t, store), nil, WithMetrics(m))
	ctx := context.Background()

	session, err := engine.Start(ctx, "demo", "code_review", map[string]string{"target": "the cache package"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if session.CurrentNode != "review" || session.Complete {
		t.Fatalf("unexpected start state %+v", session)
	}
	next, run, err := engine.Choose(ctx, session.Ref(), "bugs")
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if next.CurrentNode != "bugs" {
		t.Fatalf("expected to advance to bugs, got %s", next.CurrentNode)
	}
	if len(next.History) != 1 {
		t.Fatalf("expected one history entry, got %d", len(next.History))
	}
	entry := next.History[0]
	if entry.Node != "review" || entry.Option != "bugs" || !entry.Advanced || entry.RunID != run.RunID {
		t.Fatalf("unexpected history entry %+v", entry)
	}
	stored, err := store.Read(ctx, entry.RunID)
	if err != nil {
		t.Fatalf("history run id must reference a ledger: %v", err)
	}
	if !strings.Contains(stored.Task.Goal, "the cache package") || stored.Task.Variables[VarOption] != "bugs" {
		t.Fatalf("unexpected task %+v", stored.Task)
	}
	if v := testutil.ToFloat64(m.FlowStepsTotal.WithLabelValues("code_review", "true")); v != 1 {
		t.Fatalf("expected flow step metric, got %v", v)
	}
}

func TestChooseWithoutAdvance(t *testing.T) {
	runner := &fakeRunner{reason: ledger.ReasonGovernanceRejected}
	engine, _ := newEngine(t, runner, nil)
	ctx := context.Background()
	session, err := engine.Start(ctx, "demo", "code_review", map[string]string{"target": "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	next, _, err := engine.Choose(ctx, session.Ref(), "security")
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if next.CurrentNode != "review" || next.Complete {
		t.Fatalf("rejected run must not advance, got %+v", next)
	}
	if len(next.History) != 1 || next.History[0].Advanced || next.History[0].Reason != ledger.ReasonGovernanceRejected {
		t.Fatalf("unexpected history %+v", next.History)
	}
}

func TestWalkToCompletion(t *testing.T) {
	runner := &fakeRunner{}
	engine, _ := newEngine(t, runner, nil)
	ctx := context.Background()
	session, err := engine.Start(ctx, "demo", "new_feature", map[string]string{"feature": "rate limiting"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, choice := range []string{"prototype", "ship"} {
		session, _, err = engine.Choose(ctx, session.Ref(), choice)
		if err != nil {
			t.Fatalf("choose %s: %v", choice, err)
		}
	}
	if !session.Complete {
		t.Fatalf("expected completion after terminal option, got %+v", session)
	}
	if _, _, err := engine.Choose(ctx, session.Ref(), "ship"); !errors.Is(err, ErrFlowAlreadyComplete) {
		t.Fatalf("expected ErrFlowAlreadyComplete, got %v", err)
	}
	status, err := engine.Status(ctx, session.Ref())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Complete || len(status.Options) != 0 || len(status.History) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}

	first := runner.tasks[0]
	if !strings.HasPrefix(first.Goal, "We are adding rate limiting.") || !strings.Contains(first.Goal, "Sketch the smallest working version.") {
		t.Fatalf("unexpected goal %q", first.Goal)
	}
	want := map[string]string{
		"feature":         "rate limiting",
		VarTemplate:       "new_feature",
		VarNode:           "scope",
		VarOption:         "prototype",
		VarOptionLabel:    "Prototype",
		VarStep:           "1",
		VarPreviousOption: "none",
	}
	if diff := cmp.Diff(want, first.Variables); diff != "" {
		t.Fatalf("variables mismatch (-want +got):\n%s", diff)
	}
	if runner.tasks[1].Variables[VarPreviousOption] != "prototype" {
		t.Fatalf("expected previous option on second step, got %+v", runner.tasks[1].Variables)
	}
}

func TestOptionLabelUsedWithoutPrompt(t *testing.T) {
	runner := &fakeRunner{}
	engine, _ := newEngine(t, runner, nil)
	ctx := context.Background()
	session, err := engine.Start(ctx, "demo", "code_review", map[string]string{"target": "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	session, _, err = engine.Choose(ctx, session.Ref(), "security")
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if _, _, err := engine.Choose(ctx, session.Ref(), "secrets"); err != nil {
		t.Fatalf("choose: %v", err)
	}
	if goal := runner.tasks[1].Goal; !strings.HasSuffix(goal, "Focus: Secret handling") {
		t.Fatalf("expected label focus, got %q", goal)
	}
}

func TestIrregularPlaceholderSpacingExpands(t *testing.T) {
	tpl, err := ParseTemplate([]byte(`id: spaced
root: start
variables: [target]
nodes:
  - id: start
    prompt: "Inspect {{  target}} then {{target	}}."
    options:
      - id: a
        label: A
        prompt: "Step {{ flow_step}} on {{   target   }}."
      - id: b
        label: B
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	runner := &fakeRunner{}
	engine, _ := newEngine(t, runner, NewCatalog(tpl))
	ctx := context.Background()
	session, err := engine.Start(ctx, "demo", "spaced", map[string]string{"target": "cache.go"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := engine.Choose(ctx, session.Ref(), "a"); err != nil {
		t.Fatalf("choose: %v", err)
	}
	goal := runner.tasks[0].Goal
	if strings.Contains(goal, "{{") {
		t.Fatalf("expected every placeholder expanded, got %q", goal)
	}
	if want := "Inspect cache.go then cache.go.\n\nStep 1 on cache.go."; goal != want {
		t.Fatalf("expected %q, got %q", want, goal)
	}
}

func TestStartAndChooseErrors(t *testing.T) {
	engine, _ := newEngine(t, &fakeRunner{}, nil)
	ctx := context.Background()
	if _, err := engine.Start(ctx, "demo", "code_review", nil); err == nil || !strings.Contains(err.Error(), "target") {
		t.Fatalf("expected missing variable error, got %v", err)
	}
	if _, err := engine.Start(ctx, "demo", "code_review", map[string]string{"target": "x", "flow_step": "9"}); err == nil {
		t.Fatalf("expected reserved variable error")
	}
	if _, err := engine.Start(ctx, "../escape", "code_review", map[string]string{"target": "x"}); err == nil {
		t.Fatalf("expected invalid project id error")
	}
	if _, err := engine.Start(ctx, "demo", "nope", nil); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
	session, err := engine.Start(ctx, "demo", "code_review", map[string]string{"target": "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := engine.Choose(ctx, session.Ref(), "naming"); !errors.Is(err, ErrUnknownOption) {
		t.Fatalf("expected ErrUnknownOption, got %v", err)
	}
	if _, _, err := engine.Choose(ctx, Ref{ProjectID: "demo", SessionID: "missing"}, "bugs"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMaxDepthGuardCompletesCyclicTemplate(t *testing.T) {
	tpl, err := NewTemplate(Document{
		ID:       "loop",
		Root:     "ask",
		MaxDepth: 2,
		Nodes: []Node{
			{ID: "ask", Prompt: "Ask.", Options: []Option{{ID: "more", Label: "More", Next: "answer"}, {ID: "done", Label: "Done"}}},
			{ID: "answer", Prompt: "Answer.", Options: []Option{{ID: "again", Label: "Again", Next: "ask"}, {ID: "done", Label: "Done"}}},
		},
	})
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	engine, _ := newEngine(t, &fakeRunner{}, NewCatalog(tpl))
	ctx := context.Background()
	session, err := engine.Start(ctx, "demo", "loop", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	session, _, err = engine.Choose(ctx, session.Ref(), "more")
	if err != nil || session.Complete {
		t.Fatalf("first step: complete=%v err=%v", session.Complete, err)
	}
	session, _, err = engine.Choose(ctx, session.Ref(), "again")
	if err != nil {
		t.Fatalf("second step: %v", err)
	}
	if !session.Complete || session.Depth() != 2 {
		t.Fatalf("expected max depth to complete the session, got %+v", session)
	}
}

func TestConcurrentChooseIsSerialised(t *testing.T) {
	runner := &fakeRunner{reason: ledger.ReasonProviderError, delay: 20 * time.Millisecond}
	engine, _ := newEngine(t, runner, nil)
	ctx := context.Background()
	session, err := engine.Start(ctx, "demo", "code_review", map[string]string{"target": "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	const choices = 4
	var wg sync.WaitGroup
	errs := make(chan error, choices)
	for i := 0; i < choices; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := engine.Choose(ctx, session.Ref(), "bugs")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("choose: %v", err)
		}
	}
	if peak := runner.maxSeen.Load(); peak != 1 {
		t.Fatalf("expected serialised runs, saw %d at once", peak)
	}
	status, err := engine.Status(ctx, session.Ref())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.History) != choices {
		t.Fatalf("expected %d history entries, got %d", choices, len(status.History))
	}
	if keys := engine.locks.keys(); len(keys) != 0 {
		t.Fatalf("expected idle locks to be released, got %v", keys)
	}
}

func TestRepositoryListAndIDs(t *testing.T) {
	repo, err := NewRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := repo.Save(Session{ID: id, ProjectID: "p", TemplateID: "t", UpdatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(repo.root, "p", "junk.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sessions, err := repo.List("p")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	if diff := cmp.Diff([]string{"c", "b", "a"}, ids); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if _, err := repo.Load(Ref{ProjectID: "p", SessionID: "../../etc"}); err == nil {
		t.Fatalf("expected invalid id error")
	}
	empty, err := repo.List("nobody")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %v %v", empty, err)
	}
}
