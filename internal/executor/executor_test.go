package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kingrea/conductor/internal/compiler"
	"github.com/kingrea/conductor/internal/metrics"
	"github.com/kingrea/conductor/internal/prompt"
	"github.com/kingrea/conductor/internal/provider"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func compiledFor(t *testing.T, role prompt.Role, providerName string) compiler.CompiledPrompt {
	t.Helper()
	ir, err := prompt.NewIR(prompt.IRSpec{Role: role, Instructions: "go", Output: prompt.OutputContract{Kind: prompt.KindText}})
	if err != nil {
		t.Fatalf("new ir: %v", err)
	}
	cp, err := compiler.New().Compile(compiler.Request{
		IR:      ir,
		Binding: prompt.RoleConfig{Role: role, Provider: providerName, Model: "m", MaxTokens: 10, Pricing: prompt.Pricing{InputPer1K: 1, OutputPer1K: 2}},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return cp
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	cfg.BackoffBase = time.Millisecond
	return cfg
}

func TestDispatchPreservesInputOrder(t *testing.T) {
	reg := provider.NewRegistry()
	reg.MustRegister("slow", provider.NewScripted("slow", map[prompt.Role][]provider.Step{
		prompt.RoleArchitect:   {{Text: "a", Delay: 30 * time.Millisecond}},
		prompt.RoleImplementer: {{Text: "i", Delay: 10 * time.Millisecond}},
		prompt.RoleReviewer:    {{Text: "r"}},
	}))
	pool, err := New(reg, fastConfig())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	outcomes := pool.Dispatch(context.Background(), []compiler.CompiledPrompt{
		compiledFor(t, prompt.RoleArchitect, "slow"),
		compiledFor(t, prompt.RoleImplementer, "slow"),
		compiledFor(t, prompt.RoleReviewer, "slow"),
	})
	want := []string{"a", "i", "r"}
	for idx, out := range outcomes {
		if !out.OK() || out.Text != want[idx] {
			t.Fatalf("outcome %d: expected %q, got %+v", idx, want[idx], out)
		}
		if out.CompletionTokens == 0 || out.Cost <= 0 {
			t.Fatalf("outcome %d: expected usage accounting, got %+v", idx, out)
		}
	}
}

type countingProvider struct {
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (c *countingProvider) Complete(ctx context.Context, _ compiler.CompiledPrompt) (string, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	return "ok", nil
}

func TestDispatchRespectsWorkerLimit(t *testing.T) {
	counter := &countingProvider{}
	reg := provider.NewRegistry()
	reg.MustRegister("count", counter)
	cfg := fastConfig()
	cfg.Workers = 2
	pool, _ := New(reg, cfg)
	prompts := make([]compiler.CompiledPrompt, 8)
	for idx := range prompts {
		prompts[idx] = compiledFor(t, prompt.RoleImplementer, "count")
	}
	for _, out := range pool.Dispatch(context.Background(), prompts) {
		if !out.OK() {
			t.Fatalf("unexpected failure %v", out.Err)
		}
	}
	if got := counter.maxSeen.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", got)
	}
}

func TestDispatchRetriesTransientErrors(t *testing.T) {
	scripted := provider.NewScripted("flaky", map[prompt.Role][]provider.Step{
		prompt.RoleReviewer: {
			{Err: provider.Transient("flaky", errors.New("503"))},
			{Err: provider.Transient("flaky", errors.New("503"))},
			{Text: "fine"},
		},
	})
	reg := provider.NewRegistry()
	reg.MustRegister("flaky", scripted)
	core, logs := observer.New(zap.DebugLevel)
	pool, _ := New(reg, fastConfig(), WithLogger(zap.New(core)))
	out := pool.Dispatch(context.Background(), []compiler.CompiledPrompt{compiledFor(t, prompt.RoleReviewer, "flaky")})[0]
	if !out.OK() || out.Attempts != 3 {
		t.Fatalf("expected success on third attempt, got %+v", out)
	}
	if got := logs.FilterMessage("dispatch attempt failed").Len(); got != 2 {
		t.Fatalf("expected 2 failed attempt logs, got %d", got)
	}
}

func TestDispatchStopsOnPermanentError(t *testing.T) {
	scripted := provider.NewScripted("strict", map[prompt.Role][]provider.Step{
		prompt.RoleReviewer: {{Err: provider.Permanent("strict", errors.New("invalid api key"))}},
	})
	reg := provider.NewRegistry()
	reg.MustRegister("strict", scripted)
	pool, _ := New(reg, fastConfig())
	out := pool.Dispatch(context.Background(), []compiler.CompiledPrompt{compiledFor(t, prompt.RoleReviewer, "strict")})[0]
	if out.OK() || out.Attempts != 1 || out.Failure != provider.FailureError {
		t.Fatalf("expected single failed attempt, got %+v", out)
	}
	if !errors.Is(out.Err, provider.ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", out.Err)
	}
}

func TestDispatchClassifiesTimeouts(t *testing.T) {
	reg := provider.NewRegistry()
	reg.MustRegister("hang", provider.NewScripted("hang", map[prompt.Role][]provider.Step{
		prompt.RoleArchitect: {{Text: "late", Delay: time.Second}},
	}))
	cfg := fastConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRetries = 1
	m := metrics.New(prometheus.NewRegistry())
	pool, _ := New(reg, cfg, WithMetrics(m))
	out := pool.Dispatch(context.Background(), []compiler.CompiledPrompt{compiledFor(t, prompt.RoleArchitect, "hang")})[0]
	if out.Failure != provider.FailureTimeout || out.Attempts != 2 {
		t.Fatalf("expected two timed out attempts, got %+v", out)
	}
	if !errors.Is(out.Err, provider.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", out.Err)
	}
	if got := testutil.ToFloat64(m.DispatchTotal.WithLabelValues("architect", "provider_timeout")); got != 1 {
		t.Fatalf("expected timeout metric, got %v", got)
	}
}

func TestDispatchTimesOutProvidersThatIgnoreContext(t *testing.T) {
	release := make(chan struct{})
	returned := make(chan struct{})
	reg := provider.NewRegistry()
	reg.MustRegister("stubborn", provider.Func(func(context.Context, compiler.CompiledPrompt) (string, error) {
		defer close(returned)
		<-release
		return "too late", nil
	}))
	cfg := fastConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxRetries = 0
	pool, _ := New(reg, cfg)

	start := time.Now()
	out := pool.Dispatch(context.Background(), []compiler.CompiledPrompt{compiledFor(t, prompt.RoleImplementer, "stubborn")})[0]
	elapsed := time.Since(start)
	close(release)
	<-returned

	if elapsed > time.Second {
		t.Fatalf("dispatch waited %s for a provider that ignores its deadline", elapsed)
	}
	if out.OK() || out.Failure != provider.FailureTimeout || out.Text != "" {
		t.Fatalf("expected timeout outcome, got %+v", out)
	}
	if !errors.Is(out.Err, provider.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", out.Err)
	}
}

func TestDispatchAppliesPerProviderRateLimits(t *testing.T) {
	reg := provider.NewRegistry()
	reply := provider.Func(func(context.Context, compiler.CompiledPrompt) (string, error) { return "ok", nil })
	reg.MustRegister("limited", reply)
	reg.MustRegister("open", reply)
	cfg := fastConfig()
	cfg.Workers = 3
	cfg.RateLimits = map[string]RateLimit{"limited": {PerSecond: 10, Burst: 1}}
	pool, err := New(reg, cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	batch := func(name string) time.Duration {
		prompts := []compiler.CompiledPrompt{
			compiledFor(t, prompt.RoleArchitect, name),
			compiledFor(t, prompt.RoleImplementer, name),
			compiledFor(t, prompt.RoleReviewer, name),
		}
		start := time.Now()
		for _, out := range pool.Dispatch(context.Background(), prompts) {
			if !out.OK() {
				t.Fatalf("%s: unexpected failure %v", name, out.Err)
			}
		}
		return time.Since(start)
	}
	if elapsed := batch("limited"); elapsed < 150*time.Millisecond {
		t.Fatalf("expected three calls at 10/s with burst 1 to take at least 150ms, took %s", elapsed)
	}
	if elapsed := batch("open"); elapsed > 100*time.Millisecond {
		t.Fatalf("unlimited provider was throttled: %s", elapsed)
	}
}

func TestDispatchFinishesInFlightCallsAfterCancel(t *testing.T) {
	reg := provider.NewRegistry()
	reg.MustRegister("slow", provider.NewScripted("slow", map[prompt.Role][]provider.Step{
		prompt.RoleImplementer: {{Text: "done", Delay: 50 * time.Millisecond}},
	}))
	pool, _ := New(reg, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	out := pool.Dispatch(ctx, []compiler.CompiledPrompt{compiledFor(t, prompt.RoleImplementer, "slow")})[0]
	if !out.OK() || out.Text != "done" {
		t.Fatalf("expected in-flight call to complete, got %+v", out)
	}
}

func TestDispatchUnknownProvider(t *testing.T) {
	pool, _ := New(provider.NewRegistry(), fastConfig())
	out := pool.Dispatch(context.Background(), []compiler.CompiledPrompt{compiledFor(t, prompt.RoleReviewer, "nope")})[0]
	if out.OK() || out.Attempts != 0 {
		t.Fatalf("expected immediate failure, got %+v", out)
	}
}

func TestNewRequiresResolver(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatalf("expected error")
	}
	pool, _ := New(provider.NewRegistry(), Config{RateLimits: map[string]RateLimit{"x": {PerSecond: 5}}})
	if pool.Config().Workers != DefaultWorkers || pool.Config().Timeout != DefaultTimeout {
		t.Fatalf("expected defaults, got %+v", pool.Config())
	}
}
