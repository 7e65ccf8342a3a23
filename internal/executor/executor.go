// Package executor fans compiled prompts out to providers through a bounded
// worker pool with per-call timeouts, retries and optional rate limits.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kingrea/conductor/internal/compiler"
	"github.com/kingrea/conductor/internal/metrics"
	"github.com/kingrea/conductor/internal/provider"
)

const (
	DefaultWorkers     = 5
	DefaultTimeout     = 120 * time.Second
	DefaultMaxRetries  = 2
	DefaultBackoffBase = 500 * time.Millisecond
	maxBackoff         = 30 * time.Second
)

// RateLimit throttles calls to one provider.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Config controls the pool.
type Config struct {
	Workers     int                  `yaml:"workers"`
	Timeout     time.Duration        `yaml:"timeout"`
	MaxRetries  int                  `yaml:"max_retries"`
	BackoffBase time.Duration        `yaml:"backoff_base"`
	RateLimits  map[string]RateLimit `yaml:"rate_limits,omitempty"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     DefaultWorkers,
		Timeout:     DefaultTimeout,
		MaxRetries:  DefaultMaxRetries,
		BackoffBase: DefaultBackoffBase,
	}
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	return c
}

// Resolver looks providers up by the name used in role bindings.
type Resolver interface {
	Resolve(name string) (provider.Provider, error)
}

// Outcome is the result of one prompt. Exactly one of Text or Err is set.
type Outcome struct {
	Prompt           compiler.CompiledPrompt
	Text             string
	Err              error
	Failure          provider.FailureKind
	Attempts         int
	Duration         time.Duration
	PromptTokens     int
	CompletionTokens int
	Cost             float64
}

// OK reports whether the provider produced a response.
func (o Outcome) OK() bool { return o.Err == nil }

// Pool dispatches prompts concurrently.
type Pool struct {
	providers Resolver
	cfg       Config
	limiters  map[string]*rate.Limiter
	estimator compiler.Estimator
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Option customises a Pool.
type Option func(*Pool)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithEstimator sets the estimator used to price completions.
func WithEstimator(e compiler.Estimator) Option {
	return func(p *Pool) { p.estimator = e }
}

// New builds a Pool.
func New(providers Resolver, cfg Config, opts ...Option) (*Pool, error) {
	if providers == nil {
		return nil, fmt.Errorf("executor: provider resolver is required")
	}
	cfg = cfg.normalized()
	p := &Pool{
		providers: providers,
		cfg:       cfg,
		limiters:  make(map[string]*rate.Limiter, len(cfg.RateLimits)),
		estimator: compiler.DefaultEstimator(),
		logger:    zap.NewNop(),
	}
	for name, limit := range cfg.RateLimits {
		if limit.PerSecond <= 0 {
			continue
		}
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiters[name] = rate.NewLimiter(rate.Limit(limit.PerSecond), burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// Dispatch runs every prompt and returns outcomes in input order. It waits
// for all branches. Cancelling ctx stops new attempts, but calls already in
// flight run to completion bounded by the per-call timeout.
func (p *Pool) Dispatch(ctx context.Context, prompts []compiler.CompiledPrompt) []Outcome {
	outcomes := make([]Outcome, len(prompts))
	if len(prompts) == 0 {
		return outcomes
	}
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for idx := range prompts {
		g.Go(func() error {
			outcomes[idx] = p.run(ctx, prompts[idx])
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (p *Pool) run(ctx context.Context, cp compiler.CompiledPrompt) Outcome {
	started := time.Now()
	out := Outcome{Prompt: cp, PromptTokens: cp.EstimatedTokens}
	logger := p.logger.With(zap.String("role", string(cp.Role)), zap.String("provider", cp.Provider))
	finish := func() Outcome {
		out.Duration = time.Since(started)
		label := "ok"
		if out.Err != nil {
			label = string(out.Failure)
		}
		p.metrics.RecordDispatch(string(cp.Role), label, out.Duration)
		return out
	}

	impl, err := p.providers.Resolve(cp.Provider)
	if err != nil {
		out.Err = provider.Permanent(cp.Provider, err)
		out.Failure = provider.FailureError
		logger.Warn("provider unavailable", zap.Error(err))
		return finish()
	}

	if err := ctx.Err(); err != nil {
		out.Err = fmt.Errorf("executor: %s not started: %w", cp.Role, err)
		out.Failure = provider.FailureError
		return finish()
	}
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.cfg.BackoffBase * time.Duration(1<<(attempt-1))
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				lastErr = errors.Join(lastErr, ctx.Err())
				out.Failure, _ = provider.Classify(lastErr)
				out.Err = fmt.Errorf("executor: %s gave up after %d attempts: %w", cp.Role, out.Attempts, lastErr)
				return finish()
			}
		}
		out.Attempts++
		text, err := p.attempt(ctx, impl, cp)
		if err == nil {
			out.Text = text
			out.CompletionTokens = p.estimator.Tokens(text)
			out.Cost = cp.Pricing.Cost(out.PromptTokens, out.CompletionTokens)
			p.metrics.RecordUsage(out.PromptTokens, out.CompletionTokens, out.Cost)
			logger.Debug("dispatch succeeded", zap.Int("attempts", out.Attempts), zap.Int("completion_tokens", out.CompletionTokens))
			return finish()
		}
		lastErr = err
		kind, retryable := provider.Classify(err)
		out.Failure = kind
		logger.Debug("dispatch attempt failed", zap.Int("attempt", out.Attempts), zap.String("kind", string(kind)), zap.Bool("retryable", retryable), zap.Error(err))
		if !retryable {
			break
		}
	}
	out.Err = fmt.Errorf("executor: %s failed after %d attempts: %w", cp.Role, out.Attempts, lastErr)
	logger.Warn("dispatch failed", zap.String("kind", string(out.Failure)), zap.Error(lastErr))
	return finish()
}

// attempt performs one call. The call context is detached from the caller so
// cancellation never tears down a request mid-flight; the timeout still holds.
func (p *Pool) attempt(ctx context.Context, impl provider.Provider, cp compiler.CompiledPrompt) (string, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancel()
	if limiter := p.limiters[cp.Provider]; limiter != nil {
		if err := limiter.Wait(callCtx); err != nil {
			return "", fmt.Errorf("%w: rate limit wait: %v", provider.ErrTimeout, err)
		}
	}
	// A provider that ignores callCtx keeps running; its late result is dropped.
	done := make(chan completion, 1)
	go func() {
		text, err := impl.Complete(callCtx, cp)
		done <- completion{text: text, err: err}
	}()
	var res completion
	select {
	case res = <-done:
	case <-callCtx.Done():
		return "", fmt.Errorf("%w after %s: %v", provider.ErrTimeout, p.cfg.Timeout, callCtx.Err())
	}
	if res.err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(res.err, provider.ErrTimeout) {
			return "", fmt.Errorf("%w after %s: %v", provider.ErrTimeout, p.cfg.Timeout, res.err)
		}
		return "", res.err
	}
	return res.text, nil
}

type completion struct {
	text string
	err  error
}
