// Package conductor runs a Task through bounded phases: plan, govern,
// compile, dispatch, synthesize and evaluate, until confidence is reached or
// the phase limit is hit. Every run ends in exactly one named reason and is
// recorded in the ledger.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/conductor/internal/compiler"
	"github.com/kingrea/conductor/internal/executor"
	"github.com/kingrea/conductor/internal/governance"
	"github.com/kingrea/conductor/internal/ledger"
	"github.com/kingrea/conductor/internal/metrics"
	"github.com/kingrea/conductor/internal/prompt"
)

// State enumerates the phases of the run state machine.
type State string

const (
	StatePlanning     State = "planning"
	StateDispatching  State = "dispatching"
	StateSynthesizing State = "synthesizing"
	StateEvaluating   State = "evaluating"
	StateTerminated   State = "terminated"
)

// Phase decisions recorded in the ledger.
const (
	DecisionContinue  = "continue"
	DecisionTerminate = "terminate"
)

// Gate is the governance capability the conductor needs.
type Gate interface {
	Check(task prompt.Task, ir prompt.IR) governance.Decision
	CheckTask(task prompt.Task) governance.Decision
}

// Compiler turns an IR into a dispatchable prompt.
type Compiler interface {
	Compile(req compiler.Request) (compiler.CompiledPrompt, error)
}

// Dispatcher runs compiled prompts and returns outcomes in input order.
type Dispatcher interface {
	Dispatch(ctx context.Context, prompts []compiler.CompiledPrompt) []executor.Outcome
}

// Settings tune the phase loop.
type Settings struct {
	ConfidenceThreshold float64
	MaxPhases           int
	InitialRoles        []prompt.Role
	AgreementWeight     float64
	CompletenessWeight  float64
	TokenBudget         int
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		ConfidenceThreshold: 0.85,
		MaxPhases:           ledger.MaxPhases,
		InitialRoles:        []prompt.Role{prompt.RoleArchitect, prompt.RoleImplementer, prompt.RoleReviewer},
		AgreementWeight:     0.6,
		CompletenessWeight:  0.4,
		TokenBudget:         compiler.DefaultBudget,
	}
}

// normalized fills zero values with defaults.
func (s Settings) normalized() Settings {
	def := DefaultSettings()
	if s.ConfidenceThreshold == 0 {
		s.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if s.MaxPhases == 0 {
		s.MaxPhases = def.MaxPhases
	}
	if s.AgreementWeight == 0 && s.CompletenessWeight == 0 {
		s.AgreementWeight = def.AgreementWeight
		s.CompletenessWeight = def.CompletenessWeight
	}
	if s.TokenBudget <= 0 {
		s.TokenBudget = def.TokenBudget
	}
	if len(s.InitialRoles) == 0 {
		s.InitialRoles = def.InitialRoles
	}
	return s
}

func (s Settings) validate() error {
	if s.ConfidenceThreshold <= 0 || s.ConfidenceThreshold > 1 {
		return fmt.Errorf("conductor: confidence threshold must be within (0,1]")
	}
	if s.MaxPhases < 1 || s.MaxPhases > ledger.MaxPhases {
		return fmt.Errorf("conductor: max phases must be within [1,%d]", ledger.MaxPhases)
	}
	if s.AgreementWeight < 0 || s.CompletenessWeight < 0 {
		return fmt.Errorf("conductor: weights must be >= 0")
	}
	if sum := s.AgreementWeight + s.CompletenessWeight; sum < 1-1e-9 || sum > 1+1e-9 {
		return fmt.Errorf("conductor: weights must sum to 1, got %v", sum)
	}
	if len(s.InitialRoles) == 0 {
		return fmt.Errorf("conductor: at least one initial role is required")
	}
	return nil
}

// Dependencies are the collaborators every conductor needs.
type Dependencies struct {
	Roles      map[prompt.Role]prompt.RoleConfig
	Gate       Gate
	Compiler   Compiler
	Dispatcher Dispatcher
	Ledger     ledger.Store
}

// Conductor orchestrates runs. It is safe for concurrent use; each Run keeps
// its own state.
type Conductor struct {
	roles      map[prompt.Role]prompt.RoleConfig
	settings   Settings
	gate       Gate
	compiler   Compiler
	dispatcher Dispatcher
	ledger     ledger.Store
	context    ContextSource
	confirmer  Confirmer
	logger     *zap.Logger
	metrics    *metrics.Metrics
	clock      func() time.Time
	newRunID   func() string
}

// Option customises a Conductor.
type Option func(*Conductor)

// WithContextSource overrides how context refs are resolved.
func WithContextSource(src ContextSource) Option {
	return func(c *Conductor) {
		if src != nil {
			c.context = src
		}
	}
}

// WithConfirmer installs the confirmer consulted on RequireConfirmation.
// Without one, confirmation requests are denied.
func WithConfirmer(confirmer Confirmer) Option {
	return func(c *Conductor) { c.confirmer = confirmer }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Conductor) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Conductor) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Conductor) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithRunIDs overrides run id generation.
func WithRunIDs(next func() string) Option {
	return func(c *Conductor) {
		if next != nil {
			c.newRunID = next
		}
	}
}

// New validates dependencies and settings and builds a Conductor.
func New(deps Dependencies, settings Settings, opts ...Option) (*Conductor, error) {
	if len(deps.Roles) == 0 {
		return nil, fmt.Errorf("conductor: role configuration is required")
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("conductor: governance gate is required")
	}
	if deps.Compiler == nil {
		return nil, fmt.Errorf("conductor: compiler is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("conductor: dispatcher is required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("conductor: ledger is required")
	}
	settings = settings.normalized()
	settings.InitialRoles = prompt.SortRoles(settings.InitialRoles)
	if err := settings.validate(); err != nil {
		return nil, err
	}
	roles := make(map[prompt.Role]prompt.RoleConfig, len(deps.Roles))
	for role, cfg := range deps.Roles {
		cfg = cfg.Clone()
		cfg.Role = role
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("conductor: %w", err)
		}
		roles[role] = cfg
	}
	c := &Conductor{
		roles:      roles,
		settings:   settings,
		gate:       deps.Gate,
		compiler:   deps.Compiler,
		dispatcher: deps.Dispatcher,
		ledger:     deps.Ledger,
		context:    WorkspaceContext{},
		logger:     zap.NewNop(),
		clock:      time.Now,
		newRunID:   ledger.NewRunID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Settings returns the effective settings.
func (c *Conductor) Settings() Settings { return c.settings }

// run carries the mutable state of a single Run call.
type run struct {
	id        string
	task      prompt.Task
	state     State
	ledger    ledger.RunLedger
	confirmed map[string]bool
	logger    *zap.Logger
}

func (r *run) transition(next State) {
	r.logger.Debug("state transition", zap.String("from", string(r.state)), zap.String("to", string(next)))
	r.state = next
}

// Run executes the task to a terminal reason and records the ledger. Named
// terminal states (including governance rejection and cancellation) are not
// errors; an error means the task was invalid or the ledger write failed.
func (c *Conductor) Run(ctx context.Context, task prompt.Task) (ledger.RunLedger, error) {
	if err := task.Validate(); err != nil {
		return ledger.RunLedger{}, err
	}
	task = task.Clone()
	r := &run{
		id:        c.newRunID(),
		task:      task,
		state:     StatePlanning,
		confirmed: map[string]bool{},
	}
	r.logger = c.logger.With(zap.String("run_id", r.id))
	r.ledger = ledger.RunLedger{RunID: r.id, Task: task, StartedAt: c.clock().UTC()}
	r.logger.Info("run started", zap.String("goal", task.Goal))

	reason, detail := c.loop(ctx, r)
	return c.finish(ctx, r, reason, detail)
}

func (c *Conductor) loop(ctx context.Context, r *run) (ledger.Reason, string) {
	decision := c.gate.CheckTask(r.task)
	c.metrics.RecordGovernance(string(decision.Verdict))
	switch decision.Verdict {
	case governance.VerdictDeny:
		c.recordGovernance(r, 0, "", decision, false)
		return ledger.ReasonGovernanceRejected, decision.Reason
	case governance.VerdictConfirm:
		if !c.confirm(ctx, r, 0, "", decision) {
			return ledger.ReasonGovernanceRejected, "confirmation declined: " + decision.Reason
		}
	}

	var requested []prompt.Role
	for phase := 1; ; phase++ {
		r.transition(StatePlanning)
		if err := ctx.Err(); err != nil {
			return ledger.ReasonCancelled, err.Error()
		}
		record, outcome := c.runPhase(ctx, r, phase, requested)
		if outcome.abort {
			r.ledger.Rejections = record.Failures
			return outcome.reason, outcome.detail
		}
		r.ledger.Phases = append(r.ledger.Phases, record)
		c.metrics.RecordPhase()
		if outcome.reason != "" {
			return outcome.reason, outcome.detail
		}
		requested = record.Requested
	}
}

// phaseOutcome tells the loop how a phase ended. abort means the phase is
// not recorded.
type phaseOutcome struct {
	reason ledger.Reason
	detail string
	abort  bool
}

func (c *Conductor) runPhase(ctx context.Context, r *run, phase int, requested []prompt.Role) (ledger.Phase, phaseOutcome) {
	logger := r.logger.With(zap.Int("phase", phase))
	sched := c.plan(phase, requested)
	record := ledger.Phase{Index: phase, Roles: sched.roles, Skipped: sched.skipped}
	for _, skip := range sched.skipped {
		logger.Warn("role skipped", zap.String("role", string(skip.Role)), zap.String("reason", skip.Reason))
	}

	type pending struct {
		cfg prompt.RoleConfig
		ir  prompt.IR
	}
	var (
		allowed        []pending
		governanceDeny bool
	)
	for _, role := range sched.roles {
		cfg := c.roles[role]
		ir, err := buildIR(cfg, r.task, phase)
		if err != nil {
			record.Failures = append(record.Failures, ledger.Failure{Role: role, Kind: string(ledger.ReasonCompileRejected), Reason: err.Error()})
			continue
		}
		decision := c.gate.Check(r.task, ir)
		c.metrics.RecordGovernance(string(decision.Verdict))
		switch decision.Verdict {
		case governance.VerdictDeny:
			c.recordGovernance(r, phase, role, decision, false)
			if decision.Scope == governance.ScopeTask {
				logger.Warn("task rejected by governance", zap.String("reason", decision.Reason))
				return record, phaseOutcome{reason: ledger.ReasonGovernanceRejected, detail: decision.Reason, abort: true}
			}
			governanceDeny = true
			record.Failures = append(record.Failures, ledger.Failure{Role: role, Kind: string(ledger.ReasonGovernanceRejected), Reason: decision.Reason})
			continue
		case governance.VerdictConfirm:
			if !c.promptNeedsConfirmation(decision) {
				break
			}
			if !c.confirm(ctx, r, phase, role, decision) {
				governanceDeny = true
				record.Failures = append(record.Failures, ledger.Failure{Role: role, Kind: string(ledger.ReasonGovernanceRejected), Reason: "confirmation declined: " + decision.Reason})
				continue
			}
		}
		allowed = append(allowed, pending{cfg: cfg, ir: ir})
	}

	var refs []prompt.ContextRef
	for _, p := range allowed {
		refs = append(refs, p.ir.ContextRefs()...)
	}
	resolved := map[string]string{}
	if len(allowed) > 0 {
		var err error
		resolved, err = c.context.Resolve(ctx, ContextRequest{RunID: r.id, Task: r.task, Phases: r.ledger.Phases, Refs: refs})
		if err != nil {
			logger.Warn("context resolution failed", zap.Error(err))
			resolved = map[string]string{}
		}
	}

	var compiled []compiler.CompiledPrompt
	for _, p := range allowed {
		budget := c.settings.TokenBudget
		if p.cfg.TokenBudget > 0 {
			budget = p.cfg.TokenBudget
		}
		cp, err := c.compiler.Compile(compiler.Request{IR: p.ir, Binding: p.cfg, Resolved: resolved, Budget: budget})
		if err != nil {
			var rejected *compiler.RejectedError
			detail := err.Error()
			if errors.As(err, &rejected) {
				detail = fmt.Sprintf("%s: %s", rejected.Reason, rejected.Detail)
			}
			logger.Warn("prompt rejected by compiler", zap.String("role", string(p.cfg.Role)), zap.Error(err))
			record.Failures = append(record.Failures, ledger.Failure{Role: p.cfg.Role, Kind: string(ledger.ReasonCompileRejected), Reason: detail})
			continue
		}
		record.Prompts = append(record.Prompts, ledger.PromptRecord{
			Role:            cp.Role,
			Provider:        cp.Provider,
			Model:           cp.Model,
			EstimatedTokens: cp.EstimatedTokens,
			Budget:          cp.Budget,
			Included:        cp.Included,
			Dropped:         cp.Dropped,
		})
		compiled = append(compiled, cp)
	}

	if len(compiled) == 0 {
		if governanceDeny {
			return record, phaseOutcome{reason: ledger.ReasonGovernanceRejected, detail: failureDetail("no prompt passed governance", record.Failures), abort: true}
		}
		return record, phaseOutcome{reason: ledger.ReasonCompileRejected, detail: failureDetail("no prompt compiled", record.Failures), abort: true}
	}

	r.transition(StateDispatching)
	logger.Debug("dispatching", zap.Int("prompts", len(compiled)))
	outcomes := c.dispatcher.Dispatch(ctx, compiled)

	r.transition(StateSynthesizing)
	for _, out := range outcomes {
		role := out.Prompt.Role
		if !out.OK() {
			record.Failures = append(record.Failures, ledger.Failure{Role: role, Kind: string(out.Failure), Reason: out.Err.Error()})
			continue
		}
		cfg := c.roles[role]
		resp := ledger.Response{
			Role:             role,
			Provider:         out.Prompt.Provider,
			Model:            out.Prompt.Model,
			Text:             out.Text,
			PromptTokens:     out.PromptTokens,
			CompletionTokens: out.CompletionTokens,
			Cost:             out.Cost,
			Attempts:         out.Attempts,
			DurationMS:       out.Duration.Milliseconds(),
		}
		scoreResponse(&resp, cfg.Output, cfg.Evaluates)
		record.Responses = append(record.Responses, resp)
		r.ledger.Totals.PromptTokens += resp.PromptTokens
		r.ledger.Totals.CompletionTokens += resp.CompletionTokens
		r.ledger.Totals.Cost += resp.Cost
	}
	record.Synthesis = synthesize(record.Responses)

	if len(record.Responses) == 0 {
		record.Decision = DecisionTerminate
		if err := ctx.Err(); err != nil {
			return record, phaseOutcome{reason: ledger.ReasonCancelled, detail: err.Error()}
		}
		logger.Warn("every dispatched prompt failed")
		return record, phaseOutcome{reason: ledger.ReasonProviderError, detail: "all dispatched prompts failed"}
	}

	r.transition(StateEvaluating)
	ev := c.evaluate(len(sched.roles), record.Responses)
	record.Completeness = ev.completeness
	record.Agreement = ev.agreement
	record.Confidence = ev.confidence
	record.Requested = ev.requested
	logger.Info("phase evaluated",
		zap.Float64("confidence", ev.confidence),
		zap.Float64("agreement", ev.agreement),
		zap.Float64("completeness", ev.completeness),
		zap.Int("failures", len(record.Failures)))

	switch {
	case ev.confidence >= c.settings.ConfidenceThreshold:
		record.Decision = DecisionTerminate
		return record, phaseOutcome{reason: ledger.ReasonConfidenceReached, detail: fmt.Sprintf("confidence %.4f >= %.4f", ev.confidence, c.settings.ConfidenceThreshold)}
	case phase >= c.settings.MaxPhases:
		record.Decision = DecisionTerminate
		return record, phaseOutcome{reason: ledger.ReasonMaxPhasesReached, detail: fmt.Sprintf("phase limit %d reached", c.settings.MaxPhases)}
	default:
		record.Decision = DecisionContinue
		return record, phaseOutcome{}
	}
}

// failureDetail appends each role's failure to a termination summary.
func failureDetail(summary string, failures []ledger.Failure) string {
	if len(failures) == 0 {
		return summary
	}
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Role, f.Reason))
	}
	return summary + ": " + strings.Join(parts, "; ")
}

// promptNeedsConfirmation reports whether a confirm decision carries
// anything beyond the task level confirmation already handled at start.
func (c *Conductor) promptNeedsConfirmation(decision governance.Decision) bool {
	for _, m := range decision.Matches {
		if m.Effect == governance.VerdictConfirm && m.Scope == governance.ScopePrompt {
			return true
		}
	}
	return false
}

// confirm consults the confirmer. Only the exact token approves; a missing
// confirmer, an error or a mismatch is a denial. Approvals are remembered for
// the rest of the run so later phases do not ask again.
func (c *Conductor) confirm(ctx context.Context, r *run, phase int, role prompt.Role, decision governance.Decision) bool {
	token := governance.ConfirmationToken(r.id, role, decision.Reason)
	if r.confirmed[token] {
		return true
	}
	approved := false
	if c.confirmer != nil {
		answer, err := c.confirmer.Confirm(ctx, ConfirmationRequest{RunID: r.id, Phase: phase, Role: role, Reason: decision.Reason, Token: token})
		approved = err == nil && answer == token
		if err != nil {
			r.logger.Warn("confirmation failed", zap.String("role", string(role)), zap.Error(err))
		}
	}
	c.recordGovernance(r, phase, role, decision, approved)
	if approved {
		r.confirmed[token] = true
	}
	return approved
}

func (c *Conductor) recordGovernance(r *run, phase int, role prompt.Role, decision governance.Decision, confirmed bool) {
	r.ledger.Governance = append(r.ledger.Governance, ledger.GovernanceRecord{
		Phase:     phase,
		Role:      role,
		Verdict:   string(decision.Verdict),
		Scope:     string(decision.Scope),
		Reason:    decision.Reason,
		Confirmed: confirmed,
	})
}

func (c *Conductor) finish(ctx context.Context, r *run, reason ledger.Reason, detail string) (ledger.RunLedger, error) {
	r.transition(StateTerminated)
	r.ledger.FinishedAt = c.clock().UTC()
	r.ledger.Termination = ledger.Termination{Reason: reason, Detail: detail}
	if n := len(r.ledger.Phases); n > 0 {
		r.ledger.FinalConfidence = r.ledger.Phases[n-1].Confidence
	}
	c.metrics.RecordRun(string(reason))
	r.logger.Info("run finished",
		zap.String("reason", string(reason)),
		zap.Int("phases", len(r.ledger.Phases)),
		zap.Float64("confidence", r.ledger.FinalConfidence))
	// The ledger is written even when the caller has cancelled.
	if err := c.ledger.Record(context.WithoutCancel(ctx), r.ledger); err != nil {
		return r.ledger, fmt.Errorf("conductor: record run %s: %w", r.id, err)
	}
	return r.ledger, nil
}
