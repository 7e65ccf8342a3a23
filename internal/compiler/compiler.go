// Package compiler turns PromptIR into provider ready prompts that fit a token
// budget and declare their response contract.
package compiler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/conductor/internal/prompt"
)

// DefaultBudget is the per-prompt token budget when none is configured.
const DefaultBudget = 3000

// ErrRejected is wrapped by every RejectedError.
var ErrRejected = errors.New("compiler: prompt rejected")

// Reason enumerates why a prompt could not be compiled.
type Reason string

const (
	ReasonBudgetExceeded    Reason = "budget_exceeded"
	ReasonUnsupportedSchema Reason = "unsupported_schema"
	ReasonMalformedIR       Reason = "malformed_ir"
	ReasonMissingContext    Reason = "missing_context"
)

// RejectedError reports a prompt the compiler refused to emit.
type RejectedError struct {
	Role   prompt.Role
	Reason Reason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("compiler: %s prompt rejected: %s", e.Role, e.Reason)
	}
	return fmt.Sprintf("compiler: %s prompt rejected: %s: %s", e.Role, e.Reason, e.Detail)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// CompiledPrompt is a prompt ready for dispatch. EstimatedTokens never exceeds
// Budget.
type CompiledPrompt struct {
	IR              prompt.IR
	Role            prompt.Role
	Provider        string
	Model           string
	Temperature     float64
	MaxTokens       int
	System          string
	Body            string
	EstimatedTokens int
	Budget          int
	// Included and Dropped list context ref ids in declaration order.
	Included []string
	Dropped  []string
	Pricing  prompt.Pricing
}

// Request bundles the inputs of a single compilation.
type Request struct {
	IR prompt.IR
	// Binding supplies provider, model and system prompt for the IR's role.
	Binding prompt.RoleConfig
	// Resolved maps context ref ids to their text.
	Resolved map[string]string
	// Budget of zero or less selects the compiler default.
	Budget int
}

// Compiler is pure: the same request always yields the same result.
type Compiler struct {
	estimator     Estimator
	defaultBudget int
}

// Option customises a Compiler.
type Option func(*Compiler)

// WithEstimator overrides the token estimator.
func WithEstimator(e Estimator) Option {
	return func(c *Compiler) { c.estimator = e }
}

// WithDefaultBudget overrides the budget used when a request carries none.
func WithDefaultBudget(budget int) Option {
	return func(c *Compiler) {
		if budget > 0 {
			c.defaultBudget = budget
		}
	}
}

// New builds a Compiler.
func New(opts ...Option) *Compiler {
	c := &Compiler{estimator: DefaultEstimator(), defaultBudget: DefaultBudget}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Estimator exposes the estimator so callers can price completions the same way.
func (c *Compiler) Estimator() Estimator { return c.estimator }

type contextBlock struct {
	ref   prompt.ContextRef
	order int
	text  string
}

// Compile renders the IR, enforcing the contract schema and token budget.
func (c *Compiler) Compile(req Request) (CompiledPrompt, error) {
	ir := req.IR
	if ir.IsZero() {
		return CompiledPrompt{}, &RejectedError{Reason: ReasonMalformedIR, Detail: "empty prompt"}
	}
	role := ir.Role()
	reject := func(reason Reason, format string, args ...any) (CompiledPrompt, error) {
		return CompiledPrompt{}, &RejectedError{Role: role, Reason: reason, Detail: fmt.Sprintf(format, args...)}
	}
	instructions := strings.TrimSpace(ir.Instructions())
	if instructions == "" {
		return reject(ReasonMalformedIR, "instructions are empty")
	}
	if req.Binding.Role != "" && req.Binding.Role != role {
		return reject(ReasonMalformedIR, "binding is for role %s", req.Binding.Role)
	}
	output := ir.Output()
	if !output.Kind.Supported() {
		return reject(ReasonUnsupportedSchema, "output kind %q", output.Kind)
	}
	for _, key := range output.Required {
		if strings.TrimSpace(key) == "" {
			return reject(ReasonUnsupportedSchema, "empty required field in %s contract", output.Kind)
		}
	}
	budget := req.Budget
	if budget <= 0 {
		budget = c.defaultBudget
	}

	var (
		blocks  []contextBlock
		dropped []string
	)
	for idx, ref := range ir.ContextRefs() {
		text, ok := req.Resolved[ref.ID]
		if !ok || strings.TrimSpace(text) == "" {
			if ref.Required {
				return reject(ReasonMissingContext, "required context %q is unavailable", ref.ID)
			}
			dropped = append(dropped, ref.ID)
			continue
		}
		blocks = append(blocks, contextBlock{ref: ref, order: idx, text: text})
	}

	system := strings.TrimSpace(req.Binding.SystemPrompt)
	format := output.Describe()
	estimate := c.estimate(system, instructions, format, blocks)
	if estimate > budget {
		for idx := range blocks {
			blocks[idx].text = Compact(blocks[idx].text)
		}
		estimate = c.estimate(system, instructions, format, blocks)
	}
	if estimate > budget {
		for _, victim := range dropOrder(blocks) {
			blocks = removeBlock(blocks, victim)
			dropped = append(dropped, victim)
			estimate = c.estimate(system, instructions, format, blocks)
			if estimate <= budget {
				break
			}
		}
	}
	if estimate > budget {
		return reject(ReasonBudgetExceeded, "estimated %d tokens exceeds budget %d", estimate, budget)
	}

	included := make([]string, 0, len(blocks))
	for _, block := range blocks {
		included = append(included, block.ref.ID)
	}
	return CompiledPrompt{
		IR:              ir,
		Role:            role,
		Provider:        req.Binding.Provider,
		Model:           req.Binding.Model,
		Temperature:     req.Binding.Temperature,
		MaxTokens:       req.Binding.MaxTokens,
		System:          system,
		Body:            render(instructions, format, blocks),
		EstimatedTokens: estimate,
		Budget:          budget,
		Included:        included,
		Dropped:         orderByDeclaration(ir.ContextRefs(), dropped),
		Pricing:         req.Binding.Pricing,
	}, nil
}

func (c *Compiler) estimate(system, instructions, format string, blocks []contextBlock) int {
	sections := make([]string, 0, len(blocks)+3)
	sections = append(sections, system, instructions, format)
	for _, block := range blocks {
		sections = append(sections, contextHeading(block.ref.ID)+block.text)
	}
	return c.estimator.Sections(sections...)
}

// dropOrder lists optional refs from least to most important. Ties drop the
// later-declared ref first.
func dropOrder(blocks []contextBlock) []string {
	optional := make([]contextBlock, 0, len(blocks))
	for _, block := range blocks {
		if !block.ref.Required {
			optional = append(optional, block)
		}
	}
	sort.SliceStable(optional, func(i, j int) bool {
		if optional[i].ref.Priority != optional[j].ref.Priority {
			return optional[i].ref.Priority < optional[j].ref.Priority
		}
		return optional[i].order > optional[j].order
	})
	ids := make([]string, len(optional))
	for idx, block := range optional {
		ids[idx] = block.ref.ID
	}
	return ids
}

func removeBlock(blocks []contextBlock, id string) []contextBlock {
	out := blocks[:0]
	for _, block := range blocks {
		if block.ref.ID != id {
			out = append(out, block)
		}
	}
	return out
}

func orderByDeclaration(refs []prompt.ContextRef, ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for _, ref := range refs {
		if _, ok := set[ref.ID]; ok {
			out = append(out, ref.ID)
		}
	}
	return out
}

func contextHeading(id string) string {
	return "## Context: " + id + "\n"
}

func render(instructions, format string, blocks []contextBlock) string {
	var b strings.Builder
	b.WriteString("## Instructions\n")
	b.WriteString(instructions)
	b.WriteString("\n")
	for _, block := range blocks {
		b.WriteString("\n")
		b.WriteString(contextHeading(block.ref.ID))
		b.WriteString(strings.TrimRight(block.text, "\n"))
		b.WriteString("\n")
	}
	b.WriteString("\n## Response format\n")
	b.WriteString(format)
	b.WriteString("\n")
	return b.String()
}
