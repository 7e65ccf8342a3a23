package conductor

import (
	"fmt"

	"github.com/kingrea/conductor/internal/ledger"
	"github.com/kingrea/conductor/internal/prompt"
)

// Context ref ids the planner attaches to every prompt.
const (
	RefGoal      = "task.goal"
	RefVariables = "task.variables"
)

// Ref priorities; higher survives truncation longer.
const (
	priorityGoal      = 100
	priorityPrior     = 80
	priorityVariables = 50
	priorityTaskRef   = 40
)

// SynthesisRef names the synthesis of a completed phase.
func SynthesisRef(phase int) string {
	return fmt.Sprintf("phase.%d.synthesis", phase)
}

// schedule is the outcome of planning one phase.
type schedule struct {
	roles   []prompt.Role
	skipped []ledger.Skip
}

// plan returns the roles for the next phase: the initial roles plus whatever
// the previous evaluation requested. Roles without configuration are skipped
// and the skip is recorded.
func (c *Conductor) plan(phase int, requested []prompt.Role) schedule {
	wanted := append([]prompt.Role{}, c.settings.InitialRoles...)
	if phase > 1 {
		wanted = append(wanted, requested...)
	}
	var out schedule
	for _, role := range prompt.SortRoles(wanted) {
		if _, ok := c.roles[role]; !ok {
			out.skipped = append(out.skipped, ledger.Skip{Role: role, Reason: "no role configuration"})
			continue
		}
		out.roles = append(out.roles, role)
	}
	return out
}

// buildIR shapes the prompt for one role. Role behaviour comes entirely from
// its configuration: instructions, contract and tags.
func buildIR(cfg prompt.RoleConfig, task prompt.Task, phase int) (prompt.IR, error) {
	refs := []prompt.ContextRef{{ID: RefGoal, Priority: priorityGoal, Required: true}}
	if phase > 1 {
		refs = append(refs, prompt.ContextRef{ID: SynthesisRef(phase - 1), Priority: priorityPrior})
	}
	if len(task.Variables) > 0 {
		refs = append(refs, prompt.ContextRef{ID: RefVariables, Priority: priorityVariables})
	}
	seen := map[string]struct{}{RefGoal: {}, RefVariables: {}}
	for _, id := range task.Context {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, prompt.ContextRef{ID: id, Priority: priorityTaskRef})
	}
	return prompt.NewIR(prompt.IRSpec{
		Role:           cfg.Role,
		Instructions:   prompt.ExpandVariables(cfg.Instructions, task.Variables),
		ContextRefs:    refs,
		Output:         cfg.Output,
		GovernanceTags: cfg.Tags,
	})
}
