package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// Role enumerates the closed set of agent roles the conductor can schedule.
type Role string

const (
	RoleArchitect   Role = "architect"
	RoleImplementer Role = "implementer"
	RoleReviewer    Role = "reviewer"
	RoleResearcher  Role = "researcher"
	RoleIntegrator  Role = "integrator"
)

var roleOrder = []Role{
	RoleArchitect,
	RoleImplementer,
	RoleReviewer,
	RoleResearcher,
	RoleIntegrator,
}

// Roles returns every known role in canonical order.
func Roles() []Role {
	out := make([]Role, len(roleOrder))
	copy(out, roleOrder)
	return out
}

// ParseRole converts a configuration string into a Role.
func ParseRole(value string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if !role.Valid() {
		return "", fmt.Errorf("prompt: unknown role %q", value)
	}
	return role, nil
}

// Valid reports whether the role belongs to the closed set.
func (r Role) Valid() bool {
	return r.Rank() >= 0
}

// Rank returns the canonical position of the role, or -1 when unknown.
func (r Role) Rank() int {
	for idx, candidate := range roleOrder {
		if candidate == r {
			return idx
		}
	}
	return -1
}

// Title renders the role for headings ("Architect").
func (r Role) Title() string {
	if r == "" {
		return ""
	}
	return strings.ToUpper(string(r[:1])) + string(r[1:])
}

// SortRoles orders roles canonically and removes duplicates and unknown values.
func SortRoles(roles []Role) []Role {
	seen := make(map[Role]struct{}, len(roles))
	out := make([]Role, 0, len(roles))
	for _, role := range roles {
		if !role.Valid() {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}

// Pricing expresses provider cost per thousand tokens.
type Pricing struct {
	InputPer1K  float64 `yaml:"input_per_1k,omitempty" json:"input_per_1k,omitempty"`
	OutputPer1K float64 `yaml:"output_per_1k,omitempty" json:"output_per_1k,omitempty"`
}

// Cost returns the price of a call with the given token usage.
func (p Pricing) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*p.InputPer1K + float64(completionTokens)/1000*p.OutputPer1K
}

// RoleConfig binds a role to a provider and describes how prompts for the
// role are shaped. Roles carry data only; behaviour flows from the PromptIR
// they produce and the contract they expect back.
type RoleConfig struct {
	Role         Role           `yaml:"-" json:"role"`
	Provider     string         `yaml:"provider" json:"provider"`
	Model        string         `yaml:"model" json:"model"`
	Temperature  float64        `yaml:"temperature" json:"temperature"`
	MaxTokens    int            `yaml:"max_tokens" json:"max_tokens"`
	SystemPrompt string         `yaml:"system_prompt" json:"system_prompt"`
	Instructions string         `yaml:"instructions" json:"instructions"`
	Output       OutputContract `yaml:"output" json:"output"`
	// Evaluates marks roles whose verdicts count towards reviewer agreement.
	Evaluates   bool     `yaml:"evaluates,omitempty" json:"evaluates,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	TokenBudget int      `yaml:"token_budget,omitempty" json:"token_budget,omitempty"`
	Pricing     Pricing  `yaml:"pricing,omitempty" json:"pricing,omitempty"`
}

// Clone returns a deep copy of the role configuration.
func (c RoleConfig) Clone() RoleConfig {
	clone := c
	clone.Output = c.Output.Clone()
	clone.Tags = cloneStrings(c.Tags)
	return clone
}

// Validate ensures the role configuration can drive prompt planning.
func (c RoleConfig) Validate() error {
	if !c.Role.Valid() {
		return fmt.Errorf("unknown role %q", c.Role)
	}
	if strings.TrimSpace(c.Provider) == "" {
		return fmt.Errorf("%s: provider is required", c.Role)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%s: model is required", c.Role)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%s: temperature must be within [0,2]", c.Role)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%s: max_tokens must be > 0", c.Role)
	}
	if strings.TrimSpace(c.Instructions) == "" {
		return fmt.Errorf("%s: instructions are required", c.Role)
	}
	if !c.Output.Kind.Supported() {
		return fmt.Errorf("%s: unsupported output kind %q", c.Role, c.Output.Kind)
	}
	if c.TokenBudget < 0 {
		return fmt.Errorf("%s: token_budget must be >= 0", c.Role)
	}
	if c.Pricing.InputPer1K < 0 || c.Pricing.OutputPer1K < 0 {
		return fmt.Errorf("%s: pricing must be >= 0", c.Role)
	}
	return nil
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}
