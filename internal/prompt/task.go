package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Task is the caller supplied goal plus named variables. A Task is treated as
// immutable once accepted by the conductor; use Clone before handing one to
// code that might retain it.
type Task struct {
	// ID is an optional caller supplied identifier, e.g. a flow step.
	ID        string            `json:"id,omitempty"`
	Goal      string            `json:"goal"`
	Variables map[string]string `json:"variables,omitempty"`
	// Context lists caller supplied reference identifiers such as file paths.
	Context []string `json:"context,omitempty"`
}

// NewTask validates and copies the inputs into a Task.
func NewTask(goal string, variables map[string]string, context ...string) (Task, error) {
	task := Task{
		Goal:      strings.TrimSpace(goal),
		Variables: cloneStringMap(variables),
	}
	for _, ref := range context {
		if trimmed := strings.TrimSpace(ref); trimmed != "" {
			task.Context = append(task.Context, trimmed)
		}
	}
	if err := task.Validate(); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Validate ensures the task has a goal and well-formed variables.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Goal) == "" {
		return fmt.Errorf("prompt: task goal is required")
	}
	for key := range t.Variables {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("prompt: task variable names must not be empty")
		}
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	return Task{
		ID:        t.ID,
		Goal:      t.Goal,
		Variables: cloneStringMap(t.Variables),
		Context:   cloneStrings(t.Context),
	}
}

// VariableNames returns variable keys in sorted order so rendering is stable.
func (t Task) VariableNames() []string {
	names := make([]string, 0, len(t.Variables))
	for key := range t.Variables {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

// Expand substitutes {{name}} placeholders using the task variables. Unknown
// placeholders are left untouched.
func (t Task) Expand(text string) string {
	return ExpandVariables(text, t.Variables)
}

// Placeholder matches {{name}} references, with optional whitespace inside
// the braces. Flow templates validate against the same pattern.
var Placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// ExpandVariables substitutes {{name}} placeholders in one pass; substituted
// values are never expanded again.
func ExpandVariables(text string, variables map[string]string) string {
	if len(variables) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	return Placeholder.ReplaceAllStringFunc(text, func(match string) string {
		name := Placeholder.FindStringSubmatch(match)[1]
		if value, ok := variables[name]; ok {
			return value
		}
		return match
	})
}
