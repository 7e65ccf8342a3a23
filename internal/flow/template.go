// Package flow walks bounded decision trees. Each chosen option turns into one
// conductor run, and the session records the path taken together with the
// run ids it produced.
package flow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/conductor/internal/prompt"
)

// MinOptions and MaxOptions bound the choices of a non-terminal node.
const (
	MinOptions = 2
	MaxOptions = 4
)

// ErrTemplateInvalid is wrapped by every template validation failure.
var ErrTemplateInvalid = errors.New("flow: template invalid")

// ValidationError lists every problem found in one template document.
type ValidationError struct {
	Template string
	Problems []string
}

func (e *ValidationError) Error() string {
	name := e.Template
	if name == "" {
		name = "(unnamed)"
	}
	return fmt.Sprintf("flow: template %s invalid: %s", name, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrTemplateInvalid }

// Option is one labelled choice. An empty Next ends the flow after the run.
type Option struct {
	ID     string `yaml:"id" json:"id"`
	Label  string `yaml:"label" json:"label"`
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Next   string `yaml:"next,omitempty" json:"next,omitempty"`
}

// Terminal reports whether choosing the option ends the flow.
func (o Option) Terminal() bool { return o.Next == "" }

// Node is a step of a template. A node without options is terminal.
type Node struct {
	ID      string   `yaml:"id" json:"id"`
	Prompt  string   `yaml:"prompt" json:"prompt"`
	Options []Option `yaml:"options,omitempty" json:"options,omitempty"`
}

// Terminal reports whether the node offers no further choice.
func (n Node) Terminal() bool { return len(n.Options) == 0 }

// Option returns the option with the given id.
func (n Node) Option(id string) (Option, bool) {
	for _, opt := range n.Options {
		if opt.ID == id {
			return opt, true
		}
	}
	return Option{}, false
}

func (n Node) clone() Node {
	clone := n
	if len(n.Options) > 0 {
		clone.Options = append([]Option(nil), n.Options...)
	}
	return clone
}

// Document is the YAML form of a template.
type Document struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Root        string   `yaml:"root"`
	MaxDepth    int      `yaml:"max_depth,omitempty"`
	Variables   []string `yaml:"variables,omitempty"`
	Nodes       []Node   `yaml:"nodes"`
}

// Template is a validated, read-only graph. Nodes live in a slice and are
// addressed through an id index.
type Template struct {
	id          string
	name        string
	description string
	root        string
	maxDepth    int
	variables   []string
	nodes       []Node
	index       map[string]int
	source      string
}

// NewTemplate validates a document and builds the template.
func NewTemplate(doc Document) (*Template, error) {
	doc.ID = strings.TrimSpace(doc.ID)
	doc.Root = strings.TrimSpace(doc.Root)
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if doc.ID == "" {
		addf("id is required")
	}
	if doc.MaxDepth < 0 {
		addf("max_depth must be >= 0")
	}
	index := make(map[string]int, len(doc.Nodes))
	nodes := make([]Node, 0, len(doc.Nodes))
	for i, node := range doc.Nodes {
		node.ID = strings.TrimSpace(node.ID)
		if node.ID == "" {
			addf("node[%d]: id is required", i)
			continue
		}
		if _, dup := index[node.ID]; dup {
			addf("node %s: duplicate id", node.ID)
			continue
		}
		index[node.ID] = len(nodes)
		nodes = append(nodes, node.clone())
	}
	if len(nodes) == 0 {
		addf("at least one node is required")
	}
	if doc.Root == "" {
		addf("root is required")
	} else if _, ok := index[doc.Root]; !ok && len(nodes) > 0 {
		addf("root %s does not exist", doc.Root)
	}

	declared := map[string]struct{}{}
	for _, name := range doc.Variables {
		name = strings.TrimSpace(name)
		if name == "" {
			addf("variable names must not be empty")
			continue
		}
		if strings.HasPrefix(name, VariablePrefix) {
			addf("variable %s uses the reserved %s prefix", name, VariablePrefix)
		}
		declared[name] = struct{}{}
	}
	checkPlaceholders := func(where, text string) {
		for _, match := range prompt.Placeholder.FindAllStringSubmatch(text, -1) {
			name := match[1]
			if strings.HasPrefix(name, VariablePrefix) {
				continue
			}
			if _, ok := declared[name]; !ok {
				addf("%s references undeclared variable %s", where, name)
			}
		}
	}

	for _, node := range nodes {
		if strings.TrimSpace(node.Prompt) == "" {
			addf("node %s: prompt is required", node.ID)
		}
		checkPlaceholders("node "+node.ID, node.Prompt)
		if n := len(node.Options); n > 0 && (n < MinOptions || n > MaxOptions) {
			addf("node %s: has %d options, want between %d and %d", node.ID, n, MinOptions, MaxOptions)
		}
		seen := map[string]struct{}{}
		for i, opt := range node.Options {
			where := fmt.Sprintf("node %s option[%d]", node.ID, i)
			if strings.TrimSpace(opt.ID) == "" {
				addf("%s: id is required", where)
			} else if _, dup := seen[opt.ID]; dup {
				addf("node %s: duplicate option id %s", node.ID, opt.ID)
			} else {
				seen[opt.ID] = struct{}{}
				where = fmt.Sprintf("node %s option %s", node.ID, opt.ID)
			}
			if strings.TrimSpace(opt.Label) == "" {
				addf("%s: label is required", where)
			}
			if opt.Next != "" {
				if _, ok := index[opt.Next]; !ok {
					addf("%s: target %s does not exist", where, opt.Next)
				}
			}
			checkPlaceholders(where, opt.Prompt)
		}
	}

	tpl := &Template{
		id:          doc.ID,
		name:        strings.TrimSpace(doc.Name),
		description: strings.TrimSpace(doc.Description),
		root:        doc.Root,
		maxDepth:    doc.MaxDepth,
		variables:   sortedKeys(declared),
		nodes:       nodes,
		index:       index,
	}
	if tpl.name == "" {
		tpl.name = tpl.id
	}
	if len(problems) == 0 {
		for _, id := range tpl.unreachable() {
			addf("node %s is unreachable from root %s", id, tpl.root)
		}
		if cycle := tpl.cycle(); len(cycle) > 0 && tpl.maxDepth == 0 {
			addf("cycle %s requires max_depth", strings.Join(cycle, " -> "))
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Template: doc.ID, Problems: problems}
	}
	return tpl, nil
}

func (t *Template) ID() string          { return t.id }
func (t *Template) Name() string        { return t.name }
func (t *Template) Description() string { return t.description }
func (t *Template) Root() string        { return t.root }

// MaxDepth is the step limit; zero means the graph is acyclic and unbounded.
func (t *Template) MaxDepth() int { return t.maxDepth }

// Source is where the template was loaded from ("builtin" or a file path).
func (t *Template) Source() string { return t.source }

// Variables returns the required variable names in sorted order.
func (t *Template) Variables() []string { return append([]string(nil), t.variables...) }

// Node returns a copy of the node with the given id.
func (t *Template) Node(id string) (Node, bool) {
	idx, ok := t.index[id]
	if !ok {
		return Node{}, false
	}
	return t.nodes[idx].clone(), true
}

// NodeIDs returns node ids in declaration order.
func (t *Template) NodeIDs() []string {
	ids := make([]string, len(t.nodes))
	for i, node := range t.nodes {
		ids[i] = node.ID
	}
	return ids
}

func (t *Template) unreachable() []string {
	seen := make([]bool, len(t.nodes))
	queue := []int{t.index[t.root]}
	seen[queue[0]] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, opt := range t.nodes[cur].Options {
			if opt.Next == "" {
				continue
			}
			next := t.index[opt.Next]
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	var out []string
	for i, ok := range seen {
		if !ok {
			out = append(out, t.nodes[i].ID)
		}
	}
	return out
}

// cycle returns the first cycle found walking from the root, as node ids
// with the repeated node at both ends.
func (t *Template) cycle() []string {
	const (
		unvisited = iota
		active
		done
	)
	state := make([]int, len(t.nodes))
	var stack []int
	var found []string
	var visit func(int) bool
	visit = func(cur int) bool {
		state[cur] = active
		stack = append(stack, cur)
		for _, opt := range t.nodes[cur].Options {
			if opt.Next == "" {
				continue
			}
			next := t.index[opt.Next]
			switch state[next] {
			case active:
				for i, idx := range stack {
					if idx == next {
						for _, member := range stack[i:] {
							found = append(found, t.nodes[member].ID)
						}
						found = append(found, t.nodes[next].ID)
						return true
					}
				}
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[cur] = done
		return false
	}
	visit(t.index[t.root])
	return found
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
