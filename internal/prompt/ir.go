package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// ContextRef names a piece of context a prompt wants included. Higher
// priorities survive truncation longer; required refs are never dropped.
type ContextRef struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Required bool   `json:"required,omitempty"`
}

// IRSpec carries the inputs for NewIR.
type IRSpec struct {
	Role           Role
	Instructions   string
	ContextRefs    []ContextRef
	Output         OutputContract
	GovernanceTags []string
}

// IR is the structured, provider independent representation of a single
// agent prompt. Values are built with NewIR and never mutated afterwards;
// accessors hand out copies.
type IR struct {
	role         Role
	instructions string
	refs         []ContextRef
	output       OutputContract
	tags         []string
}

// NewIR validates the structural parts of spec and returns an immutable IR.
// Schema support and emptiness of instructions are the compiler's concern.
func NewIR(spec IRSpec) (IR, error) {
	if !spec.Role.Valid() {
		return IR{}, fmt.Errorf("prompt: unknown role %q", spec.Role)
	}
	seen := make(map[string]struct{}, len(spec.ContextRefs))
	refs := make([]ContextRef, 0, len(spec.ContextRefs))
	for _, ref := range spec.ContextRefs {
		ref.ID = strings.TrimSpace(ref.ID)
		if ref.ID == "" {
			return IR{}, fmt.Errorf("prompt: %s context ref id is required", spec.Role)
		}
		if _, dup := seen[ref.ID]; dup {
			return IR{}, fmt.Errorf("prompt: %s duplicate context ref %q", spec.Role, ref.ID)
		}
		seen[ref.ID] = struct{}{}
		refs = append(refs, ref)
	}
	return IR{
		role:         spec.Role,
		instructions: spec.Instructions,
		refs:         refs,
		output:       spec.Output.Clone(),
		tags:         normalizeTags(spec.GovernanceTags),
	}, nil
}

func (ir IR) Role() Role           { return ir.role }
func (ir IR) Instructions() string { return ir.instructions }

// ContextRefs returns the refs in declaration order.
func (ir IR) ContextRefs() []ContextRef {
	if len(ir.refs) == 0 {
		return nil
	}
	out := make([]ContextRef, len(ir.refs))
	copy(out, ir.refs)
	return out
}

func (ir IR) Output() OutputContract { return ir.output.Clone() }

// GovernanceTags returns the sorted, de-duplicated tag set.
func (ir IR) GovernanceTags() []string { return cloneStrings(ir.tags) }

// HasTag reports whether the IR carries the governance tag.
func (ir IR) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	idx := sort.SearchStrings(ir.tags, tag)
	return idx < len(ir.tags) && ir.tags[idx] == tag
}

// IsZero reports whether the IR was never built.
func (ir IR) IsZero() bool { return ir.role == "" }

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		set[tag] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
