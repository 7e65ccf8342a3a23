// Package governance decides whether a task and prompt may proceed before any
// tokens are spent on them.
package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/kingrea/conductor/internal/prompt"
)

// ErrRejected marks work governance denied.
var ErrRejected = errors.New("governance: rejected")

// Verdict is the outcome of a governance check.
type Verdict string

const (
	VerdictAllow   Verdict = "allow"
	VerdictConfirm Verdict = "require_confirmation"
	VerdictDeny    Verdict = "deny"
)

func (v Verdict) severity() int {
	switch v {
	case VerdictDeny:
		return 2
	case VerdictConfirm:
		return 1
	default:
		return 0
	}
}

// Scope tells the conductor how far a decision reaches.
type Scope string

const (
	// ScopeTask decisions come from the task itself and apply to every prompt.
	ScopeTask Scope = "task"
	// ScopePrompt decisions come from a single prompt's own inputs.
	ScopePrompt Scope = "prompt"
)

// Match records one rule hit.
type Match struct {
	Rule   string  `json:"rule"`
	Value  string  `json:"value"`
	Source string  `json:"source"`
	Scope  Scope   `json:"scope"`
	Effect Verdict `json:"effect"`
}

// Decision is the result of Check.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Scope   Scope   `json:"scope,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Matches []Match `json:"matches,omitempty"`
}

// Allowed reports whether the prompt may proceed without confirmation.
func (d Decision) Allowed() bool { return d.Verdict == VerdictAllow }

// Err converts a deny decision into an error wrapping ErrRejected.
func (d Decision) Err() error {
	if d.Verdict != VerdictDeny {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRejected, d.Reason)
}

// Gate evaluates a normalized policy. It holds no mutable state and is safe
// for concurrent use.
type Gate struct {
	policy Policy
}

// New validates the policy and prepares a Gate.
func New(policy Policy) (*Gate, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("governance: invalid policy: %w", err)
	}
	return &Gate{policy: policy.Normalized()}, nil
}

// Policy returns the normalized policy in effect.
func (g *Gate) Policy() Policy { return g.policy }

type input struct {
	source string
	text   string
	scope  Scope
	isRef  bool
}

// Check evaluates the task and one prompt. Task derived inputs are checked
// first so a task level deny is reported with ScopeTask even when the prompt
// repeats the offending text. The most severe verdict wins.
func (g *Gate) Check(task prompt.Task, ir prompt.IR) Decision {
	inputs := []input{{source: "task.goal", text: task.Goal, scope: ScopeTask}}
	for _, name := range task.VariableNames() {
		inputs = append(inputs, input{source: "task.variables." + name, text: task.Variables[name], scope: ScopeTask})
	}
	taskRefs := make(map[string]struct{}, len(task.Context))
	for _, ref := range task.Context {
		taskRefs[ref] = struct{}{}
		inputs = append(inputs, input{source: "task.context", text: ref, scope: ScopeTask, isRef: true})
	}
	if !ir.IsZero() {
		inputs = append(inputs, input{source: string(ir.Role()) + ".instructions", text: ir.Instructions(), scope: ScopePrompt})
		for _, ref := range ir.ContextRefs() {
			if _, ok := taskRefs[ref.ID]; ok {
				continue
			}
			inputs = append(inputs, input{source: string(ir.Role()) + ".context", text: ref.ID, scope: ScopePrompt, isRef: true})
		}
	}

	var matches []Match
	for _, in := range inputs {
		matches = append(matches, g.matchInput(in)...)
	}
	if !ir.IsZero() {
		for _, tag := range ir.GovernanceTags() {
			if contains(g.policy.DenyTags, tag) {
				matches = append(matches, Match{Rule: "deny_tags", Value: tag, Source: string(ir.Role()) + ".tags", Scope: ScopePrompt, Effect: VerdictDeny})
			} else if contains(g.policy.ConfirmTags, tag) {
				matches = append(matches, Match{Rule: "confirm_tags", Value: tag, Source: string(ir.Role()) + ".tags", Scope: ScopePrompt, Effect: VerdictConfirm})
			}
		}
	}
	return decide(matches)
}

// CheckTask evaluates only the task inputs. The conductor uses it to reject a
// run before planning any prompt.
func (g *Gate) CheckTask(task prompt.Task) Decision {
	return g.Check(task, prompt.IR{})
}

func (g *Gate) matchInput(in input) []Match {
	var matches []Match
	text := normalizeText(in.text)
	for _, phrase := range g.policy.DenyPhrases {
		if containsPhrase(text, phrase) {
			matches = append(matches, Match{Rule: "deny_phrases", Value: phrase, Source: in.source, Scope: in.scope, Effect: VerdictDeny})
		}
	}
	for _, phrase := range g.policy.ConfirmPhrases {
		if containsPhrase(text, phrase) {
			matches = append(matches, Match{Rule: "confirm_phrases", Value: phrase, Source: in.source, Scope: in.scope, Effect: VerdictConfirm})
		}
	}
	var paths []string
	if in.isRef {
		if token, ok := pathToken(in.text); ok {
			paths = append(paths, token)
		} else if escaped, ok := escapesWorkspace(in.text); ok {
			matches = append(matches, Match{Rule: "workspace_escape", Value: escaped, Source: in.source, Scope: in.scope, Effect: VerdictDeny})
		}
	} else {
		for _, field := range strings.Fields(in.text) {
			if token, ok := pathToken(field); ok {
				paths = append(paths, token)
			}
		}
	}
	for _, candidate := range paths {
		if prefix, ok := firstPrefix(candidate, g.policy.ProtectedPaths); ok {
			matches = append(matches, Match{Rule: "protected_paths", Value: prefix, Source: in.source, Scope: in.scope, Effect: VerdictDeny})
			continue
		}
		if prefix, ok := firstPrefix(candidate, g.policy.ConfirmPaths); ok {
			matches = append(matches, Match{Rule: "confirm_paths", Value: prefix, Source: in.source, Scope: in.scope, Effect: VerdictConfirm})
		}
	}
	return matches
}

func decide(matches []Match) Decision {
	if len(matches) == 0 {
		return Decision{Verdict: VerdictAllow}
	}
	worst := VerdictAllow
	for _, m := range matches {
		if m.Effect.severity() > worst.severity() {
			worst = m.Effect
		}
	}
	scope := ScopePrompt
	var reasons []string
	for _, m := range matches {
		if m.Effect != worst {
			continue
		}
		if m.Scope == ScopeTask {
			scope = ScopeTask
		}
		reasons = append(reasons, fmt.Sprintf("%s %q in %s", m.Rule, m.Value, m.Source))
	}
	sorted := make([]Match, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Effect.severity() != sorted[j].Effect.severity() {
			return sorted[i].Effect.severity() > sorted[j].Effect.severity()
		}
		return sorted[i].Scope == ScopeTask && sorted[j].Scope != ScopeTask
	})
	return Decision{Verdict: worst, Scope: scope, Reason: strings.Join(reasons, "; "), Matches: sorted}
}

// containsPhrase finds phrase in text with non-alphanumeric boundaries on
// both sides. Both arguments must already be normalized.
func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	offset := 0
	for {
		idx := strings.Index(text[offset:], phrase)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(phrase)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		offset = start + 1
	}
}

func boundaryBefore(text string, idx int) bool {
	if idx == 0 {
		return true
	}
	r := rune(text[idx-1])
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

func boundaryAfter(text string, idx int) bool {
	if idx >= len(text) {
		return true
	}
	r := rune(text[idx])
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

func firstPrefix(candidate string, prefixes []string) (string, bool) {
	for _, prefix := range prefixes {
		if underPrefix(candidate, prefix) {
			return prefix, true
		}
	}
	return "", false
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

// ConfirmationToken derives the token a confirmer must echo back to approve
// a prompt. It is stable for a run, role and reason.
func ConfirmationToken(runID string, role prompt.Role, reason string) string {
	sum := sha256.Sum256([]byte(runID + "\x00" + string(role) + "\x00" + reason))
	return hex.EncodeToString(sum[:])[:12]
}
