package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ContractKind names the response shape a role is expected to return.
type ContractKind string

const (
	KindText     ContractKind = "text"
	KindJSON     ContractKind = "json"
	KindMarkdown ContractKind = "markdown"
)

// Supported reports whether the compiler knows how to describe the kind.
func (k ContractKind) Supported() bool {
	switch k {
	case KindText, KindJSON, KindMarkdown:
		return true
	default:
		return false
	}
}

// OutputContract captures the expected response schema. Required lists JSON
// keys for json contracts and section headings for markdown contracts.
type OutputContract struct {
	Kind     ContractKind `yaml:"kind" json:"kind"`
	Required []string     `yaml:"required,omitempty" json:"required,omitempty"`
}

// Clone returns a deep copy of the contract.
func (c OutputContract) Clone() OutputContract {
	return OutputContract{Kind: c.Kind, Required: cloneStrings(c.Required)}
}

// Describe renders the response format instructions embedded in compiled prompts.
func (c OutputContract) Describe() string {
	switch c.Kind {
	case KindJSON:
		if len(c.Required) == 0 {
			return "Respond with a single JSON object."
		}
		return fmt.Sprintf("Respond with a single JSON object containing the keys: %s.", strings.Join(c.Required, ", "))
	case KindMarkdown:
		if len(c.Required) == 0 {
			return "Respond in Markdown."
		}
		return fmt.Sprintf("Respond in Markdown with the headings: %s.", strings.Join(c.Required, ", "))
	default:
		return "Respond in plain text."
	}
}

// Completeness returns the fraction of the contract a response satisfies.
func (c OutputContract) Completeness(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	switch c.Kind {
	case KindJSON:
		obj, ok := decodeObject(text)
		if !ok {
			return 0
		}
		if len(c.Required) == 0 {
			return 1
		}
		present := 0
		for _, key := range c.Required {
			if value, ok := obj[key]; ok && !emptyJSON(value) {
				present++
			}
		}
		return float64(present) / float64(len(c.Required))
	case KindMarkdown:
		if len(c.Required) == 0 {
			return 1
		}
		headings := markdownHeadings(text)
		present := 0
		for _, heading := range c.Required {
			if _, ok := headings[normalizeHeading(heading)]; ok {
				present++
			}
		}
		return float64(present) / float64(len(c.Required))
	default:
		return 1
	}
}

// VerdictDecision is the outcome an evaluating role reports.
type VerdictDecision string

const (
	VerdictApprove VerdictDecision = "approve"
	VerdictRevise  VerdictDecision = "revise"
	VerdictReject  VerdictDecision = "reject"
)

// Verdict is the evaluation extracted from a reviewer style response.
type Verdict struct {
	Decision VerdictDecision `json:"decision"`
	Score    float64         `json:"score"`
}

var (
	verdictLine = regexp.MustCompile(`(?im)^[\s*#>_-]*verdict[\s*_]*[:=-]\s*\**\s*(approved?|revise|rejected?)\b`)
	scoreLine   = regexp.MustCompile(`(?im)^[\s*#>_-]*score[\s*_]*[:=-]\s*\**\s*([0-9]*\.?[0-9]+)`)
)

// ParseVerdict extracts a verdict from a response written under the contract.
// An explicit score within [0,1] wins over the decision's default score.
func (c OutputContract) ParseVerdict(text string) (Verdict, bool) {
	var (
		decision VerdictDecision
		score    = -1.0
	)
	if c.Kind == KindJSON {
		if obj, ok := decodeObject(text); ok {
			if raw, ok := obj["verdict"]; ok {
				var value string
				if err := json.Unmarshal(raw, &value); err == nil {
					decision = normalizeDecision(value)
				}
			}
			if raw, ok := obj["score"]; ok {
				var value float64
				if err := json.Unmarshal(raw, &value); err == nil {
					score = value
				}
			}
		}
	}
	if decision == "" {
		if match := verdictLine.FindStringSubmatch(text); match != nil {
			decision = normalizeDecision(match[1])
		}
	}
	if score < 0 {
		if match := scoreLine.FindStringSubmatch(text); match != nil {
			if value, err := strconv.ParseFloat(match[1], 64); err == nil {
				score = value
			}
		}
	}
	if decision == "" && (score < 0 || score > 1) {
		return Verdict{}, false
	}
	verdict := Verdict{Decision: decision}
	switch {
	case score >= 0 && score <= 1:
		verdict.Score = score
	case decision == VerdictApprove:
		verdict.Score = 1
	case decision == VerdictRevise:
		verdict.Score = 0.5
	default:
		verdict.Score = 0
	}
	if verdict.Decision == "" {
		verdict.Decision = decisionForScore(verdict.Score)
	}
	return verdict, true
}

func normalizeDecision(value string) VerdictDecision {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "approve", "approved":
		return VerdictApprove
	case "revise", "revision":
		return VerdictRevise
	case "reject", "rejected":
		return VerdictReject
	default:
		return ""
	}
}

func decisionForScore(score float64) VerdictDecision {
	switch {
	case score >= 0.75:
		return VerdictApprove
	case score >= 0.25:
		return VerdictRevise
	default:
		return VerdictReject
	}
}

// decodeObject parses a JSON object, tolerating a surrounding ``` fence or prose.
func decodeObject(text string) (map[string]json.RawMessage, bool) {
	candidate := strings.TrimSpace(text)
	if idx := strings.Index(candidate, "```"); idx >= 0 {
		rest := candidate[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		candidate = strings.TrimSpace(rest)
	}
	start := strings.IndexByte(candidate, '{')
	end := strings.LastIndexByte(candidate, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate[start:end+1]), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func emptyJSON(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", `""`, "[]", "{}":
		return true
	default:
		return false
	}
}

func markdownHeadings(text string) map[string]struct{} {
	headings := make(map[string]struct{})
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			continue
		}
		headings[normalizeHeading(line)] = struct{}{}
	}
	return headings
}

func normalizeHeading(value string) string {
	value = strings.TrimLeft(strings.TrimSpace(value), "#")
	value = strings.Trim(strings.TrimSpace(value), ":")
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}
