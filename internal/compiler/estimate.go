package compiler

import (
	"math"
	"regexp"
	"strings"
)

const (
	// BytesPerToken approximates the tokenizer ratio for English prose and code.
	BytesPerToken = 4
	// DefaultMargin inflates raw estimates so they stay conservative.
	DefaultMargin = 0.10
	// SectionOverhead accounts for headings and separators per rendered section.
	SectionOverhead = 4
)

// Estimator converts text into a conservative token count.
type Estimator struct {
	Margin   float64
	Overhead int
}

// DefaultEstimator returns the estimator used when none is configured.
func DefaultEstimator() Estimator {
	return Estimator{Margin: DefaultMargin, Overhead: SectionOverhead}
}

// Tokens estimates a single block of text without section overhead.
func (e Estimator) Tokens(text string) int {
	if text == "" {
		return 0
	}
	raw := math.Ceil(float64(len(text)) / BytesPerToken)
	// Subtract a hair so float noise (100*1.1 = 110.00000000000001) does not
	// round up a whole token.
	return int(math.Ceil(raw*(1+e.Margin) - 1e-9))
}

// Sections estimates a rendered prompt made of the given sections.
func (e Estimator) Sections(sections ...string) int {
	total := 0
	for _, section := range sections {
		if section == "" {
			continue
		}
		total += e.Tokens(section) + e.Overhead
	}
	return total
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v]+`)
	blankRuns       = regexp.MustCompile(`\n{3,}`)
)

// Compact collapses redundant whitespace while keeping line structure.
func Compact(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for idx, line := range lines {
		lines[idx] = strings.TrimRight(horizontalSpace.ReplaceAllString(line, " "), " ")
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
