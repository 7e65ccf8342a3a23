// Package ledger persists the append-only record of every run.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/conductor/internal/prompt"
)

// MaxPhases is the hard ceiling on phases a run may record.
const MaxPhases = 10

var (
	// ErrAlreadyRecorded is returned when a run id already has a ledger.
	ErrAlreadyRecorded = errors.New("ledger: run already recorded")
	// ErrNotFound is returned when no ledger exists for a run id.
	ErrNotFound = errors.New("ledger: run not found")
	// ErrLedgerCorruption marks a persisted ledger that cannot be decoded.
	ErrLedgerCorruption = errors.New("ledger: corrupted record")
)

// CorruptionError identifies the unreadable record.
type CorruptionError struct {
	RunID string
	Err   error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("ledger: run %s is corrupted: %v", e.RunID, e.Err)
}

func (e *CorruptionError) Unwrap() []error { return []error{ErrLedgerCorruption, e.Err} }

// Reason names how a run terminated.
type Reason string

const (
	ReasonConfidenceReached  Reason = "confidence_reached"
	ReasonMaxPhasesReached   Reason = "max_phases_reached"
	ReasonGovernanceRejected Reason = "governance_rejected"
	ReasonCompileRejected    Reason = "compile_rejected"
	ReasonProviderError      Reason = "provider_error"
	ReasonCancelled          Reason = "cancelled"
)

// Valid reports whether the reason is one of the named terminal states.
func (r Reason) Valid() bool {
	switch r {
	case ReasonConfidenceReached, ReasonMaxPhasesReached, ReasonGovernanceRejected,
		ReasonCompileRejected, ReasonProviderError, ReasonCancelled:
		return true
	default:
		return false
	}
}

// Completed reports whether the run produced work a caller should build on.
func (r Reason) Completed() bool {
	return r == ReasonConfidenceReached || r == ReasonMaxPhasesReached
}

// Response is one agent reply.
type Response struct {
	Role             prompt.Role `json:"role"`
	Provider         string      `json:"provider"`
	Model            string      `json:"model"`
	Text             string      `json:"text"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	Cost             float64     `json:"cost"`
	Attempts         int         `json:"attempts"`
	DurationMS       int64       `json:"duration_ms"`
	// Completeness is the share of the output contract the reply satisfied.
	Completeness float64         `json:"completeness"`
	Verdict      *prompt.Verdict `json:"verdict,omitempty"`
}

// Failure records a gap: a scheduled role that produced no usable response.
type Failure struct {
	Role   prompt.Role `json:"role"`
	Kind   string      `json:"kind"`
	Reason string      `json:"reason"`
}

// Skip records a role the plan wanted but could not schedule.
type Skip struct {
	Role   prompt.Role `json:"role"`
	Reason string      `json:"reason"`
}

// PromptRecord summarises a compiled prompt without storing its body.
type PromptRecord struct {
	Role            prompt.Role `json:"role"`
	Provider        string      `json:"provider"`
	Model           string      `json:"model"`
	EstimatedTokens int         `json:"estimated_tokens"`
	Budget          int         `json:"budget"`
	Included        []string    `json:"included,omitempty"`
	Dropped         []string    `json:"dropped,omitempty"`
}

// GovernanceRecord keeps every non-allow governance decision of the run.
type GovernanceRecord struct {
	Phase     int         `json:"phase"`
	Role      prompt.Role `json:"role,omitempty"`
	Verdict   string      `json:"verdict"`
	Scope     string      `json:"scope"`
	Reason    string      `json:"reason"`
	Confirmed bool        `json:"confirmed,omitempty"`
}

// Phase is the record of one dispatch round.
type Phase struct {
	Index        int            `json:"index"`
	Roles        []prompt.Role  `json:"roles"`
	Skipped      []Skip         `json:"skipped,omitempty"`
	Prompts      []PromptRecord `json:"prompts,omitempty"`
	Responses    []Response     `json:"responses,omitempty"`
	Failures     []Failure      `json:"failures,omitempty"`
	Synthesis    string         `json:"synthesis"`
	Confidence   float64        `json:"confidence"`
	Agreement    float64        `json:"agreement"`
	Completeness float64        `json:"completeness"`
	Requested    []prompt.Role  `json:"requested,omitempty"`
	Decision     string         `json:"decision"`
}

// Totals aggregates usage across the run.
type Totals struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// Termination carries the single terminal reason of a run.
type Termination struct {
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// RunLedger is the complete, write-once record of a run.
type RunLedger struct {
	RunID           string             `json:"run_id"`
	Task            prompt.Task        `json:"task"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at"`
	Phases          []Phase            `json:"phases"`
	Totals          Totals             `json:"totals"`
	FinalConfidence float64            `json:"final_confidence"`
	Termination     Termination        `json:"termination"`
	Governance      []GovernanceRecord `json:"governance,omitempty"`
	// Rejections holds the per-role failures of a phase that ended before
	// dispatch, so a run with zero phases still says why each role failed.
	Rejections []Failure `json:"rejections,omitempty"`
}

// Validate checks the invariants every recorded ledger must hold.
func (l RunLedger) Validate() error {
	if err := ValidateRunID(l.RunID); err != nil {
		return err
	}
	if !l.Termination.Reason.Valid() {
		return fmt.Errorf("ledger: run %s has invalid termination reason %q", l.RunID, l.Termination.Reason)
	}
	if len(l.Phases) > MaxPhases {
		return fmt.Errorf("ledger: run %s has %d phases (max %d)", l.RunID, len(l.Phases), MaxPhases)
	}
	return nil
}

// Summary returns the list view of the ledger.
func (l RunLedger) Summary() Summary {
	return Summary{
		RunID:      l.RunID,
		Goal:       l.Task.Goal,
		StartedAt:  l.StartedAt,
		FinishedAt: l.FinishedAt,
		Reason:     l.Termination.Reason,
		Phases:     len(l.Phases),
		Confidence: l.FinalConfidence,
		Cost:       l.Totals.Cost,
	}
}

// Summary is the compact view returned by List.
type Summary struct {
	RunID      string    `json:"run_id"`
	Goal       string    `json:"goal"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Reason     Reason    `json:"reason"`
	Phases     int       `json:"phases"`
	Confidence float64   `json:"confidence"`
	Cost       float64   `json:"cost"`
}

// RecordError reports a record List could not decode.
type RecordError struct {
	RunID string `json:"run_id"`
	Err   error  `json:"-"`
}

// ListResult pairs readable summaries with the records that were skipped.
type ListResult struct {
	Summaries  []Summary
	Unreadable []RecordError
}

// Store persists run ledgers. Record is write-once per run id.
type Store interface {
	Record(ctx context.Context, l RunLedger) error
	Read(ctx context.Context, runID string) (RunLedger, error)
	List(ctx context.Context, limit, offset int) (ListResult, error)
}

// NewRunID returns a time ordered run identifier.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateRunID rejects ids that are empty or unsafe as file names.
func ValidateRunID(runID string) error {
	if !runIDPattern.MatchString(runID) {
		return fmt.Errorf("ledger: invalid run id %q", runID)
	}
	return nil
}

func page(summaries []Summary, limit, offset int) []Summary {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(summaries) {
		return []Summary{}
	}
	summaries = summaries[offset:]
	if limit > 0 && limit < len(summaries) {
		summaries = summaries[:limit]
	}
	return summaries
}
