package flow

import (
	"time"

	"github.com/kingrea/conductor/internal/ledger"
)

// VariablePrefix is reserved for the variables the engine sets on every step.
const VariablePrefix = "flow_"

// Variables the engine adds to each task.
const (
	VarTemplate       = "flow_template"
	VarNode           = "flow_node"
	VarOption         = "flow_option"
	VarOptionLabel    = "flow_option_label"
	VarStep           = "flow_step"
	VarPreviousOption = "flow_previous_option"
)

// HistoryEntry records one choice and the run it produced.
type HistoryEntry struct {
	Node     string        `json:"node"`
	Option   string        `json:"option"`
	RunID    string        `json:"run_id"`
	Reason   ledger.Reason `json:"reason"`
	Advanced bool          `json:"advanced"`
	At       time.Time     `json:"at"`
}

// Session is the persisted traversal state of one template walk. History is
// append-only.
type Session struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id"`
	TemplateID  string            `json:"template_id"`
	CurrentNode string            `json:"current_node"`
	Variables   map[string]string `json:"variables,omitempty"`
	History     []HistoryEntry    `json:"history"`
	Complete    bool              `json:"complete"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Ref identifies a session.
type Ref struct {
	ProjectID string
	SessionID string
}

func (r Ref) key() string { return r.ProjectID + "/" + r.SessionID }

// Ref returns the identifier of the session.
func (s Session) Ref() Ref { return Ref{ProjectID: s.ProjectID, SessionID: s.ID} }

// Depth counts the choices that moved the session forward.
func (s Session) Depth() int {
	depth := 0
	for _, entry := range s.History {
		if entry.Advanced {
			depth++
		}
	}
	return depth
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	clone := s
	if len(s.Variables) > 0 {
		clone.Variables = make(map[string]string, len(s.Variables))
		for key, value := range s.Variables {
			clone.Variables[key] = value
		}
	}
	clone.History = append([]HistoryEntry(nil), s.History...)
	return clone
}

// Status is the view of a session offered to callers.
type Status struct {
	Session  Session
	Template string
	Node     Node
	Options  []Option
	History  []HistoryEntry
	Complete bool
}

// advances reports whether a run with this reason moves the session on.
func advances(reason ledger.Reason) bool {
	switch reason {
	case ledger.ReasonGovernanceRejected, ledger.ReasonCompileRejected, ledger.ReasonProviderError, ledger.ReasonCancelled:
		return false
	default:
		return true
	}
}
