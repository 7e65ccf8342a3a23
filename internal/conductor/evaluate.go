package conductor

import (
	"math"
	"strings"

	"github.com/kingrea/conductor/internal/ledger"
	"github.com/kingrea/conductor/internal/prompt"
)

// evaluation is the scored outcome of a phase.
type evaluation struct {
	completeness float64
	agreement    float64
	confidence   float64
	requested    []prompt.Role
}

// evaluate scores a phase. Completeness averages contract satisfaction over
// every scheduled role, counting failures as zero. Agreement averages the
// verdict scores of evaluating roles; a response without a parseable verdict
// scores zero. No agent output can change the weights or the threshold.
func (c *Conductor) evaluate(scheduled int, responses []ledger.Response) evaluation {
	var ev evaluation
	if scheduled == 0 {
		return ev
	}
	var (
		completeSum  float64
		verdictSum   float64
		evaluators   int
		decisions    = map[prompt.VerdictDecision]struct{}{}
		needsRevisit bool
	)
	for _, resp := range responses {
		completeSum += resp.Completeness
		if !c.roles[resp.Role].Evaluates {
			continue
		}
		evaluators++
		if resp.Verdict == nil {
			continue
		}
		verdictSum += resp.Verdict.Score
		decisions[resp.Verdict.Decision] = struct{}{}
		if resp.Verdict.Decision != prompt.VerdictApprove {
			needsRevisit = true
		}
	}
	ev.completeness = round4(completeSum / float64(scheduled))
	if evaluators > 0 {
		ev.agreement = round4(verdictSum / float64(evaluators))
	}
	ev.confidence = round4(c.settings.AgreementWeight*ev.agreement + c.settings.CompletenessWeight*ev.completeness)

	var requested []prompt.Role
	if ev.completeness < 1 {
		requested = append(requested, prompt.RoleResearcher)
	}
	if needsRevisit || len(decisions) > 1 {
		requested = append(requested, prompt.RoleIntegrator)
	}
	ev.requested = prompt.SortRoles(requested)
	return ev
}

// scoreResponse fills the contract derived fields of a response.
func scoreResponse(resp *ledger.Response, contract prompt.OutputContract, evaluates bool) {
	resp.Completeness = round4(contract.Completeness(resp.Text))
	if !evaluates {
		return
	}
	if verdict, ok := contract.ParseVerdict(resp.Text); ok {
		resp.Verdict = &verdict
	}
}

// synthesize concatenates successful responses in canonical role order.
func synthesize(responses []ledger.Response) string {
	var b strings.Builder
	for idx, resp := range responses {
		if idx > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## ")
		b.WriteString(resp.Role.Title())
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(resp.Text))
		b.WriteString("\n")
	}
	return b.String()
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
