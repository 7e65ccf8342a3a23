package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kingrea/conductor/internal/compiler"
	"github.com/kingrea/conductor/internal/prompt"
)

// OfflineName is the registry name of the built-in offline provider.
const OfflineName = "offline"

// Offline is a deterministic provider that needs no network. It answers every
// prompt with a response that satisfies the prompt's output contract and
// approves when asked for a verdict, which makes it useful for dry runs and
// for exercising the pipeline end to end.
type Offline struct{}

func (Offline) Complete(ctx context.Context, p compiler.CompiledPrompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(p.System + "\x00" + p.Body))
	digest := hex.EncodeToString(sum[:4])
	summary := fmt.Sprintf("%s draft %s", p.Role, digest)
	contract := p.IR.Output()
	switch contract.Kind {
	case prompt.KindJSON:
		obj := map[string]any{"summary": summary, "verdict": string(prompt.VerdictApprove)}
		for _, key := range contract.Required {
			if _, ok := obj[key]; !ok {
				obj[key] = fmt.Sprintf("%s (%s)", key, digest)
			}
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return "", Permanent(OfflineName, err)
		}
		return string(data), nil
	case prompt.KindMarkdown:
		var b strings.Builder
		fmt.Fprintf(&b, "# %s\n\n%s\n", p.Role.Title(), summary)
		for _, heading := range contract.Required {
			fmt.Fprintf(&b, "\n## %s\n\n%s notes for %s.\n", heading, p.Role.Title(), strings.ToLower(heading))
		}
		b.WriteString("\nVerdict: approve\n")
		return b.String(), nil
	default:
		return summary + "\nVerdict: approve\n", nil
	}
}
