package conductor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/kingrea/conductor/internal/prompt"
)

// ConfirmationRequest describes work governance wants a human to approve.
// Approving means echoing Token back exactly.
type ConfirmationRequest struct {
	RunID  string
	Phase  int
	Role   prompt.Role
	Reason string
	Token  string
}

// Confirmer is asked whenever governance requires confirmation. The run
// blocks until it returns.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmationRequest) (string, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, req ConfirmationRequest) (string, error)

func (f ConfirmFunc) Confirm(ctx context.Context, req ConfirmationRequest) (string, error) {
	return f(ctx, req)
}

// AutoConfirm approves everything. Used by `--yes`.
type AutoConfirm struct{}

func (AutoConfirm) Confirm(_ context.Context, req ConfirmationRequest) (string, error) {
	return req.Token, nil
}

// PromptConfirmer asks on a terminal: it prints the request and reads one
// line, which must be the token. Reads block; cancellation is observed once
// the line arrives.
type PromptConfirmer struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewPromptConfirmer reads answers from in and writes questions to out.
func NewPromptConfirmer(in io.Reader, out io.Writer) *PromptConfirmer {
	return &PromptConfirmer{in: bufio.NewReader(in), out: out}
}

func (p *PromptConfirmer) Confirm(ctx context.Context, req ConfirmationRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	who := "task"
	if req.Role != "" {
		who = string(req.Role) + " prompt"
	}
	fmt.Fprintf(p.out, "Confirmation required for %s (phase %d): %s\nType %s to continue: ", who, req.Phase, req.Reason, req.Token)
	line, err := p.in.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && line == "" {
		return "", err
	}
	return line, ctx.Err()
}
