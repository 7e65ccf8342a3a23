package conductor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kingrea/conductor/internal/ledger"
	"github.com/kingrea/conductor/internal/prompt"
)

// ContextRequest asks a ContextSource for the text behind a set of refs.
type ContextRequest struct {
	RunID  string
	Task   prompt.Task
	Phases []ledger.Phase
	Refs   []prompt.ContextRef
}

// ContextSource resolves context refs to text. Refs it cannot resolve are
// left out of the result; the compiler decides whether that is fatal.
type ContextSource interface {
	Resolve(ctx context.Context, req ContextRequest) (map[string]string, error)
}

// DefaultMaxFileBytes caps how much of a file a single ref may contribute.
const DefaultMaxFileBytes = 64 * 1024

// WorkspaceContext resolves task refs, prior phase syntheses and files.
// Relative file refs are read from Root.
type WorkspaceContext struct {
	Root         string
	MaxFileBytes int
}

func (w WorkspaceContext) Resolve(ctx context.Context, req ContextRequest) (map[string]string, error) {
	out := make(map[string]string, len(req.Refs))
	for _, ref := range req.Refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch {
		case ref.ID == RefGoal:
			out[ref.ID] = req.Task.Goal
		case ref.ID == RefVariables:
			if text := renderVariables(req.Task); text != "" {
				out[ref.ID] = text
			}
		case strings.HasPrefix(ref.ID, "phase."):
			if text, ok := phaseSynthesis(req.Phases, ref.ID); ok {
				out[ref.ID] = text
			}
		default:
			text, err := w.readFile(ref.ID)
			if err != nil {
				continue
			}
			out[ref.ID] = text
		}
	}
	return out, nil
}

func renderVariables(task prompt.Task) string {
	var b strings.Builder
	for _, name := range task.VariableNames() {
		fmt.Fprintf(&b, "%s: %s\n", name, task.Variables[name])
	}
	return b.String()
}

func phaseSynthesis(phases []ledger.Phase, id string) (string, bool) {
	rest := strings.TrimSuffix(strings.TrimPrefix(id, "phase."), ".synthesis")
	index, err := strconv.Atoi(rest)
	if err != nil {
		return "", false
	}
	for _, phase := range phases {
		if phase.Index == index && strings.TrimSpace(phase.Synthesis) != "" {
			return phase.Synthesis, true
		}
	}
	return "", false
}

func (w WorkspaceContext) readFile(ref string) (string, error) {
	path := ref
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	} else if !filepath.IsAbs(path) {
		if w.Root == "" {
			return "", fmt.Errorf("conductor: relative ref %q without root", ref)
		}
		resolved, err := w.withinRoot(path)
		if err != nil {
			return "", err
		}
		path = resolved
	}
	limit := w.MaxFileBytes
	if limit <= 0 {
		limit = DefaultMaxFileBytes
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("conductor: %s is a directory", path)
	}
	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return "", err
	}
	if len(data) > limit {
		return string(data[:limit]) + "\n[truncated]\n", nil
	}
	return string(data), nil
}

// withinRoot joins a relative ref onto Root and resolves symlinks. The result
// must stay below Root.
func (w WorkspaceContext) withinRoot(ref string) (string, error) {
	root, err := filepath.Abs(w.Root)
	if err != nil {
		return "", err
	}
	if resolvedRoot, err := filepath.EvalSymlinks(root); err == nil {
		root = resolvedRoot
	}
	path, err := filepath.EvalSymlinks(filepath.Join(root, filepath.FromSlash(ref)))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("conductor: ref %q resolves outside %s", ref, w.Root)
	}
	return path, nil
}
