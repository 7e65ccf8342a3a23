package provider

import (
	"context"
	"sync"
	"time"

	"github.com/kingrea/conductor/internal/compiler"
	"github.com/kingrea/conductor/internal/prompt"
)

// Step is one scripted reply.
type Step struct {
	Text  string
	Err   error
	Delay time.Duration
}

// Scripted replays canned steps per role. Once a role's script is exhausted
// the last step repeats; roles without a script get Fallback.
type Scripted struct {
	Name     string
	Steps    map[prompt.Role][]Step
	Fallback Step

	mu    sync.Mutex
	calls map[prompt.Role]int
}

// NewScripted builds a scripted provider.
func NewScripted(name string, steps map[prompt.Role][]Step) *Scripted {
	return &Scripted{Name: name, Steps: steps}
}

func (s *Scripted) Complete(ctx context.Context, p compiler.CompiledPrompt) (string, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[prompt.Role]int)
	}
	idx := s.calls[p.Role]
	s.calls[p.Role] = idx + 1
	step := s.Fallback
	if script := s.Steps[p.Role]; len(script) > 0 {
		if idx >= len(script) {
			idx = len(script) - 1
		}
		step = script[idx]
	}
	s.mu.Unlock()

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if step.Err != nil {
		return "", step.Err
	}
	return step.Text, nil
}

// Calls returns how many times the role was asked.
func (s *Scripted) Calls(role prompt.Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[role]
}

// TotalCalls returns the number of calls across all roles.
func (s *Scripted) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}
