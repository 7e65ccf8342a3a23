package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kingrea/conductor/internal/ledger"
	"github.com/kingrea/conductor/internal/metrics"
	"github.com/kingrea/conductor/internal/prompt"
)

// ErrFlowAlreadyComplete is returned by Choose on a finished session.
var ErrFlowAlreadyComplete = errors.New("flow: already complete")

// ErrUnknownOption is returned when the chosen option is not offered by the
// current node.
var ErrUnknownOption = errors.New("flow: unknown option")

// Runner executes a task end to end. *conductor.Conductor satisfies it.
type Runner interface {
	Run(ctx context.Context, task prompt.Task) (ledger.RunLedger, error)
}

// Engine walks sessions over a template catalog.
type Engine struct {
	catalog *Catalog
	runner  Runner
	store   SessionStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   func() time.Time
	newID   func() string
	locks   keyedMutex
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithSessionIDs overrides session id generation.
func WithSessionIDs(next func() string) EngineOption {
	return func(e *Engine) {
		if next != nil {
			e.newID = next
		}
	}
}

// New wires an engine to its templates, runner and session store.
func New(catalog *Catalog, runner Runner, store SessionStore, opts ...EngineOption) (*Engine, error) {
	if catalog == nil {
		return nil, fmt.Errorf("flow: template catalog is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("flow: runner is required")
	}
	if store == nil {
		return nil, fmt.Errorf("flow: session store is required")
	}
	e := &Engine{
		catalog: catalog,
		runner:  runner,
		store:   store,
		logger:  zap.NewNop(),
		clock:   time.Now,
		newID:   newSessionID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Catalog returns the templates the engine serves.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Start creates and persists a session positioned at the template root.
func (e *Engine) Start(ctx context.Context, projectID, templateID string, variables map[string]string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if err := ValidateID("project", projectID); err != nil {
		return Session{}, err
	}
	tpl, err := e.catalog.Get(templateID)
	if err != nil {
		return Session{}, err
	}
	vars := make(map[string]string, len(variables))
	for key, value := range variables {
		key = strings.TrimSpace(key)
		if strings.HasPrefix(key, VariablePrefix) {
			return Session{}, fmt.Errorf("flow: variable %s uses the reserved %s prefix", key, VariablePrefix)
		}
		vars[key] = value
	}
	var missing []string
	for _, name := range tpl.Variables() {
		if strings.TrimSpace(vars[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Session{}, fmt.Errorf("flow: template %s requires variables: %s", tpl.ID(), strings.Join(missing, ", "))
	}
	now := e.clock().UTC()
	root, _ := tpl.Node(tpl.Root())
	session := Session{
		ID:          e.newID(),
		ProjectID:   projectID,
		TemplateID:  tpl.ID(),
		CurrentNode: root.ID,
		Variables:   vars,
		History:     []HistoryEntry{},
		Complete:    root.Terminal(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(session.Variables) == 0 {
		session.Variables = nil
	}
	if err := e.store.Save(session); err != nil {
		return Session{}, err
	}
	e.logger.Info("flow started",
		zap.String("session", session.ID),
		zap.String("project", projectID),
		zap.String("template", tpl.ID()))
	return session, nil
}

// Choose runs the chosen option of the session's current node and records
// the outcome. Calls on the same session are serialised and always act on
// the latest persisted state. A run that ends governance_rejected,
// compile_rejected, provider_error or cancelled is appended to the history
// but leaves the session on the same node; a runner error changes nothing.
func (e *Engine) Choose(ctx context.Context, ref Ref, optionID string) (Session, ledger.RunLedger, error) {
	unlock := e.locks.lock(ref.key())
	defer unlock()

	session, err := e.store.Load(ref)
	if err != nil {
		return Session{}, ledger.RunLedger{}, err
	}
	if session.Complete {
		return session, ledger.RunLedger{}, fmt.Errorf("%w: session %s", ErrFlowAlreadyComplete, session.ID)
	}
	tpl, err := e.catalog.Get(session.TemplateID)
	if err != nil {
		return session, ledger.RunLedger{}, err
	}
	node, ok := tpl.Node(session.CurrentNode)
	if !ok {
		return session, ledger.RunLedger{}, fmt.Errorf("flow: session %s is at unknown node %s", session.ID, session.CurrentNode)
	}
	if node.Terminal() {
		return session, ledger.RunLedger{}, fmt.Errorf("%w: session %s", ErrFlowAlreadyComplete, session.ID)
	}
	opt, ok := node.Option(optionID)
	if !ok {
		return session, ledger.RunLedger{}, fmt.Errorf("%w %q at node %s", ErrUnknownOption, optionID, node.ID)
	}

	task, err := buildTask(tpl, session, node, opt)
	if err != nil {
		return session, ledger.RunLedger{}, err
	}
	logger := e.logger.With(zap.String("session", session.ID), zap.String("node", node.ID), zap.String("option", opt.ID))
	logger.Info("flow step started")
	run, err := e.runner.Run(ctx, task)
	if err != nil {
		return session, run, fmt.Errorf("flow: run step %s/%s: %w", node.ID, opt.ID, err)
	}

	now := e.clock().UTC()
	advanced := advances(run.Termination.Reason)
	session.History = append(session.History, HistoryEntry{
		Node:     node.ID,
		Option:   opt.ID,
		RunID:    run.RunID,
		Reason:   run.Termination.Reason,
		Advanced: advanced,
		At:       now,
	})
	if advanced {
		if opt.Terminal() {
			session.Complete = true
		} else {
			session.CurrentNode = opt.Next
			next, _ := tpl.Node(opt.Next)
			session.Complete = next.Terminal() || (tpl.MaxDepth() > 0 && session.Depth() >= tpl.MaxDepth())
		}
	}
	session.UpdatedAt = now
	if err := e.store.Save(session); err != nil {
		return session, run, err
	}
	e.metrics.RecordFlowStep(tpl.ID(), advanced)
	logger.Info("flow step finished",
		zap.String("run_id", run.RunID),
		zap.String("reason", string(run.Termination.Reason)),
		zap.Bool("advanced", advanced),
		zap.Bool("complete", session.Complete))
	return session, run, nil
}

// Status returns the current node, its options and the history.
func (e *Engine) Status(ctx context.Context, ref Ref) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	session, err := e.store.Load(ref)
	if err != nil {
		return Status{}, err
	}
	tpl, err := e.catalog.Get(session.TemplateID)
	if err != nil {
		return Status{}, err
	}
	node, ok := tpl.Node(session.CurrentNode)
	if !ok {
		return Status{}, fmt.Errorf("flow: session %s is at unknown node %s", session.ID, session.CurrentNode)
	}
	status := Status{
		Session:  session.Clone(),
		Template: tpl.Name(),
		Node:     node,
		History:  append([]HistoryEntry(nil), session.History...),
		Complete: session.Complete,
	}
	if !session.Complete {
		status.Options = node.Options
	}
	return status, nil
}

// Sessions lists a project's sessions, most recent first.
func (e *Engine) Sessions(ctx context.Context, projectID string) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.store.List(projectID)
}

// buildTask turns a node and option into a task: the node prompt, then the
// option prompt (or its label), with session and step variables expanded.
func buildTask(tpl *Template, session Session, node Node, opt Option) (prompt.Task, error) {
	vars := make(map[string]string, len(session.Variables)+6)
	for key, value := range session.Variables {
		vars[key] = value
	}
	previous := "none"
	if n := len(session.History); n > 0 {
		previous = session.History[n-1].Option
	}
	vars[VarTemplate] = tpl.ID()
	vars[VarNode] = node.ID
	vars[VarOption] = opt.ID
	vars[VarOptionLabel] = opt.Label
	vars[VarStep] = strconv.Itoa(len(session.History) + 1)
	vars[VarPreviousOption] = previous

	focus := strings.TrimSpace(opt.Prompt)
	if focus == "" {
		focus = "Focus: " + opt.Label
	}
	goal := prompt.ExpandVariables(strings.TrimSpace(node.Prompt)+"\n\n"+focus, vars)
	task, err := prompt.NewTask(goal, vars)
	if err != nil {
		return prompt.Task{}, fmt.Errorf("flow: build task: %w", err)
	}
	task.ID = fmt.Sprintf("%s:%d", session.ID, len(session.History)+1)
	return task, nil
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedEntry{}
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// keys is used by tests to check that idle locks are released.
func (k *keyedMutex) keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.locks))
	for key := range k.locks {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
