// internal/tui/app.go
//
// Interactive flow walker. The user picks a template, then one option at a
// time; each choice runs a conductor task through the flow engine while a
// spinner shows progress. Screens are driven by appState, and every engine
// call happens inside a tea.Cmd so Update never blocks.

package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/conductor/internal/flow"
	"github.com/kingrea/conductor/internal/ledger"
	"github.com/kingrea/conductor/internal/prompt"
)

// appState represents which screen we're on.
type appState int

const (
	stateTemplateSelect appState = iota // template picker
	stateOptionSelect                   // options of the current node
	stateRunning                        // a choice is being executed
	stateComplete                       // the session reached a terminal option
)

// Engine is the part of *flow.Engine the app drives.
type Engine interface {
	Catalog() *flow.Catalog
	Start(ctx context.Context, projectID, templateID string, variables map[string]string) (flow.Session, error)
	Choose(ctx context.Context, ref flow.Ref, optionID string) (flow.Session, ledger.RunLedger, error)
	Status(ctx context.Context, ref flow.Ref) (flow.Status, error)
}

// AppOption customizes App construction.
type AppOption func(*App)

// WithVariables sets the variables passed to Start.
func WithVariables(vars map[string]string) AppOption {
	return func(a *App) {
		for key, value := range vars {
			a.variables[key] = value
		}
	}
}

// WithSession resumes an existing session instead of showing the template
// picker.
func WithSession(ref flow.Ref) AppOption {
	return func(a *App) { a.resume = &ref }
}

// App is the root bubbletea model.
type App struct {
	ctx       context.Context
	engine    Engine
	projectID string
	variables map[string]string
	resume    *flow.Ref

	state     appState
	templates list.Model
	options   list.Model
	spinner   spinner.Model

	status   flow.Status
	lastRun  *ledger.RunLedger
	choosing string
	err      error

	width  int
	height int
}

// templateItem and optionItem implement list.Item.
type templateItem struct {
	id          string
	name        string
	description string
}

func (t templateItem) Title() string       { return t.name }
func (t templateItem) Description() string { return t.description }
func (t templateItem) FilterValue() string { return t.name }

type optionItem struct {
	option flow.Option
}

func (o optionItem) Title() string { return o.option.Label }
func (o optionItem) Description() string {
	if o.option.Terminal() {
		return "finishes the flow"
	}
	return "next: " + o.option.Next
}
func (o optionItem) FilterValue() string { return o.option.Label }

// sessionLoadedMsg carries the status after Start or a resume.
type sessionLoadedMsg struct {
	status flow.Status
	err    error
}

// stepFinishedMsg carries the outcome of a Choose.
type stepFinishedMsg struct {
	status flow.Status
	run    ledger.RunLedger
	err    error
}

// NewApp creates the flow walker for one project.
func NewApp(ctx context.Context, engine Engine, projectID string, opts ...AppOption) *App {
	if ctx == nil {
		ctx = context.Background()
	}
	a := &App{
		ctx:       ctx,
		engine:    engine,
		projectID: projectID,
		variables: map[string]string{},
		state:     stateTemplateSelect,
		width:     80,
		height:    24,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	var items []list.Item
	for _, tpl := range engine.Catalog().Templates() {
		items = append(items, templateItem{id: tpl.ID(), name: tpl.Name(), description: tpl.Description()})
	}
	a.templates = newMenu("Choose a flow", items)
	a.options = newMenu("Choose an option", nil)

	a.spinner = spinner.New()
	a.spinner.Spinner = spinner.Dot
	a.spinner.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	return a
}

func newMenu(title string, items []list.Item) list.Model {
	menu := list.New(items, list.NewDefaultDelegate(), 0, 0)
	menu.Title = title
	menu.SetShowStatusBar(false)
	menu.SetFilteringEnabled(false)
	menu.SetShowHelp(false)
	menu.SetSize(80, 16)
	return menu
}

// Init loads the resumed session, if any.
func (a *App) Init() tea.Cmd {
	if a.resume != nil {
		return a.loadStatus(*a.resume)
	}
	return nil
}

// Update handles incoming messages.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		listHeight := msg.Height - 8
		if listHeight < 4 {
			listHeight = 4
		}
		a.templates.SetSize(msg.Width-4, listHeight)
		a.options.SetSize(msg.Width-4, listHeight)
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)

	case sessionLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
			a.state = stateTemplateSelect
			return a, nil
		}
		a.err = nil
		a.lastRun = nil
		a.applyStatus(msg.status)
		return a, nil

	case stepFinishedMsg:
		a.choosing = ""
		if msg.err != nil {
			a.err = msg.err
			if msg.status.Session.ID != "" {
				a.applyStatus(msg.status)
			} else {
				a.state = stateOptionSelect
			}
			return a, nil
		}
		a.err = nil
		run := msg.run
		a.lastRun = &run
		a.applyStatus(msg.status)
		return a, nil

	case spinner.TickMsg:
		if a.state != stateRunning {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit
	case "q":
		if a.state != stateRunning {
			return a, tea.Quit
		}
		return a, nil
	case "esc":
		if a.state == stateOptionSelect || a.state == stateComplete {
			a.state = stateTemplateSelect
			a.status = flow.Status{}
			a.lastRun = nil
			a.err = nil
		}
		return a, nil
	case "enter":
		switch a.state {
		case stateTemplateSelect:
			item, ok := a.templates.SelectedItem().(templateItem)
			if !ok {
				return a, nil
			}
			return a, a.startSession(item.id)
		case stateOptionSelect:
			item, ok := a.options.SelectedItem().(optionItem)
			if !ok {
				return a, nil
			}
			a.state = stateRunning
			a.choosing = item.option.Label
			a.err = nil
			return a, tea.Batch(a.spinner.Tick, a.choose(a.status.Session.Ref(), item.option.ID))
		}
		return a, nil
	}

	var cmd tea.Cmd
	switch a.state {
	case stateTemplateSelect:
		a.templates, cmd = a.templates.Update(msg)
	case stateOptionSelect:
		a.options, cmd = a.options.Update(msg)
	}
	return a, cmd
}

func (a *App) applyStatus(status flow.Status) {
	a.status = status
	if status.Complete {
		a.state = stateComplete
		a.options.SetItems(nil)
		return
	}
	items := make([]list.Item, 0, len(status.Options))
	for _, opt := range status.Options {
		items = append(items, optionItem{option: opt})
	}
	a.options.SetItems(items)
	a.options.Select(0)
	a.options.Title = status.Node.ID
	a.state = stateOptionSelect
}

func (a *App) startSession(templateID string) tea.Cmd {
	return func() tea.Msg {
		session, err := a.engine.Start(a.ctx, a.projectID, templateID, a.variables)
		if err != nil {
			return sessionLoadedMsg{err: err}
		}
		status, err := a.engine.Status(a.ctx, session.Ref())
		return sessionLoadedMsg{status: status, err: err}
	}
}

func (a *App) loadStatus(ref flow.Ref) tea.Cmd {
	return func() tea.Msg {
		status, err := a.engine.Status(a.ctx, ref)
		return sessionLoadedMsg{status: status, err: err}
	}
}

func (a *App) choose(ref flow.Ref, optionID string) tea.Cmd {
	return func() tea.Msg {
		_, run, err := a.engine.Choose(a.ctx, ref, optionID)
		status, statusErr := a.engine.Status(a.ctx, ref)
		if err == nil {
			err = statusErr
		}
		return stepFinishedMsg{status: status, run: run, err: err}
	}
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6BCB77"))
)

// View renders the current screen.
func (a *App) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("conductor flows"))
	if a.status.Session.ID != "" {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("  %s · %s", a.status.Template, a.status.Session.ID)))
	}
	b.WriteString("\n\n")

	switch a.state {
	case stateTemplateSelect:
		b.WriteString(a.templates.View())
	case stateOptionSelect:
		b.WriteString(panelStyle.Render(promptStyle.Render(a.nodePrompt())))
		b.WriteString("\n")
		if run := a.renderLastRun(); run != "" {
			b.WriteString(run)
			b.WriteString("\n")
		}
		b.WriteString(a.options.View())
	case stateRunning:
		b.WriteString(fmt.Sprintf("%s Running %q…", a.spinner.View(), a.choosing))
	case stateComplete:
		b.WriteString(okStyle.Render("Flow complete."))
		b.WriteString("\n")
		if run := a.renderLastRun(); run != "" {
			b.WriteString(run)
			b.WriteString("\n")
		}
		b.WriteString(renderHistory(a.status.History))
	}

	if a.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + a.err.Error()))
	}
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(a.helpLine()))
	return b.String()
}

// nodePrompt shows the current node prompt with session variables filled in.
func (a *App) nodePrompt() string {
	return prompt.ExpandVariables(strings.TrimSpace(a.status.Node.Prompt), a.status.Session.Variables)
}

func (a *App) helpLine() string {
	switch a.state {
	case stateRunning:
		return "ctrl+c: abort"
	case stateTemplateSelect:
		return "enter: start · q: quit"
	default:
		return "enter: choose · esc: templates · q: quit"
	}
}

func (a *App) renderLastRun() string {
	if a.lastRun == nil {
		return ""
	}
	run := a.lastRun
	style := okStyle
	if !run.Termination.Reason.Completed() {
		style = errorStyle
	}
	return style.Render(fmt.Sprintf("last run %s: %s (confidence %.2f, %d phases)",
		run.RunID, run.Termination.Reason, run.FinalConfidence, len(run.Phases)))
}

func renderHistory(history []flow.HistoryEntry) string {
	if len(history) == 0 {
		return mutedStyle.Render("no steps recorded")
	}
	lines := make([]string, 0, len(history))
	for i, entry := range history {
		marker := "→"
		if !entry.Advanced {
			marker = "↺"
		}
		lines = append(lines, fmt.Sprintf("%d. %s %s %s  %s", i+1, entry.Node, marker, entry.Option, mutedStyle.Render(string(entry.Reason))))
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}
