// Package config owns the .conductor workspace: its directory layout and the
// roles, governance and runtime documents that configure a conductor.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/conductor/internal/executor"
	"github.com/kingrea/conductor/internal/governance"
	"github.com/kingrea/conductor/internal/ledger"
	"github.com/kingrea/conductor/internal/prompt"
)

const (
	// WorkspaceDir is the directory created in each project.
	WorkspaceDir = ".conductor"
	// EnvWorkspace overrides the workspace location.
	EnvWorkspace = "CONDUCTOR_WORKSPACE"

	RolesFile      = "roles.yaml"
	GovernanceFile = "governance.yaml"
	RuntimeFile    = "conductor.yaml"

	LedgerBackendFile   = "file"
	LedgerBackendSQLite = "sqlite"
)

// ConductorSettings tunes the phase loop.
type ConductorSettings struct {
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	MaxPhases           int      `yaml:"max_phases"`
	InitialRoles        []string `yaml:"initial_roles"`
	AgreementWeight     float64  `yaml:"agreement_weight"`
	CompletenessWeight  float64  `yaml:"completeness_weight"`
	TokenBudget         int      `yaml:"token_budget"`
}

// LedgerSettings picks the ledger backend.
type LedgerSettings struct {
	Backend string `yaml:"backend"`
	// Path is relative to the workspace unless absolute.
	Path string `yaml:"path,omitempty"`
}

// ContextSettings bounds how much workspace content a context ref may pull in.
type ContextSettings struct {
	MaxFileBytes int `yaml:"max_file_bytes"`
}

// TelemetrySettings configures `conductor serve`.
type TelemetrySettings struct {
	Address string `yaml:"address"`
}

// Runtime models conductor.yaml.
type Runtime struct {
	Version   int               `yaml:"version"`
	Conductor ConductorSettings `yaml:"conductor"`
	Executor  executor.Config   `yaml:"executor"`
	Ledger    LedgerSettings    `yaml:"ledger"`
	Context   ContextSettings   `yaml:"context"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

type rolesDocument struct {
	Version int                          `yaml:"version"`
	Roles   map[string]prompt.RoleConfig `yaml:"roles"`
}

type governanceDocument struct {
	Version           int `yaml:"version"`
	governance.Policy `yaml:",inline"`
}

// Workspace is the loaded configuration. It is passed explicitly to every
// component that needs it.
type Workspace struct {
	// Dir is the .conductor directory.
	Dir     string
	Roles   map[prompt.Role]prompt.RoleConfig
	Policy  governance.Policy
	Runtime Runtime
}

// ResolveDir returns the workspace directory for a project, honouring
// CONDUCTOR_WORKSPACE.
func ResolveDir(projectDir string) string {
	if override := strings.TrimSpace(os.Getenv(EnvWorkspace)); override != "" {
		return filepath.Clean(override)
	}
	return filepath.Join(projectDir, WorkspaceDir)
}

// Init creates the workspace layout and writes default documents that do
// not exist yet. It returns the paths it created.
//
// Structure created:
// .conductor/
// ├── roles.yaml
// ├── governance.yaml
// ├── conductor.yaml
// ├── ledger/           <- one JSON document per run
// ├── logs/             <- conductor.log
// └── flows/            <- project flow templates (*.yaml)
//
//	└── sessions/     <- flow sessions per project
func Init(dir string) ([]string, error) {
	for _, sub := range []string{"", "ledger", "logs", "flows", filepath.Join("flows", "sessions")} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("config: create %s: %w", filepath.Join(dir, sub), err)
		}
	}
	var created []string
	for _, doc := range []struct {
		name    string
		content string
	}{
		{RolesFile, defaultRolesYAML},
		{GovernanceFile, defaultGovernanceYAML},
		{RuntimeFile, defaultRuntimeYAML},
	} {
		path := filepath.Join(dir, doc.name)
		wrote, err := ensureFile(path, doc.content)
		if err != nil {
			return created, err
		}
		if wrote {
			created = append(created, path)
		}
	}
	return created, nil
}

// Load reads all three documents. Missing documents fall back to the
// built-in defaults; malformed ones fail with every problem reported.
func Load(dir string) (*Workspace, error) {
	ws := &Workspace{Dir: dir}

	var roles rolesDocument
	if err := loadDocument(filepath.Join(dir, RolesFile), defaultRolesYAML, &roles); err != nil {
		return nil, err
	}
	parsedRoles, err := roles.resolve()
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", RolesFile, err)
	}
	ws.Roles = parsedRoles

	var gov governanceDocument
	if err := loadDocument(filepath.Join(dir, GovernanceFile), defaultGovernanceYAML, &gov); err != nil {
		return nil, err
	}
	if err := gov.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", GovernanceFile, err)
	}
	ws.Policy = gov.Policy

	runtime := DefaultRuntime()
	if err := loadDocument(filepath.Join(dir, RuntimeFile), defaultRuntimeYAML, &runtime); err != nil {
		return nil, err
	}
	runtime.normalize()
	if err := runtime.validate(ws.Roles); err != nil {
		return nil, fmt.Errorf("config: %s: %w", RuntimeFile, err)
	}
	ws.Runtime = runtime
	return ws, nil
}

// LedgerDir returns the file ledger directory.
func (w *Workspace) LedgerDir() string {
	return filepath.Join(w.Dir, "ledger")
}

// LedgerPath returns the configured ledger location for the active backend.
func (w *Workspace) LedgerPath() string {
	if w.Runtime.Ledger.Path != "" {
		return resolvePath(w.Dir, w.Runtime.Ledger.Path)
	}
	if w.Runtime.Ledger.Backend == LedgerBackendSQLite {
		return filepath.Join(w.Dir, "ledger.db")
	}
	return w.LedgerDir()
}

// LogsDir returns the path to the logs directory.
func (w *Workspace) LogsDir() string {
	return filepath.Join(w.Dir, "logs")
}

// FlowsDir returns where project flow templates live.
func (w *Workspace) FlowsDir() string {
	return filepath.Join(w.Dir, "flows")
}

// SessionsDir returns where flow sessions are stored.
func (w *Workspace) SessionsDir() string {
	return filepath.Join(w.Dir, "flows", "sessions")
}

// ProjectDir returns the directory that contains the workspace.
func (w *Workspace) ProjectDir() string {
	return filepath.Dir(w.Dir)
}

// InitialRoles returns the parsed initial schedule.
func (w *Workspace) InitialRoles() []prompt.Role {
	roles := make([]prompt.Role, 0, len(w.Runtime.Conductor.InitialRoles))
	for _, name := range w.Runtime.Conductor.InitialRoles {
		if role, err := prompt.ParseRole(name); err == nil {
			roles = append(roles, role)
		}
	}
	return prompt.SortRoles(roles)
}

// OpenLedger opens the configured ledger store. Callers close it with the
// returned function.
func (w *Workspace) OpenLedger() (ledger.Store, func() error, error) {
	switch w.Runtime.Ledger.Backend {
	case LedgerBackendSQLite:
		store, err := ledger.NewSQLiteStore(w.LedgerPath())
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := ledger.NewFileStore(w.LedgerPath())
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	}
}

// DefaultRuntime mirrors defaultRuntimeYAML.
func DefaultRuntime() Runtime {
	return Runtime{
		Version: 1,
		Conductor: ConductorSettings{
			ConfidenceThreshold: 0.85,
			MaxPhases:           ledger.MaxPhases,
			InitialRoles:        []string{"architect", "implementer", "reviewer"},
			AgreementWeight:     0.6,
			CompletenessWeight:  0.4,
			TokenBudget:         3000,
		},
		Executor:  executor.DefaultConfig(),
		Ledger:    LedgerSettings{Backend: LedgerBackendFile},
		Context:   ContextSettings{MaxFileBytes: 64 * 1024},
		Telemetry: TelemetrySettings{Address: "127.0.0.1:9464"},
	}
}

func (r *Runtime) normalize() {
	if r.Version == 0 {
		r.Version = 1
	}
	r.Ledger.Backend = strings.ToLower(strings.TrimSpace(r.Ledger.Backend))
	if r.Ledger.Backend == "" {
		r.Ledger.Backend = LedgerBackendFile
	}
	r.Ledger.Path = strings.TrimSpace(r.Ledger.Path)
	r.Telemetry.Address = strings.TrimSpace(r.Telemetry.Address)
	for i, name := range r.Conductor.InitialRoles {
		r.Conductor.InitialRoles[i] = strings.ToLower(strings.TrimSpace(name))
	}
}

func (r Runtime) validate(roles map[prompt.Role]prompt.RoleConfig) error {
	var errs []error
	c := r.Conductor
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("conductor.confidence_threshold must be within (0,1]"))
	}
	if c.MaxPhases < 1 || c.MaxPhases > ledger.MaxPhases {
		errs = append(errs, fmt.Errorf("conductor.max_phases must be within [1,%d]", ledger.MaxPhases))
	}
	if c.AgreementWeight < 0 || c.CompletenessWeight < 0 || math.Abs(c.AgreementWeight+c.CompletenessWeight-1) > 1e-9 {
		errs = append(errs, fmt.Errorf("conductor weights must be >= 0 and sum to 1"))
	}
	if c.TokenBudget <= 0 {
		errs = append(errs, fmt.Errorf("conductor.token_budget must be > 0"))
	}
	if len(c.InitialRoles) == 0 {
		errs = append(errs, fmt.Errorf("conductor.initial_roles is required"))
	}
	for _, name := range c.InitialRoles {
		role, err := prompt.ParseRole(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("conductor.initial_roles: %w", err))
			continue
		}
		if _, ok := roles[role]; !ok {
			errs = append(errs, fmt.Errorf("conductor.initial_roles: %s has no role configuration", role))
		}
	}
	if r.Executor.Workers < 0 || r.Executor.MaxRetries < 0 || r.Executor.Timeout < 0 || r.Executor.BackoffBase < 0 {
		errs = append(errs, fmt.Errorf("executor settings must be >= 0"))
	}
	switch r.Ledger.Backend {
	case LedgerBackendFile, LedgerBackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("ledger.backend must be %q or %q", LedgerBackendFile, LedgerBackendSQLite))
	}
	if r.Context.MaxFileBytes < 0 {
		errs = append(errs, fmt.Errorf("context.max_file_bytes must be >= 0"))
	}
	return errors.Join(errs...)
}

func (d rolesDocument) resolve() (map[prompt.Role]prompt.RoleConfig, error) {
	if len(d.Roles) == 0 {
		return nil, fmt.Errorf("roles is required")
	}
	names := make([]string, 0, len(d.Roles))
	for name := range d.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	out := make(map[prompt.Role]prompt.RoleConfig, len(d.Roles))
	for _, name := range names {
		role, err := prompt.ParseRole(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cfg := d.Roles[name]
		cfg.Role = role
		cfg.Provider = strings.TrimSpace(cfg.Provider)
		cfg.Model = strings.TrimSpace(cfg.Model)
		if err := cfg.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out[role] = cfg
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// loadDocument strictly decodes path into out, using fallback when the file
// does not exist. Unknown fields and multiple documents are rejected.
func loadDocument(path, fallback string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
		data = []byte(fallback)
	}
	if err := decodeStrict(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("document is empty")
		}
		return err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return fmt.Errorf("multiple YAML documents are not supported")
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureFile(path, content string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("config: write %s: %w", path, err)
	}
	return true, nil
}
