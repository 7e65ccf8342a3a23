package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrSessionNotFound is returned when no session is stored under a ref.
var ErrSessionNotFound = errors.New("flow: session not found")

// SessionStore persists sessions.
type SessionStore interface {
	Load(ref Ref) (Session, error)
	Save(session Session) error
	List(projectID string) ([]Session, error)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID rejects project and session ids that are unsafe as path names.
func ValidateID(kind, id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("flow: invalid %s id %q", kind, id)
	}
	return nil
}

// Repository stores sessions as <root>/<project>/<session>.json.
type Repository struct {
	root string
}

// NewRepository creates a repository rooted at dir.
func NewRepository(dir string) (*Repository, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("flow: session directory is required")
	}
	return &Repository{root: dir}, nil
}

func (r *Repository) path(ref Ref) (string, error) {
	if err := ValidateID("project", ref.ProjectID); err != nil {
		return "", err
	}
	if err := ValidateID("session", ref.SessionID); err != nil {
		return "", err
	}
	return filepath.Join(r.root, ref.ProjectID, ref.SessionID+".json"), nil
}

// Load reads a session.
func (r *Repository) Load(ref Ref) (Session, error) {
	path, err := r.path(ref)
	if err != nil {
		return Session{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, ref.key())
		}
		return Session{}, fmt.Errorf("flow: read session %s: %w", ref.key(), err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("flow: decode session %s: %w", ref.key(), err)
	}
	return session, nil
}

// Save writes the session through a temp file and rename so readers never
// see a partial document.
func (r *Repository) Save(session Session) error {
	path, err := r.path(session.Ref())
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("flow: create %s: %w", dir, err)
	}
	encoded, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("flow: encode session %s: %w", session.ID, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+session.ID+"-*")
	if err != nil {
		return fmt.Errorf("flow: save session %s: %w", session.ID, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("flow: save session %s: %w", session.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("flow: save session %s: %w", session.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("flow: save session %s: %w", session.ID, err)
	}
	return nil
}

// List returns a project's sessions, most recently updated first. Files that
// fail to decode are skipped.
func (r *Repository) List(projectID string) ([]Session, error) {
	if err := ValidateID("project", projectID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(r.root, projectID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("flow: list sessions: %w", err)
	}
	var sessions []Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		session, err := r.Load(Ref{ProjectID: projectID, SessionID: strings.TrimSuffix(name, ".json")})
		if err != nil {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})
	return sessions, nil
}
