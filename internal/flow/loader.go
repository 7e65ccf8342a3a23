package flow

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceBuiltin marks templates shipped with the binary.
const SourceBuiltin = "builtin"

// ErrTemplateNotFound is returned when no template has the requested id.
var ErrTemplateNotFound = errors.New("flow: template not found")

//go:embed templates/*.yaml
var builtinFS embed.FS

// ParseTemplate strictly decodes one YAML document and validates it. Unknown
// fields and multiple documents are rejected.
func ParseTemplate(data []byte) (*Template, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ValidationError{Problems: []string{"document is empty"}}
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{Problems: []string{"decode: " + err.Error()}}
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, &ValidationError{Template: doc.ID, Problems: []string{"multiple YAML documents are not supported"}}
	}
	return NewTemplate(doc)
}

// LoadTemplateFile reads and validates a template file.
func LoadTemplateFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("flow: read %s: %w", path, err)
	}
	tpl, err := ParseTemplate(data)
	if err != nil {
		return nil, fmt.Errorf("flow: %s: %w", path, err)
	}
	tpl.source = path
	return tpl, nil
}

// Catalog holds the templates available to a workspace.
type Catalog struct {
	templates map[string]*Template
}

// NewCatalog builds a catalog from already validated templates. Later
// templates replace earlier ones with the same id.
func NewCatalog(templates ...*Template) *Catalog {
	c := &Catalog{templates: map[string]*Template{}}
	for _, tpl := range templates {
		if tpl != nil {
			c.templates[tpl.ID()] = tpl
		}
	}
	return c
}

// Builtin returns the catalog of embedded templates.
func Builtin() (*Catalog, error) {
	entries, err := fs.ReadDir(builtinFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("flow: read builtin templates: %w", err)
	}
	var templates []*Template
	for _, entry := range entries {
		name := path.Join("templates", entry.Name())
		data, err := builtinFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("flow: read %s: %w", name, err)
		}
		tpl, err := ParseTemplate(data)
		if err != nil {
			return nil, fmt.Errorf("flow: builtin %s: %w", entry.Name(), err)
		}
		tpl.source = SourceBuiltin
		templates = append(templates, tpl)
	}
	return NewCatalog(templates...), nil
}

// LoadCatalog returns the builtin templates overridden by any *.yaml or
// *.yml files in dir. A missing dir is not an error; an invalid file is.
func LoadCatalog(dir string) (*Catalog, error) {
	catalog, err := Builtin()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dir) == "" {
		return catalog, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return catalog, nil
		}
		return nil, fmt.Errorf("flow: read %s: %w", dir, err)
	}
	var problems []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		tpl, err := LoadTemplateFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			problems = append(problems, err)
			continue
		}
		catalog.templates[tpl.ID()] = tpl
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return catalog, nil
}

// Get returns the template with the given id.
func (c *Catalog) Get(id string) (*Template, error) {
	tpl, ok := c.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return tpl, nil
}

// IDs returns template ids in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.templates))
	for id := range c.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Templates returns the templates sorted by id.
func (c *Catalog) Templates() []*Template {
	out := make([]*Template, 0, len(c.templates))
	for _, id := range c.IDs() {
		out = append(out, c.templates[id])
	}
	return out
}
