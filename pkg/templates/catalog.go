// Package templates loads the catalog of project templates a new sandbox can
// be created from: provider-side template ids, dev server settings and seed files.
package templates

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
	"github.com/ekaya-inc/ekaya-builder/pkg/validation"
)

//go:embed catalog.toml
var defaultCatalog string

// Template describes how to bring up a fresh sandbox.
type Template struct {
	Name           string `toml:"name" validate:"required,hostname_rfc1123"`
	Description    string `toml:"description"`
	Port           int    `toml:"port" validate:"required,min=1,max=65535"`
	DevCommand     string `toml:"dev_command" validate:"required"`
	InstallCommand string `toml:"install_command"`
	// Providers maps a provider name to its template or snapshot id.
	Providers map[string]string `toml:"providers" validate:"required,min=1"`
	Env       map[string]string `toml:"env"`
	// Files seeds a sandbox created without an active fragment.
	Files map[string]string `toml:"files"`
}

// ProviderTemplate returns the template id for provider p.
func (t *Template) ProviderTemplate(p models.SandboxProvider) (string, error) {
	id, ok := t.Providers[string(p)]
	if !ok || id == "" {
		return "", fmt.Errorf("template %q has no %s image: %w", t.Name, p, apperrors.ErrUnsupportedFeature)
	}
	return id, nil
}

// CreateOptions turns the template settings into provider create options.
func (t *Template) CreateOptions(gitBranch string) sandbox.CreateOptions {
	env := make(map[string]string, len(t.Env))
	for k, v := range t.Env {
		env[k] = v
	}
	return sandbox.CreateOptions{
		Port:           t.Port,
		DevCommand:     t.DevCommand,
		InstallCommand: t.InstallCommand,
		EnvVars:        env,
		GitBranch:      gitBranch,
	}
}

// SeedFiles returns a copy of the template's files.
func (t *Template) SeedFiles() models.FileMap {
	return models.FileMap(t.Files).Clone()
}

type catalogFile struct {
	Templates []Template `toml:"template"`
}

// Catalog is an immutable set of templates keyed by name.
type Catalog struct {
	templates map[string]*Template
}

// Load decodes a TOML catalog.
func Load(r io.Reader) (*Catalog, error) {
	var file catalogFile
	md, err := toml.NewDecoder(r).Decode(&file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode template catalog: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("template catalog has unknown keys: %s", strings.Join(keys, ", "))
	}

	c := &Catalog{templates: make(map[string]*Template, len(file.Templates))}
	for i := range file.Templates {
		t := &file.Templates[i]
		if err := validation.Struct(t); err != nil {
			return nil, fmt.Errorf("template %d (%q): %w", i, t.Name, err)
		}
		for p := range t.Providers {
			if !models.SandboxProvider(p).Valid() {
				return nil, fmt.Errorf("template %q: unknown provider %q", t.Name, p)
			}
		}
		if _, dup := c.templates[t.Name]; dup {
			return nil, fmt.Errorf("template %q defined twice", t.Name)
		}
		c.templates[t.Name] = t
	}
	if len(c.templates) == 0 {
		return nil, fmt.Errorf("template catalog is empty")
	}
	return c, nil
}

// LoadFile reads a catalog from path. An empty path loads the built-in catalog.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open template catalog: %w", err)
	}
	defer f.Close()

	c, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("reading template catalog from %s: %w", path, err)
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Load(strings.NewReader(defaultCatalog))
}

// Get returns the named template.
func (c *Catalog) Get(name string) (*Template, error) {
	t, ok := c.templates[name]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", name, apperrors.ErrNotFound)
	}
	return t, nil
}

// Names lists the templates in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
