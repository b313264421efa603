package templates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/validation"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	assert.Equal(t, []string{"blank", "vite-react"}, c.Names())

	tmpl, err := c.Get("vite-react")
	require.NoError(t, err)
	assert.Equal(t, 5173, tmpl.Port)

	for _, p := range []models.SandboxProvider{models.SandboxProviderE2B, models.SandboxProviderDaytona} {
		id, err := tmpl.ProviderTemplate(p)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}
}

func TestDefault_SeedFilesAreStructurallyValid(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	for _, name := range c.Names() {
		tmpl, err := c.Get(name)
		require.NoError(t, err)
		for path, content := range tmpl.SeedFiles() {
			assert.Empty(t, validation.Structural{}.Check(path, content), "%s/%s", name, path)
		}
	}
}

func TestCatalog_GetUnknown(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	_, err = c.Get("rails")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestTemplate_CreateOptions(t *testing.T) {
	tmpl := &Template{
		Name: "x", Port: 3000, DevCommand: "npm start", InstallCommand: "npm ci",
		Env: map[string]string{"A": "1"},
	}
	opts := tmpl.CreateOptions("main")
	assert.Equal(t, 3000, opts.Port)
	assert.Equal(t, "npm start", opts.DevCommand)
	assert.Equal(t, "main", opts.GitBranch)

	opts.EnvVars["A"] = "2"
	assert.Equal(t, "1", tmpl.Env["A"])
}

func TestTemplate_ProviderTemplateMissing(t *testing.T) {
	tmpl := &Template{Name: "e2b-only", Providers: map[string]string{"e2b": "img"}}
	_, err := tmpl.ProviderTemplate(models.SandboxProviderDaytona)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedFeature)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		catalog string
		want    string
	}{
		{"empty", ``, "empty"},
		{"missing port", `
[[template]]
name = "a"
dev_command = "x"
[template.providers]
e2b = "img"`, "port"},
		{"unknown provider", `
[[template]]
name = "a"
port = 1
dev_command = "x"
[template.providers]
fly = "img"`, "unknown provider"},
		{"unknown key", `
[[template]]
name = "a"
port = 1
dev_command = "x"
colour = "red"
[template.providers]
e2b = "img"`, "unknown keys"},
		{"duplicate", `
[[template]]
name = "a"
port = 1
dev_command = "x"
[template.providers]
e2b = "img"
[[template]]
name = "a"
port = 1
dev_command = "x"
[template.providers]
e2b = "img"`, "defined twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.catalog))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	c, err := LoadFile("")
	require.NoError(t, err)
	assert.NotEmpty(t, c.Names())

	path := filepath.Join(t.TempDir(), "templates.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[template]]
name = "next"
port = 3000
dev_command = "npm run dev"
[template.providers]
daytona = "ekaya/next:1"
`), 0o600))

	c, err = LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"next"}, c.Names())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
