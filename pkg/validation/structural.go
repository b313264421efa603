// Package validation holds the structural content checker run before every
// sandbox write, and struct-tag validation for inbound requests.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
)

// Checker reports the violations content would introduce at filePath.
// An empty result means the content is acceptable.
type Checker interface {
	Check(filePath, content string) []string
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(filePath, content string) []string

func (f CheckerFunc) Check(filePath, content string) []string { return f(filePath, content) }

// Structural parses source files with esbuild, JSON with encoding/json and
// HTML with the x/net tokenizer. Files of any other type are rejected.
type Structural struct{}

var _ Checker = Structural{}

var loaders = map[string]api.Loader{
	".tsx": api.LoaderTSX,
	".ts":  api.LoaderTS,
	".mts": api.LoaderTS,
	".cts": api.LoaderTS,
	".jsx": api.LoaderJSX,
	// Vite projects routinely put JSX in .js files.
	".js":  api.LoaderJSX,
	".mjs": api.LoaderJS,
	".cjs": api.LoaderJS,
	".css": api.LoaderCSS,
}

func (Structural) Check(filePath, content string) []string {
	ext := strings.ToLower(path.Ext(filePath))
	switch ext {
	case ".json":
		return checkJSON(content)
	case ".html", ".htm":
		return checkHTML(content)
	}
	loader, ok := loaders[ext]
	if !ok {
		return []string{fmt.Sprintf("no structural check for %q files", ext)}
	}

	result := api.Transform(content, api.TransformOptions{
		Loader:     loader,
		Sourcefile: filePath,
		JSX:        api.JSXPreserve,
		LogLevel:   api.LogLevelSilent,
	})
	if len(result.Errors) == 0 {
		return nil
	}
	violations := make([]string, 0, len(result.Errors))
	for _, msg := range result.Errors {
		if msg.Location != nil {
			violations = append(violations, fmt.Sprintf("%d:%d: %s", msg.Location.Line, msg.Location.Column+1, msg.Text))
		} else {
			violations = append(violations, msg.Text)
		}
	}
	return violations
}

func checkJSON(content string) []string {
	var v any
	err := json.Unmarshal([]byte(content), &v)
	if err == nil {
		return nil
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := position(content, int(syntaxErr.Offset))
		return []string{fmt.Sprintf("%d:%d: %s", line, col, syntaxErr.Error())}
	}
	return []string{err.Error()}
}

// position converts a byte offset to a 1-based line and column.
func position(content string, offset int) (int, int) {
	if offset > len(content) {
		offset = len(content)
	}
	before := content[:offset]
	line := strings.Count(before, "\n") + 1
	col := offset - strings.LastIndex(before, "\n")
	return line, col
}

// Validate runs c over content and returns an *apperrors.ValidationError on violations.
func Validate(c Checker, filePath, content string) error {
	if c == nil {
		return nil
	}
	if violations := c.Check(filePath, content); len(violations) > 0 {
		return &apperrors.ValidationError{FilePath: filePath, Violations: violations}
	}
	return nil
}
