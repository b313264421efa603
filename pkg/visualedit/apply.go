// Package visualedit holds the pure content transforms behind visual edits:
// locating an element, rewriting its classes and text, and cutting and
// splicing the line windows stored for undo.
package visualedit

import (
	"encoding/json"
	"fmt"
	"html"
	"path"
	"strings"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
)

// ErrNoDirectText means a text edit targeted an element without text children.
var ErrNoDirectText = fmt.Errorf("%w: element has no direct text", apperrors.ErrInvalidInput)

func isHTML(filePath string) bool {
	ext := strings.ToLower(path.Ext(filePath))
	return ext == ".html" || ext == ".htm"
}

// ApplyStyle rewrites the class attribute of el with styles merged in.
// A missing attribute is inserted after the tag name.
func ApplyStyle(content string, el *Element, styles map[string]string, htmlFile bool) (string, error) {
	if len(styles) == 0 {
		return content, nil
	}
	attrName := "className"
	if htmlFile {
		attrName = "class"
	}

	a, ok := findAttribute(content, el, attrName)
	if !ok {
		classes := MergeClasses(nil, styles)
		if len(classes) == 0 {
			return content, nil
		}
		insertAt := el.Start + 1 + len(el.Name)
		if el.Name == "" {
			return "", fmt.Errorf("%w: fragments cannot carry classes", apperrors.ErrInvalidInput)
		}
		attr := fmt.Sprintf(` %s="%s"`, attrName, strings.Join(classes, " "))
		return content[:insertAt] + attr + content[insertAt:], nil
	}

	if a.Expr {
		// Dynamic class expressions are kept and extended.
		expr := strings.TrimSpace(content[a.ValueStart:a.ValueEnd])
		classes := MergeClasses(nil, styles)
		if len(classes) == 0 {
			return content, nil
		}
		value := fmt.Sprintf("{`${%s} %s`}", expr, strings.Join(classes, " "))
		return content[:a.ValueStart-1] + value + content[a.ValueEnd+1:], nil
	}

	classes := MergeClasses(strings.Fields(content[a.ValueStart:a.ValueEnd]), styles)
	return content[:a.ValueStart] + strings.Join(classes, " ") + content[a.ValueEnd:], nil
}

// ApplyText replaces the first run of direct text inside el with text,
// keeping the whitespace around the run.
func ApplyText(content string, el *Element, text string, htmlFile bool) (string, error) {
	if el.SelfClosing {
		return "", ErrNoDirectText
	}

	depth := 0
	for i := el.End; i < len(content); {
		c := content[i]
		switch {
		case c == '<' && i+1 < len(content) && content[i+1] == '/':
			if depth == 0 {
				return "", ErrNoDirectText
			}
			depth--
			end := strings.IndexByte(content[i:], '>')
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated closing tag", apperrors.ErrInvalidInput)
			}
			i += end + 1
		case c == '<':
			if child, ok := parseOpeningTag(content, i); ok {
				if !child.SelfClosing {
					depth++
				}
				i = child.End
				continue
			}
			if strings.HasPrefix(content[i:], "<!--") {
				end := strings.Index(content[i:], "-->")
				if end < 0 {
					return "", fmt.Errorf("%w: unterminated comment", apperrors.ErrInvalidInput)
				}
				i += end + 3
				continue
			}
			i++
		case c == '{' && !htmlFile:
			end := skipBraces(content, i)
			if end < 0 {
				return "", fmt.Errorf("%w: unbalanced braces", apperrors.ErrInvalidInput)
			}
			i = end
		case depth == 0 && !isSpace(c):
			runEnd := i
			for runEnd < len(content) && content[runEnd] != '<' && (htmlFile || content[runEnd] != '{') {
				runEnd++
			}
			for runEnd > i && isSpace(content[runEnd-1]) {
				runEnd--
			}
			return content[:i] + escapeText(text, htmlFile) + content[runEnd:], nil
		default:
			i++
		}
	}
	return "", fmt.Errorf("%w: element %q is not closed", apperrors.ErrInvalidInput, el.Name)
}

// escapeText renders text as element content. JSX text containing syntax
// characters becomes a string expression.
func escapeText(text string, htmlFile bool) string {
	if htmlFile {
		return html.EscapeString(text)
	}
	if strings.ContainsAny(text, "{}<>") {
		quoted, _ := json.Marshal(text)
		return "{" + string(quoted) + "}"
	}
	return text
}

// Result is the outcome of applying one edit to a file's content.
type Result struct {
	Content string
	// Line is the 1-based line of the edited element's opening tag.
	Line int
}

// Apply locates the element for edit in content and runs the style pass,
// then the text pass.
func Apply(content string, edit models.ComponentEdit) (*Result, error) {
	el, err := Locate(content, edit.ShipperID, edit.Selector)
	if err != nil {
		return nil, err
	}
	htmlFile := isHTML(edit.FilePath)

	out, err := ApplyStyle(content, el, edit.StyleChanges, htmlFile)
	if err != nil {
		return nil, err
	}

	if edit.TextChanges != nil {
		// The style pass only touches the opening tag, so el.Start still holds.
		el, ok := parseOpeningTag(out, el.Start)
		if !ok {
			return nil, fmt.Errorf("%w: element moved during style pass", apperrors.ErrInvalidInput)
		}
		out, err = ApplyText(out, el, *edit.TextChanges, htmlFile)
		if err != nil {
			return nil, err
		}
	}

	return &Result{Content: out, Line: el.Line}, nil
}
