package visualedit

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
)

var (
	// ErrElementNotFound means no element in the file matches the locator.
	ErrElementNotFound = fmt.Errorf("element %w", apperrors.ErrNotFound)
	// ErrInvalidLocator means the shipper id or selector cannot be parsed.
	ErrInvalidLocator = fmt.Errorf("%w: invalid locator", apperrors.ErrInvalidInput)
)

// ShipperID is a parsed "path:line:column" element id. Path may itself contain ':'.
type ShipperID struct {
	Path   string
	Line   int
	Column int
}

// ParseShipperID parses "path:line:column" with 1-based line and column.
func ParseShipperID(id string) (ShipperID, error) {
	colIdx := strings.LastIndexByte(id, ':')
	if colIdx <= 0 {
		return ShipperID{}, fmt.Errorf("%w: %q", ErrInvalidLocator, id)
	}
	lineIdx := strings.LastIndexByte(id[:colIdx], ':')
	if lineIdx <= 0 {
		return ShipperID{}, fmt.Errorf("%w: %q", ErrInvalidLocator, id)
	}
	line, err := strconv.Atoi(id[lineIdx+1 : colIdx])
	if err != nil || line < 1 {
		return ShipperID{}, fmt.Errorf("%w: bad line in %q", ErrInvalidLocator, id)
	}
	col, err := strconv.Atoi(id[colIdx+1:])
	if err != nil || col < 0 {
		return ShipperID{}, fmt.Errorf("%w: bad column in %q", ErrInvalidLocator, id)
	}
	return ShipperID{Path: id[:lineIdx], Line: line, Column: col}, nil
}

// LocateByShipperID returns the opening tag on the given line nearest the column.
func LocateByShipperID(content string, id ShipperID) (*Element, error) {
	lineStarts := lineOffsets(content)
	if id.Line > len(lineStarts) {
		return nil, fmt.Errorf("%w: line %d beyond end of file", ErrElementNotFound, id.Line)
	}
	lineStart := lineStarts[id.Line-1]
	lineEnd := len(content)
	if id.Line < len(lineStarts) {
		lineEnd = lineStarts[id.Line] - 1
	}
	target := lineStart + max(id.Column-1, 0)

	var best *Element
	bestDist := -1
	for i := lineStart; i < lineEnd; i++ {
		if content[i] != '<' || !candidateTag(content, i) {
			continue
		}
		el, ok := parseOpeningTag(content, i)
		if !ok {
			continue
		}
		dist := i - target
		if dist < 0 {
			dist = -dist
		}
		if best == nil || dist < bestDist {
			best, bestDist = el, dist
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no element at %d:%d", ErrElementNotFound, id.Line, id.Column)
	}
	best.Line = id.Line
	return best, nil
}

// selector is the supported CSS selector subset: #id, .class, tag, tag.class.
type selector struct {
	tag     string
	id      string
	classes []string
}

var selectorRe = regexp.MustCompile(`^([A-Za-z][\w-]*)?(#[\w-]+)?((?:\.[\w:/\[\]-]+)*)$`)

func parseSelector(sel string) (selector, error) {
	sel = strings.TrimSpace(sel)
	m := selectorRe.FindStringSubmatch(sel)
	if sel == "" || m == nil {
		return selector{}, fmt.Errorf("%w: unsupported selector %q", ErrInvalidLocator, sel)
	}
	out := selector{tag: m[1], id: strings.TrimPrefix(m[2], "#")}
	for _, c := range strings.Split(m[3], ".") {
		if c != "" {
			out.classes = append(out.classes, c)
		}
	}
	return out, nil
}

// LocateBySelector returns the first opening tag matching sel.
func LocateBySelector(content, sel string) (*Element, error) {
	parsed, err := parseSelector(sel)
	if err != nil {
		return nil, err
	}
	for _, el := range openingTags(content) {
		if parsed.matches(content, el) {
			return el, nil
		}
	}
	return nil, fmt.Errorf("%w: selector %q", ErrElementNotFound, sel)
}

func (s selector) matches(content string, el *Element) bool {
	if s.tag != "" && s.tag != el.Name {
		return false
	}
	if s.id != "" {
		a, ok := findAttribute(content, el, "id")
		if !ok || !a.Quoted || content[a.ValueStart:a.ValueEnd] != s.id {
			return false
		}
	}
	if len(s.classes) > 0 {
		have := map[string]bool{}
		for _, c := range strings.Fields(classValue(content, el)) {
			have[c] = true
		}
		for _, c := range s.classes {
			if !have[c] {
				return false
			}
		}
	}
	return true
}

// classValue returns the literal class list of el, or the raw expression text.
func classValue(content string, el *Element) string {
	for _, name := range []string{"className", "class"} {
		if a, ok := findAttribute(content, el, name); ok {
			return content[a.ValueStart:a.ValueEnd]
		}
	}
	return ""
}

// Locate resolves an element by shipper id when given, else by selector.
func Locate(content, shipperID, sel string) (*Element, error) {
	if shipperID != "" {
		id, err := ParseShipperID(shipperID)
		if err != nil {
			return nil, err
		}
		el, err := LocateByShipperID(content, id)
		if err == nil || sel == "" || !errors.Is(err, ErrElementNotFound) {
			return el, err
		}
	}
	if sel == "" {
		return nil, fmt.Errorf("%w: neither shipper id nor selector given", ErrInvalidLocator)
	}
	return LocateBySelector(content, sel)
}

// NormalizePath turns a client-supplied path into a clean path relative to
// workDir. Absolute paths must lie inside workDir.
func NormalizePath(p, workDir string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("%w: empty file path", apperrors.ErrInvalidInput)
	}
	if path.IsAbs(p) {
		root := path.Clean(workDir) + "/"
		cleaned := path.Clean(p)
		if workDir == "" || !strings.HasPrefix(cleaned, root) {
			return "", fmt.Errorf("%w: path %q is outside the project", apperrors.ErrInvalidInput, p)
		}
		p = strings.TrimPrefix(cleaned, root)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: path %q is outside the project", apperrors.ErrInvalidInput, p)
	}
	return cleaned, nil
}
