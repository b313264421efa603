package visualedit

import (
	"strings"
)

// Element is a JSX (or HTML) opening tag found in a file.
type Element struct {
	// Start is the offset of '<'; End is the offset just past the closing '>' of the opening tag.
	Start       int
	End         int
	Name        string
	SelfClosing bool
	// Line is 1-based.
	Line int
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isNameChar(c byte) bool {
	return isIdentChar(c) || c == '-' || c == '.' || c == ':'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// skipQuoted returns the offset after the quote closing the one at i.
// JS strings honour backslash escapes; JSX attribute strings do not.
func skipQuoted(s string, i int, escapes bool) int {
	q := s[i]
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			if escapes {
				j++
			}
		case q:
			return j + 1
		}
	}
	return -1
}

func skipTemplate(s string, i int) int {
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case '`':
			return j + 1
		case '$':
			if j+1 < len(s) && s[j+1] == '{' {
				end := skipBraces(s, j+1)
				if end < 0 {
					return -1
				}
				j = end - 1
			}
		}
	}
	return -1
}

// skipBraces returns the offset after the '}' balancing the '{' at i.
func skipBraces(s string, i int) int {
	depth := 0
	for j := i; j < len(s); {
		switch c := s[j]; c {
		case '{':
			depth++
			j++
		case '}':
			depth--
			j++
			if depth == 0 {
				return j
			}
		case '"', '\'':
			j = skipQuoted(s, j, true)
		case '`':
			j = skipTemplate(s, j)
		case '/':
			switch {
			case strings.HasPrefix(s[j:], "//"):
				nl := strings.IndexByte(s[j:], '\n')
				if nl < 0 {
					return -1
				}
				j += nl + 1
			case strings.HasPrefix(s[j:], "/*"):
				end := strings.Index(s[j+2:], "*/")
				if end < 0 {
					return -1
				}
				j += end + 4
			default:
				j++
			}
		default:
			j++
		}
		if j < 0 {
			return -1
		}
	}
	return -1
}

// parseOpeningTag parses the opening tag whose '<' is at start.
// Fragments (<>) parse with an empty name.
func parseOpeningTag(s string, start int) (*Element, bool) {
	if start >= len(s) || s[start] != '<' || start+1 >= len(s) {
		return nil, false
	}
	i := start + 1
	if s[i] == '>' {
		return &Element{Start: start, End: i + 1}, true
	}
	if !isIdentStart(s[i]) {
		return nil, false
	}
	j := i
	for j < len(s) && isNameChar(s[j]) {
		j++
	}
	el := &Element{Start: start, Name: s[i:j]}

	for j < len(s) {
		switch c := s[j]; {
		case c == '"' || c == '\'':
			j = skipQuoted(s, j, false)
			if j < 0 {
				return nil, false
			}
		case c == '{':
			j = skipBraces(s, j)
			if j < 0 {
				return nil, false
			}
		case c == '/' && j+1 < len(s) && s[j+1] == '>':
			el.End = j + 2
			el.SelfClosing = true
			return el, true
		case c == '>':
			el.End = j + 1
			return el, true
		case c == '<':
			return nil, false
		default:
			j++
		}
	}
	return nil, false
}

// candidateTag reports whether the '<' at i can start markup rather than a
// comparison or a type argument list such as useState<string>.
func candidateTag(s string, i int) bool {
	if i > 0 && isIdentChar(s[i-1]) {
		return false
	}
	return i+1 < len(s) && isIdentStart(s[i+1])
}

// openingTags returns every opening tag in s, in source order.
func openingTags(s string) []*Element {
	var out []*Element
	lineStarts := lineOffsets(s)
	for i := 0; i < len(s); i++ {
		if s[i] != '<' || !candidateTag(s, i) {
			continue
		}
		if el, ok := parseOpeningTag(s, i); ok {
			el.Line = lineAt(lineStarts, el.Start)
			out = append(out, el)
		}
	}
	return out
}

// lineOffsets returns the offset of the first byte of every line.
func lineOffsets(s string) []int {
	offsets := []int{0}
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

// lineAt returns the 1-based line containing offset.
func lineAt(lineStarts []int, offset int) int {
	lo, hi := 0, len(lineStarts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if lineStarts[mid] <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1
}

// attribute is one name=value pair inside an opening tag. ValueStart and
// ValueEnd delimit the raw value text without quotes or braces.
type attribute struct {
	Name       string
	Start      int
	End        int
	ValueStart int
	ValueEnd   int
	// Quoted is true for "..." and '...' values and for {`...`} templates without substitutions.
	Quoted bool
	// Expr is true for {expr} values.
	Expr bool
}

// findAttribute locates attribute name in el.
func findAttribute(s string, el *Element, name string) (*attribute, bool) {
	j := el.Start + 1 + len(el.Name)
	for j < el.End {
		c := s[j]
		switch {
		case c == '{':
			// Spread attribute.
			j = skipBraces(s, j)
			if j < 0 {
				return nil, false
			}
		case isIdentStart(c):
			start := j
			for j < el.End && isNameChar(s[j]) {
				j++
			}
			attrName := s[start:j]
			k := j
			for k < el.End && isSpace(s[k]) {
				k++
			}
			if k >= el.End || s[k] != '=' {
				continue
			}
			k++
			for k < el.End && isSpace(s[k]) {
				k++
			}
			if k >= el.End {
				return nil, false
			}
			a := &attribute{Name: attrName, Start: start}
			switch {
			case s[k] == '"' || s[k] == '\'':
				end := skipQuoted(s, k, false)
				if end < 0 {
					return nil, false
				}
				a.ValueStart, a.ValueEnd, a.End, a.Quoted = k+1, end-1, end, true
			case s[k] == '{':
				end := skipBraces(s, k)
				if end < 0 {
					return nil, false
				}
				inner := strings.TrimSpace(s[k+1 : end-1])
				if len(inner) >= 2 && inner[0] == '`' && inner[len(inner)-1] == '`' && !strings.Contains(inner, "${") {
					off := strings.IndexByte(s[k:end], '`') + k
					a.ValueStart, a.ValueEnd, a.Quoted = off+1, off+len(inner)-1, true
				} else {
					a.ValueStart, a.ValueEnd, a.Expr = k+1, end-1, true
				}
				a.End = end
			default:
				continue
			}
			if attrName == name {
				return a, true
			}
			j = a.End
		default:
			j++
		}
	}
	return nil, false
}
