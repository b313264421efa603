package visualedit

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
)

// Windows is a before/after pair of line ranges around an edit. Start is the
// 1-based first line of both snapshots; Start 0 means the snapshots are whole files.
type Windows struct {
	Start  int
	Before string
	After  string
}

func splitLines(s string) []string {
	return strings.Split(s, "\n")
}

// CutWindows returns the lines around line (±contextLines) in before and
// after. The window always covers every line the edit changed, so splicing
// Before back over After restores the original file exactly. line <= 0 gives
// whole-file snapshots.
func CutWindows(before, after string, line, contextLines int) Windows {
	if line <= 0 {
		return Windows{Before: before, After: after}
	}
	b, a := splitLines(before), splitLines(after)
	if before == after {
		start := min(max(line-1-contextLines, 0), len(b))
		end := max(min(line+contextLines, len(b)), start)
		w := strings.Join(b[start:end], "\n")
		return Windows{Start: start + 1, Before: w, After: w}
	}

	// Lines shared at the top and bottom of both versions.
	prefix := 0
	for prefix < len(b) && prefix < len(a) && b[prefix] == a[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(b)-prefix && suffix < len(a)-prefix && b[len(b)-1-suffix] == a[len(a)-1-suffix] {
		suffix++
	}

	// 0-based, half-open ranges.
	start := max(line-1-contextLines, 0)
	start = min(start, prefix)
	beforeEnd := min(line+contextLines, len(b))
	beforeEnd = max(beforeEnd, len(b)-suffix)
	// Lines after beforeEnd are unchanged and shared with after.
	tail := len(b) - beforeEnd
	afterEnd := len(a) - tail

	return Windows{
		Start:  start + 1,
		Before: strings.Join(b[start:beforeEnd], "\n"),
		After:  strings.Join(a[start:afterEnd], "\n"),
	}
}

// Splice replaces the window expected, recorded at start, with replacement
// in current, and returns the new content and the line the window was found
// at. When the file drifted so the window no longer sits at start, the window
// is relocated by a unique exact match. Anything else is an ErrUndoConflict;
// current is never partially rewritten.
func Splice(current string, start int, expected, replacement string) (string, int, error) {
	if start <= 0 {
		if current != expected {
			return "", 0, fmt.Errorf("%w: file changed since the edit", apperrors.ErrUndoConflict)
		}
		return replacement, 0, nil
	}

	lines := splitLines(current)
	want := splitLines(expected)

	at := -1
	if matchAt(lines, want, start-1) {
		at = start - 1
	} else {
		for i := 0; i+len(want) <= len(lines); i++ {
			if !matchAt(lines, want, i) {
				continue
			}
			if at >= 0 {
				return "", 0, fmt.Errorf("%w: window matches more than one location", apperrors.ErrUndoConflict)
			}
			at = i
		}
		if at < 0 {
			return "", 0, fmt.Errorf("%w: window not found at line %d", apperrors.ErrUndoConflict, start)
		}
	}

	out := make([]string, 0, len(lines)-len(want)+strings.Count(replacement, "\n")+1)
	out = append(out, lines[:at]...)
	out = append(out, splitLines(replacement)...)
	out = append(out, lines[at+len(want):]...)
	return strings.Join(out, "\n"), at + 1, nil
}

func matchAt(lines, want []string, at int) bool {
	if at < 0 || at+len(want) > len(lines) {
		return false
	}
	for i, w := range want {
		if lines[at+i] != w {
			return false
		}
	}
	return true
}
