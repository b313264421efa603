package validation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// voidElements never take an end tag.
var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true, "hr": true, "img": true,
	"input": true, "link": true, "meta": true, "source": true, "track": true, "wbr": true,
}

// optionalEnd lists elements whose end tag HTML lets authors omit.
var optionalEnd = map[string]bool{
	"html": true, "head": true, "body": true, "p": true, "li": true, "dt": true, "dd": true,
	"option": true, "optgroup": true, "rt": true, "rp": true, "colgroup": true, "caption": true,
	"thead": true, "tbody": true, "tfoot": true, "tr": true, "td": true, "th": true,
}

type openTag struct {
	name      string
	line, col int
}

// checkHTML tokenizes content and reports end tags that close nothing and
// elements left open. Omissible end tags are closed implicitly.
func checkHTML(content string) []string {
	z := html.NewTokenizer(strings.NewReader(content))
	var (
		stack      []openTag
		violations []string
	)
	line, col := 1, 1
	for {
		tt := z.Next()
		tokLine, tokCol := line, col
		raw := z.Raw()
		if n := bytes.Count(raw, []byte("\n")); n > 0 {
			line += n
			col = len(raw) - bytes.LastIndexByte(raw, '\n')
		} else {
			col += len(raw)
		}

		switch tt {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return append(violations, fmt.Sprintf("%d:%d: %v", tokLine, tokCol, err))
			}
			for i := len(stack) - 1; i >= 0; i-- {
				if !optionalEnd[stack[i].name] {
					violations = append(violations, fmt.Sprintf("%d:%d: <%s> is never closed", stack[i].line, stack[i].col, stack[i].name))
				}
			}
			return violations
		case html.StartTagToken:
			name, _ := z.TagName()
			if tag := string(name); !voidElements[tag] {
				stack = append(stack, openTag{name: tag, line: tokLine, col: tokCol})
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if voidElements[tag] {
				continue
			}
			idx := -1
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].name == tag {
					idx = i
					break
				}
			}
			if idx < 0 {
				violations = append(violations, fmt.Sprintf("%d:%d: </%s> closes no open element", tokLine, tokCol, tag))
				continue
			}
			for _, open := range stack[idx+1:] {
				if !optionalEnd[open.name] {
					violations = append(violations, fmt.Sprintf("%d:%d: <%s> is closed by </%s>", open.line, open.col, open.name, tag))
				}
			}
			stack = stack[:idx]
		}
	}
}
