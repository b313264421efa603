package visualedit

import (
	"sort"
	"strconv"
	"strings"
)

// conversion is the Tailwind rendering of one CSS declaration: the class to
// add (empty when the declaration removes the property) and the utility
// families whose existing classes it replaces.
type conversion struct {
	class    string
	families []string
}

var spacingPrefixes = map[string]string{
	"padding": "p", "padding-top": "pt", "padding-right": "pr", "padding-bottom": "pb", "padding-left": "pl",
	"margin": "m", "margin-top": "mt", "margin-right": "mr", "margin-bottom": "mb", "margin-left": "ml",
	"gap": "gap", "row-gap": "gap-y", "column-gap": "gap-x",
	"top": "top", "right": "right", "bottom": "bottom", "left": "left", "inset": "inset",
}

var sizePrefixes = map[string]string{
	"width": "w", "height": "h",
	"min-width": "min-w", "max-width": "max-w",
	"min-height": "min-h", "max-height": "max-h",
}

// shorthandFamilies lists the side-specific families a shorthand overrides.
var shorthandFamilies = map[string][]string{
	"p":     {"p", "px", "py", "pt", "pr", "pb", "pl"},
	"m":     {"m", "mx", "my", "mt", "mr", "mb", "ml"},
	"gap":   {"gap", "gap-x", "gap-y"},
	"inset": {"inset", "inset-x", "inset-y", "top", "right", "bottom", "left"},
}

var fontSizes = map[string]string{
	"12px": "xs", "14px": "sm", "16px": "base", "18px": "lg", "20px": "xl", "24px": "2xl",
	"30px": "3xl", "36px": "4xl", "48px": "5xl", "60px": "6xl", "72px": "7xl", "96px": "8xl", "128px": "9xl",
}

var fontWeights = map[string]string{
	"100": "thin", "200": "extralight", "300": "light", "400": "normal", "normal": "normal",
	"500": "medium", "600": "semibold", "700": "bold", "bold": "bold", "800": "extrabold", "900": "black",
}

var radii = map[string]string{
	"0": "rounded-none", "0px": "rounded-none", "2px": "rounded-sm", "4px": "rounded", "6px": "rounded-md",
	"8px": "rounded-lg", "12px": "rounded-xl", "16px": "rounded-2xl", "24px": "rounded-3xl", "9999px": "rounded-full",
	"50%": "rounded-full",
}

// keywordProps map CSS values to whole classes for enumerated properties.
var keywordProps = map[string]struct {
	family string
	values map[string]string
}{
	"display": {"display", map[string]string{
		"none": "hidden", "block": "block", "inline-block": "inline-block", "inline": "inline",
		"flex": "flex", "inline-flex": "inline-flex", "grid": "grid", "inline-grid": "inline-grid",
		"contents": "contents", "table": "table", "flow-root": "flow-root",
	}},
	"position": {"position", map[string]string{
		"static": "static", "fixed": "fixed", "absolute": "absolute", "relative": "relative", "sticky": "sticky",
	}},
	"text-align": {"text-align", map[string]string{
		"left": "text-left", "center": "text-center", "right": "text-right", "justify": "text-justify",
		"start": "text-start", "end": "text-end",
	}},
	"justify-content": {"justify", map[string]string{
		"flex-start": "justify-start", "start": "justify-start", "flex-end": "justify-end", "end": "justify-end",
		"center": "justify-center", "space-between": "justify-between", "space-around": "justify-around",
		"space-evenly": "justify-evenly",
	}},
	"align-items": {"items", map[string]string{
		"flex-start": "items-start", "start": "items-start", "flex-end": "items-end", "end": "items-end",
		"center": "items-center", "baseline": "items-baseline", "stretch": "items-stretch",
	}},
	"flex-direction": {"flex-direction", map[string]string{
		"row": "flex-row", "row-reverse": "flex-row-reverse", "column": "flex-col", "column-reverse": "flex-col-reverse",
	}},
	"font-style": {"font-style", map[string]string{"italic": "italic", "normal": "not-italic"}},
	"text-decoration": {"text-decoration", map[string]string{
		"underline": "underline", "line-through": "line-through", "overline": "overline", "none": "no-underline",
	}},
	"text-decoration-line": {"text-decoration", map[string]string{
		"underline": "underline", "line-through": "line-through", "overline": "overline", "none": "no-underline",
	}},
	"text-transform": {"text-transform", map[string]string{
		"uppercase": "uppercase", "lowercase": "lowercase", "capitalize": "capitalize", "none": "normal-case",
	}},
}

// arbitrary renders v as a bracketed Tailwind value.
func arbitrary(v string) string {
	return "[" + strings.ReplaceAll(strings.TrimSpace(v), " ", "_") + "]"
}

func colorValue(v string) string {
	switch strings.ToLower(v) {
	case "transparent", "inherit", "white", "black":
		return strings.ToLower(v)
	case "currentcolor":
		return "current"
	}
	return arbitrary(v)
}

// spacingValue maps a length onto the default spacing scale (1 unit = 4px = 0.25rem).
func spacingValue(v string) string {
	switch v {
	case "0", "0px", "0rem":
		return "0"
	case "1px":
		return "px"
	case "auto":
		return "auto"
	}
	var px float64
	if n, ok := strings.CutSuffix(v, "px"); ok {
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return arbitrary(v)
		}
		px = f
	} else if n, ok := strings.CutSuffix(v, "rem"); ok {
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return arbitrary(v)
		}
		px = f * 16
	} else {
		return arbitrary(v)
	}
	if px < 0 {
		return arbitrary(v)
	}
	units := px / 4
	switch {
	case units == float64(int(units)) && units <= 96:
		return strconv.Itoa(int(units))
	case units*2 == float64(int(units*2)) && units <= 3.5:
		return strconv.FormatFloat(units, 'f', 1, 64)
	}
	return arbitrary(v)
}

func sizeValue(prefix, v string) string {
	switch v {
	case "100%":
		return "full"
	case "50%":
		return "1/2"
	case "fit-content":
		return "fit"
	case "min-content":
		return "min"
	case "max-content":
		return "max"
	case "100vw":
		if prefix == "w" {
			return "screen"
		}
	case "100vh":
		if prefix == "h" || prefix == "min-h" {
			return "screen"
		}
	}
	return spacingValue(v)
}

// cssProperty turns a React style key ("backgroundColor", "WebkitBoxShadow",
// "msTransform") into its CSS property name. Kebab-case names and custom
// properties pass through lowercased.
func cssProperty(key string) string {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "--") || strings.Contains(key, "-") {
		return strings.ToLower(key)
	}
	// React spells the ms vendor prefix in lowercase.
	if len(key) > 2 && strings.HasPrefix(key, "ms") && key[2] >= 'A' && key[2] <= 'Z' {
		key = "Ms" + key[2:]
	}
	var b strings.Builder
	for _, r := range key {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('-')
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// convert renders one CSS declaration. An empty value removes the property.
func convert(prop, value string) conversion {
	prop = cssProperty(prop)
	value = strings.TrimSpace(value)

	if prefix, ok := spacingPrefixes[prop]; ok {
		c := conversion{families: familiesFor(prefix)}
		if value == "" {
			return c
		}
		neg := strings.HasPrefix(value, "-") && !strings.HasPrefix(prefix, "p")
		if neg {
			value = value[1:]
		}
		v := spacingValue(value)
		if neg && !strings.HasPrefix(v, "[") {
			c.class = "-" + prefix + "-" + v
		} else if neg {
			c.class = prefix + "-" + arbitrary("-"+value)
		} else {
			c.class = prefix + "-" + v
		}
		return c
	}
	if prefix, ok := sizePrefixes[prop]; ok {
		c := conversion{families: []string{prefix}}
		if value != "" {
			c.class = prefix + "-" + sizeValue(prefix, value)
		}
		return c
	}
	if kw, ok := keywordProps[prop]; ok {
		c := conversion{families: []string{kw.family}}
		if value == "" {
			return c
		}
		if cls, ok := kw.values[strings.ToLower(value)]; ok {
			c.class = cls
		} else {
			c.class = arbitraryProperty(prop, value)
			c.families = append(c.families, "prop:"+prop)
		}
		return c
	}

	var c conversion
	switch prop {
	case "color":
		c = conversion{class: "text-" + colorValue(value), families: []string{"text-color"}}
	case "background-color", "background":
		c = conversion{class: "bg-" + colorValue(value), families: []string{"bg-color"}}
	case "border-color":
		c = conversion{class: "border-" + colorValue(value), families: []string{"border-color"}}
	case "font-size":
		size, ok := fontSizes[value]
		if !ok {
			size = arbitrary(value)
		}
		c = conversion{class: "text-" + size, families: []string{"font-size"}}
	case "font-weight":
		weight, ok := fontWeights[strings.ToLower(value)]
		if !ok {
			weight = arbitrary(value)
		}
		c = conversion{class: "font-" + weight, families: []string{"font-weight"}}
	case "opacity":
		c = conversion{class: "opacity-" + opacityValue(value), families: []string{"opacity"}}
	case "z-index":
		switch value {
		case "0", "10", "20", "30", "40", "50", "auto":
			c = conversion{class: "z-" + value}
		default:
			c = conversion{class: "z-" + arbitrary(value)}
		}
		c.families = []string{"z"}
	case "border-radius":
		cls, ok := radii[value]
		if !ok {
			cls = "rounded-" + arbitrary(value)
		}
		c = conversion{class: cls, families: []string{"rounded"}}
	case "border-width":
		var cls string
		switch value {
		case "0", "0px":
			cls = "border-0"
		case "1px":
			cls = "border"
		case "2px", "4px", "8px":
			cls = "border-" + strings.TrimSuffix(value, "px")
		default:
			cls = "border-" + arbitrary(value)
		}
		c = conversion{class: cls, families: []string{"border-width"}}
	case "line-height":
		c = conversion{class: "leading-" + arbitrary(value), families: []string{"leading"}}
	case "letter-spacing":
		c = conversion{class: "tracking-" + arbitrary(value), families: []string{"tracking"}}
	case "box-shadow":
		if value == "none" {
			c = conversion{class: "shadow-none"}
		} else {
			c = conversion{class: "shadow-" + arbitrary(value)}
		}
		c.families = []string{"shadow"}
	case "cursor":
		c = conversion{class: "cursor-" + value, families: []string{"cursor"}}
	default:
		return conversion{class: arbitraryPropertyOrEmpty(prop, value), families: []string{"prop:" + prop}}
	}
	if value == "" {
		c.class = ""
	}
	return c
}

func familiesFor(prefix string) []string {
	if fams, ok := shorthandFamilies[prefix]; ok {
		return fams
	}
	return []string{prefix}
}

func opacityValue(v string) string {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return arbitrary(v)
	}
	pct := int(f*100 + 0.5)
	if pct%5 == 0 {
		return strconv.Itoa(pct)
	}
	return arbitrary(v)
}

func arbitraryProperty(prop, value string) string {
	return "[" + prop + ":" + strings.ReplaceAll(value, " ", "_") + "]"
}

func arbitraryPropertyOrEmpty(prop, value string) string {
	if value == "" {
		return ""
	}
	return arbitraryProperty(prop, value)
}

// prefixFamilies are the utility prefixes classified by name alone, longest first.
var prefixFamilies = []string{
	"min-w", "max-w", "min-h", "max-h", "gap-x", "gap-y", "inset-x", "inset-y",
	"px", "py", "pt", "pr", "pb", "pl", "mx", "my", "mt", "mr", "mb", "ml",
	"p", "m", "w", "h", "gap", "inset", "top", "right", "bottom", "left",
	"z", "opacity", "leading", "tracking", "shadow", "rounded", "cursor",
}

var textSizes = map[string]bool{
	"xs": true, "sm": true, "base": true, "lg": true, "xl": true, "2xl": true, "3xl": true,
	"4xl": true, "5xl": true, "6xl": true, "7xl": true, "8xl": true, "9xl": true,
}

var keywordFamilies = func() map[string]string {
	out := map[string]string{}
	for _, kw := range keywordProps {
		for _, cls := range kw.values {
			out[cls] = kw.family
		}
	}
	return out
}()

// splitVariant separates variant prefixes ("hover:", "md:") from the base class.
// Colons inside brackets belong to the base.
func splitVariant(class string) (variant, base string) {
	depth := 0
	last := -1
	for i := 0; i < len(class); i++ {
		switch class[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ':':
			if depth == 0 {
				last = i
			}
		}
	}
	if last < 0 {
		return "", class
	}
	return class[:last+1], class[last+1:]
}

// looksLikeLength reports whether an arbitrary value is a size rather than a color.
func looksLikeLength(v string) bool {
	v = strings.TrimPrefix(v, "length:")
	return v != "" && (v[0] >= '0' && v[0] <= '9' || v[0] == '.' || strings.HasPrefix(v, "calc(") || strings.HasPrefix(v, "clamp("))
}

// familyOf classifies an unprefixed class into its utility family, or "".
func familyOf(class string) string {
	class = strings.TrimPrefix(strings.TrimPrefix(class, "!"), "-")

	if strings.HasPrefix(class, "[") {
		if prop, _, ok := strings.Cut(strings.Trim(class, "[]"), ":"); ok {
			return "prop:" + prop
		}
		return ""
	}
	if fam, ok := keywordFamilies[class]; ok {
		return fam
	}

	if rest, ok := strings.CutPrefix(class, "text-"); ok {
		inner := strings.Trim(rest, "[]")
		switch {
		case textSizes[rest], strings.HasPrefix(rest, "[") && looksLikeLength(inner):
			return "font-size"
		default:
			return "text-color"
		}
	}
	if rest, ok := strings.CutPrefix(class, "font-"); ok {
		for _, w := range fontWeights {
			if rest == w {
				return "font-weight"
			}
		}
		if strings.HasPrefix(rest, "[") && looksLikeLength(strings.Trim(rest, "[]")) {
			return "font-weight"
		}
		return "font-family"
	}
	if rest, ok := strings.CutPrefix(class, "bg-"); ok {
		switch {
		case strings.HasPrefix(rest, "gradient"), strings.HasPrefix(rest, "clip"), strings.HasPrefix(rest, "no-repeat"),
			strings.HasPrefix(rest, "repeat"), rest == "cover", rest == "contain", rest == "fixed", rest == "center", rest == "none":
			return "bg-other"
		}
		return "bg-color"
	}
	if class == "border" {
		return "border-width"
	}
	if rest, ok := strings.CutPrefix(class, "border-"); ok {
		inner := strings.Trim(rest, "[]")
		if _, err := strconv.Atoi(rest); err == nil || (strings.HasPrefix(rest, "[") && looksLikeLength(inner)) {
			return "border-width"
		}
		if len(rest) > 1 && rest[1] == '-' || rest == "x" || rest == "y" || rest == "t" || rest == "r" || rest == "b" || rest == "l" {
			return "border-side"
		}
		return "border-color"
	}

	for _, prefix := range prefixFamilies {
		if class == prefix || strings.HasPrefix(class, prefix+"-") {
			return prefix
		}
	}
	return ""
}

// MergeClasses applies CSS declarations to a class list. Existing classes of
// a replaced utility family are removed unless they carry a variant prefix.
// Order of surviving classes is preserved and new classes are appended in
// property order.
func MergeClasses(classes []string, styles map[string]string) []string {
	props := make([]string, 0, len(styles))
	for p := range styles {
		props = append(props, p)
	}
	sort.Strings(props)

	replaced := map[string]bool{}
	var added []string
	for _, p := range props {
		c := convert(p, styles[p])
		for _, f := range c.families {
			replaced[f] = true
		}
		if c.class != "" {
			added = append(added, c.class)
		}
	}

	out := make([]string, 0, len(classes)+len(added))
	seen := map[string]bool{}
	for _, cls := range classes {
		variant, base := splitVariant(cls)
		if variant == "" && replaced[familyOf(base)] {
			continue
		}
		if !seen[cls] {
			seen[cls] = true
			out = append(out, cls)
		}
	}
	for _, cls := range added {
		if !seen[cls] {
			seen[cls] = true
			out = append(out, cls)
		}
	}
	return out
}
