package command

import (
	"regexp"
	"strconv"
	"strings"
)

// Bindings supplies values for template placeholders.
type Bindings struct {
	// Args is the raw argument string. $ARGUMENTS expands to it verbatim and
	// $1..$N to its whitespace-separated tokens.
	Args string
	// Named values for ${name} placeholders.
	Named map[string]string
}

var placeholderRe = regexp.MustCompile(`\$ARGUMENTS|\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([0-9]+)`)

// Substitute expands placeholders in one left-to-right pass. Missing values
// expand to "". Inserted text is never expanded again.
func Substitute(template string, b Bindings) string {
	var tokens []string
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		switch {
		case m == "$ARGUMENTS":
			return b.Args
		case strings.HasPrefix(m, "${"):
			return b.Named[m[2:len(m)-1]]
		default:
			n, err := strconv.Atoi(m[1:])
			if err != nil || n < 1 {
				return ""
			}
			if tokens == nil {
				tokens = strings.Fields(b.Args)
			}
			if n > len(tokens) {
				return ""
			}
			return tokens[n-1]
		}
	})
}

// Placeholders lists the distinct named placeholders used by template.
func Placeholders(template string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if name := m[1]; name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
