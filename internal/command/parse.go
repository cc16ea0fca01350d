// Package command resolves structured commands: parsing prefixed text,
// looking up templates registered for a codebase, and binding arguments
// into prompt text.
package command

import (
	"strings"
	"unicode"
)

// DefaultPrefix marks text as a command.
const DefaultPrefix = "/"

// Parse splits prefixed input into a lower-cased command name and the raw
// argument string. ok is false when text does not start with prefix.
func Parse(prefix, text string) (name string, rawArgs string, ok bool) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(text, prefix) {
		return "", "", false
	}

	rest := text[len(prefix):]
	end := strings.IndexFunc(rest, unicode.IsSpace)
	if end < 0 {
		return strings.ToLower(rest), "", true
	}
	return strings.ToLower(rest[:end]), strings.TrimSpace(rest[end:]), true
}
