package bridge

import (
	"bytes"
	"fmt"
	"regexp"
)

// Filter drops output lines that are not backend events.
type Filter struct {
	patterns []*regexp.Regexp
}

// NewFilter compiles extra diagnostic patterns to drop.
func NewFilter(patterns []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("noise pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Drop reports whether line should never be parsed. Anything that is not a
// JSON object is noise.
func (f *Filter) Drop(line []byte) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return true
	}
	if f == nil {
		return false
	}
	for _, re := range f.patterns {
		if re.Match(line) {
			return true
		}
	}
	return false
}
