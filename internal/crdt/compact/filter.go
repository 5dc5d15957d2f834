package compact

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter selects document ids by glob pattern. Patterns are evaluated in
// order; a pattern starting with "!" excludes what it matches, and the last
// matching pattern wins.
type Filter struct {
	patterns []string
}

// NewFilter validates patterns and returns a filter. An empty list matches
// every document.
func NewFilter(patterns []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range patterns {
		if err := f.AddPattern(p); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// AddPattern appends a pattern. A trailing "/" selects everything below a
// prefix, the way a directory pattern does.
func (f *Filter) AddPattern(pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || strings.HasPrefix(pattern, "#") {
		return nil
	}
	if strings.HasSuffix(pattern, "/") {
		pattern = strings.TrimSuffix(pattern, "/")
		if !strings.Contains(pattern, "**") {
			pattern = pattern + "/**"
		}
	}
	if !doublestar.ValidatePattern(strings.TrimPrefix(pattern, "!")) {
		return fmt.Errorf("invalid document pattern %q", pattern)
	}
	f.patterns = append(f.patterns, pattern)
	return nil
}

// Match reports whether docID is selected.
func (f *Filter) Match(docID string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	selected := false
	for _, pattern := range f.patterns {
		negate := strings.HasPrefix(pattern, "!")
		if negate {
			pattern = pattern[1:]
		}
		matched, err := doublestar.Match(pattern, docID)
		if err != nil || !matched {
			continue
		}
		selected = !negate
	}
	return selected
}

// Patterns returns the configured patterns.
func (f *Filter) Patterns() []string {
	return append([]string{}, f.patterns...)
}
