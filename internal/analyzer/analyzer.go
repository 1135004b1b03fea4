// Package analyzer decides whether a probe's output satisfies a rule's expectation.
package analyzer

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Matcher reports whether probe output satisfies an expected value.
type Matcher interface {
	Match(output, expect string) (bool, error)
}

// Names accepted by ForName.
const (
	NameContains = "contains"
	NameRegex    = "regex"
)

// Contains passes when expect occurs literally in output.
type Contains struct{}

// Match implements Matcher.
func (Contains) Match(output, expect string) (bool, error) {
	return strings.Contains(output, expect), nil
}

// Regex passes when any line of output matches expect, like grep.
// Compiled patterns are cached.
type Regex struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

// Match implements Matcher.
func (r *Regex) Match(output, expect string) (bool, error) {
	re, err := r.compile(expect)
	if err != nil {
		return false, err
	}
	for line := range strings.SplitSeq(output, "\n") {
		if re.MatchString(line) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Regex) compile(pattern string) (*regexp.Regexp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if re, ok := r.cache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid expect pattern %q: %w", pattern, err)
	}
	if r.cache == nil {
		r.cache = make(map[string]*regexp.Regexp)
	}
	r.cache[pattern] = re
	return re, nil
}

// Set resolves matcher names to matchers. The zero value is not usable; use NewSet.
type Set struct {
	byName map[string]Matcher
}

// NewSet returns the built-in matchers.
func NewSet() *Set {
	return &Set{byName: map[string]Matcher{
		NameContains: Contains{},
		NameRegex:    &Regex{},
	}}
}

// Register adds or replaces a named matcher.
func (s *Set) Register(name string, m Matcher) {
	s.byName[strings.ToLower(name)] = m
}

// ForName returns the matcher for name; an empty name selects Contains.
func (s *Set) ForName(name string) (Matcher, error) {
	if name == "" {
		name = NameContains
	}
	m, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown matcher %q", name)
	}
	return m, nil
}
