package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Options captures the path filtering configuration.
type Options struct {
	Include []string
	Exclude []string
}

// Filter decides which discovered mailbox paths take part in a run.
type Filter struct {
	includeMode bool
	excludeMode bool
	include     []*regexp.Regexp
	exclude     []*regexp.Regexp
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	include, err := compilePatterns(opts.Include)
	if err != nil {
		return nil, fmt.Errorf("compile include pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.Exclude)
	if err != nil {
		return nil, fmt.Errorf("compile exclude pattern: %w", err)
	}

	includeActive := len(include) > 0
	excludeActive := len(exclude) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode: includeActive,
		excludeMode: excludeActive,
		include:     include,
		exclude:     exclude,
	}, nil
}

// Allows returns true if the path passes the filter criteria. A nil filter
// allows everything.
func (f *Filter) Allows(path string) bool {
	if f == nil {
		return true
	}
	if f.includeMode {
		return matchAny(f.include, path)
	}
	if f.excludeMode && matchAny(f.exclude, path) {
		return false
	}
	return true
}

// Apply keeps the allowed paths, preserving order.
func (f *Filter) Apply(paths []string) []string {
	kept := make([]string, 0, len(paths))
	for _, path := range paths {
		if f.Allows(path) {
			kept = append(kept, path)
		}
	}
	return kept
}

// Active reports whether any pattern was configured.
func (f *Filter) Active() bool {
	return f != nil && (f.includeMode || f.excludeMode)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
