// Package fieldset decides which entity fields are audited.
//
// The audited set is a list of glob patterns from config.yaml
// (audit.fields), e.g. "assignedTo" or "location.*". Patterns are compiled
// once at load time and can be swapped at runtime when the config file
// changes.
package fieldset

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gobwas/glob"
)

// Set is a compiled, reloadable set of audited field patterns.
//
// Thread-safe: Matches and Diff run concurrently from request handlers,
// while Reload swaps the patterns on config changes.
type Set struct {
	mu       sync.RWMutex
	patterns []string
	globs    []glob.Glob
}

// FieldDiff is one audited field whose value differs between two
// snapshots of an entity. A nil value means the field was absent.
type FieldDiff struct {
	Field    string
	OldValue *string
	NewValue *string
}

// New compiles the given patterns. Returns an error if any is invalid.
func New(patterns []string) (*Set, error) {
	s := &Set{}
	if err := s.Reload(patterns); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the pattern set. On error the previous set is kept.
func (s *Set) Reload(patterns []string) error {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		// '.' separates nested field paths, e.g. "location.*".
		g, err := glob.Compile(p, '.')
		if err != nil {
			return fmt.Errorf("invalid field pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append([]string(nil), patterns...)
	s.globs = globs
	return nil
}

// Patterns returns the current pattern list.
func (s *Set) Patterns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.patterns...)
}

// Matches reports whether the field name is audited (OR across patterns).
func (s *Set) Matches(field string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matchLocked(field)
}

func (s *Set) matchLocked(field string) bool {
	for _, g := range s.globs {
		if g.Match(field) {
			return true
		}
	}
	return false
}

// Diff compares two snapshots of an entity and returns the audited fields
// whose values changed, sorted by field name. A key missing from a map and
// a key mapped to nil both mean "absent"; an empty string is a value.
func (s *Set) Diff(before, after map[string]*string) []FieldDiff {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		names[k] = struct{}{}
	}
	for k := range after {
		names[k] = struct{}{}
	}

	var diffs []FieldDiff
	for name := range names {
		if !s.matchLocked(name) {
			continue
		}
		oldV, newV := before[name], after[name]
		if equalValues(oldV, newV) {
			continue
		}
		diffs = append(diffs, FieldDiff{Field: name, OldValue: oldV, NewValue: newV})
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Field < diffs[j].Field })
	return diffs
}

func equalValues(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
