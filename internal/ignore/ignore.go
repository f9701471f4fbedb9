// Package ignore filters repository paths during walking.
//
// Three pattern classes are supported:
//
//   - "dir/"  directory patterns: match a path segment exactly, at any depth
//   - "*.ext" extension patterns: suffix match on the path
//   - "name"  exact or substring match on the file name
//
// A path matching any pattern is excluded; pattern order is irrelevant.
package ignore

import (
	"path"
	"strings"
)

// Matcher reports whether a relative path is excluded from indexing.
// It is immutable after construction and safe for concurrent use.
type Matcher struct {
	dirs     []string // from "dir/" patterns, without the slash
	suffixes []string // from "*.ext" patterns, without the leading "*"
	names    []string // exact/substring filename patterns
}

// NewMatcher compiles the given patterns. Patterns are validated at
// configuration load time; NewMatcher itself never fails.
func NewMatcher(patterns []string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		switch {
		case strings.HasSuffix(p, "/"):
			dir := strings.TrimSuffix(p, "/")
			if dir != "" {
				m.dirs = append(m.dirs, dir)
			}
		case strings.HasPrefix(p, "*"):
			suffix := strings.TrimPrefix(p, "*")
			if suffix != "" {
				m.suffixes = append(m.suffixes, suffix)
			}
		case p != "":
			m.names = append(m.names, p)
		}
	}
	return m
}

// Match reports whether relPath is excluded. relPath uses forward slashes
// and is relative to the repository root.
func (m *Matcher) Match(relPath string) bool {
	relPath = strings.TrimPrefix(path.Clean(relPath), "./")

	for _, dir := range m.dirs {
		if hasSegment(relPath, dir) {
			return true
		}
	}

	for _, suffix := range m.suffixes {
		if strings.HasSuffix(relPath, suffix) {
			return true
		}
	}

	base := path.Base(relPath)
	for _, name := range m.names {
		if strings.Contains(base, name) {
			return true
		}
	}

	return false
}

// Empty reports whether the matcher has no patterns.
func (m *Matcher) Empty() bool {
	return len(m.dirs) == 0 && len(m.suffixes) == 0 && len(m.names) == 0
}

// hasSegment reports whether any path segment of relPath equals dir.
// Multi-segment dir patterns like "docs/generated" match as a contiguous
// segment run.
func hasSegment(relPath, dir string) bool {
	if relPath == dir {
		return true
	}
	if strings.HasPrefix(relPath, dir+"/") {
		return true
	}
	if strings.HasSuffix(relPath, "/"+dir) {
		return true
	}
	return strings.Contains(relPath, "/"+dir+"/")
}
