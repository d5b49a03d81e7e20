// Package activeset arbitrates concurrent access to directories so two
// sessions never scan overlapping trees at once. The mutex here only ever
// guards the set membership itself — it is never held across the scan I/O
// a session performs between Claim and Release.
package activeset

import (
	"strings"
	"sync"
)

// entry is one active scan: path plus whether it claims the whole subtree.
type entry struct {
	path      string
	recursive bool
}

// Set tracks directories currently being scanned by some session.
type Set struct {
	mu      sync.Mutex
	entries []entry
}

// New returns an empty Set.
func New() *Set {
	return &Set{}
}

// Claim registers path as active. It returns false (no error) if path
// conflicts with an already-active directory: the same path, an existing
// recursive claim on an ancestor of path, or, when the new claim is
// recursive, an existing claim (recursive or not) on a descendant of path.
// A non-recursive existing claim never blocks a claim on one of its
// children, since it will never descend into them.
func (s *Set) Claim(path string, recursive bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.path == path {
			return false
		}
		if e.recursive && isChild(e.path, path) {
			return false
		}
		if recursive && isChild(path, e.path) {
			return false
		}
	}

	s.entries = append(s.entries, entry{path: path, recursive: recursive})
	return true
}

// Release removes path's claim. It is a no-op if path isn't claimed.
func (s *Set) Release(path string, recursive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.path == path && e.recursive == recursive {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// isChild reports whether child is dir1 itself or nested under it, by
// tokenizing both paths on "/" and checking that dir1's tokens are a prefix
// of child's tokens. Ported from utils.cpp's dir_is_child.
func isChild(dir1, child string) bool {
	nodes1 := splitPath(dir1)
	nodes2 := splitPath(child)
	if len(nodes1) > len(nodes2) {
		return false
	}

	for i, n := range nodes1 {
		if n != nodes2[i] {
			return false
		}
	}
	return true
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
