// Package types provides shared types used across the simpicd codebase.
package types

import (
	"cmp"
	"slices"
)

// SHA256 is a raw 32-byte content digest, used as a map key by value so the
// comparison is always a byte comparison rather than a pointer comparison.
type SHA256 [32]byte

// ImageType tags the image format a probed file turned out to be, decided
// by its extension. It is separate from the cache's media entry tag (see
// internal/cache), whose Video/Audio/Text values are never produced.
type ImageType uint8

const (
	ImageTypePNG ImageType = iota
	ImageTypeJPEG
	ImageTypeOther
)

// ImageRecord is the per-unique-content record: width, height, byte length,
// SHA-256, perceptual hash and type are immutable after creation; Dir/
// Filename are updated on every scan that re-encounters this content.
type ImageRecord struct {
	SHA256    SHA256
	PHash     uint64
	Width     uint16
	Height    uint16
	Size      uint32
	Type      ImageType
	Extension string

	// Dir and Filename are the current location; mutated on each scan.
	Dir      string
	Filename string
}

// Path returns the image's current absolute path.
func (r *ImageRecord) Path() string {
	if r.Filename == "" {
		return r.Dir
	}
	return r.Dir + "/" + r.Filename
}

// SetLocation updates the mutable current-location fields of the record.
func (r *ImageRecord) SetLocation(dir, filename string) {
	r.Dir = dir
	r.Filename = filename
}

// PathRecord is the SHA-256 location record for a path: the freshness
// witness (ModTime, Size) validates a cached hash against the file's current
// stat before it is trusted.
type PathRecord struct {
	SHA256  SHA256
	ModTime int64 // unix seconds
	Size    int64
}

// Fresh reports whether this record's witness still matches the given stat.
func (r *PathRecord) Fresh(modTime int64, size int64) bool {
	return r.ModTime == modTime && r.Size == size
}

// Group is a transient similarity group: two or more images judged duplicate
// or near-duplicate within one scan. Groups built by grouping.Group are
// disjoint by construction; groups built by grouping.FindDuplicates may
// share scanned images between needles.
type Group struct {
	// CheckID identifies which needle this group answers, for the
	// check-against-needles variant. Zero for a plain scan/group.
	CheckID uint16
	Images  []*ImageRecord
}

// Len returns the number of images in the group.
func (g Group) Len() int { return len(g.Images) }

// Sorted is an ordered collection that maintains sort order by a key
// function. T is the element type, K is the comparable key type. No package
// in this repository uses it at present.
type Sorted[T any, K cmp.Ordered] struct {
	items   []T
	keyFunc func(T) K
}

// NewSorted creates a sorted collection from items using keyFunc for
// ordering. Items are copied and sorted at construction time.
func NewSorted[T any, K cmp.Ordered](items []T, keyFunc func(T) K) Sorted[T, K] {
	sorted := make([]T, len(items))
	copy(sorted, items)
	slices.SortFunc(sorted, func(a, b T) int {
		return cmp.Compare(keyFunc(a), keyFunc(b))
	})
	return Sorted[T, K]{items: sorted, keyFunc: keyFunc}
}

// Items returns the sorted items.
func (s Sorted[T, K]) Items() []T { return s.items }

// Len returns the number of items.
func (s Sorted[T, K]) Len() int { return len(s.items) }

// Semaphore implements a counting semaphore using a buffered channel. It
// limits concurrent access to a resource by blocking when the limit is
// reached.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent
// acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
