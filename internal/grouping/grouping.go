// Package grouping implements simpicd's duplicate-detection core: an O(N²)
// pairwise comparison over a scan's images that partitions
// them into similarity groups, plus a needle variant that checks a small
// set of reference images against the full scanned set instead of
// comparing everything to everything. N is one scan's worth of images (a
// single directory, or a whole tree for a recursive request), and the
// quadratic cost is accepted — the same tradeoff the original algorithm in
// images.cpp makes.
package grouping

import (
	"github.com/emilarner/simpicd/internal/hashing"
	"github.com/emilarner/simpicd/internal/types"
)

// ProgressFunc is invoked at most once per outer iteration of Group, with
// the running count of near-duplicate pairs found so far. A scan session
// uses it to stream UpdateHeader frames to the client.
type ProgressFunc func(count int)

// Group partitions images into similarity groups: two images land in the
// same group if their SHA-256 digests are identical (exact duplicates) or
// their perceptual hashes differ by at most maxHam bits (near-duplicates).
// Groups of size 1 are dropped — a lone image isn't a duplicate of anything
// — matching Image::find_similar_images, including its progress semantics:
// after an outer iteration that added at least one near-duplicate, progress
// receives the running total of near-duplicates added so far.
func Group(images []*types.ImageRecord, maxHam uint8, progress ProgressFunc) []types.Group {
	assigned := make([]bool, len(images))
	order := make([]int, 0, len(images))
	members := make(map[int][]*types.ImageRecord)

	count := 0
	for i, current := range images {
		if assigned[i] {
			continue
		}

		group := []*types.ImageRecord{current}
		countBefore := count

		for j := i + 1; j < len(images); j++ {
			if assigned[j] {
				continue
			}
			candidate := images[j]

			if current.SHA256 == candidate.SHA256 {
				group = append(group, candidate)
				assigned[j] = true
				continue
			}

			if hashing.Hamming(current.PHash, candidate.PHash) > maxHam {
				continue
			}

			count++
			group = append(group, candidate)
			assigned[j] = true
		}

		if count != countBefore && progress != nil {
			progress(count)
		}

		assigned[i] = true
		if len(group) >= 2 {
			members[i] = group
			order = append(order, i)
		}
	}

	groups := make([]types.Group, 0, len(order))
	for _, key := range order {
		groups = append(groups, types.Group{Images: members[key]})
	}
	return groups
}

// Needle is a reference image supplied by a client Check request: either a
// full probed image (by raw data or by path, ClientCheckRequestTypes
// ByData/ByPath) or a bare perceptual hash with no backing file
// (ByPHash) — in which case only SHA256 is left zero and Hamming comparison
// is the only possible match.
type Needle struct {
	CheckID int
	Image   *types.ImageRecord // nil for a bare-phash needle
	PHash   uint64
	HasSHA  bool
}

// FindDuplicates checks each needle against every image in the scanned set
// and returns one group per needle that matched at least one image. Unlike
// Group, this is not symmetric: images are never compared to each other,
// only to the needles, and a single image may appear in more than one
// needle's group. Each returned group leads with the needle's own image
// (or a bare-phash placeholder, path and dimensions absent, for a ByPHash
// needle with no backing file) followed by every scanned image that
// matched it.
func FindDuplicates(images []*types.ImageRecord, needles []Needle, maxHam uint8) []types.Group {
	var groups []types.Group

	for _, needle := range needles {
		var matches []*types.ImageRecord

		for _, candidate := range images {
			if needle.HasSHA && needle.Image != nil && needle.Image.SHA256 == candidate.SHA256 {
				matches = append(matches, candidate)
				continue
			}

			phash := needle.PHash
			if needle.Image != nil {
				phash = needle.Image.PHash
			}
			if hashing.Hamming(phash, candidate.PHash) <= maxHam {
				matches = append(matches, candidate)
			}
		}

		if len(matches) == 0 {
			continue
		}

		needleImage := needle.Image
		if needleImage == nil {
			needleImage = &types.ImageRecord{PHash: needle.PHash}
		}
		group := make([]*types.ImageRecord, 0, len(matches)+1)
		group = append(group, needleImage)
		group = append(group, matches...)
		groups = append(groups, types.Group{CheckID: uint16(needle.CheckID), Images: group})
	}

	return groups
}
