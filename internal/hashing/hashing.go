// Package hashing provides the cryptographic and perceptual fingerprint
// primitives the rest of simpicd is built on. The SHA-256 and
// perceptual-hash algorithms themselves are treated as black-box
// collaborators — crypto/sha256 and goimagehash respectively — this
// package only wires them up the way the rest of the daemon needs.
package hashing

import (
	"crypto/sha256"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/bits"
	"os"

	"github.com/corona10/goimagehash"

	"github.com/emilarner/simpicd/internal/types"
)

const blockSize = 64 * 1024

// sha256Calls counts invocations for observability in tests.
var sha256Calls int

// SHA256Calls returns the number of times SHA256File has run, for tests
// that need to observe cache-hit behavior.
func SHA256Calls() int { return sha256Calls }

// SHA256File streams f through SHA-256 in fixed-size chunks and rewinds the
// handle before returning, so callers can keep using it afterward.
func SHA256File(f *os.File) (types.SHA256, error) {
	sha256Calls++

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return types.SHA256{}, fmt.Errorf("seek to start: %w", err)
	}

	h := sha256.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return types.SHA256{}, fmt.Errorf("hash file: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return types.SHA256{}, fmt.Errorf("rewind file: %w", err)
	}

	var out types.SHA256
	copy(out[:], h.Sum(nil))
	return out, nil
}

// PerceptualHash computes the 64-bit DCT perceptual hash of the image at
// path. It is defined to produce the same value for visually similar images
// under mild transforms.
func PerceptualHash(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}

	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, fmt.Errorf("perceptual hash %s: %w", path, err)
	}

	return hash.GetHash(), nil
}

// Hamming returns the population count of a XOR b: the bit-difference count
// between two 64-bit perceptual hashes. Commutative, 0..64.
func Hamming(a, b uint64) uint8 {
	return uint8(bits.OnesCount64(a ^ b))
}
