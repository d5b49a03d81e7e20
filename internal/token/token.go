// Package token generates the random filename prefixes used when a file is
// moved to the recycle bin, so two files disposed with the same
// original name never collide. The alphabet and generation scheme are
// ported from utils.cpp's random_chars: a uniform pick over letters only,
// no digits or symbols.
package token

import (
	"math/rand/v2"
	"strings"

	"github.com/eknkc/basex"
)

// Length is the number of characters in a generated token, matching the
// original's RANDOM_CHARS_LENGTH used for recycle-bin prefixes.
const Length = 12

// alphabet mirrors utils.cpp's random_chars bank exactly: lowercase then
// uppercase letters, no digits.
const alphabet = "qwertyuiopasdfghjklzxcvbnmQWERTYUIOPASDFGHJKLZXCVBNM"

var encoding = basex.NewEncoding(alphabet)

// Generate returns a Length-character random token built from alphabet.
// The source is seeded once per process (math/rand/v2's default source is
// already self-seeding), matching the original's single std::srand call at
// startup rather than reseeding per call.
func Generate() string {
	return GenerateN(Length)
}

// GenerateN returns an n-character random token built from alphabet, for
// callers that need a different length than the recycle-bin prefix (e.g.
// the session's 16-character Check-by-data staging filenames).
func GenerateN(n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return b.String()
}

// EncodeBytes base-alphabet-encodes raw random bytes instead of sampling
// characters directly, for callers that want a token derived from a fixed
// amount of entropy rather than a fixed character count. Generate and
// GenerateN do not use it.
func EncodeBytes(raw []byte) string {
	return encoding.Encode(raw)
}
