package cache

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// FingerprintLength is the number of hex characters kept from the digest.
const FingerprintLength = 24

// Fingerprint hashes the normalized parts into a short stable key. Parts are
// case-folded and their whitespace collapsed, so inputs that differ only in
// spacing or case share a fingerprint. Part boundaries are preserved.
func Fingerprint(parts ...string) string {
	h := blake3.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0x1f})
		}
		_, _ = h.Write([]byte(normalize(p)))
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return sum[:FingerprintLength]
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
