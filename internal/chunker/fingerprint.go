package chunker

import (
	"crypto/sha256"
	"encoding/hex"
)

// FingerprintLength is the length of a fingerprint in hex characters.
const FingerprintLength = sha256.Size * 2

// Fingerprint returns the SHA-256 hex digest of text. No normalisation is
// applied, so texts differing by a single byte get different fingerprints.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the fingerprint of the chunk text.
func (c Chunk) Fingerprint() string {
	return Fingerprint(c.Text)
}
