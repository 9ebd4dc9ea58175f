package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256 returns the SHA256 hash of the data.
func SHA256(data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}

// SHA256Hex returns the lowercase hex encoding of SHA256(data).
func SHA256Hex(data []byte) string {
	return hex.EncodeToString(SHA256(data))
}

// TaggedSHA256 hashes data prefixed with an ASCII domain-separation tag. Every
// protocol hash goes through here so that a signature or digest computed for
// one purpose can never be replayed for another.
func TaggedSHA256(tag string, data []byte) []byte {
	hasher := sha256.New()
	hasher.Write([]byte(tag))
	hasher.Write(data)
	return hasher.Sum(nil)
}

// TaggedSHA256Hex returns the lowercase hex encoding of TaggedSHA256.
func TaggedSHA256Hex(tag string, data []byte) string {
	return hex.EncodeToString(TaggedSHA256(tag, data))
}
