// Package cas provides the content-addressed blob store backing world module
// artifacts and replicated block payloads. Blobs are keyed by the hex SHA256
// of their plaintext bytes, so Put is idempotent and Get can verify integrity
// on the way out.
package cas

import (
	"fmt"

	"github.com/agentworld/agentworld/src/crypto"
)

// Store is the blob store interface. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put stores blob and returns its content hash. Storing the same bytes
	// twice returns the same hash without error.
	Put(blob []byte) (string, error)

	// Get returns the blob for a content hash.
	Get(contentHash string) ([]byte, error)

	// GetRange returns length bytes of the blob starting at offset.
	GetRange(contentHash string, offset, length uint64) ([]byte, error)

	// Has reports whether the store holds the blob.
	Has(contentHash string) bool

	// Len returns the number of stored blobs.
	Len() int

	Close() error
}

// ContentHash returns the store key for a blob.
func ContentHash(blob []byte) string {
	return crypto.SHA256Hex(blob)
}

func sliceRange(blob []byte, contentHash string, offset, length uint64) ([]byte, error) {
	end := offset + length
	if end < offset || end > uint64(len(blob)) {
		return nil, fmt.Errorf("range [%d,%d) out of bounds for blob %s of %d bytes",
			offset, end, contentHash, len(blob))
	}
	out := make([]byte, length)
	copy(out, blob[offset:end])
	return out, nil
}
