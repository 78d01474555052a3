// Package sha256 computes artifact content digests.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/bmie/internal/job"
)

// Prefix marks the digest algorithm in Artifact.ContentHash.
const Prefix = "sha256:"

var _ job.Hasher = (*Hasher)(nil)

// Hasher implements job.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the prefixed hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}
