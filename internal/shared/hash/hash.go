package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// Algorithm represents the digest used for sample hashes
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
)

// Hasher computes content digests of samples
type Hasher struct {
	algorithm Algorithm
}

// New creates a hasher with the specified algorithm
func New(algorithm Algorithm) *Hasher {
	return &Hasher{algorithm: algorithm}
}

// Default returns a SHA-256 hasher
func Default() *Hasher {
	return New(SHA256)
}

// Sum returns the hex digest of data
func (h *Hasher) Sum(data []byte) string {
	switch h.algorithm {
	case SHA256:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
}

// SumString returns the hex digest of s
func (h *Hasher) SumString(s string) string {
	return h.Sum([]byte(s))
}

// ReadFile reads a sample once and returns its content with its digest, so
// the hash always describes exactly the bytes that were executed.
func (h *Hasher) ReadFile(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read sample: %w", err)
	}
	return data, h.Sum(data), nil
}
