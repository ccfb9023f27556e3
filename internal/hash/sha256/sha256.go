// Package sha256 digests captured artifacts for content-addressed keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher implements storage.Hasher using SHA-256.
type Hasher struct {
	length int
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithLength truncates digests to n hex characters. Zero keeps the full
// 64-character digest.
func WithLength(n int) Option {
	return func(h *Hasher) { h.length = n }
}

// New returns a SHA-256 hasher.
func New(opts ...Option) *Hasher {
	h := &Hasher{}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	if h.length < 0 || h.length > sha256.Size*2 {
		return "", fmt.Errorf("digest length %d out of range [0, %d]", h.length, sha256.Size*2)
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.length > 0 {
		digest = digest[:h.length]
	}
	return digest, nil
}
