// Package pq implements the post-quantum primitives the rest of the
// module builds on: ML-KEM-768 encapsulation, ML-DSA-65 signatures,
// BLAKE3 hashing, and constant-time comparison.
//
// Every operation that touches adversary-supplied bytes returns a
// generic CryptoError so that failure modes (bad length, bad MAC, bad
// signature) are not distinguishable from the error alone.
package pq

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Error kinds surfaced by this package. Coarse-grained by design: callers
// must not be able to tell a malformed key apart from a valid key with a
// bad ciphertext from the returned error alone.
var (
	ErrInvalidKey         = errors.New("pq: invalid key")
	ErrInvalidCiphertext  = errors.New("pq: invalid ciphertext")
	ErrBadSignature       = errors.New("pq: signature verification failed")
	ErrEntropyUnavailable = errors.New("pq: entropy source unavailable")
)

// CryptoError wraps one of the sentinel Err values above with a kind tag,
// without embedding any detail that would let an adversary distinguish
// *why* an operation failed.
type CryptoError struct {
	Kind error
}

func (e *CryptoError) Error() string { return e.Kind.Error() }

func (e *CryptoError) Unwrap() error { return e.Kind }

func newCryptoError(kind error) error { return &CryptoError{Kind: kind} }

// HashSize is the BLAKE3 digest size used throughout the module for
// vertex ids.
const HashSize = 32

// Hash returns the BLAKE3-256 digest of b.
func Hash(b []byte) [HashSize]byte {
	return blake3.Sum256(b)
}

// ChunkedHasher accumulates a BLAKE3 hash over data fed in pieces. This is
// the mechanism for hashing very large payloads without blocking a single
// call: the caller controls the suspension point by choosing when to call
// Write next.
type ChunkedHasher struct {
	h *blake3.Hasher
}

// NewChunkedHasher returns a hasher ready to accept Write calls.
func NewChunkedHasher() *ChunkedHasher {
	return &ChunkedHasher{h: blake3.New()}
}

// Write feeds the next chunk into the running hash.
func (c *ChunkedHasher) Write(p []byte) (int, error) {
	return c.h.Write(p)
}

// Sum finalizes the hash and returns the 32-byte digest.
func (c *ChunkedHasher) Sum() [HashSize]byte {
	var out [HashSize]byte
	digest := c.h.Digest()
	if _, err := digest.Read(out[:]); err != nil {
		panic(fmt.Sprintf("pq: blake3 digest read failed: %v", err))
	}
	return out
}

// CtEq reports whether a and b are byte-for-byte equal, in time
// independent of where they first differ. SigPublicKey.Equal compares
// keys through it; it is exported so that no caller is tempted to reach
// for bytes.Equal on secret-derived data.
func CtEq(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
