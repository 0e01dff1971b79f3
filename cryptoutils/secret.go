package cryptoutils

import (
	"crypto/sha256"
	"crypto/subtle"
	"runtime"
)

// Wipe overwrites b with zeroes.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// SecretBytes owns a heap buffer holding secret plaintext. Close zeroes it.
type SecretBytes struct {
	b []byte
}

// NewSecretBytes takes ownership of b.
func NewSecretBytes(b []byte) *SecretBytes {
	return &SecretBytes{b: b}
}

// Bytes returns the underlying buffer. It is empty after Close.
func (s *SecretBytes) Bytes() []byte {
	return s.b
}

func (s *SecretBytes) Len() int {
	return len(s.b)
}

// Close wipes the buffer. It is safe to call more than once.
func (s *SecretBytes) Close() error {
	Wipe(s.b)
	s.b = nil
	return nil
}

// EqualSecret reports whether a and b are equal. Both inputs are hashed
// first so the comparison time depends neither on their lengths nor on the
// position of the first differing byte.
func EqualSecret(a, b []byte) bool {
	ha := sha256.Sum256(a)
	hb := sha256.Sum256(b)
	defer Wipe(ha[:])
	defer Wipe(hb[:])
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
