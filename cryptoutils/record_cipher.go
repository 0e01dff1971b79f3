package cryptoutils

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrRecordCorrupt is returned when a stored record fails authentication.
var ErrRecordCorrupt = errors.New("stored record failed authentication")

// RecordCipher seals vault records at rest with XChaCha20-Poly1305. The
// storage key is bound as associated data so a record copied under another
// key does not open.
type RecordCipher struct {
	aead cipher.AEAD
}

// NewRecordCipher creates a cipher from a 32-byte key.
func NewRecordCipher(key []byte) (*RecordCipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("could not create record cipher: %w", err)
	}
	return &RecordCipher{aead: aead}, nil
}

// Seal returns nonce || ciphertext.
func (c *RecordCipher) Seal(storageKey, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("could not generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, storageKey), nil
}

// Open authenticates and decrypts a sealed record. The caller owns and must
// wipe the returned plaintext.
func (c *RecordCipher) Open(storageKey, sealed []byte) ([]byte, error) {
	if len(sealed) < c.aead.NonceSize()+c.aead.Overhead() {
		return nil, ErrRecordCorrupt
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, storageKey)
	if err != nil {
		return nil, ErrRecordCorrupt
	}
	return plaintext, nil
}
