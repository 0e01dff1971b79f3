package kms

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/tee-signing-vault/cryptoutils"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// MasterSeedSize is the minimum master seed length.
	MasterSeedSize = 32

	enclaveBoxKeyInfo  = "tee-signing-vault/enclave-box-key/v1"
	recordStoreKeyInfo = "tee-signing-vault/record-store-key/v1"
)

var ErrMasterSeedTooShort = errors.New("master seed must be at least 32 bytes")

// SimpleKMS derives the enclave's key material deterministically from a
// master seed. The derived keys are kept in locked memory; the seed itself is
// not retained.
//
// The same seed always yields the same enclave public key and record store
// key, so a restarted enclave can open records written by its predecessor.
type SimpleKMS struct {
	// box private key || record store key
	keys      *cryptoutils.LockedBuffer
	publicKey [32]byte
}

// NewSimpleKMS derives the enclave key material from masterSeed. The caller
// still owns masterSeed and should wipe it.
func NewSimpleKMS(masterSeed []byte) (*SimpleKMS, error) {
	if len(masterSeed) < MasterSeedSize {
		return nil, ErrMasterSeedTooShort
	}

	keys, err := cryptoutils.NewLockedBuffer(2 * cryptoutils.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate key memory: %w", err)
	}
	buf, _ := keys.Bytes()

	if err := deriveKey(masterSeed, enclaveBoxKeyInfo, buf[:cryptoutils.KeySize]); err != nil {
		keys.Close()
		return nil, err
	}
	if err := deriveKey(masterSeed, recordStoreKeyInfo, buf[cryptoutils.KeySize:]); err != nil {
		keys.Close()
		return nil, err
	}

	publicKey, err := curve25519.X25519(buf[:cryptoutils.KeySize], curve25519.Basepoint)
	if err != nil {
		keys.Close()
		return nil, fmt.Errorf("failed to derive enclave public key: %w", err)
	}

	k := &SimpleKMS{keys: keys}
	copy(k.publicKey[:], publicKey)
	return k, nil
}

// deriveKey fills out with HKDF-SHA256(seed, info).
func deriveKey(seed []byte, info string, out []byte) error {
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte(info)), out); err != nil {
		return fmt.Errorf("failed to derive %s: %w", info, err)
	}
	return nil
}

// EnclaveKeyPair returns the X25519 keypair requests are sealed to. The
// private key points into locked memory and is invalid after Close.
func (k *SimpleKMS) EnclaveKeyPair() (publicKey, privateKey *[32]byte) {
	pub := k.publicKey
	buf, err := k.keys.Bytes()
	if err != nil {
		return &pub, nil
	}
	return &pub, (*[32]byte)(buf[:cryptoutils.KeySize])
}

// StoreKey returns the key vault records are sealed with at rest.
func (k *SimpleKMS) StoreKey() []byte {
	buf, err := k.keys.Bytes()
	if err != nil {
		return nil
	}
	return buf[cryptoutils.KeySize:]
}

// PublicKey returns the enclave's X25519 public key.
func (k *SimpleKMS) PublicKey() [32]byte {
	return k.publicKey
}

// Close wipes and releases the derived keys.
func (k *SimpleKMS) Close() error {
	return k.keys.Close()
}
