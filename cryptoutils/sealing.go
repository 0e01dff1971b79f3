package cryptoutils

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ruteri/tee-signing-vault/codec"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the size of X25519 public and private keys.
	KeySize = 32
	// NonceSize is the size of the XSalsa20 nonce.
	NonceSize = 24
	// TagSize is the size of the Poly1305 authenticator.
	TagSize = box.Overhead
)

// ErrUnsealFailed is the only error returned for envelopes that cannot be
// opened. Tampering, a wrong key, and a corrupt envelope are not distinguished.
var ErrUnsealFailed = errors.New("unseal failed")

// BoxKeyPair is an X25519 keypair used with the sealed channel.
type BoxKeyPair struct {
	Public  *[KeySize]byte
	Private *[KeySize]byte
}

// GenerateBoxKeyPair creates a fresh random keypair. Clients generate one per request.
func GenerateBoxKeyPair() (BoxKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return BoxKeyPair{}, fmt.Errorf("could not generate box keypair: %w", err)
	}
	return BoxKeyPair{Public: pub, Private: priv}, nil
}

// Wipe zeroes the private half of the keypair.
func (kp BoxKeyPair) Wipe() {
	if kp.Private != nil {
		Wipe(kp.Private[:])
	}
}

// SealedEnvelope is the wire form of one sealed message. The recipient's
// public key is not carried; it is known out of band.
type SealedEnvelope struct {
	SenderPublicKey [KeySize]byte
	Nonce           [NonceSize]byte
	Ciphertext      []byte
	Tag             [TagSize]byte
}

// wireEnvelope is decoded first so field lengths can be checked before
// they are copied into fixed-size arrays.
type wireEnvelope struct {
	_               struct{} `cbor:",toarray"`
	SenderPublicKey []byte
	Nonce           []byte
	Ciphertext      []byte
	Tag             []byte
}

// Encode serializes the envelope.
func (e *SealedEnvelope) Encode() ([]byte, error) {
	return codec.Marshal(&wireEnvelope{
		SenderPublicKey: e.SenderPublicKey[:],
		Nonce:           e.Nonce[:],
		Ciphertext:      e.Ciphertext,
		Tag:             e.Tag[:],
	})
}

// DecodeEnvelope parses a serialized envelope and validates its fixed-width fields.
func DecodeEnvelope(data []byte) (*SealedEnvelope, error) {
	var w wireEnvelope
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if len(w.SenderPublicKey) != KeySize || len(w.Nonce) != NonceSize || len(w.Tag) != TagSize {
		return nil, fmt.Errorf("malformed envelope: field lengths %d/%d/%d", len(w.SenderPublicKey), len(w.Nonce), len(w.Tag))
	}

	env := &SealedEnvelope{Ciphertext: w.Ciphertext}
	copy(env.SenderPublicKey[:], w.SenderPublicKey)
	copy(env.Nonce[:], w.Nonce)
	copy(env.Tag[:], w.Tag)
	return env, nil
}

// Seal encrypts and authenticates plaintext for recipientPublicKey using the
// sender's keypair. The recipient can verify the envelope was produced by the
// sender's private key, not only that it was addressed to them.
func Seal(plaintext []byte, recipientPublicKey *[KeySize]byte, sender BoxKeyPair) (*SealedEnvelope, error) {
	env := &SealedEnvelope{SenderPublicKey: *sender.Public}
	if _, err := rand.Read(env.Nonce[:]); err != nil {
		return nil, fmt.Errorf("could not generate nonce: %w", err)
	}

	// box output is the authenticator followed by the ciphertext
	sealed := box.Seal(nil, plaintext, &env.Nonce, recipientPublicKey, sender.Private)
	copy(env.Tag[:], sealed[:TagSize])
	env.Ciphertext = sealed[TagSize:]
	return env, nil
}

func open(env *SealedEnvelope, recipientPrivateKey *[KeySize]byte) ([]byte, error) {
	if env == nil {
		return nil, ErrUnsealFailed
	}

	combined := make([]byte, 0, TagSize+len(env.Ciphertext))
	combined = append(combined, env.Tag[:]...)
	combined = append(combined, env.Ciphertext...)

	plaintext, ok := box.Open(nil, combined, &env.Nonce, &env.SenderPublicKey, recipientPrivateKey)
	if !ok {
		return nil, ErrUnsealFailed
	}
	return plaintext, nil
}

// Unseal opens an envelope whose payload is secret. The caller must Close
// the returned buffer on every path.
func Unseal(env *SealedEnvelope, recipientPrivateKey *[KeySize]byte) (*SecretBytes, error) {
	plaintext, err := open(env, recipientPrivateKey)
	if err != nil {
		return nil, err
	}
	return NewSecretBytes(plaintext), nil
}

// UnsealNonSecret opens an envelope whose payload needs integrity but not
// scrubbing. It is bit-compatible with Unseal.
func UnsealNonSecret(env *SealedEnvelope, recipientPrivateKey *[KeySize]byte) ([]byte, error) {
	return open(env, recipientPrivateKey)
}

// SealCBOR encodes v, seals it for recipientPublicKey, and returns the
// serialized envelope. The intermediate plaintext is wiped.
func SealCBOR(v any, recipientPublicKey *[KeySize]byte, sender BoxKeyPair) ([]byte, error) {
	plaintext, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not encode payload: %w", err)
	}
	defer Wipe(plaintext)

	env, err := Seal(plaintext, recipientPublicKey, sender)
	if err != nil {
		return nil, err
	}
	return env.Encode()
}

// UnsealCBOR decodes a serialized envelope, opens it, and decodes the
// payload into v. It returns the sender's public key.
func UnsealCBOR(data []byte, recipientPrivateKey *[KeySize]byte, v any) ([KeySize]byte, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return [KeySize]byte{}, err
	}

	plaintext, err := Unseal(env, recipientPrivateKey)
	if err != nil {
		return [KeySize]byte{}, err
	}
	defer plaintext.Close()

	if err := codec.Unmarshal(plaintext.Bytes(), v); err != nil {
		return [KeySize]byte{}, fmt.Errorf("could not decode payload: %w", err)
	}
	return env.SenderPublicKey, nil
}
