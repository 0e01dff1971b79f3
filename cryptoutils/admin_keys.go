package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto/ecies"
)

var (
	ErrInvalidAdminKey  = errors.New("invalid admin key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// GenerateAdminKeyPair creates a P-256 administrator key pair and returns the
// private and public keys PEM encoded.
func GenerateAdminKeyPair() (privateKeyPEM, publicKeyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes})
	publicKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes})
	return privateKeyPEM, publicKeyPEM, nil
}

// ParseAdminPrivateKey parses a PEM encoded EC private key.
func ParseAdminPrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidAdminKey)
	}
	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAdminKey, err)
	}
	return privateKey, nil
}

// ParseAdminPublicKey parses a PEM encoded PKIX public key. Only ECDSA and
// ed25519 keys are accepted.
func ParseAdminPublicKey(publicKeyPEM []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidAdminKey)
	}
	publicKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAdminKey, err)
	}
	switch publicKey.(type) {
	case *ecdsa.PublicKey, ed25519.PublicKey:
		return publicKey, nil
	default:
		return nil, fmt.Errorf("%w: admin public key is neither ECDSA nor ed25519", ErrInvalidAdminKey)
	}
}

// AdminFingerprint is the hex sha256 of the PEM encoded public key.
func AdminFingerprint(publicKeyPEM []byte) string {
	h := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(h[:])
}

// SignAdminMessage signs sha256(message) with an administrator key.
func SignAdminMessage(privateKey *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, privateKey, digest[:])
}

// VerifyAdminMessage checks a signature produced by SignAdminMessage, or a
// plain ed25519 signature over message for ed25519 keys.
func VerifyAdminMessage(publicKey crypto.PublicKey, message, signature []byte) error {
	switch key := publicKey.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(message)
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return ErrInvalidSignature
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, message, signature) {
			return ErrInvalidSignature
		}
	default:
		return fmt.Errorf("%w: unsupported key type %T", ErrInvalidAdminKey, publicKey)
	}
	return nil
}

// EncryptForAdmin encrypts data to an ECDSA administrator key with ECIES.
func EncryptForAdmin(publicKeyPEM []byte, data []byte) ([]byte, error) {
	publicKey, err := ParseAdminPublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	ecdsaKey, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: encryption needs an ECDSA key", ErrInvalidAdminKey)
	}
	return ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(ecdsaKey), data, nil, nil)
}

// DecryptForAdmin reverses EncryptForAdmin.
func DecryptForAdmin(privateKey *ecdsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	plaintext, err := ecies.ImportECDSA(privateKey).Decrypt(ciphertext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt: %w", err)
	}
	return plaintext, nil
}
