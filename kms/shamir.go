package kms

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/tee-signing-vault/cryptoutils"
)

var (
	ErrLocked          = errors.New("KMS is locked - need more shares to unlock")
	ErrAlreadyUnlocked = errors.New("KMS is already unlocked")
	ErrUnknownAdmin    = errors.New("unregistered admin public key")
)

// ShamirKMS gates a SimpleKMS behind Shamir Secret Sharing of its master
// seed. The seed is split into shares held by administrators; a threshold of
// signed shares must be submitted before the vault's keys are derived.
//
// The master seed is never persisted. After reconstruction it is only used
// to derive the SimpleKMS and is wiped together with the received shares.
type ShamirKMS struct {
	mu             sync.RWMutex
	simple         *SimpleKMS        // set once unlocked
	threshold      int               // shares required to reconstruct the seed
	receivedShares map[string][]byte // admin fingerprint -> share
	adminPubKeys   map[string][]byte // admin fingerprint -> public key PEM
}

// SplitMasterSeed splits seed into totalShares shares, any threshold of
// which reconstruct it.
func SplitMasterSeed(seed []byte, threshold, totalShares int) ([][]byte, error) {
	if len(seed) < MasterSeedSize {
		return nil, ErrMasterSeedTooShort
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if totalShares < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}
	if totalShares > 255 {
		return nil, errors.New("at most 255 shares are supported")
	}

	shares, err := shamir.Split(seed, totalShares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split master seed: %w", err)
	}
	return shares, nil
}

// CombineShares reconstructs a master seed. With fewer shares than the split
// threshold the result is a wrong seed, not an error; the derived enclave
// public key reveals the mismatch.
func CombineShares(shares [][]byte) ([]byte, error) {
	seed, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct master seed: %w", err)
	}
	return seed, nil
}

// NewShamirKMS creates an unlocked KMS from a fresh master seed and returns
// the shares to distribute. The caller should wipe masterSeed afterwards.
func NewShamirKMS(masterSeed []byte, threshold, totalShares int) (*ShamirKMS, [][]byte, error) {
	shares, err := SplitMasterSeed(masterSeed, threshold, totalShares)
	if err != nil {
		return nil, nil, err
	}

	simple, err := NewSimpleKMS(masterSeed)
	if err != nil {
		return nil, nil, err
	}

	return &ShamirKMS{
		simple:         simple,
		threshold:      threshold,
		receivedShares: make(map[string][]byte),
		adminPubKeys:   make(map[string][]byte),
	}, shares, nil
}

// NewShamirKMSRecovery creates a locked KMS waiting for threshold shares.
func NewShamirKMSRecovery(threshold int) *ShamirKMS {
	return &ShamirKMS{
		threshold:      threshold,
		receivedShares: make(map[string][]byte),
		adminPubKeys:   make(map[string][]byte),
	}
}

// RegisterAdmin allows the holder of publicKeyPEM to submit a share.
func (k *ShamirKMS) RegisterAdmin(publicKeyPEM []byte) error {
	if _, err := cryptoutils.ParseAdminPublicKey(publicKeyPEM); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.adminPubKeys[cryptoutils.AdminFingerprint(publicKeyPEM)] = publicKeyPEM
	return nil
}

// SubmitShare accepts one administrator's share. The signature must verify
// under the admin's registered key (see SignShare). Once threshold distinct
// admins have submitted, the seed is reconstructed and the KMS unlocks.
// A later submission from the same admin replaces the earlier share.
func (k *ShamirKMS) SubmitShare(share, signature, adminPubKeyPEM []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.simple != nil {
		return ErrAlreadyUnlocked
	}

	fingerprint := cryptoutils.AdminFingerprint(adminPubKeyPEM)
	registered, found := k.adminPubKeys[fingerprint]
	if !found || !bytes.Equal(registered, adminPubKeyPEM) {
		return ErrUnknownAdmin
	}

	publicKey, err := cryptoutils.ParseAdminPublicKey(registered)
	if err != nil {
		return err
	}
	if err := cryptoutils.VerifyAdminMessage(publicKey, share, signature); err != nil {
		return err
	}

	if previous, ok := k.receivedShares[fingerprint]; ok {
		cryptoutils.Wipe(previous)
	}
	k.receivedShares[fingerprint] = bytes.Clone(share)

	return k.tryReconstruct()
}

// tryReconstruct combines the received shares once there are enough of them.
func (k *ShamirKMS) tryReconstruct() error {
	if len(k.receivedShares) < k.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(k.receivedShares))
	for _, share := range k.receivedShares {
		shares = append(shares, share)
	}

	seed, err := CombineShares(shares)
	if err != nil {
		return err
	}
	defer cryptoutils.Wipe(seed)

	simple, err := NewSimpleKMS(seed)
	if err != nil {
		return err
	}
	k.simple = simple

	for fingerprint, share := range k.receivedShares {
		cryptoutils.Wipe(share)
		delete(k.receivedShares, fingerprint)
	}
	return nil
}

// ReceivedShares is the number of admins that have submitted a share.
func (k *ShamirKMS) ReceivedShares() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.receivedShares)
}

func (k *ShamirKMS) Threshold() int {
	return k.threshold
}

// IsUnlocked reports whether the master seed has been reconstructed.
func (k *ShamirKMS) IsUnlocked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.simple != nil
}

// SimpleKMS returns the derived key material once unlocked.
func (k *ShamirKMS) SimpleKMS() (*SimpleKMS, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.simple == nil {
		return nil, ErrLocked
	}
	return k.simple, nil
}

// SignShare signs a share for submission with an administrator's key.
func SignShare(share []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	return cryptoutils.SignAdminMessage(privateKey, share)
}
