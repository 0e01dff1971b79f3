package kms

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/ruteri/tee-signing-vault/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomSeed(t *testing.T) []byte {
	t.Helper()
	seed := make([]byte, MasterSeedSize)
	_, err := rand.Read(seed)
	require.NoError(t, err, "Failed to generate test master seed")
	return seed
}

type testAdmin struct {
	key    *ecdsa.PrivateKey
	pubPEM []byte
}

func newTestAdmins(t *testing.T, n int) []testAdmin {
	t.Helper()
	admins := make([]testAdmin, n)
	for i := range admins {
		privPEM, pubPEM, err := cryptoutils.GenerateAdminKeyPair()
		require.NoError(t, err, "Failed to generate admin key")
		key, err := cryptoutils.ParseAdminPrivateKey(privPEM)
		require.NoError(t, err, "Failed to parse admin key")
		admins[i] = testAdmin{key: key, pubPEM: pubPEM}
	}
	return admins
}

func TestShamirKMS_NewShamirKMS(t *testing.T) {
	seed := randomSeed(t)

	kms, shares, err := NewShamirKMS(seed, 3, 5)
	require.NoError(t, err, "NewShamirKMS should succeed with valid parameters")
	assert.Len(t, shares, 5, "Should generate 5 shares")
	assert.True(t, kms.IsUnlocked(), "KMS should start unlocked when created from a master seed")

	_, _, err = NewShamirKMS(seed, 6, 5)
	assert.Error(t, err, "Should fail when threshold > total shares")

	_, _, err = NewShamirKMS(seed, 1, 5)
	assert.Error(t, err, "Should fail when threshold < 2")

	_, _, err = NewShamirKMS(make([]byte, 16), 3, 5)
	assert.ErrorIs(t, err, ErrMasterSeedTooShort, "Should fail with master seed < 32 bytes")
}

func TestShamirKMS_NewShamirKMSRecovery(t *testing.T) {
	kms := NewShamirKMSRecovery(3)
	assert.Equal(t, 3, kms.Threshold(), "Threshold should be set correctly")
	assert.False(t, kms.IsUnlocked(), "KMS should start in locked state")

	_, err := kms.SimpleKMS()
	assert.ErrorIs(t, err, ErrLocked, "Locked KMS should not hand out keys")
}

func TestShamirKMS_RegisterAdmin(t *testing.T) {
	kms := NewShamirKMSRecovery(3)
	admins := newTestAdmins(t, 1)

	assert.NoError(t, kms.RegisterAdmin(admins[0].pubPEM), "Should register valid admin key")

	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(edPub)
	require.NoError(t, err)
	assert.NoError(t, kms.RegisterAdmin(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
		"Should register ed25519 admin key")

	assert.Error(t, kms.RegisterAdmin([]byte("not-a-valid-pem")), "Should fail with invalid PEM")

	wrongKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: []byte("not-a-valid-key")})
	assert.Error(t, kms.RegisterAdmin(wrongKeyPEM), "Should fail with invalid key")
}

func TestShamirKMS_ShareSubmission(t *testing.T) {
	seed := randomSeed(t)
	original, err := NewSimpleKMS(seed)
	require.NoError(t, err)

	_, shares, err := NewShamirKMS(seed, 3, 5)
	require.NoError(t, err, "Failed to create KMS")

	admins := newTestAdmins(t, 5)
	recovery := NewShamirKMSRecovery(3)
	for _, admin := range admins {
		require.NoError(t, recovery.RegisterAdmin(admin.pubPEM), "Failed to register admin with recovery KMS")
	}

	for i := 0; i < 3; i++ {
		assert.False(t, recovery.IsUnlocked(), "KMS should stay locked below threshold")

		signature, err := SignShare(shares[i], admins[i].key)
		require.NoError(t, err, "Failed to sign share")
		require.NoError(t, recovery.SubmitShare(shares[i], signature, admins[i].pubPEM), "Share submission should succeed")
	}

	require.True(t, recovery.IsUnlocked(), "KMS should be unlocked after threshold shares")
	assert.Zero(t, recovery.ReceivedShares(), "Shares should be discarded after reconstruction")

	recovered, err := recovery.SimpleKMS()
	require.NoError(t, err)
	assert.Equal(t, original.PublicKey(), recovered.PublicKey(), "Recovered KMS should derive the original keys")
	assert.Equal(t, original.StoreKey(), recovered.StoreKey(), "Recovered KMS should derive the original store key")

	signature, err := SignShare(shares[3], admins[3].key)
	require.NoError(t, err)
	assert.ErrorIs(t, recovery.SubmitShare(shares[3], signature, admins[3].pubPEM), ErrAlreadyUnlocked)
}

func TestShamirKMS_ResubmissionDoesNotCount(t *testing.T) {
	seed := randomSeed(t)
	_, shares, err := NewShamirKMS(seed, 2, 3)
	require.NoError(t, err)

	admins := newTestAdmins(t, 2)
	recovery := NewShamirKMSRecovery(2)
	for _, admin := range admins {
		require.NoError(t, recovery.RegisterAdmin(admin.pubPEM))
	}

	for i := 0; i < 2; i++ {
		signature, err := SignShare(shares[i], admins[0].key)
		require.NoError(t, err)
		require.NoError(t, recovery.SubmitShare(shares[i], signature, admins[0].pubPEM))
	}
	assert.False(t, recovery.IsUnlocked(), "One admin submitting twice must not reach the threshold")
	assert.Equal(t, 1, recovery.ReceivedShares())
}

func TestShamirKMS_RejectedSubmissions(t *testing.T) {
	seed := randomSeed(t)
	_, shares, err := NewShamirKMS(seed, 3, 5)
	require.NoError(t, err)

	admins := newTestAdmins(t, 2)
	recovery := NewShamirKMSRecovery(3)
	require.NoError(t, recovery.RegisterAdmin(admins[0].pubPEM))

	err = recovery.SubmitShare(shares[0], []byte("invalid-signature"), admins[0].pubPEM)
	assert.ErrorIs(t, err, cryptoutils.ErrInvalidSignature, "Should fail with invalid signature")

	// signed by a different admin than the one claimed
	signature, err := SignShare(shares[0], admins[1].key)
	require.NoError(t, err)
	err = recovery.SubmitShare(shares[0], signature, admins[0].pubPEM)
	assert.ErrorIs(t, err, cryptoutils.ErrInvalidSignature)

	err = recovery.SubmitShare(shares[0], signature, admins[1].pubPEM)
	assert.ErrorIs(t, err, ErrUnknownAdmin, "Should fail with unregistered admin")

	assert.Zero(t, recovery.ReceivedShares())
}

func TestSplitAndCombineShares(t *testing.T) {
	seed := randomSeed(t)

	shares, err := SplitMasterSeed(seed, 3, 5)
	require.NoError(t, err, "Should split with valid parameters")
	require.Len(t, shares, 5)

	combined, err := CombineShares([][]byte{shares[4], shares[1], shares[2]})
	require.NoError(t, err)
	assert.Equal(t, seed, combined)

	_, err = SplitMasterSeed(seed, 5, 3)
	assert.Error(t, err, "Should fail when threshold > total shares")

	_, err = SplitMasterSeed(make([]byte, 16), 2, 3)
	assert.ErrorIs(t, err, ErrMasterSeedTooShort)

	_, err = CombineShares([][]byte{shares[0]})
	assert.Error(t, err, "A single share cannot be combined")
}

func TestSignShare(t *testing.T) {
	admins := newTestAdmins(t, 1)
	share := []byte("test-share-data")

	signature, err := SignShare(share, admins[0].key)
	require.NoError(t, err, "Should sign share successfully")

	hash := sha256.Sum256(share)
	assert.True(t, ecdsa.VerifyASN1(&admins[0].key.PublicKey, hash[:], signature), "Signature should be valid")
}
