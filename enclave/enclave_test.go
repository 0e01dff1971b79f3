package enclave

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/tee-signing-vault/cryptoutils"
	"github.com/ruteri/tee-signing-vault/interfaces"
	"github.com/ruteri/tee-signing-vault/kms"
	"github.com/ruteri/tee-signing-vault/metrics"
	"github.com/ruteri/tee-signing-vault/storage"
	"github.com/ruteri/tee-signing-vault/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKMS(t *testing.T) *kms.SimpleKMS {
	t.Helper()
	k, err := kms.NewSimpleKMS(bytes.Repeat([]byte{0x42}, kms.MasterSeedSize))
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k
}

func newTestEnclave(t *testing.T, backend interfaces.KVBackend) *Enclave {
	t.Helper()
	e, err := New(Config{
		KMS:     newTestKMS(t),
		Backend: backend,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return e
}

// exchange seals req to the enclave, runs it, and opens the response.
func exchange(t *testing.T, e *Enclave, req *vault.VaultRequest) *vault.VaultResponse {
	t.Helper()
	client, err := cryptoutils.GenerateBoxKeyPair()
	require.NoError(t, err)

	enclavePub := e.PublicKey()
	sealed, err := cryptoutils.SealCBOR(req, &enclavePub, client)
	require.NoError(t, err)

	out, err := e.Exchange(context.Background(), sealed)
	require.NoError(t, err)

	var resp vault.VaultResponse
	sender, err := cryptoutils.UnsealCBOR(out, client.Private, &resp)
	require.NoError(t, err)
	assert.Equal(t, enclavePub, sender, "response must be sealed by the enclave key")
	return &resp
}

func requireStage(t *testing.T, err error, stage Stage) *ExchangeError {
	t.Helper()
	var exchangeErr *ExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	assert.Equal(t, stage, exchangeErr.Stage)
	return exchangeErr
}

func TestNew_RequiresKMSAndBackend(t *testing.T) {
	_, err := New(Config{Backend: storage.NewMemoryBackend()})
	assert.Error(t, err)

	_, err = New(Config{KMS: newTestKMS(t)})
	assert.Error(t, err)
}

func TestExchange_RoundTrip(t *testing.T) {
	e := newTestEnclave(t, storage.NewMemoryBackend())

	created := exchange(t, e, &vault.VaultRequest{
		CreateVault: &vault.CreateVault{OwnerName: "alice", AuthSecret: []byte("1234")},
	})
	require.NotNil(t, created.CreateVault)
	require.Equal(t, vault.StatusCreated, created.CreateVault.Status)
	vaultID := created.CreateVault.Vault.VaultID

	opened := exchange(t, e, &vault.VaultRequest{
		OpenVault: &vault.OpenVault{VaultID: vaultID, AuthSecret: []byte("1234")},
	})
	require.NotNil(t, opened.OpenVault)
	assert.Equal(t, vault.StatusOpened, opened.OpenVault.Status)
	assert.Equal(t, created.CreateVault.Vault, opened.OpenVault.Vault)

	rejected := exchange(t, e, &vault.VaultRequest{
		OpenVault: &vault.OpenVault{VaultID: vaultID, AuthSecret: []byte("4321")},
	})
	assert.Equal(t, vault.StatusInvalidAuth, rejected.OpenVault.Status)
}

func TestExchange_RestartedEnclaveOpensRecords(t *testing.T) {
	backend := storage.NewMemoryBackend()

	created := exchange(t, newTestEnclave(t, backend), &vault.VaultRequest{
		CreateVault: &vault.CreateVault{OwnerName: "alice", AuthSecret: []byte("1234")},
	})
	vaultID := created.CreateVault.Vault.VaultID

	opened := exchange(t, newTestEnclave(t, backend), &vault.VaultRequest{
		OpenVault: &vault.OpenVault{VaultID: vaultID, AuthSecret: []byte("1234")},
	})
	assert.Equal(t, vault.StatusOpened, opened.OpenVault.Status)
}

func TestExchange_FailureStages(t *testing.T) {
	e := newTestEnclave(t, storage.NewMemoryBackend())
	enclavePub := e.PublicKey()

	client, err := cryptoutils.GenerateBoxKeyPair()
	require.NoError(t, err)
	other, err := cryptoutils.GenerateBoxKeyPair()
	require.NoError(t, err)

	t.Run("garbage envelope", func(t *testing.T) {
		_, err := e.Exchange(context.Background(), []byte("not cbor at all"))
		exchangeErr := requireStage(t, err, StageDecodeEnvelope)
		assert.NotEmpty(t, exchangeErr.Dump)
	})

	t.Run("sealed to another key", func(t *testing.T) {
		sealed, err := cryptoutils.SealCBOR(&vault.VaultRequest{OpenVault: &vault.OpenVault{}}, other.Public, client)
		require.NoError(t, err)
		_, err = e.Exchange(context.Background(), sealed)
		requireStage(t, err, StageUnseal)
		assert.ErrorIs(t, err, cryptoutils.ErrUnsealFailed)
	})

	t.Run("payload is not a request", func(t *testing.T) {
		sealed, err := cryptoutils.SealCBOR("hello", &enclavePub, client)
		require.NoError(t, err)
		_, err = e.Exchange(context.Background(), sealed)
		exchangeErr := requireStage(t, err, StageDecodeRequest)
		assert.Empty(t, exchangeErr.Dump, "plaintext must not be dumped")
	})

	t.Run("empty union", func(t *testing.T) {
		sealed, err := cryptoutils.SealCBOR(&vault.VaultRequest{}, &enclavePub, client)
		require.NoError(t, err)
		_, err = e.Exchange(context.Background(), sealed)
		requireStage(t, err, StageDispatch)
		assert.ErrorIs(t, err, vault.ErrInvalidRequest)
	})
}

func TestExchange_CountsFailures(t *testing.T) {
	e := newTestEnclave(t, storage.NewMemoryBackend())
	counter := metrics.ExchangeFailures.WithLabelValues(string(StageDecodeEnvelope))
	before := testutil.ToFloat64(counter)

	_, err := e.Exchange(context.Background(), []byte{0xff})
	require.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

// brokenKMS hands out a nil private key.
type brokenKMS struct {
	*kms.SimpleKMS
}

func (k brokenKMS) EnclaveKeyPair() (*[32]byte, *[32]byte) {
	pub, _ := k.SimpleKMS.EnclaveKeyPair()
	return pub, nil
}

func TestExchange_RecoversPanic(t *testing.T) {
	e, err := New(Config{KMS: brokenKMS{newTestKMS(t)}, Backend: storage.NewMemoryBackend()})
	require.NoError(t, err)

	client, err := cryptoutils.GenerateBoxKeyPair()
	require.NoError(t, err)
	enclavePub := e.PublicKey()
	sealed, err := cryptoutils.SealCBOR(&vault.VaultRequest{OpenVault: &vault.OpenVault{}}, &enclavePub, client)
	require.NoError(t, err)

	_, err = e.Exchange(context.Background(), sealed)
	exchangeErr := requireStage(t, err, StageUnseal)
	assert.Contains(t, exchangeErr.Err.Error(), "panic")

	// still usable afterwards
	_, err = e.Exchange(context.Background(), []byte{0xff})
	requireStage(t, err, StageDecodeEnvelope)
}

func TestVaultOperation_InvalidParameter(t *testing.T) {
	e := newTestEnclave(t, storage.NewMemoryBackend())
	n, status := e.VaultOperation(nil, make([]byte, 16))
	assert.Zero(t, n)
	assert.Equal(t, interfaces.StatusInvalidParameter, status)
}

func TestVaultOperation_ExchangeFailed(t *testing.T) {
	e := newTestEnclave(t, storage.NewMemoryBackend())
	n, status := e.VaultOperation([]byte("garbage"), make([]byte, 1<<16))
	assert.Zero(t, n)
	assert.Equal(t, interfaces.StatusExchangeFailed, status)
}

func TestVaultOperation_RetryDoesNotRunTwice(t *testing.T) {
	backend := storage.NewMemoryBackend()
	e := newTestEnclave(t, backend)

	client, err := cryptoutils.GenerateBoxKeyPair()
	require.NoError(t, err)
	enclavePub := e.PublicKey()
	sealed, err := cryptoutils.SealCBOR(&vault.VaultRequest{
		CreateVault: &vault.CreateVault{OwnerName: "alice", AuthSecret: []byte("1234")},
	}, &enclavePub, client)
	require.NoError(t, err)

	n, status := e.VaultOperation(sealed, make([]byte, 8))
	require.Equal(t, interfaces.StatusBufferTooShort, status)
	assert.Zero(t, n)

	out := make([]byte, 1<<16)
	n, status = e.VaultOperation(sealed, out)
	require.Equal(t, interfaces.StatusSuccess, status)

	keys, err := backend.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 1, "create must run exactly once across the retry")

	var resp vault.VaultResponse
	_, err = cryptoutils.UnsealCBOR(out[:n], client.Private, &resp)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusCreated, resp.CreateVault.Status)
}

func TestVaultOperation_OtherRequestDropsStash(t *testing.T) {
	backend := storage.NewMemoryBackend()
	e := newTestEnclave(t, backend)

	client, err := cryptoutils.GenerateBoxKeyPair()
	require.NoError(t, err)
	enclavePub := e.PublicKey()
	seal := func(owner string) []byte {
		sealed, err := cryptoutils.SealCBOR(&vault.VaultRequest{
			CreateVault: &vault.CreateVault{OwnerName: owner, AuthSecret: []byte("1234")},
		}, &enclavePub, client)
		require.NoError(t, err)
		return sealed
	}

	first := seal("alice")
	_, status := e.VaultOperation(first, make([]byte, 8))
	require.Equal(t, interfaces.StatusBufferTooShort, status)

	_, status = e.VaultOperation(seal("bob"), make([]byte, 1<<16))
	require.Equal(t, interfaces.StatusSuccess, status)
	assert.Nil(t, e.stash)

	// the first request now runs again and creates a second vault
	_, status = e.VaultOperation(first, make([]byte, 1<<16))
	require.Equal(t, interfaces.StatusSuccess, status)

	keys, err := backend.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestReport(t *testing.T) {
	e := newTestEnclave(t, storage.NewMemoryBackend())

	report, err := e.Report()
	require.NoError(t, err)

	pub := e.PublicKey()
	assert.Equal(t, hex.EncodeToString(pub[:]), report.PublicKey)
	assert.Equal(t, cryptoutils.DummyAttestation.String(), report.AttestationType)

	reportData := cryptoutils.EnclaveReportData(&pub)
	digest := sha256.Sum256(pub[:])
	assert.Equal(t, digest[:], reportData[:32])
	assert.NotEmpty(t, report.Attestation)
}

func TestExchangeError_Message(t *testing.T) {
	err := &ExchangeError{Stage: StageUnseal, Err: cryptoutils.ErrUnsealFailed, Dump: "AAE="}
	assert.Equal(t, "exchange failed at unseal: unseal failed (input: AAE=)", err.Error())

	err = &ExchangeError{Stage: StageDispatch, Err: vault.ErrInvalidRequest}
	assert.NotContains(t, err.Error(), "input")
}
