package vault

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	algotypes "github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/tee-signing-vault/codec"
	"github.com/ruteri/tee-signing-vault/cryptoutils"
	"github.com/ruteri/tee-signing-vault/interfaces"
	"github.com/ruteri/tee-signing-vault/metrics"
	"github.com/ruteri/tee-signing-vault/signer"
	"github.com/ruteri/tee-signing-vault/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, backend interfaces.KVBackend) (*Dispatcher, *Store) {
	t.Helper()
	store := newTestStore(t, backend)
	d, err := NewDispatcher(store, nil, discardLogger())
	require.NoError(t, err)
	return d, store
}

func createVault(t *testing.T, d *Dispatcher, owner, secret string) *VaultDisplay {
	t.Helper()
	resp, err := d.Dispatch(context.Background(), &VaultRequest{
		CreateVault: &CreateVault{OwnerName: owner, AuthSecret: []byte(secret), PhoneNumber: "+15550100"},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.CreateVault)
	require.Equal(t, StatusCreated, resp.CreateVault.Status, resp.CreateVault.Message)
	return resp.CreateVault.Vault
}

func addressOf(t *testing.T, display *VaultDisplay, chain signer.Chain) string {
	t.Helper()
	for _, account := range display.Accounts {
		if account.Chain == chain {
			return account.Address
		}
	}
	t.Fatalf("no %s account in display", chain)
	return ""
}

func TestNewDispatcher_RequiresIdentityChain(t *testing.T) {
	store := newTestStore(t, storage.NewMemoryBackend())
	_, err := NewDispatcher(store, []signer.Chain{signer.ChainAlgorand}, discardLogger())
	assert.Error(t, err)

	_, err = NewDispatcher(store, []signer.Chain{signer.ChainEthereum, "bitcoin"}, discardLogger())
	assert.ErrorIs(t, err, signer.ErrUnsupportedChain)
}

func TestDispatch_InvalidUnion(t *testing.T) {
	d, _ := newTestDispatcher(t, storage.NewMemoryBackend())

	_, err := d.Dispatch(context.Background(), &VaultRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = d.Dispatch(context.Background(), &VaultRequest{
		OpenVault:         &OpenVault{},
		LoadIdentityCheck: &LoadIdentityCheck{},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDispatch_CreateThenOpen(t *testing.T) {
	ctx := context.Background()
	d, store := newTestDispatcher(t, storage.NewMemoryBackend())

	created := createVault(t, d, "alice", "1234")
	assert.Equal(t, "alice", created.OwnerName)
	require.Len(t, created.Accounts, len(signer.SupportedChains))
	assert.Equal(t, created.VaultID, addressOf(t, created, signer.ChainEthereum))

	resp, err := d.Dispatch(ctx, &VaultRequest{
		OpenVault: &OpenVault{VaultID: created.VaultID, AuthSecret: []byte("1234")},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOpened, resp.OpenVault.Status)
	assert.Equal(t, created, resp.OpenVault.Vault)

	key, err := store.KeyFromID(created.VaultID)
	require.NoError(t, err)
	record, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "+15550100", record.PhoneNumber)
	assert.Equal(t, []byte("1234"), record.AuthSecret)
}

func TestDispatch_CreateRejectsEmptySecret(t *testing.T) {
	d, store := newTestDispatcher(t, storage.NewMemoryBackend())

	resp, err := d.Dispatch(context.Background(), &VaultRequest{
		CreateVault: &CreateVault{OwnerName: "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, resp.CreateVault.Status)
	assert.Nil(t, resp.CreateVault.Vault)

	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDispatch_DisplayCarriesNoSecrets(t *testing.T) {
	ctx := context.Background()
	d, store := newTestDispatcher(t, storage.NewMemoryBackend())
	created := createVault(t, d, "alice", "a-very-distinctive-secret")

	resp, err := d.Dispatch(ctx, &VaultRequest{
		OpenVault: &OpenVault{VaultID: created.VaultID, AuthSecret: []byte("a-very-distinctive-secret")},
	})
	require.NoError(t, err)
	encoded, err := codec.Marshal(resp)
	require.NoError(t, err)

	key, _ := store.KeyFromID(created.VaultID)
	record, err := store.Load(ctx, key)
	require.NoError(t, err)

	assert.False(t, bytes.Contains(encoded, []byte("a-very-distinctive-secret")))
	for _, account := range record.Accounts {
		assert.False(t, bytes.Contains(encoded, account.Seed))
	}
}

func TestDispatch_UnifiedAuthFailure(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t, storage.NewMemoryBackend())
	created := createVault(t, d, "alice", "1234")
	stranger := newTestRecord(t, "nobody", "x")

	for name, req := range map[string]*OpenVault{
		"wrong secret":   {VaultID: created.VaultID, AuthSecret: []byte("4321")},
		"empty secret":   {VaultID: created.VaultID},
		"unknown vault":  {VaultID: stranger.VaultID, AuthSecret: []byte("1234")},
		"malformed id":   {VaultID: "definitely not an address", AuthSecret: []byte("1234")},
		"algorand style": {VaultID: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", AuthSecret: []byte("1234")},
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := d.Dispatch(ctx, &VaultRequest{OpenVault: req})
			require.NoError(t, err)
			assert.Equal(t, &OpenVaultResult{Outcome: Outcome{Status: StatusInvalidAuth}}, resp.OpenVault)
		})
	}

	// the same collapse applies to every authenticated operation
	resp, err := d.Dispatch(ctx, &VaultRequest{
		SignTransaction: &SignTransaction{VaultID: "bad", AuthSecret: []byte("1234")},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusInvalidAuth, resp.SignTransaction.Status)
	assert.Empty(t, resp.SignTransaction.Message)

	resp, err = d.Dispatch(ctx, &VaultRequest{
		LoadIdentityCheck: &LoadIdentityCheck{VaultID: created.VaultID, AuthSecret: []byte("nope")},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusInvalidAuth, resp.LoadIdentityCheck.Status)
}

func TestDispatch_StorageFailureIsNotInvalidAuth(t *testing.T) {
	d, _ := newTestDispatcher(t, failingBackend{KVBackend: storage.NewMemoryBackend()})
	stranger := newTestRecord(t, "nobody", "x")

	resp, err := d.Dispatch(context.Background(), &VaultRequest{
		OpenVault: &OpenVault{VaultID: stranger.VaultID, AuthSecret: []byte("x")},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, resp.OpenVault.Status)
	assert.Contains(t, resp.OpenVault.Message, "disk on fire")
}

func TestDispatch_SignEthereum(t *testing.T) {
	d, _ := newTestDispatcher(t, storage.NewMemoryBackend())
	created := createVault(t, d, "alice", "1234")

	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	unsigned, err := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(100),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(5),
	}).MarshalBinary()
	require.NoError(t, err)

	resp, err := d.Dispatch(context.Background(), &VaultRequest{
		SignTransaction: &SignTransaction{
			VaultID:     created.VaultID,
			AuthSecret:  []byte("1234"),
			Transaction: signer.TransactionToSign{Chain: signer.ChainEthereum, TransactionBytes: unsigned},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusSigned, resp.SignTransaction.Status, resp.SignTransaction.Message)

	var tx ethtypes.Transaction
	require.NoError(t, tx.UnmarshalBinary(resp.SignTransaction.Signed.SignedTransactionBytes))
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), &tx)
	require.NoError(t, err)
	assert.Equal(t, addressOf(t, created, signer.ChainEthereum), from.Hex())
	assert.Len(t, resp.SignTransaction.Signed.SignatureBytes, 65)
}

func TestDispatch_SignAlgorand(t *testing.T) {
	d, _ := newTestDispatcher(t, storage.NewMemoryBackend())
	created := createVault(t, d, "alice", "1234")

	senderAddress := addressOf(t, created, signer.ChainAlgorand)
	sender, err := algotypes.DecodeAddress(senderAddress)
	require.NoError(t, err)

	tx := algotypes.Transaction{
		Type: algotypes.PaymentTx,
		Header: algotypes.Header{
			Sender:      sender,
			Fee:         1000,
			FirstValid:  10,
			LastValid:   1010,
			GenesisHash: algotypes.Digest{7},
		},
		PaymentTxnFields: algotypes.PaymentTxnFields{Receiver: sender, Amount: 1},
	}
	unsigned := append([]byte("TX"), msgpack.Encode(tx)...)

	resp, err := d.Dispatch(context.Background(), &VaultRequest{
		SignTransaction: &SignTransaction{
			VaultID:     created.VaultID,
			AuthSecret:  []byte("1234"),
			Transaction: signer.TransactionToSign{Chain: signer.ChainAlgorand, TransactionBytes: unsigned},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusSigned, resp.SignTransaction.Status, resp.SignTransaction.Message)

	var stx algotypes.SignedTxn
	require.NoError(t, msgpack.Decode(resp.SignTransaction.Signed.SignedTransactionBytes, &stx))
	message := append([]byte("TX"), msgpack.Encode(stx.Txn)...)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(sender[:]), message, stx.Sig[:]))
}

func TestDispatch_XRPLIdentityAndSigning(t *testing.T) {
	store, err := NewStore(storage.NewMemoryBackend(), newTestCipher(t), signer.ChainXRPL, discardLogger())
	require.NoError(t, err)
	d, err := NewDispatcher(store, nil, discardLogger())
	require.NoError(t, err)

	created := createVault(t, d, "alice", "1234")
	assert.Equal(t, addressOf(t, created, signer.ChainXRPL), created.VaultID)
	assert.Equal(t, byte('r'), created.VaultID[0])

	resp, err := d.Dispatch(context.Background(), &VaultRequest{
		SignTransaction: &SignTransaction{
			VaultID:     created.VaultID,
			AuthSecret:  []byte("1234"),
			Transaction: signer.TransactionToSign{Chain: signer.ChainXRPL},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusSigned, resp.SignTransaction.Status, resp.SignTransaction.Message)
	assert.Equal(t, byte(0x30), resp.SignTransaction.Signed.SignatureBytes[0])
}

func TestDispatch_SignDiagnostics(t *testing.T) {
	d, _ := newTestDispatcher(t, storage.NewMemoryBackend())
	created := createVault(t, d, "alice", "1234")

	sign := func(chain signer.Chain, txn []byte) *SignTransactionResult {
		resp, err := d.Dispatch(context.Background(), &VaultRequest{
			SignTransaction: &SignTransaction{
				VaultID:     created.VaultID,
				AuthSecret:  []byte("1234"),
				Transaction: signer.TransactionToSign{Chain: chain, TransactionBytes: txn},
			},
		})
		require.NoError(t, err)
		return resp.SignTransaction
	}

	result := sign(signer.ChainEthereum, nil)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "transaction too short: len = 0", result.Message)

	result = sign(signer.ChainAlgorand, []byte{0x02, 0x01})
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "transaction tag mismatch: expected VFg=, actual AgE=", result.Message)

	result = sign(signer.Chain("bitcoin"), []byte("TX"))
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Message, "bitcoin")
}

func TestDispatch_SignWithoutAccount(t *testing.T) {
	store := newTestStore(t, storage.NewMemoryBackend())
	d, err := NewDispatcher(store, []signer.Chain{signer.ChainEthereum}, discardLogger())
	require.NoError(t, err)
	created := createVault(t, d, "alice", "1234")
	require.Len(t, created.Accounts, 1)

	resp, err := d.Dispatch(context.Background(), &VaultRequest{
		SignTransaction: &SignTransaction{
			VaultID:     created.VaultID,
			AuthSecret:  []byte("1234"),
			Transaction: signer.TransactionToSign{Chain: signer.ChainAlgorand, TransactionBytes: []byte("TX\x80")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, resp.SignTransaction.Status)
	assert.Contains(t, resp.SignTransaction.Message, "algorand")
}

func TestDispatch_IdentityCheckRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, store := newTestDispatcher(t, storage.NewMemoryBackend())
	created := createVault(t, d, "alice", "1234")

	key, err := store.KeyFromID(created.VaultID)
	require.NoError(t, err)
	before, err := store.Load(ctx, key)
	require.NoError(t, err)

	resp, err := d.Dispatch(ctx, &VaultRequest{
		LoadIdentityCheck: &LoadIdentityCheck{VaultID: created.VaultID, AuthSecret: []byte("1234")},
	})
	require.NoError(t, err)
	assert.Equal(t, &LoadIdentityCheckResult{Outcome: Outcome{Status: StatusNotFound}}, resp.LoadIdentityCheck)

	check := IdentityCheckResult{ID: "chk-42", Href: "/v3/checks/chk-42", Result: "consider", SubResult: "caution"}
	resp, err = d.Dispatch(ctx, &VaultRequest{
		SaveIdentityCheck: &SaveIdentityCheck{VaultID: created.VaultID, AuthSecret: []byte("1234"), Check: check},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSaved, resp.SaveIdentityCheck.Status)

	resp, err = d.Dispatch(ctx, &VaultRequest{
		LoadIdentityCheck: &LoadIdentityCheck{VaultID: created.VaultID, AuthSecret: []byte("1234")},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusLoaded, resp.LoadIdentityCheck.Status)
	assert.Equal(t, &check, resp.LoadIdentityCheck.Check)

	after, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, before.OwnerName, after.OwnerName)
	assert.Equal(t, before.PhoneNumber, after.PhoneNumber)
	assert.Equal(t, before.AuthSecret, after.AuthSecret)
	assert.Equal(t, before.Accounts, after.Accounts)
	assert.Equal(t, &check, after.IdentityCheck)

	resp, err = d.Dispatch(ctx, &VaultRequest{
		OpenVault: &OpenVault{VaultID: created.VaultID, AuthSecret: []byte("1234")},
	})
	require.NoError(t, err)
	assert.Equal(t, created, resp.OpenVault.Vault)
}

// outageBackend is a memory backend that can be taken offline.
type outageBackend struct {
	*storage.MemoryBackend
	down bool
}

func (b *outageBackend) Available(ctx context.Context) bool {
	return !b.down
}

func (b *outageBackend) Put(ctx context.Context, key, value []byte) error {
	if b.down {
		return interfaces.ErrBackendUnavailable
	}
	return b.MemoryBackend.Put(ctx, key, value)
}

func TestDispatch_MirrorOutageKeepsIdentityCheckConsistent(t *testing.T) {
	ctx := context.Background()
	first := &outageBackend{MemoryBackend: storage.NewMemoryBackend()}
	second := &outageBackend{MemoryBackend: storage.NewMemoryBackend()}
	mirrored := storage.NewMultiStorageBackend([]interfaces.KVBackend{first, second}, discardLogger())
	d, _ := newTestDispatcher(t, mirrored)
	created := createVault(t, d, "alice", "1234")

	saved := IdentityCheckResult{ID: "chk-1", Result: "clear"}
	resp, err := d.Dispatch(ctx, &VaultRequest{
		SaveIdentityCheck: &SaveIdentityCheck{VaultID: created.VaultID, AuthSecret: []byte("1234"), Check: saved},
	})
	require.NoError(t, err)
	require.Equal(t, StatusSaved, resp.SaveIdentityCheck.Status)

	first.down = true
	resp, err = d.Dispatch(ctx, &VaultRequest{
		SaveIdentityCheck: &SaveIdentityCheck{
			VaultID:    created.VaultID,
			AuthSecret: []byte("1234"),
			Check:      IdentityCheckResult{ID: "chk-2", Result: "consider"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, resp.SaveIdentityCheck.Status)

	first.down = false
	resp, err = d.Dispatch(ctx, &VaultRequest{
		LoadIdentityCheck: &LoadIdentityCheck{VaultID: created.VaultID, AuthSecret: []byte("1234")},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusLoaded, resp.LoadIdentityCheck.Status)
	assert.Equal(t, &saved, resp.LoadIdentityCheck.Check)
}

// collidingBackend reports a stored record under every key it is asked for.
type collidingBackend struct {
	*storage.MemoryBackend
	cipher *cryptoutils.RecordCipher
	puts   int
}

func (b *collidingBackend) Get(_ context.Context, key []byte) ([]byte, error) {
	plaintext, err := codec.Marshal(&VaultRecord{VaultID: "someone-else", AuthSecret: []byte("x")})
	if err != nil {
		return nil, err
	}
	return b.cipher.Seal(key, plaintext)
}

func (b *collidingBackend) Put(ctx context.Context, key, value []byte) error {
	b.puts++
	return b.MemoryBackend.Put(ctx, key, value)
}

func TestDispatch_CreateCollisionAborts(t *testing.T) {
	cipher := newTestCipher(t)
	backend := &collidingBackend{MemoryBackend: storage.NewMemoryBackend(), cipher: cipher}
	store, err := NewStore(backend, cipher, signer.ChainEthereum, discardLogger())
	require.NoError(t, err)
	d, err := NewDispatcher(store, nil, discardLogger())
	require.NoError(t, err)

	resp, err := d.Dispatch(context.Background(), &VaultRequest{
		CreateVault: &CreateVault{OwnerName: "alice", AuthSecret: []byte("1234")},
	})
	assert.ErrorIs(t, err, ErrInvariantViolated)
	assert.Nil(t, resp)
	assert.Zero(t, backend.puts)
}

func TestDispatch_CountsOperations(t *testing.T) {
	d, _ := newTestDispatcher(t, storage.NewMemoryBackend())
	counter := metrics.VaultOperations.WithLabelValues(OpOpenVault, string(StatusInvalidAuth))
	before := testutil.ToFloat64(counter)

	_, err := d.Dispatch(context.Background(), &VaultRequest{
		OpenVault: &OpenVault{VaultID: "bad", AuthSecret: []byte("x")},
	})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
