package vault

import (
	"testing"

	"github.com/ruteri/tee-signing-vault/codec"
	"github.com/ruteri/tee-signing-vault/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultResponse_OutcomeIsFlattened(t *testing.T) {
	resp := &VaultResponse{OpenVault: &OpenVaultResult{Outcome: failed("boom %d", 1)}}
	encoded, err := codec.Marshal(resp)
	require.NoError(t, err)

	var generic map[string]map[string]any
	require.NoError(t, codec.Unmarshal(encoded, &generic))
	assert.Equal(t, map[string]map[string]any{
		"open_vault": {"status": "failed", "message": "boom 1"},
	}, generic)

	var decoded VaultResponse
	require.NoError(t, codec.Unmarshal(encoded, &decoded))
	assert.Equal(t, resp, &decoded)
}

func TestVaultRequest_Operation(t *testing.T) {
	op, err := (&VaultRequest{SaveIdentityCheck: &SaveIdentityCheck{}}).Operation()
	require.NoError(t, err)
	assert.Equal(t, OpSaveIdentityCheck, op)

	_, err = (&VaultRequest{}).Operation()
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = (&VaultResponse{CreateVault: &CreateVaultResult{}, OpenVault: &OpenVaultResult{}}).Operation()
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = (&VaultResponse{}).Outcome()
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestVaultRequest_Wipe(t *testing.T) {
	req := &VaultRequest{SignTransaction: &SignTransaction{
		VaultID:     "0x000000000000000000000000000000000000dEaD",
		AuthSecret:  []byte("1234"),
		Transaction: signer.TransactionToSign{Chain: signer.ChainEthereum, TransactionBytes: []byte{2}},
	}}
	secret := req.SignTransaction.AuthSecret

	req.Wipe()
	assert.Equal(t, []byte{0, 0, 0, 0}, secret)
	assert.Equal(t, []byte{2}, req.SignTransaction.Transaction.TransactionBytes)
}

func TestVaultRecord_Display(t *testing.T) {
	record := newTestRecord(t, "alice", "1234")
	display, err := record.Display()
	require.NoError(t, err)

	assert.Equal(t, record.VaultID, display.VaultID)
	assert.Equal(t, "alice", display.OwnerName)
	require.Len(t, display.Accounts, len(record.Accounts))
	for i, account := range record.Accounts {
		address, err := signer.Address(account.Chain, account.Seed)
		require.NoError(t, err)
		assert.Equal(t, AccountDisplay{Chain: account.Chain, Address: address}, display.Accounts[i])
	}

	record.Accounts = append(record.Accounts, AccountKeyMaterial{Chain: signer.ChainAlgorand, Seed: []byte{1}})
	_, err = record.Display()
	assert.ErrorIs(t, err, signer.ErrInvalidSeed)
}
