package signer

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ethereumTag is the EIP-2718 type byte of EIP-1559 dynamic fee transactions.
var ethereumTag = []byte{types.DynamicFeeTxType}

type ethereumTxn = *types.Transaction

type ethereumScheme struct{}

func (ethereumScheme) Tag() []byte { return ethereumTag }

func (ethereumScheme) Parse(unsigned []byte) (ethereumTxn, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(unsigned); err != nil {
		return nil, err
	}
	return tx, nil
}

// Sign returns the signed typed envelope and the detached [R || S || V]
// signature over the transaction's signing hash.
func (ethereumScheme) Sign(tx ethereumTxn, seed []byte) ([]byte, []byte, error) {
	key, err := ethereumKey(seed)
	if err != nil {
		return nil, nil, err
	}
	defer scrubECDSA(key)

	signer := types.LatestSignerForChainID(tx.ChainId())
	signature, err := crypto.Sign(signer.Hash(tx).Bytes(), key)
	if err != nil {
		return nil, nil, err
	}

	signedTx, err := tx.WithSignature(signer, signature)
	if err != nil {
		return nil, nil, err
	}

	signed, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return signed, signature, nil
}

func ethereumKey(seed []byte) (*ecdsa.PrivateKey, error) {
	key, err := crypto.ToECDSA(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return key, nil
}

func scrubECDSA(key *ecdsa.PrivateKey) {
	if key != nil && key.D != nil {
		key.D.SetInt64(0)
	}
}

func generateEthereumSeed() ([]byte, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("could not generate ethereum key: %w", err)
	}
	defer scrubECDSA(key)
	return crypto.FromECDSA(key), nil
}

func ethereumAddress(seed []byte) (string, error) {
	key, err := ethereumKey(seed)
	if err != nil {
		return "", err
	}
	defer scrubECDSA(key)
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// decodeEthereumAddress accepts a 20-byte hex address with or without 0x.
// Mixed-case input must carry a valid EIP-55 checksum.
func decodeEthereumAddress(address string) ([]byte, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %q is not a hex address", ErrInvalidAddress, address)
	}
	addr := common.HexToAddress(address)

	body := strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if strings.TrimPrefix(addr.Hex(), "0x") != body {
			return nil, fmt.Errorf("%w: %q has an invalid checksum", ErrInvalidAddress, address)
		}
	}
	return addr.Bytes(), nil
}

func encodeEthereumAddress(raw []byte) (string, error) {
	if len(raw) != common.AddressLength {
		return "", fmt.Errorf("%w: ethereum address must be %d bytes", ErrInvalidAddress, common.AddressLength)
	}
	return common.BytesToAddress(raw).Hex(), nil
}
