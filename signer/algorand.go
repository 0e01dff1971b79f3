package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/ruteri/tee-signing-vault/cryptoutils"
)

// algorandTag prefixes the canonical msgpack encoding of every transaction
// that is signed on Algorand.
var algorandTag = []byte("TX")

type algorandTxn = types.Transaction

type algorandScheme struct{}

func (algorandScheme) Tag() []byte { return algorandTag }

func (algorandScheme) Parse(unsigned []byte) (algorandTxn, error) {
	var tx types.Transaction
	if err := msgpack.Decode(unsigned[len(algorandTag):], &tx); err != nil {
		return types.Transaction{}, err
	}
	return tx, nil
}

// Sign returns the msgpack encoded SignedTxn. Algorand has no detached signature.
func (algorandScheme) Sign(tx algorandTxn, seed []byte) ([]byte, []byte, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("%w: algorand seed must be %d bytes", ErrInvalidSeed, ed25519.SeedSize)
	}
	sk := ed25519.NewKeyFromSeed(seed)
	defer cryptoutils.Wipe(sk)

	_, stx, err := crypto.SignTransaction(sk, tx)
	if err != nil {
		return nil, nil, err
	}
	return stx, nil, nil
}

func generateAlgorandSeed() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("could not generate algorand seed: %w", err)
	}
	return seed, nil
}

func algorandAddress(seed []byte) (string, error) {
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("%w: algorand seed must be %d bytes", ErrInvalidSeed, ed25519.SeedSize)
	}
	sk := ed25519.NewKeyFromSeed(seed)
	defer cryptoutils.Wipe(sk)

	var addr types.Address
	copy(addr[:], sk.Public().(ed25519.PublicKey))
	return addr.String(), nil
}

func decodeAlgorandAddress(address string) ([]byte, error) {
	addr, err := types.DecodeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return addr[:], nil
}

func encodeAlgorandAddress(raw []byte) (string, error) {
	var addr types.Address
	if len(raw) != len(addr) {
		return "", fmt.Errorf("%w: algorand address must be %d bytes", ErrInvalidAddress, len(addr))
	}
	copy(addr[:], raw)
	return addr.String(), nil
}
