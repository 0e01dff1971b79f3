// Package signer signs chain transactions with vault key material. Each
// supported chain is a Scheme; Sign selects the scheme for a Chain and runs
// the shared tag-check, parse, sign flow.
package signer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
)

// Chain identifies a supported blockchain.
type Chain string

const (
	ChainAlgorand Chain = "algorand"
	ChainEthereum Chain = "ethereum"
	ChainXRPL     Chain = "xrpl"
)

// SupportedChains lists every chain a vault holds key material for, in the
// order accounts are created.
var SupportedChains = []Chain{ChainAlgorand, ChainEthereum, ChainXRPL}

var (
	ErrUnsupportedChain = errors.New("unsupported chain")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidSeed      = errors.New("invalid seed")
)

// ParseChain validates a chain name.
func ParseChain(name string) (Chain, error) {
	for _, c := range SupportedChains {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedChain, name)
}

// TransactionToSign carries an unsigned transaction in the chain's wire form.
type TransactionToSign struct {
	Chain            Chain  `cbor:"chain"`
	TransactionBytes []byte `cbor:"transaction_bytes"`
}

// TransactionSigned carries the signed transaction. SignatureBytes is only
// set for chains that also return a detached signature: the [R || S || V]
// signature on Ethereum and the DER signature on XRPL.
type TransactionSigned struct {
	Chain                  Chain  `cbor:"chain"`
	SignedTransactionBytes []byte `cbor:"signed_transaction_bytes"`
	SignatureBytes         []byte `cbor:"signature_bytes,omitempty"`
}

// TooShortError is returned when the input cannot even hold the chain's tag.
type TooShortError struct {
	Len int
}

func (e *TooShortError) Error() string {
	return fmt.Sprintf("transaction too short: len = %d", e.Len)
}

// TagMismatchError is returned when the input's leading bytes are not the
// chain's tag.
type TagMismatchError struct {
	Expected []byte
	Actual   []byte
}

func (e *TagMismatchError) Error() string {
	return fmt.Sprintf("transaction tag mismatch: expected %s, actual %s",
		base64.StdEncoding.EncodeToString(e.Expected),
		base64.StdEncoding.EncodeToString(e.Actual))
}

// Scheme is the signing capability of one chain. Parse receives the whole
// input, tag included, after the tag has been checked.
type Scheme[T any] interface {
	Tag() []byte
	Parse(unsigned []byte) (T, error)
	Sign(tx T, seed []byte) (signed []byte, signature []byte, err error)
}

func signWith[T any](scheme Scheme[T], seed, unsigned []byte) (signed, signature []byte, err error) {
	tag := scheme.Tag()
	if len(unsigned) < len(tag) {
		return nil, nil, &TooShortError{Len: len(unsigned)}
	}
	if !bytes.Equal(unsigned[:len(tag)], tag) {
		return nil, nil, &TagMismatchError{
			Expected: tag,
			Actual:   append([]byte(nil), unsigned[:len(tag)]...),
		}
	}

	tx, err := scheme.Parse(unsigned)
	if err != nil {
		return nil, nil, fmt.Errorf("could not parse transaction: %w", err)
	}

	signed, signature, err = scheme.Sign(tx, seed)
	if err != nil {
		return nil, nil, fmt.Errorf("could not sign transaction: %w", err)
	}
	return signed, signature, nil
}

// Sign signs unsigned for chain with the account derived from seed.
func Sign(chain Chain, seed []byte, unsigned []byte) (*TransactionSigned, error) {
	var (
		signed, signature []byte
		err               error
	)

	switch chain {
	case ChainAlgorand:
		signed, signature, err = signWith(Scheme[algorandTxn](algorandScheme{}), seed, unsigned)
	case ChainEthereum:
		signed, signature, err = signWith(Scheme[ethereumTxn](ethereumScheme{}), seed, unsigned)
	case ChainXRPL:
		signed, signature, err = signWith(Scheme[xrplTxn](xrplScheme{}), seed, unsigned)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChain, chain)
	}
	if err != nil {
		return nil, err
	}

	return &TransactionSigned{
		Chain:                  chain,
		SignedTransactionBytes: signed,
		SignatureBytes:         signature,
	}, nil
}

// GenerateSeed creates fresh key material for chain.
func GenerateSeed(chain Chain) ([]byte, error) {
	switch chain {
	case ChainAlgorand:
		return generateAlgorandSeed()
	case ChainEthereum:
		return generateEthereumSeed()
	case ChainXRPL:
		return generateEthereumSeed()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChain, chain)
	}
}

// Address returns the public address of the account derived from seed, in
// the chain's canonical text form.
func Address(chain Chain, seed []byte) (string, error) {
	switch chain {
	case ChainAlgorand:
		return algorandAddress(seed)
	case ChainEthereum:
		return ethereumAddress(seed)
	case ChainXRPL:
		return ethereumAddress(seed)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedChain, chain)
	}
}

// DecodeAddress parses a text address into its raw bytes.
func DecodeAddress(chain Chain, address string) ([]byte, error) {
	switch chain {
	case ChainAlgorand:
		return decodeAlgorandAddress(address)
	case ChainEthereum:
		return decodeEthereumAddress(address)
	case ChainXRPL:
		return decodeEthereumAddress(address)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChain, chain)
	}
}

// EncodeAddress renders raw address bytes, as returned by DecodeAddress, in
// the chain's text form.
func EncodeAddress(chain Chain, raw []byte) (string, error) {
	switch chain {
	case ChainAlgorand:
		return encodeAlgorandAddress(raw)
	case ChainEthereum:
		return encodeEthereumAddress(raw)
	case ChainXRPL:
		return encodeEthereumAddress(raw)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedChain, chain)
	}
}
