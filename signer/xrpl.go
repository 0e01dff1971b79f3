package signer

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // XRPL account ids are RIPEMD-160 digests
)

// XRPL transactions carry no leading tag: the input is the canonical binary
// serialization of the transaction's fields, which may be empty.
var xrplTag = []byte{}

// xrplSigningPrefix is the hash prefix of single-signed transactions ("STX\0").
var xrplSigningPrefix = []byte{0x53, 0x54, 0x58, 0x00}

const xrplAlphabetChars = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"

var xrplAlphabet = base58.NewAlphabet(xrplAlphabetChars)

const (
	xrplAccountIDVersion = 0x00
	xrplAccountIDLen     = 20
)

// Serialized type codes.
const (
	xrplTypeUInt16    = 1
	xrplTypeUInt32    = 2
	xrplTypeUInt64    = 3
	xrplTypeHash128   = 4
	xrplTypeHash256   = 5
	xrplTypeAmount    = 6
	xrplTypeBlob      = 7
	xrplTypeAccountID = 8
	xrplTypeSTObject  = 14
	xrplTypeSTArray   = 15
	xrplTypeUInt8     = 16
	xrplTypeHash160   = 17
	xrplTypeVector256 = 19
)

const (
	xrplFieldEndMarker     = 1
	xrplFieldSigningPubKey = 3
	xrplFieldTxnSignature  = 4
)

var errXRPLTruncated = errors.New("truncated xrpl field")

// xrplField is one top-level field of a serialized transaction, header included.
type xrplField struct {
	typeCode  int
	fieldCode int
	raw       []byte
}

func (f xrplField) is(typeCode, fieldCode int) bool {
	return f.typeCode == typeCode && f.fieldCode == fieldCode
}

func (f xrplField) less(typeCode, fieldCode int) bool {
	return f.typeCode < typeCode || (f.typeCode == typeCode && f.fieldCode < fieldCode)
}

type xrplTxn []xrplField

type xrplScheme struct{}

func (xrplScheme) Tag() []byte { return xrplTag }

// Parse splits the transaction into its top-level fields and checks they are
// in canonical order.
func (xrplScheme) Parse(unsigned []byte) (xrplTxn, error) {
	var fields xrplTxn
	for pos := 0; pos < len(unsigned); {
		typeCode, fieldCode, next, err := readXRPLFieldHeader(unsigned, pos)
		if err != nil {
			return nil, err
		}
		if fieldCode == xrplFieldEndMarker && (typeCode == xrplTypeSTObject || typeCode == xrplTypeSTArray) {
			return nil, fmt.Errorf("unexpected end marker at offset %d", pos)
		}
		end, err := skipXRPLValue(unsigned, next, typeCode)
		if err != nil {
			return nil, err
		}
		field := xrplField{typeCode: typeCode, fieldCode: fieldCode, raw: unsigned[pos:end]}
		if n := len(fields); n > 0 && !fields[n-1].less(typeCode, fieldCode) {
			return nil, fmt.Errorf("field %d/%d is not in canonical order", typeCode, fieldCode)
		}
		fields = append(fields, field)
		pos = end
	}
	return fields, nil
}

// Sign inserts the account's SigningPubKey when absent, signs the result with
// the single-signing prefix and returns the transaction with TxnSignature
// inserted along with the detached DER signature.
func (xrplScheme) Sign(tx xrplTxn, seed []byte) ([]byte, []byte, error) {
	key, err := xrplKey(seed)
	if err != nil {
		return nil, nil, err
	}
	defer key.Zero()
	pub := key.PubKey().SerializeCompressed()

	for _, f := range tx {
		switch {
		case f.is(xrplTypeBlob, xrplFieldTxnSignature):
			return nil, nil, errors.New("transaction already carries a TxnSignature")
		case f.is(xrplTypeBlob, xrplFieldSigningPubKey):
			if !bytes.Equal(f.raw, xrplBlobField(xrplFieldSigningPubKey, pub)) {
				return nil, nil, errors.New("SigningPubKey does not belong to this account")
			}
		}
	}

	unsigned := tx.with(xrplTypeBlob, xrplFieldSigningPubKey, xrplBlobField(xrplFieldSigningPubKey, pub))
	digest := xrplSigningHash(unsigned.bytes())
	signature := ecdsa.Sign(key, digest).Serialize()

	signed := unsigned.with(xrplTypeBlob, xrplFieldTxnSignature, xrplBlobField(xrplFieldTxnSignature, signature))
	return signed.bytes(), signature, nil
}

// with returns the fields with raw inserted in canonical position, unless a
// field with the same id is already present.
func (tx xrplTxn) with(typeCode, fieldCode int, raw []byte) xrplTxn {
	out := make(xrplTxn, 0, len(tx)+1)
	inserted := false
	for _, f := range tx {
		if f.is(typeCode, fieldCode) {
			inserted = true
		}
		if !inserted && !f.less(typeCode, fieldCode) {
			out = append(out, xrplField{typeCode: typeCode, fieldCode: fieldCode, raw: raw})
			inserted = true
		}
		out = append(out, f)
	}
	if !inserted {
		out = append(out, xrplField{typeCode: typeCode, fieldCode: fieldCode, raw: raw})
	}
	return out
}

func (tx xrplTxn) bytes() []byte {
	var buf bytes.Buffer
	for _, f := range tx {
		buf.Write(f.raw)
	}
	return buf.Bytes()
}

// xrplSigningHash is SHA-512Half over the single-signing prefix and the transaction.
func xrplSigningHash(txn []byte) []byte {
	h := sha512.New()
	h.Write(xrplSigningPrefix)
	h.Write(txn)
	return h.Sum(nil)[:32]
}

// xrplBlobField encodes a Blob field whose type and field codes both fit in
// the one-byte header form.
func xrplBlobField(fieldCode int, value []byte) []byte {
	out := []byte{byte(xrplTypeBlob<<4 | fieldCode)}
	out = append(out, encodeXRPLLength(len(value))...)
	return append(out, value...)
}

func readXRPLFieldHeader(data []byte, pos int) (typeCode, fieldCode, next int, err error) {
	if pos >= len(data) {
		return 0, 0, 0, errXRPLTruncated
	}
	b := data[pos]
	typeCode, fieldCode = int(b>>4), int(b&0x0f)
	pos++
	if typeCode == 0 {
		if pos >= len(data) {
			return 0, 0, 0, errXRPLTruncated
		}
		typeCode = int(data[pos])
		pos++
	}
	if fieldCode == 0 {
		if pos >= len(data) {
			return 0, 0, 0, errXRPLTruncated
		}
		fieldCode = int(data[pos])
		pos++
	}
	return typeCode, fieldCode, pos, nil
}

// skipXRPLValue returns the offset just past the value of a field of typeCode
// starting at pos.
func skipXRPLValue(data []byte, pos int, typeCode int) (int, error) {
	fixed := func(n int) (int, error) {
		if pos+n > len(data) {
			return 0, errXRPLTruncated
		}
		return pos + n, nil
	}

	switch typeCode {
	case xrplTypeUInt8:
		return fixed(1)
	case xrplTypeUInt16:
		return fixed(2)
	case xrplTypeUInt32:
		return fixed(4)
	case xrplTypeUInt64:
		return fixed(8)
	case xrplTypeHash128:
		return fixed(16)
	case xrplTypeHash160:
		return fixed(20)
	case xrplTypeHash256:
		return fixed(32)
	case xrplTypeAmount:
		if pos >= len(data) {
			return 0, errXRPLTruncated
		}
		switch {
		case data[pos]&0x80 != 0:
			return fixed(48) // issued currency
		case data[pos]&0x20 != 0:
			return fixed(33) // multi-purpose token
		default:
			return fixed(8) // drops
		}
	case xrplTypeBlob, xrplTypeAccountID, xrplTypeVector256:
		n, start, err := decodeXRPLLength(data, pos)
		if err != nil {
			return 0, err
		}
		pos = start
		return fixed(n)
	case xrplTypeSTObject:
		return skipXRPLObject(data, pos)
	case xrplTypeSTArray:
		for {
			t, f, next, err := readXRPLFieldHeader(data, pos)
			if err != nil {
				return 0, err
			}
			if t == xrplTypeSTArray && f == xrplFieldEndMarker {
				return next, nil
			}
			if t != xrplTypeSTObject {
				return 0, fmt.Errorf("array element of type %d is not an object", t)
			}
			if pos, err = skipXRPLObject(data, next); err != nil {
				return 0, err
			}
		}
	default:
		return 0, fmt.Errorf("unsupported xrpl field type %d", typeCode)
	}
}

func skipXRPLObject(data []byte, pos int) (int, error) {
	for {
		t, f, next, err := readXRPLFieldHeader(data, pos)
		if err != nil {
			return 0, err
		}
		if t == xrplTypeSTObject && f == xrplFieldEndMarker {
			return next, nil
		}
		if pos, err = skipXRPLValue(data, next, t); err != nil {
			return 0, err
		}
	}
}

// decodeXRPLLength reads a variable length prefix and returns the length and
// the offset of the data that follows it.
func decodeXRPLLength(data []byte, pos int) (int, int, error) {
	if pos >= len(data) {
		return 0, 0, errXRPLTruncated
	}
	b1 := int(data[pos])
	switch {
	case b1 <= 192:
		return b1, pos + 1, nil
	case b1 <= 240:
		if pos+1 >= len(data) {
			return 0, 0, errXRPLTruncated
		}
		return 193 + (b1-193)*256 + int(data[pos+1]), pos + 2, nil
	case b1 <= 254:
		if pos+2 >= len(data) {
			return 0, 0, errXRPLTruncated
		}
		return 12481 + (b1-241)*65536 + int(data[pos+1])*256 + int(data[pos+2]), pos + 3, nil
	default:
		return 0, 0, fmt.Errorf("invalid xrpl length prefix 0x%x", b1)
	}
}

func encodeXRPLLength(n int) []byte {
	switch {
	case n <= 192:
		return []byte{byte(n)}
	case n <= 12480:
		n -= 193
		return []byte{byte(193 + n>>8), byte(n)}
	default:
		n -= 12481
		return []byte{byte(241 + n>>16), byte(n >> 8), byte(n)}
	}
}

func xrplKey(seed []byte) (*secp256k1.PrivateKey, error) {
	if len(seed) != 32 {
		return nil, fmt.Errorf("%w: xrpl seed must be 32 bytes", ErrInvalidSeed)
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(seed); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("%w: xrpl seed is not a valid secp256k1 scalar", ErrInvalidSeed)
	}
	return secp256k1.NewPrivateKey(&scalar), nil
}

func generateXRPLSeed() ([]byte, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("could not generate xrpl key: %w", err)
	}
	defer key.Zero()
	return key.Serialize(), nil
}

// xrplAccountID is RIPEMD-160 of SHA-256 of the compressed public key.
func xrplAccountID(pub []byte) []byte {
	sum := sha256.Sum256(pub)
	h := ripemd160.New()
	h.Write(sum[:])
	return h.Sum(nil)
}

func xrplAddress(seed []byte) (string, error) {
	key, err := xrplKey(seed)
	if err != nil {
		return "", err
	}
	defer key.Zero()
	return encodeXRPLAddress(xrplAccountID(key.PubKey().SerializeCompressed()))
}

func xrplChecksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}

func encodeXRPLAddress(raw []byte) (string, error) {
	if len(raw) != xrplAccountIDLen {
		return "", fmt.Errorf("%w: xrpl account id must be %d bytes", ErrInvalidAddress, xrplAccountIDLen)
	}
	payload := append([]byte{xrplAccountIDVersion}, raw...)
	return base58.EncodeAlphabet(append(payload, xrplChecksum(payload)...), xrplAlphabet), nil
}

func decodeXRPLAddress(address string) ([]byte, error) {
	decoded, err := base58.DecodeAlphabet(address, xrplAlphabet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(decoded) != 1+xrplAccountIDLen+4 || decoded[0] != xrplAccountIDVersion {
		return nil, fmt.Errorf("%w: not an xrpl account address", ErrInvalidAddress)
	}
	payload, checksum := decoded[:1+xrplAccountIDLen], decoded[1+xrplAccountIDLen:]
	if !bytes.Equal(checksum, xrplChecksum(payload)) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return append([]byte(nil), payload[1:]...), nil
}
