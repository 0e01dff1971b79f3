package interfaces

import "fmt"

// Status is the result code of one enclave boundary call.
type Status int

const (
	StatusSuccess Status = iota
	// StatusBufferTooShort means the response did not fit the output buffer.
	// The caller may retry the same request with a larger buffer.
	StatusBufferTooShort
	StatusInvalidParameter
	// StatusExchangeFailed means the sealed exchange aborted before a
	// response was produced (framing, unseal, or invariant failure).
	StatusExchangeFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusBufferTooShort:
		return "buffer too short"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusExchangeFailed:
		return "exchange failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// BoundaryCaller is the single entry point into the enclave. It copies the
// sealed response into out and returns the number of bytes written. When
// out is too small it returns StatusBufferTooShort and writes nothing.
type BoundaryCaller interface {
	VaultOperation(in []byte, out []byte) (int, Status)
}
