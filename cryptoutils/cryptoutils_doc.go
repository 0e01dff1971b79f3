// Package cryptoutils provides the cryptographic primitives of the signing
// vault: the sealed channel between clients and the enclave, secret buffer
// handling, and encryption of vault records at rest.
//
// # Sealed channel
//
// Requests and responses cross the enclave boundary as sealed envelopes
// produced by NaCl crypto_box (X25519 key agreement, XSalsa20-Poly1305):
//
//   - Seal encrypts for the recipient's public key and authenticates with
//     the sender's private key, so the recipient learns who produced it
//   - Unseal returns the plaintext in a SecretBytes that is wiped on Close
//   - UnsealNonSecret returns a plain slice for payloads that only need integrity
//
// Every failure to open an envelope is reported as ErrUnsealFailed.
//
// # Envelope format
//
// An envelope is a CBOR array with four byte strings:
//
//	[sender public key (32)][nonce (24)][ciphertext][tag (16)]
//
// The recipient's public key is implicit.
//
// # Secrets
//
// Wipe and SecretBytes cover short-lived plaintext. LockedBuffer holds
// long-lived key material in mlock'd memory outside the Go heap.
// EqualSecret compares authentication secrets in constant time.
//
// # Records at rest
//
// RecordCipher seals vault records with XChaCha20-Poly1305, binding each
// record to its storage key as associated data.
//
// # Attestation
//
// AttestationProvider implementations (TDX DCAP, a remote quote service, and
// a dummy for development) attest the enclave's sealing key; clients verify
// DCAP quotes with VerifyDCAPAttestation.
package cryptoutils
