package interfaces

// EnclaveKMS provides the enclave's long-lived key material. Everything it
// returns is derived once at startup and never changes for the process.
type EnclaveKMS interface {
	// EnclaveKeyPair returns the X25519 keypair requests are sealed to.
	EnclaveKeyPair() (publicKey, privateKey *[32]byte)

	// StoreKey returns the 32-byte key vault records are sealed with at rest.
	StoreKey() []byte
}
