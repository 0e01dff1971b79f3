/*
Package enclave is the trusted half of the signing vault.

An Enclave owns the enclave keypair and the record store key (through an
interfaces.EnclaveKMS) and exposes a single entry point, VaultOperation,
which takes a sealed vault request and writes back a sealed response. The
host never sees plaintext requests, responses or records.

Each call runs one sealed exchange:

	decode envelope -> unseal -> decode request -> dispatch
	  -> encode response -> seal to the caller -> encode envelope

A failure in any step aborts the exchange with an *ExchangeError naming the
step. Only the still-sealed input is ever included in diagnostics.

When the caller's output buffer is too small the response is kept and
returned on a retry carrying the same request bytes, so a retried
CreateVault does not create a second vault.
*/
package enclave
