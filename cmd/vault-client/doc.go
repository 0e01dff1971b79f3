// Command vault-client creates vaults and signs transactions against a
// running vault-server.
//
//	vault-client create --owner-name alice --auth-secret s3cret
//	vault-client sign --vault-id 0x... --auth-secret s3cret --chain ethereum --tx 02f8...
//
// With --verify-attestation the enclave key is only trusted after its
// qemu-tdx quote checks out, optionally against --expected-measurement.
package main
