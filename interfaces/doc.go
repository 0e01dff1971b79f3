// Package interfaces defines the contracts shared between the vault's
// components, separating interface definitions from implementations.
//
// # Storage
//
// KVBackend persists sealed vault records under raw identity-address keys.
// Implementations live in the storage package (file, memory, S3, HashiCorp
// Vault, Postgres, and a mirrored multi-backend). StorageBackendLocation
// parses the URIs those backends are configured from.
//
// # Enclave boundary
//
// BoundaryCaller is the fixed-capacity copy-out call into the enclave and
// Status its result code. The enclave package implements it and the bridge
// package drives it.
//
// # Key material
//
// EnclaveKMS supplies the enclave's sealing keypair and the record store key.
package interfaces
