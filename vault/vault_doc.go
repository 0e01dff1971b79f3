// Package vault holds the vault record model, the sealed record store and
// the stateless dispatcher that runs vault requests inside the enclave.
//
// # Records
//
// A VaultRecord carries the owner's auth secret and one seed per configured
// chain. It is encoded with the codec package, sealed with a
// cryptoutils.RecordCipher bound to its storage key and written to an
// interfaces.KVBackend. The storage key is the raw address of the vault's
// identity-chain account, so the vault id is that account's text address.
//
// Every in-memory record is wiped once the operation that loaded it returns.
//
// # Requests
//
// VaultRequest and VaultResponse are unions with one pointer field per
// operation:
//
//	CreateVault        -> created | failed
//	OpenVault          -> opened | invalid_auth | failed
//	SignTransaction    -> signed | invalid_auth | failed
//	SaveIdentityCheck  -> saved | invalid_auth | failed
//	LoadIdentityCheck  -> loaded | not_found | invalid_auth | failed
//
// An unknown vault id and a wrong auth secret both produce invalid_auth.
package vault
