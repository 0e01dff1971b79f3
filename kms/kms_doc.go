// Package kms provides the enclave's long-lived key material.
//
// Everything the vault needs is derived from a single master seed with
// HKDF-SHA256:
//
//   - the enclave's X25519 box keypair, which callers seal requests to
//   - the record store key, which seals vault records at rest
//
// # SimpleKMS
//
// SimpleKMS performs the derivation and keeps the derived keys in locked
// memory. It implements interfaces.EnclaveKMS. The same seed always yields
// the same keys, so a restarted enclave reopens its predecessor's records
// and keeps its public key.
//
// # ShamirKMS
//
// ShamirKMS keeps the master seed out of any single operator's hands. The
// seed is split with Shamir Secret Sharing and the shares are handed to
// administrators. On startup the KMS is locked until a threshold of
// administrators submit their shares, each signed with the administrator's
// registered key:
//
//	k := kms.NewShamirKMSRecovery(3)
//	k.RegisterAdmin(adminPubKeyPEM)
//	signature, _ := kms.SignShare(share, adminPrivateKey)
//	k.SubmitShare(share, signature, adminPubKeyPEM)
//	simple, err := k.SimpleKMS()
//
// Once the seed is reconstructed the shares and the seed are wiped and only
// the derived SimpleKMS remains.
package kms
