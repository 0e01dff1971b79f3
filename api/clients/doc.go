/*
Package clients provides Go clients for the signing vault HTTP API.

VaultClient runs vault operations. It pins the enclave public key from the
enclave report (optionally checking a DCAP quote over it), seals each request
to that key with a fresh keypair, and only accepts responses sealed by the
same key:

	c := clients.NewVaultClient("http://localhost:8080")
	if err := c.Connect(ctx, clients.VerifyDCAPReport(nil)); err != nil {
		return err
	}
	created, err := c.CreateVault(ctx, "alice", secret, "")

AdminClient drives the master seed bootstrap under /admin. Every request is
signed with the admin's P-256 key; shares are decrypted locally.
*/
package clients
