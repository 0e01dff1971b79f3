/*
# Master seed bootstrap

Every enclave key is derived from one 32-byte master seed. With admin keys
configured, the seed never exists outside the enclave process: it is split
into Shamir shares, each encrypted to one admin's P-256 key (ECIES).

All admin requests carry two headers:

  - X-Admin-ID: the admin's id from the admin keys file
  - X-Admin-Signature: base64 ECDSA (ASN.1) signature over sha256 of the
    URL path followed by the request body

First start:

 1. An admin calls POST /admin/init/generate {"threshold": t, "total_shares": n}
 2. The server generates a seed and encrypts one share for each of the
    first n admins, sorted by id
 3. Each admin fetches their share with GET /admin/share and decrypts it
    locally (vault-admin fetch-share)
 4. Once all n shares are fetched the vault starts serving

Restart:

 1. An admin calls POST /admin/init/recover {"threshold": t}
 2. Admins submit {"share", "signature"} to POST /admin/share, the signature
    made over the raw share with their key
 3. With t valid shares the seed is reconstructed, the enclave keys derived,
    and the seed and shares wiped

A share from an admin that already submitted replaces the earlier one.
*/
package httpserver
