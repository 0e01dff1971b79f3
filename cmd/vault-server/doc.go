/*
Command vault-server runs the signing vault: the enclave behind its boundary
bridge and the HTTP API in front of it.

The enclave keys come from one master seed, supplied in one of three ways:

	vault-server --master-seed $(cat seed.hex)
	vault-server --seed-share share-1.hex --seed-share share-3.hex
	vault-server --admin-keys-file admins.json

With --admin-keys-file the server starts with only the admin API and the
health endpoints; admins then generate or recover the seed through /admin
(see vault-admin).

Records are stored wherever --storage points, for example

	--storage file:///var/lib/vault/records
	--storage postgres://vault@db/vault?sslmode=disable --storage s3://bucket/records?region=eu-west-1
*/
package main
