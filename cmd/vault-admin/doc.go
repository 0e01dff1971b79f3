// Command vault-admin manages the vault's master seed and its stored records.
//
// Commands:
//
//	status                 - show the bootstrap state of a vault-server
//	generate-admin         - generate an admin key pair
//	generate-admin-config  - build the --admin-keys-file for vault-server
//	split-seed             - generate a master seed offline and write share files
//	init-generate          - have the server generate and split the master seed
//	fetch-share            - download and decrypt this admin's share
//	init-recover           - put the server into recovery mode
//	submit-share           - submit this admin's share during recovery
//	records list|delete    - inspect the record storage directly
//
// Example bootstrap with three admins, any two of which can recover:
//
//	vault-admin generate-admin --admin-privkey-file=a1.pem --admin-pubkey-file=a1.pub
//	vault-admin generate-admin-config --admin-pubkey-files=a1.pub,a2.pub,a3.pub
//	vault-server --admin-keys-file=admins.json
//	vault-admin init-generate --threshold=2 --total-shares=3
//	vault-admin fetch-share --share-file=a1-share.hex   # by each admin
//
// After a restart, two admins run init-recover once and submit-share each.
//
// Share files hold hex and are interchangeable with vault-server --seed-share.
package main
