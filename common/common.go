// Package common holds process-wide identifiers and logger setup shared by
// the vault server and its command-line tools.
package common

var (
	// Version is overridden at build time via -ldflags.
	Version = "dev"

	// PackageName is used as the metrics namespace.
	PackageName = "tee_signing_vault"
)
