/*
Package httpserver serves the signing vault over HTTP.

The host process never holds plaintext: vault requests arrive already sealed
to the enclave key and are passed through the enclave boundary unchanged.

The package has two parts:

 1. Vault API - sealed vault operations and the enclave report
 2. Admin API - bootstrap of the master seed from admin-held Shamir shares

# Vault API

  - POST /api/vault-operation - body is a sealed request envelope, the
    response a sealed response envelope (application/cbor). Failures at the
    boundary are reported as plain-text 4xx/5xx.
  - GET /api/enclave-report - JSON {"public_key", "attestation_type",
    "attestation"}; clients seal their requests to public_key after checking
    the attestation.
  - GET /livez, /readyz, /drain, /undrain

Until the enclave keys are available the vault routes answer 503 and
/readyz reports not ready.

# Admin API

Mounted under /admin when the server runs with admin keys. See
AdminHandler for the bootstrap flow.

Example usage:

	handler := httpserver.NewHandler(actor, enc, logger)
	server, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               ":8080",
		MetricsAddr:              ":8090",
		Log:                      logger,
		DrainDuration:            30 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, handler)
	if err != nil {
		return err
	}
	server.RunInBackground()
	defer server.Shutdown()
*/
package httpserver
