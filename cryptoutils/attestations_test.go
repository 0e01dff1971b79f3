package cryptoutils

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttestationTypeFromString(t *testing.T) {
	at, err := AttestationTypeFromString("qemu-tdx")
	require.NoError(t, err)
	assert.Equal(t, DCAPAttestation, at)

	at, err = AttestationTypeFromString("dummy")
	require.NoError(t, err)
	assert.Equal(t, DummyAttestation, at)

	_, err = AttestationTypeFromString("sgx")
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
}

func TestDummyAttestationProvider(t *testing.T) {
	kp, err := GenerateBoxKeyPair()
	require.NoError(t, err)

	p, err := AttestationProviderFor(DummyAttestation)
	require.NoError(t, err)
	att, err := p.Attest(EnclaveReportData(kp.Public))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(att), "Attestation for enclave key"))
}

func TestRemoteAttestationProvider(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("quote"))
	}))
	defer srv.Close()

	var reportData [64]byte
	reportData[0] = 0xaa
	quote, err := (&RemoteAttestationProvider{Address: srv.URL}).Attest(reportData)
	require.NoError(t, err)
	assert.Equal(t, []byte("quote"), quote)
	assert.True(t, strings.HasPrefix(gotPath, "/attest/aa00"))

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no tdx", http.StatusInternalServerError)
	}))
	defer failing.Close()
	_, err = (&RemoteAttestationProvider{Address: failing.URL}).Attest(reportData)
	assert.ErrorContains(t, err, "status 500")
}
